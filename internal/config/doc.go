/*
Package config provides the yaml-backed configuration for genlog tooling.

Configuration is loaded in three layers: built-in defaults, an optional
yaml file, and GENLOG_* environment overrides, in that order. The result
is validated before use — an unknown store backend, a non-positive shard
count, or an unparseable default backing type all fail loading rather than
surfacing later as runtime errors.

The package also carries the default shard naming scheme (ShardOID), which
maps (generation, shard) to an object name. Generation 0 omits the
generation component so deployments that predate generations keep their
object names.
*/
package config
