/*
Package metrics provides Prometheus instrumentation for the generation
manager: shard probe outcomes, CAS attempts and conflicts, notify and
watch re-arm counts, per-operation latency histograms, and the current
head generation.

The Collector is optional everywhere it is consumed; a nil *Collector is
valid and records nothing, so instrumented code never guards its calls.
*/
package metrics
