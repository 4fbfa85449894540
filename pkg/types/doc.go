/*
Package types provides the core interfaces and data structures shared across
genlog.

The central contract is the ObjectStore interface, which abstracts the
distributed object store the generation manager coordinates through:
versioned compare-and-swap reads and writes on a metadata object, plain
object and OMAP manipulation for shards, and a watch/notify channel that
fans a change signal out to every participant.

The data model mirrors the persisted state: Entries is the ordered mapping
of generation ID to Generation, and Version is the opaque (counter, tag)
pair used for CAS. Entries keys are dense; the helpers (Lowest, Highest,
LowestNonEmpty) encode the traversals the manager performs on every refresh.

Implementations of ObjectStore live under internal/store: an in-memory
store for tests and tooling, a Redis-backed store, and an S3-backed store.
*/
package types
