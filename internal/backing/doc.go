/*
Package backing implements the log-backing generation manager: the
coordinator that manages the lifecycle of a sharded append-only log whose
physical backing may change format over time.

Each logical log is a numbered sequence of generations; each generation is
a horizontally sharded set of objects, each shard being either an
OMAP-based log or a FIFO-based log. The authoritative state is the entries
map — gen_id to {type, empty} — stored on a single well-known metadata
object under an opaque (counter, tag) version.

The Manager mediates every transition:

  - Setup probes or creates generation 0, installs the shared state, arms
    the watch, and delivers HandleInit.
  - Update incrementally refreshes the local view, validating that the
    tail and head only advance, and dispatches HandleEmptyTo and
    HandleNewGens for observed changes.
  - NewBacking appends a generation with a rotated backing format.
  - EmptyTo marks a drained prefix; RemoveEmpty physically destroys it.

All mutations go through compare-and-swap on the metadata object, retried
on conflict up to a bounded count. A watch on the metadata object keeps
every participant converging on the same view: any foreign notification
triggers a synchronous refresh.

The mutex guarding the in-memory entries map is never held across I/O;
every mutator snapshots under the lock, performs the store operation
unlocked, and reacquires the lock only to install the result.
*/
package backing
