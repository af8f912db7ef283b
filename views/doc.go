// Package views maintains named secondary indexes ("views") over the
// collections of a store.
//
// # Overview
//
// A view is described by a Definition: the collection it covers, a version,
// a classifier that puts a record into at most one group, and a sort key
// that orders the records of a group. The Registry turns definitions into
// Handles, builds the index for the records already in the store and then
// keeps it up to date from the store write path.
//
// # Key layout
//
// All keys start with 'I'. Strings are written in an escaped, self
// delimiting form (0x00 is stored as 0x00 0xff and every component ends
// with 0x00 0x01), so byte order of the keys follows the order of the
// components.
//
//   - Membership: "IV" + view + group + sortkey + record -> record key
//   - Reverse:    "IR" + view + record -> group + sortkey
//   - Counter:    "IC" + view + group -> uint64 BE, absent for empty groups
//   - Metadata:   "IM" + view -> TLV {version, state, cursor, processed, updated}
//   - Indexed:    "IS" + view -> uint64 BE store sequence of the last commit
//     the index reflects
//
// # Integration with writes
//
// The Registry is a store.Hook. For every Put and Remove it decodes the
// record once and updates every hooked view over that collection in the same
// write transaction: the old membership (found through the reverse entry) is
// removed, the new one inserted and the group counters adjusted. Right
// before the transaction commits, each hooked view gets the new store
// sequence stamped as its indexed sequence. Record and index changes commit
// together or not at all.
//
// A view whose indexed sequence differs from the store sequence has missed
// commits: they were made while the view was not registered, or by another
// process that does not maintain it. Such an index is never trusted.
//
// # Building
//
// Registration plans the build inside a write transaction, serialized with
// every writer, and hooks the view in that same transaction:
//
//   - Reuse: metadata says ready, the version matches and the indexed
//     sequence equals the store sequence. Nothing to do.
//   - Resume: an async build of the same version was interrupted and no
//     commit was missed since. It continues from the persisted cursor.
//   - Rebuild: anything else, including a changed version. The old entries
//     are dropped first.
//
// A Sync build indexes the whole collection inside the planning transaction.
// An Async build runs in the background, one write transaction per batch of
// records, persisting the cursor with every batch; the final batch marks the
// view ready. Cancellation stops an async build between batches. Because the
// view is hooked from the planning transaction on, records written while the
// build runs are maintained by the write path and re-applying them from the
// scan is a no-op.
//
// # Readiness
//
// A view may be queried only when its handle is Ready and the reader's
// snapshot agrees: ready metadata of the same version and an indexed
// sequence equal to the snapshot sequence. Queries on other views fail with
// ErrViewNotReady; Resolve picks the first ready view out of a preferred one
// and a fallback and never blocks.
//
// # Caching
//
// Group contents are cached per handle in an LRU keyed by the snapshot
// sequence, so a cached entry is exact for every snapshot with that
// sequence.
//
// # Metrics
//
// Prometheus metrics report builds, their results, durations and progress,
// and the state of every view.
package views
