// Package store defines the region store abstraction of bKV: a store owns one half-open
// key region, orders writes by a per region timestamp and can bring a replica up to date
// by streaming a backfill.
//
// Key Components:
//
//   - IStore Interface: The core abstraction. Reads and writes are typed requests
//     (point, range, map-reduce and redis command reads, set, delete and redis command
//     writes) that must lie within the store's Region. Every write carries a Timestamp
//     that must not be older than the store's current one.
//
//   - Backfill Protocol: A receiving store starts a session with BackfilleeBegin and
//     hands the resulting BackfillRequest to a sending store. The sender streams
//     BackfillChunks (delete range, delete key, set key) into a ChunkSink and returns
//     a BackfillEnd, which the receiver applies with BackfilleeEnd. A cancelled session
//     leaves the receiver incoherent until the next full backfill.
//
//   - Error System: A structured error reporting mechanism using typed return codes
//     and descriptive messages. Errors compare by code, so errors.Is(err, ErrNotCoherent)
//     holds for any not coherent error, and Code extracts the code from wrapped errors.
//
// Implementations:
//
//   - Local Store (lstore): owns a region on a single node, backed by a copy-on-write
//     B-tree in a block store. Available in "github.com/ValentinKolb/bKV/lib/store/lstore".
//
//   - Distributed Store (dstore): replicates a local store through the Dragonboat RAFT
//     library. The raft log index is the write timestamp and snapshots are backfill
//     streams. Available in "github.com/ValentinKolb/bKV/lib/store/dstore".
package store
