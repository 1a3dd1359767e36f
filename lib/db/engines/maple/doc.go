// Package maple implements an in-memory block store satisfying db.BlockStore.
// It is the default engine behind the blob layer: every indirect blob block lives in
// one of a fixed number of shards, each an xsync.MapOf keyed by block id.
//
// Key Components:
//
//   - mapleImpl: The central structure implementing db.BlockStore. It hands out block
//     ids from a monotonically increasing atomic counter and routes every id to its
//     shard. Ids are never reused, so a stale reference can never observe a block that
//     was reallocated for something else.
//
//   - Shard: A partition of the block space. Block ids are hashed with the
//     instance seed (util.HashUint64) and right-shifted by 7 bits before the modulo,
//     which spreads the sequential ids evenly across shards.
//
//   - Block: The content of one block. Allocated but never written blocks store no
//     buffer at all and read as zeros, which keeps freshly allocated index blocks cheap.
//
// Metrics: the engine keeps a live block counter and read/write meters
// (github.com/rcrowley/go-metrics). They are reported by GetInfo together with the
// shard distribution statistics.
//
// Persistence: none. Closing the store drops every block; use the bolt engine when
// blocks must survive a restart.
package maple
