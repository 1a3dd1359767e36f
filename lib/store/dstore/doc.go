// Package dstore implements a replicated region store using the Dragonboat RAFT consensus
// library. It provides a strongly consistent implementation of the store.IStore interface
// where every replica of a shard owns a local region store (lstore).
//
// Architecture:
//
//   - Store Client: Implements store.IStore and communicates with the RAFT shard. Writes are
//     serialized into commands and proposed, reads are queries against the local replica.
//
//   - State Machine: A Dragonboat IStateMachine wrapping one local region store per replica.
//     Update applies commands, Lookup answers queries.
//
//   - Communication Protocol: Defined in the internal package (commands, results, queries).
//
// Timestamps:
//
//	The raft log index of an entry is its write timestamp, so every replica applies the
//	same writes at the same timestamps. The timestamp passed to Write is ignored.
//	Clock dependent redis commands (EXPIRE) are rewritten into their absolute form before
//	they are proposed.
//
// Read Operations:
//
//   - Linearizable Reads: Reads, timestamps and backfills use SyncRead, the replica has
//     applied all committed entries before the query runs.
//
//   - Stale Reads: GetDBInfo, IsCoherent and metrics use StaleRead.
//
// Snapshots:
//
//	Raft snapshots are backfill streams: SaveSnapshot runs a full backfill of the replica
//	into a serializer.Encoder, RecoverFromSnapshot replays the stream into the replica as
//	backfill receiver. A broken snapshot leaves the replica incoherent until the next
//	complete one is recovered. The codec must be the same on all replicas.
//
// Backfills:
//
//	A replicated region can send a backfill (from the local replica, after catching up
//	with the leader) but never receives one, the Backfillee methods fail with
//	RetCUnsupportedOperation. While a backfill is streamed the replica applies no entries.
//
// Error Handling and Retries:
//
//   - System Busy: When Dragonboat returns ErrSystemBusy, the operation is retried
//     after a short delay, up to 5 attempts.
//
//   - Timeouts: Every attempt has the configured timeout. A cancelled caller context
//     results in RetCInterrupted.
//
// Usage:
//
//	nh, err := dragonboat.NewNodeHost(nodeHostConfig)
//	if err != nil { ... }
//
//	err = nh.StartReplica(
//	    clusterMembers,
//	    false,
//	    dstore.CreateStateMachineFactory(lstore.Config{Region: region, Blocks: factory}, codec),
//	    shardConfig)
//	if err != nil { ... }
//
//	s := dstore.NewDistributedStore(nh, shardID, region, 5*time.Second)
package dstore
