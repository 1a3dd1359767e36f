// Package bolt implements a persistent block store on top of go.etcd.io/bbolt.
//
// All blocks live in a single bucket keyed by the big endian block id. Block ids are
// taken from the bucket sequence (NextSequence), so ids stay unique across restarts.
// Every stored value carries a one byte header followed by the written prefix of the
// block; the rest of the block is implied zeros.
// The block size is recorded in a meta bucket on creation; reopening a file with a
// different block size fails.
//
// Every operation is its own bbolt transaction. bbolt serializes writers, which makes
// this engine slower than maple under concurrent writes, but blocks survive a restart.
package bolt
