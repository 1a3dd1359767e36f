// Package blob stores variable length byte sequences for tree values.
//
// A blob is described by a Ref, the part of a value that lives inside a tree leaf.
// Short blobs (at most Options.InlineLimit bytes) keep their bytes in the Ref itself.
// Longer blobs spill to fixed size blocks of a db.BlockStore:
//
//	level n index block  ->  ...  ->  level 1 index blocks  ->  data blocks
//
// An index block holds BlockSize/8 big endian child ids. A zero id marks a child that
// was never written and reads as zeros, so growing a blob (Append) does not touch
// any block until data is written into the new region. A Ref with Levels == k can hold
// BlockSize * (BlockSize/8)^k bytes; Append adds index levels on top of the root as
// needed.
//
// All block access goes through a Txn. Blocks are never modified in place: Mutable
// relocates a block that was not allocated by the running transaction, and every
// relocation propagates up to the root id stored in the Ref. Until the transaction
// commits, the blocks reachable from the previous Ref are untouched, which makes an
// aborted or failed write invisible.
//
// Expose hands out zero-copy views on the transaction's block buffers. The returned
// Acquisition must be released on every path; a transaction refuses to commit while
// acquisitions are live.
package blob
