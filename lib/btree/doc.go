// Package btree implements the key-value access layer: an in-memory B+tree whose
// leaves hold values together with the timestamp of the write that produced them.
//
// Access follows a fixed protocol:
//
//	sb := tree.AcquireSuperblock(btree.AccessWrite)
//	loc, err := tree.FindForWrite(sizer, sb, key, ts)   // releases sb
//	if err != nil { ... }
//	defer loc.Release()                                  // aborts if not applied
//	... modify loc.Value through loc.Txn ...
//	err = tree.Apply(sizer, loc, key, ts)                // commits and unlatches
//
// Latching: the superblock latch guards the root pointer, every node carries its own
// RWMutex. Descents use lock coupling, a parent latch is released as soon as the child
// latch is held. Writers split full nodes on the way down (a node is full when it could
// not absorb another entry of Sizer.MaxSize bytes), so no writer ever needs to climb
// back up. A write location therefore excludes all other readers and writers of its
// leaf and nothing else. Nodes are never merged; deleting keys leaves sparse leaves
// behind until they are filled again.
//
// Transactions: every location owns a Transaction implementing blob.Txn. Changed
// blocks are relocated (copy-on-write) and staged in memory. Apply writes the staged
// blocks, publishes the value, and only then frees the replaced blocks. A failed block
// write or a Release without Apply frees the new blocks and leaves the tree untouched.
//
// Deletions are recorded in a bounded tombstone log (DeletionsSince), which lets a
// backfill send only the changes after a given timestamp.
package btree
