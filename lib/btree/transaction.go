package btree

import (
	"github.com/ValentinKolb/bKV/lib/blob"
	"github.com/ValentinKolb/bKV/lib/db"
	"github.com/cockroachdb/errors"
)

var _ blob.Txn = (*Transaction)(nil)

// Transaction stages the block changes of one key-value location.
//
// Blocks are copy-on-write: Mutable relocates every block that was not allocated by
// this transaction. Nothing is written to the block store before commit, and the
// blocks replaced by the transaction are only freed after the new value is published.
type Transaction struct {
	store    db.BlockStore
	writable bool
	dirty    map[db.BlockID][]byte // allocated by this transaction, content to write on commit
	freed    map[db.BlockID]struct{}
	acquired int
	finished bool
}

func newTransaction(store db.BlockStore, writable bool) *Transaction {
	return &Transaction{
		store:    store,
		writable: writable,
	}
}

// NewReadTransaction returns a read-only transaction on the block store of the tree,
// e.g. for reading the values visited by Scan.
func (t *Tree[V]) NewReadTransaction() *Transaction {
	return newTransaction(t.store, false)
}

// --------------------------------------------------------------------------
// Interface Methods (docu see blob.Txn)
// --------------------------------------------------------------------------

func (txn *Transaction) BlockSize() int {
	return txn.store.BlockSize()
}

func (txn *Transaction) Load(id db.BlockID) ([]byte, error) {
	if data, ok := txn.dirty[id]; ok {
		return data, nil
	}
	return txn.store.Read(id)
}

func (txn *Transaction) Mutable(id db.BlockID) (db.BlockID, []byte, error) {
	txn.mustWrite()
	if data, ok := txn.dirty[id]; ok {
		return id, data, nil
	}
	data, err := txn.store.Read(id)
	if err != nil {
		return id, nil, err
	}
	newID, err := txn.store.Allocate()
	if err != nil {
		return id, nil, err
	}
	txn.dirty[newID] = data
	txn.freed[id] = struct{}{}
	return newID, data, nil
}

func (txn *Transaction) Alloc() (db.BlockID, []byte, error) {
	txn.mustWrite()
	id, err := txn.store.Allocate()
	if err != nil {
		return db.NilBlock, nil, err
	}
	data := make([]byte, txn.store.BlockSize())
	txn.dirty[id] = data
	return id, data, nil
}

func (txn *Transaction) Free(id db.BlockID) error {
	txn.mustWrite()
	if _, ok := txn.dirty[id]; ok {
		// never visible outside this transaction
		delete(txn.dirty, id)
		return txn.store.Free(id)
	}
	txn.freed[id] = struct{}{}
	return nil
}

func (txn *Transaction) Acquire() {
	txn.acquired++
}

func (txn *Transaction) ReleaseAcquisition() {
	if txn.acquired == 0 {
		panic(errors.AssertionFailedf("btree: acquisition released twice"))
	}
	txn.acquired--
}

// --------------------------------------------------------------------------
// Commit and Abort
// --------------------------------------------------------------------------

func (txn *Transaction) mustWrite() {
	if !txn.writable {
		panic(errors.AssertionFailedf("btree: block modification in a read-only transaction"))
	}
	if txn.finished {
		panic(errors.AssertionFailedf("btree: block modification after the transaction finished"))
	}
	if txn.dirty == nil {
		txn.dirty = make(map[db.BlockID][]byte)
		txn.freed = make(map[db.BlockID]struct{})
	}
}

// writeBlocks persists all staged blocks. The previous value stays intact on failure.
func (txn *Transaction) writeBlocks() error {
	if txn.acquired > 0 {
		panic(errors.AssertionFailedf("btree: commit with %d live acquisitions", txn.acquired))
	}
	for id, data := range txn.dirty {
		if err := txn.store.Write(id, data); err != nil {
			return errors.Wrapf(err, "commit block %d", id)
		}
	}
	return nil
}

// releaseFreed frees the blocks replaced by the committed value
func (txn *Transaction) releaseFreed() {
	for id := range txn.freed {
		if err := txn.store.Free(id); err != nil {
			log.Warningf("could not free block %d after commit, it is leaked: %v", id, err)
		}
	}
	txn.dirty, txn.freed = nil, nil
	txn.finished = true
}

// abort frees every block allocated by the transaction and drops staged changes
func (txn *Transaction) abort() {
	for id := range txn.dirty {
		if err := txn.store.Free(id); err != nil {
			log.Warningf("could not free block %d on abort, it is leaked: %v", id, err)
		}
	}
	txn.dirty, txn.freed = nil, nil
	txn.acquired = 0
	txn.finished = true
}
