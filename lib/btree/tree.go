package btree

import (
	"bytes"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/bKV/lib/db"
	"github.com/cockroachdb/errors"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("btree")

// --------------------------------------------------------------------------
// Constants and Options
// --------------------------------------------------------------------------

// MaxKeySize is the largest key the tree accepts
const MaxKeySize = 250

const (
	DefaultNodeSize        = 4096
	DefaultMaxEntries      = 64
	DefaultDeletionLogSize = 1024

	childRefSize = 8 // accounted per child of an internal node
)

var (
	// ErrKeyTooLarge is returned for keys longer than MaxKeySize
	ErrKeyTooLarge = errors.Newf("btree: key exceeds %d bytes", MaxKeySize)
)

// Sizer reports the in-leaf size of values. MaxSize bounds Size for every value.
type Sizer[V any] interface {
	Size(v *V) int
	MaxSize() int
}

// Options configure the shape of the tree
type Options struct {
	NodeSize        int // byte budget of a node, keys and values included
	MaxEntries      int // maximum number of entries (leaf) or children (internal node)
	DeletionLogSize int // number of tombstones kept for incremental backfills
}

// DefaultOptions returns the default tree options
func DefaultOptions() Options {
	return Options{
		NodeSize:        DefaultNodeSize,
		MaxEntries:      DefaultMaxEntries,
		DeletionLogSize: DefaultDeletionLogSize,
	}
}

// --------------------------------------------------------------------------
// Nodes
// --------------------------------------------------------------------------

type entry[V any] struct {
	key   []byte
	value *V
	size  int    // len(key) + sizer size of value when it was written
	ts    uint64 // timestamp of the write that produced value
}

type node[V any] struct {
	mu   sync.RWMutex
	leaf bool

	// internal nodes: len(keys) == len(children)-1, keys[i] separates children[i] and children[i+1]
	keys     [][]byte
	children []*node[V]

	// leaves
	entries []entry[V]
	next    *node[V]

	bytes int
}

// childIndex returns the position of the child whose subtree contains key
func (n *node[V]) childIndex(key []byte) int {
	return sort.Search(len(n.keys), func(i int) bool {
		return bytes.Compare(n.keys[i], key) > 0
	})
}

// search returns the position of key in a leaf, or where it would be inserted
func (n *node[V]) search(key []byte) (int, bool) {
	i := sort.Search(len(n.entries), func(i int) bool {
		return bytes.Compare(n.entries[i].key, key) >= 0
	})
	return i, i < len(n.entries) && bytes.Equal(n.entries[i].key, key)
}

// --------------------------------------------------------------------------
// Tree
// --------------------------------------------------------------------------

// Tree is an in-memory B+tree whose values may reference blocks of a db.BlockStore.
//
// Every node has its own latch. Writers descend with exclusive latches and split
// full nodes on the way down, so a parent latch is never needed again once the
// child latch is held.
type Tree[V any] struct {
	super sync.RWMutex // superblock latch, protects root
	root  *node[V]

	store     db.BlockStore
	opts      Options
	deletions *deletionLog
	count     atomic.Int64
}

// New creates an empty tree storing out-of-node data in store.
func New[V any](store db.BlockStore, opts Options) *Tree[V] {
	if opts.NodeSize <= 0 {
		opts.NodeSize = DefaultNodeSize
	}
	if opts.MaxEntries < 4 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.DeletionLogSize <= 0 {
		opts.DeletionLogSize = DefaultDeletionLogSize
	}
	return &Tree[V]{
		root:      &node[V]{leaf: true},
		store:     store,
		opts:      opts,
		deletions: newDeletionLog(opts.DeletionLogSize),
	}
}

// Store returns the block store of the tree
func (t *Tree[V]) Store() db.BlockStore {
	return t.store
}

// Len returns the number of entries
func (t *Tree[V]) Len() int64 {
	return t.count.Load()
}

// DeletionsSince returns the tombstones recorded after ts in timestamp order. complete
// is false when tombstones newer than ts were already dropped from the bounded log.
func (t *Tree[V]) DeletionsSince(ts uint64) ([]Tombstone, bool) {
	return t.deletions.since(ts)
}

// ResetDeletions forgets all recorded tombstones. Later calls to DeletionsSince with a
// timestamp below floor report an incomplete log.
func (t *Tree[V]) ResetDeletions(floor uint64) {
	t.deletions.reset(floor)
}

// --------------------------------------------------------------------------
// Superblock
// --------------------------------------------------------------------------

// Access selects shared or exclusive superblock access
type Access int

const (
	AccessRead Access = iota
	AccessWrite
)

// Superblock is the transaction-scoped handle on the tree root.
type Superblock[V any] struct {
	tree   *Tree[V]
	access Access
	held   bool
}

// AcquireSuperblock latches the superblock. Find operations release it as soon as
// the root latch is held; Release is only needed when the superblock is not used.
func (t *Tree[V]) AcquireSuperblock(access Access) *Superblock[V] {
	if access == AccessWrite {
		t.super.Lock()
	} else {
		t.super.RLock()
	}
	return &Superblock[V]{tree: t, access: access, held: true}
}

// Release drops the superblock latch, it is a no-op after the first call.
func (sb *Superblock[V]) Release() {
	if !sb.held {
		return
	}
	sb.held = false
	if sb.access == AccessWrite {
		sb.tree.super.Unlock()
	} else {
		sb.tree.super.RUnlock()
	}
}

func (t *Tree[V]) checkSuperblock(sb *Superblock[V], access Access) {
	if sb.tree != t || !sb.held {
		panic(errors.AssertionFailedf("btree: superblock is not held for this tree"))
	}
	if access == AccessWrite && sb.access != AccessWrite {
		panic(errors.AssertionFailedf("btree: write access with a read superblock"))
	}
}

// --------------------------------------------------------------------------
// Locations
// --------------------------------------------------------------------------

// Location is a latched slot of the tree.
//
// For read locations Value points to the stored value and stays valid until Release.
// For write locations Value is a private copy (nil if the key is absent); the caller
// replaces or modifies it through Txn and publishes it with Apply. Setting Value to
// nil deletes the key.
type Location[V any] struct {
	Value     *V
	Txn       *Transaction
	Timestamp uint64 // timestamp of the stored entry, 0 if absent

	tree  *Tree[V]
	leaf  *node[V]
	key   []byte
	ts    uint64 // timestamp the write location was opened for
	found bool
	write bool
	done  bool
}

// Found reports whether the key existed when the location was opened
func (l *Location[V]) Found() bool {
	return l.found
}

// Release drops the latches of the location. An unapplied write location is aborted:
// blocks allocated by its transaction are freed and the tree is left untouched.
// Release is idempotent and may be deferred right after a Find call.
func (l *Location[V]) Release() {
	if l.done {
		return
	}
	l.done = true
	if l.write {
		l.Txn.abort()
		l.leaf.mu.Unlock()
	} else {
		l.leaf.mu.RUnlock()
	}
}

// --------------------------------------------------------------------------
// Find Operations
// --------------------------------------------------------------------------

// FindForRead descends with shared latches to the leaf responsible for key.
// The superblock is released once the root latch is held.
func (t *Tree[V]) FindForRead(_ Sizer[V], sb *Superblock[V], key []byte) (*Location[V], error) {
	if len(key) > MaxKeySize {
		sb.Release()
		return nil, ErrKeyTooLarge
	}
	t.checkSuperblock(sb, AccessRead)

	n := t.descendRead(sb, key)
	loc := &Location[V]{
		Txn:  newTransaction(t.store, false),
		tree: t,
		leaf: n,
		key:  key,
	}
	if i, found := n.search(key); found {
		loc.Value = n.entries[i].value
		loc.Timestamp = n.entries[i].ts
		loc.found = true
	}
	return loc, nil
}

// descendRead returns the read latched leaf for key and releases sb
func (t *Tree[V]) descendRead(sb *Superblock[V], key []byte) *node[V] {
	n := t.root
	n.mu.RLock()
	sb.Release()
	for !n.leaf {
		c := n.children[n.childIndex(key)]
		c.mu.RLock()
		n.mu.RUnlock()
		n = c
	}
	return n
}

// FindForWrite descends with exclusive latches to the leaf responsible for key,
// splitting every node on the path that could not absorb another entry. At most one
// write location per leaf exists at a time.
func (t *Tree[V]) FindForWrite(sizer Sizer[V], sb *Superblock[V], key []byte, ts uint64) (*Location[V], error) {
	if len(key) > MaxKeySize {
		sb.Release()
		return nil, ErrKeyTooLarge
	}
	t.checkSuperblock(sb, AccessWrite)

	n := t.root
	n.mu.Lock()
	if t.full(sizer, n) {
		// the new root is unreachable for others until the superblock is released
		right, sep := t.split(n)
		t.root = &node[V]{
			keys:     [][]byte{sep},
			children: []*node[V]{n, right},
			bytes:    len(sep) + 2*childRefSize,
		}
		if bytes.Compare(key, sep) >= 0 {
			right.mu.Lock()
			n.mu.Unlock()
			n = right
		}
	}
	sb.Release()

	for !n.leaf {
		i := n.childIndex(key)
		c := n.children[i]
		c.mu.Lock()
		if t.full(sizer, c) {
			right, sep := t.split(c)
			n.insertChild(i, sep, right)
			if bytes.Compare(key, sep) >= 0 {
				right.mu.Lock()
				c.mu.Unlock()
				c = right
			}
		}
		n.mu.Unlock()
		n = c
	}

	loc := &Location[V]{
		Txn:   newTransaction(t.store, true),
		tree:  t,
		leaf:  n,
		key:   append([]byte(nil), key...),
		ts:    ts,
		write: true,
	}
	if i, found := n.search(key); found {
		// shallow copy, values must not share mutable state with their copies
		v := *n.entries[i].value
		loc.Value = &v
		loc.Timestamp = n.entries[i].ts
		loc.found = true
	}
	return loc, nil
}

// Apply commits the transaction of a write location and publishes loc.Value for key
// with timestamp ts (nil deletes the key). All latches are released, also on error.
// If the block commit fails the tree is unchanged and the blocks allocated by the
// transaction are freed.
func (t *Tree[V]) Apply(sizer Sizer[V], loc *Location[V], key []byte, ts uint64) error {
	if !loc.write {
		panic(errors.AssertionFailedf("btree: apply on a read location"))
	}
	if loc.done {
		panic(errors.AssertionFailedf("btree: location applied twice"))
	}
	if !bytes.Equal(key, loc.key) || ts != loc.ts {
		panic(errors.AssertionFailedf("btree: apply for key %q at %d on location of key %q at %d", key, ts, loc.key, loc.ts))
	}

	if err := loc.Txn.writeBlocks(); err != nil {
		loc.Release()
		return err
	}

	n := loc.leaf
	i, found := n.search(key)
	switch {
	case loc.Value != nil && found:
		e := &n.entries[i]
		size := len(key) + sizer.Size(loc.Value)
		n.bytes += size - e.size
		e.value, e.size, e.ts = loc.Value, size, ts
	case loc.Value != nil:
		size := len(key) + sizer.Size(loc.Value)
		n.entries = append(n.entries, entry[V]{})
		copy(n.entries[i+1:], n.entries[i:])
		n.entries[i] = entry[V]{key: loc.key, value: loc.Value, size: size, ts: ts}
		n.bytes += size
		t.count.Add(1)
	case found:
		n.bytes -= n.entries[i].size
		n.entries = append(n.entries[:i], n.entries[i+1:]...)
		t.count.Add(-1)
		t.deletions.record(loc.key, ts)
	}

	loc.Txn.releaseFreed()
	loc.done = true
	n.mu.Unlock()
	return nil
}

// --------------------------------------------------------------------------
// Scan
// --------------------------------------------------------------------------

// ScanFunc is called for every visited entry. The value is only valid during the call.
// Returning false stops the scan.
type ScanFunc[V any] func(key []byte, value *V, ts uint64) bool

// Scan visits all entries with start <= key < end in key order (nil end = unbounded)
// by following the leaf sibling links with shared latch coupling.
func (t *Tree[V]) Scan(sb *Superblock[V], start, end []byte, fn ScanFunc[V]) {
	t.checkSuperblock(sb, AccessRead)

	n := t.descendRead(sb, start)
	i, _ := n.search(start)
	for {
		for ; i < len(n.entries); i++ {
			e := n.entries[i]
			if end != nil && bytes.Compare(e.key, end) >= 0 {
				n.mu.RUnlock()
				return
			}
			if !fn(e.key, e.value, e.ts) {
				n.mu.RUnlock()
				return
			}
		}
		next := n.next
		if next == nil {
			n.mu.RUnlock()
			return
		}
		next.mu.RLock()
		n.mu.RUnlock()
		n, i = next, 0
	}
}

// --------------------------------------------------------------------------
// Splitting
// --------------------------------------------------------------------------

// full reports whether n could not absorb one more maximal entry
func (t *Tree[V]) full(sizer Sizer[V], n *node[V]) bool {
	if n.leaf {
		if len(n.entries) < 2 {
			return false
		}
		return len(n.entries) >= t.opts.MaxEntries ||
			n.bytes+MaxKeySize+sizer.MaxSize() > t.opts.NodeSize
	}
	if len(n.children) < 3 {
		return false
	}
	return len(n.children) >= t.opts.MaxEntries ||
		n.bytes+MaxKeySize+childRefSize > t.opts.NodeSize
}

// split moves the upper half of the exclusively latched node n into a new right
// sibling and returns it with the separator key.
func (t *Tree[V]) split(n *node[V]) (*node[V], []byte) {
	if n.leaf {
		// split at the byte midpoint, both halves keep at least one entry
		mid, acc := 1, n.entries[0].size
		for mid < len(n.entries)-1 && acc < n.bytes/2 {
			acc += n.entries[mid].size
			mid++
		}
		right := &node[V]{
			leaf:    true,
			entries: append([]entry[V](nil), n.entries[mid:]...),
			next:    n.next,
			bytes:   n.bytes - acc,
		}
		clear(n.entries[mid:])
		n.entries = n.entries[:mid]
		n.bytes = acc
		n.next = right
		return right, append([]byte(nil), right.entries[0].key...)
	}

	mid := len(n.keys) / 2
	sep := n.keys[mid]
	right := &node[V]{
		keys:     append([][]byte(nil), n.keys[mid+1:]...),
		children: append([]*node[V](nil), n.children[mid+1:]...),
	}
	clear(n.keys[mid:])
	clear(n.children[mid+1:])
	n.keys = n.keys[:mid]
	n.children = n.children[:mid+1]
	n.recount()
	right.recount()
	return right, sep
}

// insertChild adds right directly after children[i], separated by sep
func (n *node[V]) insertChild(i int, sep []byte, right *node[V]) {
	n.keys = append(n.keys, nil)
	copy(n.keys[i+1:], n.keys[i:])
	n.keys[i] = sep
	n.children = append(n.children, nil)
	copy(n.children[i+2:], n.children[i+1:])
	n.children[i+1] = right
	n.bytes += len(sep) + childRefSize
}

func (n *node[V]) recount() {
	n.bytes = len(n.children) * childRefSize
	for _, k := range n.keys {
		n.bytes += len(k)
	}
}
