package blob

import (
	"encoding/binary"
	"math"

	"github.com/ValentinKolb/bKV/lib/db"
	"github.com/cockroachdb/errors"
)

// --------------------------------------------------------------------------
// Types
// --------------------------------------------------------------------------

// DefaultInlineLimit is the largest blob kept inside the tree leaf by default.
const DefaultInlineLimit = 64

const (
	refHeaderSize = 8     // Size
	indirectSize  = 8 + 1 // Root + Levels
	childIDSize   = 8
)

var (
	// ErrOutOfBounds is returned when a region reaches past the end of the blob
	ErrOutOfBounds = errors.New("blob: region out of bounds")
)

// Ref is the in-leaf part of a blob. Levels == 0 means the bytes are inline.
//
// Inline bytes are never modified in place: every change replaces the slice, so
// a shallow copy of a Ref is an independent snapshot.
type Ref struct {
	Size   int64
	Inline []byte
	Root   db.BlockID // may be db.NilBlock for a blob that was grown but never written
	Levels int
}

// IsInline reports whether the blob bytes are stored in the Ref.
func (r *Ref) IsInline() bool {
	return r.Levels == 0
}

// LeafSize returns the number of bytes the Ref occupies in a tree leaf.
func (r *Ref) LeafSize() int {
	if r.IsInline() {
		return refHeaderSize + len(r.Inline)
	}
	return refHeaderSize + indirectSize
}

// Options configure the representation of a blob
type Options struct {
	InlineLimit int // blobs of at most this many bytes are kept inline
}

// DefaultOptions returns the default blob options
func DefaultOptions() Options {
	return Options{InlineLimit: DefaultInlineLimit}
}

// MaxLeafSize returns the largest LeafSize a Ref can have under these options.
func (o Options) MaxLeafSize() int {
	return refHeaderSize + max(o.InlineLimit, indirectSize)
}

// Txn gives a blob access to blocks. btree.Transaction is the production implementation.
type Txn interface {
	// BlockSize returns the size of every block.
	BlockSize() int
	// Load returns the current content of a block. The buffer must not be modified.
	Load(id db.BlockID) ([]byte, error)
	// Mutable returns a writable buffer for the block. Blocks not allocated by this
	// transaction are relocated, the returned id replaces id in the parent.
	Mutable(id db.BlockID) (db.BlockID, []byte, error)
	// Alloc returns a new zeroed writable block.
	Alloc() (db.BlockID, []byte, error)
	// Free releases a block when the transaction commits.
	Free(id db.BlockID) error
	// Acquire and ReleaseAcquisition count live zero-copy views.
	Acquire()
	ReleaseAcquisition()
}

// ExposeMode selects between read-only and writable views
type ExposeMode int

const (
	ExposeRead ExposeMode = iota
	ExposeWrite
)

// Acquisition pins the buffers handed out by Expose. Release must be called on every path.
type Acquisition struct {
	txn Txn
}

// Release ends the acquisition. Calling it more than once or on an unused acquisition is a no-op.
func (a *Acquisition) Release() {
	if a.txn != nil {
		a.txn.ReleaseAcquisition()
		a.txn = nil
	}
}

// Blob operates on a Ref
type Blob struct {
	ref  *Ref
	opts Options
}

// New wraps ref. Mutating operations update ref in place.
func New(ref *Ref, opts Options) *Blob {
	return &Blob{ref: ref, opts: opts}
}

// --------------------------------------------------------------------------
// Public Methods
// --------------------------------------------------------------------------

// ValueSize returns the logical length of the blob
func (b *Blob) ValueSize() int64 {
	return b.ref.Size
}

// Read returns a copy of length bytes starting at offset. A negative length reads to the end.
func (b *Blob) Read(txn Txn, offset, length int64) ([]byte, error) {
	if length < 0 {
		length = b.ref.Size - offset
	}
	if err := b.checkBounds(offset, length); err != nil {
		return nil, err
	}
	out := make([]byte, length)
	return out, b.ReadInto(txn, offset, NewBufferGroup(out))
}

// ReadInto fills dst with the blob content starting at offset.
func (b *Blob) ReadInto(txn Txn, offset int64, dst *BufferGroup) error {
	length := int64(dst.Len())
	if err := b.checkBounds(offset, length); err != nil {
		return err
	}
	if b.ref.IsInline() {
		dst.CopyFrom(b.ref.Inline[offset : offset+length])
		return nil
	}

	src := &BufferGroup{}
	var zeros []byte
	err := b.blocks(txn, offset, length, modeRead, func(chunk []byte, n int) error {
		if chunk == nil {
			if len(zeros) < n {
				zeros = make([]byte, n)
			}
			chunk = zeros[:n]
		}
		src.Add(chunk)
		return nil
	})
	if err != nil {
		return err
	}
	dst.copyInto(src)
	return nil
}

// Write copies data into the blob at offset. The region must be inside the blob, use Append to grow first.
func (b *Blob) Write(txn Txn, data []byte, offset int64) error {
	return b.WriteFrom(txn, offset, NewBufferGroup(data))
}

// WriteFrom copies the content of src into the blob at offset.
func (b *Blob) WriteFrom(txn Txn, offset int64, src *BufferGroup) error {
	length := int64(src.Len())
	if err := b.checkBounds(offset, length); err != nil {
		return err
	}
	if length == 0 {
		return nil
	}
	if b.ref.IsInline() {
		inline := append([]byte(nil), b.ref.Inline...)
		NewBufferGroup(inline[offset : offset+length]).copyInto(src)
		b.ref.Inline = inline
		return nil
	}

	dst := &BufferGroup{}
	if err := b.blocks(txn, offset, length, modeWrite, func(chunk []byte, _ int) error {
		dst.Add(chunk)
		return nil
	}); err != nil {
		return err
	}
	dst.copyInto(src)
	return nil
}

// Append grows the blob by n zero bytes. Crossing the inline limit moves the content
// to blocks, exceeding the capacity of the current levels adds index levels.
func (b *Blob) Append(txn Txn, n int64) error {
	if n < 0 {
		return errors.Newf("blob: cannot append %d bytes", n)
	}
	if n == 0 {
		return nil
	}
	newSize := b.ref.Size + n

	if b.ref.IsInline() {
		if newSize <= int64(b.opts.InlineLimit) {
			grown := make([]byte, newSize)
			copy(grown, b.ref.Inline)
			b.ref.Inline = grown
			b.ref.Size = newSize
			return nil
		}

		// spill the inline bytes to blocks
		old := b.ref.Inline
		*b.ref = Ref{Size: newSize, Levels: 1}
		if err := b.growLevels(txn, newSize); err != nil {
			return err
		}
		if len(old) > 0 {
			return b.Write(txn, old, 0)
		}
		return nil
	}

	if err := b.growLevels(txn, newSize); err != nil {
		return err
	}
	b.ref.Size = newSize
	return nil
}

// Clear frees all blocks of the blob and resets it to empty.
func (b *Blob) Clear(txn Txn) error {
	if !b.ref.IsInline() && b.ref.Root != db.NilBlock {
		if _, err := b.visit(txn, b.ref.Root, b.ref.Levels, 0, 0, 0, modeFree, nil); err != nil {
			return err
		}
	}
	*b.ref = Ref{}
	return nil
}

// Expose adds views on the blob region [offset, offset+length) to dst without copying.
// In ExposeWrite mode the views are writable and changes become part of the transaction.
// On success acq pins the views until acq.Release is called.
func (b *Blob) Expose(txn Txn, mode ExposeMode, offset, length int64, dst *BufferGroup, acq *Acquisition) error {
	if acq.txn != nil {
		panic(errors.AssertionFailedf("blob: acquisition is already in use"))
	}
	if err := b.checkBounds(offset, length); err != nil {
		return err
	}

	if b.ref.IsInline() {
		if mode == ExposeWrite {
			b.ref.Inline = append([]byte(nil), b.ref.Inline...)
		}
		dst.Add(b.ref.Inline[offset : offset+length])
	} else {
		visit := modeRead
		if mode == ExposeWrite {
			visit = modeWrite
		}
		if err := b.blocks(txn, offset, length, visit, func(chunk []byte, n int) error {
			if chunk == nil {
				chunk = make([]byte, n)
			}
			dst.Add(chunk)
			return nil
		}); err != nil {
			return err
		}
	}

	txn.Acquire()
	acq.txn = txn
	return nil
}

// --------------------------------------------------------------------------
// Internal Methods
// --------------------------------------------------------------------------

func (b *Blob) checkBounds(offset, length int64) error {
	if offset < 0 || length < 0 || offset+length > b.ref.Size {
		return errors.Wrapf(ErrOutOfBounds, "offset %d length %d size %d", offset, length, b.ref.Size)
	}
	return nil
}

// capacity returns the number of bytes addressable with the given number of index levels
func capacity(blockSize, levels int) int64 {
	fanout := int64(blockSize / childIDSize)
	c := int64(blockSize)
	for i := 0; i < levels; i++ {
		if c > math.MaxInt64/fanout {
			return math.MaxInt64
		}
		c *= fanout
	}
	return c
}

// span returns the number of data blocks below one child of an index block at level
func span(blockSize, level int) int64 {
	fanout := int64(blockSize / childIDSize)
	s := int64(1)
	for i := 1; i < level; i++ {
		s *= fanout
	}
	return s
}

func (b *Blob) growLevels(txn Txn, size int64) error {
	for capacity(txn.BlockSize(), b.ref.Levels) < size {
		if b.ref.Root != db.NilBlock {
			id, index, err := txn.Alloc()
			if err != nil {
				return errors.Wrap(err, "allocate index block")
			}
			putChild(index, 0, b.ref.Root)
			b.ref.Root = id
		}
		b.ref.Levels++
	}
	return nil
}

func child(index []byte, i int64) db.BlockID {
	if index == nil {
		return db.NilBlock
	}
	return db.BlockID(binary.BigEndian.Uint64(index[i*childIDSize:]))
}

func putChild(index []byte, i int64, id db.BlockID) {
	binary.BigEndian.PutUint64(index[i*childIDSize:], uint64(id))
}

type visitMode int

const (
	modeRead visitMode = iota
	modeWrite
	modeFree
)

// blocks calls fn for the part of every data block that overlaps [offset, offset+length),
// in order. In read mode a nil chunk stands for n zero bytes.
func (b *Blob) blocks(txn Txn, offset, length int64, mode visitMode, fn func(chunk []byte, n int) error) error {
	if length == 0 {
		return nil
	}
	bs := int64(txn.BlockSize())
	from := offset / bs
	to := (offset + length + bs - 1) / bs

	root, err := b.visit(txn, b.ref.Root, b.ref.Levels, 0, from, to, mode, func(idx int64, data []byte) error {
		start := max(offset, idx*bs)
		end := min(offset+length, (idx+1)*bs)
		n := int(end - start)
		if data == nil {
			return fn(nil, n)
		}
		lo := start - idx*bs
		return fn(data[lo:lo+int64(n)], n)
	})
	if err != nil {
		return err
	}
	if mode == modeWrite {
		b.ref.Root = root
	}
	return nil
}

// visit walks the data blocks with index in [from, to) below block id at the given level
// (0 = data block). base is the index of the first data block covered by id. In write mode
// missing blocks are allocated, existing ones are made mutable, and the (possibly new) id
// is returned. In free mode the whole subtree is released and the range is ignored.
func (b *Blob) visit(txn Txn, id db.BlockID, level int, base, from, to int64, mode visitMode, fn func(idx int64, data []byte) error) (db.BlockID, error) {
	if level == 0 {
		switch mode {
		case modeRead:
			if id == db.NilBlock {
				return id, fn(base, nil)
			}
			data, err := txn.Load(id)
			if err != nil {
				return id, errors.Wrapf(err, "load data block %d", id)
			}
			return id, fn(base, data)
		case modeWrite:
			var (
				data []byte
				err  error
			)
			if id == db.NilBlock {
				id, data, err = txn.Alloc()
			} else {
				id, data, err = txn.Mutable(id)
			}
			if err != nil {
				return id, errors.Wrap(err, "prepare data block")
			}
			return id, fn(base, data)
		default:
			return db.NilBlock, txn.Free(id)
		}
	}

	childSpan := span(txn.BlockSize(), level)
	fanout := int64(txn.BlockSize() / childIDSize)

	var (
		index []byte
		err   error
	)
	switch {
	case mode == modeWrite && id == db.NilBlock:
		id, index, err = txn.Alloc()
	case mode == modeWrite:
		id, index, err = txn.Mutable(id)
	case id != db.NilBlock:
		index, err = txn.Load(id)
	case mode == modeFree:
		return db.NilBlock, nil
	}
	if err != nil {
		return id, errors.Wrapf(err, "prepare index block at level %d", level)
	}

	if mode == modeFree {
		for i := int64(0); i < fanout; i++ {
			if c := child(index, i); c != db.NilBlock {
				if _, err := b.visit(txn, c, level-1, 0, 0, 0, modeFree, nil); err != nil {
					return id, err
				}
			}
		}
		return db.NilBlock, txn.Free(id)
	}

	first := (from - base) / childSpan
	last := (to - 1 - base) / childSpan
	for i := first; i <= last; i++ {
		childBase := base + i*childSpan
		c, err := b.visit(txn, child(index, i), level-1, childBase,
			max(from, childBase), min(to, childBase+childSpan), mode, fn)
		if err != nil {
			return id, err
		}
		if mode == modeWrite {
			putChild(index, i, c)
		}
	}
	return id, nil
}
