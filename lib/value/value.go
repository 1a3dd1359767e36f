package value

import (
	"encoding/binary"

	"github.com/ValentinKolb/bKV/lib/blob"
	"github.com/ValentinKolb/bKV/lib/btree"
	"github.com/cockroachdb/errors"
)

// --------------------------------------------------------------------------
// Kinds
// --------------------------------------------------------------------------

// Kind is the type tag of a value
type Kind uint8

const (
	String Kind = iota
	List
	Hash
	Set
	ZSet
)

func (k Kind) String() string {
	switch k {
	case String:
		return "string"
	case List:
		return "list"
	case Hash:
		return "hash"
	case Set:
		return "set"
	case ZSet:
		return "zset"
	default:
		return "unknown"
	}
}

// Valid reports whether k is one of the known kinds
func (k Kind) Valid() bool {
	return k <= ZSet
}

// --------------------------------------------------------------------------
// Value
// --------------------------------------------------------------------------

// ExpirationSize is the width of the expiration header
const ExpirationSize = 8

// headerSize is the in-leaf overhead of a value: kind and flags
const headerSize = 2

var (
	// ErrInvalidKind is returned when a value is built with an unknown kind
	ErrInvalidKind = errors.New("value: invalid kind")
)

// Value is the entry type of the tree
type Value struct {
	Kind          Kind
	HasExpiration bool
	Content       blob.Ref
}

// ExpirationSet reports whether the value carries an expiration epoch
func (v *Value) ExpirationSet() bool {
	return v.HasExpiration
}

func (v *Value) headerLen() int64 {
	if v.HasExpiration {
		return ExpirationSize
	}
	return 0
}

// PayloadSize returns the length of the payload without the expiration header
func (v *Value) PayloadSize() int64 {
	return v.Content.Size - v.headerLen()
}

// Plain is the materialized form of a value, independent of any block storage.
type Plain struct {
	Kind          Kind
	HasExpiration bool
	Expiration    int64 // Unix seconds, only meaningful if HasExpiration
	Payload       []byte
}

// --------------------------------------------------------------------------
// Sizer
// --------------------------------------------------------------------------

var _ btree.Sizer[Value] = Sizer{}

// Sizer reports the in-leaf size of values and performs all content changes,
// which depend on the blob options.
type Sizer struct {
	Blob blob.Options
}

// NewSizer returns a Sizer for the given blob options
func NewSizer(opts blob.Options) Sizer {
	return Sizer{Blob: opts}
}

func (s Sizer) Size(v *Value) int {
	return headerSize + v.Content.LeafSize()
}

func (s Sizer) MaxSize() int {
	return headerSize + s.Blob.MaxLeafSize()
}

func (s Sizer) blob(v *Value) *blob.Blob {
	return blob.New(&v.Content, s.Blob)
}

// New builds a value of the given kind without expiration.
func (s Sizer) New(txn blob.Txn, kind Kind, payload []byte) (*Value, error) {
	if !kind.Valid() {
		return nil, errors.Wrapf(ErrInvalidKind, "kind %d", kind)
	}
	v := &Value{Kind: kind}
	if err := s.writeContent(txn, v, nil, payload); err != nil {
		return nil, err
	}
	return v, nil
}

// Payload returns a copy of the payload
func (s Sizer) Payload(txn blob.Txn, v *Value) ([]byte, error) {
	return s.blob(v).Read(txn, v.headerLen(), v.PayloadSize())
}

// PayloadRange returns length bytes of the payload starting at offset (length < 0 = to the end).
func (s Sizer) PayloadRange(txn blob.Txn, v *Value, offset, length int64) ([]byte, error) {
	if length < 0 {
		length = v.PayloadSize() - offset
	}
	return s.blob(v).Read(txn, v.headerLen()+offset, length)
}

// SetPayload replaces the payload and keeps the expiration
func (s Sizer) SetPayload(txn blob.Txn, v *Value, payload []byte) error {
	header, err := s.header(txn, v)
	if err != nil {
		return err
	}
	return s.writeContent(txn, v, header, payload)
}

// Clear releases all storage of the value. It must be called before a value is deleted.
func (s Sizer) Clear(txn blob.Txn, v *Value) error {
	v.HasExpiration = false
	return s.blob(v).Clear(txn)
}

// Expiration returns the expiration epoch and whether one is set
func (s Sizer) Expiration(txn blob.Txn, v *Value) (int64, bool, error) {
	header, err := s.header(txn, v)
	if err != nil || header == nil {
		return 0, false, err
	}
	return int64(binary.BigEndian.Uint64(header)), true, nil
}

// SetExpiration sets the expiration epoch, adding the header if the value had none.
func (s Sizer) SetExpiration(txn blob.Txn, v *Value, epoch int64) error {
	header := binary.BigEndian.AppendUint64(make([]byte, 0, ExpirationSize), uint64(epoch))
	if v.HasExpiration {
		// same layout, only the header changes
		return s.blob(v).Write(txn, header, 0)
	}
	payload, err := s.Payload(txn, v)
	if err != nil {
		return err
	}
	return s.writeContent(txn, v, header, payload)
}

// VoidExpiration removes the expiration header. It returns false if none was set.
func (s Sizer) VoidExpiration(txn blob.Txn, v *Value) (bool, error) {
	if !v.HasExpiration {
		return false, nil
	}
	payload, err := s.Payload(txn, v)
	if err != nil {
		return false, err
	}
	return true, s.writeContent(txn, v, nil, payload)
}

// Load materializes the value
func (s Sizer) Load(txn blob.Txn, v *Value) (Plain, error) {
	epoch, expires, err := s.Expiration(txn, v)
	if err != nil {
		return Plain{}, err
	}
	payload, err := s.Payload(txn, v)
	if err != nil {
		return Plain{}, err
	}
	return Plain{Kind: v.Kind, HasExpiration: expires, Expiration: epoch, Payload: payload}, nil
}

// Store replaces the value (kind, expiration and payload) with p.
func (s Sizer) Store(txn blob.Txn, v *Value, p Plain) error {
	if !p.Kind.Valid() {
		return errors.Wrapf(ErrInvalidKind, "kind %d", p.Kind)
	}
	var header []byte
	if p.HasExpiration {
		header = binary.BigEndian.AppendUint64(make([]byte, 0, ExpirationSize), uint64(p.Expiration))
	}
	v.Kind = p.Kind
	return s.writeContent(txn, v, header, p.Payload)
}

// header returns the raw expiration header or nil
func (s Sizer) header(txn blob.Txn, v *Value) ([]byte, error) {
	if !v.HasExpiration {
		return nil, nil
	}
	return s.blob(v).Read(txn, 0, ExpirationSize)
}

// writeContent replaces the whole content with header followed by payload
func (s Sizer) writeContent(txn blob.Txn, v *Value, header, payload []byte) error {
	b := s.blob(v)
	if err := b.Clear(txn); err != nil {
		return err
	}
	if err := b.Append(txn, int64(len(header)+len(payload))); err != nil {
		return err
	}
	if err := b.WriteFrom(txn, 0, blob.NewBufferGroup(header, payload)); err != nil {
		return err
	}
	v.HasExpiration = header != nil
	return nil
}
