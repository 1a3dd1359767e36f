package serializer

import (
	"encoding/binary"

	"github.com/ValentinKolb/bKV/lib/store"
	"github.com/ValentinKolb/bKV/lib/value"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// NewBinarySerializer creates a new serializer using a custom binary format
// optimized for speed and efficiency
func NewBinarySerializer() IBackfillSerializer {
	return &binarySerializerImpl{}
}

// binarySerializerImpl implements IBackfillSerializer using a custom binary format.
// Only the part of the message selected by MsgType is encoded:
//
//	[type:1] [payload]
//
// Byte slices are written as uvarint(len+1) followed by the bytes, 0 marks nil.
// Integers are uvarints, except expirations which are zigzag varints.
type binarySerializerImpl struct {
}

// Bit flags for the value of a chunk
const (
	hasExpiration byte = 1 << 0
)

var errShortBuffer = errors.New("binary serializer: message truncated")

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IBackfillSerializer)
// --------------------------------------------------------------------------

func (b binarySerializerImpl) Serialize(msg Message) ([]byte, error) {
	buf := make([]byte, 0, 64+len(msg.Chunk.Key)+len(msg.Chunk.Value.Payload))
	buf = append(buf, byte(msg.MsgType))

	switch msg.MsgType {
	case MsgTRequest:
		buf = appendRegion(buf, msg.Request.Region)
		buf = binary.AppendUvarint(buf, uint64(msg.Request.Timestamp))
		buf = append(buf, msg.Request.SessionID[:]...)
	case MsgTChunk:
		c := msg.Chunk
		buf = append(buf, byte(c.Kind))
		buf = appendRegion(buf, c.Range)
		buf = appendBytes(buf, c.Key)
		buf = append(buf, byte(c.Value.Kind))
		var flags byte
		if c.Value.HasExpiration {
			flags |= hasExpiration
		}
		buf = append(buf, flags)
		buf = binary.AppendVarint(buf, c.Value.Expiration)
		buf = appendBytes(buf, c.Value.Payload)
		buf = binary.AppendUvarint(buf, uint64(c.Timestamp))
	case MsgTEnd:
		buf = binary.AppendUvarint(buf, uint64(msg.End.Timestamp))
		buf = append(buf, msg.End.SessionID[:]...)
	case MsgTError:
		buf = appendBytes(buf, []byte(msg.Err))
	default:
		return nil, errors.Newf("binary serializer: cannot encode message type %s", msg.MsgType)
	}
	return buf, nil
}

func (b binarySerializerImpl) Deserialize(data []byte, msg *Message) error {
	if len(data) == 0 {
		return errShortBuffer
	}
	*msg = Message{MsgType: MsgType(data[0])}
	r := reader{data: data[1:]}

	switch msg.MsgType {
	case MsgTRequest:
		msg.Request.Region = r.region()
		msg.Request.Timestamp = store.Timestamp(r.uvarint())
		msg.Request.SessionID = r.uuid()
	case MsgTChunk:
		c := &msg.Chunk
		c.Kind = store.ChunkKind(r.byte())
		c.Range = r.region()
		c.Key = r.bytes()
		c.Value.Kind = value.Kind(r.byte())
		c.Value.HasExpiration = r.byte()&hasExpiration != 0
		c.Value.Expiration = r.varint()
		c.Value.Payload = r.bytes()
		c.Timestamp = store.Timestamp(r.uvarint())
	case MsgTEnd:
		msg.End.Timestamp = store.Timestamp(r.uvarint())
		msg.End.SessionID = r.uuid()
	case MsgTError:
		msg.Err = string(r.bytes())
	default:
		return errors.Newf("binary serializer: unknown message type %s", msg.MsgType)
	}
	return r.err
}

// --------------------------------------------------------------------------
// Helper Functions
// --------------------------------------------------------------------------

func appendBytes(buf, b []byte) []byte {
	if b == nil {
		return binary.AppendUvarint(buf, 0)
	}
	buf = binary.AppendUvarint(buf, uint64(len(b))+1)
	return append(buf, b...)
}

func appendRegion(buf []byte, r store.Region) []byte {
	return appendBytes(appendBytes(buf, r.Start), r.End)
}

// reader decodes fields in order and remembers the first error
type reader struct {
	data []byte
	err  error
}

func (r *reader) fail() {
	if r.err == nil {
		r.err = errShortBuffer
	}
	r.data = nil
}

func (r *reader) byte() byte {
	if len(r.data) < 1 {
		r.fail()
		return 0
	}
	b := r.data[0]
	r.data = r.data[1:]
	return b
}

func (r *reader) uvarint() uint64 {
	v, n := binary.Uvarint(r.data)
	if n <= 0 {
		r.fail()
		return 0
	}
	r.data = r.data[n:]
	return v
}

func (r *reader) varint() int64 {
	v, n := binary.Varint(r.data)
	if n <= 0 {
		r.fail()
		return 0
	}
	r.data = r.data[n:]
	return v
}

func (r *reader) bytes() []byte {
	n := r.uvarint()
	if n == 0 {
		return nil
	}
	n--
	if uint64(len(r.data)) < n {
		r.fail()
		return nil
	}
	b := make([]byte, n)
	copy(b, r.data)
	r.data = r.data[n:]
	return b
}

func (r *reader) region() store.Region {
	return store.Region{Start: r.bytes(), End: r.bytes()}
}

func (r *reader) uuid() uuid.UUID {
	var id uuid.UUID
	if len(r.data) < len(id) {
		r.fail()
		return id
	}
	copy(id[:], r.data)
	r.data = r.data[len(id):]
	return id
}
