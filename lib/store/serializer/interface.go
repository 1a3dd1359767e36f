package serializer

import (
	"fmt"

	"github.com/ValentinKolb/bKV/lib/store"
	"github.com/cockroachdb/errors"
)

// MsgType identifies which part of a Message is used
type MsgType uint8

const (
	MsgTUnknown MsgType = iota
	MsgTRequest         // Request is set, sent by the receiver to start a backfill
	MsgTChunk           // Chunk is set
	MsgTEnd             // End is set, terminates the stream
	MsgTError           // Err is set, the sender failed
)

func (t MsgType) String() string {
	switch t {
	case MsgTRequest:
		return "Request"
	case MsgTChunk:
		return "Chunk"
	case MsgTEnd:
		return "End"
	case MsgTError:
		return "Error"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(t))
	}
}

// Message is one frame of a backfill stream. Only the field selected by MsgType is used.
type Message struct {
	MsgType MsgType               `json:"type" msgpack:"type"`
	Request store.BackfillRequest `json:"request" msgpack:"request"`
	Chunk   store.BackfillChunk   `json:"chunk" msgpack:"chunk"`
	End     store.BackfillEnd     `json:"end" msgpack:"end"`
	Err     string                `json:"err,omitempty" msgpack:"err,omitempty"`
}

// IBackfillSerializer is the interface for all backfill message serializers
type IBackfillSerializer interface {
	// Serialize serializes a Message into a byte array
	Serialize(msg Message) ([]byte, error)
	// Deserialize deserializes a byte array into msg
	Deserialize(b []byte, msg *Message) error
}

// ErrUnknownSerializer is returned by ByName for unknown names
var ErrUnknownSerializer = errors.New("unknown serializer")

// ByName returns the serializer for "json", "gob", "msgpack" or "binary"
func ByName(name string) (IBackfillSerializer, error) {
	switch name {
	case "json":
		return NewJSONSerializer(), nil
	case "gob":
		return NewGOBSerializer(), nil
	case "msgpack":
		return NewMsgpackSerializer(), nil
	case "binary":
		return NewBinarySerializer(), nil
	default:
		return nil, errors.Wrapf(ErrUnknownSerializer, "%q", name)
	}
}
