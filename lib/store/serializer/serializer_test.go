package serializer

import (
	"bytes"
	"io"
	"testing"

	"github.com/ValentinKolb/bKV/lib/store"
	"github.com/ValentinKolb/bKV/lib/value"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// testSerializers is a map of serializer name to factory function
var testSerializers = map[string]func() IBackfillSerializer{
	"JSON":    NewJSONSerializer,
	"GOB":     NewGOBSerializer,
	"Msgpack": NewMsgpackSerializer,
	"Binary":  NewBinarySerializer,
}

var session = uuid.MustParse("0d5e9c1e-7f4b-4c39-9a8e-3b6f0e1d2c4a")

// testMessages covers every message type with the fields it uses
func testMessages() []Message {
	return []Message{
		{
			MsgType: MsgTRequest,
			Request: store.BackfillRequest{
				Region:    store.Region{Start: []byte("a"), End: []byte("n")},
				Timestamp: 42,
				SessionID: session,
			},
		},
		// unbounded region
		{MsgType: MsgTRequest, Request: store.BackfillRequest{SessionID: session}},
		{
			MsgType: MsgTChunk,
			Chunk: store.BackfillChunk{
				Kind:      store.ChunkDeleteRange,
				Range:     store.Region{Start: []byte("a")},
				Timestamp: 7,
			},
		},
		{
			MsgType: MsgTChunk,
			Chunk:   store.BackfillChunk{Kind: store.ChunkDeleteKey, Key: []byte("gone"), Timestamp: 8},
		},
		{
			MsgType: MsgTChunk,
			Chunk: store.BackfillChunk{
				Kind: store.ChunkSetKey,
				Key:  []byte("user:1"),
				Value: store.Data{
					Kind:          value.Hash,
					HasExpiration: true,
					Expiration:    -1,
					Payload:       []byte("field\x00value"),
				},
				Timestamp: 9,
			},
		},
		{
			MsgType: MsgTChunk,
			Chunk: store.BackfillChunk{
				Kind:      store.ChunkSetKey,
				Key:       []byte("big"),
				Value:     store.Data{Kind: value.String, Payload: bytes.Repeat([]byte{0xAB}, 4096)},
				Timestamp: 1 << 40,
			},
		},
		{MsgType: MsgTEnd, End: store.BackfillEnd{Timestamp: 1<<63 + 5, SessionID: session}},
		{MsgType: MsgTError, Err: "store r1 is receiving"},
	}
}

// TestSerializerRoundTrip tests that messages can be serialized and deserialized correctly
func TestSerializerRoundTrip(t *testing.T) {
	for name, factory := range testSerializers {
		t.Run(name, func(t *testing.T) {
			s := factory()
			for i, msg := range testMessages() {
				data, err := s.Serialize(msg)
				require.NoError(t, err, "message %d", i)

				var result Message
				require.NoError(t, s.Deserialize(data, &result), "message %d", i)

				if diff := cmp.Diff(msg, result, cmpopts.EquateEmpty()); diff != "" {
					t.Errorf("message %d (%s) changed after round trip (-want +got):\n%s", i, msg.MsgType, diff)
				}
			}
		})
	}
}

// TestBinaryNilSlices checks that the binary codec keeps nil and empty slices apart
func TestBinaryNilSlices(t *testing.T) {
	s := NewBinarySerializer()
	msg := Message{
		MsgType: MsgTChunk,
		Chunk: store.BackfillChunk{
			Kind:  store.ChunkSetKey,
			Key:   []byte{},
			Value: store.Data{Kind: value.String},
		},
	}
	data, err := s.Serialize(msg)
	require.NoError(t, err)

	var result Message
	require.NoError(t, s.Deserialize(data, &result))
	require.NotNil(t, result.Chunk.Key)
	require.Empty(t, result.Chunk.Key)
	require.Nil(t, result.Chunk.Value.Payload)
	require.Nil(t, result.Chunk.Range.Start)
}

func TestBinaryErrors(t *testing.T) {
	s := NewBinarySerializer()

	_, err := s.Serialize(Message{})
	require.Error(t, err, "unknown type must not be encoded")

	var msg Message
	require.ErrorIs(t, s.Deserialize(nil, &msg), errShortBuffer)
	require.Error(t, s.Deserialize([]byte{0xFF}, &msg))

	for _, m := range testMessages() {
		data, err := s.Serialize(m)
		require.NoError(t, err)
		// every strict prefix is missing a field
		for n := 1; n < len(data); n++ {
			require.ErrorIs(t, s.Deserialize(data[:n], &msg), errShortBuffer, "%s truncated to %d bytes", m.MsgType, n)
		}
	}
}

func TestByName(t *testing.T) {
	for _, name := range []string{"json", "gob", "msgpack", "binary"} {
		s, err := ByName(name)
		require.NoError(t, err)
		require.NotNil(t, s)
	}
	_, err := ByName("xml")
	require.ErrorIs(t, err, ErrUnknownSerializer)
}

// TestStream writes a full backfill stream and reads it back
func TestStream(t *testing.T) {
	for name, factory := range testSerializers {
		t.Run(name, func(t *testing.T) {
			var buf bytes.Buffer
			enc := NewEncoder(&buf, factory())
			for _, msg := range testMessages() {
				require.NoError(t, enc.Encode(msg))
			}
			require.NoError(t, enc.Flush())

			dec := NewDecoder(&buf, factory())
			for i, want := range testMessages() {
				var got Message
				require.NoError(t, dec.Decode(&got), "message %d", i)
				if diff := cmp.Diff(want, got, cmpopts.EquateEmpty()); diff != "" {
					t.Errorf("message %d (-want +got):\n%s", i, diff)
				}
			}
			var msg Message
			require.ErrorIs(t, dec.Decode(&msg), io.EOF)
		})
	}
}

func TestStreamTruncated(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf, NewBinarySerializer())
	require.NoError(t, enc.Encode(testMessages()[4]))
	require.NoError(t, enc.Flush())

	data := buf.Bytes()
	var msg Message

	// inside the header
	err := NewDecoder(bytes.NewReader(data[:2]), NewBinarySerializer()).Decode(&msg)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)

	// inside the body
	err = NewDecoder(bytes.NewReader(data[:len(data)-1]), NewBinarySerializer()).Decode(&msg)
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestStreamFrameLimit(t *testing.T) {
	hdr := []byte{0xFF, 0xFF, 0xFF, 0xFF}
	var msg Message
	err := NewDecoder(bytes.NewReader(hdr), NewBinarySerializer()).Decode(&msg)
	require.ErrorIs(t, err, ErrFrameTooLarge)
}
