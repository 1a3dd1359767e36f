package internal

import (
	"encoding/binary"
	"strings"
	"testing"

	"github.com/ValentinKolb/bKV/lib/redis"
	"github.com/ValentinKolb/bKV/lib/store"
	"github.com/ValentinKolb/bKV/lib/value"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// TestSizeBytes tests the SizeBytes method
func TestSizeBytes(t *testing.T) {
	tests := []struct {
		name     string
		command  Command
		expected int
	}{
		{
			name: "Set with key and value",
			command: Command{
				Type:  CommandTSet,
				Key:   []byte("testkey"),
				Value: store.Data{Kind: value.String, Payload: []byte("testvalue")},
			},
			expected: headerSize + 4 + 7 + 4 + 9,
		},
		{
			name:     "Delete",
			command:  Command{Type: CommandTDelete, Key: []byte("testkey")},
			expected: headerSize + 4 + 7,
		},
		{
			name:     "Redis command",
			command:  Command{Type: CommandTRedis, Cmd: redis.NewCommand("INCRBY", "n", "5")},
			expected: headerSize + 4 + 6 + 4 + 1 + 4 + 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			size := tt.command.SizeBytes()
			if size != tt.expected {
				t.Errorf("SizeBytes() = %v, want %v", size, tt.expected)
			}
		})
	}
}

// TestSerializeDeserialize tests both Serialize and Deserialize methods
func TestSerializeDeserialize(t *testing.T) {
	tests := []struct {
		name    string
		command Command
	}{
		{
			name: "Set with expiration and body",
			command: Command{
				Type:       CommandTSet,
				Token:      7,
				Key:        []byte("testkey"),
				Value:      store.Data{Kind: value.Hash, HasExpiration: true, Expiration: 1700000000, Payload: []byte("testvalue")},
				ReturnBody: true,
			},
		},
		{
			name: "Set with negative expiration",
			command: Command{
				Type:  CommandTSet,
				Key:   []byte("k"),
				Value: store.Data{Kind: value.String, HasExpiration: true, Expiration: -1},
			},
		},
		{
			name:    "Set with empty key",
			command: Command{Type: CommandTSet, Value: store.Data{Kind: value.String, Payload: []byte("v")}},
		},
		{
			name: "Set with binary value",
			command: Command{
				Type:  CommandTSet,
				Key:   []byte("binary"),
				Value: store.Data{Kind: value.String, Payload: []byte{0, 1, 2, 3, 254, 255}},
			},
		},
		{
			name:    "Delete with Unicode key",
			command: Command{Type: CommandTDelete, Token: 1 << 63, Key: []byte("你好世界")},
		},
		{
			name:    "Redis command",
			command: Command{Type: CommandTRedis, Cmd: redis.NewCommand("EXPIREAT", "k", "1700000100")},
		},
		{
			name:    "Redis command without args",
			command: Command{Type: CommandTRedis, Cmd: redis.Command{Name: "RANDOMKEY"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := tt.command.Serialize()

			var newCommand Command
			if err := newCommand.Deserialize(data); err != nil {
				t.Fatalf("Deserialize() error = %v", err)
			}
			if diff := cmp.Diff(tt.command, newCommand, cmpopts.EquateEmpty()); diff != "" {
				t.Errorf("command changed after round trip (-want +got):\n%s", diff)
			}

			// Verify that SizeBytes matches the serialized data length
			if tt.command.SizeBytes() != len(data) {
				t.Errorf("SizeBytes() = %d, but serialized data length = %d", tt.command.SizeBytes(), len(data))
			}
		})
	}
}

// TestDeserializeErrors tests error cases in Deserialize
func TestDeserializeErrors(t *testing.T) {
	header := func(typ CommandType, words uint32) []byte {
		data := make([]byte, headerSize)
		data[0] = byte(typ)
		binary.BigEndian.PutUint32(data[19:23], words)
		return data
	}

	tests := []struct {
		name        string
		data        []byte
		expectedErr string
	}{
		{
			name:        "Empty data",
			data:        []byte{},
			expectedErr: "data too short for command",
		},
		{
			name:        "Data too short (less than header)",
			data:        []byte{1, 2, 3, 4, 5},
			expectedErr: "data too short for command",
		},
		{
			name:        "Missing word",
			data:        header(CommandTDelete, 1),
			expectedErr: "data too short for word 0",
		},
		{
			name: "Invalid word length",
			data: func() []byte {
				return binary.BigEndian.AppendUint32(header(CommandTDelete, 1), 1000)
			}(),
			expectedErr: "data too short for word 0 of length 1000",
		},
		{
			name: "Trailing bytes",
			data: func() []byte {
				data := binary.BigEndian.AppendUint32(header(CommandTDelete, 1), 1)
				return append(data, 'k', 'x')
			}(),
			expectedErr: "1 trailing bytes",
		},
		{
			name: "Wrong word count",
			data: func() []byte {
				data := binary.BigEndian.AppendUint32(header(CommandTSet, 1), 1)
				return append(data, 'k')
			}(),
			expectedErr: "set command needs 2 words",
		},
		{
			name:        "Unknown type",
			data:        header(CommandType(42), 0),
			expectedErr: "unknown command type Unknown(42)",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var command Command
			err := command.Deserialize(tt.data)
			if err == nil {
				t.Fatalf("Deserialize() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.expectedErr) {
				t.Errorf("Deserialize() error = %v, want %v", err, tt.expectedErr)
			}
		})
	}
}

// TestWriteRequestConversion tests the conversion between store requests and commands
func TestWriteRequestConversion(t *testing.T) {
	requests := []store.WriteRequest{
		store.Set{Key: []byte("k"), Value: store.Data{Kind: value.String, Payload: []byte("v")}, ReturnBody: true},
		store.Delete{Key: []byte("k")},
		store.CommandWrite{Cmd: redis.NewCommand("INCR", "n")},
	}
	for _, req := range requests {
		cmd, err := FromWriteRequest(req, 3)
		if err != nil {
			t.Fatalf("FromWriteRequest(%T) error = %v", req, err)
		}
		if cmd.Token != 3 {
			t.Errorf("token = %d, want 3", cmd.Token)
		}
		back, err := cmd.WriteRequest()
		if err != nil {
			t.Fatalf("WriteRequest() error = %v", err)
		}
		if diff := cmp.Diff(req, back); diff != "" {
			t.Errorf("request changed (-want +got):\n%s", diff)
		}
	}
}

// TestResponseRoundTrip tests EncodeResponse and DecodeResponse
func TestResponseRoundTrip(t *testing.T) {
	tests := []struct {
		typ  CommandType
		resp store.WriteResponse
	}{
		{CommandTSet, store.SetResponse{Result: store.SetCreated}},
		{CommandTSet, store.SetResponse{
			Result: store.SetOverwrote,
			Body:   &store.Data{Kind: value.List, HasExpiration: true, Expiration: 99, Payload: []byte("body")},
		}},
		{CommandTDelete, store.DeleteResponse{Existed: true}},
		{CommandTDelete, store.DeleteResponse{}},
		{CommandTRedis, store.CommandResponse{Reply: redis.IntegerReply(42)}},
		{CommandTRedis, store.CommandResponse{Reply: redis.OK}},
		{CommandTRedis, store.CommandResponse{Reply: redis.NullBulk}},
	}
	for _, tt := range tests {
		got, err := DecodeResponse(tt.typ, EncodeResponse(tt.resp))
		if err != nil {
			t.Fatalf("DecodeResponse(%s) error = %v", tt.typ, err)
		}
		if diff := cmp.Diff(tt.resp, got, cmpopts.EquateEmpty()); diff != "" {
			t.Errorf("%s response changed (-want +got):\n%s", tt.typ, diff)
		}
	}

	// error replies keep their sentinel
	got, err := DecodeResponse(CommandTRedis, EncodeResponse(store.CommandResponse{Reply: redis.ErrorReply{Err: redis.ErrWrongType}}))
	if err != nil {
		t.Fatal(err)
	}
	if reply := got.(store.CommandResponse).Reply.(redis.ErrorReply); reply.Err != redis.ErrWrongType {
		t.Errorf("error reply = %v, want %v", reply.Err, redis.ErrWrongType)
	}

	if _, err := DecodeResponse(CommandTDelete, nil); err == nil {
		t.Errorf("DecodeResponse() of empty delete response should fail")
	}
}
