package internal

import (
	"encoding/binary"
	"fmt"

	"github.com/ValentinKolb/bKV/lib/redis"
	"github.com/ValentinKolb/bKV/lib/store"
	"github.com/ValentinKolb/bKV/lib/value"
	"github.com/cockroachdb/errors"
)

// CommandType defines the possible operations for the state machine.
type CommandType uint8

const (
	CommandTSet    CommandType = iota // Insert or replace a value.
	CommandTDelete                    // Delete a key.
	CommandTRedis                     // Execute a redis write command.
)

func (ct CommandType) String() string {
	switch ct {
	case CommandTSet:
		return "Set"
	case CommandTDelete:
		return "Delete"
	case CommandTRedis:
		return "Redis"
	default:
		return fmt.Sprintf("Unknown(%d)", ct)
	}
}

// Command flags
const (
	flagHasExpiration byte = 1 << 0
	flagReturnBody    byte = 1 << 1
)

// headerSize is Type + Flags + Kind + Expiration + Token + WordCount
const headerSize = 1 + 1 + 1 + 8 + 8 + 4

// Command represents a command to be executed by the state machine (a single entry in the raft log)
type Command struct {
	Type       CommandType
	Token      uint64        // order token of the client
	Key        []byte        // Set, Delete
	Value      store.Data    // Set
	ReturnBody bool          // Set
	Cmd        redis.Command // Redis
}

// FromWriteRequest converts a store write request into a command
func FromWriteRequest(req store.WriteRequest, token store.OrderToken) (Command, error) {
	switch r := req.(type) {
	case store.Set:
		return Command{Type: CommandTSet, Token: uint64(token), Key: r.Key, Value: r.Value, ReturnBody: r.ReturnBody}, nil
	case store.Delete:
		return Command{Type: CommandTDelete, Token: uint64(token), Key: r.Key}, nil
	case store.CommandWrite:
		return Command{Type: CommandTRedis, Token: uint64(token), Cmd: r.Cmd}, nil
	default:
		return Command{}, errors.Newf("unsupported write request %T", req)
	}
}

// WriteRequest converts the command back into a store write request
func (command *Command) WriteRequest() (store.WriteRequest, error) {
	switch command.Type {
	case CommandTSet:
		return store.Set{Key: command.Key, Value: command.Value, ReturnBody: command.ReturnBody}, nil
	case CommandTDelete:
		return store.Delete{Key: command.Key}, nil
	case CommandTRedis:
		return store.CommandWrite{Cmd: command.Cmd}, nil
	default:
		return nil, errors.Newf("unknown command type %s", command.Type)
	}
}

// words returns the variable length fields of the command in wire order
func (command *Command) words() [][]byte {
	switch command.Type {
	case CommandTSet:
		return [][]byte{command.Key, command.Value.Payload}
	case CommandTRedis:
		return append([][]byte{[]byte(command.Cmd.Name)}, command.Cmd.Args...)
	default:
		return [][]byte{command.Key}
	}
}

// SizeBytes returns the exact number of bytes needed to serialize this command
func (command *Command) SizeBytes() int {
	size := headerSize
	for _, w := range command.words() {
		size += 4 + len(w)
	}
	return size
}

// Serialize serializes a command into a byte array with the format:
// 1 byte for operation type,
// 1 byte for flags,
// 1 byte for the value kind,
// 8 bytes for the expiration (big endian),
// 8 bytes for the order token (big endian),
// 4 bytes for the number of words (big endian),
// per word 4 bytes length (big endian) followed by the word
func (command *Command) Serialize() []byte {
	words := command.words()
	result := make([]byte, headerSize, command.SizeBytes())

	result[0] = byte(command.Type)
	var flags byte
	if command.Value.HasExpiration {
		flags |= flagHasExpiration
	}
	if command.ReturnBody {
		flags |= flagReturnBody
	}
	result[1] = flags
	result[2] = byte(command.Value.Kind)
	binary.BigEndian.PutUint64(result[3:11], uint64(command.Value.Expiration))
	binary.BigEndian.PutUint64(result[11:19], command.Token)
	binary.BigEndian.PutUint32(result[19:23], uint32(len(words)))

	for _, w := range words {
		result = binary.BigEndian.AppendUint32(result, uint32(len(w)))
		result = append(result, w...)
	}
	return result
}

// Deserialize extracts all Command fields from a byte array.
func (command *Command) Deserialize(data []byte) error {
	if len(data) < headerSize {
		return fmt.Errorf("data too short for command")
	}
	*command = Command{Type: CommandType(data[0])}
	flags := data[1]
	command.ReturnBody = flags&flagReturnBody != 0
	command.Value.HasExpiration = flags&flagHasExpiration != 0
	command.Value.Kind = value.Kind(data[2])
	command.Value.Expiration = int64(binary.BigEndian.Uint64(data[3:11]))
	command.Token = binary.BigEndian.Uint64(data[11:19])
	count := binary.BigEndian.Uint32(data[19:23])

	rest := data[headerSize:]
	words := make([][]byte, 0, min(int(count), len(rest)/4))
	for i := uint32(0); i < count; i++ {
		if len(rest) < 4 {
			return fmt.Errorf("data too short for word %d", i)
		}
		n := binary.BigEndian.Uint32(rest)
		if uint64(len(rest)-4) < uint64(n) {
			return fmt.Errorf("data too short for word %d of length %d", i, n)
		}
		w := make([]byte, n)
		copy(w, rest[4:])
		words = append(words, w)
		rest = rest[4+n:]
	}
	if len(rest) != 0 {
		return fmt.Errorf("%d trailing bytes after command", len(rest))
	}

	switch command.Type {
	case CommandTSet:
		if len(words) != 2 {
			return fmt.Errorf("set command needs 2 words, got %d", len(words))
		}
		command.Key, command.Value.Payload = words[0], words[1]
	case CommandTDelete:
		if len(words) != 1 {
			return fmt.Errorf("delete command needs 1 word, got %d", len(words))
		}
		command.Key = words[0]
	case CommandTRedis:
		if len(words) == 0 {
			return fmt.Errorf("redis command without name")
		}
		command.Cmd = redis.Command{Name: string(words[0]), Args: words[1:]}
	default:
		return fmt.Errorf("unknown command type %s", command.Type)
	}
	return nil
}
