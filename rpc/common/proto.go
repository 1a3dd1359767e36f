package common

import (
	"bytes"
	"strconv"

	"github.com/ValentinKolb/bKV/lib/redis"
	"github.com/cockroachdb/errors"
)

// --------------------------------------------------------------------------
// RESP Request Decoding
// --------------------------------------------------------------------------

// Limits of a single request
const (
	MaxBulkLength   = 512 << 20 // bytes of one argument
	MaxArgs         = 1 << 20   // arguments of one command
	MaxInlineLength = 64 << 10  // bytes of one inline command line
)

// ErrProtocol is returned for malformed requests, the connection must be closed afterwards
var ErrProtocol = errors.New("Protocol error")

// RequestDecoder incrementally decodes client commands from a byte stream.
// It accepts RESP arrays of bulk strings and inline commands (space separated words).
// It is not safe for concurrent use.
type RequestDecoder struct {
	buf []byte
	off int
}

// Feed appends received bytes
func (d *RequestDecoder) Feed(data []byte) {
	if d.off > 0 && d.off == len(d.buf) {
		d.buf, d.off = d.buf[:0], 0
	} else if d.off > len(d.buf)/2 {
		// compact before growing
		n := copy(d.buf, d.buf[d.off:])
		d.buf, d.off = d.buf[:n], 0
	}
	d.buf = append(d.buf, data...)
}

// Buffered returns the number of bytes not consumed yet
func (d *RequestDecoder) Buffered() int {
	return len(d.buf) - d.off
}

// Next decodes the next complete command. ok is false if more data is needed.
// Empty inline lines are skipped.
func (d *RequestDecoder) Next() (cmd redis.Command, ok bool, err error) {
	for {
		data := d.buf[d.off:]
		if len(data) == 0 {
			return redis.Command{}, false, nil
		}
		var n int
		if data[0] == '*' {
			cmd, n, err = parseMultiBulk(data)
		} else {
			cmd, n, err = parseInline(data)
		}
		if err != nil {
			if errors.Is(err, redis.ErrIncomplete) {
				return redis.Command{}, false, nil
			}
			return redis.Command{}, false, err
		}
		d.off += n
		if cmd.Name == "" {
			continue
		}
		return cmd, true, nil
	}
}

// parseMultiBulk decodes *N\r\n followed by N bulk strings
func parseMultiBulk(data []byte) (redis.Command, int, error) {
	count, n, err := readHeader(data, '*', MaxArgs)
	if err != nil {
		return redis.Command{}, 0, err
	}
	if count <= 0 {
		// empty arrays are ignored like redis does
		return redis.Command{}, n, nil
	}

	words := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		length, used, err := readHeader(data[n:], '$', MaxBulkLength)
		if err != nil {
			return redis.Command{}, 0, err
		}
		if length < 0 {
			return redis.Command{}, 0, errors.Wrap(ErrProtocol, "null bulk string in request")
		}
		n += used
		if len(data)-n < length+2 {
			return redis.Command{}, 0, redis.ErrIncomplete
		}
		if data[n+length] != '\r' || data[n+length+1] != '\n' {
			return redis.Command{}, 0, errors.Wrap(ErrProtocol, "bulk string not terminated by CRLF")
		}
		words = append(words, append([]byte(nil), data[n:n+length]...))
		n += length + 2
	}
	return redis.Command{Name: string(words[0]), Args: words[1:]}, n, nil
}

// readHeader parses a line "<prefix><int>\r\n" with the int bounded by limit
func readHeader(data []byte, prefix byte, limit int) (int, int, error) {
	end := bytes.IndexByte(data, '\n')
	if end < 0 {
		if len(data) > 32 {
			return 0, 0, errors.Wrap(ErrProtocol, "header line too long")
		}
		return 0, 0, redis.ErrIncomplete
	}
	if end < 2 || data[end-1] != '\r' || data[0] != prefix {
		return 0, 0, errors.Wrapf(ErrProtocol, "expected '%c'", prefix)
	}
	v, err := strconv.Atoi(string(data[1 : end-1]))
	if err != nil || v > limit || v < -1 {
		return 0, 0, errors.Wrapf(ErrProtocol, "invalid %c length %q", prefix, data[1:end-1])
	}
	return v, end + 1, nil
}

// parseInline decodes a line of space separated words terminated by \n or \r\n
func parseInline(data []byte) (redis.Command, int, error) {
	end := bytes.IndexByte(data, '\n')
	if end < 0 {
		if len(data) > MaxInlineLength {
			return redis.Command{}, 0, errors.Wrap(ErrProtocol, "too big inline request")
		}
		return redis.Command{}, 0, redis.ErrIncomplete
	}
	line := bytes.TrimSuffix(data[:end], []byte{'\r'})
	fields := bytes.Fields(line)
	if len(fields) == 0 {
		return redis.Command{}, end + 1, nil
	}
	args := make([][]byte, len(fields)-1)
	for i, f := range fields[1:] {
		args[i] = append([]byte(nil), f...)
	}
	return redis.Command{Name: string(fields[0]), Args: args}, end + 1, nil
}
