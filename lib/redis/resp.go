package redis

import (
	"bytes"
	"strconv"

	"github.com/cockroachdb/errors"
)

// ErrIncomplete is returned by the parsers when data ends in the middle of a frame
var ErrIncomplete = errors.New("resp: incomplete frame")

// ErrProtocol is returned for malformed frames
var ErrProtocol = errors.New("resp: protocol error")

var crlf = []byte("\r\n")

// AppendReply appends the RESP2 encoding of r to buf
func AppendReply(buf []byte, r Reply) []byte {
	switch r := r.(type) {
	case IntegerReply:
		buf = append(buf, ':')
		buf = strconv.AppendInt(buf, int64(r), 10)
		return append(buf, crlf...)
	case StatusReply:
		buf = append(buf, '+')
		buf = append(buf, sanitize(string(r))...)
		return append(buf, crlf...)
	case ErrorReply:
		buf = append(buf, '-')
		buf = append(buf, sanitize(r.Message())...)
		return append(buf, crlf...)
	case BulkReply:
		return appendBulk(buf, r)
	case MultiBulkReply:
		if r == nil {
			return append(buf, "*-1\r\n"...)
		}
		buf = append(buf, '*')
		buf = strconv.AppendInt(buf, int64(len(r)), 10)
		buf = append(buf, crlf...)
		for _, b := range r {
			buf = appendBulk(buf, b)
		}
		return buf
	default:
		panic(errors.AssertionFailedf("resp: unknown reply type %T", r))
	}
}

func appendBulk(buf []byte, b BulkReply) []byte {
	if b.Null {
		return append(buf, "$-1\r\n"...)
	}
	buf = append(buf, '$')
	buf = strconv.AppendInt(buf, int64(len(b.Value)), 10)
	buf = append(buf, crlf...)
	buf = append(buf, b.Value...)
	return append(buf, crlf...)
}

// status and error lines must not contain line breaks
func sanitize(s string) string {
	if !bytes.ContainsAny([]byte(s), "\r\n") {
		return s
	}
	return string(bytes.Map(func(r rune) rune {
		if r == '\r' || r == '\n' {
			return ' '
		}
		return r
	}, []byte(s)))
}

// AppendCommand appends cmd as a RESP array of bulk strings
func AppendCommand(buf []byte, cmd Command) []byte {
	buf = append(buf, '*')
	buf = strconv.AppendInt(buf, int64(len(cmd.Args)+1), 10)
	buf = append(buf, crlf...)
	buf = appendBulk(buf, Bulk([]byte(cmd.Name)))
	for _, arg := range cmd.Args {
		buf = appendBulk(buf, Bulk(arg))
	}
	return buf
}

// ParseReply decodes one reply from the start of data and returns the number of bytes used.
func ParseReply(data []byte) (Reply, int, error) {
	line, n, err := readLine(data)
	if err != nil {
		return nil, 0, err
	}
	if len(line) == 0 {
		return nil, 0, errors.Wrap(ErrProtocol, "empty line")
	}

	switch line[0] {
	case ':':
		v, err := strconv.ParseInt(string(line[1:]), 10, 64)
		if err != nil {
			return nil, 0, errors.Wrapf(ErrProtocol, "bad integer %q", line[1:])
		}
		return IntegerReply(v), n, nil
	case '+':
		return StatusReply(line[1:]), n, nil
	case '-':
		return ErrorReply{Err: errorFromMessage(string(line[1:]))}, n, nil
	case '$':
		b, used, err := parseBulk(data)
		if err != nil {
			return nil, 0, err
		}
		return b, used, nil
	case '*':
		count, err := strconv.Atoi(string(line[1:]))
		if err != nil {
			return nil, 0, errors.Wrapf(ErrProtocol, "bad array length %q", line[1:])
		}
		if count < 0 {
			return MultiBulkReply(nil), n, nil
		}
		out := make(MultiBulkReply, 0, count)
		for i := 0; i < count; i++ {
			b, used, err := parseBulk(data[n:])
			if err != nil {
				return nil, 0, err
			}
			out = append(out, b)
			n += used
		}
		return out, n, nil
	default:
		return nil, 0, errors.Wrapf(ErrProtocol, "unknown reply type %q", line[0])
	}
}

// parseBulk decodes one bulk string ($) from the start of data
func parseBulk(data []byte) (BulkReply, int, error) {
	line, n, err := readLine(data)
	if err != nil {
		return BulkReply{}, 0, err
	}
	if len(line) == 0 || line[0] != '$' {
		return BulkReply{}, 0, errors.Wrap(ErrProtocol, "expected bulk string")
	}
	size, err := strconv.Atoi(string(line[1:]))
	if err != nil {
		return BulkReply{}, 0, errors.Wrapf(ErrProtocol, "bad bulk length %q", line[1:])
	}
	if size < 0 {
		return NullBulk, n, nil
	}
	if len(data) < n+size+2 {
		return BulkReply{}, 0, ErrIncomplete
	}
	if !bytes.Equal(data[n+size:n+size+2], crlf) {
		return BulkReply{}, 0, errors.Wrap(ErrProtocol, "bulk string not terminated")
	}
	value := append([]byte(nil), data[n:n+size]...)
	return Bulk(value), n + size + 2, nil
}

// readLine returns the first line of data without the line break and the bytes used
func readLine(data []byte) ([]byte, int, error) {
	i := bytes.Index(data, crlf)
	if i < 0 {
		return nil, 0, ErrIncomplete
	}
	return data[:i], i + 2, nil
}
