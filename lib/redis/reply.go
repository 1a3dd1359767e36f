package redis

import (
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

// --------------------------------------------------------------------------
// Errors
// --------------------------------------------------------------------------

var (
	ErrWrongType      = errors.New("WRONGTYPE Operation against a key holding the wrong kind of value")
	ErrNotInteger     = errors.New("ERR value is not an integer or out of range")
	ErrOverflow       = errors.New("ERR increment or decrement would overflow")
	ErrNotImplemented = errors.New("ERR not implemented")
	ErrUnknownCommand = errors.New("ERR unknown command")
	ErrWrongArity     = errors.New("ERR wrong number of arguments")
	ErrSyntax         = errors.New("ERR syntax error")
)

var knownErrors = []error{
	ErrWrongType, ErrNotInteger, ErrOverflow, ErrNotImplemented, ErrUnknownCommand, ErrWrongArity, ErrSyntax,
}

// errorFromMessage maps a wire error message back to its sentinel error if possible
func errorFromMessage(msg string) error {
	for _, known := range knownErrors {
		if msg == known.Error() {
			return known
		}
		if strings.HasPrefix(msg, known.Error()+" ") {
			return &detailedError{sentinel: known, detail: strings.TrimPrefix(msg, known.Error()+" ")}
		}
	}
	return errors.New(msg)
}

// --------------------------------------------------------------------------
// Replies
// --------------------------------------------------------------------------

// ReplyKind identifies the RESP type of a reply
type ReplyKind int

const (
	KindInteger ReplyKind = iota
	KindStatus
	KindError
	KindBulk
	KindMultiBulk
)

// Reply is the result of a command
type Reply interface {
	Kind() ReplyKind
}

// IntegerReply is a signed 64 bit integer result
type IntegerReply int64

// StatusReply is a simple string result like OK
type StatusReply string

// ErrorReply is a failed command
type ErrorReply struct {
	Err error
}

// BulkReply is an optional byte string, Null marks the absent value
type BulkReply struct {
	Value []byte
	Null  bool
}

// MultiBulkReply is an ordered list of bulk replies
type MultiBulkReply []BulkReply

func (IntegerReply) Kind() ReplyKind   { return KindInteger }
func (StatusReply) Kind() ReplyKind    { return KindStatus }
func (ErrorReply) Kind() ReplyKind     { return KindError }
func (BulkReply) Kind() ReplyKind      { return KindBulk }
func (MultiBulkReply) Kind() ReplyKind { return KindMultiBulk }

// Message returns the wire message of the error
func (r ErrorReply) Message() string {
	if r.Err == nil {
		return "ERR"
	}
	return r.Err.Error()
}

// OK is the standard success status
const OK = StatusReply("OK")

// NullBulk is the absent bulk value
var NullBulk = BulkReply{Null: true}

// Bulk returns a bulk reply holding b
func Bulk(b []byte) BulkReply {
	return BulkReply{Value: b}
}

// detailedError appends details to a sentinel, keeping the sentinel first on the wire
type detailedError struct {
	sentinel error
	detail   string
}

func (e *detailedError) Error() string { return e.sentinel.Error() + " " + e.detail }
func (e *detailedError) Unwrap() error { return e.sentinel }

// errorf returns an error reply wrapping a sentinel with details
func errorf(sentinel error, format string, args ...interface{}) ErrorReply {
	return ErrorReply{Err: &detailedError{sentinel: sentinel, detail: fmt.Sprintf(format, args...)}}
}
