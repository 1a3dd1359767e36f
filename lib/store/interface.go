package store

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/ValentinKolb/bKV/lib/db"
	"github.com/ValentinKolb/bKV/lib/redis"
	"github.com/ValentinKolb/bKV/lib/value"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// --------------------------------------------------------------------------
// Regions and Ordering
// --------------------------------------------------------------------------

// Region is the half-open key range [Start, End). A nil End means unbounded.
type Region struct {
	Start []byte `json:"start" msgpack:"start"`
	End   []byte `json:"end" msgpack:"end"`
}

// Universe is the region containing every key
var Universe = Region{}

// Contains reports whether key lies in the region
func (r Region) Contains(key []byte) bool {
	return bytes.Compare(key, r.Start) >= 0 && (r.End == nil || bytes.Compare(key, r.End) < 0)
}

// ContainsRegion reports whether o is a subset of r. Empty regions are contained everywhere.
func (r Region) ContainsRegion(o Region) bool {
	if o.Empty() {
		return true
	}
	if bytes.Compare(o.Start, r.Start) < 0 {
		return false
	}
	if r.End == nil {
		return true
	}
	return o.End != nil && bytes.Compare(o.End, r.End) <= 0
}

// Overlaps reports whether the two regions share at least one key
func (r Region) Overlaps(o Region) bool {
	if r.Empty() || o.Empty() {
		return false
	}
	return (o.End == nil || bytes.Compare(r.Start, o.End) < 0) &&
		(r.End == nil || bytes.Compare(o.Start, r.End) < 0)
}

// Empty reports whether the region contains no key
func (r Region) Empty() bool {
	return r.End != nil && bytes.Compare(r.Start, r.End) >= 0
}

func (r Region) Equal(o Region) bool {
	return bytes.Equal(r.Start, o.Start) && bytes.Equal(r.End, o.End) && (r.End == nil) == (o.End == nil)
}

func (r Region) String() string {
	if r.End == nil {
		return fmt.Sprintf("[%q, +inf)", r.Start)
	}
	return fmt.Sprintf("[%q, %q)", r.Start, r.End)
}

// Timestamp is the per region write clock
type Timestamp uint64

// OrderToken tags requests of one source so the store can detect reordering.
// The zero token disables the check.
type OrderToken uint64

// NoOrder is the order token of callers that do not track ordering
const NoOrder OrderToken = 0

// --------------------------------------------------------------------------
// Data
// --------------------------------------------------------------------------

// Data is a typed value as it crosses the store boundary
type Data struct {
	Kind          value.Kind `json:"kind" msgpack:"kind"`
	HasExpiration bool       `json:"has_expiration,omitempty" msgpack:"has_expiration,omitempty"`
	Expiration    int64      `json:"expiration,omitempty" msgpack:"expiration,omitempty"`
	Payload       []byte     `json:"payload" msgpack:"payload"`
}

// DataFromPlain converts a decoded value into Data
func DataFromPlain(p value.Plain) Data {
	return Data{Kind: p.Kind, HasExpiration: p.HasExpiration, Expiration: p.Expiration, Payload: p.Payload}
}

// Plain converts d into the value layer representation
func (d Data) Plain() value.Plain {
	return value.Plain{Kind: d.Kind, HasExpiration: d.HasExpiration, Expiration: d.Expiration, Payload: d.Payload}
}

// Entry is a stored key with its value and the timestamp of its last write
type Entry struct {
	Key       []byte    `json:"key" msgpack:"key"`
	Value     Data      `json:"value" msgpack:"value"`
	Timestamp Timestamp `json:"timestamp" msgpack:"timestamp"`
}

// --------------------------------------------------------------------------
// Read Requests
// --------------------------------------------------------------------------

// ReadRequest is one of PointRead, RangeRead, MapReduceRead or CommandRead
type ReadRequest interface {
	// Within reports whether every key the request touches lies in r
	Within(r Region) bool
	readRequest()
}

// PointRead reads one key. Offset and Length select a sub range of the payload,
// a negative Length reads to the end.
type PointRead struct {
	Key    []byte
	Offset int64
	Length int64
}

// RangeRead enumerates the entries in Range. An empty Range means the whole store region.
// Limit <= 0 means no limit.
type RangeRead struct {
	Range Region
	Limit int
}

// MapReduceRead is accepted by the type system but not served by the stores
type MapReduceRead struct{}

// CommandRead runs a read only redis command
type CommandRead struct {
	Cmd redis.Command
}

func (r PointRead) Within(region Region) bool {
	return region.Contains(r.Key)
}

func (r RangeRead) Within(region Region) bool {
	return r.Range.Equal(Universe) || region.ContainsRegion(r.Range)
}

func (MapReduceRead) Within(Region) bool {
	return true
}

func (r CommandRead) Within(region Region) bool {
	return commandWithin(r.Cmd, region)
}

func (PointRead) readRequest()     {}
func (RangeRead) readRequest()     {}
func (MapReduceRead) readRequest() {}
func (CommandRead) readRequest()   {}

// ReadResponse is one of PointReadResponse, RangeReadResponse or CommandResponse
type ReadResponse interface{}

type PointReadResponse struct {
	Value *Data // nil if the key is absent
}

type RangeReadResponse struct {
	Entries   []Entry
	Truncated bool // set if Limit stopped the enumeration
}

// CommandResponse carries the reply of a CommandRead or CommandWrite
type CommandResponse struct {
	Reply redis.Reply
}

// --------------------------------------------------------------------------
// Write Requests
// --------------------------------------------------------------------------

// WriteRequest is one of Set, Delete or CommandWrite
type WriteRequest interface {
	Within(r Region) bool
	writeRequest()
}

// Set stores Value at Key. ReturnBody asks for the stored value in the response.
type Set struct {
	Key        []byte
	Value      Data
	ReturnBody bool
}

type Delete struct {
	Key []byte
}

// CommandWrite runs a redis command that may change the store
type CommandWrite struct {
	Cmd redis.Command
}

func (w Set) Within(region Region) bool {
	return region.Contains(w.Key)
}

func (w Delete) Within(region Region) bool {
	return region.Contains(w.Key)
}

func (w CommandWrite) Within(region Region) bool {
	return commandWithin(w.Cmd, region)
}

func (Set) writeRequest()          {}
func (Delete) writeRequest()       {}
func (CommandWrite) writeRequest() {}

// commandWithin checks the key arguments of cmd. Commands without key arguments only
// see the region they run on.
func commandWithin(cmd redis.Command, region Region) bool {
	spec, ok := redis.Lookup(cmd.Name)
	if !ok || !spec.CheckArity(cmd) {
		return true
	}
	for _, key := range spec.Keys(cmd) {
		if !region.Contains(key) {
			return false
		}
	}
	return true
}

type SetResult int

const (
	SetCreated SetResult = iota
	SetOverwrote
)

func (r SetResult) String() string {
	if r == SetCreated {
		return "created"
	}
	return "overwrote"
}

// WriteResponse is one of SetResponse, DeleteResponse or CommandResponse
type WriteResponse interface{}

type SetResponse struct {
	Result SetResult
	Body   *Data // only set if the request asked for it
}

type DeleteResponse struct {
	Existed bool
}

// --------------------------------------------------------------------------
// Backfill
// --------------------------------------------------------------------------

// BackfillRequest describes what a receiving store already has
type BackfillRequest struct {
	Region    Region    `json:"region" msgpack:"region"`
	Timestamp Timestamp `json:"timestamp" msgpack:"timestamp"`
	SessionID uuid.UUID `json:"session_id" msgpack:"session_id"`
}

// ChunkKind identifies the variant of a BackfillChunk
type ChunkKind uint8

const (
	ChunkDeleteRange ChunkKind = iota + 1 // remove every key of Range
	ChunkDeleteKey                        // remove Key
	ChunkSetKey                           // store Value at Key
)

func (k ChunkKind) String() string {
	switch k {
	case ChunkDeleteRange:
		return "DeleteRange"
	case ChunkDeleteKey:
		return "DeleteKey"
	case ChunkSetKey:
		return "SetKey"
	default:
		return fmt.Sprintf("Unknown(%d)", k)
	}
}

// BackfillChunk is one unit of replicated data. The fields used depend on Kind.
type BackfillChunk struct {
	Kind      ChunkKind `json:"kind" msgpack:"kind"`
	Range     Region    `json:"range,omitempty" msgpack:"range,omitempty"`
	Key       []byte    `json:"key,omitempty" msgpack:"key,omitempty"`
	Value     Data      `json:"value,omitempty" msgpack:"value,omitempty"`
	Timestamp Timestamp `json:"timestamp" msgpack:"timestamp"`
}

// BackfillEnd terminates a backfill stream
type BackfillEnd struct {
	Timestamp Timestamp `json:"timestamp" msgpack:"timestamp"`
	SessionID uuid.UUID `json:"session_id" msgpack:"session_id"`
}

// ChunkSink receives the chunks of a backfill, usually by calling BackfilleeChunk of
// the receiving store.
type ChunkSink interface {
	Send(chunk BackfillChunk) error
}

// ChunkSinkFunc adapts a function to a ChunkSink
type ChunkSinkFunc func(chunk BackfillChunk) error

func (f ChunkSinkFunc) Send(chunk BackfillChunk) error { return f(chunk) }

// --------------------------------------------------------------------------
// Interface Definition
// --------------------------------------------------------------------------

// IStore is the single entry point for all data operations on a key region.
// Every request must lie within Region(). Reads and writes require a coherent store that
// is not backfilling, writes additionally require ts >= Timestamp().
type IStore interface {
	// Region returns the owned key range. It never blocks.
	Region() (region Region)

	// IsCoherent is false while receiving a backfill and after a cancelled one.
	IsCoherent() (ok bool)

	// Timestamp returns the timestamp of the latest committed write.
	// Fails with RetCBackfilling while a backfill is running.
	Timestamp() (ts Timestamp, err error)

	// Read dispatches req by its variant. Reads never change the store.
	Read(ctx context.Context, req ReadRequest, token OrderToken) (res ReadResponse, err error)

	// Write dispatches req by its variant. On success Timestamp() == ts.
	Write(ctx context.Context, req WriteRequest, ts Timestamp, token OrderToken) (res WriteResponse, err error)

	// BackfilleeBegin switches the store into receiving mode and describes what it has.
	BackfilleeBegin() (req BackfillRequest, err error)

	// BackfilleeChunk applies one chunk. Only valid while receiving.
	BackfilleeChunk(chunk BackfillChunk) (err error)

	// BackfilleeEnd finishes receiving, the store is coherent at end.Timestamp afterwards.
	BackfilleeEnd(end BackfillEnd) (err error)

	// BackfilleeCancel aborts receiving. The store stays incoherent until a new backfill
	// completes.
	BackfilleeCancel() (err error)

	// Backfiller streams everything the receiver described by req is missing into sink.
	// A cancelled ctx stops the stream with RetCInterrupted.
	Backfiller(ctx context.Context, req BackfillRequest, sink ChunkSink) (end BackfillEnd, err error)

	// GetDBInfo returns metadata about the block storage underlying the store.
	// It is not guaranteed that all fields are filled in or that the information is up-to-date!
	GetDBInfo() (info db.DatabaseInfo, err error)

	// Close releases the underlying storage.
	Close() (err error)
}

// MetricsWriter is implemented by stores exporting metrics in prometheus text format
type MetricsWriter interface {
	WriteMetrics(w io.Writer)
}

// --------------------------------------------------------------------------
// Custom Error Type
// --------------------------------------------------------------------------

// Error is a custom error type that wraps a return code (of type RetCode)
// and an error message.
type Error struct {
	Code RetCode // The return code
	Msg  string  // The error message.
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("StoreError (code %s): %s", e.Code, e.Msg)
}

// Is matches errors with the same code, so errors.Is(err, ErrNotCoherent) works for any message
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// NewError creates a new store error with the given code and message.
func NewError(code RetCode, msg string) *Error {
	return &Error{
		Code: code,
		Msg:  msg,
	}
}

// Errorf creates a new store error with a formatted message
func Errorf(code RetCode, format string, args ...interface{}) *Error {
	return NewError(code, fmt.Sprintf(format, args...))
}

// Code returns the return code of err, RetCSuccess for nil and RetCInternalError for
// errors that are not store errors.
func Code(err error) RetCode {
	if err == nil {
		return RetCSuccess
	}
	for _, code := range []RetCode{
		RetCUnsupportedOperation, RetCInvalidOperation, RetCOutOfRegion, RetCNotCoherent,
		RetCBackfilling, RetCStaleTimestamp, RetCInterrupted,
	} {
		if errors.Is(err, &Error{Code: code}) {
			return code
		}
	}
	return RetCInternalError
}

// --------------------------------------------------------------------------
// Return Codes
// --------------------------------------------------------------------------

type RetCode uint64

const (
	RetCSuccess              RetCode = iota // 0: Command executed successfully.
	RetCInternalError                       // 1: Command failed due to an internal error.
	RetCUnsupportedOperation                // 2: Operation is not supported by the store.
	RetCInvalidOperation                    // 3: Invalid operation.
	RetCOutOfRegion                         // 4: A key of the request lies outside the store region.
	RetCNotCoherent                         // 5: The store is receiving a backfill or was left incoherent.
	RetCBackfilling                         // 6: A backfill is running.
	RetCStaleTimestamp                      // 7: The write timestamp is older than the store timestamp.
	RetCInterrupted                         // 8: The operation was cancelled.
)

func (c RetCode) String() string {
	switch c {
	case RetCSuccess:
		return "Success"
	case RetCInternalError:
		return "InternalError"
	case RetCUnsupportedOperation:
		return "UnsupportedOperation"
	case RetCInvalidOperation:
		return "InvalidOperation"
	case RetCOutOfRegion:
		return "OutOfRegion"
	case RetCNotCoherent:
		return "NotCoherent"
	case RetCBackfilling:
		return "Backfilling"
	case RetCStaleTimestamp:
		return "StaleTimestamp"
	case RetCInterrupted:
		return "Interrupted"
	default:
		return "Unknown"
	}
}

// Sentinels for errors.Is
var (
	ErrInternal       = NewError(RetCInternalError, "internal error")
	ErrUnsupported    = NewError(RetCUnsupportedOperation, "unsupported operation")
	ErrInvalid        = NewError(RetCInvalidOperation, "invalid operation")
	ErrOutOfRegion    = NewError(RetCOutOfRegion, "out of region")
	ErrNotCoherent    = NewError(RetCNotCoherent, "not coherent")
	ErrBackfilling    = NewError(RetCBackfilling, "backfilling")
	ErrStaleTimestamp = NewError(RetCStaleTimestamp, "stale timestamp")
	ErrInterrupted    = NewError(RetCInterrupted, "interrupted")
)
