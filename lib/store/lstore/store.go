package lstore

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/bKV/lib/blob"
	"github.com/ValentinKolb/bKV/lib/btree"
	"github.com/ValentinKolb/bKV/lib/db"
	"github.com/ValentinKolb/bKV/lib/db/util"
	"github.com/ValentinKolb/bKV/lib/redis"
	"github.com/ValentinKolb/bKV/lib/store"
	"github.com/ValentinKolb/bKV/lib/value"
	"github.com/VictoriaMetrics/metrics"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("store")

// scanBatch bounds the number of keys visited under one leaf latch chain
const scanBatch = 128

// --------------------------------------------------------------------------
// Configuration
// --------------------------------------------------------------------------

// Config describes one local region store
type Config struct {
	Name   string       // used as metrics label, defaults to the hex encoded region bounds
	Region store.Region // owned key range
	Blocks db.Factory   // block storage for out-of-node values
	Tree   btree.Options
	Blob   blob.Options
	Now    func() time.Time // clock of the redis commands, defaults to time.Now
}

// --------------------------------------------------------------------------
// Backfill State
// --------------------------------------------------------------------------

type state int

const (
	stateCoherent   state = iota // serving reads and writes
	stateReceiving               // applying backfill chunks
	stateSending                 // streaming a backfill, writes are held back
	stateIncoherent              // a receive was cancelled, waiting for a fresh backfill
)

func (s state) String() string {
	switch s {
	case stateCoherent:
		return "coherent"
	case stateReceiving:
		return "receiving"
	case stateSending:
		return "sending"
	case stateIncoherent:
		return "incoherent"
	default:
		return "unknown"
	}
}

// --------------------------------------------------------------------------
// Store
// --------------------------------------------------------------------------

type storeImpl struct {
	name   string
	region store.Region
	blocks db.BlockStore
	tree   *btree.Tree[value.Value]
	sizer  value.Sizer
	env    *redis.Env

	// mu orders state transitions against in-flight operations.
	// Operations hold it shared, transitions exclusively.
	mu        sync.RWMutex
	state     state
	session   uuid.UUID     // id of the backfill being received
	watermark atomic.Uint64 // lowest chunk timestamp accepted while receiving

	// writeMu orders writes: admission, application and the timestamp update happen
	// under it, so entries never go back in time
	writeMu   sync.Mutex
	timestamp atomic.Uint64
	lastToken atomic.Uint64
	sizes     *util.SizeHistogram

	metrics        *metrics.Set
	reads          *metrics.Counter
	writes         *metrics.Counter
	rejected       *metrics.Counter
	chunksSent     *metrics.Counter
	chunksReceived *metrics.Counter
	writeDuration  *metrics.Histogram
}

// NewLocalStore creates a store owning cfg.Region on top of a fresh block store.
func NewLocalStore(cfg Config) (store.IStore, error) {
	return newLocalStore(cfg)
}

func newLocalStore(cfg Config) (*storeImpl, error) {
	if cfg.Blocks == nil {
		return nil, errors.New("lstore: no block store factory")
	}
	if cfg.Region.Empty() {
		return nil, errors.Newf("lstore: empty region %s", cfg.Region)
	}
	blocks, err := cfg.Blocks()
	if err != nil {
		return nil, errors.Wrap(err, "lstore: create block store")
	}
	if !blocks.SupportsFeature(db.FeatureAllocate | db.FeatureRead | db.FeatureWrite | db.FeatureFree) {
		_ = blocks.Close()
		return nil, errors.Newf("lstore: block store %s lacks required features", blocks.GetInfo().DbType)
	}
	if cfg.Blob.InlineLimit <= 0 {
		cfg.Blob = blob.DefaultOptions()
	}
	if cfg.Name == "" {
		cfg.Name = fmt.Sprintf("%x:%x", cfg.Region.Start, cfg.Region.End)
	}

	s := &storeImpl{
		name:   cfg.Name,
		region: cfg.Region,
		blocks: blocks,
		tree:   btree.New[value.Value](blocks, cfg.Tree),
		sizer:  value.NewSizer(cfg.Blob),
		sizes:  util.NewSizeHistogram(),
	}
	s.env = &redis.Env{
		Tree:  s.tree,
		Sizer: s.sizer,
		Now:   cfg.Now,
		Start: cfg.Region.Start,
		End:   cfg.Region.End,
	}

	s.metrics = metrics.NewSet()
	label := fmt.Sprintf("{region=%q}", cfg.Name)
	s.reads = s.metrics.NewCounter("bkv_store_reads_total" + label)
	s.writes = s.metrics.NewCounter("bkv_store_writes_total" + label)
	s.rejected = s.metrics.NewCounter("bkv_store_rejected_total" + label)
	s.chunksSent = s.metrics.NewCounter("bkv_store_backfill_chunks_sent_total" + label)
	s.chunksReceived = s.metrics.NewCounter("bkv_store_backfill_chunks_received_total" + label)
	s.writeDuration = s.metrics.NewHistogram("bkv_store_write_duration_seconds" + label)
	s.metrics.NewGauge("bkv_store_keys"+label, func() float64 { return float64(s.tree.Len()) })
	s.metrics.NewGauge("bkv_store_timestamp"+label, func() float64 { return float64(s.timestamp.Load()) })

	log.Infof("Created local store %s for region %s", s.name, s.region)
	return s, nil
}

// WriteMetrics writes the metrics of the store in prometheus text format
func (s *storeImpl) WriteMetrics(w io.Writer) {
	s.metrics.WritePrometheus(w)
}

// storeError converts errors of the lower layers into store errors
func storeError(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...) + ": " + err.Error()
	switch {
	case errors.Is(err, btree.ErrKeyTooLarge),
		errors.Is(err, value.ErrInvalidKind),
		errors.Is(err, blob.ErrOutOfBounds),
		errors.Is(err, db.ErrClosed):
		return store.NewError(store.RetCInvalidOperation, msg)
	default:
		log.Errorf("store error: %s", msg)
		return store.NewError(store.RetCInternalError, msg)
	}
}

// checkServing validates the state for reads and writes. mu must be held.
func (s *storeImpl) checkServing() error {
	switch s.state {
	case stateReceiving, stateIncoherent:
		return store.Errorf(store.RetCNotCoherent, "store %s is %s", s.name, s.state)
	case stateSending:
		return store.Errorf(store.RetCBackfilling, "store %s is sending a backfill", s.name)
	}
	return nil
}

// admit rejects ts if it is older than the store timestamp. writeMu must be held.
func (s *storeImpl) admit(ts store.Timestamp) error {
	if current := s.timestamp.Load(); uint64(ts) < current {
		return store.Errorf(store.RetCStaleTimestamp, "timestamp %d is older than %d", ts, current)
	}
	return nil
}

// checkOrder logs tokens of one source arriving out of order
func (s *storeImpl) checkOrder(token store.OrderToken) {
	if token == store.NoOrder {
		return
	}
	for {
		last := s.lastToken.Load()
		if uint64(token) < last {
			log.Warningf("store %s: order token %d arrived after %d", s.name, token, last)
			return
		}
		if s.lastToken.CompareAndSwap(last, uint64(token)) {
			return
		}
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docu see store.IStore)
// --------------------------------------------------------------------------

func (s *storeImpl) Region() store.Region {
	return s.region
}

func (s *storeImpl) IsCoherent() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state == stateCoherent || s.state == stateSending
}

func (s *storeImpl) Timestamp() (store.Timestamp, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state == stateReceiving || s.state == stateSending {
		return 0, store.Errorf(store.RetCBackfilling, "store %s is %s", s.name, s.state)
	}
	return store.Timestamp(s.timestamp.Load()), nil
}

func (s *storeImpl) Read(ctx context.Context, req store.ReadRequest, token store.OrderToken) (store.ReadResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkServing(); err != nil {
		s.rejected.Inc()
		return nil, err
	}
	if !req.Within(s.region) {
		s.rejected.Inc()
		return nil, store.Errorf(store.RetCOutOfRegion, "read outside of region %s", s.region)
	}
	if err := ctx.Err(); err != nil {
		return nil, store.NewError(store.RetCInterrupted, err.Error())
	}
	s.checkOrder(token)
	s.reads.Inc()

	switch r := req.(type) {
	case store.PointRead:
		return s.pointRead(r)
	case store.RangeRead:
		return s.rangeRead(r)
	case store.MapReduceRead:
		return nil, store.NewError(store.RetCUnsupportedOperation, "map reduce reads are not implemented")
	case store.CommandRead:
		if spec, ok := redis.Lookup(r.Cmd.Name); ok && spec.Write {
			return nil, store.Errorf(store.RetCInvalidOperation, "%s is a write command", spec.Name)
		}
		reply, err := redis.Execute(s.env, r.Cmd, s.timestamp.Load())
		if err != nil {
			return nil, storeError(err, "execute %s", r.Cmd.Name)
		}
		return store.CommandResponse{Reply: reply}, nil
	default:
		return nil, store.Errorf(store.RetCInvalidOperation, "unknown read request %T", req)
	}
}

func (s *storeImpl) Write(ctx context.Context, req store.WriteRequest, ts store.Timestamp, token store.OrderToken) (store.WriteResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := s.checkServing(); err != nil {
		s.rejected.Inc()
		return nil, err
	}
	if !req.Within(s.region) {
		s.rejected.Inc()
		return nil, store.Errorf(store.RetCOutOfRegion, "write outside of region %s", s.region)
	}
	if set, ok := req.(store.Set); ok && !set.Value.Kind.Valid() {
		return nil, store.Errorf(store.RetCInvalidOperation, "invalid kind %d", set.Value.Kind)
	}
	if err := ctx.Err(); err != nil {
		return nil, store.NewError(store.RetCInterrupted, err.Error())
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.admit(ts); err != nil {
		s.rejected.Inc()
		return nil, err
	}
	s.checkOrder(token)
	s.writes.Inc()
	defer s.writeDuration.UpdateDuration(time.Now())

	res, err := s.apply(req, ts)
	if err != nil {
		return nil, err
	}
	s.timestamp.Store(uint64(ts))
	return res, nil
}

// apply executes a write request at ts
func (s *storeImpl) apply(req store.WriteRequest, ts store.Timestamp) (store.WriteResponse, error) {
	switch w := req.(type) {
	case store.Set:
		created, err := s.setKey(w.Key, w.Value, ts)
		if err != nil {
			return nil, storeError(err, "set %q", w.Key)
		}
		res := store.SetResponse{Result: store.SetOverwrote}
		if created {
			res.Result = store.SetCreated
		}
		if w.ReturnBody {
			body := w.Value
			body.Payload = append([]byte(nil), w.Value.Payload...)
			res.Body = &body
		}
		return res, nil
	case store.Delete:
		existed, err := s.deleteKey(w.Key, ts)
		if err != nil {
			return nil, storeError(err, "delete %q", w.Key)
		}
		return store.DeleteResponse{Existed: existed}, nil
	case store.CommandWrite:
		reply, err := redis.Execute(s.env, w.Cmd, uint64(ts))
		if err != nil {
			return nil, storeError(err, "execute %s", w.Cmd.Name)
		}
		return store.CommandResponse{Reply: reply}, nil
	default:
		return nil, store.Errorf(store.RetCInvalidOperation, "unknown write request %T", req)
	}
}

// storeMetadata is reported as DatabaseInfo.Metadata
type storeMetadata struct {
	Name        string      `json:"name"`
	Region      string      `json:"region"`
	State       string      `json:"state"`
	Keys        int64       `json:"keys"`
	Timestamp   uint64      `json:"timestamp"`
	InlineLimit int         `json:"inline_limit"`
	WriteSizes  sizeSummary `json:"write_sizes"`
	Blocks      interface{} `json:"blocks"`
}

type sizeSummary struct {
	Count   int64 `json:"count"`
	Average int   `json:"average"`
	Median  int   `json:"median"`
	P99     int   `json:"p99"`
}

func (s *storeImpl) GetDBInfo() (db.DatabaseInfo, error) {
	s.mu.RLock()
	current := s.state
	s.mu.RUnlock()

	info := s.blocks.GetInfo()
	info.Metadata = &storeMetadata{
		Name:        s.name,
		Region:      s.region.String(),
		State:       current.String(),
		Keys:        s.tree.Len(),
		Timestamp:   s.timestamp.Load(),
		InlineLimit: s.sizer.Blob.InlineLimit,
		WriteSizes: sizeSummary{
			Count:   s.sizes.GetCount(),
			Average: s.sizes.AverageSize(),
			Median:  s.sizes.MedianEstimate(),
			P99:     s.sizes.GetPercentileEstimate(99),
		},
		Blocks: info.Metadata,
	}
	return info, nil
}

func (s *storeImpl) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	log.Infof("Closing local store %s", s.name)
	return s.blocks.Close()
}

// --------------------------------------------------------------------------
// Data Access
// --------------------------------------------------------------------------

func (s *storeImpl) pointRead(r store.PointRead) (store.ReadResponse, error) {
	loc, err := s.tree.FindForRead(s.sizer, s.tree.AcquireSuperblock(btree.AccessRead), r.Key)
	if err != nil {
		return nil, storeError(err, "read %q", r.Key)
	}
	defer loc.Release()

	if loc.Value == nil {
		return store.PointReadResponse{}, nil
	}
	if r.Offset == 0 && r.Length < 0 {
		plain, err := s.sizer.Load(loc.Txn, loc.Value)
		if err != nil {
			return nil, storeError(err, "read %q", r.Key)
		}
		data := store.DataFromPlain(plain)
		return store.PointReadResponse{Value: &data}, nil
	}

	epoch, expires, err := s.sizer.Expiration(loc.Txn, loc.Value)
	if err != nil {
		return nil, storeError(err, "read %q", r.Key)
	}
	payload, err := s.sizer.PayloadRange(loc.Txn, loc.Value, r.Offset, r.Length)
	if err != nil {
		return nil, storeError(err, "read %q [%d, +%d)", r.Key, r.Offset, r.Length)
	}
	data := store.Data{Kind: loc.Value.Kind, HasExpiration: expires, Expiration: epoch, Payload: payload}
	return store.PointReadResponse{Value: &data}, nil
}

func (s *storeImpl) rangeRead(r store.RangeRead) (store.ReadResponse, error) {
	bounds := s.region
	if !r.Range.Equal(store.Universe) {
		bounds = r.Range
	}

	res := store.RangeReadResponse{}
	start := bounds.Start
	for {
		entries, next, err := s.collect(start, bounds.End, 0, true)
		if err != nil {
			return nil, storeError(err, "range read %s", bounds)
		}
		for _, e := range entries {
			if r.Limit > 0 && len(res.Entries) == r.Limit {
				res.Truncated = true
				return res, nil
			}
			res.Entries = append(res.Entries, e)
		}
		if next == nil {
			return res, nil
		}
		start = next
	}
}

// collect decodes up to scanBatch entries of [start, end). Unless all is set only
// entries written after since are returned. next is the first key not visited or nil
// if the range is exhausted.
func (s *storeImpl) collect(start, end []byte, since store.Timestamp, all bool) (entries []store.Entry, next []byte, err error) {
	if start == nil {
		start = []byte{}
	}
	txn := s.tree.NewReadTransaction()
	visited := 0
	s.tree.Scan(s.tree.AcquireSuperblock(btree.AccessRead), start, end, func(key []byte, v *value.Value, ts uint64) bool {
		if visited == scanBatch {
			next = append([]byte(nil), key...)
			return false
		}
		visited++
		if !all && store.Timestamp(ts) <= since {
			return true
		}
		plain, loadErr := s.sizer.Load(txn, v)
		if loadErr != nil {
			err = loadErr
			return false
		}
		entries = append(entries, store.Entry{
			Key:       append([]byte(nil), key...),
			Value:     store.DataFromPlain(plain),
			Timestamp: store.Timestamp(ts),
		})
		return true
	})
	return entries, next, err
}

// collectKeys returns up to scanBatch keys of [start, end) and the next start key
func (s *storeImpl) collectKeys(start, end []byte) (keys [][]byte, next []byte) {
	if start == nil {
		start = []byte{}
	}
	s.tree.Scan(s.tree.AcquireSuperblock(btree.AccessRead), start, end, func(key []byte, _ *value.Value, _ uint64) bool {
		if len(keys) == scanBatch {
			next = append([]byte(nil), key...)
			return false
		}
		keys = append(keys, append([]byte(nil), key...))
		return true
	})
	return keys, next
}

// setKey stores data at key and reports whether the key was created
func (s *storeImpl) setKey(key []byte, data store.Data, ts store.Timestamp) (bool, error) {
	loc, err := s.tree.FindForWrite(s.sizer, s.tree.AcquireSuperblock(btree.AccessWrite), key, uint64(ts))
	if err != nil {
		return false, err
	}
	defer loc.Release()

	created := loc.Value == nil
	if created {
		loc.Value = &value.Value{}
	}
	if err := s.sizer.Store(loc.Txn, loc.Value, data.Plain()); err != nil {
		return false, err
	}
	if err := s.tree.Apply(s.sizer, loc, key, uint64(ts)); err != nil {
		return false, err
	}
	s.sizes.AddSample(len(data.Payload))
	return created, nil
}

// deleteKey removes key and reports whether it existed
func (s *storeImpl) deleteKey(key []byte, ts store.Timestamp) (bool, error) {
	loc, err := s.tree.FindForWrite(s.sizer, s.tree.AcquireSuperblock(btree.AccessWrite), key, uint64(ts))
	if err != nil {
		return false, err
	}
	defer loc.Release()

	if loc.Value == nil {
		return false, nil
	}
	if err := s.sizer.Clear(loc.Txn, loc.Value); err != nil {
		return false, err
	}
	loc.Value = nil
	return true, s.tree.Apply(s.sizer, loc, key, uint64(ts))
}

// deleteRange removes every key of [start, end)
func (s *storeImpl) deleteRange(start, end []byte, ts store.Timestamp) error {
	for {
		keys, next := s.collectKeys(start, end)
		for _, key := range keys {
			if _, err := s.deleteKey(key, ts); err != nil {
				return err
			}
		}
		if next == nil {
			return nil
		}
		start = next
	}
}
