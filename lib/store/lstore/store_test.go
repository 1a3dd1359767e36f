package lstore

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ValentinKolb/bKV/lib/blob"
	"github.com/ValentinKolb/bKV/lib/btree"
	"github.com/ValentinKolb/bKV/lib/db/engines/maple"
	"github.com/ValentinKolb/bKV/lib/redis"
	"github.com/ValentinKolb/bKV/lib/store"
	"github.com/ValentinKolb/bKV/lib/value"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var ctx = context.Background()

func newTestStore(t *testing.T, region store.Region, opts ...func(*Config)) store.IStore {
	t.Helper()
	cfg := Config{
		Region: region,
		Blocks: maple.NewFactory(&maple.DBOptions{NumShards: 2, BlockSize: 128}),
		Blob:   blob.Options{InlineLimit: 16},
		Now:    func() time.Time { return time.Unix(1700000000, 0) },
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	s, err := NewLocalStore(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func str(payload string) store.Data {
	return store.Data{Kind: value.String, Payload: []byte(payload)}
}

func set(t *testing.T, s store.IStore, key, payload string, ts store.Timestamp) store.SetResponse {
	t.Helper()
	res, err := s.Write(ctx, store.Set{Key: []byte(key), Value: str(payload)}, ts, store.NoOrder)
	require.NoError(t, err)
	return res.(store.SetResponse)
}

func del(t *testing.T, s store.IStore, key string, ts store.Timestamp) bool {
	t.Helper()
	res, err := s.Write(ctx, store.Delete{Key: []byte(key)}, ts, store.NoOrder)
	require.NoError(t, err)
	return res.(store.DeleteResponse).Existed
}

func get(t *testing.T, s store.IStore, key string) *store.Data {
	t.Helper()
	res, err := s.Read(ctx, store.PointRead{Key: []byte(key), Length: -1}, store.NoOrder)
	require.NoError(t, err)
	return res.(store.PointReadResponse).Value
}

// contents returns key => payload of the whole store
func contents(t *testing.T, s store.IStore) map[string]string {
	t.Helper()
	res, err := s.Read(ctx, store.RangeRead{}, store.NoOrder)
	require.NoError(t, err)
	out := map[string]string{}
	for _, e := range res.(store.RangeReadResponse).Entries {
		out[string(e.Key)] = string(e.Value.Payload)
	}
	return out
}

// --------------------------------------------------------------------------
// Reads and Writes
// --------------------------------------------------------------------------

func TestSetGetDelete(t *testing.T) {
	s := newTestStore(t, store.Universe)

	require.Equal(t, store.SetCreated, set(t, s, "k", "v1", 1).Result)
	require.Equal(t, store.SetOverwrote, set(t, s, "k", "v2", 2).Result)
	require.Equal(t, "v2", string(get(t, s, "k").Payload))

	res, err := s.Write(ctx, store.Set{Key: []byte("b"), Value: str("body"), ReturnBody: true}, 3, store.NoOrder)
	require.NoError(t, err)
	require.Equal(t, "body", string(res.(store.SetResponse).Body.Payload))

	require.True(t, del(t, s, "k", 4))
	require.False(t, del(t, s, "k", 5))
	require.Nil(t, get(t, s, "k"))
}

func TestPointReadRange(t *testing.T) {
	s := newTestStore(t, store.Universe)
	long := strings.Repeat("0123456789", 50)
	data := str(long)
	data.HasExpiration, data.Expiration = true, 42
	_, err := s.Write(ctx, store.Set{Key: []byte("k"), Value: data}, 1, store.NoOrder)
	require.NoError(t, err)

	require.Equal(t, &data, get(t, s, "k"))

	res, err := s.Read(ctx, store.PointRead{Key: []byte("k"), Offset: 95, Length: 10}, store.NoOrder)
	require.NoError(t, err)
	got := res.(store.PointReadResponse).Value
	require.Equal(t, "5678901234", string(got.Payload))
	require.True(t, got.HasExpiration)

	res, err = s.Read(ctx, store.PointRead{Key: []byte("k"), Offset: 495, Length: -1}, store.NoOrder)
	require.NoError(t, err)
	require.Equal(t, "56789", string(res.(store.PointReadResponse).Value.Payload))

	_, err = s.Read(ctx, store.PointRead{Key: []byte("k"), Offset: 495, Length: 10}, store.NoOrder)
	require.ErrorIs(t, err, store.ErrInvalid)
}

func TestRangeRead(t *testing.T) {
	s := newTestStore(t, store.Region{Start: []byte("b"), End: []byte("y")})
	for i := 0; i < 300; i++ {
		set(t, s, fmt.Sprintf("k%03d", i), fmt.Sprint(i), store.Timestamp(i))
	}
	require.Len(t, contents(t, s), 300)

	res, err := s.Read(ctx, store.RangeRead{Range: store.Region{Start: []byte("k100"), End: []byte("k200")}}, store.NoOrder)
	require.NoError(t, err)
	entries := res.(store.RangeReadResponse).Entries
	require.Len(t, entries, 100)
	require.Equal(t, "k100", string(entries[0].Key))
	require.Equal(t, store.Timestamp(199), entries[99].Timestamp)

	res, err = s.Read(ctx, store.RangeRead{Limit: 7}, store.NoOrder)
	require.NoError(t, err)
	require.Len(t, res.(store.RangeReadResponse).Entries, 7)
	require.True(t, res.(store.RangeReadResponse).Truncated)
}

func TestMapReduceUnsupported(t *testing.T) {
	s := newTestStore(t, store.Universe)
	_, err := s.Read(ctx, store.MapReduceRead{}, store.NoOrder)
	require.ErrorIs(t, err, store.ErrUnsupported)
}

func TestInvalidRequests(t *testing.T) {
	s := newTestStore(t, store.Universe)

	_, err := s.Write(ctx, store.Set{Key: bytes.Repeat([]byte("k"), btree.MaxKeySize+1), Value: str("v")}, 1, store.NoOrder)
	require.ErrorIs(t, err, store.ErrInvalid)

	_, err = s.Write(ctx, store.Set{Key: []byte("k"), Value: store.Data{Kind: value.Kind(99)}}, 2, store.NoOrder)
	require.ErrorIs(t, err, store.ErrInvalid)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = s.Read(cancelled, store.PointRead{Key: []byte("k")}, store.NoOrder)
	require.ErrorIs(t, err, store.ErrInterrupted)
}

func TestCommands(t *testing.T) {
	s := newTestStore(t, store.Region{Start: []byte("a"), End: []byte("m")})

	run := func(write bool, ts store.Timestamp, name string, args ...string) redis.Reply {
		t.Helper()
		var res interface{}
		var err error
		if write {
			res, err = s.Write(ctx, store.CommandWrite{Cmd: redis.NewCommand(name, args...)}, ts, store.NoOrder)
		} else {
			res, err = s.Read(ctx, store.CommandRead{Cmd: redis.NewCommand(name, args...)}, store.NoOrder)
		}
		require.NoError(t, err)
		return res.(store.CommandResponse).Reply
	}

	require.Equal(t, redis.OK, run(true, 1, "SET", "counter", "41"))
	require.Equal(t, redis.IntegerReply(42), run(true, 2, "INCR", "counter"))
	require.Equal(t, redis.Bulk([]byte("42")), run(false, 0, "GET", "counter"))
	require.Equal(t, "42", string(get(t, s, "counter").Payload))

	ts, err := s.Timestamp()
	require.NoError(t, err)
	require.Equal(t, store.Timestamp(2), ts)

	// KEYS only sees the region of the store
	require.Len(t, run(false, 0, "KEYS", "*").(redis.MultiBulkReply), 1)

	_, err = s.Read(ctx, store.CommandRead{Cmd: redis.NewCommand("SET", "a", "b")}, store.NoOrder)
	require.ErrorIs(t, err, store.ErrInvalid)

	_, err = s.Write(ctx, store.CommandWrite{Cmd: redis.NewCommand("DEL", "a", "zebra")}, 3, store.NoOrder)
	require.ErrorIs(t, err, store.ErrOutOfRegion)
}

// --------------------------------------------------------------------------
// Invariants
// --------------------------------------------------------------------------

func TestRegionContainment(t *testing.T) {
	s := newTestStore(t, store.Region{Start: []byte("b"), End: []byte("d")})

	set(t, s, "b", "in", 1)
	set(t, s, "c\xff", "in", 2)

	outside := []string{"a", "d", "da", ""}
	for _, key := range outside {
		_, err := s.Write(ctx, store.Set{Key: []byte(key), Value: str("x")}, 3, store.NoOrder)
		require.ErrorIs(t, err, store.ErrOutOfRegion, key)
		_, err = s.Read(ctx, store.PointRead{Key: []byte(key)}, store.NoOrder)
		require.ErrorIs(t, err, store.ErrOutOfRegion, key)
	}

	_, err := s.Read(ctx, store.RangeRead{Range: store.Region{Start: []byte("b"), End: []byte("e")}}, store.NoOrder)
	require.ErrorIs(t, err, store.ErrOutOfRegion)

	ts, err := s.Timestamp()
	require.NoError(t, err)
	require.Equal(t, store.Timestamp(2), ts, "rejected writes do not advance the timestamp")
}

func TestTimestampMonotonicity(t *testing.T) {
	s := newTestStore(t, store.Universe)

	set(t, s, "k", "a", 5)
	_, err := s.Write(ctx, store.Set{Key: []byte("k"), Value: str("b")}, 4, store.NoOrder)
	require.ErrorIs(t, err, store.ErrStaleTimestamp)
	require.Equal(t, "a", string(get(t, s, "k").Payload), "stale writes have no effect")

	set(t, s, "k", "c", 5) // equal timestamps are admitted
	ts, _ := s.Timestamp()
	require.Equal(t, store.Timestamp(5), ts)
}

func TestConcurrentWritersAreOrdered(t *testing.T) {
	s := newTestStore(t, store.Universe)

	var clock atomic.Uint64
	var maxAdmitted atomic.Uint64
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				ts := store.Timestamp(clock.Add(1))
				_, err := s.Write(ctx, store.Set{Key: []byte(fmt.Sprintf("w%d-%d", w, i%10)), Value: str("v")}, ts, store.NoOrder)
				if err != nil {
					assert.ErrorIs(t, err, store.ErrStaleTimestamp)
					continue
				}
				for {
					m := maxAdmitted.Load()
					if uint64(ts) <= m || maxAdmitted.CompareAndSwap(m, uint64(ts)) {
						break
					}
				}
			}
		}(w)
	}
	wg.Wait()

	ts, err := s.Timestamp()
	require.NoError(t, err)
	require.Equal(t, store.Timestamp(maxAdmitted.Load()), ts)
}

func TestConcurrentWritesToOneKey(t *testing.T) {
	s := newTestStore(t, store.Universe)

	var clock atomic.Uint64
	var maxAdmitted atomic.Uint64
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				ts := clock.Add(1)
				payload := fmt.Sprintf("%d", ts)
				_, err := s.Write(ctx, store.Set{Key: []byte("k"), Value: str(payload)}, store.Timestamp(ts), store.NoOrder)
				if err != nil {
					assert.ErrorIs(t, err, store.ErrStaleTimestamp)
					continue
				}
				for {
					m := maxAdmitted.Load()
					if ts <= m || maxAdmitted.CompareAndSwap(m, ts) {
						break
					}
				}
			}
		}()
	}
	wg.Wait()

	latest := maxAdmitted.Load()
	require.Equal(t, fmt.Sprintf("%d", latest), string(get(t, s, "k").Payload), "the newest write wins")
	ts, err := s.Timestamp()
	require.NoError(t, err)
	require.Equal(t, store.Timestamp(latest), ts)

	res, err := s.Read(ctx, store.RangeRead{}, store.NoOrder)
	require.NoError(t, err)
	entries := res.(store.RangeReadResponse).Entries
	require.Len(t, entries, 1)
	require.Equal(t, store.Timestamp(latest), entries[0].Timestamp)
}

func TestFailedWriteKeepsTimestamp(t *testing.T) {
	s := newTestStore(t, store.Universe)
	set(t, s, "k", "v", 1)

	huge := bytes.Repeat([]byte("k"), btree.MaxKeySize+1)
	_, err := s.Write(ctx, store.Set{Key: huge, Value: str("v")}, 10, store.NoOrder)
	require.ErrorIs(t, err, store.ErrInvalid)

	ts, err := s.Timestamp()
	require.NoError(t, err)
	require.Equal(t, store.Timestamp(1), ts)
	set(t, s, "k", "w", 2)
}

func TestDBInfo(t *testing.T) {
	s := newTestStore(t, store.Universe, func(c *Config) { c.Name = "r1" })
	set(t, s, "small", "x", 1)
	set(t, s, "large", strings.Repeat("x", 1000), 2)

	info, err := s.GetDBInfo()
	require.NoError(t, err)
	require.Greater(t, info.SizeBytes, 0)
	meta := info.Metadata.(*storeMetadata)
	require.Equal(t, "r1", meta.Name)
	require.Equal(t, int64(2), meta.Keys)
	require.Equal(t, int64(2), meta.WriteSizes.Count)
	require.Equal(t, "coherent", meta.State)

	var buf bytes.Buffer
	s.(*storeImpl).WriteMetrics(&buf)
	require.Contains(t, buf.String(), `bkv_store_writes_total{region="r1"} 2`)
}

// --------------------------------------------------------------------------
// Backfill
// --------------------------------------------------------------------------

// backfill runs a complete backfill from src into dst and returns the chunks sent
func backfill(t *testing.T, src, dst store.IStore) []store.BackfillChunk {
	t.Helper()
	req, err := dst.BackfilleeBegin()
	require.NoError(t, err)
	require.False(t, dst.IsCoherent())

	var chunks []store.BackfillChunk
	end, err := src.Backfiller(ctx, req, store.ChunkSinkFunc(func(chunk store.BackfillChunk) error {
		chunks = append(chunks, chunk)
		return dst.BackfilleeChunk(chunk)
	}))
	require.NoError(t, err)
	require.Equal(t, req.SessionID, end.SessionID)
	require.NoError(t, dst.BackfilleeEnd(end))
	return chunks
}

func kinds(chunks []store.BackfillChunk) []store.ChunkKind {
	var out []store.ChunkKind
	for _, c := range chunks {
		out = append(out, c.Kind)
	}
	return out
}

func TestBackfillCoherence(t *testing.T) {
	region := store.Region{Start: []byte("a"), End: []byte("n")}
	src := newTestStore(t, region)
	dst := newTestStore(t, region)

	for i := 0; i < 50; i++ {
		set(t, src, fmt.Sprintf("k%02d", i), strings.Repeat("v", i*10), store.Timestamp(i+1))
	}
	set(t, dst, "stale", "gone after backfill", 0)

	chunks := backfill(t, src, dst)
	require.Equal(t, store.ChunkDeleteRange, chunks[0].Kind, "a fresh receiver gets a full copy")
	require.Len(t, chunks, 51)

	require.True(t, dst.IsCoherent())
	ts, err := dst.Timestamp()
	require.NoError(t, err)
	require.Equal(t, store.Timestamp(50), ts)
	if diff := cmp.Diff(contents(t, src), contents(t, dst)); diff != "" {
		t.Errorf("receiver differs from source (-src +dst):\n%s", diff)
	}
}

func TestBackfillMinimalDiff(t *testing.T) {
	src := newTestStore(t, store.Universe)
	dst := newTestStore(t, store.Universe)
	for i := 0; i < 20; i++ {
		set(t, src, fmt.Sprintf("k%02d", i), "v", store.Timestamp(i+1))
	}
	backfill(t, src, dst)

	set(t, src, "k03", "changed", 21)
	require.True(t, del(t, src, "k05", 22))
	require.True(t, del(t, src, "k07", 23))
	set(t, src, "k07", "back", 24)
	set(t, src, "new", "v", 25)

	chunks := backfill(t, src, dst)
	require.Equal(t, []store.ChunkKind{
		store.ChunkDeleteKey, store.ChunkDeleteKey,
		store.ChunkSetKey, store.ChunkSetKey, store.ChunkSetKey,
	}, kinds(chunks))
	if diff := cmp.Diff(contents(t, src), contents(t, dst)); diff != "" {
		t.Errorf("receiver differs from source (-src +dst):\n%s", diff)
	}
	ts, _ := dst.Timestamp()
	require.Equal(t, store.Timestamp(25), ts)
}

func TestBackfillTruncatedDeletionLog(t *testing.T) {
	small := func(c *Config) { c.Tree.DeletionLogSize = 2 }
	src := newTestStore(t, store.Universe, small)
	dst := newTestStore(t, store.Universe, small)
	for i := 0; i < 10; i++ {
		set(t, src, fmt.Sprintf("k%d", i), "v", store.Timestamp(i+1))
	}
	backfill(t, src, dst)

	for i := 0; i < 5; i++ {
		del(t, src, fmt.Sprintf("k%d", i), store.Timestamp(20+i))
	}
	chunks := backfill(t, src, dst)
	require.Equal(t, store.ChunkDeleteRange, chunks[0].Kind)
	require.Len(t, contents(t, dst), 5)
}

func TestChainedBackfills(t *testing.T) {
	src := newTestStore(t, store.Universe, func(c *Config) { c.Tree.DeletionLogSize = 1 })
	relay := newTestStore(t, store.Universe)
	dst := newTestStore(t, store.Universe)

	for _, s := range []store.IStore{relay, dst} {
		set(t, s, "a", "v", 1)
		set(t, s, "k", "v", 2)
	}
	set(t, src, "a", "v", 1)
	set(t, src, "k", "v", 2)
	set(t, src, "x1", "v", 3)
	set(t, src, "x2", "v", 4)
	del(t, src, "x1", 5)
	del(t, src, "x2", 6)

	chunks := backfill(t, src, relay)
	require.Equal(t, store.ChunkDeleteRange, chunks[0].Kind, "the deletion log of src is truncated")

	// the relay's entries keep timestamps 1 and 2, it must not claim to know deletions
	// before its full copy
	chunks = backfill(t, relay, dst)
	require.Equal(t, store.ChunkDeleteRange, chunks[0].Kind)
	if diff := cmp.Diff(contents(t, relay), contents(t, dst)); diff != "" {
		t.Errorf("receiver differs from source (-relay +dst):\n%s", diff)
	}
	require.Equal(t, map[string]string{"a": "v", "k": "v"}, contents(t, dst))

	// later changes travel as a minimal diff again
	set(t, relay, "n", "v", 7)
	del(t, relay, "a", 8)
	chunks = backfill(t, relay, dst)
	require.Equal(t, []store.ChunkKind{store.ChunkDeleteKey, store.ChunkSetKey}, kinds(chunks))
	if diff := cmp.Diff(contents(t, relay), contents(t, dst)); diff != "" {
		t.Errorf("receiver differs from source (-relay +dst):\n%s", diff)
	}
}

func TestBackfillCancel(t *testing.T) {
	src := newTestStore(t, store.Universe)
	dst := newTestStore(t, store.Universe)
	for i := 0; i < 10; i++ {
		set(t, src, fmt.Sprintf("k%d", i), "v", store.Timestamp(i+1))
	}

	req, err := dst.BackfilleeBegin()
	require.NoError(t, err)
	_, err = dst.Timestamp()
	require.ErrorIs(t, err, store.ErrBackfilling)
	_, err = dst.Read(ctx, store.PointRead{Key: []byte("k1")}, store.NoOrder)
	require.ErrorIs(t, err, store.ErrNotCoherent)

	interrupt, cancel := context.WithCancel(ctx)
	sent := 0
	_, err = src.Backfiller(interrupt, req, store.ChunkSinkFunc(func(chunk store.BackfillChunk) error {
		sent++
		if sent == 3 {
			cancel()
		}
		return dst.BackfilleeChunk(chunk)
	}))
	require.ErrorIs(t, err, store.ErrInterrupted)
	require.Equal(t, 3, sent)

	// the source is unaffected
	require.True(t, src.IsCoherent())
	set(t, src, "after", "v", 11)

	require.NoError(t, dst.BackfilleeCancel())
	require.False(t, dst.IsCoherent())
	_, err = dst.Read(ctx, store.PointRead{Key: []byte("k1")}, store.NoOrder)
	require.ErrorIs(t, err, store.ErrNotCoherent)
	_, err = dst.Write(ctx, store.Set{Key: []byte("x"), Value: str("v")}, 100, store.NoOrder)
	require.ErrorIs(t, err, store.ErrNotCoherent)

	// a fresh backfill repairs the receiver
	chunks := backfill(t, src, dst)
	require.Equal(t, store.ChunkDeleteRange, chunks[0].Kind)
	require.True(t, dst.IsCoherent())
	if diff := cmp.Diff(contents(t, src), contents(t, dst)); diff != "" {
		t.Errorf("receiver differs from source (-src +dst):\n%s", diff)
	}
}

func TestBackfillStateErrors(t *testing.T) {
	region := store.Region{Start: []byte("a"), End: []byte("b")}
	s := newTestStore(t, region)

	require.ErrorIs(t, s.BackfilleeChunk(store.BackfillChunk{Kind: store.ChunkSetKey}), store.ErrInvalid)
	require.ErrorIs(t, s.BackfilleeCancel(), store.ErrInvalid)

	_, err := s.Backfiller(ctx, store.BackfillRequest{Region: store.Universe}, store.ChunkSinkFunc(nil))
	require.ErrorIs(t, err, store.ErrInvalid, "regions must match")
	_, err = s.Backfiller(ctx, store.BackfillRequest{Region: region, Timestamp: 5}, store.ChunkSinkFunc(nil))
	require.ErrorIs(t, err, store.ErrInvalid, "receiver ahead of source")

	req, err := s.BackfilleeBegin()
	require.NoError(t, err)
	_, err = s.BackfilleeBegin()
	require.ErrorIs(t, err, store.ErrBackfilling)
	_, err = s.Backfiller(ctx, req, store.ChunkSinkFunc(nil))
	require.ErrorIs(t, err, store.ErrNotCoherent, "never receiving and sending at once")

	require.ErrorIs(t, s.BackfilleeChunk(store.BackfillChunk{Kind: store.ChunkSetKey, Key: []byte("z"), Value: str("v")}), store.ErrOutOfRegion)
	require.ErrorIs(t, s.BackfilleeEnd(store.BackfillEnd{}), store.ErrInvalid, "session must match")
	require.NoError(t, s.BackfilleeEnd(store.BackfillEnd{SessionID: req.SessionID}))
}

func TestWritesHeldWhileSending(t *testing.T) {
	src := newTestStore(t, store.Universe)
	dst := newTestStore(t, store.Universe)
	set(t, src, "k", "v", 1)

	req, err := dst.BackfilleeBegin()
	require.NoError(t, err)
	end, err := src.Backfiller(ctx, req, store.ChunkSinkFunc(func(chunk store.BackfillChunk) error {
		_, err := src.Write(ctx, store.Set{Key: []byte("k"), Value: str("racing")}, 2, store.NoOrder)
		require.ErrorIs(t, err, store.ErrBackfilling)
		_, err = src.Read(ctx, store.PointRead{Key: []byte("k"), Length: -1}, store.NoOrder)
		require.ErrorIs(t, err, store.ErrBackfilling)
		_, err = src.Timestamp()
		require.ErrorIs(t, err, store.ErrBackfilling)
		return dst.BackfilleeChunk(chunk)
	}))
	require.NoError(t, err)
	require.NoError(t, dst.BackfilleeEnd(end))

	require.Equal(t, "v", string(get(t, src, "k").Payload))
	set(t, src, "k", "after", 2)
}
