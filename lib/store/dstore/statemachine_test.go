package dstore

import (
	"bytes"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/ValentinKolb/bKV/lib/blob"
	"github.com/ValentinKolb/bKV/lib/db/engines/maple"
	"github.com/ValentinKolb/bKV/lib/redis"
	"github.com/ValentinKolb/bKV/lib/store"
	"github.com/ValentinKolb/bKV/lib/store/dstore/internal"
	"github.com/ValentinKolb/bKV/lib/store/lstore"
	"github.com/ValentinKolb/bKV/lib/store/serializer"
	"github.com/ValentinKolb/bKV/lib/value"
	sm "github.com/lni/dragonboat/v4/statemachine"
	"github.com/stretchr/testify/require"
)

var testRegion = store.Region{Start: []byte("a"), End: []byte("n")}

func newTestMachine(t *testing.T, replicaID uint64, codec serializer.IBackfillSerializer) *RegionStateMachine {
	t.Helper()
	factory := CreateStateMachineFactory(lstore.Config{
		Name:   fmt.Sprintf("test-%s-%d", t.Name(), replicaID),
		Region: testRegion,
		Blocks: maple.NewFactory(&maple.DBOptions{NumShards: 2, BlockSize: 128}),
		Blob:   blob.Options{InlineLimit: 16},
		Now:    func() time.Time { return time.Unix(1700000000, 0) },
	}, codec)
	fsm := factory(1, replicaID).(*RegionStateMachine)
	t.Cleanup(func() { _ = fsm.Close() })
	return fsm
}

// apply proposes req as raft entry index
func apply(t *testing.T, fsm *RegionStateMachine, index uint64, req store.WriteRequest) sm.Result {
	t.Helper()
	cmd, err := internal.FromWriteRequest(req, store.NoOrder)
	require.NoError(t, err)
	res, err := fsm.Update(sm.Entry{Index: index, Cmd: cmd.Serialize()})
	require.NoError(t, err)
	return res
}

func setReq(key, payload string) store.Set {
	return store.Set{Key: []byte(key), Value: store.Data{Kind: value.String, Payload: []byte(payload)}}
}

func lookupContents(t *testing.T, fsm *RegionStateMachine) map[string]string {
	t.Helper()
	res, err := fsm.Lookup(internal.Query{Type: internal.QueryTRead, Read: store.RangeRead{}})
	require.NoError(t, err)
	out := map[string]string{}
	for _, e := range res.(store.RangeReadResponse).Entries {
		out[string(e.Key)] = string(e.Value.Payload)
	}
	return out
}

func TestUpdateUsesLogIndex(t *testing.T) {
	fsm := newTestMachine(t, 1, serializer.NewBinarySerializer())

	res := apply(t, fsm, 5, setReq("b", "1"))
	require.Equal(t, uint64(store.RetCSuccess), res.Value)
	resp, err := internal.DecodeResponse(internal.CommandTSet, res.Data)
	require.NoError(t, err)
	require.Equal(t, store.SetCreated, resp.(store.SetResponse).Result)

	ts, err := fsm.Lookup(internal.Query{Type: internal.QueryTTimestamp})
	require.NoError(t, err)
	require.Equal(t, store.Timestamp(5), ts)

	res = apply(t, fsm, 6, store.CommandWrite{Cmd: redis.NewCommand("INCR", "c")})
	require.Equal(t, uint64(store.RetCSuccess), res.Value)
	resp, err = internal.DecodeResponse(internal.CommandTRedis, res.Data)
	require.NoError(t, err)
	require.Equal(t, redis.IntegerReply(1), resp.(store.CommandResponse).Reply)

	res = apply(t, fsm, 7, store.Delete{Key: []byte("b")})
	resp, err = internal.DecodeResponse(internal.CommandTDelete, res.Data)
	require.NoError(t, err)
	require.True(t, resp.(store.DeleteResponse).Existed)

	require.Equal(t, map[string]string{"c": "1"}, lookupContents(t, fsm))
}

func TestUpdateErrors(t *testing.T) {
	fsm := newTestMachine(t, 1, serializer.NewBinarySerializer())

	res, err := fsm.Update(sm.Entry{Index: 1})
	require.NoError(t, err)
	require.Equal(t, uint64(store.RetCInvalidOperation), res.Value)

	res, err = fsm.Update(sm.Entry{Index: 2, Cmd: []byte{1, 2, 3}})
	require.NoError(t, err)
	require.Equal(t, uint64(store.RetCInternalError), res.Value)

	res = apply(t, fsm, 3, setReq("z", "outside"))
	require.Equal(t, uint64(store.RetCOutOfRegion), res.Value)
	require.NotContains(t, string(res.Data), "StoreError")

	_, err = fsm.Lookup("not a query")
	require.ErrorIs(t, err, store.ErrInternal)
}

func TestLookupMetricsAndInfo(t *testing.T) {
	fsm := newTestMachine(t, 1, serializer.NewBinarySerializer())
	apply(t, fsm, 1, setReq("b", "1"))

	var buf bytes.Buffer
	_, err := fsm.Lookup(internal.Query{Type: internal.QueryTMetrics, Writer: &buf})
	require.NoError(t, err)
	require.Contains(t, buf.String(), "bkv_store_writes_total")

	coherent, err := fsm.Lookup(internal.Query{Type: internal.QueryTCoherent})
	require.NoError(t, err)
	require.Equal(t, true, coherent)

	_, err = fsm.Lookup(internal.Query{Type: internal.QueryTGetDBInfo})
	require.NoError(t, err)
}

// TestSnapshotRoundTrip saves a snapshot on one replica and recovers another from it
func TestSnapshotRoundTrip(t *testing.T) {
	for name, codec := range map[string]serializer.IBackfillSerializer{
		"binary":  serializer.NewBinarySerializer(),
		"msgpack": serializer.NewMsgpackSerializer(),
		"json":    serializer.NewJSONSerializer(),
	} {
		t.Run(name, func(t *testing.T) {
			src := newTestMachine(t, 1, codec)
			for i := 1; i <= 200; i++ {
				apply(t, src, uint64(i), setReq(fmt.Sprintf("b%03d", i), fmt.Sprint(i)))
			}
			apply(t, src, 201, store.Delete{Key: []byte("b001")})

			var snapshot bytes.Buffer
			require.NoError(t, src.SaveSnapshot(&snapshot, nil, make(chan struct{})))

			// the target holds stale data that must disappear
			dst := newTestMachine(t, 2, codec)
			apply(t, dst, 1, setReq("stale", "x"))
			require.NoError(t, dst.RecoverFromSnapshot(&snapshot, nil, make(chan struct{})))

			require.Equal(t, lookupContents(t, src), lookupContents(t, dst))
			ts, err := dst.Lookup(internal.Query{Type: internal.QueryTTimestamp})
			require.NoError(t, err)
			require.Equal(t, store.Timestamp(201), ts)

			// the log continues after the snapshot index
			res := apply(t, dst, 202, setReq("c", "after"))
			require.Equal(t, uint64(store.RetCSuccess), res.Value)
		})
	}
}

func TestSnapshotStopped(t *testing.T) {
	src := newTestMachine(t, 1, serializer.NewBinarySerializer())
	apply(t, src, 1, setReq("b", "1"))

	done := make(chan struct{})
	close(done)
	err := src.SaveSnapshot(&bytes.Buffer{}, nil, done)
	require.ErrorIs(t, err, sm.ErrSnapshotStopped)

	// the store serves writes again
	res := apply(t, src, 2, setReq("c", "2"))
	require.Equal(t, uint64(store.RetCSuccess), res.Value)
}

func TestRecoverFromBrokenSnapshot(t *testing.T) {
	src := newTestMachine(t, 1, serializer.NewBinarySerializer())
	apply(t, src, 1, setReq("b", "1"))
	var snapshot bytes.Buffer
	require.NoError(t, src.SaveSnapshot(&snapshot, nil, make(chan struct{})))

	dst := newTestMachine(t, 2, serializer.NewBinarySerializer())
	truncated := bytes.NewReader(snapshot.Bytes()[:snapshot.Len()-3])
	require.Error(t, dst.RecoverFromSnapshot(truncated, nil, make(chan struct{})))

	coherent, err := dst.Lookup(internal.Query{Type: internal.QueryTCoherent})
	require.NoError(t, err)
	require.Equal(t, false, coherent)

	// a complete snapshot repairs the replica
	require.NoError(t, dst.RecoverFromSnapshot(bytes.NewReader(snapshot.Bytes()), nil, make(chan struct{})))
	require.Equal(t, map[string]string{"b": "1"}, lookupContents(t, dst))
}

func TestBackfillLookup(t *testing.T) {
	fsm := newTestMachine(t, 1, serializer.NewBinarySerializer())
	apply(t, fsm, 1, setReq("b", "1"))
	apply(t, fsm, 2, setReq("c", "2"))

	target, err := lstore.NewLocalStore(lstore.Config{
		Name:   "backfill-target",
		Region: testRegion,
		Blocks: maple.NewFactory(nil),
	})
	require.NoError(t, err)
	defer target.Close()

	req, err := target.BackfilleeBegin()
	require.NoError(t, err)
	res, err := fsm.Lookup(internal.Query{
		Type:     internal.QueryTBackfill,
		Ctx:      context.Background(),
		Backfill: req,
		Sink:     store.ChunkSinkFunc(target.BackfilleeChunk),
	})
	require.NoError(t, err)
	require.NoError(t, target.BackfilleeEnd(res.(store.BackfillEnd)))

	ts, err := target.Timestamp()
	require.NoError(t, err)
	require.Equal(t, store.Timestamp(2), ts)
}
