package dstore

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/ValentinKolb/bKV/lib/store"
	"github.com/ValentinKolb/bKV/lib/store/dstore/internal"
	"github.com/ValentinKolb/bKV/lib/store/lstore"
	"github.com/ValentinKolb/bKV/lib/store/serializer"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	sm "github.com/lni/dragonboat/v4/statemachine"
)

// --------------------------------------------------------------------------
// State Machine Implementation
// --------------------------------------------------------------------------

// RegionStateMachine is a state machine implementation for Dragonboat RAFT.
// Every replica owns a local region store, the raft log index is the write timestamp.
type RegionStateMachine struct {
	replicaID uint64
	shardID   uint64
	store     store.IStore // the actual region store
	codec     serializer.IBackfillSerializer
}

// CreateStateMachineFactory returns a function that can be used by dragonboat to create a new state machine
// for a node host. Every replica gets its own local store created from cfg, snapshots are encoded with codec.
func CreateStateMachineFactory(cfg lstore.Config, codec serializer.IBackfillSerializer) sm.CreateStateMachineFunc {
	return func(shardID uint64, replicaID uint64) sm.IStateMachine {
		c := cfg
		if c.Name == "" {
			c.Name = fmt.Sprintf("shard-%d", shardID)
		}
		s, err := lstore.NewLocalStore(c)
		if err != nil {
			log.Panicf("failed to create store for shard %d replica %d: %v", shardID, replicaID, err)
		}
		return &RegionStateMachine{
			replicaID: replicaID,
			shardID:   shardID,
			store:     s,
			codec:     codec,
		}
	}
}

// Lookup handles read-only queries by mapping each Query operation to the corresponding store method.
// Dragonboat does not run Update while a Lookup is in progress.
func (fsm *RegionStateMachine) Lookup(itf interface{}) (interface{}, error) {
	q, ok := itf.(internal.Query)
	if !ok {
		return nil, store.Errorf(store.RetCInternalError, "invalid Query type: %T", itf)
	}

	switch q.Type {
	case internal.QueryTRead:
		return fsm.store.Read(q.Context(), q.Read, q.Token)
	case internal.QueryTTimestamp:
		return fsm.store.Timestamp()
	case internal.QueryTCoherent:
		return fsm.store.IsCoherent(), nil
	case internal.QueryTGetDBInfo:
		return fsm.store.GetDBInfo()
	case internal.QueryTMetrics:
		if mw, ok := fsm.store.(store.MetricsWriter); ok && q.Writer != nil {
			mw.WriteMetrics(q.Writer)
		}
		return nil, nil
	case internal.QueryTBackfill:
		// writes wait for the stream since Update is excluded until Lookup returns
		return fsm.store.Backfiller(q.Context(), q.Backfill, q.Sink)
	default:
		return nil, store.Errorf(store.RetCInvalidOperation, "unknown Query operation: %s", q.Type)
	}
}

// Update applies one raft log entry. The log index is used as the write timestamp.
func (fsm *RegionStateMachine) Update(e sm.Entry) (sm.Result, error) {
	start := time.Now()
	defer func() {
		if elapsed := time.Since(start); elapsed > time.Millisecond {
			log.Infof("State machine took long to update entry %d, took %.2fms", e.Index, float64(elapsed)/float64(time.Millisecond))
		}
	}()

	if len(e.Cmd) == 0 {
		return sm.Result{Value: uint64(store.RetCInvalidOperation), Data: []byte("empty command ignored")}, nil
	}

	cmd := internal.Command{}
	if err := cmd.Deserialize(e.Cmd); err != nil {
		return sm.Result{
			Value: uint64(store.RetCInternalError),
			Data:  []byte(fmt.Sprintf("failed to deserialize command: %v", err)),
		}, nil
	}
	req, err := cmd.WriteRequest()
	if err != nil {
		return sm.Result{Value: uint64(store.RetCInvalidOperation), Data: []byte(err.Error())}, nil
	}

	resp, err := fsm.store.Write(context.Background(), req, store.Timestamp(e.Index), store.OrderToken(cmd.Token))
	if err != nil {
		return errorResult(err), nil
	}
	return sm.Result{Value: uint64(store.RetCSuccess), Data: internal.EncodeResponse(resp)}, nil
}

// SaveSnapshot writes a full backfill stream of the region to the writer
func (fsm *RegionStateMachine) SaveSnapshot(w io.Writer, _ sm.ISnapshotFileCollection, done <-chan struct{}) error {
	ctx, cancel := contextFromDone(done)
	defer cancel()

	enc := serializer.NewEncoder(w, fsm.codec)
	req := store.BackfillRequest{Region: fsm.store.Region(), SessionID: uuid.New()}
	if err := enc.Encode(serializer.Message{MsgType: serializer.MsgTRequest, Request: req}); err != nil {
		return err
	}

	end, err := fsm.store.Backfiller(ctx, req, store.ChunkSinkFunc(func(chunk store.BackfillChunk) error {
		return enc.Encode(serializer.Message{MsgType: serializer.MsgTChunk, Chunk: chunk})
	}))
	if err != nil {
		if errors.Is(err, store.ErrInterrupted) {
			return sm.ErrSnapshotStopped
		}
		return err
	}
	if err := enc.Encode(serializer.Message{MsgType: serializer.MsgTEnd, End: end}); err != nil {
		return err
	}
	log.Infof("Shard %d replica %d saved snapshot at timestamp %d", fsm.shardID, fsm.replicaID, end.Timestamp)
	return enc.Flush()
}

// RecoverFromSnapshot replaces the content of the region with the backfill stream read from r
func (fsm *RegionStateMachine) RecoverFromSnapshot(r io.Reader, _ []sm.SnapshotFile, done <-chan struct{}) error {
	req, err := fsm.store.BackfilleeBegin()
	if err != nil {
		return err
	}
	if err := fsm.recover(serializer.NewDecoder(r, fsm.codec), req, done); err != nil {
		if cerr := fsm.store.BackfilleeCancel(); cerr != nil {
			log.Errorf("failed to cancel snapshot recovery: %v", cerr)
		}
		return err
	}
	return nil
}

func (fsm *RegionStateMachine) recover(dec *serializer.Decoder, req store.BackfillRequest, done <-chan struct{}) error {
	for {
		select {
		case <-done:
			return sm.ErrSnapshotStopped
		default:
		}

		var msg serializer.Message
		if err := dec.Decode(&msg); err != nil {
			return errors.Wrap(err, "read snapshot")
		}
		switch msg.MsgType {
		case serializer.MsgTRequest:
			if !msg.Request.Region.Equal(req.Region) {
				return errors.Newf("snapshot of region %s cannot restore %s", msg.Request.Region, req.Region)
			}
		case serializer.MsgTChunk:
			if err := fsm.store.BackfilleeChunk(msg.Chunk); err != nil {
				return err
			}
		case serializer.MsgTEnd:
			// the snapshot was written by another session
			end := store.BackfillEnd{Timestamp: msg.End.Timestamp, SessionID: req.SessionID}
			if err := fsm.store.BackfilleeEnd(end); err != nil {
				return err
			}
			log.Infof("Shard %d replica %d recovered snapshot at timestamp %d", fsm.shardID, fsm.replicaID, end.Timestamp)
			return nil
		case serializer.MsgTError:
			return errors.Newf("snapshot stream failed: %s", msg.Err)
		default:
			return errors.Newf("unexpected %s message in snapshot", msg.MsgType)
		}
	}
}

// Close performs any necessary cleanup.
func (fsm *RegionStateMachine) Close() error {
	return fsm.store.Close()
}

// --------------------------------------------------------------------------
// Helper Functions
// --------------------------------------------------------------------------

// errorResult turns a store error into a raft result
func errorResult(err error) sm.Result {
	msg := err.Error()
	var se *store.Error
	if errors.As(err, &se) {
		msg = se.Msg
	}
	return sm.Result{Value: uint64(store.Code(err)), Data: []byte(msg)}
}

// contextFromDone returns a context cancelled once done is closed
func contextFromDone(done <-chan struct{}) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	select {
	case <-done:
		cancel()
		return ctx, cancel
	default:
	}
	go func() {
		select {
		case <-done:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
