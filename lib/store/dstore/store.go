package dstore

import (
	"context"
	"io"
	"time"

	"github.com/ValentinKolb/bKV/lib/db"
	"github.com/ValentinKolb/bKV/lib/redis"
	"github.com/ValentinKolb/bKV/lib/store"
	"github.com/ValentinKolb/bKV/lib/store/dstore/internal"
	"github.com/cockroachdb/errors"
	"github.com/lni/dragonboat/v4"
	"github.com/lni/dragonboat/v4/client"
	"github.com/lni/dragonboat/v4/logger"
)

var (
	retries = 5
	log     = logger.GetLogger("store")
)

// storeImpl is the concrete implementation of the replicated store.IStore.
// It encapsulates a Dragonboat NodeHost which is used to communicate with the state machine.
type storeImpl struct {
	nh      *dragonboat.NodeHost
	shardID uint64
	region  store.Region
	cs      *client.Session
	timeout time.Duration
	now     func() time.Time
}

// NewDistributedStore creates a new distributed store for the region replicated by the shard.
// The shard must have been started with a state machine from CreateStateMachineFactory.
func NewDistributedStore(nh *dragonboat.NodeHost, shardID uint64, region store.Region, timeout time.Duration) store.IStore {
	return &storeImpl{
		nh:      nh,
		shardID: shardID,
		region:  region,
		cs:      nh.GetNoOPSession(shardID),
		timeout: timeout,
		now:     time.Now,
	}
}

// --------------------------------------------------------------------------
// Internal write and read operations (used by interface methods)
// --------------------------------------------------------------------------

// propose sends a serialized Command via SyncPropose and returns the result data.
// It returns a *store.Error if the proposal or the command fails.
func (s *storeImpl) propose(ctx context.Context, cmd internal.Command) ([]byte, error) {
	data := cmd.Serialize()
	for i := 0; i < retries; i++ {
		pctx, cancel := context.WithTimeout(ctx, s.timeout)
		res, err := s.nh.SyncPropose(pctx, s.cs, data)
		cancel()

		// Check for system busy errors
		if errors.Is(err, dragonboat.ErrSystemBusy) {
			log.Infof("SyncPropose: System busy, retrying (%d/%d)...", i+1, retries)
			if err := sleep(ctx, s.timeout/10); err != nil {
				return nil, err
			}
			continue
		}
		if err != nil {
			return nil, proposalError(ctx, err)
		}
		if res.Value != uint64(store.RetCSuccess) {
			return nil, store.NewError(store.RetCode(res.Value), string(res.Data))
		}
		return res.Data, nil
	}
	return nil, store.NewError(store.RetCInternalError, "timeout")
}

// read is a generic helper function that queries the state machine
// and attempts to convert the response into the expected type R.
//
// This function uses the SyncRead function (dragonboat) by default to query the state machine.
// If linearizability is not required, the stale parameter can be set to true to use the faster StaleRead function.
//
// If the read operation fails due to a system busy error, the function retries up to 5 times.
func read[R any](ctx context.Context, s *storeImpl, q internal.Query, stale bool) (R, error) {
	var zero R
	for i := 0; i < retries; i++ {
		var res interface{}
		var err error

		// Query the state machine, use StaleRead if stale is set otherwise use SyncRead (default)
		if stale {
			res, err = s.nh.StaleRead(s.shardID, q)
		} else {
			rctx, cancel := context.WithTimeout(ctx, s.timeout)
			res, err = s.nh.SyncRead(rctx, s.shardID, q)
			cancel()
		}

		// Check for system busy errors
		if errors.Is(err, dragonboat.ErrSystemBusy) {
			log.Infof("SyncRead: System busy, retrying (%d/%d)...", i+1, retries)
			if err := sleep(ctx, s.timeout/10); err != nil {
				return zero, err
			}
			continue
		}

		if err != nil {
			var se *store.Error
			if errors.As(err, &se) {
				return zero, se
			}
			return zero, proposalError(ctx, err)
		}

		// The state machine is expected to return the response in the expected type R.
		casted, ok := res.(R)
		if !ok && res != nil {
			return zero, store.Errorf(store.RetCInternalError, "unexpected type: received %T, expected %T", res, zero)
		}
		return casted, nil
	}
	return zero, store.NewError(store.RetCInternalError, "timeout")
}

// proposalError maps dragonboat errors, a cancelled caller becomes RetCInterrupted
func proposalError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return store.Errorf(store.RetCInterrupted, "%v", err)
	}
	return store.NewError(store.RetCInternalError, err.Error())
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return store.Errorf(store.RetCInterrupted, "%v", ctx.Err())
	}
}

// --------------------------------------------------------------------------
// Interface Methods (docs see store/interface.go)
// --------------------------------------------------------------------------

func (s *storeImpl) Region() store.Region {
	return s.region
}

func (s *storeImpl) IsCoherent() bool {
	ok, err := read[bool](context.Background(), s, internal.Query{Type: internal.QueryTCoherent}, true)
	return err == nil && ok
}

func (s *storeImpl) Timestamp() (store.Timestamp, error) {
	return read[store.Timestamp](context.Background(), s, internal.Query{Type: internal.QueryTTimestamp}, false)
}

func (s *storeImpl) Read(ctx context.Context, req store.ReadRequest, token store.OrderToken) (store.ReadResponse, error) {
	if !req.Within(s.region) {
		return nil, store.Errorf(store.RetCOutOfRegion, "read outside of region %s", s.region)
	}
	return read[store.ReadResponse](ctx, s, internal.Query{Type: internal.QueryTRead, Ctx: ctx, Read: req, Token: token}, false)
}

// Write proposes req to the shard. The raft log index replaces ts as the write timestamp.
func (s *storeImpl) Write(ctx context.Context, req store.WriteRequest, _ store.Timestamp, token store.OrderToken) (store.WriteResponse, error) {
	if !req.Within(s.region) {
		return nil, store.Errorf(store.RetCOutOfRegion, "write outside of region %s", s.region)
	}
	if w, ok := req.(store.CommandWrite); ok {
		// replicas must not depend on their own clock
		req = store.CommandWrite{Cmd: redis.Normalize(w.Cmd, s.now())}
	}
	cmd, err := internal.FromWriteRequest(req, token)
	if err != nil {
		return nil, store.NewError(store.RetCInvalidOperation, err.Error())
	}
	data, err := s.propose(ctx, cmd)
	if err != nil {
		return nil, err
	}
	res, err := internal.DecodeResponse(cmd.Type, data)
	if err != nil {
		return nil, store.Errorf(store.RetCInternalError, "decode %s response: %v", cmd.Type, err)
	}
	return res, nil
}

// Replicas are brought up to date by raft snapshots, not by external backfills.

func (s *storeImpl) BackfilleeBegin() (store.BackfillRequest, error) {
	return store.BackfillRequest{}, store.NewError(store.RetCUnsupportedOperation, "replicated regions receive raft snapshots")
}

func (s *storeImpl) BackfilleeChunk(store.BackfillChunk) error {
	return store.NewError(store.RetCUnsupportedOperation, "replicated regions receive raft snapshots")
}

func (s *storeImpl) BackfilleeEnd(store.BackfillEnd) error {
	return store.NewError(store.RetCUnsupportedOperation, "replicated regions receive raft snapshots")
}

func (s *storeImpl) BackfilleeCancel() error {
	return store.NewError(store.RetCUnsupportedOperation, "replicated regions receive raft snapshots")
}

// Backfiller streams from the local replica after it caught up with the leader
func (s *storeImpl) Backfiller(ctx context.Context, req store.BackfillRequest, sink store.ChunkSink) (store.BackfillEnd, error) {
	return read[store.BackfillEnd](ctx, s, internal.Query{Type: internal.QueryTBackfill, Ctx: ctx, Backfill: req, Sink: sink}, false)
}

func (s *storeImpl) GetDBInfo() (db.DatabaseInfo, error) {
	return read[db.DatabaseInfo](
		context.Background(),
		s,
		internal.Query{Type: internal.QueryTGetDBInfo},
		true, // Note: allow for stale reads
	)
}

// WriteMetrics writes the metrics of the local replica
func (s *storeImpl) WriteMetrics(w io.Writer) {
	if _, err := read[interface{}](context.Background(), s, internal.Query{Type: internal.QueryTMetrics, Writer: w}, true); err != nil {
		log.Warningf("failed to read metrics of shard %d: %v", s.shardID, err)
	}
}

// Close does not stop the shard, the NodeHost is owned by the caller
func (s *storeImpl) Close() error {
	return nil
}
