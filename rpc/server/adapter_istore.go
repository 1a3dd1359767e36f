package server

import (
	"context"

	"github.com/ValentinKolb/bKV/lib/redis"
	"github.com/ValentinKolb/bKV/lib/store"
	"github.com/ValentinKolb/bKV/rpc/common"
	"github.com/cockroachdb/errors"
)

// number of times a write is retried with a fresh timestamp after it lost the race for one
const writeRetries = 5

// NewIStoreServerAdapter returns the adapter translating commands into store requests
func NewIStoreServerAdapter() IServerAdapter {
	return &iStoreServerAdapterImpl{retries: writeRetries}
}

type iStoreServerAdapterImpl struct {
	retries int
}

// --------------------------------------------------------------------------
// Interface Methods (docu see server.IServerAdapter)
// --------------------------------------------------------------------------

func (adapter *iStoreServerAdapterImpl) Handle(ctx context.Context, cmd redis.Command, spec *redis.Spec, target *region) redis.Reply {
	// Check for nil store
	if target == nil || target.store == nil {
		return redis.ErrorReply{Err: errors.New("ERR no store serves this command")}
	}

	if !spec.Write {
		res, err := target.store.Read(ctx, store.CommandRead{Cmd: cmd}, store.NoOrder)
		if err != nil {
			return storeErrorReply(target, err)
		}
		return commandReply(res)
	}

	if target.conf.Type != common.RegionTypeReplicated {
		// timestamps of a local region are admitted in the order they are handed out
		target.writeMu.Lock()
		defer target.writeMu.Unlock()
	}
	for attempt := 0; ; attempt++ {
		res, err := target.store.Write(ctx, store.CommandWrite{Cmd: cmd}, target.nextTimestamp(), store.NoOrder)
		if err == nil {
			return commandReply(res)
		}
		if store.Code(err) != store.RetCStaleTimestamp || attempt >= adapter.retries {
			return storeErrorReply(target, err)
		}
		log.Debugf("Retrying %s on region %d after %v", spec.Name, target.conf.ShardID, err)
	}
}

// --------------------------------------------------------------------------
// Helper Functions
// --------------------------------------------------------------------------

func commandReply(res interface{}) redis.Reply {
	cr, ok := res.(store.CommandResponse)
	if !ok || cr.Reply == nil {
		return redis.ErrorReply{Err: errors.Newf("ERR unexpected store response %T", res)}
	}
	return cr.Reply
}

// storeErrorReply maps a store error to the reply a redis client understands
func storeErrorReply(target *region, err error) redis.Reply {
	switch store.Code(err) {
	case store.RetCNotCoherent, store.RetCBackfilling:
		return redis.ErrorReply{Err: errors.Newf("TRYAGAIN region %d is not available", target.conf.ShardID)}
	case store.RetCOutOfRegion:
		return redis.ErrorReply{Err: errors.Newf("ERR key outside of region %s", target.conf.Region)}
	case store.RetCInterrupted:
		return redis.ErrorReply{Err: errors.New("ERR request timed out")}
	case store.RetCUnsupportedOperation:
		return redis.ErrorReply{Err: redis.ErrNotImplemented}
	case store.RetCStaleTimestamp:
		return redis.ErrorReply{Err: errors.New("TRYAGAIN too many concurrent writes")}
	default:
		log.Errorf("Region %d failed: %v", target.conf.ShardID, err)
		return redis.ErrorReply{Err: errors.New("ERR internal error")}
	}
}
