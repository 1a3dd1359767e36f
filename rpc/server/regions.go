package server

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/bKV/lib/blob"
	"github.com/ValentinKolb/bKV/lib/btree"
	"github.com/ValentinKolb/bKV/lib/db"
	"github.com/ValentinKolb/bKV/lib/db/engines/bolt"
	"github.com/ValentinKolb/bKV/lib/db/engines/maple"
	"github.com/ValentinKolb/bKV/lib/store"
	"github.com/ValentinKolb/bKV/lib/store/dstore"
	"github.com/ValentinKolb/bKV/lib/store/lstore"
	"github.com/ValentinKolb/bKV/lib/store/serializer"
	"github.com/ValentinKolb/bKV/rpc/common"
	"github.com/cockroachdb/errors"
	"github.com/lni/dragonboat/v4"
)

// region is a store served by the node together with the clock of its writes
type region struct {
	conf  common.RegionConf
	store store.IStore

	// last timestamp handed out for a write
	clock   atomic.Uint64
	writeMu sync.Mutex
}

// nextTimestamp returns a timestamp newer than every one handed out before and newer than
// the store's own. Replicated stores ignore it.
func (r *region) nextTimestamp() store.Timestamp {
	for {
		last := r.clock.Load()
		next := last + 1
		if ts, err := r.store.Timestamp(); err == nil && uint64(ts) >= next {
			next = uint64(ts) + 1
		}
		if r.clock.CompareAndSwap(last, next) {
			return store.Timestamp(next)
		}
	}
}

// storeConfig returns the local store configuration of region conf
func (s *Server) storeConfig(conf common.RegionConf) lstore.Config {
	return lstore.Config{
		Name:   fmt.Sprintf("region-%d", conf.ShardID),
		Region: conf.Region,
		Blocks: s.blockFactory(conf.ShardID),
		Tree: btree.Options{
			NodeSize:        s.config.Storage.NodeSize,
			DeletionLogSize: s.config.Storage.DeletionLog,
		},
		Blob: blob.Options{InlineLimit: s.config.Storage.InlineLimit},
	}
}

// blockFactory returns the factory of the block storage of a region
func (s *Server) blockFactory(shardID uint64) db.Factory {
	switch s.config.Storage.Engine {
	case "bolt":
		path := filepath.Join(s.config.DataDir, fmt.Sprintf("region-%d.blocks", shardID))
		open := bolt.NewFactory(bolt.DBOptions{
			Path:      path,
			BlockSize: s.config.Storage.BlockSize,
			Timeout:   time.Second,
			NoSync:    true,
		})
		return func() (db.BlockStore, error) {
			// blocks are only reachable through the in-memory tree, a file of an earlier run is garbage
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return nil, errors.Wrapf(err, "could not remove stale block file %s", path)
			}
			return open()
		}
	default:
		return maple.NewFactory(&maple.DBOptions{BlockSize: s.config.Storage.BlockSize})
	}
}

// openRegions creates the store of every configured region and registers it with the router
func (s *Server) openRegions() error {
	var codec serializer.IBackfillSerializer
	if s.config.HasReplicatedRegion() {
		var err error
		if codec, err = serializer.ByName(s.config.Storage.Serializer); err != nil {
			return err
		}
		if s.nodeHost, err = dragonboat.NewNodeHost(s.config.ToNodeHostConfig()); err != nil {
			return errors.Wrap(err, "failed to create node host")
		}
	}

	for _, conf := range s.config.Regions {
		var st store.IStore

		switch conf.Type {
		case common.RegionTypeLocal:
			var err error
			if st, err = lstore.NewLocalStore(s.storeConfig(conf)); err != nil {
				return errors.Wrapf(err, "failed to create region %d", conf.ShardID)
			}
			log.Infof("Created local store for region %d %s", conf.ShardID, conf.Region)

		case common.RegionTypeReplicated:
			factory := dstore.CreateStateMachineFactory(s.storeConfig(conf), codec)
			if err := s.nodeHost.StartReplica(s.config.ClusterMembers, false, factory, s.config.ToDragonboatConfig(conf.ShardID)); err != nil {
				return errors.Wrapf(err, "failed to start raft shard %d", conf.ShardID)
			}
			st = dstore.NewDistributedStore(s.nodeHost, conf.ShardID, conf.Region, s.timeout)
			log.Infof("Started replicated store for region %d %s", conf.ShardID, conf.Region)

		default:
			return errors.Newf("invalid region type %q", conf.Type)
		}

		if err := s.router.Add(st); err != nil {
			_ = st.Close()
			return errors.Wrapf(err, "region %d", conf.ShardID)
		}
		s.regions[st] = &region{conf: conf, store: st}
	}
	return nil
}

// closeRegions closes every store and stops raft
func (s *Server) closeRegions() {
	for st, r := range s.regions {
		if err := st.Close(); err != nil {
			log.Warningf("Failed to close region %d: %v", r.conf.ShardID, err)
		}
	}
	if s.nodeHost != nil {
		s.nodeHost.Close()
	}
}
