package maple

import (
	"runtime"
	"sync/atomic"

	"github.com/ValentinKolb/bKV/lib/db"
	"github.com/ValentinKolb/bKV/lib/db/engines/maple/internal"
	"github.com/ValentinKolb/bKV/lib/db/util"
	"github.com/cockroachdb/errors"
	gometrics "github.com/rcrowley/go-metrics"
)

// --------------------------------------------------------------------------
// Core Maple block store structure
// --------------------------------------------------------------------------

// mapleImpl implements an in-memory block store with sharded data
type mapleImpl struct {
	blockSize int
	seed      uint64            // Seed for the block id hash
	shards    []*internal.Shard // Array of shards
	lastID    atomic.Uint64     // Last handed out block id
	closed    atomic.Bool

	// statistics
	live   gometrics.Counter
	reads  gometrics.Meter
	writes gometrics.Meter
}

// DBOptions configures the mapleImpl behavior during initialization
type DBOptions struct {
	NumShards int // Number of shards (0 = number of CPUs)
	BlockSize int // Size of every block in bytes (0 = db.DefaultBlockSize)
}

// DefaultOptions returns the default mapleImpl options
func DefaultOptions() *DBOptions {
	return &DBOptions{
		NumShards: runtime.NumCPU(),
		BlockSize: db.DefaultBlockSize,
	}
}

// --------------------------------------------------------------------------
// Initialization and Setup
// --------------------------------------------------------------------------

// NewMapleDB creates a new in-memory block store with the specified options (optional)
func NewMapleDB(opts *DBOptions) db.BlockStore {
	if opts == nil {
		opts = DefaultOptions()
	}
	if opts.NumShards <= 0 {
		opts.NumShards = runtime.NumCPU()
	}
	if opts.BlockSize <= 0 {
		opts.BlockSize = db.DefaultBlockSize
	}

	hasher := createIdentityHasher()
	shards := make([]*internal.Shard, opts.NumShards)
	for i := range shards {
		shards[i] = internal.NewShard(hasher)
	}

	return &mapleImpl{
		blockSize: opts.BlockSize,
		seed:      util.GenerateSeed(),
		shards:    shards,
		live:      gometrics.NewCounter(),
		reads:     gometrics.NewMeter(),
		writes:    gometrics.NewMeter(),
	}
}

// NewFactory returns a db.Factory creating maple block stores with the given options.
func NewFactory(opts *DBOptions) db.Factory {
	return func() (db.BlockStore, error) {
		var o DBOptions
		if opts != nil {
			o = *opts
		}
		return NewMapleDB(&o), nil
	}
}

// createIdentityHasher creates a hash function that combines a key with a seed
func createIdentityHasher() func(db.BlockID, uint64) uint64 {
	return func(key db.BlockID, mapSeed uint64) uint64 {
		return uint64(key) ^ mapSeed
	}
}

func (maple *mapleImpl) shard(id db.BlockID) *internal.Shard {
	return internal.GetShard(util.HashUint64(uint64(id), maple.seed), maple.shards)
}

// --------------------------------------------------------------------------
// Interface Methods (docu see db.BlockStore)
// --------------------------------------------------------------------------

func (maple *mapleImpl) BlockSize() int {
	return maple.blockSize
}

func (maple *mapleImpl) Allocate() (db.BlockID, error) {
	if maple.closed.Load() {
		return db.NilBlock, db.ErrClosed
	}
	id := db.BlockID(maple.lastID.Add(1))
	maple.shard(id).Blocks.Store(id, internal.Block{})
	maple.live.Inc(1)
	return id, nil
}

func (maple *mapleImpl) Read(id db.BlockID) ([]byte, error) {
	if maple.closed.Load() {
		return nil, db.ErrClosed
	}
	block, ok := maple.shard(id).Blocks.Load(id)
	if !ok {
		return nil, errors.Wrapf(db.ErrNoSuchBlock, "read block %d", id)
	}
	maple.reads.Mark(1)

	data := make([]byte, maple.blockSize)
	copy(data, block.Data)
	return data, nil
}

func (maple *mapleImpl) Write(id db.BlockID, data []byte) error {
	if maple.closed.Load() {
		return db.ErrClosed
	}
	if len(data) > maple.blockSize {
		return errors.Wrapf(db.ErrBlockSize, "write %d bytes to block %d", len(data), id)
	}

	// copy so the caller may reuse its buffer
	content := make([]byte, maple.blockSize)
	copy(content, data)

	var found bool
	maple.shard(id).Blocks.Compute(id, func(old internal.Block, loaded bool) (internal.Block, bool) {
		found = loaded
		if !loaded {
			// never create blocks through a write
			return old, true
		}
		return internal.Block{Data: content}, false
	})
	if !found {
		return errors.Wrapf(db.ErrNoSuchBlock, "write block %d", id)
	}
	maple.writes.Mark(1)
	return nil
}

func (maple *mapleImpl) Free(id db.BlockID) error {
	if maple.closed.Load() {
		return db.ErrClosed
	}
	if _, ok := maple.shard(id).Blocks.LoadAndDelete(id); !ok {
		return errors.Wrapf(db.ErrNoSuchBlock, "free block %d", id)
	}
	maple.live.Dec(1)
	return nil
}

// SupportsFeature checks if this implementation supports a specific block store feature
func (maple *mapleImpl) SupportsFeature(feature db.Feature) bool {
	supportedFeatures := db.FeatureAllocate |
		db.FeatureRead |
		db.FeatureWrite |
		db.FeatureFree |
		db.FeatureStats
	return supportedFeatures&feature == feature
}

// GetInfo returns statistics about the block store
func (maple *mapleImpl) GetInfo() db.DatabaseInfo {
	shardSizes := make([]float64, len(maple.shards))
	for i, shard := range maple.shards {
		shardSizes[i] = float64(shard.Blocks.Size())
	}
	live := maple.live.Count()

	meta := &struct {
		BlockSize         int                    `json:"block_size"`
		LiveBlocks        int64                  `json:"live_blocks"`
		LastBlockID       uint64                 `json:"last_block_id"`
		ShardCount        int                    `json:"shard_count"`
		ShardDistribution util.DistributionStats `json:"shard_distribution"`
		ReadsPerSecond    float64                `json:"reads_per_second"`
		WritesPerSecond   float64                `json:"writes_per_second"`
	}{
		BlockSize:         maple.blockSize,
		LiveBlocks:        live,
		LastBlockID:       maple.lastID.Load(),
		ShardCount:        len(maple.shards),
		ShardDistribution: util.NewDistributionStats(shardSizes),
		ReadsPerSecond:    maple.reads.Rate1(),
		WritesPerSecond:   maple.writes.Rate1(),
	}

	return db.DatabaseInfo{
		SizeBytes: int(live) * maple.blockSize,
		DbType:    db.ImplMaple,
		SupportedFeatures: []db.Feature{
			db.FeatureAllocate, db.FeatureRead, db.FeatureWrite, db.FeatureFree, db.FeatureStats,
		},
		Metadata: meta,
	}
}

// Close drops all blocks and stops the meters
func (maple *mapleImpl) Close() error {
	if !maple.closed.CompareAndSwap(false, true) {
		return nil
	}
	maple.reads.Stop()
	maple.writes.Stop()
	for _, shard := range maple.shards {
		shard.Blocks.Clear()
	}
	return nil
}
