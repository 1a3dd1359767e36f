package bolt

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/bKV/lib/db"
	"github.com/cockroachdb/errors"
	bolt "go.etcd.io/bbolt"
)

var (
	blocksBucket = []byte("blocks")
	metaBucket   = []byte("meta")
	blockSizeKey = []byte("block_size")
)

// every stored block starts with this byte so that an unwritten block is never an empty value
const blockHeader byte = 1

// DBOptions configures the bolt engine
type DBOptions struct {
	Path      string        // Path of the database file (required)
	BlockSize int           // Size of every block in bytes (0 = db.DefaultBlockSize)
	Timeout   time.Duration // How long to wait for the file lock (0 = wait forever)
	NoSync    bool          // Skip fsync after every commit
}

type boltImpl struct {
	db        *bolt.DB
	blockSize int
	closed    atomic.Bool
}

// NewBoltDB opens (or creates) the block store file at opts.Path.
func NewBoltDB(opts DBOptions) (db.BlockStore, error) {
	if opts.Path == "" {
		return nil, errors.New("bolt: a path is required")
	}
	if opts.BlockSize <= 0 {
		opts.BlockSize = db.DefaultBlockSize
	}
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
		return nil, errors.Wrapf(err, "could not create directory for %s", opts.Path)
	}

	handle, err := bolt.Open(opts.Path, 0o600, &bolt.Options{Timeout: opts.Timeout, NoSync: opts.NoSync})
	if err != nil {
		return nil, errors.Wrapf(err, "could not open bbolt store at %s", opts.Path)
	}

	if err := handle.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(blocksBucket); err != nil {
			return err
		}
		meta, err := tx.CreateBucketIfNotExists(metaBucket)
		if err != nil {
			return err
		}
		if stored := meta.Get(blockSizeKey); stored != nil {
			if size := int(binary.BigEndian.Uint64(stored)); size != opts.BlockSize {
				return errors.Newf("store was created with block size %d, not %d", size, opts.BlockSize)
			}
			return nil
		}
		return meta.Put(blockSizeKey, binary.BigEndian.AppendUint64(nil, uint64(opts.BlockSize)))
	}); err != nil {
		_ = handle.Close()
		return nil, errors.Wrapf(err, "could not initialize bbolt store at %s", opts.Path)
	}

	return &boltImpl{db: handle, blockSize: opts.BlockSize}, nil
}

// NewFactory returns a db.Factory opening the bolt store described by opts.
func NewFactory(opts DBOptions) db.Factory {
	return func() (db.BlockStore, error) {
		return NewBoltDB(opts)
	}
}

func blockKey(id db.BlockID) []byte {
	return binary.BigEndian.AppendUint64(make([]byte, 0, 8), uint64(id))
}

// --------------------------------------------------------------------------
// Interface Methods (docu see db.BlockStore)
// --------------------------------------------------------------------------

func (b *boltImpl) BlockSize() int {
	return b.blockSize
}

func (b *boltImpl) Allocate() (db.BlockID, error) {
	if b.closed.Load() {
		return db.NilBlock, db.ErrClosed
	}
	var id db.BlockID
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(blocksBucket)
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		id = db.BlockID(seq)
		return bucket.Put(blockKey(id), []byte{blockHeader})
	})
	if err != nil {
		return db.NilBlock, errors.Wrap(err, "allocate block")
	}
	return id, nil
}

func (b *boltImpl) Read(id db.BlockID) ([]byte, error) {
	if b.closed.Load() {
		return nil, db.ErrClosed
	}
	data := make([]byte, b.blockSize)
	err := b.db.View(func(tx *bolt.Tx) error {
		stored := tx.Bucket(blocksBucket).Get(blockKey(id))
		if stored == nil {
			return db.ErrNoSuchBlock
		}
		// stored is only valid inside the transaction
		copy(data, stored[1:])
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "read block %d", id)
	}
	return data, nil
}

func (b *boltImpl) Write(id db.BlockID, data []byte) error {
	if b.closed.Load() {
		return db.ErrClosed
	}
	if len(data) > b.blockSize {
		return errors.Wrapf(db.ErrBlockSize, "write %d bytes to block %d", len(data), id)
	}
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(blocksBucket)
		key := blockKey(id)
		if bucket.Get(key) == nil {
			return db.ErrNoSuchBlock
		}
		// trailing zeros are implied by the fixed block size
		value := make([]byte, 1+len(data))
		value[0] = blockHeader
		copy(value[1:], data)
		return bucket.Put(key, value)
	})
	if err != nil {
		return errors.Wrapf(err, "write block %d", id)
	}
	return nil
}

func (b *boltImpl) Free(id db.BlockID) error {
	if b.closed.Load() {
		return db.ErrClosed
	}
	err := b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(blocksBucket)
		key := blockKey(id)
		if bucket.Get(key) == nil {
			return db.ErrNoSuchBlock
		}
		return bucket.Delete(key)
	})
	if err != nil {
		return errors.Wrapf(err, "free block %d", id)
	}
	return nil
}

// SupportsFeature checks if this implementation supports a specific block store feature
func (b *boltImpl) SupportsFeature(feature db.Feature) bool {
	supportedFeatures := db.FeatureAllocate |
		db.FeatureRead |
		db.FeatureWrite |
		db.FeatureFree |
		db.FeaturePersistence |
		db.FeatureStats
	return supportedFeatures&feature == feature
}

// GetInfo returns statistics about the block store
func (b *boltImpl) GetInfo() db.DatabaseInfo {
	meta := &struct {
		Path        string `json:"path"`
		BlockSize   int    `json:"block_size"`
		LiveBlocks  int    `json:"live_blocks"`
		LastBlockID uint64 `json:"last_block_id"`
		FileBytes   int64  `json:"file_bytes"`
		FreePages   int    `json:"free_pages"`
	}{
		Path:      b.db.Path(),
		BlockSize: b.blockSize,
	}

	if !b.closed.Load() {
		_ = b.db.View(func(tx *bolt.Tx) error {
			bucket := tx.Bucket(blocksBucket)
			meta.LiveBlocks = bucket.Stats().KeyN
			meta.LastBlockID = bucket.Sequence()
			meta.FileBytes = tx.Size()
			return nil
		})
		meta.FreePages = b.db.Stats().FreePageN
	}

	return db.DatabaseInfo{
		SizeBytes: meta.LiveBlocks * b.blockSize,
		DbType:    db.ImplBolt,
		SupportedFeatures: []db.Feature{
			db.FeatureAllocate, db.FeatureRead, db.FeatureWrite, db.FeatureFree,
			db.FeaturePersistence, db.FeatureStats,
		},
		Metadata: meta,
	}
}

func (b *boltImpl) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	return b.db.Close()
}
