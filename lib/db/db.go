package db

import (
	"github.com/cockroachdb/errors"
)

// --------------------------------------------------------------------------
// Helper Types
// --------------------------------------------------------------------------

type Implementation string

const (
	ImplMaple Implementation = "maple"
	ImplBolt  Implementation = "bolt"
)

// Feature represents block store features as bit flags
type Feature uint64

const (
	FeatureAllocate    Feature = 1 << iota // Support for Allocate operations
	FeatureRead                            // Support for Read operations
	FeatureWrite                           // Support for Write operations
	FeatureFree                            // Support for Free operations
	FeaturePersistence                     // Blocks survive closing and reopening the store
	FeatureStats                           // GetInfo reports live block statistics
)

func (f Feature) String() string {
	switch f {
	case FeatureAllocate:
		return "Allocate"
	case FeatureRead:
		return "Read"
	case FeatureWrite:
		return "Write"
	case FeatureFree:
		return "Free"
	case FeaturePersistence:
		return "Persistence"
	case FeatureStats:
		return "Stats"
	default:
		return "Unknown"
	}
}

type DatabaseInfo struct {
	SizeBytes         int            `json:"size_bytes"`
	DbType            Implementation `json:"db_type"`
	SupportedFeatures []Feature      `json:"supported_features"`
	Metadata          interface{}    `json:"metadata"`
}

// BlockID addresses one fixed size block. The zero value never addresses a block.
type BlockID uint64

// NilBlock is the id used for "no block".
const NilBlock BlockID = 0

// DefaultBlockSize is used by engines that were not given an explicit block size.
const DefaultBlockSize = 4096

var (
	// ErrClosed is returned by every operation on a closed block store
	ErrClosed = errors.New("block store was closed")
	// ErrNoSuchBlock is returned when a block id was never allocated or was already freed
	ErrNoSuchBlock = errors.New("block does not exist")
	// ErrBlockSize is returned when a write is larger than the block size
	ErrBlockSize = errors.New("data exceeds block size")
)

// --------------------------------------------------------------------------
// Block Store Interface
// --------------------------------------------------------------------------

// BlockStore is the out-of-node storage used by the blob layer for values that do not
// fit inline in a tree leaf. It hands out fixed size blocks addressed by BlockID.
// Implementations must be safe for concurrent use; the transactional layer above
// guarantees that no two transactions write the same block.
type BlockStore interface {

	// BlockSize returns the size of every block in bytes.
	BlockSize() int

	// Allocate reserves a new zeroed block and returns its id.
	Allocate() (id BlockID, err error)

	// Read returns a copy of the block. Blocks that were allocated but never written read as zeros.
	// Returns ErrNoSuchBlock for ids that are not allocated.
	Read(id BlockID) (data []byte, err error)

	// Write replaces the content of the block. Data shorter than BlockSize is zero padded.
	// Returns ErrBlockSize if data is larger than BlockSize and ErrNoSuchBlock for unknown ids.
	Write(id BlockID, data []byte) (err error)

	// Free releases the block. Freeing an unknown block returns ErrNoSuchBlock.
	Free(id BlockID) (err error)

	// SupportsFeature checks if the implementation supports the specified feature.
	// Multiple features can be checked at once using bitwise OR (|) operator.
	SupportsFeature(feature Feature) (ok bool)

	// GetInfo returns information about the block store.
	GetInfo() (info DatabaseInfo)

	// Close closes the block store.
	Close() (err error)
}

// Factory creates a new block store. It is used to abstract the engine from the stores using it.
type Factory func() (BlockStore, error)
