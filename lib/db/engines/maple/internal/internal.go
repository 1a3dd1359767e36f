package internal

import (
	"fmt"

	"github.com/ValentinKolb/bKV/lib/db"
	"github.com/ValentinKolb/bKV/lib/db/util"
	"github.com/puzpuzpuz/xsync/v3"
)

// --------------------------------------------------------------------------
// Block Type (content of one allocated block)
// --------------------------------------------------------------------------

// Block stores the content of a block. A nil Data means the block was allocated
// but never written and reads as zeros.
type Block struct {
	Data []byte
}

func (b Block) String() string {
	return fmt.Sprintf("Block{Written: %t, Len: %d}", b.Data != nil, len(b.Data))
}

// --------------------------------------------------------------------------
// Shard Type (partition of the block space)
// --------------------------------------------------------------------------

// Shard represents a partition of the block space.
// Each shard has its own independent map so that unrelated blocks never contend.
type Shard struct {
	Blocks *xsync.MapOf[db.BlockID, Block]
}

// NewShard creates a new shard with the provided hash function
func NewShard(hasher func(db.BlockID, uint64) uint64) *Shard {
	return &Shard{
		Blocks: xsync.NewMapOfWithHasher[db.BlockID, Block](hasher),
	}
}

// GetShard returns the appropriate shard for a given (already hashed) block id
//
// Thread-safety: This method is thread-safe and can be called concurrently.
func GetShard[T any](key util.UintKey, shards []*T) *T {
	// Shift right by 7 bits to use higher-quality bits for distribution
	shiftedKey := uint64(key) >> 7
	shardPos := shiftedKey % uint64(len(shards))
	return shards[shardPos]
}
