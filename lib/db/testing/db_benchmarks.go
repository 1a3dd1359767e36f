package testing

import (
	"sync/atomic"
	"testing"

	"github.com/ValentinKolb/bKV/lib/db"
)

// RunBlockStoreBenchmarks runs all benchmarks for a block store implementation
func RunBlockStoreBenchmarks(b *testing.B, name string, factory db.Factory) {
	b.Run(name, func(b *testing.B) {
		b.Run("Allocate", func(b *testing.B) {
			benchmarkAllocate(b, newStore(b, factory))
		})

		b.Run("Write", func(b *testing.B) {
			benchmarkWrite(b, newStore(b, factory))
		})

		b.Run("Read", func(b *testing.B) {
			benchmarkRead(b, newStore(b, factory))
		})

		b.Run("AllocateWriteFree", func(b *testing.B) {
			benchmarkAllocateWriteFree(b, newStore(b, factory))
		})
	})
}

// --------------------------------------------------------------------------
// Benchmark functions
// --------------------------------------------------------------------------

func benchmarkAllocate(b *testing.B, store db.BlockStore) {
	b.Cleanup(func() {
		store.Close()
	})

	requireFeature(b, store, db.FeatureAllocate)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, err := store.Allocate(); err != nil {
				b.Error(err)
				return
			}
		}
	})
}

func benchmarkWrite(b *testing.B, store db.BlockStore) {
	b.Cleanup(func() {
		store.Close()
	})

	requireFeature(b, store, db.FeatureAllocate|db.FeatureWrite)

	const numBlocks = 1024
	ids := make([]db.BlockID, numBlocks)
	for i := range ids {
		ids[i], _ = store.Allocate()
	}
	data := pattern(store.BlockSize(), 7)

	var counter atomic.Uint64
	b.SetBytes(int64(store.BlockSize()))
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			id := ids[counter.Add(1)%numBlocks]
			if err := store.Write(id, data); err != nil {
				b.Error(err)
				return
			}
		}
	})
}

func benchmarkRead(b *testing.B, store db.BlockStore) {
	b.Cleanup(func() {
		store.Close()
	})

	requireFeature(b, store, db.FeatureAllocate|db.FeatureWrite|db.FeatureRead)

	const numBlocks = 1024
	ids := make([]db.BlockID, numBlocks)
	data := pattern(store.BlockSize(), 3)
	for i := range ids {
		ids[i], _ = store.Allocate()
		_ = store.Write(ids[i], data)
	}

	var counter atomic.Uint64
	b.SetBytes(int64(store.BlockSize()))
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if _, err := store.Read(ids[counter.Add(1)%numBlocks]); err != nil {
				b.Error(err)
				return
			}
		}
	})
}

// mirrors the block churn of a copy-on-write update
func benchmarkAllocateWriteFree(b *testing.B, store db.BlockStore) {
	b.Cleanup(func() {
		store.Close()
	})

	requireFeature(b, store, db.FeatureAllocate|db.FeatureWrite|db.FeatureFree)

	data := pattern(512, 9)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			id, err := store.Allocate()
			if err != nil {
				b.Error(err)
				return
			}
			if err := store.Write(id, data); err != nil {
				b.Error(err)
				return
			}
			if err := store.Free(id); err != nil {
				b.Error(err)
				return
			}
		}
	})
}
