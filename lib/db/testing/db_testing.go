package testing

import (
	"bytes"
	"sync"
	"testing"

	"github.com/ValentinKolb/bKV/lib/db"
	"github.com/cockroachdb/errors"
)

// RunBlockStoreTests runs the conformance test suite for a BlockStore implementation.
func RunBlockStoreTests(t *testing.T, name string, factory db.Factory) {
	t.Run(name, func(t *testing.T) {
		t.Run("Allocate", func(t *testing.T) {
			testAllocate(t, newStore(t, factory))
		})

		t.Run("Write&Read", func(t *testing.T) {
			testWriteRead(t, newStore(t, factory))
		})

		t.Run("ReadUnwritten", func(t *testing.T) {
			testReadUnwritten(t, newStore(t, factory))
		})

		t.Run("Free", func(t *testing.T) {
			testFree(t, newStore(t, factory))
		})

		t.Run("BlockSizeLimit", func(t *testing.T) {
			testBlockSizeLimit(t, newStore(t, factory))
		})

		t.Run("ReadIsCopy", func(t *testing.T) {
			testReadIsCopy(t, newStore(t, factory))
		})

		t.Run("Concurrent", func(t *testing.T) {
			testConcurrent(t, newStore(t, factory))
		})

		t.Run("Info", func(t *testing.T) {
			testInfo(t, newStore(t, factory))
		})

		t.Run("Closed", func(t *testing.T) {
			testClosed(t, newStore(t, factory))
		})
	})
}

// RunPersistenceTests checks that written blocks survive closing and reopening the store.
// Every call of open must open the same underlying storage.
func RunPersistenceTests(t *testing.T, name string, open db.Factory) {
	t.Run(name, func(t *testing.T) {
		t.Run("Reopen", func(t *testing.T) {
			testReopen(t, open)
		})
	})
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

func newStore(t testing.TB, factory db.Factory) db.BlockStore {
	store, err := factory()
	if err != nil {
		t.Fatalf("Unexpected error creating block store: %v", err)
	}
	return store
}

// Checks if the block store supports the specified feature
// Skip the test if it is not supported
func requireFeature(t testing.TB, store db.BlockStore, feature db.Feature) {
	if !store.SupportsFeature(feature) {
		t.Skip()
	}
}

func pattern(size int, seed byte) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = seed + byte(i)
	}
	return data
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func testAllocate(t *testing.T, store db.BlockStore) {
	defer store.Close()

	requireFeature(t, store, db.FeatureAllocate)

	seen := make(map[db.BlockID]bool)
	for i := 0; i < 100; i++ {
		id, err := store.Allocate()
		if err != nil {
			t.Fatalf("Unexpected error during Allocate: %v", err)
		}
		if id == db.NilBlock {
			t.Fatalf("Allocate returned the nil block")
		}
		if seen[id] {
			t.Fatalf("Allocate returned block %d twice", id)
		}
		seen[id] = true
	}
}

func testWriteRead(t *testing.T, store db.BlockStore) {
	defer store.Close()

	requireFeature(t, store, db.FeatureAllocate|db.FeatureRead|db.FeatureWrite)

	id, err := store.Allocate()
	if err != nil {
		t.Fatalf("Unexpected error during Allocate: %v", err)
	}

	full := pattern(store.BlockSize(), 1)
	if err := store.Write(id, full); err != nil {
		t.Fatalf("Unexpected error during Write: %v", err)
	}
	got, err := store.Read(id)
	if err != nil {
		t.Fatalf("Unexpected error during Read: %v", err)
	}
	if !bytes.Equal(got, full) {
		t.Errorf("Expected full block to round trip")
	}

	// short writes are zero padded
	short := []byte("short")
	if err := store.Write(id, short); err != nil {
		t.Fatalf("Unexpected error during Write: %v", err)
	}
	got, err = store.Read(id)
	if err != nil {
		t.Fatalf("Unexpected error during Read: %v", err)
	}
	if len(got) != store.BlockSize() {
		t.Fatalf("Expected block of %d bytes, got %d", store.BlockSize(), len(got))
	}
	if !bytes.Equal(got[:len(short)], short) {
		t.Errorf("Expected prefix %q, got %q", short, got[:len(short)])
	}
	if !bytes.Equal(got[len(short):], make([]byte, store.BlockSize()-len(short))) {
		t.Errorf("Expected zero padding after a short write")
	}
}

func testReadUnwritten(t *testing.T, store db.BlockStore) {
	defer store.Close()

	requireFeature(t, store, db.FeatureAllocate|db.FeatureRead)

	id, err := store.Allocate()
	if err != nil {
		t.Fatalf("Unexpected error during Allocate: %v", err)
	}
	got, err := store.Read(id)
	if err != nil {
		t.Fatalf("Unexpected error during Read: %v", err)
	}
	if !bytes.Equal(got, make([]byte, store.BlockSize())) {
		t.Errorf("Expected an unwritten block to read as zeros")
	}

	if _, err := store.Read(id + 1000); !errors.Is(err, db.ErrNoSuchBlock) {
		t.Errorf("Expected ErrNoSuchBlock for unknown block, got %v", err)
	}
}

func testFree(t *testing.T, store db.BlockStore) {
	defer store.Close()

	requireFeature(t, store, db.FeatureAllocate|db.FeatureFree|db.FeatureRead|db.FeatureWrite)

	id, err := store.Allocate()
	if err != nil {
		t.Fatalf("Unexpected error during Allocate: %v", err)
	}
	if err := store.Write(id, []byte("data")); err != nil {
		t.Fatalf("Unexpected error during Write: %v", err)
	}
	if err := store.Free(id); err != nil {
		t.Fatalf("Unexpected error during Free: %v", err)
	}
	if _, err := store.Read(id); !errors.Is(err, db.ErrNoSuchBlock) {
		t.Errorf("Expected ErrNoSuchBlock after Free, got %v", err)
	}
	if err := store.Write(id, []byte("data")); !errors.Is(err, db.ErrNoSuchBlock) {
		t.Errorf("Expected ErrNoSuchBlock writing a freed block, got %v", err)
	}
	if err := store.Free(id); !errors.Is(err, db.ErrNoSuchBlock) {
		t.Errorf("Expected ErrNoSuchBlock freeing twice, got %v", err)
	}
}

func testBlockSizeLimit(t *testing.T, store db.BlockStore) {
	defer store.Close()

	requireFeature(t, store, db.FeatureAllocate|db.FeatureWrite)

	id, err := store.Allocate()
	if err != nil {
		t.Fatalf("Unexpected error during Allocate: %v", err)
	}
	if err := store.Write(id, make([]byte, store.BlockSize()+1)); !errors.Is(err, db.ErrBlockSize) {
		t.Errorf("Expected ErrBlockSize, got %v", err)
	}
}

func testReadIsCopy(t *testing.T, store db.BlockStore) {
	defer store.Close()

	requireFeature(t, store, db.FeatureAllocate|db.FeatureRead|db.FeatureWrite)

	id, _ := store.Allocate()
	data := []byte("immutable")
	if err := store.Write(id, data); err != nil {
		t.Fatalf("Unexpected error during Write: %v", err)
	}

	// neither the written nor the returned buffer may alias the stored block
	data[0] = 'X'
	got, _ := store.Read(id)
	got[1] = 'Y'

	again, _ := store.Read(id)
	if !bytes.Equal(again[:len(data)], []byte("immutable")) {
		t.Errorf("Expected stored block to be unaffected, got %q", again[:len(data)])
	}
}

func testConcurrent(t *testing.T, store db.BlockStore) {
	defer store.Close()

	requireFeature(t, store, db.FeatureAllocate|db.FeatureRead|db.FeatureWrite|db.FeatureFree)

	const workers = 8
	const perWorker = 50

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				id, err := store.Allocate()
				if err != nil {
					errs <- err
					return
				}
				data := pattern(64, byte(w*perWorker+i))
				if err := store.Write(id, data); err != nil {
					errs <- err
					return
				}
				got, err := store.Read(id)
				if err != nil {
					errs <- err
					return
				}
				if !bytes.Equal(got[:64], data) {
					errs <- errors.Newf("block %d was overwritten concurrently", id)
					return
				}
				if i%2 == 0 {
					if err := store.Free(id); err != nil {
						errs <- err
						return
					}
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("Unexpected error in concurrent access: %v", err)
	}
}

func testInfo(t *testing.T, store db.BlockStore) {
	defer store.Close()

	requireFeature(t, store, db.FeatureStats|db.FeatureAllocate)

	for i := 0; i < 10; i++ {
		if _, err := store.Allocate(); err != nil {
			t.Fatalf("Unexpected error during Allocate: %v", err)
		}
	}

	info := store.GetInfo()
	if info.SizeBytes < 10*store.BlockSize() {
		t.Errorf("Expected at least %d bytes, got %d", 10*store.BlockSize(), info.SizeBytes)
	}
	if info.DbType == "" {
		t.Errorf("Expected an implementation name")
	}
	for _, f := range info.SupportedFeatures {
		if !store.SupportsFeature(f) {
			t.Errorf("Feature %s is reported by GetInfo but not by SupportsFeature", f)
		}
	}
}

func testClosed(t *testing.T, store db.BlockStore) {
	id, err := store.Allocate()
	if err != nil {
		t.Fatalf("Unexpected error during Allocate: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Unexpected error during Close: %v", err)
	}
	if _, err := store.Allocate(); !errors.Is(err, db.ErrClosed) {
		t.Errorf("Expected ErrClosed from Allocate, got %v", err)
	}
	if _, err := store.Read(id); !errors.Is(err, db.ErrClosed) {
		t.Errorf("Expected ErrClosed from Read, got %v", err)
	}
}

func testReopen(t *testing.T, open db.Factory) {
	store := newStore(t, open)
	requireFeature(t, store, db.FeaturePersistence)

	ids := make([]db.BlockID, 20)
	for i := range ids {
		id, err := store.Allocate()
		if err != nil {
			t.Fatalf("Unexpected error during Allocate: %v", err)
		}
		if err := store.Write(id, pattern(128, byte(i))); err != nil {
			t.Fatalf("Unexpected error during Write: %v", err)
		}
		ids[i] = id
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Unexpected error during Close: %v", err)
	}

	reopened := newStore(t, open)
	defer reopened.Close()

	for i, id := range ids {
		got, err := reopened.Read(id)
		if err != nil {
			t.Fatalf("Block %d lost after reopen: %v", id, err)
		}
		if !bytes.Equal(got[:128], pattern(128, byte(i))) {
			t.Errorf("Block %d changed after reopen", id)
		}
	}

	// new ids must not collide with the persisted ones
	id, err := reopened.Allocate()
	if err != nil {
		t.Fatalf("Unexpected error during Allocate: %v", err)
	}
	for _, old := range ids {
		if id == old {
			t.Fatalf("Allocate reused persisted block %d", id)
		}
	}
}
