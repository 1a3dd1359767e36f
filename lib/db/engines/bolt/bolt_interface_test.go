package bolt

import (
	"path/filepath"
	"testing"

	"github.com/ValentinKolb/bKV/lib/db"
	dbtesting "github.com/ValentinKolb/bKV/lib/db/testing"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// tempFactory opens a fresh database file for every store
func tempFactory(t testing.TB, blockSize int) db.Factory {
	dir := t.TempDir()
	return func() (db.BlockStore, error) {
		return NewBoltDB(DBOptions{
			Path:      filepath.Join(dir, uuid.NewString()+".db"),
			BlockSize: blockSize,
			NoSync:    true,
		})
	}
}

func Test(t *testing.T) {
	dbtesting.RunBlockStoreTests(t, "BoltDB", tempFactory(t, 0))
	dbtesting.RunBlockStoreTests(t, "BoltDB(small blocks)", tempFactory(t, 64))
}

func TestPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blocks.db")
	dbtesting.RunPersistenceTests(t, "BoltDB", NewFactory(DBOptions{Path: path, BlockSize: 256}))
}

func TestBlockSizeMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blocks.db")

	store, err := NewBoltDB(DBOptions{Path: path, BlockSize: 256})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	_, err = NewBoltDB(DBOptions{Path: path, BlockSize: 512})
	require.Error(t, err)
}

func TestMissingPath(t *testing.T) {
	_, err := NewBoltDB(DBOptions{})
	require.Error(t, err)
}

func Benchmark(b *testing.B) {
	dbtesting.RunBlockStoreBenchmarks(b, "BoltDB", tempFactory(b, 0))
}
