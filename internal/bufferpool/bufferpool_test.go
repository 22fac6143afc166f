package bufferpool

import (
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"raincloudb/internal/diskmgr"
	"raincloudb/internal/freelist"
	"raincloudb/internal/replacement"
	"raincloudb/internal/storagepage"
)

func newTestPool(t *testing.T, capacity int) *BufferPool[*storagepage.DataPage] {
	t.Helper()
	dir := t.TempDir()

	dataDisk, err := diskmgr.Open[*storagepage.DataPage](filepath.Join(dir, "data.db"), storagepage.DeserializeDataPage)
	require.NoError(t, err)
	t.Cleanup(func() { dataDisk.Close() })

	headerDisk, err := diskmgr.Open[*storagepage.HeaderPage](filepath.Join(dir, "data.hdr"), storagepage.DeserializeHeaderPage)
	require.NoError(t, err)
	t.Cleanup(func() { headerDisk.Close() })

	log := logrus.NewEntry(logrus.New())
	fl := freelist.New(headerDisk, log)
	strategy, err := replacement.New(replacement.LRU, capacity)
	require.NoError(t, err)

	return New(dataDisk, fl, strategy, capacity, storagepage.NewDataPage, log)
}

func TestBufferPoolCreateFetchRoundTrip(t *testing.T) {
	pool := newTestPool(t, 4)

	guard, err := pool.CreatePage()
	require.NoError(t, err)
	id := guard.ID()
	_, ok := guard.Page().InsertRecord([]byte("hi"))
	require.True(t, ok)
	require.NoError(t, guard.Unpin())

	require.NoError(t, pool.FlushPage(id))

	fetched, err := pool.FetchPage(id, false)
	require.NoError(t, err)
	got, ok := fetched.Page().GetRecord(0)
	require.True(t, ok)
	require.Equal(t, []byte("hi"), got)
	require.NoError(t, fetched.Unpin())
}

func TestBufferPoolUnpinTwiceErrors(t *testing.T) {
	pool := newTestPool(t, 4)
	guard, err := pool.CreatePage()
	require.NoError(t, err)
	require.NoError(t, guard.Unpin())
	require.ErrorIs(t, guard.Unpin(), ErrPageAlreadyUnpinned)
}

func TestBufferPoolEvictsUnpinnedUnderCapacityPressure(t *testing.T) {
	pool := newTestPool(t, 2)

	g1, err := pool.CreatePage()
	require.NoError(t, err)
	id1 := g1.ID()
	require.NoError(t, g1.Unpin())

	g2, err := pool.CreatePage()
	require.NoError(t, err)
	id2 := g2.ID()
	require.NoError(t, g2.Unpin())

	require.Equal(t, 2, pool.Len())

	// Pin id2 so it cannot be evicted; id1 is the only evictable victim.
	pinned, err := pool.FetchPage(id2, false)
	require.NoError(t, err)

	g3, err := pool.CreatePage()
	require.NoError(t, err)
	id3 := g3.ID()
	require.NoError(t, g3.Unpin())

	require.Equal(t, 2, pool.Len(), "pool must stay at capacity")
	require.NoError(t, pinned.Unpin())

	// id1 should have been evicted; id2 and id3 remain resident.
	_, err = pool.FetchPage(id3, false)
	require.NoError(t, err)
	_ = id1
}

func TestBufferPoolFlushPageRejectsPinned(t *testing.T) {
	pool := newTestPool(t, 4)
	guard, err := pool.CreatePage()
	require.NoError(t, err)
	id := guard.ID()

	require.ErrorIs(t, pool.FlushPage(id), ErrPageLatched)
	require.NoError(t, guard.Unpin())
}
