package freelist

import (
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"raincloudb/internal/diskmgr"
	"raincloudb/internal/storagepage"
)

func newTestFreeList(t *testing.T) *FreeList {
	t.Helper()
	path := filepath.Join(t.TempDir(), "header.db")
	disk, err := diskmgr.Open[*storagepage.HeaderPage](path, storagepage.DeserializeHeaderPage)
	require.NoError(t, err)
	t.Cleanup(func() { disk.Close() })
	return New(disk, logrus.NewEntry(logrus.New()))
}

func TestFreeListAllocateGrowsChain(t *testing.T) {
	fl := newTestFreeList(t)

	first, err := fl.Allocate(true)
	require.NoError(t, err)
	require.Equal(t, storagepage.PageId(1), first)

	second, err := fl.Allocate(true)
	require.NoError(t, err)
	require.Equal(t, storagepage.PageId(2), second)
}

func TestFreeListDeallocateThenReallocate(t *testing.T) {
	fl := newTestFreeList(t)

	id, err := fl.Allocate(false)
	require.NoError(t, err)

	require.NoError(t, fl.Deallocate(id, false))

	again, err := fl.Allocate(false)
	require.NoError(t, err)
	require.Equal(t, id, again, "a freed id should be the next one reused")
}

func TestFreeListDoubleDeallocatePanics(t *testing.T) {
	fl := newTestFreeList(t)
	id, err := fl.Allocate(false)
	require.NoError(t, err)
	require.NoError(t, fl.Deallocate(id, false))

	require.Panics(t, func() { _ = fl.Deallocate(id, false) })
}

func TestFreeListDeallocateUncoveredIDErrors(t *testing.T) {
	fl := newTestFreeList(t)
	_, err := fl.Allocate(false)
	require.NoError(t, err)
	err = fl.Deallocate(storagepage.PageId(999999), false)
	require.Error(t, err)
}
