package storageengine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStorageEngineInsertGetUpdateDelete(t *testing.T) {
	se, err := Open(Config{DatabaseDir: t.TempDir(), BufferPoolCapacity: 8})
	require.NoError(t, err)
	defer se.Deactivate()

	_, err = se.Insert(1, []byte("alpha"))
	require.NoError(t, err)
	_, err = se.Insert(2, []byte("bravo"))
	require.NoError(t, err)

	got, ok, err := se.Get(1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("alpha"), got)

	require.NoError(t, se.Update(1, []byte("ALPHA")))
	got, ok, err = se.Get(1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("ALPHA"), got)

	found, err := se.Delete(2)
	require.NoError(t, err)
	require.True(t, found)

	_, ok, err = se.Get(2)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStorageEngineHeapGrowsAcrossPages(t *testing.T) {
	se, err := Open(Config{DatabaseDir: t.TempDir(), BufferPoolCapacity: 8})
	require.NoError(t, err)
	defer se.Deactivate()

	big := make([]byte, 2000)
	for i := int64(0); i < 10; i++ {
		_, err := se.Insert(i, big)
		require.NoError(t, err)
	}

	for i := int64(0); i < 10; i++ {
		got, ok, err := se.Get(i)
		require.NoError(t, err)
		require.True(t, ok)
		require.Len(t, got, 2000)
	}
}

func TestStorageEngineScanRange(t *testing.T) {
	se, err := Open(Config{DatabaseDir: t.TempDir(), BufferPoolCapacity: 8})
	require.NoError(t, err)
	defer se.Deactivate()

	for i := int64(0); i < 20; i++ {
		_, err := se.Insert(i, []byte{byte(i)})
		require.NoError(t, err)
	}

	entries, err := se.Scan(5, 10)
	require.NoError(t, err)
	require.Len(t, entries, 5)
	for idx, e := range entries {
		require.Equal(t, int64(5+idx), e.Key)
	}
}

func TestStorageEngineReopenPreservesData(t *testing.T) {
	dir := t.TempDir()

	se, err := Open(Config{DatabaseDir: dir, BufferPoolCapacity: 8})
	require.NoError(t, err)
	_, err = se.Insert(7, []byte("persisted"))
	require.NoError(t, err)
	require.NoError(t, se.Deactivate())

	se2, err := Open(Config{DatabaseDir: dir, BufferPoolCapacity: 8})
	require.NoError(t, err)
	defer se2.Deactivate()

	got, ok, err := se2.Get(7)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("persisted"), got)
}
