package replacement

import (
	"testing"

	"github.com/stretchr/testify/require"

	"raincloudb/internal/storagepage"
)

func TestLRUEvictsOldestFirst(t *testing.T) {
	s, err := New(LRU, 3)
	require.NoError(t, err)

	s.Update(1)
	s.Update(2)
	s.Update(3)

	require.Equal(t, []storagepage.PageId{1, 2, 3}, s.Evict())

	s.Update(1) // touching 1 makes it most-recently-used
	require.Equal(t, []storagepage.PageId{2, 3, 1}, s.Evict())
}

func TestLRURemove(t *testing.T) {
	s, err := New(LRU, 3)
	require.NoError(t, err)
	s.Update(1)
	s.Update(2)
	s.Remove(1)
	require.Equal(t, []storagepage.PageId{2}, s.Evict())
}

func TestNewUnknownKindErrors(t *testing.T) {
	_, err := New(Kind("unknown"), 4)
	require.Error(t, err)
}
