package storagepage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeaderPageAllocateDeallocate(t *testing.T) {
	h := NewHeaderPage(1)

	idx0, ok := h.AllocateHeader()
	require.True(t, ok)
	require.Equal(t, uint32(0), idx0)

	idx1, ok := h.AllocateHeader()
	require.True(t, ok)
	require.Equal(t, uint32(1), idx1)

	require.Equal(t, HeaderPagesCoverage-2, h.FreeSpace())

	h.DeallocateHeader(idx0)
	require.Equal(t, HeaderPagesCoverage-1, h.FreeSpace())

	idx, ok := h.AllocateHeader()
	require.True(t, ok)
	require.Equal(t, idx0, idx, "a freed bit should be the next one reallocated")
	_ = idx1
}

func TestHeaderPageDoubleFreePanics(t *testing.T) {
	h := NewHeaderPage(1)
	idx, _ := h.AllocateHeader()
	h.DeallocateHeader(idx)

	require.Panics(t, func() { h.DeallocateHeader(idx) })
}

func TestHeaderPageFillsAndReportsFull(t *testing.T) {
	h := NewHeaderPage(1)
	for i := 0; i < HeaderPagesCoverage; i++ {
		_, ok := h.AllocateHeader()
		require.True(t, ok)
	}
	_, ok := h.AllocateHeader()
	require.False(t, ok)
	require.Equal(t, 0, h.FreeSpace())
}

func TestHeaderPageSerializeRoundTrip(t *testing.T) {
	h := NewHeaderPage(5)
	h.SetNext(6)
	h.SetOffset(1)
	idx, _ := h.AllocateHeader()

	buf := h.Serialize()
	back, ok := DeserializeHeaderPage(buf[:])
	require.True(t, ok)
	require.Equal(t, PageId(5), back.ID())
	require.Equal(t, PageId(6), back.Next())
	require.Equal(t, uint32(1), back.Offset())
	require.False(t, back.IsEmpty())

	back.DeallocateHeader(idx)
	require.True(t, back.IsEmpty())
}
