package storagepage

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLeafIndexPageInsertSearchOverwrite(t *testing.T) {
	p := NewLeafIndexPage(1)
	p.InsertRecord(10, RecordId{PageID: 100, SlotID: 0})
	p.InsertRecord(5, RecordId{PageID: 100, SlotID: 1})
	p.InsertRecord(20, RecordId{PageID: 100, SlotID: 2})

	require.Equal(t, []int64{5, 10, 20}, p.Keys())

	rid, ok := p.SearchRID(10)
	require.True(t, ok)
	require.Equal(t, SlotId(0), rid.SlotID)

	p.InsertRecord(10, RecordId{PageID: 200, SlotID: 9})
	rid, ok = p.SearchRID(10)
	require.True(t, ok)
	require.Equal(t, PageId(200), rid.PageID, "duplicate key must overwrite, not duplicate")
	require.Equal(t, 3, p.NumKeys())

	_, ok = p.SearchRID(999)
	require.False(t, ok)
}

func TestLeafIndexPageSplit(t *testing.T) {
	p := NewLeafIndexPage(1)
	for i := int64(1); i <= 4; i++ {
		p.InsertRecord(i, RecordId{PageID: PageId(i), SlotID: 0})
	}

	promoted, sibling := p.Split(2)
	require.Equal(t, []int64{1, 2}, p.Keys())
	require.Equal(t, []int64{3, 4}, sibling.Keys())
	require.Equal(t, int64(3), promoted)
	require.Equal(t, PageId(2), p.Next())
	require.Equal(t, NilPageId, sibling.Next())
}

func TestLeafIndexPageMergeAndRedistribute(t *testing.T) {
	left := NewLeafIndexPage(1)
	left.InsertRecord(1, RecordId{PageID: 1})
	left.InsertRecord(2, RecordId{PageID: 1, SlotID: 1})

	right := NewLeafIndexPage(2)
	right.InsertRecord(3, RecordId{PageID: 2})
	right.InsertRecord(4, RecordId{PageID: 2, SlotID: 1})
	right.InsertRecord(5, RecordId{PageID: 2, SlotID: 2})

	newSep := right.Redistribute(left, true, 3)
	require.Equal(t, int64(1), left.Keys()[len(left.Keys())-1])
	require.Equal(t, int64(2), newSep)
	require.Equal(t, []int64{2, 3, 4, 5}, right.Keys())

	left2 := NewLeafIndexPage(1)
	left2.InsertRecord(1, RecordId{PageID: 1})
	right2 := NewLeafIndexPage(2)
	right2.InsertRecord(2, RecordId{PageID: 2})
	right2.InsertRecord(3, RecordId{PageID: 2, SlotID: 1})
	right2.SetNext(42)

	left2.Merge(right2, 0)
	require.Equal(t, []int64{1, 2, 3}, left2.Keys())
	require.Equal(t, PageId(42), left2.Next())
}

func TestInternalIndexPageSplitAndPromotion(t *testing.T) {
	root := NewInternalIndexPage(1, 10, 2, 3)
	root.InsertPromoted(20, 4)
	root.InsertPromoted(30, 5)
	require.Equal(t, []int64{10, 20, 30}, root.Keys())
	require.Equal(t, []PageId{2, 3, 4, 5}, root.Children())

	promoted, sibling := root.Split(6)
	require.Equal(t, int64(20), promoted)
	require.Equal(t, []int64{10}, root.Keys())
	require.Equal(t, []PageId{2, 3}, root.Children())
	require.Equal(t, []int64{30}, sibling.Keys())
	require.Equal(t, []PageId{4, 5}, sibling.Children())
}

func TestIndexPageSerializeRoundTrip(t *testing.T) {
	leaf := NewLeafIndexPage(8)
	leaf.InsertRecord(1, RecordId{PageID: 11, SlotID: 2})
	leaf.InsertRecord(2, RecordId{PageID: 12, SlotID: 3})
	leaf.SetNext(99)

	buf := leaf.Serialize()
	back, ok := DeserializeIndexPage(buf[:])
	require.True(t, ok)
	require.True(t, back.IsLeaf())
	require.Equal(t, leaf.Keys(), back.Keys())
	require.Equal(t, leaf.RIDs(), back.RIDs())
	require.Equal(t, PageId(99), back.Next())

	internal := NewInternalIndexPage(9, 50, 1, 2)
	internal.InsertPromoted(75, 3)
	buf2 := internal.Serialize()
	back2, ok := DeserializeIndexPage(buf2[:])
	require.True(t, ok)
	require.False(t, back2.IsLeaf())
	require.Equal(t, internal.Keys(), back2.Keys())
	require.Equal(t, internal.Children(), back2.Children())
}
