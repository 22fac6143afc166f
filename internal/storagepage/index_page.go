package storagepage

import (
	"encoding/binary"
	"sort"
)

// IndexPageType tags a B+-tree node as a leaf or an internal node.
type IndexPageType uint8

const (
	IndexLeaf     IndexPageType = 0
	IndexInternal IndexPageType = 1
)

const (
	// leaf: id:4 | page_type:1 | keys_len:2 | has_next:1 | next:4
	leafHeaderSize = 4 + 1 + 2 + 1 + 4
	leafEntrySize  = 8 + 4 + 1 // key:8, page_id:4, slot_id:1

	// internal: id:4 | page_type:1 | keys_len:2 | (key:8,child:4)* | trailing child:4
	internalHeaderSize = 4 + 1 + 2
	internalEntrySize  = 8 + 4
)

// LeafCapacity is the maximum number of keys a leaf page can physically
// hold; leaf_max_keys configured on a tree must be strictly less than this.
const LeafCapacity = (PageSize - leafHeaderSize) / leafEntrySize

// InternalCapacity is the maximum number of keys an internal page can
// physically hold (reserving room for the trailing child pointer);
// internal_max_keys configured on a tree must be strictly less than this.
const InternalCapacity = (PageSize - internalHeaderSize - 4) / internalEntrySize

// IndexPage is a B+-tree node: a tagged union of leaf and internal shapes.
// Leaves carry keys aligned 1:1 with record ids and an optional sibling
// chain pointer; internal nodes carry keys and one more child than key.
type IndexPage struct {
	id       PageId
	pageType IndexPageType

	keys     []int64
	rids     []RecordId // leaf only, aligned with keys
	children []PageId   // internal only, len(children) == len(keys)+1
	next     PageId     // leaf only; NilPageId means no sibling
}

// NewLeafIndexPage constructs an empty leaf node.
func NewLeafIndexPage(id PageId) *IndexPage {
	return &IndexPage{id: id, pageType: IndexLeaf}
}

// NewInternalIndexPage constructs an internal node with two children
// separated by a single key, as built when promotion reaches past the root.
func NewInternalIndexPage(id PageId, key int64, left, right PageId) *IndexPage {
	return &IndexPage{
		id:       id,
		pageType: IndexInternal,
		keys:     []int64{key},
		children: []PageId{left, right},
	}
}

func (p *IndexPage) ID() PageId          { return p.id }
func (p *IndexPage) Type() IndexPageType { return p.pageType }
func (p *IndexPage) IsLeaf() bool        { return p.pageType == IndexLeaf }
func (p *IndexPage) Keys() []int64       { return p.keys }
func (p *IndexPage) Children() []PageId  { return p.children }
func (p *IndexPage) RIDs() []RecordId    { return p.rids }
func (p *IndexPage) Next() PageId        { return p.next }
func (p *IndexPage) SetNext(id PageId)   { p.next = id }
func (p *IndexPage) NumKeys() int        { return len(p.keys) }

// SearchChildIndex returns the index into Children() of the subtree that
// must contain key: the first internal key strictly greater than key
// selects that position; otherwise the rightmost child is selected.
func (p *IndexPage) SearchChildIndex(key int64) int {
	for i, k := range p.keys {
		if key < k {
			return i
		}
	}
	return len(p.children) - 1
}

// SearchRID returns the record id stored for an exact key match in a leaf.
func (p *IndexPage) SearchRID(key int64) (RecordId, bool) {
	i := sort.Search(len(p.keys), func(i int) bool { return p.keys[i] >= key })
	if i < len(p.keys) && p.keys[i] == key {
		return p.rids[i], true
	}
	return RecordId{}, false
}

// InsertRecord inserts (key, rid) into a leaf in sorted position. If the
// key already exists its rid is overwritten — this is a unique-key index,
// duplicates are not supported.
func (p *IndexPage) InsertRecord(key int64, rid RecordId) {
	i := sort.Search(len(p.keys), func(i int) bool { return p.keys[i] >= key })
	if i < len(p.keys) && p.keys[i] == key {
		p.rids[i] = rid
		return
	}
	p.keys = append(p.keys, 0)
	copy(p.keys[i+1:], p.keys[i:])
	p.keys[i] = key

	p.rids = append(p.rids, RecordId{})
	copy(p.rids[i+1:], p.rids[i:])
	p.rids[i] = rid
}

// RemoveKey removes a leaf entry by exact key match. Reports whether it was
// present.
func (p *IndexPage) RemoveKey(key int64) bool {
	i := sort.Search(len(p.keys), func(i int) bool { return p.keys[i] >= key })
	if i >= len(p.keys) || p.keys[i] != key {
		return false
	}
	p.keys = append(p.keys[:i], p.keys[i+1:]...)
	p.rids = append(p.rids[:i], p.rids[i+1:]...)
	return true
}

// InsertPromoted inserts a promoted (key, newChild) pair into an internal
// node during split propagation: newChild is placed immediately to the
// right of key's sorted position.
func (p *IndexPage) InsertPromoted(key int64, newChild PageId) {
	i := sort.Search(len(p.keys), func(i int) bool { return p.keys[i] >= key })
	p.keys = append(p.keys, 0)
	copy(p.keys[i+1:], p.keys[i:])
	p.keys[i] = key

	p.children = append(p.children, 0)
	copy(p.children[i+2:], p.children[i+1:])
	p.children[i+1] = newChild
}

// RemoveChildAt removes the separator key at index sepIdx and the child
// pointer at index childIdx from an internal node, as happens when a
// sibling is merged away during delete.
func (p *IndexPage) RemoveChildAt(sepIdx, childIdx int) {
	p.keys = append(p.keys[:sepIdx], p.keys[sepIdx+1:]...)
	p.children = append(p.children[:childIdx], p.children[childIdx+1:]...)
}

// Split moves the upper half of this node's entries into a freshly
// allocated sibling (siblingID) and returns the key to promote to the
// parent. Leaf split: the midpoint key is both promoted and retained as the
// new sibling's first key. Internal split: the midpoint key is promoted and
// appears in neither child.
func (p *IndexPage) Split(siblingID PageId) (promotedKey int64, sibling *IndexPage) {
	if p.pageType == IndexLeaf {
		mid := len(p.keys) / 2
		sibling = &IndexPage{
			id:       siblingID,
			pageType: IndexLeaf,
			keys:     append([]int64(nil), p.keys[mid:]...),
			rids:     append([]RecordId(nil), p.rids[mid:]...),
			next:     p.next,
		}
		p.keys = p.keys[:mid]
		p.rids = p.rids[:mid]
		p.next = siblingID
		return sibling.keys[0], sibling
	}

	mid := len(p.keys) / 2
	promotedKey = p.keys[mid]
	sibling = &IndexPage{
		id:       siblingID,
		pageType: IndexInternal,
		keys:     append([]int64(nil), p.keys[mid+1:]...),
		children: append([]PageId(nil), p.children[mid+1:]...),
	}
	p.keys = p.keys[:mid]
	p.children = p.children[:mid+1]
	return promotedKey, sibling
}

// Merge absorbs sibling's entries into this node. For a leaf, entries are
// concatenated and the sibling chain pointer is inherited. For an internal
// node, parentSeparator is pulled down between the two former child
// sequences.
func (p *IndexPage) Merge(sibling *IndexPage, parentSeparator int64) {
	if p.pageType == IndexLeaf {
		p.keys = append(p.keys, sibling.keys...)
		p.rids = append(p.rids, sibling.rids...)
		p.next = sibling.next
		return
	}
	p.keys = append(append(p.keys, parentSeparator), sibling.keys...)
	p.children = append(p.children, sibling.children...)
}

// Redistribute borrows one entry from sibling to repair this node's
// underflow. fromLeft selects which sibling donates. oldSeparator is the
// parent's current separator between this node and the donor (unused for
// leaves, whose new separator is the first key of whichever node now sits
// on the right: the moved key when borrowing from the left, the donor's new
// first key when borrowing from the right; for internal nodes it descends
// into this node and the donor key ascends to replace it). Returns the new
// separator the parent must install.
func (p *IndexPage) Redistribute(sibling *IndexPage, fromLeft bool, oldSeparator int64) (newSeparator int64) {
	if p.pageType == IndexLeaf {
		if fromLeft {
			n := len(sibling.keys)
			k, r := sibling.keys[n-1], sibling.rids[n-1]
			sibling.keys = sibling.keys[:n-1]
			sibling.rids = sibling.rids[:n-1]
			p.keys = append([]int64{k}, p.keys...)
			p.rids = append([]RecordId{r}, p.rids...)
			return p.keys[0]
		}
		k, r := sibling.keys[0], sibling.rids[0]
		sibling.keys = sibling.keys[1:]
		sibling.rids = sibling.rids[1:]
		p.keys = append(p.keys, k)
		p.rids = append(p.rids, r)
		return sibling.keys[0]
	}

	if fromLeft {
		n := len(sibling.keys)
		donorKey := sibling.keys[n-1]
		donorChild := sibling.children[len(sibling.children)-1]
		sibling.keys = sibling.keys[:n-1]
		sibling.children = sibling.children[:len(sibling.children)-1]
		p.keys = append([]int64{oldSeparator}, p.keys...)
		p.children = append([]PageId{donorChild}, p.children...)
		return donorKey
	}
	donorKey := sibling.keys[0]
	donorChild := sibling.children[0]
	sibling.keys = sibling.keys[1:]
	sibling.children = sibling.children[1:]
	p.keys = append(p.keys, oldSeparator)
	p.children = append(p.children, donorChild)
	return donorKey
}

// FreeSpace estimates remaining entry capacity in bytes-equivalent terms:
// the number of remaining key slots times the per-entry width of this
// node kind.
func (p *IndexPage) FreeSpace() int {
	if p.pageType == IndexLeaf {
		return (LeafCapacity - len(p.keys)) * leafEntrySize
	}
	return (InternalCapacity - len(p.keys)) * internalEntrySize
}

// IsEmpty reports whether the node holds no keys.
func (p *IndexPage) IsEmpty() bool { return len(p.keys) == 0 }

// Serialize produces the total, fixed-size on-disk representation.
func (p *IndexPage) Serialize() [PageSize]byte {
	var buf [PageSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], uint32(p.id))
	buf[4] = byte(p.pageType)
	binary.LittleEndian.PutUint16(buf[5:7], uint16(len(p.keys)))

	if p.pageType == IndexLeaf {
		if p.next != NilPageId {
			buf[7] = 1
		}
		binary.LittleEndian.PutUint32(buf[8:12], uint32(p.next))
		off := leafHeaderSize
		for i, k := range p.keys {
			binary.LittleEndian.PutUint64(buf[off:off+8], uint64(k))
			binary.LittleEndian.PutUint32(buf[off+8:off+12], uint32(p.rids[i].PageID))
			buf[off+12] = byte(p.rids[i].SlotID)
			off += leafEntrySize
		}
		return buf
	}

	off := internalHeaderSize
	for i, k := range p.keys {
		binary.LittleEndian.PutUint64(buf[off:off+8], uint64(k))
		binary.LittleEndian.PutUint32(buf[off+8:off+12], uint32(p.children[i]))
		off += internalEntrySize
	}
	if len(p.keys) > 0 {
		binary.LittleEndian.PutUint32(buf[off:off+4], uint32(p.children[len(p.children)-1]))
	}
	return buf
}

// DeserializeIndexPage reconstructs an index page from its on-disk form.
func DeserializeIndexPage(buf []byte) (*IndexPage, bool) {
	if len(buf) < PageSize {
		return nil, false
	}
	p := &IndexPage{}
	p.id = PageId(binary.LittleEndian.Uint32(buf[0:4]))
	p.pageType = IndexPageType(buf[4])
	numKeys := int(binary.LittleEndian.Uint16(buf[5:7]))

	if p.pageType == IndexLeaf {
		hasNext := buf[7] == 1
		next := PageId(binary.LittleEndian.Uint32(buf[8:12]))
		if hasNext {
			p.next = next
		}
		off := leafHeaderSize
		if off+numKeys*leafEntrySize > PageSize {
			return nil, false
		}
		p.keys = make([]int64, numKeys)
		p.rids = make([]RecordId, numKeys)
		for i := 0; i < numKeys; i++ {
			p.keys[i] = int64(binary.LittleEndian.Uint64(buf[off : off+8]))
			p.rids[i] = RecordId{
				PageID: PageId(binary.LittleEndian.Uint32(buf[off+8 : off+12])),
				SlotID: SlotId(buf[off+12]),
			}
			off += leafEntrySize
		}
		return p, true
	}

	if p.pageType != IndexInternal {
		return nil, false
	}
	off := internalHeaderSize
	if numKeys > 0 && off+numKeys*internalEntrySize+4 > PageSize {
		return nil, false
	}
	p.keys = make([]int64, numKeys)
	p.children = make([]PageId, 0, numKeys+1)
	for i := 0; i < numKeys; i++ {
		p.keys[i] = int64(binary.LittleEndian.Uint64(buf[off : off+8]))
		p.children = append(p.children, PageId(binary.LittleEndian.Uint32(buf[off+8:off+12])))
		off += internalEntrySize
	}
	if numKeys > 0 {
		p.children = append(p.children, PageId(binary.LittleEndian.Uint32(buf[off:off+4])))
	}
	return p, true
}
