// Package btree implements the B+-tree (C6): an ordered, unique-key index
// over 64-bit keys mapping to record ids, built entirely on the buffer
// pool. Insert splits overflowing nodes; delete redistributes from a
// sibling or merges, collapsing the root when it becomes a single-child
// internal node.
package btree

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"raincloudb/internal/bufferpool"
	"raincloudb/internal/storagepage"
)

// BPlusTree is a client of a dedicated index-page buffer pool. Tree
// mutations (Insert, Delete) are serialized with a single coarse lock, as
// spec §4.6 permits; Search takes no tree-wide lock and relies solely on
// per-frame latches acquired through the buffer pool.
type BPlusTree struct {
	mu   sync.Mutex
	pool *bufferpool.BufferPool[*storagepage.IndexPage]
	root storagepage.PageId

	internalMaxKeys, internalMinKeys int
	leafMaxKeys, leafMinKeys         int

	log *logrus.Entry
}

// New constructs a tree over pool with the given maxima (root-exempt
// minima are computed as max/2). Both maxima must be strictly less than
// the physical node capacities; New panics otherwise, matching the
// original's debug-assert bounds check.
func New(pool *bufferpool.BufferPool[*storagepage.IndexPage], internalMaxKeys, leafMaxKeys int, log *logrus.Entry) (*BPlusTree, error) {
	if internalMaxKeys >= storagepage.InternalCapacity {
		panic("btree: internalMaxKeys exceeds physical node capacity")
	}
	if leafMaxKeys >= storagepage.LeafCapacity {
		panic("btree: leafMaxKeys exceeds physical node capacity")
	}

	rootGuard, err := pool.CreatePage()
	if err != nil {
		return nil, errors.Wrap(err, "btree: allocate root")
	}
	root := rootGuard.ID()
	rootGuard.Unpin()

	return &BPlusTree{
		pool:            pool,
		root:            root,
		internalMaxKeys: internalMaxKeys,
		internalMinKeys: internalMaxKeys / 2,
		leafMaxKeys:     leafMaxKeys,
		leafMinKeys:     leafMaxKeys / 2,
		log:             log.WithField("component", "btree"),
	}, nil
}

// Open attaches to an already-existing tree rooted at root (used when
// reopening a database).
func Open(pool *bufferpool.BufferPool[*storagepage.IndexPage], root storagepage.PageId, internalMaxKeys, leafMaxKeys int, log *logrus.Entry) *BPlusTree {
	return &BPlusTree{
		pool:            pool,
		root:            root,
		internalMaxKeys: internalMaxKeys,
		internalMinKeys: internalMaxKeys / 2,
		leafMaxKeys:     leafMaxKeys,
		leafMinKeys:     leafMaxKeys / 2,
		log:             log.WithField("component", "btree"),
	}
}

// Root returns the current root page id, for callers that need to persist
// it across a restart.
func (t *BPlusTree) Root() storagepage.PageId { return t.root }

func (t *BPlusTree) minKeysFor(p *storagepage.IndexPage) int {
	if p.IsLeaf() {
		return t.leafMinKeys
	}
	return t.internalMinKeys
}

// Search returns the record id stored for key, or ok=false if absent.
func (t *BPlusTree) Search(key int64) (storagepage.RecordId, bool, error) {
	cur := t.root
	for {
		guard, err := t.pool.FetchPage(cur, false)
		if err != nil {
			return storagepage.RecordId{}, false, err
		}
		page := guard.Page()
		if page.IsLeaf() {
			rid, ok := page.SearchRID(key)
			guard.Unpin()
			return rid, ok, nil
		}
		next := page.Children()[page.SearchChildIndex(key)]
		guard.Unpin()
		cur = next
	}
}

// RangeEntry is one (key, rid) pair yielded by RangeScan.
type RangeEntry struct {
	Key int64
	RID storagepage.RecordId
}

// RangeScan returns all entries with key in [lo, hi), walking the leaf
// sibling chain. Additive over the core search(key)/insert/delete contract
// (see SPEC_FULL.md §4.9).
func (t *BPlusTree) RangeScan(lo, hi int64) ([]RangeEntry, error) {
	cur := t.root
	for {
		guard, err := t.pool.FetchPage(cur, false)
		if err != nil {
			return nil, err
		}
		page := guard.Page()
		if page.IsLeaf() {
			guard.Unpin()
			break
		}
		next := page.Children()[page.SearchChildIndex(lo)]
		guard.Unpin()
		cur = next
	}

	var out []RangeEntry
	for cur != storagepage.NilPageId {
		guard, err := t.pool.FetchPage(cur, false)
		if err != nil {
			return out, err
		}
		page := guard.Page()
		keys, rids := page.Keys(), page.RIDs()
		stop := false
		for i, k := range keys {
			if k >= hi {
				stop = true
				break
			}
			if k >= lo {
				out = append(out, RangeEntry{Key: k, RID: rids[i]})
			}
		}
		next := page.Next()
		guard.Unpin()
		if stop {
			break
		}
		cur = next
	}
	return out, nil
}

// Insert adds key -> rid, overwriting rid if key is already present (this
// is a unique-key index; duplicates are not supported).
func (t *BPlusTree) Insert(key int64, rid storagepage.RecordId) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rootGuard, err := t.pool.FetchPage(t.root, true)
	if err != nil {
		return err
	}
	if root := rootGuard.Page(); root.IsLeaf() && root.IsEmpty() {
		root.InsertRecord(key, rid)
		return rootGuard.Unpin()
	}
	rootGuard.Unpin()

	// Descend to the target leaf, recording the path of internal ancestors.
	var path []storagepage.PageId
	cur := t.root
	for {
		guard, err := t.pool.FetchPage(cur, false)
		if err != nil {
			return err
		}
		page := guard.Page()
		if page.IsLeaf() {
			guard.Unpin()
			break
		}
		next := page.Children()[page.SearchChildIndex(key)]
		path = append(path, cur)
		guard.Unpin()
		cur = next
	}
	leafID := cur

	leafGuard, err := t.pool.FetchPage(leafID, true)
	if err != nil {
		return err
	}
	leaf := leafGuard.Page()
	leaf.InsertRecord(key, rid)

	if leaf.NumKeys() <= t.leafMaxKeys {
		return leafGuard.Unpin()
	}

	sibGuard, err := t.pool.CreatePage()
	if err != nil {
		leafGuard.Unpin()
		return err
	}
	promotedKey, sibling := leaf.Split(sibGuard.ID())
	*sibGuard.Page() = *sibling
	childID, newChildID := leafID, sibGuard.ID()
	t.log.WithFields(logrus.Fields{"leaf": leafID, "sibling": newChildID, "promoted": promotedKey}).Debug("leaf split")
	leafGuard.Unpin()
	sibGuard.Unpin()

	for i := len(path) - 1; i >= 0; i-- {
		parentID := path[i]
		parentGuard, err := t.pool.FetchPage(parentID, true)
		if err != nil {
			return err
		}
		parent := parentGuard.Page()
		parent.InsertPromoted(promotedKey, newChildID)

		if parent.NumKeys() <= t.internalMaxKeys {
			return parentGuard.Unpin()
		}

		newSibGuard, err := t.pool.CreatePage()
		if err != nil {
			parentGuard.Unpin()
			return err
		}
		pk, sibling := parent.Split(newSibGuard.ID())
		*newSibGuard.Page() = *sibling
		t.log.WithFields(logrus.Fields{"internal": parentID, "sibling": newSibGuard.ID(), "promoted": pk}).Debug("internal split")
		parentGuard.Unpin()
		newSibGuard.Unpin()

		promotedKey = pk
		childID = parentID
		newChildID = newSibGuard.ID()
	}

	// Promotion reached past the root: allocate a new root with two
	// children (the old root's left half, and the new sibling).
	newRootGuard, err := t.pool.CreatePage()
	if err != nil {
		return err
	}
	*newRootGuard.Page() = *storagepage.NewInternalIndexPage(newRootGuard.ID(), promotedKey, childID, newChildID)
	t.log.WithFields(logrus.Fields{"new_root": newRootGuard.ID(), "left": childID, "right": newChildID}).Debug("root split")
	newRootGuard.Unpin()
	t.root = newRootGuard.ID()
	return nil
}

// Delete removes key, returning found=false and leaving the tree untouched
// if it was not present.
func (t *BPlusTree) Delete(key int64) (found bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rootGuard, err := t.pool.FetchPage(t.root, false)
	if err != nil {
		return false, err
	}
	root := rootGuard.Page()
	empty := root.IsLeaf() && root.IsEmpty()
	rootGuard.Unpin()
	if empty {
		return false, nil
	}

	var path []storagepage.PageId
	cur := t.root
	for {
		guard, err := t.pool.FetchPage(cur, false)
		if err != nil {
			return false, err
		}
		page := guard.Page()
		if page.IsLeaf() {
			guard.Unpin()
			break
		}
		next := page.Children()[page.SearchChildIndex(key)]
		path = append(path, cur)
		guard.Unpin()
		cur = next
	}
	leafID := cur

	leafGuard, err := t.pool.FetchPage(leafID, true)
	if err != nil {
		return false, err
	}
	leaf := leafGuard.Page()
	if !leaf.RemoveKey(key) {
		leafGuard.Unpin()
		return false, nil
	}
	underflow := leaf.NumKeys() < t.leafMinKeys
	leafGuard.Unpin()

	if underflow {
		childID := leafID
		for i := len(path) - 1; i >= 0; i-- {
			parentID := path[i]
			parentGuard, err := t.pool.FetchPage(parentID, true)
			if err != nil {
				return false, err
			}
			parent := parentGuard.Page()
			childIdx := indexOfChild(parent, childID)

			mergedAway, err := t.fixChildUnderflow(parent, childIdx)
			parentGuard.Unpin()
			if err != nil {
				return false, err
			}
			if !mergedAway {
				break
			}
			childID = parentID
		}
	}

	// Root collapse: an internal root with a single child is replaced by
	// that child.
	rootGuard2, err := t.pool.FetchPage(t.root, true)
	if err != nil {
		return true, err
	}
	root2 := rootGuard2.Page()
	if !root2.IsLeaf() && len(root2.Children()) == 1 {
		oldRoot := t.root
		newRoot := root2.Children()[0]
		rootGuard2.Unpin()
		t.root = newRoot
		if err := t.pool.FreePage(oldRoot, false); err != nil {
			return true, err
		}
		t.log.WithFields(logrus.Fields{"old_root": oldRoot, "new_root": newRoot}).Debug("root collapse")
		return true, nil
	}
	rootGuard2.Unpin()
	return true, nil
}

func indexOfChild(parent *storagepage.IndexPage, childID storagepage.PageId) int {
	for i, c := range parent.Children() {
		if c == childID {
			return i
		}
	}
	return -1
}

// fixChildUnderflow repairs the node at parent.Children()[childIdx], which
// the caller has determined underflowed. It tries redistributing from the
// left sibling, then the right, then falls back to a merge. mergedAway
// reports whether a merge happened (and therefore whether parent itself may
// now need to be checked by the caller).
func (t *BPlusTree) fixChildUnderflow(parent *storagepage.IndexPage, childIdx int) (mergedAway bool, err error) {
	children := parent.Children()
	childID := children[childIdx]

	childGuard, err := t.pool.FetchPage(childID, true)
	if err != nil {
		return false, err
	}
	child := childGuard.Page()
	if child.NumKeys() >= t.minKeysFor(child) {
		childGuard.Unpin()
		return false, nil
	}

	if childIdx > 0 {
		leftID := children[childIdx-1]
		leftGuard, err := t.pool.FetchPage(leftID, true)
		if err != nil {
			childGuard.Unpin()
			return false, err
		}
		left := leftGuard.Page()
		if left.NumKeys() > t.minKeysFor(left) {
			oldSep := parent.Keys()[childIdx-1]
			parent.Keys()[childIdx-1] = child.Redistribute(left, true, oldSep)
			leftGuard.Unpin()
			childGuard.Unpin()
			return false, nil
		}
		leftGuard.Unpin()
	}

	if childIdx < len(children)-1 {
		rightID := children[childIdx+1]
		rightGuard, err := t.pool.FetchPage(rightID, true)
		if err != nil {
			childGuard.Unpin()
			return false, err
		}
		right := rightGuard.Page()
		if right.NumKeys() > t.minKeysFor(right) {
			oldSep := parent.Keys()[childIdx]
			parent.Keys()[childIdx] = child.Redistribute(right, false, oldSep)
			rightGuard.Unpin()
			childGuard.Unpin()
			return false, nil
		}
		rightGuard.Unpin()
	}

	// No donor sibling has spare keys: merge. Prefer the left sibling when
	// one exists, matching original_source/bplus_tree.rs's ordering.
	if childIdx > 0 {
		leftID := children[childIdx-1]
		leftGuard, err := t.pool.FetchPage(leftID, true)
		if err != nil {
			childGuard.Unpin()
			return false, err
		}
		left := leftGuard.Page()
		sep := parent.Keys()[childIdx-1]
		t.assertMergeFits(left, child)
		left.Merge(child, sep)
		parent.RemoveChildAt(childIdx-1, childIdx)
		leftGuard.Unpin()
		childGuard.Unpin()
		if err := t.pool.FreePage(childID, false); err != nil {
			return false, err
		}
		t.log.WithFields(logrus.Fields{"into": leftID, "freed": childID}).Debug("merged with left sibling")
		return true, nil
	}

	rightID := children[childIdx+1]
	rightGuard, err := t.pool.FetchPage(rightID, true)
	if err != nil {
		childGuard.Unpin()
		return false, err
	}
	right := rightGuard.Page()
	sep := parent.Keys()[childIdx]
	t.assertMergeFits(child, right)
	child.Merge(right, sep)
	parent.RemoveChildAt(childIdx, childIdx+1)
	childGuard.Unpin()
	rightGuard.Unpin()
	if err := t.pool.FreePage(rightID, false); err != nil {
		return false, err
	}
	t.log.WithFields(logrus.Fields{"into": childID, "freed": rightID}).Debug("merged with right sibling")
	return true, nil
}

// assertMergeFits is the fatal-invariant guard from spec §4.6's failure
// semantics: a correct tree never reaches a merge that overflows the
// maximum. It is checked, not assumed, so a structural bug surfaces loudly
// instead of silently corrupting a page.
func (t *BPlusTree) assertMergeFits(a, b *storagepage.IndexPage) {
	max := t.leafMaxKeys
	extra := 0
	if !a.IsLeaf() {
		max = t.internalMaxKeys
		extra = 1 // the descending separator
	}
	if a.NumKeys()+b.NumKeys()+extra > max {
		t.log.WithFields(logrus.Fields{"left_keys": a.NumKeys(), "right_keys": b.NumKeys(), "max": max}).
			Panic("btree: merge would exceed max keys, unrepairable underflow")
	}
}
