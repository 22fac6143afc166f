// Package freelist implements the free list (C3): a singly linked chain of
// header pages used to recycle page identifiers. Allocation takes the first
// free id found walking from the newest header toward the oldest (within a
// header, the lowest free id); deallocation marks an id free again.
package freelist

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"raincloudb/internal/diskmgr"
	"raincloudb/internal/storagepage"
)

type headerFrame struct {
	header *storagepage.HeaderPage
	dirty  bool
}

// FreeList tracks free/allocated page ids through a chain of header pages
// on the header disk. The chain grows with the newest header at the head:
// allocate walks head -> next -> next -> ... toward the oldest header.
type FreeList struct {
	mu    sync.Mutex
	disk  *diskmgr.Manager[*storagepage.HeaderPage]
	head  storagepage.PageId
	cache map[storagepage.PageId]*headerFrame
	log   *logrus.Entry
}

// New constructs a free list with an empty chain.
func New(disk *diskmgr.Manager[*storagepage.HeaderPage], log *logrus.Entry) *FreeList {
	return &FreeList{
		disk:  disk,
		head:  storagepage.NilPageId,
		cache: make(map[storagepage.PageId]*headerFrame),
		log:   log.WithField("component", "freelist"),
	}
}

// Allocate returns a freshly allocated page id, walking the header chain
// for the first free bit or appending a new header page when the chain is
// full. If flush is true the touched header is written through
// immediately; otherwise it is left dirty in the cache for FlushAll.
func (f *FreeList) Allocate(flush bool) (storagepage.PageId, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.head == storagepage.NilPageId {
		return f.createAndAllocate(0, flush)
	}

	cur := f.head
	var headOffset uint32
	for cur != storagepage.NilPageId {
		frame := f.loadHeader(cur)
		if cur == f.head {
			headOffset = frame.header.Offset()
		}
		if idx, ok := frame.header.AllocateHeader(); ok {
			frame.dirty = true
			pageID := storagepage.PageId(frame.header.Offset()) + storagepage.PageId(idx)
			if flush {
				if err := f.flushHeaderLocked(cur); err != nil {
					return 0, err
				}
			}
			f.log.WithField("page_id", pageID).Debug("allocated page id")
			return pageID, nil
		}
		cur = frame.header.Next()
	}

	return f.createAndAllocate(headOffset, flush)
}

// createAndAllocate appends a new header page, makes it the new head, and
// allocates the first bit from it (which always succeeds on a fresh
// header). prevOffset is the offset of the chain's current head header (the
// newest one, covering the highest ids), used to compute the new header's
// coverage range; it is ignored when the chain is currently empty.
func (f *FreeList) createAndAllocate(prevOffset uint32, flush bool) (storagepage.PageId, error) {
	newID := f.disk.AllocatePageId()
	offset := uint32(1)
	if f.head != storagepage.NilPageId {
		offset = prevOffset + storagepage.HeaderPagesCoverage
	}

	h := storagepage.NewHeaderPage(newID)
	h.SetOffset(offset)
	h.SetNext(f.head)

	idx, ok := h.AllocateHeader()
	if !ok {
		return 0, errors.New("freelist: fresh header page rejected its own first allocation")
	}

	f.cache[newID] = &headerFrame{header: h, dirty: true}
	f.head = newID

	pageID := storagepage.PageId(offset) + storagepage.PageId(idx)
	if flush {
		if err := f.flushHeaderLocked(newID); err != nil {
			return 0, err
		}
	}
	f.log.WithFields(logrus.Fields{"header_id": newID, "page_id": pageID}).Debug("grew free list chain")
	return pageID, nil
}

// Deallocate marks id free again. Walking an empty chain, or failing to
// find a header covering id, is a returned (non-fatal) error. A double-free
// is detected inside HeaderPage.DeallocateHeader and panics.
func (f *FreeList) Deallocate(id storagepage.PageId, flush bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.head == storagepage.NilPageId {
		return errors.New("freelist: empty, cannot deallocate")
	}

	cur := f.head
	for cur != storagepage.NilPageId {
		frame := f.loadHeader(cur)
		off := storagepage.PageId(frame.header.Offset())
		if id >= off && id < off+storagepage.HeaderPagesCoverage {
			frame.header.DeallocateHeader(uint32(id - off))
			frame.dirty = true
			f.log.WithField("page_id", id).Debug("deallocated page id")
			if flush {
				return f.flushHeaderLocked(cur)
			}
			return nil
		}
		cur = frame.header.Next()
	}
	return errors.Errorf("freelist: no header found covering page id %d", id)
}

// loadHeader returns the cached frame for id, loading it from disk on a
// cache miss. A disk read failure here is fatal: the free list cannot
// function without its own metadata.
func (f *FreeList) loadHeader(id storagepage.PageId) *headerFrame {
	if frame, ok := f.cache[id]; ok {
		return frame
	}
	header, ok := f.disk.ReadPage(id)
	if !ok {
		f.log.WithField("header_id", id).Panic("could not read header page from disk")
	}
	frame := &headerFrame{header: header}
	f.cache[id] = frame
	return frame
}

func (f *FreeList) flushHeaderLocked(id storagepage.PageId) error {
	frame, ok := f.cache[id]
	if !ok || !frame.dirty {
		return nil
	}
	if err := f.disk.WritePage(frame.header); err != nil {
		return errors.Wrapf(err, "freelist: flush header %d", id)
	}
	frame.dirty = false
	return nil
}

// FlushAll writes through every dirty header page.
func (f *FreeList) FlushAll() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for id, frame := range f.cache {
		if !frame.dirty {
			continue
		}
		if err := f.disk.WritePage(frame.header); err != nil {
			return errors.Wrapf(err, "freelist: flush header %d", id)
		}
		frame.dirty = false
	}
	return nil
}
