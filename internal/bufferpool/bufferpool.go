// Package bufferpool implements the buffer pool (C5): a bounded,
// pinned, latched, concurrently accessed cache of pages sitting in front of
// a disk manager, a free list, and a replacement strategy.
package bufferpool

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"raincloudb/internal/diskmgr"
	"raincloudb/internal/freelist"
	"raincloudb/internal/replacement"
	"raincloudb/internal/storagepage"
)

var (
	// ErrPageLatched is returned when flushing a page that is currently
	// pinned — flush requires exclusive access to the frame's content.
	ErrPageLatched = errors.New("bufferpool: page is latched (pinned)")
	// ErrPageAlreadyUnpinned is returned by a second release of the same
	// guard; see DESIGN.md Open Question #2.
	ErrPageAlreadyUnpinned = errors.New("bufferpool: page already unpinned")
)

type frame[P storagepage.Page] struct {
	page     P
	isDirty  bool
	pinCount atomic.Int32
	latch    sync.RWMutex
}

// BufferPool caches pages of exactly one kind, parameterized by P. A
// database instance owns one pool per cached page kind (data pages and
// index pages each get their own; header pages are cached privately by the
// free list, per spec §9).
type BufferPool[P storagepage.Page] struct {
	mu       sync.RWMutex
	table    map[storagepage.PageId]*frame[P]
	capacity int

	disk     *diskmgr.Manager[P]
	freeList *freelist.FreeList
	strategy replacement.Strategy
	newPage  func(storagepage.PageId) P

	evictMu   sync.Mutex
	evictCond *sync.Cond

	log *logrus.Entry
}

// New constructs a buffer pool of the given capacity over disk, using
// freeList to mint ids for CreatePage and strategy to order eviction
// candidates. newPage constructs an empty page of kind P given a fresh id.
func New[P storagepage.Page](
	disk *diskmgr.Manager[P],
	freeList *freelist.FreeList,
	strategy replacement.Strategy,
	capacity int,
	newPage func(storagepage.PageId) P,
	log *logrus.Entry,
) *BufferPool[P] {
	bp := &BufferPool[P]{
		table:    make(map[storagepage.PageId]*frame[P]),
		capacity: capacity,
		disk:     disk,
		freeList: freeList,
		strategy: strategy,
		newPage:  newPage,
		log:      log.WithField("component", "bufferpool"),
	}
	bp.evictCond = sync.NewCond(&bp.evictMu)
	return bp
}

// Guard is returned by every public fetch/create operation. Its existence
// keeps the underlying frame's pin count >= 1; Unpin must be called exactly
// once, from any exit path, to release it.
type Guard[P storagepage.Page] struct {
	pool     *BufferPool[P]
	frame    *frame[P]
	id       storagepage.PageId
	write    bool
	released atomic.Bool
}

// ID returns the page id this guard was acquired for.
func (g *Guard[P]) ID() storagepage.PageId { return g.id }

// Page returns the underlying page content. Callers holding a read guard
// must not mutate it; callers holding a write guard have exclusive access.
func (g *Guard[P]) Page() P { return g.frame.page }

// Unpin releases the guard: the per-frame latch is released and the pin
// count is decremented. On a pin-count transition to zero the pool's
// eviction waiters are signalled. A second call returns
// ErrPageAlreadyUnpinned instead of corrupting the pin count.
func (g *Guard[P]) Unpin() error {
	if !g.released.CompareAndSwap(false, true) {
		return ErrPageAlreadyUnpinned
	}
	if g.write {
		g.frame.latch.Unlock()
	} else {
		g.frame.latch.RUnlock()
	}
	if g.frame.pinCount.Add(-1) == 0 {
		g.pool.evictMu.Lock()
		g.pool.evictCond.Broadcast()
		g.pool.evictMu.Unlock()
	}
	return nil
}

func (bp *BufferPool[P]) pin(id storagepage.PageId, fr *frame[P]) {
	fr.pinCount.Add(1)
	bp.strategy.Update(id)
}

func (bp *BufferPool[P]) makeGuard(id storagepage.PageId, fr *frame[P], write bool) *Guard[P] {
	if write {
		fr.latch.Lock()
		fr.isDirty = true
	} else {
		fr.latch.RLock()
	}
	return &Guard[P]{pool: bp, frame: fr, id: id, write: write}
}

func (bp *BufferPool[P]) atCapacity() bool {
	bp.mu.RLock()
	defer bp.mu.RUnlock()
	return len(bp.table) >= bp.capacity
}

// FetchPage returns a guard over a resident or disk-backed page, evicting a
// victim to make room if the pool is at capacity. write selects whether the
// guard takes the frame's write or read latch.
func (bp *BufferPool[P]) FetchPage(id storagepage.PageId, write bool) (*Guard[P], error) {
	bp.mu.RLock()
	fr, ok := bp.table[id]
	bp.mu.RUnlock()
	if ok {
		bp.pin(id, fr)
		return bp.makeGuard(id, fr, write), nil
	}

	page, ok := bp.disk.ReadPage(id)
	if !ok {
		return nil, storagepage.ErrInvalidPage
	}

	for bp.atCapacity() {
		if err := bp.evictOne(); err != nil {
			return nil, err
		}
	}

	bp.mu.Lock()
	if fr, ok := bp.table[id]; ok {
		bp.mu.Unlock()
		bp.pin(id, fr)
		return bp.makeGuard(id, fr, write), nil
	}
	fr = &frame[P]{page: page}
	fr.pinCount.Store(1)
	bp.table[id] = fr
	bp.mu.Unlock()

	bp.strategy.Update(id)
	bp.log.WithField("page_id", id).Debug("fetched page from disk")
	return bp.makeGuard(id, fr, write), nil
}

// CreatePage allocates a fresh id from the free list, constructs an empty
// page, evicts to make room if necessary, and installs it dirty (a new
// page must eventually hit disk).
func (bp *BufferPool[P]) CreatePage() (*Guard[P], error) {
	id, err := bp.freeList.Allocate(false)
	if err != nil {
		return nil, err
	}
	page := bp.newPage(id)

	for bp.atCapacity() {
		if err := bp.evictOne(); err != nil {
			return nil, err
		}
	}

	bp.mu.Lock()
	if fr, ok := bp.table[id]; ok {
		bp.mu.Unlock()
		bp.pin(id, fr)
		return bp.makeGuard(id, fr, true), nil
	}
	fr := &frame[P]{page: page, isDirty: true}
	fr.pinCount.Store(1)
	bp.table[id] = fr
	bp.mu.Unlock()

	bp.strategy.Update(id)
	bp.log.WithField("page_id", id).Debug("created page")
	return bp.makeGuard(id, fr, true), nil
}

// evictOne picks and removes one unpinned victim, flushing it first if
// dirty. It blocks on the eviction condition variable if every resident
// frame is currently pinned, and retries once woken. The table lock is
// never held across disk I/O.
func (bp *BufferPool[P]) evictOne() error {
	for {
		candidates := bp.strategy.Evict()
		for _, id := range candidates {
			bp.mu.RLock()
			fr, ok := bp.table[id]
			bp.mu.RUnlock()
			if !ok || fr.pinCount.Load() != 0 {
				continue
			}

			fr.latch.Lock()
			wasDirty := fr.isDirty
			fr.isDirty = false
			page := fr.page
			fr.latch.Unlock()

			if wasDirty {
				if err := bp.disk.WritePage(page); err != nil {
					return errors.Wrap(err, "bufferpool: flush victim during eviction")
				}
			}

			bp.mu.Lock()
			cur, ok := bp.table[id]
			if ok && cur == fr && cur.pinCount.Load() == 0 {
				delete(bp.table, id)
				bp.strategy.Remove(id)
				bp.mu.Unlock()
				bp.log.WithField("page_id", id).Debug("evicted page")
				return nil
			}
			bp.mu.Unlock() // lost the race (repinned or already evicted); try the next candidate
		}

		bp.evictMu.Lock()
		bp.evictCond.Wait()
		bp.evictMu.Unlock()
	}
}

// FlushPage writes a resident dirty page through to disk and clears its
// dirty bit. It is a no-op if the page is resident but clean, and an error
// if the page is not resident or is currently pinned.
func (bp *BufferPool[P]) FlushPage(id storagepage.PageId) error {
	bp.mu.RLock()
	fr, ok := bp.table[id]
	bp.mu.RUnlock()
	if !ok {
		return storagepage.ErrInvalidPage
	}
	if fr.pinCount.Load() != 0 {
		return ErrPageLatched
	}

	fr.latch.Lock()
	defer fr.latch.Unlock()
	if !fr.isDirty {
		return nil
	}
	if err := bp.disk.WritePage(fr.page); err != nil {
		return errors.Wrapf(err, "bufferpool: flush page %d", id)
	}
	fr.isDirty = false
	return nil
}

// FlushAll writes through every unpinned dirty frame. Pinned dirty frames
// are skipped — a checkpoint contract would need quiescence, which this
// design does not provide.
func (bp *BufferPool[P]) FlushAll() error {
	bp.mu.RLock()
	frames := make([]*frame[P], 0, len(bp.table))
	for _, fr := range bp.table {
		frames = append(frames, fr)
	}
	bp.mu.RUnlock()

	for _, fr := range frames {
		if fr.pinCount.Load() != 0 {
			continue
		}
		fr.latch.Lock()
		if fr.isDirty {
			if err := bp.disk.WritePage(fr.page); err != nil {
				fr.latch.Unlock()
				return errors.Wrap(err, "bufferpool: flush all")
			}
			fr.isDirty = false
		}
		fr.latch.Unlock()
	}
	return nil
}

// FreePage marks id free in the free list and drops it from the resident
// table if present; no disk write of its content is required.
func (bp *BufferPool[P]) FreePage(id storagepage.PageId, flush bool) error {
	if err := bp.freeList.Deallocate(id, flush); err != nil {
		return err
	}
	bp.mu.Lock()
	if _, ok := bp.table[id]; ok {
		delete(bp.table, id)
		bp.strategy.Remove(id)
	}
	bp.mu.Unlock()
	bp.log.WithField("page_id", id).Debug("freed page")
	return nil
}

// Len reports the number of currently resident frames (for tests asserting
// the capacity invariant).
func (bp *BufferPool[P]) Len() int {
	bp.mu.RLock()
	defer bp.mu.RUnlock()
	return len(bp.table)
}
