// Package diskmgr implements the disk manager (C2): positioned reads and
// writes of whole pages in a single backing file, with monotonic page id
// allocation. One instance exists per page kind per database.
package diskmgr

import (
	"os"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"raincloudb/internal/storagepage"
)

// DeserializeFunc reconstructs a page of type P from its raw on-disk bytes.
type DeserializeFunc[P storagepage.Page] func([]byte) (P, bool)

// Manager serializes reads and writes of one page kind against one file.
// Concurrent callers serialize on I/O but not on CPU: the mutex is held
// only across the seek+read or seek+write pair.
type Manager[P storagepage.Page] struct {
	mu          sync.Mutex
	file        *os.File
	nextID      atomic.Uint64
	deserialize DeserializeFunc[P]
}

// Open opens (creating if absent) the backing file at path and seeds the
// next-id counter from its length: page ids are dense from 1 up. Id 0 is
// never handed out — it is storagepage.NilPageId, the sentinel every page
// kind uses for "no next page"/"no such page", so a real page must never
// collide with it.
func Open[P storagepage.Page](path string, deserialize DeserializeFunc[P]) (*Manager[P], error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "diskmgr: open %s", path)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrapf(err, "diskmgr: stat %s", path)
	}

	m := &Manager[P]{file: f, deserialize: deserialize}
	next := uint64(info.Size()) / storagepage.PageSize
	if next < 1 {
		next = 1
	}
	m.nextID.Store(next)
	return m, nil
}

// ReadPage seeks to id*PageSize, reads exactly PageSize bytes, and
// deserializes them. Any I/O or deserialization failure returns ok=false.
func (m *Manager[P]) ReadPage(id storagepage.PageId) (page P, ok bool) {
	buf := make([]byte, storagepage.PageSize)
	m.mu.Lock()
	_, err := m.file.ReadAt(buf, int64(id)*storagepage.PageSize)
	m.mu.Unlock()
	if err != nil {
		var zero P
		return zero, false
	}
	return m.deserialize(buf)
}

// WritePage seeks to page.ID()*PageSize and writes exactly PageSize bytes.
// I/O failures are fatal: they panic with the error wrapped with a stack
// trace, per spec §7.
func (m *Manager[P]) WritePage(page P) error {
	buf := page.Serialize()
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.file.WriteAt(buf[:], int64(page.ID())*storagepage.PageSize); err != nil {
		panic(errors.Wrapf(err, "diskmgr: write page %d", page.ID()))
	}
	return nil
}

// AllocatePageId returns the current counter value, then atomically
// increments it. Ids handed out here are monotone and never reused by this
// path — reuse is the free list's job.
func (m *Manager[P]) AllocatePageId() storagepage.PageId {
	id := m.nextID.Add(1) - 1
	return storagepage.PageId(id)
}

// Close releases the backing file.
func (m *Manager[P]) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.file.Close()
}
