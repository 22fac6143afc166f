// Package replacement implements the pluggable replacement strategy (C4):
// victim selection over resident pages, producing eviction candidates in
// preference order. LRU is the default and only built-in strategy.
package replacement

import (
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/pkg/errors"

	"raincloudb/internal/storagepage"
)

// Kind names a concrete replacement strategy.
type Kind string

// LRU is the only built-in kind.
const LRU Kind = "lru"

// Strategy is consulted by the buffer pool: Update is called whenever a
// page is fetched or created, and Evict returns candidates in preference
// order — oldest/least-recently-used first. The pool picks the first
// candidate that is currently unpinned.
type Strategy interface {
	Update(id storagepage.PageId)
	Remove(id storagepage.PageId)
	Evict() []storagepage.PageId
}

// New constructs the strategy named by kind, sized to capacity resident
// pages.
func New(kind Kind, capacity int) (Strategy, error) {
	switch kind {
	case LRU, "":
		return newLRU(capacity)
	default:
		return nil, errors.Errorf("replacement: unknown strategy %q", kind)
	}
}

// lruStrategy orders candidates by most-recently-used, backed by the
// maintained generic LRU implementation rather than a hand-rolled
// container/list ordered map. Capacity mirrors the buffer pool's capacity;
// the strategy only orders candidates, it never evicts anything itself.
type lruStrategy struct {
	mu  sync.Mutex
	lru *simplelru.LRU[storagepage.PageId, struct{}]
}

func newLRU(capacity int) (*lruStrategy, error) {
	if capacity < 1 {
		capacity = 1
	}
	lru, err := simplelru.NewLRU[storagepage.PageId, struct{}](capacity, nil)
	if err != nil {
		return nil, errors.Wrap(err, "replacement: construct lru")
	}
	return &lruStrategy{lru: lru}, nil
}

func (s *lruStrategy) Update(id storagepage.PageId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lru.Add(id, struct{}{})
}

func (s *lruStrategy) Remove(id storagepage.PageId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lru.Remove(id)
}

// Evict returns a snapshot of resident page ids ordered oldest-first.
func (s *lruStrategy) Evict() []storagepage.PageId {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Keys()
}
