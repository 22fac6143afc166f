// Package storageengine wires the disk managers, free lists, buffer pools,
// and B+-tree index into a single database instance: a key-value table
// heap backed by a chain of data pages, indexed by a unique-key B+-tree.
// SQL parsing, planning, and execution are out of scope here; this is the
// storage core those layers would sit on top of.
package storageengine

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"raincloudb/internal/btree"
	"raincloudb/internal/bufferpool"
	"raincloudb/internal/diskmgr"
	"raincloudb/internal/freelist"
	"raincloudb/internal/replacement"
	"raincloudb/internal/storagepage"
)

// Config configures an instance of the storage engine. Unlike the SQL
// layer's catalog, this carries no schema or table metadata — callers
// address records purely by int64 key.
type Config struct {
	DatabaseDir string
	// BufferPoolCapacity bounds each of the two pools (data, index)
	// independently: the engine never shares frames between page kinds.
	BufferPoolCapacity int
	// ReplacementStrategy selects the pluggable victim-selection policy;
	// the zero value resolves to LRU.
	ReplacementStrategy replacement.Kind
	// InternalMaxKeys and LeafMaxKeys bound B+-tree node fan-out. Zero
	// selects a conservative default well under the physical capacities.
	InternalMaxKeys int
	LeafMaxKeys     int
}

func (c Config) withDefaults() Config {
	if c.BufferPoolCapacity <= 0 {
		c.BufferPoolCapacity = 64
	}
	if c.InternalMaxKeys <= 0 {
		c.InternalMaxKeys = 64
	}
	if c.LeafMaxKeys <= 0 {
		c.LeafMaxKeys = 32
	}
	return c
}

// StorageEngine is one open database: two independent page caches (data,
// index), each fronting its own disk file and free list, plus a B+-tree
// mapping keys to record ids in the data heap.
type StorageEngine struct {
	InstanceID uuid.UUID

	cfg Config
	log *logrus.Entry

	dataDisk       *diskmgr.Manager[*storagepage.DataPage]
	dataHeaderDisk *diskmgr.Manager[*storagepage.HeaderPage]
	dataFreeList   *freelist.FreeList
	dataPool       *bufferpool.BufferPool[*storagepage.DataPage]

	indexDisk       *diskmgr.Manager[*storagepage.IndexPage]
	indexHeaderDisk *diskmgr.Manager[*storagepage.HeaderPage]
	indexFreeList   *freelist.FreeList
	indexPool       *bufferpool.BufferPool[*storagepage.IndexPage]

	tree *btree.BPlusTree

	heapMu   sync.Mutex
	heapHead storagepage.PageId
	heapTail storagepage.PageId
}

const metaFileName = "meta"

// Open opens (creating if absent) a database rooted at cfg.DatabaseDir.
func Open(cfg Config) (*StorageEngine, error) {
	cfg = cfg.withDefaults()
	if cfg.DatabaseDir == "" {
		return nil, errors.New("storageengine: DatabaseDir is required")
	}
	if err := os.MkdirAll(cfg.DatabaseDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "storageengine: create database directory")
	}

	instanceID := uuid.New()
	log := logrus.WithFields(logrus.Fields{
		"component":   "storageengine",
		"instance_id": instanceID,
	})

	dataDisk, err := diskmgr.Open(filepath.Join(cfg.DatabaseDir, "data.db"), storagepage.DeserializeDataPage)
	if err != nil {
		return nil, err
	}
	dataHeaderDisk, err := diskmgr.Open(filepath.Join(cfg.DatabaseDir, "data.hdr"), storagepage.DeserializeHeaderPage)
	if err != nil {
		return nil, err
	}
	indexDisk, err := diskmgr.Open(filepath.Join(cfg.DatabaseDir, "index.db"), storagepage.DeserializeIndexPage)
	if err != nil {
		return nil, err
	}
	indexHeaderDisk, err := diskmgr.Open(filepath.Join(cfg.DatabaseDir, "index.hdr"), storagepage.DeserializeHeaderPage)
	if err != nil {
		return nil, err
	}

	dataFreeList := freelist.New(dataHeaderDisk, log)
	indexFreeList := freelist.New(indexHeaderDisk, log)

	dataStrategy, err := replacement.New(cfg.ReplacementStrategy, cfg.BufferPoolCapacity)
	if err != nil {
		return nil, err
	}
	indexStrategy, err := replacement.New(cfg.ReplacementStrategy, cfg.BufferPoolCapacity)
	if err != nil {
		return nil, err
	}

	dataPool := bufferpool.New(dataDisk, dataFreeList, dataStrategy, cfg.BufferPoolCapacity, storagepage.NewDataPage, log)
	indexPool := bufferpool.New(indexDisk, indexFreeList, indexStrategy, cfg.BufferPoolCapacity,
		func(id storagepage.PageId) *storagepage.IndexPage { return storagepage.NewLeafIndexPage(id) }, log)

	se := &StorageEngine{
		InstanceID:      instanceID,
		cfg:             cfg,
		log:             log,
		dataDisk:        dataDisk,
		dataHeaderDisk:  dataHeaderDisk,
		dataFreeList:    dataFreeList,
		dataPool:        dataPool,
		indexDisk:       indexDisk,
		indexHeaderDisk: indexHeaderDisk,
		indexFreeList:   indexFreeList,
		indexPool:       indexPool,
	}

	meta, existed, err := se.loadMeta()
	if err != nil {
		return nil, err
	}
	if existed {
		se.heapHead = meta.heapHead
		se.heapTail = meta.heapTail
		se.tree = btree.Open(indexPool, meta.treeRoot, cfg.InternalMaxKeys, cfg.LeafMaxKeys, log)
		log.WithFields(logrus.Fields{"heap_head": se.heapHead, "heap_tail": se.heapTail, "tree_root": meta.treeRoot}).
			Info("reopened existing database")
		return se, nil
	}

	tree, err := btree.New(indexPool, cfg.InternalMaxKeys, cfg.LeafMaxKeys, log)
	if err != nil {
		return nil, err
	}
	se.tree = tree

	headGuard, err := dataPool.CreatePage()
	if err != nil {
		return nil, err
	}
	se.heapHead = headGuard.ID()
	se.heapTail = headGuard.ID()
	if err := headGuard.Unpin(); err != nil {
		return nil, err
	}

	if err := se.persistMeta(); err != nil {
		return nil, err
	}
	log.WithFields(logrus.Fields{"heap_head": se.heapHead, "tree_root": tree.Root()}).Info("initialized new database")
	return se, nil
}

type meta struct {
	heapHead storagepage.PageId
	heapTail storagepage.PageId
	treeRoot storagepage.PageId
}

func (se *StorageEngine) metaPath() string {
	return filepath.Join(se.cfg.DatabaseDir, metaFileName)
}

func (se *StorageEngine) loadMeta() (meta, bool, error) {
	buf, err := os.ReadFile(se.metaPath())
	if errors.Is(err, os.ErrNotExist) {
		return meta{}, false, nil
	}
	if err != nil {
		return meta{}, false, errors.Wrap(err, "storageengine: read meta")
	}
	if len(buf) != 12 {
		return meta{}, false, errors.New("storageengine: corrupt meta file")
	}
	return meta{
		heapHead: storagepage.PageId(binary.LittleEndian.Uint32(buf[0:4])),
		heapTail: storagepage.PageId(binary.LittleEndian.Uint32(buf[4:8])),
		treeRoot: storagepage.PageId(binary.LittleEndian.Uint32(buf[8:12])),
	}, true, nil
}

func (se *StorageEngine) persistMeta() error {
	var buf [12]byte
	binary.LittleEndian.PutUint32(buf[0:4], uint32(se.heapHead))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(se.heapTail))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(se.tree.Root()))
	if err := os.WriteFile(se.metaPath(), buf[:], 0o644); err != nil {
		return errors.Wrap(err, "storageengine: persist meta")
	}
	return nil
}

// Insert appends record to the table heap and indexes it under key,
// overwriting any existing entry for that key (this is a unique-key
// index). It allocates a new heap page when the current tail is full.
func (se *StorageEngine) Insert(key int64, record []byte) (storagepage.RecordId, error) {
	se.heapMu.Lock()
	defer se.heapMu.Unlock()

	tailGuard, err := se.dataPool.FetchPage(se.heapTail, true)
	if err != nil {
		return storagepage.RecordId{}, err
	}
	tail := tailGuard.Page()

	if slot, ok := tail.InsertRecord(record); ok {
		rid := storagepage.RecordId{PageID: tailGuard.ID(), SlotID: slot}
		tailGuard.Unpin()
		if err := se.tree.Insert(key, rid); err != nil {
			return storagepage.RecordId{}, err
		}
		return rid, nil
	}

	newGuard, err := se.dataPool.CreatePage()
	if err != nil {
		tailGuard.Unpin()
		return storagepage.RecordId{}, err
	}
	tail.SetNextID(newGuard.ID())
	tailGuard.Unpin()

	newPage := newGuard.Page()
	slot, ok := newPage.InsertRecord(record)
	if !ok {
		newGuard.Unpin()
		return storagepage.RecordId{}, errors.New("storageengine: record does not fit in an empty page")
	}
	rid := storagepage.RecordId{PageID: newGuard.ID(), SlotID: slot}
	se.heapTail = newGuard.ID()
	newGuard.Unpin()

	if err := se.persistMeta(); err != nil {
		return storagepage.RecordId{}, err
	}
	if err := se.tree.Insert(key, rid); err != nil {
		return storagepage.RecordId{}, err
	}
	se.log.WithFields(logrus.Fields{"key": key, "page_id": rid.PageID, "slot_id": rid.SlotID}).Debug("inserted record, grew heap")
	return rid, nil
}

// Get returns the record stored under key, or ok=false if absent.
func (se *StorageEngine) Get(key int64) (record []byte, ok bool, err error) {
	rid, found, err := se.tree.Search(key)
	if err != nil || !found {
		return nil, false, err
	}
	guard, err := se.dataPool.FetchPage(rid.PageID, false)
	if err != nil {
		return nil, false, err
	}
	defer guard.Unpin()
	record, ok = guard.Page().GetRecord(rid.SlotID)
	return record, ok, nil
}

// Update overwrites the record stored under key in place. The replacement
// must be exactly the same length as the stored record.
func (se *StorageEngine) Update(key int64, record []byte) error {
	rid, found, err := se.tree.Search(key)
	if err != nil {
		return err
	}
	if !found {
		return errors.Errorf("storageengine: no record for key %d", key)
	}
	guard, err := se.dataPool.FetchPage(rid.PageID, true)
	if err != nil {
		return err
	}
	defer guard.Unpin()
	return guard.Page().UpdateRecord(rid.SlotID, record)
}

// Delete tombstones the record stored under key and removes it from the
// index. Reports whether key was present.
func (se *StorageEngine) Delete(key int64) (bool, error) {
	rid, found, err := se.tree.Search(key)
	if err != nil || !found {
		return false, err
	}
	guard, err := se.dataPool.FetchPage(rid.PageID, true)
	if err != nil {
		return false, err
	}
	if err := guard.Page().DeleteRecord(rid.SlotID); err != nil {
		guard.Unpin()
		return false, err
	}
	guard.Unpin()
	return se.tree.Delete(key)
}

// Entry is one (key, record) pair yielded by Scan.
type Entry struct {
	Key    int64
	Record []byte
}

// Scan returns every live record whose key lies in [lo, hi).
func (se *StorageEngine) Scan(lo, hi int64) ([]Entry, error) {
	rangeEntries, err := se.tree.RangeScan(lo, hi)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(rangeEntries))
	for _, re := range rangeEntries {
		guard, err := se.dataPool.FetchPage(re.RID.PageID, false)
		if err != nil {
			return out, err
		}
		b, ok := guard.Page().GetRecord(re.RID.SlotID)
		guard.Unpin()
		if ok {
			out = append(out, Entry{Key: re.Key, Record: b})
		}
	}
	return out, nil
}

// Deactivate flushes both buffer pools and free lists and closes the
// underlying files. The engine must not be used afterward.
func (se *StorageEngine) Deactivate() error {
	if err := se.persistMeta(); err != nil {
		return err
	}
	if err := se.dataPool.FlushAll(); err != nil {
		return err
	}
	if err := se.indexPool.FlushAll(); err != nil {
		return err
	}
	if err := se.dataFreeList.FlushAll(); err != nil {
		return err
	}
	if err := se.indexFreeList.FlushAll(); err != nil {
		return err
	}
	for _, c := range []interface{ Close() error }{se.dataDisk, se.dataHeaderDisk, se.indexDisk, se.indexHeaderDisk} {
		if err := c.Close(); err != nil {
			return errors.Wrap(err, "storageengine: close")
		}
	}
	se.log.Info("deactivated")
	return nil
}
