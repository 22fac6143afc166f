package storagepage

import "encoding/binary"

// Fixed on-disk layout widths for a data page (spec §6):
//
//	id:4 | next_id:4 | next_slot:1 | free_start:2 | valid_slots:32 | slot directory: MaxSlots*4 | payload
const (
	dataFixedHeaderSize = 4 + 4 + 1 + 2 + validSlotsBitmapSize
	validSlotsBitmapSize = 32
	slotDirEntrySize      = 4 // offset:u16, length:u16
	dataSlotDirSize       = MaxSlots * slotDirEntrySize
	// DataPayloadSize is the number of bytes available for record storage.
	DataPayloadSize = PageSize - dataFixedHeaderSize - dataSlotDirSize
)

type slotEntry struct {
	offset uint16
	length uint16
}

func (s slotEntry) absent() bool { return s.offset == 0 && s.length == 0 }

// DataPage is a slotted heap page: the table-heap node. Records grow
// downward from the end of the payload region; the slot directory grows
// forward as next_slot advances. Deletes tombstone the valid bit only — the
// directory entry and byte range are never reclaimed.
type DataPage struct {
	id         PageId
	nextID     PageId
	nextSlot   SlotId
	freeStart  uint16 // offset within payload where free space ends, records begin
	validSlots [validSlotsBitmapSize]byte
	slots      [MaxSlots]slotEntry
	payload    [DataPayloadSize]byte
}

// NewDataPage constructs an empty data page with the given id.
func NewDataPage(id PageId) *DataPage {
	return &DataPage{
		id:        id,
		freeStart: DataPayloadSize,
	}
}

func (p *DataPage) ID() PageId { return p.id }

// NextID returns the next page in the heap chain, or NilPageId at the tail.
func (p *DataPage) NextID() PageId { return p.nextID }

// SetNextID links this page to the next page in its heap chain.
func (p *DataPage) SetNextID(id PageId) { p.nextID = id }

func (p *DataPage) setValid(slot SlotId)   { p.validSlots[slot/8] |= 1 << (slot % 8) }
func (p *DataPage) clearValid(slot SlotId) { p.validSlots[slot/8] &^= 1 << (slot % 8) }
func (p *DataPage) isValid(slot SlotId) bool {
	return p.validSlots[slot/8]&(1<<(slot%8)) != 0
}

// InsertRecord copies bytes into the page and returns the slot it occupies.
// Fails (ok=false) when the slot directory is full or the record does not
// fit in the currently free prefix of the payload; no partial write occurs.
func (p *DataPage) InsertRecord(record []byte) (slot SlotId, ok bool) {
	if p.nextSlot == MaxSlots {
		return 0, false
	}
	if len(record) > int(p.freeStart) {
		return 0, false
	}

	newFreeStart := p.freeStart - uint16(len(record))
	copy(p.payload[newFreeStart:p.freeStart], record)

	slot = p.nextSlot
	p.slots[slot] = slotEntry{offset: newFreeStart, length: uint16(len(record))}
	p.setValid(slot)
	p.freeStart = newFreeStart
	p.nextSlot++
	return slot, true
}

// GetRecord returns a copy of the record's bytes iff the slot is live.
func (p *DataPage) GetRecord(slot SlotId) ([]byte, bool) {
	if int(slot) >= MaxSlots || !p.isValid(slot) {
		return nil, false
	}
	e := p.slots[slot]
	if e.absent() {
		return nil, false
	}
	out := make([]byte, e.length)
	copy(out, p.payload[e.offset:e.offset+e.length])
	return out, true
}

// UpdateRecord overwrites a live record's bytes in place. The new record
// must be exactly the same length as the existing one; size-changing
// updates are refused so callers can delete-and-reinsert instead.
func (p *DataPage) UpdateRecord(slot SlotId, record []byte) error {
	if int(slot) >= MaxSlots || !p.isValid(slot) {
		return ErrInvalidSlot
	}
	e := p.slots[slot]
	if e.absent() {
		return ErrInvalidSlot
	}
	if int(e.length) != len(record) {
		return ErrRecordSizeChanged
	}
	copy(p.payload[e.offset:e.offset+e.length], record)
	return nil
}

// DeleteRecord tombstones a slot: the valid bit is cleared, but the
// directory entry and byte range are left untouched (compaction is
// explicitly deferred).
func (p *DataPage) DeleteRecord(slot SlotId) error {
	if int(slot) >= MaxSlots || !p.isValid(slot) {
		return ErrInvalidSlot
	}
	p.clearValid(slot)
	return nil
}

// RecordEntry pairs a slot with its live bytes, yielded by IterRecords.
type RecordEntry struct {
	Slot  SlotId
	Bytes []byte
}

// IterRecords returns all live records in ascending slot order.
func (p *DataPage) IterRecords() []RecordEntry {
	var out []RecordEntry
	for s := SlotId(0); s < p.nextSlot; s++ {
		if b, ok := p.GetRecord(s); ok {
			out = append(out, RecordEntry{Slot: s, Bytes: b})
		}
	}
	return out
}

// FreeSpace reports the number of bytes available to the next insert.
func (p *DataPage) FreeSpace() int { return int(p.freeStart) }

// IsEmpty reports whether no record has ever been inserted into this page.
func (p *DataPage) IsEmpty() bool { return p.nextSlot == 0 }

// Serialize produces the total, fixed-size on-disk representation.
func (p *DataPage) Serialize() [PageSize]byte {
	var buf [PageSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], uint32(p.id))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(p.nextID))
	buf[8] = byte(p.nextSlot)
	binary.LittleEndian.PutUint16(buf[9:11], p.freeStart)
	copy(buf[11:11+validSlotsBitmapSize], p.validSlots[:])

	dirStart := dataFixedHeaderSize
	for i, s := range p.slots {
		off := dirStart + i*slotDirEntrySize
		binary.LittleEndian.PutUint16(buf[off:off+2], s.offset)
		binary.LittleEndian.PutUint16(buf[off+2:off+4], s.length)
	}

	payloadStart := dataFixedHeaderSize + dataSlotDirSize
	copy(buf[payloadStart:], p.payload[:])
	return buf
}

// DeserializeDataPage reconstructs a data page from its on-disk form,
// rejecting any declared offsets/lengths that would exceed the payload.
func DeserializeDataPage(buf []byte) (*DataPage, bool) {
	if len(buf) < PageSize {
		return nil, false
	}

	p := &DataPage{}
	p.id = PageId(binary.LittleEndian.Uint32(buf[0:4]))
	p.nextID = PageId(binary.LittleEndian.Uint32(buf[4:8]))
	p.nextSlot = SlotId(buf[8])
	p.freeStart = binary.LittleEndian.Uint16(buf[9:11])
	if int(p.freeStart) > DataPayloadSize {
		return nil, false
	}
	copy(p.validSlots[:], buf[11:11+validSlotsBitmapSize])

	dirStart := dataFixedHeaderSize
	for i := range p.slots {
		off := dirStart + i*slotDirEntrySize
		o := binary.LittleEndian.Uint16(buf[off : off+2])
		l := binary.LittleEndian.Uint16(buf[off+2 : off+4])
		if int(o)+int(l) > DataPayloadSize {
			return nil, false
		}
		p.slots[i] = slotEntry{offset: o, length: l}
	}

	payloadStart := dataFixedHeaderSize + dataSlotDirSize
	copy(p.payload[:], buf[payloadStart:payloadStart+DataPayloadSize])
	return p, true
}
