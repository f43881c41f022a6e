package hub

import (
	"sync/atomic"

	"github.com/cellhub/cellhub/internal/memview"
)

// Byte offsets within SizeClassHeader.
const (
	offSlotSize         = 0
	offCurrentSlotCount = 8
	offFreeHead         = 16
	offSlotAvailable    = 24
	offAllocatedCount   = 28
	offFreedCount       = 32
)

// Byte offsets within the extent header that immediately follows a
// SizeClassHeader.
const (
	offExtentClassID          = 0
	offExtentSlotCount        = 4
	offExtentFirstGlobalIndex = 8
)

// Byte offsets within SlotMeta.
const (
	offSlotState     = 0
	offSlotGen       = 4
	offSlotOwnerPeer = 8
	offSlotPayload   = 12
)

// SlotState is the lifecycle state of one payload slot (§4.2).
type SlotState uint32

const (
	SlotFree SlotState = iota
	SlotAllocated
	SlotInFlight
)

func (s SlotState) String() string {
	switch s {
	case SlotFree:
		return "Free"
	case SlotAllocated:
		return "Allocated"
	case SlotInFlight:
		return "InFlight"
	default:
		return "Unknown"
	}
}

// SizeClassView is a typed view of one SizeClassHeader plus its (single,
// v1) extent and slot array.
type SizeClassView struct {
	classID    int
	headerBuf  []byte
	extentBuf  []byte
	slotSize   uint32
	slotCount  uint32
	firstIndex uint32
	slotsBuf   []byte
}

// SizeClass returns the view for size class index i (0-based, ascending
// by slot size).
func (h *Hub) SizeClass(i int) SizeClassView {
	buf := h.view()
	base := SizeClassRegionOffset(h.maxPeers, h.ringCap)
	for c := 0; c < i; c++ {
		sc := h.classes[c]
		base += SlotClassTotalBytes(uint32(sc.SlotSize), sc.SlotCount)
	}

	headerBuf := buf[base : base+SizeClassHeaderSize]
	extentOff := base + SizeClassHeaderSize
	extentBuf := buf[extentOff : extentOff+ExtentHeaderSize]

	sc := h.classes[i]
	slotsOff := extentOff + ExtentHeaderSize
	slotStride := int64(SlotMetaSize) + int64(sc.SlotSize)
	slotsBuf := buf[slotsOff : slotsOff+int64(sc.SlotCount)*slotStride]

	return SizeClassView{
		classID:    i,
		headerBuf:  headerBuf,
		extentBuf:  extentBuf,
		slotSize:   uint32(sc.SlotSize),
		slotCount:  sc.SlotCount,
		firstIndex: 0,
		slotsBuf:   slotsBuf,
	}
}

func (v SizeClassView) ClassID() int       { return v.classID }
func (v SizeClassView) SlotSize() uint32   { return v.slotSize }
func (v SizeClassView) SlotCount() uint32  { return v.slotCount }
func (v SizeClassView) FreeHead() *atomic.Uint64 {
	return memview.U64(v.headerBuf, offFreeHead)
}
func (v SizeClassView) SlotAvailable() *atomic.Uint32 {
	return memview.U32(v.headerBuf, offSlotAvailable)
}
func (v SizeClassView) AllocatedCount() *atomic.Uint32 {
	return memview.U32(v.headerBuf, offAllocatedCount)
}
func (v SizeClassView) FreedCount() *atomic.Uint64 {
	return memview.U64(v.headerBuf, offFreedCount)
}

// Slot returns the view of the slot at the given global index within this
// class (global index is local to the class since v1 has exactly one
// extent per class; §4.1 reserves room for more).
func (v SizeClassView) Slot(index uint32) SlotView {
	stride := int64(SlotMetaSize) + int64(v.slotSize)
	off := int64(index) * stride
	buf := v.slotsBuf[off : off+stride]
	return SlotView{buf: buf, payloadCap: v.slotSize}
}

func (v SizeClassView) writeCreated(classID int) {
	memview.PutU32(v.headerBuf, offSlotSize, v.slotSize)
	memview.U32(v.headerBuf, offCurrentSlotCount).Store(v.slotCount)
	memview.U32(v.headerBuf, offSlotAvailable).Store(v.slotCount)
	memview.U32(v.headerBuf, offAllocatedCount).Store(0)
	memview.U64(v.headerBuf, offFreedCount).Store(0)

	memview.PutU32(v.extentBuf, offExtentClassID, uint32(classID))
	memview.PutU32(v.extentBuf, offExtentSlotCount, v.slotCount)
	memview.PutU32(v.extentBuf, offExtentFirstGlobalIndex, 0)

	// Link every slot into the free stack in reverse, so the first alloc
	// returns index 0 (§4.1).
	var head uint64
	for idx := int64(v.slotCount) - 1; idx >= 0; idx-- {
		s := v.Slot(uint32(idx))
		s.state().Store(uint32(SlotFree))
		s.generation().Store(0)
		s.ownerPeer().Store(0)
		s.payloadLen().Store(0)
		s.setNext(head)
		head = encodeFreeHead(0, uint32(idx))
	}
	v.FreeHead().Store(head)
}

// SlotView is a typed view of one SlotMeta plus its trailing payload
// bytes. The first 8 bytes of the payload region double as the free-stack
// "next" pointer while the slot is Free (the payload is otherwise unused
// at that point), avoiding a separate intrusive-list field in SlotMeta.
type SlotView struct {
	buf        []byte
	payloadCap uint32
}

func (s SlotView) state() *atomic.Uint32      { return memview.U32(s.buf, offSlotState) }
func (s SlotView) generation() *atomic.Uint32 { return memview.U32(s.buf, offSlotGen) }
func (s SlotView) ownerPeer() *atomic.Uint32  { return memview.U32(s.buf, offSlotOwnerPeer) }
func (s SlotView) payloadLen() *atomic.Uint32 { return memview.U32(s.buf, offSlotPayload) }

// Payload returns the slot's payload bytes, sliced to PayloadLen.
func (s SlotView) Payload() []byte {
	n := s.payloadLen().Load()
	return s.buf[SlotMetaSize : SlotMetaSize+n]
}

// PayloadCap returns the slot's fixed capacity (the owning class's slot
// size).
func (s SlotView) PayloadCap() uint32 { return s.payloadCap }

// PayloadBuf returns the full-capacity payload buffer for writing.
func (s SlotView) PayloadBuf() []byte {
	return s.buf[SlotMetaSize : SlotMetaSize+s.payloadCap]
}

func (s SlotView) next() uint64 {
	return memview.GetU64(s.buf, SlotMetaSize)
}

func (s SlotView) setNext(v uint64) {
	memview.PutU64(s.buf, SlotMetaSize, v)
}

// State, Generation, OwnerPeer, PayloadLen are the exported atomic
// accessors the alloc package's CAS loops operate on directly.
func (s SlotView) State() *atomic.Uint32      { return s.state() }
func (s SlotView) Generation() *atomic.Uint32 { return s.generation() }
func (s SlotView) OwnerPeer() *atomic.Uint32  { return s.ownerPeer() }
func (s SlotView) PayloadLen() *atomic.Uint32 { return s.payloadLen() }
func (s SlotView) Next() uint64               { return s.next() }
func (s SlotView) SetNext(v uint64)           { s.setNext(v) }

// encodeFreeHead packs a tagged free-stack head: (tag<<32)|index.
func encodeFreeHead(tag uint32, index uint32) uint64 {
	return uint64(tag)<<32 | uint64(index)
}

// DecodeFreeHead unpacks a tagged free-stack head into (tag, index).
func DecodeFreeHead(v uint64) (tag uint32, index uint32) {
	return uint32(v >> 32), uint32(v)
}

// EncodeFreeHead is the exported counterpart used by the alloc package's
// CAS loop to build the next head value.
func EncodeFreeHead(tag uint32, index uint32) uint64 {
	return encodeFreeHead(tag, index)
}
