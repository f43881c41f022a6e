// Package ring implements the single-producer/single-consumer descriptor
// ring that carries payload references between one host and one cell, in
// one direction (§3, §4.3 of the specification this module implements).
// Each peer has two rings: one the peer produces into and the host
// consumes (send), one the host produces into and the peer consumes
// (recv).
package ring

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cellhub/cellhub/futex"
	"github.com/cellhub/cellhub/hub"
	"github.com/cellhub/cellhub/internal/memview"
)

// Byte offsets within DescRingHeader. capacity and the producer/consumer
// cursors each sit on their own 64-byte span so that a busy producer and a
// busy consumer never bounce the same cacheline (§4.3).
const (
	offCapacity    = 0
	offVisibleHead = 64
	offTail        = 128
)

// Flags on a Desc.
type Flags uint32

const (
	FlagNone Flags = 0
	// FlagRequest opens a channel: the payload is a method call envelope.
	FlagRequest Flags = 1 << iota
	// FlagResponse carries the final reply to a FlagRequest frame.
	FlagResponse
	// FlagData carries one chunk of a streaming response or request.
	FlagData
	// FlagEOS marks the final descriptor of a stream on this channel.
	FlagEOS
	// FlagCancel requests the peer abandon the referenced channel.
	FlagCancel
	// FlagError marks the descriptor's payload as an rpc.Error instead of
	// a normal response/data frame.
	FlagError
)

// Byte offsets within a 64-byte Desc.
const (
	offChannelID     = 0
	offCorrelationID = 8
	offSlotRef       = 16
	offPayloadLen    = 20
	offFlags         = 24
	offGeneration    = 28
)

// Desc is the decoded form of one ring slot: a reference to a payload slot
// in the alloc region, never the payload itself.
type Desc struct {
	ChannelID     uint64
	CorrelationID uint64
	SlotRefBits   uint32
	PayloadLen    uint32
	Flags         Flags
	Generation    uint32
}

// Ring is a view of one DescRingHeader plus its descriptor array, backed
// by a hub's mapped region. fullFutex is the word producers park on when
// the ring is full; it belongs to the consuming side's PeerEntry
// (§4.3) and is supplied by the caller that knows which peer this ring
// belongs to.
type Ring struct {
	h         *hub.Hub
	offset    int64
	capacity  uint32
	fullFutex *atomic.Uint32
}

// Open returns the Ring at the given byte offset within h's mapped
// region, with the given capacity (read from the hub's runtime config)
// and the futex word producers should park on when full.
func Open(h *hub.Hub, offset int64, capacity uint32, fullFutex *atomic.Uint32) *Ring {
	return &Ring{h: h, offset: offset, capacity: capacity, fullFutex: fullFutex}
}

func (r *Ring) buf() []byte {
	buf := r.h.View()
	return buf[r.offset : r.offset+hub.RingBytes(r.capacity)]
}

func (r *Ring) headerBuf() []byte {
	return r.buf()[:hub.RingHeaderSize]
}

func (r *Ring) descBuf(i uint32) []byte {
	off := int64(hub.RingHeaderSize) + int64(i%r.capacity)*int64(hub.DescSize)
	return r.buf()[off : off+hub.DescSize]
}

func (r *Ring) visibleHead() *atomic.Uint32 { return memview.U32(r.headerBuf(), offVisibleHead) }
func (r *Ring) tail() *atomic.Uint32        { return memview.U32(r.headerBuf(), offTail) }

// Capacity returns the ring's fixed descriptor capacity.
func (r *Ring) Capacity() uint32 { return r.capacity }

// Len returns the number of descriptors currently enqueued.
func (r *Ring) Len() uint32 {
	return r.visibleHead().Load() - r.tail().Load()
}

func writeDesc(buf []byte, d Desc) {
	memview.PutU64(buf, offChannelID, d.ChannelID)
	memview.PutU64(buf, offCorrelationID, d.CorrelationID)
	memview.PutU32(buf, offSlotRef, d.SlotRefBits)
	memview.PutU32(buf, offPayloadLen, d.PayloadLen)
	memview.PutU32(buf, offFlags, uint32(d.Flags))
	memview.PutU32(buf, offGeneration, d.Generation)
}

func readDesc(buf []byte) Desc {
	return Desc{
		ChannelID:     memview.GetU64(buf, offChannelID),
		CorrelationID: memview.GetU64(buf, offCorrelationID),
		SlotRefBits:   memview.GetU32(buf, offSlotRef),
		PayloadLen:    memview.GetU32(buf, offPayloadLen),
		Flags:         Flags(memview.GetU32(buf, offFlags)),
		Generation:    memview.GetU32(buf, offGeneration),
	}
}

// ErrFull is returned by TryEnqueue when the ring has no free slot.
var ErrFull = fmt.Errorf("ring: full")

// TryEnqueue writes d into the next slot without blocking, returning
// ErrFull if the ring is at capacity. Only the ring's single producer may
// call this.
func (r *Ring) TryEnqueue(d Desc) error {
	head := r.visibleHead().Load()
	tail := r.tail().Load()
	if head-tail >= r.capacity {
		return ErrFull
	}

	writeDesc(r.descBuf(head), d)
	// Release store: the descriptor's contents must be visible to the
	// consumer before it observes the advanced head (§4.3).
	r.visibleHead().Store(head + 1)
	return nil
}

// Enqueue blocks until it can write d, re-polling on a timeout so a missed
// wake (the consumer advanced tail between our failed TryEnqueue and the
// Wait call) cannot hang forever.
func (r *Ring) Enqueue(d Desc) error {
	for {
		err := r.TryEnqueue(d)
		if err == nil {
			return nil
		}
		if err != ErrFull {
			return err
		}
		word := memview.Raw32(r.fullFutex)
		expected := *word
		if err := futex.Wait(word, expected, 2*time.Second); err != nil && err != futex.ErrTimeout {
			return fmt.Errorf("ring: enqueue wait: %w", err)
		}
	}
}

// TryDequeue reads the oldest unread descriptor without blocking,
// returning ok=false if the ring is empty. Only the ring's single
// consumer may call this. On success it wakes any producer parked on
// fullFutex, since a slot just became free.
func (r *Ring) TryDequeue() (Desc, bool) {
	tail := r.tail().Load()
	// Acquire load: pairs with the producer's Release store of
	// visible_head, ensuring the descriptor bytes we're about to read are
	// visible.
	head := r.visibleHead().Load()
	if tail >= head {
		return Desc{}, false
	}

	d := readDesc(r.descBuf(tail))
	r.tail().Store(tail + 1)
	futex.WakeOne(memview.Raw32(r.fullFutex))
	return d, true
}
