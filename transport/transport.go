// Package transport combines one peer's ring pair, the hub's shared
// allocator, and a doorbell into the frame-level send/receive surface the
// rpc package builds sessions on top of (§4, §5 of the specification this
// module implements).
package transport

import (
	"context"
	"fmt"

	"github.com/cellhub/cellhub/alloc"
	"github.com/cellhub/cellhub/doorbell"
	"github.com/cellhub/cellhub/hub"
	"github.com/cellhub/cellhub/ring"
)

// Frame is a fully decoded unit of transport: a channel id, the flags
// carried on its descriptor, and its payload bytes (already copied out of
// the slab so callers are free to hold onto it past the next Recv).
type Frame struct {
	ChannelID     uint64
	CorrelationID uint64
	Flags         ring.Flags
	Payload       []byte
}

// PayloadTooLargeError is returned by Send when payload exceeds the hub's
// largest configured size class (§4.2, §7).
type PayloadTooLargeError struct {
	Size, MaxSize int
}

func (e *PayloadTooLargeError) Error() string {
	return fmt.Sprintf("transport: payload of %d bytes exceeds the largest size class (%d bytes)", e.Size, e.MaxSize)
}

// HostOwnerID is the sentinel owner_peer value stamped on slots the host
// allocates for its own sends, distinct from every real cell peer_id
// (0..max_peers-1). The host is never itself reclaimed by
// alloc.ReclaimPeerSlots, so this value is simply never matched by a
// reclaim scan (§4.2, §4.6).
const HostOwnerID uint16 = 0xFFFF

// PeerDeadError is returned when a send target's peer table entry is no
// longer REGISTERED (§7).
type PeerDeadError struct{ PeerID uint16 }

func (e *PeerDeadError) Error() string {
	return fmt.Sprintf("transport: peer %d is dead", e.PeerID)
}

// Transport is the host-side or cell-side send/receive endpoint for one
// peer connection: a send ring, a recv ring (from this endpoint's point of
// view), the shared allocator, and the doorbell used to wake the other
// side.
type Transport struct {
	h        *hub.Hub
	alloc    *alloc.Allocator
	peer     hub.PeerHandle
	db       *doorbell.Doorbell
	outbound *ring.Ring // this endpoint's producer ring
	inbound  *ring.Ring // this endpoint's consumer ring
	selfID   uint16     // owner id stamped on slots this endpoint allocates
}

// NewCellSide builds the Transport a cell process uses: it produces into
// its own send ring and consumes its own recv ring.
func NewCellSide(h *hub.Hub, a *alloc.Allocator, peer hub.PeerHandle, db *doorbell.Doorbell) *Transport {
	return &Transport{
		h:        h,
		alloc:    a,
		peer:     peer,
		db:       db,
		outbound: ring.Open(h, peer.SendRingOffset(), h.RingCapacity(), peer.FutexFull()),
		inbound:  ring.Open(h, peer.RecvRingOffset(), h.RingCapacity(), peer.FutexFull()),
		selfID:   peer.ID(),
	}
}

// NewHostSide builds the Transport the host uses for one peer: from the
// host's point of view the peer's send ring is the one it consumes, and
// the peer's recv ring is the one it produces into.
func NewHostSide(h *hub.Hub, a *alloc.Allocator, peer hub.PeerHandle, db *doorbell.Doorbell) *Transport {
	return &Transport{
		h:        h,
		alloc:    a,
		peer:     peer,
		db:       db,
		outbound: ring.Open(h, peer.RecvRingOffset(), h.RingCapacity(), peer.FutexFull()),
		inbound:  ring.Open(h, peer.SendRingOffset(), h.RingCapacity(), peer.FutexFull()),
		selfID:   HostOwnerID,
	}
}

// Send allocates a slot, copies payload into it, and enqueues a descriptor
// referencing it, waking the peer's doorbell on success.
func (t *Transport) Send(channelID, correlationID uint64, flags ring.Flags, payload []byte) error {
	if hub.PeerFlags(t.peer.Flags().Load()) == hub.PeerDead {
		return &PeerDeadError{PeerID: t.peer.ID()}
	}

	classes := t.h.SizeClasses()
	maxSize := int(classes[hub.NumSizeClasses-1].SlotSize)
	if len(payload) > maxSize {
		return &PayloadTooLargeError{Size: len(payload), MaxSize: maxSize}
	}

	ref, err := t.alloc.Alloc(uint32(len(payload)), t.selfID)
	if err != nil {
		return fmt.Errorf("transport: alloc: %w", err)
	}

	slot := t.alloc.Slot(ref)
	n := copy(slot.PayloadBuf(), payload)
	slot.PayloadLen().Store(uint32(n))

	d := ring.Desc{
		ChannelID:     channelID,
		CorrelationID: correlationID,
		SlotRefBits:   ref.Encode(),
		PayloadLen:    uint32(n),
		Flags:         flags,
		Generation:    ref.Generation,
	}

	if err := t.outbound.Enqueue(d); err != nil {
		t.alloc.Free(ref)
		return fmt.Errorf("transport: enqueue: %w", err)
	}

	return t.db.Signal()
}

// TryRecv reads the oldest frame without blocking. A false second return
// means no frame is currently available. A descriptor whose generation no
// longer matches the slot's live generation (the sender's peer crashed
// and the slot was reclaimed and possibly reused before this recv ran) is
// silently dropped, per §6, and TryRecv is retried internally.
func (t *Transport) TryRecv() (Frame, bool) {
	for {
		d, ok := t.inbound.TryDequeue()
		if !ok {
			return Frame{}, false
		}

		ref := alloc.DecodeSlotRef(d.SlotRefBits, d.Generation)
		slot := t.alloc.Slot(ref)
		if slot.Generation().Load() != d.Generation {
			continue // stale: slot was freed and possibly reused; drop
		}

		payload := append([]byte(nil), slot.Payload()[:d.PayloadLen]...)
		t.alloc.Free(ref)

		return Frame{
			ChannelID:     d.ChannelID,
			CorrelationID: d.CorrelationID,
			Flags:         d.Flags,
			Payload:       payload,
		}, true
	}
}

// Recv blocks, via the doorbell, until TryRecv can return a frame or ctx
// is done.
func (t *Transport) Recv(ctx context.Context) (Frame, error) {
	for {
		if f, ok := t.TryRecv(); ok {
			return f, nil
		}
		if err := t.db.Wait(ctx); err != nil {
			return Frame{}, err
		}
	}
}
