package hub

import (
	"sync/atomic"

	"github.com/cellhub/cellhub/internal/memview"
)

// PeerFlags are the states a PeerEntry moves through.
type PeerFlags uint32

const (
	// PeerEmpty marks a peer table slot that has never been claimed.
	PeerEmpty PeerFlags = iota
	// PeerRegisteredPending is set by the host right after add_peer,
	// before the cell has confirmed it is up.
	PeerRegisteredPending
	// PeerRegistered is set by the cell itself once its event loop is
	// ready to receive frames.
	PeerRegistered
	// PeerDead is set by the host's reaper once the cell process has
	// exited and its slots have been reclaimed.
	PeerDead
)

func (f PeerFlags) String() string {
	switch f {
	case PeerEmpty:
		return "EMPTY"
	case PeerRegisteredPending:
		return "REGISTERED_PENDING"
	case PeerRegistered:
		return "REGISTERED"
	case PeerDead:
		return "DEAD"
	default:
		return "UNKNOWN"
	}
}

// Byte offsets within PeerEntry.
const (
	offPeerID         = 0
	offPeerFlags      = 4
	offPeerEpoch      = 8
	offPeerLastSeen   = 16
	offPeerFutexFull  = 24
	offPeerFutexEmpty = 28
	offPeerSendRing   = 32
	offPeerRecvRing   = 40
)

// peerView is a typed view of one PeerEntry slot in the mapped region.
type peerView struct {
	buf []byte
}

func newPeerView(buf []byte, peerID uint16) peerView {
	off := PeerEntryOffset(peerID)
	return peerView{buf: buf[off : off+PeerEntrySize : off+PeerEntrySize]}
}

func (p peerView) peerID() uint16 {
	return memview.U16(p.buf, offPeerID)
}

func (p peerView) setPeerID(id uint16) {
	memview.PutU16(p.buf, offPeerID, id)
}

func (p peerView) flags() *atomic.Uint32 {
	return memview.U32(p.buf, offPeerFlags)
}

func (p peerView) epoch() *atomic.Uint32 {
	return memview.U32(p.buf, offPeerEpoch)
}

func (p peerView) lastSeen() *atomic.Uint64 {
	return memview.U64(p.buf, offPeerLastSeen)
}

// futexFull is the word producers park on when their send/recv ring is
// full; consumers wake it after advancing tail.
func (p peerView) futexFull() *atomic.Uint32 {
	return memview.U32(p.buf, offPeerFutexFull)
}

// futexEmpty is reserved for the symmetric empty-ring blocking path
// (consumers that choose to park instead of relying on the doorbell).
func (p peerView) futexEmpty() *atomic.Uint32 {
	return memview.U32(p.buf, offPeerFutexEmpty)
}

func (p peerView) sendRingOffset() int64 {
	return int64(memview.GetU64(p.buf, offPeerSendRing))
}

func (p peerView) setSendRingOffset(off int64) {
	memview.PutU64(p.buf, offPeerSendRing, uint64(off))
}

func (p peerView) recvRingOffset() int64 {
	return int64(memview.GetU64(p.buf, offPeerRecvRing))
}

func (p peerView) setRecvRingOffset(off int64) {
	memview.PutU64(p.buf, offPeerRecvRing, uint64(off))
}

// PeerSnapshot is an immutable, host-readable copy of a PeerEntry, used by
// diagnostics and peer-table introspection (SPEC_FULL §12).
type PeerSnapshot struct {
	PeerID   uint16
	Flags    PeerFlags
	Epoch    uint32
	LastSeen uint64
}

func (p peerView) snapshot() PeerSnapshot {
	return PeerSnapshot{
		PeerID:   p.peerID(),
		Flags:    PeerFlags(p.flags().Load()),
		Epoch:    p.epoch().Load(),
		LastSeen: p.lastSeen().Load(),
	}
}

// PeerHandle is the public handle packages outside hub (ring, alloc,
// transport, host, cellproc) use to reach one peer's table entry, rings,
// and futex words.
type PeerHandle struct {
	hub *Hub
	id  uint16
}

// ID returns the peer id this handle addresses.
func (p PeerHandle) ID() uint16 { return p.id }

func (p PeerHandle) view() peerView {
	return newPeerView(p.hub.view(), p.id)
}

// Flags returns the atomic state word of this peer entry.
func (p PeerHandle) Flags() *atomic.Uint32 { return p.view().flags() }

// Epoch returns the atomic re-issue counter of this peer entry.
func (p PeerHandle) Epoch() *atomic.Uint32 { return p.view().epoch() }

// LastSeen returns the atomic heartbeat timestamp of this peer entry.
func (p PeerHandle) LastSeen() *atomic.Uint64 { return p.view().lastSeen() }

// FutexFull returns the futex word producers park on when this peer's
// ring (in the direction identified by the caller) is full.
func (p PeerHandle) FutexFull() *atomic.Uint32 { return p.view().futexFull() }

// FutexEmpty returns the futex word reserved for consumers that park
// instead of relying solely on the doorbell.
func (p PeerHandle) FutexEmpty() *atomic.Uint32 { return p.view().futexEmpty() }

// SendRingOffset returns the byte offset of this peer's send ring
// (producer: the peer; consumer: the host).
func (p PeerHandle) SendRingOffset() int64 { return p.view().sendRingOffset() }

// RecvRingOffset returns the byte offset of this peer's recv ring
// (producer: the host; consumer: the peer).
func (p PeerHandle) RecvRingOffset() int64 { return p.view().recvRingOffset() }

// Buf returns the hub's current mapped buffer. Callers should call
// Hub.CheckRemap beforehand if they hold no other recency guarantee.
func (p PeerHandle) Buf() []byte { return p.hub.view() }

// Snapshot returns an immutable copy of this peer entry's fields.
func (p PeerHandle) Snapshot() PeerSnapshot { return p.view().snapshot() }
