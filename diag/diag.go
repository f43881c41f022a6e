// Package diag implements the signal-triggered diagnostic state dump:
// per-class allocator counters and per-peer ring occupancy, read through
// atomic loads plus the hub's read lock on its mapping (§9 of the
// specification this module implements). Doorbell backlog is not part of
// the dump.
package diag

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"sync/atomic"
	"syscall"

	"go.uber.org/zap"

	"github.com/cellhub/cellhub/alloc"
	"github.com/cellhub/cellhub/bitset"
	"github.com/cellhub/cellhub/hub"
	"github.com/cellhub/cellhub/ring"
)

// ClassSnapshot mirrors alloc.ClassStats for one size class.
type ClassSnapshot = alloc.ClassStats

// PeerSnapshot reports one peer's table entry and ring occupancy.
type PeerSnapshot struct {
	hub.PeerSnapshot
	SendRingLen uint32
	RecvRingLen uint32
}

// Snapshot is a full point-in-time dump of one hub's state.
type Snapshot struct {
	Classes    [hub.NumSizeClasses]ClassSnapshot
	Peers      []PeerSnapshot
	LivePeers  bitset.TinyBitset
	Goroutines int
}

// Dump reads every counter this package knows how to read via atomic
// loads; the only lock it takes is the hub's read lock around fetching the
// mapped buffer, which every hub accessor takes (§9: never block a
// diagnostic on the hot path's locks).
func Dump(h *hub.Hub, a *alloc.Allocator) Snapshot {
	raw := h.Peers()
	peers := make([]PeerSnapshot, len(raw))
	var live bitset.TinyBitset

	for i, p := range raw {
		handle := h.Peer(p.PeerID)
		var full atomic.Uint32 // ring length reads don't need to block the host

		sendLen := ring.Open(h, handle.SendRingOffset(), h.RingCapacity(), &full).Len()
		recvLen := ring.Open(h, handle.RecvRingOffset(), h.RingCapacity(), &full).Len()

		peers[i] = PeerSnapshot{PeerSnapshot: p, SendRingLen: sendLen, RecvRingLen: recvLen}
		if p.Flags == hub.PeerRegistered {
			live.Insert(uint32(p.PeerID))
		}
	}

	return Snapshot{
		Classes:    a.Stats(),
		Peers:      peers,
		LivePeers:  live,
		Goroutines: runtime.NumGoroutine(),
	}
}

// Log writes a Snapshot to log at Info level, one structured line per
// size class and one per peer.
func (s Snapshot) Log(log *zap.SugaredLogger) {
	for _, c := range s.Classes {
		log.Infow("size class", "class", c.Class, "slot_size", c.SlotSize,
			"slot_count", c.SlotCount, "available", c.Available,
			"allocated", c.Allocated, "freed", c.Freed)
	}
	for _, p := range s.Peers {
		log.Infow("peer", "peer_id", p.PeerID, "flags", p.Flags, "epoch", p.Epoch,
			"last_seen", p.LastSeen, "send_ring_len", p.SendRingLen, "recv_ring_len", p.RecvRingLen)
	}
	log.Infow("goroutines", "count", s.Goroutines, "live_peers", s.LivePeers.AsSlice())
}

// WatchSIGUSR1 logs a Dump every time the process receives SIGUSR1, until
// ctx is done. It mirrors the signal-driven ambient pattern used
// elsewhere in this module (xcmd.WaitInterrupted) but for a repeating
// trigger rather than a one-shot shutdown signal.
func WatchSIGUSR1(ctx context.Context, h *hub.Hub, a *alloc.Allocator, log *zap.SugaredLogger) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1)
	defer signal.Stop(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			Dump(h, a).Log(log)
		}
	}
}
