// Package alloc implements the size-class slab allocator that backs every
// payload moved through a hub: a small, fixed number of size classes, each
// with its own tagged Treiber free stack over the slots hub lays out in
// the mapped file (§4.2 of the specification this module implements).
package alloc

import (
	"fmt"
	"time"

	"github.com/cellhub/cellhub/futex"
	"github.com/cellhub/cellhub/hub"
	"github.com/cellhub/cellhub/internal/memview"
)

// Policy controls what Alloc does when the fitting size class is
// momentarily exhausted.
type Policy int

const (
	// PolicyBlock parks the caller on the class's futex word until a Free
	// call wakes it (the default: backpressure instead of failure).
	PolicyBlock Policy = iota
	// PolicyEscalate tries the next larger size class (one step up only)
	// before blocking, trading memory for latency; it still blocks if both
	// of those classes are full.
	PolicyEscalate
)

// ErrNoFit is returned when the requested size exceeds the largest
// configured size class.
var ErrNoFit = fmt.Errorf("alloc: requested size exceeds the largest size class")

// Allocator hands out and reclaims slots from one hub's size-class region.
type Allocator struct {
	h      *hub.Hub
	policy Policy
}

// New returns an Allocator over h's size classes, using policy when the
// chosen class is momentarily exhausted.
func New(h *hub.Hub, policy Policy) *Allocator {
	return &Allocator{h: h, policy: policy}
}

// classFor returns the index of the smallest size class that fits size, or
// -1 if none does.
func (a *Allocator) classFor(size uint32) int {
	classes := a.h.SizeClasses()
	for i, sc := range classes {
		if uint32(sc.SlotSize) >= size {
			return i
		}
	}
	return -1
}

// Alloc reserves one slot able to hold size bytes, blocking under the
// configured Policy while every candidate class is exhausted. The wait has
// no timeout and cannot be cancelled: it parks on the fitting class's futex
// word, re-checking at least every two seconds, until a slot comes free.
// The returned SlotRef is already marked Allocated and owned by ownerPeer;
// Free releases it.
func (a *Allocator) Alloc(size uint32, ownerPeer uint16) (SlotRef, error) {
	class := a.classFor(size)
	if class < 0 {
		return SlotRef{}, ErrNoFit
	}

	for {
		if ref, ok := a.tryPop(class, ownerPeer); ok {
			return ref, nil
		}

		if a.policy == PolicyEscalate && class+1 < hub.NumSizeClasses {
			if ref, ok := a.tryPop(class+1, ownerPeer); ok {
				return ref, nil
			}
		}

		sc := a.h.SizeClass(class)
		word := memview.Raw32(sc.SlotAvailable())
		cur := *word
		if cur != 0 {
			// Someone freed between our failed pop and reading
			// SlotAvailable; retry immediately instead of parking.
			continue
		}
		if err := futex.Wait(word, 0, 2*time.Second); err != nil && err != futex.ErrTimeout {
			return SlotRef{}, fmt.Errorf("alloc: wait on size class %d: %w", class, err)
		}
	}
}

// tryPop attempts a single CAS pop from class's free stack.
func (a *Allocator) tryPop(class int, ownerPeer uint16) (SlotRef, bool) {
	sc := a.h.SizeClass(class)
	for {
		head := sc.FreeHead().Load()
		tag, index := hub.DecodeFreeHead(head)
		avail := sc.SlotAvailable().Load()
		if avail == 0 {
			return SlotRef{}, false
		}

		slot := sc.Slot(index)
		next := slot.Next()
		newHead := hub.EncodeFreeHead(tag+1, uint32(next))

		if !sc.FreeHead().CompareAndSwap(head, newHead) {
			continue
		}

		slot.State().Store(uint32(hub.SlotAllocated))
		slot.Generation().Add(1)
		slot.OwnerPeer().Store(uint32(ownerPeer))
		slot.PayloadLen().Store(0)
		sc.SlotAvailable().Add(^uint32(0))
		sc.AllocatedCount().Add(1)

		return SlotRef{Class: uint8(class), Index: index, Generation: slot.Generation().Load()}, true
	}
}

// Free returns ref's slot to its class's free stack, bumping its
// generation so any descriptor still referencing the old generation is
// recognized as stale and silently dropped (§4.2, §6).
func (a *Allocator) Free(ref SlotRef) error {
	if int(ref.Class) >= hub.NumSizeClasses {
		return fmt.Errorf("alloc: free: class %d out of range", ref.Class)
	}
	sc := a.h.SizeClass(int(ref.Class))
	slot := sc.Slot(ref.Index)

	if slot.Generation().Load() != ref.Generation {
		// Already freed and possibly reallocated; treat as a no-op so a
		// duplicate free (e.g. racing crash reclamation) is harmless.
		return nil
	}

	slot.OwnerPeer().Store(0)
	slot.PayloadLen().Store(0)
	slot.Generation().Add(1) // Release: invalidates any descriptor still referencing ref.Generation
	slot.State().Store(uint32(hub.SlotFree))

	for {
		head := sc.FreeHead().Load()
		tag, _ := hub.DecodeFreeHead(head)
		slot.SetNext(head)
		newHead := hub.EncodeFreeHead(tag+1, ref.Index)
		if sc.FreeHead().CompareAndSwap(head, newHead) {
			break
		}
	}

	sc.SlotAvailable().Add(1)
	sc.AllocatedCount().Add(^uint32(0))
	sc.FreedCount().Add(1)
	futex.WakeOne(memview.Raw32(sc.SlotAvailable()))
	return nil
}

// Slot returns the SlotView backing ref, for reading/writing its payload.
func (a *Allocator) Slot(ref SlotRef) hub.SlotView {
	return a.h.SizeClass(int(ref.Class)).Slot(ref.Index)
}

// ReclaimPeerSlots force-frees every Allocated or InFlight slot owned by
// peerID across all classes, bumping each one's generation so in-flight
// descriptors referencing the old generation are recognized as stale
// (§6: crash-safe reclamation).
func (a *Allocator) ReclaimPeerSlots(peerID uint16) (reclaimed int, err error) {
	for class := 0; class < hub.NumSizeClasses; class++ {
		sc := a.h.SizeClass(class)
		for i := uint32(0); i < sc.SlotCount(); i++ {
			slot := sc.Slot(i)
			if slot.State().Load() == uint32(hub.SlotFree) {
				continue
			}
			if slot.OwnerPeer().Load() != uint32(peerID) {
				continue
			}

			gen := slot.Generation().Load()
			ref := SlotRef{Class: uint8(class), Index: i, Generation: gen}
			if err := a.Free(ref); err != nil {
				return reclaimed, fmt.Errorf("alloc: reclaim peer %d slot %d/%d: %w", peerID, class, i, err)
			}
			reclaimed++
		}
	}
	return reclaimed, nil
}

// ClassStats is a snapshot of one size class's counters, for diagnostics
// (SPEC_FULL §12).
type ClassStats struct {
	Class     int
	SlotSize  uint32
	SlotCount uint32
	Available uint32
	Allocated uint32
	Freed     uint64
}

// Stats returns a snapshot of every size class's counters.
func (a *Allocator) Stats() [hub.NumSizeClasses]ClassStats {
	var out [hub.NumSizeClasses]ClassStats
	for i := range out {
		sc := a.h.SizeClass(i)
		out[i] = ClassStats{
			Class:     i,
			SlotSize:  sc.SlotSize(),
			SlotCount: sc.SlotCount(),
			Available: sc.SlotAvailable().Load(),
			Allocated: sc.AllocatedCount().Load(),
			Freed:     sc.FreedCount().Load(),
		}
	}
	return out
}
