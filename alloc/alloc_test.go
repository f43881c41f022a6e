package alloc

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cellhub/cellhub/hub"
)

// hostOwnerID mirrors transport.HostOwnerID; duplicated here rather than
// imported to avoid alloc_test.go creating an alloc<->transport import
// cycle (transport imports alloc).
const hostOwnerID uint16 = 0xFFFF

func newTestHub(t *testing.T) *hub.Hub {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hub.mem")
	cfg := hub.DefaultConfig(4, 8)
	// Shrink slot counts so tests exhaust a class quickly.
	cfg.SizeClasses[0].SlotCount = 2
	h, err := hub.Create(path, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

func Test_AllocFreeRoundTrip(t *testing.T) {
	h := newTestHub(t)
	a := New(h, PolicyBlock)

	ref, err := a.Alloc(100, 1)
	require.NoError(t, err)
	assert.Equal(t, uint8(0), ref.Class)

	slot := a.Slot(ref)
	assert.Equal(t, uint32(1), slot.OwnerPeer().Load())
	assert.Equal(t, uint32(hub.SlotAllocated), slot.State().Load())

	require.NoError(t, a.Free(ref))
	assert.Equal(t, uint32(hub.SlotFree), slot.State().Load())
}

func Test_AllocExhaustionReturnsDistinctSlots(t *testing.T) {
	h := newTestHub(t)
	a := New(h, PolicyBlock)

	ref1, err := a.Alloc(10, 1)
	require.NoError(t, err)
	ref2, err := a.Alloc(10, 1)
	require.NoError(t, err)

	assert.NotEqual(t, ref1.Index, ref2.Index)
}

func Test_FreeBumpsGenerationInvalidatingStaleRef(t *testing.T) {
	h := newTestHub(t)
	a := New(h, PolicyBlock)

	ref, err := a.Alloc(10, 1)
	require.NoError(t, err)
	gen0 := ref.Generation

	require.NoError(t, a.Free(ref))
	ref2, err := a.Alloc(10, 1)
	require.NoError(t, err)

	assert.Equal(t, ref.Index, ref2.Index, "the LIFO free stack reissues the just-freed index")
	assert.NotEqual(t, gen0, ref2.Generation)

	// The stale ref (old generation) must no longer match the live slot.
	slot := a.Slot(ref)
	assert.NotEqual(t, gen0, slot.Generation().Load())
}

func Test_DoubleFreeIsHarmless(t *testing.T) {
	h := newTestHub(t)
	a := New(h, PolicyBlock)

	ref, err := a.Alloc(10, 1)
	require.NoError(t, err)
	require.NoError(t, a.Free(ref))
	// Second free of the same (now stale) ref must not corrupt the stack.
	require.NoError(t, a.Free(ref))

	ref2, err := a.Alloc(10, 1)
	require.NoError(t, err)
	assert.Equal(t, ref.Index, ref2.Index)
}

func Test_AllocNoFitReturnsError(t *testing.T) {
	h := newTestHub(t)
	a := New(h, PolicyBlock)

	classes := h.SizeClasses()
	tooBig := uint32(classes[hub.NumSizeClasses-1].SlotSize) + 1

	_, err := a.Alloc(tooBig, 1)
	assert.ErrorIs(t, err, ErrNoFit)
}

func Test_ReclaimPeerSlotsFreesOnlyThatPeer(t *testing.T) {
	h := newTestHub(t)
	a := New(h, PolicyBlock)

	refA, err := a.Alloc(10, 1)
	require.NoError(t, err)
	_, err = a.Alloc(10, 2)
	require.NoError(t, err)

	n, err := a.ReclaimPeerSlots(1)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, uint32(hub.SlotFree), a.Slot(refA).State().Load())
}

func Test_ReclaimPeerSlotsNeverTouchesHostOwnedSlots(t *testing.T) {
	h := newTestHub(t)
	a := New(h, PolicyBlock)

	hostRef, err := a.Alloc(10, hostOwnerID)
	require.NoError(t, err)
	_, err = a.Alloc(10, 3)
	require.NoError(t, err)

	// peer_id 0 is a legitimate cell peer; reclaiming it must not free the
	// host's own in-flight slot even though 0 is also alloc's zero value.
	n, err := a.ReclaimPeerSlots(0)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, uint32(hub.SlotAllocated), a.Slot(hostRef).State().Load())

	n, err = a.ReclaimPeerSlots(hostOwnerID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, uint32(hub.SlotFree), a.Slot(hostRef).State().Load())
}

func Test_SlotRefEncodeDecodeRoundTrip(t *testing.T) {
	ref := SlotRef{Class: 3, Index: 12345, Generation: 7}
	decoded := DecodeSlotRef(ref.Encode(), ref.Generation)
	assert.Equal(t, ref, decoded)
}
