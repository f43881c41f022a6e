package hub

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return DefaultConfig(4, 8)
}

func Test_CreateOpenRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hub.mem")

	h, err := Create(path, testConfig())
	require.NoError(t, err)

	assert.Equal(t, uint16(4), h.MaxPeers())
	assert.Equal(t, uint32(8), h.RingCapacity())
	require.NoError(t, h.Close())

	h2, err := Open(path)
	require.NoError(t, err)
	defer h2.Close()

	assert.Equal(t, uint16(4), h2.MaxPeers())
	assert.Equal(t, uint32(8), h2.RingCapacity())
	assert.Equal(t, h.SizeClasses(), h2.SizeClasses())
}

func Test_OpenRejectsBadMagicAndVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hub.mem")
	h, err := Create(path, testConfig())
	require.NoError(t, err)
	require.NoError(t, h.Close())

	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xFF}, 0)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = Open(path)
	assert.Error(t, err)

	// Restore the magic and corrupt the version instead.
	f, err = os.OpenFile(path, os.O_RDWR, 0o644)
	require.NoError(t, err)
	_, err = f.WriteAt(Magic[:], offMagic)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{0xFF}, offVersion)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	_, err = Open(path)
	assert.Error(t, err)
}

func Test_ConfigValidateRejectsNonPowerOfTwoCapacity(t *testing.T) {
	cfg := DefaultConfig(4, 7)
	assert.Error(t, cfg.validate())
}

func Test_ConfigValidateRejectsUnorderedSizeClasses(t *testing.T) {
	cfg := DefaultConfig(4, 8)
	cfg.SizeClasses[1].SlotSize = cfg.SizeClasses[0].SlotSize
	assert.Error(t, cfg.validate())
}

func Test_PeerTableStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hub.mem")
	h, err := Create(path, testConfig())
	require.NoError(t, err)
	defer h.Close()

	assert.Empty(t, h.Peers())

	peer := h.Peer(0)
	assert.True(t, peer.Flags().CompareAndSwap(uint32(PeerEmpty), uint32(PeerRegisteredPending)))

	snap := h.Peers()
	require.Len(t, snap, 1)
	assert.Equal(t, uint16(0), snap[0].PeerID)
	assert.Equal(t, PeerRegisteredPending, snap[0].Flags)
}

func Test_PeerRingOffsetsArePrecomputedAtCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hub.mem")
	h, err := Create(path, testConfig())
	require.NoError(t, err)
	defer h.Close()

	wantSend, wantRecv := PeerRingsOffset(h.MaxPeers(), h.RingCapacity(), 2)
	peer := h.Peer(2)
	assert.Equal(t, wantSend, peer.SendRingOffset())
	assert.Equal(t, wantRecv, peer.RecvRingOffset())
}

func Test_SizeClassFreeStackStartsFull(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hub.mem")
	h, err := Create(path, testConfig())
	require.NoError(t, err)
	defer h.Close()

	for i := 0; i < NumSizeClasses; i++ {
		sc := h.SizeClass(i)
		assert.Equal(t, sc.SlotCount(), sc.SlotAvailable().Load())
		assert.Equal(t, uint32(0), sc.AllocatedCount().Load())
	}
}
