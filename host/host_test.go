package host

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cellhub/cellhub/hub"
)

func testConfig(t *testing.T) *Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.HubPath = filepath.Join(t.TempDir(), "hub.mem")
	cfg.MaxPeers = 2
	cfg.RingCapacity = 8
	return cfg
}

func Test_CreateBuildsHubAndAllocator(t *testing.T) {
	h, err := Create(testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })

	assert.Empty(t, h.Peers()) // no peer has been claimed yet
	assert.NotNil(t, h.Hub())
	assert.NotNil(t, h.Allocator())
}

func Test_AddPeerClaimsDistinctSlotsThenFails(t *testing.T) {
	h, err := Create(testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })

	p0, err := h.AddPeer()
	require.NoError(t, err)
	t.Cleanup(func() { p0.HostDoorbell.Close() })

	p1, err := h.AddPeer()
	require.NoError(t, err)
	t.Cleanup(func() { p1.HostDoorbell.Close() })

	assert.NotEqual(t, p0.PeerID, p1.PeerID)

	_, err = h.AddPeer()
	assert.Error(t, err)
}

func Test_AddPeerSetsRegisteredPending(t *testing.T) {
	h, err := Create(testConfig(t))
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })

	p, err := h.AddPeer()
	require.NoError(t, err)
	t.Cleanup(func() { p.HostDoorbell.Close() })

	assert.Equal(t, hub.PeerRegisteredPending, hub.PeerFlags(h.Hub().Peer(p.PeerID).Flags().Load()))
}

func Test_LoadConfigFillsDefaultsForOmittedFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "host.yaml")
	require.NoError(t, os.WriteFile(path, []byte("hub_path: /tmp/custom.mem\n"), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/custom.mem", cfg.HubPath)
	assert.Equal(t, uint16(16), cfg.MaxPeers) // kept from DefaultConfig
}
