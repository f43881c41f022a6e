// Package hub implements the single memory-mapped file that coordinates a
// host process with its fleet of cell processes: the header, the peer
// table, the descriptor ring region, and the size-class slab region
// (§3, §4.1 of the specification this module implements).
package hub

import (
	"fmt"
	"os"
	"sync"

	"github.com/c2h5oh/datasize"
)

// SizeClassConfig describes one payload size class. Host and every peer
// read these from the mapped SizeClassHeader, never from a compiled-in
// constant, so that configuration is guaranteed consistent across
// processes (§4.2).
type SizeClassConfig struct {
	SlotSize  datasize.ByteSize
	SlotCount uint32
}

// Config describes a hub's static layout, fixed at creation time.
type Config struct {
	// MaxPeers bounds the number of peer slots (§1 Non-goals: the peer
	// count is pre-declared and not dynamically resizable).
	MaxPeers uint16
	// RingCapacity is the number of descriptors each direction of each
	// peer's ring holds. Must be a power of two.
	RingCapacity uint32
	// SizeClasses must have exactly NumSizeClasses entries, ascending by
	// SlotSize.
	SizeClasses [NumSizeClasses]SizeClassConfig
}

// DefaultConfig returns the five illustrative size classes from §4.2:
// 1 KiB×1024, 16 KiB×256, 256 KiB×32, 4 MiB×8, 16 MiB×4.
func DefaultConfig(maxPeers uint16, ringCapacity uint32) Config {
	return Config{
		MaxPeers:     maxPeers,
		RingCapacity: ringCapacity,
		SizeClasses: [NumSizeClasses]SizeClassConfig{
			{SlotSize: 1 * datasize.KB, SlotCount: 1024},
			{SlotSize: 16 * datasize.KB, SlotCount: 256},
			{SlotSize: 256 * datasize.KB, SlotCount: 32},
			{SlotSize: 4 * datasize.MB, SlotCount: 8},
			{SlotSize: 16 * datasize.MB, SlotCount: 4},
		},
	}
}

func (c Config) validate() error {
	if c.MaxPeers == 0 {
		return fmt.Errorf("hub: max_peers must be > 0")
	}
	if c.RingCapacity == 0 || c.RingCapacity&(c.RingCapacity-1) != 0 {
		return fmt.Errorf("hub: ring capacity %d must be a power of two", c.RingCapacity)
	}
	var prev datasize.ByteSize
	for i, sc := range c.SizeClasses {
		if sc.SlotSize <= prev {
			return fmt.Errorf("hub: size class %d (%s) must exceed the previous class (%s)", i, sc.SlotSize, prev)
		}
		if sc.SlotCount == 0 {
			return fmt.Errorf("hub: size class %d (%s) has zero slots, which is a misconfiguration (§4.2)", i, sc.SlotSize)
		}
		prev = sc.SlotSize
	}
	return nil
}

// totalSize computes the file length required for cfg, per §4.1.
func (c Config) totalSize() int64 {
	size := SizeClassRegionOffset(c.MaxPeers, c.RingCapacity)
	for _, sc := range c.SizeClasses {
		size += SlotClassTotalBytes(uint32(sc.SlotSize), sc.SlotCount)
	}
	return size
}

// Hub is a handle to the mapped hub file, shared by the host (writer of
// the peer table and reaper of dead peers) and every cell (reader/writer
// of its own ring pair and size-class slots).
type Hub struct {
	path string
	file *os.File

	mu      sync.RWMutex // guards buf during remap (§4.1)
	buf     []byte
	maxPeers uint16
	ringCap  uint32
	classes  [NumSizeClasses]SizeClassConfig
}

// Create makes a new hub file at path and initializes its layout. The
// caller (the host) owns the file's lifetime and should Unlink it at
// shutdown (§6: "unlinked at host shutdown, best-effort").
func Create(path string, cfg Config) (*Hub, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	size := cfg.totalSize()

	f, buf, err := mapFile(path, size, true)
	if err != nil {
		return nil, err
	}

	h := &Hub{path: path, file: f, buf: buf, maxPeers: cfg.MaxPeers, ringCap: cfg.RingCapacity, classes: cfg.SizeClasses}

	newHeaderView(buf).writeCreated(cfg.MaxPeers)
	h.initSizeClasses(cfg)
	h.initPeerTable(cfg)
	// Publish current_size last, with a Release store: any peer that
	// observes it has observed a fully initialized layout (§4.1).
	newHeaderView(buf).currentSize().Store(uint64(size))

	return h, nil
}

// initSizeClasses writes the config block and initializes every size
// class's header, single v1 extent, and slot array, linking each class's
// slots into its free stack in reverse so the first allocation returns
// index 0 (§4.1).
func (h *Hub) initSizeClasses(cfg Config) {
	newConfigView(h.buf).write(cfg.RingCapacity, cfg.SizeClasses)
	for i := range cfg.SizeClasses {
		h.SizeClass(i).writeCreated(i)
	}
}

// initPeerTable pre-computes and writes every peer slot's fixed ring
// offsets (a pure function of peer id, max_peers, and ring capacity) so
// AddPeer only ever needs to flip flags and bump epoch, never touch
// layout math (§4.1, §4.6).
func (h *Hub) initPeerTable(cfg Config) {
	for id := uint16(0); id < cfg.MaxPeers; id++ {
		pv := newPeerView(h.buf, id)
		pv.setPeerID(id)
		send, recv := PeerRingsOffset(cfg.MaxPeers, cfg.RingCapacity, id)
		pv.setSendRingOffset(send)
		pv.setRecvRingOffset(recv)
	}
}

// readRuntimeConfig reads back the ring capacity and size classes written
// by initSizeClasses, so an Open caller never trusts its own compiled-in
// constants (§4.2).
func (h *Hub) readRuntimeConfig() (uint32, [NumSizeClasses]SizeClassConfig, error) {
	cv := newConfigView(h.buf)
	ringCap := cv.ringCapacity()
	classes := cv.sizeClasses()
	if ringCap == 0 || ringCap&(ringCap-1) != 0 {
		return 0, classes, fmt.Errorf("hub: corrupt config block: ring capacity %d is not a power of two", ringCap)
	}
	for i, sc := range classes {
		if sc.SlotCount == 0 {
			return 0, classes, fmt.Errorf("hub: corrupt config block: size class %d has zero slots", i)
		}
	}
	return ringCap, classes, nil
}

// Open attaches to an existing hub file at path, validating magic and
// version (fatal on mismatch per §6) and mapping exactly current_size
// bytes.
func Open(path string) (*Hub, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open hub file %q: %w", path, err)
	}

	probe, err := mapProbe(f)
	if err != nil {
		f.Close()
		return nil, err
	}

	hv := newHeaderView(probe)
	if err := hv.validate(); err != nil {
		unmapFile(probe)
		f.Close()
		return nil, err
	}

	size := int64(hv.currentSize().Load())
	maxPeers := hv.maxPeers()
	unmapFile(probe)

	buf, err := mapExact(f, size)
	if err != nil {
		f.Close()
		return nil, err
	}

	h := &Hub{path: path, file: f, buf: buf, maxPeers: maxPeers}
	h.ringCap, h.classes, err = h.readRuntimeConfig()
	if err != nil {
		unmapFile(buf)
		f.Close()
		return nil, err
	}

	return h, nil
}

func mapProbe(f *os.File) ([]byte, error) {
	return mapExact(f, HeaderSize)
}

// MaxPeers returns the configured peer table size.
func (h *Hub) MaxPeers() uint16 { return h.maxPeers }

// RingCapacity returns the configured per-ring descriptor capacity.
func (h *Hub) RingCapacity() uint32 { return h.ringCap }

// SizeClasses returns the configured payload size classes, ascending.
func (h *Hub) SizeClasses() [NumSizeClasses]SizeClassConfig { return h.classes }

// Path returns the filesystem path the hub was created/opened at.
func (h *Hub) Path() string { return h.path }

// checkRemap re-reads current_size with Acquire and remaps if the file
// has grown since this process last mapped it (§4.1). Every alloc/free
// path must call this before dereferencing an offset that might lie past
// the previously mapped length.
func (h *Hub) checkRemap() error {
	h.mu.RLock()
	cur := newHeaderView(h.buf).currentSize().Load()
	mapped := int64(len(h.buf))
	h.mu.RUnlock()

	if int64(cur) <= mapped {
		return nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	mapped = int64(len(h.buf))
	if int64(cur) <= mapped {
		return nil
	}

	buf, err := remapTo(h.file, h.buf, int64(cur))
	if err != nil {
		return err
	}
	h.buf = buf
	return nil
}

// View returns the current mapped buffer. Callers must hold no reference
// across a potential remap; re-fetch after calling CheckRemap.
func (h *Hub) view() []byte {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.buf
}

// View is the exported counterpart of view, for packages outside hub
// (ring, alloc, transport) that need direct byte access to compute their
// own offsets.
func (h *Hub) View() []byte { return h.view() }

// CheckRemap is the exported counterpart of checkRemap. Every alloc/ring
// path that might dereference an offset past what this process last
// mapped should call it first (§4.1).
func (h *Hub) CheckRemap() error { return h.checkRemap() }

// Close unmaps the hub file. It does not remove the file; the host does
// that separately via Unlink.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := unmapFile(h.buf); err != nil {
		h.file.Close()
		return fmt.Errorf("failed to unmap hub file: %w", err)
	}
	h.buf = nil
	return h.file.Close()
}

// Unlink removes the hub file from the filesystem. Best-effort, per §6.
func (h *Hub) Unlink() error {
	return os.Remove(h.path)
}

// Peers returns a snapshot of every non-EMPTY peer table entry
// (SPEC_FULL §12).
func (h *Hub) Peers() []PeerSnapshot {
	buf := h.view()
	out := make([]PeerSnapshot, 0, h.maxPeers)
	for id := uint16(0); id < h.maxPeers; id++ {
		pv := newPeerView(buf, id)
		if PeerFlags(pv.flags().Load()) == PeerEmpty {
			continue
		}
		out = append(out, pv.snapshot())
	}
	return out
}

// Peer returns the view for a given peer id, for packages (ring, alloc,
// rpc) that need direct access to its rings and futex words.
func (h *Hub) Peer(peerID uint16) PeerHandle {
	return PeerHandle{hub: h, id: peerID}
}
