// Package host implements the host side of the peer lifecycle: claiming a
// peer table slot, spawning a cell process bound to it, and reclaiming the
// slot's resources when the cell exits or crashes (§4.6, §4.7 of the
// specification this module implements).
package host

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/cellhub/cellhub/alloc"
	"github.com/cellhub/cellhub/doorbell"
	"github.com/cellhub/cellhub/hub"
	"github.com/cellhub/cellhub/rpc"
	"github.com/cellhub/cellhub/transport"
)

type options struct {
	Log *zap.SugaredLogger
}

func newOptions() *options {
	return &options{Log: zap.NewNop().Sugar()}
}

// Option configures a Host.
type Option func(*options)

// WithLog sets the logger for the host.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) { o.Log = log }
}

// PeerInfo is the host's in-memory (not shared-memory) record of one
// spawned peer: its id, the host's end of its doorbell, and the cell-side
// fd number the child will see after inheriting it (§4.6).
type PeerInfo struct {
	PeerID       uint16
	HostDoorbell *doorbell.Doorbell
	CellFD       int // valid only until SpawnCell has exec'd the child
}

// cellProc tracks one running child for the reaper.
type cellProc struct {
	peerID uint16
	cmd    *exec.Cmd
	db     *doorbell.Doorbell
	t      *transport.Transport
}

// Host owns the hub file, the shared allocator, and every spawned cell
// process.
type Host struct {
	log   *zap.SugaredLogger
	hub   *hub.Hub
	alloc *alloc.Allocator

	mu    sync.Mutex
	procs map[uint16]*cellProc
	wg    sync.WaitGroup
}

// Create makes a new hub file per cfg and returns a Host ready to spawn
// cells.
func Create(cfg *Config, opts ...Option) (*Host, error) {
	o := newOptions()
	for _, opt := range opts {
		opt(o)
	}

	h, err := hub.Create(cfg.HubPath, cfg.hubConfig())
	if err != nil {
		return nil, fmt.Errorf("host: create hub: %w", err)
	}

	return &Host{
		log:   o.Log,
		hub:   h,
		alloc: alloc.New(h, alloc.PolicyBlock),
		procs: make(map[uint16]*cellProc),
	}, nil
}

// AddPeer claims a free peer table slot via CAS (EMPTY ->
// REGISTERED_PENDING), bumps its epoch, and creates its doorbell
// socketpair (§4.6 step 1-3). The slot's ring offsets were already
// written when the hub was created.
func (h *Host) AddPeer() (PeerInfo, error) {
	for id := uint16(0); id < h.hub.MaxPeers(); id++ {
		peer := h.hub.Peer(id)
		if !peer.Flags().CompareAndSwap(uint32(hub.PeerEmpty), uint32(hub.PeerRegisteredPending)) {
			continue
		}

		peer.Epoch().Add(1)

		hostDB, cellDB, err := doorbell.NewPair()
		if err != nil {
			peer.Flags().Store(uint32(hub.PeerEmpty))
			return PeerInfo{}, fmt.Errorf("host: add peer: %w", err)
		}

		return PeerInfo{PeerID: id, HostDoorbell: hostDB, CellFD: cellDB.FD()}, nil
	}
	return PeerInfo{}, fmt.Errorf("host: no free peer slots (max_peers=%d)", h.hub.MaxPeers())
}

// SpawnCell forks/execs binaryPath with the standard --hub-path,
// --peer-id, --doorbell-fd flags. The child inherits info.CellFD as fd 3
// via Cmd.ExtraFiles (which the runtime dups without CLOEXEC for exactly
// this purpose); the host closes its own copy of that fd immediately
// after the child is started, per §4.6 steps 1, 3, and attaches a reaper
// that reclaims the peer's resources on exit (step 4).
func (h *Host) SpawnCell(ctx context.Context, info PeerInfo, binaryPath, cellName string, extraArgs []string) error {
	cellFile := os.NewFile(uintptr(info.CellFD), fmt.Sprintf("doorbell-%s", cellName))

	args := append([]string{
		"--hub-path", h.hub.Path(),
		"--peer-id", fmt.Sprintf("%d", info.PeerID),
		"--doorbell-fd", "3",
	}, extraArgs...)

	cmd := exec.CommandContext(ctx, binaryPath, args...)
	cmd.ExtraFiles = []*os.File{cellFile}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("host: spawn %s: %w", cellName, err)
	}

	// The child now has its own fd 3 backed by the same underlying
	// socket; the host's copy (whether the duped cellFile or the
	// original info.CellFD) is no longer needed on this side.
	cellFile.Close()

	h.log.Infow("spawned cell", "name", cellName, "peer_id", info.PeerID, "pid", cmd.Process.Pid)
	h.recordCell(info, cmd)
	return nil
}

func (h *Host) recordCell(info PeerInfo, cmd *exec.Cmd) {
	t := transport.NewHostSide(h.hub, h.alloc, h.hub.Peer(info.PeerID), info.HostDoorbell)

	h.mu.Lock()
	h.procs[info.PeerID] = &cellProc{peerID: info.PeerID, cmd: cmd, db: info.HostDoorbell, t: t}
	h.mu.Unlock()

	h.wg.Add(1)
	go h.reap(info.PeerID, cmd)
}

// reap waits for cmd to exit, then reclaims peerID's allocator slots,
// marks its peer entry DEAD, and drains any descriptors left in the
// host's recv ring for it — their generations will already have been
// bumped by reclamation, so TryRecv's own mismatch check would have
// dropped them anyway, but draining here keeps the ring's counters honest
// for diagnostics (§4.6 step 4, §6).
func (h *Host) reap(peerID uint16, cmd *exec.Cmd) {
	defer h.wg.Done()

	err := cmd.Wait()
	h.log.Infow("cell process exited", "peer_id", peerID, "error", err)

	n, rerr := h.alloc.ReclaimPeerSlots(peerID)
	if rerr != nil {
		h.log.Warnw("failed to reclaim peer slots", "peer_id", peerID, "error", rerr)
	} else {
		h.log.Infow("reclaimed peer slots", "peer_id", peerID, "count", n)
	}

	h.hub.Peer(peerID).Flags().Store(uint32(hub.PeerDead))

	h.mu.Lock()
	p, ok := h.procs[peerID]
	delete(h.procs, peerID)
	h.mu.Unlock()
	if ok {
		for {
			if _, drained := p.t.TryRecv(); !drained {
				break
			}
		}
	}
}

// Session returns an rpc.Session built over the host-side transport for
// peerID, once that peer is registered.
func (h *Host) Session(peerID uint16, dispatcher *rpc.Dispatcher, sessionOpts ...rpc.Option) (*rpc.Session, error) {
	h.mu.Lock()
	p, ok := h.procs[peerID]
	h.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("host: no spawned cell for peer %d", peerID)
	}
	return rpc.NewSession(p.t, true, dispatcher, sessionOpts...), nil
}

// Peers returns a snapshot of every non-empty peer table entry.
func (h *Host) Peers() []hub.PeerSnapshot { return h.hub.Peers() }

// Hub returns the underlying hub handle, for packages (diag) that need
// direct read access to its layout.
func (h *Host) Hub() *hub.Hub { return h.hub }

// Allocator returns the shared allocator, for packages (diag) that need
// its per-class counters.
func (h *Host) Allocator() *alloc.Allocator { return h.alloc }

// Run blocks until ctx is done, then calls Close.
func (h *Host) Run(ctx context.Context) error {
	<-ctx.Done()
	return h.Close()
}

// Close waits for the reaper goroutines to finish and unmaps/unlinks the
// hub file.
func (h *Host) Close() error {
	h.wg.Wait()

	var result *multierror.Error
	if err := h.hub.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("host: close hub: %w", err))
	}
	if err := h.hub.Unlink(); err != nil {
		result = multierror.Append(result, fmt.Errorf("host: unlink hub: %w", err))
	}
	return result.ErrorOrNil()
}
