// Package cellproc implements the cell-side half of the peer lifecycle: a
// cell process parses its inherited arguments, opens the hub by path,
// wraps its inherited doorbell fd, confirms its registration, and runs an
// rpc.Session until its context is cancelled (§4.7 of the specification
// this module implements).
package cellproc

import (
	"context"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/cellhub/cellhub/alloc"
	"github.com/cellhub/cellhub/doorbell"
	"github.com/cellhub/cellhub/hub"
	"github.com/cellhub/cellhub/rpc"
	"github.com/cellhub/cellhub/transport"
)

// Args is the parsed form of a cell's required command-line arguments
// (§6): --hub-path, --peer-id, --doorbell-fd. The hub file is opened by
// path inside the child; only the doorbell fd is inherited.
type Args struct {
	HubPath    string
	PeerID     uint16
	DoorbellFD int
}

// ArgError reports a missing or malformed argument; callers should exit
// with code 2 on it (§6).
type ArgError struct {
	msg string
}

func (e *ArgError) Error() string { return e.msg }

// ParseArgs validates the three required flags already extracted by the
// caller's flag/cobra layer (cmd/cell wires cobra flags to these fields),
// so this function only enforces the cross-field validity the spec
// requires: a non-empty path, and both numeric fields non-negative.
func ParseArgs(hubPath string, peerID int, doorbellFD int) (Args, error) {
	if hubPath == "" {
		return Args{}, &ArgError{msg: "--hub-path is required"}
	}
	if peerID < 0 || peerID > 0xFFFF {
		return Args{}, &ArgError{msg: fmt.Sprintf("--peer-id %d is out of u16 range", peerID)}
	}
	if doorbellFD < 0 {
		return Args{}, &ArgError{msg: fmt.Sprintf("--doorbell-fd %d must be non-negative", doorbellFD)}
	}
	return Args{HubPath: hubPath, PeerID: uint16(peerID), DoorbellFD: doorbellFD}, nil
}

// ParseArgsStrings is the same validation starting from raw string flag
// values, for callers (tests, non-cobra entry points) that have not
// already parsed the numeric fields.
func ParseArgsStrings(hubPath, peerIDStr, doorbellFDStr string) (Args, error) {
	peerID, err := strconv.Atoi(peerIDStr)
	if err != nil {
		return Args{}, &ArgError{msg: fmt.Sprintf("--peer-id %q is not an integer", peerIDStr)}
	}
	fd, err := strconv.Atoi(doorbellFDStr)
	if err != nil {
		return Args{}, &ArgError{msg: fmt.Sprintf("--doorbell-fd %q is not an integer", doorbellFDStr)}
	}
	return ParseArgs(hubPath, peerID, fd)
}

// Cell is a bootstrapped cell process: an open hub, its own doorbell and
// transport, and an rpc.Session ready to Run.
type Cell struct {
	log     *zap.SugaredLogger
	hub     *hub.Hub
	alloc   *alloc.Allocator
	db      *doorbell.Doorbell
	t       *transport.Transport
	session *rpc.Session
}

// Bootstrap opens the hub, wraps the inherited doorbell fd, CAS-confirms
// this peer's registration (REGISTERED_PENDING -> REGISTERED), and builds
// a Transport and Session over it (§4.7).
func Bootstrap(args Args, dispatcher *rpc.Dispatcher, log *zap.SugaredLogger, sessionOpts ...rpc.Option) (*Cell, error) {
	h, err := hub.Open(args.HubPath)
	if err != nil {
		return nil, fmt.Errorf("cellproc: configuration: %w", err)
	}

	peer := h.Peer(args.PeerID)
	if !peer.Flags().CompareAndSwap(uint32(hub.PeerRegisteredPending), uint32(hub.PeerRegistered)) {
		h.Close()
		return nil, fmt.Errorf("cellproc: configuration: peer %d was not in REGISTERED_PENDING (flags=%s)",
			args.PeerID, hub.PeerFlags(peer.Flags().Load()))
	}

	db := doorbell.FromFD(args.DoorbellFD)
	a := alloc.New(h, alloc.PolicyBlock)
	t := transport.NewCellSide(h, a, peer, db)
	session := rpc.NewSession(t, false, dispatcher, sessionOpts...)

	return &Cell{log: log, hub: h, alloc: a, db: db, t: t, session: session}, nil
}

// Run drives the cell's session until ctx is done.
func (c *Cell) Run(ctx context.Context) error {
	return c.session.Run(ctx)
}

// Close tears down the cell's session and unmaps the hub.
func (c *Cell) Close() error {
	c.session.Close()
	c.db.Close()
	return c.hub.Close()
}
