package hub

import (
	"bytes"
	"fmt"
	"sync/atomic"

	"github.com/cellhub/cellhub/internal/memview"
)

// Byte offsets within HubHeader.
const (
	offMagic         = 0
	offVersion       = 8
	offMaxPeers      = 12
	offPeerIDCounter = 16
	offCurrentSize   = 24
	offExtentCount   = 32
)

// headerView reads and writes HubHeader fields directly in the mapped
// region at offset 0.
type headerView struct {
	buf []byte
}

func newHeaderView(buf []byte) headerView {
	return headerView{buf: buf[:HeaderSize:HeaderSize]}
}

func (h headerView) writeCreated(maxPeers uint16) {
	copy(h.buf[offMagic:offMagic+8], Magic[:])
	memview.PutU32(h.buf, offVersion, Version)
	memview.PutU16(h.buf, offMaxPeers, maxPeers)
	h.peerIDCounter().Store(0)
	h.extentCount().Store(uint32(NumSizeClasses))
}

// validate checks magic and version, returning a Configuration-class
// error on mismatch (§6: fatal, exit code 3 for the cell CLI).
func (h headerView) validate() error {
	if !bytes.Equal(h.buf[offMagic:offMagic+8], Magic[:]) {
		return fmt.Errorf("hub: bad magic %q, expected %q", h.buf[offMagic:offMagic+8], Magic[:])
	}
	if v := memview.GetU32(h.buf, offVersion); v != Version {
		return fmt.Errorf("hub: unsupported layout version %d, expected %d", v, Version)
	}
	return nil
}

func (h headerView) maxPeers() uint16 {
	return memview.U16(h.buf, offMaxPeers)
}

func (h headerView) peerIDCounter() *atomic.Uint32 {
	return memview.U32(h.buf, offPeerIDCounter)
}

func (h headerView) currentSize() *atomic.Uint64 {
	return memview.U64(h.buf, offCurrentSize)
}

func (h headerView) extentCount() *atomic.Uint32 {
	return memview.U32(h.buf, offExtentCount)
}
