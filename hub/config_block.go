package hub

import (
	"github.com/c2h5oh/datasize"
	"github.com/cellhub/cellhub/internal/memview"
)

// configView reads/writes the fixed-layout block recording the ring
// capacity and the five size classes, so every peer derives these from
// the mapped file rather than from constants baked into its own binary.
type configView struct {
	buf []byte
}

func newConfigView(buf []byte) configView {
	off := ConfigBlockOffset()
	return configView{buf: buf[off : off+ConfigBlockSize : off+ConfigBlockSize]}
}

const (
	offRingCapacity  = 0
	offSizeClassBase = 4 // NumSizeClasses * 8 bytes: (slotSize u32, slotCount u32)
)

func (c configView) write(ringCap uint32, classes [NumSizeClasses]SizeClassConfig) {
	memview.PutU32(c.buf, offRingCapacity, ringCap)
	for i, sc := range classes {
		off := offSizeClassBase + i*8
		memview.PutU32(c.buf, off, uint32(sc.SlotSize))
		memview.PutU32(c.buf, off+4, sc.SlotCount)
	}
}

func (c configView) ringCapacity() uint32 {
	return memview.GetU32(c.buf, offRingCapacity)
}

func (c configView) sizeClasses() [NumSizeClasses]SizeClassConfig {
	var out [NumSizeClasses]SizeClassConfig
	for i := range out {
		off := offSizeClassBase + i*8
		out[i] = SizeClassConfig{
			SlotSize:  datasize.ByteSize(memview.GetU32(c.buf, off)),
			SlotCount: memview.GetU32(c.buf, off+4),
		}
	}
	return out
}
