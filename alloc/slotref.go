package alloc

// SlotRef identifies one slot: its size class, its index within that
// class, and the generation it held at allocation time. A descriptor
// carries the encoded form of a SlotRef (Encode); the receiving side
// decodes it and compares Generation against the slot's live generation
// to detect a slot that was freed and reused out from under it (§4.2,
// §6).
type SlotRef struct {
	Class      uint8
	Index      uint32
	Generation uint32
}

// classBits is the number of high bits of an encoded SlotRef reserved for
// the class, leaving room for up to 8 size classes (the spec fixes 5) and
// a 29-bit slot index (over 500 million slots per class).
const classBits = 3

// Encode packs ref into the 32-bit form stored in a descriptor's
// payload_slot_ref field: (class<<29)|index.
func (ref SlotRef) Encode() uint32 {
	return uint32(ref.Class)<<(32-classBits) | (ref.Index & (1<<(32-classBits) - 1))
}

// DecodeSlotRef unpacks an encoded slot reference's class and index. The
// generation is not part of the encoded form; it travels alongside in the
// descriptor's own generation_at_alloc field.
func DecodeSlotRef(encoded uint32, generation uint32) SlotRef {
	return SlotRef{
		Class:      uint8(encoded >> (32 - classBits)),
		Index:      encoded & (1<<(32-classBits) - 1),
		Generation: generation,
	}
}
