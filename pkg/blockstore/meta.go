package blockstore

import (
	"encoding/binary"

	"bedrock/internal/base"
)

// The metadata region is a packed array of 32-byte clean-entry slots. Slot i
// describes data block i, so promotion assigns the slot implicitly with the
// block. A zero oid marks a free slot.
//
// Slot layout: oid.inode(8) oid.stripe(8) version(8) flags(1) reserved(7),
// little-endian.

const slotsPerSector = DiskAlignment / cleanEntrySize

func encodeCleanSlot(buf []byte, oid base.ObjectID, version uint64) {
	le := binary.LittleEndian
	le.PutUint64(buf[0:], oid.Inode)
	le.PutUint64(buf[8:], oid.Stripe)
	le.PutUint64(buf[16:], version)
	for i := 24; i < cleanEntrySize; i++ {
		buf[i] = 0
	}
}

func decodeCleanSlot(buf []byte) (base.ObjectID, uint64) {
	le := binary.LittleEndian
	oid := base.ObjectID{Inode: le.Uint64(buf[0:]), Stripe: le.Uint64(buf[8:])}
	return oid, le.Uint64(buf[16:])
}

// metaSectorFor returns the region offset of the sector holding slot.
func metaSectorFor(slot uint64) uint64 {
	return slot / slotsPerSector * DiskAlignment
}

// slotOverride substitutes (or clears) one slot while composing a sector
// image, so the flusher can render a metadata update before the in-memory
// index itself moves.
type slotOverride struct {
	oid     base.ObjectID
	version uint64
	clear   bool
}

// composeMetaSector builds the 512-byte on-disk image of the sector holding
// slot from the in-memory clean index, with overrides applied.
func (bs *Blockstore) composeMetaSector(buf []byte, slot uint64, overrides map[uint64]slotOverride) {
	first := slot / slotsPerSector * slotsPerSector
	for i := range buf[:DiskAlignment] {
		buf[i] = 0
	}
	for i := uint64(0); i < slotsPerSector; i++ {
		s := first + i
		entry := buf[i*cleanEntrySize : (i+1)*cleanEntrySize]
		if ov, ok := overrides[s]; ok {
			if !ov.clear {
				encodeCleanSlot(entry, ov.oid, ov.version)
			}
			continue
		}
		oid, ok := bs.slots[s]
		if !ok {
			continue
		}
		obj := bs.index[oid]
		if obj == nil || obj.clean == nil {
			continue
		}
		encodeCleanSlot(entry, oid, obj.clean.version)
	}
}
