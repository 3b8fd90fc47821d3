package journal

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/pkg/errors"

	"bedrock/internal/base"
)

// Magic opens every journal entry. An entry with a different magic ends the
// chain during replay.
const Magic = 0x4a6272cb

// Entry types. The start entry lives alone in the reserved prefix sector and
// records where the live chain begins; every other type is appended to the
// circular area.
const (
	TypeStart uint16 = iota + 1
	TypeSmallWrite
	TypeBigWrite
	TypeDelete
	TypeStable
	TypeRollback
)

// Fixed encoded sizes. Every entry begins with the 16-byte header
// {crc32, magic, type, size, crc32Prev}; the rest is type-specific.
const (
	headerSize     = 16
	StartSize      = headerSize + 8
	SmallWriteSize = headerSize + 16 + 8 + 4 + 4 + 8 + 4
	BigWriteSize   = headerSize + 16 + 8 + 8
	DeleteSize     = headerSize + 16 + 8
	StableSize     = headerSize + 16 + 8
	RollbackSize   = headerSize + 16 + 8

	// MaxEntrySize bounds every entry type. A sector rotates when less than
	// this remains, so replay can tell "chain ended here" from "writer moved
	// to the next sector" without knowing the next entry's type.
	MaxEntrySize = SmallWriteSize
)

var (
	ErrBadMagic = errors.New("journal entry has wrong magic")
	ErrBadCRC   = errors.New("journal entry crc32 mismatch")
	ErrBadSize  = errors.New("journal entry size does not match its type")
)

// Entry is the decoded form of one journal record. Unused fields are zero
// for types that do not carry them.
type Entry struct {
	CRC32   uint32
	Type    uint16
	Size    uint16
	CRCPrev uint32

	Ver base.ObjVer // small-write, big-write, delete, stable, rollback

	Offset     uint32 // small-write: sub-block range start
	Len        uint32 // small-write: sub-block range length
	DataOffset uint64 // small-write: payload position in the journal region
	DataCRC    uint32 // small-write: crc32 of the payload bytes

	Location uint64 // big-write: data-region byte offset

	JournalStart uint64 // start: first live position for replay
}

// EncodedSize returns the on-disk size for the entry's type.
func EncodedSize(typ uint16) int {
	switch typ {
	case TypeStart:
		return StartSize
	case TypeSmallWrite:
		return SmallWriteSize
	case TypeBigWrite:
		return BigWriteSize
	case TypeDelete:
		return DeleteSize
	case TypeStable:
		return StableSize
	case TypeRollback:
		return RollbackSize
	}
	return 0
}

// Encode writes the entry into buf, sets e.Size, chains e.CRCPrev to prev,
// and computes e.CRC32. buf must be at least EncodedSize(e.Type) bytes.
// Returns the number of bytes written.
func (e *Entry) Encode(buf []byte, prev uint32) int {
	size := EncodedSize(e.Type)
	e.Size = uint16(size)
	e.CRCPrev = prev

	le := binary.LittleEndian
	le.PutUint32(buf[4:], Magic)
	le.PutUint16(buf[8:], e.Type)
	le.PutUint16(buf[10:], e.Size)
	le.PutUint32(buf[12:], e.CRCPrev)

	body := buf[headerSize:]
	switch e.Type {
	case TypeStart:
		le.PutUint64(body, e.JournalStart)
	case TypeSmallWrite:
		le.PutUint64(body[0:], e.Ver.OID.Inode)
		le.PutUint64(body[8:], e.Ver.OID.Stripe)
		le.PutUint64(body[16:], e.Ver.Version)
		le.PutUint32(body[24:], e.Offset)
		le.PutUint32(body[28:], e.Len)
		le.PutUint64(body[32:], e.DataOffset)
		le.PutUint32(body[40:], e.DataCRC)
	case TypeBigWrite:
		le.PutUint64(body[0:], e.Ver.OID.Inode)
		le.PutUint64(body[8:], e.Ver.OID.Stripe)
		le.PutUint64(body[16:], e.Ver.Version)
		le.PutUint64(body[24:], e.Location)
	case TypeDelete, TypeStable, TypeRollback:
		le.PutUint64(body[0:], e.Ver.OID.Inode)
		le.PutUint64(body[8:], e.Ver.OID.Stripe)
		le.PutUint64(body[16:], e.Ver.Version)
	}

	// The checksum covers everything after the crc32 field itself.
	e.CRC32 = crc32.ChecksumIEEE(buf[4:size])
	le.PutUint32(buf[0:], e.CRC32)
	return size
}

// Decode parses one entry from buf, validating magic, size and crc32. The
// crc32Prev chain link is left for the caller: replay enforces it across
// consecutive entries and stops at the first break.
func Decode(buf []byte) (Entry, error) {
	var e Entry
	if len(buf) < headerSize {
		return e, ErrBadSize
	}
	le := binary.LittleEndian
	e.CRC32 = le.Uint32(buf[0:])
	if le.Uint32(buf[4:]) != Magic {
		return e, ErrBadMagic
	}
	e.Type = le.Uint16(buf[8:])
	e.Size = le.Uint16(buf[10:])
	e.CRCPrev = le.Uint32(buf[12:])

	want := EncodedSize(e.Type)
	if want == 0 || int(e.Size) != want || len(buf) < want {
		return e, ErrBadSize
	}
	if crc32.ChecksumIEEE(buf[4:want]) != e.CRC32 {
		return e, ErrBadCRC
	}

	body := buf[headerSize:]
	switch e.Type {
	case TypeStart:
		e.JournalStart = le.Uint64(body)
	case TypeSmallWrite:
		e.Ver.OID.Inode = le.Uint64(body[0:])
		e.Ver.OID.Stripe = le.Uint64(body[8:])
		e.Ver.Version = le.Uint64(body[16:])
		e.Offset = le.Uint32(body[24:])
		e.Len = le.Uint32(body[28:])
		e.DataOffset = le.Uint64(body[32:])
		e.DataCRC = le.Uint32(body[40:])
	case TypeBigWrite:
		e.Ver.OID.Inode = le.Uint64(body[0:])
		e.Ver.OID.Stripe = le.Uint64(body[8:])
		e.Ver.Version = le.Uint64(body[16:])
		e.Location = le.Uint64(body[24:])
	case TypeDelete, TypeStable, TypeRollback:
		e.Ver.OID.Inode = le.Uint64(body[0:])
		e.Ver.OID.Stripe = le.Uint64(body[8:])
		e.Ver.Version = le.Uint64(body[16:])
	}
	return e, nil
}
