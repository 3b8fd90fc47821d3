// Package journal manages the circular on-disk journal region: an in-memory
// window of sector buffers, space reservation over the head/tail gap, the
// entry CRC chain, and replay. The first sector of the region is reserved for
// a start entry recording where the live chain begins; the rest is a circular
// area of 512-byte entry sectors interleaved with raw payload bytes.
package journal

import (
	"hash/crc32"

	"github.com/ncw/directio"

	"bedrock/internal/base"
)

// SectorSize is the journal's entry granularity. Sector positions within the
// region are multiples of SectorSize as long as every payload length is.
const SectorSize = 512

// SectorInfo tracks one in-memory sector buffer of the window.
type SectorInfo struct {
	// Offset is the on-disk position of this sector within the region.
	Offset uint64
	// Usage counts in-flight or not-yet-flushed operations whose journal
	// record lies in this sector. The buffer cannot be recycled while
	// nonzero.
	Usage int
}

// Record is the in-memory trace of one appended entry, kept in disk order so
// trim can advance the tail past fully flushed versions.
type Record struct {
	SectorPos uint64
	Ver       base.ObjVer
	Type      uint16
}

// Appended describes where an entry landed: which sector buffer (for usage
// release), its on-disk position, a snapshot of the sector content to
// submit, and the payload position for small writes.
type Appended struct {
	SectorIndex int
	SectorPos   uint64
	Sector      []byte
	PayloadPos  uint64
}

// Journal is the in-memory state of the journal region. It performs no I/O
// itself; the engine submits the sector snapshots and payloads it hands out.
// Single-threaded like the rest of the engine state.
type Journal struct {
	FD     int
	Offset uint64
	Len    uint64

	// UsedStart is the tail: the oldest sector position still pinned by a
	// live record. It only advances through Trim.
	UsedStart uint64
	// NextFree is the head: the next allocation position.
	NextFree uint64
	// CRCLast chains the next entry to the last one appended.
	CRCLast uint32

	buf     []byte
	sectors []SectorInfo
	cur     int
	inPos   int

	records []Record
}

// New returns a journal over [offset, offset+length) of fd with a window of
// sectorCount in-memory sector buffers, in the fresh (empty) state. length
// must be a multiple of SectorSize and large enough for the reserved start
// sector plus at least two more.
func New(fd int, offset, length uint64, sectorCount int) *Journal {
	if sectorCount < 2 {
		sectorCount = 2
	}
	j := &Journal{
		FD:      fd,
		Offset:  offset,
		Len:     length,
		buf:     directio.AlignedBlock(sectorCount * SectorSize),
		sectors: make([]SectorInfo, sectorCount),
	}
	j.Reset()
	return j
}

// Reset returns the journal to the fresh state: one empty current sector at
// the start of the circular area.
func (j *Journal) Reset() {
	j.UsedStart = SectorSize
	j.NextFree = 2 * SectorSize
	j.CRCLast = 0
	j.cur = 0
	j.inPos = 0
	for i := range j.sectors {
		j.sectors[i] = SectorInfo{}
	}
	j.sectors[0].Offset = SectorSize
	for i := range j.buf {
		j.buf[i] = 0
	}
	j.records = j.records[:0]
}

func (j *Journal) sector(i int) []byte {
	return j.buf[i*SectorSize : (i+1)*SectorSize]
}

func (j *Journal) area() uint64 {
	return j.Len - SectorSize
}

func (j *Journal) advance(pos, n uint64) uint64 {
	pos += n
	if pos >= j.Len {
		pos = SectorSize
	}
	return pos
}

// UsedBytes returns the circular distance from the tail to the head. The
// current sector is always inside it.
func (j *Journal) UsedBytes() uint64 {
	if j.NextFree >= j.UsedStart {
		return j.NextFree - j.UsedStart
	}
	return j.area() - (j.UsedStart - j.NextFree)
}

// FreeBytes returns the bytes available for reservation.
func (j *Journal) FreeBytes() uint64 {
	return j.area() - j.UsedBytes()
}

// MaxPayload returns the largest payload one reservation can ever satisfy.
// A bigger payload must be rejected outright rather than parked, since no
// amount of trimming frees the space.
func (j *Journal) MaxPayload() uint64 {
	if j.area() < 2*SectorSize {
		return 0
	}
	return j.area() - 2*SectorSize
}

// SectorBusy reports whether sector buffer i still has unreleased records.
func (j *Journal) SectorBusy(i int) bool {
	return j.sectors[i].Usage > 0
}

// ReleaseSector drops one usage reference from sector buffer i.
func (j *Journal) ReleaseSector(i int) {
	if i >= 0 && i < len(j.sectors) && j.sectors[i].Usage > 0 {
		j.sectors[i].Usage--
	}
}

// Check reports whether an entry plus a contiguous payload of payloadLen
// bytes can be reserved right now. WaitNone means yes; WaitJournalBuffer
// means the next sector buffer is still in use; WaitJournal means the head
// would cross the tail, with the needed byte count as detail.
func (j *Journal) Check(payloadLen int) (base.WaitKind, uint64) {
	pos := j.NextFree
	var need uint64
	if SectorSize-j.inPos < MaxEntrySize {
		if j.SectorBusy((j.cur + 1) % len(j.sectors)) {
			return base.WaitJournalBuffer, 0
		}
		need += SectorSize
		pos = j.advance(pos, SectorSize)
	}
	if payloadLen > 0 {
		if j.Len-pos < uint64(payloadLen) {
			// The payload must be contiguous; the tail bytes are wasted
			// and the payload wraps to the area start.
			need += j.Len - pos
			pos = SectorSize
		}
		need += uint64(payloadLen)
	}
	if need >= j.FreeBytes() {
		return base.WaitJournal, need
	}
	return base.WaitNone, 0
}

// Append encodes e into the current sector, rotating to the next buffer
// first when less than MaxEntrySize remains, allocates the payload area for
// small writes (setting e.DataOffset and e.DataCRC from payload), chains the
// CRC, and bumps the sector's usage count. The caller must have cleared
// Check with the same payload length.
func (j *Journal) Append(e *Entry, payload []byte) Appended {
	if SectorSize-j.inPos < MaxEntrySize {
		j.rotate()
	}
	if len(payload) > 0 {
		if j.Len-j.NextFree < uint64(len(payload)) {
			j.NextFree = SectorSize
		}
		e.DataOffset = j.NextFree
		e.DataCRC = crc32.ChecksumIEEE(payload)
		j.NextFree = j.advance(j.NextFree, uint64(len(payload)))
	}
	sector := j.sector(j.cur)
	n := e.Encode(sector[j.inPos:], j.CRCLast)
	j.inPos += n
	j.CRCLast = e.CRC32
	j.sectors[j.cur].Usage++
	j.records = append(j.records, Record{
		SectorPos: j.sectors[j.cur].Offset,
		Ver:       e.Ver,
		Type:      e.Type,
	})

	// Snapshot the sector for submission: later entries appended to the
	// same buffer must not race the in-flight write, and same-fd ring
	// ordering guarantees the newest snapshot lands last.
	snap := make([]byte, SectorSize)
	copy(snap, sector)
	return Appended{
		SectorIndex: j.cur,
		SectorPos:   j.sectors[j.cur].Offset,
		Sector:      snap,
		PayloadPos:  e.DataOffset,
	}
}

func (j *Journal) rotate() {
	j.cur = (j.cur + 1) % len(j.sectors)
	j.sectors[j.cur].Offset = j.NextFree
	j.inPos = 0
	j.NextFree = j.advance(j.NextFree, SectorSize)
	s := j.sector(j.cur)
	for i := range s {
		s[i] = 0
	}
}

// Trim pops released records off the tail and advances UsedStart to the
// oldest sector still pinned. released reports whether a record's version no
// longer needs its journal space. Returns true when the tail moved; the
// caller then rewrites the start sector.
func (j *Journal) Trim(released func(Record) bool) bool {
	n := 0
	for ; n < len(j.records); n++ {
		if !released(j.records[n]) {
			break
		}
	}
	if n == 0 {
		return false
	}
	j.records = append(j.records[:0], j.records[n:]...)
	old := j.UsedStart
	if len(j.records) > 0 {
		j.UsedStart = j.records[0].SectorPos
	} else {
		// Nothing live at all: rebase the tail onto the head and close the
		// current sector, so the space behind the head (including the
		// sector's own payload run) is reclaimed and the next append
		// starts a fresh sector. An empty record window implies every
		// sector write has completed, so the buffers are all reusable.
		j.UsedStart = j.NextFree
		j.inPos = SectorSize
	}
	return j.UsedStart != old
}

// Records returns the live record window in disk order.
func (j *Journal) Records() []Record {
	return j.records
}

// EncodeStart fills a start-sector image recording usedStart as the replay
// position. The caller submits it at the region's first sector.
func EncodeStart(buf []byte, usedStart uint64) {
	for i := range buf[:SectorSize] {
		buf[i] = 0
	}
	e := Entry{Type: TypeStart, JournalStart: usedStart}
	e.Encode(buf, 0)
}
