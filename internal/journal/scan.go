package journal

import (
	"hash/crc32"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ScanState is the writer state recovered by Scan: where the chain ended and
// what the partially filled current sector contained. Restore adopts it so
// appending resumes exactly where the crash left off.
type ScanState struct {
	UsedStart uint64
	NextFree  uint64
	CRCLast   uint32

	SectorPos   uint64
	InSectorPos int
	Sector      [SectorSize]byte

	Records []Record
}

// Scan reads the journal region [offset, offset+length) of fd, follows the
// entry chain from the position recorded in the start sector, and invokes fn
// for every valid entry in order. A bad magic, size or CRC, a broken chain
// link, or a payload whose bytes fail their CRC terminates the scan;
// everything beyond is discarded.
func Scan(fd int, offset, length uint64, fn func(Entry) error) (ScanState, error) {
	var st ScanState

	sector := make([]byte, SectorSize)
	if err := preadFull(fd, sector, int64(offset)); err != nil {
		return st, errors.Wrap(err, "read journal start sector")
	}
	st.UsedStart = SectorSize
	if e, err := Decode(sector); err == nil && e.Type == TypeStart {
		if e.JournalStart >= SectorSize && e.JournalStart < length &&
			e.JournalStart%SectorSize == 0 {
			st.UsedStart = e.JournalStart
		}
	}

	pos := st.UsedStart
	cursor := pos + SectorSize
	if cursor >= length {
		cursor = SectorSize
	}
	first := true
	var crcLast uint32

	// Bounded by the sector count of the area, so a corrupt chain that
	// loops cannot spin forever.
	maxSectors := int(length / SectorSize)

	for n := 0; n < maxSectors; n++ {
		if err := preadFull(fd, sector, int64(offset+pos)); err != nil {
			return st, errors.Wrapf(err, "read journal sector at %d", pos)
		}
		cursor = pos + SectorSize
		if cursor >= length {
			cursor = SectorSize
		}

		inPos := 0
		for {
			e, err := Decode(sector[inPos:])
			if err != nil || (!first && e.CRCPrev != crcLast) || e.Type == TypeStart {
				// Chain ends inside this sector.
				st.stopAt(pos, inPos, sector, cursor, crcLast)
				return st, nil
			}
			if e.Type == TypeSmallWrite {
				if !payloadValid(fd, offset, length, e) {
					st.stopAt(pos, inPos, sector, cursor, crcLast)
					return st, nil
				}
				cursor = e.DataOffset + uint64(e.Len)
				if cursor >= length {
					cursor = SectorSize
				}
			}
			first = false
			crcLast = e.CRC32
			st.Records = append(st.Records, Record{SectorPos: pos, Ver: e.Ver, Type: e.Type})
			if fn != nil {
				if err := fn(e); err != nil {
					return st, err
				}
			}
			inPos += int(e.Size)
			if SectorSize-inPos < MaxEntrySize {
				// The writer rotated here; the chain continues in the
				// sector at cursor, or ends if nothing valid chains there.
				break
			}
		}
		pos = cursor
		cursor = pos + SectorSize
		if cursor >= length {
			cursor = SectorSize
		}
	}
	st.stopAt(pos, 0, make([]byte, SectorSize), cursor, crcLast)
	return st, nil
}

func (st *ScanState) stopAt(pos uint64, inPos int, sector []byte, cursor uint64, crcLast uint32) {
	st.SectorPos = pos
	st.InSectorPos = inPos
	copy(st.Sector[:], sector)
	// Zero the invalid tail so resumed appends produce a clean sector image.
	for i := inPos; i < SectorSize; i++ {
		st.Sector[i] = 0
	}
	st.NextFree = cursor
	st.CRCLast = crcLast
}

func payloadValid(fd int, offset, length uint64, e Entry) bool {
	if e.Len == 0 || e.DataOffset < SectorSize ||
		e.DataOffset+uint64(e.Len) > length {
		return false
	}
	buf := make([]byte, e.Len)
	if err := preadFull(fd, buf, int64(offset+e.DataOffset)); err != nil {
		return false
	}
	return crc32.ChecksumIEEE(buf) == e.DataCRC
}

// Restore adopts a scanned writer state so the journal resumes appending
// where the chain ended.
func (j *Journal) Restore(st ScanState) {
	j.UsedStart = st.UsedStart
	j.NextFree = st.NextFree
	j.CRCLast = st.CRCLast
	j.cur = 0
	j.inPos = st.InSectorPos
	for i := range j.sectors {
		j.sectors[i] = SectorInfo{}
	}
	for i := range j.buf {
		j.buf[i] = 0
	}
	j.sectors[0].Offset = st.SectorPos
	copy(j.sector(0), st.Sector[:])
	j.records = append(j.records[:0], st.Records...)
	if len(j.records) > 0 {
		j.UsedStart = j.records[0].SectorPos
	} else {
		j.UsedStart = st.SectorPos
	}
}

func preadFull(fd int, buf []byte, off int64) error {
	done := 0
	for done < len(buf) {
		n, err := unix.Pread(fd, buf[done:], off+int64(done))
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}
		if n == 0 {
			return unix.EIO
		}
		done += n
	}
	return nil
}
