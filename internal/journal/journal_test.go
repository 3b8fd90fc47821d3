package journal

import (
	"hash/crc32"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"bedrock/internal/base"
)

func TestEntryCodec(t *testing.T) {
	buf := make([]byte, SectorSize)
	e := Entry{
		Type:       TypeSmallWrite,
		Ver:        base.ObjVer{OID: base.ObjectID{Inode: 3, Stripe: 16}, Version: 9},
		Offset:     4096,
		Len:        8192,
		DataOffset: 1024,
		DataCRC:    0xdeadbeef,
	}
	n := e.Encode(buf, 0x1234)
	require.Equal(t, SmallWriteSize, n)

	got, err := Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, e.Ver, got.Ver)
	assert.Equal(t, uint32(4096), got.Offset)
	assert.Equal(t, uint32(8192), got.Len)
	assert.Equal(t, uint64(1024), got.DataOffset)
	assert.Equal(t, uint32(0xdeadbeef), got.DataCRC)
	assert.Equal(t, uint32(0x1234), got.CRCPrev)

	buf[20] ^= 0xff
	_, err = Decode(buf)
	require.ErrorIs(t, err, ErrBadCRC)
	buf[20] ^= 0xff

	buf[5] ^= 0xff
	_, err = Decode(buf)
	require.ErrorIs(t, err, ErrBadMagic)
}

func TestEntryCodecAllTypes(t *testing.T) {
	ver := base.ObjVer{OID: base.ObjectID{Inode: 1, Stripe: 2}, Version: 3}
	for _, typ := range []uint16{TypeBigWrite, TypeDelete, TypeStable, TypeRollback} {
		buf := make([]byte, SectorSize)
		e := Entry{Type: typ, Ver: ver, Location: 1 << 20}
		e.Encode(buf, 7)
		got, err := Decode(buf)
		require.NoError(t, err)
		assert.Equal(t, typ, got.Type)
		assert.Equal(t, ver, got.Ver)
		if typ == TypeBigWrite {
			assert.Equal(t, uint64(1<<20), got.Location)
		}
	}
}

func newTestJournal(t *testing.T, length uint64, sectors int) *Journal {
	t.Helper()
	f, err := os.Create(filepath.Join(t.TempDir(), "journal"))
	require.NoError(t, err)
	require.NoError(t, f.Truncate(int64(length)))
	t.Cleanup(func() { f.Close() })
	return New(int(f.Fd()), 0, length, sectors)
}

func TestFreshState(t *testing.T) {
	j := newTestJournal(t, 1<<20, 4)
	assert.Equal(t, uint64(SectorSize), j.UsedStart)
	assert.Equal(t, uint64(2*SectorSize), j.NextFree)
	assert.Equal(t, uint64(SectorSize), j.UsedBytes())
}

func TestAppendChainsCRC(t *testing.T) {
	j := newTestJournal(t, 1<<20, 4)
	payload := []byte{1, 2, 3, 4}

	e1 := &Entry{Type: TypeSmallWrite, Ver: base.ObjVer{OID: base.ObjectID{Inode: 1}, Version: 1}, Offset: 0, Len: 4}
	a1 := j.Append(e1, payload)
	assert.Equal(t, uint32(0), e1.CRCPrev)
	assert.Equal(t, uint64(2*SectorSize), a1.PayloadPos)
	assert.Equal(t, crc32.ChecksumIEEE(payload), e1.DataCRC)

	e2 := &Entry{Type: TypeStable, Ver: base.ObjVer{OID: base.ObjectID{Inode: 1}, Version: 1}}
	j.Append(e2, nil)
	assert.Equal(t, e1.CRC32, e2.CRCPrev)

	recs := j.Records()
	require.Len(t, recs, 2)
	assert.Equal(t, TypeSmallWrite, recs[0].Type)
	assert.Equal(t, TypeStable, recs[1].Type)
	assert.Equal(t, recs[0].SectorPos, recs[1].SectorPos)
}

func TestSectorRotationAndBufferBusy(t *testing.T) {
	j := newTestJournal(t, 1<<20, 2)

	// Fill the first buffer to the rotation threshold without releasing.
	var v uint64
	fill := func(want int) (appends []Appended) {
		for SectorSize-j.inPos >= MaxEntrySize {
			v++
			e := &Entry{Type: TypeStable, Ver: base.ObjVer{Version: v}}
			a := j.Append(e, nil)
			assert.Equal(t, want, a.SectorIndex)
			appends = append(appends, a)
		}
		return appends
	}
	first := fill(0)
	require.NotEmpty(t, first)

	// Rotation into buffer 1 is free; fill that one too.
	v++
	a := j.Append(&Entry{Type: TypeStable, Ver: base.ObjVer{Version: v}}, nil)
	require.Equal(t, 1, a.SectorIndex)
	fill(1)

	// The window wraps back to buffer 0, which is still in use.
	wait, _ := j.Check(0)
	assert.Equal(t, base.WaitJournalBuffer, wait)

	for range first {
		j.ReleaseSector(0)
	}
	wait, _ = j.Check(0)
	assert.Equal(t, base.WaitNone, wait)

	v++
	a = j.Append(&Entry{Type: TypeStable, Ver: base.ObjVer{Version: v}}, nil)
	assert.Equal(t, 0, a.SectorIndex)
}

func TestJournalFullParks(t *testing.T) {
	// Area of 3 usable sectors: start + 3.
	j := newTestJournal(t, 4*SectorSize, 4)

	// A payload bigger than the free area must park on WaitJournal.
	wait, need := j.Check(3 * SectorSize)
	assert.Equal(t, base.WaitJournal, wait)
	assert.NotZero(t, need)

	// A small payload fits.
	wait, _ = j.Check(64)
	assert.Equal(t, base.WaitNone, wait)
}

func TestTrimAdvancesTail(t *testing.T) {
	j := newTestJournal(t, 1<<20, 4)
	v1 := base.ObjVer{OID: base.ObjectID{Inode: 1}, Version: 1}
	v2 := base.ObjVer{OID: base.ObjectID{Inode: 2}, Version: 1}
	j.Append(&Entry{Type: TypeSmallWrite, Ver: v1, Len: 8}, make([]byte, 8))
	j.Append(&Entry{Type: TypeSmallWrite, Ver: v2, Len: 8}, make([]byte, 8))

	moved := j.Trim(func(r Record) bool { return false })
	assert.False(t, moved)
	assert.Equal(t, uint64(SectorSize), j.UsedStart)

	// Release everything: the tail rebases onto the head and the next
	// append starts a fresh sector.
	moved = j.Trim(func(r Record) bool { return true })
	assert.True(t, moved)
	assert.Empty(t, j.Records())
	assert.Equal(t, j.NextFree, j.UsedStart)
	assert.Equal(t, uint64(0), j.UsedBytes())

	a := j.Append(&Entry{Type: TypeStable, Ver: v1}, nil)
	assert.Equal(t, j.UsedStart, a.SectorPos, "fresh sector starts at the rebased tail")
}

func TestScanRoundTrip(t *testing.T) {
	length := uint64(1 << 20)
	f, err := os.Create(filepath.Join(t.TempDir(), "journal"))
	require.NoError(t, err)
	require.NoError(t, f.Truncate(int64(length)))
	defer f.Close()
	fd := int(f.Fd())

	j := New(fd, 0, length, 4)

	write := func(a Appended, payload []byte, payloadPos uint64) {
		require.NoError(t, pwriteFull(fd, a.Sector, int64(a.SectorPos)))
		if payload != nil {
			require.NoError(t, pwriteFull(fd, payload, int64(payloadPos)))
		}
	}

	start := make([]byte, SectorSize)
	EncodeStart(start, j.UsedStart)
	require.NoError(t, pwriteFull(fd, start, 0))

	v1 := base.ObjVer{OID: base.ObjectID{Inode: 1, Stripe: 0}, Version: 1}
	p1 := []byte("first payload bytes")
	a := j.Append(&Entry{Type: TypeSmallWrite, Ver: v1, Offset: 100, Len: uint32(len(p1))}, p1)
	write(a, p1, a.PayloadPos)

	v2 := base.ObjVer{OID: base.ObjectID{Inode: 1, Stripe: 0}, Version: 2}
	p2 := []byte("second")
	a = j.Append(&Entry{Type: TypeSmallWrite, Ver: v2, Offset: 0, Len: uint32(len(p2))}, p2)
	write(a, p2, a.PayloadPos)

	a = j.Append(&Entry{Type: TypeStable, Ver: v1}, nil)
	write(a, nil, 0)

	var got []Entry
	st, err := Scan(fd, 0, length, func(e Entry) error {
		got = append(got, e)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, TypeSmallWrite, got[0].Type)
	assert.Equal(t, v1, got[0].Ver)
	assert.Equal(t, TypeSmallWrite, got[1].Type)
	assert.Equal(t, v2, got[1].Ver)
	assert.Equal(t, TypeStable, got[2].Type)
	assert.Equal(t, v1, got[2].Ver)

	assert.Equal(t, j.NextFree, st.NextFree)
	assert.Equal(t, j.CRCLast, st.CRCLast)
	assert.Equal(t, j.inPos, st.InSectorPos)
	assert.Len(t, st.Records, 3)

	// A restored journal resumes appending compatibly.
	j2 := New(fd, 0, length, 4)
	j2.Restore(st)
	assert.Equal(t, j.NextFree, j2.NextFree)
	assert.Equal(t, j.CRCLast, j2.CRCLast)
}

func TestScanStopsAtCorruption(t *testing.T) {
	length := uint64(1 << 20)
	f, err := os.Create(filepath.Join(t.TempDir(), "journal"))
	require.NoError(t, err)
	require.NoError(t, f.Truncate(int64(length)))
	defer f.Close()
	fd := int(f.Fd())

	j := New(fd, 0, length, 4)
	start := make([]byte, SectorSize)
	EncodeStart(start, j.UsedStart)
	require.NoError(t, pwriteFull(fd, start, 0))

	var last Appended
	var positions []uint64
	for i := 1; i <= 3; i++ {
		p := []byte{byte(i), byte(i), byte(i)}
		e := &Entry{
			Type: TypeSmallWrite,
			Ver:  base.ObjVer{OID: base.ObjectID{Inode: 1}, Version: uint64(i)},
			Len:  uint32(len(p)),
		}
		last = j.Append(e, p)
		require.NoError(t, pwriteFull(fd, last.Sector, int64(last.SectorPos)))
		require.NoError(t, pwriteFull(fd, p, int64(last.PayloadPos)))
		positions = append(positions, last.PayloadPos)
	}

	// Corrupt the last byte of the third entry in the sector image.
	sector := make([]byte, SectorSize)
	require.NoError(t, preadFull(fd, sector, int64(last.SectorPos)))
	sector[3*SmallWriteSize-1] ^= 0xff
	require.NoError(t, pwriteFull(fd, sector, int64(last.SectorPos)))

	var got []Entry
	st, err := Scan(fd, 0, length, func(e Entry) error {
		got = append(got, e)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, got, 2, "replay must stop at the first broken entry")
	assert.Equal(t, uint64(2), got[1].Ver.Version)
	assert.Equal(t, 2*SmallWriteSize, st.InSectorPos)
	// The resume position points just past the second entry's payload.
	assert.Equal(t, positions[1]+3, st.NextFree)
}

func pwriteFull(fd int, buf []byte, off int64) error {
	done := 0
	for done < len(buf) {
		n, err := unix.Pwrite(fd, buf[done:], off+int64(done))
		if err != nil {
			return err
		}
		done += n
	}
	return nil
}
