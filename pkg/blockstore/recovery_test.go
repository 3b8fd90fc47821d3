package blockstore

import (
	"bytes"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"bedrock/internal/journal"
	"bedrock/internal/ring"
)

// reopen simulates a crash: the in-memory engine is discarded and a fresh
// one recovers from the same devices.
func (h *harness) reopen() {
	h.t.Helper()
	require.NoError(h.t, h.bs.Close())
	require.NoError(h.t, h.ring.Close())

	h.ring = ring.New(64, 2)
	bs, err := Open(h.conf, h.ring)
	require.NoError(h.t, err)
	h.bs = bs
}

func TestRecoverySmallWrites(t *testing.T) {
	h := newHarness(t, nil)
	b1 := pattern('1', 512)
	b2 := pattern('2', 1024)

	require.Equal(t, 512, h.write(oid(1, 0), 1, 0, b1))
	require.Equal(t, 1024, h.write(oid(1, 0), 2, 1024, b2))
	require.Equal(t, 0, h.sync())

	h.reopen()

	// Synced versions survive the crash; they come back in their synced
	// (not stable) states and stabilize normally.
	obj := h.bs.object(oid(1, 0))
	require.NotNil(t, obj)
	require.Equal(t, uint64(2), obj.maxVersion())

	require.Equal(t, 0, h.stable(oid(1, 0), 1))
	require.Equal(t, 0, h.stable(oid(1, 0), 2))

	got, rv := h.read(oid(1, 0), 0, 2048)
	require.Equal(t, 2048, rv)
	assert.True(t, bytes.Equal(b1, got[:512]))
	assert.True(t, bytes.Equal(make([]byte, 512), got[512:1024]))
	assert.True(t, bytes.Equal(b2, got[1024:2048]))
}

func TestRecoveryStableMarker(t *testing.T) {
	h := newHarness(t, nil)
	b := pattern('S', 512)

	require.Equal(t, 512, h.write(oid(1, 0), 1, 0, b))
	require.Equal(t, 0, h.sync())
	require.Equal(t, 0, h.stable(oid(1, 0), 1))

	h.reopen()

	// The stable marker was replayed, so the version is visible to plain
	// reads with no further ceremony.
	got, rv := h.read(oid(1, 0), 0, 512)
	require.Equal(t, 512, rv)
	assert.True(t, bytes.Equal(b, got))
}

func TestRecoveryBigWrite(t *testing.T) {
	h := newHarness(t, nil)
	block := int(h.bs.BlockSize())
	a := pattern('A', block)

	require.Equal(t, block, h.write(oid(1, 0), 1, 0, a))
	require.Equal(t, 0, h.sync())
	require.Equal(t, 0, h.stable(oid(1, 0), 1))

	h.reopen()

	got, rv := h.read(oid(1, 0), 0, uint32(block))
	require.Equal(t, block, rv)
	assert.True(t, bytes.Equal(a, got))

	// The replayed big write pins its data block again.
	obj := h.bs.object(oid(1, 0))
	require.NotNil(t, obj)
	d := obj.dirtyFind(1)
	if d != nil {
		assert.True(t, h.bs.alloc.Used(d.location/uint64(h.bs.BlockSize())))
	}
}

func TestRecoveryAfterPromotion(t *testing.T) {
	h := newHarness(t, nil)
	b := pattern('P', 1024)

	require.Equal(t, 1024, h.write(oid(5, 16), 3, 0, b))
	require.Equal(t, 0, h.sync())
	require.Equal(t, 0, h.stable(oid(5, 16), 3))
	h.drive(func() bool {
		obj := h.bs.object(oid(5, 16))
		return obj != nil && obj.clean != nil && len(obj.dirty) == 0
	})

	h.reopen()

	// The object now lives in the clean-entry table alone.
	obj := h.bs.object(oid(5, 16))
	require.NotNil(t, obj)
	require.NotNil(t, obj.clean)
	assert.Equal(t, uint64(3), obj.clean.version)
	assert.Empty(t, obj.dirty)

	got, rv := h.read(oid(5, 16), 0, 1024)
	require.Equal(t, 1024, rv)
	assert.True(t, bytes.Equal(b, got))
}

func TestRecoveryCRCTruncation(t *testing.T) {
	h := newHarness(t, nil)
	payloads := [][]byte{pattern('1', 512), pattern('2', 512), pattern('3', 512)}

	for i, p := range payloads {
		require.Equal(t, 512, h.write(oid(1, 0), uint64(i+1), uint32(i)*512, p))
	}
	require.Equal(t, 0, h.sync())

	require.NoError(t, h.bs.Close())
	require.NoError(t, h.ring.Close())

	// Corrupt the last byte of the third small-write entry. All three
	// entries share the first journal sector at position 512.
	f, err := os.OpenFile(h.conf["journal_device"], os.O_RDWR, 0644)
	require.NoError(t, err)
	pos := int64(journal.SectorSize + 3*journal.SmallWriteSize - 1)
	one := make([]byte, 1)
	_, err = f.ReadAt(one, pos)
	require.NoError(t, err)
	one[0] ^= 0xff
	_, err = f.WriteAt(one, pos)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	h.ring = ring.New(64, 2)
	bs, err := Open(h.conf, h.ring)
	require.NoError(t, err)
	h.bs = bs

	// Replay stops at the broken entry: the object reflects the first two
	// writes only.
	obj := h.bs.object(oid(1, 0))
	require.NotNil(t, obj)
	assert.Equal(t, uint64(2), obj.maxVersion())
	assert.Nil(t, obj.dirtyFind(3))

	// The journal resumes just past the second entry's payload.
	expectNextFree := uint64(journal.SectorSize) + journal.SectorSize + 2*512
	assert.Equal(t, expectNextFree, h.bs.journal.NextFree)

	require.Equal(t, 0, h.stable(oid(1, 0), 1))
	require.Equal(t, 0, h.stable(oid(1, 0), 2))
	got, rv := h.read(oid(1, 0), 0, 1536)
	require.Equal(t, 1536, rv)
	assert.True(t, bytes.Equal(payloads[0], got[:512]))
	assert.True(t, bytes.Equal(payloads[1], got[512:1024]))
	assert.True(t, bytes.Equal(make([]byte, 512), got[1024:1536]),
		"the truncated third write must be gone")
}

func TestRecoveryRollbackMarker(t *testing.T) {
	h := newHarness(t, nil)

	require.Equal(t, 512, h.write(oid(1, 0), 1, 0, pattern('A', 512)))
	require.Equal(t, 0, h.sync())
	require.Equal(t, 0, h.stable(oid(1, 0), 1))
	require.Equal(t, 512, h.write(oid(1, 0), 2, 512, pattern('B', 512)))
	require.Equal(t, 0, h.sync())
	require.Equal(t, 0, h.rollback(oid(1, 0), 2))

	h.reopen()

	obj := h.bs.object(oid(1, 0))
	require.NotNil(t, obj)
	assert.Equal(t, uint64(1), obj.maxVersion(), "rolled-back version must not resurface")

	got, rv := h.read(oid(1, 0), 0, 1024)
	require.Equal(t, 1024, rv)
	assert.True(t, bytes.Equal(pattern('A', 512), got[:512]))
	assert.True(t, bytes.Equal(make([]byte, 512), got[512:]))
}

func TestRecoveryDeleteTombstone(t *testing.T) {
	h := newHarness(t, nil)
	block := int(h.bs.BlockSize())

	require.Equal(t, block, h.write(oid(1, 0), 1, 0, pattern('A', block)))
	require.Equal(t, 0, h.sync())
	require.Equal(t, 0, h.stable(oid(1, 0), 1))
	require.Equal(t, 0, h.delete(oid(1, 0), 2))
	require.Equal(t, 0, h.sync())

	h.reopen()

	// The tombstone replays as a synced delete covering the object.
	got, rv := h.read(oid(1, 0), 0, uint32(block))
	require.Equal(t, block, rv)
	assert.True(t, bytes.Equal(make([]byte, block), got))
}
