package blockstore

import (
	"golang.org/x/sys/unix"

	"bedrock/internal/allocator"
	"bedrock/internal/base"
	"bedrock/internal/journal"
	"bedrock/internal/ring"
)

// errnoClosed is reported through callbacks of ops abandoned by Close.
const errnoClosed = unix.ENODEV

// dequeueWrite submits a write's initial I/O. Big (full-block) writes
// redirect to a freshly allocated data block with a single submission; small
// writes reserve journal space and submit the entry sector plus the payload.
func (bs *Blockstore) dequeueWrite(op *Op) bool {
	obj := bs.object(op.OID)
	d := obj.dirtyFind(op.Version)

	if op.Len == bs.cfg.BlockSize {
		// Big (redirect) write.
		block := bs.alloc.FindFree()
		if block == allocator.NoBlock {
			obj.dirtyDrop(op.Version)
			bs.dropIfEmpty(op.OID)
			bs.finish(op, -int(unix.ENOSPC))
			return true
		}
		sqe := bs.getSQE(op)
		if sqe == nil {
			op.wait = base.WaitSQE
			return false
		}
		bs.alloc.Set(block, true)
		d.location = block * uint64(bs.cfg.BlockSize)
		sqe.Op = ring.OpWrite
		sqe.FD = bs.data.FD()
		sqe.Offset = int64(bs.data.Offset + d.location)
		sqe.Buf = op.Buf
		op.pending = 1
		return true
	}

	// Small (journaled) write.
	if uint64(op.Len) > bs.journal.MaxPayload() {
		// Could never fit no matter how far the tail advances.
		obj.dirtyDrop(op.Version)
		bs.dropIfEmpty(op.OID)
		bs.finish(op, -int(unix.ENOSPC))
		return true
	}
	if wait, detail := bs.journal.Check(int(op.Len)); wait != base.WaitNone {
		op.wait = wait
		op.waitBytes = detail
		return false
	}
	snap := bs.ring.Staged()
	sectorSQE := bs.getSQE(op)
	dataSQE := bs.getSQE(op)
	if sectorSQE == nil || dataSQE == nil {
		bs.ring.Unstage(snap)
		op.wait = base.WaitSQE
		return false
	}

	e := &journal.Entry{
		Type:   journal.TypeSmallWrite,
		Ver:    base.ObjVer{OID: op.OID, Version: op.Version},
		Offset: op.Offset,
		Len:    op.Len,
	}
	app := bs.journal.Append(e, op.Buf)
	d.location = app.PayloadPos
	op.usedSectors = append(op.usedSectors, app.SectorIndex)

	sectorSQE.Op = ring.OpWrite
	sectorSQE.FD = bs.journal.FD
	sectorSQE.Offset = int64(bs.journal.Offset + app.SectorPos)
	sectorSQE.Buf = app.Sector

	dataSQE.Op = ring.OpWrite
	dataSQE.FD = bs.journal.FD
	dataSQE.Offset = int64(bs.journal.Offset + app.PayloadPos)
	dataSQE.Buf = op.Buf

	op.pending = 2
	return true
}

// dequeueDelete journals a tombstone entry; it follows the small-write path
// with no payload.
func (bs *Blockstore) dequeueDelete(op *Op) bool {
	if wait, detail := bs.journal.Check(0); wait != base.WaitNone {
		op.wait = wait
		op.waitBytes = detail
		return false
	}
	sqe := bs.getSQE(op)
	if sqe == nil {
		op.wait = base.WaitSQE
		return false
	}

	e := &journal.Entry{
		Type: journal.TypeDelete,
		Ver:  base.ObjVer{OID: op.OID, Version: op.Version},
	}
	app := bs.journal.Append(e, nil)
	op.usedSectors = append(op.usedSectors, app.SectorIndex)

	sqe.Op = ring.OpWrite
	sqe.FD = bs.journal.FD
	sqe.Offset = int64(bs.journal.Offset + app.SectorPos)
	sqe.Buf = app.Sector

	op.pending = 1
	return true
}

// completeWrite runs when the last pending submission of a write or delete
// has been reaped. It publishes the post-write state, adds the version to
// the unsynced set, and fires the callback.
func (bs *Blockstore) completeWrite(op *Op) {
	bs.releaseSectors(op)
	obj := bs.object(op.OID)
	d := obj.dirtyFind(op.Version)

	if op.failed != 0 {
		// The entry stays behind in the terminal failed state so reads of
		// this exact version surface the error instead of stale data, and
		// so nothing keeps waiting on an in-flight completion that already
		// came and went. Rollback discards it.
		d.state = base.StFailed
		d.failed = op.failed
		if op.Kind == base.OpWrite && op.Len == bs.cfg.BlockSize {
			// The redirected block holds garbage and nothing will ever
			// reference it; give it back.
			bs.alloc.Set(d.location/uint64(bs.cfg.BlockSize), false)
		}
		bs.finish(op, op.failed)
		return
	}

	switch {
	case op.Kind == base.OpDelete:
		d.state = base.StDelWritten
	case op.Len == bs.cfg.BlockSize:
		d.state = base.StBigWritten
	default:
		d.state = base.StJournalWritten
	}
	bs.unsynced = append(bs.unsynced, base.ObjVer{OID: op.OID, Version: op.Version})
	bs.finish(op, int(op.Len))
}
