package blockstore

import (
	"bedrock/internal/base"
	"bedrock/internal/journal"
	"bedrock/internal/ring"
)

// Sync phases. A sync fences exactly the writes whose callbacks had fired
// when it was dequeued: data fsync first if any big write still needs it,
// then a journal metadata entry per big write, then the journal fsync.
// The capture runs once; every later phase is re-enterable after a park.
const (
	syncCapture    = 0 // partition the unsynced set
	syncDataSubmit = 1 // captured; the data fsync still needs a slot
	syncDataWait   = 2 // data fsync in flight
	syncEmit       = 3 // emitting big-write meta entries / waiting for them
	syncFsync      = 4 // journal fsync in flight
)

func (bs *Blockstore) dequeueSync(op *Op) bool {
	if op.phase == syncCapture {
		if len(bs.unsynced) == 0 {
			bs.finish(op, 0)
			return true
		}
		for _, ver := range bs.unsynced {
			if d := bs.dirtyOf(ver); d != nil && d.state == base.StBigWritten {
				op.syncBig = append(op.syncBig, ver)
			} else {
				op.syncSmall = append(op.syncSmall, ver)
			}
		}
		bs.unsynced = bs.unsynced[:0]
		if len(op.syncBig) > 0 {
			op.phase = syncDataSubmit
		} else {
			op.phase = syncEmit
		}
	}

	if op.phase == syncDataSubmit {
		sqe := bs.getSQE(op)
		if sqe == nil {
			op.wait = base.WaitSQE
			return false
		}
		sqe.Op = bs.fsyncOp()
		sqe.FD = bs.data.FD()
		op.pending = 1
		op.phase = syncDataWait
		return true
	}
	return bs.syncEmitEntries(op)
}

// syncEmitEntries appends one big-write metadata entry per captured big
// write, as journal space and submission slots allow, then submits the
// journal fsync. Partial progress is kept across cycles in op.syncDone.
func (bs *Blockstore) syncEmitEntries(op *Op) bool {
	for op.syncDone < len(op.syncBig) {
		if wait, detail := bs.journal.Check(0); wait != base.WaitNone {
			if op.pending > 0 {
				// Let the in-flight entry writes land first; their
				// completion requeues us.
				return true
			}
			op.wait = wait
			op.waitBytes = detail
			return false
		}
		sqe := bs.getSQE(op)
		if sqe == nil {
			if op.pending > 0 {
				return true
			}
			op.wait = base.WaitSQE
			return false
		}

		ver := op.syncBig[op.syncDone]
		op.syncDone++
		d := bs.dirtyOf(ver)
		if d == nil {
			// Rolled back since capture; give the slot back.
			bs.ring.Unstage(bs.ring.Staged() - 1)
			continue
		}
		e := &journal.Entry{Type: journal.TypeBigWrite, Ver: ver, Location: d.location}
		app := bs.journal.Append(e, nil)
		op.usedSectors = append(op.usedSectors, app.SectorIndex)

		sqe.Op = ring.OpWrite
		sqe.FD = bs.journal.FD
		sqe.Offset = int64(bs.journal.Offset + app.SectorPos)
		sqe.Buf = app.Sector
		op.pending++
		d.state = base.StBigMetaWritten
	}
	if op.pending > 0 {
		return true
	}

	sqe := bs.getSQE(op)
	if sqe == nil {
		op.wait = base.WaitSQE
		return false
	}
	sqe.Op = bs.fsyncOp()
	sqe.FD = bs.journal.FD
	op.pending = 1
	op.phase = syncFsync
	return true
}

// continueSync advances the fence when its outstanding submissions drain.
func (bs *Blockstore) continueSync(op *Op) {
	if op.failed != 0 {
		bs.releaseSectors(op)
		bs.finish(op, op.failed)
		return
	}
	switch op.phase {
	case syncDataWait:
		for _, ver := range op.syncBig {
			if d := bs.dirtyOf(ver); d != nil && d.state == base.StBigWritten {
				d.state = base.StBigSynced
			}
		}
		op.phase = syncEmit
		bs.requeueFront(op)
	case syncEmit:
		bs.requeueFront(op)
	case syncFsync:
		for _, ver := range op.syncSmall {
			d := bs.dirtyOf(ver)
			if d == nil {
				continue
			}
			switch d.state {
			case base.StJournalWritten:
				d.state = base.StJournalSynced
			case base.StDelWritten:
				d.state = base.StDelSynced
			}
		}
		for _, ver := range op.syncBig {
			if d := bs.dirtyOf(ver); d != nil && d.state == base.StBigMetaWritten {
				d.state = base.StBigMetaSynced
			}
		}
		bs.releaseSectors(op)
		bs.finish(op, 0)
	}
}

func (bs *Blockstore) dirtyOf(ver base.ObjVer) *dirtyEntry {
	obj := bs.object(ver.OID)
	if obj == nil {
		return nil
	}
	return obj.dirtyFind(ver.Version)
}
