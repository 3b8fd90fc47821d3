package blockstore

import (
	"golang.org/x/sys/unix"

	"bedrock/internal/base"
	"bedrock/internal/journal"
	"bedrock/internal/ring"
)

// dequeueStable commits a synced version: a stable marker goes into the
// journal followed by a journal fsync. Stabilizing an already-stable or
// already-promoted version succeeds with no I/O.
func (bs *Blockstore) dequeueStable(op *Op) bool {
	obj := bs.object(op.OID)
	if obj == nil {
		bs.finish(op, -int(unix.ENOENT))
		return true
	}
	d := obj.dirtyFind(op.Version)
	if d == nil {
		if obj.clean != nil && obj.clean.version >= op.Version {
			bs.finish(op, 0)
			return true
		}
		bs.finish(op, -int(unix.ENOENT))
		return true
	}
	if d.failed != 0 {
		bs.finish(op, d.failed)
		return true
	}
	// A synced delete is already visible as stable to reads, but it still
	// needs its stable marker before the flusher may collapse it.
	if d.state.IsStable() && d.state != base.StDelSynced {
		bs.finish(op, 0)
		return true
	}
	if !d.state.IsSynced() {
		// Stability is a durability promise; it cannot outrun the sync
		// fence.
		bs.finish(op, -int(unix.EBUSY))
		return true
	}

	if wait, detail := bs.journal.Check(0); wait != base.WaitNone {
		op.wait = wait
		op.waitBytes = detail
		return false
	}
	snap := bs.ring.Staged()
	sectorSQE := bs.getSQE(op)
	fsyncSQE := bs.getSQE(op)
	if sectorSQE == nil || fsyncSQE == nil {
		bs.ring.Unstage(snap)
		op.wait = base.WaitSQE
		return false
	}

	e := &journal.Entry{
		Type: journal.TypeStable,
		Ver:  base.ObjVer{OID: op.OID, Version: op.Version},
	}
	app := bs.journal.Append(e, nil)
	op.usedSectors = append(op.usedSectors, app.SectorIndex)

	sectorSQE.Op = ring.OpWrite
	sectorSQE.FD = bs.journal.FD
	sectorSQE.Offset = int64(bs.journal.Offset + app.SectorPos)
	sectorSQE.Buf = app.Sector

	// Same fd, so the ring applies the fsync after the sector write.
	fsyncSQE.Op = bs.fsyncOp()
	fsyncSQE.FD = bs.journal.FD

	op.pending = 2
	return true
}

func (bs *Blockstore) completeStable(op *Op) {
	bs.releaseSectors(op)
	if op.failed != 0 {
		bs.finish(op, op.failed)
		return
	}
	if d := bs.dirtyOf(base.ObjVer{OID: op.OID, Version: op.Version}); d != nil {
		switch d.state {
		case base.StJournalSynced:
			d.state = base.StJournalStable
		case base.StBigMetaSynced:
			d.state = base.StBigStable
		case base.StDelSynced:
			d.state = base.StDelStable
		}
	}
	bs.finish(op, 0)
}

// dequeueRollback discards the given version and any newer dirty versions of
// the object. Stable versions cannot be rolled back; versions still in
// flight cannot either. The discard itself runs as a second phase once the
// marker is durable and no scatter read references the victims' storage.
func (bs *Blockstore) dequeueRollback(op *Op) bool {
	if op.phase == 1 {
		if bs.inflightReads > 0 {
			// waitVer 0 never resolves to an entry, so the op simply
			// retries each cycle until reads drain.
			op.wait = base.WaitInFlight
			op.waitVer = 0
			return false
		}
		bs.discardVersions(op.OID, op.Version)
		bs.finish(op, 0)
		return true
	}
	obj := bs.object(op.OID)
	if obj == nil {
		bs.finish(op, -int(unix.ENOENT))
		return true
	}
	victims := rollbackVictims(obj, op.Version)
	if len(victims) == 0 {
		if obj.clean != nil && obj.clean.version >= op.Version {
			bs.finish(op, -int(unix.EBUSY))
			return true
		}
		bs.finish(op, 0)
		return true
	}
	// Failed entries are eligible: rollback is the only way to clear them.
	for _, d := range victims {
		if d.state.IsStable() || d.state == base.StInFlight {
			bs.finish(op, -int(unix.EBUSY))
			return true
		}
	}

	if wait, detail := bs.journal.Check(0); wait != base.WaitNone {
		op.wait = wait
		op.waitBytes = detail
		return false
	}
	snap := bs.ring.Staged()
	sectorSQE := bs.getSQE(op)
	fsyncSQE := bs.getSQE(op)
	if sectorSQE == nil || fsyncSQE == nil {
		bs.ring.Unstage(snap)
		op.wait = base.WaitSQE
		return false
	}

	e := &journal.Entry{
		Type: journal.TypeRollback,
		Ver:  base.ObjVer{OID: op.OID, Version: op.Version},
	}
	app := bs.journal.Append(e, nil)
	op.usedSectors = append(op.usedSectors, app.SectorIndex)

	sectorSQE.Op = ring.OpWrite
	sectorSQE.FD = bs.journal.FD
	sectorSQE.Offset = int64(bs.journal.Offset + app.SectorPos)
	sectorSQE.Buf = app.Sector

	fsyncSQE.Op = bs.fsyncOp()
	fsyncSQE.FD = bs.journal.FD

	op.pending = 2
	return true
}

func (bs *Blockstore) completeRollback(op *Op) {
	bs.releaseSectors(op)
	if op.failed != 0 {
		bs.finish(op, op.failed)
		return
	}
	// The marker is durable; the discard runs on the next drain cycle so
	// reads already scattered over the victims finish first.
	op.phase = 1
	bs.requeueFront(op)
}

// discardVersions removes dirty versions >= from of the object, freeing the
// data blocks of big writes and forgetting their unsynced membership. Their
// journal space is reclaimed by trim once the records stop resolving.
func (bs *Blockstore) discardVersions(oid base.ObjectID, from uint64) {
	obj := bs.object(oid)
	if obj == nil {
		return
	}
	kept := obj.dirty[:0]
	for _, d := range obj.dirty {
		if d.version < from {
			kept = append(kept, d)
			continue
		}
		if d.state.IsBig() {
			bs.alloc.Set(d.location/uint64(bs.cfg.BlockSize), false)
		}
	}
	obj.dirty = kept
	bs.dropIfEmpty(oid)

	keptUnsynced := bs.unsynced[:0]
	for _, ver := range bs.unsynced {
		if ver.OID == oid && ver.Version >= from {
			continue
		}
		keptUnsynced = append(keptUnsynced, ver)
	}
	bs.unsynced = keptUnsynced
}

func rollbackVictims(obj *object, from uint64) []*dirtyEntry {
	var victims []*dirtyEntry
	for _, d := range obj.dirty {
		if d.version >= from {
			victims = append(victims, d)
		}
	}
	return victims
}
