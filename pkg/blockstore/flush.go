package blockstore

import (
	"github.com/ncw/directio"

	"bedrock/internal/allocator"
	"bedrock/internal/base"
	"bedrock/internal/journal"
	"bedrock/internal/ring"
)

// The flusher is the background sweep that empties the journal: it moves
// stable journaled versions into freshly allocated data blocks, commits
// stable big writes and deletes into the clean-entry table, and advances the
// journal tail. It is the only thing that moves used_start.
//
// One job runs at a time, as a small state machine driven from the engine's
// drain cycle; its I/O shares the ring with regular operations.

type flushKind int

const (
	flushJournalMove flushKind = iota // copy journal payload into a data block
	flushBigCommit                    // publish a big write's metadata slot
	flushDelete                       // collapse a deleted object's slot
	flushTrimRecord                   // persist an advanced tail position
)

// Job phases, shared across kinds; kinds skip phases they do not need.
const (
	flushRead     = iota // journal payload + old clean block reads in flight
	flushWrite           // data block write in flight
	flushDataSync        // data fsync in flight
	flushMeta            // metadata slot writes + fsync in flight
	flushTrim            // start-sector rewrite + journal fsync in flight
)

type flushJob struct {
	kind flushKind
	ver  base.ObjVer

	phase   int
	pending int
	failed  int

	newBlock uint64
	scratch  []byte // composed block image
	payload  []byte // journal payload staging
	startBuf []byte // start-sector image for the trim record
}

type flusher struct {
	bs      *Blockstore
	job     *flushJob
	stalled bool // logged once per out-of-space stall
}

func newFlusher(bs *Blockstore) *flusher {
	return &flusher{bs: bs}
}

// loop makes one step of progress: advance the active job if its I/O has
// drained, otherwise look for trimmable or flushable journal records.
func (f *flusher) loop() {
	if f.job != nil {
		if f.job.pending > 0 {
			return
		}
		f.advance(f.job)
		return
	}
	if f.bs.inflightReads == 0 && f.bs.journal.Trim(f.bs.recordReleased) {
		f.startTrim()
		return
	}
	f.pick()
}

// pick scans the journal record window in disk order for the first version
// ready to flush. A version is ready when it is stable and is the oldest
// dirty version of its object, so composition only ever folds one delta
// onto the clean state.
func (f *flusher) pick() {
	bs := f.bs
	for _, rec := range bs.journal.Records() {
		obj := bs.object(rec.Ver.OID)
		if obj == nil {
			continue
		}
		d := obj.dirtyFind(rec.Ver.Version)
		if d == nil {
			continue
		}
		if len(obj.dirty) == 0 || obj.dirty[0].version != rec.Ver.Version {
			continue
		}
		switch d.state {
		case base.StJournalStable:
			f.startJournalMove(rec.Ver, obj, d)
			return
		case base.StBigStable:
			f.startBigCommit(rec.Ver, d)
			return
		case base.StDelStable:
			f.startDelete(rec.Ver, obj)
			return
		}
	}
}

func (f *flusher) sqe(job *flushJob) *ring.SQE {
	sqe := f.bs.ring.GetSQE(f.bs.consumer)
	if sqe != nil {
		sqe.Data = completionTag{flush: job}
	}
	return sqe
}

// startJournalMove begins copying a stable journaled version into a new data
// block: read the old clean block (or zeroes) and the journal payload,
// compose, write, sync, then publish the metadata slot.
func (f *flusher) startJournalMove(ver base.ObjVer, obj *object, d *dirtyEntry) {
	bs := f.bs
	block := bs.alloc.FindFree()
	if block == allocator.NoBlock {
		if !f.stalled {
			bs.log.Warn("flusher stalled: no free data blocks")
			f.stalled = true
		}
		return
	}
	f.stalled = false

	job := &flushJob{
		kind:     flushJournalMove,
		ver:      ver,
		phase:    flushRead,
		newBlock: block,
		scratch:  directio.AlignedBlock(int(bs.cfg.BlockSize)),
		payload:  directio.AlignedBlock(int(d.size)),
	}

	want := 1
	if obj.clean != nil {
		want = 2
	}
	snap := bs.ring.Staged()
	payloadSQE := f.sqe(job)
	var cleanSQE *ring.SQE
	if obj.clean != nil {
		cleanSQE = f.sqe(job)
	}
	if payloadSQE == nil || (obj.clean != nil && cleanSQE == nil) {
		// The ring is saturated with foreground work; retry next cycle.
		bs.ring.Unstage(snap)
		return
	}

	payloadSQE.Op = ring.OpRead
	payloadSQE.FD = bs.journal.FD
	payloadSQE.Offset = int64(bs.journal.Offset + d.location)
	payloadSQE.Buf = job.payload

	if cleanSQE != nil {
		cleanSQE.Op = ring.OpRead
		cleanSQE.FD = bs.data.FD()
		cleanSQE.Offset = int64(bs.data.Offset + obj.clean.location)
		cleanSQE.Buf = job.scratch
	}

	bs.alloc.Set(block, true)
	job.pending = want
	f.job = job
}

func (f *flusher) startBigCommit(ver base.ObjVer, d *dirtyEntry) {
	job := &flushJob{
		kind:     flushBigCommit,
		ver:      ver,
		newBlock: d.location / uint64(f.bs.cfg.BlockSize),
	}
	if !f.submitMeta(job) {
		return
	}
	f.job = job
}

func (f *flusher) startDelete(ver base.ObjVer, obj *object) {
	job := &flushJob{kind: flushDelete, ver: ver}
	if obj.clean == nil {
		// Nothing durable to collapse; promote straight away.
		f.job = job
		job.phase = flushMeta
		return
	}
	if !f.submitMeta(job) {
		return
	}
	f.job = job
}

// submitMeta stages the metadata slot updates for a job: the new slot image,
// the old slot cleared when the object moves blocks, and the meta fsync.
// Same-fd ordering makes the fsync a barrier behind the writes.
func (f *flusher) submitMeta(job *flushJob) bool {
	bs := f.bs
	obj := bs.object(job.ver.OID)

	overrides := make(map[uint64]slotOverride)
	var sectors []uint64
	if job.kind != flushDelete {
		newSlot := job.newBlock
		overrides[newSlot] = slotOverride{oid: job.ver.OID, version: job.ver.Version}
		sectors = append(sectors, metaSectorFor(newSlot))
	}
	if obj != nil && obj.clean != nil {
		oldSlot := obj.clean.location / uint64(bs.cfg.BlockSize)
		if _, ok := overrides[oldSlot]; !ok {
			overrides[oldSlot] = slotOverride{clear: true}
			sec := metaSectorFor(oldSlot)
			if len(sectors) == 0 || sectors[0] != sec {
				sectors = append(sectors, sec)
			}
		}
	}

	snap := bs.ring.Staged()
	sqes := make([]*ring.SQE, 0, len(sectors)+1)
	for range sectors {
		sqes = append(sqes, f.sqe(job))
	}
	fsyncSQE := f.sqe(job)
	for _, s := range sqes {
		if s == nil {
			bs.ring.Unstage(snap)
			return false
		}
	}
	if fsyncSQE == nil {
		bs.ring.Unstage(snap)
		return false
	}

	for i, sec := range sectors {
		buf := directio.AlignedBlock(DiskAlignment)
		bs.composeMetaSector(buf, sec/DiskAlignment*slotsPerSector, overrides)
		sqes[i].Op = ring.OpWrite
		sqes[i].FD = bs.meta.FD()
		sqes[i].Offset = int64(bs.meta.Offset + sec)
		sqes[i].Buf = buf
	}
	fsyncSQE.Op = bs.fsyncOp()
	fsyncSQE.FD = bs.meta.FD()

	job.phase = flushMeta
	job.pending = len(sectors) + 1
	return true
}

// advance runs the next phase once the previous one's I/O has drained.
func (f *flusher) advance(job *flushJob) {
	bs := f.bs
	if job.failed != 0 {
		bs.log.WithField("version", job.ver.String()).
			Errorf("flush failed with errno %d, will retry", -job.failed)
		if job.kind == flushJournalMove {
			bs.alloc.Set(job.newBlock, false)
			// Back to stable so pick starts the move over.
			if d := bs.dirtyOf(job.ver); d != nil {
				d.state = base.StJournalStable
			}
		}
		f.job = nil
		return
	}

	switch job.phase {
	case flushRead:
		d := bs.dirtyOf(job.ver)
		if d == nil {
			// Rolled back while we were reading; drop the job.
			bs.alloc.Set(job.newBlock, false)
			f.job = nil
			return
		}
		copy(job.scratch[d.offset:d.offset+d.size], job.payload)
		sqe := f.sqe(job)
		if sqe == nil {
			return // retry this phase next cycle
		}
		sqe.Op = ring.OpWrite
		sqe.FD = bs.data.FD()
		sqe.Offset = int64(bs.data.Offset + job.newBlock*uint64(bs.cfg.BlockSize))
		sqe.Buf = job.scratch
		job.phase = flushWrite
		job.pending = 1

	case flushWrite:
		if d := bs.dirtyOf(job.ver); d != nil {
			d.state = base.StJournalMoved
		}
		sqe := f.sqe(job)
		if sqe == nil {
			return
		}
		sqe.Op = bs.fsyncOp()
		sqe.FD = bs.data.FD()
		job.phase = flushDataSync
		job.pending = 1

	case flushDataSync:
		// The entry's location keeps pointing at the journal payload until
		// promotion, so reads stay valid while the space is still pinned.
		if d := bs.dirtyOf(job.ver); d != nil {
			d.state = base.StJournalMoveSynced
		}
		if !f.submitMeta(job) {
			return
		}

	case flushMeta:
		if bs.inflightReads > 0 {
			// A scatter read may still reference the block or journal
			// space this promotion would release; wait it out.
			return
		}
		f.promote(job)
		moved := bs.journal.Trim(bs.recordReleased)
		f.job = nil
		if moved {
			f.startTrim()
		}

	case flushTrim:
		f.job = nil
	}
}

// promote publishes the flushed version as the object's clean entry and
// frees whatever it superseded.
func (f *flusher) promote(job *flushJob) {
	bs := f.bs
	obj := bs.object(job.ver.OID)
	if obj == nil {
		return
	}
	if obj.clean != nil {
		oldBlock := obj.clean.location / uint64(bs.cfg.BlockSize)
		if job.kind == flushDelete || oldBlock != job.newBlock {
			bs.alloc.Set(oldBlock, false)
			delete(bs.slots, oldBlock)
		}
	}
	obj.dirtyDrop(job.ver.Version)
	if job.kind == flushDelete {
		obj.clean = nil
		bs.dropIfEmpty(job.ver.OID)
		bs.metrics.flushed("delete")
		return
	}
	obj.clean = &cleanEntry{
		version:  job.ver.Version,
		location: job.newBlock * uint64(bs.cfg.BlockSize),
	}
	bs.slots[job.newBlock] = job.ver.OID
	if job.kind == flushJournalMove {
		bs.metrics.flushed("journal-move")
	} else {
		bs.metrics.flushed("big-commit")
	}
}

// startTrim persists the advanced tail: rewrite the start sector, then
// fsync the journal (ordered by same-fd dispatch).
func (f *flusher) startTrim() {
	bs := f.bs
	job := &flushJob{
		kind:     flushTrimRecord,
		phase:    flushTrim,
		startBuf: directio.AlignedBlock(journal.SectorSize),
	}
	snap := bs.ring.Staged()
	writeSQE := f.sqe(job)
	fsyncSQE := f.sqe(job)
	if writeSQE == nil || fsyncSQE == nil {
		bs.ring.Unstage(snap)
		// The tail already moved in memory; the start sector is rewritten
		// on the next successful trim cycle.
		f.job = nil
		return
	}
	journal.EncodeStart(job.startBuf, bs.journal.UsedStart)
	writeSQE.Op = ring.OpWrite
	writeSQE.FD = bs.journal.FD
	writeSQE.Offset = int64(bs.journal.Offset)
	writeSQE.Buf = job.startBuf

	fsyncSQE.Op = bs.fsyncOp()
	fsyncSQE.FD = bs.journal.FD

	job.pending = 2
	f.job = job
}

// recordReleased reports whether a journal record no longer pins space: its
// exact version is gone from the dirty index (promoted, rolled back, or
// collapsed).
func (bs *Blockstore) recordReleased(rec journal.Record) bool {
	return bs.dirtyOf(rec.Ver) == nil
}

func (f *flusher) handleEvent(job *flushJob, sqe *ring.SQE) {
	if sqe.Res < 0 && job.failed == 0 {
		job.failed = sqe.Res
	}
	job.pending--
}
