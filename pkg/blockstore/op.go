package blockstore

import (
	"golang.org/x/sys/unix"

	"bedrock/internal/base"
	"bedrock/internal/ring"
)

// Op is one asynchronous operation. The caller fills Kind, OID, Version,
// Offset, Len, Buf and Callback, then hands it to Enqueue; the engine owns
// it until the callback fires with Retval set (byte count on success,
// negative errno on failure).
type Op struct {
	Kind    base.OpKind
	OID     base.ObjectID
	Version uint64
	Offset  uint32
	Len     uint32
	Buf     []byte

	Retval   int
	Callback func(*Op)

	// Continuation state. The engine dispatches on Kind and phase each
	// drain cycle rather than capturing closures per step.
	pending int
	failed  int
	phase   int

	wait      base.WaitKind
	waitVer   uint64
	waitBytes uint64

	covers      []span // read: sub-ranges already claimed by newer versions
	usedSectors []int  // journal sector buffers pinned by this op

	syncBig   []base.ObjVer
	syncSmall []base.ObjVer
	syncDone  int // big-write meta entries emitted so far
}

// span is a half-open covered sub-range of a read.
type span struct {
	start, end uint32
}

// completionTag routes a reaped completion back to its originator.
type completionTag struct {
	op    *Op
	flush *flushJob
}

// Enqueue validates op, appends it to the submit queue, and returns. The
// operation is processed on subsequent ring cycles; rejection here is the
// only synchronous failure mode.
func (bs *Blockstore) Enqueue(op *Op) error {
	if bs.closed {
		return ErrClosed
	}
	if err := bs.validate(op); err != nil {
		return err
	}

	// A write's version becomes visible (and blocks reads) the moment it is
	// accepted, before its I/O is even submitted.
	switch op.Kind {
	case base.OpWrite:
		obj := bs.objectOrNew(op.OID)
		obj.dirty = append(obj.dirty, &dirtyEntry{
			version: op.Version,
			state:   base.StInFlight,
			offset:  op.Offset,
			size:    op.Len,
		})
	case base.OpDelete:
		obj := bs.objectOrNew(op.OID)
		// A tombstone covers the whole block so reads stop at it.
		obj.dirty = append(obj.dirty, &dirtyEntry{
			version: op.Version,
			state:   base.StInFlight,
			size:    bs.cfg.BlockSize,
		})
	}

	op.Retval = 0
	op.pending = 0
	op.failed = 0
	op.phase = 0
	op.wait = base.WaitNone
	op.covers = op.covers[:0]
	op.usedSectors = op.usedSectors[:0]
	op.syncBig, op.syncSmall, op.syncDone = nil, nil, 0
	bs.submitQueue = append(bs.submitQueue, op)
	bs.metrics.enqueued(op.Kind)
	return nil
}

func (bs *Blockstore) validate(op *Op) error {
	switch op.Kind {
	case base.OpRead, base.OpReadDirty:
		if op.Buf == nil || op.Len == 0 ||
			uint64(op.Offset)+uint64(op.Len) > uint64(bs.cfg.BlockSize) ||
			op.Offset%DiskAlignment != 0 || op.Len%DiskAlignment != 0 {
			return ErrInvalidOp
		}
	case base.OpWrite:
		if op.Buf == nil || op.Len == 0 ||
			uint64(op.Offset)+uint64(op.Len) > uint64(bs.cfg.BlockSize) ||
			op.Offset%DiskAlignment != 0 || op.Len%DiskAlignment != 0 {
			return ErrInvalidOp
		}
		if op.Len == bs.cfg.BlockSize && op.Offset != 0 {
			return ErrInvalidOp
		}
		if op.OID.IsZero() {
			return ErrInvalidOp
		}
		if obj := bs.object(op.OID); obj != nil && op.Version <= obj.maxVersion() {
			return ErrVersionOrder
		}
		if op.Version == 0 {
			return ErrVersionOrder
		}
	case base.OpDelete:
		if op.OID.IsZero() {
			return ErrInvalidOp
		}
		if obj := bs.object(op.OID); obj != nil && op.Version <= obj.maxVersion() {
			return ErrVersionOrder
		}
		if op.Version == 0 {
			return ErrVersionOrder
		}
	case base.OpSync:
	case base.OpStable, base.OpRollback:
		if op.Version == 0 {
			return ErrInvalidOp
		}
	default:
		return ErrInvalidOp
	}
	return nil
}

// loop is the engine's ring consumer Loop callback: it gives the flusher a
// chance to make progress, then drains the submit queue head-first. A parked
// head stops the drain so scatter reads behind it cannot starve.
func (bs *Blockstore) loop() {
	bs.flusher.loop()
	for len(bs.submitQueue) > 0 {
		op := bs.submitQueue[0]
		wasWaiting := op.wait != base.WaitNone
		if wasWaiting {
			if !bs.waitSatisfied(op) {
				return
			}
			op.wait = base.WaitNone
		}
		bs.submitQueue = bs.submitQueue[1:]
		if !bs.dispatch(op) {
			// Parked: back to the head, stop draining.
			bs.requeueFront(op)
			if !wasWaiting {
				bs.metrics.parked(op.wait)
			}
			return
		}
	}
	bs.metrics.observe(bs)
}

func (bs *Blockstore) requeueFront(op *Op) {
	bs.submitQueue = append(bs.submitQueue, nil)
	copy(bs.submitQueue[1:], bs.submitQueue)
	bs.submitQueue[0] = op
}

func (bs *Blockstore) waitSatisfied(op *Op) bool {
	switch op.wait {
	case base.WaitSQE:
		return bs.ring.Free() > 0
	case base.WaitInFlight:
		obj := bs.object(op.OID)
		if obj == nil {
			return true
		}
		d := obj.dirtyFind(op.waitVer)
		return d == nil || d.state != base.StInFlight
	case base.WaitJournal, base.WaitJournalBuffer:
		// Cheap to re-check; dispatch re-parks if still unavailable.
		return true
	}
	return true
}

// dispatch runs one step of the op's state machine. False means the op
// parked with a wait reason and stays at the queue head.
func (bs *Blockstore) dispatch(op *Op) bool {
	switch op.Kind {
	case base.OpRead, base.OpReadDirty:
		return bs.dequeueRead(op)
	case base.OpWrite:
		return bs.dequeueWrite(op)
	case base.OpDelete:
		return bs.dequeueDelete(op)
	case base.OpSync:
		return bs.dequeueSync(op)
	case base.OpStable:
		return bs.dequeueStable(op)
	case base.OpRollback:
		return bs.dequeueRollback(op)
	}
	bs.finish(op, -int(unix.EINVAL))
	return true
}

// finish invokes the callback exactly once with retval set.
func (bs *Blockstore) finish(op *Op, retval int) {
	op.Retval = retval
	bs.metrics.finished(op.Kind, retval)
	if op.Callback != nil {
		op.Callback(op)
	}
}

// handleEvent is the ring consumer completion callback. It only advances
// state; ops needing further submissions are requeued and continue on the
// next drain cycle.
func (bs *Blockstore) handleEvent(sqe *ring.SQE) {
	tag, ok := sqe.Data.(completionTag)
	if !ok {
		return
	}
	if tag.flush != nil {
		bs.flusher.handleEvent(tag.flush, sqe)
		return
	}
	op := tag.op
	if sqe.Res < 0 && op.failed == 0 {
		op.failed = sqe.Res
	}
	op.pending--
	if op.pending > 0 {
		return
	}
	switch op.Kind {
	case base.OpRead, base.OpReadDirty:
		bs.completeRead(op)
	case base.OpWrite, base.OpDelete:
		bs.completeWrite(op)
	case base.OpSync:
		bs.continueSync(op)
	case base.OpStable:
		bs.completeStable(op)
	case base.OpRollback:
		bs.completeRollback(op)
	}
}

func (bs *Blockstore) releaseSectors(op *Op) {
	for _, idx := range op.usedSectors {
		bs.journal.ReleaseSector(idx)
	}
	op.usedSectors = op.usedSectors[:0]
}

// getSQE stages one submission tagged with op.
func (bs *Blockstore) getSQE(op *Op) *ring.SQE {
	sqe := bs.ring.GetSQE(bs.consumer)
	if sqe != nil {
		sqe.Data = completionTag{op: op}
	}
	return sqe
}

// fsyncOp returns the opcode for a durability barrier, honoring
// disable_fsync by degrading to a no-op completion.
func (bs *Blockstore) fsyncOp() ring.OpCode {
	if bs.cfg.DisableFsync {
		return ring.OpNop
	}
	return ring.OpFsync
}
