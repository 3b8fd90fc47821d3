package blockstore

import (
	"sort"

	"bedrock/internal/base"
	"bedrock/internal/ring"
)

// dequeueRead scatters a read over the object's dirty chain and clean entry.
// The newest visible version wins each byte; holes left by every version are
// zero-filled. If anything forces a wait (an in-flight version, a full
// ring), all submissions staged for this op are rolled back and the op parks
// with nothing in flight.
func (bs *Blockstore) dequeueRead(op *Op) bool {
	obj := bs.object(op.OID)
	if obj == nil {
		zero(op.Buf[:op.Len])
		bs.finish(op, int(op.Len))
		return true
	}

	snap := bs.ring.Staged()
	op.covers = op.covers[:0]
	op.pending = 0
	op.failed = 0

	for i := len(obj.dirty) - 1; i >= 0; i-- {
		d := obj.dirty[i]
		if op.Version != 0 && d.version > op.Version {
			continue
		}
		if d.failed != 0 {
			// The version's own I/O failed; cover its range with the errno
			// rather than parking on a completion that already happened or
			// falling through to stale data.
			if !bs.fulfillRead(op, d.offset, d.offset+d.size, d.state, d.version, d.location, d.failed) {
				bs.unstageRead(op, snap)
				return false
			}
			continue
		}
		if d.state == base.StInFlight {
			// Never read through an in-flight version: wait for its write
			// to land, whatever the read kind.
			if d.offset < op.Offset+op.Len && d.offset+d.size > op.Offset {
				op.wait = base.WaitInFlight
				op.waitVer = d.version
				bs.unstageRead(op, snap)
				return false
			}
			continue
		}
		if op.Kind != base.OpReadDirty && !d.state.IsStable() {
			continue
		}
		if !bs.fulfillRead(op, d.offset, d.offset+d.size, d.state, d.version, d.location, d.failed) {
			bs.unstageRead(op, snap)
			return false
		}
	}
	if obj.clean != nil && (op.Version == 0 || obj.clean.version <= op.Version) {
		if !bs.fulfillRead(op, 0, bs.cfg.BlockSize, base.StCurrent, obj.clean.version, obj.clean.location, 0) {
			bs.unstageRead(op, snap)
			return false
		}
	}

	bs.zeroHoles(op)
	if op.pending == 0 {
		if op.failed != 0 {
			bs.finish(op, op.failed)
		} else {
			bs.finish(op, int(op.Len))
		}
		return true
	}
	bs.inflightReads++
	return true
}

func (bs *Blockstore) unstageRead(op *Op, snap int) {
	bs.ring.Unstage(snap)
	op.covers = op.covers[:0]
	op.pending = 0
}

// fulfillRead clips one version's range to the op window and claims every
// sub-range not already covered by a newer version. False means the op must
// park; the wait reason is already set.
func (bs *Blockstore) fulfillRead(op *Op, itemStart, itemEnd uint32,
	state base.State, version, location uint64, failed int) bool {

	cur := itemStart
	if cur < op.Offset {
		cur = op.Offset
	}
	end := itemEnd
	if lim := op.Offset + op.Len; end > lim {
		end = lim
	}
	if cur >= end {
		return true
	}

	// Collect the gaps between existing covers first: pushes mutate the
	// cover list.
	var gaps []span
	for _, c := range op.covers {
		if c.end <= cur {
			continue
		}
		if c.start >= end {
			break
		}
		if c.start > cur {
			gaps = append(gaps, span{cur, c.start})
		}
		if c.end > cur {
			cur = c.end
		}
		if cur >= end {
			break
		}
	}
	if cur < end {
		gaps = append(gaps, span{cur, end})
	}

	for _, g := range gaps {
		if !bs.fulfillReadPush(op, itemStart, state, version, location, failed, g.start, g.end) {
			return false
		}
	}
	return true
}

// fulfillReadPush claims [curStart, curEnd) for one version: a zero-fill for
// delete tombstones, an error for failed writes, a park for in-flight
// versions, otherwise one submission against the journal or data region.
func (bs *Blockstore) fulfillReadPush(op *Op, itemStart uint32,
	state base.State, version, location uint64, failed int,
	curStart, curEnd uint32) bool {

	if curEnd <= curStart {
		return true
	}
	if failed != 0 {
		if op.failed == 0 {
			op.failed = failed
		}
		op.addCover(span{curStart, curEnd})
		return true
	}
	if state == base.StInFlight {
		op.wait = base.WaitInFlight
		op.waitVer = version
		return false
	}
	if state.IsDelete() {
		zero(op.Buf[curStart-op.Offset : curEnd-op.Offset])
		op.addCover(span{curStart, curEnd})
		return true
	}

	sqe := bs.getSQE(op)
	if sqe == nil {
		op.wait = base.WaitSQE
		return false
	}
	sqe.Op = ring.OpRead
	if state.InJournal() {
		sqe.FD = bs.journal.FD
		sqe.Offset = int64(bs.journal.Offset + location + uint64(curStart-itemStart))
	} else {
		sqe.FD = bs.data.FD()
		sqe.Offset = int64(bs.data.Offset + location + uint64(curStart-itemStart))
	}
	sqe.Buf = op.Buf[curStart-op.Offset : curEnd-op.Offset]
	op.addCover(span{curStart, curEnd})
	op.pending++
	return true
}

func (op *Op) addCover(s span) {
	i := sort.Search(len(op.covers), func(i int) bool {
		return op.covers[i].start >= s.start
	})
	op.covers = append(op.covers, span{})
	copy(op.covers[i+1:], op.covers[i:])
	op.covers[i] = s
}

// zeroHoles clears every byte of the window no version claimed.
func (bs *Blockstore) zeroHoles(op *Op) {
	cur := op.Offset
	for _, c := range op.covers {
		if c.start > cur {
			zero(op.Buf[cur-op.Offset : c.start-op.Offset])
		}
		if c.end > cur {
			cur = c.end
		}
	}
	if lim := op.Offset + op.Len; cur < lim {
		zero(op.Buf[cur-op.Offset : lim-op.Offset])
	}
}

func (bs *Blockstore) completeRead(op *Op) {
	bs.inflightReads--
	if op.failed != 0 {
		bs.finish(op, op.failed)
		return
	}
	bs.finish(op, int(op.Len))
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
