package blockstore

import (
	"github.com/ncw/directio"
	"github.com/pkg/errors"

	"bedrock/internal/base"
	"bedrock/internal/journal"
)

// recover rebuilds the in-memory state on open: scan the metadata region
// for clean entries, replay the journal chain into dirty entries, then mark
// the allocator for every live location.
func (bs *Blockstore) recover() error {
	if err := bs.scanMeta(); err != nil {
		return errors.Wrap(err, "metadata scan")
	}
	if err := bs.replayJournal(); err != nil {
		return errors.Wrap(err, "journal replay")
	}
	for _, obj := range bs.index {
		if obj.clean != nil {
			bs.alloc.Set(obj.clean.location/uint64(bs.cfg.BlockSize), true)
		}
		for _, d := range obj.dirty {
			if d.state.IsBig() {
				bs.alloc.Set(d.location/uint64(bs.cfg.BlockSize), true)
			}
		}
	}
	return nil
}

// scanMeta reads the clean-entry table in aligned chunks. Slot index equals
// data block number, so the location is implicit. An oid appearing in two
// slots (a crash between writing the new slot and clearing the old) resolves
// to the higher version; the loser's block stays free.
func (bs *Blockstore) scanMeta() error {
	chunk := directio.AlignedBlock(defaultMetaScanChunkBytes)
	tableLen := bs.cfg.BlockCount * cleanEntrySize

	for off := uint64(0); off < tableLen; off += uint64(len(chunk)) {
		n := uint64(len(chunk))
		if off+n > bs.cfg.MetaSize {
			n = bs.cfg.MetaSize - off
		}
		if err := bs.meta.ReadAt(chunk[:n], off); err != nil {
			return err
		}
		for pos := uint64(0); pos+cleanEntrySize <= n; pos += cleanEntrySize {
			slot := (off + pos) / cleanEntrySize
			if slot >= bs.cfg.BlockCount {
				break
			}
			oid, version := decodeCleanSlot(chunk[pos : pos+cleanEntrySize])
			if oid.IsZero() {
				continue
			}
			obj := bs.objectOrNew(oid)
			if obj.clean != nil {
				if obj.clean.version >= version {
					continue
				}
				delete(bs.slots, obj.clean.location/uint64(bs.cfg.BlockSize))
			}
			obj.clean = &cleanEntry{
				version:  version,
				location: slot * uint64(bs.cfg.BlockSize),
			}
			bs.slots[slot] = oid
		}
	}
	return nil
}

// replayJournal follows the CRC chain and re-derives dirty entries. Every
// surviving entry was durable by the time we read it, so replayed versions
// land in their synced states; a broken link truncates the chain and
// everything beyond reverts to the last durable version.
func (bs *Blockstore) replayJournal() error {
	applied := 0
	st, err := journal.Scan(bs.journal.FD, bs.journal.Offset, bs.journal.Len,
		func(e journal.Entry) error {
			bs.applyJournalEntry(e)
			applied++
			return nil
		})
	if err != nil {
		return err
	}
	bs.journal.Restore(st)
	bs.log.WithField("entries", applied).Debug("journal replayed")
	return nil
}

func (bs *Blockstore) applyJournalEntry(e journal.Entry) {
	oid, version := e.Ver.OID, e.Ver.Version
	obj := bs.object(oid)

	stale := func() bool {
		return obj != nil && obj.clean != nil && obj.clean.version >= version
	}

	switch e.Type {
	case journal.TypeSmallWrite:
		if stale() {
			return
		}
		obj = bs.objectOrNew(oid)
		obj.dirty = append(obj.dirty, &dirtyEntry{
			version:  version,
			state:    base.StJournalSynced,
			location: e.DataOffset,
			offset:   e.Offset,
			size:     e.Len,
		})
	case journal.TypeBigWrite:
		if stale() {
			return
		}
		obj = bs.objectOrNew(oid)
		obj.dirty = append(obj.dirty, &dirtyEntry{
			version:  version,
			state:    base.StBigMetaSynced,
			location: e.Location,
			size:     bs.cfg.BlockSize,
		})
	case journal.TypeDelete:
		if stale() {
			return
		}
		obj = bs.objectOrNew(oid)
		obj.dirty = append(obj.dirty, &dirtyEntry{
			version: version,
			state:   base.StDelSynced,
			size:    bs.cfg.BlockSize,
		})
	case journal.TypeStable:
		if obj == nil {
			return
		}
		if d := obj.dirtyFind(version); d != nil {
			switch d.state {
			case base.StJournalSynced:
				d.state = base.StJournalStable
			case base.StBigMetaSynced:
				d.state = base.StBigStable
			case base.StDelSynced:
				d.state = base.StDelStable
			}
		}
	case journal.TypeRollback:
		if obj == nil {
			return
		}
		bs.discardVersions(oid, version)
	}
}
