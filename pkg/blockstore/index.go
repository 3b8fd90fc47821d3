package blockstore

import (
	"bedrock/internal/base"
)

// cleanEntry is the current durable state of one object: the latest version
// whose data block and metadata slot are both committed.
type cleanEntry struct {
	version  uint64
	location uint64 // byte offset into the data region
}

// dirtyEntry is one version in flight or awaiting promotion. Its data lives
// in the journal data area or the data region depending on the state.
type dirtyEntry struct {
	version  uint64
	state    base.State
	location uint64 // journal payload position or data region offset
	offset   uint32 // sub-block range start (0 for big writes)
	size     uint32 // sub-block range length (block size for big writes)
	failed   int    // negative errno when the write failed; reads return it
}

// object ties an oid's clean entry to its version-ordered dirty chain.
// Dirty versions are strictly greater than the clean version and sorted
// ascending, so reads walk the chain from the end downwards and terminate at
// index zero.
type object struct {
	clean *cleanEntry
	dirty []*dirtyEntry
}

func (o *object) dirtyFind(version uint64) *dirtyEntry {
	for _, d := range o.dirty {
		if d.version == version {
			return d
		}
	}
	return nil
}

func (o *object) dirtyDrop(version uint64) {
	for i, d := range o.dirty {
		if d.version == version {
			o.dirty = append(o.dirty[:i], o.dirty[i+1:]...)
			return
		}
	}
}

// maxVersion returns the newest version the engine knows for the object.
func (o *object) maxVersion() uint64 {
	if n := len(o.dirty); n > 0 {
		return o.dirty[n-1].version
	}
	if o.clean != nil {
		return o.clean.version
	}
	return 0
}

func (bs *Blockstore) object(oid base.ObjectID) *object {
	return bs.index[oid]
}

func (bs *Blockstore) objectOrNew(oid base.ObjectID) *object {
	obj := bs.index[oid]
	if obj == nil {
		obj = &object{}
		bs.index[oid] = obj
	}
	return obj
}

// dropIfEmpty removes an object with neither clean entry nor dirty chain.
func (bs *Blockstore) dropIfEmpty(oid base.ObjectID) {
	if obj := bs.index[oid]; obj != nil && obj.clean == nil && len(obj.dirty) == 0 {
		delete(bs.index, oid)
	}
}
