// Package blockstore is a local object storage engine for fixed-size
// objects identified by (inode, stripe) pairs. Objects persist on a raw data
// region; small writes and crash consistency go through a separate circular
// journal. Operations are asynchronous: the engine orders them, parks them
// on scarce resources, and reports completion through callbacks driven by
// the caller's submit/wait loop.
package blockstore

import (
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"bedrock/internal/allocator"
	"bedrock/internal/base"
	"bedrock/internal/device"
	"bedrock/internal/journal"
	"bedrock/internal/ring"
)

// Blockstore owns all state for one store instance: the object index, the
// allocator, the journal bookkeeping, the submit queue and the flusher.
// Everything is touched from the single goroutine driving the ring; there
// are no interior locks.
type Blockstore struct {
	cfg Config
	log *logrus.Entry

	ring     *ring.Ring
	consumer int

	data    *device.Region
	meta    *device.Region
	jdev    *device.Region
	journal *journal.Journal
	alloc   *allocator.Allocator

	index map[base.ObjectID]*object
	slots map[uint64]base.ObjectID // meta slot (== data block) -> owner

	submitQueue []*Op
	// unsynced collects versions whose write callback has fired but which
	// no sync has fenced yet.
	unsynced []base.ObjVer
	// inflightReads gates block frees and journal trim: storage referenced
	// by a scatter read must not be reused under it.
	inflightReads int

	flusher *flusher
	metrics *storeMetrics

	closed bool
}

// Open parses the configuration, opens the three regions, reconstructs the
// object index and allocator from the metadata region and the journal, and
// registers the engine on the ring. The caller keeps ownership of the ring
// and drives it with Submit/Wait.
func Open(conf map[string]string, rg *ring.Ring, opts ...Option) (*Blockstore, error) {
	cfg, err := ParseConfig(conf)
	if err != nil {
		return nil, err
	}

	bs := &Blockstore{
		cfg:   cfg,
		ring:  rg,
		index: make(map[base.ObjectID]*object),
		slots: make(map[uint64]base.ObjectID),
	}
	for _, opt := range opts {
		opt.apply(bs)
	}
	if bs.log == nil {
		bs.log = logrus.StandardLogger().WithField("component", "blockstore")
	}
	if bs.metrics == nil {
		bs.metrics = newMetrics(nil)
	}

	if err := bs.open(); err != nil {
		bs.closeRegions()
		return nil, err
	}
	if err := bs.recover(); err != nil {
		bs.closeRegions()
		return nil, err
	}

	bs.flusher = newFlusher(bs)
	bs.consumer = rg.Register(ring.Consumer{
		HandleEvent: bs.handleEvent,
		Loop:        bs.loop,
	})

	bs.log.WithFields(logrus.Fields{
		"blocks":  bs.cfg.BlockCount,
		"objects": len(bs.index),
		"journal": bs.cfg.JournalSize,
	}).Info("blockstore opened")
	return bs, nil
}

func (bs *Blockstore) open() error {
	var err error
	if bs.data, err = device.Open(bs.cfg.DataDevice, bs.cfg.DataOffset, bs.cfg.DataSize); err != nil {
		return err
	}
	if err = bs.data.Lock(); err != nil {
		return err
	}
	bs.cfg.DataSize = bs.data.Size
	if err = bs.cfg.Finish(); err != nil {
		return err
	}
	if bs.meta, err = device.Open(bs.cfg.MetaDevice, bs.cfg.MetaOffset, bs.cfg.MetaSize); err != nil {
		return err
	}
	if bs.jdev, err = device.Open(bs.cfg.JournalDevice, bs.cfg.JournalOffset, bs.cfg.JournalSize); err != nil {
		return err
	}
	bs.journal = journal.New(bs.jdev.FD(), bs.jdev.Offset, bs.jdev.Size, bs.cfg.SectorBufferCount)
	bs.alloc = allocator.New(bs.cfg.BlockCount)
	return nil
}

// BlockSize returns the configured object block size.
func (bs *Blockstore) BlockSize() uint32 {
	return bs.cfg.BlockSize
}

// FreeBlocks returns the number of unallocated data-region blocks.
func (bs *Blockstore) FreeBlocks() uint64 {
	return bs.alloc.Free()
}

// Close releases the regions. Ops still in the queue are rejected with
// their callbacks invoked; the ring stays with its owner.
func (bs *Blockstore) Close() error {
	if bs.closed {
		return nil
	}
	bs.closed = true
	for _, op := range bs.submitQueue {
		bs.finish(op, -int(errnoClosed))
	}
	bs.submitQueue = nil
	return bs.closeRegions()
}

func (bs *Blockstore) closeRegions() error {
	var result *multierror.Error
	for _, r := range []*device.Region{bs.data, bs.meta, bs.jdev} {
		if r != nil {
			result = multierror.Append(result, r.Close())
		}
	}
	return result.ErrorOrNil()
}

// Option injects collaborators at construction.
type Option interface {
	apply(*Blockstore)
}

type optionFunc func(*Blockstore)

func (f optionFunc) apply(bs *Blockstore) { f(bs) }

// WithLogger routes engine logs through the given logger.
func WithLogger(l *logrus.Logger) Option {
	return optionFunc(func(bs *Blockstore) {
		bs.log = l.WithField("component", "blockstore")
	})
}
