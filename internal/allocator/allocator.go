// Package allocator tracks which blocks of the data region are referenced by
// a live object version. It holds no persistent state of its own; the engine
// rebuilds it at boot from the clean-entry table and the journal replay.
package allocator

import "math/bits"

// NoBlock is returned by FindFree when every block is in use.
const NoBlock = ^uint64(0)

const wordBits = 64

// Allocator is a two-level bitmap over data-region blocks. The summary level
// has one bit per word of the leaf level, set while that word still has at
// least one free bit, so FindFree is two word scans instead of a linear walk.
// Not safe for concurrent use; the engine owns it from a single context.
type Allocator struct {
	size    uint64
	free    uint64
	words   []uint64 // bit set = block used
	summary []uint64 // bit set = leaf word has a free block
}

// New returns an allocator over size blocks, all free.
func New(size uint64) *Allocator {
	nw := (size + wordBits - 1) / wordBits
	ns := (nw + wordBits - 1) / wordBits
	a := &Allocator{
		size:    size,
		free:    size,
		words:   make([]uint64, nw),
		summary: make([]uint64, ns),
	}
	for i := range a.summary {
		a.summary[i] = ^uint64(0)
	}
	// Mark the tail of the last word past size as used so FindFree never
	// returns an out-of-range block.
	if tail := size % wordBits; tail != 0 {
		a.words[nw-1] = ^uint64(0) << tail
	}
	return a
}

// Size returns the number of blocks the allocator covers.
func (a *Allocator) Size() uint64 {
	return a.size
}

// Free returns the number of unused blocks.
func (a *Allocator) Free() uint64 {
	return a.free
}

// FindFree returns the lowest-indexed free block, or NoBlock when the data
// region is full. The block is not marked; the caller follows up with Set.
func (a *Allocator) FindFree() uint64 {
	for si, sw := range a.summary {
		for sw != 0 {
			wi := uint64(si)*wordBits + uint64(bits.TrailingZeros64(sw))
			if wi >= uint64(len(a.words)) {
				return NoBlock
			}
			w := a.words[wi]
			if w != ^uint64(0) {
				return wi*wordBits + uint64(bits.TrailingZeros64(^w))
			}
			// Stale summary bit, clear it and keep scanning.
			a.summary[si] &^= 1 << (wi % wordBits)
			sw = a.summary[si]
		}
	}
	return NoBlock
}

// Set marks block used or free. Idempotent.
func (a *Allocator) Set(block uint64, used bool) {
	if block >= a.size {
		return
	}
	wi, bit := block/wordBits, uint64(1)<<(block%wordBits)
	was := a.words[wi]&bit != 0
	if used == was {
		return
	}
	if used {
		a.words[wi] |= bit
		a.free--
	} else {
		a.words[wi] &^= bit
		a.free++
		a.summary[wi/wordBits] |= 1 << (wi % wordBits)
	}
}

// Used reports whether block is marked used.
func (a *Allocator) Used(block uint64) bool {
	if block >= a.size {
		return false
	}
	return a.words[block/wordBits]&(1<<(block%wordBits)) != 0
}
