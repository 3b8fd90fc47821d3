package allocator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindFreeLowest(t *testing.T) {
	a := New(256)
	require.Equal(t, uint64(0), a.FindFree())
	a.Set(0, true)
	require.Equal(t, uint64(1), a.FindFree())

	a.Set(1, true)
	a.Set(2, true)
	require.Equal(t, uint64(3), a.FindFree())

	a.Set(1, false)
	require.Equal(t, uint64(1), a.FindFree())
}

func TestExhaustion(t *testing.T) {
	const n = 130 // spans three words
	a := New(n)
	for i := uint64(0); i < n; i++ {
		blk := a.FindFree()
		require.Equal(t, i, blk)
		a.Set(blk, true)
	}
	require.Equal(t, NoBlock, a.FindFree())
	require.Equal(t, uint64(0), a.Free())

	a.Set(77, false)
	require.Equal(t, uint64(77), a.FindFree())
	require.Equal(t, uint64(1), a.Free())
}

func TestSetIdempotent(t *testing.T) {
	a := New(64)
	a.Set(5, true)
	a.Set(5, true)
	assert.Equal(t, uint64(63), a.Free())
	a.Set(5, false)
	a.Set(5, false)
	assert.Equal(t, uint64(64), a.Free())
	assert.False(t, a.Used(5))
}

func TestOutOfRange(t *testing.T) {
	a := New(10)
	a.Set(10, true) // ignored
	assert.Equal(t, uint64(10), a.Free())
	assert.False(t, a.Used(10))
	for i := uint64(0); i < 10; i++ {
		a.Set(i, true)
	}
	assert.Equal(t, NoBlock, a.FindFree())
}
