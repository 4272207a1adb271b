package rangealloc

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gogpu/gpures/gpucore"
)

func assertInvariants(t *testing.T, a *Allocator) {
	t.Helper()
	require.Equal(t, a.Capacity(), a.FreeLength()+a.AllocatedLength())

	var sum uint32
	var prevEnd uint64
	for i, r := range a.FreeRanges() {
		require.NotZero(t, r.Length)
		if i > 0 {
			require.Greater(t, uint64(r.Offset), prevEnd, "free ranges %d must be sorted and never adjacent", i)
		}
		prevEnd = r.End()
		sum += r.Length
	}
	require.Equal(t, a.FreeLength(), sum)
}

// TestAllocator_FirstFitReusesHole covers allocating into a hole left by a
// freed range.
func TestAllocator_FirstFitReusesHole(t *testing.T) {
	a := New(100)

	r10, err := a.Allocate(10)
	require.NoError(t, err)
	r20, err := a.Allocate(20)
	require.NoError(t, err)
	r30, err := a.Allocate(30)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), r10.Offset)
	assert.Equal(t, uint32(10), r20.Offset)
	assert.Equal(t, uint32(30), r30.Offset)

	require.NoError(t, a.Free(r20))
	r15, err := a.Allocate(15)
	require.NoError(t, err)
	assert.Equal(t, Range{Offset: 10, Length: 15}, r15)

	assert.Equal(t, []Range{{Offset: 25, Length: 5}, {Offset: 60, Length: 40}}, a.FreeRanges())
	assertInvariants(t, a)
}

func TestAllocator_OutOfSpace(t *testing.T) {
	a := New(16)
	_, err := a.Allocate(8)
	require.NoError(t, err)
	_, err = a.Allocate(9)
	require.ErrorIs(t, err, gpucore.ErrOutOfSpace)

	_, err = a.Allocate(0)
	require.ErrorIs(t, err, ErrInvalidCount)
}

func TestAllocator_CoalescesBothDirections(t *testing.T) {
	a := New(30)
	x, _ := a.Allocate(10)
	y, _ := a.Allocate(10)
	z, _ := a.Allocate(10)

	require.NoError(t, a.Free(x))
	require.NoError(t, a.Free(z))
	assert.Len(t, a.FreeRanges(), 2)

	require.NoError(t, a.Free(y))
	assert.Equal(t, []Range{{Offset: 0, Length: 30}}, a.FreeRanges())
	assertInvariants(t, a)
}

func TestAllocator_RejectsBadFree(t *testing.T) {
	a := New(32)
	r, _ := a.Allocate(8)

	tests := []struct {
		name string
		r    Range
	}{
		{"empty", Range{Offset: 0, Length: 0}},
		{"beyond capacity", Range{Offset: 30, Length: 4}},
		{"overlaps free tail", Range{Offset: 4, Length: 8}},
		{"already free", Range{Offset: 16, Length: 4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := a.Free(tt.r)
			require.ErrorIs(t, err, ErrInvalidRange)
			require.ErrorIs(t, err, gpucore.ErrOutOfRange)
		})
	}

	require.NoError(t, a.Free(r))
	require.ErrorIs(t, a.Free(r), ErrInvalidRange, "double free must fail")
	assertInvariants(t, a)
}

func TestAllocator_RejectsPartialFree(t *testing.T) {
	a := New(32)
	r, err := a.Allocate(10)
	require.NoError(t, err)

	for _, part := range []Range{
		{Offset: 0, Length: 5},
		{Offset: 5, Length: 5},
		{Offset: 0, Length: 12},
	} {
		require.ErrorIs(t, a.Free(part), ErrInvalidRange, "free %v", part)
	}
	assert.Equal(t, 1, a.Allocations())
	assert.Equal(t, uint32(10), a.AllocatedLength())

	require.NoError(t, a.Free(r))
	assert.Zero(t, a.Allocations())
	assert.Equal(t, []Range{{Offset: 0, Length: 32}}, a.FreeRanges())
}

func TestAllocator_ZeroCapacity(t *testing.T) {
	a := New(0)
	_, err := a.Allocate(1)
	require.ErrorIs(t, err, gpucore.ErrOutOfSpace)
	assert.Empty(t, a.FreeRanges())
}

// TestAllocator_RandomSequences checks the length invariant after every step
// and that releasing everything restores a single full-capacity range.
func TestAllocator_RandomSequences(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	a := New(1024)

	var live []Range
	for step := 0; step < 4000; step++ {
		if len(live) > 0 && rng.IntN(2) == 0 {
			i := rng.IntN(len(live))
			require.NoError(t, a.Free(live[i]))
			live[i] = live[len(live)-1]
			live = live[:len(live)-1]
		} else {
			r, err := a.Allocate(uint32(1 + rng.IntN(40)))
			if err != nil {
				require.ErrorIs(t, err, gpucore.ErrOutOfSpace)
			} else {
				for _, other := range live {
					require.False(t, uint64(r.Offset) < other.End() && uint64(other.Offset) < r.End(),
						"%v overlaps live %v", r, other)
				}
				live = append(live, r)
			}
		}
		assertInvariants(t, a)
		require.Equal(t, len(live), a.Allocations())
	}

	for _, r := range live {
		require.NoError(t, a.Free(r))
	}
	assert.Equal(t, []Range{{Offset: 0, Length: 1024}}, a.FreeRanges())
}

func TestAllocator_Reset(t *testing.T) {
	a := New(64)
	_, _ = a.Allocate(10)
	_, _ = a.Allocate(20)
	a.Reset()
	assert.Equal(t, uint32(64), a.FreeLength())
	assert.Equal(t, uint32(64), a.LargestFree())
	assert.Zero(t, a.Allocations())
}
