package pool

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gogpu/gpures/gpucore"
)

// TestPool_GrowthKeepsHandles checks that growing past the initial capacity
// doubles the table and leaves earlier handles valid.
func TestPool_GrowthKeepsHandles(t *testing.T) {
	p := New[string](Config{InitialCapacity: 4, GenerationCeiling: 255}, nil)

	var handles []Handle
	for _, v := range []string{"a", "b", "c", "d"} {
		handles = append(handles, p.Create(v))
	}
	assert.Equal(t, 4, p.Cap())

	e := p.Create("e")
	assert.Equal(t, 8, p.Cap(), "fifth create should double capacity")
	assert.Equal(t, uint32(4), e.Index)

	for i, h := range handles {
		v, err := p.Get(h)
		require.NoError(t, err)
		assert.Equal(t, string(rune('a'+i)), v)
	}
}

func TestPool_GetAfterFreeIsStale(t *testing.T) {
	var released []int
	p := New[int](Config{InitialCapacity: 1}, func(v int) { released = append(released, v) })

	h := p.Create(10)
	require.NoError(t, p.Free(h))
	assert.Equal(t, []int{10}, released)

	_, err := p.Get(h)
	require.ErrorIs(t, err, gpucore.ErrStaleHandle)

	// The index is reused with a new generation; the old handle stays stale.
	h2 := p.Create(20)
	assert.Equal(t, h.Index, h2.Index)
	assert.NotEqual(t, h.Generation, h2.Generation)

	_, err = p.Get(h)
	require.ErrorIs(t, err, gpucore.ErrStaleHandle)
	v, err := p.Get(h2)
	require.NoError(t, err)
	assert.Equal(t, 20, v)

	require.ErrorIs(t, p.Free(h), gpucore.ErrStaleHandle, "double free must fail")
}

func TestPool_OutOfRange(t *testing.T) {
	p := New[int](Config{InitialCapacity: 2}, nil)
	_, err := p.Get(Handle{Index: 2, Generation: 1})
	require.ErrorIs(t, err, gpucore.ErrOutOfRange)
	require.ErrorIs(t, p.Free(Handle{Index: 100, Generation: 1}), gpucore.ErrOutOfRange)
}

func TestPool_ZeroHandleInvalid(t *testing.T) {
	p := New[int](Config{InitialCapacity: 2}, nil)
	p.Create(1)
	assert.False(t, p.Valid(Handle{}))
	assert.True(t, Handle{}.IsZero())
}

func TestPool_FreeListIsFIFO(t *testing.T) {
	p := New[int](Config{InitialCapacity: 4}, nil)
	hs := []Handle{p.Create(0), p.Create(1), p.Create(2), p.Create(3)}

	require.NoError(t, p.Free(hs[2]))
	require.NoError(t, p.Free(hs[0]))

	assert.Equal(t, uint32(2), p.Create(5).Index, "oldest freed index comes back first")
	assert.Equal(t, uint32(0), p.Create(6).Index)
}

func TestPool_RetiresAtCeiling(t *testing.T) {
	p := New[int](Config{InitialCapacity: 1, GenerationCeiling: 3}, nil)

	h := p.Create(1) // generation 1
	require.NoError(t, p.Free(h))
	h = p.Create(2) // generation 2
	assert.Equal(t, uint32(0), h.Index)
	require.NoError(t, p.Free(h)) // generation reaches 3, slot retires

	assert.Equal(t, 1, p.Retired())
	h = p.Create(3)
	assert.Equal(t, uint32(1), h.Index, "retired index must not be reused")
	assert.Equal(t, 2, p.Cap())

	_, err := p.Get(Handle{Index: 0, Generation: 3})
	require.ErrorIs(t, err, gpucore.ErrStaleHandle)
}

func TestPool_SetReleasesPrevious(t *testing.T) {
	var released []string
	p := New[string](Config{InitialCapacity: 2}, func(s string) { released = append(released, s) })

	h := p.Create("old")
	require.NoError(t, p.Set(h, "new"))
	assert.Equal(t, []string{"old"}, released)

	v, err := p.Get(h)
	require.NoError(t, err)
	assert.Equal(t, "new", v)
}

func TestPool_ClearAndRange(t *testing.T) {
	var released int
	p := New[int](Config{InitialCapacity: 4}, func(int) { released++ })
	hs := []Handle{p.Create(1), p.Create(2), p.Create(3)}
	require.NoError(t, p.Free(hs[1]))

	var seen []int
	p.Range(func(_ Handle, v int) bool {
		seen = append(seen, v)
		return true
	})
	assert.Equal(t, []int{1, 3}, seen)

	p.Clear()
	assert.Equal(t, 0, p.Len())
	assert.Equal(t, 3, released)
	for _, h := range hs {
		assert.False(t, p.Valid(h))
	}
}

// TestPool_RandomSequences checks that every freed handle stays stale while
// every live handle resolves to its own value.
func TestPool_RandomSequences(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	p := New[int](Config{InitialCapacity: 2, GenerationCeiling: 16}, nil)

	live := map[Handle]int{}
	var dead []Handle
	next := 0
	for step := 0; step < 5000; step++ {
		if len(live) == 0 || rng.IntN(3) > 0 {
			h := p.Create(next)
			_, dup := live[h]
			require.False(t, dup, "handle %v handed out twice", h)
			live[h] = next
			next++
		} else {
			for h := range live {
				require.NoError(t, p.Free(h))
				delete(live, h)
				dead = append(dead, h)
				break
			}
		}

		if step%97 == 0 {
			for h, want := range live {
				got, err := p.Get(h)
				require.NoError(t, err)
				require.Equal(t, want, got)
			}
			for _, h := range dead {
				_, err := p.Get(h)
				require.ErrorIs(t, err, gpucore.ErrStaleHandle)
			}
		}
	}
	assert.Equal(t, len(live), p.Len())
	st := p.Stats()
	assert.Equal(t, st.Capacity, st.Live+st.Free+st.Retired)
}
