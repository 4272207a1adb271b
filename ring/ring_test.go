package ring

import (
	"math/rand/v2"
	"testing"

	"github.com/gogpu/gputypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gogpu/gpures/gpucore"
	"github.com/gogpu/gpures/internal/gputest"
)

func newRing(t *testing.T, cfg Config) (*Allocator, *gputest.Device) {
	t.Helper()
	dev := gputest.NewDevice()
	a, err := New(dev, cfg)
	require.NoError(t, err)
	return a, dev
}

type span struct {
	buf      gpucore.Buffer
	from, to uint64
}

func TestRing_RegionsNeverOverlap(t *testing.T) {
	a, _ := newRing(t, Config{PageSize: 1024})
	rng := rand.New(rand.NewPCG(3, 5))

	var spans []span
	for i := 0; i < 500; i++ {
		size := uint64(1 + rng.IntN(300))
		align := uint64(1) << rng.IntN(8)
		r, err := a.Allocate(size, align)
		require.NoError(t, err)
		require.Zero(t, r.Offset%max(align, DefaultMinAlignment), "offset %d not aligned to %d", r.Offset, align)
		require.Len(t, r.Bytes, int(size))

		s := span{buf: r.Buffer, from: r.Offset, to: r.Offset + r.Size}
		for _, o := range spans {
			if o.buf == s.buf {
				require.False(t, s.from < o.to && o.from < s.to, "region %+v overlaps %+v", s, o)
			}
		}
		spans = append(spans, s)
	}
}

func TestRing_WritesLandInPage(t *testing.T) {
	a, _ := newRing(t, Config{PageSize: 64})
	r1, err := a.Write([]byte{1, 2, 3}, 0)
	require.NoError(t, err)
	r2, err := a.Write([]byte{9, 9}, 16)
	require.NoError(t, err)

	assert.Equal(t, uint64(0), r1.Offset)
	assert.Equal(t, uint64(16), r2.Offset)
	assert.Same(t, r1.Buffer, r2.Buffer)

	mem := r1.Buffer.(*gputest.Buffer).Bytes()
	assert.Equal(t, []byte{1, 2, 3}, mem[0:3])
	assert.Equal(t, []byte{9, 9}, mem[16:18])
}

func TestRing_ResetReusesPages(t *testing.T) {
	a, dev := newRing(t, Config{PageSize: 256})

	first, err := a.Allocate(200, 0)
	require.NoError(t, err)
	second, err := a.Allocate(200, 0) // forces a second page
	require.NoError(t, err)
	assert.Equal(t, 2, a.Stats().UsedPages)
	assert.Equal(t, 2, dev.Created())

	a.Reset()
	st := a.Stats()
	assert.Equal(t, 0, st.UsedPages)
	assert.Equal(t, 2, st.FreePages)
	assert.Zero(t, st.BytesUsed)
	assert.Equal(t, uint64(400), st.HighWater)

	again, err := a.Allocate(100, 0)
	require.NoError(t, err)
	_, err = a.Allocate(200, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, dev.Created(), "reset pages must be reused before creating new ones")

	assert.Equal(t, uint64(0), again.Offset, "previously returned bytes are handed out again")
	assert.Contains(t, []gpucore.Buffer{first.Buffer, second.Buffer}, again.Buffer)
}

func TestRing_TooLarge(t *testing.T) {
	a, _ := newRing(t, Config{PageSize: 128})
	_, err := a.Allocate(129, 0)
	require.ErrorIs(t, err, ErrAllocationTooLarge)
	require.ErrorIs(t, err, gpucore.ErrOutOfSpace)

	r, err := a.Allocate(128, 0)
	require.NoError(t, err, "exactly one page must fit")
	assert.Equal(t, uint64(0), r.Offset)
}

func TestRing_MaxPages(t *testing.T) {
	a, _ := newRing(t, Config{PageSize: 64, MaxPages: 2})
	_, err := a.Allocate(64, 0)
	require.NoError(t, err)
	_, err = a.Allocate(64, 0)
	require.NoError(t, err)
	_, err = a.Allocate(1, 0)
	require.ErrorIs(t, err, gpucore.ErrOutOfSpace)

	a.Reset()
	_, err = a.Allocate(64, 0)
	require.NoError(t, err)
}

func TestRing_InvalidRequests(t *testing.T) {
	a, _ := newRing(t, Config{PageSize: 64})
	_, err := a.Allocate(8, 3)
	require.ErrorIs(t, err, ErrInvalidAlignment)
	_, err = a.Allocate(0, 4)
	require.ErrorIs(t, err, ErrInvalidSize)

	_, err = New(gputest.NewDevice(), Config{MinAlignment: 6})
	require.ErrorIs(t, err, ErrInvalidAlignment)
}

func TestRing_UnmappablePage(t *testing.T) {
	a, dev := newRing(t, Config{PageSize: 64, Usage: gputypes.BufferUsageStorage})
	_, err := a.Allocate(8, 0)
	require.Error(t, err)
	assert.Zero(t, dev.LiveBuffers(), "failed page must be destroyed")
}

func TestRing_CreateFailure(t *testing.T) {
	a, dev := newRing(t, Config{PageSize: 64})
	dev.FailCreate = true
	_, err := a.Allocate(8, 0)
	require.ErrorIs(t, err, gputest.ErrInjected)
}

func TestRing_Destroy(t *testing.T) {
	a, dev := newRing(t, Config{PageSize: 64})
	for i := 0; i < 3; i++ {
		_, err := a.Allocate(64, 0)
		require.NoError(t, err)
	}
	a.Reset()
	_, err := a.Allocate(64, 0)
	require.NoError(t, err)

	a.Destroy()
	assert.Zero(t, dev.LiveBuffers())
	assert.Equal(t, 3, dev.Destroyed())
}
