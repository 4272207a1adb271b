package growable

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gogpu/gpures/gpucore"
	"github.com/gogpu/gpures/internal/gputest"
	"github.com/gogpu/gpures/submit"
)

func newAllocator(t *testing.T, cfg Config) (*Allocator, *gputest.Device, *gputest.Queue) {
	t.Helper()
	dev := gputest.NewDevice()
	gq := gputest.NewQueue(true)
	return New(dev, submit.New(gq, submit.Config{Label: "transfer"}), cfg), dev, gq
}

func element(v byte) []byte { return bytes.Repeat([]byte{v}, 16) }

// TestAllocator_ResizeKeepsContents overflows a 64 byte buffer with a fifth
// 16 byte element and checks the first four survive the migration.
func TestAllocator_ResizeKeepsContents(t *testing.T) {
	ctx := context.Background()
	a, dev, _ := newAllocator(t, Config{InitialCapacity: 64})

	var data []byte
	for i := byte(1); i <= 4; i++ {
		data = append(data, element(i)...)
	}
	first, err := a.Write(ctx, data, 16)
	require.NoError(t, err)
	assert.Equal(t, uint64(64), a.Capacity())
	before, err := dev.ReadBuffer(first.Buffer, 0, 64)
	require.NoError(t, err)

	fifth, err := a.Write(ctx, element(5), 16)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, a.Capacity(), uint64(160))
	assert.Equal(t, uint64(4), fifth.ElementOffset)
	assert.Equal(t, 1, a.Resizes())
	assert.NotSame(t, first.Buffer, fifth.Buffer, "buffer identity changes on resize")
	assert.True(t, first.Buffer.(*gputest.Buffer).Destroyed())

	after, err := dev.ReadBuffer(fifth.Buffer, 0, 64)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	last, err := dev.ReadBuffer(fifth.Buffer, 64, 16)
	require.NoError(t, err)
	assert.Equal(t, element(5), last)
}

func TestAllocator_IdentityChangesOncePerResize(t *testing.T) {
	ctx := context.Background()
	a, _, _ := newAllocator(t, Config{InitialCapacity: 32})

	buffers := map[gpucore.Buffer]struct{}{}
	for i := 0; i < 100; i++ {
		al, err := a.Allocate(ctx, 1, 8)
		require.NoError(t, err)
		require.Equal(t, uint64(i), al.ElementOffset)
		buffers[al.Buffer] = struct{}{}
	}
	assert.Len(t, buffers, a.Resizes()+1)
	assert.GreaterOrEqual(t, a.Capacity(), uint64(800))
}

func TestAllocator_ResetNeverShrinks(t *testing.T) {
	ctx := context.Background()
	a, dev, _ := newAllocator(t, Config{InitialCapacity: 16})

	_, err := a.Allocate(ctx, 10, 16)
	require.NoError(t, err)
	capacity := a.Capacity()
	buf := a.Buffer()

	a.Reset()
	assert.Zero(t, a.Len())
	al, err := a.Allocate(ctx, 1, 16)
	require.NoError(t, err)
	assert.Zero(t, al.ByteOffset)
	assert.Equal(t, capacity, a.Capacity())
	assert.Same(t, buf, al.Buffer)
	assert.Equal(t, 1, dev.LiveBuffers())
}

func TestAllocator_StrideAlignment(t *testing.T) {
	ctx := context.Background()
	a, _, _ := newAllocator(t, Config{InitialCapacity: 256})

	_, err := a.Allocate(ctx, 1, 20) // [0, 20)
	require.NoError(t, err)
	al, err := a.Allocate(ctx, 2, 16)
	require.NoError(t, err)
	assert.Equal(t, uint64(32), al.ByteOffset)
	assert.Equal(t, uint64(2), al.ElementOffset)
	assert.Equal(t, uint64(32), al.ByteSize)
}

func TestAllocator_FirstBufferFitsLargeRequest(t *testing.T) {
	a, _, _ := newAllocator(t, Config{InitialCapacity: 64})
	_, err := a.Allocate(context.Background(), 10, 16)
	require.NoError(t, err)
	assert.Equal(t, uint64(320), a.Capacity())
	assert.Zero(t, a.Resizes(), "creating the first buffer is not a resize")
}

func TestAllocator_DeferredRetire(t *testing.T) {
	var retired []gpucore.Buffer
	a, dev, _ := newAllocator(t, Config{
		InitialCapacity: 16,
		Retire:          func(b gpucore.Buffer) { retired = append(retired, b) },
	})
	ctx := context.Background()

	first, err := a.Allocate(ctx, 1, 16)
	require.NoError(t, err)
	_, err = a.Allocate(ctx, 1, 16)
	require.NoError(t, err)

	require.Len(t, retired, 1)
	assert.Same(t, first.Buffer, retired[0])
	assert.False(t, first.Buffer.(*gputest.Buffer).Destroyed(), "retirement is up to the callback")
	assert.Equal(t, 2, dev.LiveBuffers())
}

// A migration submitted but not waited for may still write into the
// replacement, so the replacement is retired rather than destroyed.
func TestAllocator_MigrationWaitFails(t *testing.T) {
	dev := gputest.NewDevice()
	gq := gputest.NewQueue(false)
	var retired []gpucore.Buffer
	a := New(dev, submit.New(gq, submit.Config{}), Config{
		InitialCapacity: 16,
		Retire:          func(b gpucore.Buffer) { retired = append(retired, b) },
	})

	first, err := a.Allocate(context.Background(), 1, 16)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = a.Allocate(ctx, 1, 16)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	assert.Same(t, first.Buffer, a.Buffer(), "old buffer kept when migration fails")
	assert.Equal(t, uint64(16), a.Len())
	require.Len(t, retired, 1)
	assert.NotSame(t, first.Buffer, retired[0])
	assert.False(t, retired[0].(*gputest.Buffer).Destroyed(), "the copy may still target the replacement")
	assert.Equal(t, 2, dev.LiveBuffers())
}

func TestAllocator_MigrationNotSubmitted(t *testing.T) {
	dev := gputest.NewDevice()
	gq := gputest.NewQueue(false)
	transfer := submit.New(gq, submit.Config{MaxInFlight: 1})
	var retired []gpucore.Buffer
	a := New(dev, transfer, Config{
		InitialCapacity: 16,
		Retire:          func(b gpucore.Buffer) { retired = append(retired, b) },
	})
	_, err := a.Allocate(context.Background(), 1, 16)
	require.NoError(t, err)

	busy, err := transfer.Open(context.Background())
	require.NoError(t, err)
	defer transfer.Discard(busy)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = a.Allocate(ctx, 1, 16)
	require.Error(t, err)

	assert.Empty(t, retired)
	assert.Equal(t, 1, dev.LiveBuffers(), "a replacement no copy reached is destroyed")
}

func TestAllocator_InvalidRequests(t *testing.T) {
	ctx := context.Background()
	a, _, _ := newAllocator(t, Config{})

	_, err := a.Allocate(ctx, 0, 16)
	require.ErrorIs(t, err, ErrInvalidSize)
	_, err = a.Allocate(ctx, 1<<40, 1<<40)
	require.ErrorIs(t, err, ErrInvalidSize)
	_, err = a.Write(ctx, make([]byte, 10), 16)
	require.ErrorIs(t, err, ErrInvalidSize)

	a.Destroy()
	_, err = a.Allocate(ctx, 1, 16)
	require.ErrorIs(t, err, ErrDestroyed)
}

func TestAllocator_DeviceRejectsGrowth(t *testing.T) {
	ctx := context.Background()
	a, dev, _ := newAllocator(t, Config{InitialCapacity: 64})
	dev.MaxBufferSize = 100

	_, err := a.Allocate(ctx, 4, 16)
	require.NoError(t, err)
	_, err = a.Allocate(ctx, 1, 16)
	require.ErrorIs(t, err, gpucore.ErrOutOfSpace)
	assert.Equal(t, uint64(64), a.Capacity())
}
