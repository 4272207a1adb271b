// Package growable provides an append-only GPU buffer that is rebuilt every
// frame and replaced wholesale when it overflows.
//
// Data packed here (instance transforms, material tables, indirect draw
// arguments) must stay contiguous, so on overflow the allocator creates a
// buffer of at least GrowthFactor times the required size, copies the
// committed bytes device-side through a transfer queue, waits for that copy
// and retires the old buffer. Callers only see a new buffer identity.
package growable

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/bits"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gpures/gpucore"
	"github.com/gogpu/gpures/submit"
)

// Default configuration values.
const (
	DefaultInitialCapacity = 64 << 10
	DefaultGrowthFactor    = 2
)

// Errors returned by the allocator.
var (
	// ErrInvalidSize is returned for zero counts or strides, or data that
	// is not a whole number of elements.
	ErrInvalidSize = errors.New("growable: invalid element count or stride")

	// ErrDestroyed is returned after Destroy.
	ErrDestroyed = errors.New("growable: allocator destroyed")
)

// RetireFunc disposes of a buffer replaced by a migration. It is called
// after the migration copy completed.
type RetireFunc func(old gpucore.Buffer)

// Config holds allocator configuration.
type Config struct {
	// Label names the buffer.
	Label string

	// InitialCapacity is the size of the first buffer in bytes.
	InitialCapacity uint64

	// GrowthFactor multiplies the required size on overflow. Minimum 2.
	GrowthFactor uint64

	// Usage of the buffer. CopySrc and CopyDst are always added.
	Usage gputypes.BufferUsage

	// Retire disposes of replaced buffers. Nil destroys them immediately,
	// which is only safe when no pending GPU work reads them.
	Retire RetireFunc
}

// Allocation is a span of elements in the current buffer.
type Allocation struct {
	Buffer        gpucore.Buffer
	ElementOffset uint64
	ByteOffset    uint64
	ByteSize      uint64
}

// Stats describes allocator state.
type Stats struct {
	Capacity      uint64
	Used          uint64
	HighWater     uint64
	Resizes       int
	BytesMigrated uint64
}

// Allocator is an append-only growable buffer. It is not safe for
// concurrent use.
type Allocator struct {
	dev      gpucore.Device
	transfer *submit.Queue
	cfg      Config

	buf       gpucore.Buffer
	cursor    uint64
	highWater uint64
	resizes   int
	migrated  uint64
	destroyed bool
}

// New creates an allocator. The buffer is created on first use.
func New(dev gpucore.Device, transfer *submit.Queue, cfg Config) *Allocator {
	if cfg.InitialCapacity == 0 {
		cfg.InitialCapacity = DefaultInitialCapacity
	}
	if cfg.GrowthFactor < DefaultGrowthFactor {
		cfg.GrowthFactor = DefaultGrowthFactor
	}
	if cfg.Label == "" {
		cfg.Label = "growable"
	}
	cfg.Usage |= gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst
	return &Allocator{dev: dev, transfer: transfer, cfg: cfg}
}

// Allocate reserves count elements of stride bytes after the cursor,
// migrating to a larger buffer if needed. The cursor is first rounded up to
// a multiple of stride so that ElementOffset is exact.
func (a *Allocator) Allocate(ctx context.Context, count, stride uint64) (Allocation, error) {
	if a.destroyed {
		return Allocation{}, ErrDestroyed
	}
	if count == 0 || stride == 0 {
		return Allocation{}, fmt.Errorf("%d x %d: %w", count, stride, ErrInvalidSize)
	}
	hi, size := bits.Mul64(count, stride)
	if hi != 0 {
		return Allocation{}, fmt.Errorf("%d x %d overflows: %w", count, stride, ErrInvalidSize)
	}

	start := (a.cursor + stride - 1) / stride * stride
	end := start + size
	if end < start {
		return Allocation{}, fmt.Errorf("%d bytes at %d overflows: %w", size, start, ErrInvalidSize)
	}
	if a.buf == nil || end > a.buf.Size() {
		if err := a.grow(ctx, end); err != nil {
			return Allocation{}, err
		}
	}

	a.cursor = end
	a.highWater = max(a.highWater, end)
	return Allocation{
		Buffer:        a.buf,
		ElementOffset: start / stride,
		ByteOffset:    start,
		ByteSize:      size,
	}, nil
}

// Write appends data as len(data)/stride elements and uploads it.
func (a *Allocator) Write(ctx context.Context, data []byte, stride uint64) (Allocation, error) {
	if stride == 0 || uint64(len(data))%stride != 0 {
		return Allocation{}, fmt.Errorf("%d bytes with stride %d: %w", len(data), stride, ErrInvalidSize)
	}
	al, err := a.Allocate(ctx, uint64(len(data))/stride, stride)
	if err != nil {
		return Allocation{}, err
	}
	if err := a.dev.WriteBuffer(al.Buffer, al.ByteOffset, data); err != nil {
		return Allocation{}, fmt.Errorf("growable: upload %q: %w", a.cfg.Label, err)
	}
	return al, nil
}

// Reset rewinds the cursor. The buffer is kept; it never shrinks.
func (a *Allocator) Reset() { a.cursor = 0 }

// Buffer returns the current buffer, or nil before the first allocation.
func (a *Allocator) Buffer() gpucore.Buffer { return a.buf }

// Capacity returns the current buffer size in bytes.
func (a *Allocator) Capacity() uint64 {
	if a.buf == nil {
		return 0
	}
	return a.buf.Size()
}

// Len returns the committed byte count.
func (a *Allocator) Len() uint64 { return a.cursor }

// Resizes returns the number of migrations so far.
func (a *Allocator) Resizes() int { return a.resizes }

// Stats returns a snapshot of the allocator state.
func (a *Allocator) Stats() Stats {
	return Stats{
		Capacity:      a.Capacity(),
		Used:          a.cursor,
		HighWater:     a.highWater,
		Resizes:       a.resizes,
		BytesMigrated: a.migrated,
	}
}

// Destroy retires the current buffer.
func (a *Allocator) Destroy() {
	if a.buf != nil {
		a.retire(a.buf)
		a.buf = nil
	}
	a.cursor = 0
	a.destroyed = true
}

func (a *Allocator) grow(ctx context.Context, required uint64) error {
	newCap := a.cfg.InitialCapacity
	if a.buf != nil || required > newCap {
		hi, byRequired := bits.Mul64(required, a.cfg.GrowthFactor)
		if hi != 0 {
			return fmt.Errorf("growable: %q cannot hold %d bytes: %w", a.cfg.Label, required, gpucore.ErrOutOfSpace)
		}
		newCap = max(newCap, byRequired, a.Capacity()*a.cfg.GrowthFactor)
	}

	next, err := a.dev.CreateBuffer(gpucore.BufferDescriptor{
		Label: a.cfg.Label,
		Size:  newCap,
		Usage: a.cfg.Usage,
	})
	if err != nil {
		return fmt.Errorf("growable: create %q of %s: %w", a.cfg.Label, gpucore.ByteSize(newCap), err)
	}

	old := a.buf
	if old == nil {
		a.buf = next
		return nil
	}

	if a.cursor > 0 {
		if submitted, err := a.migrate(ctx, old, next); err != nil {
			if submitted {
				// The copy may still be writing into next.
				a.retire(next)
			} else {
				a.dev.DestroyBuffer(next)
			}
			return err
		}
	}
	a.buf = next
	a.resizes++
	a.migrated += a.cursor
	a.retire(old)

	gpucore.Logger().Debug("growable: migrated",
		slog.String("label", a.cfg.Label),
		slog.String("from", gpucore.ByteSize(old.Size()).String()),
		slog.String("to", gpucore.ByteSize(newCap).String()),
		slog.Uint64("copied", a.cursor))
	return nil
}

// migrate copies the committed bytes of old into next on the device and
// waits for the copy, since the transfer queue has no ordering with the
// queue that reads next. submitted reports whether the copy reached the
// device.
func (a *Allocator) migrate(ctx context.Context, old, next gpucore.Buffer) (submitted bool, err error) {
	b, err := a.transfer.Open(ctx)
	if err != nil {
		return false, fmt.Errorf("growable: open transfer batch: %w", err)
	}
	b.CopyBuffer(old, next, gpucore.BufferCopy{Size: a.cursor})
	fence, err := a.transfer.Execute(b)
	if err != nil {
		return false, fmt.Errorf("growable: submit migration: %w", err)
	}
	if err := a.transfer.WaitForFence(ctx, fence); err != nil {
		return true, fmt.Errorf("growable: wait for migration: %w", err)
	}
	return true, nil
}

func (a *Allocator) retire(b gpucore.Buffer) {
	if a.cfg.Retire != nil {
		a.cfg.Retire(b)
		return
	}
	a.dev.DestroyBuffer(b)
}
