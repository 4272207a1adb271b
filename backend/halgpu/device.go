// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package halgpu implements the gpucore capability interfaces on top of the
// gogpu/wgpu hardware abstraction layer.
//
// A [Device] wraps one hal.Device and its hal.Queue. Fence values are hal
// submission indices, which the HAL guarantees to increase monotonically
// per queue. Fence waits poll Queue.PollCompleted with exponential backoff.
package halgpu

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unsafe"

	"github.com/cenkalti/backoff/v5"
	"github.com/gogpu/gpucontext"
	"github.com/gogpu/gputypes"
	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpures/gpucore"
)

// Errors returned by the adapter.
var (
	// ErrNoAdapter is returned when a hal backend exposes no adapter.
	ErrNoAdapter = errors.New("halgpu: no adapter available")

	// ErrNoHAL is returned when a device provider does not expose hal types.
	ErrNoHAL = errors.New("halgpu: provider does not expose HAL device and queue")

	// ErrForeignBuffer is returned for buffers created by another device.
	ErrForeignBuffer = errors.New("halgpu: buffer not created by this device")
)

// errPending marks a fence that has not completed yet.
var errPending = errors.New("halgpu: fence pending")

// PollConfig tunes fence polling.
type PollConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
}

// DefaultPollConfig returns polling suitable for frame-rate waits.
func DefaultPollConfig() PollConfig {
	return PollConfig{
		InitialInterval: 50 * time.Microsecond,
		MaxInterval:     2 * time.Millisecond,
		Multiplier:      2,
	}
}

// Buffer is a hal buffer with the metadata gpucore needs.
type Buffer struct {
	raw    hal.Buffer
	size   uint64
	label  string
	usage  gputypes.BufferUsage
	mapped []byte
}

// Size returns the buffer size in bytes.
func (b *Buffer) Size() uint64 { return b.size }

// Label returns the debug label.
func (b *Buffer) Label() string { return b.label }

// Raw returns the underlying hal buffer.
func (b *Buffer) Raw() hal.Buffer { return b.raw }

// Device implements gpucore.Device and gpucore.Queue.
type Device struct {
	dev   hal.Device
	queue hal.Queue
	poll  PollConfig

	mu       sync.Mutex
	instance hal.Instance // non-nil when the device is owned
	closed   bool
}

var (
	_ gpucore.Device = (*Device)(nil)
	_ gpucore.Queue  = (*Device)(nil)
)

// New wraps an existing hal device and queue. The caller keeps ownership;
// Close does not destroy them.
func New(dev hal.Device, queue hal.Queue) *Device {
	return &Device{dev: dev, queue: queue, poll: DefaultPollConfig()}
}

// Open creates an instance on the given hal backend and opens the first
// adapter with default limits. Close destroys everything it created.
func Open(api hal.Backend) (*Device, error) {
	instance, err := api.CreateInstance(nil)
	if err != nil {
		return nil, fmt.Errorf("halgpu: create %v instance: %w", api.Variant(), err)
	}
	adapters := instance.EnumerateAdapters(nil)
	if len(adapters) == 0 {
		instance.Destroy()
		return nil, fmt.Errorf("%v: %w", api.Variant(), ErrNoAdapter)
	}
	open, err := adapters[0].Adapter.Open(gputypes.Features(0), gputypes.DefaultLimits())
	if err != nil {
		instance.Destroy()
		return nil, fmt.Errorf("halgpu: open adapter %q: %w", adapters[0].Info.Name, err)
	}

	gpucore.Logger().Info("halgpu: device opened",
		slog.String("backend", api.Variant().String()),
		slog.String("adapter", adapters[0].Info.Name))

	d := New(open.Device, open.Queue)
	d.instance = instance
	return d, nil
}

// FromProvider extracts the hal device and queue from a shared device
// provider. The provider itself, or its Device(), must expose HalDevice and
// HalQueue.
func FromProvider(p gpucontext.DeviceProvider) (*Device, error) {
	for _, v := range []any{p, p.Device()} {
		if dev, queue, ok := halFrom(v); ok {
			gpucore.Logger().Debug("halgpu: using provider device",
				slog.String("adapter", p.AdapterInfo().Name))
			return New(dev, queue), nil
		}
	}
	return nil, ErrNoHAL
}

func halFrom(v any) (hal.Device, hal.Queue, bool) {
	switch hp := v.(type) {
	case interface {
		HalDevice() hal.Device
		HalQueue() hal.Queue
	}:
		dev, queue := hp.HalDevice(), hp.HalQueue()
		return dev, queue, dev != nil && queue != nil
	case interface {
		HalDevice() any
		HalQueue() any
	}:
		dev, ok1 := hp.HalDevice().(hal.Device)
		queue, ok2 := hp.HalQueue().(hal.Queue)
		return dev, queue, ok1 && ok2 && dev != nil && queue != nil
	}
	return nil, nil, false
}

// SetPollConfig replaces the fence polling parameters.
func (d *Device) SetPollConfig(c PollConfig) { d.poll = c }

// HalDevice returns the wrapped hal device.
func (d *Device) HalDevice() hal.Device { return d.dev }

// HalQueue returns the wrapped hal queue.
func (d *Device) HalQueue() hal.Queue { return d.queue }

// Close waits for the device to go idle and destroys it if Open created it.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	if d.instance == nil {
		return nil
	}
	err := d.dev.WaitIdle()
	d.dev.Destroy()
	d.instance.Destroy()
	d.instance = nil
	return translate(err)
}

// CreateBuffer creates a hal buffer.
func (d *Device) CreateBuffer(desc gpucore.BufferDescriptor) (gpucore.Buffer, error) {
	raw, err := d.dev.CreateBuffer(&hal.BufferDescriptor{
		Label: desc.Label,
		Size:  desc.Size,
		Usage: desc.Usage,
	})
	if err != nil {
		return nil, fmt.Errorf("halgpu: create buffer %q: %w", desc.Label, translate(err))
	}
	return &Buffer{raw: raw, size: desc.Size, label: desc.Label, usage: desc.Usage}, nil
}

// DestroyBuffer unmaps and destroys a buffer.
func (d *Device) DestroyBuffer(buf gpucore.Buffer) {
	b, err := d.own(buf)
	if err != nil {
		gpucore.Logger().Warn("halgpu: destroy buffer", slog.Any("err", err))
		return
	}
	if b.mapped != nil {
		if err := d.dev.UnmapBuffer(b.raw); err != nil {
			gpucore.Logger().Warn("halgpu: unmap buffer",
				slog.String("label", b.label), slog.Any("err", err))
		}
		b.mapped = nil
	}
	d.dev.DestroyBuffer(b.raw)
	b.raw = nil
}

// MapBuffer maps the whole buffer persistently.
func (d *Device) MapBuffer(buf gpucore.Buffer) ([]byte, error) {
	b, err := d.own(buf)
	if err != nil {
		return nil, err
	}
	if b.mapped != nil {
		return b.mapped, nil
	}
	if b.usage&(gputypes.BufferUsageMapWrite|gputypes.BufferUsageMapRead) == 0 {
		return nil, fmt.Errorf("halgpu: buffer %q has no map usage: %w", b.label, hal.ErrInvalidMapRange)
	}
	m, err := d.dev.MapBuffer(b.raw, 0, b.size)
	if err != nil {
		return nil, fmt.Errorf("halgpu: map %q: %w", b.label, translate(err))
	}
	if m.Ptr == nil {
		return nil, fmt.Errorf("halgpu: map %q returned no memory: %w", b.label, hal.ErrInvalidMapRange)
	}
	if !m.IsCoherent {
		gpucore.Logger().Debug("halgpu: non-coherent mapping", slog.String("label", b.label))
	}
	b.mapped = unsafe.Slice((*byte)(m.Ptr), b.size)
	return b.mapped, nil
}

// WriteBuffer uploads data through the queue.
func (d *Device) WriteBuffer(buf gpucore.Buffer, offset uint64, data []byte) error {
	b, err := d.own(buf)
	if err != nil {
		return err
	}
	if offset+uint64(len(data)) > b.size {
		return fmt.Errorf("halgpu: write [%d, %d) beyond %q: %w",
			offset, offset+uint64(len(data)), b.label, gpucore.ErrOutOfRange)
	}
	if err := d.queue.WriteBuffer(b.raw, offset, data); err != nil {
		return fmt.Errorf("halgpu: write %q: %w", b.label, translate(err))
	}
	return nil
}

// ReadBuffer maps the range, copies it out and unmaps.
func (d *Device) ReadBuffer(buf gpucore.Buffer, offset, size uint64) ([]byte, error) {
	b, err := d.own(buf)
	if err != nil {
		return nil, err
	}
	if offset+size > b.size {
		return nil, fmt.Errorf("halgpu: read [%d, %d) beyond %q: %w",
			offset, offset+size, b.label, gpucore.ErrOutOfRange)
	}
	out := make([]byte, size)
	if size == 0 {
		return out, nil
	}
	if b.mapped != nil {
		copy(out, b.mapped[offset:offset+size])
		return out, nil
	}
	m, err := d.dev.MapBuffer(b.raw, offset, size)
	if err != nil {
		return nil, fmt.Errorf("halgpu: read %q: %w", b.label, translate(err))
	}
	copy(out, unsafe.Slice((*byte)(m.Ptr), size))
	if err := d.dev.UnmapBuffer(b.raw); err != nil {
		return nil, fmt.Errorf("halgpu: unmap %q: %w", b.label, translate(err))
	}
	return out, nil
}

// CompletedFence returns the last completed hal submission index.
func (d *Device) CompletedFence() gpucore.FenceValue {
	return gpucore.FenceValue(d.queue.PollCompleted())
}

// WaitFence polls until v completes or ctx is done.
func (d *Device) WaitFence(ctx context.Context, v gpucore.FenceValue) error {
	if d.CompletedFence() >= v {
		return nil
	}
	exp := &backoff.ExponentialBackOff{
		InitialInterval:     d.poll.InitialInterval,
		RandomizationFactor: 0,
		Multiplier:          d.poll.Multiplier,
		MaxInterval:         d.poll.MaxInterval,
	}
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if d.CompletedFence() >= v {
			return struct{}{}, nil
		}
		return struct{}{}, errPending
	}, backoff.WithBackOff(exp), backoff.WithMaxElapsedTime(0))
	if err != nil {
		return fmt.Errorf("halgpu: wait for fence %d: %w", v, err)
	}
	return nil
}

// own checks that buf is a live buffer of this adapter.
func (d *Device) own(buf gpucore.Buffer) (*Buffer, error) {
	b, ok := buf.(*Buffer)
	if !ok || b == nil {
		return nil, fmt.Errorf("%T: %w", buf, ErrForeignBuffer)
	}
	if b.raw == nil {
		return nil, fmt.Errorf("halgpu: buffer %q used after destroy: %w", b.label, gpucore.ErrStaleHandle)
	}
	return b, nil
}

// translate maps hal errors onto the gpucore taxonomy.
func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, hal.ErrDeviceLost):
		return fmt.Errorf("%w: %w", gpucore.ErrDeviceLost, err)
	case errors.Is(err, hal.ErrTimeout):
		return fmt.Errorf("%w: %w", gpucore.ErrFenceTimeout, err)
	case errors.Is(err, hal.ErrDeviceOutOfMemory):
		return fmt.Errorf("%w: %w", gpucore.ErrOutOfSpace, err)
	default:
		return err
	}
}
