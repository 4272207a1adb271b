// Package gputest provides an in-memory gpucore backend for tests.
//
// Unlike the hal noop and software backends, whose submissions complete
// synchronously, a manual [Queue] keeps every submission pending until the
// test calls [Queue.Complete]. That makes backpressure and deferred
// reclamation observable.
package gputest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gpures/gpucore"
)

// ErrInjected is returned by operations configured to fail.
var ErrInjected = errors.New("gputest: injected failure")

// Buffer is an in-memory buffer.
type Buffer struct {
	id        uint64
	label     string
	usage     gputypes.BufferUsage
	data      []byte
	destroyed bool
}

// Size returns the buffer size in bytes.
func (b *Buffer) Size() uint64 { return uint64(len(b.data)) }

// Label returns the debug label.
func (b *Buffer) Label() string { return b.label }

// ID returns the creation order of the buffer, starting at 1.
func (b *Buffer) ID() uint64 { return b.id }

// Bytes returns the backing storage.
func (b *Buffer) Bytes() []byte { return b.data }

// Destroyed reports whether DestroyBuffer was called.
func (b *Buffer) Destroyed() bool { return b.destroyed }

// Device is an in-memory gpucore.Device.
type Device struct {
	mu        sync.Mutex
	nextID    uint64
	live      map[*Buffer]struct{}
	created   int
	destroyed int

	// FailCreate makes CreateBuffer fail when set.
	FailCreate bool

	// MaxBufferSize rejects larger buffers when non-zero.
	MaxBufferSize uint64
}

// NewDevice creates an empty device.
func NewDevice() *Device {
	return &Device{live: make(map[*Buffer]struct{})}
}

// CreateBuffer allocates zeroed host memory.
func (d *Device) CreateBuffer(desc gpucore.BufferDescriptor) (gpucore.Buffer, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.FailCreate {
		return nil, fmt.Errorf("create %q: %w", desc.Label, ErrInjected)
	}
	if d.MaxBufferSize != 0 && desc.Size > d.MaxBufferSize {
		return nil, fmt.Errorf("gputest: buffer %q of %d bytes exceeds %d: %w",
			desc.Label, desc.Size, d.MaxBufferSize, gpucore.ErrOutOfSpace)
	}
	d.nextID++
	b := &Buffer{id: d.nextID, label: desc.Label, usage: desc.Usage, data: make([]byte, desc.Size)}
	d.live[b] = struct{}{}
	d.created++
	return b, nil
}

// DestroyBuffer marks the buffer destroyed. Destroying twice panics.
func (d *Device) DestroyBuffer(buf gpucore.Buffer) {
	b := buf.(*Buffer)
	d.mu.Lock()
	defer d.mu.Unlock()
	if b.destroyed {
		panic(fmt.Sprintf("gputest: buffer %q destroyed twice", b.label))
	}
	b.destroyed = true
	delete(d.live, b)
	d.destroyed++
}

// MapBuffer returns the backing storage of a mappable buffer.
func (d *Device) MapBuffer(buf gpucore.Buffer) ([]byte, error) {
	b, err := d.check(buf)
	if err != nil {
		return nil, err
	}
	if b.usage&(gputypes.BufferUsageMapWrite|gputypes.BufferUsageMapRead) == 0 {
		return nil, fmt.Errorf("gputest: buffer %q is not mappable", b.label)
	}
	return b.data, nil
}

// WriteBuffer copies data into the buffer.
func (d *Device) WriteBuffer(buf gpucore.Buffer, offset uint64, data []byte) error {
	b, err := d.check(buf)
	if err != nil {
		return err
	}
	if offset+uint64(len(data)) > uint64(len(b.data)) {
		return fmt.Errorf("gputest: write [%d, %d) beyond %q of %d bytes",
			offset, offset+uint64(len(data)), b.label, len(b.data))
	}
	copy(b.data[offset:], data)
	return nil
}

// ReadBuffer copies size bytes out of the buffer.
func (d *Device) ReadBuffer(buf gpucore.Buffer, offset, size uint64) ([]byte, error) {
	b, err := d.check(buf)
	if err != nil {
		return nil, err
	}
	if offset+size > uint64(len(b.data)) {
		return nil, fmt.Errorf("gputest: read [%d, %d) beyond %q of %d bytes",
			offset, offset+size, b.label, len(b.data))
	}
	out := make([]byte, size)
	copy(out, b.data[offset:])
	return out, nil
}

// LiveBuffers returns the number of buffers not yet destroyed.
func (d *Device) LiveBuffers() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.live)
}

// Created returns the number of buffers ever created.
func (d *Device) Created() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.created
}

// Destroyed returns the number of buffers destroyed.
func (d *Device) Destroyed() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.destroyed
}

func (d *Device) check(buf gpucore.Buffer) (*Buffer, error) {
	b, ok := buf.(*Buffer)
	if !ok || b == nil {
		return nil, fmt.Errorf("gputest: foreign buffer %T", buf)
	}
	if b.destroyed {
		return nil, fmt.Errorf("gputest: buffer %q used after destroy", b.label)
	}
	return b, nil
}
