package backend

import (
	"fmt"
	"log/slog"

	"github.com/gogpu/wgpu/hal"
	"github.com/gogpu/wgpu/hal/noop"
	"github.com/gogpu/wgpu/hal/software"

	"github.com/gogpu/gpures/backend/halgpu"
	"github.com/gogpu/gpures/gpucore"
)

// Backend name constants.
const (
	// BackendSoftware is the CPU implementation of the hal API.
	BackendSoftware = "software"
	// BackendNoop is the hal backend that executes nothing.
	BackendNoop = "noop"
)

// init registers the hal backends on package import.
func init() {
	Register(BackendSoftware, func() Backend {
		return NewHALBackend(BackendSoftware, software.API{})
	})
	Register(BackendNoop, func() Backend {
		return NewHALBackend(BackendNoop, noop.API{})
	})
}

// HALBackend opens a device on a gogpu/wgpu hal backend.
type HALBackend struct {
	name string
	api  hal.Backend
	dev  *halgpu.Device
}

// NewHALBackend creates a backend over a hal API.
func NewHALBackend(name string, api hal.Backend) *HALBackend {
	return &HALBackend{name: name, api: api}
}

// Name returns the backend identifier.
func (b *HALBackend) Name() string {
	return b.name
}

// Init opens the device. Calling Init twice is a no-op.
func (b *HALBackend) Init() error {
	if b.dev != nil {
		return nil
	}
	dev, err := halgpu.Open(b.api)
	if err != nil {
		return fmt.Errorf("backend %s: %w", b.name, err)
	}
	b.dev = dev
	return nil
}

// Close releases the device.
func (b *HALBackend) Close() {
	if b.dev != nil {
		if err := b.dev.Close(); err != nil {
			gpucore.Logger().Warn("backend: close",
				slog.String("backend", b.name),
				slog.Any("err", err))
		}
		b.dev = nil
	}
}

// Device returns the device, or nil before Init.
func (b *HALBackend) Device() gpucore.Device {
	if b.dev == nil {
		return nil
	}
	return b.dev
}

// Queue returns the queue, or nil before Init.
func (b *HALBackend) Queue() gpucore.Queue {
	if b.dev == nil {
		return nil
	}
	return b.dev
}

// HAL returns the hal adapter. It returns ErrNotInitialized before Init
// and after Close.
func (b *HALBackend) HAL() (*halgpu.Device, error) {
	if b.dev == nil {
		return nil, fmt.Errorf("backend %s: %w", b.name, ErrNotInitialized)
	}
	return b.dev, nil
}
