package backend

import (
	"errors"

	"github.com/gogpu/gpures/gpucore"
)

// Common backend errors.
var (
	// ErrBackendNotAvailable is returned when a requested backend is not available.
	ErrBackendNotAvailable = errors.New("backend: not available")

	// ErrNotInitialized is returned when operations are called before Init.
	ErrNotInitialized = errors.New("backend: not initialized")
)

// Backend provides the capability interfaces the allocators run on.
//
// Backends must be registered via Register() and are selected via
// Get() or Default().
type Backend interface {
	// Name returns the backend identifier (e.g., "software", "noop").
	Name() string

	// Init opens the device. It must be called before Device or Queue.
	Init() error

	// Close releases the device.
	// The backend should not be used after Close is called.
	Close()

	// Device returns the buffer capability, or nil before Init.
	Device() gpucore.Device

	// Queue returns the submission capability, or nil before Init.
	Queue() gpucore.Queue
}
