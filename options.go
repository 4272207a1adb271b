package gpures

import (
	"log/slog"
	"time"
)

// Option configures a Manager during creation.
//
// Example:
//
//	// Defaults: three frames in flight, errors returned to the caller
//	m, err := gpures.NewManager(dev, queue)
//
//	// Two frames in flight, panic on the first misuse
//	m, err := gpures.NewManager(dev, queue,
//		gpures.WithFramesInFlight(2),
//		gpures.WithFailurePolicy(gpures.FailurePanic))
type Option func(*managerOptions)

// managerOptions holds optional configuration for Manager creation.
type managerOptions struct {
	config Config
	logger *slog.Logger
}

// defaultOptions returns the default manager options.
func defaultOptions() managerOptions {
	return managerOptions{
		config: DefaultConfig(),
		logger: nil, // keep the package logger
	}
}

// WithConfig replaces the whole configuration. Options after it still apply.
func WithConfig(cfg Config) Option {
	return func(o *managerOptions) {
		o.config = cfg
	}
}

// WithFramesInFlight sets how many frames the CPU may record ahead of the GPU.
func WithFramesInFlight(n int) Option {
	return func(o *managerOptions) {
		o.config.FramesInFlight = n
	}
}

// WithFailurePolicy selects how the Manager reacts to errors.
func WithFailurePolicy(p FailurePolicy) Option {
	return func(o *managerOptions) {
		o.config.FailurePolicy = p
	}
}

// WithLogger installs l as the package logger when the Manager is created.
// It is equivalent to calling SetLogger before NewManager.
func WithLogger(l *slog.Logger) Option {
	return func(o *managerOptions) {
		o.logger = l
	}
}

// WithRingPageSize sets the page size of every frame's ring allocator.
func WithRingPageSize(size uint64) Option {
	return func(o *managerOptions) {
		o.config.RingPageSize = size
	}
}

// WithBindingCapacity sets the size of the binding table.
func WithBindingCapacity(n uint32) Option {
	return func(o *managerOptions) {
		o.config.BindingCapacity = n
	}
}

// WithFenceTimeout bounds every fence wait. Zero waits without limit.
func WithFenceTimeout(d time.Duration) Option {
	return func(o *managerOptions) {
		o.config.FenceTimeout = d
	}
}
