package gpures

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gogpu/gpures/growable"
	"github.com/gogpu/gpures/pool"
	"github.com/gogpu/gpures/ring"
	"github.com/gogpu/gpures/submit"
)

// FailurePolicy decides what the Manager does with allocator and handle
// errors. It has no default: a Config must choose one.
type FailurePolicy int

// Failure policies.
const (
	// FailureUnset is the zero value and is rejected by Validate.
	FailureUnset FailurePolicy = iota

	// FailureReturn reports errors to the caller, which may skip a draw
	// or a frame. Stale handles met during Rebuild skip the drawable.
	FailureReturn

	// FailurePanic panics on every error, stopping at the first misuse.
	FailurePanic
)

// String returns the policy name.
func (p FailurePolicy) String() string {
	switch p {
	case FailureReturn:
		return "return"
	case FailurePanic:
		return "panic"
	default:
		return "unset"
	}
}

// ParseFailurePolicy parses "return" or "panic".
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "return":
		return FailureReturn, nil
	case "panic":
		return FailurePanic, nil
	default:
		return FailureUnset, fmt.Errorf("gpures: unknown failure policy %q (want return or panic)", s)
	}
}

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("gpures: invalid config")

// Default configuration values.
const (
	DefaultBindingCapacity         = 4096
	DefaultGrowableInitialCapacity = 64 << 10
)

// Config holds Manager configuration.
type Config struct {
	// FramesInFlight bounds CPU/GPU frame overlap.
	FramesInFlight int

	// PoolCapacity is the initial slot count of each resource pool.
	PoolCapacity uint32

	// GenerationCeiling retires pool slots at this generation.
	GenerationCeiling uint32

	// BindingCapacity is the size of the binding table.
	BindingCapacity uint32

	// RingPageSize is the page size of every frame's ring allocator.
	RingPageSize uint64

	// RingMaxPages caps pages per frame. Zero means unlimited.
	RingMaxPages int

	// GrowableInitialCapacity is the first size of each packed buffer.
	GrowableInitialCapacity uint64

	// FenceTimeout bounds fence waits. Zero waits without limit.
	FenceTimeout time.Duration

	// FailurePolicy must be set explicitly.
	FailurePolicy FailurePolicy
}

// DefaultConfig returns a configuration that reports errors to callers.
func DefaultConfig() Config {
	return Config{
		FramesInFlight:          submit.DefaultMaxInFlight,
		PoolCapacity:            pool.DefaultInitialCapacity,
		GenerationCeiling:       pool.DefaultGenerationCeiling,
		BindingCapacity:         DefaultBindingCapacity,
		RingPageSize:            ring.DefaultPageSize,
		GrowableInitialCapacity: growable.DefaultInitialCapacity,
		FailurePolicy:           FailureReturn,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	var errs []error
	if c.FramesInFlight < 1 {
		errs = append(errs, fmt.Errorf("frames in flight %d < 1", c.FramesInFlight))
	}
	if c.PoolCapacity == 0 {
		errs = append(errs, errors.New("pool capacity is zero"))
	}
	if c.GenerationCeiling < 2 {
		errs = append(errs, fmt.Errorf("generation ceiling %d < 2", c.GenerationCeiling))
	}
	if c.RingPageSize == 0 {
		errs = append(errs, errors.New("ring page size is zero"))
	}
	if c.RingMaxPages < 0 {
		errs = append(errs, fmt.Errorf("ring max pages %d < 0", c.RingMaxPages))
	}
	if c.GrowableInitialCapacity == 0 {
		errs = append(errs, errors.New("growable initial capacity is zero"))
	}
	if c.FenceTimeout < 0 {
		errs = append(errs, fmt.Errorf("fence timeout %v < 0", c.FenceTimeout))
	}
	if c.FailurePolicy != FailureReturn && c.FailurePolicy != FailurePanic {
		errs = append(errs, errors.New("failure policy must be FailureReturn or FailurePanic"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}
