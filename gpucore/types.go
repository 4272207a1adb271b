package gpucore

import (
	"fmt"

	"github.com/gogpu/gputypes"
)

// FenceValue is a monotonically increasing per-queue completion counter.
type FenceValue uint64

// NoFence is the zero fence value. It is complete before any submission.
const NoFence FenceValue = 0

// BufferDescriptor describes a buffer to create.
type BufferDescriptor struct {
	// Label is an optional debug name.
	Label string

	// Size in bytes.
	Size uint64

	// Usage flags, using the WebGPU bit layout.
	Usage gputypes.BufferUsage
}

// Common usage combinations.
const (
	// UsageUpload is host-writable memory read by the device, used for
	// ring allocator pages.
	UsageUpload = gputypes.BufferUsageMapWrite | gputypes.BufferUsageCopySrc

	// UsagePacked is device storage rebuilt every frame that can be both
	// the source and the destination of a migration copy.
	UsagePacked = gputypes.BufferUsageStorage | gputypes.BufferUsageCopySrc | gputypes.BufferUsageCopyDst
)

// Buffer is a backend buffer. Implementations are comparable by identity.
type Buffer interface {
	// Size returns the buffer size in bytes.
	Size() uint64

	// Label returns the debug label given at creation.
	Label() string
}

// BufferCopy is one region of a device-side buffer copy.
type BufferCopy struct {
	SrcOffset uint64
	DstOffset uint64
	Size      uint64
}

// AlignUp rounds v up to the next multiple of alignment.
// The alignment must be a power of two; zero and one leave v unchanged.
func AlignUp(v, alignment uint64) uint64 {
	if alignment <= 1 {
		return v
	}
	return (v + alignment - 1) &^ (alignment - 1)
}

// IsPowerOfTwo reports whether v is a power of two.
func IsPowerOfTwo(v uint64) bool {
	return v != 0 && v&(v-1) == 0
}

// ByteSize formats a byte count for log output.
type ByteSize uint64

// String returns a human-readable size using binary units.
func (b ByteSize) String() string {
	switch {
	case b >= 1<<30:
		return fmt.Sprintf("%.2f GiB", float64(b)/(1<<30))
	case b >= 1<<20:
		return fmt.Sprintf("%.2f MiB", float64(b)/(1<<20))
	case b >= 1<<10:
		return fmt.Sprintf("%.2f KiB", float64(b)/(1<<10))
	default:
		return fmt.Sprintf("%d B", uint64(b))
	}
}
