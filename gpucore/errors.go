package gpucore

import "errors"

// Error taxonomy shared by all allocators.
var (
	// ErrStaleHandle is returned when a handle's generation no longer
	// matches its slot, or the slot was freed or retired.
	ErrStaleHandle = errors.New("gpures: stale handle")

	// ErrOutOfRange is returned when a handle or range lies outside the
	// table it refers to.
	ErrOutOfRange = errors.New("gpures: out of range")

	// ErrOutOfSpace is returned when a range, page or buffer cannot be
	// satisfied under the current capacity.
	ErrOutOfSpace = errors.New("gpures: out of space")

	// ErrDeviceLost is returned when the device failed. It is not
	// recoverable mid-frame.
	ErrDeviceLost = errors.New("gpures: device lost")

	// ErrFenceTimeout is returned when a fence wait exceeded its deadline.
	ErrFenceTimeout = errors.New("gpures: fence timeout")
)

// ErrorKind classifies an error against the taxonomy.
type ErrorKind int

// Error kinds.
const (
	KindOther ErrorKind = iota
	KindStaleHandle
	KindOutOfRange
	KindOutOfSpace
	KindDeviceLost
	KindFenceTimeout
)

// String returns the kind name.
func (k ErrorKind) String() string {
	switch k {
	case KindStaleHandle:
		return "StaleHandle"
	case KindOutOfRange:
		return "OutOfRange"
	case KindOutOfSpace:
		return "OutOfSpace"
	case KindDeviceLost:
		return "DeviceLost"
	case KindFenceTimeout:
		return "FenceTimeout"
	default:
		return "Other"
	}
}

// Classify returns the taxonomy kind of err. Device loss wins over every
// other kind because it invalidates the whole frame.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return KindOther
	case errors.Is(err, ErrDeviceLost):
		return KindDeviceLost
	case errors.Is(err, ErrFenceTimeout):
		return KindFenceTimeout
	case errors.Is(err, ErrStaleHandle):
		return KindStaleHandle
	case errors.Is(err, ErrOutOfRange):
		return KindOutOfRange
	case errors.Is(err, ErrOutOfSpace):
		return KindOutOfSpace
	default:
		return KindOther
	}
}

// Fatal reports whether err leaves the device unusable for the current frame.
func Fatal(err error) bool {
	k := Classify(err)
	return k == KindDeviceLost || k == KindFenceTimeout
}
