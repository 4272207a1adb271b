package submit

import (
	"fmt"

	"github.com/gogpu/gpures/gpucore"
)

// State is the lifecycle state of a batch.
type State int

// Batch states.
const (
	StateFree State = iota
	StateRecording
	StateSubmitted
	StateComplete
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateFree:
		return "Free"
	case StateRecording:
		return "Recording"
	case StateSubmitted:
		return "Submitted"
	case StateComplete:
		return "Complete"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Batch is one command recording bound to one fence value.
// A Batch is owned by its Queue; callers hold it between Open and Execute.
type Batch struct {
	id       int
	queue    *Queue
	rec      gpucore.Recorder
	state    State
	fence    gpucore.FenceValue
	deferred []func()
	uses     int
}

// ID returns the batch index within its queue, in [0, MaxInFlight).
func (b *Batch) ID() int { return b.id }

// State returns the current lifecycle state. A submitted batch whose fence
// has been observed complete reports StateComplete until it is reclaimed.
func (b *Batch) State() State {
	if b.state == StateSubmitted && b.queue.IsComplete(b.fence) {
		return StateComplete
	}
	return b.state
}

// Fence returns the fence assigned by the last Execute, or NoFence.
func (b *Batch) Fence() gpucore.FenceValue { return b.fence }

// Uses returns how many times the batch has been opened.
func (b *Batch) Uses() int { return b.uses }

// Recorder returns the backend recorder. Only valid while recording.
func (b *Batch) Recorder() gpucore.Recorder { return b.rec }

// CopyBuffer records a device-side buffer copy.
func (b *Batch) CopyBuffer(src, dst gpucore.Buffer, regions ...gpucore.BufferCopy) {
	if b.state != StateRecording {
		panic(fmt.Sprintf("submit: CopyBuffer on batch %d in state %v", b.id, b.state))
	}
	b.rec.CopyBuffer(src, dst, regions...)
}

// Defer registers fn to run once the batch's fence completed and the batch
// is reclaimed. Hooks run in registration order.
func (b *Batch) Defer(fn func()) {
	b.deferred = append(b.deferred, fn)
}

func (b *Batch) runDeferred() {
	fns := b.deferred
	b.deferred = nil
	for _, fn := range fns {
		fn()
	}
}
