package gputest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/gogpu/gpures/gpucore"
)

// Queue is an in-memory gpucore.Queue whose fences complete on demand.
//
// Recorded copies execute at submission, so data is visible as soon as
// Submit returns, but the fence only completes when Complete is called
// (or immediately, for an auto-completing queue).
type Queue struct {
	mu        sync.Mutex
	auto      bool
	submitted gpucore.FenceValue
	completed gpucore.FenceValue
	changed   chan struct{}
	lost      bool
	recorders int

	// FailSubmit makes the next Submit fail with ErrInjected.
	FailSubmit bool
}

// NewQueue creates a queue. With auto set, each submission completes
// immediately, like the hal software backend.
func NewQueue(auto bool) *Queue {
	return &Queue{auto: auto, changed: make(chan struct{})}
}

// CreateRecorder creates a recorder bound to this queue.
func (q *Queue) CreateRecorder(label string) (gpucore.Recorder, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.lost {
		return nil, gpucore.ErrDeviceLost
	}
	q.recorders++
	return &Recorder{queue: q, label: label}, nil
}

// Submit executes the recorded copies and assigns the next fence.
func (q *Queue) Submit(r gpucore.Recorder) (gpucore.FenceValue, error) {
	rec, ok := r.(*Recorder)
	if !ok || rec.queue != q {
		return 0, fmt.Errorf("gputest: foreign recorder %T", r)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.lost {
		return 0, gpucore.ErrDeviceLost
	}
	if q.FailSubmit {
		q.FailSubmit = false
		return 0, fmt.Errorf("submit %q: %w", rec.label, ErrInjected)
	}
	if !rec.recording {
		return 0, fmt.Errorf("gputest: recorder %q submitted without Begin", rec.label)
	}

	for _, c := range rec.copies {
		copy(c.dst.data[c.region.DstOffset:c.region.DstOffset+c.region.Size],
			c.src.data[c.region.SrcOffset:c.region.SrcOffset+c.region.Size])
	}
	rec.copies = rec.copies[:0]
	rec.recording = false
	rec.submits++

	q.submitted++
	if q.auto {
		q.setCompleted(q.submitted)
	}
	return q.submitted, nil
}

// CompletedFence returns the highest completed fence.
func (q *Queue) CompletedFence() gpucore.FenceValue {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.completed
}

// WaitFence blocks until v completes, the queue is lost or ctx is done.
func (q *Queue) WaitFence(ctx context.Context, v gpucore.FenceValue) error {
	for {
		q.mu.Lock()
		if q.completed >= v {
			q.mu.Unlock()
			return nil
		}
		if q.lost {
			q.mu.Unlock()
			return gpucore.ErrDeviceLost
		}
		ch := q.changed
		q.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Complete marks every fence up to v complete. Values beyond the last
// submission are clamped.
func (q *Queue) Complete(v gpucore.FenceValue) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.setCompleted(min(v, q.submitted))
}

// CompleteAll completes every submitted fence.
func (q *Queue) CompleteAll() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.setCompleted(q.submitted)
}

// Lose simulates device loss. Pending and future waits fail.
func (q *Queue) Lose() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.lost = true
	q.notify()
}

// Submitted returns the last assigned fence.
func (q *Queue) Submitted() gpucore.FenceValue {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.submitted
}

// Recorders returns the number of recorders ever created.
func (q *Queue) Recorders() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.recorders
}

func (q *Queue) setCompleted(v gpucore.FenceValue) {
	if v > q.completed {
		q.completed = v
		q.notify()
	}
}

func (q *Queue) notify() {
	close(q.changed)
	q.changed = make(chan struct{})
}

type pendingCopy struct {
	src, dst *Buffer
	region   gpucore.BufferCopy
}

// Recorder records copies for a Queue.
type Recorder struct {
	queue     *Queue
	label     string
	copies    []pendingCopy
	recording bool
	destroyed bool
	submits   int
}

// Begin starts a recording.
func (r *Recorder) Begin() error {
	if r.destroyed {
		return errors.New("gputest: recorder used after destroy")
	}
	if r.recording {
		return fmt.Errorf("gputest: recorder %q already recording", r.label)
	}
	r.copies = r.copies[:0]
	r.recording = true
	return nil
}

// CopyBuffer records a copy. Out-of-bounds regions panic at record time.
func (r *Recorder) CopyBuffer(src, dst gpucore.Buffer, regions ...gpucore.BufferCopy) {
	s, d := src.(*Buffer), dst.(*Buffer)
	for _, c := range regions {
		if c.SrcOffset+c.Size > s.Size() || c.DstOffset+c.Size > d.Size() {
			panic(fmt.Sprintf("gputest: copy %+v out of bounds (%d -> %d bytes)", c, s.Size(), d.Size()))
		}
		r.copies = append(r.copies, pendingCopy{src: s, dst: d, region: c})
	}
}

// Reset abandons the current recording.
func (r *Recorder) Reset() {
	r.copies = r.copies[:0]
	r.recording = false
}

// Destroy releases the recorder.
func (r *Recorder) Destroy() { r.destroyed = true }

// Label returns the recorder label.
func (r *Recorder) Label() string { return r.label }

// Submits returns how many times the recorder was submitted.
func (r *Recorder) Submits() int { return r.submits }
