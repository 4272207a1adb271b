// Package submit implements a fence-gated command batch queue with bounded
// frame pipelining.
//
// A batch moves through Free, Recording (Open), Submitted (Execute) and
// Complete (fence observed) before it returns to Free. At most MaxInFlight
// batches exist at once. Open hands out a reclaimed batch when one is
// available, creates a new one below the ceiling, and otherwise blocks on
// the oldest submitted fence, so in-flight work never grows without bound.
//
// A Queue is driven by a single goroutine.
package submit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/gogpu/gpures/gpucore"
)

// DefaultMaxInFlight is the default in-flight ceiling.
const DefaultMaxInFlight = 3

// Errors returned by the queue.
var (
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("submit: queue closed")

	// ErrNotRecording is returned when executing a batch that is not open.
	ErrNotRecording = errors.New("submit: batch is not recording")

	// ErrUnsubmittedFence is returned when waiting on a fence that was
	// never assigned. Such a wait could never finish.
	ErrUnsubmittedFence = errors.New("submit: fence not submitted")
)

// Config holds queue configuration.
type Config struct {
	// Label prefixes recorder labels.
	Label string

	// MaxInFlight bounds the number of batches. Defaults to 3.
	MaxInFlight int

	// FenceTimeout bounds every fence wait. Zero waits without limit.
	FenceTimeout time.Duration
}

// Stats describes queue state.
type Stats struct {
	Batches       int
	Free          int
	InFlight      int
	Submissions   uint64
	Stalls        uint64
	LastSubmitted gpucore.FenceValue
	LastCompleted gpucore.FenceValue
}

// Queue hands out batches and tracks their fences.
type Queue struct {
	q     gpucore.Queue
	cfg   Config
	slots *semaphore.Weighted

	batches   []*Batch
	free      []*Batch
	submitted []*Batch // ascending fence order

	lastSubmitted gpucore.FenceValue
	lastCompleted gpucore.FenceValue
	submissions   uint64
	stalls        uint64

	err    error // sticky device failure
	closed bool
}

// New creates a queue over a backend queue.
func New(q gpucore.Queue, cfg Config) *Queue {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = DefaultMaxInFlight
	}
	if cfg.Label == "" {
		cfg.Label = "submit"
	}
	return &Queue{
		q:     q,
		cfg:   cfg,
		slots: semaphore.NewWeighted(int64(cfg.MaxInFlight)),
	}
}

// MaxInFlight returns the batch ceiling.
func (q *Queue) MaxInFlight() int { return q.cfg.MaxInFlight }

// Open returns a batch in the Recording state.
func (q *Queue) Open(ctx context.Context) (*Batch, error) {
	for {
		if err := q.usable(); err != nil {
			return nil, err
		}
		q.reclaim()

		if q.slots.TryAcquire(1) {
			b, err := q.take()
			if err != nil {
				q.slots.Release(1)
				return nil, err
			}
			return b, nil
		}

		if len(q.submitted) == 0 {
			return nil, fmt.Errorf("submit: all %d batches are recording: %w",
				q.cfg.MaxInFlight, gpucore.ErrOutOfSpace)
		}
		oldest := q.submitted[0]
		q.stalls++
		gpucore.Logger().Debug("submit: in-flight ceiling reached, waiting",
			slog.String("queue", q.cfg.Label),
			slog.Int("batch", oldest.id),
			slog.Uint64("fence", uint64(oldest.fence)))
		if err := q.WaitForFence(ctx, oldest.fence); err != nil {
			return nil, err
		}
	}
}

// Execute submits a recording batch and returns its fence value.
// Submission failure is fatal: the queue refuses further work.
func (q *Queue) Execute(b *Batch) (gpucore.FenceValue, error) {
	if err := q.usable(); err != nil {
		return 0, err
	}
	if b.queue != q || b.state != StateRecording {
		return 0, fmt.Errorf("batch %d in state %v: %w", b.id, b.state, ErrNotRecording)
	}

	fence, err := q.q.Submit(b.rec)
	if err != nil {
		if !errors.Is(err, gpucore.ErrDeviceLost) {
			err = fmt.Errorf("%w: %w", gpucore.ErrDeviceLost, err)
		}
		q.fail(fmt.Errorf("submit: batch %d: %w", b.id, err))
		q.recycle(b)
		return 0, q.err
	}
	if fence <= q.lastSubmitted {
		q.fail(fmt.Errorf("submit: backend fence %d does not follow %d: %w",
			fence, q.lastSubmitted, gpucore.ErrDeviceLost))
		return 0, q.err
	}

	b.fence = fence
	b.state = StateSubmitted
	q.submitted = append(q.submitted, b)
	q.lastSubmitted = fence
	q.submissions++
	return fence, nil
}

// Discard abandons a recording batch and returns it to the free list.
// Deferred hooks run immediately since the GPU never saw the batch.
func (q *Queue) Discard(b *Batch) {
	if b.queue != q || b.state != StateRecording {
		return
	}
	b.rec.Reset()
	q.recycle(b)
}

// WaitForFence blocks until v is observed complete.
func (q *Queue) WaitForFence(ctx context.Context, v gpucore.FenceValue) error {
	if q.observe() >= v {
		return nil
	}
	if v > q.lastSubmitted {
		return fmt.Errorf("wait for %d, last submitted %d: %w", v, q.lastSubmitted, ErrUnsubmittedFence)
	}

	wctx := ctx
	if q.cfg.FenceTimeout > 0 {
		var cancel context.CancelFunc
		wctx, cancel = context.WithTimeout(ctx, q.cfg.FenceTimeout)
		defer cancel()
	}
	start := time.Now()
	err := q.q.WaitFence(wctx, v)
	q.observe()
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gpucore.ErrDeviceLost):
		q.fail(fmt.Errorf("submit: wait for fence %d: %w", v, err))
		return q.err
	case ctx.Err() == nil && wctx.Err() != nil:
		gpucore.Logger().Warn("submit: fence wait timed out",
			slog.String("queue", q.cfg.Label),
			slog.Uint64("fence", uint64(v)),
			slog.Duration("waited", time.Since(start)))
		return fmt.Errorf("submit: fence %d after %v: %w", v, q.cfg.FenceTimeout, gpucore.ErrFenceTimeout)
	default:
		return fmt.Errorf("submit: wait for fence %d: %w", v, err)
	}
}

// IsComplete reports whether v has been observed complete.
func (q *Queue) IsComplete(v gpucore.FenceValue) bool {
	return q.observe() >= v
}

// Flush waits for every submitted batch and reclaims it.
func (q *Queue) Flush(ctx context.Context) error {
	if err := q.WaitForFence(ctx, q.lastSubmitted); err != nil {
		return err
	}
	q.reclaim()
	return nil
}

// Close flushes and destroys every recorder. Batches still recording are
// discarded.
func (q *Queue) Close(ctx context.Context) error {
	if q.closed {
		return nil
	}
	var err error
	if q.err == nil {
		err = q.Flush(ctx)
	}
	for _, b := range q.batches {
		if b.state == StateRecording {
			q.Discard(b)
		}
		b.rec.Destroy()
	}
	q.closed = true
	q.batches, q.free, q.submitted = nil, nil, nil
	return err
}

// LastSubmitted returns the fence of the most recent Execute.
func (q *Queue) LastSubmitted() gpucore.FenceValue { return q.lastSubmitted }

// LastCompleted returns the highest fence observed complete. It never
// decreases.
func (q *Queue) LastCompleted() gpucore.FenceValue { return q.observe() }

// Err returns the sticky device failure, if any.
func (q *Queue) Err() error { return q.err }

// Stats returns a snapshot of the queue state.
func (q *Queue) Stats() Stats {
	done := q.observe()
	return Stats{
		Batches:       len(q.batches),
		Free:          len(q.free),
		InFlight:      len(q.batches) - len(q.free),
		Submissions:   q.submissions,
		Stalls:        q.stalls,
		LastSubmitted: q.lastSubmitted,
		LastCompleted: done,
	}
}

func (q *Queue) usable() error {
	if q.closed {
		return ErrClosed
	}
	return q.err
}

func (q *Queue) fail(err error) {
	if q.err == nil {
		q.err = err
		gpucore.Logger().Warn("submit: queue failed", slog.String("queue", q.cfg.Label), slog.Any("err", err))
	}
}

// observe folds the backend's completed fence into lastCompleted.
func (q *Queue) observe() gpucore.FenceValue {
	if c := q.q.CompletedFence(); c > q.lastCompleted {
		q.lastCompleted = min(c, q.lastSubmitted)
	}
	return q.lastCompleted
}

// reclaim returns every batch whose fence completed to the free list.
func (q *Queue) reclaim() {
	done := q.observe()
	n := 0
	for _, b := range q.submitted {
		if b.fence > done {
			break
		}
		b.state = StateComplete
		q.recycle(b)
		n++
	}
	q.submitted = q.submitted[n:]
}

func (q *Queue) recycle(b *Batch) {
	b.runDeferred()
	b.state = StateFree
	q.free = append(q.free, b)
	q.slots.Release(1)
}

// take returns the oldest free batch or creates one, in the Recording state.
// The caller holds a slot.
func (q *Queue) take() (*Batch, error) {
	var b *Batch
	if len(q.free) > 0 {
		b = q.free[0]
		q.free = q.free[1:]
	} else {
		rec, err := q.q.CreateRecorder(fmt.Sprintf("%s batch %d", q.cfg.Label, len(q.batches)))
		if err != nil {
			return nil, fmt.Errorf("submit: create recorder: %w", err)
		}
		b = &Batch{id: len(q.batches), queue: q, rec: rec}
		q.batches = append(q.batches, b)
		gpucore.Logger().Debug("submit: batch created",
			slog.String("queue", q.cfg.Label),
			slog.Int("batch", b.id))
	}
	if err := b.rec.Begin(); err != nil {
		q.free = append(q.free, b)
		return nil, fmt.Errorf("submit: begin batch %d: %w", b.id, err)
	}
	b.state = StateRecording
	b.uses++
	return b, nil
}
