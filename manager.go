package gpures

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/gogpu/gpures/gpucore"
	"github.com/gogpu/gpures/pool"
	"github.com/gogpu/gpures/rangealloc"
	"github.com/gogpu/gpures/submit"
)

// Manager errors.
var (
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("gpures: manager closed")

	// ErrFrameInProgress is returned by BeginFrame while a frame is recording.
	ErrFrameInProgress = errors.New("gpures: frame already in progress")

	// ErrFrameNotCurrent is returned when a frame context is used after
	// EndFrame or AbortFrame, including once a later frame reuses its slot.
	ErrFrameNotCurrent = errors.New("gpures: frame context is not recording")
)

// transferInFlight bounds the transfer queue used for buffer migrations.
// Migrations wait for their own fence, so one batch is usually enough.
const transferInFlight = 2

// release is a destruction waiting for a fence.
type release struct {
	fence gpucore.FenceValue
	open  bool // waits for the fence of the recording frame
	fn    func()
}

// Manager owns every allocator and orders their reuse against the GPU.
type Manager struct {
	dev gpucore.Device
	cfg Config

	queue    *submit.Queue
	transfer *submit.Queue

	buffers   *pool.SlotPool[gpucore.Buffer]
	materials *pool.SlotPool[Material]
	meshes    *pool.SlotPool[Mesh]
	bindings  *rangealloc.Allocator
	persist   map[uint32]rangealloc.Range // live persistent bindings by offset

	slots      []*frameSlot
	current    *FrameContext
	frameCount uint64

	pending []release
	skipped uint64
	closed  bool

	stats atomic.Pointer[Stats]
}

// NewManager creates a manager over a backend device and queue.
func NewManager(dev gpucore.Device, q gpucore.Queue, opts ...Option) (*Manager, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.config.Validate(); err != nil {
		return nil, err
	}
	if dev == nil || q == nil {
		return nil, errors.New("gpures: nil device or queue")
	}
	if o.logger != nil {
		SetLogger(o.logger)
	}

	cfg := o.config
	m := &Manager{
		dev: dev,
		cfg: cfg,
		queue: submit.New(q, submit.Config{
			Label:        "frame",
			MaxInFlight:  cfg.FramesInFlight,
			FenceTimeout: cfg.FenceTimeout,
		}),
		transfer: submit.New(q, submit.Config{
			Label:        "transfer",
			MaxInFlight:  transferInFlight,
			FenceTimeout: cfg.FenceTimeout,
		}),
		bindings: rangealloc.New(cfg.BindingCapacity),
		persist:  make(map[uint32]rangealloc.Range),
	}
	poolCfg := pool.Config{InitialCapacity: cfg.PoolCapacity, GenerationCeiling: cfg.GenerationCeiling}
	m.buffers = pool.New(poolCfg, func(b gpucore.Buffer) {
		m.deferRelease(func() { m.dev.DestroyBuffer(b) })
	})
	m.materials = pool.New[Material](poolCfg, nil)
	m.meshes = pool.New[Mesh](poolCfg, nil)
	m.publish()

	Logger().Info("gpures: manager created",
		slog.Int("framesInFlight", cfg.FramesInFlight),
		slog.String("failurePolicy", cfg.FailurePolicy.String()),
		slog.Uint64("bindingCapacity", uint64(cfg.BindingCapacity)),
		slog.String("ringPageSize", gpucore.ByteSize(cfg.RingPageSize).String()))
	return m, nil
}

// Config returns the configuration the manager was created with.
func (m *Manager) Config() Config { return m.cfg }

// CreateBuffer creates a persistent buffer owned by the manager.
func (m *Manager) CreateBuffer(desc gpucore.BufferDescriptor) (pool.Handle, error) {
	if m.closed {
		return pool.Handle{}, m.fail(ErrClosed)
	}
	b, err := m.dev.CreateBuffer(desc)
	if err != nil {
		return pool.Handle{}, m.fail(fmt.Errorf("gpures: create buffer %q: %w", desc.Label, err))
	}
	return m.buffers.Create(b), nil
}

// Buffer resolves a buffer handle.
func (m *Manager) Buffer(h pool.Handle) (gpucore.Buffer, error) {
	b, err := m.buffers.Get(h)
	if err != nil {
		return nil, m.fail(err)
	}
	return b, nil
}

// DestroyBuffer invalidates h at once. The backend buffer is destroyed
// after every batch that may reference it completed.
func (m *Manager) DestroyBuffer(h pool.Handle) error {
	return m.fail(m.buffers.Free(h))
}

// CreateMaterial stores a material.
func (m *Manager) CreateMaterial(mat Material) pool.Handle {
	return m.materials.Create(mat)
}

// UpdateMaterial replaces a material. The change is visible to the next
// Rebuild.
func (m *Manager) UpdateMaterial(h pool.Handle, mat Material) error {
	return m.fail(m.materials.Set(h, mat))
}

// DestroyMaterial frees a material. Drawables still naming it become stale.
func (m *Manager) DestroyMaterial(h pool.Handle) error {
	return m.fail(m.materials.Free(h))
}

// CreateMesh stores a mesh.
func (m *Manager) CreateMesh(mesh Mesh) pool.Handle {
	return m.meshes.Create(mesh)
}

// DestroyMesh frees a mesh.
func (m *Manager) DestroyMesh(h pool.Handle) error {
	return m.fail(m.meshes.Free(h))
}

// AllocateBindings reserves count persistent binding table slots.
func (m *Manager) AllocateBindings(count uint32) (rangealloc.Range, error) {
	r, err := m.bindings.Allocate(count)
	if err != nil {
		return rangealloc.Range{}, m.fail(fmt.Errorf("gpures: bindings: %w", err))
	}
	m.persist[r.Offset] = r
	return r, nil
}

// FreeBindings releases a persistent range. The slots become reusable once
// the GPU work that may read them completed.
func (m *Manager) FreeBindings(r rangealloc.Range) error {
	if got, ok := m.persist[r.Offset]; !ok || got != r {
		return m.fail(fmt.Errorf("gpures: free bindings %v: not allocated: %w", r, rangealloc.ErrInvalidRange))
	}
	delete(m.persist, r.Offset)
	m.deferRelease(func() {
		if err := m.bindings.Free(r); err != nil {
			Logger().Warn("gpures: release bindings", slog.String("range", r.String()), slog.Any("err", err))
		}
	})
	return nil
}

// BeginFrame opens the next frame. It blocks while FramesInFlight frames
// are submitted and incomplete. The returned frame context's transient
// memory was reset, since the previous frame of its slot completed.
func (m *Manager) BeginFrame(ctx context.Context) (*FrameContext, error) {
	if m.closed {
		return nil, m.fail(ErrClosed)
	}
	if m.current != nil {
		return nil, m.fail(fmt.Errorf("frame %d: %w", m.current.frame, ErrFrameInProgress))
	}

	b, err := m.queue.Open(ctx)
	if err != nil {
		return nil, m.fail(fmt.Errorf("gpures: begin frame %d: %w", m.frameCount, err))
	}
	m.collect()

	slot, err := m.frameSlot(b.ID())
	if err != nil {
		m.queue.Discard(b)
		return nil, m.fail(err)
	}
	slot.reset()
	fc := &FrameContext{m: m, slot: slot, frame: m.frameCount, batch: b, fence: gpucore.NoFence}
	m.frameCount++
	m.current = fc
	m.publish()
	return fc, nil
}

// EndFrame submits the frame and returns its fence.
func (m *Manager) EndFrame(fc *FrameContext) (gpucore.FenceValue, error) {
	if err := m.recording(fc); err != nil {
		return 0, m.fail(err)
	}
	fence, err := m.queue.Execute(fc.batch)
	m.current = nil
	if err != nil {
		m.settle(m.queue.LastSubmitted())
		m.publish()
		return 0, m.fail(fmt.Errorf("gpures: end frame %d: %w", fc.frame, err))
	}
	fc.fence = fence
	m.settle(fence)
	m.publish()
	return fence, nil
}

// AbortFrame discards a recording frame without submitting it.
func (m *Manager) AbortFrame(fc *FrameContext) error {
	if err := m.recording(fc); err != nil {
		return m.fail(err)
	}
	m.queue.Discard(fc.batch)
	m.current = nil
	m.settle(m.queue.LastSubmitted())
	m.publish()
	return nil
}

// WaitForFence blocks until v completed.
func (m *Manager) WaitForFence(ctx context.Context, v gpucore.FenceValue) error {
	if err := m.queue.WaitForFence(ctx, v); err != nil {
		return m.fail(err)
	}
	m.collect()
	return nil
}

// Flush waits for all submitted work and runs every deferred destruction
// that became safe.
func (m *Manager) Flush(ctx context.Context) error {
	if m.closed {
		return m.fail(ErrClosed)
	}
	if err := m.transfer.Flush(ctx); err != nil {
		return m.fail(err)
	}
	if err := m.queue.Flush(ctx); err != nil {
		return m.fail(err)
	}
	m.collect()
	m.publish()
	return nil
}

// Close aborts a recording frame, waits for the GPU and releases every
// resource. Resources are released even when the wait fails.
func (m *Manager) Close(ctx context.Context) error {
	if m.closed {
		return nil
	}
	if m.current != nil {
		m.queue.Discard(m.current.batch)
		m.current = nil
	}
	err := errors.Join(m.transfer.Close(ctx), m.queue.Close(ctx))
	m.closed = true

	for _, r := range m.pending {
		r.fn()
	}
	m.pending = nil
	for _, slot := range m.slots {
		if slot != nil {
			slot.destroy()
		}
	}
	m.buffers.Clear()
	m.materials.Clear()
	m.meshes.Clear()
	m.publish()

	if err != nil {
		Logger().Warn("gpures: manager closed with error", slog.Any("err", err))
		return m.fail(fmt.Errorf("gpures: close: %w", err))
	}
	Logger().Info("gpures: manager closed", slog.Uint64("frames", m.frameCount))
	return nil
}

// Err returns the sticky device failure of the frame queue, if any.
func (m *Manager) Err() error { return m.queue.Err() }

// Current returns the recording frame context, or nil.
func (m *Manager) Current() *FrameContext { return m.current }

// recording checks that fc is the frame being recorded. A context kept from
// an earlier frame of the same slot is rejected.
func (m *Manager) recording(fc *FrameContext) error {
	if m.closed {
		return ErrClosed
	}
	if fc == nil || m.current == nil || fc != m.current || fc.frame != m.current.frame {
		return ErrFrameNotCurrent
	}
	return nil
}

// fail applies the failure policy to err.
func (m *Manager) fail(err error) error {
	if err != nil && m.cfg.FailurePolicy == FailurePanic {
		panic(err)
	}
	return err
}

// frameSlot returns the slot bound to batch id, creating it on the batch's
// first use.
func (m *Manager) frameSlot(id int) (*frameSlot, error) {
	for len(m.slots) <= id {
		m.slots = append(m.slots, nil)
	}
	if m.slots[id] == nil {
		s, err := newFrameSlot(m, id)
		if err != nil {
			return nil, err
		}
		m.slots[id] = s
	}
	return m.slots[id], nil
}

// deferRelease runs fn once no submitted or recording batch can reference
// the resource it releases.
func (m *Manager) deferRelease(fn func()) {
	switch {
	case m.closed:
		fn()
	case m.current != nil:
		m.pending = append(m.pending, release{open: true, fn: fn})
	default:
		last := m.queue.LastSubmitted()
		if m.queue.IsComplete(last) {
			fn()
			return
		}
		m.pending = append(m.pending, release{fence: last, fn: fn})
	}
}

// settle binds releases waiting on the recording frame to fence.
func (m *Manager) settle(fence gpucore.FenceValue) {
	for i := range m.pending {
		if m.pending[i].open {
			m.pending[i].fence = fence
			m.pending[i].open = false
		}
	}
	m.collect()
}

// collect runs every release whose fence completed, in release order.
func (m *Manager) collect() {
	if len(m.pending) == 0 {
		return
	}
	done := m.queue.LastCompleted()
	kept := m.pending[:0]
	var ready []func()
	for _, r := range m.pending {
		if !r.open && r.fence <= done {
			ready = append(ready, r.fn)
			continue
		}
		kept = append(kept, r)
	}
	clear(m.pending[len(kept):])
	m.pending = kept
	for _, fn := range ready {
		fn()
	}
}
