package gpures

import (
	"fmt"
	"log/slog"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gpures/gpucore"
	"github.com/gogpu/gpures/growable"
	"github.com/gogpu/gpures/rangealloc"
	"github.com/gogpu/gpures/ring"
	"github.com/gogpu/gpures/submit"
)

// frameSlot holds the transient allocators of one in-flight batch. It is
// reused each time the batch comes back.
type frameSlot struct {
	m     *Manager
	index int

	ring      *ring.Allocator
	instances *growable.Allocator
	materials *growable.Allocator
	indirect  *growable.Allocator
	transient []rangealloc.Range
}

// FrameContext is the recording state of one frame. BeginFrame returns a
// new FrameContext every frame; it is only usable until EndFrame or
// AbortFrame, even after its slot is reused by a later frame.
type FrameContext struct {
	m     *Manager
	slot  *frameSlot
	frame uint64
	batch *submit.Batch
	fence gpucore.FenceValue
}

func newFrameSlot(m *Manager, index int) (*frameSlot, error) {
	label := fmt.Sprintf("frame %d", index)
	r, err := ring.New(m.dev, ring.Config{
		Label:    label + " ring",
		PageSize: m.cfg.RingPageSize,
		MaxPages: m.cfg.RingMaxPages,
	})
	if err != nil {
		return nil, fmt.Errorf("gpures: %s: %w", label, err)
	}

	s := &frameSlot{m: m, index: index, ring: r}
	packed := func(name string, usage gputypes.BufferUsage) *growable.Allocator {
		return growable.New(m.dev, m.transfer, growable.Config{
			Label:           label + " " + name,
			InitialCapacity: m.cfg.GrowableInitialCapacity,
			Usage:           usage,
			Retire:          s.retire,
		})
	}
	s.instances = packed("instances", gpucore.UsagePacked|gputypes.BufferUsageVertex)
	s.materials = packed("materials", gpucore.UsagePacked)
	s.indirect = packed("indirect", gpucore.UsagePacked|gputypes.BufferUsageIndirect)

	Logger().Debug("gpures: frame slot created", slog.Int("index", index))
	return s, nil
}

// reset releases everything the previous use of the slot left behind. The
// slot's batch completed, so nothing on the GPU still reads it.
func (s *frameSlot) reset() {
	s.ring.Reset()
	s.instances.Reset()
	s.materials.Reset()
	s.indirect.Reset()
	for _, r := range s.transient {
		if err := s.m.bindings.Free(r); err != nil {
			Logger().Warn("gpures: release transient bindings",
				slog.Int("slot", s.index),
				slog.String("range", r.String()),
				slog.Any("err", err))
		}
	}
	s.transient = s.transient[:0]
}

func (s *frameSlot) destroy() {
	s.ring.Destroy()
	s.instances.Destroy()
	s.materials.Destroy()
	s.indirect.Destroy()
	s.transient = nil
}

func (s *frameSlot) packedStats() [3]growable.Stats {
	return [3]growable.Stats{s.instances.Stats(), s.materials.Stats(), s.indirect.Stats()}
}

// retire hands a migrated-away packed buffer to deferred destruction.
// Commands recorded earlier in this frame may still read it.
func (s *frameSlot) retire(old gpucore.Buffer) {
	s.m.deferRelease(func() { s.m.dev.DestroyBuffer(old) })
}

// Index returns the frame slot, in [0, FramesInFlight).
func (f *FrameContext) Index() int { return f.slot.index }

// Frame returns the sequence number of the frame being recorded.
func (f *FrameContext) Frame() uint64 { return f.frame }

// Batch returns the command batch of the frame.
func (f *FrameContext) Batch() *submit.Batch { return f.batch }

// Fence returns the fence assigned by EndFrame, or NoFence while recording.
func (f *FrameContext) Fence() gpucore.FenceValue { return f.fence }

// Transient allocates size bytes of upload memory valid until the frame's
// batch completes.
func (f *FrameContext) Transient(size, alignment uint64) (ring.Region, error) {
	if err := f.m.recording(f); err != nil {
		return ring.Region{}, f.m.fail(err)
	}
	r, err := f.slot.ring.Allocate(size, alignment)
	if err != nil {
		return ring.Region{}, f.m.fail(fmt.Errorf("gpures: frame %d: %w", f.frame, err))
	}
	return r, nil
}

// Upload copies data into transient memory.
func (f *FrameContext) Upload(data []byte, alignment uint64) (ring.Region, error) {
	if err := f.m.recording(f); err != nil {
		return ring.Region{}, f.m.fail(err)
	}
	r, err := f.slot.ring.Write(data, alignment)
	if err != nil {
		return ring.Region{}, f.m.fail(fmt.Errorf("gpures: frame %d: %w", f.frame, err))
	}
	return r, nil
}

// AllocateBindings reserves binding table slots released automatically
// when this frame context is reused.
func (f *FrameContext) AllocateBindings(count uint32) (rangealloc.Range, error) {
	if err := f.m.recording(f); err != nil {
		return rangealloc.Range{}, f.m.fail(err)
	}
	r, err := f.m.bindings.Allocate(count)
	if err != nil {
		return rangealloc.Range{}, f.m.fail(fmt.Errorf("gpures: frame %d bindings: %w", f.frame, err))
	}
	f.slot.transient = append(f.slot.transient, r)
	return r, nil
}

// CopyBuffer records a device-side copy into the frame's batch.
func (f *FrameContext) CopyBuffer(src, dst gpucore.Buffer, regions ...gpucore.BufferCopy) error {
	if err := f.m.recording(f); err != nil {
		return f.m.fail(err)
	}
	f.batch.CopyBuffer(src, dst, regions...)
	return nil
}

// Defer registers fn to run when the frame's batch is reclaimed or
// discarded.
func (f *FrameContext) Defer(fn func()) error {
	if err := f.m.recording(f); err != nil {
		return f.m.fail(err)
	}
	f.batch.Defer(fn)
	return nil
}
