package gpures

import (
	"fmt"

	"github.com/gogpu/gpures/gpucore"
	"github.com/gogpu/gpures/pool"
	"github.com/gogpu/gpures/submit"
)

// Stats is a snapshot of manager state.
type Stats struct {
	// Frames is the number of frames begun.
	Frames uint64

	// Queue is the frame queue state. Stalls counts BeginFrame calls that
	// waited for the GPU.
	Queue submit.Stats

	// Migrations is the transfer queue state.
	Migrations submit.Stats

	// Buffers, Materials and Meshes are the resource pools.
	Buffers   pool.Stats
	Materials pool.Stats
	Meshes    pool.Stats

	// BindingCapacity is the size of the binding table.
	BindingCapacity uint32

	// BindingsUsed is the number of allocated binding slots.
	BindingsUsed uint32

	// BindingsLargestFree is the longest free run in the binding table.
	BindingsLargestFree uint32

	// RingPages is the number of upload pages across all frame contexts.
	RingPages int

	// RingBytesUsed is the upload memory handed out since the last resets.
	RingBytesUsed uint64

	// PackedBytes is the capacity of all packed buffers.
	PackedBytes uint64

	// PackedResizes is the number of packed buffer migrations.
	PackedResizes int

	// BytesMigrated is the number of bytes copied by migrations.
	BytesMigrated uint64

	// PendingReleases is the number of destructions waiting for a fence.
	PendingReleases int

	// SkippedDraws is the number of drawables dropped for stale handles.
	SkippedDraws uint64
}

// BindingUtilization returns the used fraction of the binding table.
func (s Stats) BindingUtilization() float64 {
	if s.BindingCapacity == 0 {
		return 0
	}
	return float64(s.BindingsUsed) / float64(s.BindingCapacity)
}

func (s Stats) String() string {
	return fmt.Sprintf("Frames[%d begun, fence %d/%d, %d stalls] Bindings[%.1f%% used] Ring[%d pages, %s] Packed[%s, %d resizes] Pending[%d]",
		s.Frames,
		s.Queue.LastCompleted,
		s.Queue.LastSubmitted,
		s.Queue.Stalls,
		s.BindingUtilization()*100,
		s.RingPages,
		gpucore.ByteSize(s.RingBytesUsed),
		gpucore.ByteSize(s.PackedBytes),
		s.PackedResizes,
		s.PendingReleases)
}

// Stats returns the snapshot published by the last frame operation.
// Unlike the rest of the Manager it is safe to call from any goroutine.
func (m *Manager) Stats() Stats {
	return *m.stats.Load()
}

// publish stores a fresh snapshot for Stats.
func (m *Manager) publish() {
	s := &Stats{
		Frames:              m.frameCount,
		Queue:               m.queue.Stats(),
		Migrations:          m.transfer.Stats(),
		Buffers:             m.buffers.Stats(),
		Materials:           m.materials.Stats(),
		Meshes:              m.meshes.Stats(),
		BindingCapacity:     m.bindings.Capacity(),
		BindingsUsed:        m.bindings.AllocatedLength(),
		BindingsLargestFree: m.bindings.LargestFree(),
		PendingReleases:     len(m.pending),
		SkippedDraws:        m.skipped,
	}
	for _, slot := range m.slots {
		if slot == nil {
			continue
		}
		rs := slot.ring.Stats()
		s.RingPages += rs.Pages
		s.RingBytesUsed += rs.BytesUsed
		for _, st := range slot.packedStats() {
			s.PackedBytes += st.Capacity
			s.PackedResizes += st.Resizes
			s.BytesMigrated += st.BytesMigrated
		}
	}
	m.stats.Store(s)
}
