// Package gpures manages GPU resource lifetime and frame-pipelined
// allocation for a real-time renderer.
//
// # Overview
//
// A [Manager] owns every allocator of the subsystem and the queue that
// orders them against the GPU:
//
//   - pool: generational handles for buffers, materials and meshes
//   - rangealloc: slots of the binding table
//   - ring: per-frame transient upload memory
//   - growable: per-frame packed instance, material and indirect buffers
//   - submit: fence-gated command batches with bounded pipelining
//
// The Manager is written once against the small capability interfaces of
// gpucore. backend/halgpu implements them on gogpu/wgpu hal devices.
//
// # Quick Start
//
//	b, err := backend.Open("software")
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer b.Close()
//
//	m, err := gpures.NewManager(b.Device(), b.Queue())
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer m.Close(ctx)
//
//	for frame := range frames {
//		fc, err := m.BeginFrame(ctx)
//		if err != nil {
//			return err
//		}
//		draw, err := m.Rebuild(ctx, fc, frame.Drawables)
//		...
//		if _, err := m.EndFrame(fc); err != nil {
//			return err
//		}
//	}
//
// # Frame Pipelining
//
// BeginFrame blocks once FramesInFlight frames are submitted and none has
// completed. The ring and packed buffers of a frame slot are only reset
// after the slot's previous fence completed, so the reset never races the
// GPU. Each frame gets a new FrameContext; one kept past EndFrame returns
// ErrFrameNotCurrent.
//
// # Deferred Destruction
//
// Destroying a buffer or freeing bindings invalidates the handle at once,
// but the backend object is released only after every batch that might
// reference it completed.
//
// # Errors
//
// Errors wrap the gpucore taxonomy (ErrStaleHandle, ErrOutOfRange,
// ErrOutOfSpace, ErrDeviceLost, ErrFenceTimeout). The configured
// FailurePolicy decides whether the Manager returns them or panics.
//
// The Manager is not safe for concurrent use, except Stats, which may be
// called from any goroutine.
package gpures
