// Package gpucore defines the backend capability surface shared by every
// allocator in gpures.
//
// The allocators are written once against three small interfaces instead of
// once per graphics backend:
//
//   - [Device] creates, maps, writes and destroys buffers.
//   - [Queue] records command batches, submits them and reports the
//     highest completed [FenceValue].
//   - [Recorder] records device-side buffer copies into one batch.
//
//	         +-----------------------------------------+
//	         | pool  rangealloc  ring  growable  submit |
//	         +--------------------+--------------------+
//	                              |
//	                     +--------v--------+
//	                     |     gpucore     |
//	                     | Device / Queue  |
//	                     +--------+--------+
//	                              |
//	          +-------------------+-------------------+
//	          |                                       |
//	+---------v---------+                   +---------v---------+
//	|  backend/halgpu   |                   | internal/gputest  |
//	| (gogpu/wgpu hal)  |                   | (manual fences)   |
//	+-------------------+                   +-------------------+
//
// # Fences
//
// A [FenceValue] is a per-queue counter. Every submission is assigned a value
// strictly greater than all earlier ones on the same queue, and the queue
// reports the highest value whose work has finished. Zero means nothing has
// been submitted yet, so it is always complete.
//
// # Errors
//
// The error taxonomy lives here so that subpackages can wrap the same
// sentinels: [ErrStaleHandle], [ErrOutOfRange], [ErrOutOfSpace],
// [ErrDeviceLost] and [ErrFenceTimeout]. Use [errors.Is] or [Classify] to
// inspect them.
package gpucore
