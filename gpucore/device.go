package gpucore

import "context"

// Device abstracts buffer management of a graphics backend.
//
// Resource lifecycle:
//   - Buffers are created via CreateBuffer and destroyed via DestroyBuffer
//   - Destroying a buffer while the GPU still reads it is undefined behavior;
//     the allocators only destroy buffers whose last use has completed
//   - A Buffer must not be used after DestroyBuffer
type Device interface {
	// CreateBuffer creates a GPU buffer.
	CreateBuffer(desc BufferDescriptor) (Buffer, error)

	// DestroyBuffer releases a GPU buffer.
	DestroyBuffer(b Buffer)

	// MapBuffer returns a persistent host view of the whole buffer.
	// Only buffers created with a map usage can be mapped.
	MapBuffer(b Buffer) ([]byte, error)

	// WriteBuffer uploads data at offset.
	WriteBuffer(b Buffer, offset uint64, data []byte) error

	// ReadBuffer reads size bytes at offset.
	// This may cause a GPU-CPU synchronization stall.
	ReadBuffer(b Buffer, offset, size uint64) ([]byte, error)
}

// Queue abstracts command submission and fence tracking.
type Queue interface {
	// CreateRecorder creates a reusable command recorder.
	CreateRecorder(label string) (Recorder, error)

	// Submit finishes the recording and submits it. The returned fence is
	// strictly greater than every fence previously returned by this queue.
	Submit(r Recorder) (FenceValue, error)

	// CompletedFence returns the highest fence value whose work finished.
	CompletedFence() FenceValue

	// WaitFence blocks until CompletedFence() >= v or ctx is done.
	WaitFence(ctx context.Context, v FenceValue) error
}

// Recorder records device commands for one batch.
// A recorder is reused after the batch it recorded completed.
type Recorder interface {
	// Begin starts a new recording, discarding whatever was recorded
	// before a completed submission.
	Begin() error

	// CopyBuffer records a device-side copy from src to dst.
	CopyBuffer(src, dst Buffer, regions ...BufferCopy)

	// Reset abandons the current recording.
	Reset()

	// Destroy releases the recorder.
	Destroy()
}
