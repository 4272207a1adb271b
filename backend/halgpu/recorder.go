// Copyright 2026 The gogpu Authors
// SPDX-License-Identifier: BSD-3-Clause

package halgpu

import (
	"errors"
	"fmt"

	"github.com/gogpu/wgpu/hal"

	"github.com/gogpu/gpures/gpucore"
)

// ErrNotRecording is returned when submitting a recorder without Begin.
var ErrNotRecording = errors.New("halgpu: recorder is not recording")

// Recorder wraps a hal command encoder. The command buffer of the previous
// submission is recycled with ResetAll on the next Begin, which the
// submission queue only calls once that submission completed.
type Recorder struct {
	dev       *Device
	enc       hal.CommandEncoder
	label     string
	recording bool
	spent     []hal.CommandBuffer
}

var _ gpucore.Recorder = (*Recorder)(nil)

// CreateRecorder creates a command encoder.
func (d *Device) CreateRecorder(label string) (gpucore.Recorder, error) {
	enc, err := d.dev.CreateCommandEncoder(&hal.CommandEncoderDescriptor{Label: label})
	if err != nil {
		return nil, fmt.Errorf("halgpu: create encoder %q: %w", label, translate(err))
	}
	return &Recorder{dev: d, enc: enc, label: label}, nil
}

// Submit ends the recording and submits it.
func (d *Device) Submit(r gpucore.Recorder) (gpucore.FenceValue, error) {
	rec, ok := r.(*Recorder)
	if !ok || rec.dev != d {
		return 0, fmt.Errorf("halgpu: foreign recorder %T", r)
	}
	if !rec.recording {
		return 0, fmt.Errorf("%q: %w", rec.label, ErrNotRecording)
	}
	rec.recording = false

	cmd, err := rec.enc.EndEncoding()
	if err != nil {
		return 0, fmt.Errorf("halgpu: end encoding %q: %w", rec.label, translate(err))
	}
	idx, err := d.queue.Submit([]hal.CommandBuffer{cmd})
	if err != nil {
		rec.enc.ResetAll([]hal.CommandBuffer{cmd})
		return 0, fmt.Errorf("halgpu: submit %q: %w", rec.label, translate(err))
	}
	rec.spent = append(rec.spent, cmd)
	return gpucore.FenceValue(idx), nil
}

// Begin recycles spent command buffers and starts encoding.
func (r *Recorder) Begin() error {
	if r.recording {
		return fmt.Errorf("halgpu: recorder %q already recording", r.label)
	}
	r.recycle()
	if err := r.enc.BeginEncoding(r.label); err != nil {
		return fmt.Errorf("halgpu: begin %q: %w", r.label, translate(err))
	}
	r.recording = true
	return nil
}

// CopyBuffer records a buffer to buffer copy.
func (r *Recorder) CopyBuffer(src, dst gpucore.Buffer, regions ...gpucore.BufferCopy) {
	s, err := r.dev.own(src)
	if err != nil {
		panic(err)
	}
	d, err := r.dev.own(dst)
	if err != nil {
		panic(err)
	}
	copies := make([]hal.BufferCopy, len(regions))
	for i, c := range regions {
		copies[i] = hal.BufferCopy{SrcOffset: c.SrcOffset, DstOffset: c.DstOffset, Size: c.Size}
	}
	r.enc.CopyBufferToBuffer(s.raw, d.raw, copies)
}

// Reset discards the current recording.
func (r *Recorder) Reset() {
	if r.recording {
		r.enc.DiscardEncoding()
		r.recording = false
	}
}

// Destroy releases the encoder.
func (r *Recorder) Destroy() {
	r.Reset()
	r.recycle()
	r.enc.Destroy()
}

func (r *Recorder) recycle() {
	if len(r.spent) > 0 {
		r.enc.ResetAll(r.spent)
		r.spent = r.spent[:0]
	}
}
