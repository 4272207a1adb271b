package gpucore

import (
	"errors"
	"fmt"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		want  ErrorKind
		fatal bool
	}{
		{"nil", nil, KindOther, false},
		{"plain", errors.New("boom"), KindOther, false},
		{"stale", fmt.Errorf("pool: get 3: %w", ErrStaleHandle), KindStaleHandle, false},
		{"range", fmt.Errorf("pool: %w", ErrOutOfRange), KindOutOfRange, false},
		{"space", fmt.Errorf("ring: %w", ErrOutOfSpace), KindOutOfSpace, false},
		{"lost", fmt.Errorf("submit: %w", ErrDeviceLost), KindDeviceLost, true},
		{"timeout", fmt.Errorf("wait: %w", ErrFenceTimeout), KindFenceTimeout, true},
		{"lost wins", fmt.Errorf("%w: %w", ErrOutOfSpace, ErrDeviceLost), KindDeviceLost, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify() = %v, want %v", got, tt.want)
			}
			if got := Fatal(tt.err); got != tt.fatal {
				t.Errorf("Fatal() = %v, want %v", got, tt.fatal)
			}
		})
	}
}

func TestAlignUp(t *testing.T) {
	tests := []struct {
		v, align, want uint64
	}{
		{0, 16, 0},
		{1, 16, 16},
		{16, 16, 16},
		{17, 4, 20},
		{5, 0, 5},
		{5, 1, 5},
		{255, 256, 256},
	}
	for _, tt := range tests {
		if got := AlignUp(tt.v, tt.align); got != tt.want {
			t.Errorf("AlignUp(%d, %d) = %d, want %d", tt.v, tt.align, got, tt.want)
		}
	}
}

func TestIsPowerOfTwo(t *testing.T) {
	for _, v := range []uint64{1, 2, 4, 256, 1 << 40} {
		if !IsPowerOfTwo(v) {
			t.Errorf("IsPowerOfTwo(%d) = false", v)
		}
	}
	for _, v := range []uint64{0, 3, 6, 255} {
		if IsPowerOfTwo(v) {
			t.Errorf("IsPowerOfTwo(%d) = true", v)
		}
	}
}

func TestByteSizeString(t *testing.T) {
	tests := []struct {
		b    ByteSize
		want string
	}{
		{512, "512 B"},
		{2048, "2.00 KiB"},
		{3 << 20, "3.00 MiB"},
		{1 << 30, "1.00 GiB"},
	}
	for _, tt := range tests {
		if got := tt.b.String(); got != tt.want {
			t.Errorf("ByteSize(%d).String() = %q, want %q", uint64(tt.b), got, tt.want)
		}
	}
}
