// Package pool maps stable generational handles to owned values.
//
// A [SlotPool] stores values in a dense slot array. A [Handle] names a slot
// by index and by the generation the slot had when the value was created.
// Freeing a slot bumps its generation, so every handle to the old value
// becomes detectably stale even after the index is reused. A slot whose
// generation reaches the configured ceiling is retired and never handed out
// again, which bounds generation wraparound aliasing.
//
// Growth doubles the slot array. Handles are index based, so growth never
// invalidates them.
package pool

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/gogpu/gpures/gpucore"
)

// Default configuration values.
const (
	DefaultInitialCapacity   = 64
	DefaultGenerationCeiling = 255
)

// Handle is a weak reference to a pooled value.
// The zero Handle is never valid.
type Handle struct {
	Index      uint32
	Generation uint32
}

// IsZero reports whether h is the zero handle.
func (h Handle) IsZero() bool { return h == Handle{} }

// String returns "index:generation".
func (h Handle) String() string {
	return fmt.Sprintf("%d:%d", h.Index, h.Generation)
}

// Config holds pool configuration.
type Config struct {
	// InitialCapacity is the number of slots allocated up front.
	InitialCapacity uint32

	// GenerationCeiling retires a slot once its generation reaches it.
	// Values below 2 select DefaultGenerationCeiling.
	GenerationCeiling uint32
}

// DefaultConfig returns the default pool configuration.
func DefaultConfig() Config {
	return Config{
		InitialCapacity:   DefaultInitialCapacity,
		GenerationCeiling: DefaultGenerationCeiling,
	}
}

type slot[T any] struct {
	value      T
	generation uint32
	live       bool
	retired    bool
}

// SlotPool owns values of type T behind generational handles.
//
// SlotPool is not safe for concurrent use.
type SlotPool[T any] struct {
	slots   []slot[T]
	free    []uint32 // FIFO, oldest freed index first
	ceiling uint32
	release func(T)
	live    int
	retired int
}

// New creates a pool. release, if non-nil, is called with every value the
// pool gives up: on Free, on Set and on Clear.
func New[T any](cfg Config, release func(T)) *SlotPool[T] {
	if cfg.InitialCapacity == 0 {
		cfg.InitialCapacity = DefaultInitialCapacity
	}
	if cfg.GenerationCeiling < 2 {
		cfg.GenerationCeiling = DefaultGenerationCeiling
	}
	p := &SlotPool[T]{
		ceiling: cfg.GenerationCeiling,
		release: release,
	}
	p.grow(cfg.InitialCapacity)
	return p
}

// Create stores value and returns its handle.
func (p *SlotPool[T]) Create(value T) Handle {
	if len(p.free) == 0 {
		p.grow(p.nextCapacity())
	}
	idx := p.free[0]
	p.free = p.free[1:]

	s := &p.slots[idx]
	s.value = value
	s.live = true
	p.live++
	return Handle{Index: idx, Generation: s.generation}
}

// Get returns the value behind h.
func (p *SlotPool[T]) Get(h Handle) (T, error) {
	s, err := p.lookup(h)
	if err != nil {
		var zero T
		return zero, err
	}
	return s.value, nil
}

// Set replaces the value behind h. The previous value is released.
func (p *SlotPool[T]) Set(h Handle, value T) error {
	s, err := p.lookup(h)
	if err != nil {
		return err
	}
	old := s.value
	s.value = value
	p.releaseValue(old)
	return nil
}

// Valid reports whether h refers to a live value.
func (p *SlotPool[T]) Valid(h Handle) bool {
	_, err := p.lookup(h)
	return err == nil
}

// Free releases the value behind h and invalidates every handle to it.
func (p *SlotPool[T]) Free(h Handle) error {
	s, err := p.lookup(h)
	if err != nil {
		return err
	}
	p.vacate(h.Index, s)
	return nil
}

// Clear releases every live value.
func (p *SlotPool[T]) Clear() {
	for i := range p.slots {
		if p.slots[i].live {
			p.vacate(uint32(i), &p.slots[i])
		}
	}
}

// Range calls fn for every live value in index order until fn returns false.
func (p *SlotPool[T]) Range(fn func(Handle, T) bool) {
	for i := range p.slots {
		s := &p.slots[i]
		if !s.live {
			continue
		}
		if !fn(Handle{Index: uint32(i), Generation: s.generation}, s.value) {
			return
		}
	}
}

// Len returns the number of live values.
func (p *SlotPool[T]) Len() int { return p.live }

// Cap returns the number of slots, including free and retired ones.
func (p *SlotPool[T]) Cap() int { return len(p.slots) }

// Retired returns the number of permanently retired slots.
func (p *SlotPool[T]) Retired() int { return p.retired }

// Stats returns a snapshot of the pool occupancy.
func (p *SlotPool[T]) Stats() Stats {
	return Stats{
		Live:     p.live,
		Free:     len(p.free),
		Retired:  p.retired,
		Capacity: len(p.slots),
	}
}

// Stats describes pool occupancy.
type Stats struct {
	Live     int
	Free     int
	Retired  int
	Capacity int
}

func (p *SlotPool[T]) lookup(h Handle) (*slot[T], error) {
	if uint64(h.Index) >= uint64(len(p.slots)) {
		return nil, fmt.Errorf("pool: handle %v beyond capacity %d: %w", h, len(p.slots), gpucore.ErrOutOfRange)
	}
	s := &p.slots[h.Index]
	if !s.live || s.retired || s.generation != h.Generation {
		return nil, fmt.Errorf("pool: handle %v (slot generation %d): %w", h, s.generation, gpucore.ErrStaleHandle)
	}
	return s, nil
}

func (p *SlotPool[T]) vacate(idx uint32, s *slot[T]) {
	v := s.value
	var zero T
	s.value = zero
	s.live = false
	p.live--

	s.generation++
	if s.generation >= p.ceiling {
		s.retired = true
		p.retired++
		gpucore.Logger().Debug("pool: slot retired",
			slog.Uint64("index", uint64(idx)),
			slog.Uint64("generation", uint64(s.generation)))
	} else {
		p.free = append(p.free, idx)
	}
	p.releaseValue(v)
}

func (p *SlotPool[T]) releaseValue(v T) {
	if p.release != nil {
		p.release(v)
	}
}

func (p *SlotPool[T]) nextCapacity() uint32 {
	n := uint64(len(p.slots)) * 2
	if n == 0 {
		n = 1
	}
	if n > math.MaxUint32 {
		n = math.MaxUint32
	}
	return uint32(n)
}

// grow extends the slot array to newCap slots. Generations start at 1 so the
// zero Handle never matches.
func (p *SlotPool[T]) grow(newCap uint32) {
	old := uint32(len(p.slots))
	if newCap <= old {
		panic("pool: slot index space exhausted")
	}
	slots := make([]slot[T], newCap)
	copy(slots, p.slots)
	for i := old; i < newCap; i++ {
		slots[i].generation = 1
		p.free = append(p.free, i)
	}
	p.slots = slots
	if old > 0 {
		gpucore.Logger().Debug("pool: grown",
			slog.Uint64("from", uint64(old)),
			slog.Uint64("to", uint64(newCap)))
	}
}
