// Package rangealloc allocates contiguous spans from a fixed-capacity table,
// such as a shader-visible binding table.
//
// Free spans are indexed by offset. Allocation is first fit in offset order
// and splits the remainder back into the free index. Release merges the span
// with its free neighbours on both sides, so the free index never holds two
// adjacent spans. Only whole ranges returned by Allocate can be released.
// There is no compaction and no growth: fragmentation only
// heals through coalescing.
//
// An Allocator is not safe for concurrent use. Callers sharing one across
// goroutines must serialize access.
package rangealloc

import (
	"errors"
	"fmt"

	"github.com/google/btree"

	"github.com/gogpu/gpures/gpucore"
)

// Errors returned by the allocator.
var (
	// ErrInvalidCount is returned for zero-length allocation requests.
	ErrInvalidCount = errors.New("rangealloc: count must be positive")

	// ErrInvalidRange is returned when a released range lies outside the
	// table or is not a live allocation.
	ErrInvalidRange = fmt.Errorf("rangealloc: invalid range: %w", gpucore.ErrOutOfRange)
)

// btreeDegree is the fan-out of the free index.
const btreeDegree = 8

// Range is a contiguous span of table entries.
type Range struct {
	Offset uint32
	Length uint32
}

// End returns the first entry past the range.
func (r Range) End() uint64 { return uint64(r.Offset) + uint64(r.Length) }

// String returns "[offset, end)".
func (r Range) String() string { return fmt.Sprintf("[%d, %d)", r.Offset, r.End()) }

func byOffset(a, b Range) bool { return a.Offset < b.Offset }

// Allocator hands out ranges from a table of fixed capacity.
type Allocator struct {
	capacity   uint32
	free       *btree.BTreeG[Range]
	freeLength uint64
	live       map[uint32]uint32 // allocated ranges, offset to length
}

// New creates an allocator over capacity entries, all free.
func New(capacity uint32) *Allocator {
	a := &Allocator{
		capacity: capacity,
		free:     btree.NewG(btreeDegree, byOffset),
		live:     make(map[uint32]uint32),
	}
	a.Reset()
	return a
}

// Allocate returns the lowest-offset free range able to hold count entries.
func (a *Allocator) Allocate(count uint32) (Range, error) {
	if count == 0 {
		return Range{}, ErrInvalidCount
	}

	var found Range
	ok := false
	a.free.Ascend(func(r Range) bool {
		if r.Length >= count {
			found, ok = r, true
			return false
		}
		return true
	})
	if !ok {
		return Range{}, fmt.Errorf("rangealloc: %d entries (free %d of %d, largest %d): %w",
			count, a.freeLength, a.capacity, a.LargestFree(), gpucore.ErrOutOfSpace)
	}

	a.free.Delete(found)
	if rest := found.Length - count; rest > 0 {
		a.free.ReplaceOrInsert(Range{Offset: found.Offset + count, Length: rest})
	}
	a.freeLength -= uint64(count)
	a.live[found.Offset] = count
	return Range{Offset: found.Offset, Length: count}, nil
}

// Free returns r to the allocator and merges it with adjacent free ranges.
// r must be exactly a range returned by Allocate and not yet freed.
func (a *Allocator) Free(r Range) error {
	if r.Length == 0 || r.End() > uint64(a.capacity) {
		return fmt.Errorf("free %v of capacity %d: %w", r, a.capacity, ErrInvalidRange)
	}
	if n, ok := a.live[r.Offset]; !ok || n != r.Length {
		return fmt.Errorf("free %v: not an allocated range: %w", r, ErrInvalidRange)
	}
	delete(a.live, r.Offset)

	prev, hasPrev := a.predecessor(r.Offset)
	next, hasNext := a.successor(r.Offset)

	merged := r
	if hasPrev && prev.End() == uint64(r.Offset) {
		a.free.Delete(prev)
		merged.Offset = prev.Offset
		merged.Length += prev.Length
	}
	if hasNext && r.End() == uint64(next.Offset) {
		a.free.Delete(next)
		merged.Length += next.Length
	}
	a.free.ReplaceOrInsert(merged)

	a.freeLength += uint64(r.Length)
	return nil
}

// Reset frees every range, leaving one free span over the whole table.
func (a *Allocator) Reset() {
	a.free.Clear(true)
	if a.capacity > 0 {
		a.free.ReplaceOrInsert(Range{Offset: 0, Length: a.capacity})
	}
	a.freeLength = uint64(a.capacity)
	clear(a.live)
}

// Capacity returns the table size.
func (a *Allocator) Capacity() uint32 { return a.capacity }

// FreeLength returns the number of free entries.
func (a *Allocator) FreeLength() uint32 { return uint32(a.freeLength) }

// AllocatedLength returns the number of allocated entries.
func (a *Allocator) AllocatedLength() uint32 { return a.capacity - uint32(a.freeLength) }

// Allocations returns the number of outstanding ranges.
func (a *Allocator) Allocations() int { return len(a.live) }

// LargestFree returns the length of the largest free range.
func (a *Allocator) LargestFree() uint32 {
	var largest uint32
	a.free.Ascend(func(r Range) bool {
		largest = max(largest, r.Length)
		return true
	})
	return largest
}

// FreeRanges returns the free ranges in offset order.
func (a *Allocator) FreeRanges() []Range {
	out := make([]Range, 0, a.free.Len())
	a.free.Ascend(func(r Range) bool {
		out = append(out, r)
		return true
	})
	return out
}

// predecessor returns the free range with the greatest offset <= off.
func (a *Allocator) predecessor(off uint32) (Range, bool) {
	var out Range
	ok := false
	a.free.DescendLessOrEqual(Range{Offset: off}, func(r Range) bool {
		out, ok = r, true
		return false
	})
	return out, ok
}

// successor returns the free range with the smallest offset > off.
func (a *Allocator) successor(off uint32) (Range, bool) {
	var out Range
	ok := false
	a.free.AscendGreaterOrEqual(Range{Offset: off}, func(r Range) bool {
		if r.Offset == off {
			return true
		}
		out, ok = r, true
		return false
	})
	return out, ok
}
