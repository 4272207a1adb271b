// Package ring provides paged transient memory for one frame context.
//
// An [Allocator] hands out host-writable regions of mapped upload pages by
// bumping a cursor through the current page. When the page is exhausted it
// takes a page from its free list or creates a new one. Allocations never
// span pages.
//
// Pages are only recycled by [Allocator.Reset], which the owner must call
// after the GPU work that read them completed. Within one cycle regions
// never overlap.
package ring

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/gogpu/gputypes"

	"github.com/gogpu/gpures/gpucore"
)

// Default configuration values.
const (
	DefaultPageSize     = 256 << 10
	DefaultMinAlignment = 4
)

// Errors returned by the allocator.
var (
	// ErrAllocationTooLarge is returned for requests larger than a page.
	ErrAllocationTooLarge = fmt.Errorf("ring: allocation larger than page: %w", gpucore.ErrOutOfSpace)

	// ErrInvalidAlignment is returned when alignment is not a power of two.
	ErrInvalidAlignment = errors.New("ring: alignment must be a power of two")

	// ErrInvalidSize is returned for zero-size requests.
	ErrInvalidSize = errors.New("ring: size must be positive")
)

// Config holds ring allocator configuration.
type Config struct {
	// Label prefixes page buffer labels.
	Label string

	// PageSize is the size of every page in bytes.
	PageSize uint64

	// MinAlignment is applied to every allocation. Must be a power of two.
	MinAlignment uint64

	// MaxPages caps the number of pages. Zero means unlimited.
	MaxPages int

	// Usage of page buffers. Defaults to gpucore.UsageUpload.
	Usage gputypes.BufferUsage
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Label:        "ring",
		PageSize:     DefaultPageSize,
		MinAlignment: DefaultMinAlignment,
		Usage:        gpucore.UsageUpload,
	}
}

// Region is one allocation. Bytes is the host view; Buffer and Offset
// address the same memory on the device.
type Region struct {
	Buffer gpucore.Buffer
	Offset uint64
	Size   uint64
	Bytes  []byte
}

type page struct {
	buf    gpucore.Buffer
	mem    []byte
	cursor uint64
}

// Allocator is a paged bump allocator. It is not safe for concurrent use.
type Allocator struct {
	dev     gpucore.Device
	cfg     Config
	current *page
	used    []*page
	free    []*page

	bytesUsed   uint64
	highWater   uint64
	allocations int
	resets      int
}

// New creates an allocator. No page is created until the first allocation.
func New(dev gpucore.Device, cfg Config) (*Allocator, error) {
	if cfg.PageSize == 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.MinAlignment == 0 {
		cfg.MinAlignment = DefaultMinAlignment
	}
	if !gpucore.IsPowerOfTwo(cfg.MinAlignment) {
		return nil, fmt.Errorf("min alignment %d: %w", cfg.MinAlignment, ErrInvalidAlignment)
	}
	if cfg.MaxPages < 0 {
		return nil, fmt.Errorf("ring: negative max pages %d", cfg.MaxPages)
	}
	if cfg.Usage == 0 {
		cfg.Usage = gpucore.UsageUpload
	}
	if cfg.Label == "" {
		cfg.Label = "ring"
	}
	return &Allocator{dev: dev, cfg: cfg}, nil
}

// Allocate returns size bytes aligned to alignment (zero selects the
// minimum alignment).
func (a *Allocator) Allocate(size, alignment uint64) (Region, error) {
	if size == 0 {
		return Region{}, ErrInvalidSize
	}
	if alignment == 0 {
		alignment = a.cfg.MinAlignment
	}
	if !gpucore.IsPowerOfTwo(alignment) {
		return Region{}, fmt.Errorf("alignment %d: %w", alignment, ErrInvalidAlignment)
	}
	alignment = max(alignment, a.cfg.MinAlignment)
	if size > a.cfg.PageSize {
		return Region{}, fmt.Errorf("%d bytes, page %d: %w", size, a.cfg.PageSize, ErrAllocationTooLarge)
	}

	p := a.current
	var off uint64
	if p != nil {
		off = gpucore.AlignUp(p.cursor, alignment)
	}
	if p == nil || off+size > a.cfg.PageSize {
		var err error
		if p, err = a.nextPage(); err != nil {
			return Region{}, err
		}
		off = 0
	}

	p.cursor = off + size
	a.bytesUsed += size
	a.highWater = max(a.highWater, a.bytesUsed)
	a.allocations++
	return Region{
		Buffer: p.buf,
		Offset: off,
		Size:   size,
		Bytes:  p.mem[off : off+size : off+size],
	}, nil
}

// Write allocates len(data) bytes and copies data into them.
func (a *Allocator) Write(data []byte, alignment uint64) (Region, error) {
	r, err := a.Allocate(uint64(len(data)), alignment)
	if err != nil {
		return Region{}, err
	}
	copy(r.Bytes, data)
	return r, nil
}

// Reset returns every page to the free list and rewinds the cursors.
// The caller must know that the GPU finished reading them.
func (a *Allocator) Reset() {
	for _, p := range a.used {
		p.cursor = 0
	}
	a.free = append(a.free, a.used...)
	a.used = a.used[:0]
	a.current = nil
	a.bytesUsed = 0
	a.allocations = 0
	a.resets++
}

// Destroy destroys every page.
func (a *Allocator) Destroy() {
	for _, p := range a.used {
		a.dev.DestroyBuffer(p.buf)
	}
	for _, p := range a.free {
		a.dev.DestroyBuffer(p.buf)
	}
	a.used, a.free, a.current = nil, nil, nil
	a.bytesUsed = 0
}

// PageSize returns the configured page size.
func (a *Allocator) PageSize() uint64 { return a.cfg.PageSize }

// Stats describes ring allocator occupancy.
type Stats struct {
	Pages       int
	UsedPages   int
	FreePages   int
	PageSize    uint64
	BytesUsed   uint64
	HighWater   uint64
	Allocations int
	Resets      int
}

// Stats returns a snapshot of the allocator state.
func (a *Allocator) Stats() Stats {
	return Stats{
		Pages:       len(a.used) + len(a.free),
		UsedPages:   len(a.used),
		FreePages:   len(a.free),
		PageSize:    a.cfg.PageSize,
		BytesUsed:   a.bytesUsed,
		HighWater:   a.highWater,
		Allocations: a.allocations,
		Resets:      a.resets,
	}
}

func (a *Allocator) nextPage() (*page, error) {
	var p *page
	if n := len(a.free); n > 0 {
		p = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		total := len(a.used)
		if a.cfg.MaxPages > 0 && total >= a.cfg.MaxPages {
			return nil, fmt.Errorf("ring: %d pages of %s in use: %w",
				total, gpucore.ByteSize(a.cfg.PageSize), gpucore.ErrOutOfSpace)
		}
		var err error
		if p, err = a.newPage(total); err != nil {
			return nil, err
		}
	}
	a.used = append(a.used, p)
	a.current = p
	return p, nil
}

func (a *Allocator) newPage(n int) (*page, error) {
	buf, err := a.dev.CreateBuffer(gpucore.BufferDescriptor{
		Label: fmt.Sprintf("%s page %d", a.cfg.Label, n),
		Size:  a.cfg.PageSize,
		Usage: a.cfg.Usage,
	})
	if err != nil {
		return nil, fmt.Errorf("ring: create page: %w", err)
	}
	mem, err := a.dev.MapBuffer(buf)
	if err != nil {
		a.dev.DestroyBuffer(buf)
		return nil, fmt.Errorf("ring: map page: %w", err)
	}
	if uint64(len(mem)) < a.cfg.PageSize {
		a.dev.DestroyBuffer(buf)
		return nil, fmt.Errorf("ring: mapped %d bytes of %d byte page", len(mem), a.cfg.PageSize)
	}
	gpucore.Logger().Debug("ring: page created",
		slog.String("label", a.cfg.Label),
		slog.Int("page", n),
		slog.String("size", gpucore.ByteSize(a.cfg.PageSize).String()))
	return &page{buf: buf, mem: mem}, nil
}
