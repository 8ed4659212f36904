// Package heap implements the page allocator: the component that owns the
// page cache, the live page table, the physical and virtual memory managers,
// and the heap's used/capacity accounting. Allocation is served from the page
// cache when possible; falling back to free physical memory is cheap, while
// flushing the cache to repurpose its bytes is the expensive path the
// rebalancer exists to avoid.
package heap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"

	"github.com/regentmm/regent/internal/gcstat"
	"github.com/regentmm/regent/internal/mem"
	"github.com/regentmm/regent/internal/page"
	"github.com/regentmm/regent/pkg/observability"
	"github.com/regentmm/regent/pkg/sizeclass"
)

// Allocation errors.
var (
	// ErrAllocationStall indicates neither the cache, free physical memory,
	// nor a cache flush could satisfy an allocation. The caller must free
	// memory (run a collection) and retry.
	ErrAllocationStall = errors.New("allocation stall")

	// ErrOutOfAddressSpace indicates the virtual address space is exhausted.
	ErrOutOfAddressSpace = errors.New("out of address space")
)

// addressSpaceMultiplier over-reserves virtual address space relative to heap
// capacity. Address space is cheap; the surplus lets the page shape of the
// heap change without waiting for detached ranges to be recycled.
const addressSpaceMultiplier = 16

// Config carries the allocator's construction parameters.
type Config struct {
	// Capacity is the heap capacity in bytes. Must be a whole multiple of
	// the small page size.
	Capacity uint64

	// Sizes are the page class sizes.
	Sizes sizeclass.Sizes

	// Stats receives allocation-rate samples. Optional.
	Stats *gcstat.Stats

	// Logger receives allocator events. Optional.
	Logger *slog.Logger

	// Metrics receives allocator counters. Optional.
	Metrics *observability.Metrics
}

// Allocator is the page allocator. One lock serializes all state mutation;
// map and unmap run outside the lock because they touch memory owned by
// exactly one page.
type Allocator struct {
	mu sync.Mutex

	sizes    sizeclass.Sizes
	capacity uint64
	used     uint64
	freed    uint64 // Bytes released with reclaimed=true, for GC statistics.

	physical *mem.PhysicalManager
	virtual  *mem.VirtualManager
	cache    *page.Cache
	table    *page.Table
	detached []*page.Page

	stats   *gcstat.Stats
	logger  *slog.Logger
	metrics *observability.Metrics

	flushes atomic.Uint64
	stalls  atomic.Uint64
}

// NewAllocator builds an allocator over a fresh physical reservation.
func NewAllocator(cfg Config) (*Allocator, error) {
	if err := cfg.Sizes.Validate(); err != nil {
		return nil, fmt.Errorf("invalid page sizes: %w", err)
	}

	if cfg.Capacity == 0 || cfg.Capacity%cfg.Sizes.Small != 0 {
		return nil, fmt.Errorf("capacity %d is not a positive multiple of the small page size %d",
			cfg.Capacity, cfg.Sizes.Small)
	}

	physical, err := mem.NewPhysicalManager(cfg.Capacity)
	if err != nil {
		return nil, err
	}

	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observability.NopMetrics()
	}

	return &Allocator{
		sizes:    cfg.Sizes,
		capacity: cfg.Capacity,
		physical: physical,
		virtual:  mem.NewVirtualManager(addressSpaceMultiplier * cfg.Capacity),
		cache:    page.NewCache(),
		table:    page.NewTable(),
		stats:    cfg.Stats,
		logger:   observability.Component(cfg.Logger, "allocator"),
		metrics:  metrics,
	}, nil
}

// Close releases the physical reservation.
func (a *Allocator) Close() error {
	return a.physical.Close()
}

// Lock acquires the allocator state lock.
func (a *Allocator) Lock() {
	a.mu.Lock()
}

// Unlock releases the allocator state lock.
func (a *Allocator) Unlock() {
	a.mu.Unlock()
}

// Sizes returns the page class sizes.
func (a *Allocator) Sizes() sizeclass.Sizes {
	return a.sizes
}

// Capacity returns the heap capacity in bytes.
func (a *Allocator) Capacity() uint64 {
	return a.capacity
}

// Used returns the bytes currently allocated to live pages.
func (a *Allocator) Used() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.used
}

// Cache returns the page cache. Callers must hold the allocator lock.
func (a *Allocator) Cache() *page.Cache {
	return a.cache
}

// Table returns the live page table.
func (a *Allocator) Table() *page.Table {
	return a.table
}

// FlushCount returns how many cache flushes the allocation path has forced.
func (a *Allocator) FlushCount() uint64 {
	return a.flushes.Load()
}

// StallCount returns how many allocations stalled.
func (a *Allocator) StallCount() uint64 {
	return a.stalls.Load()
}

// CreatePage constructs an unmapped page of the given class from free
// physical memory. Callers must hold the allocator lock; the page is not
// registered anywhere yet.
func (a *Allocator) CreatePage(class sizeclass.Class) (*page.Page, error) {
	size := a.sizes.Of(class)

	virtual, ok := a.virtual.Alloc(size)
	if !ok {
		return nil, ErrOutOfAddressSpace
	}

	physical, err := a.physical.Alloc(size)
	if err != nil {
		a.virtual.Recycle(virtual)

		return nil, err
	}

	return page.New(class, virtual, physical), nil
}

// MapPage establishes the page's virtual-to-physical mapping. No lock is
// needed: the page is exclusively owned by the caller. Mapping an
// already-mapped page is fatal.
func (a *Allocator) MapPage(p *page.Page) {
	if p.IsMapped() {
		panic(fmt.Sprintf("allocator: page %#x is already mapped", p.Start()))
	}

	segments := p.Physical().Segments()
	views := make([][]byte, 0, len(segments))

	for _, seg := range segments {
		views = append(views, a.physical.View(seg))
	}

	p.SetMapped(views)
}

// UnmapPage removes the page's mapping. Unmapping an unmapped page is fatal.
func (a *Allocator) UnmapPage(p *page.Page) {
	if !p.IsMapped() {
		panic(fmt.Sprintf("allocator: page %#x is not mapped", p.Start()))
	}

	p.ClearMapped()
}

// FreePhysical returns the page's physical memory to the free pool, clears
// its record, and retires the page object to the detached list. The page must
// be unmapped first: freeing still-mapped memory is undefined. Callers must
// hold the allocator lock.
func (a *Allocator) FreePhysical(p *page.Page) {
	if p.IsMapped() {
		panic(fmt.Sprintf("allocator: freeing physical memory of mapped page %#x", p.Start()))
	}

	a.table.Remove(p)
	a.physical.Free(p.Physical())
	p.Physical().Clear()
	a.detached = append(a.detached, p)
}

// IncreaseUsed accounts size bytes as used. With reclaimed=false the bytes do
// not feed collection statistics. Callers must hold the allocator lock.
func (a *Allocator) IncreaseUsed(size uint64, _ bool) {
	a.used += size
}

// DecreaseUsed removes size bytes from the used accounting. With
// reclaimed=true the bytes count as collected garbage. Callers must hold the
// allocator lock.
func (a *Allocator) DecreaseUsed(size uint64, reclaimed bool) {
	a.used -= size
	if reclaimed {
		a.freed += size
	}
}

// ReclaimedBytes returns the total bytes released with reclaimed=true.
func (a *Allocator) ReclaimedBytes() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.freed
}

// AllocPage hands out a mapped, table-registered page of the given class:
// from the cache when possible, else from free physical memory, else by
// flushing cached pages of the other shape to repurpose their bytes.
// Returns ErrAllocationStall when even a flush cannot help; the caller must
// collect garbage and retry.
func (a *Allocator) AllocPage(class sizeclass.Class) (*page.Page, error) {
	size := a.sizes.Of(class)

	a.mu.Lock()

	if p := a.cache.Get(class); p != nil {
		a.used += size
		a.mu.Unlock()
		p.Reset()
		a.sampleRate(class, size)

		return p, nil
	}

	p, err := a.CreatePage(class)
	if errors.Is(err, mem.ErrOutOfPhysicalMemory) {
		p, err = a.flushAndCreate(class, size)
	}

	if err != nil {
		a.mu.Unlock()
		a.stalls.Add(1)
		a.metrics.AllocationStalls.Add(context.Background(), 1)
		a.logger.Error("Allocation Stall",
			slog.String("class", class.String()),
			slog.String("size", humanize.IBytes(size)))

		return nil, fmt.Errorf("%w: %s page: %s", ErrAllocationStall, class, err)
	}

	a.used += size
	a.mu.Unlock()

	a.MapPage(p)
	a.table.Insert(p)
	a.sampleRate(class, size)

	return p, nil
}

// flushAndCreate evicts cached pages until a page of the requested class fits
// in free physical memory, then retries creation. Called under the lock.
func (a *Allocator) flushAndCreate(class sizeclass.Class, size uint64) (*page.Page, error) {
	var flushed uint64

	for flushed < size {
		victim := a.cache.Get(sizeclass.Small)
		if victim == nil {
			victim = a.cache.Get(sizeclass.Medium)
		}

		if victim == nil {
			break
		}

		a.UnmapPage(victim)
		a.FreePhysical(victim)
		flushed += victim.Size()
	}

	if flushed == 0 {
		return nil, mem.ErrOutOfPhysicalMemory
	}

	a.flushes.Add(1)
	a.metrics.CacheFlushes.Add(context.Background(), 1)
	a.logger.Warn("Page Cache Flushed",
		slog.String("requested", humanize.IBytes(size)),
		slog.String("flushed", humanize.IBytes(flushed)),
		slog.String("class", class.String()))

	return a.CreatePage(class)
}

// ReleasePage returns a live page to the cache through the normal release
// path. The page stays mapped and table-registered; reclaimed controls
// whether the bytes count as collected garbage.
func (a *Allocator) ReleasePage(p *page.Page, reclaimed bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.DecreaseUsed(p.Size(), reclaimed)
	a.cache.Insert(p)
}

// FreeDetached recycles the virtual ranges of retired page objects and drops
// them. Run once per cycle, after no migration is in flight.
func (a *Allocator) FreeDetached() {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, p := range a.detached {
		a.virtual.Recycle(p.Virtual())
	}

	a.detached = nil
}

// DetachedCount returns the number of retired page objects awaiting
// FreeDetached.
func (a *Allocator) DetachedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return len(a.detached)
}

func (a *Allocator) sampleRate(class sizeclass.Class, size uint64) {
	if a.stats == nil {
		return
	}

	if class == sizeclass.Small {
		a.stats.SmallRate.Sample(size)
	} else {
		a.stats.MediumRate.Sample(size)
	}
}
