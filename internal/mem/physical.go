package mem

import (
	"errors"
	"fmt"
	"sort"
)

// ErrOutOfPhysicalMemory indicates the free pool cannot satisfy an allocation.
var ErrOutOfPhysicalMemory = errors.New("out of physical memory")

// PhysicalManager hands out granule-aligned segments from a fixed-capacity
// pool. Allocations may be satisfied by multiple discontiguous segments;
// freed segments are coalesced back into the pool.
type PhysicalManager struct {
	backing  backing
	free     []Segment // Sorted by start, non-adjacent.
	capacity uint64
	used     uint64
}

// NewPhysicalManager reserves capacity bytes of backing memory and places the
// whole range in the free pool.
func NewPhysicalManager(capacity uint64) (*PhysicalManager, error) {
	checkGranule(capacity)

	b, err := reserveBacking(capacity)
	if err != nil {
		return nil, fmt.Errorf("reserve %d bytes of backing memory: %w", capacity, err)
	}

	return &PhysicalManager{
		backing:  b,
		free:     []Segment{{Start: 0, Size: capacity}},
		capacity: capacity,
	}, nil
}

// Capacity returns the total pool size in bytes.
func (pm *PhysicalManager) Capacity() uint64 {
	return pm.capacity
}

// Used returns the bytes currently allocated from the pool.
func (pm *PhysicalManager) Used() uint64 {
	return pm.used
}

// Alloc removes size bytes from the free pool. The result may span multiple
// segments. Returns ErrOutOfPhysicalMemory without side effects when the pool
// holds fewer than size free bytes.
func (pm *PhysicalManager) Alloc(size uint64) (PhysicalMemory, error) {
	checkGranule(size)

	if pm.capacity-pm.used < size {
		return PhysicalMemory{}, ErrOutOfPhysicalMemory
	}

	var (
		segments  []Segment
		remaining = size
	)

	for remaining > 0 {
		// Feasibility was checked up front; an empty free list here means
		// the used counter and the free list disagree.
		if len(pm.free) == 0 {
			panic("mem: physical free list exhausted below used-byte accounting")
		}

		head := &pm.free[0]
		take := min(head.Size, remaining)
		segments = append(segments, Segment{Start: head.Start, Size: take})

		if take == head.Size {
			pm.free = pm.free[1:]
		} else {
			head.Start += take
			head.Size -= take
		}

		remaining -= take
	}

	pm.used += size

	return NewPhysicalMemory(segments), nil
}

// Free returns a page's segments to the pool, coalescing with neighbors.
// The caller clears the page's record afterwards.
func (pm *PhysicalManager) Free(memory *PhysicalMemory) {
	for _, seg := range memory.Segments() {
		pm.insertFree(seg)
		pm.used -= seg.Size
	}
}

// insertFree places seg into the sorted free list, merging adjacent segments.
func (pm *PhysicalManager) insertFree(seg Segment) {
	idx := sort.Search(len(pm.free), func(i int) bool {
		return pm.free[i].Start > seg.Start
	})

	pm.free = append(pm.free, Segment{})
	copy(pm.free[idx+1:], pm.free[idx:])
	pm.free[idx] = seg

	// Merge with successor, then predecessor.
	if idx+1 < len(pm.free) && pm.free[idx].End() == pm.free[idx+1].Start {
		pm.free[idx].Size += pm.free[idx+1].Size
		pm.free = append(pm.free[:idx+1], pm.free[idx+2:]...)
	}

	if idx > 0 && pm.free[idx-1].End() == pm.free[idx].Start {
		pm.free[idx-1].Size += pm.free[idx].Size
		pm.free = append(pm.free[:idx], pm.free[idx+1:]...)
	}
}

// View returns the live byte slice for a segment. Only mapped pages hold
// views; the slice aliases the backing reservation.
func (pm *PhysicalManager) View(seg Segment) []byte {
	return pm.backing.view(seg.Start, seg.Size)
}

// Close releases the backing reservation. No segment views may be used
// afterwards.
func (pm *PhysicalManager) Close() error {
	return pm.backing.release()
}
