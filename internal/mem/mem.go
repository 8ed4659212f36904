// Package mem manages the physical and virtual memory backing the heap's
// pages. Physical memory is a granule-based pool carved out of one anonymous
// reservation; virtual memory is the address-space bookkeeping that pages are
// mapped into. Neither manager locks: callers serialize through the page
// allocator's lock, except for map/unmap which operate on memory exclusively
// owned by a single page.
package mem

import (
	"fmt"

	"github.com/regentmm/regent/pkg/sizeclass"
)

// Segment is a contiguous granule-aligned run of physical memory, addressed
// as an offset into the backing reservation.
type Segment struct {
	Start uint64
	Size  uint64
}

// End returns the first offset past the segment.
func (s Segment) End() uint64 {
	return s.Start + s.Size
}

// PhysicalMemory is a page's record of its backing segments. Physical memory
// for one page need not be contiguous. An empty record means the page is
// unbacked (its physical memory was freed).
type PhysicalMemory struct {
	segments []Segment
}

// NewPhysicalMemory builds a record from the given segments.
func NewPhysicalMemory(segments []Segment) PhysicalMemory {
	return PhysicalMemory{segments: segments}
}

// Size returns the total byte size of all segments.
func (pm *PhysicalMemory) Size() uint64 {
	var total uint64
	for _, seg := range pm.segments {
		total += seg.Size
	}

	return total
}

// Segments returns the backing segments.
func (pm *PhysicalMemory) Segments() []Segment {
	return pm.segments
}

// IsNull reports whether the record holds no segments.
func (pm *PhysicalMemory) IsNull() bool {
	return len(pm.segments) == 0
}

// Clear drops all segments. The caller must have returned them to the
// physical manager first.
func (pm *PhysicalMemory) Clear() {
	pm.segments = nil
}

// VirtualRange is a page's reserved slot in the heap address space.
type VirtualRange struct {
	Start uint64
	Size  uint64
}

// End returns the first address past the range.
func (vr VirtualRange) End() uint64 {
	return vr.Start + vr.Size
}

// checkGranule panics when size is not a positive granule multiple. Sizes
// reaching the managers are always whole pages; anything else is corrupted
// bookkeeping upstream.
func checkGranule(size uint64) {
	if size == 0 || size%sizeclass.Granule != 0 {
		panic(fmt.Sprintf("mem: size %d is not a positive granule multiple", size))
	}
}
