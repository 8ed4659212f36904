// Package page defines the heap's page objects and the two structures that
// own them when idle or live: the per-class page cache and the live page
// table. A page is exclusively owned at any instant by the cache, the table,
// or a transient migration batch.
package page

import (
	"fmt"

	"github.com/regentmm/regent/internal/mem"
	"github.com/regentmm/regent/pkg/sizeclass"
)

// Page is a contiguous region of one size class. Pages are created by the
// allocator, mapped before use, and retired when their physical memory is
// freed out from under them.
type Page struct {
	class    sizeclass.Class
	virtual  mem.VirtualRange
	physical mem.PhysicalMemory
	views    [][]byte // Per-segment views while mapped.
	top      uint64   // Bump pointer for object allocation.
	seqnum   uint64   // Incremented on every reset.
}

// New builds an unmapped page over the given virtual range and physical
// segments. Virtual and physical sizes must agree.
func New(class sizeclass.Class, virtual mem.VirtualRange, physical mem.PhysicalMemory) *Page {
	if physical.Size() != virtual.Size {
		panic(fmt.Sprintf("page: physical size %d does not match virtual size %d",
			physical.Size(), virtual.Size))
	}

	return &Page{
		class:    class,
		virtual:  virtual,
		physical: physical,
		top:      virtual.Start,
	}
}

// Class returns the page's size class.
func (p *Page) Class() sizeclass.Class {
	return p.class
}

// Size returns the page size in bytes.
func (p *Page) Size() uint64 {
	return p.virtual.Size
}

// Start returns the page's virtual start address.
func (p *Page) Start() uint64 {
	return p.virtual.Start
}

// Virtual returns the page's virtual range.
func (p *Page) Virtual() mem.VirtualRange {
	return p.virtual
}

// Physical returns the page's physical memory record. The executor clears it
// through this reference after freeing the segments.
func (p *Page) Physical() *mem.PhysicalMemory {
	return &p.physical
}

// IsMapped reports whether the page's segments are mapped into its range.
func (p *Page) IsMapped() bool {
	return p.views != nil
}

// SetMapped attaches the segment views, one per physical segment. An empty
// views slice is invalid; unmapping goes through ClearMapped.
func (p *Page) SetMapped(views [][]byte) {
	if len(views) == 0 {
		panic("page: mapping with no segment views")
	}

	p.views = views
}

// ClearMapped drops the segment views.
func (p *Page) ClearMapped() {
	p.views = nil
}

// Remaining returns the bytes still available for bump allocation.
func (p *Page) Remaining() uint64 {
	return p.virtual.End() - p.top
}

// BumpAlloc reserves size bytes within the page, returning false when the
// page is full.
func (p *Page) BumpAlloc(size uint64) bool {
	if p.Remaining() < size {
		return false
	}

	p.top += size

	return true
}

// Seqnum returns the page's reset sequence number.
func (p *Page) Seqnum() uint64 {
	return p.seqnum
}

// Reset rewinds the bump pointer and bumps the sequence number, preparing a
// page for a new life in the cache or table.
func (p *Page) Reset() {
	p.top = p.virtual.Start
	p.seqnum++
}
