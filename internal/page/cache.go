package page

import (
	"fmt"

	"github.com/regentmm/regent/pkg/sizeclass"
)

// Cache holds idle, still-mapped pages per size class, ready to be handed out
// without touching the physical memory manager. The cache does not lock:
// every access runs under the allocator's lock.
type Cache struct {
	small  []*Page
	medium []*Page
	bytes  uint64
}

// NewCache returns an empty page cache.
func NewCache() *Cache {
	return &Cache{}
}

// CountSmall returns the number of cached small pages.
func (c *Cache) CountSmall() uint64 {
	return uint64(len(c.small))
}

// CountMedium returns the number of cached medium pages.
func (c *Cache) CountMedium() uint64 {
	return uint64(len(c.medium))
}

// Count returns the number of cached pages of the given class.
func (c *Cache) Count(class sizeclass.Class) uint64 {
	if class == sizeclass.Small {
		return c.CountSmall()
	}

	return c.CountMedium()
}

// Bytes returns the total cached bytes across both classes.
func (c *Cache) Bytes() uint64 {
	return c.bytes
}

// Insert returns an idle page to availability.
func (c *Cache) Insert(p *Page) {
	if p.Class() == sizeclass.Small {
		c.small = append(c.small, p)
	} else {
		c.medium = append(c.medium, p)
	}

	c.bytes += p.Size()
}

// Get removes and returns one cached page of the given class, most recently
// inserted first, or nil when the class is empty.
func (c *Cache) Get(class sizeclass.Class) *Page {
	stack := &c.small
	if class == sizeclass.Medium {
		stack = &c.medium
	}

	n := len(*stack)
	if n == 0 {
		return nil
	}

	p := (*stack)[n-1]
	(*stack)[n-1] = nil
	*stack = (*stack)[:n-1]
	c.bytes -= p.Size()

	return p
}

// Loan removes count pages of the given class into a private list. The pages
// stay mapped and backed; they now belong exclusively to the caller. Loaning
// more pages than are cached is a bookkeeping violation.
func (c *Cache) Loan(class sizeclass.Class, count uint64) List {
	if count > c.Count(class) {
		panic(fmt.Sprintf("cache: loan of %d %s pages exceeds %d cached",
			count, class, c.Count(class)))
	}

	var list List
	for range count {
		list.Append(c.Get(class))
	}

	return list
}
