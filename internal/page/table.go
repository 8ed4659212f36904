package page

import (
	"fmt"
	"sync"
)

// Table indexes live pages by virtual start address. Unlike the cache it has
// its own lock: mutators resolve addresses against it while the collector
// inserts and removes pages.
type Table struct {
	mu    sync.RWMutex
	pages map[uint64]*Page
}

// NewTable returns an empty page table.
func NewTable() *Table {
	return &Table{pages: make(map[uint64]*Page)}
}

// Insert registers a page. Double insertion of an address means two pages
// claim the same range.
func (t *Table) Insert(p *Page) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.pages[p.Start()]; exists {
		panic(fmt.Sprintf("table: address %#x already registered", p.Start()))
	}

	t.pages[p.Start()] = p
}

// Remove unregisters a page.
func (t *Table) Remove(p *Page) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.pages, p.Start())
}

// Get resolves a virtual start address to its live page.
func (t *Table) Get(start uint64) (*Page, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	p, ok := t.pages[start]

	return p, ok
}

// Len returns the number of live pages.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	return len(t.pages)
}
