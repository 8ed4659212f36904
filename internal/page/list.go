package page

// List is an invocation-owned batch of pages, used to hand pages between the
// cache and a migration without sharing. Lists are not safe for concurrent
// use; exclusivity is the point.
type List struct {
	pages []*Page
}

// Append adds a page to the tail.
func (l *List) Append(p *Page) {
	l.pages = append(l.pages, p)
}

// RemoveFirst detaches and returns the head page, or nil when empty.
func (l *List) RemoveFirst() *Page {
	if len(l.pages) == 0 {
		return nil
	}

	p := l.pages[0]
	l.pages = l.pages[1:]

	return p
}

// IsEmpty reports whether the list holds no pages.
func (l *List) IsEmpty() bool {
	return len(l.pages) == 0
}

// Len returns the number of pages in the list.
func (l *List) Len() int {
	return len(l.pages)
}

// Each calls fn for every page in order.
func (l *List) Each(fn func(*Page)) {
	for _, p := range l.pages {
		fn(p)
	}
}
