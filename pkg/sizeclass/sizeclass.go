// Package sizeclass defines the two page size classes managed by the heap and
// the pure arithmetic used to convert between page counts and bytes.
//
// All quantities are whole pages: every byte total handled here is an exact
// multiple of the small page size, which is why the small-for-medium helper is
// exact division rather than a floor.
package sizeclass

import (
	"fmt"

	"github.com/regentmm/regent/pkg/units"
)

// Class identifies a page size class.
type Class uint8

// Page size classes. Medium pages are a whole multiple of small pages.
const (
	Small Class = iota
	Medium
)

// String returns the lowercase class name.
func (c Class) String() string {
	switch c {
	case Small:
		return "small"
	case Medium:
		return "medium"
	default:
		return fmt.Sprintf("class(%d)", uint8(c))
	}
}

// Other returns the opposite class.
func (c Class) Other() Class {
	if c == Small {
		return Medium
	}

	return Small
}

// Default page sizes.
const (
	// DefaultSmall is the default small page size.
	DefaultSmall = 2 * units.MiB

	// DefaultMedium is the default medium page size.
	DefaultMedium = 32 * units.MiB

	// Granule is the allocation granule of the physical memory manager.
	// Page sizes must be granule multiples.
	Granule = 4 * units.KiB
)

// Sizes holds the byte sizes of both page classes.
type Sizes struct {
	Small  uint64
	Medium uint64
}

// DefaultSizes returns the default small/medium page sizes.
func DefaultSizes() Sizes {
	return Sizes{Small: DefaultSmall, Medium: DefaultMedium}
}

// Validate checks the class-size relationship: both sizes are non-zero granule
// multiples and the medium size is a whole multiple of the small size.
func (s Sizes) Validate() error {
	if s.Small == 0 || s.Small%Granule != 0 {
		return fmt.Errorf("small page size %d is not a positive granule multiple", s.Small)
	}

	if s.Medium == 0 || s.Medium%Granule != 0 {
		return fmt.Errorf("medium page size %d is not a positive granule multiple", s.Medium)
	}

	if s.Medium <= s.Small || s.Medium%s.Small != 0 {
		return fmt.Errorf("medium page size %d is not a whole multiple of small page size %d", s.Medium, s.Small)
	}

	return nil
}

// Of returns the byte size of the given class.
func (s Sizes) Of(c Class) uint64 {
	if c == Small {
		return s.Small
	}

	return s.Medium
}

// TotalSize returns the combined byte size of the given page counts.
func (s Sizes) TotalSize(small, medium uint64) uint64 {
	return s.Small*small + s.Medium*medium
}

// MaxSmallForMedium returns the largest small page count that, together with
// the given medium count, fills available exactly. Callers only pass byte
// totals that are themselves sums of whole pages, so the division is exact.
//
// Panics if the medium pages alone meet or exceed available: that means the
// caller's bookkeeping is broken and no meaningful result exists.
func (s Sizes) MaxSmallForMedium(available, medium uint64) uint64 {
	if available <= medium*s.Medium {
		panic(fmt.Sprintf("sizeclass: %d medium pages (%d bytes) do not fit in %d available bytes",
			medium, medium*s.Medium, available))
	}

	return (available - medium*s.Medium) / s.Small
}

// MaxMediumForSmall returns the largest medium page count that still leaves
// room for the given small count within available. Unlike the small-for-medium
// direction the result may not fill available exactly (floor division).
//
// Panics if the small pages alone meet or exceed available.
func (s Sizes) MaxMediumForSmall(available, small uint64) uint64 {
	if available <= small*s.Small {
		panic(fmt.Sprintf("sizeclass: %d small pages (%d bytes) do not fit in %d available bytes",
			small, small*s.Small, available))
	}

	return (available - small*s.Small) / s.Medium
}
