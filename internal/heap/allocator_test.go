package heap

import (
	"bytes"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regentmm/regent/internal/gcstat"
	"github.com/regentmm/regent/internal/page"
	"github.com/regentmm/regent/pkg/sizeclass"
	"github.com/regentmm/regent/pkg/units"
)

// newTestAllocator builds an allocator over a small heap with default page
// sizes scaled down so tests stay cheap: 256 KiB small, 1 MiB medium.
func newTestAllocator(t *testing.T, capacity uint64) *Allocator {
	t.Helper()

	a, err := NewAllocator(Config{
		Capacity: capacity,
		Sizes:    testSizes(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	return a
}

func testSizes() sizeclass.Sizes {
	return sizeclass.Sizes{Small: 256 * units.KiB, Medium: units.MiB}
}

func TestNewAllocator_Validation(t *testing.T) {
	t.Parallel()

	_, err := NewAllocator(Config{Capacity: 4 * units.MiB, Sizes: sizeclass.Sizes{Small: 3, Medium: 6}})
	require.Error(t, err, "invalid sizes must be rejected")

	_, err = NewAllocator(Config{Capacity: 300 * units.KiB, Sizes: testSizes()})
	require.Error(t, err, "capacity must be a small-page multiple")
}

func TestAllocator_AllocAndReleaseRoundTrip(t *testing.T) {
	t.Parallel()

	a := newTestAllocator(t, 4*units.MiB)

	p, err := a.AllocPage(sizeclass.Small)
	require.NoError(t, err)
	assert.True(t, p.IsMapped())
	assert.Equal(t, uint64(256*units.KiB), a.Used())

	_, ok := a.Table().Get(p.Start())
	assert.True(t, ok, "allocated page is table-registered")

	a.ReleasePage(p, true)
	assert.Equal(t, uint64(0), a.Used())
	assert.Equal(t, uint64(256*units.KiB), a.ReclaimedBytes())

	a.Lock()
	assert.Equal(t, uint64(1), a.Cache().CountSmall())
	a.Unlock()
}

func TestAllocator_CacheHitReusesPage(t *testing.T) {
	t.Parallel()

	a := newTestAllocator(t, 4*units.MiB)

	p, err := a.AllocPage(sizeclass.Medium)
	require.NoError(t, err)
	a.ReleasePage(p, false)

	q, err := a.AllocPage(sizeclass.Medium)
	require.NoError(t, err)
	assert.Same(t, p, q, "cache hit returns the cached page object")
	assert.True(t, q.IsMapped(), "cached pages stay mapped")
}

func TestAllocator_FlushConvertsCachedBytes(t *testing.T) {
	t.Parallel()

	// Heap of exactly 1 MiB: four small pages fill it.
	a := newTestAllocator(t, units.MiB)

	var smalls []*page.Page
	for range 4 {
		p, err := a.AllocPage(sizeclass.Small)
		require.NoError(t, err)
		smalls = append(smalls, p)
	}

	// Release all small pages to the cache, then ask for a medium page.
	// Free physical memory is zero, so the allocator must flush the cache.
	for _, p := range smalls {
		a.ReleasePage(p, true)
	}

	p, err := a.AllocPage(sizeclass.Medium)
	require.NoError(t, err)
	assert.Equal(t, sizeclass.Medium, p.Class())
	assert.Equal(t, uint64(1), a.FlushCount())
	assert.Equal(t, uint64(0), a.StallCount())

	a.Lock()
	assert.Equal(t, uint64(0), a.Cache().CountSmall(), "flushed pages left the cache")
	a.Unlock()
}

func TestAllocator_StallWhenNothingToFlush(t *testing.T) {
	t.Parallel()

	a := newTestAllocator(t, units.MiB)

	p, err := a.AllocPage(sizeclass.Medium)
	require.NoError(t, err)
	_ = p

	_, err = a.AllocPage(sizeclass.Small)
	require.ErrorIs(t, err, ErrAllocationStall)
	assert.Equal(t, uint64(1), a.StallCount())
}

func TestAllocator_FlushLogsThePhrase(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer

	a, err := NewAllocator(Config{
		Capacity: units.MiB,
		Sizes:    testSizes(),
		Logger:   slog.New(slog.NewTextHandler(&buf, nil)),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	// Fill the heap with cached small pages.
	var pages []*page.Page
	for range 4 {
		p, err := a.AllocPage(sizeclass.Small)
		require.NoError(t, err)
		pages = append(pages, p)
	}
	for _, p := range pages {
		a.ReleasePage(p, false)
	}

	_, err = a.AllocPage(sizeclass.Medium)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "Page Cache Flushed")
}

func TestAllocator_MapUnmapAssertions(t *testing.T) {
	t.Parallel()

	a := newTestAllocator(t, 4*units.MiB)

	a.Lock()
	p, err := a.CreatePage(sizeclass.Small)
	a.Unlock()
	require.NoError(t, err)

	assert.Panics(t, func() { a.UnmapPage(p) }, "unmapping an unmapped page is fatal")

	a.MapPage(p)
	assert.Panics(t, func() { a.MapPage(p) }, "mapping a mapped page is fatal")

	a.UnmapPage(p)
	a.Lock()
	a.FreePhysical(p)
	a.Unlock()
}

func TestAllocator_FreePhysicalRequiresUnmapped(t *testing.T) {
	t.Parallel()

	a := newTestAllocator(t, 4*units.MiB)

	p, err := a.AllocPage(sizeclass.Small)
	require.NoError(t, err)

	a.Lock()
	defer a.Unlock()

	assert.Panics(t, func() { a.FreePhysical(p) }, "freeing a mapped page is fatal")
}

func TestAllocator_DetachedLifecycle(t *testing.T) {
	t.Parallel()

	a := newTestAllocator(t, units.MiB)

	p, err := a.AllocPage(sizeclass.Small)
	require.NoError(t, err)
	start := p.Start()

	a.UnmapPage(p)
	a.Lock()
	a.FreePhysical(p)
	a.DecreaseUsed(p.Size(), false)
	a.Unlock()

	assert.Equal(t, 1, a.DetachedCount())

	_, ok := a.Table().Get(start)
	assert.False(t, ok, "detached page left the table")

	a.FreeDetached()
	assert.Equal(t, 0, a.DetachedCount())

	// The recycled range is used again by the next page of the same size.
	q, err := a.AllocPage(sizeclass.Small)
	require.NoError(t, err)
	assert.Equal(t, start, q.Start())
}

func TestAllocator_RateSampling(t *testing.T) {
	t.Parallel()

	stats := gcstat.New(0)

	a, err := NewAllocator(Config{
		Capacity: 4 * units.MiB,
		Sizes:    testSizes(),
		Stats:    stats,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })

	_, err = a.AllocPage(sizeclass.Small)
	require.NoError(t, err)

	// The open window holds the sample; the average is still unfolded.
	// Just verify sampling does not panic and stats stay warm-capable.
	assert.True(t, stats.IsWarm())
}
