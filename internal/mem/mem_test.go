package mem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regentmm/regent/pkg/units"
)

func newTestPhysical(t *testing.T, capacity uint64) *PhysicalManager {
	t.Helper()

	pm, err := NewPhysicalManager(capacity)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pm.Close() })

	return pm
}

func TestPhysicalManager_AllocFree(t *testing.T) {
	t.Parallel()

	pm := newTestPhysical(t, 16*units.MiB)

	memory, err := pm.Alloc(4 * units.MiB)
	require.NoError(t, err)
	assert.Equal(t, uint64(4*units.MiB), memory.Size())
	assert.Equal(t, uint64(4*units.MiB), pm.Used())

	pm.Free(&memory)
	memory.Clear()
	assert.Equal(t, uint64(0), pm.Used())
	assert.True(t, memory.IsNull())
}

func TestPhysicalManager_Exhaustion(t *testing.T) {
	t.Parallel()

	pm := newTestPhysical(t, 8*units.MiB)

	first, err := pm.Alloc(8 * units.MiB)
	require.NoError(t, err)

	_, err = pm.Alloc(4 * units.KiB)
	require.ErrorIs(t, err, ErrOutOfPhysicalMemory)

	pm.Free(&first)

	_, err = pm.Alloc(8 * units.MiB)
	require.NoError(t, err)
}

func TestPhysicalManager_DiscontiguousAlloc(t *testing.T) {
	t.Parallel()

	pm := newTestPhysical(t, 12*units.MiB)

	a, err := pm.Alloc(4 * units.MiB)
	require.NoError(t, err)
	b, err := pm.Alloc(4 * units.MiB)
	require.NoError(t, err)
	c, err := pm.Alloc(4 * units.MiB)
	require.NoError(t, err)

	// Free the first and last slots, leaving a hole pattern. The next
	// allocation must gather both holes.
	pm.Free(&a)
	pm.Free(&c)

	gathered, err := pm.Alloc(8 * units.MiB)
	require.NoError(t, err)
	assert.Equal(t, uint64(8*units.MiB), gathered.Size())
	assert.Len(t, gathered.Segments(), 2, "allocation should span both free holes")

	pm.Free(&b)
	pm.Free(&gathered)
	assert.Equal(t, uint64(0), pm.Used())
}

func TestPhysicalManager_FreeCoalesces(t *testing.T) {
	t.Parallel()

	pm := newTestPhysical(t, 12*units.MiB)

	a, err := pm.Alloc(4 * units.MiB)
	require.NoError(t, err)
	b, err := pm.Alloc(4 * units.MiB)
	require.NoError(t, err)
	c, err := pm.Alloc(4 * units.MiB)
	require.NoError(t, err)

	pm.Free(&a)
	pm.Free(&c)
	pm.Free(&b)

	// After coalescing, a full-capacity allocation must come back as a
	// single contiguous segment.
	all, err := pm.Alloc(12 * units.MiB)
	require.NoError(t, err)
	assert.Len(t, all.Segments(), 1)
}

func TestPhysicalManager_View(t *testing.T) {
	t.Parallel()

	pm := newTestPhysical(t, 4*units.MiB)

	memory, err := pm.Alloc(4 * units.KiB)
	require.NoError(t, err)

	seg := memory.Segments()[0]
	view := pm.View(seg)
	require.Len(t, view, 4*units.KiB)

	view[0] = 0xAB
	assert.Equal(t, byte(0xAB), pm.View(seg)[0], "views alias the backing memory")
}

func TestVirtualManager_AllocAndRecycle(t *testing.T) {
	t.Parallel()

	vm := NewVirtualManager(8 * units.MiB)

	a, ok := vm.Alloc(2 * units.MiB)
	require.True(t, ok)
	b, ok := vm.Alloc(2 * units.MiB)
	require.True(t, ok)
	assert.Equal(t, a.End(), b.Start, "carve-out is monotonic")

	vm.Recycle(a)

	c, ok := vm.Alloc(2 * units.MiB)
	require.True(t, ok)
	assert.Equal(t, a, c, "recycled range is preferred over fresh carve-out")
}

func TestVirtualManager_Exhaustion(t *testing.T) {
	t.Parallel()

	vm := NewVirtualManager(4 * units.MiB)

	_, ok := vm.Alloc(4 * units.MiB)
	require.True(t, ok)

	_, ok = vm.Alloc(4 * units.KiB)
	assert.False(t, ok)
}
