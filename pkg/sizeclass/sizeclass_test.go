package sizeclass

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regentmm/regent/pkg/units"
)

func TestSizes_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		sizes   Sizes
		wantErr bool
	}{
		{"defaults are valid", DefaultSizes(), false},
		{"small ratio is valid", Sizes{Small: 1 * units.MiB, Medium: 4 * units.MiB}, false},
		{"zero small", Sizes{Small: 0, Medium: 32 * units.MiB}, true},
		{"zero medium", Sizes{Small: 2 * units.MiB, Medium: 0}, true},
		{"medium not multiple of small", Sizes{Small: 2 * units.MiB, Medium: 3 * units.MiB}, true},
		{"medium equal to small", Sizes{Small: 2 * units.MiB, Medium: 2 * units.MiB}, true},
		{"small not granule multiple", Sizes{Small: 3000, Medium: 48000}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := tt.sizes.Validate()
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestSizes_TotalSize(t *testing.T) {
	t.Parallel()

	s := DefaultSizes()

	assert.Equal(t, uint64(0), s.TotalSize(0, 0))
	assert.Equal(t, uint64(2*units.MiB), s.TotalSize(1, 0))
	assert.Equal(t, uint64(32*units.MiB), s.TotalSize(0, 1))

	// 8640 small pages at 2 MiB is 17280 MiB.
	assert.Equal(t, uint64(17280*units.MiB), s.TotalSize(8640, 0))
}

func TestSizes_MaxSmallForMedium(t *testing.T) {
	t.Parallel()

	s := DefaultSizes()
	available := s.TotalSize(8640, 0)

	// 50 medium pages consume 1600 MiB, leaving 15680 MiB = 7840 small pages.
	assert.Equal(t, uint64(7840), s.MaxSmallForMedium(available, 50))

	// Zero medium pages leave everything for small pages.
	assert.Equal(t, uint64(8640), s.MaxSmallForMedium(available, 0))

	// The result always fills available exactly.
	small := s.MaxSmallForMedium(available, 40)
	assert.Equal(t, available, s.TotalSize(small, 40))
}

func TestSizes_MaxSmallForMedium_InfeasiblePanics(t *testing.T) {
	t.Parallel()

	s := DefaultSizes()

	assert.Panics(t, func() {
		s.MaxSmallForMedium(s.TotalSize(0, 10), 10)
	}, "medium pages exactly filling available must panic")

	assert.Panics(t, func() {
		s.MaxSmallForMedium(32*units.MiB, 2)
	}, "medium pages exceeding available must panic")
}

func TestSizes_MaxMediumForSmall(t *testing.T) {
	t.Parallel()

	s := DefaultSizes()
	available := s.TotalSize(8640, 0)

	// Reserving 800 small pages leaves 15680 MiB; floor(15680/32) = 490 medium.
	assert.Equal(t, uint64(490), s.MaxMediumForSmall(available, 800))

	// Floor division: leftover bytes smaller than a medium page are dropped.
	got := s.MaxMediumForSmall(s.TotalSize(17, 0), 1)
	assert.Equal(t, uint64(1), got)
	assert.Less(t, s.TotalSize(1, got), s.TotalSize(17, 0))
}

func TestSizes_MaxMediumForSmall_InfeasiblePanics(t *testing.T) {
	t.Parallel()

	s := DefaultSizes()

	assert.Panics(t, func() {
		s.MaxMediumForSmall(s.TotalSize(4, 0), 4)
	})
}

func TestClass_StringAndOther(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "small", Small.String())
	assert.Equal(t, "medium", Medium.String())
	assert.Equal(t, Medium, Small.Other())
	assert.Equal(t, Small, Medium.Other())
}
