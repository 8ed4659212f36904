package commands

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regentmm/regent/pkg/config"
)

// testConfig returns a small, fast heap configuration for workload tests.
func testConfig(t *testing.T) config.Config {
	t.Helper()

	cfg := config.Default()
	cfg.Heap.Capacity = "64 MiB"
	cfg.Heap.SmallPageSize = "64 KiB"
	cfg.Heap.MediumPageSize = "1 MiB"
	cfg.Balance.WarmupCycles = 2
	cfg.Stats.RateWindow = 10 * time.Millisecond
	cfg.Logging.Level = "error"
	require.NoError(t, cfg.Validate())

	return cfg
}

func TestStress_GenerousSlackPasses(t *testing.T) {
	t.Parallel()

	var out, errOut bytes.Buffer

	sc := &StressCommand{
		iterations: 2000,
		workShare:  0.5,
		cycleEvery: 32,
		seed:       1,
		out:        &out,
		errOut:     &errOut,
	}

	err := sc.RunWithConfig(context.Background(), testConfig(t))
	require.NoError(t, err)

	assert.Contains(t, out.String(), "PASS")
	assert.Contains(t, out.String(), "Allocation stalls")
	assert.Contains(t, out.String(), "Page cache flushes")
}

// With rebalancing disabled and a tight heap, the workload's shift from
// small to medium pages must exhaust free physical memory while the cache
// holds only small pages, forcing a flush.
func TestStress_NoBalanceTightHeapFlushes(t *testing.T) {
	t.Parallel()

	var out, errOut bytes.Buffer

	sc := &StressCommand{
		iterations: 2000,
		workShare:  0.875,
		cycleEvery: 32,
		noBalance:  true,
		seed:       1,
		out:        &out,
		errOut:     &errOut,
	}

	err := sc.RunWithConfig(context.Background(), testConfig(t))
	require.ErrorIs(t, err, ErrStressFailed)

	assert.Contains(t, out.String(), "FAIL")
	assert.Contains(t, out.String(), "disabled")
}

func TestStress_WritesPlot(t *testing.T) {
	t.Parallel()

	plotPath := filepath.Join(t.TempDir(), "cache.html")

	var out, errOut bytes.Buffer

	sc := &StressCommand{
		iterations: 1000,
		workShare:  0.5,
		cycleEvery: 32,
		plotPath:   plotPath,
		seed:       1,
		out:        &out,
		errOut:     &errOut,
	}

	err := sc.RunWithConfig(context.Background(), testConfig(t))
	require.NoError(t, err)

	body, err := os.ReadFile(plotPath)
	require.NoError(t, err)
	assert.Contains(t, string(body), "Page Cache Composition")
}

func TestStress_RejectsInvalidParameters(t *testing.T) {
	t.Parallel()

	var out, errOut bytes.Buffer

	sc := &StressCommand{
		iterations: 0,
		workShare:  0.5,
		cycleEvery: 32,
		out:        &out,
		errOut:     &errOut,
	}

	err := sc.RunWithConfig(context.Background(), testConfig(t))
	require.ErrorIs(t, err, ErrStressFailed)
}

func TestStress_CancelledContextStops(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var out, errOut bytes.Buffer

	sc := &StressCommand{
		iterations: 1000,
		workShare:  0.5,
		cycleEvery: 32,
		seed:       1,
		out:        &out,
		errOut:     &errOut,
	}

	err := sc.RunWithConfig(ctx, testConfig(t))
	require.ErrorIs(t, err, context.Canceled)
}
