// Package commands implements CLI command handlers for regent.
package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/regentmm/regent/internal/balance"
	"github.com/regentmm/regent/internal/cycle"
	"github.com/regentmm/regent/internal/gcstat"
	"github.com/regentmm/regent/internal/heap"
	"github.com/regentmm/regent/internal/page"
	"github.com/regentmm/regent/pkg/config"
	"github.com/regentmm/regent/pkg/observability"
	"github.com/regentmm/regent/pkg/sizeclass"
)

// ErrStressFailed is returned when the workload observed allocation stalls
// or page cache flushes.
var ErrStressFailed = errors.New("stress workload failed")

// Workload shape: the working set holds workShare of the heap, split
// between the classes by smallShare. The split drifts from the start value
// to the end value across the middle of the run, imitating a program whose
// allocation profile shifts from small-object churn to large buffers.
const (
	defaultIterations  = 50000
	defaultCycleEvery  = 64
	defaultSampleEvery = 64
	defaultWorkShare   = 0.8
	startSmallShare    = 0.9
	endSmallShare      = 0.2
	shiftStartFraction = 0.5
	shiftEndFraction   = 0.75
	maxReleasesPerIter = 4
	stallRetryLimit    = 8
)

// StressCommand drives a shifting allocation workload against the memory
// manager and reports whether the page cache kept up.
type StressCommand struct {
	configPath string
	iterations int
	workShare  float64
	cycleEvery int
	noBalance  bool
	plotPath   string
	seed       int64

	out    io.Writer
	errOut io.Writer
}

// NewStressCommand creates the stress command with default dependencies.
func NewStressCommand() *cobra.Command {
	sc := &StressCommand{out: os.Stdout, errOut: os.Stderr}

	cmd := &cobra.Command{
		Use:   "stress",
		Short: "Run a shifting allocation workload and verify the page cache keeps up",
		Long: `Stress runs a two-phase allocation workload: a small-page-heavy first
half that drifts into a medium-page-heavy second half. A healthy rebalancer
converts cached pages ahead of the shift, so the run completes with zero
allocation stalls and zero page cache flushes.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return sc.Run(cmd.Context())
		},
	}

	cmd.Flags().StringVarP(&sc.configPath, "config", "c", "", "config file path")
	cmd.Flags().IntVarP(&sc.iterations, "iterations", "n", defaultIterations, "workload iterations")
	cmd.Flags().Float64Var(&sc.workShare, "work-share", defaultWorkShare, "fraction of heap capacity held by the working set")
	cmd.Flags().IntVar(&sc.cycleEvery, "cycle-every", defaultCycleEvery, "iterations between collection cycles")
	cmd.Flags().BoolVar(&sc.noBalance, "no-balance", false, "disable page cache rebalancing")
	cmd.Flags().StringVar(&sc.plotPath, "plot", "", "write an HTML chart of the cache composition to this file")
	cmd.Flags().Int64Var(&sc.seed, "seed", 1, "workload random seed")

	return cmd
}

// Run executes the stress workload and renders the report.
func (sc *StressCommand) Run(ctx context.Context) error {
	cfg, err := config.Load(sc.configPath)
	if err != nil {
		return err
	}

	return sc.RunWithConfig(ctx, cfg)
}

// RunWithConfig executes the workload against an already validated
// configuration.
func (sc *StressCommand) RunWithConfig(ctx context.Context, cfg config.Config) error {
	if sc.iterations <= 0 || sc.workShare <= 0 || sc.workShare >= 1 || sc.cycleEvery <= 0 {
		return fmt.Errorf("%w: invalid workload parameters", ErrStressFailed)
	}

	logger, err := observability.NewLogger(sc.errOut, observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		return err
	}

	provider, err := observability.NewMetricsProvider()
	if err != nil {
		return err
	}
	defer func() { _ = provider.Shutdown(context.Background()) }()

	metrics, err := observability.NewMetrics(provider.Meter)
	if err != nil {
		return err
	}

	if cfg.Metrics.Enabled {
		go serveMetrics(cfg.Metrics.ListenAddr, provider.Handler, logger)
	}

	capacity, sizes, err := cfg.HeapGeometry()
	if err != nil {
		return err
	}

	stats := &gcstat.Stats{
		SmallRate:  gcstat.NewRate(cfg.Stats.RateWindow, cfg.Stats.RateAlpha),
		MediumRate: gcstat.NewRate(cfg.Stats.RateWindow, cfg.Stats.RateAlpha),
		Cycle:      gcstat.NewCycle(cfg.Balance.WarmupCycles),
	}

	alloc, err := heap.NewAllocator(heap.Config{
		Capacity: capacity,
		Sizes:    sizes,
		Stats:    stats,
		Logger:   logger,
		Metrics:  metrics,
	})
	if err != nil {
		return err
	}
	defer func() { _ = alloc.Close() }()

	var balancer *balance.Balancer
	if cfg.Balance.Enabled && !sc.noBalance {
		balancer = balance.New(alloc, alloc.Table(), stats, balance.Config{
			MinCachePercent: cfg.Balance.MinCachePercent,
			Logger:          logger,
			Metrics:         metrics,
		})
	}

	coord := cycle.New(alloc, balancer, stats, cycle.Config{Logger: logger})

	w := &workload{
		alloc:      alloc,
		coord:      coord,
		sizes:      sizes,
		rng:        rand.New(rand.NewSource(sc.seed)),
		workBytes:  uint64(float64(capacity) * sc.workShare),
		iterations: sc.iterations,
		cycleEvery: sc.cycleEvery,
	}

	result, err := w.run(ctx)
	if err != nil {
		return err
	}

	result.Balanced = balancer != nil
	result.Cycles = coord.Cycles()
	result.Stalls = alloc.StallCount()
	result.Flushes = alloc.FlushCount()
	result.Reclaimed = alloc.ReclaimedBytes()
	result.Capacity = capacity

	alloc.Lock()
	result.CacheSmall = alloc.Cache().CountSmall()
	result.CacheMedium = alloc.Cache().CountMedium()
	result.CacheBytes = alloc.Cache().Bytes()
	alloc.Unlock()

	renderReport(sc.out, result)

	if sc.plotPath != "" {
		if err := writePlot(sc.plotPath, result); err != nil {
			return err
		}

		fmt.Fprintf(sc.out, "cache composition chart written to %s\n", sc.plotPath)
	}

	if !result.Passed() {
		return fmt.Errorf("%w: %d stalls, %d flushes", ErrStressFailed, result.Stalls, result.Flushes)
	}

	return nil
}

func serveMetrics(addr string, handler http.Handler, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)

	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server failed", "error", err)
	}
}

// Sample is one point of the cache composition timeline.
type Sample struct {
	Iteration   int
	CacheSmall  uint64
	CacheMedium uint64
}

// Result aggregates the workload outcome for reporting.
type Result struct {
	Balanced     bool
	Iterations   int
	Cycles       uint64
	Stalls       uint64
	Flushes      uint64
	StallRetries int
	Reclaimed    uint64
	Capacity     uint64
	CacheSmall   uint64
	CacheMedium  uint64
	CacheBytes   uint64
	Samples      []Sample
}

// Passed reports whether the workload ran without stalls or flushes.
func (r Result) Passed() bool {
	return r.Stalls == 0 && r.Flushes == 0
}

// workload maintains two page working sets and drifts their byte split.
type workload struct {
	alloc      *heap.Allocator
	coord      *cycle.Coordinator
	sizes      sizeclass.Sizes
	rng        *rand.Rand
	workBytes  uint64
	iterations int
	cycleEvery int

	small  []*page.Page
	medium []*page.Page

	stallRetries int
}

func (w *workload) run(ctx context.Context) (Result, error) {
	result := Result{Iterations: w.iterations}

	for i := range w.iterations {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		smallTarget, mediumTarget := w.targets(i)

		w.releaseSurplus(&w.small, smallTarget)
		w.releaseSurplus(&w.medium, mediumTarget)

		if err := w.allocate(ctx, smallTarget, mediumTarget); err != nil {
			return result, err
		}

		if (i+1)%w.cycleEvery == 0 {
			if err := w.coord.RunCycle(ctx); err != nil {
				return result, err
			}
		}

		if (i+1)%defaultSampleEvery == 0 {
			result.Samples = append(result.Samples, w.sample(i))
		}
	}

	w.releaseAll()
	result.StallRetries = w.stallRetries

	return result, nil
}

// targets returns the per-class byte budgets at iteration i. The small
// share holds at its start value through the first half, then drifts
// linearly to its end value.
func (w *workload) targets(i int) (smallBytes, mediumBytes uint64) {
	progress := float64(i) / float64(w.iterations)

	share := startSmallShare

	switch {
	case progress >= shiftEndFraction:
		share = endSmallShare
	case progress > shiftStartFraction:
		t := (progress - shiftStartFraction) / (shiftEndFraction - shiftStartFraction)
		share = startSmallShare + t*(endSmallShare-startSmallShare)
	}

	smallBytes = uint64(float64(w.workBytes) * share)
	mediumBytes = w.workBytes - smallBytes

	return smallBytes, mediumBytes
}

// releaseSurplus returns randomly chosen pages to the cache until the held
// bytes fit the target. Releases are rate-limited so a target jump drains
// gradually, the way a real heap turns over garbage.
func (w *workload) releaseSurplus(held *[]*page.Page, targetBytes uint64) {
	for released := 0; released < maxReleasesPerIter; released++ {
		if len(*held) == 0 {
			return
		}

		size := (*held)[0].Size()
		if uint64(len(*held))*size <= targetBytes {
			return
		}

		idx := w.rng.Intn(len(*held))
		victim := (*held)[idx]
		(*held)[idx] = (*held)[len(*held)-1]
		*held = (*held)[:len(*held)-1]

		w.alloc.ReleasePage(victim, true)
	}
}

// allocate grows whichever class is below its budget, or churns one page of
// a random class when both budgets are met.
func (w *workload) allocate(ctx context.Context, smallTarget, mediumTarget uint64) error {
	smallHeld := uint64(len(w.small)) * w.sizes.Small
	mediumHeld := uint64(len(w.medium)) * w.sizes.Medium

	switch {
	case smallHeld+w.sizes.Small <= smallTarget:
		return w.allocInto(ctx, sizeclass.Small, &w.small)
	case mediumHeld+w.sizes.Medium <= mediumTarget:
		return w.allocInto(ctx, sizeclass.Medium, &w.medium)
	default:
		return w.churn(ctx, smallTarget, mediumTarget)
	}
}

// churn replaces one held page with a fresh one of the same class,
// modelling object death and reallocation.
func (w *workload) churn(ctx context.Context, smallTarget, mediumTarget uint64) error {
	pickSmall := w.rng.Int63n(int64(smallTarget+mediumTarget+1)) < int64(smallTarget)

	held := &w.small
	class := sizeclass.Small

	if (!pickSmall && len(w.medium) > 0) || len(w.small) == 0 {
		held = &w.medium
		class = sizeclass.Medium
	}

	if len(*held) == 0 {
		return nil
	}

	idx := w.rng.Intn(len(*held))
	w.alloc.ReleasePage((*held)[idx], true)
	(*held)[idx] = (*held)[len(*held)-1]
	*held = (*held)[:len(*held)-1]

	return w.allocInto(ctx, class, held)
}

// allocInto allocates one page with a collect-and-retry loop around
// allocation stalls, the contract ErrAllocationStall demands.
func (w *workload) allocInto(ctx context.Context, class sizeclass.Class, held *[]*page.Page) error {
	for attempt := 0; ; attempt++ {
		p, err := w.alloc.AllocPage(class)
		if err == nil {
			w.touch(p)
			*held = append(*held, p)

			return nil
		}

		if !errors.Is(err, heap.ErrAllocationStall) || attempt >= stallRetryLimit {
			return err
		}

		w.stallRetries++

		if err := w.coord.RunCycle(ctx); err != nil {
			return err
		}
	}
}

// touch performs a handful of bump allocations so pages carry live state.
func (w *workload) touch(p *page.Page) {
	objectSize := p.Size() / 8

	for p.BumpAlloc(objectSize) {
	}
}

func (w *workload) sample(i int) Sample {
	w.alloc.Lock()
	defer w.alloc.Unlock()

	return Sample{
		Iteration:   i + 1,
		CacheSmall:  w.alloc.Cache().CountSmall(),
		CacheMedium: w.alloc.Cache().CountMedium(),
	}
}

func (w *workload) releaseAll() {
	for _, p := range w.small {
		w.alloc.ReleasePage(p, true)
	}

	for _, p := range w.medium {
		w.alloc.ReleasePage(p, true)
	}

	w.small = nil
	w.medium = nil
}
