// Package balance converts cached pages of one size class into the other so
// future allocations and relocations are served from the page cache instead
// of forcing cache flushes or allocation stalls.
//
// A balance invocation runs twice per collection cycle on the collector's
// background goroutine: once before relocation (guaranteeing to-space can
// come from cache) and once after (matching the cache's shape to the
// observed allocation rates). Each invocation decides a target page count per
// class under a lower-bound constraint, loans the surplus pages out of the
// cache, and rebuilds them as pages of the other class.
//
// Cache capacity in bytes is conserved by construction: every target pair is
// computed to sum to exactly the bytes currently cached, and the conversion
// recreates debtor pages from the physical memory freed by the loaner side.
// A computed target that breaks conservation means the bookkeeping itself is
// inconsistent, and the process aborts rather than continue with corrupted
// accounting.
package balance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/regentmm/regent/internal/heap"
	"github.com/regentmm/regent/internal/page"
	"github.com/regentmm/regent/pkg/observability"
	"github.com/regentmm/regent/pkg/sizeclass"
)

// rateEpsilon keeps the rate ratio defined when both classes report a zero
// allocation rate.
const rateEpsilon = 0.1

// percentDivisor is used for percentage calculations.
const percentDivisor = 100

// Stats is the slice of collection statistics the decision reads.
type Stats interface {
	// IsWarm reports whether enough cycles have completed to trust the
	// rate averages.
	IsWarm() bool

	// SmallAvg returns the small-class allocation rate in bytes per second.
	SmallAvg() float64

	// MediumAvg returns the medium-class allocation rate in bytes per second.
	MediumAvg() float64
}

// Request parameterizes one balance invocation.
type Request struct {
	// BeforeRelocation selects which invocation this is. Before relocation
	// the lower bound is raised to the relocation's to-space selection and
	// rate matching is disabled; after relocation it is the reverse.
	BeforeRelocation bool

	// SmallSelectedTo and MediumSelectedTo are the page counts the
	// relocation phase has selected as its to-space reservation. Only
	// meaningful before relocation.
	SmallSelectedTo  uint64
	MediumSelectedTo uint64
}

// phase names the invocation in logs.
func (r Request) phase() string {
	if r.BeforeRelocation {
		return "Before Relocation"
	}

	return "After Relocation"
}

// Config carries the balancer's tuning knobs.
type Config struct {
	// MinCachePercent is the percentage of heap capacity each class's
	// cached bytes may not drop below.
	MinCachePercent float64

	// Logger receives phase and decision logs. Optional.
	Logger *slog.Logger

	// Metrics receives balance counters. Optional.
	Metrics *observability.Metrics
}

// Balancer rebalances the page cache of one allocator. It keeps no state
// between invocations; every cycle re-evaluates from fresh statistics.
type Balancer struct {
	allocator       *heap.Allocator
	table           *page.Table
	stats           Stats
	minCachePercent float64
	logger          *slog.Logger
	metrics         *observability.Metrics
}

// New builds a balancer over the given allocator, page table, and statistics.
func New(allocator *heap.Allocator, table *page.Table, stats Stats, cfg Config) *Balancer {
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observability.NopMetrics()
	}

	return &Balancer{
		allocator:       allocator,
		table:           table,
		stats:           stats,
		minCachePercent: cfg.MinCachePercent,
		logger:          observability.Component(cfg.Logger, "balancer"),
		metrics:         metrics,
	}
}

// plan is a decided conversion: the loaned pages and the exact counts the
// executor must produce. Invocation-scoped; the loaner list is fully drained
// before Balance returns.
type plan struct {
	loaners     page.List
	loanerClass sizeclass.Class
	debtorClass sizeclass.Class
	loanerCount uint64
	debtorCount uint64
}

// Balance runs one rebalance invocation: decide, and convert if worthwhile.
// Returns true when pages were converted.
func (b *Balancer) Balance(req Request) bool {
	start := time.Now()

	defer func() {
		elapsed := time.Since(start)
		b.metrics.BalanceDuration.Record(context.Background(), float64(elapsed.Microseconds())/1e3)
		b.logger.Info("Balance Page Cache "+req.phase(),
			slog.Duration("duration", elapsed))
	}()

	p, ok := b.decide(req)
	if !ok {
		return false
	}

	b.convert(p)

	return true
}

// decide computes target page counts and, when a conversion is worthwhile,
// loans the surplus pages out of the cache while still holding the allocator
// lock, so no concurrent allocation can claim them after they are earmarked.
func (b *Balancer) decide(req Request) (plan, bool) {
	// A cold collector serves allocation from free memory rather than by
	// flushing cache, and its rate averages are noise. Skip without
	// touching the lock.
	if !b.stats.IsWarm() {
		b.logger.Debug("skipping balance: collector is not warm yet")
		b.metrics.BalanceOps.Add(context.Background(), 1,
			observability.WithOutcome(observability.OutcomeSkippedCold))

		return plan{}, false
	}

	b.allocator.Lock()
	defer b.allocator.Unlock()

	var (
		sizes           = b.allocator.Sizes()
		cache           = b.allocator.Cache()
		availableSmall  = cache.CountSmall()
		availableMedium = cache.CountMedium()
		availableBytes  = sizes.TotalSize(availableSmall, availableMedium)
	)

	minimalMedium := b.minimal(req, sizeclass.Medium)
	minimalSmall := b.minimal(req, sizeclass.Small)

	// The lower bounds alone must fit in what is cached, or no target can
	// both respect them and conserve capacity.
	if sizes.TotalSize(minimalSmall, minimalMedium) > availableBytes {
		b.logger.Debug("skipping balance: lower bounds exceed available page cache",
			slog.Uint64("minimal_small", minimalSmall),
			slog.Uint64("minimal_medium", minimalMedium),
			slog.Uint64("available_bytes", availableBytes))
		b.metrics.BalanceOps.Add(context.Background(), 1,
			observability.WithOutcome(observability.OutcomeSkippedInfeasible))

		return plan{}, false
	}

	smallRate := b.stats.SmallAvg()
	mediumRate := b.stats.MediumAvg()
	b.logger.Debug("allocation rates",
		slog.Float64("small_bps", smallRate),
		slog.Float64("medium_bps", mediumRate))

	optimalMedium := b.optimalMedium(req, availableMedium, availableBytes, smallRate, mediumRate)
	optimalSmall := b.optimalSmall(req, availableSmall, availableBytes, optimalMedium)

	if got := sizes.TotalSize(optimalSmall, optimalMedium); got != availableBytes {
		panic(fmt.Sprintf("balance: optimum (%d small, %d medium) holds %d bytes, cache holds %d",
			optimalSmall, optimalMedium, got, availableBytes))
	}

	targetSmall, targetMedium := b.reconcile(
		availableBytes, optimalSmall, optimalMedium, minimalSmall, minimalMedium)

	if got := sizes.TotalSize(targetSmall, targetMedium); got != availableBytes {
		panic(fmt.Sprintf("balance: target (%d small, %d medium) holds %d bytes, cache holds %d",
			targetSmall, targetMedium, got, availableBytes))
	}

	// By conservation, equal medium counts imply equal small counts: no
	// page would move.
	if targetMedium == availableMedium {
		b.logger.Debug("skipping balance: target equals availability, no page would move")
		b.metrics.BalanceOps.Add(context.Background(), 1,
			observability.WithOutcome(observability.OutcomeSkippedNoop))

		return plan{}, false
	}

	b.logger.Debug("page cache targets",
		slog.Uint64("small_before", availableSmall),
		slog.Uint64("small_after", targetSmall),
		slog.Uint64("medium_before", availableMedium),
		slog.Uint64("medium_after", targetMedium))

	p := b.direction(availableSmall, availableMedium, targetSmall, targetMedium)

	// Loan the surplus pages while the lock is held. From here on they are
	// exclusively owned by this invocation.
	p.loaners = cache.Loan(p.loanerClass, p.loanerCount)

	return p, true
}

// minimal computes the lower bound for one class: at least one page, at least
// MinCachePercent of heap capacity, and before relocation at least the
// relocation's to-space selection for that class.
func (b *Balancer) minimal(req Request, class sizeclass.Class) uint64 {
	classSize := b.allocator.Sizes().Of(class)
	bound := uint64(float64(b.allocator.Capacity()) * b.minCachePercent / percentDivisor / float64(classSize))
	bound = max(bound, 1)

	if req.BeforeRelocation {
		selected := req.SmallSelectedTo
		if class == sizeclass.Medium {
			selected = req.MediumSelectedTo
		}

		bound = max(bound, selected)
	}

	return bound
}

// optimalMedium computes the rate-matching medium page count. Rate matching
// is an after-relocation concern: before relocation the optimum is the
// current availability, because the priority there is the relocation's own
// to-space need.
func (b *Balancer) optimalMedium(req Request, availableMedium, availableBytes uint64, smallRate, mediumRate float64) uint64 {
	if req.BeforeRelocation {
		return availableMedium
	}

	predictedRatio := mediumRate / (mediumRate + smallRate + rateEpsilon)

	return uint64(float64(availableBytes) * predictedRatio / float64(b.allocator.Sizes().Medium))
}

// optimalSmall fills the bytes left over by the optimal medium count.
func (b *Balancer) optimalSmall(req Request, availableSmall, availableBytes, optimalMedium uint64) uint64 {
	if req.BeforeRelocation {
		return availableSmall
	}

	return b.allocator.Sizes().MaxSmallForMedium(availableBytes, optimalMedium)
}

// reconcile adjusts the optimum to the lower bounds. At most one class can be
// below its bound once the feasibility check passed; both below at once means
// the arithmetic itself is broken.
func (b *Balancer) reconcile(availableBytes, optimalSmall, optimalMedium, minimalSmall, minimalMedium uint64) (targetSmall, targetMedium uint64) {
	sizes := b.allocator.Sizes()

	switch {
	case optimalMedium >= minimalMedium && optimalSmall >= minimalSmall:
		return optimalSmall, optimalMedium

	case optimalMedium < minimalMedium:
		targetMedium = minimalMedium
		targetSmall = sizes.MaxSmallForMedium(availableBytes, targetMedium)

		if targetSmall < minimalSmall {
			panic(fmt.Sprintf("balance: raising medium to its bound %d drops small to %d, below its bound %d",
				minimalMedium, targetSmall, minimalSmall))
		}

		return targetSmall, targetMedium

	case optimalSmall < minimalSmall:
		// The largest medium count that still reserves minimalSmall
		// small pages' worth of bytes. minimalMedium is a feasible
		// value, so the maximum is at least minimalMedium.
		targetMedium = sizes.MaxMediumForSmall(availableBytes, minimalSmall)
		if targetMedium < minimalMedium {
			panic(fmt.Sprintf("balance: medium count %d for %d reserved small pages is below its bound %d",
				targetMedium, minimalSmall, minimalMedium))
		}

		// (minimalSmall, targetMedium) may leave a remainder smaller
		// than a medium page; grow small to fill it exactly.
		targetSmall = sizes.MaxSmallForMedium(availableBytes, targetMedium)
		if targetSmall < minimalSmall {
			panic(fmt.Sprintf("balance: small count %d is below its bound %d after filling remainder",
				targetSmall, minimalSmall))
		}

		return targetSmall, targetMedium

	default:
		panic("balance: reconciliation reached with both classes below their bounds")
	}
}

// direction determines which class loans pages and which gains them.
// Exactly one class's target exceeds its availability; conservation makes
// both-above and both-below impossible.
func (b *Balancer) direction(availableSmall, availableMedium, targetSmall, targetMedium uint64) plan {
	if targetSmall > availableSmall {
		return plan{
			debtorClass: sizeclass.Small,
			debtorCount: targetSmall - availableSmall,
			loanerClass: sizeclass.Medium,
			loanerCount: availableMedium - targetMedium,
		}
	}

	return plan{
		debtorClass: sizeclass.Medium,
		debtorCount: targetMedium - availableMedium,
		loanerClass: sizeclass.Small,
		loanerCount: availableSmall - targetSmall,
	}
}
