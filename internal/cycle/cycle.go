// Package cycle drives collection cycles against a heap allocator. Each
// cycle brackets the relocation phase with a page cache rebalance before and
// after, retires detached page objects, and advances the cycle counter that
// gates rate-based decisions.
package cycle

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/regentmm/regent/internal/balance"
	"github.com/regentmm/regent/internal/gcstat"
	"github.com/regentmm/regent/internal/heap"
	"github.com/regentmm/regent/pkg/observability"
)

// DefaultInterval paces the background cycle loop.
const DefaultInterval = 100 * time.Millisecond

// Hooks let the embedding program take part in a cycle. Both are optional.
type Hooks struct {
	// Select returns the relocation to-space reservation: how many pages
	// of each class the coming relocation intends to allocate.
	Select func() (smallTo, mediumTo uint64)

	// Relocate performs the relocation phase itself. It runs between the
	// two balance invocations, outside the allocator lock.
	Relocate func(ctx context.Context) error
}

// Config parameterizes a coordinator.
type Config struct {
	// Interval is the pacing of the background loop started by Start.
	// Zero means DefaultInterval.
	Interval time.Duration

	// Hooks are the embedding program's cycle participation points.
	Hooks Hooks

	// Logger receives cycle events. Optional.
	Logger *slog.Logger
}

// Coordinator runs collection cycles, either on demand through RunCycle or
// paced on a background goroutine through Start. At most one cycle runs at a
// time; Trigger folds into the running cycle when one is in flight.
type Coordinator struct {
	allocator *heap.Allocator
	balancer  *balance.Balancer
	stats     *gcstat.Stats
	hooks     Hooks
	interval  time.Duration
	logger    *slog.Logger

	cycleMu sync.Mutex
	cycles  atomic.Uint64

	startOnce sync.Once
	stopOnce  sync.Once
	trigger   chan struct{}
	done      chan struct{}
	wg        sync.WaitGroup
}

// New builds a coordinator. The balancer may be nil, in which case cycles
// skip rebalancing but still retire detached pages and advance the counter.
func New(allocator *heap.Allocator, balancer *balance.Balancer, stats *gcstat.Stats, cfg Config) *Coordinator {
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}

	return &Coordinator{
		allocator: allocator,
		balancer:  balancer,
		stats:     stats,
		hooks:     cfg.Hooks,
		interval:  interval,
		logger:    observability.Component(cfg.Logger, "cycle"),
		trigger:   make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
}

// Cycles returns the number of cycles this coordinator has completed.
func (c *Coordinator) Cycles() uint64 {
	return c.cycles.Load()
}

// RunCycle executes one full collection cycle. Concurrent callers serialize.
func (c *Coordinator) RunCycle(ctx context.Context) error {
	c.cycleMu.Lock()
	defer c.cycleMu.Unlock()

	start := time.Now()

	var smallTo, mediumTo uint64
	if c.hooks.Select != nil {
		smallTo, mediumTo = c.hooks.Select()
	}

	if c.balancer != nil {
		c.balancer.Balance(balance.Request{
			BeforeRelocation: true,
			SmallSelectedTo:  smallTo,
			MediumSelectedTo: mediumTo,
		})
	}

	if c.hooks.Relocate != nil {
		if err := c.hooks.Relocate(ctx); err != nil {
			return fmt.Errorf("relocate: %w", err)
		}
	}

	if c.balancer != nil {
		c.balancer.Balance(balance.Request{BeforeRelocation: false})
	}

	c.allocator.FreeDetached()
	c.stats.Cycle.CycleCompleted()
	c.cycles.Add(1)

	c.logger.Debug("cycle completed",
		"cycle", c.cycles.Load(),
		"duration", time.Since(start),
		"small_selected_to", smallTo,
		"medium_selected_to", mediumTo)

	return nil
}

// Start launches the background cycle loop. Cycles run every interval and
// immediately on Trigger. Stop ends the loop.
func (c *Coordinator) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		c.wg.Add(1)

		go c.loop(ctx)
	})
}

// Trigger requests an immediate cycle from the background loop. A pending
// request is not queued twice.
func (c *Coordinator) Trigger() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// Stop ends the background loop and waits for an in-flight cycle to finish.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)
	})

	c.wg.Wait()
}

func (c *Coordinator) loop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-c.trigger:
		}

		if err := c.RunCycle(ctx); err != nil {
			c.logger.Error("cycle failed", "error", err)
		}
	}
}
