// Package gcstat tracks the collector-side statistics the rebalancer decides
// on: per-class allocation rates and how many collection cycles have
// completed. Rates are windowed samples folded into an exponentially weighted
// moving average, so one bursty window does not dominate the target
// computation.
package gcstat

import (
	"sync"
	"sync/atomic"
	"time"
)

// Defaults for rate tracking and warm-up.
const (
	// DefaultWindow is the sampling window folded into the average.
	DefaultWindow = time.Second

	// DefaultAlpha is the EWMA smoothing factor: the weight of the most
	// recent window.
	DefaultAlpha = 0.3

	// DefaultWarmupCycles is how many cycles must complete before the
	// statistics are trusted for balancing decisions.
	DefaultWarmupCycles = 3
)

// Rate tracks a byte-per-second allocation rate for one page class.
// Safe for concurrent sampling from allocation paths.
type Rate struct {
	mu          sync.Mutex
	window      time.Duration
	alpha       float64
	avg         float64 // Bytes per second.
	bucket      uint64  // Bytes sampled in the open window.
	windowStart time.Time
	primed      bool
	now         func() time.Time
}

// NewRate builds a rate tracker with the given window and smoothing factor.
func NewRate(window time.Duration, alpha float64) *Rate {
	r := &Rate{
		window: window,
		alpha:  alpha,
		now:    time.Now,
	}
	r.windowStart = r.now()

	return r
}

// Sample records bytes allocated now, rolling the window first if it has
// elapsed.
func (r *Rate) Sample(bytes uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.roll(r.now())
	r.bucket += bytes
}

// Avg returns the current average rate in bytes per second.
func (r *Rate) Avg() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.roll(r.now())

	return r.avg
}

// roll folds every fully elapsed window into the average. Empty windows decay
// the average toward zero, so a class that stops allocating loses its claim on
// the cache.
func (r *Rate) roll(now time.Time) {
	for now.Sub(r.windowStart) >= r.window {
		observed := float64(r.bucket) / r.window.Seconds()

		if !r.primed {
			r.avg = observed
			r.primed = true
		} else {
			r.avg = r.alpha*observed + (1-r.alpha)*r.avg
		}

		r.bucket = 0
		r.windowStart = r.windowStart.Add(r.window)
	}
}

// Cycle counts completed collection cycles and answers the warm-up question.
type Cycle struct {
	completed    atomic.Uint64
	warmupCycles uint64
}

// NewCycle builds a cycle tracker that becomes warm after warmupCycles
// completed cycles.
func NewCycle(warmupCycles uint64) *Cycle {
	return &Cycle{warmupCycles: warmupCycles}
}

// CycleCompleted records the end of one collection cycle.
func (c *Cycle) CycleCompleted() {
	c.completed.Add(1)
}

// Completed returns the number of completed cycles.
func (c *Cycle) Completed() uint64 {
	return c.completed.Load()
}

// IsWarm reports whether enough cycles have completed for the rate averages
// to be trusted.
func (c *Cycle) IsWarm() bool {
	return c.completed.Load() >= c.warmupCycles
}

// Stats bundles the per-class rates and the cycle tracker.
type Stats struct {
	SmallRate  *Rate
	MediumRate *Rate
	Cycle      *Cycle
}

// New builds stats with the given warm-up threshold and default rate
// parameters.
func New(warmupCycles uint64) *Stats {
	return &Stats{
		SmallRate:  NewRate(DefaultWindow, DefaultAlpha),
		MediumRate: NewRate(DefaultWindow, DefaultAlpha),
		Cycle:      NewCycle(warmupCycles),
	}
}

// IsWarm reports whether the statistics have enough history to act on.
func (s *Stats) IsWarm() bool {
	return s.Cycle.IsWarm()
}

// SmallAvg returns the small-class allocation rate in bytes per second.
func (s *Stats) SmallAvg() float64 {
	return s.SmallRate.Avg()
}

// MediumAvg returns the medium-class allocation rate in bytes per second.
func (s *Stats) MediumAvg() float64 {
	return s.MediumRate.Avg()
}
