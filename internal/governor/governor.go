// Package governor enforces resource ceilings for the engine: bounded
// list sizes, tracked subscriptions and timers with cleanup, and
// throttling of redundant change-notification rebuilds.
package governor

import (
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/mikedesigns-nvisia/spiralsync/internal/core"
)

// Config holds governor tuning knobs.
type Config struct {
	// MaxSubscriptions and MaxTimers cap tracked long-lived resources.
	// Registering past a cap first sweeps inactive entries (defaults:
	// 100 each).
	MaxSubscriptions int
	MaxTimers        int

	// ThrottleWindow is the per-key minimum interval between rebuild
	// notifications (default: 100ms).
	ThrottleWindow time.Duration

	// PressureBudget bounds how long HandleMemoryPressure may run
	// (default: 50ms).
	PressureBudget time.Duration

	// Logger for governor activity. If nil, a stderr logger is used.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxSubscriptions: 100,
		MaxTimers:        100,
		ThrottleWindow:   100 * time.Millisecond,
		PressureBudget:   50 * time.Millisecond,
	}
}

// Resource is a tracked long-lived handle. IsActive reports whether the
// owner still needs it; Stop releases it. Both must be safe to call from
// the governor's goroutine.
type Resource struct {
	Label    string
	IsActive func() bool
	Stop     func()
}

// Governor tracks resources and enforces ceilings.
type Governor struct {
	config *Config
	logger *log.Logger

	mu            sync.Mutex
	nextID        int
	subscriptions map[int]Resource
	timers        map[int]Resource
	lastRebuild   map[string]time.Time
	throttled     uint64
	releases      uint64
}

// New creates a governor. A nil config uses defaults.
func New(config *Config) *Governor {
	if config == nil {
		config = DefaultConfig()
	}
	if config.MaxSubscriptions <= 0 {
		config.MaxSubscriptions = DefaultConfig().MaxSubscriptions
	}
	if config.MaxTimers <= 0 {
		config.MaxTimers = DefaultConfig().MaxTimers
	}
	if config.ThrottleWindow <= 0 {
		config.ThrottleWindow = DefaultConfig().ThrottleWindow
	}
	if config.PressureBudget <= 0 {
		config.PressureBudget = DefaultConfig().PressureBudget
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[governor] ", log.LstdFlags)
	}
	return &Governor{
		config:        config,
		logger:        logger,
		subscriptions: make(map[int]Resource),
		timers:        make(map[int]Resource),
		lastRebuild:   make(map[string]time.Time),
	}
}

// OptimizeCoreList returns at most maxItems cores, keeping the
// highest-relevance entries and preserving their input order. Relevance
// favors recently updated cores and higher current levels. Runs in
// O(n log n).
func OptimizeCoreList(list []*core.Core, maxItems int) []*core.Core {
	if maxItems <= 0 {
		return nil
	}
	if len(list) <= maxItems {
		out := make([]*core.Core, len(list))
		copy(out, list)
		return out
	}

	now := time.Now()
	idx := make([]int, len(list))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool {
		return relevance(list[idx[a]], now) > relevance(list[idx[b]], now)
	})

	keep := make(map[int]bool, maxItems)
	for _, i := range idx[:maxItems] {
		keep[i] = true
	}

	out := make([]*core.Core, 0, maxItems)
	for i, c := range list {
		if keep[i] {
			out = append(out, c)
		}
	}
	return out
}

// relevance scores a core for retention: recency decays over an hour,
// weighted alongside the current level.
func relevance(c *core.Core, now time.Time) float64 {
	age := now.Sub(c.LastUpdated).Seconds()
	if age < 0 {
		age = 0
	}
	return 1.0/(1.0+age/3600.0) + 0.5*c.CurrentLevel
}

// RegisterSubscription tracks a long-lived subscription and returns a
// handle id for release. At the ceiling, inactive entries are swept
// first; if the ceiling still holds, registration proceeds with a
// warning rather than silently leaking untracked.
func (g *Governor) RegisterSubscription(r Resource) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.subscriptions) >= g.config.MaxSubscriptions {
		swept := g.sweepLocked(g.subscriptions)
		if swept == 0 {
			g.logger.Printf("Warning: subscription ceiling (%d) reached, %q registered anyway", g.config.MaxSubscriptions, r.Label)
		}
	}
	g.nextID++
	g.subscriptions[g.nextID] = r
	return g.nextID
}

// RegisterTimer tracks a long-lived timer. Same ceiling semantics as
// RegisterSubscription.
func (g *Governor) RegisterTimer(r Resource) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.timers) >= g.config.MaxTimers {
		swept := g.sweepLocked(g.timers)
		if swept == 0 {
			g.logger.Printf("Warning: timer ceiling (%d) reached, %q registered anyway", g.config.MaxTimers, r.Label)
		}
	}
	g.nextID++
	g.timers[g.nextID] = r
	return g.nextID
}

// Release stops and forgets a tracked resource by handle id.
func (g *Governor) Release(id int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if r, ok := g.subscriptions[id]; ok {
		g.stopLocked(r)
		delete(g.subscriptions, id)
		return
	}
	if r, ok := g.timers[id]; ok {
		g.stopLocked(r)
		delete(g.timers, id)
	}
}

// CleanupInactiveSubscriptions releases every tracked subscription whose
// IsActive reports false and returns how many were released.
func (g *Governor) CleanupInactiveSubscriptions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sweepLocked(g.subscriptions)
}

// CleanupInactiveTimers releases every tracked timer whose IsActive
// reports false and returns how many were released.
func (g *Governor) CleanupInactiveTimers() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sweepLocked(g.timers)
}

// sweepLocked releases inactive entries from one resource map. Caller
// holds g.mu.
func (g *Governor) sweepLocked(resources map[int]Resource) int {
	released := 0
	for id, r := range resources {
		if r.IsActive != nil && r.IsActive() {
			continue
		}
		g.stopLocked(r)
		delete(resources, id)
		released++
	}
	return released
}

func (g *Governor) stopLocked(r Resource) {
	if r.Stop != nil {
		r.Stop()
	}
	g.releases++
}

// ShouldThrottleRebuild reports whether a change-notification rebuild
// for key should be skipped because one already ran within the throttle
// window. The first call per window is allowed.
func (g *Governor) ShouldThrottleRebuild(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	if last, ok := g.lastRebuild[key]; ok && now.Sub(last) < g.config.ThrottleWindow {
		g.throttled++
		return true
	}
	g.lastRebuild[key] = now
	return false
}

// PressureReport summarizes one HandleMemoryPressure pass.
type PressureReport struct {
	SubscriptionsReleased int
	TimersReleased        int
	ThrottleKeysPruned    int
	Elapsed               time.Duration
}

// HandleMemoryPressure force-sweeps inactive resources and prunes stale
// throttle state. Work is checked against the configured time budget
// between phases so the call stays fast under load.
func (g *Governor) HandleMemoryPressure() PressureReport {
	start := time.Now()
	deadline := start.Add(g.config.PressureBudget)
	var report PressureReport

	g.mu.Lock()
	defer g.mu.Unlock()

	report.SubscriptionsReleased = g.sweepLocked(g.subscriptions)
	if time.Now().Before(deadline) {
		report.TimersReleased = g.sweepLocked(g.timers)
	}
	if time.Now().Before(deadline) {
		cutoff := start.Add(-g.config.ThrottleWindow)
		for key, last := range g.lastRebuild {
			if last.Before(cutoff) {
				delete(g.lastRebuild, key)
				report.ThrottleKeysPruned++
			}
		}
	}

	report.Elapsed = time.Since(start)
	if report.SubscriptionsReleased+report.TimersReleased > 0 {
		g.logger.Printf("Memory pressure: released %d subscriptions, %d timers in %v",
			report.SubscriptionsReleased, report.TimersReleased, report.Elapsed)
	}
	return report
}

// Stats reports governor counters and current resource counts.
type Stats struct {
	Subscriptions int    `json:"subscriptions"`
	Timers        int    `json:"timers"`
	Throttled     uint64 `json:"throttled"`
	Releases      uint64 `json:"releases"`
}

// Statistics returns a snapshot of tracked resource counts.
func (g *Governor) Statistics() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Stats{
		Subscriptions: len(g.subscriptions),
		Timers:        len(g.timers),
		Throttled:     g.throttled,
		Releases:      g.releases,
	}
}
