// Package engine is the composition root: it wires the cache, the
// durable offline queue, the sync coordinator, and the memory governor
// into one store with optimistic local writes and change notifications.
//
// Writes are applied to the cache immediately so read-after-write is
// visible before the background pass persists the authoritative state.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	gosync "sync"
	"time"

	"github.com/mikedesigns-nvisia/spiralsync/internal/cache"
	"github.com/mikedesigns-nvisia/spiralsync/internal/core"
	"github.com/mikedesigns-nvisia/spiralsync/internal/db"
	"github.com/mikedesigns-nvisia/spiralsync/internal/governor"
	"github.com/mikedesigns-nvisia/spiralsync/internal/queue"
	"github.com/mikedesigns-nvisia/spiralsync/internal/sync"
	"github.com/mikedesigns-nvisia/spiralsync/internal/transport"
)

// Config holds engine-level tuning plus the configs of the composed
// components. Nil sub-configs use their package defaults.
type Config struct {
	// EventBuffer is the per-subscriber event channel depth
	// (default: 64).
	EventBuffer int

	// DefaultPriority is the queue priority for ordinary user writes
	// (default: 5). Analysis deltas enqueue at DefaultPriority - 1.
	DefaultPriority int

	Cache    *cache.Config
	Queue    *queue.Config
	Sync     *sync.Config
	Governor *governor.Config

	// Logger for engine activity. If nil, a stderr logger is used.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		EventBuffer:     64,
		DefaultPriority: 5,
	}
}

// AnalysisDelta is one tuple from the analysis collaborator: a relative
// level contribution for a core, with an optional trend hint and
// insight text.
type AnalysisDelta struct {
	CoreID     string     `json:"core_id"`
	LevelDelta float64    `json:"level_delta"`
	TrendHint  core.Trend `json:"trend_hint,omitempty"`
	Insight    string     `json:"insight,omitempty"`
}

// Engine is the core store.
type Engine struct {
	db          *db.DB
	cache       *cache.CoreCache
	queue       *queue.OfflineQueue
	coordinator *sync.Coordinator
	governor    *governor.Governor
	bus         *Bus
	config      *Config
	logger      *log.Logger
}

// Open builds a fully wired engine over the database at path, using the
// given transport for remote persistence. The schema is initialized if
// missing.
func Open(path string, tr transport.Transport, config *Config) (*Engine, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.DefaultPriority <= 0 {
		config.DefaultPriority = DefaultConfig().DefaultPriority
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}

	database, err := db.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := database.InitSchema(); err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	bus := NewBus(config.EventBuffer, logger)
	// The coordinator repairs the cache with each confirmed snapshot, so
	// optimistic values the change limiter rejected do not linger.
	snapshots := cache.New(config.Cache)
	coordinator := sync.New(database, tr, bus, snapshots, config.Sync)
	offlineQueue := queue.New(database, coordinator, config.Queue)

	return &Engine{
		db:          database,
		cache:       snapshots,
		queue:       offlineQueue,
		coordinator: coordinator,
		governor:    governor.New(config.Governor),
		bus:         bus,
		config:      config,
		logger:      logger,
	}, nil
}

// Close releases the underlying database.
func (e *Engine) Close() error {
	e.governor.HandleMemoryPressure()
	return e.db.Close()
}

// UpdateCore applies a user-initiated mutation: validate, write the
// snapshot to the cache optimistically, and enqueue it for the
// background pass. The caller sees the new state on the next read even
// before the coordinator persists it.
func (e *Engine) UpdateCore(ctx context.Context, c *core.Core) error {
	if c == nil {
		return fmt.Errorf("%w: core is nil", core.ErrValidation)
	}
	c.CurrentLevel = core.ClampLevel(c.CurrentLevel)
	if err := c.Validate(); err != nil {
		return err
	}

	u := core.NewQueuedUpdate(c.ID, core.UpdatePayload{
		Level:   c.CurrentLevel,
		Insight: c.Insight,
	}, e.config.DefaultPriority)

	// Optimistic write: visible to readers immediately. The queue row
	// is durable before we return, so the mutation survives restarts.
	e.cache.Put(c)
	if err := e.queue.Enqueue(ctx, u, e.config.DefaultPriority); err != nil {
		return fmt.Errorf("failed to enqueue update: %w", err)
	}
	return nil
}

// ApplyAnalysis consumes one analysis tuple: the delta is applied to the
// current level, clamped, cached optimistically, and enqueued.
func (e *Engine) ApplyAnalysis(ctx context.Context, delta AnalysisDelta) error {
	if delta.CoreID == "" {
		return fmt.Errorf("%w: core_id is required", core.ErrValidation)
	}
	if delta.TrendHint != "" && !delta.TrendHint.Valid() {
		return fmt.Errorf("%w: unknown trend hint %q", core.ErrValidation, delta.TrendHint)
	}

	current, err := e.GetCoreByID(ctx, delta.CoreID)
	if err != nil {
		return err
	}

	target := core.ClampLevel(current.CurrentLevel + delta.LevelDelta)

	optimistic := current.Clone()
	optimistic.ApplyLevel(target, time.Now().UTC())
	if delta.Insight != "" {
		optimistic.Insight = delta.Insight
	}
	e.cache.Put(optimistic)

	u := core.NewQueuedUpdate(delta.CoreID, core.UpdatePayload{
		Level:      target,
		LevelDelta: delta.LevelDelta,
		TrendHint:  delta.TrendHint,
		Insight:    delta.Insight,
	}, e.config.DefaultPriority-1)
	if err := e.queue.Enqueue(ctx, u, e.config.DefaultPriority-1); err != nil {
		return fmt.Errorf("failed to enqueue analysis update: %w", err)
	}
	return nil
}

// GetCoreByID returns the current snapshot: cache first, then the
// authoritative store. Unknown well-known ids are materialized at
// baseline rather than failing, so fresh installs see the full set.
func (e *Engine) GetCoreByID(ctx context.Context, id string) (*core.Core, error) {
	if c, ok := e.cache.Get(id); ok {
		return c, nil
	}

	c, err := e.db.GetCore(ctx, id)
	if err == nil {
		e.cache.Put(c)
		return c.Clone(), nil
	}
	if !errors.Is(err, core.ErrNotFound) {
		return nil, err
	}

	for _, known := range core.WellKnownCoreIDs {
		if known == id {
			c = core.NewCore(id, displayName(id))
			e.cache.Put(c)
			return c, nil
		}
	}
	return nil, fmt.Errorf("core %s: %w", id, core.ErrNotFound)
}

// GetAllCores returns every persisted core plus any well-known core not
// yet persisted, materialized at baseline, so a fresh install sees the
// full set just as GetCoreByID does. The result is sorted by id and
// warms the cache.
func (e *Engine) GetAllCores(ctx context.Context) ([]*core.Core, error) {
	cores, err := e.db.ListCores(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(cores))
	out := make([]*core.Core, 0, len(cores)+len(core.WellKnownCoreIDs))
	for _, c := range cores {
		seen[c.ID] = true
		out = append(out, c.Clone())
	}
	for _, id := range core.WellKnownCoreIDs {
		if !seen[id] {
			out = append(out, core.NewCore(id, displayName(id)))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	e.cache.Warm(out)
	return out, nil
}

// ResetCore returns a core to its baseline level. The reset is applied
// to the authoritative store directly (a reset is not subject to the
// daily change limit), then propagated to the remote through the normal
// queue so the coordinator's no-op apply confirms it.
func (e *Engine) ResetCore(ctx context.Context, id string) error {
	c, err := e.GetCoreByID(ctx, id)
	if err != nil {
		return err
	}

	oldLevel := c.CurrentLevel
	c.Reset()

	if err := e.db.UpsertCore(ctx, c); err != nil {
		return fmt.Errorf("failed to persist reset: %w", err)
	}
	e.cache.Put(c)

	e.bus.Publish(sync.Event{
		Type:      sync.EventLevelUpdated,
		CoreID:    id,
		OldLevel:  oldLevel,
		NewLevel:  c.CurrentLevel,
		Trend:     c.Trend,
		Timestamp: time.Now().UTC(),
		Detail:    "reset to baseline",
	})

	u := core.NewQueuedUpdate(id, core.UpdatePayload{Level: c.CurrentLevel}, e.config.DefaultPriority)
	if err := e.queue.Enqueue(ctx, u, e.config.DefaultPriority); err != nil {
		return fmt.Errorf("failed to enqueue reset: %w", err)
	}
	return nil
}

// Subscribe returns a channel of change events and a cancel function.
// The subscription is tracked by the governor so leaked subscribers are
// swept under pressure.
func (e *Engine) Subscribe(label string) (<-chan sync.Event, func()) {
	ch, cancel := e.bus.Subscribe()

	var (
		mu     gosync.Mutex
		active = true
	)
	wrapped := func() {
		mu.Lock()
		defer mu.Unlock()
		if active {
			active = false
			cancel()
		}
	}
	e.governor.RegisterSubscription(governor.Resource{
		Label: label,
		IsActive: func() bool {
			mu.Lock()
			defer mu.Unlock()
			return active
		},
		Stop: wrapped,
	})
	return ch, wrapped
}

// ProcessPending drains the offline queue through the coordinator.
func (e *Engine) ProcessPending(ctx context.Context) ([]sync.Result, error) {
	return e.queue.Process(ctx)
}

// OnNetworkStatusChanged forwards connectivity transitions to the queue.
func (e *Engine) OnNetworkStatusChanged(connected bool) {
	e.queue.OnNetworkStatusChanged(connected)
}

// HandleMemoryPressure trims the cache and sweeps governed resources.
func (e *Engine) HandleMemoryPressure() {
	e.cache.HandleMemoryPressure()
	e.governor.HandleMemoryPressure()
}

// Coordinator exposes the sync coordinator for the daemon's tickers.
func (e *Engine) Coordinator() *sync.Coordinator { return e.coordinator }

// Governor exposes the resource governor.
func (e *Engine) Governor() *governor.Governor { return e.governor }

// Bus exposes the event bus for broadcast consumers.
func (e *Engine) Bus() *Bus { return e.bus }

// CacheStats reports cache hit/miss accounting.
func (e *Engine) CacheStats() cache.Stats { return e.cache.Stats() }

// SyncStats reports coordinator counters.
func (e *Engine) SyncStats() sync.Stats { return e.coordinator.Statistics() }

// QueueStatus reports queue depth and drain state.
func (e *Engine) QueueStatus(ctx context.Context) (queue.Status, error) {
	return e.queue.Status(ctx)
}

// displayName turns a kebab-case core id into a human-readable name.
func displayName(id string) string {
	words := strings.Split(id, "-")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
