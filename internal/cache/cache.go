// Package cache provides the bounded in-memory snapshot cache for cores.
//
// Entries are read-mostly copies of authoritative state: they are
// invalidated, never mutated in place, once a conflicting authoritative
// update lands. Every snapshot is rebuildable from the database, so
// eviction is always safe.
//
// Large insight text is stored gzip-compressed so the cached
// representation stays smaller than the raw core for any non-trivial
// entry. Eviction under pressure uses a recency/relevance score rather
// than FIFO because the core set is small and some entries are pinned by
// active UI context.
package cache

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/mikedesigns-nvisia/spiralsync/internal/core"
)

// CompressThreshold is the insight length in bytes above which the
// cached copy is stored compressed.
const CompressThreshold = 256

// Config holds cache tuning knobs.
type Config struct {
	// MaxEntries is the hard population bound enforced by
	// HandleMemoryPressure (default: 50).
	MaxEntries int

	// PressureTarget is the population the cache shrinks to under
	// pressure (default: MaxEntries / 2).
	PressureTarget int

	// Logger for eviction activity. If nil, a stderr logger is used.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxEntries:     50,
		PressureTarget: 25,
	}
}

// entry is a cached core snapshot with bookkeeping for eviction.
type entry struct {
	core       *core.Core
	insightGz  []byte // gzip of core.Insight when above threshold
	compressed bool
	cachedAt   time.Time
	lastAccess time.Time
	pinned     bool
}

// Stats reports cache accounting.
type Stats struct {
	TotalEntries int     `json:"total_entries"`
	Hits         uint64  `json:"hits"`
	Misses       uint64  `json:"misses"`
	HitRate      float64 `json:"hit_rate"`
	Evictions    uint64  `json:"evictions"`
	ApproxBytes  int     `json:"approx_bytes"`
}

// CoreCache is a bounded in-memory store of core snapshots with hit/miss
// accounting and pressure-triggered eviction.
type CoreCache struct {
	mu        sync.RWMutex
	entries   map[string]*entry
	hits      uint64
	misses    uint64
	evictions uint64
	config    *Config
	logger    *log.Logger
}

// New creates a cache with the given configuration.
func New(config *Config) *CoreCache {
	if config == nil {
		config = DefaultConfig()
	}
	if config.MaxEntries <= 0 {
		config.MaxEntries = DefaultConfig().MaxEntries
	}
	if config.PressureTarget <= 0 || config.PressureTarget > config.MaxEntries {
		config.PressureTarget = config.MaxEntries / 2
		if config.PressureTarget == 0 {
			config.PressureTarget = 1
		}
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[cache] ", log.LstdFlags)
	}
	return &CoreCache{
		entries: make(map[string]*entry),
		config:  config,
		logger:  logger,
	}
}

// Put stores or overwrites a snapshot. O(1), no error conditions.
// The cache keeps its own clone so callers cannot mutate cached state.
func (c *CoreCache) Put(in *core.Core) {
	if in == nil {
		return
	}

	snap := in.Clone()
	e := &entry{
		core:       snap,
		cachedAt:   time.Now(),
		lastAccess: time.Now(),
	}

	// Store large insight text compressed; the snapshot keeps only the
	// compressed bytes.
	if len(snap.Insight) > CompressThreshold {
		if gz, err := compress([]byte(snap.Insight)); err == nil && len(gz) < len(snap.Insight) {
			e.insightGz = gz
			e.compressed = true
			snap.Insight = ""
		}
	}

	c.mu.Lock()
	if prev, ok := c.entries[in.ID]; ok {
		e.pinned = prev.pinned
	}
	c.entries[in.ID] = e
	c.mu.Unlock()
}

// Get returns the cached snapshot for id, or (nil, false) if absent or
// evicted. The returned core is a copy owned by the caller.
func (c *CoreCache) Get(id string) (*core.Core, bool) {
	c.mu.Lock()
	e, ok := c.entries[id]
	if !ok {
		c.misses++
		c.mu.Unlock()
		return nil, false
	}
	c.hits++
	e.lastAccess = time.Now()
	snap := e.core.Clone()
	insightGz := e.insightGz
	compressed := e.compressed
	c.mu.Unlock()

	if compressed {
		if text, err := decompress(insightGz); err == nil {
			snap.Insight = string(text)
		}
	}
	return snap, true
}

// Invalidate removes a cached entry. Idempotent.
func (c *CoreCache) Invalidate(id string) {
	c.mu.Lock()
	delete(c.entries, id)
	c.mu.Unlock()
}

// InvalidateAll clears the cache, keeping statistics.
func (c *CoreCache) InvalidateAll() {
	c.mu.Lock()
	c.entries = make(map[string]*entry)
	c.mu.Unlock()
}

// Warm bulk-populates the cache. The core set is small (~10 entries) so
// this is a straight loop; it must stay well under the 100ms budget.
func (c *CoreCache) Warm(cores []*core.Core) {
	for _, in := range cores {
		c.Put(in)
	}
}

// Pin marks an entry as held by active UI context. Pinned entries are
// retained through memory pressure. Pinning an absent id is a no-op.
func (c *CoreCache) Pin(id string, pinned bool) {
	c.mu.Lock()
	if e, ok := c.entries[id]; ok {
		e.pinned = pinned
	}
	c.mu.Unlock()
}

// HandleMemoryPressure reduces the cache population to the pressure
// target, keeping pinned entries and then the highest-relevance ones.
// Runs in O(n log n) of the current population.
func (c *CoreCache) HandleMemoryPressure() {
	c.mu.Lock()
	defer c.mu.Unlock()

	target := c.config.PressureTarget
	if len(c.entries) <= target {
		return
	}

	type scored struct {
		id    string
		score float64
	}
	candidates := make([]scored, 0, len(c.entries))
	now := time.Now()
	for id, e := range c.entries {
		if e.pinned {
			continue
		}
		candidates = append(candidates, scored{id: id, score: relevance(e, now)})
	}

	// Lowest relevance evicts first.
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].score < candidates[j].score
	})

	toEvict := len(c.entries) - target
	for i := 0; i < toEvict && i < len(candidates); i++ {
		delete(c.entries, candidates[i].id)
		c.evictions++
	}

	c.logger.Printf("Memory pressure: evicted %d entries, %d remain", min(toEvict, len(candidates)), len(c.entries))
}

// relevance scores an entry for retention: recently accessed entries and
// entries with higher current levels are kept longer.
func relevance(e *entry, now time.Time) float64 {
	age := now.Sub(e.lastAccess).Seconds()
	recency := 1.0 / (1.0 + age)
	return recency + 0.25*e.core.CurrentLevel
}

// Stats returns cache accounting including approximate memory usage.
func (c *CoreCache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Stats{
		TotalEntries: len(c.entries),
		Hits:         c.hits,
		Misses:       c.misses,
		Evictions:    c.evictions,
	}
	if total := c.hits + c.misses; total > 0 {
		s.HitRate = float64(c.hits) / float64(total)
	}
	for _, e := range c.entries {
		s.ApproxBytes += approxSize(e)
	}
	return s
}

// approxSize estimates an entry's in-memory footprint.
func approxSize(e *entry) int {
	size := 96 // struct overhead estimate
	size += len(e.core.ID) + len(e.core.Name) + len(e.core.Color) + len(e.core.Insight)
	size += len(e.insightGz)
	for _, m := range e.core.Milestones {
		size += len(m)
	}
	return size
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("failed to compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish compression: %w", err)
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to open compressed insight: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress insight: %w", err)
	}
	return out, nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
