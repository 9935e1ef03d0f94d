// Package sync implements the synchronization coordinator for spiralsync.
//
// The coordinator is the sole writer of authoritative core state. It
// drains queued updates in batches, resolves conflicting updates for the
// same core by last-write-wins, coalesces per-core dispatches into a
// single transport call, and retries transient failures with exponential
// backoff until the retry budget is exhausted.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/mikedesigns-nvisia/spiralsync/internal/core"
	"github.com/mikedesigns-nvisia/spiralsync/internal/db"
	"github.com/mikedesigns-nvisia/spiralsync/internal/transport"
)

// Config holds coordinator tuning knobs.
type Config struct {
	// BaseDelay is the backoff unit: the k-th retry waits at least
	// BaseDelay * 2^(k-1) (default: 500ms).
	BaseDelay time.Duration

	// MaxDelay caps the backoff (default: 1 minute).
	MaxDelay time.Duration

	// MaxRetries before an update is abandoned (default: 5).
	MaxRetries int

	// StuckTimeout is how long a row may sit in processing before the
	// watchdog reclaims it (default: 2 minutes).
	StuckTimeout time.Duration

	// Logger for coordinator activity. If nil, a stderr logger is used.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BaseDelay:    500 * time.Millisecond,
		MaxDelay:     time.Minute,
		MaxRetries:   5,
		StuckTimeout: 2 * time.Minute,
	}
}

// Result reports the outcome of processing one queued update.
type Result struct {
	UpdateID string
	CoreID   string
	Err      error
	Duration time.Duration
	// Discarded marks updates that lost conflict resolution. They are
	// neither failures nor retried.
	Discarded bool
}

// Stats counts coordinator activity since construction.
type Stats struct {
	ProcessedUpdates     uint64 `json:"processed_updates"`
	ConflictsResolved    uint64 `json:"conflicts_resolved"`
	FailedSyncs          uint64 `json:"failed_syncs"`
	RetryAttempts        uint64 `json:"retry_attempts"`
	AbandonedUpdates     uint64 `json:"abandoned_updates"`
	BatchedRequests      uint64 `json:"batched_requests"`
	NetworkOptimizations uint64 `json:"network_optimizations"`
}

// Event describes an authoritative state change for subscribers.
type Event struct {
	Type      EventType  `json:"type"`
	CoreID    string     `json:"core_id,omitempty"`
	OldLevel  float64    `json:"old_level,omitempty"`
	NewLevel  float64    `json:"new_level,omitempty"`
	Trend     core.Trend `json:"trend,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	// Detail carries event-specific context (loser count for conflicts,
	// error text for abandonments, item count for batches).
	Detail string `json:"detail,omitempty"`
}

// EventType classifies coordinator events.
type EventType string

const (
	EventLevelUpdated     EventType = "level_updated"
	EventConflictResolved EventType = "conflict_resolved"
	EventBatchCompleted   EventType = "batch_completed"
	EventUpdateAbandoned  EventType = "update_abandoned"
)

// Notifier receives coordinator events. The engine's event bus satisfies
// this; a nil notifier disables notifications.
type Notifier interface {
	Publish(Event)
}

// CacheRepairer receives each confirmed snapshot after it is persisted,
// so read caches holding optimistic values converge with authoritative
// state. The engine's snapshot cache satisfies this; a nil repairer
// disables repair.
type CacheRepairer interface {
	Put(*core.Core)
}

// Coordinator drains the durable queue and applies winners to the
// authoritative store and the remote transport.
type Coordinator struct {
	db        *db.DB
	transport transport.Transport
	notifier  Notifier
	repair    CacheRepairer
	config    *Config
	logger    *log.Logger

	mu    sync.Mutex
	stats Stats

	// coreLocks serializes persistence per core id while letting
	// distinct cores proceed concurrently.
	coreLocks sync.Map // core id -> *sync.Mutex
}

// New creates a coordinator. The database must be open with schema
// initialized. A nil notifier disables event publication, a nil repairer
// disables cache repair, and a nil logger falls back to stderr.
func New(database *db.DB, tr transport.Transport, notifier Notifier, repair CacheRepairer, config *Config) *Coordinator {
	if config == nil {
		config = DefaultConfig()
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = DefaultConfig().BaseDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = DefaultConfig().MaxDelay
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultConfig().MaxRetries
	}
	if config.StuckTimeout <= 0 {
		config.StuckTimeout = DefaultConfig().StuckTimeout
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	return &Coordinator{
		db:        database,
		transport: tr,
		notifier:  notifier,
		repair:    repair,
		config:    config,
		logger:    logger,
	}
}

// QueueUpdate validates and persists an update into the batch pipeline.
func (c *Coordinator) QueueUpdate(ctx context.Context, u *core.QueuedUpdate) error {
	if err := u.Validate(); err != nil {
		return err
	}
	if u.Status == "" {
		u.Status = core.StatusPending
	}
	return c.db.InsertUpdate(ctx, u)
}

// ResolveConflicts picks the winning update among several targeting the
// same core: latest timestamp wins, ties broken by update id so the
// choice stays deterministic regardless of processing order. Pure
// function; losers are reported, not merged.
func ResolveConflicts(group []*core.QueuedUpdate) (winner *core.QueuedUpdate, losers []*core.QueuedUpdate) {
	if len(group) == 0 {
		return nil, nil
	}
	winner = group[0]
	for _, u := range group[1:] {
		if u.Timestamp.After(winner.Timestamp) ||
			(u.Timestamp.Equal(winner.Timestamp) && u.ID > winner.ID) {
			winner = u
		}
	}
	for _, u := range group {
		if u != winner {
			losers = append(losers, u)
		}
	}
	return winner, losers
}

// Backoff returns the delay before the k-th retry (k >= 1):
// BaseDelay * 2^(k-1), capped at MaxDelay.
func (c *Coordinator) Backoff(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	delay := c.config.BaseDelay
	for i := 1; i < retryCount; i++ {
		delay *= 2
		if delay >= c.config.MaxDelay {
			return c.config.MaxDelay
		}
	}
	if delay > c.config.MaxDelay {
		return c.config.MaxDelay
	}
	return delay
}

// ProcessBatch dequeues up to batchSize due updates, groups them by core
// id, resolves conflicts within each group, and pushes the winners. It
// returns one Result per dequeued update (winners and discarded losers).
//
// Winners that fail transiently are requeued with backoff; winners past
// the retry budget are abandoned to the dead-letter table and reported.
func (c *Coordinator) ProcessBatch(ctx context.Context, batchSize int) ([]Result, error) {
	updates, err := c.db.PendingUpdates(ctx, batchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to load batch: %w", err)
	}
	if len(updates) == 0 {
		return nil, nil
	}

	ids := make([]string, len(updates))
	for i, u := range updates {
		ids[i] = u.ID
	}
	if err := c.db.MarkProcessing(ctx, ids); err != nil {
		return nil, fmt.Errorf("failed to claim batch: %w", err)
	}

	groups := groupByCore(updates)

	results := make([]Result, 0, len(updates))
	for _, group := range groups {
		select {
		case <-ctx.Done():
			// Cancellation mid-batch: requeue every claimed update in the
			// remaining groups so nothing stays stuck in processing.
			for _, g := range groups {
				for _, u := range g {
					if !done(results, u.ID) {
						_ = c.db.Requeue(context.Background(), u.ID, u.RetryCount, time.Now(), "batch cancelled")
						results = append(results, Result{UpdateID: u.ID, CoreID: u.CoreID, Err: ctx.Err()})
					}
				}
			}
			return results, ctx.Err()
		default:
		}
		results = append(results, c.processGroup(ctx, group)...)
	}

	c.mu.Lock()
	c.stats.BatchedRequests++
	c.mu.Unlock()

	c.publish(Event{
		Type:      EventBatchCompleted,
		Timestamp: time.Now(),
		Detail:    fmt.Sprintf("%d updates in %d groups", len(updates), len(groups)),
	})

	return results, nil
}

// processGroup resolves one core's updates and applies the winner.
func (c *Coordinator) processGroup(ctx context.Context, group []*core.QueuedUpdate) []Result {
	winner, losers := ResolveConflicts(group)
	results := make([]Result, 0, len(group))

	if len(losers) > 0 {
		c.mu.Lock()
		c.stats.ConflictsResolved += uint64(len(losers))
		c.mu.Unlock()
		c.logger.Printf("Resolved conflict on %s: %s wins over %d updates", winner.CoreID, winner.ID, len(losers))
		c.publish(Event{
			Type:      EventConflictResolved,
			CoreID:    winner.CoreID,
			Timestamp: time.Now(),
			Detail:    fmt.Sprintf("%d losing updates discarded", len(losers)),
		})
	}
	for _, loser := range losers {
		if err := c.db.MarkDiscarded(ctx, loser.ID); err != nil {
			c.logger.Printf("Warning: failed to discard %s: %v", loser.ID, err)
		}
		results = append(results, Result{UpdateID: loser.ID, CoreID: loser.CoreID, Discarded: true})
	}

	results = append(results, c.applyWinner(ctx, winner, updateIDs(group)))
	return results
}

// applyWinner persists the resolved update locally and remotely,
// serialized per core id.
func (c *Coordinator) applyWinner(ctx context.Context, u *core.QueuedUpdate, satisfied []string) Result {
	start := time.Now()

	lock := c.lockFor(u.CoreID)
	lock.Lock()
	defer lock.Unlock()

	current, err := c.db.GetCore(ctx, u.CoreID)
	if errors.Is(err, core.ErrNotFound) {
		current = core.NewCore(u.CoreID, u.CoreID)
		err = nil
	}
	if err != nil {
		return c.failWinner(ctx, u, start, err)
	}

	oldLevel := current.CurrentLevel

	// The daily change limit applies here, to the resolved winner, so
	// competing raw deltas cannot each consume the budget.
	next := current.Clone()
	next.ApplyLevel(u.Payload.Level, u.Timestamp)
	if u.Payload.Insight != "" {
		next.Insight = u.Payload.Insight
	}

	req := transport.BatchRequest{
		SchemaVersion: transport.BatchSchemaVersion,
		SentAt:        time.Now().UTC(),
		Items:         []transport.BatchItem{{CoreID: u.CoreID, Core: next, UpdateIDs: satisfied}},
	}
	if _, err := c.transport.Push(ctx, req); err != nil {
		return c.failWinner(ctx, u, start, err)
	}

	if err := c.db.UpsertCore(ctx, next); err != nil {
		return c.failWinner(ctx, u, start, err)
	}

	if err := c.db.MarkCompleted(ctx, u.ID); err != nil {
		c.logger.Printf("Warning: failed to mark %s completed: %v", u.ID, err)
	}

	// Overwrite any optimistic snapshot so reads observe the confirmed
	// (possibly change-limited) level rather than the raw payload.
	if c.repair != nil {
		c.repair.Put(next)
	}

	c.mu.Lock()
	c.stats.ProcessedUpdates++
	c.mu.Unlock()

	c.publish(Event{
		Type:      EventLevelUpdated,
		CoreID:    u.CoreID,
		OldLevel:  oldLevel,
		NewLevel:  next.CurrentLevel,
		Trend:     next.Trend,
		Timestamp: time.Now(),
	})

	return Result{UpdateID: u.ID, CoreID: u.CoreID, Duration: time.Since(start)}
}

// failWinner handles a transient failure: requeue with backoff, or
// abandon once the retry budget is spent.
func (c *Coordinator) failWinner(ctx context.Context, u *core.QueuedUpdate, start time.Time, cause error) Result {
	c.mu.Lock()
	c.stats.FailedSyncs++
	c.mu.Unlock()

	u.RetryCount++
	if u.RetryCount > c.config.MaxRetries {
		if err := c.db.Abandon(ctx, u, cause.Error()); err != nil {
			c.logger.Printf("Warning: failed to abandon %s: %v", u.ID, err)
		}
		c.mu.Lock()
		c.stats.AbandonedUpdates++
		c.mu.Unlock()
		c.logger.Printf("Abandoned %s after %d retries: %v", u.ID, u.RetryCount-1, cause)
		c.publish(Event{
			Type:      EventUpdateAbandoned,
			CoreID:    u.CoreID,
			Timestamp: time.Now(),
			Detail:    cause.Error(),
		})
		return Result{UpdateID: u.ID, CoreID: u.CoreID, Err: cause, Duration: time.Since(start)}
	}

	delay := c.Backoff(u.RetryCount)
	if err := c.db.Requeue(ctx, u.ID, u.RetryCount, time.Now().Add(delay), cause.Error()); err != nil {
		c.logger.Printf("Warning: failed to requeue %s: %v", u.ID, err)
	}
	c.mu.Lock()
	c.stats.RetryAttempts++
	c.mu.Unlock()
	c.logger.Printf("Requeued %s (retry %d, backoff %v): %v", u.ID, u.RetryCount, delay, cause)

	return Result{UpdateID: u.ID, CoreID: u.CoreID, Err: cause, Duration: time.Since(start)}
}

// OptimizeNetworkRequests coalesces all due pending updates per core so
// a subsequent batch dispatches one call per core instead of one per
// update. Idempotent: losers are discarded once, and repeated calls find
// nothing further to merge. Updates for different cores are never
// reordered relative to each other.
func (c *Coordinator) OptimizeNetworkRequests(ctx context.Context) (int, error) {
	updates, err := c.db.PendingUpdates(ctx, 0)
	if err != nil {
		return 0, fmt.Errorf("failed to load pending updates: %w", err)
	}

	merged := 0
	for _, group := range groupByCore(updates) {
		if len(group) < 2 {
			continue
		}
		_, losers := ResolveConflicts(group)
		for _, loser := range losers {
			if err := c.db.MarkDiscarded(ctx, loser.ID); err != nil {
				return merged, fmt.Errorf("failed to discard %s: %w", loser.ID, err)
			}
			merged++
		}
	}

	if merged > 0 {
		c.mu.Lock()
		c.stats.NetworkOptimizations++
		c.stats.ConflictsResolved += uint64(merged)
		c.mu.Unlock()
		c.logger.Printf("Coalesced %d redundant updates before dispatch", merged)
	}

	return merged, nil
}

// ReclaimStuck returns updates stuck in processing past the configured
// timeout to pending. Run periodically by the daemon's watchdog.
func (c *Coordinator) ReclaimStuck(ctx context.Context) (int, error) {
	n, err := c.db.ReclaimStuck(ctx, c.config.StuckTimeout)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		c.logger.Printf("Watchdog reclaimed %d stuck updates", n)
	}
	return n, nil
}

// Statistics returns a snapshot of coordinator counters.
func (c *Coordinator) Statistics() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *Coordinator) publish(e Event) {
	if c.notifier != nil {
		c.notifier.Publish(e)
	}
}

func (c *Coordinator) lockFor(coreID string) *sync.Mutex {
	v, _ := c.coreLocks.LoadOrStore(coreID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// groupByCore partitions updates by core id, preserving the drain order
// of cores (first appearance) and of updates within each core.
func groupByCore(updates []*core.QueuedUpdate) [][]*core.QueuedUpdate {
	byCore := make(map[string][]*core.QueuedUpdate)
	var order []string
	for _, u := range updates {
		if _, ok := byCore[u.CoreID]; !ok {
			order = append(order, u.CoreID)
		}
		byCore[u.CoreID] = append(byCore[u.CoreID], u)
	}

	groups := make([][]*core.QueuedUpdate, 0, len(order))
	for _, id := range order {
		group := byCore[id]
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].Timestamp.Before(group[j].Timestamp)
		})
		groups = append(groups, group)
	}
	return groups
}

func updateIDs(group []*core.QueuedUpdate) []string {
	ids := make([]string, len(group))
	for i, u := range group {
		ids[i] = u.ID
	}
	return ids
}

func done(results []Result, id string) bool {
	for _, r := range results {
		if r.UpdateID == id {
			return true
		}
	}
	return false
}
