// Package queue provides the durable offline queue for core updates.
//
// Updates are persisted to sqlite at enqueue time, so the queue survives
// process restarts. The queue owns intake (validation, capacity
// backpressure) and drain orchestration; retry, backoff, and conflict
// resolution belong to the sync coordinator, which the queue drives
// through the Drainer interface.
package queue

import (
	"context"
	"fmt"
	"log"
	"os"
	gosync "sync"
	"time"

	"github.com/mikedesigns-nvisia/spiralsync/internal/core"
	"github.com/mikedesigns-nvisia/spiralsync/internal/db"
	"github.com/mikedesigns-nvisia/spiralsync/internal/sync"
)

// Drainer processes a batch of due updates. The sync coordinator
// implements it.
type Drainer interface {
	ProcessBatch(ctx context.Context, batchSize int) ([]sync.Result, error)
}

// Config holds queue tuning knobs.
type Config struct {
	// MaxPending bounds the number of pending rows. When a new update
	// arrives at capacity, the lowest-priority oldest pending row is
	// dropped to make room (default: 1000).
	MaxPending int

	// BatchSize is how many updates each drain pass hands to the
	// drainer (default: 25).
	BatchSize int

	// Logger for queue activity. If nil, a stderr logger is used.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxPending: 1000,
		BatchSize:  25,
	}
}

// Status is a point-in-time snapshot of the queue.
type Status struct {
	Pending         int       `json:"pending"`
	Processing      int       `json:"processing"`
	Completed       int       `json:"completed"`
	Failed          int       `json:"failed"`
	Abandoned       int       `json:"abandoned"`
	Dropped         uint64    `json:"dropped"`
	IsProcessing    bool      `json:"is_processing"`
	IsConnected     bool      `json:"is_connected"`
	LastProcessedAt time.Time `json:"last_processed_at,omitempty"`
}

// OfflineQueue accepts updates while the device is offline and drains
// them through the coordinator once connectivity returns.
type OfflineQueue struct {
	db      *db.DB
	drainer Drainer
	config  *Config
	logger  *log.Logger

	mu              gosync.Mutex
	connected       bool
	processing      bool
	dropped         uint64
	lastProcessedAt time.Time
}

// New creates an offline queue over an open database. The queue assumes
// connectivity until OnNetworkStatusChanged reports otherwise. The
// drainer may be nil, in which case connectivity transitions only record
// state and Process returns an error.
func New(database *db.DB, drainer Drainer, config *Config) *OfflineQueue {
	if config == nil {
		config = DefaultConfig()
	}
	if config.MaxPending <= 0 {
		config.MaxPending = DefaultConfig().MaxPending
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultConfig().BatchSize
	}
	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[queue] ", log.LstdFlags)
	}
	return &OfflineQueue{
		db:        database,
		drainer:   drainer,
		config:    config,
		logger:    logger,
		connected: true,
	}
}

// Enqueue validates and durably persists an update. Validation errors
// are returned synchronously; nothing invalid is ever queued. When the
// pending set is at capacity, the lowest-priority oldest pending row is
// dropped to make room and a warning is logged.
func (q *OfflineQueue) Enqueue(ctx context.Context, u *core.QueuedUpdate, priority int) error {
	if u == nil {
		return fmt.Errorf("%w: update is nil", core.ErrValidation)
	}
	u.Priority = priority
	if u.Status == "" {
		u.Status = core.StatusPending
	}
	if err := u.Validate(); err != nil {
		return err
	}

	counts, err := q.db.CountUpdates(ctx)
	if err != nil {
		return fmt.Errorf("failed to check queue capacity: %w", err)
	}
	if counts.Pending >= q.config.MaxPending {
		droppedID, err := q.db.DropLowestPriority(ctx)
		if err != nil {
			return fmt.Errorf("queue full and eviction failed: %w", err)
		}
		q.mu.Lock()
		q.dropped++
		q.mu.Unlock()
		q.logger.Printf("Warning: queue at capacity (%d), dropped lowest-priority update %s", q.config.MaxPending, droppedID)
	}

	if err := q.db.InsertUpdate(ctx, u); err != nil {
		return fmt.Errorf("failed to persist update: %w", err)
	}
	return nil
}

// Process drains all due pending updates, one batch at a time, and
// returns the accumulated per-item results. Concurrent calls are
// rejected so only one drain runs at a time. While the queue has been
// told the network is down, Process is a no-op: updates stay pending
// instead of spending their retry budget on a transport that cannot
// succeed.
func (q *OfflineQueue) Process(ctx context.Context) ([]sync.Result, error) {
	if q.drainer == nil {
		return nil, fmt.Errorf("no drainer configured")
	}

	q.mu.Lock()
	if !q.connected {
		q.mu.Unlock()
		return nil, nil
	}
	if q.processing {
		q.mu.Unlock()
		return nil, fmt.Errorf("drain already in progress")
	}
	q.processing = true
	q.mu.Unlock()

	defer func() {
		q.mu.Lock()
		q.processing = false
		q.lastProcessedAt = time.Now().UTC()
		q.mu.Unlock()
	}()

	var all []sync.Result
	for {
		if err := ctx.Err(); err != nil {
			return all, err
		}
		results, err := q.drainer.ProcessBatch(ctx, q.config.BatchSize)
		if err != nil {
			return all, fmt.Errorf("drain failed: %w", err)
		}
		if len(results) == 0 {
			break
		}
		all = append(all, results...)
	}

	if len(all) > 0 {
		q.logger.Printf("Drained %d updates", len(all))
	}
	return all, nil
}

// OnNetworkStatusChanged records a connectivity transition. Going from
// offline to online kicks off a background drain; repeated online
// notifications are no-ops.
func (q *OfflineQueue) OnNetworkStatusChanged(connected bool) {
	q.mu.Lock()
	was := q.connected
	q.connected = connected
	alreadyDraining := q.processing
	q.mu.Unlock()

	if !connected {
		if was {
			q.logger.Printf("Network lost, queuing updates for later")
		}
		return
	}
	if was || alreadyDraining || q.drainer == nil {
		return
	}

	q.logger.Printf("Network restored, draining offline queue")
	go func() {
		if _, err := q.Process(context.Background()); err != nil {
			q.logger.Printf("Warning: background drain failed: %v", err)
		}
	}()
}

// Connected reports the last known connectivity state.
func (q *OfflineQueue) Connected() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.connected
}

// Status returns a snapshot of queue depth and drain state.
func (q *OfflineQueue) Status(ctx context.Context) (Status, error) {
	counts, err := q.db.CountUpdates(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("failed to count updates: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	return Status{
		Pending:         counts.Pending,
		Processing:      counts.Processing,
		Completed:       counts.Completed,
		Failed:          counts.Failed,
		Abandoned:       counts.Abandoned,
		Dropped:         q.dropped,
		IsProcessing:    q.processing,
		IsConnected:     q.connected,
		LastProcessedAt: q.lastProcessedAt,
	}, nil
}
