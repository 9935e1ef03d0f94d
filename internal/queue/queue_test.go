package queue

import (
	"context"
	"log"
	"path/filepath"
	"testing"
	"time"

	"github.com/mikedesigns-nvisia/spiralsync/internal/core"
	"github.com/mikedesigns-nvisia/spiralsync/internal/db"
	"github.com/mikedesigns-nvisia/spiralsync/internal/sync"
	"github.com/mikedesigns-nvisia/spiralsync/internal/transport"
)

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

// setupQueue builds an offline queue backed by a temp database, with the
// real coordinator as drainer and a simulated transport.
func setupQueue(t *testing.T, config *Config) (*OfflineQueue, *db.DB, *transport.SimTransport) {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	database, err := db.Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := database.InitSchema(); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}

	sim := transport.NewSimTransport(0)
	logger := log.New(testWriter{t}, "[queue-test] ", 0)

	syncConfig := sync.DefaultConfig()
	syncConfig.Logger = logger
	coordinator := sync.New(database, sim, nil, nil, syncConfig)

	if config == nil {
		config = DefaultConfig()
	}
	config.Logger = logger

	return New(database, coordinator, config), database, sim
}

func testUpdate(coreID string, level float64) *core.QueuedUpdate {
	u := core.NewQueuedUpdate(coreID, core.UpdatePayload{Level: level}, 0)
	u.Timestamp = time.Now().UTC().Add(-time.Minute)
	return u
}

func TestEnqueue_PersistsImmediately(t *testing.T) {
	q, database, _ := setupQueue(t, nil)
	ctx := context.Background()

	if err := q.Enqueue(ctx, testUpdate("optimism", 0.7), 3); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	counts, err := database.CountUpdates(ctx)
	if err != nil {
		t.Fatalf("CountUpdates failed: %v", err)
	}
	if counts.Pending != 1 {
		t.Errorf("pending = %d, want 1 durable row", counts.Pending)
	}
}

func TestEnqueue_ValidationErrorsAreSynchronous(t *testing.T) {
	q, database, _ := setupQueue(t, nil)
	ctx := context.Background()

	tests := []struct {
		name   string
		update *core.QueuedUpdate
	}{
		{"nil update", nil},
		{"level above bound", testUpdate("optimism", 1.5)},
		{"level below bound", testUpdate("optimism", -0.1)},
		{"missing core id", testUpdate("", 0.5)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := q.Enqueue(ctx, tt.update, 0)
			if err == nil {
				t.Fatal("expected validation error")
			}
		})
	}

	counts, err := database.CountUpdates(ctx)
	if err != nil {
		t.Fatalf("CountUpdates failed: %v", err)
	}
	if counts.Pending != 0 {
		t.Errorf("invalid updates must never reach the queue, pending = %d", counts.Pending)
	}
}

func TestEnqueue_CapacityDropsLowestPriority(t *testing.T) {
	config := DefaultConfig()
	config.MaxPending = 3
	q, database, _ := setupQueue(t, config)
	ctx := context.Background()

	priorities := []int{5, 1, 3}
	var lowPriorityID string
	for i, p := range priorities {
		u := testUpdate("core-"+string(rune('a'+i)), 0.6)
		if p == 1 {
			lowPriorityID = u.ID
		}
		if err := q.Enqueue(ctx, u, p); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	// Fourth enqueue at capacity: the priority-1 row must be evicted.
	if err := q.Enqueue(ctx, testUpdate("core-d", 0.6), 4); err != nil {
		t.Fatalf("Enqueue at capacity failed: %v", err)
	}

	counts, err := database.CountUpdates(ctx)
	if err != nil {
		t.Fatalf("CountUpdates failed: %v", err)
	}
	if counts.Pending != 3 {
		t.Errorf("pending = %d, want bound %d held", counts.Pending, config.MaxPending)
	}

	pending, err := database.PendingUpdates(ctx, 0)
	if err != nil {
		t.Fatalf("PendingUpdates failed: %v", err)
	}
	for _, u := range pending {
		if u.ID == lowPriorityID {
			t.Errorf("lowest-priority update %s should have been dropped", u.ID)
		}
	}

	status, err := q.Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.Dropped != 1 {
		t.Errorf("dropped counter = %d, want 1", status.Dropped)
	}
}

func TestProcess_DrainsAllPending(t *testing.T) {
	config := DefaultConfig()
	config.BatchSize = 2
	q, database, sim := setupQueue(t, config)
	ctx := context.Background()

	for i, id := range []string{"optimism", "resilience", "creativity", "growth-mindset", "self-awareness"} {
		u := testUpdate(id, 0.6)
		if err := q.Enqueue(ctx, u, i); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	results, err := q.Process(ctx)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if len(results) != 5 {
		t.Fatalf("expected 5 results, got %d", len(results))
	}
	for _, r := range results {
		if r.Err != nil {
			t.Errorf("update %s failed: %v", r.UpdateID, r.Err)
		}
	}

	counts, err := database.CountUpdates(ctx)
	if err != nil {
		t.Fatalf("CountUpdates failed: %v", err)
	}
	if counts.Pending != 0 || counts.Completed != 5 {
		t.Errorf("counts after drain: %+v", counts)
	}

	// BatchSize 2 over 5 distinct cores means at least 3 transport calls.
	if sim.Calls() < 3 {
		t.Errorf("transport calls = %d, expected batched dispatch", sim.Calls())
	}
}

func TestProcess_PriorityOrder(t *testing.T) {
	config := DefaultConfig()
	config.BatchSize = 1
	q, _, sim := setupQueue(t, config)
	ctx := context.Background()

	// Enqueue low priority first; high priority must still drain first.
	low := testUpdate("resilience", 0.6)
	if err := q.Enqueue(ctx, low, 1); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	high := testUpdate("optimism", 0.7)
	if err := q.Enqueue(ctx, high, 9); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	results, err := q.Process(ctx)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].CoreID != "optimism" {
		t.Errorf("first drained = %s, want the high-priority update", results[0].CoreID)
	}
	if _, ok := sim.Accepted("resilience"); !ok {
		t.Errorf("low-priority update never dispatched")
	}
}

func TestProcess_RejectsConcurrentDrain(t *testing.T) {
	q, _, _ := setupQueue(t, nil)

	q.mu.Lock()
	q.processing = true
	q.mu.Unlock()

	if _, err := q.Process(context.Background()); err == nil {
		t.Fatal("expected concurrent drain to be rejected")
	}
}

func TestProcess_NoOpWhileOffline(t *testing.T) {
	q, database, sim := setupQueue(t, nil)
	ctx := context.Background()

	sim.SetOffline(true)
	q.OnNetworkStatusChanged(false)

	if err := q.Enqueue(ctx, testUpdate("optimism", 0.7), 0); err != nil {
		t.Fatalf("Enqueue while offline failed: %v", err)
	}

	// Draining while offline must not touch the transport or spend the
	// update's retry budget.
	results, err := q.Process(ctx)
	if err != nil {
		t.Fatalf("Process while offline failed: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("offline drain returned %d results, want none", len(results))
	}
	if sim.Calls() != 0 {
		t.Errorf("transport calls = %d, want 0 while offline", sim.Calls())
	}

	pending, err := database.PendingUpdates(ctx, 0)
	if err != nil {
		t.Fatalf("PendingUpdates failed: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %d, update must stay queued", len(pending))
	}
	if pending[0].RetryCount != 0 {
		t.Errorf("retry count = %d, offline ticks must not consume retries", pending[0].RetryCount)
	}
}

func TestOnNetworkStatusChanged_DrainsOnReconnect(t *testing.T) {
	q, database, sim := setupQueue(t, nil)
	ctx := context.Background()

	sim.SetOffline(true)
	q.OnNetworkStatusChanged(false)

	if err := q.Enqueue(ctx, testUpdate("optimism", 0.7), 0); err != nil {
		t.Fatalf("Enqueue while offline failed: %v", err)
	}

	sim.SetOffline(false)
	q.OnNetworkStatusChanged(true)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		counts, err := database.CountUpdates(ctx)
		if err != nil {
			t.Fatalf("CountUpdates failed: %v", err)
		}
		if counts.Completed == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("reconnect did not drain the queued update")
}

func TestOnNetworkStatusChanged_NoOpWhenAlreadyConnected(t *testing.T) {
	q, database, _ := setupQueue(t, nil)
	ctx := context.Background()

	q.OnNetworkStatusChanged(true)
	if err := q.Enqueue(ctx, testUpdate("optimism", 0.7), 0); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	// Already connected: no background drain should start.
	q.OnNetworkStatusChanged(true)
	time.Sleep(50 * time.Millisecond)

	counts, err := database.CountUpdates(ctx)
	if err != nil {
		t.Fatalf("CountUpdates failed: %v", err)
	}
	if counts.Pending != 1 {
		t.Errorf("pending = %d, repeated online notification must not drain", counts.Pending)
	}
}

func TestStatus_ReflectsQueueState(t *testing.T) {
	q, _, _ := setupQueue(t, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := q.Enqueue(ctx, testUpdate("optimism", 0.6), i); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	status, err := q.Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.Pending != 3 {
		t.Errorf("pending = %d, want 3", status.Pending)
	}
	if status.IsProcessing {
		t.Errorf("no drain running, IsProcessing should be false")
	}
	if !status.LastProcessedAt.IsZero() {
		t.Errorf("LastProcessedAt should be zero before first drain")
	}

	if _, err := q.Process(ctx); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	status, err = q.Status(ctx)
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if status.LastProcessedAt.IsZero() {
		t.Errorf("LastProcessedAt should be stamped after a drain")
	}
}

func TestQueueSurvivesRestartThenDrains(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "restart.db")
	ctx := context.Background()

	database, err := db.Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := database.InitSchema(); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}

	q := New(database, nil, nil)
	u := testUpdate("optimism", 0.8)
	if err := q.Enqueue(ctx, u, 5); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := database.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Simulated restart: fresh handles over the same file.
	database, err = db.Open(dbPath)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer database.Close()

	sim := transport.NewSimTransport(0)
	coordinator := sync.New(database, sim, nil, nil, sync.DefaultConfig())
	q = New(database, coordinator, nil)

	results, err := q.Process(ctx)
	if err != nil {
		t.Fatalf("Process after restart failed: %v", err)
	}
	if len(results) != 1 || results[0].UpdateID != u.ID {
		t.Fatalf("restart lost the queued update: %+v", results)
	}
	if _, ok := sim.Accepted("optimism"); !ok {
		t.Errorf("restarted update never dispatched")
	}
}
