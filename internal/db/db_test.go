package db

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/mikedesigns-nvisia/spiralsync/internal/core"
)

// setupTestDB creates a temporary database for testing.
func setupTestDB(t *testing.T) *DB {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	database, err := Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := database.InitSchema(); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}

	return database
}

func testUpdate(t *testing.T, coreID string, level float64, priority int) *core.QueuedUpdate {
	t.Helper()
	return core.NewQueuedUpdate(coreID, core.UpdatePayload{Level: level, LevelDelta: 0.1}, priority)
}

func TestUpsertAndGetCore(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	c := core.NewCore("optimism", "Optimism")
	c.Milestones = []string{"first week"}
	c.Insight = "steadily improving outlook"

	if err := database.UpsertCore(ctx, c); err != nil {
		t.Fatalf("UpsertCore failed: %v", err)
	}

	got, err := database.GetCore(ctx, "optimism")
	if err != nil {
		t.Fatalf("GetCore failed: %v", err)
	}
	if got.Name != "Optimism" || got.CurrentLevel != core.BaselineLevel {
		t.Errorf("unexpected core: %+v", got)
	}
	if len(got.Milestones) != 1 || got.Milestones[0] != "first week" {
		t.Errorf("milestones not round-tripped: %v", got.Milestones)
	}

	// Upsert overwrites in place.
	c.ApplyLevel(0.62, time.Now())
	if err := database.UpsertCore(ctx, c); err != nil {
		t.Fatalf("second UpsertCore failed: %v", err)
	}
	got, err = database.GetCore(ctx, "optimism")
	if err != nil {
		t.Fatalf("GetCore after update failed: %v", err)
	}
	if got.CurrentLevel != 0.62 {
		t.Errorf("level = %v, want 0.62", got.CurrentLevel)
	}
	if got.Trend != core.TrendRising {
		t.Errorf("trend = %v, want rising", got.Trend)
	}
}

func TestGetCore_NotFound(t *testing.T) {
	database := setupTestDB(t)

	_, err := database.GetCore(context.Background(), "missing")
	if !errors.Is(err, core.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestUpsertCore_RejectsInvalid(t *testing.T) {
	database := setupTestDB(t)

	bad := &core.Core{ID: "optimism", CurrentLevel: 2.0}
	if err := database.UpsertCore(context.Background(), bad); !errors.Is(err, core.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

func TestListCores(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	for _, id := range []string{"resilience", "optimism", "creativity"} {
		if err := database.UpsertCore(ctx, core.NewCore(id, id)); err != nil {
			t.Fatalf("UpsertCore(%s) failed: %v", id, err)
		}
	}

	cores, err := database.ListCores(ctx)
	if err != nil {
		t.Fatalf("ListCores failed: %v", err)
	}
	if len(cores) != 3 {
		t.Fatalf("expected 3 cores, got %d", len(cores))
	}
	// Ordered by id.
	if cores[0].ID != "creativity" || cores[2].ID != "resilience" {
		t.Errorf("unexpected order: %s, %s, %s", cores[0].ID, cores[1].ID, cores[2].ID)
	}
}

func TestInsertAndDrainUpdates(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	low := testUpdate(t, "optimism", 0.6, 1)
	high := testUpdate(t, "resilience", 0.7, 5)
	mid := testUpdate(t, "creativity", 0.8, 3)

	for _, u := range []*core.QueuedUpdate{low, high, mid} {
		if err := database.InsertUpdate(ctx, u); err != nil {
			t.Fatalf("InsertUpdate failed: %v", err)
		}
	}

	pending, err := database.PendingUpdates(ctx, 0)
	if err != nil {
		t.Fatalf("PendingUpdates failed: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("expected 3 pending, got %d", len(pending))
	}
	if pending[0].ID != high.ID {
		t.Errorf("highest priority should drain first, got %s", pending[0].ID)
	}
	if pending[1].ID != mid.ID || pending[2].ID != low.ID {
		t.Errorf("priority order wrong: %s, %s", pending[1].ID, pending[2].ID)
	}
}

func TestPendingUpdates_RespectsLimit(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		u := core.NewQueuedUpdate("optimism", core.UpdatePayload{Level: 0.5}, 0)
		u.ID = u.ID + string(rune('a'+i)) // unique ids within the same nanosecond
		if err := database.InsertUpdate(ctx, u); err != nil {
			t.Fatalf("InsertUpdate failed: %v", err)
		}
	}

	pending, err := database.PendingUpdates(ctx, 3)
	if err != nil {
		t.Fatalf("PendingUpdates failed: %v", err)
	}
	if len(pending) != 3 {
		t.Errorf("expected 3 pending with limit, got %d", len(pending))
	}
}

func TestPendingUpdates_HonorsBackoffDeadline(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	u := testUpdate(t, "optimism", 0.6, 0)
	if err := database.InsertUpdate(ctx, u); err != nil {
		t.Fatalf("InsertUpdate failed: %v", err)
	}
	if err := database.MarkProcessing(ctx, []string{u.ID}); err != nil {
		t.Fatalf("MarkProcessing failed: %v", err)
	}

	// Requeue with a future deadline: not due yet.
	if err := database.Requeue(ctx, u.ID, 1, time.Now().Add(time.Hour), "simulated failure"); err != nil {
		t.Fatalf("Requeue failed: %v", err)
	}
	pending, err := database.PendingUpdates(ctx, 0)
	if err != nil {
		t.Fatalf("PendingUpdates failed: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("backed-off update should not be due, got %d", len(pending))
	}

	// Move the deadline to the past: due again.
	if err := database.Requeue(ctx, u.ID, 1, time.Now().Add(-time.Second), "simulated failure"); err != nil {
		t.Fatalf("second Requeue failed: %v", err)
	}
	pending, err = database.PendingUpdates(ctx, 0)
	if err != nil {
		t.Fatalf("PendingUpdates failed: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected 1 due update, got %d", len(pending))
	}
	if pending[0].RetryCount != 1 || pending[0].LastError != "simulated failure" {
		t.Errorf("retry metadata not persisted: %+v", pending[0])
	}
}

func TestMarkProcessingAndCompleted(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	u := testUpdate(t, "optimism", 0.6, 0)
	if err := database.InsertUpdate(ctx, u); err != nil {
		t.Fatalf("InsertUpdate failed: %v", err)
	}

	if err := database.MarkProcessing(ctx, []string{u.ID}); err != nil {
		t.Fatalf("MarkProcessing failed: %v", err)
	}
	counts, err := database.CountUpdates(ctx)
	if err != nil {
		t.Fatalf("CountUpdates failed: %v", err)
	}
	if counts.Processing != 1 || counts.Pending != 0 {
		t.Errorf("counts after processing: %+v", counts)
	}

	if err := database.MarkCompleted(ctx, u.ID); err != nil {
		t.Fatalf("MarkCompleted failed: %v", err)
	}
	counts, err = database.CountUpdates(ctx)
	if err != nil {
		t.Fatalf("CountUpdates failed: %v", err)
	}
	if counts.Completed != 1 || counts.Processing != 0 {
		t.Errorf("counts after completion: %+v", counts)
	}
}

func TestMarkProcessing_AlreadyTaken(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	u := testUpdate(t, "optimism", 0.6, 0)
	if err := database.InsertUpdate(ctx, u); err != nil {
		t.Fatalf("InsertUpdate failed: %v", err)
	}
	if err := database.MarkProcessing(ctx, []string{u.ID}); err != nil {
		t.Fatalf("first MarkProcessing failed: %v", err)
	}

	// Second claim must fail: the row is no longer pending.
	if err := database.MarkProcessing(ctx, []string{u.ID}); !errors.Is(err, core.ErrNotFound) {
		t.Errorf("expected ErrNotFound for already-claimed row, got %v", err)
	}
}

func TestReclaimStuck(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	u := testUpdate(t, "optimism", 0.6, 0)
	if err := database.InsertUpdate(ctx, u); err != nil {
		t.Fatalf("InsertUpdate failed: %v", err)
	}
	if err := database.MarkProcessing(ctx, []string{u.ID}); err != nil {
		t.Fatalf("MarkProcessing failed: %v", err)
	}

	// Zero age reclaims immediately.
	n, err := database.ReclaimStuck(ctx, 0)
	if err != nil {
		t.Fatalf("ReclaimStuck failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 reclaimed, got %d", n)
	}

	counts, err := database.CountUpdates(ctx)
	if err != nil {
		t.Fatalf("CountUpdates failed: %v", err)
	}
	if counts.Pending != 1 || counts.Processing != 0 {
		t.Errorf("counts after reclaim: %+v", counts)
	}
}

func TestAbandonMovesToDeadLetter(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	u := testUpdate(t, "optimism", 0.6, 0)
	u.RetryCount = 3
	if err := database.InsertUpdate(ctx, u); err != nil {
		t.Fatalf("InsertUpdate failed: %v", err)
	}

	if err := database.Abandon(ctx, u, "max retries exceeded"); err != nil {
		t.Fatalf("Abandon failed: %v", err)
	}

	counts, err := database.CountUpdates(ctx)
	if err != nil {
		t.Fatalf("CountUpdates failed: %v", err)
	}
	if counts.Pending != 0 || counts.Abandoned != 1 {
		t.Errorf("counts after abandon: %+v", counts)
	}

	dead, err := database.DeadLetters(ctx, 10)
	if err != nil {
		t.Fatalf("DeadLetters failed: %v", err)
	}
	if len(dead) != 1 || dead[0].ID != u.ID {
		t.Fatalf("dead letter not recorded: %+v", dead)
	}
	if dead[0].LastError != "max retries exceeded" {
		t.Errorf("reason = %q", dead[0].LastError)
	}
}

func TestDropLowestPriority(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	low := testUpdate(t, "optimism", 0.6, 1)
	high := testUpdate(t, "resilience", 0.7, 5)
	if err := database.InsertUpdate(ctx, low); err != nil {
		t.Fatalf("InsertUpdate failed: %v", err)
	}
	if err := database.InsertUpdate(ctx, high); err != nil {
		t.Fatalf("InsertUpdate failed: %v", err)
	}

	dropped, err := database.DropLowestPriority(ctx)
	if err != nil {
		t.Fatalf("DropLowestPriority failed: %v", err)
	}
	if dropped != low.ID {
		t.Errorf("dropped %s, want %s", dropped, low.ID)
	}
}

func TestQueueSurvivesRestart(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "restart.db")
	ctx := context.Background()

	first, err := Open(dbPath)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	if err := first.InitSchema(); err != nil {
		t.Fatalf("failed to initialize schema: %v", err)
	}
	for i, id := range []string{"optimism", "resilience"} {
		u := core.NewQueuedUpdate(id, core.UpdatePayload{Level: 0.6}, i)
		if err := first.InsertUpdate(ctx, u); err != nil {
			t.Fatalf("InsertUpdate failed: %v", err)
		}
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Simulated restart: a fresh connection over the same file.
	second, err := Open(dbPath)
	if err != nil {
		t.Fatalf("failed to reopen database: %v", err)
	}
	defer second.Close()
	if err := second.InitSchema(); err != nil {
		t.Fatalf("failed to re-init schema: %v", err)
	}

	counts, err := second.CountUpdates(ctx)
	if err != nil {
		t.Fatalf("CountUpdates failed: %v", err)
	}
	if counts.Pending < 2 {
		t.Errorf("pending after restart = %d, want >= 2", counts.Pending)
	}
}

func TestPendingUpdates_PurgesCorruptRows(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	good := testUpdate(t, "optimism", 0.6, 0)
	if err := database.InsertUpdate(ctx, good); err != nil {
		t.Fatalf("InsertUpdate failed: %v", err)
	}

	// Inject a row with garbage payload and one with a future schema
	// version, bypassing the typed API.
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := database.RawDB().Exec(`
		INSERT INTO queue (id, core_id, payload, created_at, priority, retry_count, status, schema_version)
		VALUES ('bad-json', 'optimism', '{not json', ?, 0, 0, 'pending', 1),
		       ('bad-version', 'optimism', '{"level":0.5}', ?, 0, 0, 'pending', 99)`,
		now, now); err != nil {
		t.Fatalf("failed to inject corrupt rows: %v", err)
	}

	pending, err := database.PendingUpdates(ctx, 0)
	if err != nil {
		t.Fatalf("PendingUpdates failed: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != good.ID {
		t.Fatalf("expected only the good row, got %d rows", len(pending))
	}

	// Corrupt rows were purged, not retried forever.
	var n int
	if err := database.RawDB().QueryRow(`SELECT COUNT(*) FROM queue`).Scan(&n); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected corrupt rows purged, %d rows remain", n)
	}
}
