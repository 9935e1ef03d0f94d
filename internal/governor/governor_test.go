package governor

import (
	"fmt"
	"testing"
	"time"

	"github.com/mikedesigns-nvisia/spiralsync/internal/core"
)

func makeCores(n int) []*core.Core {
	now := time.Now()
	cores := make([]*core.Core, n)
	for i := 0; i < n; i++ {
		c := core.NewCore(fmt.Sprintf("core-%04d", i), fmt.Sprintf("Core %d", i))
		c.CurrentLevel = float64(i%10) / 10.0
		c.LastUpdated = now.Add(-time.Duration(i) * time.Minute)
		cores[i] = c
	}
	return cores
}

func TestOptimizeCoreList_BoundsOutput(t *testing.T) {
	cores := makeCores(100)

	out := OptimizeCoreList(cores, 10)
	if len(out) != 10 {
		t.Fatalf("len = %d, want 10", len(out))
	}

	// Input order preserved among survivors.
	for i := 1; i < len(out); i++ {
		if out[i-1].ID >= out[i].ID {
			t.Errorf("input order not preserved: %s before %s", out[i-1].ID, out[i].ID)
		}
	}
}

func TestOptimizeCoreList_SmallInputUntouched(t *testing.T) {
	cores := makeCores(5)
	out := OptimizeCoreList(cores, 10)
	if len(out) != 5 {
		t.Fatalf("len = %d, want all 5", len(out))
	}
	for i := range cores {
		if out[i] != cores[i] {
			t.Errorf("entry %d changed", i)
		}
	}
	// The returned slice is a copy, not an alias.
	out[0] = nil
	if cores[0] == nil {
		t.Error("output aliases the input slice")
	}
}

func TestOptimizeCoreList_PrefersRecentAndHigh(t *testing.T) {
	now := time.Now()
	stale := core.NewCore("stale", "Stale")
	stale.CurrentLevel = 0.1
	stale.LastUpdated = now.Add(-24 * time.Hour)

	fresh := core.NewCore("fresh", "Fresh")
	fresh.CurrentLevel = 0.9
	fresh.LastUpdated = now

	out := OptimizeCoreList([]*core.Core{stale, fresh}, 1)
	if len(out) != 1 || out[0].ID != "fresh" {
		t.Errorf("kept %v, want the fresh high-level core", out)
	}
}

func TestOptimizeCoreList_FastOnLargeInput(t *testing.T) {
	cores := makeCores(5000)

	start := time.Now()
	out := OptimizeCoreList(cores, 50)
	elapsed := time.Since(start)

	if len(out) != 50 {
		t.Fatalf("len = %d, want 50", len(out))
	}
	if elapsed > 100*time.Millisecond {
		t.Errorf("took %v for 5000 entries, want well under 100ms", elapsed)
	}
}

func TestOptimizeCoreList_ZeroMax(t *testing.T) {
	if out := OptimizeCoreList(makeCores(3), 0); out != nil {
		t.Errorf("maxItems 0 should yield nothing, got %d", len(out))
	}
}

func TestCleanupInactiveSubscriptions(t *testing.T) {
	g := New(nil)

	stopped := 0
	active := true
	g.RegisterSubscription(Resource{
		Label:    "live",
		IsActive: func() bool { return true },
		Stop:     func() { t.Error("active subscription must not be stopped") },
	})
	g.RegisterSubscription(Resource{
		Label:    "dead",
		IsActive: func() bool { return active },
		Stop:     func() { stopped++ },
	})

	if n := g.CleanupInactiveSubscriptions(); n != 0 {
		t.Fatalf("released %d while all active, want 0", n)
	}

	active = false
	if n := g.CleanupInactiveSubscriptions(); n != 1 {
		t.Fatalf("released %d, want 1", n)
	}
	if stopped != 1 {
		t.Errorf("Stop called %d times, want 1", stopped)
	}
	if got := g.Statistics().Subscriptions; got != 1 {
		t.Errorf("remaining subscriptions = %d, want 1", got)
	}
}

func TestCleanupInactiveTimers(t *testing.T) {
	g := New(nil)

	g.RegisterTimer(Resource{Label: "gone", IsActive: func() bool { return false }})
	g.RegisterTimer(Resource{Label: "ticking", IsActive: func() bool { return true }})

	if n := g.CleanupInactiveTimers(); n != 1 {
		t.Fatalf("released %d, want 1", n)
	}
	if got := g.Statistics().Timers; got != 1 {
		t.Errorf("remaining timers = %d, want 1", got)
	}
}

func TestRegister_SweepsAtCeiling(t *testing.T) {
	config := DefaultConfig()
	config.MaxSubscriptions = 2
	g := New(config)

	g.RegisterSubscription(Resource{Label: "a", IsActive: func() bool { return false }})
	g.RegisterSubscription(Resource{Label: "b", IsActive: func() bool { return true }})

	// Third registration hits the ceiling; the inactive one is swept.
	g.RegisterSubscription(Resource{Label: "c", IsActive: func() bool { return true }})

	if got := g.Statistics().Subscriptions; got != 2 {
		t.Errorf("subscriptions = %d, want ceiling held at 2", got)
	}
}

func TestRelease_ByHandle(t *testing.T) {
	g := New(nil)

	stopped := false
	id := g.RegisterTimer(Resource{
		Label:    "one-shot",
		IsActive: func() bool { return true },
		Stop:     func() { stopped = true },
	})

	g.Release(id)
	if !stopped {
		t.Error("Release must invoke Stop")
	}
	if got := g.Statistics().Timers; got != 0 {
		t.Errorf("timers = %d, want 0", got)
	}
}

func TestShouldThrottleRebuild(t *testing.T) {
	config := DefaultConfig()
	config.ThrottleWindow = 50 * time.Millisecond
	g := New(config)

	if g.ShouldThrottleRebuild("optimism") {
		t.Fatal("first rebuild must pass")
	}
	if !g.ShouldThrottleRebuild("optimism") {
		t.Fatal("second rebuild within the window must throttle")
	}
	// Distinct keys are independent.
	if g.ShouldThrottleRebuild("resilience") {
		t.Fatal("different key must not be throttled")
	}

	time.Sleep(60 * time.Millisecond)
	if g.ShouldThrottleRebuild("optimism") {
		t.Fatal("rebuild after the window must pass")
	}

	if got := g.Statistics().Throttled; got != 1 {
		t.Errorf("throttled counter = %d, want 1", got)
	}
}

func TestHandleMemoryPressure(t *testing.T) {
	g := New(nil)

	for i := 0; i < 10; i++ {
		dead := i%2 == 0
		g.RegisterSubscription(Resource{
			Label:    fmt.Sprintf("sub-%d", i),
			IsActive: func() bool { return !dead },
		})
		g.RegisterTimer(Resource{
			Label:    fmt.Sprintf("timer-%d", i),
			IsActive: func() bool { return !dead },
		})
	}
	g.ShouldThrottleRebuild("old-key")

	start := time.Now()
	report := g.HandleMemoryPressure()
	elapsed := time.Since(start)

	if report.SubscriptionsReleased != 5 {
		t.Errorf("subscriptions released = %d, want 5", report.SubscriptionsReleased)
	}
	if report.TimersReleased != 5 {
		t.Errorf("timers released = %d, want 5", report.TimersReleased)
	}
	if elapsed > 200*time.Millisecond {
		t.Errorf("pressure pass took %v, want bounded", elapsed)
	}

	stats := g.Statistics()
	if stats.Subscriptions != 5 || stats.Timers != 5 {
		t.Errorf("after pressure: %+v", stats)
	}
}
