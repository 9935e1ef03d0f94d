// Package daemon provides the background reconciler that drives the
// sync engine.
//
// The daemon:
// 1. Drains the offline queue on a periodic tick
// 2. Runs the watchdog that reclaims updates stuck in processing
// 3. Watches the analysis spool directory for dropped delta files
// 4. Handles graceful shutdown
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/mikedesigns-nvisia/spiralsync/internal/core"
	"github.com/mikedesigns-nvisia/spiralsync/internal/engine"
	"github.com/mikedesigns-nvisia/spiralsync/internal/governor"
)

// Config holds configuration for the daemon.
type Config struct {
	// SyncInterval is how often the offline queue is drained
	SyncInterval time.Duration

	// WatchdogInterval is how often stuck updates are reclaimed
	WatchdogInterval time.Duration

	// DebounceInterval is how long to wait before processing spool
	// file changes. This batches rapid writes together
	DebounceInterval time.Duration

	// Logger for daemon activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval:     15 * time.Second,
		WatchdogInterval: 30 * time.Second,
		DebounceInterval: 200 * time.Millisecond,
		Logger:           log.New(os.Stderr, "[daemon] ", log.LstdFlags),
	}
}

// spoolDelta is the wire form of one analysis spool file.
type spoolDelta struct {
	CoreID     string  `json:"core_id"`
	LevelDelta float64 `json:"level_delta"`
	TrendHint  string  `json:"trend_hint,omitempty"`
	Insight    string  `json:"insight,omitempty"`
}

// Daemon orchestrates the periodic sync pass, the watchdog, and the
// analysis spool watcher.
type Daemon struct {
	engine   *engine.Engine
	spoolDir string
	config   *Config

	watcher       *fsnotify.Watcher
	changeQueue   map[string]time.Time // filepath -> timestamp
	changeQueueMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a daemon over an open engine. spoolDir is where the
// analysis collaborator drops {core_id, level_delta, trend_hint} JSON
// files; it is created if missing. Use Start() to begin.
func New(eng *engine.Engine, spoolDir string, config *Config) (*Daemon, error) {
	if eng == nil {
		return nil, fmt.Errorf("engine cannot be nil")
	}
	if spoolDir == "" {
		return nil, fmt.Errorf("spoolDir cannot be empty")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}

	for _, dir := range []string{spoolDir, filepath.Join(spoolDir, "archive"), filepath.Join(spoolDir, "quarantine")} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		engine:      eng,
		spoolDir:    spoolDir,
		config:      config,
		watcher:     watcher,
		changeQueue: make(map[string]time.Time),
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Start begins the daemon's operation.
//
// The daemon will:
// 1. Ingest any spool files left over from a previous run
// 2. Start watching the spool directory
// 3. Drain the offline queue on the sync interval
// 4. Reclaim stuck updates on the watchdog interval
//
// This blocks until ctx is cancelled or an error occurs.
func (d *Daemon) Start(ctx context.Context) error {
	d.config.Logger.Println("Starting daemon")

	// Pick up files dropped while we were not running
	if err := d.ingestSpool(); err != nil {
		return fmt.Errorf("initial spool ingest failed: %w", err)
	}

	if err := d.watcher.Add(d.spoolDir); err != nil {
		return fmt.Errorf("failed to watch spool directory: %w", err)
	}
	d.config.Logger.Printf("Watching: %s", d.spoolDir)

	d.wg.Add(4)
	go d.watchSpoolEvents()
	go d.processChangeQueue()
	go d.runSyncTicker()
	go d.runWatchdog()

	select {
	case <-ctx.Done():
		d.config.Logger.Println("Shutdown signal received")
		return d.Stop()
	case <-d.ctx.Done():
		return nil
	}
}

// Stop gracefully shuts down the daemon.
func (d *Daemon) Stop() error {
	d.config.Logger.Println("Stopping daemon")

	d.cancel()

	if err := d.watcher.Close(); err != nil {
		d.config.Logger.Printf("Error closing watcher: %v", err)
	}

	d.wg.Wait()

	d.config.Logger.Println("Daemon stopped")
	return nil
}

// ingestSpool processes every JSON file currently in the spool.
func (d *Daemon) ingestSpool() error {
	entries, err := os.ReadDir(d.spoolDir)
	if err != nil {
		return fmt.Errorf("failed to read spool: %w", err)
	}

	processed := 0
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		d.ingestSpoolFile(filepath.Join(d.spoolDir, entry.Name()))
		processed++
	}
	if processed > 0 {
		d.config.Logger.Printf("Ingested %d leftover spool files", processed)
	}
	return nil
}

// watchSpoolEvents monitors filesystem events and queues changes.
func (d *Daemon) watchSpoolEvents() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return

		case event, ok := <-d.watcher.Events:
			if !ok {
				return
			}

			// Only care about Create and Write
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if filepath.Ext(event.Name) != ".json" {
				continue
			}
			// Ignore our own archive/quarantine moves
			if filepath.Dir(event.Name) != d.spoolDir {
				continue
			}

			d.queueChange(event.Name)

		case err, ok := <-d.watcher.Errors:
			if !ok {
				return
			}
			d.config.Logger.Printf("Watcher error: %v", err)
		}
	}
}

// queueChange adds a file to the change queue with debouncing.
func (d *Daemon) queueChange(path string) {
	d.changeQueueMu.Lock()
	defer d.changeQueueMu.Unlock()

	d.changeQueue[path] = time.Now()
}

// trackTicker registers a long-lived ticker with the engine's governor
// so it shows up in resource accounting and is swept if it leaks. The
// returned release func removes it on normal shutdown.
func (d *Daemon) trackTicker(label string, ticker *time.Ticker) func() {
	gov := d.engine.Governor()
	id := gov.RegisterTimer(governor.Resource{
		Label:    label,
		IsActive: func() bool { return d.ctx.Err() == nil },
		Stop:     ticker.Stop,
	})
	return func() { gov.Release(id) }
}

// processChangeQueue processes queued file changes with debouncing.
func (d *Daemon) processChangeQueue() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.DebounceInterval)
	defer ticker.Stop()
	defer d.trackTicker("daemon-debounce", ticker)()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			d.processPendingChanges()
		}
	}
}

// processPendingChanges ingests spool files that have been quiet for a
// full debounce interval.
func (d *Daemon) processPendingChanges() {
	d.changeQueueMu.Lock()
	var ready []string
	now := time.Now()
	for path, queuedAt := range d.changeQueue {
		if now.Sub(queuedAt) < d.config.DebounceInterval {
			continue
		}
		ready = append(ready, path)
		delete(d.changeQueue, path)
	}
	d.changeQueueMu.Unlock()

	for _, path := range ready {
		d.ingestSpoolFile(path)
	}
}

// ingestSpoolFile parses one analysis delta file, feeds it to the
// engine, and archives it. Corrupt files are quarantined, not fatal.
func (d *Daemon) ingestSpoolFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		d.config.Logger.Printf("Error reading spool file %s: %v", path, err)
		return
	}

	var delta spoolDelta
	if err := json.Unmarshal(data, &delta); err != nil {
		d.config.Logger.Printf("Warning: quarantining corrupt spool file %s: %v", path, err)
		d.quarantine(path)
		return
	}

	err = d.engine.ApplyAnalysis(d.ctx, engine.AnalysisDelta{
		CoreID:     delta.CoreID,
		LevelDelta: delta.LevelDelta,
		TrendHint:  core.Trend(delta.TrendHint),
		Insight:    delta.Insight,
	})
	if err != nil {
		d.config.Logger.Printf("Warning: quarantining rejected spool file %s: %v", path, err)
		d.quarantine(path)
		return
	}

	d.archive(path)
	d.config.Logger.Printf("Applied analysis delta for %s (%+.2f)", delta.CoreID, delta.LevelDelta)
}

// quarantine moves a bad spool file aside so it is inspected, not
// re-processed.
func (d *Daemon) quarantine(path string) {
	dest := filepath.Join(d.spoolDir, "quarantine", stampedName(path))
	if err := os.Rename(path, dest); err != nil {
		d.config.Logger.Printf("Error quarantining %s: %v", path, err)
	}
}

// archive moves a processed spool file into the archive subdirectory.
func (d *Daemon) archive(path string) {
	dest := filepath.Join(d.spoolDir, "archive", stampedName(path))
	if err := os.Rename(path, dest); err != nil {
		d.config.Logger.Printf("Error archiving %s: %v", path, err)
	}
}

// stampedName prefixes the base name with a timestamp so repeated drops
// of the same file name never collide.
func stampedName(path string) string {
	return fmt.Sprintf("%d-%s", time.Now().UnixNano(), filepath.Base(path))
}

// runSyncTicker drains the offline queue on the sync interval.
func (d *Daemon) runSyncTicker() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.SyncInterval)
	defer ticker.Stop()
	defer d.trackTicker("daemon-sync", ticker)()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			// Coalesce redundant same-core updates before dispatch.
			if _, err := d.engine.Coordinator().OptimizeNetworkRequests(d.ctx); err != nil {
				d.config.Logger.Printf("Error coalescing updates: %v", err)
			}
			results, err := d.engine.ProcessPending(d.ctx)
			if err != nil {
				d.config.Logger.Printf("Error draining queue: %v", err)
				continue
			}
			if len(results) > 0 {
				d.config.Logger.Printf("Sync pass processed %d updates", len(results))
			}
		}
	}
}

// runWatchdog reclaims updates stuck in processing.
func (d *Daemon) runWatchdog() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.WatchdogInterval)
	defer ticker.Stop()
	defer d.trackTicker("daemon-watchdog", ticker)()

	for {
		select {
		case <-d.ctx.Done():
			return

		case <-ticker.C:
			n, err := d.engine.Coordinator().ReclaimStuck(d.ctx)
			if err != nil {
				d.config.Logger.Printf("Error reclaiming stuck updates: %v", err)
				continue
			}
			if n > 0 {
				d.config.Logger.Printf("Reclaimed %d stuck updates", n)
			}
		}
	}
}
