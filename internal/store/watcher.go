package store

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"twincore/internal/logging"
	"twincore/internal/persona"
)

// SpecWatcher watches a directory of persona spec YAML files and imports
// them as draft versions. With autoPublish set, a successfully imported
// version is activated immediately, which is how operators push spec
// updates without touching the HTTP surface.
type SpecWatcher struct {
	mu          sync.RWMutex
	watcher     *fsnotify.Watcher
	store       *LocalStore
	specsDir    string
	autoPublish bool
	debounceMap map[string]time.Time
	debounceDur time.Duration
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool

	stats SpecWatcherStats
}

// SpecWatcherStats tracks watcher activity for debugging.
type SpecWatcherStats struct {
	FilesSeen     int
	SpecsImported int
	SpecsSkipped  int
	Errors        int
	LastEventPath string
	LastEventTime time.Time
}

// NewSpecWatcher creates a watcher over specsDir. Call Start to begin.
func NewSpecWatcher(store *LocalStore, specsDir string, autoPublish bool) (*SpecWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &SpecWatcher{
		watcher:     watcher,
		store:       store,
		specsDir:    specsDir,
		autoPublish: autoPublish,
		debounceMap: make(map[string]time.Time),
		debounceDur: 500 * time.Millisecond, // settle rapid editor saves
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start begins watching. Non-blocking; the event loop runs in a goroutine.
func (sw *SpecWatcher) Start(ctx context.Context) error {
	sw.mu.Lock()
	if sw.running {
		sw.mu.Unlock()
		return nil
	}
	sw.running = true
	sw.mu.Unlock()

	if err := os.MkdirAll(sw.specsDir, 0755); err != nil {
		logging.Get(logging.CategoryWatcher).Warn("failed to create specs dir %s: %v", sw.specsDir, err)
	}
	if err := sw.watcher.Add(sw.specsDir); err != nil {
		logging.Get(logging.CategoryWatcher).Warn("initial watch failed (dir may not exist): %v", err)
	} else {
		logging.Get(logging.CategoryWatcher).Info("watching spec directory: %s", sw.specsDir)
	}

	go sw.run(ctx)
	return nil
}

// Stop stops the watcher and waits for the event loop to drain.
func (sw *SpecWatcher) Stop() {
	sw.mu.Lock()
	if !sw.running {
		sw.mu.Unlock()
		return
	}
	sw.running = false
	sw.mu.Unlock()

	close(sw.stopCh)
	<-sw.doneCh

	if err := sw.watcher.Close(); err != nil {
		logging.Get(logging.CategoryWatcher).Error("error closing watcher: %v", err)
	}
}

// IsWatching reports whether the event loop is running.
func (sw *SpecWatcher) IsWatching() bool {
	sw.mu.RLock()
	defer sw.mu.RUnlock()
	return sw.running
}

// Stats returns a copy of the current counters.
func (sw *SpecWatcher) Stats() SpecWatcherStats {
	sw.mu.RLock()
	defer sw.mu.RUnlock()
	return sw.stats
}

// ImportAll imports every spec file already present in the directory.
// Useful at startup before any filesystem events fire.
func (sw *SpecWatcher) ImportAll(ctx context.Context) error {
	entries, err := os.ReadDir(sw.specsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || !isSpecFile(entry.Name()) {
			continue
		}
		sw.importFile(ctx, filepath.Join(sw.specsDir, entry.Name()))
	}
	return nil
}

func (sw *SpecWatcher) run(ctx context.Context) {
	defer close(sw.doneCh)

	debounceTicker := time.NewTicker(100 * time.Millisecond)
	defer debounceTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sw.stopCh:
			return

		case event, ok := <-sw.watcher.Events:
			if !ok {
				return
			}
			sw.handleEvent(event)

		case err, ok := <-sw.watcher.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryWatcher).Error("watch error: %v", err)
			sw.mu.Lock()
			sw.stats.Errors++
			sw.mu.Unlock()

		case <-debounceTicker.C:
			sw.processDebounced(ctx)
		}
	}
}

func (sw *SpecWatcher) handleEvent(event fsnotify.Event) {
	if !isSpecFile(event.Name) {
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return // deletions never retract a stored version
	}

	logging.Get(logging.CategoryWatcher).Debug("spec file event: %s %s", event.Op, event.Name)

	sw.mu.Lock()
	sw.stats.FilesSeen++
	sw.stats.LastEventPath = event.Name
	sw.stats.LastEventTime = time.Now()
	sw.debounceMap[event.Name] = time.Now()
	sw.mu.Unlock()
}

func (sw *SpecWatcher) processDebounced(ctx context.Context) {
	sw.mu.Lock()
	now := time.Now()
	var settled []string
	for path, eventTime := range sw.debounceMap {
		if now.Sub(eventTime) >= sw.debounceDur {
			settled = append(settled, path)
			delete(sw.debounceMap, path)
		}
	}
	sw.mu.Unlock()

	for _, path := range settled {
		sw.importFile(ctx, path)
	}
}

// importFile parses one YAML spec file and stores it as a draft version.
// A version that already exists is skipped, not overwritten: stored
// versions are immutable and a new edit needs a new version string.
func (sw *SpecWatcher) importFile(ctx context.Context, path string) {
	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		logging.Get(logging.CategoryWatcher).Error("failed to read %s: %v", path, err)
		sw.recordError()
		return
	}

	spec := &persona.Spec{}
	if err := yaml.Unmarshal(content, spec); err != nil {
		logging.Get(logging.CategoryWatcher).Warn("unparseable spec file %s: %v", filepath.Base(path), err)
		sw.recordError()
		return
	}
	if err := spec.Validate(); err != nil {
		logging.Get(logging.CategoryWatcher).Warn("invalid spec in %s: %v", filepath.Base(path), err)
		sw.recordError()
		return
	}

	if _, err := sw.store.GetSpec(ctx, spec.TwinID, spec.Version); err == nil {
		logging.Get(logging.CategoryWatcher).Debug("spec %s@%s already stored, skipping", spec.TwinID, spec.Version)
		sw.mu.Lock()
		sw.stats.SpecsSkipped++
		sw.mu.Unlock()
		return
	}

	if err := sw.store.CreateSpec(ctx, spec); err != nil {
		logging.Get(logging.CategoryWatcher).Error("failed to import spec from %s: %v", filepath.Base(path), err)
		sw.recordError()
		return
	}
	logging.Get(logging.CategoryWatcher).Info("imported spec %s@%s from %s", spec.TwinID, spec.Version, filepath.Base(path))

	sw.mu.Lock()
	sw.stats.SpecsImported++
	sw.mu.Unlock()

	if sw.autoPublish {
		if err := sw.store.PublishSpec(ctx, spec.TwinID, spec.Version); err != nil {
			logging.Get(logging.CategoryWatcher).Error("auto-publish of %s@%s failed: %v", spec.TwinID, spec.Version, err)
			sw.recordError()
		}
	}
}

func (sw *SpecWatcher) recordError() {
	sw.mu.Lock()
	sw.stats.Errors++
	sw.mu.Unlock()
}

func isSpecFile(name string) bool {
	return strings.HasSuffix(name, ".yaml") || strings.HasSuffix(name, ".yml")
}
