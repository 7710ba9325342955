// Package watch reruns a callback when files in a directory change.
package watch

import (
	"context"
	"fmt"
	"maps"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/quire-tex/quire/pkg/telemetry"
)

const defaultDebounce = 300 * time.Millisecond

// Config configures a Watcher.
type Config struct {
	// Dirs are watched non-recursively.
	Dirs []string

	// Match selects the paths that trigger a run. nil matches everything.
	Match func(path string) bool

	// Debounce coalesces bursts of events into one run.
	Debounce time.Duration

	// OnChange receives the changed paths, sorted.
	OnChange func(ctx context.Context, changed []string) error

	Logger *telemetry.Logger
}

// Watcher delivers debounced change notifications.
type Watcher struct {
	cfg      Config
	fsw      *fsnotify.Watcher
	debounce time.Duration
	logger   *telemetry.Logger
}

// New starts watching cfg.Dirs.
func New(cfg Config) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: create fsnotify watcher: %w", err)
	}
	for _, dir := range cfg.Dirs {
		abs, err := filepath.Abs(dir)
		if err != nil {
			fsw.Close()
			return nil, fmt.Errorf("watch: resolve %s: %w", dir, err)
		}
		if err := fsw.Add(abs); err != nil {
			fsw.Close()
			return nil, fmt.Errorf("watch: add %s: %w", dir, err)
		}
	}

	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &Watcher{cfg: cfg, fsw: fsw, debounce: debounce, logger: logger.NewComponentLogger("watch")}, nil
}

// Run delivers notifications until ctx is done. Runs never overlap; events
// arriving during a run are delivered after it.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.fsw.Close()

	var (
		mu      sync.Mutex
		pending = make(map[string]struct{})
		timer   *time.Timer
		runMu   sync.Mutex
	)

	fire := func() {
		runMu.Lock()
		defer runMu.Unlock()
		if ctx.Err() != nil {
			return
		}

		mu.Lock()
		changed := slices.Sorted(maps.Keys(pending))
		clear(pending)
		mu.Unlock()
		if len(changed) == 0 {
			return
		}

		w.logger.Zerolog().Debug().Strs("changed", changed).Msg("running after change")
		if err := w.cfg.OnChange(ctx, changed); err != nil {
			w.logger.WithError(err).Debug("change callback failed")
		}
	}

	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case evt, ok := <-w.fsw.Events:
			if !ok {
				return fmt.Errorf("watch: fsnotify event channel closed unexpectedly")
			}
			if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) && !evt.Has(fsnotify.Rename) {
				continue
			}
			if w.cfg.Match != nil && !w.cfg.Match(evt.Name) {
				continue
			}

			mu.Lock()
			pending[evt.Name] = struct{}{}
			if timer == nil {
				timer = time.AfterFunc(w.debounce, fire)
			} else {
				timer.Reset(w.debounce)
			}
			mu.Unlock()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return fmt.Errorf("watch: fsnotify error channel closed unexpectedly")
			}
			w.logger.WithError(err).Warn("fsnotify error")
		}
	}
}
