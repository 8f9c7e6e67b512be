package tools

import (
	"context"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 500 * time.Millisecond

// SkillWatcher hot-reloads the skills directory on filesystem changes.
// Events are debounced so a burst of writes triggers one reload.
type SkillWatcher struct {
	registry *Registry
	dir      string
	logger   *slog.Logger

	prev map[string]bool // skill names from the last load
}

func NewSkillWatcher(registry *Registry, dir string, logger *slog.Logger) *SkillWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &SkillWatcher{
		registry: registry,
		dir:      dir,
		logger:   logger,
		prev:     make(map[string]bool),
	}
}

// Run watches until ctx is cancelled. The initial load happens before the
// first event.
func (w *SkillWatcher) Run(ctx context.Context) error {
	w.reload()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(w.dir); err != nil {
		// Directory may not exist yet; watching is best effort.
		w.logger.Warn("skills directory not watchable", "dir", w.dir, "error", err)
		<-ctx.Done()
		return nil
	}

	var timer *time.Timer
	debounced := make(chan struct{}, 1)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDebounce, func() {
				select {
				case debounced <- struct{}{}:
				default:
				}
			})
		case <-debounced:
			w.reload()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("skills watcher error", "error", err)
		}
	}
}

// reload re-scans the directory, registers current skills and unregisters
// skills that disappeared.
func (w *SkillWatcher) reload() {
	loaded, err := LoadSkills(w.registry, w.dir, w.logger)
	if err != nil {
		w.logger.Error("skill reload failed", "error", err)
		return
	}

	current := make(map[string]bool, len(loaded))
	for _, name := range loaded {
		current[name] = true
	}
	for name := range w.prev {
		if !current[name] {
			w.registry.Unregister(name)
			w.logger.Info("skill removed", "skill", name)
		}
	}
	w.prev = current
}
