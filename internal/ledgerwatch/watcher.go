// Package ledgerwatch publishes ledger.changed events when record files are
// modified outside the engine's own writes, e.g. by an operator editing a
// YAML record directly.
package ledgerwatch

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kazz187/mergeguild/internal/eventbus"
)

const debounce = 100 * time.Millisecond

type Watcher struct {
	baseDir string
	bus     *eventbus.Bus
}

func New(baseDir string, bus *eventbus.Bus) *Watcher {
	return &Watcher{baseDir: baseDir, bus: bus}
}

// Run watches the ledger directories until ctx is done. Bursts of writes to
// the same record collapse into one event.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	for _, kind := range []string{"tasks", "proposals", "workspaces"} {
		dir := filepath.Join(w.baseDir, kind)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		if err := watcher.Add(dir); err != nil {
			return err
		}
	}

	// last write seen per record path, for debouncing
	pending := make(map[string]time.Time)
	ticker := time.NewTicker(debounce)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove) == 0 {
				continue
			}
			if !strings.HasSuffix(event.Name, ".yaml") {
				continue
			}
			pending[event.Name] = time.Now()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("ledger watch error", "error", err)
		case now := <-ticker.C:
			for path, at := range pending {
				if now.Sub(at) < debounce {
					continue
				}
				delete(pending, path)
				kind := filepath.Base(filepath.Dir(path))
				id := strings.TrimSuffix(filepath.Base(path), ".yaml")
				w.bus.PublishNew(eventbus.TypeLedgerChanged, id, "", map[string]string{"kind": kind})
				slog.Debug("ledger record changed", "kind", kind, "id", id)
			}
		}
	}
}
