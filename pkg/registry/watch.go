package registry

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch marks the registry stale whenever a descriptor in the catalog is
// created, written, removed or renamed. onChange, if non-nil, is called with
// the changed path. Watch returns once the watcher is running; it stops when
// ctx is done.
func (r *Registry) Watch(ctx context.Context, onChange func(path string)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create catalog watcher: %w", err)
	}
	if err := w.Add(r.dir); err != nil {
		_ = w.Close()
		return fmt.Errorf("watch %s: %w", r.dir, err)
	}

	go func() {
		defer func() { _ = w.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if !isDescriptor(filepath.Base(event.Name)) {
					continue
				}
				if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
					!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
					continue
				}
				r.markStale()
				r.logger.DebugContext(ctx, "catalog changed", "path", event.Name, "op", event.Op.String())
				if onChange != nil {
					onChange(event.Name)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				r.logger.WarnContext(ctx, "catalog watcher error", "error", err)
			}
		}
	}()
	return nil
}
