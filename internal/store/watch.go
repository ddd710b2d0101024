package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watch reports changes to the session file that the store did not make
// itself. It watches the parent directory, since saves replace the file by
// rename. onChange runs on the watcher goroutine and may be nil. Watch
// returns once the watcher is running; it stops when ctx is done.
func (s *Store) Watch(ctx context.Context, onChange func(path string)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		w.Close()
		return fmt.Errorf("failed to create session directory: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != s.path {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Remove) {
					continue
				}
				if s.foreignChange() {
					s.logger.Warn("session file changed outside this process; concurrent writers are not supported and the next save overwrites their changes",
						zap.String("path", s.path),
						zap.String("op", ev.Op.String()))
					if onChange != nil {
						onChange(s.path)
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.logger.Error("session file watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}

func (s *Store) foreignChange() bool {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return len(s.Names()) > 0
		}
		return false
	}
	return !s.ownsContent(data)
}
