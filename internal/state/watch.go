package state

import (
	"context"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch calls onChange with the freshly loaded state whenever the backing
// file is created, replaced, or removed by any process. It blocks until ctx
// is done. The parent directory is watched because saves replace the file by
// rename, which drops watches held on the old inode.
func (s *Store) Watch(ctx context.Context, onChange func(State)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer func() { _ = w.Close() }()

	dir := filepath.Dir(s.path)
	if err := w.Add(dir); err != nil {
		return err
	}
	target := filepath.Clean(s.path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			s.log.Debug("state file changed", "op", ev.Op.String())
			onChange(s.Load())
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.log.Warn("state watch error", "error", err)
		}
	}
}
