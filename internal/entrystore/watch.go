package entrystore

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the store whenever its file changes on disk and hands the
// new entries to onChange. It runs until ctx is cancelled.
//
// A file that fails to parse or validate is logged and ignored; the
// previous entries stay active.
func (s *FileStore) Watch(ctx context.Context, logger *slog.Logger, onChange func([]Entry)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the directory: atomic saves replace the file's inode.
	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		return err
	}
	target := filepath.Clean(s.path)

	logger.Info("entries: watching for changes", "path", s.path)

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}

			entries, err := s.Reload()
			if err != nil {
				logger.Error("entries: reload failed; keeping previous entries", "path", s.path, "err", err)
				continue
			}
			logger.Info("entries: reloaded", "path", s.path, "count", len(entries))
			onChange(entries)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error("entries: watcher error", "err", err)
		}
	}
}
