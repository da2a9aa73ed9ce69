package manifest

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const defaultDebounce = 250 * time.Millisecond

// Watch calls onChange with every successfully parsed revision of the file
// at path until ctx is done. The parent directory is watched so that editors
// replacing the file by rename are picked up. Unparsable revisions are
// logged and skipped.
func Watch(ctx context.Context, path string, debounce time.Duration, logger *zap.Logger, onChange func(Manifest)) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	path = filepath.Clean(path)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}

	var (
		timer  *time.Timer
		timerC <-chan time.Time
		last   string
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
			} else {
				timer.Reset(debounce)
			}
			timerC = timer.C
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("manifest watch error", zap.Error(err))
		case <-timerC:
			timerC = nil
			m, err := Load(path)
			if err != nil {
				logger.Warn("manifest reload failed", zap.String("path", path), zap.Error(err))
				continue
			}
			fp := m.fingerprint()
			if fp == last {
				continue
			}
			last = fp
			logger.Info("manifest changed", zap.String("path", path), zap.String("generation", m.Generation), zap.Int("urls", len(m.URLs)))
			onChange(m)
		}
	}
}
