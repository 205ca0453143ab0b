package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultWatchDebounce = 250 * time.Millisecond

// Watch reloads path whenever its contents change and hands the new Config to
// onChange. The directory is watched so editors that save by rename are seen. It
// blocks until ctx ends.
func Watch(ctx context.Context, path string, debounce time.Duration, logger *slog.Logger, onChange func(Config)) error {
	if debounce <= 0 {
		debounce = defaultWatchDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	path = filepath.Clean(path)
	lastHash, err := fileHash(path)
	if err != nil {
		return fmt.Errorf("config watch: initial hash: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watch: create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("config watch: watch %s: %w", filepath.Dir(path), err)
	}

	timer := time.NewTimer(debounce)
	timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				timer.Reset(debounce)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Error("config watcher error", "error", err)
		case <-timer.C:
			hash, err := fileHash(path)
			if err != nil {
				logger.Error("config reload failed", "path", path, "error", err)
				continue
			}
			if bytes.Equal(hash, lastHash) {
				continue
			}
			cfg, err := Load(path)
			if err != nil {
				logger.Error("config reload failed", "path", path, "error", err)
				continue
			}
			lastHash = hash
			logger.Info("config reloaded", "path", path)
			onChange(cfg)
		}
	}
}

func fileHash(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(data)
	return sum[:], nil
}
