package inbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const (
	processedDir = "processed"
	failedDir    = "failed"
)

// DropDir watches a directory for .eml files, hands each parsed message to a
// Handler and moves the file into processed/ or failed/ afterwards.
type DropDir struct {
	dir         string
	logger      *zap.Logger
	debounceDur time.Duration
}

// NewDropDir creates a watcher for dir. The directory is created if missing.
func NewDropDir(dir string, logger *zap.Logger) (*DropDir, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	for _, sub := range []string{processedDir, failedDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0700); err != nil {
			return nil, fmt.Errorf("failed to create drop directory: %w", err)
		}
	}
	return &DropDir{
		dir:         dir,
		logger:      logger.Named("dropdir"),
		debounceDur: 200 * time.Millisecond,
	}, nil
}

// ProcessExisting handles every .eml file already in the directory, oldest name first.
func (d *DropDir) ProcessExisting(ctx context.Context, handle Handler) error {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return fmt.Errorf("failed to read drop directory: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && isEML(e.Name()) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return err
		}
		d.processFile(ctx, filepath.Join(d.dir, name), handle)
	}
	return nil
}

// Watch processes existing files, then blocks handling new ones until ctx is cancelled.
func (d *DropDir) Watch(ctx context.Context, handle Handler) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(d.dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", d.dir, err)
	}
	if err := d.ProcessExisting(ctx, handle); err != nil {
		return err
	}
	d.logger.Info("Watching drop directory", zap.String("dir", d.dir))

	// Writers create then write, so a path is handled once it has been quiet.
	pending := make(map[string]time.Time)
	ticker := time.NewTicker(d.debounceDur / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !isEML(event.Name) || filepath.Dir(event.Name) != filepath.Clean(d.dir) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				pending[event.Name] = time.Now()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			d.logger.Warn("Watcher error", zap.Error(err))

		case now := <-ticker.C:
			for path, last := range pending {
				if now.Sub(last) < d.debounceDur {
					continue
				}
				delete(pending, path)
				d.processFile(ctx, path, handle)
			}
		}
	}
}

func (d *DropDir) processFile(ctx context.Context, path string, handle Handler) {
	logger := d.logger.With(zap.String("file", filepath.Base(path)))

	f, err := os.Open(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("Failed to open message", zap.Error(err))
		}
		return
	}
	email, err := ParseRaw(f)
	f.Close()

	dest := processedDir
	switch {
	case err != nil:
		logger.Warn("Failed to parse message", zap.Error(err))
		dest = failedDir
	default:
		if herr := handle(ctx, *email); herr != nil {
			logger.Warn("Failed to process message", zap.Error(herr))
			dest = failedDir
		}
	}

	target := filepath.Join(d.dir, dest, filepath.Base(path))
	if err := os.Rename(path, target); err != nil {
		logger.Warn("Failed to move message", zap.String("target", target), zap.Error(err))
	}
}

func isEML(name string) bool {
	return strings.EqualFold(filepath.Ext(name), ".eml")
}
