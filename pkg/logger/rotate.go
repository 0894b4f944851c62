package logger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// trailFile is the size-rotated file behind the audit logger. Rotation
// renames the live file to a timestamped backup so an interrupted
// trail is never overwritten, then prunes backups beyond the count and
// age limits.
type trailFile struct {
	mu         sync.Mutex
	file       *os.File
	path       string
	written    int64
	maxBytes   int64
	maxBackups int
	maxAge     time.Duration
}

func openTrailFile(path string, maxSizeMB, maxBackups, maxAgeDays int) (*trailFile, error) {
	if path == "" {
		return nil, errors.New("trail path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	t := &trailFile{
		path:       path,
		maxBytes:   int64(maxSizeMB) * 1024 * 1024,
		maxBackups: maxBackups,
		maxAge:     time.Duration(maxAgeDays) * 24 * time.Hour,
	}
	if err := t.open(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *trailFile) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.file == nil {
		if err := t.open(); err != nil {
			return 0, err
		}
	}
	if t.maxBytes > 0 && t.written+int64(len(p)) > t.maxBytes {
		if err := t.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := t.file.Write(p)
	t.written += int64(n)
	return n, err
}

func (t *trailFile) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.file == nil {
		return nil
	}
	err := t.file.Close()
	t.file = nil
	t.written = 0
	return err
}

func (t *trailFile) open() error {
	file, err := os.OpenFile(t.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	t.file = file
	t.written = info.Size()
	return nil
}

func (t *trailFile) rotate() error {
	if t.file != nil {
		_ = t.file.Close()
		t.file = nil
		t.written = 0
	}

	backup := fmt.Sprintf("%s.%s", t.path, time.Now().UTC().Format("20060102T150405"))
	if err := os.Rename(t.path, backup); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rotate audit log: %w", err)
	}
	t.prune()
	return t.open()
}

// prune removes backups beyond the count limit (oldest first) and any
// backup past the age limit. Prune failures are ignored; a leftover
// backup costs disk, a failed write costs the trail.
func (t *trailFile) prune() {
	backups, err := filepath.Glob(t.path + ".*")
	if err != nil {
		return
	}
	sort.Strings(backups)

	if t.maxBackups > 0 && len(backups) > t.maxBackups {
		for _, stale := range backups[:len(backups)-t.maxBackups] {
			_ = os.Remove(stale)
		}
		backups = backups[len(backups)-t.maxBackups:]
	}
	if t.maxAge <= 0 {
		return
	}
	cutoff := time.Now().Add(-t.maxAge)
	for _, backup := range backups {
		info, err := os.Stat(backup)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(backup)
		}
	}
}
