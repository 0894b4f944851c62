// Package logger wires the two process-wide slog loggers. The default
// logger carries operational events and honours the configured level
// and format. The audit logger is the payment trail: request creation
// and verified payments go through it, always as JSON, always to its
// own rotated file, so the trail stays machine-parseable and is never
// silenced by an operational log-level change.
package logger

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Config describes the operational logger and the audit trail.
type Config struct {
	Level       string
	Format      string
	OutputPaths []string
	Audit       AuditConfig
}

// AuditConfig controls the payment-trail file. The defaults retain
// roughly three months of trail, which covers a full settlement
// dispute window.
type AuditConfig struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

const (
	defaultTrailSizeMB  = 64
	defaultTrailBackups = 10
	defaultTrailAgeDays = 90
)

var (
	mu          sync.Mutex
	initialized bool
	opsLogger   *slog.Logger
	trailLogger *slog.Logger
	sinks       []io.Closer
)

// Init configures the global loggers. Calling it twice is an error;
// callers that only read via L or Audit get a stdout fallback.
func Init(cfg Config) error {
	mu.Lock()
	defer mu.Unlock()
	if initialized {
		return errors.New("logger already initialised")
	}

	handler, err := newOpsHandler(cfg)
	if err != nil {
		return err
	}
	opsLogger = slog.New(handler)
	trailLogger = opsLogger

	if cfg.Audit.Enabled {
		trail, err := newTrailLogger(cfg.Audit)
		if err != nil {
			return err
		}
		trailLogger = trail
	}
	initialized = true
	return nil
}

func newOpsHandler(cfg Config) (slog.Handler, error) {
	var writers []io.Writer
	for _, out := range cfg.OutputPaths {
		writer, err := resolveSink(out)
		if err != nil {
			return nil, err
		}
		writers = append(writers, writer)
	}
	if len(writers) == 0 {
		writers = append(writers, os.Stdout)
	}

	writer := writers[0]
	if len(writers) > 1 {
		writer = io.MultiWriter(writers...)
	}

	opts := &slog.HandlerOptions{Level: levelFor(cfg.Level), AddSource: true}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.NewTextHandler(writer, opts), nil
	}
	return slog.NewJSONHandler(writer, opts), nil
}

// newTrailLogger builds the audit logger. The trail is JSON regardless
// of the operational format and logs at Info unconditionally.
func newTrailLogger(cfg AuditConfig) (*slog.Logger, error) {
	if cfg.Path == "" {
		return nil, errors.New("audit log path cannot be empty when enabled")
	}
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = defaultTrailSizeMB
	}
	if cfg.MaxBackups <= 0 {
		cfg.MaxBackups = defaultTrailBackups
	}
	if cfg.MaxAgeDays <= 0 {
		cfg.MaxAgeDays = defaultTrailAgeDays
	}

	writer, err := openTrailFile(cfg.Path, cfg.MaxSizeMB, cfg.MaxBackups, cfg.MaxAgeDays)
	if err != nil {
		return nil, err
	}
	sinks = append(sinks, writer)
	handler := slog.NewJSONHandler(writer, &slog.HandlerOptions{Level: slog.LevelInfo})
	return slog.New(handler).With(slog.String("stream", "audit")), nil
}

func resolveSink(path string) (io.Writer, error) {
	switch strings.ToLower(path) {
	case "", "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	sinks = append(sinks, file)
	return file, nil
}

func levelFor(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// L returns the operational logger, falling back to a stdout JSON
// logger before Init has run.
func L() *slog.Logger {
	mu.Lock()
	defer mu.Unlock()
	if opsLogger == nil {
		opsLogger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}
	return opsLogger
}

// Audit returns the payment-trail logger. Without an audit file it
// aliases the operational logger so trail events are never dropped.
func Audit() *slog.Logger {
	mu.Lock()
	trail := trailLogger
	mu.Unlock()
	if trail == nil {
		return L()
	}
	return trail
}

// Sync closes every file-backed sink. Call on shutdown.
func Sync() error {
	mu.Lock()
	defer mu.Unlock()
	var err error
	for _, sink := range sinks {
		err = errors.Join(err, sink.Close())
	}
	sinks = nil
	return err
}
