// Package logs provides the module's structured logger: slog handlers
// fanned out over one or more writers, with a process-wide level.
package logs

import (
	"io"
	"log/slog"
	"os"
	"sync"

	slogmulti "github.com/samber/slog-multi"
)

var level = new(slog.LevelVar)

// SetLevel adjusts the level for all loggers created by this package.
func SetLevel(l slog.Level) {
	level.Set(l)
}

// New creates a logger writing text records to each of the given writers.
// With no writers it logs to stderr.
func New(writers ...io.Writer) *slog.Logger {
	if len(writers) == 0 {
		writers = []io.Writer{os.Stderr}
	}
	handlers := make([]slog.Handler, len(writers))
	for i, w := range writers {
		handlers[i] = slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	}
	return slog.New(slogmulti.Fanout(handlers...))
}

var (
	defaultLogger *slog.Logger
	defaultMu     sync.Mutex
)

// Default returns the shared logger, creating it on first use.
func Default() *slog.Logger {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultLogger == nil {
		defaultLogger = New()
	}
	return defaultLogger
}

// SetDefault replaces the shared logger.
func SetDefault(l *slog.Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = l
}
