// Package logger provides structured logging setup for rpma-sync.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/rpma-off/rpma-sync/internal/config"
)

// New creates a *slog.Logger from the given Logging config.
// Output is JSON with a "service" attribute on every record, written to
// stdout and, when cfg.File is set, to a size-rotated file. The returned
// Closer flushes async buffering and closes the file.
func New(cfg config.Logging) (*slog.Logger, Closer) {
	var (
		out     io.Writer = os.Stdout
		closers multiCloser
	)
	if cfg.File != "" {
		rot := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		out = io.MultiWriter(os.Stdout, rot)
		closers = append(closers, closerFunc(func() { _ = rot.Close() }))
	}

	var handler slog.Handler = slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: parseLevel(cfg.Level),
	})
	if cfg.Async {
		ah := NewAsyncHandler(handler, 4096, 2)
		handler = ah
		// Drain before closing the file.
		closers = append(multiCloser{ah}, closers...)
	}
	handler = NewContextHandler(handler)

	return slog.New(handler).With("service", cfg.Service), closers
}

// parseLevel converts a string log level to slog.Level.
func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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

type closerFunc func()

func (f closerFunc) Close() { f() }

type multiCloser []Closer

func (m multiCloser) Close() {
	for _, c := range m {
		c.Close()
	}
}
