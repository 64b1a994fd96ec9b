/*
Package logging configures structured logging with file rotation.

Logs are written to both stderr (text format, for human reading) and a
rotated JSON log file (for machine parsing and post-hoc analysis). The
file logger uses lumberjack for size-based rotation.

Because the wrapped child process owns the terminal for the duration of
the run, the stderr handler can optionally write through a buffered
writer instead of directly to os.Stderr, so our log lines never
interleave mid-line with the child's own output. The buffer is flushed
explicitly — on child exit, or on SIGINT/SIGTERM — never on a timer.
*/
package logging

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// silentLevel is above any level this program ever logs at, so a
// "silent" handler is enabled for nothing without special-casing the
// write path.
const silentLevel = slog.Level(12)

// LevelFor maps the three-value --safe-chain-logging setting to an
// slog.Level.
func LevelFor(setting string) slog.Level {
	switch setting {
	case "verbose":
		return slog.LevelDebug
	case "silent":
		return silentLevel
	default: // "normal" and anything unrecognized
		return slog.LevelInfo
	}
}

// Config holds logging configuration.
type Config struct {
	// Logging is one of "silent", "normal", "verbose".
	Logging string
	// LogDir is the directory for log files. If empty, file logging is disabled.
	LogDir string
	// Buffered routes the stderr handler through a buffered writer that
	// is only flushed on Result.Cleanup — use this while a child process
	// shares the terminal.
	Buffered bool
}

// Result holds the outputs of logging Setup.
type Result struct {
	Logger *slog.Logger
	// Cleanup flushes any buffered writers and closes the rotated log
	// file. Safe to call multiple times.
	Cleanup func()
	// LevelVar allows runtime log level changes.
	LevelVar *slog.LevelVar
}

// Setup creates a logger that writes to stderr and optionally to a
// rotated log file.
func Setup(cfg Config) Result {
	levelVar := new(slog.LevelVar)
	levelVar.Set(LevelFor(cfg.Logging))

	var stderrWriter io.Writer = os.Stderr
	var flushStderr func()
	if cfg.Buffered {
		bw := &flushableWriter{w: bufio.NewWriter(os.Stderr)}
		stderrWriter = bw
		flushStderr = bw.Flush
	}

	handlers := []slog.Handler{
		slog.NewTextHandler(stderrWriter, &slog.HandlerOptions{Level: levelVar}),
	}

	var closeLogFile func()
	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o750); err != nil { //nolint:gosec // log directory
			slog.New(handlers[0]).Warn("failed to create log directory, file logging disabled",
				"dir", cfg.LogDir, "error", err)
		} else {
			lj := &lumberjack.Logger{
				Filename:   filepath.Join(cfg.LogDir, "safe-chain.log"),
				MaxSize:    10, // MB per file
				MaxBackups: 3,  // keep 3 old files
				MaxAge:     7,  // days to retain
				Compress:   true,
			}
			handlers = append(handlers, slog.NewJSONHandler(lj, &slog.HandlerOptions{Level: levelVar}))
			closeLogFile = func() { _ = lj.Close() }
		}
	}

	cleanup := func() {
		if flushStderr != nil {
			flushStderr()
		}
		if closeLogFile != nil {
			closeLogFile()
		}
	}

	return Result{
		Logger:   slog.New(&multiHandler{handlers: handlers}),
		Cleanup:  cleanup,
		LevelVar: levelVar,
	}
}

// flushableWriter serializes writes to a buffered writer so concurrent
// loggers (proxy goroutines) don't interleave partial lines, and exposes
// Flush for the buffered logging mode's explicit flush points.
type flushableWriter struct {
	mu sync.Mutex
	w  *bufio.Writer
}

func (f *flushableWriter) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.w.Write(p)
}

func (f *flushableWriter) Flush() {
	f.mu.Lock()
	defer f.mu.Unlock()
	_ = f.w.Flush()
}

// multiHandler fans out log records to multiple slog.Handlers.
type multiHandler struct {
	handlers []slog.Handler
}

func (m *multiHandler) Enabled(_ context.Context, level slog.Level) bool {
	for _, h := range m.handlers {
		if h.Enabled(nil, level) {
			return true
		}
	}
	return false
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error { //nolint:gocritic // slog.Handler interface requires value receiver
	for _, h := range m.handlers {
		if h.Enabled(ctx, r.Level) {
			if err := h.Handle(ctx, r); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	handlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		handlers[i] = h.WithAttrs(attrs)
	}
	return &multiHandler{handlers: handlers}
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	handlers := make([]slog.Handler, len(m.handlers))
	for i, h := range m.handlers {
		handlers[i] = h.WithGroup(name)
	}
	return &multiHandler{handlers: handlers}
}
