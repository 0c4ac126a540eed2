// Package xlog reproduces the call surface of the teacher's own
// github.com/ethereum/go-ethereum/log package (leveled, key-value logging:
// Trace/Debug/Info/Warn/Error/Crit) on top of the standard library's
// log/slog, since that package itself isn't importable outside its own
// module. Crit terminates the process, matching the teacher's boot-time
// fatal path.
package xlog

import (
	"log/slog"
	"os"
)

var root = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

// SetHandler lets callers (tests, cmd/hammerspacectl) redirect output.
func SetHandler(h slog.Handler) {
	root = slog.New(h)
}

func Trace(msg string, ctx ...any) { root.Debug(msg, ctx...) }
func Debug(msg string, ctx ...any) { root.Debug(msg, ctx...) }
func Info(msg string, ctx ...any)  { root.Info(msg, ctx...) }
func Warn(msg string, ctx ...any)  { root.Warn(msg, ctx...) }
func Error(msg string, ctx ...any) { root.Error(msg, ctx...) }

// Crit logs at error level and terminates the process. Used for buffer pool
// exhaustion (Oom) and for a failure to build a volume's trees in
// tux3.wireEngine; corruption found by tux3.Mount is returned as an error.
func Crit(msg string, ctx ...any) {
	root.Error(msg, ctx...)
	os.Exit(1)
}
