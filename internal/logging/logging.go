// Package logging configures the process-wide structured logger used by
// every other package. It exists so components never construct their own
// slog.Logger ad hoc; they call logging.For(component), which tags the
// shared logger from Get() with their own component name.
package logging

import (
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

const envLogLevel = "WAVEECORE_LOG_LEVEL"

type dynamicLevel struct{ v int64 }

func (d *dynamicLevel) Level() slog.Level { return slog.Level(atomic.LoadInt64(&d.v)) }
func (d *dynamicLevel) set(l slog.Level)  { atomic.StoreInt64(&d.v, int64(l)) }

var (
	level  = &dynamicLevel{v: int64(slog.LevelInfo)}
	global *slog.Logger
	once   sync.Once
)

// Get returns the global logger, initializing it on first use from
// WAVEECORE_LOG_LEVEL (debug|info|warn|error; default info).
func Get() *slog.Logger {
	once.Do(func() {
		level.set(detectLevel())
		global = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	})
	return global
}

// SetLevel changes the runtime log level, e.g. after reading config.
func SetLevel(l slog.Level) { level.set(l) }

// For returns the global logger tagged with a "component" attribute, the
// convention every package in this module follows.
func For(component string) *slog.Logger {
	return Get().With("component", component)
}

func detectLevel() slog.Level {
	switch strings.ToLower(os.Getenv(envLogLevel)) {
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
