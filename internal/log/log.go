package log

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

var (
	mu       sync.RWMutex
	base     zerolog.Logger
	baseOnce sync.Once
	minLevel = LevelInfo
)

// initLogger builds the global logger writing JSON lines to stderr.
func initLogger() {
	baseOnce.Do(func() {
		zerolog.TimeFieldFormat = time.RFC3339Nano
		base = newBase(os.Stderr)
		applyLevel(minLevel)
	})
}

func newBase(w io.Writer) zerolog.Logger {
	return zerolog.New(w).With().
		Timestamp().
		Str("service", "relcal").
		Logger()
}

// SetLevel changes the minimum level that is written.
func SetLevel(l Level) {
	initLogger()
	mu.Lock()
	defer mu.Unlock()
	minLevel = l
	applyLevel(l)
}

// ParseLevel maps config strings ("debug", "info", "warn", "error") to a Level.
// Unknown values fall back to LevelInfo.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// SetOutput redirects all subsequent log lines to w.
func SetOutput(w io.Writer) {
	initLogger()
	mu.Lock()
	defer mu.Unlock()
	base = newBase(w)
	applyLevel(minLevel)
}

func applyLevel(l Level) {
	switch l {
	case LevelDebug:
		base = base.Level(zerolog.DebugLevel)
	case LevelWarn:
		base = base.Level(zerolog.WarnLevel)
	case LevelError:
		base = base.Level(zerolog.ErrorLevel)
	default:
		base = base.Level(zerolog.InfoLevel)
	}
}

func current() zerolog.Logger {
	initLogger()
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// WithComponent returns a child logger tagged with the given component name.
func WithComponent(component string) zerolog.Logger {
	return current().With().Str("component", component).Logger()
}

func Debug(msg string, kv ...any) {
	l := current()
	l.Debug().Fields(normalizeKVs(kv)).Msg(msg)
}

func Info(msg string, kv ...any) {
	l := current()
	l.Info().Fields(normalizeKVs(kv)).Msg(msg)
}

func Warn(msg string, kv ...any) {
	l := current()
	l.Warn().Fields(normalizeKVs(kv)).Msg(msg)
}

func Error(msg string, err error, kv ...any) {
	l := current()
	l.Error().Err(err).Fields(normalizeKVs(kv)).Msg(msg)
}

// normalizeKVs drops pairs whose key is not a string and a trailing odd value,
// so zerolog never sees a malformed field list.
func normalizeKVs(kv []any) []any {
	out := make([]any, 0, len(kv))
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		out = append(out, key, kv[i+1])
	}
	return out
}
