package obs

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu   sync.RWMutex
	base = newLogger(os.Stdout)
)

func newLogger(w io.Writer) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	return zerolog.New(w).With().Timestamp().Logger().Level(zerolog.InfoLevel)
}

// EnableDebug globally enables debug logs.
func EnableDebug(v bool) {
	mu.Lock()
	defer mu.Unlock()
	if v {
		base = base.Level(zerolog.DebugLevel)
	} else {
		base = base.Level(zerolog.InfoLevel)
	}
}

// SetOutput redirects log lines to w, keeping the current level.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	lvl := base.GetLevel()
	base = newLogger(w).Level(lvl)
}

type Fields map[string]any

func logger() *zerolog.Logger {
	mu.RLock()
	l := base
	mu.RUnlock()
	return &l
}

func Info(msg string, f Fields)  { logger().Info().Fields(map[string]any(f)).Msg(msg) }
func Error(msg string, f Fields) { logger().Error().Fields(map[string]any(f)).Msg(msg) }
func Debug(msg string, f Fields) { logger().Debug().Fields(map[string]any(f)).Msg(msg) }
