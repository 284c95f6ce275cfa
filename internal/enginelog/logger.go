// Package enginelog sets up the process-wide structured logger. It mirrors
// the teacher's logger.go habit of JSON-formatted output gated by a
// LOG_LEVEL environment variable, ported onto zerolog (the logging
// dependency the teacher's go.mod actually declares).
package enginelog

import (
	"os"
	"sync"

	"github.com/rs/zerolog"
)

var (
	once   sync.Once
	logger zerolog.Logger
)

// Logger returns the process-wide logger, initializing it on first use.
func Logger() zerolog.Logger {
	once.Do(func() {
		level := zerolog.InfoLevel
		if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
			if parsed, err := zerolog.ParseLevel(lvl); err == nil {
				level = parsed
			}
		}
		zerolog.SetGlobalLevel(level)
		logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	})
	return logger
}

// ForTask returns a logger with task_id and session_id fields attached, so
// every line emitted while handling one task is correlated without the
// caller re-stating its identity.
func ForTask(taskID string, sessionID int64) zerolog.Logger {
	return Logger().With().Str("task_id", taskID).Int64("session_id", sessionID).Logger()
}
