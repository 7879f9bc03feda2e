// Package logger provides the process-wide structured logger.
package logger

import (
	"os"
	"sync"
)

// Log levels accepted by the daemon configuration.
const (
	DebugLevel = "debug"
	InfoLevel  = "info"
	WarnLevel  = "warn"
	ErrorLevel = "error"
)

var (
	process     *Logger
	processOnce sync.Once
)

// Get returns the process logger. Only the first call's level is used.
func Get(level string) *Logger {
	processOnce.Do(func() {
		process = New(level, os.Stdout)
	})
	return process
}

// LevelFor picks the effective level: debug wins over the configured one.
func LevelFor(configured string, debug bool) string {
	if debug {
		return DebugLevel
	}
	if configured == "" {
		return InfoLevel
	}
	return configured
}
