// Package logger provides leveled logging over the standard log package.
// The pipeline is designed around silent degradation, so most operational
// problems surface here rather than as errors to the caller.
package logger

import (
	"fmt"
	"log"
	"os"
	"strings"
)

// Level represents a logging level.
type Level int

const (
	// DebugLevel logs are voluminous and usually disabled.
	DebugLevel Level = iota
	// InfoLevel is the default priority.
	InfoLevel
	// WarnLevel logs are important but don't need individual review.
	WarnLevel
	// ErrorLevel logs should be rare in a healthy process.
	ErrorLevel
)

// Logger provides leveled logging.
type Logger struct {
	level  Level
	logger *log.Logger
}

var defaultLogger = &Logger{
	level:  InfoLevel,
	logger: log.New(os.Stderr, "", log.LstdFlags),
}

// Init configures the default logger with the given level name.
// Unknown names fall back to info.
func Init(level string) {
	var l Level
	switch strings.ToLower(level) {
	case "debug":
		l = DebugLevel
	case "info":
		l = InfoLevel
	case "warn":
		l = WarnLevel
	case "error":
		l = ErrorLevel
	default:
		l = InfoLevel
	}
	defaultLogger = &Logger{
		level:  l,
		logger: log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds),
	}
}

// Debug logs a message at DebugLevel.
func Debug(format string, args ...any) {
	if defaultLogger.level <= DebugLevel {
		_ = defaultLogger.logger.Output(2, fmt.Sprintf("[DEBUG] "+format, args...))
	}
}

// Info logs a message at InfoLevel.
func Info(format string, args ...any) {
	if defaultLogger.level <= InfoLevel {
		_ = defaultLogger.logger.Output(2, fmt.Sprintf("[INFO] "+format, args...))
	}
}

// Warn logs a message at WarnLevel.
func Warn(format string, args ...any) {
	if defaultLogger.level <= WarnLevel {
		_ = defaultLogger.logger.Output(2, fmt.Sprintf("[WARN] "+format, args...))
	}
}

// Error logs a message at ErrorLevel.
func Error(format string, args ...any) {
	if defaultLogger.level <= ErrorLevel {
		_ = defaultLogger.logger.Output(2, fmt.Sprintf("[ERROR] "+format, args...))
	}
}
