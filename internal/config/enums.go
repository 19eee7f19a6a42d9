package config

import (
	"fmt"
	"slices"
	"strings"
)

// enum maps case-insensitive user input onto a typed value set.
type enum[T ~string] struct {
	name   string
	values []T
}

func (e enum[T]) parse(raw string) (T, error) {
	cleaned := T(strings.ToLower(strings.TrimSpace(raw)))
	if slices.Contains(e.values, cleaned) {
		return cleaned, nil
	}
	return "", fmt.Errorf("invalid %s %q, valid options: %v", e.name, raw, e.values)
}

func (e enum[T]) normalize(raw string, fallback T) T {
	if v, err := e.parse(raw); err == nil {
		return v
	}
	return fallback
}

// RetryBackoffMode enumerates supported backoff strategies for retries.
type RetryBackoffMode string

const (
	RetryBackoffFixed       RetryBackoffMode = "fixed"
	RetryBackoffLinear      RetryBackoffMode = "linear"
	RetryBackoffExponential RetryBackoffMode = "exponential"
)

var retryBackoffModes = enum[RetryBackoffMode]{
	name:   "retry backoff",
	values: []RetryBackoffMode{RetryBackoffFixed, RetryBackoffLinear, RetryBackoffExponential},
}

// NormalizeRetryBackoff converts user input into a typed mode, returning empty string for unknown.
func NormalizeRetryBackoff(raw string) RetryBackoffMode {
	return retryBackoffModes.normalize(raw, "")
}

// LogLevel enumerates supported logging levels.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

var logLevels = enum[LogLevel]{
	name:   "log level",
	values: []LogLevel{LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError},
}

// NormalizeLogLevel returns the typed level, defaulting to info.
func NormalizeLogLevel(raw string) LogLevel {
	return logLevels.normalize(raw, LogLevelInfo)
}

// ParseLogLevel is the strict form used for CLI flags.
func ParseLogLevel(raw string) (LogLevel, error) {
	return logLevels.parse(raw)
}

// LogFormat enumerates supported log output formats.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

var logFormats = enum[LogFormat]{
	name:   "log format",
	values: []LogFormat{LogFormatJSON, LogFormatText},
}

// NormalizeLogFormat returns the typed format, defaulting to text.
func NormalizeLogFormat(raw string) LogFormat {
	return logFormats.normalize(raw, LogFormatText)
}
