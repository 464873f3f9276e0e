package udf

import (
	"log/slog"

	"github.com/roach88/udfcore/internal/value"
)

// LogLevel is the level of a line emitted by function code.
type LogLevel string

const (
	LogDebug LogLevel = "DEBUG"
	LogInfo  LogLevel = "INFO"
	LogLog   LogLevel = "LOG"
	LogWarn  LogLevel = "WARN"
	LogError LogLevel = "ERROR"
)

// SlogLevel maps a function log level onto the host logger.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogLine is one structured log line emitted by function code.
type LogLine struct {
	Level     LogLevel `json:"level"`
	Messages  []string `json:"messages"`
	Timestamp int64    `json:"timestamp"` // unix ms, logical clock
}

// FunctionResult is returned for a committed mutation.
type FunctionResult struct {
	Value         value.Value `json:"value"`
	LogLines      []LogLine   `json:"log_lines"`
	CommitVersion uint64      `json:"commit_version"`
	Attempts      int         `json:"attempts"`
	RequestID     string      `json:"request_id"`
}
