package logging

import (
	"strings"
	"time"
)

type Level string

const (
	LevelDebug   Level = "debug"
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

// Field keys shared by every component logger.
const (
	FieldCategory = "resultd.category"
	FieldSource   = "resultd.source"
)

// ParseLevel accepts the level names case-insensitively, plus "warn".
func ParseLevel(value string) (Level, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return LevelDebug, true
	case "info":
		return LevelInfo, true
	case "warning", "warn":
		return LevelWarning, true
	case "error":
		return LevelError, true
	default:
		return "", false
	}
}

// AtLeast reports whether l is as severe as min. An empty min admits every
// level; an unknown l ranks as info.
func (l Level) AtLeast(min Level) bool {
	if min == "" {
		return true
	}
	return l.rank() >= min.rank()
}

func (l Level) rank() int {
	switch l {
	case LevelDebug:
		return 0
	case LevelWarning:
		return 2
	case LevelError:
		return 3
	default:
		return 1
	}
}

func (l Level) valid() bool {
	switch l {
	case LevelDebug, LevelInfo, LevelWarning, LevelError:
		return true
	default:
		return false
	}
}

type LogEntry struct {
	Timestamp time.Time         `json:"timestamp"`
	Level     Level             `json:"level"`
	Message   string            `json:"message"`
	Context   map[string]string `json:"context,omitempty"`
}

func (e LogEntry) Category() string {
	return e.Context[FieldCategory]
}
