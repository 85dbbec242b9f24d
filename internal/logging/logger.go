// Package logging records structured entries in memory for the logs
// endpoints, fans them out to live followers and prints them as logfmt lines.
package logging

import (
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const DefaultBufferSize = 1000

// core is shared by a logger and everything derived from it.
type core struct {
	buffer *LogBuffer
	hub    *LogHub
	mu     sync.Mutex
	out    io.Writer
}

type Logger struct {
	core     *core
	minLevel Level
	fields   map[string]string
}

func NewLogger(buffer *LogBuffer, minLevel Level) *Logger {
	return NewLoggerWithOutput(buffer, minLevel, os.Stdout)
}

func NewLoggerWithOutput(buffer *LogBuffer, minLevel Level, output io.Writer) *Logger {
	if buffer == nil {
		buffer = NewLogBuffer(DefaultBufferSize)
	}
	if !minLevel.valid() {
		minLevel = LevelInfo
	}
	return &Logger{
		core:     &core{buffer: buffer, hub: NewLogHub(), out: output},
		minLevel: minLevel,
	}
}

// Discard returns a logger that keeps a small buffer and writes nowhere.
func Discard() *Logger {
	return NewLoggerWithOutput(NewLogBuffer(64), LevelInfo, nil)
}

func (l *Logger) Buffer() *LogBuffer {
	if l == nil {
		return nil
	}
	return l.core.buffer
}

// Subscribe follows new entries at or above minLevel.
func (l *Logger) Subscribe(minLevel Level) (<-chan LogEntry, func()) {
	if l == nil {
		return nil, func() {}
	}
	return l.core.hub.Subscribe(minLevel, 0)
}

func (l *Logger) With(fields map[string]string) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{core: l.core, minLevel: l.minLevel, fields: mergeFields(l.fields, fields)}
}

// Component tags every entry with a resultd.category value.
func (l *Logger) Component(category string) *Logger {
	return l.With(map[string]string{
		FieldCategory: category,
		FieldSource:   "backend",
	})
}

func (l *Logger) Debug(message string, fields map[string]string) {
	l.log(LevelDebug, message, fields)
}

func (l *Logger) Info(message string, fields map[string]string) {
	l.log(LevelInfo, message, fields)
}

func (l *Logger) Warn(message string, fields map[string]string) {
	l.log(LevelWarning, message, fields)
}

func (l *Logger) Error(message string, fields map[string]string) {
	l.log(LevelError, message, fields)
}

func (l *Logger) Enabled(level Level) bool {
	return l != nil && level.AtLeast(l.minLevel)
}

func (l *Logger) log(level Level, message string, fields map[string]string) {
	if !l.Enabled(level) {
		return
	}
	entry := LogEntry{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   message,
		Context:   mergeFields(l.fields, fields),
	}
	l.core.buffer.Add(entry)
	l.core.hub.Broadcast(entry)
	l.core.write(entry)
}

func (c *core) write(entry LogEntry) {
	if c.out == nil {
		return
	}
	line := formatEntry(entry)
	c.mu.Lock()
	defer c.mu.Unlock()
	_, _ = io.WriteString(c.out, line)
}

func mergeFields(base, extra map[string]string) map[string]string {
	if len(base) == 0 && len(extra) == 0 {
		return nil
	}
	combined := make(map[string]string, len(base)+len(extra))
	for key, value := range base {
		combined[key] = value
	}
	for key, value := range extra {
		combined[key] = value
	}
	return combined
}

// formatEntry renders one logfmt line. The category leads; source is implied
// and omitted.
func formatEntry(entry LogEntry) string {
	var b strings.Builder
	b.WriteString("time=")
	b.WriteString(entry.Timestamp.Format(time.RFC3339Nano))
	b.WriteString(" level=")
	b.WriteString(string(entry.Level))
	if category := entry.Category(); category != "" {
		b.WriteString(" category=")
		b.WriteString(category)
	}
	b.WriteString(" msg=")
	b.WriteString(strconv.Quote(entry.Message))

	keys := make([]string, 0, len(entry.Context))
	for key := range entry.Context {
		if key == FieldCategory || key == FieldSource {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		b.WriteByte(' ')
		b.WriteString(key)
		b.WriteByte('=')
		b.WriteString(strconv.Quote(entry.Context[key]))
	}
	b.WriteByte('\n')
	return b.String()
}
