package logging

import (
	"sync"

	"resultd/internal/buffer"
)

// LogBuffer keeps the most recent entries in memory for the logs endpoint.
type LogBuffer struct {
	mu      sync.Mutex
	entries *buffer.Ring[LogEntry]
}

func NewLogBuffer(size int) *LogBuffer {
	return &LogBuffer{entries: buffer.NewRing[LogEntry](size)}
}

func (b *LogBuffer) Add(entry LogEntry) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries.Add(entry)
}

func (b *LogBuffer) List() []LogEntry {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.entries.List()
}

// Tail returns up to n newest entries at or above minLevel.
func (b *LogBuffer) Tail(n int, minLevel Level) []LogEntry {
	entries := b.List()
	if minLevel != "" {
		filtered := entries[:0:0]
		for _, entry := range entries {
			if entry.Level.AtLeast(minLevel) {
				filtered = append(filtered, entry)
			}
		}
		entries = filtered
	}
	if n > 0 && len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	return entries
}
