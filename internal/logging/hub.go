package logging

import (
	"sync"
	"sync/atomic"
)

const defaultSubscriberBuffer = 100

type hubSubscriber struct {
	ch       chan LogEntry
	minLevel Level
}

// LogHub fans entries out to live subscribers. A slow subscriber misses
// entries instead of blocking the logger; Dropped counts them.
type LogHub struct {
	mu      sync.Mutex
	nextID  uint64
	subs    map[uint64]hubSubscriber
	closed  bool
	dropped atomic.Int64
}

func NewLogHub() *LogHub {
	return &LogHub{subs: make(map[uint64]hubSubscriber)}
}

// Subscribe returns entries at or above minLevel and a cancel func that
// closes the channel.
func (h *LogHub) Subscribe(minLevel Level, buffer int) (<-chan LogEntry, func()) {
	if h == nil {
		return nil, func() {}
	}
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan LogEntry, buffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	h.nextID++
	id := h.nextID
	h.subs[id] = hubSubscriber{ch: ch, minLevel: minLevel}
	return ch, func() { h.remove(id) }
}

func (h *LogHub) remove(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(sub.ch)
	}
}

func (h *LogHub) Broadcast(entry LogEntry) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, sub := range h.subs {
		if !entry.Level.AtLeast(sub.minLevel) {
			continue
		}
		select {
		case sub.ch <- entry:
		default:
			h.dropped.Add(1)
		}
	}
}

func (h *LogHub) Dropped() int64 {
	if h == nil {
		return 0
	}
	return h.dropped.Load()
}

func (h *LogHub) Close() {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for id, sub := range h.subs {
		delete(h.subs, id)
		close(sub.ch)
	}
}
