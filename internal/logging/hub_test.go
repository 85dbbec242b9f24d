package logging

import (
	"testing"
	"time"
)

func TestLogHubBroadcastFiltersLevel(t *testing.T) {
	hub := NewLogHub()
	ch, cancel := hub.Subscribe(LevelWarning, 2)
	defer cancel()

	hub.Broadcast(LogEntry{Level: LevelInfo, Message: "skipped"})
	hub.Broadcast(LogEntry{Level: LevelError, Message: "hello"})

	select {
	case got := <-ch:
		if got.Message != "hello" {
			t.Fatalf("expected message hello, got %q", got.Message)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatalf("timed out waiting for log entry")
	}
}

func TestLogHubCountsDropsForSlowSubscribers(t *testing.T) {
	hub := NewLogHub()
	_, cancel := hub.Subscribe("", 1)
	defer cancel()

	hub.Broadcast(LogEntry{Level: LevelInfo, Message: "one"})
	hub.Broadcast(LogEntry{Level: LevelInfo, Message: "two"})
	if hub.Dropped() != 1 {
		t.Fatalf("expected 1 dropped entry, got %d", hub.Dropped())
	}
}

func TestLogHubCloseClosesSubscribers(t *testing.T) {
	hub := NewLogHub()
	ch, cancel := hub.Subscribe("", 1)
	hub.Close()
	cancel()

	if _, ok := <-ch; ok {
		t.Fatalf("expected channel closed")
	}
	late, _ := hub.Subscribe("", 1)
	if _, ok := <-late; ok {
		t.Fatalf("expected closed hub to hand out closed channels")
	}
}
