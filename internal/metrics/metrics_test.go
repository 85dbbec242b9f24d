package metrics

import (
	"bytes"
	"strings"
	"testing"
	"time"
)

func TestWritePrometheusIncludesCounters(t *testing.T) {
	registry := &Registry{}
	registry.IncSubscriptionStarted()
	registry.IncSubscriptionStarted()
	registry.IncSubscriptionStopped()
	registry.RecordDelivery(128)
	registry.RecordSkip("timeout")
	registry.RecordSkip("timeout")
	registry.RecordRequest("results", 3, 20*time.Millisecond)
	registry.AddWatcherEvents(7)

	var out bytes.Buffer
	if err := registry.WritePrometheus(&out); err != nil {
		t.Fatalf("write: %v", err)
	}
	text := out.String()
	for _, want := range []string{
		"resultd_subscriptions_started_total 2",
		"resultd_subscriptions_active 1",
		"resultd_bytes_delivered_total 128",
		"resultd_watcher_events_total 7",
		`resultd_files_skipped_total{reason="timeout"} 2`,
		`resultd_request_files_total{kind="results"} 3`,
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("expected %q in output:\n%s", want, text)
		}
	}
}

func TestNilRegistryIsSafe(t *testing.T) {
	var registry *Registry
	registry.RecordDelivery(1)
	registry.RecordSkip("missing")
	if registry.FilesDelivered() != 0 {
		t.Fatalf("expected zero from nil registry")
	}
}
