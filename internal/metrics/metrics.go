package metrics

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type Registry struct {
	subscriptionsStarted atomic.Int64
	subscriptionsStopped atomic.Int64
	filesDelivered       atomic.Int64
	bytesDelivered       atomic.Int64
	watcherErrors        atomic.Int64
	watcherEvents        atomic.Int64
	skipped              sync.Map
	requests             sync.Map
}

type requestStats struct {
	count         atomic.Int64
	files         atomic.Int64
	durationNanos atomic.Int64
}

var Default = &Registry{}

func (r *Registry) IncSubscriptionStarted() {
	if r == nil {
		return
	}
	r.subscriptionsStarted.Add(1)
}

func (r *Registry) IncSubscriptionStopped() {
	if r == nil {
		return
	}
	r.subscriptionsStopped.Add(1)
}

// ActiveSubscriptions is derived from the started and stopped counters.
func (r *Registry) ActiveSubscriptions() int64 {
	if r == nil {
		return 0
	}
	return r.subscriptionsStarted.Load() - r.subscriptionsStopped.Load()
}

func (r *Registry) RecordDelivery(size int) {
	if r == nil {
		return
	}
	r.filesDelivered.Add(1)
	r.bytesDelivered.Add(int64(size))
}

func (r *Registry) IncWatcherError() {
	if r == nil {
		return
	}
	r.watcherErrors.Add(1)
}

// AddWatcherEvents adds the events a directory watcher forwarded over its
// lifetime.
func (r *Registry) AddWatcherEvents(count uint64) {
	if r == nil {
		return
	}
	r.watcherEvents.Add(int64(count))
}

// RecordSkip counts a candidate file that was not delivered, keyed by reason
// (timeout, missing, read_error, not_regular, unchanged).
func (r *Registry) RecordSkip(reason string) {
	if r == nil {
		return
	}
	if strings.TrimSpace(reason) == "" {
		reason = "unknown"
	}
	counter, _ := r.skipped.LoadOrStore(reason, &atomic.Int64{})
	counter.(*atomic.Int64).Add(1)
}

// RecordRequest records a one-shot fetch (results or group files).
func (r *Registry) RecordRequest(kind string, files int, duration time.Duration) {
	if r == nil {
		return
	}
	if strings.TrimSpace(kind) == "" {
		kind = "unknown"
	}
	value, _ := r.requests.LoadOrStore(kind, &requestStats{})
	stats := value.(*requestStats)
	stats.count.Add(1)
	stats.files.Add(int64(files))
	stats.durationNanos.Add(duration.Nanoseconds())
}

func (r *Registry) FilesDelivered() int64 {
	if r == nil {
		return 0
	}
	return r.filesDelivered.Load()
}

func (r *Registry) Skipped(reason string) int64 {
	if r == nil {
		return 0
	}
	value, ok := r.skipped.Load(reason)
	if !ok {
		return 0
	}
	return value.(*atomic.Int64).Load()
}

func (r *Registry) WritePrometheus(writer io.Writer) error {
	if r == nil {
		return nil
	}

	writeCounter(writer, "resultd_subscriptions_started_total", "Total result subscriptions started", r.subscriptionsStarted.Load())
	writeCounter(writer, "resultd_subscriptions_stopped_total", "Total result subscriptions stopped", r.subscriptionsStopped.Load())
	writeHelp(writer, "resultd_subscriptions_active", "Result subscriptions currently running")
	fmt.Fprintln(writer, "# TYPE resultd_subscriptions_active gauge")
	fmt.Fprintf(writer, "resultd_subscriptions_active %d\n", r.ActiveSubscriptions())
	writeCounter(writer, "resultd_files_delivered_total", "Files delivered to subscribers", r.filesDelivered.Load())
	writeCounter(writer, "resultd_bytes_delivered_total", "Bytes delivered to subscribers", r.bytesDelivered.Load())
	writeCounter(writer, "resultd_watcher_errors_total", "Directory watcher errors", r.watcherErrors.Load())
	writeCounter(writer, "resultd_watcher_events_total", "Create and write events seen by directory watchers", r.watcherEvents.Load())

	writeHelp(writer, "resultd_files_skipped_total", "Candidate files skipped by reason")
	fmt.Fprintln(writer, "# TYPE resultd_files_skipped_total counter")
	for _, reason := range sortedKeys(&r.skipped) {
		value, _ := r.skipped.Load(reason)
		fmt.Fprintf(writer, "resultd_files_skipped_total{reason=%s} %d\n", formatLabel(reason), value.(*atomic.Int64).Load())
	}

	writeHelp(writer, "resultd_request_duration_seconds", "One-shot request duration in seconds")
	fmt.Fprintln(writer, "# TYPE resultd_request_duration_seconds summary")
	writeHelp(writer, "resultd_request_files_total", "Files returned by one-shot requests")
	fmt.Fprintln(writer, "# TYPE resultd_request_files_total counter")
	for _, kind := range sortedKeys(&r.requests) {
		value, _ := r.requests.Load(kind)
		stats := value.(*requestStats)
		label := formatLabel(kind)
		durationSeconds := float64(stats.durationNanos.Load()) / float64(time.Second)
		fmt.Fprintf(writer, "resultd_request_duration_seconds_sum{kind=%s} %.6f\n", label, durationSeconds)
		fmt.Fprintf(writer, "resultd_request_duration_seconds_count{kind=%s} %d\n", label, stats.count.Load())
		fmt.Fprintf(writer, "resultd_request_files_total{kind=%s} %d\n", label, stats.files.Load())
	}

	return nil
}

func sortedKeys(values *sync.Map) []string {
	var names []string
	values.Range(func(key, _ any) bool {
		if name, ok := key.(string); ok {
			names = append(names, name)
		}
		return true
	})
	sort.Strings(names)
	return names
}

func writeHelp(writer io.Writer, metric, help string) {
	fmt.Fprintf(writer, "# HELP %s %s\n", metric, help)
}

func writeCounter(writer io.Writer, metric, help string, value int64) {
	writeHelp(writer, metric, help)
	fmt.Fprintf(writer, "# TYPE %s counter\n", metric)
	fmt.Fprintf(writer, "%s %d\n", metric, value)
}

func formatLabel(value string) string {
	escaped := strings.ReplaceAll(value, "\\", "\\\\")
	escaped = strings.ReplaceAll(escaped, "\"", "\\\"")
	return fmt.Sprintf("\"%s\"", escaped)
}
