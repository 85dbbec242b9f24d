package watcher

import (
	"errors"
	"time"

	"resultd/internal/logging"
	"resultd/internal/metrics"
)

var ErrWatcherClosed = errors.New("watcher closed")

type Kind string

const (
	KindCreated  Kind = "created"
	KindModified Kind = "modified"
)

type Event struct {
	Path      string
	Kind      Kind
	Timestamp time.Time
}

type Options struct {
	// Slice bounds a single Poll wait when the caller passes zero.
	Slice      time.Duration
	BufferSize int
	Logger     *logging.Logger
	Metrics    *metrics.Registry
}
