package results

import (
	"context"
	"errors"
	"time"

	"resultd/internal/groups"
)

var (
	ErrOutputDirMissing     = errors.New("output directory does not exist")
	ErrServiceClosed        = errors.New("results service closed")
	ErrTooManySubscriptions = errors.New("too many subscriptions")
	ErrAlreadyStarted       = errors.New("subscription already started")
)

// Payload is one delivered file.
type Payload struct {
	Filename string
	Path     string
	Content  []byte
	MimeType string
	Size     int64
	ModTime  time.Time
}

// Sink receives payloads for one subscriber. An error means the subscriber
// is gone and ends the subscription.
type Sink func(ctx context.Context, payload Payload) error

// GroupSink receives group events for one subscriber.
type GroupSink func(ctx context.Context, event groups.Event) error

type State string

const (
	StateCreated State = "created"
	StateRunning State = "running"
	StateStopped State = "stopped"
)

type Kind string

const (
	KindResults Kind = "results"
	KindGroups  Kind = "groups"
)

// Info is a point-in-time view of a subscription.
type Info struct {
	ID              string    `json:"id"`
	Kind            Kind      `json:"kind"`
	SimulationID    string    `json:"simulation_id,omitempty"`
	Dir             string    `json:"dir"`
	Patterns        []string  `json:"patterns,omitempty"`
	IncludeExisting bool      `json:"include_existing"`
	State           State     `json:"state"`
	CreatedAt       time.Time `json:"created_at"`
	Delivered       int64     `json:"delivered"`
}
