package simulation

import (
	"errors"
	"time"
)

var (
	ErrUnknownSimulation   = errors.New("unknown simulation")
	ErrDuplicateSimulation = errors.New("simulation already running")
)

type State string

const (
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateStopped   State = "stopped"
)

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateStopped
}

func ParseState(value string) (State, bool) {
	switch State(value) {
	case StateRunning, StateCompleted, StateFailed, StateStopped:
		return State(value), true
	default:
		return "", false
	}
}

type Run struct {
	ID         string    `json:"id"`
	OutputDir  string    `json:"output_dir"`
	State      State     `json:"state"`
	Reason     string    `json:"reason,omitempty"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

const (
	EventStarted   = "simulation_started"
	EventCompleted = "simulation_completed"
	EventFailed    = "simulation_failed"
	EventStopped   = "simulation_stopped"
)

// Event reports a run state change.
type Event struct {
	EventType    string    `json:"type"`
	SimulationID string    `json:"simulation_id"`
	OutputDir    string    `json:"output_dir"`
	Reason       string    `json:"reason,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

func (e Event) Type() string {
	return e.EventType
}

func (e Event) Timestamp() time.Time {
	return e.OccurredAt
}

// Terminal reports whether the run has finished and its subscriptions
// should end.
func (e Event) Terminal() bool {
	switch e.EventType {
	case EventCompleted, EventFailed, EventStopped:
		return true
	default:
		return false
	}
}

func eventTypeFor(state State) string {
	switch state {
	case StateCompleted:
		return EventCompleted
	case StateFailed:
		return EventFailed
	case StateStopped:
		return EventStopped
	default:
		return EventStarted
	}
}
