// Package simulation tracks simulation runs reported by an external launcher
// and maps run ids to their output directories.
package simulation

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"resultd/internal/event"
	"resultd/internal/logging"

	"github.com/google/uuid"
)

const (
	defaultHistorySize = 64
	eventSendTimeout   = 2 * time.Second
)

type Tracker struct {
	mu        sync.RWMutex
	active    map[string]Run
	completed map[string]Run
	bus       *event.Bus[Event]
	logger    *logging.Logger
	now       func() time.Time
}

func NewTracker(ctx context.Context, logger *logging.Logger) *Tracker {
	if logger == nil {
		logger = logging.Discard()
	}
	logger = logger.Component("simulation")
	return &Tracker{
		active:    make(map[string]Run),
		completed: make(map[string]Run),
		bus: event.NewBus[Event](ctx, event.BusOptions{
			Name: "simulation_events",
			// Followers stop subscriptions on terminal events.
			SendTimeout: eventSendTimeout,
			HistorySize: defaultHistorySize,
			Logger:      logger,
		}),
		logger: logger,
		now:    time.Now,
	}
}

func (t *Tracker) Events() *event.Bus[Event] {
	return t.bus
}

// Register records a running simulation. An empty id gets a generated one.
func (t *Tracker) Register(id, outputDir string) (Run, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		id = uuid.NewString()
	}
	if strings.TrimSpace(outputDir) == "" {
		return Run{}, fmt.Errorf("register %s: output directory is required", id)
	}

	t.mu.Lock()
	if _, exists := t.active[id]; exists {
		t.mu.Unlock()
		return Run{}, fmt.Errorf("register %s: %w", id, ErrDuplicateSimulation)
	}
	run := Run{ID: id, OutputDir: outputDir, State: StateRunning, StartedAt: t.now().UTC()}
	t.active[id] = run
	delete(t.completed, id)
	t.mu.Unlock()

	t.logger.Info("simulation registered", map[string]string{
		"simulation_id": id,
		"output_dir":    outputDir,
	})
	t.publish(run)
	return run, nil
}

func (t *Tracker) Complete(id string) (Run, error) {
	return t.finish(id, StateCompleted, "")
}

func (t *Tracker) Fail(id, reason string) (Run, error) {
	return t.finish(id, StateFailed, reason)
}

func (t *Tracker) Stop(id string) (Run, error) {
	return t.finish(id, StateStopped, "")
}

func (t *Tracker) finish(id string, state State, reason string) (Run, error) {
	t.mu.Lock()
	run, ok := t.active[id]
	if !ok {
		t.mu.Unlock()
		return Run{}, fmt.Errorf("%s %s: %w", state, id, ErrUnknownSimulation)
	}
	delete(t.active, id)
	run.State = state
	run.Reason = reason
	run.FinishedAt = t.now().UTC()
	t.completed[id] = run
	t.mu.Unlock()

	fields := map[string]string{"simulation_id": id, "state": string(state)}
	if reason != "" {
		fields["reason"] = reason
	}
	t.logger.Info("simulation finished", fields)
	t.publish(run)
	return run, nil
}

// Seed adds finished runs, typically loaded from a manifest. Active ids are
// skipped and a run without a terminal state is recorded as completed.
func (t *Tracker) Seed(runs []Run) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	added := 0
	for _, run := range runs {
		if run.ID == "" || run.OutputDir == "" {
			continue
		}
		if _, active := t.active[run.ID]; active {
			continue
		}
		if !run.State.Terminal() {
			run.State = StateCompleted
		}
		t.completed[run.ID] = run
		added++
	}
	return added
}

// ResolveOutputDir prefers an active run over a finished one.
func (t *Tracker) ResolveOutputDir(id string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if run, ok := t.active[id]; ok {
		return run.OutputDir, true
	}
	if run, ok := t.completed[id]; ok {
		return run.OutputDir, true
	}
	return "", false
}

func (t *Tracker) Get(id string) (Run, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if run, ok := t.active[id]; ok {
		return run, true
	}
	run, ok := t.completed[id]
	return run, ok
}

func (t *Tracker) Active() []Run {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return sortedRuns(t.active)
}

func (t *Tracker) Completed() []Run {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return sortedRuns(t.completed)
}

func (t *Tracker) Close() {
	t.bus.Close()
}

func (t *Tracker) publish(run Run) {
	t.bus.Publish(Event{
		EventType:    eventTypeFor(run.State),
		SimulationID: run.ID,
		OutputDir:    run.OutputDir,
		Reason:       run.Reason,
		OccurredAt:   t.now().UTC(),
	})
}

func sortedRuns(runs map[string]Run) []Run {
	out := make([]Run, 0, len(runs))
	for _, run := range runs {
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
