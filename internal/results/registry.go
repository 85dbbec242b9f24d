package results

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Registry tracks live subscriptions by id and by simulation id. Stop calls
// always happen outside the lock because stopping subscriptions deregister
// themselves.
type Registry struct {
	mu           sync.Mutex
	byID         map[string]*Subscription
	bySimulation map[string]map[string]struct{}
	limit        int
	closed       bool
}

func NewRegistry(limit int) *Registry {
	return &Registry{
		byID:         make(map[string]*Subscription),
		bySimulation: make(map[string]map[string]struct{}),
		limit:        limit,
	}
}

// Register adds sub and arranges for it to leave the registry when it stops.
func (r *Registry) Register(sub *Subscription) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrServiceClosed
	}
	if r.limit > 0 && len(r.byID) >= r.limit {
		r.mu.Unlock()
		return fmt.Errorf("%w (limit %d)", ErrTooManySubscriptions, r.limit)
	}
	r.byID[sub.ID()] = sub
	if simID := sub.SimulationID(); simID != "" {
		ids := r.bySimulation[simID]
		if ids == nil {
			ids = make(map[string]struct{})
			r.bySimulation[simID] = ids
		}
		ids[sub.ID()] = struct{}{}
	}
	r.mu.Unlock()

	sub.addStopHook(r.remove)
	return nil
}

func (r *Registry) remove(sub *Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.byID[sub.ID()]; !ok || current != sub {
		return
	}
	delete(r.byID, sub.ID())
	if ids, ok := r.bySimulation[sub.SimulationID()]; ok {
		delete(ids, sub.ID())
		if len(ids) == 0 {
			delete(r.bySimulation, sub.SimulationID())
		}
	}
}

func (r *Registry) Get(id string) (*Subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sub, ok := r.byID[id]
	return sub, ok
}

func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

func (r *Registry) CountForSimulation(simID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bySimulation[simID])
}

// List returns subscription views ordered by creation time.
func (r *Registry) List() []Info {
	r.mu.Lock()
	subs := make([]*Subscription, 0, len(r.byID))
	for _, sub := range r.byID {
		subs = append(subs, sub)
	}
	r.mu.Unlock()

	infos := make([]Info, 0, len(subs))
	for _, sub := range subs {
		infos = append(infos, sub.Info())
	}
	sort.Slice(infos, func(i, j int) bool {
		if !infos[i].CreatedAt.Equal(infos[j].CreatedAt) {
			return infos[i].CreatedAt.Before(infos[j].CreatedAt)
		}
		return infos[i].ID < infos[j].ID
	})
	return infos
}

func (r *Registry) StopOne(id string) bool {
	sub, ok := r.Get(id)
	if !ok {
		return false
	}
	sub.Stop()
	return true
}

func (r *Registry) StopAllForSimulation(simID string) int {
	r.mu.Lock()
	subs := make([]*Subscription, 0, len(r.bySimulation[simID]))
	for id := range r.bySimulation[simID] {
		if sub, ok := r.byID[id]; ok {
			subs = append(subs, sub)
		}
	}
	r.mu.Unlock()

	stopAll(subs)
	return len(subs)
}

func (r *Registry) StopAll() int {
	r.mu.Lock()
	subs := make([]*Subscription, 0, len(r.byID))
	for _, sub := range r.byID {
		subs = append(subs, sub)
	}
	r.mu.Unlock()

	stopAll(subs)
	return len(subs)
}

// Close rejects further registrations and stops everything registered.
func (r *Registry) Close() int {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return r.StopAll()
}

// Bind stops the subscription when ctx ends, typically a caller's request
// context.
func (r *Registry) Bind(ctx context.Context, id string) {
	sub, ok := r.Get(id)
	if !ok || ctx == nil || ctx.Done() == nil {
		return
	}
	go func() {
		select {
		case <-ctx.Done():
			sub.Stop()
		case <-sub.Done():
		}
	}()
}

func stopAll(subs []*Subscription) {
	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(sub *Subscription) {
			defer wg.Done()
			sub.Stop()
		}(sub)
	}
	wg.Wait()
}
