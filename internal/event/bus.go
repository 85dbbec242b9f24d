// Package event provides a typed in-process publish/subscribe bus with a
// bounded history of recent events.
package event

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"resultd/internal/buffer"
	"resultd/internal/logging"
)

const (
	defaultSubscriberBuffer = 128
	dropWarningInterval     = 30 * time.Second
)

type BusOptions struct {
	Name             string
	SubscriberBuffer int
	// SendTimeout makes Publish wait up to this long for a full subscriber,
	// then evict it. Zero drops the event for that subscriber instead.
	SendTimeout time.Duration
	HistorySize int
	Logger      *logging.Logger
}

type Bus[T any] struct {
	opts     BusOptions
	history  *buffer.Ring[T]
	dropWarn *logging.Throttle

	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*subscriber[T]
	closed bool

	published atomic.Int64
	dropped   atomic.Int64
}

type subscriber[T any] struct {
	filter func(T) bool

	// mu orders sends against close so a cancelled subscriber is never sent
	// to.
	mu     sync.Mutex
	ch     chan T
	closed bool
}

// NewBus creates a bus that closes itself when ctx ends.
func NewBus[T any](ctx context.Context, opts BusOptions) *Bus[T] {
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = defaultSubscriberBuffer
	}
	if opts.Name == "" {
		opts.Name = "event_bus"
	}
	bus := &Bus[T]{
		opts:     opts,
		subs:     make(map[uint64]*subscriber[T]),
		dropWarn: logging.NewThrottle(dropWarningInterval),
	}
	if opts.HistorySize > 0 {
		bus.history = buffer.NewRing[T](opts.HistorySize)
	}
	if ctx != nil && ctx.Done() != nil {
		go func() {
			<-ctx.Done()
			bus.Close()
		}()
	}
	return bus
}

func (b *Bus[T]) Subscribe() (<-chan T, func()) {
	return b.SubscribeFiltered(nil)
}

// SubscribeFiltered delivers only events for which filter returns true. The
// returned func unsubscribes and closes the channel.
func (b *Bus[T]) SubscribeFiltered(filter func(T) bool) (<-chan T, func()) {
	if b == nil {
		ch := make(chan T)
		close(ch)
		return ch, func() {}
	}
	sub := &subscriber[T]{filter: filter, ch: make(chan T, b.opts.SubscriberBuffer)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.close()
		return sub.ch, func() {}
	}
	b.nextID++
	id := b.nextID
	b.subs[id] = sub
	b.mu.Unlock()

	return sub.ch, func() { b.remove(id) }
}

func (b *Bus[T]) Publish(event T) {
	if b == nil {
		return
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	if b.history != nil {
		b.history.Add(event)
	}
	targets := make(map[uint64]*subscriber[T], len(b.subs))
	for id, sub := range b.subs {
		targets[id] = sub
	}
	b.mu.Unlock()

	b.published.Add(1)
	for id, sub := range targets {
		if sub.filter != nil && !sub.filter(event) {
			continue
		}
		delivered, evict := sub.send(event, b.opts.SendTimeout)
		if !delivered {
			b.recordDrop()
		}
		if evict {
			b.remove(id)
		}
	}
}

// History returns the retained events oldest first.
func (b *Bus[T]) History() []T {
	if b == nil || b.history == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.history.List()
}

func (b *Bus[T]) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Bus[T]) Dropped() int64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}

func (b *Bus[T]) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[uint64]*subscriber[T])
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

func (b *Bus[T]) remove(id uint64) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()
	if ok {
		sub.close()
	}
}

func (b *Bus[T]) recordDrop() {
	dropped := b.dropped.Add(1)
	if b.opts.Logger == nil {
		return
	}
	b.dropWarn.Warn(b.opts.Logger, "event bus dropped event", map[string]string{
		"bus":       b.opts.Name,
		"dropped":   strconv.FormatInt(dropped, 10),
		"published": strconv.FormatInt(b.published.Load(), 10),
	})
}

// send reports whether event was queued and whether the subscriber timed out
// and should be evicted.
func (s *subscriber[T]) send(event T, timeout time.Duration) (delivered, evict bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, false
	}
	select {
	case s.ch <- event:
		return true, false
	default:
	}
	if timeout <= 0 {
		return false, false
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case s.ch <- event:
		return true, false
	case <-timer.C:
		return false, true
	}
}

func (s *subscriber[T]) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
