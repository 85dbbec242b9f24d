package results

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"resultd/internal/logging"
	"resultd/internal/metrics"
	"resultd/internal/pattern"
	"resultd/internal/readiness"
	"resultd/internal/watcher"

	"github.com/google/uuid"
)

const DefaultJoinTimeout = 2 * time.Second

// eventHandler supplies what a subscription does with existing files and
// with live watcher events. Returning an error stops the subscription.
type eventHandler interface {
	existing(ctx context.Context, sub *Subscription) error
	handle(ctx context.Context, sub *Subscription, event watcher.Event) error
}

type subscriptionConfig struct {
	Kind            Kind
	SimulationID    string
	Dir             string
	Patterns        []string
	IncludeExisting bool
	DedupUnchanged  bool
	JoinTimeout     time.Duration
	WatchSlice      time.Duration
	Readiness       *readiness.Detector
	Logger          *logging.Logger
	Metrics         *metrics.Registry
	OnError         func(error)
}

// Subscription binds one directory watcher and one worker goroutine to one
// subscriber. It moves from created to running to stopped, and stopped is
// final.
type Subscription struct {
	id        string
	cfg       subscriptionConfig
	matcher   pattern.Matcher
	handler   eventHandler
	logger    *logging.Logger
	skipWarn  *logging.Throttle
	createdAt time.Time

	mu         sync.Mutex
	state      State
	cancel     context.CancelFunc
	watcher    *watcher.DirectoryWatcher
	workerDone chan struct{}
	onStop     []func(*Subscription)

	stopOnce sync.Once
	done     chan struct{}

	// lastDelivered is touched only by the goroutine running Start's
	// existing pass and then by the worker, never concurrently.
	lastDelivered map[string]readiness.Snapshot
	delivered     atomic.Int64
}

func newSubscription(cfg subscriptionConfig, handler eventHandler) *Subscription {
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = DefaultJoinTimeout
	}
	if cfg.Readiness == nil {
		cfg.Readiness = readiness.NewDetector(readiness.Options{})
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	id := uuid.NewString()
	return &Subscription{
		id:      id,
		cfg:     cfg,
		matcher: pattern.Compile(cfg.Patterns),
		handler: handler,
		logger: cfg.Logger.Component("subscription").With(map[string]string{
			"subscription_id": id,
			"simulation_id":   cfg.SimulationID,
		}),
		skipWarn:      logging.NewThrottle(10 * time.Second),
		createdAt:     time.Now().UTC(),
		state:         StateCreated,
		done:          make(chan struct{}),
		lastDelivered: make(map[string]readiness.Snapshot),
	}
}

func (s *Subscription) ID() string {
	return s.id
}

func (s *Subscription) SimulationID() string {
	return s.cfg.SimulationID
}

func (s *Subscription) Dir() string {
	return s.cfg.Dir
}

func (s *Subscription) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed once the subscription has stopped and released its watcher.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) Delivered() int64 {
	return s.delivered.Load()
}

func (s *Subscription) Info() Info {
	return Info{
		ID:              s.id,
		Kind:            s.cfg.Kind,
		SimulationID:    s.cfg.SimulationID,
		Dir:             s.cfg.Dir,
		Patterns:        append([]string(nil), s.cfg.Patterns...),
		IncludeExisting: s.cfg.IncludeExisting,
		State:           s.State(),
		CreatedAt:       s.createdAt,
		Delivered:       s.delivered.Load(),
	}
}

// addStopHook runs hook once the subscription stops, immediately when it
// already has.
func (s *Subscription) addStopHook(hook func(*Subscription)) {
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		hook(s)
		return
	default:
	}
	s.onStop = append(s.onStop, hook)
	s.mu.Unlock()
}

// Start registers the watcher, delivers existing files when requested and
// then hands live events to a worker goroutine. A watch registration failure
// is reported through OnError and returned.
func (s *Subscription) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.state != StateCreated || s.cancel != nil {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.mu.Unlock()

	dirWatcher, err := watcher.NewDirectoryWatcher(s.cfg.Dir, watcher.Options{
		Slice:   s.cfg.WatchSlice,
		Logger:  s.cfg.Logger,
		Metrics: s.cfg.Metrics,
	})
	if err != nil {
		err = fmt.Errorf("register watch: %w", err)
		s.logger.Error("subscription start failed", map[string]string{
			"dir":   s.cfg.Dir,
			"error": err.Error(),
		})
		s.fail(err)
		return err
	}

	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		_ = dirWatcher.Close()
		return nil
	}
	s.watcher = dirWatcher
	s.mu.Unlock()
	s.cfg.Metrics.IncSubscriptionStarted()

	if s.cfg.IncludeExisting {
		if err := s.handler.existing(workerCtx, s); err != nil {
			s.logger.Info("subscriber gone during existing files", map[string]string{"error": err.Error()})
			s.Stop()
			return nil
		}
	}

	s.mu.Lock()
	if s.state == StateStopped {
		s.mu.Unlock()
		return nil
	}
	s.state = StateRunning
	s.workerDone = make(chan struct{})
	workerDone := s.workerDone
	s.mu.Unlock()

	s.logger.Info("subscription running", map[string]string{
		"dir":      dirWatcher.Root(),
		"patterns": fmt.Sprint(s.cfg.Patterns),
		"watches":  strconv.Itoa(dirWatcher.Watched()),
	})
	go s.run(workerCtx, dirWatcher, workerDone)
	return nil
}

func (s *Subscription) run(ctx context.Context, dirWatcher *watcher.DirectoryWatcher, workerDone chan struct{}) {
	selfStop := false
	defer func() {
		close(workerDone)
		if selfStop {
			s.Stop()
		}
	}()

	for {
		event, ok, err := dirWatcher.Poll(ctx, s.cfg.WatchSlice)
		if err != nil {
			if ctx.Err() != nil || s.stopping() {
				return
			}
			if errors.Is(err, watcher.ErrWatcherClosed) {
				s.logger.Error("watcher closed unexpectedly", map[string]string{"dir": s.cfg.Dir})
				s.reportError(err)
			}
			selfStop = true
			return
		}
		if !ok {
			continue
		}
		if err := s.handler.handle(ctx, s, event); err != nil {
			if ctx.Err() == nil {
				s.logger.Info("subscriber gone", map[string]string{"error": err.Error()})
			}
			selfStop = true
			return
		}
	}
}

// Stop is idempotent and safe from any goroutine. A delivery already in
// progress may finish; none starts afterwards.
func (s *Subscription) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		wasStarted := s.watcher != nil
		s.state = StateStopped
		cancel := s.cancel
		dirWatcher := s.watcher
		workerDone := s.workerDone
		s.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		if workerDone != nil {
			timer := time.NewTimer(s.cfg.JoinTimeout)
			select {
			case <-workerDone:
			case <-timer.C:
				s.logger.Warn("subscription worker did not exit in time", map[string]string{
					"timeout": s.cfg.JoinTimeout.String(),
				})
			}
			timer.Stop()
		}
		var events uint64
		if dirWatcher != nil {
			if err := dirWatcher.Close(); err != nil {
				s.logger.Warn("watcher close failed", map[string]string{"error": err.Error()})
			}
			events = dirWatcher.Received()
			s.cfg.Metrics.AddWatcherEvents(events)
		}
		if wasStarted {
			s.cfg.Metrics.IncSubscriptionStopped()
		}
		close(s.done)

		s.mu.Lock()
		hooks := s.onStop
		s.onStop = nil
		s.mu.Unlock()
		for _, hook := range hooks {
			hook(s)
		}
		s.logger.Info("subscription stopped", map[string]string{
			"delivered": strconv.FormatInt(s.delivered.Load(), 10),
			"events":    strconv.FormatUint(events, 10),
		})
	})
}

func (s *Subscription) fail(err error) {
	s.reportError(err)
	s.Stop()
}

func (s *Subscription) reportError(err error) {
	if s.cfg.OnError != nil {
		s.cfg.OnError(err)
	}
}

func (s *Subscription) stopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StateStopped
}

// awaitReady gates a path through readiness and the unchanged-snapshot
// filter. ok is false when the file must be skipped for this event.
func (s *Subscription) awaitReady(ctx context.Context, path string, dedup bool) (readiness.Snapshot, bool) {
	dedup = dedup && s.cfg.DedupUnchanged
	// Queued writes for a file already delivered in its current state skip
	// the quiet-period wait.
	if dedup {
		if last, seen := s.lastDelivered[path]; seen && last.Equal(readiness.Take(path)) {
			s.cfg.Metrics.RecordSkip("unchanged")
			return last, false
		}
	}
	result := s.cfg.Readiness.Wait(ctx, path, 0)
	if !result.Ready {
		if result.Reason != readiness.ReasonCancelled {
			s.skip(path, string(result.Reason), nil)
		}
		return result.Snapshot, false
	}
	if dedup {
		if last, seen := s.lastDelivered[path]; seen && last.Equal(result.Snapshot) {
			s.cfg.Metrics.RecordSkip("unchanged")
			return result.Snapshot, false
		}
	}
	return result.Snapshot, true
}

func (s *Subscription) markDelivered(path string, snapshot readiness.Snapshot, size int) {
	s.lastDelivered[path] = snapshot
	s.delivered.Add(1)
	s.cfg.Metrics.RecordDelivery(size)
}

func (s *Subscription) skip(path, reason string, err error) {
	s.cfg.Metrics.RecordSkip(reason)
	fields := map[string]string{"path": path, "reason": reason}
	if err != nil {
		fields["error"] = err.Error()
	}
	if reason == "missing" || reason == "not_regular" {
		s.logger.Debug("file skipped", fields)
		return
	}
	s.skipWarn.Warn(s.logger, "file skipped", fields)
}

// regularFile reports whether path currently names a regular file.
func regularFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
