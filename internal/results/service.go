// Package results delivers simulation output files to callers, either as a
// one-shot snapshot of a directory or as a live subscription that follows
// new and modified files while a producer is still writing them.
package results

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"resultd/internal/groups"
	"resultd/internal/logging"
	"resultd/internal/metrics"
	"resultd/internal/pattern"
	"resultd/internal/readiness"
	"resultd/internal/simulation"
)

// DirResolver maps a simulation id to the output directory it recorded.
type DirResolver interface {
	ResolveOutputDir(simulationID string) (string, bool)
}

type Config struct {
	WorkingDir       string
	Extensions       []string
	PollInterval     time.Duration
	QuietPeriod      time.Duration
	ReadyTimeout     time.Duration
	WatchSlice       time.Duration
	JoinTimeout      time.Duration
	MaxSubscriptions int
	DedupUnchanged   bool
	Prober           readiness.Prober
}

type Service struct {
	cfg       Config
	resolver  DirResolver
	registry  *Registry
	readiness *readiness.Detector
	groups    *groups.Detector
	logger    *logging.Logger
	metrics   *metrics.Registry

	dirMu      sync.RWMutex
	workingDir string
}

func NewService(cfg Config, resolver DirResolver, logger *logging.Logger, registry *metrics.Registry) *Service {
	if logger == nil {
		logger = logging.Discard()
	}
	workingDir := cfg.WorkingDir
	if workingDir == "" {
		if cwd, err := os.Getwd(); err == nil {
			workingDir = cwd
		}
	}
	if abs, err := filepath.Abs(workingDir); err == nil {
		workingDir = abs
	}
	return &Service{
		cfg:      cfg,
		resolver: resolver,
		registry: NewRegistry(cfg.MaxSubscriptions),
		readiness: readiness.NewDetector(readiness.Options{
			PollInterval: cfg.PollInterval,
			QuietPeriod:  cfg.QuietPeriod,
			Timeout:      cfg.ReadyTimeout,
			Prober:       cfg.Prober,
		}),
		groups:     groups.NewDetector(groups.Options{Extensions: cfg.Extensions, Logger: logger}),
		logger:     logger.Component("results"),
		metrics:    registry,
		workingDir: workingDir,
	}
}

func (s *Service) Registry() *Registry {
	return s.registry
}

func (s *Service) WorkingDirectory() string {
	s.dirMu.RLock()
	defer s.dirMu.RUnlock()
	return s.workingDir
}

// SetWorkingDirectory changes the directory used for relative paths and the
// default output location. dir must exist.
func (s *Service) SetWorkingDirectory(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", dir, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("working directory %s: %w", abs, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("working directory %s: not a directory", abs)
	}
	s.dirMu.Lock()
	s.workingDir = abs
	s.dirMu.Unlock()
	s.logger.Info("working directory changed", map[string]string{"dir": abs})
	return abs, nil
}

// Resolve makes a possibly relative path absolute against the working
// directory.
func (s *Service) Resolve(path string) string {
	if path == "" {
		return s.WorkingDirectory()
	}
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(s.WorkingDirectory(), path)
}

// ResolveOutputDir uses the tracked run directory when one is known and
// falls back to <working dir>/output/<id>.
func (s *Service) ResolveOutputDir(simulationID string) string {
	if s.resolver != nil {
		if dir, ok := s.resolver.ResolveOutputDir(simulationID); ok && dir != "" {
			return s.Resolve(dir)
		}
	}
	return filepath.Join(s.WorkingDirectory(), "output", simulationID)
}

// GetResults emits every ready file under the simulation's output directory
// that matches patterns. A missing directory yields no files.
func (s *Service) GetResults(ctx context.Context, simulationID string, patterns []string, emit func(Payload) error) (int, error) {
	start := time.Now()
	dir := s.ResolveOutputDir(simulationID)
	matcher := pattern.Compile(patterns)
	count := 0
	defer func() {
		s.metrics.RecordRequest("results", count, time.Since(start))
	}()

	if !isDir(dir) {
		s.logger.Debug("results directory missing", map[string]string{
			"simulation_id": simulationID,
			"dir":           dir,
		})
		return 0, nil
	}

	var emitErr error
	walkErr := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			emitErr = ctxErr
			return fs.SkipAll
		}
		if !entry.Type().IsRegular() || !matcher.Match(entry.Name()) {
			return nil
		}
		result := s.readiness.Wait(ctx, path, 0)
		if !result.Ready {
			s.metrics.RecordSkip(string(result.Reason))
			s.logger.Warn("result file not ready", map[string]string{"path": path, "reason": string(result.Reason)})
			return nil
		}
		payload, err := readPayload(path)
		if err != nil {
			s.metrics.RecordSkip("read_error")
			s.logger.Warn("result file read failed", map[string]string{"path": path, "error": err.Error()})
			return nil
		}
		if err := emit(payload); err != nil {
			emitErr = err
			return fs.SkipAll
		}
		count++
		return nil
	})
	if emitErr != nil {
		return count, emitErr
	}
	if walkErr != nil {
		return count, fmt.Errorf("walk %s: %w", dir, walkErr)
	}
	return count, nil
}

type SubscribeRequest struct {
	SimulationID    string
	Patterns        []string
	IncludeExisting bool
	Sink            Sink
	OnError         func(error)
	// OnRegistered runs with the subscription id before any file is
	// delivered.
	OnRegistered func(id string)
}

// Subscribe starts a live subscription for the simulation's output
// directory. The subscription stops when ctx ends, when it is stopped
// through the registry, or when the sink fails.
func (s *Service) Subscribe(ctx context.Context, req SubscribeRequest) (*Subscription, error) {
	if req.Sink == nil {
		return nil, errors.New("subscribe: sink is required")
	}
	dir := s.ResolveOutputDir(req.SimulationID)
	if !isDir(dir) {
		return nil, fmt.Errorf("subscribe %s: %s: %w", req.SimulationID, dir, ErrOutputDirMissing)
	}
	sub := newSubscription(s.subscriptionConfig(KindResults, req.SimulationID, dir, req.Patterns, req.IncludeExisting, req.OnError), fileHandler{sink: req.Sink})
	return s.start(ctx, sub, req.OnRegistered)
}

// SubscribeGroupEvents streams group events for root, or the working
// directory when root is empty.
func (s *Service) SubscribeGroupEvents(ctx context.Context, root string, sink GroupSink, onError func(error), onRegistered func(id string)) (*Subscription, error) {
	if sink == nil {
		return nil, errors.New("subscribe groups: sink is required")
	}
	dir := s.Resolve(root)
	if !isDir(dir) {
		return nil, fmt.Errorf("subscribe groups: %s: %w", dir, ErrOutputDirMissing)
	}
	cfg := s.subscriptionConfig(KindGroups, "", dir, nil, true, onError)
	sub := newSubscription(cfg, newGroupHandler(s.groups, sink))
	return s.start(ctx, sub, onRegistered)
}

func (s *Service) subscriptionConfig(kind Kind, simID, dir string, patterns []string, includeExisting bool, onError func(error)) subscriptionConfig {
	return subscriptionConfig{
		Kind:            kind,
		SimulationID:    simID,
		Dir:             dir,
		Patterns:        patterns,
		IncludeExisting: includeExisting,
		DedupUnchanged:  s.cfg.DedupUnchanged,
		JoinTimeout:     s.cfg.JoinTimeout,
		WatchSlice:      s.cfg.WatchSlice,
		Readiness:       s.readiness,
		Logger:          s.logger,
		Metrics:         s.metrics,
		OnError:         onError,
	}
}

func (s *Service) start(ctx context.Context, sub *Subscription, onRegistered func(string)) (*Subscription, error) {
	if err := s.registry.Register(sub); err != nil {
		return nil, err
	}
	if onRegistered != nil {
		onRegistered(sub.ID())
	}
	if err := sub.Start(ctx); err != nil {
		return nil, err
	}
	s.registry.Bind(ctx, sub.ID())
	return sub, nil
}

// ListGroups scans root, or the working directory when root is empty.
func (s *Service) ListGroups(root string) ([]groups.FileGroup, error) {
	return s.groups.Scan(s.Resolve(root))
}

// GetGroupFiles emits the contents of a group's members, optionally only the
// members for one time step. Unknown groups and vanished members yield
// nothing.
func (s *Service) GetGroupFiles(ctx context.Context, groupID string, step *int, emit func(Payload) error) (int, error) {
	start := time.Now()
	count := 0
	defer func() {
		s.metrics.RecordRequest("group_files", count, time.Since(start))
	}()

	group, ok := s.groups.Group(groupID)
	if !ok {
		return 0, nil
	}
	for _, record := range group.FilesForStep(step) {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		payload, err := readPayload(record.Path)
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				s.logger.Warn("group file read failed", map[string]string{"path": record.Path, "error": err.Error()})
			}
			s.metrics.RecordSkip("missing")
			continue
		}
		if err := emit(payload); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func (s *Service) Subscriptions() []Info {
	return s.registry.List()
}

func (s *Service) Unsubscribe(id string) bool {
	return s.registry.StopOne(id)
}

func (s *Service) StopSimulation(simulationID string) int {
	stopped := s.registry.StopAllForSimulation(simulationID)
	if stopped > 0 {
		s.logger.Info("stopped simulation subscriptions", map[string]string{
			"simulation_id": simulationID,
			"count":         strconv.Itoa(stopped),
		})
	}
	return stopped
}

// FollowSimulations stops a simulation's subscriptions once it reaches a
// terminal state. It returns when events is closed or ctx ends.
func (s *Service) FollowSimulations(ctx context.Context, events <-chan simulation.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			if evt.Terminal() {
				s.StopSimulation(evt.SimulationID)
			}
		}
	}
}

// Close stops every subscription and rejects new ones.
func (s *Service) Close() {
	stopped := s.registry.Close()
	s.logger.Info("results service closed", map[string]string{"stopped": strconv.Itoa(stopped)})
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
