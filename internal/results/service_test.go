package results

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"resultd/internal/groups"
	"resultd/internal/logging"
	"resultd/internal/simulation"
)

type staticResolver map[string]string

func (r staticResolver) ResolveOutputDir(id string) (string, bool) {
	dir, ok := r[id]
	return dir, ok
}

func newTestService(t *testing.T, workDir string, resolver DirResolver) *Service {
	t.Helper()
	service := NewService(Config{
		WorkingDir:     workDir,
		PollInterval:   10 * time.Millisecond,
		QuietPeriod:    100 * time.Millisecond,
		ReadyTimeout:   5 * time.Second,
		WatchSlice:     50 * time.Millisecond,
		JoinTimeout:    time.Second,
		DedupUnchanged: true,
	}, resolver, nil, nil)
	t.Cleanup(service.Close)
	return service
}

type collector struct {
	mu       sync.Mutex
	payloads []Payload
	notify   chan struct{}
}

func newCollector() *collector {
	return &collector{notify: make(chan struct{}, 64)}
}

func (c *collector) sink(_ context.Context, payload Payload) error {
	c.mu.Lock()
	c.payloads = append(c.payloads, payload)
	c.mu.Unlock()
	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

func (c *collector) snapshot() []Payload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Payload(nil), c.payloads...)
}

func (c *collector) waitFor(t *testing.T, count int, timeout time.Duration) []Payload {
	t.Helper()
	deadline := time.After(timeout)
	for {
		if got := c.snapshot(); len(got) >= count {
			return got
		}
		select {
		case <-c.notify:
		case <-deadline:
			t.Fatalf("timed out waiting for %d payloads, got %d", count, len(c.snapshot()))
		}
	}
}

func writeFile(t *testing.T, path string, content []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestSubscribeDeliversNewFileOnce(t *testing.T) {
	outDir := t.TempDir()
	service := newTestService(t, t.TempDir(), staticResolver{"sim": outDir})
	sink := newCollector()

	sub, err := service.Subscribe(context.Background(), SubscribeRequest{
		SimulationID: "sim",
		Patterns:     []string{"*.vtu"},
		Sink:         sink.sink,
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if sub.State() != StateRunning {
		t.Fatalf("expected running, got %s", sub.State())
	}

	content := bytes.Repeat([]byte("x"), 1024)
	writeFile(t, filepath.Join(outDir, "ignored.txt"), []byte("nope"))
	writeFile(t, filepath.Join(outDir, "out_t00001.vtu"), content)

	sink.waitFor(t, 1, 5*time.Second)
	time.Sleep(500 * time.Millisecond)
	got := sink.snapshot()
	if len(got) != 1 {
		t.Fatalf("expected exactly one payload, got %d", len(got))
	}
	if got[0].Filename != "out_t00001.vtu" || len(got[0].Content) != 1024 {
		t.Fatalf("unexpected payload %s (%d bytes)", got[0].Filename, len(got[0].Content))
	}
	if got[0].MimeType != groups.MimeType("out_t00001.vtu") {
		t.Fatalf("unexpected mime %q", got[0].MimeType)
	}
}

func TestSubscribeIncludesExistingFiles(t *testing.T) {
	outDir := t.TempDir()
	writeFile(t, filepath.Join(outDir, "a.vtu"), []byte("a"))
	writeFile(t, filepath.Join(outDir, "nested", "b.vtu"), []byte("b"))
	writeFile(t, filepath.Join(outDir, "c.glb"), []byte("c"))
	service := newTestService(t, t.TempDir(), staticResolver{"sim": outDir})
	sink := newCollector()

	_, err := service.Subscribe(context.Background(), SubscribeRequest{
		SimulationID:    "sim",
		Patterns:        []string{"*.vtu"},
		IncludeExisting: true,
		Sink:            sink.sink,
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	got := sink.snapshot()
	if len(got) != 2 {
		t.Fatalf("expected existing pass to finish before Subscribe returns with 2 files, got %d", len(got))
	}
}

func TestSubscribeMissingDirectory(t *testing.T) {
	service := newTestService(t, t.TempDir(), nil)
	_, err := service.Subscribe(context.Background(), SubscribeRequest{SimulationID: "nope", Sink: newCollector().sink})
	if !errors.Is(err, ErrOutputDirMissing) {
		t.Fatalf("expected ErrOutputDirMissing, got %v", err)
	}
	if service.Registry().Count() != 0 {
		t.Fatalf("expected no registered subscriptions")
	}
}

func TestStopEndsDeliveriesAndReleasesWatch(t *testing.T) {
	outDir := t.TempDir()
	service := newTestService(t, t.TempDir(), staticResolver{"sim": outDir})
	sink := newCollector()

	sub, err := service.Subscribe(context.Background(), SubscribeRequest{SimulationID: "sim", Sink: sink.sink})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	sub.Stop()
	sub.Stop()

	select {
	case <-sub.Done():
	default:
		t.Fatalf("expected Done closed after Stop")
	}
	if sub.State() != StateStopped {
		t.Fatalf("expected stopped, got %s", sub.State())
	}
	if service.Registry().Count() != 0 {
		t.Fatalf("expected subscription to deregister")
	}

	writeFile(t, filepath.Join(outDir, "late.vtu"), []byte("late"))
	time.Sleep(400 * time.Millisecond)
	if got := sink.snapshot(); len(got) != 0 {
		t.Fatalf("expected no deliveries after stop, got %d", len(got))
	}

	again := newCollector()
	if _, err := service.Subscribe(context.Background(), SubscribeRequest{SimulationID: "sim", Sink: again.sink}); err != nil {
		t.Fatalf("second subscribe on same path: %v", err)
	}
	writeFile(t, filepath.Join(outDir, "later.vtu"), []byte("later"))
	again.waitFor(t, 1, 5*time.Second)
}

func TestContextCancelStopsSubscription(t *testing.T) {
	outDir := t.TempDir()
	service := newTestService(t, t.TempDir(), staticResolver{"sim": outDir})
	ctx, cancel := context.WithCancel(context.Background())

	sub, err := service.Subscribe(ctx, SubscribeRequest{SimulationID: "sim", Sink: newCollector().sink})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()

	select {
	case <-sub.Done():
	case <-time.After(3 * time.Second):
		t.Fatalf("subscription did not stop after context cancel")
	}
}

func TestSinkErrorStopsSubscription(t *testing.T) {
	outDir := t.TempDir()
	service := newTestService(t, t.TempDir(), staticResolver{"sim": outDir})
	gone := errors.New("client gone")

	sub, err := service.Subscribe(context.Background(), SubscribeRequest{
		SimulationID: "sim",
		Sink:         func(context.Context, Payload) error { return gone },
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	writeFile(t, filepath.Join(outDir, "x.vtu"), []byte("x"))

	select {
	case <-sub.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("subscription did not stop after sink error")
	}
}

func TestAtLeastOnceOnCreateThenModify(t *testing.T) {
	outDir := t.TempDir()
	service := newTestService(t, t.TempDir(), staticResolver{"sim": outDir})
	sink := newCollector()

	if _, err := service.Subscribe(context.Background(), SubscribeRequest{SimulationID: "sim", Sink: sink.sink}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	path := filepath.Join(outDir, "grow.vtu")
	writeFile(t, path, []byte("first"))
	file, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	_, _ = file.Write([]byte("-second"))
	_ = file.Close()

	sink.waitFor(t, 1, 5*time.Second)
	time.Sleep(300 * time.Millisecond)
	got := sink.snapshot()
	last := got[len(got)-1]
	if string(last.Content) != "first-second" {
		t.Fatalf("expected final content to be delivered, got %q", last.Content)
	}
}

func TestFollowSimulationsStopsOnCompletion(t *testing.T) {
	workDir := t.TempDir()
	outDir := filepath.Join(workDir, "runs", "sim")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	tracker := simulation.NewTracker(context.Background(), nil)
	t.Cleanup(tracker.Close)
	service := newTestService(t, workDir, tracker)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, unsubscribe := tracker.Events().Subscribe()
	defer unsubscribe()
	go service.FollowSimulations(ctx, events)

	if _, err := tracker.Register("sim", "runs/sim"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if got := service.ResolveOutputDir("sim"); got != outDir {
		t.Fatalf("expected relative dir to resolve against working dir, got %q", got)
	}
	first, err := service.Subscribe(context.Background(), SubscribeRequest{SimulationID: "sim", Sink: newCollector().sink})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	second, err := service.Subscribe(context.Background(), SubscribeRequest{SimulationID: "sim", Sink: newCollector().sink})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if _, err := tracker.Complete("sim"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	for _, sub := range []*Subscription{first, second} {
		select {
		case <-sub.Done():
		case <-time.After(3 * time.Second):
			t.Fatalf("subscription %s survived simulation completion", sub.ID())
		}
	}
}

func TestSubscriptionLimit(t *testing.T) {
	outDir := t.TempDir()
	service := NewService(Config{WorkingDir: t.TempDir(), MaxSubscriptions: 1}, staticResolver{"sim": outDir}, nil, nil)
	t.Cleanup(service.Close)

	if _, err := service.Subscribe(context.Background(), SubscribeRequest{SimulationID: "sim", Sink: newCollector().sink}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	_, err := service.Subscribe(context.Background(), SubscribeRequest{SimulationID: "sim", Sink: newCollector().sink})
	if !errors.Is(err, ErrTooManySubscriptions) {
		t.Fatalf("expected ErrTooManySubscriptions, got %v", err)
	}
}

func TestCloseRejectsNewSubscriptions(t *testing.T) {
	outDir := t.TempDir()
	service := newTestService(t, t.TempDir(), staticResolver{"sim": outDir})
	sub, err := service.Subscribe(context.Background(), SubscribeRequest{SimulationID: "sim", Sink: newCollector().sink})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	service.Close()

	select {
	case <-sub.Done():
	default:
		t.Fatalf("expected Close to stop subscriptions")
	}
	if _, err := service.Subscribe(context.Background(), SubscribeRequest{SimulationID: "sim", Sink: newCollector().sink}); !errors.Is(err, ErrServiceClosed) {
		t.Fatalf("expected ErrServiceClosed, got %v", err)
	}
}

func TestGetResults(t *testing.T) {
	workDir := t.TempDir()
	outDir := filepath.Join(workDir, "output", "sim-7")
	writeFile(t, filepath.Join(outDir, "a.vtu"), []byte("a"))
	writeFile(t, filepath.Join(outDir, "b.txt"), []byte("b"))
	old := time.Now().Add(-time.Hour)
	for _, name := range []string{"a.vtu", "b.txt"} {
		_ = os.Chtimes(filepath.Join(outDir, name), old, old)
	}
	service := newTestService(t, workDir, nil)

	var names []string
	count, err := service.GetResults(context.Background(), "sim-7", []string{"*.vtu"}, func(payload Payload) error {
		names = append(names, payload.Filename)
		return nil
	})
	if err != nil {
		t.Fatalf("get results: %v", err)
	}
	if count != 1 || len(names) != 1 || names[0] != "a.vtu" {
		t.Fatalf("unexpected results %d %v", count, names)
	}

	count, err = service.GetResults(context.Background(), "missing", nil, func(Payload) error { return nil })
	if err != nil || count != 0 {
		t.Fatalf("expected empty success for missing dir, got %d %v", count, err)
	}
}

func TestGroupListingAndFiles(t *testing.T) {
	workDir := t.TempDir()
	writeFile(t, filepath.Join(workDir, "a_t1.vtu"), []byte("one"))
	writeFile(t, filepath.Join(workDir, "a_t2.vtu"), []byte("two"))
	writeFile(t, filepath.Join(workDir, "b.vtu"), []byte("b"))
	service := newTestService(t, workDir, nil)

	found, err := service.ListGroups("")
	if err != nil {
		t.Fatalf("list groups: %v", err)
	}
	if len(found) != 2 || found[0].Name != "a" || !found[0].IsTimeSeries {
		t.Fatalf("unexpected groups %+v", found)
	}

	step := 2
	var contents []string
	_, err = service.GetGroupFiles(context.Background(), found[0].ID, &step, func(payload Payload) error {
		contents = append(contents, string(payload.Content))
		return nil
	})
	if err != nil {
		t.Fatalf("group files: %v", err)
	}
	if len(contents) != 1 || contents[0] != "two" {
		t.Fatalf("unexpected group files %v", contents)
	}

	count, err := service.GetGroupFiles(context.Background(), "unknown", nil, func(Payload) error { return nil })
	if err != nil || count != 0 {
		t.Fatalf("expected empty success for unknown group, got %d %v", count, err)
	}
}

func TestSubscribeGroupEvents(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a_t1.vtu"), []byte("one"))
	service := newTestService(t, root, nil)

	var mu sync.Mutex
	var received []groups.Event
	notify := make(chan struct{}, 16)
	sink := func(_ context.Context, evt groups.Event) error {
		mu.Lock()
		received = append(received, evt)
		mu.Unlock()
		select {
		case notify <- struct{}{}:
		default:
		}
		return nil
	}

	if _, err := service.SubscribeGroupEvents(context.Background(), "", sink, nil, nil); err != nil {
		t.Fatalf("subscribe groups: %v", err)
	}
	writeFile(t, filepath.Join(root, "a_t2.vtu"), []byte("two"))

	deadline := time.After(5 * time.Second)
	for {
		mu.Lock()
		count := len(received)
		mu.Unlock()
		if count >= 3 {
			break
		}
		select {
		case <-notify:
		case <-deadline:
			t.Fatalf("timed out with %d group events", count)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if received[0].Type != groups.EventGroupCreated || received[0].GroupName != "a" {
		t.Fatalf("unexpected initial event %+v", received[0])
	}
	if received[1].Type != groups.EventFileCreated || received[1].File == nil || received[1].File.Filename != "a_t2.vtu" {
		t.Fatalf("unexpected file event %+v", received[1])
	}
	if received[2].Type != groups.EventGroupUpdated || received[2].Group.FileCount != 2 {
		t.Fatalf("unexpected group event %+v", received[2])
	}
}

func (c *collector) waitForFile(t *testing.T, name string, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		for _, payload := range c.snapshot() {
			if payload.Filename == name {
				return
			}
		}
		select {
		case <-c.notify:
		case <-deadline:
			t.Fatalf("timed out waiting for %s", name)
		}
	}
}

func TestRepeatedWritesDoNotDelayOtherFiles(t *testing.T) {
	outDir := t.TempDir()
	service := newTestService(t, t.TempDir(), staticResolver{"sim": outDir})
	sink := newCollector()

	if _, err := service.Subscribe(context.Background(), SubscribeRequest{
		SimulationID: "sim",
		Patterns:     []string{"*.vtu"},
		Sink:         sink.sink,
	}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	chatty := filepath.Join(outDir, "a_t1.vtu")
	writeFile(t, chatty, []byte("start"))
	for i := 0; i < 30; i++ {
		file, err := os.OpenFile(chatty, os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		_, _ = file.Write([]byte("chunk"))
		_ = file.Close()
		time.Sleep(2 * time.Millisecond)
	}
	sink.waitForFile(t, "a_t1.vtu", 5*time.Second)

	wrote := time.Now()
	writeFile(t, filepath.Join(outDir, "b_t2.vtu"), []byte("once"))
	sink.waitForFile(t, "b_t2.vtu", 5*time.Second)
	if lag := time.Since(wrote); lag > time.Second {
		t.Fatalf("b_t2.vtu delivered %s after write", lag)
	}
}

func TestStopReleasesStuckWorkerAfterJoinTimeout(t *testing.T) {
	outDir := t.TempDir()
	logger := logging.NewLoggerWithOutput(logging.NewLogBuffer(100), logging.LevelDebug, nil)
	const joinTimeout = 300 * time.Millisecond
	service := NewService(Config{
		WorkingDir:   t.TempDir(),
		PollInterval: 10 * time.Millisecond,
		QuietPeriod:  50 * time.Millisecond,
		WatchSlice:   50 * time.Millisecond,
		JoinTimeout:  joinTimeout,
	}, staticResolver{"sim": outDir}, logger, nil)
	t.Cleanup(service.Close)

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	sub, err := service.Subscribe(context.Background(), SubscribeRequest{
		SimulationID: "sim",
		Sink: func(context.Context, Payload) error {
			select {
			case entered <- struct{}{}:
			default:
			}
			<-release
			return nil
		},
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	writeFile(t, filepath.Join(outDir, "stuck.vtu"), []byte("x"))

	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		t.Fatalf("sink never called")
	}

	started := time.Now()
	stopped := make(chan struct{})
	go func() {
		sub.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(joinTimeout + 2*time.Second):
		t.Fatalf("Stop did not return while the worker was stuck")
	}
	if elapsed := time.Since(started); elapsed < joinTimeout {
		t.Fatalf("Stop returned after %s, before the join timeout", elapsed)
	}
	if sub.State() != StateStopped {
		t.Fatalf("expected stopped, got %s", sub.State())
	}

	sub.mu.Lock()
	dirWatcher := sub.watcher
	sub.mu.Unlock()
	if dirWatcher == nil || !dirWatcher.Closed() {
		t.Fatalf("expected the watcher to be closed")
	}

	warned := false
	for _, entry := range logger.Buffer().List() {
		if entry.Level == logging.LevelWarning && entry.Message == "subscription worker did not exit in time" {
			warned = true
		}
	}
	if !warned {
		t.Fatalf("expected a join timeout warning")
	}
}
