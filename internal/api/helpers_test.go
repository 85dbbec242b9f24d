package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"resultd/internal/metrics"
	"resultd/internal/results"
	"resultd/internal/simulation"
	"resultd/internal/wire"

	"github.com/gorilla/websocket"
)

type testEnv struct {
	server  *httptest.Server
	service *results.Service
	tracker *simulation.Tracker
	metrics *metrics.Registry
	workDir string
}

func newTestEnv(t *testing.T, configure func(*Config, *results.Config)) *testEnv {
	t.Helper()

	workDir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	tracker := simulation.NewTracker(ctx, nil)
	registry := &metrics.Registry{}

	serviceConfig := results.Config{
		WorkingDir:     workDir,
		PollInterval:   10 * time.Millisecond,
		QuietPeriod:    100 * time.Millisecond,
		ReadyTimeout:   5 * time.Second,
		WatchSlice:     50 * time.Millisecond,
		JoinTimeout:    time.Second,
		DedupUnchanged: true,
	}
	apiConfig := Config{
		Tracker: tracker,
		Metrics: registry,
	}
	if configure != nil {
		configure(&apiConfig, &serviceConfig)
	}

	service := results.NewService(serviceConfig, tracker, nil, registry)
	events, unsubscribe := tracker.Events().Subscribe()
	go service.FollowSimulations(ctx, events)
	apiConfig.Service = service

	mux := http.NewServeMux()
	RegisterRoutes(mux, apiConfig)
	server := httptest.NewServer(mux)

	t.Cleanup(func() {
		service.Close()
		server.Close()
		unsubscribe()
		cancel()
	})
	return &testEnv{
		server:  server,
		service: service,
		tracker: tracker,
		metrics: registry,
		workDir: workDir,
	}
}

func (env *testEnv) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(env.server.URL, "http") + path
}

// registerRun creates an output directory under the working directory and
// registers it with the tracker.
func (env *testEnv) registerRun(t *testing.T, id string) string {
	t.Helper()
	dir := filepath.Join(env.workDir, "runs", id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if _, err := env.tracker.Register(id, dir); err != nil {
		t.Fatalf("register run: %v", err)
	}
	return dir
}

func writeTestFile(t *testing.T, path string, content []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func dialWS(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		t.Fatalf("dial websocket: %v (status %d)", err, status)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

type frameHeader struct {
	Type           string `json:"type"`
	SubscriptionID string `json:"subscription_id"`
}

func readWSText(t *testing.T, conn *websocket.Conn) (frameHeader, []byte) {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
		t.Fatalf("set read deadline: %v", err)
	}
	msgType, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read websocket: %v", err)
	}
	if msgType != websocket.TextMessage {
		t.Fatalf("expected text message, got %d", msgType)
	}
	var header frameHeader
	if err := json.Unmarshal(data, &header); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return header, data
}

func readWSFile(t *testing.T, conn *websocket.Conn) wire.FileFrame {
	t.Helper()
	header, data := readWSText(t, conn)
	if header.Type != "file" {
		t.Fatalf("expected file frame, got %q (%s)", header.Type, data)
	}
	var frame wire.FileFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("decode file frame: %v", err)
	}
	return frame
}

func readNDJSONFrames(t *testing.T, resp *http.Response) []wire.FileFrame {
	t.Helper()
	var frames []wire.FileFrame
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var frame wire.FileFrame
		if err := json.Unmarshal([]byte(line), &frame); err != nil {
			t.Fatalf("decode ndjson line: %v", err)
		}
		frames = append(frames, frame)
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("read ndjson: %v", err)
	}
	return frames
}

func doJSON(t *testing.T, method, url, body string, target any) int {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	if target != nil {
		if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp.StatusCode
}
