package api

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"resultd/internal/results"
	"resultd/internal/wire"

	"github.com/gorilla/websocket"
)

func TestGetResultsStreamsMatchingFiles(t *testing.T) {
	env := newTestEnv(t, nil)
	dir := env.registerRun(t, "sim-1")
	writeTestFile(t, filepath.Join(dir, "mesh.vtu"), []byte("mesh"))
	writeTestFile(t, filepath.Join(dir, "nested", "deep.vtu"), []byte("deep"))
	writeTestFile(t, filepath.Join(dir, "notes.txt"), []byte("skip"))

	resp, err := http.Get(env.server.URL + "/api/simulations/sim-1/results?pattern=*.vtu")
	if err != nil {
		t.Fatalf("get results: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Content-Type"); got != "application/x-ndjson" {
		t.Fatalf("unexpected content type %q", got)
	}

	frames := readNDJSONFrames(t, resp)
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	contents := map[string]string{}
	for _, frame := range frames {
		contents[frame.Filename] = string(frame.Content)
	}
	if contents["mesh.vtu"] != "mesh" || contents["deep.vtu"] != "deep" {
		t.Fatalf("unexpected contents: %v", contents)
	}
}

func TestGetResultsMissingDirectoryIsEmpty(t *testing.T) {
	env := newTestEnv(t, nil)

	resp, err := http.Get(env.server.URL + "/api/simulations/unknown/results")
	if err != nil {
		t.Fatalf("get results: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if len(strings.TrimSpace(string(body))) != 0 {
		t.Fatalf("expected empty body, got %q", body)
	}
}

func TestGetResultsFallsBackToConventionPath(t *testing.T) {
	env := newTestEnv(t, nil)
	writeTestFile(t, filepath.Join(env.workDir, "output", "legacy", "a.json"), []byte(`{"a":1}`))

	resp, err := http.Get(env.server.URL + "/api/simulations/legacy/results?encoding=zstd")
	if err != nil {
		t.Fatalf("get results: %v", err)
	}
	defer resp.Body.Close()
	frames := readNDJSONFrames(t, resp)
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	if frames[0].Encoding != wire.EncodingZstd {
		t.Fatalf("expected zstd encoding, got %q", frames[0].Encoding)
	}
	content, err := frames[0].Decoded()
	if err != nil {
		t.Fatalf("decode content: %v", err)
	}
	if string(content) != `{"a":1}` {
		t.Fatalf("unexpected content %q", content)
	}
	if frames[0].MimeType != "application/json" {
		t.Fatalf("unexpected mime type %q", frames[0].MimeType)
	}
}

func TestResultsWebSocketDeliversNewFileAndClosesOnCompletion(t *testing.T) {
	env := newTestEnv(t, nil)
	dir := env.registerRun(t, "sim-ws")
	writeTestFile(t, filepath.Join(dir, "before.vtu"), []byte("old"))

	conn := dialWS(t, env.wsURL("/ws/simulations/sim-ws/results?pattern=*.vtu"))
	header, _ := readWSText(t, conn)
	if header.Type != "subscribed" || header.SubscriptionID == "" {
		t.Fatalf("expected subscribed frame, got %+v", header)
	}

	writeTestFile(t, filepath.Join(dir, "after.vtu"), []byte("new"))
	frame := readWSFile(t, conn)
	if frame.Filename != "after.vtu" || string(frame.Content) != "new" {
		t.Fatalf("unexpected frame %s %q", frame.Filename, frame.Content)
	}
	if frame.Size != 3 {
		t.Fatalf("expected size 3, got %d", frame.Size)
	}

	status := doJSON(t, http.MethodPost, env.server.URL+"/api/simulations/sim-ws/complete", "", nil)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal close, got %v", err)
	}
	if count := env.service.Registry().Count(); count != 0 {
		t.Fatalf("expected no subscriptions, got %d", count)
	}
}

func TestResultsWebSocketBinaryZstdIncludesExisting(t *testing.T) {
	env := newTestEnv(t, nil)
	dir := env.registerRun(t, "sim-bin")
	writeTestFile(t, filepath.Join(dir, "frame.glb"), []byte("binary-model"))

	conn := dialWS(t, env.wsURL("/ws/simulations/sim-bin/results?include_existing=true&format=binary&encoding=zstd"))
	header, _ := readWSText(t, conn)
	if header.Type != "subscribed" {
		t.Fatalf("expected subscribed frame, got %+v", header)
	}

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	msgType, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read binary frame: %v", err)
	}
	if msgType != websocket.BinaryMessage {
		t.Fatalf("expected binary message, got %d", msgType)
	}
	frame, err := wire.DecodeBinary(data)
	if err != nil {
		t.Fatalf("decode binary frame: %v", err)
	}
	content, err := frame.Decoded()
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if frame.Filename != "frame.glb" || string(content) != "binary-model" {
		t.Fatalf("unexpected frame %s %q", frame.Filename, content)
	}
	if frame.MimeType != "model/gltf-binary" {
		t.Fatalf("unexpected mime type %q", frame.MimeType)
	}
}

func TestResultsWebSocketMissingDirectoryRejectsBeforeUpgrade(t *testing.T) {
	env := newTestEnv(t, nil)

	_, resp, err := websocket.DefaultDialer.Dial(env.wsURL("/ws/simulations/nope/results"), nil)
	if !errors.Is(err, websocket.ErrBadHandshake) {
		t.Fatalf("expected bad handshake, got %v", err)
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 response, got %+v", resp)
	}
}

func TestResultsWebSocketRejectsUnknownFormat(t *testing.T) {
	env := newTestEnv(t, nil)
	env.registerRun(t, "sim-fmt")

	_, resp, err := websocket.DefaultDialer.Dial(env.wsURL("/ws/simulations/sim-fmt/results?format=xml"), nil)
	if err == nil {
		t.Fatalf("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 response, got %+v", resp)
	}
}

func TestResultsWebSocketSubscriptionLimit(t *testing.T) {
	env := newTestEnv(t, func(_ *Config, cfg *results.Config) {
		cfg.MaxSubscriptions = 1
	})
	env.registerRun(t, "sim-limit")

	conn := dialWS(t, env.wsURL("/ws/simulations/sim-limit/results"))
	readWSText(t, conn)

	_, resp, err := websocket.DefaultDialer.Dial(env.wsURL("/ws/simulations/sim-limit/results"), nil)
	if err == nil {
		t.Fatalf("expected second subscription to be rejected")
	}
	if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429 response, got %+v", resp)
	}
}

func TestResultsWebSocketRateLimit(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config, _ *results.Config) {
		cfg.SubscribeRate = 0.001
		cfg.SubscribeBurst = 1
	})
	env.registerRun(t, "sim-rate")

	conn := dialWS(t, env.wsURL("/ws/simulations/sim-rate/results"))
	readWSText(t, conn)

	_, resp, err := websocket.DefaultDialer.Dial(env.wsURL("/ws/simulations/sim-rate/results"), nil)
	if err == nil {
		t.Fatalf("expected rate limited handshake")
	}
	if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429 response, got %+v", resp)
	}
}

func TestResultsSSEStreamsSubscribedAndFileEvents(t *testing.T) {
	env := newTestEnv(t, nil)
	dir := env.registerRun(t, "sim-sse")
	writeTestFile(t, filepath.Join(dir, "existing.csv"), []byte("a,b"))

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(env.server.URL + "/api/simulations/sim-sse/results/stream?include_existing=true")
	if err != nil {
		t.Fatalf("get sse: %v", err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("Content-Type"); !strings.Contains(got, "text/event-stream") {
		t.Fatalf("expected event stream, got %q", got)
	}

	reader := bufio.NewReader(resp.Body)
	subscribed := readSSEDataFrame(t, reader)
	if subscribed.Event != "subscribed" {
		t.Fatalf("expected subscribed event, got %q", subscribed.Event)
	}
	fileEvent := readSSEDataFrame(t, reader)
	if fileEvent.Event != "file" {
		t.Fatalf("expected file event, got %q", fileEvent.Event)
	}
	var frame wire.FileFrame
	if err := json.Unmarshal(fileEvent.Data, &frame); err != nil {
		t.Fatalf("decode file event: %v", err)
	}
	if frame.Filename != "existing.csv" || string(frame.Content) != "a,b" {
		t.Fatalf("unexpected frame %s %q", frame.Filename, frame.Content)
	}
}

func TestResultsSSEMissingDirectoryIs404(t *testing.T) {
	env := newTestEnv(t, nil)

	var body errorResponse
	status := doJSON(t, http.MethodGet, env.server.URL+"/api/simulations/ghost/results/stream", "", &body)
	if status != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", status)
	}
	if body.Code != "output_dir_missing" {
		t.Fatalf("unexpected error code %q", body.Code)
	}
}

// readSSEDataFrame skips retry and heartbeat frames.
func readSSEDataFrame(t *testing.T, reader *bufio.Reader) sseFrame {
	t.Helper()
	for i := 0; i < 10; i++ {
		frame, err := readSSEFrame(reader)
		if err != nil {
			t.Fatalf("read sse frame: %v", err)
		}
		if len(frame.Data) > 0 {
			return frame
		}
	}
	t.Fatalf("no sse data frame")
	return sseFrame{}
}
