package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"resultd/internal/logging"

	"github.com/gorilla/websocket"
)

const (
	wsReadBufferSize    = 1024
	wsWriteBufferSize   = 64 * 1024
	streamWriteTimeout  = 10 * time.Second
	keepaliveInterval   = 15 * time.Second
	sseRetryInterval    = 5 * time.Second
	maxCloseReasonBytes = 123
	streamEndReason     = "subscription ended"
)

const (
	transportWS  = "websocket"
	transportSSE = "sse"
)

var errNoFlusher = errors.New("response writer does not support flushing")

// frameSink is one client connection. After it is opened only the pump
// goroutine writes to it.
type frameSink interface {
	send(frame streamFrame) error
	keepalive() error
	// end closes the stream after the last frame; failure is nil for a
	// normal end.
	end(failure error)
}

// pump copies frames from feed to sink until ctx ends, a write fails or the
// feed finishes. A finished feed is drained before the sink ends.
func pump(ctx context.Context, feed *streamFeed, sink frameSink, interval time.Duration) {
	if interval <= 0 {
		interval = keepaliveInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sink.keepalive(); err != nil {
				return
			}
		case frame := <-feed.output:
			if err := sink.send(frame); err != nil {
				return
			}
		case <-feed.finished:
			for {
				select {
				case frame := <-feed.output:
					if err := sink.send(frame); err != nil {
						return
					}
				default:
					sink.end(feed.err())
					return
				}
			}
		}
	}
}

type wsSink struct {
	conn    *websocket.Conn
	timeout time.Duration
}

func openWSSink(w http.ResponseWriter, r *http.Request, allowedOrigins []string) (*wsSink, error) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  wsReadBufferSize,
		WriteBufferSize: wsWriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r, allowedOrigins)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return &wsSink{conn: conn, timeout: streamWriteTimeout}, nil
}

// send writes byte payloads as binary messages and everything else as JSON
// text.
func (s *wsSink) send(frame streamFrame) error {
	if frame.Payload == nil {
		return nil
	}
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.timeout)); err != nil {
		return err
	}
	var err error
	if data, ok := frame.Payload.([]byte); ok {
		err = s.conn.WriteMessage(websocket.BinaryMessage, data)
	} else {
		err = s.conn.WriteJSON(frame.Payload)
	}
	if err != nil {
		_ = s.conn.Close()
	}
	return err
}

func (s *wsSink) keepalive() error {
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.timeout))
}

func (s *wsSink) end(failure error) {
	if failure == nil {
		s.close(websocket.CloseNormalClosure, streamEndReason)
		return
	}
	s.close(closeCodeForStatus(statusForError(failure)), failure.Error())
}

func (s *wsSink) close(code int, reason string) {
	deadline := time.Now().Add(s.timeout)
	_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, truncateCloseReason(reason)), deadline)
	_ = s.conn.Close()
}

// sseSink frames every event with an increasing id so clients can tell where
// a dropped connection left off.
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
	buf     bytes.Buffer
	seq     int64
}

func openSSESink(w http.ResponseWriter, retry time.Duration) (*sseSink, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, errNoFlusher
	}
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", cacheControlNoStore)
	headers.Set("Connection", "keep-alive")
	headers.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sink := &sseSink{w: w, flusher: flusher}
	if retry > 0 {
		sink.buf.WriteString("retry: " + strconv.FormatInt(retry.Milliseconds(), 10) + "\n\n")
	}
	return sink, sink.flush()
}

func (s *sseSink) send(frame streamFrame) error {
	if frame.Payload == nil {
		return nil
	}
	data, err := json.Marshal(frame.Payload)
	if err != nil {
		return err
	}
	s.seq++
	s.buf.WriteString("id: " + strconv.FormatInt(s.seq, 10) + "\n")
	if frame.Event != "" {
		s.buf.WriteString("event: " + frame.Event + "\n")
	}
	for _, line := range bytes.Split(data, []byte("\n")) {
		s.buf.WriteString("data: ")
		s.buf.Write(line)
		s.buf.WriteByte('\n')
	}
	s.buf.WriteByte('\n')
	return s.flush()
}

func (s *sseSink) keepalive() error {
	s.buf.WriteString(": ping\n\n")
	return s.flush()
}

// end is a no-op: the error frame is already queued and returning from the
// handler closes the response.
func (s *sseSink) end(error) {}

func (s *sseSink) flush() error {
	_, err := s.w.Write(s.buf.Bytes())
	s.buf.Reset()
	if err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// requireStreamToken answers with a plain HTTP 401 before any upgrade.
func requireStreamToken(w http.ResponseWriter, r *http.Request, token, transport string, logger *logging.Logger) bool {
	if validateToken(r, token) {
		return true
	}
	rejectStream(w, r, logger, transport, &apiError{Status: http.StatusUnauthorized, Message: "unauthorized"}, nil)
	return false
}

// rejectStream refuses a stream before its transport is opened.
func rejectStream(w http.ResponseWriter, r *http.Request, logger *logging.Logger, transport string, apiErr *apiError, cause error) {
	logStreamFailure(logger, r, transport, apiErr.Status, apiErr.Message, cause)
	writeJSONError(w, apiErr)
}

func logStreamFailure(logger *logging.Logger, r *http.Request, transport string, status int, message string, cause error) {
	if logger == nil || r == nil {
		return
	}
	if status == 0 {
		status = http.StatusInternalServerError
	}
	fields := map[string]string{
		"path":      r.URL.Path,
		"transport": transport,
		"status":    strconv.Itoa(status),
		"message":   strings.TrimSpace(message),
	}
	if r.RemoteAddr != "" {
		fields["remote_addr"] = r.RemoteAddr
	}
	if cause != nil {
		fields["error"] = cause.Error()
	}
	if status >= http.StatusInternalServerError {
		logger.Error("stream failed", fields)
		return
	}
	logger.Warn("stream failed", fields)
}

func closeCodeForStatus(status int) int {
	switch {
	case status == http.StatusBadRequest:
		return websocket.CloseProtocolError
	case status == http.StatusServiceUnavailable || status == http.StatusTooManyRequests:
		return websocket.CloseTryAgainLater
	case status >= http.StatusBadRequest && status < http.StatusInternalServerError:
		return websocket.ClosePolicyViolation
	default:
		return websocket.CloseInternalServerErr
	}
}

func truncateCloseReason(reason string) string {
	if len(reason) <= maxCloseReasonBytes {
		return reason
	}
	return reason[:maxCloseReasonBytes]
}
