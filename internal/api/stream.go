package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"resultd/internal/pattern"
	"resultd/internal/results"
	"resultd/internal/wire"
)

const defaultStreamBuffer = 32

var errStreamClosed = errors.New("stream closed")

// streamFrame is one outbound message. Event names the SSE event; websockets
// ignore it.
type streamFrame struct {
	Event   string
	Payload any
}

type subscribedFrame struct {
	Type           string `json:"type"`
	SubscriptionID string `json:"subscription_id"`
	SimulationID   string `json:"simulation_id,omitempty"`
	Root           string `json:"root,omitempty"`
}

// streamFeed carries frames from a subscription worker to a transport writer.
// Pushes block so a slow client slows delivery instead of losing files.
type streamFeed struct {
	output   chan streamFrame
	finished chan struct{}
	gone     <-chan struct{}
	once     sync.Once

	mu      sync.Mutex
	failure error
}

func newStreamFeed(size int) *streamFeed {
	if size <= 0 {
		size = defaultStreamBuffer
	}
	return &streamFeed{
		output:   make(chan streamFrame, size),
		finished: make(chan struct{}),
	}
}

func (f *streamFeed) push(ctx context.Context, frame streamFrame) error {
	select {
	case f.output <- frame:
		return nil
	case <-f.gone:
		return errStreamClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *streamFeed) finish() {
	f.once.Do(func() {
		close(f.finished)
	})
}

// fail records the first asynchronous subscription error.
func (f *streamFeed) fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failure == nil {
		f.failure = err
	}
}

func (f *streamFeed) err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failure
}

// abort records err, queues an error frame when there is room and finishes
// the feed.
func (f *streamFeed) abort(err error) {
	f.fail(err)
	select {
	case f.output <- errorFrame(statusForError(err), err.Error()):
	default:
	}
	f.finish()
}

// follow finishes the feed once sub stops, with an error frame first when the
// subscription failed.
func (f *streamFeed) follow(sub *results.Subscription) {
	go func() {
		select {
		case <-sub.Done():
			if err := f.err(); err != nil {
				f.abort(err)
				return
			}
			f.finish()
		case <-f.gone:
		}
	}()
}

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Status  int    `json:"status"`
	Code    string `json:"code,omitempty"`
}

func errorFrame(status int, message string) streamFrame {
	return streamFrame{
		Event: "error",
		Payload: errorPayload{
			Type:    "error",
			Message: message,
			Status:  status,
			Code:    errorCodeForStatus(status),
		},
	}
}

type streamOptions struct {
	Patterns        []string
	IncludeExisting bool
	Format          wire.Format
	Encoding        wire.Encoding
}

func parseStreamOptions(r *http.Request) (streamOptions, *apiError) {
	query := r.URL.Query()
	options := streamOptions{Patterns: pattern.Split(query["pattern"]...)}

	includeExisting, err := parseBoolParam(query.Get("include_existing"))
	if err != nil {
		return options, &apiError{Status: http.StatusBadRequest, Message: "invalid include_existing"}
	}
	options.IncludeExisting = includeExisting

	format, err := wire.ParseFormat(query.Get("format"))
	if err != nil {
		return options, &apiError{Status: http.StatusBadRequest, Message: err.Error()}
	}
	options.Format = format

	encoding, err := wire.ParseEncoding(query.Get("encoding"))
	if err != nil {
		return options, &apiError{Status: http.StatusBadRequest, Message: err.Error()}
	}
	options.Encoding = encoding
	return options, nil
}

func parseBoolParam(value string) (bool, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return false, nil
	}
	return strconv.ParseBool(value)
}

// buildFileFrame converts a payload into its wire form: a FileFrame for JSON
// transports or protobuf-wire bytes for binary websockets.
func buildFileFrame(payload results.Payload, options streamOptions) (streamFrame, error) {
	frame, err := wire.NewFileFrame(payload.Filename, payload.MimeType, payload.Content, payload.ModTime, options.Encoding)
	if err != nil {
		return streamFrame{}, err
	}
	if options.Format == wire.FormatBinary {
		return streamFrame{Event: "file", Payload: wire.EncodeBinary(frame)}, nil
	}
	return streamFrame{Event: "file", Payload: frame}, nil
}
