package api

import (
	"encoding/json"
	"net/http"
)

// ndjsonWriter streams one JSON document per line and flushes after each so
// clients can process files as they arrive.
type ndjsonWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	encoder *json.Encoder
	started bool
}

func newNDJSONWriter(w http.ResponseWriter) *ndjsonWriter {
	flusher, _ := w.(http.Flusher)
	return &ndjsonWriter{w: w, flusher: flusher, encoder: json.NewEncoder(w)}
}

func (n *ndjsonWriter) Started() bool {
	return n.started
}

func (n *ndjsonWriter) Write(value any) error {
	n.start()
	if err := n.encoder.Encode(value); err != nil {
		return err
	}
	if n.flusher != nil {
		n.flusher.Flush()
	}
	return nil
}

// Finish sends the headers for an empty stream.
func (n *ndjsonWriter) Finish() {
	n.start()
}

func (n *ndjsonWriter) start() {
	if n.started {
		return
	}
	n.started = true
	n.w.Header().Set("Content-Type", "application/x-ndjson")
	n.w.WriteHeader(http.StatusOK)
}
