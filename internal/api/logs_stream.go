package api

import (
	"net/http"

	"resultd/internal/logging"
)

// handleLogsStream follows new log entries as SSE "log" events.
func (h *RestHandler) handleLogsStream(w http.ResponseWriter, r *http.Request) {
	if !requireStreamToken(w, r, h.AuthToken, transportSSE, h.Logger) {
		return
	}

	minLevel := logging.Level("")
	if rawLevel := r.URL.Query().Get("level"); rawLevel != "" {
		level, ok := logging.ParseLevel(rawLevel)
		if !ok {
			rejectStream(w, r, h.Logger, transportSSE, &apiError{Status: http.StatusBadRequest, Message: "invalid log level"}, nil)
			return
		}
		minLevel = level
	}

	entries, cancel := h.Logger.Subscribe(minLevel)
	if entries == nil {
		rejectStream(w, r, h.Logger, transportSSE, &apiError{Status: http.StatusServiceUnavailable, Message: "log stream unavailable"}, nil)
		return
	}
	defer cancel()

	sink, err := openSSESink(w, sseRetryInterval)
	if err != nil {
		rejectStream(w, r, h.Logger, transportSSE, &apiError{Status: http.StatusInternalServerError, Message: "log stream unavailable"}, err)
		return
	}

	ctx, span := startRequestSpan(r, sseConnectSpanName, r.Pattern)
	defer span.End()

	feed := newStreamFeed(0)
	go func() {
		defer feed.finish()
		for entry := range entries {
			if err := feed.push(ctx, streamFrame{Event: "log", Payload: entry}); err != nil {
				return
			}
		}
	}()
	pump(ctx, feed, sink, keepaliveInterval)
}
