package api

import (
	"context"
	"net/http"
	"os"

	"resultd/internal/results"

	"github.com/gorilla/websocket"
)

// subscriptionStarter creates a subscription that feeds frames into feed.
// ready must run once the subscription is registered and before any file is
// pushed; it opens the transport.
type subscriptionStarter func(ctx context.Context, feed *streamFeed, ready func()) (*results.Subscription, error)

// streamSession ties one feed to the transport opened for it. gone closes when
// the pump stops writing, whatever the reason.
type streamSession struct {
	feed   *streamFeed
	gone   chan struct{}
	cancel context.CancelFunc
	// tried is set once the transport was attempted, opened once it works.
	tried  bool
	opened bool
}

func newStreamSession() *streamSession {
	session := &streamSession{
		feed: newStreamFeed(0),
		gone: make(chan struct{}),
	}
	session.feed.gone = session.gone
	return session
}

// run starts the pump for sink; a nil sink means the transport never opened.
func (s *streamSession) run(ctx context.Context, sink frameSink) {
	s.tried = true
	if sink == nil {
		close(s.gone)
		return
	}
	s.opened = true
	ctx, s.cancel = context.WithCancel(ctx)
	go func() {
		defer close(s.gone)
		pump(ctx, s.feed, sink, keepaliveInterval)
	}()
}

// stop ends the pump without draining and waits for it.
func (s *streamSession) stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.gone
}

// serveWSSubscription upgrades only after the subscription is admitted, so
// limit and lookup failures still answer with plain HTTP errors.
func (h *RestHandler) serveWSSubscription(ctx context.Context, w http.ResponseWriter, r *http.Request, start subscriptionStarter) error {
	session := newStreamSession()
	var sink *wsSink
	ready := func() {
		var err error
		sink, err = openWSSink(w, r, h.AllowedOrigins)
		if err != nil {
			// The upgrader has already answered the request.
			logStreamFailure(h.Logger, r, transportWS, http.StatusBadRequest, "websocket upgrade failed", err)
			session.run(ctx, nil)
			return
		}
		session.run(context.WithoutCancel(ctx), sink)
	}

	sub, err := start(ctx, session.feed, ready)
	if err != nil {
		if !session.tried {
			rejectStream(w, r, h.Logger, transportWS, apiErrorFor(err), err)
			return err
		}
		if sink == nil {
			return err
		}
		logStreamFailure(h.Logger, r, transportWS, statusForError(err), "subscription failed", err)
		session.feed.abort(err)
		<-session.gone
		return err
	}
	if sink == nil {
		sub.Stop()
		return errStreamClosed
	}

	defer session.stop()
	defer sub.Stop()
	session.feed.follow(sub)

	for {
		if _, _, err := sink.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				h.Logger.Debug("websocket closed", map[string]string{
					"error":           err.Error(),
					"subscription_id": sub.ID(),
				})
			}
			_ = sink.conn.Close()
			return nil
		}
	}
}

// serveSSESubscription starts the event stream once the subscription is
// admitted and runs until the client leaves or the subscription ends.
func (h *RestHandler) serveSSESubscription(ctx context.Context, w http.ResponseWriter, r *http.Request, start subscriptionStarter) *apiError {
	if _, ok := w.(http.Flusher); !ok {
		return &apiError{Status: http.StatusInternalServerError, Message: errNoFlusher.Error()}
	}

	session := newStreamSession()
	ready := func() {
		sink, err := openSSESink(w, sseRetryInterval)
		if err != nil {
			logStreamFailure(h.Logger, r, transportSSE, http.StatusInternalServerError, "event stream unavailable", err)
			session.run(ctx, nil)
			return
		}
		session.run(r.Context(), sink)
	}

	sub, err := start(ctx, session.feed, ready)
	if err != nil {
		if !session.tried {
			return apiErrorFor(err)
		}
		if !session.opened {
			return nil
		}
		logStreamFailure(h.Logger, r, transportSSE, statusForError(err), "subscription failed", err)
		session.feed.abort(err)
		<-session.gone
		return nil
	}
	if !session.opened {
		sub.Stop()
		return nil
	}

	defer session.stop()
	defer sub.Stop()
	session.feed.follow(sub)
	<-session.gone
	return nil
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
