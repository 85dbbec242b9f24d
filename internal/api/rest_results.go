package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"resultd/internal/results"
	"resultd/internal/wire"

	"go.opentelemetry.io/otel/attribute"
)

func (h *RestHandler) handleGetResults(w http.ResponseWriter, r *http.Request) *apiError {
	if err := h.requireService(); err != nil {
		return err
	}
	simulationID, apiErr := simulationIDFromPath(r)
	if apiErr != nil {
		return apiErr
	}
	options, apiErr := parseStreamOptions(r)
	if apiErr != nil {
		return apiErr
	}
	if options.Format != wire.FormatJSON {
		return &apiError{Status: http.StatusBadRequest, Message: "results fetch supports json format only"}
	}

	ctx, span := startRequestSpan(r, "results.fetch", r.Pattern, attribute.String("simulation.id", simulationID))
	out := newNDJSONWriter(w)
	count, err := h.Service.GetResults(ctx, simulationID, options.Patterns, func(payload results.Payload) error {
		frame, err := wire.NewFileFrame(payload.Filename, payload.MimeType, payload.Content, payload.ModTime, options.Encoding)
		if err != nil {
			return err
		}
		return out.Write(frame)
	})
	span.SetAttributes(attribute.Int("results.files", count))
	endSpan(span, err)
	if err != nil {
		if !out.Started() {
			return apiErrorFor(err)
		}
		h.Logger.Warn("results stream ended early", map[string]string{
			"simulation_id": simulationID,
			"error":         err.Error(),
		})
		return nil
	}
	out.Finish()
	return nil
}

func (h *RestHandler) handleResultsWS(w http.ResponseWriter, r *http.Request) {
	if !requireStreamToken(w, r, h.AuthToken, transportWS, h.Logger) {
		return
	}
	if apiErr := h.admitSubscription(); apiErr != nil {
		rejectStream(w, r, h.Logger, transportWS, apiErr, nil)
		return
	}
	simulationID, apiErr := simulationIDFromPath(r)
	if apiErr == nil {
		apiErr = h.requireOutputDir(simulationID)
	}
	options, optionsErr := parseStreamOptions(r)
	if apiErr == nil {
		apiErr = optionsErr
	}
	if apiErr != nil {
		rejectStream(w, r, h.Logger, transportWS, apiErr, nil)
		return
	}

	ctx, span := startRequestSpan(r, wsConnectSpanName, r.Pattern,
		attribute.String("simulation.id", simulationID),
		attribute.String("results.format", string(options.Format)),
		attribute.String("results.encoding", string(options.Encoding)),
	)
	err := h.serveWSSubscription(ctx, w, r, h.resultsStarter(simulationID, options))
	endSpan(span, err)
}

func (h *RestHandler) handleResultsSSE(w http.ResponseWriter, r *http.Request) *apiError {
	if err := h.requireService(); err != nil {
		return err
	}
	simulationID, apiErr := simulationIDFromPath(r)
	if apiErr != nil {
		return apiErr
	}
	if apiErr := h.requireOutputDir(simulationID); apiErr != nil {
		return apiErr
	}
	options, apiErr := parseStreamOptions(r)
	if apiErr != nil {
		return apiErr
	}
	if options.Format != wire.FormatJSON {
		return &apiError{Status: http.StatusBadRequest, Message: "event streams support json format only"}
	}

	ctx, span := startRequestSpan(r, sseConnectSpanName, r.Pattern, attribute.String("simulation.id", simulationID))
	apiErr = h.serveSSESubscription(ctx, w, r, h.resultsStarter(simulationID, options))
	if apiErr != nil {
		endSpan(span, errors.New(apiErr.Message))
		return apiErr
	}
	endSpan(span, nil)
	return nil
}

func (h *RestHandler) resultsStarter(simulationID string, options streamOptions) subscriptionStarter {
	return func(ctx context.Context, feed *streamFeed, ready func()) (*results.Subscription, error) {
		return h.Service.Subscribe(ctx, results.SubscribeRequest{
			SimulationID:    simulationID,
			Patterns:        options.Patterns,
			IncludeExisting: options.IncludeExisting,
			Sink: func(ctx context.Context, payload results.Payload) error {
				frame, err := buildFileFrame(payload, options)
				if err != nil {
					return fmt.Errorf("encode %s: %w", payload.Filename, err)
				}
				return feed.push(ctx, frame)
			},
			OnError: feed.fail,
			OnRegistered: func(id string) {
				ready()
				_ = feed.push(ctx, streamFrame{
					Event: "subscribed",
					Payload: subscribedFrame{
						Type:           "subscribed",
						SubscriptionID: id,
						SimulationID:   simulationID,
					},
				})
			},
		})
	}
}

// admitSubscription applies the service and rate checks shared by the
// websocket routes.
func (h *RestHandler) admitSubscription() *apiError {
	if err := h.requireService(); err != nil {
		return err
	}
	if h.Limiter != nil && !h.Limiter.Allow() {
		return &apiError{Status: http.StatusTooManyRequests, Message: "subscription rate exceeded"}
	}
	return nil
}

func (h *RestHandler) requireOutputDir(simulationID string) *apiError {
	dir := h.Service.ResolveOutputDir(simulationID)
	if !dirExists(dir) {
		return &apiError{
			Status:  http.StatusNotFound,
			Message: fmt.Sprintf("output directory %s: %s", dir, results.ErrOutputDirMissing.Error()),
			Code:    "output_dir_missing",
		}
	}
	return nil
}

func simulationIDFromPath(r *http.Request) (string, *apiError) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		return "", &apiError{Status: http.StatusBadRequest, Message: "missing simulation id"}
	}
	if strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return "", &apiError{Status: http.StatusBadRequest, Message: "invalid simulation id"}
	}
	return id, nil
}
