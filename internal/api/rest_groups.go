package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"resultd/internal/groups"
	"resultd/internal/results"
	"resultd/internal/wire"

	"go.opentelemetry.io/otel/attribute"
)

type groupListResponse struct {
	Root   string             `json:"root"`
	Groups []groups.FileGroup `json:"groups"`
}

func (h *RestHandler) handleListGroups(w http.ResponseWriter, r *http.Request) *apiError {
	if err := h.requireService(); err != nil {
		return err
	}
	root := h.Service.Resolve(strings.TrimSpace(r.URL.Query().Get("root")))
	found, err := h.Service.ListGroups(root)
	if err != nil {
		return &apiError{Status: http.StatusInternalServerError, Message: "failed to list groups: " + err.Error()}
	}
	if found == nil {
		found = []groups.FileGroup{}
	}
	writeJSON(w, http.StatusOK, groupListResponse{Root: root, Groups: found})
	return nil
}

func (h *RestHandler) handleGroupFiles(w http.ResponseWriter, r *http.Request) *apiError {
	if err := h.requireService(); err != nil {
		return err
	}
	groupID := strings.TrimSpace(r.PathValue("id"))
	if groupID == "" {
		return &apiError{Status: http.StatusBadRequest, Message: "missing group id"}
	}
	step, apiErr := parseStepParam(r.URL.Query().Get("step"))
	if apiErr != nil {
		return apiErr
	}
	encoding, err := wire.ParseEncoding(r.URL.Query().Get("encoding"))
	if err != nil {
		return &apiError{Status: http.StatusBadRequest, Message: err.Error()}
	}

	ctx, span := startRequestSpan(r, "groups.files", r.Pattern, attribute.String("group.id", groupID))
	out := newNDJSONWriter(w)
	count, err := h.Service.GetGroupFiles(ctx, groupID, step, func(payload results.Payload) error {
		frame, err := wire.NewFileFrame(payload.Filename, payload.MimeType, payload.Content, payload.ModTime, encoding)
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
		h.Logger.Warn("group file stream ended early", map[string]string{
			"group_id": groupID,
			"error":    err.Error(),
		})
		return nil
	}
	out.Finish()
	return nil
}

func (h *RestHandler) handleGroupEventsWS(w http.ResponseWriter, r *http.Request) {
	if !requireStreamToken(w, r, h.AuthToken, transportWS, h.Logger) {
		return
	}
	if apiErr := h.admitSubscription(); apiErr != nil {
		rejectStream(w, r, h.Logger, transportWS, apiErr, nil)
		return
	}
	root, apiErr := h.groupEventsRoot(r)
	if apiErr != nil {
		rejectStream(w, r, h.Logger, transportWS, apiErr, nil)
		return
	}

	ctx, span := startRequestSpan(r, wsConnectSpanName, r.Pattern, attribute.String("groups.root", root))
	err := h.serveWSSubscription(ctx, w, r, h.groupEventsStarter(root))
	endSpan(span, err)
}

func (h *RestHandler) handleGroupEventsSSE(w http.ResponseWriter, r *http.Request) *apiError {
	if err := h.requireService(); err != nil {
		return err
	}
	root, apiErr := h.groupEventsRoot(r)
	if apiErr != nil {
		return apiErr
	}

	ctx, span := startRequestSpan(r, sseConnectSpanName, r.Pattern, attribute.String("groups.root", root))
	apiErr = h.serveSSESubscription(ctx, w, r, h.groupEventsStarter(root))
	if apiErr != nil {
		endSpan(span, errors.New(apiErr.Message))
		return apiErr
	}
	endSpan(span, nil)
	return nil
}

func (h *RestHandler) groupEventsRoot(r *http.Request) (string, *apiError) {
	root := h.Service.Resolve(strings.TrimSpace(r.URL.Query().Get("root")))
	if !dirExists(root) {
		return "", &apiError{Status: http.StatusNotFound, Message: "root directory does not exist: " + root, Code: "output_dir_missing"}
	}
	return root, nil
}

func (h *RestHandler) groupEventsStarter(root string) subscriptionStarter {
	return func(ctx context.Context, feed *streamFeed, ready func()) (*results.Subscription, error) {
		sink := func(ctx context.Context, event groups.Event) error {
			return feed.push(ctx, streamFrame{Event: "group", Payload: event})
		}
		onRegistered := func(id string) {
			ready()
			_ = feed.push(ctx, streamFrame{
				Event: "subscribed",
				Payload: subscribedFrame{
					Type:           "subscribed",
					SubscriptionID: id,
					Root:           root,
				},
			})
		}
		return h.Service.SubscribeGroupEvents(ctx, root, sink, feed.fail, onRegistered)
	}
}

func parseStepParam(value string) (*int, *apiError) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, nil
	}
	step, err := strconv.Atoi(value)
	if err != nil || step < 0 {
		return nil, &apiError{Status: http.StatusBadRequest, Message: "invalid step"}
	}
	return &step, nil
}
