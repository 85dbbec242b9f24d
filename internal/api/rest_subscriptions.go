package api

import (
	"net/http"
	"strings"

	"resultd/internal/results"
)

type subscriptionListResponse struct {
	Subscriptions []results.Info `json:"subscriptions"`
	Count         int            `json:"count"`
}

type stopSubscriptionResponse struct {
	ID      string `json:"id"`
	Stopped bool   `json:"stopped"`
}

func (h *RestHandler) handleListSubscriptions(w http.ResponseWriter, r *http.Request) *apiError {
	if err := h.requireService(); err != nil {
		return err
	}
	subscriptions := h.Service.Subscriptions()
	if simulationID := strings.TrimSpace(r.URL.Query().Get("simulation_id")); simulationID != "" {
		filtered := subscriptions[:0]
		for _, info := range subscriptions {
			if info.SimulationID == simulationID {
				filtered = append(filtered, info)
			}
		}
		subscriptions = filtered
	}
	if subscriptions == nil {
		subscriptions = []results.Info{}
	}
	writeJSON(w, http.StatusOK, subscriptionListResponse{Subscriptions: subscriptions, Count: len(subscriptions)})
	return nil
}

func (h *RestHandler) handleStopSubscription(w http.ResponseWriter, r *http.Request) *apiError {
	if err := h.requireService(); err != nil {
		return err
	}
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		return &apiError{Status: http.StatusBadRequest, Message: "missing subscription id"}
	}
	if !h.Service.Unsubscribe(id) {
		return &apiError{Status: http.StatusNotFound, Message: "subscription not found"}
	}
	h.Logger.Info("subscription stopped by request", map[string]string{"subscription_id": id})
	writeJSON(w, http.StatusOK, stopSubscriptionResponse{ID: id, Stopped: true})
	return nil
}
