package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"resultd/internal/logging"
	"resultd/internal/simulation"
	"resultd/internal/version"
)

type statusResponse struct {
	Version           version.Info       `json:"version"`
	WorkingDir        string             `json:"working_dir"`
	ServerTime        time.Time          `json:"server_time"`
	UptimeSeconds     int64              `json:"uptime_seconds"`
	Subscriptions     int                `json:"subscriptions"`
	ActiveSimulations int                `json:"active_simulations"`
	FilesDelivered    int64              `json:"files_delivered"`
	RecentEvents      []simulation.Event `json:"recent_events"`
}

type workingDirectoryRequest struct {
	Directory string `json:"directory"`
}

type workingDirectoryResponse struct {
	Directory string `json:"directory"`
}

type logQuery struct {
	Limit int
	Level logging.Level
	Since *time.Time
}

func (h *RestHandler) handleStatus(w http.ResponseWriter, r *http.Request) *apiError {
	if err := h.requireService(); err != nil {
		return err
	}
	now := time.Now().UTC()
	response := statusResponse{
		Version:        version.Get(),
		WorkingDir:     h.Service.WorkingDirectory(),
		ServerTime:     now,
		UptimeSeconds:  int64(now.Sub(h.StartedAt).Seconds()),
		Subscriptions:  h.Service.Registry().Count(),
		FilesDelivered: h.Metrics.FilesDelivered(),
		RecentEvents:   []simulation.Event{},
	}
	if h.Tracker != nil {
		response.ActiveSimulations = len(h.Tracker.Active())
		if history := h.Tracker.Events().History(); len(history) > 0 {
			response.RecentEvents = history
		}
	}
	writeJSON(w, http.StatusOK, response)
	return nil
}

func (h *RestHandler) handleMetrics(w http.ResponseWriter, r *http.Request) *apiError {
	if h.Metrics == nil {
		return &apiError{Status: http.StatusServiceUnavailable, Message: "metrics unavailable"}
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if err := h.Metrics.WritePrometheus(w); err != nil {
		h.Logger.Warn("metrics write failed", map[string]string{"error": err.Error()})
	}
	return nil
}

func (h *RestHandler) handleWorkingDirectory(w http.ResponseWriter, r *http.Request) *apiError {
	if err := h.requireService(); err != nil {
		return err
	}
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, workingDirectoryResponse{Directory: h.Service.WorkingDirectory()})
		return nil
	case http.MethodPut:
		var request workingDirectoryRequest
		if err := decodeJSONBody(r, &request); err != nil {
			return err
		}
		directory := strings.TrimSpace(request.Directory)
		if directory == "" {
			return &apiError{Status: http.StatusBadRequest, Message: "missing directory"}
		}
		resolved, err := h.Service.SetWorkingDirectory(directory)
		if err != nil {
			return &apiError{Status: http.StatusBadRequest, Message: err.Error()}
		}
		writeJSON(w, http.StatusOK, workingDirectoryResponse{Directory: resolved})
		return nil
	default:
		return methodNotAllowed(w, "GET, PUT")
	}
}

func (h *RestHandler) handleLogs(w http.ResponseWriter, r *http.Request) *apiError {
	query, err := parseLogQuery(r)
	if err != nil {
		return err
	}
	entries := h.Logger.Buffer().List()
	writeJSON(w, http.StatusOK, filterLogEntries(entries, query))
	return nil
}

func parseLogQuery(r *http.Request) (logQuery, *apiError) {
	values := r.URL.Query()
	query := logQuery{
		Limit: 100,
	}

	if rawLimit := strings.TrimSpace(values.Get("limit")); rawLimit != "" {
		limit, err := strconv.Atoi(rawLimit)
		if err != nil || limit <= 0 {
			return query, &apiError{Status: http.StatusBadRequest, Message: "invalid limit"}
		}
		query.Limit = limit
	}

	if rawSince := strings.TrimSpace(values.Get("since")); rawSince != "" {
		parsed, err := time.Parse(time.RFC3339, rawSince)
		if err != nil {
			return query, &apiError{Status: http.StatusBadRequest, Message: "invalid since timestamp"}
		}
		query.Since = &parsed
	}

	if rawLevel := strings.TrimSpace(values.Get("level")); rawLevel != "" {
		level, ok := logging.ParseLevel(rawLevel)
		if !ok {
			return query, &apiError{Status: http.StatusBadRequest, Message: "invalid log level"}
		}
		query.Level = level
	}

	return query, nil
}

func filterLogEntries(entries []logging.LogEntry, query logQuery) []logging.LogEntry {
	filtered := make([]logging.LogEntry, 0, len(entries))
	for _, entry := range entries {
		if query.Level != "" && !entry.Level.AtLeast(query.Level) {
			continue
		}
		if query.Since != nil && entry.Timestamp.Before(*query.Since) {
			continue
		}
		filtered = append(filtered, entry)
	}

	if query.Limit > 0 && len(filtered) > query.Limit {
		filtered = filtered[len(filtered)-query.Limit:]
	}

	return filtered
}
