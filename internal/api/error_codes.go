package api

import (
	"errors"
	"net/http"

	"resultd/internal/results"
	"resultd/internal/simulation"
)

func errorCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusMethodNotAllowed:
		return "method_not_allowed"
	case http.StatusConflict:
		return "conflict"
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusServiceUnavailable:
		return "service_unavailable"
	default:
		if status >= http.StatusInternalServerError {
			return "internal_error"
		}
	}
	return ""
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, results.ErrOutputDirMissing), errors.Is(err, simulation.ErrUnknownSimulation):
		return http.StatusNotFound
	case errors.Is(err, results.ErrTooManySubscriptions):
		return http.StatusTooManyRequests
	case errors.Is(err, results.ErrServiceClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, simulation.ErrDuplicateSimulation):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func apiErrorFor(err error) *apiError {
	status := statusForError(err)
	code := ""
	switch {
	case errors.Is(err, results.ErrOutputDirMissing):
		code = "output_dir_missing"
	case errors.Is(err, simulation.ErrUnknownSimulation):
		code = "unknown_simulation"
	}
	return &apiError{Status: status, Message: err.Error(), Code: code}
}
