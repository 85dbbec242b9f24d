package api

import (
	"net/http"
	"strings"

	"resultd/internal/simulation"
)

type registerSimulationRequest struct {
	ID        string `json:"id"`
	OutputDir string `json:"output_dir"`
}

type failSimulationRequest struct {
	Reason string `json:"reason"`
}

type simulationListResponse struct {
	Active    []simulation.Run `json:"active"`
	Completed []simulation.Run `json:"completed"`
}

type simulationResponse struct {
	simulation.Run
	Subscriptions int `json:"subscriptions"`
}

type simulationTransitionResponse struct {
	Run     simulation.Run `json:"run"`
	Stopped int            `json:"stopped_subscriptions"`
}

func (h *RestHandler) handleListSimulations(w http.ResponseWriter, r *http.Request) *apiError {
	if err := h.requireTracker(); err != nil {
		return err
	}
	response := simulationListResponse{
		Active:    h.Tracker.Active(),
		Completed: h.Tracker.Completed(),
	}
	if response.Active == nil {
		response.Active = []simulation.Run{}
	}
	if response.Completed == nil {
		response.Completed = []simulation.Run{}
	}
	writeJSON(w, http.StatusOK, response)
	return nil
}

func (h *RestHandler) handleRegisterSimulation(w http.ResponseWriter, r *http.Request) *apiError {
	if err := h.requireTracker(); err != nil {
		return err
	}
	var request registerSimulationRequest
	if err := decodeJSONBody(r, &request); err != nil {
		return err
	}
	outputDir := strings.TrimSpace(request.OutputDir)
	if outputDir == "" {
		return &apiError{Status: http.StatusBadRequest, Message: "missing output_dir"}
	}
	if h.Service != nil {
		outputDir = h.Service.Resolve(outputDir)
	}

	run, err := h.Tracker.Register(strings.TrimSpace(request.ID), outputDir)
	if err != nil {
		apiErr := apiErrorFor(err)
		if apiErr.Status == http.StatusInternalServerError {
			apiErr.Status = http.StatusBadRequest
			apiErr.Code = ""
		}
		return apiErr
	}
	writeJSON(w, http.StatusCreated, run)
	return nil
}

func (h *RestHandler) handleGetSimulation(w http.ResponseWriter, r *http.Request) *apiError {
	if err := h.requireTracker(); err != nil {
		return err
	}
	id, apiErr := simulationIDFromPath(r)
	if apiErr != nil {
		return apiErr
	}
	run, ok := h.Tracker.Get(id)
	if !ok {
		return &apiError{Status: http.StatusNotFound, Message: "simulation not found", Code: "unknown_simulation"}
	}
	response := simulationResponse{Run: run}
	if h.Service != nil {
		response.Subscriptions = h.Service.Registry().CountForSimulation(id)
	}
	writeJSON(w, http.StatusOK, response)
	return nil
}

func (h *RestHandler) handleCompleteSimulation(w http.ResponseWriter, r *http.Request) *apiError {
	return h.transitionSimulation(w, r, func(id string) (simulation.Run, error) {
		return h.Tracker.Complete(id)
	})
}

func (h *RestHandler) handleFailSimulation(w http.ResponseWriter, r *http.Request) *apiError {
	var request failSimulationRequest
	if err := decodeJSONBody(r, &request); err != nil {
		return err
	}
	return h.transitionSimulation(w, r, func(id string) (simulation.Run, error) {
		return h.Tracker.Fail(id, strings.TrimSpace(request.Reason))
	})
}

func (h *RestHandler) handleStopSimulation(w http.ResponseWriter, r *http.Request) *apiError {
	return h.transitionSimulation(w, r, func(id string) (simulation.Run, error) {
		return h.Tracker.Stop(id)
	})
}

// transitionSimulation ends a run and stops its subscriptions in the same
// request, so the caller sees them gone when the response arrives. The
// tracker event triggers the same stop asynchronously for other producers.
func (h *RestHandler) transitionSimulation(w http.ResponseWriter, r *http.Request, transition func(string) (simulation.Run, error)) *apiError {
	if err := h.requireTracker(); err != nil {
		return err
	}
	id, apiErr := simulationIDFromPath(r)
	if apiErr != nil {
		return apiErr
	}
	run, err := transition(id)
	if err != nil {
		return apiErrorFor(err)
	}
	stopped := 0
	if h.Service != nil {
		stopped = h.Service.StopSimulation(id)
	}
	writeJSON(w, http.StatusOK, simulationTransitionResponse{Run: run, Stopped: stopped})
	return nil
}
