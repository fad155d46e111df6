package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/okian/liquid/internal/adapters/repository"
	service "github.com/okian/liquid/internal/app"
	"github.com/okian/liquid/internal/domain/model"
)

// EventDependencies defines the interface for change intake.
type EventDependencies interface {
	Notify(ctx context.Context, change model.Change) ([]service.Trigger, error)
}

// EventsHandler handles change notifications.
type EventsHandler struct {
	deps EventDependencies
}

// NewEventsHandler creates a new events handler.
func NewEventsHandler(deps EventDependencies) *EventsHandler {
	return &EventsHandler{deps: deps}
}

// HandlePostEvent handles POST /events requests. It answers 202 when a
// calculation was scheduled, 200 when every affected decision was already
// queued or nothing was open, and 429 when the queue rejected a decision.
func (h *EventsHandler) HandlePostEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Errorf("%w: %w", ErrBadRequest, err))
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", fmt.Errorf("%w: %w", ErrBadRequest, err))
		return
	}

	triggers, err := h.deps.Notify(r.Context(), req.change())
	switch {
	case err == nil:
	case errors.Is(err, service.ErrInvalidChange):
		writeError(w, http.StatusBadRequest, "bad_request", err)
		return
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err)
		return
	case errors.Is(err, service.ErrNotStarted):
		writeError(w, http.StatusServiceUnavailable, "unavailable", fmt.Errorf("%w: %w", ErrUnavailable, err))
		return
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err)
		return
	}

	status, code := http.StatusOK, "coalesced"
	for _, t := range triggers {
		switch t.Outcome {
		case "rejected":
			status, code = http.StatusTooManyRequests, "backpressure"
		case "accepted":
			if status != http.StatusTooManyRequests {
				status, code = http.StatusAccepted, "accepted"
			}
		}
	}
	if len(triggers) == 0 {
		code = "ignored"
	}
	if triggers == nil {
		triggers = []service.Trigger{}
	}
	writeJSON(w, status, ackResponse{Status: code, Triggers: triggers})
}
