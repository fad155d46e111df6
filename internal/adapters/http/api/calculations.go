package api

import (
	"context"
	"net/http"

	"github.com/okian/liquid/internal/domain/model"
)

// CalculationDependencies defines the read side of calculations.
type CalculationDependencies interface {
	Status(ctx context.Context, decision model.DecisionID) (model.CalculationRecord, error)
	FinalResult(ctx context.Context, decision model.DecisionID) (model.CalculationRecord, model.TallyResult, error)
	FinalBallots(ctx context.Context, decision model.DecisionID) (model.CalculationRecord, []model.EffectiveBallot, error)
}

// CalculationHandler serves calculation records and final outputs.
type CalculationHandler struct {
	deps CalculationDependencies
}

// NewCalculationHandler creates a new calculation handler.
func NewCalculationHandler(deps CalculationDependencies) *CalculationHandler {
	return &CalculationHandler{deps: deps}
}

// HandleGetCalculation handles GET /calculations/{decision_id}: the latest
// record, whatever its status.
func (h *CalculationHandler) HandleGetCalculation(w http.ResponseWriter, r *http.Request) {
	id, ok := h.decision(w, r, "/calculations/")
	if !ok {
		return
	}
	rec, err := h.deps.Status(r.Context(), id)
	if err != nil {
		writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// HandleGetResult handles GET /results/{decision_id}: the tally of the
// final record.
func (h *CalculationHandler) HandleGetResult(w http.ResponseWriter, r *http.Request) {
	id, ok := h.decision(w, r, "/results/")
	if !ok {
		return
	}
	rec, res, err := h.deps.FinalResult(r.Context(), id)
	if err != nil {
		writeLookupError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resultResponse{Record: rec, Result: res})
}

// HandleGetBallots handles GET /ballots/{decision_id}: the effective
// ballots of the final record.
func (h *CalculationHandler) HandleGetBallots(w http.ResponseWriter, r *http.Request) {
	id, ok := h.decision(w, r, "/ballots/")
	if !ok {
		return
	}
	rec, ballots, err := h.deps.FinalBallots(r.Context(), id)
	if err != nil {
		writeLookupError(w, err)
		return
	}
	if ballots == nil {
		ballots = []model.EffectiveBallot{}
	}
	writeJSON(w, http.StatusOK, ballotsResponse{Record: rec, Ballots: ballots})
}

func (h *CalculationHandler) decision(w http.ResponseWriter, r *http.Request, prefix string) (model.DecisionID, bool) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return "", false
	}
	id, ok := pathID(r, prefix)
	if !ok {
		writeError(w, http.StatusBadRequest, "bad_request", ErrBadRequest)
		return "", false
	}
	return model.DecisionID(id), true
}
