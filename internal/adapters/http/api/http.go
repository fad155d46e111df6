// Package api declares HTTP contracts and route registration helpers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/okian/liquid/internal/adapters/repository"
	service "github.com/okian/liquid/internal/app"
	"github.com/okian/liquid/internal/domain/model"
)

// Dependencies required by HTTP handlers. Using an interface bundle keeps
// the handler layer loosely coupled to implementations in other packages.
type Dependencies interface {
	EventDependencies
	CalculationDependencies
}

// Server wires HTTP routes for the business API.
type Server struct {
	healthHandler      *HealthHandler
	statsHandler       *StatsHandler
	eventsHandler      *EventsHandler
	calculationHandler *CalculationHandler
}

// NewServer creates a new API server with all handlers.
func NewServer(deps Dependencies, statsProvider StatsProvider) *Server {
	return &Server{
		healthHandler:      NewHealthHandler(),
		statsHandler:       NewStatsHandler(statsProvider),
		eventsHandler:      NewEventsHandler(deps),
		calculationHandler: NewCalculationHandler(deps),
	}
}

// Register attaches all HTTP routes to mux.
func (s *Server) Register(ctx context.Context, mux *http.ServeMux) {
	mux.HandleFunc("/healthz", MetricsMiddleware(s.healthHandler.HandleHealth, "healthz"))
	mux.HandleFunc("/metrics", MetricsMiddleware(s.healthHandler.HandleMetrics, "metrics"))
	mux.HandleFunc("/stats", MetricsMiddleware(s.statsHandler.HandleStats, "stats"))
	mux.HandleFunc("/events", MetricsMiddleware(s.eventsHandler.HandlePostEvent, "events"))
	mux.HandleFunc("/calculations/", MetricsMiddleware(s.calculationHandler.HandleGetCalculation, "calculations"))
	mux.HandleFunc("/results/", MetricsMiddleware(s.calculationHandler.HandleGetResult, "results"))
	mux.HandleFunc("/ballots/", MetricsMiddleware(s.calculationHandler.HandleGetBallots, "ballots"))
}

// eventRequest is the body of POST /events.
type eventRequest struct {
	Kind        string `json:"kind"`
	CommunityID string `json:"community_id"`
	DecisionID  string `json:"decision_id"`
}

func (e eventRequest) validate() error {
	switch model.ChangeKind(strings.TrimSpace(e.Kind)) {
	case model.ChangeVote:
		if strings.TrimSpace(e.DecisionID) == "" {
			return errors.New("missing decision_id")
		}
	case model.ChangeFollow, model.ChangeMembership:
		if strings.TrimSpace(e.CommunityID) == "" {
			return errors.New("missing community_id")
		}
	case "":
		return errors.New("missing kind")
	default:
		return errors.New("invalid kind; must be vote, follow or membership")
	}
	return nil
}

func (e eventRequest) change() model.Change {
	return model.Change{
		Kind:        model.ChangeKind(strings.TrimSpace(e.Kind)),
		CommunityID: model.CommunityID(strings.TrimSpace(e.CommunityID)),
		DecisionID:  model.DecisionID(strings.TrimSpace(e.DecisionID)),
	}
}

type ackResponse struct {
	Status   string            `json:"status"`
	Triggers []service.Trigger `json:"triggers"`
}

type resultResponse struct {
	Record model.CalculationRecord `json:"record"`
	Result model.TallyResult       `json:"result"`
}

type ballotsResponse struct {
	Record  model.CalculationRecord `json:"record"`
	Ballots []model.EffectiveBallot `json:"ballots"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, err error) {
	msg := http.StatusText(status)
	if err != nil {
		msg = err.Error()
	}
	writeJSON(w, status, errorResponse{Code: code, Message: msg})
}

// writeLookupError maps storage lookups to 404 and everything else to 500.
func writeLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", err)
		return
	}
	writeError(w, http.StatusInternalServerError, "internal_error", err)
}

// pathID extracts the single path segment after prefix.
func pathID(r *http.Request, prefix string) (string, bool) {
	id := strings.TrimPrefix(r.URL.Path, prefix)
	if id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}
