package api

import "net/http"

// StatsProvider reports the calculation service's queue and worker state.
type StatsProvider interface {
	GetStats() map[string]interface{}
}

// StatsHandler serves GET /stats.
type StatsHandler struct {
	provider StatsProvider
}

// NewStatsHandler creates a stats handler over provider.
func NewStatsHandler(provider StatsProvider) *StatsHandler {
	return &StatsHandler{provider: provider}
}

// HandleStats writes the service stats. A service that has not started (or
// has stopped) answers 503 with the same body so health checks can tell it apart.
func (h *StatsHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.NotFound(w, r)
		return
	}
	stats := h.provider.GetStats()
	status := http.StatusOK
	if started, _ := stats["started"].(bool); !started {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, stats)
}
