package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

var (
	errNoHistory      = errors.New("no allocation committed yet")
	errNoConstruction = errors.New("no construction sleeve configured")
)

// Handlers implements the coordinator API endpoints.
type Handlers struct {
	cfg Config
	log zerolog.Logger
}

// NewHandlers creates the API handlers.
func NewHandlers(cfg Config, log zerolog.Logger) *Handlers {
	return &Handlers{
		cfg: cfg,
		log: log.With().Str("component", "api_handlers").Logger(),
	}
}

// HandleTriggerRebalance runs the monthly rebalance job immediately.
// POST /api/rebalance
func (h *Handlers) HandleTriggerRebalance(w http.ResponseWriter, r *http.Request) {
	h.log.Info().Msg("Manual rebalance triggered")

	if err := h.cfg.RebalanceJob.Run(); err != nil {
		h.writeError(w, http.StatusConflict, err)
		return
	}

	alloc, err := h.cfg.History.LatestAllocation()
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.writeJSON(w, map[string]interface{}{
		"status":     "committed",
		"allocation": alloc,
	})
}

// HandleState returns the committed portfolio and trust state plus the cycle
// phase.
// GET /api/state
func (h *Handlers) HandleState(w http.ResponseWriter, r *http.Request) {
	port, trust := h.cfg.Scheduler.Snapshot()
	h.writeJSON(w, map[string]interface{}{
		"phase":     h.cfg.Scheduler.Phase(),
		"portfolio": port,
		"trust":     trust,
	})
}

// HandleListAllocations returns the committed allocation history.
// GET /api/allocations?limit=N
func (h *Handlers) HandleListAllocations(w http.ResponseWriter, r *http.Request) {
	allocs, err := h.cfg.History.ListAllocations(queryLimit(r, 24))
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.writeJSON(w, allocs)
}

// HandleLatestAllocation returns the most recent committed allocation.
// GET /api/allocations/latest
func (h *Handlers) HandleLatestAllocation(w http.ResponseWriter, r *http.Request) {
	alloc, err := h.cfg.History.LatestAllocation()
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	if alloc == nil {
		h.writeError(w, http.StatusNotFound, errNoHistory)
		return
	}
	h.writeJSON(w, alloc)
}

// HandleListTrust returns persisted trust snapshots.
// GET /api/trust?limit=N
func (h *Handlers) HandleListTrust(w http.ResponseWriter, r *http.Request) {
	records, err := h.cfg.History.ListTrust(queryLimit(r, 24))
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, err)
		return
	}
	h.writeJSON(w, records)
}

// HandleLesion zeroes a module's trust permanently.
// POST /api/modules/{id}/lesion
func (h *Handlers) HandleLesion(w http.ResponseWriter, r *http.Request) {
	moduleID := chi.URLParam(r, "id")
	if err := h.cfg.Scheduler.LesionModule(moduleID); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	h.writeJSON(w, map[string]string{"status": "lesioned", "module": moduleID})
}

// HandleSetTrust overrides a module's trust weight.
// POST /api/modules/{id}/trust  body: {"trust": 0.3}
func (h *Handlers) HandleSetTrust(w http.ResponseWriter, r *http.Request) {
	moduleID := chi.URLParam(r, "id")

	var body struct {
		Trust float64 `json:"trust"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.cfg.Scheduler.SetTrust(moduleID, body.Trust); err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	h.writeJSON(w, map[string]interface{}{"status": "ok", "module": moduleID, "trust": body.Trust})
}

// HandleStress previews every canned stress scenario against current scores.
// POST /api/stress
func (h *Handlers) HandleStress(w http.ResponseWriter, r *http.Request) {
	asOf := time.Now().UTC()
	scores := h.cfg.RebalanceJob.CollectScores(asOf)

	results, err := h.cfg.Harness.RunAll(asOf, scores)
	if err != nil {
		h.writeError(w, http.StatusConflict, err)
		return
	}
	h.writeJSON(w, results)
}

// HandleStressLesion previews a cycle with one module disabled.
// POST /api/stress/lesion/{id}
func (h *Handlers) HandleStressLesion(w http.ResponseWriter, r *http.Request) {
	moduleID := chi.URLParam(r, "id")
	asOf := time.Now().UTC()
	scores := h.cfg.RebalanceJob.CollectScores(asOf)

	alloc, err := h.cfg.Harness.DisableModule(asOf, scores, moduleID)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err)
		return
	}
	h.writeJSON(w, alloc)
}

// HandleConstructionMetrics returns the construction sleeve dashboard view.
// GET /api/construction
func (h *Handlers) HandleConstructionMetrics(w http.ResponseWriter, r *http.Request) {
	if h.cfg.Sleeve == nil {
		h.writeError(w, http.StatusNotFound, errNoConstruction)
		return
	}
	h.writeJSON(w, h.cfg.Sleeve.GetConstructionMetrics(time.Now().UTC()))
}

func (h *Handlers) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode response")
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func queryLimit(r *http.Request, def int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return def
	}
	return limit
}
