package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/coordinator/internal/config"
	"github.com/aristath/coordinator/internal/database"
	"github.com/aristath/coordinator/internal/domain"
	"github.com/aristath/coordinator/internal/events"
	"github.com/aristath/coordinator/internal/metrics"
	"github.com/aristath/coordinator/internal/modules/guardrails"
	"github.com/aristath/coordinator/internal/modules/history"
	"github.com/aristath/coordinator/internal/modules/plasticity"
	"github.com/aristath/coordinator/internal/modules/rebalance"
	"github.com/aristath/coordinator/internal/modules/scoring"
	"github.com/aristath/coordinator/internal/modules/stress"
	"github.com/aristath/coordinator/internal/scheduler"
)

type staticProvider struct {
	alpha  float64
	assets []string
}

func (p *staticProvider) ProduceScore(_ time.Time, _ domain.Window) (domain.ModuleScores, error) {
	assets := make(map[string]domain.Score, len(p.assets))
	for _, a := range p.assets {
		assets[a] = domain.Score{Alpha: 0.02}
	}
	return domain.ModuleScores{
		Module: domain.Score{Alpha: p.alpha},
		Assets: assets,
	}, nil
}

func newTestServer(t *testing.T) (*Server, *database.DB) {
	t.Helper()
	log := zerolog.Nop()
	allocCfg := config.AllocatorConfig{
		RiskPenalty:     0.3,
		Temperature:     0.05,
		AdaptationRate:  0.05,
		MinTrust:        0.02,
		MaxTrust:        0.50,
		ProjectionIters: 100,
		ProjectionEps:   1e-9,
	}

	modules := []domain.Module{
		{ID: "growth", Category: domain.CategoryGrowth, Assets: []string{"GA", "GB"}},
		{ID: "income", Category: domain.CategoryIncome, Assets: []string{"IA", "IB"}},
	}
	guards := domain.Guardrails{
		AssetCap: 0.60,
		ModuleCaps: map[string][2]float64{
			"growth": {0.0, 0.80},
			"income": {0.0, 0.80},
		},
		VolLower:        0.0,
		VolUpper:        1.0,
		AnnualTurnover:  1.2,
		TurnoverBankCap: 0.10,
	}

	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), "history.db"),
		Profile: database.ProfileLedger,
		Name:    "history",
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	repo, err := history.NewRepository(db, log)
	require.NoError(t, err)

	recorder := metrics.NewRecorder()
	bus := events.NewBus(log)

	sched, err := rebalance.NewScheduler(allocCfg, modules, guards,
		&domain.PortfolioState{AUM: 1_000_000},
		plasticity.NewState([]string{"growth", "income"}, allocCfg.AdaptationRate),
		rebalance.Deps{
			Aggregator: scoring.NewAggregator(allocCfg, log),
			Enforcer:   guardrails.NewEnforcer(allocCfg, log),
			Tracker:    plasticity.NewTracker(allocCfg, log),
			History:    repo,
			Publisher:  bus,
			Metrics:    recorder,
		}, log)
	require.NoError(t, err)

	providers := map[string]domain.ScoreProvider{
		"growth": &staticProvider{alpha: 0.06, assets: []string{"GA", "GB"}},
		"income": &staticProvider{alpha: 0.04, assets: []string{"IA", "IB"}},
	}
	job := scheduler.NewRebalanceJob(sched, providers, nil, nil, 36, 1, log)

	return New(Config{
		Log:          log,
		Cfg:          &config.Config{DataDir: t.TempDir(), Port: 0, Allocator: allocCfg},
		Scheduler:    sched,
		RebalanceJob: job,
		History:      repo,
		HistoryDB:    db,
		Harness:      stress.NewHarness(sched, log),
		Metrics:      recorder,
		Bus:          bus,
	}), db
}

func doRequest(t *testing.T, s *Server, method, path string, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestHandleTriggerRebalanceAndHistory(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/api/allocations/latest", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doRequest(t, s, http.MethodPost, "/api/rebalance", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "committed", resp.Status)

	rec = doRequest(t, s, http.MethodGet, "/api/allocations/latest", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, s, http.MethodGet, "/api/allocations?limit=5", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "module_weights")
}

func TestHandleState(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/api/state", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"phase":"idle"`)
	assert.Contains(t, rec.Body.String(), `"trust"`)
}

func TestHandleLesionAndTrustOverride(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/api/modules/growth/lesion", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, s, http.MethodPost, "/api/rebalance", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), `"GA"`)

	rec = doRequest(t, s, http.MethodPost, "/api/modules/income/trust", `{"trust": -2}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, s, http.MethodPost, "/api/modules/unknown/trust", `{"trust": 0.2}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleStressEndpoints(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodPost, "/api/stress", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "rate_shock")
	assert.Contains(t, rec.Body.String(), "tech_crash")

	rec = doRequest(t, s, http.MethodPost, "/api/stress/lesion/growth", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), `"GA"`)
}

func TestHealthDegradedWhenDatabaseUnavailable(t *testing.T) {
	s, db := newTestServer(t)
	require.NoError(t, db.Close())

	rec := doRequest(t, s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"degraded"`)
}

func TestHandleConstructionWithoutSleeve(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/api/construction", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	s, _ := newTestServer(t)

	rec := doRequest(t, s, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
	assert.Contains(t, rec.Body.String(), `"database":"ok"`)

	doRequest(t, s, http.MethodPost, "/api/rebalance", "")
	rec = doRequest(t, s, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "coordinator_rebalance_cycles_total")
}
