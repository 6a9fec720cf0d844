// Package construction tracks the construction sleeve: the module whose job
// is not alpha but covering a known future building cost. It reports coverage
// (CRR) and how well the sleeve tracks the local construction-cost proxy.
package construction

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"
)

// Config describes the sleeve's goal.
type Config struct {
	ModuleID      string
	BudgetToday   float64   // construction budget in today's money
	TargetDate    time.Time // when the budget must be covered
	InflationRate float64   // annual cost inflation assumption
	MinProxyCorr  float64   // required correlation to the cost proxy
}

// Metrics is the dashboard view of the sleeve.
type Metrics struct {
	ModuleID         string    `json:"module_id"`
	AsOf             time.Time `json:"as_of"`
	NAV              float64   `json:"nav"`
	TargetBudget     float64   `json:"target_budget"` // inflation-adjusted cost at the target date
	CRR              float64   `json:"crr"`           // NAV / TargetBudget
	OnTrack          bool      `json:"on_track"`
	YearsRemaining   float64   `json:"years_remaining"`
	ProxyCorrelation float64   `json:"proxy_correlation"`
	CorrelationOK    bool      `json:"correlation_ok"`
	Observations     int       `json:"observations"`
}

// Sleeve accumulates NAV and proxy observations. Reads and writes are
// concurrent: the rebalance job updates while dashboards poll.
type Sleeve struct {
	cfg Config
	log zerolog.Logger

	mu           sync.RWMutex
	nav          float64
	navReturns   []float64
	proxyReturns []float64
}

// NewSleeve creates a construction sleeve tracker.
func NewSleeve(cfg Config, log zerolog.Logger) (*Sleeve, error) {
	if cfg.BudgetToday <= 0 {
		return nil, fmt.Errorf("construction sleeve: budget must be > 0")
	}
	if cfg.TargetDate.IsZero() {
		return nil, fmt.Errorf("construction sleeve: target date required")
	}
	return &Sleeve{
		cfg: cfg,
		log: log.With().Str("component", "construction_sleeve").Logger(),
	}, nil
}

// ModuleID returns the module this sleeve tracks.
func (s *Sleeve) ModuleID() string {
	return s.cfg.ModuleID
}

// SetNAV records the sleeve's current net asset value.
func (s *Sleeve) SetNAV(nav float64) {
	s.mu.Lock()
	s.nav = nav
	s.mu.Unlock()
}

// Observe records one period's sleeve return alongside the cost-proxy return.
// The pair feeds the tracking correlation.
func (s *Sleeve) Observe(navReturn, proxyReturn float64) {
	s.mu.Lock()
	s.navReturns = append(s.navReturns, navReturn)
	s.proxyReturns = append(s.proxyReturns, proxyReturn)
	s.mu.Unlock()
}

// GetConstructionMetrics computes the current coverage and tracking view.
func (s *Sleeve) GetConstructionMetrics(asOf time.Time) Metrics {
	s.mu.RLock()
	defer s.mu.RUnlock()

	years := s.cfg.TargetDate.Sub(asOf).Hours() / (24 * 365.25)
	if years < 0 {
		years = 0
	}
	targetBudget := s.cfg.BudgetToday * math.Pow(1+s.cfg.InflationRate, years)

	crr := 0.0
	if targetBudget > 0 {
		crr = s.nav / targetBudget
	}

	corr := 0.0
	if len(s.navReturns) >= 2 {
		corr = stat.Correlation(s.navReturns, s.proxyReturns, nil)
		if math.IsNaN(corr) {
			corr = 0
		}
	}

	m := Metrics{
		ModuleID:         s.cfg.ModuleID,
		AsOf:             asOf,
		NAV:              s.nav,
		TargetBudget:     targetBudget,
		CRR:              crr,
		OnTrack:          crr >= 1.0,
		YearsRemaining:   years,
		ProxyCorrelation: corr,
		CorrelationOK:    corr >= s.cfg.MinProxyCorr,
		Observations:     len(s.navReturns),
	}

	if !m.CorrelationOK && m.Observations >= 12 {
		s.log.Warn().
			Float64("correlation", corr).
			Float64("required", s.cfg.MinProxyCorr).
			Msg("Construction sleeve tracking its cost proxy poorly")
	}
	return m
}
