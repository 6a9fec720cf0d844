// Package main is the walk-forward backtest CLI. It replays the monthly
// allocation cycle over a scenario file and prints the fold report as JSON.
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/aristath/coordinator/internal/backtest"
	"github.com/aristath/coordinator/internal/config"
	"github.com/aristath/coordinator/internal/domain"
	"github.com/aristath/coordinator/internal/events"
	"github.com/aristath/coordinator/internal/metrics"
	"github.com/aristath/coordinator/internal/modules/guardrails"
	"github.com/aristath/coordinator/internal/modules/plasticity"
	"github.com/aristath/coordinator/internal/modules/rebalance"
	"github.com/aristath/coordinator/internal/modules/scoring"
	"github.com/aristath/coordinator/pkg/logger"
)

type scoreEntry struct {
	Alpha      float64 `yaml:"alpha"`
	Risk       float64 `yaml:"risk"`
	Confidence float64 `yaml:"confidence"`
}

type moduleScores struct {
	Module scoreEntry            `yaml:"module"`
	Assets map[string]scoreEntry `yaml:"assets"`
}

// scenario is the backtest input file: the fold dates, the portfolio spec and
// the scripted scores each module produces every cycle.
type scenario struct {
	Start        string                  `yaml:"start"` // YYYY-MM-DD
	End          string                  `yaml:"end"`
	WindowMonths int                     `yaml:"window_months"`
	PurgeMonths  int                     `yaml:"purge_months"`
	Portfolio    config.PortfolioSpec    `yaml:"portfolio"`
	Scores       map[string]moduleScores `yaml:"scores"`
	// Attribution is the per-module realized contribution applied every
	// cycle, driving the trust adaptation. Omit to keep trust static.
	Attribution map[string]float64 `yaml:"attribution"`
}

// staticProvider replays the scenario's scripted scores on every cycle.
type staticProvider struct {
	scores moduleScores
}

func (p *staticProvider) ProduceScore(_ time.Time, _ domain.Window) (domain.ModuleScores, error) {
	assets := make(map[string]domain.Score, len(p.scores.Assets))
	for asset, e := range p.scores.Assets {
		assets[asset] = domain.Score{Alpha: e.Alpha, Risk: e.Risk, Confidence: e.Confidence}
	}
	return domain.ModuleScores{
		Module: domain.Score{
			Alpha:      p.scores.Module.Alpha,
			Risk:       p.scores.Module.Risk,
			Confidence: p.scores.Module.Confidence,
		},
		Assets: assets,
	}, nil
}

func main() {
	var (
		scenarioPath string
		logLevel     string
	)

	root := &cobra.Command{
		Use:   "backtest",
		Short: "Replay the monthly allocation cycle over a scenario file",
		Long: `Replays the coordinator's monthly rebalance over a walk-forward fold.
Scores are scripted in the scenario file; allocator tuning comes from the
usual ALLOC_* environment variables.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBacktest(scenarioPath, logLevel)
		},
	}

	root.Flags().StringVarP(&scenarioPath, "scenario", "f", "", "path to the scenario YAML file")
	root.Flags().StringVar(&logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	_ = root.MarkFlagRequired("scenario")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runBacktest(scenarioPath, logLevel string) error {
	log := logger.New(logger.Config{Level: logLevel, Pretty: true})

	sc, err := loadScenario(scenarioPath)
	if err != nil {
		return err
	}

	start, err := time.Parse("2006-01-02", sc.Start)
	if err != nil {
		return fmt.Errorf("scenario start: %w", err)
	}
	end, err := time.Parse("2006-01-02", sc.End)
	if err != nil {
		return fmt.Errorf("scenario end: %w", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	modules := sc.Portfolio.DomainModules()
	guards := sc.Portfolio.Guardrails(cfg.Allocator)

	ids := make([]string, 0, len(modules))
	for _, m := range modules {
		ids = append(ids, m.ID)
	}

	sched, err := rebalance.NewScheduler(cfg.Allocator, modules, guards,
		&domain.PortfolioState{AUM: sc.Portfolio.AUM, Weights: map[string]float64{}},
		plasticity.NewState(ids, cfg.Allocator.AdaptationRate),
		rebalance.Deps{
			Aggregator: scoring.NewAggregator(cfg.Allocator, log),
			Enforcer:   guardrails.NewEnforcer(cfg.Allocator, log),
			Tracker:    plasticity.NewTracker(cfg.Allocator, log),
			History:    &discardHistory{},
			Publisher:  events.NewBus(log),
			Metrics:    metrics.NewRecorder(),
		}, log)
	if err != nil {
		return fmt.Errorf("rebalance scheduler: %w", err)
	}

	providers := make(map[string]domain.ScoreProvider, len(sc.Scores))
	for id, scores := range sc.Scores {
		providers[id] = &staticProvider{scores: scores}
	}

	var attrFn backtest.AttributionFunc
	if len(sc.Attribution) > 0 {
		attrFn = func(_ time.Time, prev *domain.Allocation) domain.Attribution {
			if prev == nil {
				return nil
			}
			return domain.Attribution(sc.Attribution)
		}
	}

	runner, err := backtest.NewRunner(backtest.Config{
		Start:        start,
		End:          end,
		WindowMonths: sc.WindowMonths,
		PurgeMonths:  sc.PurgeMonths,
	}, sched, providers, attrFn, log)
	if err != nil {
		return err
	}

	report, err := runner.Run()
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

func loadScenario(path string) (*scenario, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	var sc scenario
	if err := yaml.Unmarshal(raw, &sc); err != nil {
		return nil, fmt.Errorf("parse scenario: %w", err)
	}
	if len(sc.Scores) == 0 {
		return nil, fmt.Errorf("scenario: no scores defined")
	}
	return &sc, nil
}

// discardHistory satisfies the scheduler's history dependency without
// persisting anything; the fold report carries every cycle already.
type discardHistory struct{}

func (discardHistory) AppendCycle(*domain.Allocation, map[string]float64) error { return nil }
