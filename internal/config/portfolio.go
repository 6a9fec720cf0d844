package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aristath/coordinator/internal/domain"
)

// Default module cap band applied when the spec leaves one out.
const (
	defaultModuleMin = 0.05
	defaultModuleMax = 0.30
)

// ModuleSpec describes one expert module in the portfolio file.
type ModuleSpec struct {
	ID          string   `yaml:"id"`
	Category    string   `yaml:"category"`
	Assets      []string `yaml:"assets"`
	MinWeight   *float64 `yaml:"min_weight"`
	MaxWeight   *float64 `yaml:"max_weight"`
	TrailingVol float64  `yaml:"trailing_vol"`
	Yield       float64  `yaml:"yield"`
}

// ConstructionSpec configures the construction sleeve tracker.
type ConstructionSpec struct {
	ModuleID      string  `yaml:"module_id"`
	BudgetToday   float64 `yaml:"budget_today"`
	TargetDate    string  `yaml:"target_date"` // YYYY-MM-DD
	InflationRate float64 `yaml:"inflation_rate"`
	MinProxyCorr  float64 `yaml:"min_proxy_corr"`
}

// PortfolioSpec is the on-disk description of the portfolio: the modules,
// their universes and the sleeve goals. Allocator tuning stays in env config.
type PortfolioSpec struct {
	AUM          float64           `yaml:"aum"`
	Modules      []ModuleSpec      `yaml:"modules"`
	Construction *ConstructionSpec `yaml:"construction"`
}

// LoadPortfolioSpec reads and validates the portfolio file.
func LoadPortfolioSpec(path string) (*PortfolioSpec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read portfolio spec: %w", err)
	}

	var spec PortfolioSpec
	if err := yaml.Unmarshal(raw, &spec); err != nil {
		return nil, fmt.Errorf("parse portfolio spec: %w", err)
	}

	if spec.AUM <= 0 {
		return nil, fmt.Errorf("portfolio spec: aum must be > 0")
	}
	if len(spec.Modules) == 0 {
		return nil, fmt.Errorf("portfolio spec: at least one module required")
	}
	seen := make(map[string]bool, len(spec.Modules))
	for _, m := range spec.Modules {
		if m.ID == "" {
			return nil, fmt.Errorf("portfolio spec: module without id")
		}
		if seen[m.ID] {
			return nil, fmt.Errorf("portfolio spec: duplicate module id %s", m.ID)
		}
		seen[m.ID] = true
		if len(m.Assets) == 0 {
			return nil, fmt.Errorf("portfolio spec: module %s has no assets", m.ID)
		}
	}
	if c := spec.Construction; c != nil {
		if !seen[c.ModuleID] {
			return nil, fmt.Errorf("portfolio spec: construction module %s not declared", c.ModuleID)
		}
		if _, err := time.Parse("2006-01-02", c.TargetDate); err != nil {
			return nil, fmt.Errorf("portfolio spec: construction target_date: %w", err)
		}
	}
	return &spec, nil
}

// DomainModules converts the spec into module descriptors, filling default
// cap bands.
func (s *PortfolioSpec) DomainModules() []domain.Module {
	modules := make([]domain.Module, 0, len(s.Modules))
	for _, m := range s.Modules {
		min, max := defaultModuleMin, defaultModuleMax
		if m.MinWeight != nil {
			min = *m.MinWeight
		}
		if m.MaxWeight != nil {
			max = *m.MaxWeight
		}
		modules = append(modules, domain.Module{
			ID:          m.ID,
			Category:    domain.Category(m.Category),
			Assets:      m.Assets,
			MinWeight:   min,
			MaxWeight:   max,
			TrailingVol: m.TrailingVol,
			Yield:       m.Yield,
		})
	}
	return modules
}

// Guardrails combines the module bands with the allocator tuning.
func (s *PortfolioSpec) Guardrails(a AllocatorConfig) domain.Guardrails {
	caps := make(map[string][2]float64, len(s.Modules))
	for _, m := range s.DomainModules() {
		caps[m.ID] = [2]float64{m.MinWeight, m.MaxWeight}
	}
	return domain.Guardrails{
		AssetCap:        a.AssetCap,
		ModuleCaps:      caps,
		WithdrawalBase:  a.WithdrawalBase,
		IncomeCoverage:  a.IncomeCoverage,
		VolLower:        a.TargetVolLower,
		VolUpper:        a.TargetVolUpper,
		AnnualTurnover:  a.AnnualTurnover,
		TurnoverBankCap: a.TurnoverBankCap,
	}
}

// TargetDateTime parses the construction target date. Callers validate the
// spec first, so errors only occur on hand-edited files.
func (c *ConstructionSpec) TargetDateTime() (time.Time, error) {
	return time.Parse("2006-01-02", c.TargetDate)
}
