package scoring

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/aristath/coordinator/internal/domain"
)

// Default staleness tolerance for score files. A monthly cadence plus some
// slack for late model runs.
const defaultMaxStaleness = 45 * 24 * time.Hour

type scoreEntry struct {
	Alpha      float64 `yaml:"alpha"`
	Risk       float64 `yaml:"risk"`
	Confidence float64 `yaml:"confidence"`
}

type scoreFile struct {
	AsOf   string                `yaml:"as_of"` // YYYY-MM-DD
	Module scoreEntry            `yaml:"module"`
	Assets map[string]scoreEntry `yaml:"assets"`
}

// FileProvider reads a module's scores from a YAML drop file. The expert
// models run out of process and publish one file per module into the scores
// directory; the coordinator only ever reads them.
type FileProvider struct {
	dir          string
	moduleID     string
	maxStaleness time.Duration
	log          zerolog.Logger
}

// NewFileProvider creates a provider reading <dir>/<moduleID>.yaml.
func NewFileProvider(dir, moduleID string, log zerolog.Logger) *FileProvider {
	return &FileProvider{
		dir:          dir,
		moduleID:     moduleID,
		maxStaleness: defaultMaxStaleness,
		log:          log.With().Str("component", "score_file").Str("module", moduleID).Logger(),
	}
}

// ProduceScore implements domain.ScoreProvider. The file's as_of date must be
// strictly before the cycle date and within the staleness tolerance, so a
// stale or future-dated drop excludes the module instead of leaking ahead.
func (p *FileProvider) ProduceScore(asOf time.Time, _ domain.Window) (domain.ModuleScores, error) {
	path := filepath.Join(p.dir, p.moduleID+".yaml")
	raw, err := os.ReadFile(path)
	if err != nil {
		return domain.ModuleScores{}, fmt.Errorf("read score file: %w", err)
	}

	var file scoreFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return domain.ModuleScores{}, fmt.Errorf("parse score file %s: %w", path, err)
	}

	fileDate, err := time.Parse("2006-01-02", file.AsOf)
	if err != nil {
		return domain.ModuleScores{}, fmt.Errorf("score file %s: as_of: %w", path, err)
	}
	if !fileDate.Before(asOf) {
		return domain.ModuleScores{}, fmt.Errorf("score file %s dated %s, not before cycle date %s",
			path, file.AsOf, asOf.Format("2006-01-02"))
	}
	if asOf.Sub(fileDate) > p.maxStaleness {
		return domain.ModuleScores{}, fmt.Errorf("score file %s dated %s is stale for cycle date %s",
			path, file.AsOf, asOf.Format("2006-01-02"))
	}

	assets := make(map[string]domain.Score, len(file.Assets))
	for asset, e := range file.Assets {
		assets[asset] = domain.Score{Alpha: e.Alpha, Risk: e.Risk, Confidence: e.Confidence}
	}
	return domain.ModuleScores{
		Module: domain.Score{
			Alpha:      file.Module.Alpha,
			Risk:       file.Module.Risk,
			Confidence: file.Module.Confidence,
		},
		Assets: assets,
	}, nil
}
