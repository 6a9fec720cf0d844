package scoring

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/coordinator/internal/domain"
)

func window36(asOf time.Time) domain.Window {
	end := asOf.AddDate(0, -1, 0)
	return domain.Window{Start: end.AddDate(0, -36, 0), End: end}
}

func writeScoreFile(t *testing.T, dir, module, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, module+".yaml"), []byte(content), 0o644))
}

func TestFileProviderReadsScores(t *testing.T) {
	dir := t.TempDir()
	writeScoreFile(t, dir, "growth", `
as_of: 2026-07-31
module:
  alpha: 0.06
  risk: 0.04
  confidence: 0.8
assets:
  VTI:
    alpha: 0.05
    risk: 0.03
  QQQ:
    alpha: 0.07
    risk: 0.06
`)

	p := NewFileProvider(dir, "growth", zerolog.Nop())
	asOf := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	ms, err := p.ProduceScore(asOf, window36(asOf))
	require.NoError(t, err)
	assert.InDelta(t, 0.06, ms.Module.Alpha, 1e-12)
	assert.InDelta(t, 0.8, ms.Module.Confidence, 1e-12)
	require.Len(t, ms.Assets, 2)
	assert.InDelta(t, 0.07, ms.Assets["QQQ"].Alpha, 1e-12)
}

func TestFileProviderRejectsFutureDatedFile(t *testing.T) {
	dir := t.TempDir()
	writeScoreFile(t, dir, "growth", "as_of: 2026-08-01\nmodule:\n  alpha: 0.06\n")

	p := NewFileProvider(dir, "growth", zerolog.Nop())
	asOf := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	_, err := p.ProduceScore(asOf, window36(asOf))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not before cycle date")
}

func TestFileProviderRejectsStaleFile(t *testing.T) {
	dir := t.TempDir()
	writeScoreFile(t, dir, "growth", "as_of: 2026-05-01\nmodule:\n  alpha: 0.06\n")

	p := NewFileProvider(dir, "growth", zerolog.Nop())
	asOf := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	_, err := p.ProduceScore(asOf, window36(asOf))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stale")
}

func TestFileProviderMissingFile(t *testing.T) {
	p := NewFileProvider(t.TempDir(), "growth", zerolog.Nop())
	_, err := p.ProduceScore(time.Now().UTC(), window36(time.Now().UTC()))
	require.Error(t, err)
}
