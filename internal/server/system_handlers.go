package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aristath/coordinator/internal/database"
)

// SystemHandlers serves process and host health.
type SystemHandlers struct {
	log       zerolog.Logger
	dataDir   string
	historyDB *database.DB
	started   time.Time
}

// NewSystemHandlers creates the health handlers.
func NewSystemHandlers(log zerolog.Logger, dataDir string, historyDB *database.DB) *SystemHandlers {
	return &SystemHandlers{
		log:       log.With().Str("component", "system_handlers").Logger(),
		dataDir:   dataDir,
		historyDB: historyDB,
		started:   time.Now(),
	}
}

// HandleHealth reports process, host and database health.
// GET /health
func (h *SystemHandlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"

	dbStatus := "ok"
	if h.historyDB != nil {
		if err := h.historyDB.HealthCheck(r.Context()); err != nil {
			dbStatus = err.Error()
			status = "degraded"
		}
	}

	cpuPct, memPct := h.systemStats()

	diskPct := 0.0
	if usage, err := disk.Usage(h.dataDir); err == nil {
		diskPct = usage.UsedPercent
	} else {
		h.log.Warn().Err(err).Str("dir", h.dataDir).Msg("Failed to read disk usage")
	}

	w.Header().Set("Content-Type", "application/json")
	if status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":         status,
		"uptime_seconds": int(time.Since(h.started).Seconds()),
		"database":       dbStatus,
		"cpu_percent":    cpuPct,
		"mem_percent":    memPct,
		"disk_percent":   diskPct,
	})
}

// systemStats samples CPU over a short interval so the endpoint stays fast.
func (h *SystemHandlers) systemStats() (float64, float64) {
	cpuPct, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get CPU percentage")
		cpuPct = []float64{0}
	}

	memStat, err := mem.VirtualMemory()
	if err != nil {
		h.log.Warn().Err(err).Msg("Failed to get memory statistics")
		return firstOrZero(cpuPct), 0
	}
	return firstOrZero(cpuPct), memStat.UsedPercent
}

func firstOrZero(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	return xs[0]
}
