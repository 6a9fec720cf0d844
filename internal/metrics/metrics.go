// Package metrics exposes the allocator's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aristath/coordinator/internal/domain"
)

// Recorder owns the metric families and the registry backing /metrics.
type Recorder struct {
	registry *prometheus.Registry

	cyclesTotal        prometheus.Counter
	turnoverUsed       prometheus.Histogram
	volEstimate        prometheus.Gauge
	softViolations     prometheus.Counter
	excludedModules    prometheus.Counter
	moduleTrust        *prometheus.GaugeVec
	moduleWeight       *prometheus.GaugeVec
	lastCycleTimestamp prometheus.Gauge
}

// NewRecorder builds the metric families on a private registry.
func NewRecorder() *Recorder {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Recorder{
		registry: registry,
		cyclesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "coordinator_rebalance_cycles_total",
			Help: "Committed rebalance cycles",
		}),
		turnoverUsed: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "coordinator_turnover_used",
			Help:    "Turnover spent per committed cycle",
			Buckets: []float64{0.005, 0.0125, 0.025, 0.05, 0.10, 0.20},
		}),
		volEstimate: factory.NewGauge(prometheus.GaugeOpts{
			Name: "coordinator_vol_estimate",
			Help: "Annualized volatility estimate of the latest committed allocation",
		}),
		softViolations: factory.NewCounter(prometheus.CounterOpts{
			Name: "coordinator_soft_violations_total",
			Help: "Guardrail breaches committed as soft violations",
		}),
		excludedModules: factory.NewCounter(prometheus.CounterOpts{
			Name: "coordinator_excluded_modules_total",
			Help: "Module-cycles excluded for invalid scores",
		}),
		moduleTrust: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "coordinator_module_trust",
			Help: "Current trust weight per module",
		}, []string{"module"}),
		moduleWeight: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "coordinator_module_weight",
			Help: "Committed weight per module",
		}, []string{"module"}),
		lastCycleTimestamp: factory.NewGauge(prometheus.GaugeOpts{
			Name: "coordinator_last_cycle_timestamp_seconds",
			Help: "As-of time of the latest committed cycle",
		}),
	}
}

// RecordCycle observes one committed allocation.
func (r *Recorder) RecordCycle(alloc *domain.Allocation) {
	r.cyclesTotal.Inc()
	r.turnoverUsed.Observe(alloc.TurnoverUsed)
	r.volEstimate.Set(alloc.VolEstimate)
	r.softViolations.Add(float64(len(alloc.SoftViolations)))
	r.excludedModules.Add(float64(len(alloc.ExcludedModules)))
	r.lastCycleTimestamp.Set(float64(alloc.AsOf.Unix()))

	for module, weight := range alloc.ModuleWeights {
		r.moduleWeight.WithLabelValues(module).Set(weight)
	}
}

// RecordTrust mirrors the post-commit trust vector.
func (r *Recorder) RecordTrust(trust map[string]float64) {
	for module, value := range trust {
		r.moduleTrust.WithLabelValues(module).Set(value)
	}
}

// Handler serves the registry for /metrics.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
