// Package metrics exposes Prometheus collectors for the invocation
// pipeline. A nil *Recorder is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "relay"

type Recorder struct {
	registry *prometheus.Registry

	dispatches   *prometheus.CounterVec
	dispatchTime *prometheus.HistogramVec
	turns        *prometheus.CounterVec
	modelCalls   *prometheus.HistogramVec
	synthesis    *prometheus.CounterVec
	extraction   *prometheus.CounterVec
	cache        *prometheus.CounterVec
}

func New() *Recorder {
	reg := prometheus.NewRegistry()
	r := &Recorder{
		registry: reg,
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Capability dispatches by capability and outcome.",
		}, []string{"capability", "outcome"}),
		dispatchTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Time spent executing capabilities.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"capability"}),
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Finalized conversation turns by outcome.",
		}, []string{"outcome"}),
		modelCalls: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "model_call_duration_seconds",
			Help:      "Model generation latency by pass and result.",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"pass", "result"}),
		synthesis: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "synthesis_total",
			Help:      "Response synthesis by mode (model, fallback, canned).",
		}, []string{"mode"}),
		extraction: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "extraction_total",
			Help:      "Invocation extraction attempts by result.",
		}, []string{"result"}),
		cache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "capability_cache_total",
			Help:      "Capability result cache lookups by capability and result.",
		}, []string{"capability", "result"}),
	}
	reg.MustRegister(
		r.dispatches, r.dispatchTime, r.turns, r.modelCalls,
		r.synthesis, r.extraction, r.cache,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

func (r *Recorder) Dispatch(capability, outcome string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.dispatches.WithLabelValues(capability, outcome).Inc()
	if elapsed > 0 {
		r.dispatchTime.WithLabelValues(capability).Observe(elapsed.Seconds())
	}
}

func (r *Recorder) Turn(outcome string) {
	if r == nil {
		return
	}
	r.turns.WithLabelValues(outcome).Inc()
}

func (r *Recorder) ModelCall(pass, result string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.modelCalls.WithLabelValues(pass, result).Observe(elapsed.Seconds())
}

func (r *Recorder) Synthesis(mode string) {
	if r == nil {
		return
	}
	r.synthesis.WithLabelValues(mode).Inc()
}

func (r *Recorder) Extraction(result string) {
	if r == nil {
		return
	}
	r.extraction.WithLabelValues(result).Inc()
}

func (r *Recorder) Cache(capability string, hit bool) {
	if r == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	r.cache.WithLabelValues(capability, result).Inc()
}

// Gatherer exposes the underlying registry.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	return r.registry
}

// Handler serves the recorder's registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
