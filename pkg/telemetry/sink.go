// Package telemetry is the process-wide step metrics sink. Counters
// are mutated under one mutex with O(1) hot-path updates; external
// readers use Snapshot, and a Prometheus registry mirrors every series
// for scraping. Nothing here is read on the step hot path.
package telemetry

import (
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// maxLatencySamples bounds the percentile window; older samples are
// overwritten ring-buffer style.
const maxLatencySamples = 1024

// Sink accumulates step outcomes for the debug surface.
type Sink struct {
	mu sync.Mutex

	stepsSucceeded int64
	stepsFailed    map[string]int64 // by error code
	replays        int64
	fallbacks      map[string]int64 // by reason code
	endings        map[string]int64 // by outcome
	llmUnavailable int64

	latencies []time.Duration
	latencyAt int

	registry *prometheus.Registry

	promSteps     *prometheus.CounterVec
	promFallbacks *prometheus.CounterVec
	promEndings   *prometheus.CounterVec
	promReplays   prometheus.Counter
	promLatency   prometheus.Histogram
}

// NewSink creates a sink with its own Prometheus registry.
func NewSink() *Sink {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Sink{
		stepsFailed: make(map[string]int64),
		fallbacks:   make(map[string]int64),
		endings:     make(map[string]int64),
		registry:    registry,

		promSteps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loom", Name: "steps_total",
			Help: "Committed and failed step executions.",
		}, []string{"result"}),
		promFallbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loom", Name: "fallbacks_total",
			Help: "Fallback steps by reason code.",
		}, []string{"reason"}),
		promEndings: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "loom", Name: "endings_total",
			Help: "Resolved endings by outcome.",
		}, []string{"outcome"}),
		promReplays: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "loom", Name: "replays_total",
			Help: "Idempotent replays served from stored responses.",
		}),
		promLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "loom", Name: "step_duration_seconds",
			Help:    "End-to-end step latency, commit included.",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
	}
}

// Registry exposes the Prometheus registry for the /metrics endpoint.
func (s *Sink) Registry() *prometheus.Registry {
	return s.registry
}

// StepSucceeded records one committed step.
func (s *Sink) StepSucceeded(d time.Duration, fallbackReason string) {
	s.mu.Lock()
	s.stepsSucceeded++
	if fallbackReason != "" {
		s.fallbacks[fallbackReason]++
	}
	s.observeLatencyLocked(d)
	s.mu.Unlock()

	s.promSteps.WithLabelValues("success").Inc()
	if fallbackReason != "" {
		s.promFallbacks.WithLabelValues(fallbackReason).Inc()
	}
	s.promLatency.Observe(d.Seconds())
}

// StepFailed records one failed step by error code.
func (s *Sink) StepFailed(code string, d time.Duration) {
	s.mu.Lock()
	s.stepsFailed[code]++
	if code == "LLM_UNAVAILABLE" {
		s.llmUnavailable++
	}
	s.observeLatencyLocked(d)
	s.mu.Unlock()

	s.promSteps.WithLabelValues("failure").Inc()
	s.promLatency.Observe(d.Seconds())
}

// Replay records a stored-response replay. Replays bypass the step
// counters so the success rate reflects real executions only.
func (s *Sink) Replay() {
	s.mu.Lock()
	s.replays++
	s.mu.Unlock()
	s.promReplays.Inc()
}

// EndingResolved records a run reaching an ending.
func (s *Sink) EndingResolved(outcome string) {
	s.mu.Lock()
	s.endings[outcome]++
	s.mu.Unlock()
	s.promEndings.WithLabelValues(outcome).Inc()
}

func (s *Sink) observeLatencyLocked(d time.Duration) {
	if len(s.latencies) < maxLatencySamples {
		s.latencies = append(s.latencies, d)
		return
	}
	s.latencies[s.latencyAt] = d
	s.latencyAt = (s.latencyAt + 1) % maxLatencySamples
}

// Snapshot is a point-in-time copy of the sink for external readers.
type Snapshot struct {
	StepsSucceeded int64            `json:"steps_succeeded"`
	StepsFailed    map[string]int64 `json:"steps_failed"`
	Replays        int64            `json:"replays"`
	Fallbacks      map[string]int64 `json:"fallbacks"`
	Endings        map[string]int64 `json:"endings"`
	LLMUnavailable int64            `json:"llm_unavailable"`
	FallbackRate   float64          `json:"fallback_rate"`

	LatencyP50 time.Duration `json:"latency_p50_ns"`
	LatencyP95 time.Duration `json:"latency_p95_ns"`
	LatencyP99 time.Duration `json:"latency_p99_ns"`
}

// Snapshot copies the counters and computes latency percentiles over
// the retained window.
func (s *Sink) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		StepsSucceeded: s.stepsSucceeded,
		StepsFailed:    copyCounts(s.stepsFailed),
		Replays:        s.replays,
		Fallbacks:      copyCounts(s.fallbacks),
		Endings:        copyCounts(s.endings),
		LLMUnavailable: s.llmUnavailable,
	}
	var fallbackSteps int64
	for _, n := range s.fallbacks {
		fallbackSteps += n
	}
	if s.stepsSucceeded > 0 {
		snap.FallbackRate = float64(fallbackSteps) / float64(s.stepsSucceeded)
	}
	if len(s.latencies) > 0 {
		sorted := make([]time.Duration, len(s.latencies))
		copy(sorted, s.latencies)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		snap.LatencyP50 = percentile(sorted, 0.50)
		snap.LatencyP95 = percentile(sorted, 0.95)
		snap.LatencyP99 = percentile(sorted, 0.99)
	}
	return snap
}

func copyCounts(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func percentile(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(q * float64(len(sorted)-1))
	return sorted[idx]
}
