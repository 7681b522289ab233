// Package metrics provides lightweight, lock-minimal counters for the PII
// analyzer and anonymizer.
//
// Counters use sync/atomic so the analysis path incurs no mutex contention.
// Latency statistics use a single mutex per dimension; they are updated at
// most once per call. Every update is mirrored into Prometheus collectors on a
// private registry, served by Handler.
package metrics

import (
	"math"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pii-anonymizer/internal/cache"
	"pii-anonymizer/internal/entity"
)

// CustomTypeLabel is the Prometheus label value shared by every custom
// entity type.
const CustomTypeLabel = "CUSTOM"

// Metrics holds all runtime counters for a running instance.
// The zero value is safe to record into but keeps no per-type counts and
// exports nothing to Prometheus; use New().
type Metrics struct {
	// Call counters
	AnalyzeCalls     atomic.Int64
	AnonymizeCalls   atomic.Int64
	DeanonymizeCalls atomic.Int64

	// Error counters
	RecognizerFailures atomic.Int64
	ErrorsAnonymize    atomic.Int64
	ErrorsRequest      atomic.Int64 // malformed API requests

	// Entity volume
	EntitiesDetected atomic.Int64
	EntitiesReplaced atomic.Int64
	EntitiesRestored atomic.Int64

	// Per-type detections. Written only in New(); concurrent reads are safe
	// without a lock. Custom types are counted in EntitiesDetected and in
	// Prometheus but not here.
	detected map[entity.Type]*atomic.Int64

	analyzeMu   sync.Mutex
	analyzeStat latencyStats

	anonMu   sync.Mutex
	anonStat latencyStats

	prom *collectors

	// Model memo cache counters, read on demand.
	modelCache atomic.Pointer[func() (cache.Stats, bool)]

	startTime time.Time
}

type collectors struct {
	registry *prometheus.Registry
	calls    *prometheus.CounterVec
	entities *prometheus.CounterVec
	failures *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func newCollectors(m *Metrics) *collectors {
	c := &collectors{
		registry: prometheus.NewRegistry(),
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pii",
			Name:      "calls_total",
			Help:      "Analyze, anonymize and deanonymize calls.",
		}, []string{"op"}),
		entities: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pii",
			Name:      "entities_detected_total",
			Help:      "Entities returned by the analyzer, by type.",
		}, []string{"type"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pii",
			Name:      "recognizer_failures_total",
			Help:      "Recognizer errors and panics excluded from analysis.",
		}, []string{"recognizer"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pii",
			Name:      "operation_duration_seconds",
			Help:      "Latency of analyze and anonymize calls.",
			Buckets:   []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
		}, []string{"op"}),
	}
	cacheStat := func(pick func(cache.Stats) float64) func() float64 {
		return func() float64 {
			st, _ := m.ModelCacheStats()
			return pick(st)
		}
	}
	c.registry.MustRegister(c.calls, c.entities, c.failures, c.duration,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "pii",
			Name:      "model_cache_entries",
			Help:      "Texts held in the model result cache.",
		}, cacheStat(func(s cache.Stats) float64 { return float64(s.Entries) })),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "pii",
			Name:      "model_cache_hits_total",
			Help:      "Model result cache hits.",
		}, cacheStat(func(s cache.Stats) float64 { return float64(s.Hits) })),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "pii",
			Name:      "model_cache_misses_total",
			Help:      "Model result cache misses.",
		}, cacheStat(func(s cache.Stats) float64 { return float64(s.Misses) })),
	)
	return c
}

// New returns a new Metrics with the start time recorded, per-type counters
// pre-populated for every predefined entity type and Prometheus collectors
// registered.
func New() *Metrics {
	known := entity.Known()
	m := &Metrics{
		startTime: time.Now(),
		detected:  make(map[entity.Type]*atomic.Int64, len(known)),
	}
	m.prom = newCollectors(m)
	for _, t := range known {
		m.detected[t] = new(atomic.Int64)
	}
	return m
}

// RecordAnalyze records one analyzer call and the entities it returned.
func (m *Metrics) RecordAnalyze(d time.Duration, results []entity.Result) {
	m.AnalyzeCalls.Add(1)
	m.EntitiesDetected.Add(int64(len(results)))
	for _, r := range results {
		if c, ok := m.detected[r.Type]; ok {
			c.Add(1)
		}
		if m.prom != nil {
			m.prom.entities.WithLabelValues(typeLabel(r.Type)).Inc()
		}
	}

	m.analyzeMu.Lock()
	m.analyzeStat.record(float64(d.Microseconds()) / 1000.0)
	m.analyzeMu.Unlock()

	if m.prom != nil {
		m.prom.calls.WithLabelValues("analyze").Inc()
		m.prom.duration.WithLabelValues("analyze").Observe(d.Seconds())
	}
}

// RecordAnonymize records one successful anonymizer call.
func (m *Metrics) RecordAnonymize(d time.Duration, replaced int) {
	m.AnonymizeCalls.Add(1)
	m.EntitiesReplaced.Add(int64(replaced))

	m.anonMu.Lock()
	m.anonStat.record(float64(d.Microseconds()) / 1000.0)
	m.anonMu.Unlock()

	if m.prom != nil {
		m.prom.calls.WithLabelValues("anonymize").Inc()
		m.prom.duration.WithLabelValues("anonymize").Observe(d.Seconds())
	}
}

// RecordDeanonymize records one deanonymize call that restored n values.
func (m *Metrics) RecordDeanonymize(restored int) {
	m.DeanonymizeCalls.Add(1)
	m.EntitiesRestored.Add(int64(restored))
	if m.prom != nil {
		m.prom.calls.WithLabelValues("deanonymize").Inc()
	}
}

// RecordRecognizerFailure counts a recognizer excluded from one analysis.
func (m *Metrics) RecordRecognizerFailure(name string) {
	m.RecognizerFailures.Add(1)
	if m.prom != nil {
		m.prom.failures.WithLabelValues(name).Inc()
	}
}

// typeLabel keeps the entities series bounded: custom types come from
// user definitions and model labels, so they share one label.
func typeLabel(t entity.Type) string {
	if t.IsCustom() {
		return CustomTypeLabel
	}
	return t.String()
}

// ObserveModelCache registers the source of the model cache counters served
// by Snapshot and Handler. A later call replaces the earlier source.
func (m *Metrics) ObserveModelCache(fn func() (cache.Stats, bool)) {
	m.modelCache.Store(&fn)
}

// ModelCacheStats returns the observed model cache counters. ok is false
// when no cache is observed or the cache is disabled.
func (m *Metrics) ModelCacheStats() (cache.Stats, bool) {
	fn := m.modelCache.Load()
	if fn == nil {
		return cache.Stats{}, false
	}
	return (*fn)()
}

// Handler serves the Prometheus exposition format. On a zero Metrics it
// answers 503.
func (m *Metrics) Handler() http.Handler {
	if m.prom == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "metrics not initialized", http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(m.prom.registry, promhttp.HandlerOpts{})
}

// Snapshot returns a point-in-time copy of all metrics, safe for JSON encoding.
func (m *Metrics) Snapshot() Snapshot {
	m.analyzeMu.Lock()
	analyze := m.analyzeStat.snapshot()
	m.analyzeMu.Unlock()

	m.anonMu.Lock()
	anon := m.anonStat.snapshot()
	m.anonMu.Unlock()

	byType := make(map[string]int64, len(m.detected))
	for t, c := range m.detected {
		if n := c.Load(); n > 0 {
			byType[t.String()] = n
		}
	}

	var modelCache *cache.Stats
	if st, ok := m.ModelCacheStats(); ok {
		modelCache = &st
	}

	return Snapshot{
		Calls: CallSnapshot{
			Analyze:     m.AnalyzeCalls.Load(),
			Anonymize:   m.AnonymizeCalls.Load(),
			Deanonymize: m.DeanonymizeCalls.Load(),
		},
		Errors: ErrorSnapshot{
			Recognizer: m.RecognizerFailures.Load(),
			Anonymize:  m.ErrorsAnonymize.Load(),
			Request:    m.ErrorsRequest.Load(),
		},
		Entities: EntitySnapshot{
			Detected: m.EntitiesDetected.Load(),
			Replaced: m.EntitiesReplaced.Load(),
			Restored: m.EntitiesRestored.Load(),
			ByType:   byType,
		},
		Latency: LatencyGroup{
			AnalyzeMs:   analyze,
			AnonymizeMs: anon,
		},
		ModelCache: modelCache,
		UptimeSecs: time.Since(m.startTime).Seconds(),
	}
}

// --- JSON-serialisable snapshot types ---

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Calls      CallSnapshot   `json:"calls"`
	Errors     ErrorSnapshot  `json:"errors"`
	Entities   EntitySnapshot `json:"entities"`
	Latency    LatencyGroup   `json:"latency"`
	ModelCache *cache.Stats   `json:"modelCache,omitempty"`
	UptimeSecs float64        `json:"uptimeSecs"`
}

// CallSnapshot holds per-operation call counters.
type CallSnapshot struct {
	Analyze     int64 `json:"analyze"`
	Anonymize   int64 `json:"anonymize"`
	Deanonymize int64 `json:"deanonymize"`
}

// ErrorSnapshot holds error counters.
type ErrorSnapshot struct {
	Recognizer int64 `json:"recognizer"`
	Anonymize  int64 `json:"anonymize"`
	Request    int64 `json:"request"`
}

// EntitySnapshot holds entity volume counters.
type EntitySnapshot struct {
	Detected int64 `json:"detected"`
	Replaced int64 `json:"replaced"`
	Restored int64 `json:"restored"`

	// Per predefined type (only types with non-zero counts appear).
	ByType map[string]int64 `json:"byType,omitempty"`
}

// LatencyGroup groups the two latency dimensions.
type LatencyGroup struct {
	AnalyzeMs   LatencySnapshot `json:"analyzeMs"`
	AnonymizeMs LatencySnapshot `json:"anonymizeMs"`
}

// LatencySnapshot is a min/mean/max summary for one latency dimension.
type LatencySnapshot struct {
	Count  int64   `json:"count"`
	MinMs  float64 `json:"minMs"`
	MeanMs float64 `json:"meanMs"`
	MaxMs  float64 `json:"maxMs"`
}

// --- internal accumulator ---

type latencyStats struct {
	count int64
	sum   float64
	min   float64
	max   float64
}

func (s *latencyStats) record(ms float64) {
	s.count++
	s.sum += ms
	if s.count == 1 || ms < s.min {
		s.min = ms
	}
	if ms > s.max {
		s.max = ms
	}
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }

func (s *latencyStats) snapshot() LatencySnapshot {
	if s.count == 0 {
		return LatencySnapshot{}
	}
	return LatencySnapshot{
		Count:  s.count,
		MinMs:  round2(s.min),
		MeanMs: round2(s.sum / float64(s.count)),
		MaxMs:  round2(s.max),
	}
}
