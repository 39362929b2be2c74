package observability

import "sync"

// Metrics provides counters, gauges, and histogram recording primitives.
type Metrics interface {
	IncCounter(name string, value float64, labels map[string]string)
	ObserveHistogram(name string, value float64, labels map[string]string)
	SetGauge(name string, value float64, labels map[string]string)
}

var (
	metricsMu      sync.RWMutex
	defaultMetrics Metrics = noopMetrics{}
)

// SetMetrics overrides the global metrics implementation used by the system.
func SetMetrics(metrics Metrics) {
	metricsMu.Lock()
	defer metricsMu.Unlock()
	if metrics == nil {
		defaultMetrics = noopMetrics{}
		return
	}
	defaultMetrics = metrics
}

// Telemetry returns the current global metrics collector.
func Telemetry() Metrics {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return defaultMetrics
}

type noopMetrics struct{}

func (noopMetrics) IncCounter(string, float64, map[string]string)       {}
func (noopMetrics) ObserveHistogram(string, float64, map[string]string) {}
func (noopMetrics) SetGauge(string, float64, map[string]string)         {}

// Metric names recorded by the reconciliation pipeline.
const (
	MetricEventsApplied      = "reconcile_events_applied_total"
	MetricDuplicatesDropped  = "reconcile_duplicates_dropped_total"
	MetricMalformedDropped   = "normalize_malformed_dropped_total"
	MetricInvalidTransitions = "orders_invalid_transitions_total"
	MetricGapsOpened         = "reconcile_gaps_opened_total"
	MetricGapsResolved       = "reconcile_gaps_resolved_total"
	MetricGapsUnresolved     = "reconcile_gaps_unresolved_total"
	MetricPersistenceRetries = "persistence_retries_total"
	MetricGapBufferDepth     = "reconcile_gap_buffer_depth"
	MetricQuotesStale        = "quotes_stale"
	MetricSnapshotLatency    = "risk_snapshot_latency_seconds"
)

// ReconcileMetricsSnapshot captures pipeline counters for periodic export and tests.
type ReconcileMetricsSnapshot struct {
	EventsApplied      map[string]int `json:"events_applied"`
	DuplicatesDropped  map[string]int `json:"duplicates_dropped"`
	GapBufferDepth     map[string]int `json:"gap_buffer_depth"`
	GapsUnresolved     int            `json:"gaps_unresolved"`
	PersistenceRetries int            `json:"persistence_retries"`
}

// ReconcileMetrics accumulates pipeline metrics in-memory for periodic export.
type ReconcileMetrics struct {
	mu   sync.Mutex
	snap ReconcileMetricsSnapshot
}

// NewReconcileMetrics constructs a metrics accumulator with empty maps.
func NewReconcileMetrics() *ReconcileMetrics {
	m := new(ReconcileMetrics)
	m.snap = ReconcileMetricsSnapshot{
		EventsApplied:     make(map[string]int),
		DuplicatesDropped: make(map[string]int),
		GapBufferDepth:    make(map[string]int),
	}
	return m
}

// RecordApplied increments the applied-event counter for an entity stream.
func (m *ReconcileMetrics) RecordApplied(entity string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.EventsApplied[entity]++
}

// RecordDuplicate increments the duplicate-drop counter for an entity stream.
func (m *ReconcileMetrics) RecordDuplicate(entity string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.DuplicatesDropped[entity]++
}

// RecordGapDepth tracks the latest gap buffer depth for an entity stream.
func (m *ReconcileMetrics) RecordGapDepth(entity string, depth int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.GapBufferDepth[entity] = depth
}

// RecordGapUnresolved increments the unresolved-gap counter.
func (m *ReconcileMetrics) RecordGapUnresolved() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.GapsUnresolved++
}

// RecordPersistenceRetry increments the persistence retry counter.
func (m *ReconcileMetrics) RecordPersistenceRetry() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.PersistenceRetries++
}

// Snapshot returns a copy of the accumulated counters.
func (m *ReconcileMetrics) Snapshot() ReconcileMetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := ReconcileMetricsSnapshot{
		EventsApplied:      make(map[string]int, len(m.snap.EventsApplied)),
		DuplicatesDropped:  make(map[string]int, len(m.snap.DuplicatesDropped)),
		GapBufferDepth:     make(map[string]int, len(m.snap.GapBufferDepth)),
		GapsUnresolved:     m.snap.GapsUnresolved,
		PersistenceRetries: m.snap.PersistenceRetries,
	}
	for k, v := range m.snap.EventsApplied {
		out.EventsApplied[k] = v
	}
	for k, v := range m.snap.DuplicatesDropped {
		out.DuplicatesDropped[k] = v
	}
	for k, v := range m.snap.GapBufferDepth {
		out.GapBufferDepth[k] = v
	}
	return out
}
