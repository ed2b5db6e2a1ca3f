package monitoring

import (
	"container/list"
	"context"
	"sort"
	"sync"
	"time"

	"github.com/docflow/worker/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const windowDuration = 3600 * time.Second

type sample struct {
	at       time.Time
	duration float64
}

// Monitor tracks a sliding window of processing events plus cumulative
// counters, and evaluates the configured SLA table on demand.
type Monitor struct {
	mu sync.Mutex

	window *list.List // of sample, oldest at Front

	processedCount int64
	errorCount     int64
	queuePending   int
	queueInReview  int

	slaBreachCount int64
	slaTotalChecks int64

	slas []SLADefinition

	docsProcessed  metric.Int64Counter
	processingDur  metric.Float64Histogram
	confidenceHist metric.Float64Histogram
	queueDepthGa   metric.Int64ObservableGauge
	slaBreachesCt  metric.Int64Counter
	p95Gauge       metric.Float64ObservableGauge
	errorRateGauge metric.Float64ObservableGauge
}

// New constructs a Monitor using the default SLA table.
func New() *Monitor {
	meter := telemetry.Meter()
	docsProcessed, _ := meter.Int64Counter("docflow_documents_processed_total")
	processingDur, _ := meter.Float64Histogram("docflow_document_processing_seconds")
	confidenceHist, _ := meter.Float64Histogram("docflow_extraction_confidence_score")
	slaBreachesCt, _ := meter.Int64Counter("docflow_sla_breaches_total")

	m := &Monitor{
		window:        list.New(),
		slas:          DefaultSLAs,
		docsProcessed: docsProcessed,
		processingDur: processingDur,
		confidenceHist: confidenceHist,
		slaBreachesCt: slaBreachesCt,
	}

	m.queueDepthGa, _ = meter.Int64ObservableGauge("docflow_review_queue_depth")
	m.p95Gauge, _ = meter.Float64ObservableGauge("docflow_p95_latency_seconds")
	m.errorRateGauge, _ = meter.Float64ObservableGauge("docflow_error_rate_percent")

	_, _ = meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		snap := m.Snapshot()
		o.ObserveInt64(m.queueDepthGa, int64(snap.ReviewQueueDepth))
		o.ObserveFloat64(m.p95Gauge, snap.P95LatencySeconds)
		o.ObserveFloat64(m.errorRateGauge, snap.ErrorRatePercent)
		return nil
	}, m.queueDepthGa, m.p95Gauge, m.errorRateGauge)

	return m
}

// RecordProcessing records one document-processing outcome and evicts any
// window entries older than the 3600s retention.
func (m *Monitor) RecordProcessing(ctx context.Context, durationSeconds, confidence float64, success bool) {
	status := "success"
	if !success {
		status = "failure"
	}

	m.mu.Lock()
	now := time.Now()
	m.window.PushBack(sample{at: now, duration: durationSeconds})
	m.evictLocked(now)

	m.processedCount++
	if !success {
		m.errorCount++
	}
	m.mu.Unlock()

	m.docsProcessed.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	m.processingDur.Record(ctx, durationSeconds)
	m.confidenceHist.Record(ctx, confidence)
}

// evictLocked drops window entries whose timestamp is older than the
// retention boundary. Caller must hold m.mu.
func (m *Monitor) evictLocked(now time.Time) {
	boundary := now.Add(-windowDuration)
	for e := m.window.Front(); e != nil; {
		next := e.Next()
		if e.Value.(sample).at.Before(boundary) {
			m.window.Remove(e)
			e = next
			continue
		}
		break
	}
}

// UpdateQueueDepth updates the pending/in_review queue-depth state read by
// the observable gauge callback on the next collection.
func (m *Monitor) UpdateQueueDepth(ctx context.Context, pending, inReview int) {
	m.mu.Lock()
	m.queuePending = pending
	m.queueInReview = inReview
	m.mu.Unlock()
}

// Snapshot is the current set of derived metric values.
type Snapshot struct {
	P95LatencySeconds  float64
	DocsPerHour        float64
	ErrorRatePercent   float64
	ReviewQueueDepth   int
	SLABreachPercent   float64
}

// Snapshot computes the current derived metrics from window state and
// cumulative counters.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Monitor) snapshotLocked() Snapshot {
	durations := make([]float64, 0, m.window.Len())
	for e := m.window.Front(); e != nil; e = e.Next() {
		durations = append(durations, e.Value.(sample).duration)
	}

	var p95 float64
	if n := len(durations); n > 0 {
		sorted := append([]float64(nil), durations...)
		sort.Float64s(sorted)
		idx := int(float64(n) * 0.95)
		if idx >= n {
			idx = n - 1
		}
		p95 = sorted[idx]
	}

	docsPerHour := float64(len(durations)) / (float64(windowDuration) / float64(time.Hour))

	var errorRate float64
	if m.processedCount > 0 {
		errorRate = float64(m.errorCount) / float64(m.processedCount) * 100
	}

	var slaBreachPct float64
	if m.slaTotalChecks > 0 {
		slaBreachPct = float64(m.slaBreachCount) / float64(m.slaTotalChecks) * 100
	}

	return Snapshot{
		P95LatencySeconds: round2(p95),
		DocsPerHour:       round2(docsPerHour),
		ErrorRatePercent:  round2(errorRate),
		ReviewQueueDepth:  m.queuePending + m.queueInReview,
		SLABreachPercent:  round2(slaBreachPct),
	}
}

// CheckSLAs evaluates every configured SLA against the current snapshot,
// recording breach counters, and returns the breaches observed this call.
func (m *Monitor) CheckSLAs(ctx context.Context) []Breach {
	snap := m.Snapshot()
	values := map[string]float64{
		"p95_latency_seconds": snap.P95LatencySeconds,
		"docs_per_hour":       snap.DocsPerHour,
		"error_rate_percent":  snap.ErrorRatePercent,
		"review_queue_depth":  float64(snap.ReviewQueueDepth),
		"sla_breach_percent":  snap.SLABreachPercent,
	}

	var breaches []Breach
	now := time.Now().UTC()

	m.mu.Lock()
	for _, sla := range m.slas {
		m.slaTotalChecks++
		value := values[sla.MetricName]
		if sla.IsBreached(value) {
			m.slaBreachCount++
			breaches = append(breaches, Breach{
				SLA:          sla.Name,
				Metric:       sla.MetricName,
				Threshold:    sla.Threshold,
				CurrentValue: value,
				Severity:     sla.Severity,
				Timestamp:    now.Format(time.RFC3339),
			})
		}
	}
	m.mu.Unlock()

	for _, b := range breaches {
		m.slaBreachesCt.Add(ctx, 1, metric.WithAttributes(attribute.String("severity", b.Severity)))
	}

	return breaches
}

func round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}
