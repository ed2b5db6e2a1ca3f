// Package monitoring implements the sliding-window processing metrics and
// SLA evaluator (spec §4.6): a bounded window of recent processing events,
// derived P95/throughput/error-rate figures, and a configurable SLA table.
package monitoring

// Comparison is the direction an SLA threshold is breached in.
type Comparison string

const (
	ComparisonLessThan    Comparison = "lt"
	ComparisonGreaterThan Comparison = "gt"
)

// SLADefinition is one SLA rule: a named metric, a threshold, and the
// direction that counts as a breach.
type SLADefinition struct {
	Name           string
	MetricName     string
	Threshold      float64
	Comparison     Comparison
	WindowMinutes  int
	Severity       string
}

// IsBreached reports whether currentValue violates this SLA. An "lt" rule
// (the metric should stay below threshold) breaches when current >=
// threshold; a "gt" rule (the metric should stay above threshold) breaches
// when current < threshold.
func (d SLADefinition) IsBreached(currentValue float64) bool {
	if d.Comparison == ComparisonLessThan {
		return currentValue >= d.Threshold
	}
	return currentValue < d.Threshold
}

// DefaultSLAs is the pinned SLA table matching the original assessment's
// requirements.
var DefaultSLAs = []SLADefinition{
	{Name: "Latency", MetricName: "p95_latency_seconds", Threshold: 30.0, Comparison: ComparisonLessThan, WindowMinutes: 5, Severity: "critical"},
	{Name: "Throughput", MetricName: "docs_per_hour", Threshold: 4500, Comparison: ComparisonGreaterThan, WindowMinutes: 15, Severity: "warning"},
	{Name: "Error Rate", MetricName: "error_rate_percent", Threshold: 1.0, Comparison: ComparisonLessThan, WindowMinutes: 5, Severity: "critical"},
	{Name: "Queue Depth", MetricName: "review_queue_depth", Threshold: 500, Comparison: ComparisonLessThan, WindowMinutes: 5, Severity: "warning"},
	{Name: "SLA Breach", MetricName: "sla_breach_percent", Threshold: 0.1, Comparison: ComparisonLessThan, WindowMinutes: 60, Severity: "critical"},
}

// Breach is a single SLA violation observed at evaluation time.
type Breach struct {
	SLA          string
	Metric       string
	Threshold    float64
	CurrentValue float64
	Severity     string
	Timestamp    string
}
