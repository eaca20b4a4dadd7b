package metrics

import (
	"time"

	"examguard/internal/violation"
)

// Namespace prefixes every examguard metric.
const Namespace = "examguard"

// Metrics holds the examguard metric set. The reporter side and the ingest
// side share it so a replay run and a daemon expose the same names.
type Metrics struct {
	registry *Registry

	// Counters
	ReportsSent     *Counter
	ReportsFailed   *Counter
	ReportsDropped  *Counter
	ReportsDeduped  *Counter
	IngestAccepted  *Counter
	IngestRejected  *Counter
	IngestRateLimit *Counter

	// Gauges
	UptimeSeconds *Gauge
	QueueDepth    *Gauge

	// Histograms
	SnapshotBytes   *Histogram
	ReportDuration  *Histogram
	RequestDuration *Histogram

	started time.Time
}

// New registers the examguard metrics on registry (a fresh namespaced
// registry when nil).
func New(registry *Registry) *Metrics {
	if registry == nil {
		registry = NewRegistry(Namespace)
	}

	m := &Metrics{
		registry: registry,
		started:  time.Now(),

		ReportsSent:    registry.Counter("reports_sent_total", "Violation reports delivered to the backend", nil),
		ReportsFailed:  registry.Counter("reports_failed_total", "Violation reports that failed to deliver", nil),
		ReportsDropped: registry.Counter("reports_dropped_total", "Violation reports dropped because the queue was full", nil),
		ReportsDeduped: registry.Counter("reports_deduplicated_total", "Duplicate violations suppressed", nil),

		IngestAccepted:  registry.Counter("ingest_accepted_total", "Payloads accepted by the ingest service", nil),
		IngestRejected:  registry.Counter("ingest_rejected_total", "Payloads rejected by the ingest service", nil),
		IngestRateLimit: registry.Counter("ingest_rate_limited_total", "Requests refused by the per-client rate limit", nil),

		UptimeSeconds: registry.Gauge("uptime_seconds", "Seconds since start", nil),
		QueueDepth:    registry.Gauge("report_queue_depth", "Reports waiting to be sent", nil),

		SnapshotBytes:   registry.Histogram("snapshots_bytes", "Decoded size of evidence snapshots", nil, SizeBuckets),
		ReportDuration:  registry.Histogram("report_duration_seconds", "Time to deliver one report", nil, DurationBuckets),
		RequestDuration: registry.Histogram("ingest_request_duration_seconds", "Ingest request handling time", nil, DurationBuckets),
	}

	for _, t := range violation.AllTypes {
		m.Violation(t)
	}
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *Registry { return m.registry }

// Violation returns the per-type violation counter.
func (m *Metrics) Violation(t violation.Type) *Counter {
	return m.registry.Counter("violations_total", "Violations observed, by type", Labels{"type": string(t)})
}

// RecordViolation counts one violation of type t.
func (m *Metrics) RecordViolation(t violation.Type) {
	if m == nil {
		return
	}
	m.Violation(t).Inc()
}

// RecordReport records the outcome of one delivery attempt.
func (m *Metrics) RecordReport(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.ReportDuration.ObserveDuration(d)
	if err != nil {
		m.ReportsFailed.Inc()
		return
	}
	m.ReportsSent.Inc()
}

// RecordSnapshot records the decoded size of an accepted snapshot.
func (m *Metrics) RecordSnapshot(n int) {
	if m == nil {
		return
	}
	m.SnapshotBytes.Observe(float64(n))
}

// UpdateUptime refreshes the uptime gauge.
func (m *Metrics) UpdateUptime() {
	m.UptimeSeconds.Set(int64(time.Since(m.started).Seconds()))
}
