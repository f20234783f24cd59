package metrics

import (
	"time"
)

// BasinMetrics bundles the repository metrics.
type BasinMetrics struct {
	registry *Registry

	// Counters
	SessionsTotal   *Counter
	OperationsTotal *Counter
	LandsTotal      *Counter
	ConflictsTotal  *Counter
	AbandonsTotal   *Counter
	BlobsTotal      *Counter
	CapturesTotal   *Counter
	SearchesTotal   *Counter
	ErrorsTotal     *Counter

	// Gauges
	OpenSessions    *Gauge
	HistoryPosition *Gauge
	ObjectCount     *Gauge
	ObjectSizeBytes *Gauge
	UptimeSeconds   *Gauge

	// Histograms
	LandDuration          *Histogram
	ConflictCheckDuration *Histogram
	SearchDuration        *Histogram
	BlobSizeBytes         *Histogram
}

var startTime = time.Now()

// NewBasinMetrics creates and registers the repository metrics. A nil
// registry selects the default one.
func NewBasinMetrics(registry *Registry) *BasinMetrics {
	if registry == nil {
		registry = Default()
	}

	return &BasinMetrics{
		registry: registry,

		SessionsTotal: registry.RegisterCounter(
			"sessions_total",
			"Total number of sessions started",
			nil,
		),
		OperationsTotal: registry.RegisterCounter(
			"operations_total",
			"Total number of operation records appended",
			nil,
		),
		LandsTotal: registry.RegisterCounter(
			"lands_total",
			"Total number of successful lands",
			nil,
		),
		ConflictsTotal: registry.RegisterCounter(
			"conflicts_total",
			"Total number of land attempts rejected for overlap",
			nil,
		),
		AbandonsTotal: registry.RegisterCounter(
			"abandons_total",
			"Total number of abandoned sessions",
			nil,
		),
		BlobsTotal: registry.RegisterCounter(
			"blobs_total",
			"Total number of blobs written to the object store",
			nil,
		),
		CapturesTotal: registry.RegisterCounter(
			"captures_total",
			"Total number of file changes captured by the watcher",
			nil,
		),
		SearchesTotal: registry.RegisterCounter(
			"searches_total",
			"Total number of search queries",
			nil,
		),
		ErrorsTotal: registry.RegisterCounter(
			"errors_total",
			"Total number of errors",
			nil,
		),

		OpenSessions: registry.RegisterGauge(
			"open_sessions",
			"Number of currently open sessions",
			nil,
		),
		HistoryPosition: registry.RegisterGauge(
			"history_position",
			"Position of the repository head",
			nil,
		),
		ObjectCount: registry.RegisterGauge(
			"object_count",
			"Number of objects in the store",
			nil,
		),
		ObjectSizeBytes: registry.RegisterGauge(
			"object_size_bytes",
			"Total size of the object store in bytes",
			nil,
		),
		UptimeSeconds: registry.RegisterGauge(
			"uptime_seconds",
			"Seconds since the process started",
			nil,
		),

		LandDuration: registry.RegisterHistogram(
			"land_duration_seconds",
			"Duration of land operations in seconds",
			nil,
			DurationBuckets,
		),
		ConflictCheckDuration: registry.RegisterHistogram(
			"conflict_check_duration_seconds",
			"Duration of conflict detection in seconds",
			nil,
			DurationBuckets,
		),
		SearchDuration: registry.RegisterHistogram(
			"search_duration_seconds",
			"Duration of search queries in seconds",
			nil,
			DurationBuckets,
		),
		BlobSizeBytes: registry.RegisterHistogram(
			"blob_size_bytes",
			"Size distribution of written blobs",
			nil,
			SizeBuckets,
		),
	}
}

// SessionStarted records a session start.
func (m *BasinMetrics) SessionStarted() {
	m.SessionsTotal.Inc()
	m.OpenSessions.Inc()
}

// SessionClosed records a session leaving the open state.
func (m *BasinMetrics) SessionClosed() {
	m.OpenSessions.Dec()
}

// RecordOperation records an appended operation.
func (m *BasinMetrics) RecordOperation() {
	m.OperationsTotal.Inc()
}

// RecordLand records a successful land and the new head position.
func (m *BasinMetrics) RecordLand(duration time.Duration, position uint64) {
	m.LandsTotal.Inc()
	m.LandDuration.ObserveDuration(duration)
	m.HistoryPosition.Set(int64(position))
}

// StartLandTimer returns a timer for a land operation.
func (m *BasinMetrics) StartLandTimer() *HistogramTimer {
	return m.LandDuration.Timer()
}

// RecordConflict records a land attempt rejected for overlap.
func (m *BasinMetrics) RecordConflict() {
	m.ConflictsTotal.Inc()
}

// RecordAbandon records an abandoned session.
func (m *BasinMetrics) RecordAbandon() {
	m.AbandonsTotal.Inc()
}

// RecordConflictCheck records the duration of one conflict check.
func (m *BasinMetrics) RecordConflictCheck(duration time.Duration) {
	m.ConflictCheckDuration.ObserveDuration(duration)
}

// RecordBlob records a blob written to the object store.
func (m *BasinMetrics) RecordBlob(size int64) {
	m.BlobsTotal.Inc()
	m.BlobSizeBytes.Observe(float64(size))
}

// RecordCapture records a file change captured by the watcher.
func (m *BasinMetrics) RecordCapture() {
	m.CapturesTotal.Inc()
}

// RecordSearch records a search query.
func (m *BasinMetrics) RecordSearch(duration time.Duration) {
	m.SearchesTotal.Inc()
	m.SearchDuration.ObserveDuration(duration)
}

// RecordError records an error.
func (m *BasinMetrics) RecordError() {
	m.ErrorsTotal.Inc()
}

// SetObjectStats sets the object store gauges.
func (m *BasinMetrics) SetObjectStats(count, sizeBytes int64) {
	m.ObjectCount.Set(count)
	m.ObjectSizeBytes.Set(sizeBytes)
}

// UpdateUptime refreshes the uptime gauge.
func (m *BasinMetrics) UpdateUptime() {
	m.UptimeSeconds.Set(int64(time.Since(startTime).Seconds()))
}

// Snapshot returns the key metrics as a flat map.
func (m *BasinMetrics) Snapshot() map[string]any {
	m.UpdateUptime()
	return map[string]any{
		"sessions_total":    m.SessionsTotal.Value(),
		"operations_total":  m.OperationsTotal.Value(),
		"lands_total":       m.LandsTotal.Value(),
		"conflicts_total":   m.ConflictsTotal.Value(),
		"abandons_total":    m.AbandonsTotal.Value(),
		"blobs_total":       m.BlobsTotal.Value(),
		"captures_total":    m.CapturesTotal.Value(),
		"errors_total":      m.ErrorsTotal.Value(),
		"open_sessions":     m.OpenSessions.Value(),
		"history_position":  m.HistoryPosition.Value(),
		"object_count":      m.ObjectCount.Value(),
		"object_size_bytes": m.ObjectSizeBytes.Value(),
		"uptime_seconds":    m.UptimeSeconds.Value(),
		"land_avg_seconds":  m.LandDuration.Mean(),
	}
}

var defaultBasinMetrics *BasinMetrics

// GetMetrics returns the global repository metrics.
func GetMetrics() *BasinMetrics {
	if defaultBasinMetrics == nil {
		defaultBasinMetrics = NewBasinMetrics(Default())
	}
	return defaultBasinMetrics
}

// InitMetrics rebuilds the global repository metrics against a custom
// registry.
func InitMetrics(registry *Registry) *BasinMetrics {
	defaultBasinMetrics = NewBasinMetrics(registry)
	return defaultBasinMetrics
}
