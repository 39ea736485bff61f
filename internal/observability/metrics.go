package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveDeployments tracks currently running deployments
	ActiveDeployments = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetmigrate_active_deployments",
			Help: "Number of currently active deployments",
		},
	)

	// JobsByStatus tracks transfer job outcomes
	JobsByStatus = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetmigrate_jobs_total",
			Help: "Total number of transfer jobs by terminal status",
		},
		[]string{"status", "priority"},
	)

	// JobDuration tracks job duration from transferring to terminal
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleetmigrate_job_duration_seconds",
			Help:    "Duration of transfer jobs",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 15), // 0.1s to ~54 minutes
		},
		[]string{"status"},
	)

	// BandwidthAssignedKbps tracks the advised per-job bandwidth share
	BandwidthAssignedKbps = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fleetmigrate_bandwidth_assigned_kbps",
			Help:    "Advised per-job bandwidth share in kbps at each rebalance",
			Buckets: prometheus.ExponentialBuckets(1, 2, 20),
		},
		[]string{"priority"},
	)

	// ConnectedDestinations tracks number of registered destinations
	ConnectedDestinations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetmigrate_connected_destinations",
			Help: "Number of currently registered destinations",
		},
	)

	// DestinationRemovals tracks registry evictions by reason
	DestinationRemovals = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetmigrate_destination_removals_total",
			Help: "Total number of destinations removed from the registry",
		},
		[]string{"reason"},
	)

	// RetryAttempts tracks retry attempts for failed jobs
	RetryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetmigrate_retry_attempts_total",
			Help: "Total number of job retry attempts",
		},
		[]string{"outcome"},
	)

	// FrameDecodeErrors tracks malformed frames dropped by the protocol codec
	FrameDecodeErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetmigrate_frame_decode_errors_total",
			Help: "Total number of malformed protocol frames dropped",
		},
		[]string{"source"},
	)

	// AssignmentRejections tracks readiness-gate rejections
	AssignmentRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetmigrate_assignment_rejections_total",
			Help: "Total number of assignments rejected by the readiness gate",
		},
		[]string{"reason"},
	)
)

// Metrics provides access to all application metrics
type Metrics struct{}

// NewMetrics creates a new Metrics instance
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordJob records a terminal job outcome
func (m *Metrics) RecordJob(status, priority string) {
	JobsByStatus.WithLabelValues(status, priority).Inc()
}

// RecordBandwidthShare records an advised per-job bandwidth share
func (m *Metrics) RecordBandwidthShare(priority string, kbps float64) {
	BandwidthAssignedKbps.WithLabelValues(priority).Observe(kbps)
}

// SetActiveDeployments sets the number of active deployments
func (m *Metrics) SetActiveDeployments(count float64) {
	ActiveDeployments.Set(count)
}

// SetConnectedDestinations sets the number of connected destinations
func (m *Metrics) SetConnectedDestinations(count float64) {
	ConnectedDestinations.Set(count)
}

// RecordDestinationRemoval records a registry eviction
func (m *Metrics) RecordDestinationRemoval(reason string) {
	DestinationRemovals.WithLabelValues(reason).Inc()
}

// RecordFrameDecodeError records a dropped malformed frame
func (m *Metrics) RecordFrameDecodeError(source string) {
	FrameDecodeErrors.WithLabelValues(source).Inc()
}

// RecordAssignmentRejection records a readiness-gate rejection
func (m *Metrics) RecordAssignmentRejection(reason string) {
	AssignmentRejections.WithLabelValues(reason).Inc()
}
