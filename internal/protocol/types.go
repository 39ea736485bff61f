// Package protocol implements the orchestration wire format: the core data
// model records that travel over it, and the length-prefixed JSON framing
// used to carry them over a reliable stream.
package protocol

import "time"

// Priority is the four-value priority carried as a short string on the
// wire and as an enum internally.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Score returns the scheduling weight for a priority: Critical=3, High=2,
// Normal=1, Low=0. Unrecognized values score as Normal.
func (p Priority) Score() int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityLow:
		return 0
	default:
		return 1
	}
}

// Valid reports whether p is one of the four recognized priority names.
// The source encodes priority as a free-form string but only recognizes
// these four; callers should reject anything else rather than guess.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	default:
		return false
	}
}

// Health is a destination's resource snapshot used for readiness.
type Health struct {
	CPUUsagePercent  int   `json:"cpu_usage_percent"`
	RAMUsagePercent  int   `json:"ram_usage_percent"`
	FreeDiskBytes    int64 `json:"free_disk_bytes"`
	NetworkLatencyMs int   `json:"network_latency_ms"`
	AgentRunning     bool  `json:"agent_running"`
	AdminRights      bool  `json:"admin_rights"`
}

// DefaultHealth matches the reference implementation's field defaults.
func DefaultHealth() Health {
	return Health{AgentRunning: true, AdminRights: true}
}

// Destination is a machine able to receive profile data.
type Destination struct {
	DestinationID string    `json:"destination_id"`
	Hostname      string    `json:"hostname"`
	IPAddress     string    `json:"ip_address"`
	ControlPort   uint16    `json:"control_port"`
	DataPort      uint16    `json:"data_port"`
	Status        string    `json:"status"`
	LastSeen      time.Time `json:"last_seen"`
	Health        Health    `json:"health"`
}

// NewDestination returns a Destination with the reference implementation's
// default ports and status.
func NewDestination() Destination {
	return Destination{
		ControlPort: 54322,
		DataPort:    54323,
		Status:      "unknown",
		Health:      DefaultHealth(),
	}
}

// DeploymentAssignment binds one source profile to a deployment's job.
type DeploymentAssignment struct {
	DeploymentID     string   `json:"deployment_id"`
	JobID            string   `json:"job_id"`
	SourceUser       string   `json:"source_user"`
	ProfileSizeBytes int64    `json:"profile_size_bytes"`
	Priority         Priority `json:"priority"`
	MaxBandwidthKbps int      `json:"max_bandwidth_kbps"`
}

// NewDeploymentAssignment returns an assignment with the reference
// implementation's default priority.
func NewDeploymentAssignment() DeploymentAssignment {
	return DeploymentAssignment{Priority: PriorityNormal}
}

// DeploymentProgress is reported by the destination agent as a job runs.
type DeploymentProgress struct {
	DeploymentID      string  `json:"deployment_id"`
	JobID             string  `json:"job_id"`
	DestinationID     string  `json:"destination_id"`
	ProgressPercent   int     `json:"progress_percent"`
	BytesTransferred  int64   `json:"bytes_transferred"`
	BytesTotal        int64   `json:"bytes_total"`
	FilesTransferred  int     `json:"files_transferred"`
	FilesTotal        int     `json:"files_total"`
	CurrentFile       string  `json:"current_file"`
	TransferSpeedMbps float64 `json:"transfer_speed_mbps"`
	ETASeconds        int     `json:"eta_seconds"`
}

// DeploymentCompletion is reported by the destination agent when a job
// reaches a terminal state.
type DeploymentCompletion struct {
	DeploymentID  string                 `json:"deployment_id"`
	JobID         string                 `json:"job_id"`
	DestinationID string                 `json:"destination_id"`
	Status        string                 `json:"status"`
	Summary       map[string]interface{} `json:"summary"`
}
