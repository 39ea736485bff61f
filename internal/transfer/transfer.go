// Package transfer is the facade the scheduler and the destination agent
// hold instead of doing data-plane work themselves: launching, pausing,
// resuming, and canceling the opaque program that actually moves profile
// bytes from a source user's directory to a destination. Neither the
// scheduler nor the orchestrator ever reads a file off disk directly.
package transfer

import (
	"context"
	"fmt"

	"github.com/artemis/fleetmigrate/internal/observability"
	"github.com/artemis/fleetmigrate/internal/protocol"
	"github.com/artemis/fleetmigrate/internal/scheduler"
)

// Launcher starts a transfer job's data-plane process and hands back a
// Handle for control and progress observation.
type Launcher interface {
	Launch(ctx context.Context, job scheduler.TransferJob, dest protocol.Destination) (Handle, error)
}

// Handle controls one in-flight transfer and reports its outcome.
type Handle interface {
	Pause() error
	Resume() error
	Cancel() error
	Progress() <-chan protocol.DeploymentProgress
	Done() <-chan protocol.DeploymentCompletion
}

// Driver selects which Launcher backend NewLauncher builds.
const (
	DriverShell  = "shell"
	DriverDocker = "docker"
)

// Config configures the transfer-worker facade.
type Config struct {
	// Driver is "shell" (default) or "docker".
	Driver string

	// Command is the executable run by the shell driver. It receives the
	// job and destination as environment variables (see shell_launcher.go).
	Command string
	Args    []string

	// Image and DockerHost configure the docker driver.
	Image      string
	DockerHost string
}

// progressLine is the JSON line a transfer worker writes to stdout (shell
// driver) or its container's log stream (docker driver) to report progress.
// Lines that don't parse are dropped rather than treated as fatal, since
// the worker itself is opaque and may emit unrelated diagnostic output.
type progressLine struct {
	ProgressPercent   int     `json:"progress_percent"`
	BytesTransferred  int64   `json:"bytes_transferred"`
	BytesTotal        int64   `json:"bytes_total"`
	FilesTransferred  int     `json:"files_transferred"`
	FilesTotal        int     `json:"files_total"`
	CurrentFile       string  `json:"current_file"`
	TransferSpeedMbps float64 `json:"transfer_speed_mbps"`
	ETASeconds        int     `json:"eta_seconds"`
}

func (p progressLine) toProgress(jobID, destinationID string) protocol.DeploymentProgress {
	return protocol.DeploymentProgress{
		DeploymentID:      jobID,
		JobID:             jobID,
		DestinationID:     destinationID,
		ProgressPercent:   p.ProgressPercent,
		BytesTransferred:  p.BytesTransferred,
		BytesTotal:        p.BytesTotal,
		FilesTransferred:  p.FilesTransferred,
		FilesTotal:        p.FilesTotal,
		CurrentFile:       p.CurrentFile,
		TransferSpeedMbps: p.TransferSpeedMbps,
		ETASeconds:        p.ETASeconds,
	}
}

// NewLauncher builds the Launcher selected by cfg.Driver.
func NewLauncher(cfg Config, logger *observability.Logger) (Launcher, error) {
	switch cfg.Driver {
	case "", DriverShell:
		if cfg.Command == "" {
			return nil, fmt.Errorf("transfer: shell driver requires a command")
		}
		return newShellLauncher(cfg, logger), nil
	case DriverDocker:
		if cfg.Image == "" {
			return nil, fmt.Errorf("transfer: docker driver requires an image")
		}
		return newDockerLauncher(cfg, logger)
	default:
		return nil, fmt.Errorf("transfer: unknown driver %q", cfg.Driver)
	}
}
