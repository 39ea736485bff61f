package transfer

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"

	"github.com/artemis/fleetmigrate/internal/observability"
	"github.com/artemis/fleetmigrate/internal/protocol"
	"github.com/artemis/fleetmigrate/internal/scheduler"
	"go.uber.org/zap"
)

// shellLauncher runs cfg.Command as a local subprocess per job. It is the
// driver used for local testing and for destinations without a Docker
// runtime.
type shellLauncher struct {
	command string
	args    []string
	logger  *observability.Logger
}

func newShellLauncher(cfg Config, logger *observability.Logger) *shellLauncher {
	return &shellLauncher{command: cfg.Command, args: cfg.Args, logger: logger}
}

func (l *shellLauncher) Launch(ctx context.Context, job scheduler.TransferJob, dest protocol.Destination) (Handle, error) {
	runCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(runCtx, l.command, l.args...)
	cmd.Env = append(cmd.Env,
		fmt.Sprintf("FLEETMIGRATE_JOB_ID=%s", job.JobID),
		fmt.Sprintf("FLEETMIGRATE_SOURCE_USER=%s", job.Source.Username),
		fmt.Sprintf("FLEETMIGRATE_PROFILE_SIZE_BYTES=%d", job.TotalBytes),
		fmt.Sprintf("FLEETMIGRATE_DEST_ID=%s", dest.DestinationID),
		fmt.Sprintf("FLEETMIGRATE_DEST_HOST=%s", dest.IPAddress),
		fmt.Sprintf("FLEETMIGRATE_DEST_PORT=%d", dest.DataPort),
	)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("transfer: stdout pipe: %w", err)
	}

	h := &shellHandle{
		job:        job,
		dest:       dest,
		cmd:        cmd,
		cancel:     cancel,
		logger:     l.logger,
		progressCh: make(chan protocol.DeploymentProgress, 32),
		doneCh:     make(chan protocol.DeploymentCompletion, 1),
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("transfer: start %s: %w", l.command, err)
	}

	go h.scanOutput(stdout)
	go h.wait()

	return h, nil
}

// shellHandle wraps a running subprocess. Pause/Resume send SIGSTOP/SIGCONT
// on platforms that support it; the process itself decides how to honor
// them (the reference worker is opaque past this point).
type shellHandle struct {
	job    scheduler.TransferJob
	dest   protocol.Destination
	cmd    *exec.Cmd
	cancel context.CancelFunc
	logger *observability.Logger

	progressCh chan protocol.DeploymentProgress
	doneCh     chan protocol.DeploymentCompletion

	mu       sync.Mutex
	canceled bool
}

func (h *shellHandle) scanOutput(stdout io.Reader) {
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		var line progressLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			if h.logger != nil {
				h.logger.Debug("transfer: unparsed worker output", zap.String("job_id", h.job.JobID), zap.ByteString("line", scanner.Bytes()))
			}
			continue
		}
		h.progressCh <- line.toProgress(h.job.JobID, h.dest.DestinationID)
	}
}

func (h *shellHandle) wait() {
	err := h.cmd.Wait()

	status := "completed"
	summary := map[string]interface{}{}
	h.mu.Lock()
	canceled := h.canceled
	h.mu.Unlock()

	switch {
	case canceled:
		status = "canceled"
	case err != nil:
		status = "failed"
		summary["error"] = err.Error()
	}

	h.doneCh <- protocol.DeploymentCompletion{
		DeploymentID:  h.job.JobID,
		JobID:         h.job.JobID,
		DestinationID: h.dest.DestinationID,
		Status:        status,
		Summary:       summary,
	}
	close(h.progressCh)
	close(h.doneCh)
}

func (h *shellHandle) Pause() error {
	if h.cmd.Process == nil {
		return fmt.Errorf("transfer: job %s has no running process", h.job.JobID)
	}
	return h.cmd.Process.Signal(syscall.SIGSTOP)
}

func (h *shellHandle) Resume() error {
	if h.cmd.Process == nil {
		return fmt.Errorf("transfer: job %s has no running process", h.job.JobID)
	}
	return h.cmd.Process.Signal(syscall.SIGCONT)
}

func (h *shellHandle) Cancel() error {
	h.mu.Lock()
	h.canceled = true
	h.mu.Unlock()
	h.cancel()
	return nil
}

func (h *shellHandle) Progress() <-chan protocol.DeploymentProgress {
	return h.progressCh
}

func (h *shellHandle) Done() <-chan protocol.DeploymentCompletion {
	return h.doneCh
}
