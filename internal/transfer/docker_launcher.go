package transfer

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/artemis/fleetmigrate/internal/observability"
	"github.com/artemis/fleetmigrate/internal/protocol"
	"github.com/artemis/fleetmigrate/internal/scheduler"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"
)

// dockerLauncher runs the transfer worker as a container per job, for
// parity with the teacher's containerized-worker deployment model.
type dockerLauncher struct {
	cli    *client.Client
	image  string
	logger *observability.Logger
}

func newDockerLauncher(cfg Config, logger *observability.Logger) (*dockerLauncher, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if cfg.DockerHost != "" {
		opts = append(opts, client.WithHost(cfg.DockerHost))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("transfer: docker client: %w", err)
	}
	return &dockerLauncher{cli: cli, image: cfg.Image, logger: logger}, nil
}

func (l *dockerLauncher) Launch(ctx context.Context, job scheduler.TransferJob, dest protocol.Destination) (Handle, error) {
	env := []string{
		fmt.Sprintf("FLEETMIGRATE_JOB_ID=%s", job.JobID),
		fmt.Sprintf("FLEETMIGRATE_SOURCE_USER=%s", job.Source.Username),
		fmt.Sprintf("FLEETMIGRATE_PROFILE_SIZE_BYTES=%d", job.TotalBytes),
		fmt.Sprintf("FLEETMIGRATE_DEST_ID=%s", dest.DestinationID),
		fmt.Sprintf("FLEETMIGRATE_DEST_HOST=%s", dest.IPAddress),
		fmt.Sprintf("FLEETMIGRATE_DEST_PORT=%d", dest.DataPort),
	}

	resp, err := l.cli.ContainerCreate(ctx, &container.Config{
		Image: l.image,
		Env:   env,
		Labels: map[string]string{
			"fleetmigrate.job_id": job.JobID,
		},
	}, nil, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("transfer: create container for job %s: %w", job.JobID, err)
	}

	if err := l.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("transfer: start container %s: %w", resp.ID, err)
	}

	h := &dockerHandle{
		cli:         l.cli,
		containerID: resp.ID,
		job:         job,
		dest:        dest,
		logger:      l.logger,
		progressCh:  make(chan protocol.DeploymentProgress, 32),
		doneCh:      make(chan protocol.DeploymentCompletion, 1),
	}

	go h.streamLogs(ctx)
	go h.wait(ctx)

	return h, nil
}

type dockerHandle struct {
	cli         *client.Client
	containerID string
	job         scheduler.TransferJob
	dest        protocol.Destination
	logger      *observability.Logger

	progressCh chan protocol.DeploymentProgress
	doneCh     chan protocol.DeploymentCompletion

	mu       sync.Mutex
	canceled bool
}

func (h *dockerHandle) streamLogs(ctx context.Context) {
	out, err := h.cli.ContainerLogs(ctx, h.containerID, container.LogsOptions{
		ShowStdout: true,
		Follow:     true,
	})
	if err != nil {
		if h.logger != nil {
			h.logger.Warn("transfer: container logs", zap.String("container_id", h.containerID), zap.Error(err))
		}
		return
	}
	defer out.Close()

	// Docker multiplexes stdout/stderr with an 8-byte frame header;
	// stdcopy demultiplexes it back into a plain stdout stream. Container
	// images are expected to write progress as single JSON lines on
	// stdout, same contract as the shell driver.
	pr, pw := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(pw, io.Discard, out)
		pw.CloseWithError(err)
	}()

	scanner := bufio.NewScanner(pr)
	for scanner.Scan() {
		var line progressLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			if h.logger != nil {
				h.logger.Debug("transfer: unparsed worker output", zap.String("container_id", h.containerID), zap.ByteString("line", scanner.Bytes()))
			}
			continue
		}
		h.progressCh <- line.toProgress(h.job.JobID, h.dest.DestinationID)
	}
}

func (h *dockerHandle) wait(ctx context.Context) {
	statusCh, errCh := h.cli.ContainerWait(ctx, h.containerID, container.WaitConditionNotRunning)

	status := "completed"
	summary := map[string]interface{}{}

	select {
	case err := <-errCh:
		status = "failed"
		summary["error"] = err.Error()
	case res := <-statusCh:
		h.mu.Lock()
		canceled := h.canceled
		h.mu.Unlock()
		switch {
		case canceled:
			status = "canceled"
		case res.StatusCode != 0:
			status = "failed"
			summary["exit_code"] = res.StatusCode
		}
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

func (h *dockerHandle) Pause() error {
	return h.cli.ContainerPause(context.Background(), h.containerID)
}

func (h *dockerHandle) Resume() error {
	return h.cli.ContainerUnpause(context.Background(), h.containerID)
}

func (h *dockerHandle) Cancel() error {
	h.mu.Lock()
	h.canceled = true
	h.mu.Unlock()
	timeout := 5
	return h.cli.ContainerStop(context.Background(), h.containerID, container.StopOptions{Timeout: &timeout})
}

func (h *dockerHandle) Progress() <-chan protocol.DeploymentProgress {
	return h.progressCh
}

func (h *dockerHandle) Done() <-chan protocol.DeploymentCompletion {
	return h.doneCh
}
