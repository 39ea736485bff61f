package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/artemis/fleetmigrate/internal/agent"
	"github.com/artemis/fleetmigrate/internal/discovery"
	"github.com/artemis/fleetmigrate/internal/mapping"
	"github.com/artemis/fleetmigrate/internal/observability"
	"github.com/artemis/fleetmigrate/internal/protocol"
	"github.com/artemis/fleetmigrate/internal/scheduler"
	"github.com/artemis/fleetmigrate/internal/store"
	"github.com/artemis/fleetmigrate/internal/transfer"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var orchestratorAddrFlag string

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the destination-side agent",
	Run: func(cmd *cobra.Command, args []string) {
		if err := runAgent(cmd, args); err != nil {
			logger.Error("agent failed", zap.Error(err))
			os.Exit(1)
		}
	},
}

func init() {
	agentCmd.Flags().StringVar(&orchestratorAddrFlag, "orchestrator", "", "orchestrator control address (host:port); discovered over UDP if empty")
}

// handleSet tracks the in-flight transfer.Handle for each active job id so
// pause/resume/cancel control messages from the orchestrator can reach it.
type handleSet struct {
	mu      sync.Mutex
	handles map[string]transfer.Handle
}

func newHandleSet() *handleSet {
	return &handleSet{handles: make(map[string]transfer.Handle)}
}

func (h *handleSet) put(jobID string, handle transfer.Handle) {
	h.mu.Lock()
	h.handles[jobID] = handle
	h.mu.Unlock()
}

func (h *handleSet) get(jobID string) (transfer.Handle, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	handle, ok := h.handles[jobID]
	return handle, ok
}

func (h *handleSet) remove(jobID string) {
	h.mu.Lock()
	delete(h.handles, jobID)
	h.mu.Unlock()
}

func runAgent(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := os.MkdirAll(dataDir(), 0700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	agentCfg := cfg.GetAgentConfig()

	dest := protocol.NewDestination()
	dest.DestinationID = agentCfg.DestinationID
	dest.ControlPort = uint16(cfg.ControlPort)
	dest.DataPort = uint16(cfg.DataPort)
	dest.Status = "ready"
	if hostname, err := os.Hostname(); err == nil {
		dest.Hostname = hostname
	}

	launcher, err := transfer.NewLauncher(transfer.Config{
		Driver:     cfg.TransferDriver,
		Command:    cfg.TransferCommand,
		Args:       cfg.TransferArgs,
		Image:      cfg.TransferImage,
		DockerHost: cfg.DockerHost,
	}, logger)
	if err != nil {
		logger.Warn("transfer launcher unavailable, assignments will fail until restarted with a working driver", zap.Error(err))
	}

	qStore := store.NewAssignmentQueueStore(filepath.Join(dataDir(), "queue.json"))
	handles := newHandleSet()

	var ag *agent.Agent
	handlers := agent.Handlers{
		StatusMessage:   func(msg string) { logger.Info(msg) },
		ConnectionError: func(msg string) { logger.Warn(msg) },
		AssignmentReceived: func(assignment protocol.DeploymentAssignment) {
			handleAssignment(ctx, ag, launcher, handles, qStore, dest, assignment, logger)
		},
		AssignmentPaused: func(deploymentID, jobID string) {
			if handle, ok := handles.get(jobID); ok {
				_ = handle.Pause()
			}
			persistEvent(qStore, jobID, "paused")
		},
		AssignmentResumed: func(deploymentID, jobID string) {
			if handle, ok := handles.get(jobID); ok {
				_ = handle.Resume()
			}
			persistEvent(qStore, jobID, "resumed")
		},
		AssignmentCanceled: func(deploymentID, jobID string) {
			if handle, ok := handles.get(jobID); ok {
				_ = handle.Cancel()
			}
			persistEvent(qStore, jobID, "canceled")
		},
	}

	ag = agent.New(dest, handlers, logger)
	ag.SetAuthToken(agentCfg.AuthToken)
	ag.SetAutoReconnect(agentCfg.AutoReconnect)
	ag.SetReconnectInterval(cfg.ReconnectInterval)
	ag.SetHealthProvider(func() protocol.Health {
		return protocol.DefaultHealth()
	})

	addr := orchestratorAddrFlag
	if addr == "" {
		addr = agentCfg.OrchestratorAddr
	}
	if addr == "" {
		addr, err = discoverOrchestrator(ctx, dest)
		if err != nil {
			return err
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("received shutdown signal")
		cancel()
	}()

	logger.Info("agent starting", zap.String("orchestrator_addr", addr), zap.String("destination_id", dest.DestinationID))
	ag.Run(ctx, addr)
	return nil
}

// discoverOrchestrator blocks until a UDP ORCH_DISCOVERY probe is received
// or ctx is canceled.
func discoverOrchestrator(ctx context.Context, dest protocol.Destination) (string, error) {
	disc := discovery.New(logger, cfg.DiscoveryPort, cfg.ControlPort)
	disc.SetDestinationInfo(dest)

	found := make(chan string, 1)
	disc.OnOrchestratorDiscovered(func(o discovery.OrchestratorDiscovered) {
		select {
		case found <- fmt.Sprintf("%s:%d", o.Address.String(), o.Port):
		default:
		}
	})

	if err := disc.StartAsDestination(ctx); err != nil {
		return "", fmt.Errorf("discover orchestrator: %w", err)
	}
	defer disc.Stop()

	select {
	case addr := <-found:
		return addr, nil
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(30 * time.Second):
		return "", fmt.Errorf("no orchestrator discovered after 30s; pass --orchestrator explicitly")
	}
}

func handleAssignment(ctx context.Context, ag *agent.Agent, launcher transfer.Launcher, handles *handleSet, qStore *store.AssignmentQueueStore, dest protocol.Destination, assignment protocol.DeploymentAssignment, logger *observability.Logger) {
	persistAssignment(qStore, assignment, "received")

	if launcher == nil {
		logger.Warn("no transfer launcher configured, cannot execute assignment", zap.String("job_id", assignment.JobID))
		_ = ag.SendCompletion(protocol.DeploymentCompletion{
			DeploymentID:  assignment.DeploymentID,
			JobID:         assignment.JobID,
			DestinationID: dest.DestinationID,
			Status:        "failed",
			Summary:       map[string]interface{}{"error": "no transfer launcher configured"},
		})
		return
	}

	job := scheduler.TransferJob{
		JobID:       assignment.JobID,
		Source:      mapping.SourceProfile{Username: assignment.SourceUser, ProfileSizeBytes: assignment.ProfileSizeBytes},
		Destination: dest,
		TotalBytes:  assignment.ProfileSizeBytes,
		Priority:    assignment.Priority,
	}

	handle, err := launcher.Launch(ctx, job, dest)
	if err != nil {
		logger.Warn("failed to launch transfer", zap.String("job_id", assignment.JobID), zap.Error(err))
		_ = ag.SendCompletion(protocol.DeploymentCompletion{
			DeploymentID:  assignment.DeploymentID,
			JobID:         assignment.JobID,
			DestinationID: dest.DestinationID,
			Status:        "failed",
			Summary:       map[string]interface{}{"error": err.Error()},
		})
		return
	}

	handles.put(assignment.JobID, handle)
	persistAssignment(qStore, assignment, "transferring")

	go func() {
		defer handles.remove(assignment.JobID)
		for {
			select {
			case progress, ok := <-handle.Progress():
				if !ok {
					return
				}
				progress.DeploymentID = assignment.DeploymentID
				progress.DestinationID = dest.DestinationID
				_ = ag.SendProgress(progress)
			case completion, ok := <-handle.Done():
				if !ok {
					return
				}
				completion.DeploymentID = assignment.DeploymentID
				completion.DestinationID = dest.DestinationID
				persistAssignment(qStore, assignment, completion.Status)
				_ = ag.SendCompletion(completion)
				return
			}
		}
	}()
}

func persistAssignment(qStore *store.AssignmentQueueStore, assignment protocol.DeploymentAssignment, status string) {
	state, _, err := qStore.Load()
	if err != nil {
		logger.Warn("failed to read queue state, persisting from scratch", zap.Error(err))
	}
	if state.StatusByJob == nil {
		state.StatusByJob = make(map[string]string)
	}
	state.Active = assignment
	state.StatusByJob[assignment.JobID] = status
	if err := qStore.Save(state); err != nil {
		logger.Warn("failed to persist queue state", zap.String("job_id", assignment.JobID), zap.Error(err))
	}
}

// persistEvent records a discrete control-message event (paused, resumed,
// canceled) for jobID, separate from the continuous status tracked by
// persistAssignment.
func persistEvent(qStore *store.AssignmentQueueStore, jobID, event string) {
	state, _, err := qStore.Load()
	if err != nil {
		logger.Warn("failed to read queue state, persisting from scratch", zap.Error(err))
	}
	if state.EventByJob == nil {
		state.EventByJob = make(map[string]string)
	}
	state.EventByJob[jobID] = event
	if err := qStore.Save(state); err != nil {
		logger.Warn("failed to persist queue state", zap.String("job_id", jobID), zap.Error(err))
	}
}
