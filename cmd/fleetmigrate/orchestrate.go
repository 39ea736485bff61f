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

	"github.com/artemis/fleetmigrate/internal/auth"
	"github.com/artemis/fleetmigrate/internal/discovery"
	"github.com/artemis/fleetmigrate/internal/httpapi"
	"github.com/artemis/fleetmigrate/internal/mapping"
	"github.com/artemis/fleetmigrate/internal/observability"
	"github.com/artemis/fleetmigrate/internal/orchestrator"
	"github.com/artemis/fleetmigrate/internal/protocol"
	"github.com/artemis/fleetmigrate/internal/queue"
	"github.com/artemis/fleetmigrate/internal/registry"
	"github.com/artemis/fleetmigrate/internal/scheduler"
	"github.com/artemis/fleetmigrate/internal/server"
	"github.com/artemis/fleetmigrate/internal/store"
	"github.com/artemis/fleetmigrate/internal/transfer"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var orchestrateCmd = &cobra.Command{
	Use:   "orchestrate",
	Short: "Run the orchestrator (registry, scheduler, control server, discovery, HTTP)",
	Run: func(cmd *cobra.Command, args []string) {
		if err := runOrchestrator(cmd, args); err != nil {
			logger.Error("orchestrator failed", zap.Error(err))
			os.Exit(1)
		}
	},
}

func mappingStrategyFromConfig() mapping.Strategy {
	if cfg.MappingStrategy == string(mapping.RoundRobin) || cfg.MappingStrategy == "RoundRobin" {
		return mapping.RoundRobin
	}
	return mapping.LargestFree
}

func runOrchestrator(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := os.MkdirAll(dataDir(), 0700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	metrics := observability.NewMetrics()
	reg := registry.New(logger, metrics, cfg.StaleTimeout)
	q := queue.New()
	mapper := mapping.NewEngine(mappingStrategyFromConfig())

	sched := scheduler.New()
	sched.SetMaxConcurrentTransfers(cfg.MaxConcurrent)
	sched.SetGlobalBandwidthLimit(cfg.GlobalBandwidthMbps)
	sched.SetPerJobBandwidthLimit(cfg.PerJobBandwidthMbps)
	sched.SetRetryBackoff(int(cfg.RetryBaseDelay/time.Millisecond), int(cfg.RetryMaxDelay/time.Millisecond))

	// orch is assigned after server construction but referenced by the
	// handlers closures below; none of them fire until srv.Start accepts a
	// connection, which happens after orch exists.
	var orch *orchestrator.Orchestrator
	handlers := server.Handlers{
		DestinationRegistered: func(d protocol.Destination) { orch.RegisterDestination(d) },
		HealthUpdated:         func(id string, h protocol.Health) { orch.UpdateHealth(id, h) },
		ProgressUpdated:       func(p protocol.DeploymentProgress) { orch.HandleProgress(p) },
		DeploymentCompleted:   func(c protocol.DeploymentCompletion) { orch.HandleCompletion(c) },
		StatusMessage:         func(msg string) { logger.Info(msg) },
		ConnectionError:       func(msg string) { logger.Warn(msg) },
	}
	srv := server.New(handlers, logger)
	orch = orchestrator.New(reg, q, mapper, srv, logger, metrics)

	if cfg.ClusterSecret != "" {
		issuer := auth.NewIssuer(cfg.ClusterSecret)
		srv.SetTokenValidator(issuer.Validate)
	} else {
		logger.Warn("no cluster_secret configured, control stream accepts unauthenticated registrations")
	}

	if err := srv.Start(fmt.Sprintf(":%d", cfg.ControlPort)); err != nil {
		return fmt.Errorf("start control server: %w", err)
	}
	defer srv.Stop()

	disc := discovery.New(logger, cfg.DiscoveryPort, cfg.ControlPort)
	disc.OnDestinationDiscovered(func(e discovery.DestinationDiscovered) {
		orch.RegisterDestination(e.Destination)
	})
	if err := disc.StartAsOrchestrator(ctx); err != nil {
		logger.Warn("discovery unavailable, destinations must register over the control stream", zap.Error(err))
	}
	defer disc.Stop()

	health := observability.NewHealthChecker()
	health.RegisterCheck("control_server", true, func(context.Context) error { return nil })

	httpSrv := httpapi.New(reg, sched, orch, health, logger)

	go reg.StartPruning(ctx, cfg.StaleTimeout)
	go orch.Run(ctx)
	go orch.RunHealthPolling(ctx, cfg.HealthInterval)

	stopRetry := make(chan struct{})
	go sched.RunRetryLoop(stopRetry)
	defer close(stopRetry)

	launcher, err := transfer.NewLauncher(transfer.Config{
		Driver:     cfg.TransferDriver,
		Command:    cfg.TransferCommand,
		Args:       cfg.TransferArgs,
		Image:      cfg.TransferImage,
		DockerHost: cfg.DockerHost,
	}, logger)
	if err != nil {
		logger.Warn("transfer launcher unavailable, jobs will remain queued", zap.Error(err))
	}

	hist := store.NewHistoryManager(filepath.Join(dataDir(), "history.json"))
	summaryDir := filepath.Join(dataDir(), "summaries")
	if err := os.MkdirAll(summaryDir, 0700); err != nil {
		logger.Warn("failed to create summary directory", zap.Error(err))
	}

	go runTransferDispatch(ctx, sched, launcher, logger)
	go recordDeploymentOutcomes(sched, reg, hist, summaryDir, metrics, logger)

	go func() {
		logger.Info("operator HTTP surface listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpSrv.Run(cfg.HTTPAddr); err != nil {
			logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	logger.Info("orchestrator started",
		zap.Int("discovery_port", cfg.DiscoveryPort),
		zap.Int("control_port", cfg.ControlPort),
		zap.String("http_addr", cfg.HTTPAddr),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logger.Info("received shutdown signal")
	return nil
}

// runTransferDispatch launches a Handle for every job the scheduler admits
// and feeds its progress and completion back into the scheduler, until ctx
// is canceled. One goroutine per in-flight job; launcher may be nil if no
// driver could be constructed, in which case admitted jobs sit in
// "transferring" until the process is restarted with a working driver.
func runTransferDispatch(ctx context.Context, sched *scheduler.Scheduler, launcher transfer.Launcher, logger *observability.Logger) {
	if launcher == nil {
		return
	}

	for ev := range sched.Subscribe() {
		if ev.Type != scheduler.JobStartRequested {
			continue
		}
		job, ok := sched.JobStatus(ev.JobID)
		if !ok {
			continue
		}

		handle, err := launcher.Launch(ctx, job, ev.Destination)
		if err != nil {
			if logger != nil {
				logger.Warn("failed to launch transfer job", zap.String("job_id", job.JobID), zap.Error(err))
			}
			sched.RetryJob(job.JobID)
			continue
		}

		go pumpTransferHandle(sched, job.JobID, handle)
	}
}

func pumpTransferHandle(sched *scheduler.Scheduler, jobID string, handle transfer.Handle) {
	for {
		select {
		case progress, ok := <-handle.Progress():
			if !ok {
				return
			}
			sched.UpdateJobProgress(jobID, progress.ProgressPercent, progress.BytesTransferred, progress.BytesTotal, progress.TransferSpeedMbps)
		case completion, ok := <-handle.Done():
			if !ok {
				return
			}
			success := completion.Status == "completed"
			errMsg := ""
			if !success {
				if e, ok := completion.Summary["error"].(string); ok {
					errMsg = e
				} else {
					errMsg = completion.Status
				}
			}
			sched.MarkJobComplete(jobID, success, errMsg)
			return
		}
	}
}

// recordDeploymentOutcomes persists a history entry and a three-section
// summary CSV every time the scheduler reports a deployment complete.
func recordDeploymentOutcomes(sched *scheduler.Scheduler, reg *registry.Registry, hist *store.HistoryManager, summaryDir string, metrics *observability.Metrics, logger *observability.Logger) {
	var mu sync.Mutex
	startedAt := make(map[string]time.Time)

	for ev := range sched.Subscribe() {
		switch ev.Type {
		case scheduler.DeploymentStarted:
			mu.Lock()
			startedAt[ev.DeploymentID] = time.Now()
			active := len(startedAt)
			mu.Unlock()
			if metrics != nil {
				metrics.SetActiveDeployments(float64(active))
			}

		case scheduler.DeploymentComplete:
			mu.Lock()
			started := startedAt[ev.DeploymentID]
			delete(startedAt, ev.DeploymentID)
			active := len(startedAt)
			mu.Unlock()
			if metrics != nil {
				metrics.SetActiveDeployments(float64(active))
			}
			if started.IsZero() {
				started = time.Now()
			}
			completed := time.Now()

			jobs := sched.AllJobs()
			status := "completed"
			if !ev.Success {
				status = "failed"
			}

			entry := store.HistoryEntry{
				DeploymentID:  ev.DeploymentID,
				StartedAt:     started,
				CompletedAt:   completed,
				TotalJobs:     len(jobs),
				CompletedJobs: sched.CompletedJobs(),
				FailedJobs:    sched.FailedJobs(),
				Status:        status,
			}
			if err := hist.AppendEntry(entry); err != nil && logger != nil {
				logger.Warn("failed to append history entry", zap.String("deployment_id", ev.DeploymentID), zap.Error(err))
			}

			jobSummaries := make([]store.JobSummary, 0, len(jobs))
			for _, j := range jobs {
				jobSummaries = append(jobSummaries, store.JobSummary{
					JobID:            j.JobID,
					SourceUser:       j.Source.Username,
					DestinationID:    j.Destination.DestinationID,
					Status:           j.Status,
					BytesTransferred: j.BytesTransferred,
					TotalBytes:       j.TotalBytes,
					ErrorMessage:     j.ErrorMessage,
				})
			}

			destSummaries := make([]store.DestinationSummary, 0)
			for _, d := range reg.Destinations() {
				destSummaries = append(destSummaries, store.DestinationSummary{
					DestinationID: d.DestinationID,
					Hostname:      d.Hostname,
					IPAddress:     d.IPAddress,
					Status:        d.Status,
					LastSeen:      d.LastSeen,
				})
			}

			csvPath := filepath.Join(summaryDir, ev.DeploymentID+".csv")
			if err := store.ExportSummaryCSV(csvPath, ev.DeploymentID, started, completed, jobSummaries, destSummaries); err != nil && logger != nil {
				logger.Warn("failed to export deployment summary", zap.String("deployment_id", ev.DeploymentID), zap.Error(err))
			}
		}
	}
}
