// Package orchestrator wires the destination registry, deployment queue,
// mapping engine, and control-plane server into the single component that
// decides which destination gets which deployment and when.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/artemis/fleetmigrate/internal/mapping"
	"github.com/artemis/fleetmigrate/internal/observability"
	"github.com/artemis/fleetmigrate/internal/protocol"
	"github.com/artemis/fleetmigrate/internal/queue"
	"github.com/artemis/fleetmigrate/internal/registry"
	"go.uber.org/zap"
)

// Server is the control-plane transport the orchestrator dispatches
// assignments and commands through. internal/server implements it.
type Server interface {
	SendHealthCheck(destinationID string) error
	SendDeploymentAssignment(destinationID string, assignment protocol.DeploymentAssignment) error
	SendAssignmentPause(destinationID, deploymentID, jobID string) error
	SendAssignmentResume(destinationID, deploymentID, jobID string) error
	SendAssignmentCancel(destinationID, deploymentID, jobID string) error
}

// EventType distinguishes the orchestrator's status/progress notifications.
type EventType string

const (
	StatusMessage       EventType = "status"
	DeploymentReady     EventType = "deployment_ready"
	DeploymentRejected  EventType = "deployment_rejected"
	ProgressUpdated     EventType = "progress_updated"
	DeploymentCompleted EventType = "deployment_completed"
	AggregateProgress   EventType = "aggregate_progress"
)

// Event carries whichever fields are relevant to its Type.
type Event struct {
	Type           EventType
	Message        string
	Assignment     protocol.DeploymentAssignment
	DestinationID  string
	Reason         string
	Progress       protocol.DeploymentProgress
	Completion     protocol.DeploymentCompletion
	CompletedCount int
	TotalCount     int
	Percent        int
}

const (
	assignSafetyBound      = 1000
	defaultHealthPollEvery = 10 * time.Second
)

const eventBufferSize = 256

// Orchestrator is the single owner of assignment decisions. It subscribes
// to registry and queue events and reacts to each by attempting to drain
// the pending-deployment queue.
type Orchestrator struct {
	registry *registry.Registry
	queue    *queue.Queue
	mapper   *mapping.Engine
	server   Server
	logger   *observability.Logger
	metrics  *observability.Metrics

	mu                     sync.Mutex
	autoAssignEnabled      bool
	activeDestinations     map[string]bool
	pendingAssignments     map[string][]protocol.DeploymentAssignment
	progressByDestination  map[string]protocol.DeploymentProgress
	completedDestinations  map[string]bool

	subMu       sync.Mutex
	subscribers []chan Event
}

// New wires together an Orchestrator. The caller must run Run(ctx) as a
// goroutine to start processing registry and queue events.
func New(reg *registry.Registry, q *queue.Queue, mapper *mapping.Engine, server Server, logger *observability.Logger, metrics *observability.Metrics) *Orchestrator {
	o := &Orchestrator{
		registry:              reg,
		queue:                 q,
		mapper:                mapper,
		server:                server,
		logger:                logger,
		metrics:               metrics,
		autoAssignEnabled:     true,
		activeDestinations:    make(map[string]bool),
		pendingAssignments:    make(map[string][]protocol.DeploymentAssignment),
		progressByDestination: make(map[string]protocol.DeploymentProgress),
		completedDestinations: make(map[string]bool),
	}
	q.SetReadinessCheck(func(destinationID string, requiredFreeBytes int64) (bool, string) {
		return o.CanAssignDeployment(destinationID, requiredFreeBytes)
	})
	return o
}

// Subscribe returns a buffered channel of future orchestrator events.
// Intended for construction-time wiring, not for arbitrary external callers.
func (o *Orchestrator) Subscribe() <-chan Event {
	ch := make(chan Event, eventBufferSize)
	o.subMu.Lock()
	o.subscribers = append(o.subscribers, ch)
	o.subMu.Unlock()
	return ch
}

func (o *Orchestrator) emit(ev Event) {
	o.subMu.Lock()
	defer o.subMu.Unlock()
	for _, ch := range o.subscribers {
		select {
		case ch <- ev:
		default:
			if o.logger != nil {
				o.logger.Warn("orchestrator event dropped, subscriber channel full", zap.String("event_type", string(ev.Type)))
			}
		}
	}
}

func (o *Orchestrator) status(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	if o.logger != nil {
		o.logger.Info(msg)
	}
	o.emit(Event{Type: StatusMessage, Message: msg})
}

// Run processes registry and queue lifecycle events until ctx is canceled.
// Every registration, health update, and removal re-evaluates the pending
// queue; removal additionally frees the destination's active-assignment
// slot so a pending assignment for it can be dispatched.
func (o *Orchestrator) Run(ctx context.Context) {
	registryEvents := o.registry.Subscribe()
	queueEvents := o.queue.Subscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-registryEvents:
			switch ev.Type {
			case registry.EventRegistered:
				o.status("Destination registered: %s", ev.Destination.Hostname)
				o.tryAssignQueuedDeployments()
			case registry.EventUpdated:
				o.tryAssignQueuedDeployments()
			case registry.EventRemoved:
				o.mu.Lock()
				delete(o.activeDestinations, ev.DestinationID)
				o.mu.Unlock()
				o.tryAssignQueuedDeployments()
			}
		case ev := <-queueEvents:
			switch ev.Type {
			case queue.EventQueued:
				o.status("Deployment queued: %s", ev.Assignment.DeploymentID)
				o.emit(Event{Type: DeploymentReady, Assignment: ev.Assignment})
				o.tryAssignQueuedDeployments()
			case queue.EventRejected:
				o.status("Deployment rejected for %s: %s", ev.DestinationID, ev.Reason)
				if o.metrics != nil {
					o.metrics.RecordAssignmentRejection(ev.Reason)
				}
				o.emit(Event{Type: DeploymentRejected, DestinationID: ev.DestinationID, Reason: ev.Reason})
			}
		}
	}
}

// RunHealthPolling sends a health check to every registered destination on
// every tick, until ctx is canceled.
func (o *Orchestrator) RunHealthPolling(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = defaultHealthPollEvery
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, d := range o.registry.Destinations() {
				if d.DestinationID != "" {
					_ = o.server.SendHealthCheck(d.DestinationID)
				}
			}
		}
	}
}

// RequestHealthCheck sends an out-of-band health check to one destination.
func (o *Orchestrator) RequestHealthCheck(destinationID string) error {
	return o.server.SendHealthCheck(destinationID)
}

// RegisterDestination upserts a destination discovered via the control
// stream or UDP discovery.
func (o *Orchestrator) RegisterDestination(d protocol.Destination) {
	o.registry.Register(d)
}

// UpdateHealth applies a fresh health report to a known destination.
func (o *Orchestrator) UpdateHealth(destinationID string, health protocol.Health) {
	o.registry.UpdateHealth(destinationID, health)
}

// QueueDeployment enqueues an assignment for automatic placement.
func (o *Orchestrator) QueueDeployment(assignment protocol.DeploymentAssignment) {
	o.queue.Enqueue(assignment)
}

// EnableAutoAssignment toggles automatic placement of queued deployments.
// Enabling it immediately attempts to drain the queue.
func (o *Orchestrator) EnableAutoAssignment(enabled bool) {
	o.mu.Lock()
	o.autoAssignEnabled = enabled
	o.mu.Unlock()
	if enabled {
		o.tryAssignQueuedDeployments()
	}
}

// AutoAssignmentEnabled reports whether automatic placement is active.
func (o *Orchestrator) AutoAssignmentEnabled() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.autoAssignEnabled
}

// SetMappingStrategy changes the placement strategy and immediately
// attempts to drain the queue under it.
func (o *Orchestrator) SetMappingStrategy(strategy mapping.Strategy) {
	o.mapper.SetStrategy(strategy)
	o.tryAssignQueuedDeployments()
}

// MappingStrategy returns the current placement strategy.
func (o *Orchestrator) MappingStrategy() mapping.Strategy {
	return o.mapper.Strategy()
}

// AssignDeploymentToDestination dispatches (or, if the destination is
// already busy, queues behind its active assignment) a specific assignment
// to a specific destination, bypassing automatic placement.
func (o *Orchestrator) AssignDeploymentToDestination(destinationID string, assignment protocol.DeploymentAssignment, requiredFreeBytes int64) {
	ok, reason := o.CanAssignDeployment(destinationID, requiredFreeBytes)
	if !ok {
		o.status("Deployment rejected for %s: %s", destinationID, reason)
		o.emit(Event{Type: DeploymentRejected, DestinationID: destinationID, Reason: reason})
		return
	}

	o.mu.Lock()
	busy := o.activeDestinations[destinationID]
	if busy {
		o.pendingAssignments[destinationID] = append(o.pendingAssignments[destinationID], assignment)
	}
	o.mu.Unlock()

	if busy {
		o.status("Deployment queued for %s: %s", destinationID, assignment.DeploymentID)
		return
	}

	if o.dispatchAssignment(destinationID, assignment) {
		o.status("Deployment assigned: %s -> %s", assignment.DeploymentID, destinationID)
	}
}

// PauseAssignment, ResumeAssignment, and CancelAssignment forward a job
// control action to the destination over the control stream.
func (o *Orchestrator) PauseAssignment(destinationID, deploymentID, jobID string) error {
	if err := o.server.SendAssignmentPause(destinationID, deploymentID, jobID); err != nil {
		return err
	}
	o.status("Pause requested: %s", jobID)
	return nil
}

func (o *Orchestrator) ResumeAssignment(destinationID, deploymentID, jobID string) error {
	if err := o.server.SendAssignmentResume(destinationID, deploymentID, jobID); err != nil {
		return err
	}
	o.status("Resume requested: %s", jobID)
	return nil
}

func (o *Orchestrator) CancelAssignment(destinationID, deploymentID, jobID string) error {
	if err := o.server.SendAssignmentCancel(destinationID, deploymentID, jobID); err != nil {
		return err
	}
	o.status("Cancel requested: %s", jobID)
	return nil
}

// CanAssignDeployment reports whether destinationID currently passes
// readiness for requiredFreeBytes. Returns ("Destination not found", false)
// if the id is unknown to the registry.
func (o *Orchestrator) CanAssignDeployment(destinationID string, requiredFreeBytes int64) (bool, string) {
	d, ok := o.registry.Get(destinationID)
	if !ok {
		return false, "destination not found"
	}
	return registry.CheckReadiness(d, requiredFreeBytes)
}

// tryAssignQueuedDeployments drains the pending queue while auto-assignment
// is enabled, assigning each peeked deployment to whatever destination the
// mapping engine selects. Bounded at assignSafetyBound iterations so a
// queue that can never be drained (e.g. every destination busy) cannot
// loop forever.
func (o *Orchestrator) tryAssignQueuedDeployments() {
	o.mu.Lock()
	enabled := o.autoAssignEnabled
	o.mu.Unlock()
	if !enabled || o.server == nil {
		return
	}

	for i := 0; i < assignSafetyBound; i++ {
		next, ok := o.queue.Peek()
		if !ok {
			return
		}

		destinationID := o.selectDestinationFor(next, next.ProfileSizeBytes)
		if destinationID == "" {
			return
		}

		o.queue.Dequeue()

		o.mu.Lock()
		busy := o.activeDestinations[destinationID]
		if busy {
			o.pendingAssignments[destinationID] = append(o.pendingAssignments[destinationID], next)
		}
		o.mu.Unlock()

		if busy {
			o.status("Deployment queued for %s: %s", destinationID, next.DeploymentID)
			continue
		}

		if o.dispatchAssignment(destinationID, next) {
			o.status("Deployment assigned: %s -> %s", next.DeploymentID, destinationID)
		}
	}
}

func (o *Orchestrator) selectDestinationFor(assignment protocol.DeploymentAssignment, requiredFreeBytes int64) string {
	o.mu.Lock()
	active := make(map[string]bool, len(o.activeDestinations))
	for id := range o.activeDestinations {
		active[id] = true
	}
	o.mu.Unlock()

	return o.mapper.SelectDestination(assignment, o.registry.Destinations(), active, requiredFreeBytes)
}

func (o *Orchestrator) dispatchAssignment(destinationID string, assignment protocol.DeploymentAssignment) bool {
	if o.server == nil || destinationID == "" {
		return false
	}

	o.mu.Lock()
	o.activeDestinations[destinationID] = true
	o.mu.Unlock()

	if err := o.server.SendDeploymentAssignment(destinationID, assignment); err != nil {
		if o.logger != nil {
			o.logger.Warn("failed to send deployment assignment", zap.String("destination_id", destinationID), zap.Error(err))
		}
		return false
	}
	if o.metrics != nil {
		o.metrics.RecordJob("assigned", string(assignment.Priority))
	}
	return true
}

// handleAssignmentCompletion dispatches the next pending assignment queued
// behind destinationID, if any.
func (o *Orchestrator) handleAssignmentCompletion(destinationID string) {
	if destinationID == "" {
		return
	}

	o.mu.Lock()
	pending := o.pendingAssignments[destinationID]
	if len(pending) == 0 {
		delete(o.pendingAssignments, destinationID)
		o.mu.Unlock()
		return
	}
	next := pending[0]
	rest := pending[1:]
	if len(rest) == 0 {
		delete(o.pendingAssignments, destinationID)
	} else {
		o.pendingAssignments[destinationID] = rest
	}
	o.mu.Unlock()

	if o.dispatchAssignment(destinationID, next) {
		o.status("Deployment assigned: %s -> %s", next.DeploymentID, destinationID)
	}
}

// HandleProgress records a progress report from the control stream, emits
// ProgressUpdated, and recomputes the aggregate-progress summary across
// every currently registered destination.
func (o *Orchestrator) HandleProgress(progress protocol.DeploymentProgress) {
	if progress.DestinationID != "" {
		o.mu.Lock()
		o.progressByDestination[progress.DestinationID] = progress
		o.mu.Unlock()
	}

	o.emit(Event{Type: ProgressUpdated, Progress: progress})
	o.emitAggregateProgress()
}

// HandleCompletion records a deployment's completion from the control
// stream, emits DeploymentCompleted, recomputes aggregate progress, and
// dispatches the next assignment (if any) queued behind the destination.
func (o *Orchestrator) HandleCompletion(completion protocol.DeploymentCompletion) {
	if completion.DestinationID != "" {
		o.mu.Lock()
		o.completedDestinations[completion.DestinationID] = true
		delete(o.activeDestinations, completion.DestinationID)
		progress := o.progressByDestination[completion.DestinationID]
		progress.ProgressPercent = 100
		o.progressByDestination[completion.DestinationID] = progress
		o.mu.Unlock()
	}

	o.emit(Event{Type: DeploymentCompleted, Completion: completion})
	o.emitAggregateProgress()

	if completion.DestinationID != "" {
		o.handleAssignmentCompletion(completion.DestinationID)
	}
	o.tryAssignQueuedDeployments()
}

func (o *Orchestrator) emitAggregateProgress() {
	destinations := o.registry.Destinations()
	total := len(destinations)
	if total == 0 {
		return
	}

	o.mu.Lock()
	sum := 0
	for _, d := range destinations {
		if p, ok := o.progressByDestination[d.DestinationID]; ok {
			sum += p.ProgressPercent
		}
	}
	completed := len(o.completedDestinations)
	o.mu.Unlock()

	o.emit(Event{
		Type:           AggregateProgress,
		CompletedCount: completed,
		TotalCount:     total,
		Percent:        sum / total,
	})
}
