package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/artemis/fleetmigrate/internal/mapping"
	"github.com/artemis/fleetmigrate/internal/protocol"
	"github.com/artemis/fleetmigrate/internal/queue"
	"github.com/artemis/fleetmigrate/internal/registry"
)

type fakeServer struct {
	mu          sync.Mutex
	assigned    []string // destinationID:deploymentID
	paused      []string
	resumed     []string
	canceled    []string
	healthSent  []string
	failSend    map[string]bool
}

func newFakeServer() *fakeServer {
	return &fakeServer{failSend: make(map[string]bool)}
}

func (f *fakeServer) SendHealthCheck(destinationID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.healthSent = append(f.healthSent, destinationID)
	return nil
}

func (f *fakeServer) SendDeploymentAssignment(destinationID string, assignment protocol.DeploymentAssignment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSend[destinationID] {
		return errSendFailed
	}
	f.assigned = append(f.assigned, destinationID+":"+assignment.DeploymentID)
	return nil
}

func (f *fakeServer) SendAssignmentPause(destinationID, deploymentID, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = append(f.paused, jobID)
	return nil
}

func (f *fakeServer) SendAssignmentResume(destinationID, deploymentID, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumed = append(f.resumed, jobID)
	return nil
}

func (f *fakeServer) SendAssignmentCancel(destinationID, deploymentID, jobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, jobID)
	return nil
}

func (f *fakeServer) assignedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.assigned)
}

type sendError struct{ msg string }

func (e *sendError) Error() string { return e.msg }

var errSendFailed = &sendError{"send failed"}

func readyDestination(id string) protocol.Destination {
	d := protocol.NewDestination()
	d.DestinationID = id
	d.Health.AdminRights = true
	d.Health.AgentRunning = true
	d.Health.FreeDiskBytes = 1 << 40
	return d
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *registry.Registry, *queue.Queue, *fakeServer) {
	t.Helper()
	reg := registry.New(nil, nil, time.Hour)
	q := queue.New()
	mapper := mapping.NewEngine(mapping.LargestFree)
	server := newFakeServer()
	o := New(reg, q, mapper, server, nil, nil)
	return o, reg, q, server
}

func runOrchestrator(t *testing.T, o *Orchestrator) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go o.Run(ctx)
	return cancel
}

func TestQueuedDeploymentAssignedOnceDestinationRegistered(t *testing.T) {
	o, reg, q, server := newTestOrchestrator(t)
	cancel := runOrchestrator(t, o)
	defer cancel()

	q.Enqueue(protocol.DeploymentAssignment{DeploymentID: "D1", ProfileSizeBytes: 100})
	time.Sleep(20 * time.Millisecond)
	if server.assignedCount() != 0 {
		t.Fatal("expected no assignment before any destination is registered")
	}

	reg.Register(readyDestination("DEST1"))
	time.Sleep(50 * time.Millisecond)

	if server.assignedCount() != 1 {
		t.Fatalf("assignedCount = %d, want 1", server.assignedCount())
	}
	if q.HasPending() {
		t.Error("expected queue to be drained")
	}
}

func TestDeploymentQueuedBehindBusyDestinationDispatchesOnCompletion(t *testing.T) {
	o, reg, q, server := newTestOrchestrator(t)
	cancel := runOrchestrator(t, o)
	defer cancel()

	reg.Register(readyDestination("DEST1"))
	time.Sleep(20 * time.Millisecond)

	q.Enqueue(protocol.DeploymentAssignment{DeploymentID: "D1", ProfileSizeBytes: 100})
	time.Sleep(30 * time.Millisecond)
	q.Enqueue(protocol.DeploymentAssignment{DeploymentID: "D2", ProfileSizeBytes: 100})
	time.Sleep(30 * time.Millisecond)

	if server.assignedCount() != 1 {
		t.Fatalf("assignedCount before completion = %d, want 1", server.assignedCount())
	}

	o.HandleCompletion(protocol.DeploymentCompletion{DeploymentID: "D1", DestinationID: "DEST1", Status: "completed"})
	time.Sleep(30 * time.Millisecond)

	if server.assignedCount() != 2 {
		t.Fatalf("assignedCount after completion = %d, want 2", server.assignedCount())
	}
}

func TestEnableAutoAssignmentFalsePreventsDispatch(t *testing.T) {
	o, reg, q, server := newTestOrchestrator(t)
	cancel := runOrchestrator(t, o)
	defer cancel()

	o.EnableAutoAssignment(false)
	reg.Register(readyDestination("DEST1"))
	time.Sleep(20 * time.Millisecond)

	q.Enqueue(protocol.DeploymentAssignment{DeploymentID: "D1", ProfileSizeBytes: 100})
	time.Sleep(30 * time.Millisecond)

	if server.assignedCount() != 0 {
		t.Fatalf("assignedCount = %d, want 0 while auto-assignment disabled", server.assignedCount())
	}

	o.EnableAutoAssignment(true)
	time.Sleep(30 * time.Millisecond)

	if server.assignedCount() != 1 {
		t.Fatalf("assignedCount after re-enable = %d, want 1", server.assignedCount())
	}
}

func TestCanAssignDeploymentReportsUnknownDestination(t *testing.T) {
	o, _, _, _ := newTestOrchestrator(t)
	ok, reason := o.CanAssignDeployment("GHOST", 100)
	if ok || reason != "destination not found" {
		t.Errorf("CanAssignDeployment = %v, %q", ok, reason)
	}
}

func TestAggregateProgressAveragesOverAllRegisteredDestinations(t *testing.T) {
	o, reg, _, _ := newTestOrchestrator(t)
	events := o.Subscribe()

	reg.Register(readyDestination("DEST1"))
	reg.Register(readyDestination("DEST2"))

	o.HandleProgress(protocol.DeploymentProgress{DestinationID: "DEST1", ProgressPercent: 100})

	var got Event
	var found bool
	timeout := time.After(time.Second)
	for !found {
		select {
		case ev := <-events:
			if ev.Type == AggregateProgress {
				got = ev
				found = true
			}
		case <-timeout:
			t.Fatal("timed out waiting for AggregateProgress")
		}
	}

	if got.TotalCount != 2 {
		t.Errorf("TotalCount = %d, want 2", got.TotalCount)
	}
	// DEST1 at 100%, DEST2 unreported (0%): average is 50, not 100.
	if got.Percent != 50 {
		t.Errorf("Percent = %d, want 50 (averaged over all registered destinations)", got.Percent)
	}
}

func TestHandleCompletionMarksDestinationFreeAndIncrementsCompletedCount(t *testing.T) {
	o, reg, _, server := newTestOrchestrator(t)

	reg.Register(readyDestination("DEST1"))
	o.dispatchAssignment("DEST1", protocol.DeploymentAssignment{DeploymentID: "D1"})
	if server.assignedCount() != 1 {
		t.Fatalf("assignedCount = %d, want 1", server.assignedCount())
	}

	o.HandleCompletion(protocol.DeploymentCompletion{DeploymentID: "D1", DestinationID: "DEST1", Status: "completed"})

	o.mu.Lock()
	busy := o.activeDestinations["DEST1"]
	completed := o.completedDestinations["DEST1"]
	o.mu.Unlock()

	if busy {
		t.Error("expected destination to be freed after completion")
	}
	if !completed {
		t.Error("expected destination to be recorded as completed")
	}
}

func TestPauseResumeCancelForwardToServer(t *testing.T) {
	o, _, _, server := newTestOrchestrator(t)

	if err := o.PauseAssignment("DEST1", "D1", "J1"); err != nil {
		t.Fatal(err)
	}
	if err := o.ResumeAssignment("DEST1", "D1", "J1"); err != nil {
		t.Fatal(err)
	}
	if err := o.CancelAssignment("DEST1", "D1", "J1"); err != nil {
		t.Fatal(err)
	}

	server.mu.Lock()
	defer server.mu.Unlock()
	if len(server.paused) != 1 || len(server.resumed) != 1 || len(server.canceled) != 1 {
		t.Errorf("paused=%v resumed=%v canceled=%v", server.paused, server.resumed, server.canceled)
	}
}
