package queue

import (
	"testing"

	"github.com/artemis/fleetmigrate/internal/protocol"
)

func TestEnqueueDequeueFIFOOrder(t *testing.T) {
	q := New()
	events := q.Subscribe()

	a1 := protocol.DeploymentAssignment{DeploymentID: "D1"}
	a2 := protocol.DeploymentAssignment{DeploymentID: "D2"}
	q.Enqueue(a1)
	q.Enqueue(a2)

	if q.PendingCount() != 2 {
		t.Fatalf("PendingCount = %d, want 2", q.PendingCount())
	}

	got, ok := q.Dequeue()
	if !ok || got.DeploymentID != "D1" {
		t.Errorf("Dequeue = %+v, %v, want D1", got, ok)
	}

	got, ok = q.Dequeue()
	if !ok || got.DeploymentID != "D2" {
		t.Errorf("Dequeue = %+v, %v, want D2", got, ok)
	}

	if _, ok := q.Dequeue(); ok {
		t.Error("expected Dequeue on empty queue to return ok=false")
	}

	for i, want := range []EventType{EventQueued, EventQueued, EventDequeued, EventDequeued} {
		select {
		case ev := <-events:
			if ev.Type != want {
				t.Errorf("event %d = %v, want %v", i, ev.Type, want)
			}
		default:
			t.Fatalf("missing event %d (want %v)", i, want)
		}
	}
}

func TestPeekDoesNotRemove(t *testing.T) {
	q := New()
	q.Enqueue(protocol.DeploymentAssignment{DeploymentID: "D1"})

	got, ok := q.Peek()
	if !ok || got.DeploymentID != "D1" {
		t.Fatalf("Peek = %+v, %v", got, ok)
	}
	if q.PendingCount() != 1 {
		t.Errorf("PendingCount after Peek = %d, want 1", q.PendingCount())
	}
}

func TestEnqueueForDestinationRejectsWhenNotReady(t *testing.T) {
	q := New()
	events := q.Subscribe()
	q.SetReadinessCheck(func(destinationID string, requiredFreeBytes int64) (bool, string) {
		return false, "insufficient disk space"
	})

	q.EnqueueForDestination(protocol.DeploymentAssignment{DeploymentID: "D1"}, "DEST1", 1000)

	if q.HasPending() {
		t.Error("expected rejected assignment not to be enqueued")
	}

	select {
	case ev := <-events:
		if ev.Type != EventRejected || ev.DestinationID != "DEST1" || ev.Reason != "insufficient disk space" {
			t.Errorf("event = %+v", ev)
		}
	default:
		t.Fatal("expected a Rejected event")
	}
}

func TestEnqueueForDestinationAllowsWhenReady(t *testing.T) {
	q := New()
	q.SetReadinessCheck(func(destinationID string, requiredFreeBytes int64) (bool, string) {
		return true, ""
	})

	q.EnqueueForDestination(protocol.DeploymentAssignment{DeploymentID: "D1"}, "DEST1", 1000)

	if !q.HasPending() {
		t.Error("expected assignment to be enqueued")
	}
}

func TestEnqueueForDestinationWithoutCheckAlwaysEnqueues(t *testing.T) {
	q := New()
	q.EnqueueForDestination(protocol.DeploymentAssignment{DeploymentID: "D1"}, "DEST1", 1000)
	if !q.HasPending() {
		t.Error("expected assignment to be enqueued when no readiness check is installed")
	}
}
