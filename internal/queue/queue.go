// Package queue implements the orchestrator's pending-deployment FIFO: a
// simple queue gated by an optional readiness check at enqueue time.
package queue

import (
	"sync"

	"github.com/artemis/fleetmigrate/internal/protocol"
)

// ReadinessCheck reports whether destinationID can currently accept
// requiredFreeBytes; on false it supplies a human-readable reason.
type ReadinessCheck func(destinationID string, requiredFreeBytes int64) (ok bool, reason string)

// Event is emitted on enqueue, dequeue, and enqueue rejection.
type Event struct {
	Type          EventType
	Assignment    protocol.DeploymentAssignment
	DestinationID string // set on EventRejected
	Reason        string // set on EventRejected
}

// EventType distinguishes the three queue lifecycle events.
type EventType string

const (
	EventQueued   EventType = "queued"
	EventDequeued EventType = "dequeued"
	EventRejected EventType = "rejected"
)

const eventBufferSize = 256

// Queue is a FIFO of pending deployment assignments, safe for concurrent use.
type Queue struct {
	mu             sync.Mutex
	items          []protocol.DeploymentAssignment
	readinessCheck ReadinessCheck

	subMu       sync.Mutex
	subscribers []chan Event
}

// New returns an empty Queue.
func New() *Queue {
	return &Queue{}
}

// SetReadinessCheck installs the predicate consulted by EnqueueForDestination.
// A nil check (the default) makes EnqueueForDestination behave like Enqueue.
func (q *Queue) SetReadinessCheck(check ReadinessCheck) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.readinessCheck = check
}

// Subscribe returns a buffered channel of future queue events. Intended for
// construction-time wiring, not for arbitrary external callers.
func (q *Queue) Subscribe() <-chan Event {
	ch := make(chan Event, eventBufferSize)
	q.subMu.Lock()
	q.subscribers = append(q.subscribers, ch)
	q.subMu.Unlock()
	return ch
}

func (q *Queue) emit(ev Event) {
	q.subMu.Lock()
	defer q.subMu.Unlock()
	for _, ch := range q.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Enqueue appends an assignment unconditionally.
func (q *Queue) Enqueue(assignment protocol.DeploymentAssignment) {
	q.mu.Lock()
	q.items = append(q.items, assignment)
	q.mu.Unlock()

	q.emit(Event{Type: EventQueued, Assignment: assignment})
}

// EnqueueForDestination enqueues assignment only if the installed
// ReadinessCheck (if any) passes for destinationID and requiredFreeBytes; on
// failure it emits EventRejected and does not enqueue.
func (q *Queue) EnqueueForDestination(assignment protocol.DeploymentAssignment, destinationID string, requiredFreeBytes int64) {
	q.mu.Lock()
	check := q.readinessCheck
	q.mu.Unlock()

	if check != nil {
		if ok, reason := check(destinationID, requiredFreeBytes); !ok {
			q.emit(Event{Type: EventRejected, DestinationID: destinationID, Reason: reason})
			return
		}
	}

	q.Enqueue(assignment)
}

// HasPending reports whether any assignment is waiting.
func (q *Queue) HasPending() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) > 0
}

// Peek returns the head assignment without removing it.
func (q *Queue) Peek() (protocol.DeploymentAssignment, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return protocol.DeploymentAssignment{}, false
	}
	return q.items[0], true
}

// Dequeue removes and returns the head assignment. Returns the zero value
// and emits nothing if the queue is empty.
func (q *Queue) Dequeue() (protocol.DeploymentAssignment, bool) {
	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		return protocol.DeploymentAssignment{}, false
	}
	assignment := q.items[0]
	q.items = q.items[1:]
	q.mu.Unlock()

	q.emit(Event{Type: EventDequeued, Assignment: assignment})
	return assignment, true
}

// PendingCount returns the number of waiting assignments.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
