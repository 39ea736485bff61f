// Package registry implements the in-memory destination registry: upsert by
// id, health merge, readiness checks, and staleness eviction.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/artemis/fleetmigrate/internal/observability"
	"github.com/artemis/fleetmigrate/internal/protocol"
	"go.uber.org/zap"
)

// EventType distinguishes the three registry lifecycle events.
type EventType string

const (
	EventRegistered EventType = "registered"
	EventUpdated    EventType = "updated"
	EventRemoved    EventType = "removed"
)

// Event is emitted on registration, health update, and staleness eviction.
type Event struct {
	Type          EventType
	Destination   protocol.Destination
	DestinationID string // set on EventRemoved, where Destination is zero
}

const eventBufferSize = 256

// Registry is the orchestrator's single source of truth for known
// destinations. All operations acquire the registry's own lock; it holds no
// reference to any other component.
type Registry struct {
	mu           sync.RWMutex
	destinations map[string]protocol.Destination
	order        []string // insertion order, for first-seen tie-breaking
	staleTimeout time.Duration
	logger       *observability.Logger
	metrics      *observability.Metrics

	subMu       sync.Mutex
	subscribers []chan Event
}

// New returns a Registry that considers a destination stale after
// staleTimeout has elapsed since its last_seen.
func New(logger *observability.Logger, metrics *observability.Metrics, staleTimeout time.Duration) *Registry {
	return &Registry{
		destinations: make(map[string]protocol.Destination),
		staleTimeout: staleTimeout,
		logger:       logger,
		metrics:      metrics,
	}
}

// Subscribe returns a buffered channel of future registry events. Intended
// for construction-time wiring by the orchestrator only, not for arbitrary
// external callers.
func (r *Registry) Subscribe() <-chan Event {
	ch := make(chan Event, eventBufferSize)
	r.subMu.Lock()
	r.subscribers = append(r.subscribers, ch)
	r.subMu.Unlock()
	return ch
}

func (r *Registry) emit(ev Event) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for _, ch := range r.subscribers {
		select {
		case ch <- ev:
		default:
			if r.logger != nil {
				r.logger.Warn("registry event dropped, subscriber channel full",
					zap.String("event_type", string(ev.Type)))
			}
		}
	}
}

// Register upserts a destination, stamping last_seen to now. Emits
// Registered on first insert, Updated otherwise.
func (r *Registry) Register(d protocol.Destination) {
	d.LastSeen = time.Now()

	r.mu.Lock()
	_, exists := r.destinations[d.DestinationID]
	r.destinations[d.DestinationID] = d
	if !exists {
		r.order = append(r.order, d.DestinationID)
	}
	count := len(r.destinations)
	r.mu.Unlock()

	if r.metrics != nil {
		r.metrics.SetConnectedDestinations(float64(count))
	}

	evType := EventRegistered
	if exists {
		evType = EventUpdated
	}
	r.emit(Event{Type: evType, Destination: d})
}

// UpdateHealth merges a fresh health snapshot into a known destination and
// stamps last_seen to now. Silent no-op if the id is unknown.
func (r *Registry) UpdateHealth(id string, health protocol.Health) {
	r.mu.Lock()
	d, ok := r.destinations[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	d.Health = health
	d.LastSeen = time.Now()
	r.destinations[id] = d
	r.mu.Unlock()

	r.emit(Event{Type: EventUpdated, Destination: d})
}

// Destinations returns a snapshot of all known destinations in first-seen
// (registration) order.
func (r *Registry) Destinations() []protocol.Destination {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]protocol.Destination, 0, len(r.order))
	for _, id := range r.order {
		if d, ok := r.destinations[id]; ok {
			out = append(out, d)
		}
	}
	return out
}

// Get returns a destination by id.
func (r *Registry) Get(id string) (protocol.Destination, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.destinations[id]
	return d, ok
}

// Contains reports whether id is currently registered.
func (r *Registry) Contains(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.destinations[id]
	return ok
}

// CheckReadiness is a pure function: a destination is ready iff admin_rights
// is true, agent_running is true, free_disk_bytes meets requiredFreeBytes
// (when requiredFreeBytes > 0), cpu_usage_percent < 90, and
// ram_usage_percent < 90. On failure it returns the first violated
// predicate, in that order, as a human-readable reason.
func CheckReadiness(d protocol.Destination, requiredFreeBytes int64) (bool, string) {
	h := d.Health
	if !h.AdminRights {
		return false, "admin rights required"
	}
	if !h.AgentRunning {
		return false, "agent not running"
	}
	if requiredFreeBytes > 0 && h.FreeDiskBytes < requiredFreeBytes {
		return false, "insufficient disk space"
	}
	if h.CPUUsagePercent >= 90 {
		return false, "high CPU usage"
	}
	if h.RAMUsagePercent >= 90 {
		return false, "high memory usage"
	}
	return true, ""
}

// StartPruning runs the stale-eviction timer until ctx is canceled. A
// destination whose last_seen exceeds staleTimeout is removed; exactly at
// the threshold it is kept, matching the reference implementation's
// secsTo(now) > staleTimeoutSeconds comparison.
func (r *Registry) StartPruning(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.pruneStale()
		}
	}
}

func (r *Registry) pruneStale() {
	now := time.Now()

	r.mu.Lock()
	var toRemove []string
	for id, d := range r.destinations {
		if now.Sub(d.LastSeen) > r.staleTimeout {
			toRemove = append(toRemove, id)
		}
	}
	for _, id := range toRemove {
		delete(r.destinations, id)
		r.order = removeID(r.order, id)
	}
	count := len(r.destinations)
	r.mu.Unlock()

	if len(toRemove) > 0 && r.metrics != nil {
		r.metrics.SetConnectedDestinations(float64(count))
	}

	for _, id := range toRemove {
		if r.logger != nil {
			r.logger.Warn("destination removed, stale", zap.String("destination_id", id))
		}
		if r.metrics != nil {
			r.metrics.RecordDestinationRemoval("stale")
		}
		r.emit(Event{Type: EventRemoved, DestinationID: id})
	}
}

// Remove drops a destination immediately, e.g. on stream close. It is
// idempotent and emits Removed only if the id was present.
func (r *Registry) Remove(id string, reason string) {
	r.mu.Lock()
	_, ok := r.destinations[id]
	if ok {
		delete(r.destinations, id)
		r.order = removeID(r.order, id)
	}
	count := len(r.destinations)
	r.mu.Unlock()

	if !ok {
		return
	}

	if r.metrics != nil {
		r.metrics.SetConnectedDestinations(float64(count))
		r.metrics.RecordDestinationRemoval(reason)
	}
	if r.logger != nil {
		r.logger.Info("destination removed", zap.String("destination_id", id), zap.String("reason", reason))
	}
	r.emit(Event{Type: EventRemoved, DestinationID: id})
}

func removeID(ids []string, target string) []string {
	for i, id := range ids {
		if id == target {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

// String implements fmt.Stringer for debug logging.
func (r *Registry) String() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return fmt.Sprintf("registry(%d destinations)", len(r.destinations))
}
