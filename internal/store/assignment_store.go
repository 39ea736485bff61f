package store

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/artemis/fleetmigrate/internal/protocol"
	"github.com/cespare/xxhash/v2"
)

// QueueState is the destination agent's full in-flight queue: the
// currently active assignment, everything still waiting behind it, and
// the last known status/event string recorded for each job id. Persisting
// it lets an agent resume its queue across a process restart.
type QueueState struct {
	Active      protocol.DeploymentAssignment   `json:"active"`
	Queue       []protocol.DeploymentAssignment `json:"queue"`
	StatusByJob map[string]string               `json:"status_by_job"`
	EventByJob  map[string]string               `json:"event_by_job"`
}

// AssignmentQueueStore persists a QueueState to a JSON file. Save is
// called on every progress tick in the reference implementation, so it
// hashes the encoded state and skips the rewrite when nothing changed
// since the last call.
type AssignmentQueueStore struct {
	filePath string

	mu       sync.Mutex
	lastHash uint64
	hasHash  bool
}

// NewAssignmentQueueStore returns a store backed by filePath.
func NewAssignmentQueueStore(filePath string) *AssignmentQueueStore {
	return &AssignmentQueueStore{filePath: filePath}
}

// FilePath returns the backing file path.
func (s *AssignmentQueueStore) FilePath() string {
	return s.filePath
}

// Save writes state, replacing any previous contents. A no-op (returning
// nil) if state encodes identically to the last successful Save.
func (s *AssignmentQueueStore) Save(state QueueState) error {
	if state.Queue == nil {
		state.Queue = []protocol.DeploymentAssignment{}
	}
	if state.StatusByJob == nil {
		state.StatusByJob = map[string]string{}
	}
	if state.EventByJob == nil {
		state.EventByJob = map[string]string{}
	}

	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal queue state: %w", err)
	}

	hash := xxhash.Sum64(data)

	s.mu.Lock()
	unchanged := s.hasHash && s.lastHash == hash
	s.mu.Unlock()
	if unchanged {
		return nil
	}

	if err := writeAtomic(s.filePath, data, 0600); err != nil {
		return err
	}

	s.mu.Lock()
	s.lastHash = hash
	s.hasHash = true
	s.mu.Unlock()
	return nil
}

// Load reads the persisted queue state. ok is false (with a nil error) if
// the file does not exist or its contents cannot be parsed, matching the
// reference implementation's load() returning false without raising for
// both cases.
func (s *AssignmentQueueStore) Load() (QueueState, bool, error) {
	data, err := os.ReadFile(s.filePath)
	if os.IsNotExist(err) {
		return QueueState{}, false, nil
	}
	if err != nil {
		return QueueState{}, false, fmt.Errorf("store: read %s: %w", s.filePath, err)
	}

	var state QueueState
	if err := json.Unmarshal(data, &state); err != nil {
		return QueueState{}, false, nil
	}
	return state, true, nil
}
