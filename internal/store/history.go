package store

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// HistoryEntry is one completed (or failed) deployment's record.
type HistoryEntry struct {
	DeploymentID  string    `json:"deployment_id"`
	StartedAt     time.Time `json:"started_at"`
	CompletedAt   time.Time `json:"completed_at"`
	TotalJobs     int       `json:"total_jobs"`
	CompletedJobs int       `json:"completed_jobs"`
	FailedJobs    int       `json:"failed_jobs"`
	Status        string    `json:"status"`
	TemplatePath  string    `json:"template_path"`
}

// HistoryManager persists deployment history as an append-only JSON array.
type HistoryManager struct {
	path string
}

// NewHistoryManager returns a manager backed by path.
func NewHistoryManager(path string) *HistoryManager {
	return &HistoryManager{path: path}
}

// HistoryPath returns the backing file path.
func (m *HistoryManager) HistoryPath() string {
	return m.path
}

// LoadEntries returns every recorded entry, oldest first. A missing file
// yields an empty slice, not an error.
func (m *HistoryManager) LoadEntries() ([]HistoryEntry, error) {
	data, err := os.ReadFile(m.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: read %s: %w", m.path, err)
	}

	var entries []HistoryEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("store: parse %s: %w", m.path, err)
	}
	return entries, nil
}

// AppendEntry loads the existing history, appends entry, and rewrites the
// whole file atomically.
func (m *HistoryManager) AppendEntry(entry HistoryEntry) error {
	entries, err := m.LoadEntries()
	if err != nil {
		return err
	}
	entries = append(entries, entry)

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal history: %w", err)
	}
	return writeAtomic(m.path, data, 0600)
}

// ExportCSV writes the full history as a flat CSV, one row per entry.
func (m *HistoryManager) ExportCSV(filePath string) error {
	entries, err := m.LoadEntries()
	if err != nil {
		return err
	}

	rows := make([][]string, 0, len(entries)+1)
	rows = append(rows, []string{
		"deployment_id", "started_at", "completed_at", "total_jobs",
		"completed_jobs", "failed_jobs", "status", "template_path",
	})
	for _, e := range entries {
		rows = append(rows, []string{
			e.DeploymentID,
			e.StartedAt.Format(time.RFC3339),
			e.CompletedAt.Format(time.RFC3339),
			fmt.Sprintf("%d", e.TotalJobs),
			fmt.Sprintf("%d", e.CompletedJobs),
			fmt.Sprintf("%d", e.FailedJobs),
			e.Status,
			e.TemplatePath,
		})
	}

	return writeCSV(filePath, rows)
}
