package store

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"time"
)

// JobSummary is one transfer job's final outcome, as recorded in a
// deployment summary report.
type JobSummary struct {
	JobID            string
	SourceUser       string
	DestinationID    string
	Status           string
	BytesTransferred int64
	TotalBytes       int64
	ErrorMessage     string
}

// DestinationSummary is one destination's final state, as recorded in a
// deployment summary report.
type DestinationSummary struct {
	DestinationID   string
	Hostname        string
	IPAddress       string
	Status          string
	ProgressPercent int
	LastSeen        time.Time
	StatusEvents    []string
}

// ErrNotImplemented is returned by ExportSummaryPDF: PDF rendering has no
// grounded Go equivalent in this codebase's dependency set.
var ErrNotImplemented = errors.New("store: PDF export not implemented")

// ExportSummaryCSV writes a three-section report: deployment metadata,
// then one row per destination, then one row per job.
func ExportSummaryCSV(filePath, deploymentID string, startedAt, completedAt time.Time, jobs []JobSummary, destinations []DestinationSummary) error {
	var rows [][]string

	rows = append(rows,
		[]string{"Deployment Summary"},
		[]string{"deployment_id", deploymentID},
		[]string{"started_at", startedAt.Format(time.RFC3339)},
		[]string{"completed_at", completedAt.Format(time.RFC3339)},
		[]string{},
		[]string{"Destinations"},
		[]string{"destination_id", "hostname", "ip_address", "status", "progress_percent", "last_seen", "events"},
	)
	for _, d := range destinations {
		rows = append(rows, []string{
			d.DestinationID,
			d.Hostname,
			d.IPAddress,
			d.Status,
			fmt.Sprintf("%d", d.ProgressPercent),
			d.LastSeen.Format(time.RFC3339),
			joinEvents(d.StatusEvents),
		})
	}

	rows = append(rows,
		[]string{},
		[]string{"Jobs"},
		[]string{"job_id", "source_user", "destination_id", "status", "bytes_transferred", "total_bytes", "error"},
	)
	for _, j := range jobs {
		rows = append(rows, []string{
			j.JobID,
			j.SourceUser,
			j.DestinationID,
			j.Status,
			fmt.Sprintf("%d", j.BytesTransferred),
			fmt.Sprintf("%d", j.TotalBytes),
			j.ErrorMessage,
		})
	}

	return writeCSV(filePath, rows)
}

// ExportSummaryPDF is not implemented: no PDF-rendering library is present
// anywhere in the example pack, and fabricating one would violate the
// no-invented-dependencies rule. Callers should surface ErrNotImplemented
// as a feature gap, not a hard failure.
func ExportSummaryPDF(filePath, deploymentID string, startedAt, completedAt time.Time, jobs []JobSummary, destinations []DestinationSummary) error {
	return ErrNotImplemented
}

func joinEvents(events []string) string {
	out := ""
	for i, e := range events {
		if i > 0 {
			out += " | "
		}
		out += e
	}
	return out
}

func writeCSV(filePath string, rows [][]string) error {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	for _, row := range rows {
		if err := w.Write(row); err != nil {
			return fmt.Errorf("store: write csv row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("store: flush csv: %w", err)
	}

	return writeAtomic(filePath, buf.Bytes(), 0644)
}
