package transfer

import (
	"context"
	"testing"
	"time"

	"github.com/artemis/fleetmigrate/internal/mapping"
	"github.com/artemis/fleetmigrate/internal/protocol"
	"github.com/artemis/fleetmigrate/internal/scheduler"
)

func testJob(jobID string) scheduler.TransferJob {
	return scheduler.TransferJob{
		JobID:      jobID,
		Source:     mapping.SourceProfile{Username: "alice", ProfileSizeBytes: 100},
		TotalBytes: 100,
		Priority:   protocol.PriorityNormal,
	}
}

func testDestination(id string) protocol.Destination {
	d := protocol.NewDestination()
	d.DestinationID = id
	return d
}

func TestNewLauncherRejectsUnknownDriver(t *testing.T) {
	_, err := NewLauncher(Config{Driver: "carrier-pigeon"}, nil)
	if err == nil {
		t.Fatal("expected an error for an unknown driver")
	}
}

func TestNewLauncherShellRequiresCommand(t *testing.T) {
	_, err := NewLauncher(Config{Driver: DriverShell}, nil)
	if err == nil {
		t.Fatal("expected an error when no command is configured")
	}
}

func TestShellLauncherReportsProgressAndCompletion(t *testing.T) {
	script := `echo '{"progress_percent":50,"bytes_transferred":50,"bytes_total":100}'; echo '{"progress_percent":100,"bytes_transferred":100,"bytes_total":100}'`
	l, err := NewLauncher(Config{Driver: DriverShell, Command: "/bin/sh", Args: []string{"-c", script}}, nil)
	if err != nil {
		t.Fatalf("NewLauncher: %v", err)
	}

	h, err := l.Launch(context.Background(), testJob("J1"), testDestination("D1"))
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	var last protocol.DeploymentProgress
	for p := range h.Progress() {
		last = p
	}
	if last.ProgressPercent != 100 || last.BytesTransferred != 100 {
		t.Errorf("last progress = %+v", last)
	}

	select {
	case completion := <-h.Done():
		if completion.Status != "completed" {
			t.Errorf("status = %q, want completed", completion.Status)
		}
		if completion.JobID != "J1" || completion.DestinationID != "D1" {
			t.Errorf("completion = %+v", completion)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for completion")
	}
}

func TestShellLauncherReportsFailureOnNonZeroExit(t *testing.T) {
	l, err := NewLauncher(Config{Driver: DriverShell, Command: "/bin/sh", Args: []string{"-c", "exit 1"}}, nil)
	if err != nil {
		t.Fatalf("NewLauncher: %v", err)
	}

	h, err := l.Launch(context.Background(), testJob("J2"), testDestination("D1"))
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	select {
	case completion := <-h.Done():
		if completion.Status != "failed" {
			t.Errorf("status = %q, want failed", completion.Status)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for completion")
	}
}

func TestShellLauncherCancelReportsCanceled(t *testing.T) {
	l, err := NewLauncher(Config{Driver: DriverShell, Command: "/bin/sh", Args: []string{"-c", "sleep 30"}}, nil)
	if err != nil {
		t.Fatalf("NewLauncher: %v", err)
	}

	h, err := l.Launch(context.Background(), testJob("J3"), testDestination("D1"))
	if err != nil {
		t.Fatalf("Launch: %v", err)
	}

	if err := h.Cancel(); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	select {
	case completion := <-h.Done():
		if completion.Status != "canceled" {
			t.Errorf("status = %q, want canceled", completion.Status)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for completion")
	}
}
