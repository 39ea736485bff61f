package scheduler

import (
	"testing"
	"time"

	"github.com/artemis/fleetmigrate/internal/mapping"
	"github.com/artemis/fleetmigrate/internal/protocol"
)

func destination(id string) protocol.Destination {
	d := protocol.NewDestination()
	d.DestinationID = id
	return d
}

func drain(t *testing.T, events <-chan Event, n int) []Event {
	t.Helper()
	out := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		select {
		case ev := <-events:
			out = append(out, ev)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d of %d (got %d)", i, n, len(out))
		}
	}
	return out
}

func TestStartDeploymentOneToManyEnqueuesPerDestination(t *testing.T) {
	s := New()
	events := s.Subscribe()

	m := mapping.CreateOneToMany(
		mapping.SourceProfile{Username: "alice", ProfileSizeBytes: 100},
		[]protocol.Destination{destination("D1"), destination("D2")},
	)
	s.StartDeployment(m)

	if s.TotalJobs() != 2 {
		t.Fatalf("TotalJobs = %d, want 2", s.TotalJobs())
	}
	if len(s.ActiveJobs()) != 2 {
		t.Fatalf("ActiveJobs = %d, want 2 (under default concurrency cap)", len(s.ActiveJobs()))
	}

	ev := drain(t, events, 1)
	if ev[0].Type != DeploymentStarted {
		t.Errorf("first event = %v, want DeploymentStarted", ev[0].Type)
	}
}

func TestConcurrencyCapLimitsActiveJobs(t *testing.T) {
	s := New()
	s.SetMaxConcurrentTransfers(1)

	m := mapping.CreateOneToMany(
		mapping.SourceProfile{Username: "alice", ProfileSizeBytes: 100},
		[]protocol.Destination{destination("D1"), destination("D2"), destination("D3")},
	)
	s.StartDeployment(m)

	if len(s.ActiveJobs()) != 1 {
		t.Fatalf("ActiveJobs = %d, want 1", len(s.ActiveJobs()))
	}
	if s.TotalJobs() != 3 {
		t.Fatalf("TotalJobs = %d, want 3", s.TotalJobs())
	}
}

func TestHighestPriorityJobStartsFirst(t *testing.T) {
	s := New()
	s.SetMaxConcurrentTransfers(1)

	m := mapping.CreateManyToMany(
		[]mapping.SourceProfile{{Username: "alice"}, {Username: "bob"}},
		[]protocol.Destination{destination("D1"), destination("D2")},
	)
	s.StartDeployment(m)

	active := s.ActiveJobs()
	if len(active) != 1 {
		t.Fatalf("expected exactly one active job, got %d", len(active))
	}
	firstJobID := active[0].JobID

	// Find the still-queued job and boost its priority above the active one.
	for _, job := range s.AllJobs() {
		if job.JobID != firstJobID {
			s.SetJobPriority(job.JobID, protocol.PriorityCritical)
		}
	}

	// Complete the active job so the next admission round runs.
	s.MarkJobComplete(firstJobID, true, "")

	active = s.ActiveJobs()
	if len(active) != 1 {
		t.Fatalf("expected one active job after completion, got %d", len(active))
	}
	if active[0].JobID == firstJobID {
		t.Error("expected the critical-priority job to be admitted next")
	}
}

func TestMarkJobCompleteEmitsDeploymentCompleteWhenDone(t *testing.T) {
	s := New()
	events := s.Subscribe()

	m := mapping.CreateOneToMany(
		mapping.SourceProfile{Username: "alice", ProfileSizeBytes: 100},
		[]protocol.Destination{destination("D1")},
	)
	s.StartDeployment(m)
	drain(t, events, 3) // DeploymentStarted, JobStartRequested, JobStarted

	active := s.ActiveJobs()
	if len(active) != 1 {
		t.Fatalf("expected one active job, got %d", len(active))
	}
	jobID := active[0].JobID

	s.MarkJobComplete(jobID, true, "")

	found := false
	for i := 0; i < 4; i++ {
		select {
		case ev := <-events:
			if ev.Type == DeploymentComplete {
				found = true
				if !ev.Success {
					t.Error("expected successful deployment completion")
				}
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for DeploymentComplete")
		}
		if found {
			break
		}
	}
	if !found {
		t.Error("expected a DeploymentComplete event")
	}

	if s.CompletedJobs() != 1 {
		t.Errorf("CompletedJobs = %d, want 1", s.CompletedJobs())
	}
}

func TestCancelJobMarksFailedAndRemovesFromQueue(t *testing.T) {
	s := New()
	s.SetMaxConcurrentTransfers(1)

	m := mapping.CreateOneToMany(
		mapping.SourceProfile{Username: "alice", ProfileSizeBytes: 100},
		[]protocol.Destination{destination("D1"), destination("D2")},
	)
	s.StartDeployment(m)

	var queuedJobID string
	for _, job := range s.AllJobs() {
		if job.Status == "queued" {
			queuedJobID = job.JobID
		}
	}
	if queuedJobID == "" {
		t.Fatal("expected a queued job")
	}

	s.CancelJob(queuedJobID)

	status, ok := s.JobStatus(queuedJobID)
	if !ok || status.Status != "canceled" {
		t.Errorf("status = %+v, want canceled", status)
	}
	if s.FailedJobs() != 1 {
		t.Errorf("FailedJobs = %d, want 1", s.FailedJobs())
	}
}

func TestRetryJobSchedulesExponentialBackoff(t *testing.T) {
	s := New()
	s.SetRetryBackoff(1000, 60000)

	m := mapping.CreateOneToMany(
		mapping.SourceProfile{Username: "alice", ProfileSizeBytes: 100},
		[]protocol.Destination{destination("D1")},
	)
	s.StartDeployment(m)

	jobID := s.ActiveJobs()[0].JobID
	s.RetryJob(jobID)

	status, ok := s.JobStatus(jobID)
	if !ok || status.Status != "retry_scheduled" || status.RetryCount != 1 {
		t.Errorf("status = %+v", status)
	}

	// Not yet eligible: no job should be active immediately after the retry
	// since the 1000ms backoff has not elapsed and nothing else is queued.
	if len(s.ActiveJobs()) != 0 {
		t.Errorf("ActiveJobs = %d, want 0 immediately after scheduling a retry", len(s.ActiveJobs()))
	}
}

func TestPauseDeploymentThenResume(t *testing.T) {
	s := New()

	m := mapping.CreateOneToMany(
		mapping.SourceProfile{Username: "alice", ProfileSizeBytes: 100},
		[]protocol.Destination{destination("D1")},
	)
	s.StartDeployment(m)
	jobID := s.ActiveJobs()[0].JobID

	s.PauseDeployment()
	status, _ := s.JobStatus(jobID)
	if status.Status != "paused" {
		t.Errorf("status after pause = %q, want paused", status.Status)
	}

	s.ResumeDeployment()
	status, _ = s.JobStatus(jobID)
	if status.Status != "transferring" {
		t.Errorf("status after resume = %q, want transferring", status.Status)
	}
}

func TestCancelDeploymentCancelsQueuedAndEmitsFailedCompletion(t *testing.T) {
	s := New()
	s.SetMaxConcurrentTransfers(1)
	events := s.Subscribe()

	m := mapping.CreateOneToMany(
		mapping.SourceProfile{Username: "alice", ProfileSizeBytes: 100},
		[]protocol.Destination{destination("D1"), destination("D2")},
	)
	s.StartDeployment(m)
	drain(t, events, 3)

	s.CancelDeployment()

	var sawComplete bool
	for i := 0; i < 5; i++ {
		select {
		case ev := <-events:
			if ev.Type == DeploymentComplete {
				sawComplete = true
				if ev.Success {
					t.Error("expected unsuccessful completion after cancel")
				}
			}
		case <-time.After(time.Second):
			i = 5
		}
	}
	if !sawComplete {
		t.Error("expected a DeploymentComplete event after CancelDeployment")
	}

	for _, job := range s.AllJobs() {
		if job.Status != "canceled" {
			t.Errorf("job %s status = %q, want canceled", job.JobID, job.Status)
		}
	}
}

func TestRebalanceBandwidthWeightsByPriority(t *testing.T) {
	s := New()
	s.SetGlobalBandwidthLimit(10) // 10 Mbps = 10240 kbps
	events := s.Subscribe()

	m := mapping.CreateManyToMany(
		[]mapping.SourceProfile{{Username: "alice"}, {Username: "bob"}},
		[]protocol.Destination{destination("D1"), destination("D2")},
	)
	s.StartDeployment(m)

	jobs := s.AllJobs()
	s.SetJobPriority(jobs[0].JobID, protocol.PriorityCritical)
	s.SetJobPriority(jobs[1].JobID, protocol.PriorityLow)

	var total int
	seen := map[string]bool{}
	timeout := time.After(time.Second)
loop:
	for len(seen) < 2 {
		select {
		case ev := <-events:
			if ev.Type == JobBandwidthUpdateRequested {
				seen[ev.JobID] = true
				total += ev.MaxBandwidthKbps
			}
		case <-timeout:
			break loop
		}
	}

	if len(seen) != 2 {
		t.Fatalf("expected bandwidth updates for both jobs, got %d", len(seen))
	}
	if total == 0 || total > 10*1024 {
		t.Errorf("total assigned kbps = %d, want >0 and <= 10240", total)
	}
}
