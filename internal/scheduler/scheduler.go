// Package scheduler runs a priority-ordered, bandwidth-limited pool of
// transfer jobs for a single deployment: admission up to a concurrency cap,
// retry with exponential backoff, and weighted bandwidth rebalancing.
package scheduler

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"

	"github.com/artemis/fleetmigrate/internal/mapping"
	"github.com/artemis/fleetmigrate/internal/protocol"
)

// TransferJob is one source-to-destination transfer within a deployment.
type TransferJob struct {
	JobID            string
	Source           mapping.SourceProfile
	Destination      protocol.Destination
	BytesTransferred int64
	TotalBytes       int64
	SpeedMbps        float64
	Status           string // queued, transferring, paused, retry_scheduled, complete, failed, canceled
	RetryCount       int
	Priority         protocol.Priority
	ErrorMessage     string
	StartedAt        time.Time
	UpdatedAt        time.Time
}

// EventType distinguishes the scheduler's lifecycle notifications.
type EventType string

const (
	DeploymentStarted           EventType = "deployment_started"
	DeploymentProgress          EventType = "deployment_progress"
	DeploymentComplete          EventType = "deployment_complete"
	JobStartRequested           EventType = "job_start_requested"
	JobBandwidthUpdateRequested EventType = "job_bandwidth_update_requested"
	JobPauseRequested           EventType = "job_pause_requested"
	JobResumeRequested          EventType = "job_resume_requested"
	JobCancelRequested          EventType = "job_cancel_requested"
	JobStarted                  EventType = "job_started"
	JobUpdated                  EventType = "job_updated"
	JobCompleted                EventType = "job_completed"
)

// Event carries whichever fields are relevant to its Type; callers switch on
// Type and read only the fields that type documents.
type Event struct {
	Type             EventType
	DeploymentID     string
	JobID            string
	Source           mapping.SourceProfile
	Destination      protocol.Destination
	ProgressPercent  int
	MaxBandwidthKbps int
	CompletedJobs    int
	TotalJobs        int
	Success          bool
	ErrorMessage     string
}

const (
	defaultMaxConcurrent  = 10
	defaultRetryBaseMs    = 2000
	defaultRetryMaxMs     = 60000
	retryTimerMinDelay    = 100 * time.Millisecond
	bandwidthIterationCap = 1000
)

const eventBufferSize = 256

// Scheduler manages one deployment's worth of transfer jobs at a time;
// starting a new deployment resets all prior job state.
type Scheduler struct {
	mu sync.Mutex

	currentDeploymentID string
	deploymentPaused    bool

	jobs          map[string]*TransferJob
	queue         []string // job ids waiting to start
	activeJobs    map[string]bool
	completedJobs map[string]bool
	failedJobs    map[string]bool
	retrySchedule map[string]time.Time

	maxConcurrent            int
	globalBandwidthLimitMbps int
	perJobBandwidthLimitMbps int
	retryBaseMs              int
	retryMaxMs               int
	defaultPriority          protocol.Priority

	subMu       sync.Mutex
	subscribers []chan Event

	retryWake chan struct{}
}

// New returns a Scheduler with the reference implementation's default
// concurrency cap and retry backoff.
func New() *Scheduler {
	return &Scheduler{
		jobs:            make(map[string]*TransferJob),
		activeJobs:      make(map[string]bool),
		completedJobs:   make(map[string]bool),
		failedJobs:      make(map[string]bool),
		retrySchedule:   make(map[string]time.Time),
		maxConcurrent:   defaultMaxConcurrent,
		retryBaseMs:     defaultRetryBaseMs,
		retryMaxMs:      defaultRetryMaxMs,
		defaultPriority: protocol.PriorityNormal,
		retryWake:       make(chan struct{}, 1),
	}
}

// Subscribe returns a buffered channel of future scheduler events. Intended
// for construction-time wiring, not for arbitrary external callers.
func (s *Scheduler) Subscribe() <-chan Event {
	ch := make(chan Event, eventBufferSize)
	s.subMu.Lock()
	s.subscribers = append(s.subscribers, ch)
	s.subMu.Unlock()
	return ch
}

func (s *Scheduler) emit(ev Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

func newJobID() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		for i := range b {
			b[i] = byte(time.Now().UnixNano() % 256)
		}
	}
	return hex.EncodeToString(b)
}

// SetMaxConcurrentTransfers sets the active-job cap, floored at 1, and
// admits more jobs if the new cap allows it.
func (s *Scheduler) SetMaxConcurrentTransfers(count int) {
	s.mu.Lock()
	if count < 1 {
		count = 1
	}
	s.maxConcurrent = count
	s.mu.Unlock()
	s.startNextJobs()
}

// SetGlobalBandwidthLimit sets the deployment-wide cap in Mbps (0 disables).
func (s *Scheduler) SetGlobalBandwidthLimit(mbps int) {
	s.mu.Lock()
	if mbps < 0 {
		mbps = 0
	}
	s.globalBandwidthLimitMbps = mbps
	s.mu.Unlock()
}

// SetPerJobBandwidthLimit sets the per-job cap in Mbps (0 disables).
func (s *Scheduler) SetPerJobBandwidthLimit(mbps int) {
	s.mu.Lock()
	if mbps < 0 {
		mbps = 0
	}
	s.perJobBandwidthLimitMbps = mbps
	s.mu.Unlock()
}

// SetRetryBackoff sets the exponential backoff parameters, in milliseconds.
// baseMs is floored at 100; maxMs is floored at baseMs.
func (s *Scheduler) SetRetryBackoff(baseMs, maxMs int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if baseMs < 100 {
		baseMs = 100
	}
	if maxMs < baseMs {
		maxMs = baseMs
	}
	s.retryBaseMs = baseMs
	s.retryMaxMs = maxMs
}

// SetDefaultPriority sets the priority newly enqueued jobs receive.
func (s *Scheduler) SetDefaultPriority(p protocol.Priority) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaultPriority = p
}

// StartDeployment resets all job state and enqueues one job per
// source/destination pair implied by the mapping, then begins admission.
func (s *Scheduler) StartDeployment(m mapping.DeploymentMapping) {
	s.mu.Lock()
	s.reset()

	deploymentID := m.DeploymentID
	if deploymentID == "" {
		deploymentID = newJobID()
	}
	s.currentDeploymentID = deploymentID

	switch m.Type {
	case mapping.OneToMany:
		if len(m.Sources) == 0 {
			s.mu.Unlock()
			return
		}
		source := m.Sources[0]
		for _, dest := range m.Destinations {
			s.enqueueJobLocked(source, dest)
		}
	case mapping.ManyToMany:
		n := len(m.Sources)
		if len(m.Destinations) < n {
			n = len(m.Destinations)
		}
		for i := 0; i < n; i++ {
			s.enqueueJobLocked(m.Sources[i], m.Destinations[i])
		}
	default: // mapping.CustomMapping
		destByID := make(map[string]protocol.Destination, len(m.Destinations))
		for _, d := range m.Destinations {
			destByID[d.DestinationID] = d
		}
		for _, source := range m.Sources {
			destID, ok := m.CustomRules[source.Username]
			if !ok || destID == "" {
				continue
			}
			if dest, ok := destByID[destID]; ok {
				s.enqueueJobLocked(source, dest)
			}
		}
	}
	s.mu.Unlock()

	s.emit(Event{Type: DeploymentStarted, DeploymentID: deploymentID})
	s.startNextJobs()
}

func (s *Scheduler) reset() {
	s.jobs = make(map[string]*TransferJob)
	s.queue = nil
	s.activeJobs = make(map[string]bool)
	s.completedJobs = make(map[string]bool)
	s.failedJobs = make(map[string]bool)
	s.retrySchedule = make(map[string]time.Time)
	s.deploymentPaused = false
}

func (s *Scheduler) enqueueJobLocked(source mapping.SourceProfile, dest protocol.Destination) {
	job := &TransferJob{
		JobID:       newJobID(),
		Source:      source,
		Destination: dest,
		TotalBytes:  source.ProfileSizeBytes,
		Status:      "queued",
		Priority:    s.defaultPriority,
		UpdatedAt:   time.Now(),
	}
	s.jobs[job.JobID] = job
	s.queue = append(s.queue, job.JobID)
}

// PauseDeployment marks every active job paused; queued jobs are unaffected.
func (s *Scheduler) PauseDeployment() {
	s.mu.Lock()
	s.deploymentPaused = true
	var toNotify []string
	for jobID := range s.activeJobs {
		if job, ok := s.jobs[jobID]; ok {
			job.Status = "paused"
			toNotify = append(toNotify, jobID)
		}
	}
	s.mu.Unlock()

	for _, jobID := range toNotify {
		s.emit(Event{Type: JobPauseRequested, JobID: jobID})
	}
}

// ResumeDeployment marks every active job transferring again and resumes
// admission.
func (s *Scheduler) ResumeDeployment() {
	s.mu.Lock()
	s.deploymentPaused = false
	var toNotify []string
	for jobID := range s.activeJobs {
		if job, ok := s.jobs[jobID]; ok {
			job.Status = "transferring"
			toNotify = append(toNotify, jobID)
		}
	}
	s.mu.Unlock()

	for _, jobID := range toNotify {
		s.emit(Event{Type: JobResumeRequested, JobID: jobID})
	}
	s.startNextJobs()
	s.rebalanceBandwidth()
}

// CancelDeployment cancels every active and queued job and emits a failed
// DeploymentComplete.
func (s *Scheduler) CancelDeployment() {
	s.mu.Lock()
	var toCancel []string
	for jobID := range s.activeJobs {
		toCancel = append(toCancel, jobID)
	}
	for _, jobID := range s.queue {
		if job, ok := s.jobs[jobID]; ok {
			job.Status = "canceled"
		}
	}
	s.activeJobs = make(map[string]bool)
	s.queue = nil
	s.retrySchedule = make(map[string]time.Time)
	deploymentID := s.currentDeploymentID
	s.mu.Unlock()

	for _, jobID := range toCancel {
		s.emit(Event{Type: JobCancelRequested, JobID: jobID})
	}
	s.emitProgress()
	s.emit(Event{Type: DeploymentComplete, DeploymentID: deploymentID, Success: false})
}

// PauseJob marks a single job paused, regardless of its current status.
func (s *Scheduler) PauseJob(jobID string) {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if ok {
		job.Status = "paused"
	}
	s.mu.Unlock()
	if ok {
		s.emit(Event{Type: JobPauseRequested, JobID: jobID})
	}
}

// ResumeJob marks a single job transferring and resumes admission.
func (s *Scheduler) ResumeJob(jobID string) {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if ok {
		job.Status = "transferring"
	}
	s.mu.Unlock()
	if ok {
		s.emit(Event{Type: JobResumeRequested, JobID: jobID})
	}
	s.startNextJobs()
}

// RetryJob reschedules a job for retry after an exponential backoff delay:
// min(retryBaseMs*2^min(retryCount-1,6), retryMaxMs) from now.
func (s *Scheduler) RetryJob(jobID string) {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return
	}

	job.RetryCount++
	job.Status = "retry_scheduled"
	job.ErrorMessage = ""
	job.BytesTransferred = 0
	job.UpdatedAt = time.Now()

	delete(s.failedJobs, jobID)
	delete(s.activeJobs, jobID)

	shift := job.RetryCount - 1
	if shift > 6 {
		shift = 6
	}
	if shift < 0 {
		shift = 0
	}
	delayMs := s.retryBaseMs << shift
	if delayMs > s.retryMaxMs {
		delayMs = s.retryMaxMs
	}
	s.retrySchedule[jobID] = time.Now().Add(time.Duration(delayMs) * time.Millisecond)

	found := false
	for _, id := range s.queue {
		if id == jobID {
			found = true
			break
		}
	}
	if !found {
		s.queue = append(s.queue, jobID)
	}
	s.mu.Unlock()

	s.wakeRetryTimer()
}

// CancelJob cancels a single job immediately, counting it as failed, and
// completes the deployment if that was the last outstanding job.
func (s *Scheduler) CancelJob(jobID string) {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return
	}
	job.Status = "canceled"
	job.UpdatedAt = time.Now()

	s.queue = removeID(s.queue, jobID)
	delete(s.activeJobs, jobID)
	s.failedJobs[jobID] = true
	delete(s.retrySchedule, jobID)

	complete := s.isDeploymentCompleteLocked()
	deploymentID := s.currentDeploymentID
	s.mu.Unlock()

	s.emit(Event{Type: JobCancelRequested, JobID: jobID})
	s.emit(Event{Type: JobCompleted, JobID: jobID, Success: false, ErrorMessage: "canceled"})
	s.emitProgress()

	if complete {
		s.emit(Event{Type: DeploymentComplete, DeploymentID: deploymentID, Success: false})
	} else {
		s.startNextJobs()
	}
}

// SetJobPriority changes a job's priority and re-evaluates admission.
func (s *Scheduler) SetJobPriority(jobID string, priority protocol.Priority) {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if ok {
		job.Priority = priority
	}
	s.mu.Unlock()
	if ok {
		s.startNextJobs()
	}
}

// ActiveJobs returns a snapshot of every currently active job.
func (s *Scheduler) ActiveJobs() []TransferJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TransferJob, 0, len(s.activeJobs))
	for jobID := range s.activeJobs {
		if job, ok := s.jobs[jobID]; ok {
			out = append(out, *job)
		}
	}
	return out
}

// AllJobs returns a snapshot of every job known to the scheduler.
func (s *Scheduler) AllJobs() []TransferJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TransferJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, *job)
	}
	return out
}

// JobStatus returns the given job, or the zero value if unknown.
func (s *Scheduler) JobStatus(jobID string) (TransferJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return TransferJob{}, false
	}
	return *job, true
}

// CurrentDeploymentID returns the id of the deployment the scheduler is
// currently running, or "" if none has been started.
func (s *Scheduler) CurrentDeploymentID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentDeploymentID
}

// TotalJobs, CompletedJobs, and FailedJobs report deployment-wide counts.
func (s *Scheduler) TotalJobs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

func (s *Scheduler) CompletedJobs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.completedJobs)
}

func (s *Scheduler) FailedJobs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.failedJobs)
}

// UpdateJobProgress records progress reported by the transfer worker and
// emits JobUpdated.
func (s *Scheduler) UpdateJobProgress(jobID string, progressPercent int, bytesTransferred, totalBytes int64, speedMbps float64) {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return
	}
	job.Status = "transferring"
	job.BytesTransferred = bytesTransferred
	job.TotalBytes = totalBytes
	job.SpeedMbps = speedMbps
	job.UpdatedAt = time.Now()
	s.mu.Unlock()

	s.emit(Event{Type: JobUpdated, JobID: jobID, ProgressPercent: progressPercent})
	s.emitProgress()
}

// MarkJobComplete records a job's terminal outcome and either completes the
// deployment or admits more jobs and rebalances bandwidth.
func (s *Scheduler) MarkJobComplete(jobID string, success bool, errorMessage string) {
	s.mu.Lock()
	job, ok := s.jobs[jobID]
	if !ok {
		s.mu.Unlock()
		return
	}
	if success {
		job.Status = "complete"
	} else {
		job.Status = "failed"
	}
	job.ErrorMessage = errorMessage
	job.UpdatedAt = time.Now()

	delete(s.activeJobs, jobID)
	delete(s.retrySchedule, jobID)
	if success {
		s.completedJobs[jobID] = true
	} else {
		s.failedJobs[jobID] = true
	}

	complete := s.isDeploymentCompleteLocked()
	deploymentID := s.currentDeploymentID
	allSucceeded := len(s.failedJobs) == 0
	s.mu.Unlock()

	s.emit(Event{Type: JobCompleted, JobID: jobID, Success: success, ErrorMessage: errorMessage})
	s.emitProgress()

	if complete {
		s.emit(Event{Type: DeploymentComplete, DeploymentID: deploymentID, Success: allSucceeded})
		return
	}
	s.startNextJobs()
	s.rebalanceBandwidth()
}

func (s *Scheduler) emitProgress() {
	s.mu.Lock()
	total := len(s.jobs)
	completed := len(s.completedJobs)
	s.mu.Unlock()
	s.emit(Event{Type: DeploymentProgress, CompletedJobs: completed, TotalJobs: total})
}

func (s *Scheduler) isDeploymentCompleteLocked() bool {
	total := len(s.jobs)
	return total > 0 && len(s.completedJobs)+len(s.failedJobs) >= total
}

// startNextJobs admits the highest-priority eligible queued job repeatedly
// until the concurrency cap is reached or no job is eligible. A job is
// eligible if it is not canceled and (if retry-scheduled) its retry
// deadline has passed. Ties break in favor of the job found first in queue
// order.
func (s *Scheduler) startNextJobs() {
	for {
		s.mu.Lock()
		if s.deploymentPaused {
			s.mu.Unlock()
			return
		}
		if len(s.queue) == 0 || len(s.activeJobs) >= s.maxConcurrent {
			s.mu.Unlock()
			if len(s.queue) != 0 {
				s.wakeRetryTimerLocked()
			}
			break
		}

		now := time.Now()
		bestIndex := -1
		bestScore := -1
		for i, jobID := range s.queue {
			job, ok := s.jobs[jobID]
			if !ok || job.Status == "canceled" {
				continue
			}
			if deadline, scheduled := s.retrySchedule[jobID]; scheduled && deadline.After(now) {
				continue
			}
			score := job.Priority.Score()
			if score > bestScore {
				bestScore = score
				bestIndex = i
			}
		}

		if bestIndex < 0 {
			s.mu.Unlock()
			s.wakeRetryTimer()
			break
		}

		jobID := s.queue[bestIndex]
		s.queue = append(s.queue[:bestIndex], s.queue[bestIndex+1:]...)

		job, ok := s.jobs[jobID]
		if !ok || job.Status == "canceled" {
			s.mu.Unlock()
			continue
		}

		job.Status = "transferring"
		job.StartedAt = time.Now()
		job.UpdatedAt = job.StartedAt
		s.activeJobs[jobID] = true
		source, dest := job.Source, job.Destination
		s.mu.Unlock()

		s.emit(Event{Type: JobStartRequested, JobID: jobID, Source: source, Destination: dest})
		s.emit(Event{Type: JobStarted, JobID: jobID})
	}

	s.rebalanceBandwidth()
}

func removeID(ids []string, target string) []string {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

// rebalanceBandwidth splits the global bandwidth cap across active jobs,
// weighted by priorityScore()+1, distributing any remainder greedily among
// jobs still under their per-job cap (bounded at 1000 iterations to
// guarantee termination).
func (s *Scheduler) rebalanceBandwidth() {
	s.mu.Lock()
	if s.globalBandwidthLimitMbps <= 0 || len(s.activeJobs) == 0 {
		s.mu.Unlock()
		return
	}

	totalKbps := s.globalBandwidthLimitMbps * 1024
	perJobCapKbps := totalKbps
	if s.perJobBandwidthLimitMbps > 0 {
		perJobCapKbps = s.perJobBandwidthLimitMbps * 1024
	}

	type allocation struct {
		jobID    string
		weight   int
		cap      int
		assigned int
	}

	allocations := make([]allocation, 0, len(s.activeJobs))
	totalWeight := 0
	for jobID := range s.activeJobs {
		job := s.jobs[jobID]
		weight := job.Priority.Score() + 1
		if weight < 1 {
			weight = 1
		}
		allocations = append(allocations, allocation{jobID: jobID, weight: weight, cap: perJobCapKbps})
		totalWeight += weight
	}
	if totalWeight <= 0 {
		totalWeight = len(allocations)
		for i := range allocations {
			allocations[i].weight = 1
		}
	}

	assignedTotal := 0
	for i := range allocations {
		desired := int((int64(totalKbps) * int64(allocations[i].weight)) / int64(totalWeight))
		if desired < 1 {
			desired = 1
		}
		if desired > allocations[i].cap {
			desired = allocations[i].cap
		}
		allocations[i].assigned = desired
		assignedTotal += desired
	}

	remaining := totalKbps - assignedTotal
	if remaining > 0 {
		for iterations := 0; remaining > 0 && iterations < bandwidthIterationCap; iterations++ {
			weightSum := 0
			for _, a := range allocations {
				if a.assigned < a.cap {
					weightSum += a.weight
				}
			}
			if weightSum <= 0 {
				break
			}

			progress := false
			for i := range allocations {
				if allocations[i].assigned >= allocations[i].cap {
					continue
				}
				slice := int((int64(remaining) * int64(allocations[i].weight)) / int64(weightSum))
				if slice < 1 {
					slice = 1
				}
				delta := allocations[i].cap - allocations[i].assigned
				if delta > slice {
					delta = slice
				}
				if delta > 0 {
					allocations[i].assigned += delta
					remaining -= delta
					progress = true
					if remaining <= 0 {
						break
					}
				}
			}
			if !progress {
				break
			}
		}
	}
	s.mu.Unlock()

	for _, a := range allocations {
		s.emit(Event{Type: JobBandwidthUpdateRequested, JobID: a.jobID, MaxBandwidthKbps: a.assigned})
	}
}

func (s *Scheduler) wakeRetryTimer() {
	select {
	case s.retryWake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) wakeRetryTimerLocked() {
	s.wakeRetryTimer()
}

// RunRetryLoop drives retry admission until ctx is canceled: it sleeps
// until the soonest scheduled retry deadline (or indefinitely, if none is
// scheduled), then calls startNextJobs. RetryJob and CancelDeployment wake
// it early so a newly scheduled or cleared retry is noticed immediately.
// Intended to run as a single long-lived goroutine per Scheduler.
func (s *Scheduler) RunRetryLoop(stop <-chan struct{}) {
	for {
		s.mu.Lock()
		var soonest time.Time
		for _, deadline := range s.retrySchedule {
			if soonest.IsZero() || deadline.Before(soonest) {
				soonest = deadline
			}
		}
		s.mu.Unlock()

		var wait <-chan time.Time
		var timer *time.Timer
		if !soonest.IsZero() {
			delay := time.Until(soonest)
			if delay < retryTimerMinDelay {
				delay = retryTimerMinDelay
			}
			timer = time.NewTimer(delay)
			wait = timer.C
		}

		select {
		case <-stop:
			if timer != nil {
				timer.Stop()
			}
			return
		case <-s.retryWake:
			if timer != nil {
				timer.Stop()
			}
		case <-wait:
			s.startNextJobs()
		}
	}
}
