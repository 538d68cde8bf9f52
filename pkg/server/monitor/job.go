package monitor

import (
	"sync"
	"time"
)

// maxConsecutiveErrors is how many failed runs in a row a job may have
// before it is reported unhealthy
const maxConsecutiveErrors = 3

// JobMonitor tracks run history and health of one periodic job
type JobMonitor struct {
	name       string
	staleAfter time.Duration

	mu                sync.RWMutex
	running           bool
	lastStart         time.Time
	lastSuccess       time.Time
	lastAttempt       time.Time
	lastDuration      time.Duration
	consecutiveErrors int
	lastError         string
	runs              uint64
	skipped           uint64
}

// NewJobMonitor creates a monitor. A job whose last success is older than
// staleAfter is unhealthy; zero disables the staleness check.
func NewJobMonitor(name string, staleAfter time.Duration) *JobMonitor {
	return &JobMonitor{name: name, staleAfter: staleAfter}
}

// Name returns the job name
func (jm *JobMonitor) Name() string {
	return jm.name
}

// RecordStart marks the job Running
func (jm *JobMonitor) RecordStart() {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	jm.running = true
	jm.lastStart = time.Now()
}

// RecordSuccess records a completed run
func (jm *JobMonitor) RecordSuccess() {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	now := time.Now()
	jm.finish(now)
	jm.lastSuccess = now
	jm.consecutiveErrors = 0
	jm.lastError = ""
}

// RecordFailure records a run that returned an error or panicked
func (jm *JobMonitor) RecordFailure(err error) {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	jm.finish(time.Now())
	jm.consecutiveErrors++
	if err != nil {
		jm.lastError = err.Error()
	}
}

// RecordSkip counts a tick dropped because the previous run was still going
func (jm *JobMonitor) RecordSkip() {
	jm.mu.Lock()
	defer jm.mu.Unlock()
	jm.skipped++
}

func (jm *JobMonitor) finish(now time.Time) {
	jm.running = false
	jm.lastAttempt = now
	jm.runs++
	if !jm.lastStart.IsZero() {
		jm.lastDuration = now.Sub(jm.lastStart)
	}
}

// IsHealthy returns true if the job is working properly.
// Unhealthy conditions:
//   - Ran at least once but never succeeded
//   - Last success older than staleAfter
//   - More than 3 consecutive failures
//
// A job that has not run yet counts as healthy.
func (jm *JobMonitor) IsHealthy() bool {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return jm.healthyLocked()
}

func (jm *JobMonitor) healthyLocked() bool {
	if jm.lastAttempt.IsZero() {
		return true
	}
	if jm.lastSuccess.IsZero() {
		return false
	}
	if jm.staleAfter > 0 && time.Since(jm.lastSuccess) > jm.staleAfter {
		return false
	}
	return jm.consecutiveErrors <= maxConsecutiveErrors
}

// JobStatus is the health-check view of a job
type JobStatus struct {
	Name              string `json:"name"`
	State             string `json:"state"`
	Healthy           bool   `json:"healthy"`
	Runs              uint64 `json:"runs"`
	Skipped           uint64 `json:"skipped,omitempty"`
	LastSuccess       string `json:"last_success,omitempty"`
	TimeSinceSuccess  string `json:"time_since_success,omitempty"`
	LastAttempt       string `json:"last_attempt,omitempty"`
	LastDuration      string `json:"last_duration,omitempty"`
	ConsecutiveErrors int    `json:"consecutive_errors,omitempty"`
	LastError         string `json:"last_error,omitempty"`
}

// Status returns a snapshot for health checks
func (jm *JobMonitor) Status() JobStatus {
	jm.mu.RLock()
	defer jm.mu.RUnlock()

	status := JobStatus{
		Name:    jm.name,
		State:   "idle",
		Healthy: jm.healthyLocked(),
		Runs:    jm.runs,
		Skipped: jm.skipped,
	}
	if jm.running {
		status.State = "running"
	}

	if !jm.lastSuccess.IsZero() {
		status.LastSuccess = jm.lastSuccess.Format(time.RFC3339)
		status.TimeSinceSuccess = time.Since(jm.lastSuccess).Round(time.Second).String()
	}
	if !jm.lastAttempt.IsZero() {
		status.LastAttempt = jm.lastAttempt.Format(time.RFC3339)
		status.LastDuration = jm.lastDuration.String()
	}
	if jm.consecutiveErrors > 0 {
		status.ConsecutiveErrors = jm.consecutiveErrors
		status.LastError = jm.lastError
	}
	return status
}
