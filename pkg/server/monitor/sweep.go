package monitor

import (
	"sync"
	"time"

	"github.com/nicktill/tinysync/pkg/tiering"
)

// DefaultSweepMaxAge is how long after the last successful sweep the
// monitor still reports healthy
const DefaultSweepMaxAge = 2 * time.Hour

// SweepMonitor tracks hot-to-cold sweep health and failures.
type SweepMonitor struct {
	// MaxAge without a successful sweep before reporting unhealthy.
	// Zero uses DefaultSweepMaxAge.
	MaxAge time.Duration

	mu                sync.RWMutex
	lastSuccess       time.Time
	lastAttempt       time.Time
	consecutiveErrors int
	lastError         string
	lastResult        *tiering.Result
	totalArchived     int
}

// RecordSuccess records a completed sweep and its result.
func (sm *SweepMonitor) RecordSuccess(res tiering.Result) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	now := time.Now()
	sm.lastSuccess = now
	sm.lastAttempt = now
	sm.consecutiveErrors = 0
	sm.lastError = ""
	sm.lastResult = &res
	sm.totalArchived += res.Archived
}

// RecordFailure records a failed sweep.
func (sm *SweepMonitor) RecordFailure(err error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.lastAttempt = time.Now()
	sm.consecutiveErrors++
	if err != nil {
		sm.lastError = err.Error()
	}
}

// IsHealthy returns true if sweeps are running.
// Unhealthy conditions:
//   - Never succeeded
//   - No success within MaxAge
//   - More than 3 consecutive failures
func (sm *SweepMonitor) IsHealthy() bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.healthyLocked()
}

func (sm *SweepMonitor) healthyLocked() bool {
	maxAge := sm.MaxAge
	if maxAge <= 0 {
		maxAge = DefaultSweepMaxAge
	}
	if sm.lastSuccess.IsZero() {
		return false
	}
	if time.Since(sm.lastSuccess) > maxAge {
		return false
	}
	return sm.consecutiveErrors <= 3
}

// SweepStatus is the sweep section of the health check.
type SweepStatus struct {
	Healthy           bool            `json:"healthy"`
	LastSuccess       string          `json:"last_success,omitempty"`
	TimeSinceSuccess  string          `json:"time_since_success,omitempty"`
	LastAttempt       string          `json:"last_attempt,omitempty"`
	ConsecutiveErrors int             `json:"consecutive_errors,omitempty"`
	LastError         string          `json:"last_error,omitempty"`
	LastResult        *tiering.Result `json:"last_result,omitempty"`
	TotalArchived     int             `json:"total_archived"`
}

// Status returns current sweep status for health checks.
func (sm *SweepMonitor) Status() SweepStatus {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	status := SweepStatus{
		Healthy:       sm.healthyLocked(),
		LastResult:    sm.lastResult,
		TotalArchived: sm.totalArchived,
	}
	if !sm.lastSuccess.IsZero() {
		status.LastSuccess = sm.lastSuccess.Format(time.RFC3339)
		status.TimeSinceSuccess = time.Since(sm.lastSuccess).Round(time.Second).String()
	}
	if !sm.lastAttempt.IsZero() {
		status.LastAttempt = sm.lastAttempt.Format(time.RFC3339)
	}
	if sm.consecutiveErrors > 0 {
		status.ConsecutiveErrors = sm.consecutiveErrors
		status.LastError = sm.lastError
	}
	return status
}

// LastSuccess returns the time of the last successful sweep (zero if none)
func (sm *SweepMonitor) LastSuccess() time.Time {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.lastSuccess
}
