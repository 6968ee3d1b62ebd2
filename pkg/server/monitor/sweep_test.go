package monitor

import (
	"errors"
	"testing"
	"time"

	"github.com/nicktill/tinysync/pkg/tiering"
)

func TestSweepMonitor_RecordSuccess(t *testing.T) {
	sm := &SweepMonitor{}
	sm.RecordSuccess(tiering.Result{Archived: 4, Deleted: 4})
	sm.RecordSuccess(tiering.Result{Archived: 2, Deleted: 1, Skipped: 1})

	status := sm.Status()
	if !status.Healthy {
		t.Error("Status should be healthy after success")
	}
	if status.TotalArchived != 6 {
		t.Errorf("TotalArchived = %d, want 6", status.TotalArchived)
	}
	if status.LastResult == nil || status.LastResult.Skipped != 1 {
		t.Errorf("LastResult = %+v, want the latest sweep", status.LastResult)
	}
	if status.LastSuccess == "" || status.TimeSinceSuccess == "" {
		t.Error("LastSuccess and TimeSinceSuccess should be set")
	}
}

func TestSweepMonitor_RecordFailure(t *testing.T) {
	sm := &SweepMonitor{}
	sm.RecordFailure(errors.New("bucket unreachable"))

	status := sm.Status()
	if status.ConsecutiveErrors != 1 {
		t.Errorf("ConsecutiveErrors = %d, want 1", status.ConsecutiveErrors)
	}
	if status.LastError != "bucket unreachable" {
		t.Errorf("LastError = %q, want %q", status.LastError, "bucket unreachable")
	}
	if status.LastAttempt == "" {
		t.Error("LastAttempt should be set")
	}
}

func TestSweepMonitor_IsHealthy(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(*SweepMonitor)
		expected bool
	}{
		{
			name:     "never succeeded",
			setup:    func(*SweepMonitor) {},
			expected: false,
		},
		{
			name:     "recent success",
			setup:    func(sm *SweepMonitor) { sm.RecordSuccess(tiering.Result{}) },
			expected: true,
		},
		{
			name: "stale success",
			setup: func(sm *SweepMonitor) {
				sm.RecordSuccess(tiering.Result{})
				sm.mu.Lock()
				sm.lastSuccess = time.Now().Add(-3 * time.Hour)
				sm.mu.Unlock()
			},
			expected: false,
		},
		{
			name: "custom max age",
			setup: func(sm *SweepMonitor) {
				sm.MaxAge = 6 * time.Hour
				sm.RecordSuccess(tiering.Result{})
				sm.mu.Lock()
				sm.lastSuccess = time.Now().Add(-3 * time.Hour)
				sm.mu.Unlock()
			},
			expected: true,
		},
		{
			name: "too many consecutive errors",
			setup: func(sm *SweepMonitor) {
				sm.RecordSuccess(tiering.Result{})
				for i := 0; i < 4; i++ {
					sm.RecordFailure(errors.New("boom"))
				}
			},
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sm := &SweepMonitor{}
			tt.setup(sm)
			if got := sm.IsHealthy(); got != tt.expected {
				t.Errorf("IsHealthy() = %v, want %v", got, tt.expected)
			}
		})
	}
}
