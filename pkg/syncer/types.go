package syncer

import (
	"errors"
	"fmt"

	"github.com/nicktill/tinysync/pkg/config"
	"github.com/nicktill/tinysync/pkg/rows"
	"github.com/nicktill/tinysync/pkg/storage"
)

var (
	// ErrMissingClientID is returned when an upload or download names no client
	ErrMissingClientID = errors.New("clientId is required")

	// ErrTooManyRows is returned when a single upload exceeds MaxRowsPerUpload
	ErrTooManyRows = fmt.Errorf("too many rows in one upload (max %d)", config.MaxRowsPerUpload)

	// ErrBadRange is returned when a download's start date is after its end date
	ErrBadRange = errors.New("startDate must not be after endDate")

	// ErrMissingSession is recorded per row when a row carries no sessionId
	ErrMissingSession = errors.New("sessionId is required")

	// ErrRetriesExhausted is recorded per row when every conditional write lost
	ErrRetriesExhausted = errors.New("version conflict: retries exhausted")
)

// SyncRequest is the body of POST /sync
type SyncRequest struct {
	ClientID string             `json:"clientId"`
	Rows     []rows.EnhancedRow `json:"rows"`
	BatchID  string             `json:"batchId,omitempty"`
}

// SyncResponse reports the outcome of every uploaded row
type SyncResponse struct {
	Success    bool        `json:"success"`
	Processed  int         `json:"processed"`
	Successful int         `json:"successful"`
	Failed     int         `json:"failed"`
	Results    []RowResult `json:"results"`
}

// RowResult is the outcome of one uploaded row
type RowResult struct {
	Success   bool            `json:"success"`
	Error     string          `json:"error,omitempty"`
	PK        string          `json:"pk,omitempty"`
	Version   uint64          `json:"version,omitempty"`
	Conflicts []rows.Conflict `json:"conflicts,omitempty"`
}

// OutcomeStatus tells how resolveRow ended
type OutcomeStatus int

const (
	// Resolved means the row was merged (and written when it changed)
	Resolved OutcomeStatus = iota

	// ExhaustedRetries means every attempt lost the version race
	ExhaustedRetries
)

func (s OutcomeStatus) String() string {
	if s == Resolved {
		return "resolved"
	}
	return "exhausted_retries"
}

// Outcome is the result of resolving one row against the store.
type Outcome struct {
	Status    OutcomeStatus
	Record    storage.Record
	Conflicts []rows.Conflict

	// Written is false when the merge rejected the row
	Written  bool
	Attempts int
}

// DownloadRequest selects rows for GET /data
type DownloadRequest struct {
	ClientID       string
	TargetClientID string

	// Inclusive YYYYMMDD range. Empty end = today, empty start = end - 30 days.
	StartDate string
	EndDate   string

	// Only rows modified after Since (epoch ms)
	Since int64
}

// ClientInfo is one identity in the client listing
type ClientInfo struct {
	ID       string `json:"id"`
	Rows     int    `json:"rows"`
	LastSeen int64  `json:"lastSeen,omitempty"`
	Current  bool   `json:"current"`
	Archived bool   `json:"archived,omitempty"`
}
