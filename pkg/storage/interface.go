package storage

import (
	"context"
	"errors"
	"time"

	"github.com/nicktill/tinysync/pkg/rows"
)

var (
	// ErrNotFound is returned by Get when no record exists for the key
	ErrNotFound = errors.New("record not found")

	// ErrVersionConflict is returned when a conditional write or delete
	// loses to a concurrent writer
	ErrVersionConflict = errors.New("version conflict")
)

// Store is the hot tier: latest resolved row per key plus its version,
// written with optimistic concurrency.
// Implementations: memory (testing), badger (production)
type Store interface {
	// Get returns the record for key or ErrNotFound
	Get(ctx context.Context, key rows.Key) (*Record, error)

	// PutIfVersion writes rec only if the stored version still equals
	// expected (0 = key must not exist yet)
	PutIfVersion(ctx context.Context, rec Record, expected uint64) error

	// DeleteIfVersion removes key only if its version still equals expected.
	// Deleting an absent key is not an error.
	DeleteIfVersion(ctx context.Context, key rows.Key, expected uint64) error

	// Query returns records matching the request, ordered by date then host
	Query(ctx context.Context, req QueryRequest) ([]Record, error)

	// Clients returns the client identities present in the store
	Clients(ctx context.Context) ([]ClientInfo, error)

	// Stats returns storage statistics
	Stats(ctx context.Context) (*Stats, error)

	// Close cleanly shuts down the storage
	Close() error
}

// Record is a stored row with its storage key and TTL marker.
type Record struct {
	Key rows.Key         `json:"key"`
	Row rows.EnhancedRow `json:"row"`

	// HotUntil marks when the record becomes eligible for archival
	HotUntil time.Time `json:"hotUntil"`
}

// QueryRequest specifies which records to retrieve
type QueryRequest struct {
	// Filter by client scope (optional)
	ClientID string

	// Inclusive YYYYMMDD date range (optional, empty = unbounded)
	StartDate string
	EndDate   string

	// Only dates strictly before this YYYYMMDD date (optional)
	Before string

	// Only rows with LastModified > ModifiedSince (epoch ms, 0 = no filter)
	ModifiedSince int64

	// Limit number of results (0 = no limit)
	Limit int
}

// Matches reports whether rec satisfies every filter of the request.
func (q QueryRequest) Matches(rec Record) bool {
	if q.ClientID != "" && rec.Key.ClientID != q.ClientID {
		return false
	}
	if q.StartDate != "" && rec.Key.Date < q.StartDate {
		return false
	}
	if q.EndDate != "" && rec.Key.Date > q.EndDate {
		return false
	}
	if q.Before != "" && rec.Key.Date >= q.Before {
		return false
	}
	if q.ModifiedSince > 0 && rec.Row.LastModified <= q.ModifiedSince {
		return false
	}
	return true
}

// ClientInfo describes one client identity seen in the hot tier.
type ClientInfo struct {
	ID       string `json:"id"`
	Rows     int    `json:"rows"`
	LastSeen int64  `json:"lastSeen"`
}

// Stats provides storage health and usage info
type Stats struct {
	// Total records stored
	TotalRecords uint64 `json:"totalRecords"`

	// Distinct client scopes
	TotalClients uint64 `json:"totalClients"`

	// Storage size in bytes
	SizeBytes uint64 `json:"sizeBytes"`

	// Oldest and newest dates held (YYYYMMDD)
	OldestDate string `json:"oldestDate,omitempty"`
	NewestDate string `json:"newestDate,omitempty"`
}
