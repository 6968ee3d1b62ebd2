package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/nicktill/tinysync/pkg/rows"
	"github.com/nicktill/tinysync/pkg/storage"
)

// Storage stores records in memory. Data is lost on restart.
// Useful for testing and development.
type Storage struct {
	records map[rows.Key]storage.Record
	mu      sync.RWMutex
}

// New creates an in-memory storage backend
func New() *Storage {
	return &Storage{
		records: make(map[rows.Key]storage.Record),
	}
}

// Get returns the record stored under key
func (s *Storage) Get(ctx context.Context, key rows.Key) (*storage.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &rec, nil
}

// PutIfVersion writes rec if the stored version equals expected
func (s *Storage) PutIfVersion(ctx context.Context, rec storage.Record, expected uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if current := s.versionLocked(rec.Key); current != expected {
		return storage.ErrVersionConflict
	}
	s.records[rec.Key] = rec
	return nil
}

// DeleteIfVersion removes key if the stored version equals expected
func (s *Storage) DeleteIfVersion(ctx context.Context, key rows.Key, expected uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return nil
	}
	if rec.Row.Version != expected {
		return storage.ErrVersionConflict
	}
	delete(s.records, key)
	return nil
}

// Query retrieves records matching the request
func (s *Storage) Query(ctx context.Context, req storage.QueryRequest) ([]storage.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	var results []storage.Record
	for _, rec := range s.records {
		if req.Matches(rec) {
			results = append(results, rec)
		}
	}
	s.mu.RUnlock()

	sortRecords(results)
	if req.Limit > 0 && len(results) > req.Limit {
		results = results[:req.Limit]
	}
	return results, nil
}

// Clients returns every client scope with at least one record
func (s *Storage) Clients(ctx context.Context) ([]storage.ClientInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	byID := make(map[string]*storage.ClientInfo)
	for key, rec := range s.records {
		info, ok := byID[key.ClientID]
		if !ok {
			info = &storage.ClientInfo{ID: key.ClientID}
			byID[key.ClientID] = info
		}
		info.Rows++
		if rec.Row.LastModified > info.LastSeen {
			info.LastSeen = rec.Row.LastModified
		}
	}

	clients := make([]storage.ClientInfo, 0, len(byID))
	for _, info := range byID {
		clients = append(clients, *info)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].ID < clients[j].ID })
	return clients, nil
}

// Close is a no-op for memory storage
func (s *Storage) Close() error {
	return nil
}

// Stats returns storage statistics
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &storage.Stats{
		TotalRecords: uint64(len(s.records)),
	}

	clients := make(map[string]bool)
	for key := range s.records {
		clients[key.ClientID] = true
		if stats.OldestDate == "" || key.Date < stats.OldestDate {
			stats.OldestDate = key.Date
		}
		if key.Date > stats.NewestDate {
			stats.NewestDate = key.Date
		}
	}
	stats.TotalClients = uint64(len(clients))

	// Rough size estimate (each record ~200 bytes)
	stats.SizeBytes = uint64(len(s.records)) * 200

	return stats, nil
}

func (s *Storage) versionLocked(key rows.Key) uint64 {
	rec, ok := s.records[key]
	if !ok {
		return 0
	}
	return rec.Row.Version
}

func sortRecords(recs []storage.Record) {
	sort.Slice(recs, func(i, j int) bool {
		a, b := recs[i].Key, recs[j].Key
		if a.Date != b.Date {
			return a.Date < b.Date
		}
		if a.Host != b.Host {
			return a.Host < b.Host
		}
		return a.ClientID < b.ClientID
	})
}
