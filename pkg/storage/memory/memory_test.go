package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/nicktill/tinysync/pkg/rows"
	"github.com/nicktill/tinysync/pkg/storage"
)

func record(client, host, date string, version uint64, lastModified int64) storage.Record {
	r := rows.EnhancedRow{
		Row:          rows.Row{Host: host, Date: date, Focus: 10, Time: 5},
		ClientID:     client,
		SessionID:    "s1",
		LastModified: lastModified,
		Version:      version,
	}
	return storage.Record{Key: rows.KeyOf(client, r.Row), Row: r}
}

func TestMemoryStorage_PutAndGet(t *testing.T) {
	store := New()
	defer store.Close()
	ctx := context.Background()

	rec := record("c1", "a.com", "20260101", 1, 100)
	if err := store.PutIfVersion(ctx, rec, 0); err != nil {
		t.Fatalf("PutIfVersion failed: %v", err)
	}

	got, err := store.Get(ctx, rec.Key)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Row.Version != 1 || got.Row.Focus != 10 {
		t.Errorf("unexpected record: %+v", got.Row)
	}

	if _, err := store.Get(ctx, rows.Key{ClientID: "c1", Host: "b.com", Date: "20260101"}); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStorage_VersionGuard(t *testing.T) {
	store := New()
	ctx := context.Background()

	rec := record("c1", "a.com", "20260101", 1, 100)
	if err := store.PutIfVersion(ctx, rec, 0); err != nil {
		t.Fatalf("first write failed: %v", err)
	}

	// Creating the same key twice must lose
	if err := store.PutIfVersion(ctx, rec, 0); !errors.Is(err, storage.ErrVersionConflict) {
		t.Errorf("Expected ErrVersionConflict on duplicate create, got %v", err)
	}

	next := rec
	next.Row.Version = 2
	if err := store.PutIfVersion(ctx, next, 1); err != nil {
		t.Fatalf("conditional update failed: %v", err)
	}

	// Stale writer still thinks version is 1
	stale := rec
	stale.Row.Version = 2
	if err := store.PutIfVersion(ctx, stale, 1); !errors.Is(err, storage.ErrVersionConflict) {
		t.Errorf("Expected ErrVersionConflict for stale writer, got %v", err)
	}
}

func TestMemoryStorage_DeleteIfVersion(t *testing.T) {
	store := New()
	ctx := context.Background()

	rec := record("c1", "a.com", "20260101", 3, 100)
	store.PutIfVersion(ctx, rec, 0)

	if err := store.DeleteIfVersion(ctx, rec.Key, 2); !errors.Is(err, storage.ErrVersionConflict) {
		t.Errorf("Expected ErrVersionConflict, got %v", err)
	}
	if err := store.DeleteIfVersion(ctx, rec.Key, 3); err != nil {
		t.Fatalf("DeleteIfVersion failed: %v", err)
	}
	if err := store.DeleteIfVersion(ctx, rec.Key, 3); err != nil {
		t.Errorf("deleting an absent key should succeed, got %v", err)
	}
}

func TestMemoryStorage_QueryFilters(t *testing.T) {
	store := New()
	ctx := context.Background()

	for _, rec := range []storage.Record{
		record("c1", "a.com", "20260101", 1, 100),
		record("c1", "b.com", "20260105", 1, 200),
		record("c2", "a.com", "20260103", 1, 300),
		record("c1", "a.com", "20260110", 1, 400),
	} {
		if err := store.PutIfVersion(ctx, rec, 0); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}

	tests := []struct {
		name string
		req  storage.QueryRequest
		want int
	}{
		{"all", storage.QueryRequest{}, 4},
		{"client", storage.QueryRequest{ClientID: "c1"}, 3},
		{"range", storage.QueryRequest{StartDate: "20260102", EndDate: "20260106"}, 2},
		{"before", storage.QueryRequest{Before: "20260105"}, 2},
		{"since", storage.QueryRequest{ModifiedSince: 200}, 2},
		{"limit", storage.QueryRequest{Limit: 1}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results, err := store.Query(ctx, tt.req)
			if err != nil {
				t.Fatalf("Query failed: %v", err)
			}
			if len(results) != tt.want {
				t.Errorf("Expected %d records, got %d", tt.want, len(results))
			}
		})
	}

	ordered, _ := store.Query(ctx, storage.QueryRequest{ClientID: "c1"})
	if ordered[0].Key.Date != "20260101" || ordered[2].Key.Date != "20260110" {
		t.Errorf("results not sorted by date: %v", ordered)
	}
}

func TestMemoryStorage_ClientsAndStats(t *testing.T) {
	store := New()
	ctx := context.Background()

	store.PutIfVersion(ctx, record("c1", "a.com", "20260101", 1, 100), 0)
	store.PutIfVersion(ctx, record("c1", "b.com", "20260102", 1, 500), 0)
	store.PutIfVersion(ctx, record("c2", "a.com", "20260103", 1, 300), 0)

	clients, err := store.Clients(ctx)
	if err != nil {
		t.Fatalf("Clients failed: %v", err)
	}
	if len(clients) != 2 {
		t.Fatalf("Expected 2 clients, got %d", len(clients))
	}
	if clients[0].ID != "c1" || clients[0].Rows != 2 || clients[0].LastSeen != 500 {
		t.Errorf("unexpected client info: %+v", clients[0])
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.TotalRecords != 3 || stats.TotalClients != 2 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if stats.OldestDate != "20260101" || stats.NewestDate != "20260103" {
		t.Errorf("unexpected date bounds: %+v", stats)
	}
}
