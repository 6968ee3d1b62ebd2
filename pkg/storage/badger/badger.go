package badger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	log "github.com/sirupsen/logrus"

	"github.com/nicktill/tinysync/pkg/rows"
	"github.com/nicktill/tinysync/pkg/storage"
)

const (
	recordPrefix      = "r/"
	clientIndexPrefix = "c/"
	dateIndexPrefix   = "d/"

	slowQueryThreshold = 5 * time.Second
)

// Storage implements storage.Store using BadgerDB (LSM tree)
type Storage struct {
	db *badger.DB
}

// Config holds BadgerDB configuration
type Config struct {
	// Path to store database files
	Path string

	// InMemory mode (for testing)
	InMemory bool

	// MaxMemoryMB limits BadgerDB memory usage in MB (0 = use defaults)
	MaxMemoryMB int64
}

// New creates a BadgerDB storage backend
func New(cfg Config) (*Storage, error) {
	opts := badger.DefaultOptions(cfg.Path)

	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}

	// Laptop-friendly default: 16 MB memtable. Below 16 MB badger flushes
	// too often to keep up with upload bursts.
	memTableSize := int64(16 * 1024 * 1024)
	if cfg.MaxMemoryMB > 0 {
		memTableSize = cfg.MaxMemoryMB * 1024 * 1024 / 3
	}

	// Block and index caches are unbounded unless set explicitly
	blockCacheSize := memTableSize / 2
	indexCacheSize := memTableSize / 4

	opts = opts.
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTableSize).
		WithNumMemtables(3).
		WithBlockCacheSize(blockCacheSize).
		WithIndexCacheSize(indexCacheSize).
		WithMaxLevels(4).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024).
		WithNumCompactors(2).
		WithValueLogMaxEntries(5000).
		WithValueLogFileSize(64 << 20).
		WithLogger(log.StandardLogger()).
		WithLoggingLevel(badger.WARNING)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	return &Storage{db: db}, nil
}

// Get returns the record stored under key
func (s *Storage) Get(ctx context.Context, key rows.Key) (*storage.Record, error) {
	var rec *storage.Record
	err := withContext(ctx, "get", func() error {
		return s.db.View(func(txn *badger.Txn) error {
			r, err := getRecord(txn, key)
			if err != nil {
				return err
			}
			rec = r
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// PutIfVersion writes rec and its index entries in one transaction, only if
// the stored version still equals expected. A concurrent commit touching the
// same key surfaces as badger.ErrConflict and is reported as a version
// conflict too.
func (s *Storage) PutIfVersion(ctx context.Context, rec storage.Record, expected uint64) error {
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}

	return withContext(ctx, "put", func() error {
		err := s.db.Update(func(txn *badger.Txn) error {
			current, err := currentVersion(txn, rec.Key)
			if err != nil {
				return err
			}
			if current != expected {
				return storage.ErrVersionConflict
			}

			primary := recordKey(rec.Key)
			if err := txn.Set(primary, value); err != nil {
				return fmt.Errorf("failed to write record: %w", err)
			}
			if err := txn.Set(clientIndexKey(rec.Key), primary); err != nil {
				return fmt.Errorf("failed to write client index: %w", err)
			}
			if err := txn.Set(dateIndexKey(rec.Key), primary); err != nil {
				return fmt.Errorf("failed to write date index: %w", err)
			}
			return nil
		})
		if errors.Is(err, badger.ErrConflict) {
			return storage.ErrVersionConflict
		}
		return err
	})
}

// DeleteIfVersion removes key and its index entries if the stored version
// still equals expected
func (s *Storage) DeleteIfVersion(ctx context.Context, key rows.Key, expected uint64) error {
	return withContext(ctx, "delete", func() error {
		err := s.db.Update(func(txn *badger.Txn) error {
			current, err := currentVersion(txn, key)
			if err != nil {
				return err
			}
			if current == 0 {
				return nil
			}
			if current != expected {
				return storage.ErrVersionConflict
			}
			for _, k := range [][]byte{recordKey(key), clientIndexKey(key), dateIndexKey(key)} {
				if err := txn.Delete(k); err != nil {
					return err
				}
			}
			return nil
		})
		if errors.Is(err, badger.ErrConflict) {
			return storage.ErrVersionConflict
		}
		return err
	})
}

// Query walks the per-client index when a client is given and the date index
// otherwise, seeking straight to the first date in range.
func (s *Storage) Query(ctx context.Context, req storage.QueryRequest) ([]storage.Record, error) {
	var results []storage.Record
	startTime := time.Now()
	var iterCount int

	err := withContext(ctx, "query", func() error {
		return s.db.View(func(txn *badger.Txn) error {
			prefix := []byte(dateIndexPrefix)
			if req.ClientID != "" {
				prefix = []byte(clientIndexPrefix + req.ClientID + "/")
			}
			seek := append([]byte{}, prefix...)
			if req.StartDate != "" {
				seek = append(seek, req.StartDate...)
			}

			opts := badger.DefaultIteratorOptions
			opts.PrefetchSize = 100
			opts.Prefix = prefix
			it := txn.NewIterator(opts)
			defer it.Close()

			for it.Seek(seek); it.Valid(); it.Next() {
				iterCount++
				if iterCount%1000 == 0 {
					if err := ctx.Err(); err != nil {
						return err
					}
				}

				date := indexDate(it.Item().Key(), prefix)
				if req.EndDate != "" && date > req.EndDate {
					break
				}
				if req.Before != "" && date >= req.Before {
					break
				}

				primary, err := it.Item().ValueCopy(nil)
				if err != nil {
					return err
				}
				rec, err := getRecordByPrimary(txn, primary)
				if errors.Is(err, storage.ErrNotFound) {
					// Index entry without record: a torn write from an older build
					continue
				}
				if err != nil {
					return err
				}
				if !req.Matches(*rec) {
					continue
				}
				results = append(results, *rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	if elapsed := time.Since(startTime); elapsed > slowQueryThreshold {
		log.WithFields(log.Fields{
			"elapsed":    elapsed.Round(time.Millisecond),
			"iterations": iterCount,
			"results":    len(results),
		}).Warn("slow hot-tier query")
	}

	sortRecords(results)
	if req.Limit > 0 && len(results) > req.Limit {
		results = results[:req.Limit]
	}
	return results, nil
}

// Clients scans the record prefix and groups by client scope
func (s *Storage) Clients(ctx context.Context) ([]storage.ClientInfo, error) {
	byID := make(map[string]*storage.ClientInfo)

	err := withContext(ctx, "clients", func() error {
		return s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.Prefix = []byte(recordPrefix)
			it := txn.NewIterator(opts)
			defer it.Close()

			for it.Rewind(); it.Valid(); it.Next() {
				var rec storage.Record
				if err := it.Item().Value(func(val []byte) error {
					return json.Unmarshal(val, &rec)
				}); err != nil {
					return fmt.Errorf("failed to decode record: %w", err)
				}
				info, ok := byID[rec.Key.ClientID]
				if !ok {
					info = &storage.ClientInfo{ID: rec.Key.ClientID}
					byID[rec.Key.ClientID] = info
				}
				info.Rows++
				if rec.Row.LastModified > info.LastSeen {
					info.LastSeen = rec.Row.LastModified
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	clients := make([]storage.ClientInfo, 0, len(byID))
	for _, info := range byID {
		clients = append(clients, *info)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i].ID < clients[j].ID })
	return clients, nil
}

// Close shuts down BadgerDB cleanly
func (s *Storage) Close() error {
	return s.db.Close()
}

// RunGC runs BadgerDB's value log garbage collection.
// discardRatio: run GC if this fraction of a file can be discarded (0.5 = 50%)
// Returns badger.ErrNoRewrite when nothing needed collecting.
func (s *Storage) RunGC(discardRatio float64) error {
	return s.db.RunValueLogGC(discardRatio)
}

// Stats walks the date index keys only, so no values are read
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	stats := &storage.Stats{}

	err := withContext(ctx, "stats", func() error {
		return s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false
			opts.Prefix = []byte(dateIndexPrefix)
			it := txn.NewIterator(opts)
			defer it.Close()

			clients := make(map[string]bool)
			var iterCount int
			for it.Rewind(); it.Valid(); it.Next() {
				iterCount++
				if iterCount%1000 == 0 {
					if err := ctx.Err(); err != nil {
						return err
					}
				}

				key := string(it.Item().Key()[len(dateIndexPrefix):])
				date, rest, ok := strings.Cut(key, "/")
				if !ok {
					continue
				}
				stats.TotalRecords++
				if client, _, ok := strings.Cut(rest, "#"); ok {
					clients[client] = true
				}
				if stats.OldestDate == "" || date < stats.OldestDate {
					stats.OldestDate = date
				}
				if date > stats.NewestDate {
					stats.NewestDate = date
				}
			}
			stats.TotalClients = uint64(len(clients))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	lsmSize, vlogSize := s.db.Size()
	stats.SizeBytes = uint64(lsmSize + vlogSize)
	return stats, nil
}

// withContext runs fn in its own goroutine so a cancelled ctx returns
// promptly even while badger is blocked on disk.
func withContext(ctx context.Context, op string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%s operation cancelled: %w", op, ctx.Err())
	}
}

func getRecord(txn *badger.Txn, key rows.Key) (*storage.Record, error) {
	return getRecordByPrimary(txn, recordKey(key))
}

func getRecordByPrimary(txn *badger.Txn, primary []byte) (*storage.Record, error) {
	item, err := txn.Get(primary)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var rec storage.Record
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	}); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	return &rec, nil
}

func currentVersion(txn *badger.Txn, key rows.Key) (uint64, error) {
	rec, err := getRecord(txn, key)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return rec.Row.Version, nil
}

// recordKey: r/<clientId>#<host>#<date>
func recordKey(k rows.Key) []byte {
	return []byte(recordPrefix + k.String())
}

// clientIndexKey: c/<clientId>/<date>/<host>
func clientIndexKey(k rows.Key) []byte {
	return []byte(clientIndexPrefix + k.ClientID + "/" + k.Date + "/" + k.Host)
}

// dateIndexKey: d/<date>/<clientId>#<host>
func dateIndexKey(k rows.Key) []byte {
	return []byte(dateIndexPrefix + k.Date + "/" + k.ClientID + "#" + k.Host)
}

// indexDate extracts the YYYYMMDD segment that follows prefix in an index key
func indexDate(key, prefix []byte) string {
	rest := bytes.TrimPrefix(key, prefix)
	if len(rest) < len(rows.DateLayout) {
		return ""
	}
	return string(rest[:len(rows.DateLayout)])
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
