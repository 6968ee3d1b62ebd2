package archive

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/nicktill/tinysync/pkg/rows"
)

const keyPrefix = "archive/"

// BlobKey is the object key of one client's month blob
func BlobKey(clientID, month string) string {
	return keyPrefix + clientID + "/" + month + ".blob"
}

// Archive is the cold tier: compressed month blobs per client.
type Archive struct {
	store BlobStore
	codec Codec

	// serializes read-modify-write per blob key
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates an archive writing blobs with the given codec
func New(store BlobStore, codec Codec) *Archive {
	if codec == 0 {
		codec = CodecZstd
	}
	return &Archive{
		store: store,
		codec: codec,
		locks: make(map[string]*sync.Mutex),
	}
}

func (a *Archive) lock(key string) func() {
	a.mu.Lock()
	l, ok := a.locks[key]
	if !ok {
		l = &sync.Mutex{}
		a.locks[key] = l
	}
	a.mu.Unlock()

	l.Lock()
	return l.Unlock
}

// Load returns a client's month blob, or an empty blob when none exists.
func (a *Archive) Load(ctx context.Context, clientID, month string) (*Blob, error) {
	data, err := a.store.Get(ctx, BlobKey(clientID, month))
	if errors.Is(err, ErrBlobNotFound) {
		return newBlob(clientID, month), nil
	}
	if err != nil {
		return nil, err
	}
	b, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("blob %s: %w", BlobKey(clientID, month), err)
	}
	return b, nil
}

// Merge upserts recs into the (clientID, month) blob and returns how many
// records the blob now holds. Archived Focus/Time/Run act as a floor, so
// re-archiving a record never lowers its counters. Applying the same recs
// twice leaves the blob unchanged.
func (a *Archive) Merge(ctx context.Context, clientID, month string, recs []rows.EnhancedRow) (int, error) {
	if clientID == "" || month == "" {
		return 0, errors.New("archive merge requires client and month")
	}

	unlock := a.lock(BlobKey(clientID, month))
	defer unlock()

	blob, err := a.Load(ctx, clientID, month)
	if err != nil {
		return 0, err
	}

	for _, rec := range recs {
		if got := rows.Month(rec.Date); got != month {
			return 0, fmt.Errorf("record %s belongs to %s, not %s", rec.Date, got, month)
		}
		key := rows.ArchiveKey(rec.Host, rec.Date)
		if old, ok := blob.Records[key]; ok {
			rec = floor(old, rec)
		}
		blob.Records[key] = rec
	}
	blob.UpdatedAt = time.Now().UTC()

	data, err := Encode(blob, a.codec)
	if err != nil {
		return 0, err
	}
	if err := a.store.Put(ctx, BlobKey(clientID, month), data); err != nil {
		return 0, fmt.Errorf("write blob: %w", err)
	}

	log.WithFields(log.Fields{
		"client":  clientID,
		"month":   month,
		"merged":  len(recs),
		"records": len(blob.Records),
		"bytes":   len(data),
	}).Debug("Archive blob updated")

	return len(blob.Records), nil
}

func floor(old, rec rows.EnhancedRow) rows.EnhancedRow {
	if old.Focus > rec.Focus {
		rec.Focus = old.Focus
	}
	if old.Time > rec.Time {
		rec.Time = old.Time
	}
	if old.Run != nil && (rec.Run == nil || *old.Run > *rec.Run) {
		v := *old.Run
		rec.Run = &v
	}
	if old.Version > rec.Version {
		rec.Version = old.Version
	}
	return rec
}

// Read returns the archived rows of clientID with startDate <= date <= endDate,
// sorted by date then host.
func (a *Archive) Read(ctx context.Context, clientID, startDate, endDate string) ([]rows.EnhancedRow, error) {
	months, err := monthsBetween(startDate, endDate)
	if err != nil {
		return nil, err
	}

	var out []rows.EnhancedRow
	for _, month := range months {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		blob, err := a.Load(ctx, clientID, month)
		if err != nil {
			return nil, err
		}
		for _, rec := range blob.Records {
			if rec.Date >= startDate && rec.Date <= endDate {
				out = append(out, rec)
			}
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		return out[i].Host < out[j].Host
	})
	return out, nil
}

// Clients lists the client ids that have at least one blob.
func (a *Archive) Clients(ctx context.Context) ([]string, error) {
	keys, err := a.store.List(ctx, keyPrefix)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var ids []string
	for _, key := range keys {
		rest := strings.TrimPrefix(key, keyPrefix)
		id, _, ok := strings.Cut(rest, "/")
		if !ok || id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// monthsBetween lists YYYY-MM for every month overlapping [start, end].
func monthsBetween(startDate, endDate string) ([]string, error) {
	start, err := rows.ParseDate(startDate)
	if err != nil {
		return nil, err
	}
	end, err := rows.ParseDate(endDate)
	if err != nil {
		return nil, err
	}
	if end.Before(start) {
		return nil, nil
	}

	var months []string
	cur := time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, time.UTC)
	for !cur.After(end) {
		months = append(months, cur.Format("2006-01"))
		cur = cur.AddDate(0, 1, 0)
	}
	return months, nil
}
