package tiering

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/nicktill/tinysync/pkg/archive"
	"github.com/nicktill/tinysync/pkg/rows"
	"github.com/nicktill/tinysync/pkg/storage"
)

// Result summarizes one sweep
type Result struct {
	Cutoff   string        `json:"cutoff"`
	Scanned  int           `json:"scanned"`
	Archived int           `json:"archived"`
	Deleted  int           `json:"deleted"`
	Skipped  int           `json:"skipped"`
	Groups   int           `json:"groups"`
	Errors   int           `json:"errors"`
	Duration time.Duration `json:"duration"`
}

// Sweeper migrates aged-out records from the hot store into the archive.
type Sweeper struct {
	store   storage.Store
	archive *archive.Archive
	policy  Policy
	now     func() time.Time
}

// NewSweeper creates a sweeper using the wall clock
func NewSweeper(store storage.Store, arch *archive.Archive, policy Policy) *Sweeper {
	return &Sweeper{
		store:   store,
		archive: arch,
		policy:  policy,
		now:     time.Now,
	}
}

// WithClock overrides the time source (tests)
func (s *Sweeper) WithClock(now func() time.Time) *Sweeper {
	s.now = now
	return s
}

type group struct {
	clientID string
	month    string
	records  []storage.Record
}

// Sweep archives every hot record dated before the cutoff and removes it
// from the hot store.
//
// The cutoff is computed once, so a sweep works on a point-in-time view.
// A record is only deleted if its version is still the one that was
// archived; a concurrent write keeps it hot and the next sweep archives the
// newer value. Failures for one (client, month) group are logged and
// counted, and the sweep moves on. Only a failed hot-store query fails the
// whole sweep.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	start := time.Now()
	res := Result{Cutoff: s.policy.Cutoff(s.now())}

	recs, err := s.store.Query(ctx, storage.QueryRequest{Before: res.Cutoff})
	if err != nil {
		return res, fmt.Errorf("failed to query aged records: %w", err)
	}
	res.Scanned = len(recs)

	groups := groupRecords(recs)
	res.Groups = len(groups)

	for _, g := range groups {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		batch := make([]rows.EnhancedRow, len(g.records))
		for i, rec := range g.records {
			batch[i] = rec.Row
		}

		if _, err := s.archive.Merge(ctx, g.clientID, g.month, batch); err != nil {
			res.Errors++
			res.Skipped += len(g.records)
			log.WithError(err).WithFields(log.Fields{
				"client": g.clientID,
				"month":  g.month,
				"rows":   len(g.records),
			}).Error("Failed to archive group, leaving rows hot")
			continue
		}
		res.Archived += len(g.records)

		for _, rec := range g.records {
			err := s.store.DeleteIfVersion(ctx, rec.Key, rec.Row.Version)
			switch {
			case err == nil:
				res.Deleted++
			case errors.Is(err, storage.ErrVersionConflict):
				res.Skipped++
				log.WithField("key", rec.Key.String()).Debug("Row changed during sweep, kept hot")
			default:
				res.Errors++
				log.WithError(err).WithField("key", rec.Key.String()).Warn("Failed to delete archived row")
			}
		}
	}

	res.Duration = time.Since(start)
	return res, nil
}

// groupRecords buckets records by (client, month) in a stable order.
func groupRecords(recs []storage.Record) []*group {
	byKey := make(map[string]*group)
	var out []*group
	for _, rec := range recs {
		month := rows.Month(rec.Key.Date)
		k := rec.Key.ClientID + "/" + month
		g, ok := byKey[k]
		if !ok {
			g = &group{clientID: rec.Key.ClientID, month: month}
			byKey[k] = g
			out = append(out, g)
		}
		g.records = append(g.records, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].clientID != out[j].clientID {
			return out[i].clientID < out[j].clientID
		}
		return out[i].month < out[j].month
	})
	return out
}
