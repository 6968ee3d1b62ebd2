package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/nicktill/tinysync/pkg/archive"
	"github.com/nicktill/tinysync/pkg/config"
	"github.com/nicktill/tinysync/pkg/notify"
	"github.com/nicktill/tinysync/pkg/rows"
	"github.com/nicktill/tinysync/pkg/storage"
	"github.com/nicktill/tinysync/pkg/tiering"
)

// Notifier pushes events to the live connections of clients
type Notifier interface {
	Notify(clientIDs []string, event notify.Event)
}

// RetryConfig bounds the conditional-write retry loop
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryConfig returns 5 attempts with 10ms..200ms back-off
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: config.WriteMaxAttempts,
		BaseDelay:   config.WriteBaseDelay,
		MaxDelay:    config.WriteMaxDelay,
	}
}

func (r RetryConfig) delay(attempt int) time.Duration {
	d := r.BaseDelay << uint(attempt)
	if d <= 0 || d > r.MaxDelay {
		return r.MaxDelay
	}
	return d
}

// Config wires a Processor
type Config struct {
	Store    storage.Store
	Archive  *archive.Archive // optional; nil disables the cold tier
	Notifier Notifier         // optional
	Policy   tiering.Policy
	Retry    RetryConfig

	// ClientCacheTTL is how long ListClients results are reused
	ClientCacheTTL time.Duration

	Now func() time.Time
}

// Processor merges uploaded rows into the hot store and serves reads
// across both tiers.
type Processor struct {
	store    storage.Store
	archive  *archive.Archive
	notifier Notifier
	policy   tiering.Policy
	retry    RetryConfig
	now      func() time.Time

	clients clientCache
}

// New creates a processor
func New(cfg Config) *Processor {
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryConfig()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.ClientCacheTTL <= 0 {
		cfg.ClientCacheTTL = config.ClientListCacheTTL
	}
	return &Processor{
		store:    cfg.Store,
		archive:  cfg.Archive,
		notifier: cfg.Notifier,
		policy:   cfg.Policy,
		retry:    cfg.Retry,
		now:      cfg.Now,
		clients:  clientCache{ttl: cfg.ClientCacheTTL, group: &singleflight.Group{}},
	}
}

// Upload merges a batch of rows from clientID. Rows are processed in order;
// a failing row is reported in its RowResult and never aborts the batch.
func (p *Processor) Upload(ctx context.Context, clientID string, batch []rows.EnhancedRow, batchID string) (*SyncResponse, error) {
	if clientID == "" {
		return nil, ErrMissingClientID
	}
	if len(batch) > config.MaxRowsPerUpload {
		return nil, fmt.Errorf("%w: got %d", ErrTooManyRows, len(batch))
	}
	if batchID == "" {
		batchID = uuid.NewString()
	}

	resp := &SyncResponse{
		Processed: len(batch),
		Results:   make([]RowResult, 0, len(batch)),
	}
	var resolved []rows.EnhancedRow
	notifyIDs := []string{clientID}
	seen := map[string]bool{clientID: true}

	for _, row := range batch {
		row.ClientID = clientID
		if row.BatchID == "" {
			row.BatchID = batchID
		}
		if row.LastModified == 0 {
			row.LastModified = p.now().UnixMilli()
		}
		pk := rows.KeyOf(clientID, row.Row).String()

		if err := validate(row); err != nil {
			resp.Failed++
			resp.Results = append(resp.Results, RowResult{Error: err.Error(), PK: pk})
			continue
		}

		out, err := p.resolveRow(ctx, row)
		if err != nil {
			resp.Failed++
			resp.Results = append(resp.Results, RowResult{Error: err.Error(), PK: pk})
			log.WithError(err).WithField("pk", pk).Warn("Failed to resolve row")
			continue
		}
		if out.Status == ExhaustedRetries {
			resp.Failed++
			resp.Results = append(resp.Results, RowResult{Error: ErrRetriesExhausted.Error(), PK: pk})
			log.WithFields(log.Fields{"pk": pk, "attempts": out.Attempts}).Warn("Row lost every version race")
			continue
		}

		resp.Successful++
		resp.Results = append(resp.Results, RowResult{
			Success:   true,
			PK:        pk,
			Version:   out.Record.Row.Version,
			Conflicts: out.Conflicts,
		})
		if out.Written {
			resolved = append(resolved, out.Record.Row)
		}
		for _, c := range out.Conflicts {
			if c.ClientID != "" && !seen[c.ClientID] {
				seen[c.ClientID] = true
				notifyIDs = append(notifyIDs, c.ClientID)
			}
		}
	}
	resp.Success = resp.Failed == 0

	if resp.Successful > 0 && p.notifier != nil {
		p.notifier.Notify(notifyIDs, notify.NewEvent(notify.EventDataUpdated, map[string]interface{}{
			"clientId": clientID,
			"batchId":  batchID,
			"rows":     resolved,
		}))
	}

	log.WithFields(log.Fields{
		"client":     clientID,
		"batch":      batchID,
		"processed":  resp.Processed,
		"successful": resp.Successful,
		"failed":     resp.Failed,
	}).Debug("Upload processed")

	return resp, nil
}

func validate(row rows.EnhancedRow) error {
	if err := row.Validate(); err != nil {
		return err
	}
	if row.SessionID == "" {
		return ErrMissingSession
	}
	return nil
}

// resolveRow reads, merges and conditionally writes one row, starting over
// from a fresh read whenever another writer advanced the version first.
func (p *Processor) resolveRow(ctx context.Context, row rows.EnhancedRow) (Outcome, error) {
	key := rows.KeyOf(row.ClientID, row.Row)

	for attempt := 0; attempt < p.retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Outcome{}, ctx.Err()
			case <-time.After(p.retry.delay(attempt - 1)):
			}
		}

		existing, expected, err := p.current(ctx, key)
		if err != nil {
			return Outcome{}, err
		}

		merged, conflicts, changed := rows.Merge(existing, row)
		rec := storage.Record{Key: key, Row: merged, HotUntil: p.policy.HotUntil(key.Date)}
		if !changed {
			return Outcome{Status: Resolved, Record: rec, Conflicts: conflicts, Attempts: attempt + 1}, nil
		}

		err = p.store.PutIfVersion(ctx, rec, expected)
		if err == nil {
			return Outcome{Status: Resolved, Record: rec, Conflicts: conflicts, Written: true, Attempts: attempt + 1}, nil
		}
		if !errors.Is(err, storage.ErrVersionConflict) {
			return Outcome{}, fmt.Errorf("write %s: %w", key, err)
		}
	}
	return Outcome{Status: ExhaustedRetries, Attempts: p.retry.MaxAttempts}, nil
}

// current returns the row to merge against and the hot version to guard the
// write with. A row already swept to the archive is merged against its
// archived value so accumulated totals carry over; the hot write is then a
// create (expected 0).
func (p *Processor) current(ctx context.Context, key rows.Key) (*rows.EnhancedRow, uint64, error) {
	rec, err := p.store.Get(ctx, key)
	if err == nil {
		return &rec.Row, rec.Row.Version, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, 0, fmt.Errorf("read %s: %w", key, err)
	}
	if p.archive == nil || p.policy.IsHot(key.Date, p.now()) {
		return nil, 0, nil
	}

	cold, err := p.archive.Read(ctx, key.ClientID, key.Date, key.Date)
	if err != nil {
		return nil, 0, fmt.Errorf("read archive for %s: %w", key, err)
	}
	for i := range cold {
		if cold[i].Host == key.Host {
			return &cold[i], 0, nil
		}
	}
	return nil, 0, nil
}

// Download returns the target client's rows in the range from both tiers,
// one row per (host, date) keeping the newest, sorted by date then host.
func (p *Processor) Download(ctx context.Context, req DownloadRequest) ([]rows.EnhancedRow, error) {
	if req.ClientID == "" {
		return nil, ErrMissingClientID
	}
	target := req.TargetClientID
	if target == "" {
		target = req.ClientID
	}

	now := p.now()
	if req.EndDate == "" {
		req.EndDate = rows.FormatDate(now.In(policyLocation(p.policy)))
	}
	end, err := rows.ParseDate(req.EndDate)
	if err != nil {
		return nil, err
	}
	if req.StartDate == "" {
		req.StartDate = rows.FormatDate(end.AddDate(0, 0, -config.DefaultDownloadDays))
	}
	if _, err := rows.ParseDate(req.StartDate); err != nil {
		return nil, err
	}
	if req.StartDate > req.EndDate {
		return nil, ErrBadRange
	}

	var hot []storage.Record
	var cold []rows.EnhancedRow
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		recs, err := p.store.Query(gctx, storage.QueryRequest{
			ClientID:      target,
			StartDate:     req.StartDate,
			EndDate:       req.EndDate,
			ModifiedSince: req.Since,
		})
		if err != nil {
			return fmt.Errorf("query hot tier: %w", err)
		}
		hot = recs
		return nil
	})
	if cutoff := p.policy.Cutoff(now); p.archive != nil && req.StartDate < cutoff {
		coldEnd := req.EndDate
		if coldEnd >= cutoff {
			coldEnd = rows.FormatDate(mustParse(cutoff).AddDate(0, 0, -1))
		}
		g.Go(func() error {
			recs, err := p.archive.Read(gctx, target, req.StartDate, coldEnd)
			if err != nil {
				return fmt.Errorf("read cold tier: %w", err)
			}
			cold = recs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	latest := make(map[string]rows.EnhancedRow, len(hot)+len(cold))
	keep := func(r rows.EnhancedRow) {
		k := rows.ArchiveKey(r.Host, r.Date)
		if cur, ok := latest[k]; !ok || r.LastModified > cur.LastModified {
			latest[k] = r
		}
	}
	for _, rec := range hot {
		keep(rec.Row)
	}
	for _, r := range cold {
		if r.LastModified > req.Since {
			keep(r)
		}
	}

	out := make([]rows.EnhancedRow, 0, len(latest))
	for _, r := range latest {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		return out[i].Host < out[j].Host
	})
	return out, nil
}

func policyLocation(p tiering.Policy) *time.Location {
	if p.Location == nil {
		return time.UTC
	}
	return p.Location
}

func mustParse(date string) time.Time {
	t, _ := rows.ParseDate(date)
	return t
}
