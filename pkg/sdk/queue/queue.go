// Package queue buffers locally accumulated rows and uploads them in
// batches, retrying transient failures and persisting across restarts.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/nicktill/tinysync/pkg/rows"
	"github.com/nicktill/tinysync/pkg/sdk/events"
	"github.com/nicktill/tinysync/pkg/sdk/transport"
	"github.com/nicktill/tinysync/pkg/syncer"
)

// Config holds configuration for the queue
type Config struct {
	ClientID        string
	MaxItems        int
	MaxRetries      int
	BatchesPerCycle int
	ProcessEvery    time.Duration
	FreshnessWindow time.Duration
	UploadTimeout   time.Duration
}

// DefaultConfig returns the production queue settings
func DefaultConfig() Config {
	return Config{
		MaxItems:        1000,
		MaxRetries:      3,
		BatchesPerCycle: 10,
		ProcessEvery:    30 * time.Second,
		FreshnessWindow: 24 * time.Hour,
		UploadTimeout:   15 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxItems <= 0 {
		c.MaxItems = d.MaxItems
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.BatchesPerCycle <= 0 {
		c.BatchesPerCycle = d.BatchesPerCycle
	}
	if c.ProcessEvery <= 0 {
		c.ProcessEvery = d.ProcessEvery
	}
	if c.FreshnessWindow <= 0 {
		c.FreshnessWindow = d.FreshnessWindow
	}
	if c.UploadTimeout <= 0 {
		c.UploadTimeout = d.UploadTimeout
	}
	return c
}

// Uploader sends one batch to the server
type Uploader interface {
	Upload(ctx context.Context, clientID string, batch []rows.EnhancedRow, batchID string) (*syncer.SyncResponse, error)
}

// Snapshotter persists the queue between runs
type Snapshotter interface {
	SaveQueue(ctx context.Context, data []byte) error
	LoadQueue(ctx context.Context) ([]byte, error)
	ClearQueue(ctx context.Context) error
}

// PendingBatch is one unit of upload work
type PendingBatch struct {
	BatchID    string             `json:"batchId"`
	Rows       []rows.EnhancedRow `json:"rows"`
	Timestamp  time.Time          `json:"timestamp"`
	RetryCount int                `json:"retryCount"`
}

// Stats summarizes queue activity. Counts are batches.
type Stats struct {
	Pending int  `json:"pending"`
	Sent    int  `json:"sent"`
	Failed  int  `json:"failed"`
	Dropped int  `json:"dropped"`
	Halted  bool `json:"halted"`
}

// ReportKind says what a Report is about
type ReportKind string

const (
	ReportSent    ReportKind = "sent"
	ReportRetry   ReportKind = "retry"
	ReportFailed  ReportKind = "failed"
	ReportDropped ReportKind = "dropped"
	ReportHalted  ReportKind = "halted"
)

// Report is published on the bus after every queue state change
type Report struct {
	Kind    ReportKind `json:"kind"`
	BatchID string     `json:"batchId,omitempty"`
	Error   string     `json:"error,omitempty"`
	Stats   Stats      `json:"stats"`
}

// Queue is the outbound upload queue
type Queue struct {
	config   Config
	uploader Uploader
	snap     Snapshotter
	bus      *events.Bus[Report]
	now      func() time.Time

	mu      sync.Mutex
	pending []PendingBatch
	sent    int
	failed  int
	dropped int
	halted  bool
	haltErr error

	online     atomic.Bool
	processing atomic.Bool // one cycle at a time
	rerun      atomic.Bool

	runCtx context.Context // guarded by mu
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a new queue. snap and bus may be nil.
func New(uploader Uploader, snap Snapshotter, bus *events.Bus[Report], cfg Config) *Queue {
	return &Queue{
		config:   cfg.withDefaults(),
		uploader: uploader,
		snap:     snap,
		bus:      bus,
		now:      time.Now,
	}
}

// SetOnline gates processing. Going online triggers a cycle.
func (q *Queue) SetOnline(online bool) {
	was := q.online.Swap(online)
	if online && !was {
		q.trigger()
	}
}

// Start restores the persisted queue and starts the processing loop
func (q *Queue) Start(ctx context.Context) error {
	if q.done != nil {
		return fmt.Errorf("queue already started")
	}
	if err := q.restore(ctx); err != nil {
		log.WithError(err).Warn("Failed to restore sync queue, starting empty")
	}

	runCtx, cancel := context.WithCancel(ctx)
	q.mu.Lock()
	q.runCtx = runCtx
	q.mu.Unlock()
	q.cancel = cancel
	q.done = make(chan struct{})
	go q.loop(runCtx)
	return nil
}

// Stop stops the loop and persists whatever is still pending. An upload
// already in flight is allowed to finish.
func (q *Queue) Stop() error {
	if q.cancel == nil {
		return nil
	}
	q.cancel()
	<-q.done
	q.mu.Lock()
	q.runCtx = nil
	q.mu.Unlock()
	q.cancel = nil
	q.done = nil

	// Wait for an in-flight cycle so its batch is back in the list
	for !q.processing.CompareAndSwap(false, true) {
		time.Sleep(5 * time.Millisecond)
	}
	defer q.processing.Store(false)
	if err := q.persist(context.Background()); err != nil {
		return err
	}

	// The snapshot owns the batches now; a later Start restores them
	q.mu.Lock()
	if q.snap != nil {
		q.pending = nil
	}
	q.mu.Unlock()
	return nil
}

func (q *Queue) loop(ctx context.Context) {
	defer close(q.done)

	ticker := time.NewTicker(q.config.ProcessEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.Process(ctx)
		}
	}
}

// trigger runs a cycle in the background while the loop is running
func (q *Queue) trigger() {
	q.mu.Lock()
	ctx := q.runCtx
	q.mu.Unlock()
	if ctx == nil || ctx.Err() != nil {
		return
	}
	go q.Process(ctx)
}

// Enqueue appends rows as a new batch. When the queue is over MaxItems the
// oldest batches are evicted and counted as dropped.
func (q *Queue) Enqueue(batch []rows.EnhancedRow) string {
	if len(batch) == 0 {
		return ""
	}
	pb := PendingBatch{
		BatchID:   uuid.NewString(),
		Rows:      append([]rows.EnhancedRow(nil), batch...),
		Timestamp: q.now(),
	}

	q.mu.Lock()
	q.pending = append(q.pending, pb)
	evicted := q.evictLocked()
	stats := q.statsLocked()
	q.mu.Unlock()

	q.reportEvicted(evicted, stats)
	q.trigger()
	return pb.BatchID
}

// evictLocked drops the oldest batches until the queue fits MaxItems.
func (q *Queue) evictLocked() int {
	evicted := 0
	for len(q.pending) > q.config.MaxItems {
		q.pending[0] = PendingBatch{}
		q.pending = q.pending[1:]
		evicted++
	}
	q.dropped += evicted
	return evicted
}

func (q *Queue) reportEvicted(evicted int, stats Stats) {
	if evicted > 0 {
		log.WithField("evicted", evicted).Warn("Sync queue full, dropped oldest batches")
		q.publish(Report{Kind: ReportDropped, Stats: stats})
	}
}

// Process runs upload cycles. It is a no-op while offline or halted. A call
// that arrives while a cycle is running asks that cycle to go around again.
func (q *Queue) Process(ctx context.Context) {
	if !q.online.Load() {
		return
	}
	if !q.processing.CompareAndSwap(false, true) {
		q.rerun.Store(true)
		return
	}
	for {
		ok := q.cycle(ctx)
		q.processing.Store(false)
		if !ok || !q.rerun.Swap(false) || !q.processing.CompareAndSwap(false, true) {
			return
		}
	}
}

// cycle uploads up to BatchesPerCycle batches from the head. It returns
// false when it stopped on a failure.
func (q *Queue) cycle(ctx context.Context) bool {
	for i := 0; i < q.config.BatchesPerCycle; i++ {
		if ctx.Err() != nil {
			return false
		}

		q.mu.Lock()
		if q.halted || len(q.pending) == 0 {
			q.mu.Unlock()
			return !q.halted
		}
		batch := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		if !q.send(ctx, batch) {
			return false
		}
	}
	return true
}

// send uploads one batch and reports whether the cycle may continue.
func (q *Queue) send(ctx context.Context, batch PendingBatch) bool {
	// Stop cancels the loop, not an upload already in flight
	uctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), q.config.UploadTimeout)
	resp, err := q.uploader.Upload(uctx, q.config.ClientID, batch.Rows, batch.BatchID)
	cancel()

	if err != nil && transport.KindOf(err) == transport.KindRejected {
		q.reject(batch, err)
		return true
	}
	if err != nil && !transport.IsRetryable(err) {
		q.halt(batch, err)
		return false
	}

	if err == nil && resp.Failed == 0 {
		q.mu.Lock()
		q.sent++
		stats := q.statsLocked()
		q.mu.Unlock()
		q.publish(Report{Kind: ReportSent, BatchID: batch.BatchID, Stats: stats})
		return true
	}

	if err == nil {
		if failed := failedRows(batch.Rows, resp); len(failed) > 0 {
			batch.Rows = failed
		}
		err = fmt.Errorf("%d of %d rows failed", resp.Failed, resp.Processed)
	}
	return q.retry(batch, err)
}

// retry requeues batch at the tail, or drops it once it has failed
// MaxRetries times. It returns false when the cycle must stop.
func (q *Queue) retry(batch PendingBatch, cause error) bool {
	batch.RetryCount++
	entry := log.WithError(cause).WithFields(log.Fields{
		"batch":   batch.BatchID,
		"retries": batch.RetryCount,
		"rows":    len(batch.Rows),
	})

	q.mu.Lock()
	if batch.RetryCount >= q.config.MaxRetries {
		q.failed++
		stats := q.statsLocked()
		q.mu.Unlock()
		entry.Error("Sync batch failed permanently")
		q.publish(Report{Kind: ReportFailed, BatchID: batch.BatchID, Error: cause.Error(), Stats: stats})
		return true
	}
	q.pending = append(q.pending, batch)
	evicted := q.evictLocked()
	stats := q.statsLocked()
	q.mu.Unlock()

	q.reportEvicted(evicted, stats)
	entry.Warn("Sync batch failed, requeued")
	q.publish(Report{Kind: ReportRetry, BatchID: batch.BatchID, Error: cause.Error(), Stats: stats})
	return false
}

// reject drops a batch the server refused for its content. Sending it again
// would fail the same way, so it is counted as failed without retries.
func (q *Queue) reject(batch PendingBatch, cause error) {
	q.mu.Lock()
	q.failed++
	stats := q.statsLocked()
	q.mu.Unlock()

	log.WithError(cause).WithFields(log.Fields{
		"batch": batch.BatchID,
		"rows":  len(batch.Rows),
	}).Error("Sync batch rejected by server, dropped")
	q.publish(Report{Kind: ReportFailed, BatchID: batch.BatchID, Error: cause.Error(), Stats: stats})
}

// halt puts batch back at the head without consuming a retry and stops
// processing until Resume.
func (q *Queue) halt(batch PendingBatch, cause error) {
	q.mu.Lock()
	q.pending = append([]PendingBatch{batch}, q.pending...)
	q.halted = true
	q.haltErr = cause
	stats := q.statsLocked()
	q.mu.Unlock()

	log.WithError(cause).Error("Sync queue halted")
	q.publish(Report{Kind: ReportHalted, BatchID: batch.BatchID, Error: cause.Error(), Stats: stats})
}

// Resume clears a halt, typically after the settings changed.
func (q *Queue) Resume() {
	q.mu.Lock()
	was := q.halted
	q.halted = false
	q.haltErr = nil
	q.mu.Unlock()
	if was {
		log.Info("Sync queue resumed")
		q.trigger()
	}
}

// Err returns the error that halted the queue, if any.
func (q *Queue) Err() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.haltErr
}

// Stats returns current counters
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.statsLocked()
}

func (q *Queue) statsLocked() Stats {
	return Stats{
		Pending: len(q.pending),
		Sent:    q.sent,
		Failed:  q.failed,
		Dropped: q.dropped,
		Halted:  q.halted,
	}
}

func (q *Queue) publish(r Report) {
	if q.bus != nil {
		q.bus.Publish(r)
	}
}

func failedRows(batch []rows.EnhancedRow, resp *syncer.SyncResponse) []rows.EnhancedRow {
	var out []rows.EnhancedRow
	for i, res := range resp.Results {
		if !res.Success && i < len(batch) {
			out = append(out, batch[i])
		}
	}
	return out
}

func (q *Queue) persist(ctx context.Context) error {
	if q.snap == nil {
		return nil
	}
	q.mu.Lock()
	pending := append([]PendingBatch(nil), q.pending...)
	q.mu.Unlock()

	if len(pending) == 0 {
		return q.snap.ClearQueue(ctx)
	}
	data, err := json.Marshal(pending)
	if err != nil {
		return fmt.Errorf("encode queue: %w", err)
	}
	if err := q.snap.SaveQueue(ctx, data); err != nil {
		return fmt.Errorf("save queue: %w", err)
	}
	log.WithField("batches", len(pending)).Info("Sync queue saved")
	return nil
}

// restore loads the persisted queue, keeping batches younger than
// FreshnessWindow, and clears the persisted copy.
func (q *Queue) restore(ctx context.Context) error {
	if q.snap == nil {
		return nil
	}
	data, err := q.snap.LoadQueue(ctx)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}

	var saved []PendingBatch
	if err := json.Unmarshal(data, &saved); err != nil {
		_ = q.snap.ClearQueue(ctx)
		return fmt.Errorf("decode queue: %w", err)
	}

	cutoff := q.now().Add(-q.config.FreshnessWindow)
	kept, stale := 0, 0
	q.mu.Lock()
	queued := make(map[string]bool, len(q.pending))
	for _, b := range q.pending {
		queued[b.BatchID] = true
	}
	for _, b := range saved {
		if b.Timestamp.Before(cutoff) {
			stale++
			continue
		}
		if queued[b.BatchID] {
			continue
		}
		q.pending = append(q.pending, b)
		kept++
	}
	q.evictLocked()
	q.mu.Unlock()

	log.WithFields(log.Fields{"restored": kept, "stale": stale}).Info("Sync queue restored")
	return q.snap.ClearQueue(ctx)
}
