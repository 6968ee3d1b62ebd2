package server

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/nicktill/tinysync/pkg/config"
	"github.com/nicktill/tinysync/pkg/server/monitor"
	"github.com/nicktill/tinysync/pkg/storage"
	"github.com/nicktill/tinysync/pkg/storage/badger"
	"github.com/nicktill/tinysync/pkg/tiering"
)

// sweeper is the part of tiering.Sweeper the scheduler needs
type sweeper interface {
	Sweep(ctx context.Context) (tiering.Result, error)
}

// RunSweep moves aged rows to the archive once on startup and then every
// interval, until ctx is cancelled.
func RunSweep(ctx context.Context, s sweeper, mon *monitor.SweepMonitor, interval time.Duration, wg *sync.WaitGroup) {
	defer wg.Done()

	if interval <= 0 {
		interval = config.SweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info("Running initial sweep (hot -> archive)")
	runSweepWithRetry(ctx, s, mon, config.SweepMaxRetries, config.SweepRetryBackoff)

	for {
		select {
		case <-ticker.C:
			log.Debug("Scheduled sweep started")
			runSweepWithRetry(ctx, s, mon, config.SweepMaxRetries, config.SweepRetryBackoff)
		case <-ctx.Done():
			log.Info("Stopping sweep scheduler")
			return
		}
	}
}

// runSweepWithRetry retries a failed sweep with exponential backoff:
// backoff, 2*backoff, 4*backoff...
func runSweepWithRetry(ctx context.Context, s sweeper, mon *monitor.SweepMonitor, maxRetries int, backoff time.Duration) {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			delay := backoff * time.Duration(1<<(attempt-1))
			log.WithFields(log.Fields{
				"delay":   delay,
				"attempt": attempt + 1,
			}).Warn("Retrying sweep")
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
		}

		res, err := s.Sweep(ctx)
		if err == nil {
			mon.RecordSuccess(res)
			log.WithFields(log.Fields{
				"cutoff":   res.Cutoff,
				"scanned":  res.Scanned,
				"archived": res.Archived,
				"deleted":  res.Deleted,
				"skipped":  res.Skipped,
				"errors":   res.Errors,
				"took":     res.Duration.Round(time.Millisecond),
			}).Info("Sweep completed")
			return
		}
		if ctx.Err() != nil {
			return
		}

		mon.RecordFailure(err)
		log.WithError(err).WithField("attempt", attempt+1).Error("Sweep failed")

		if status := mon.Status(); status.ConsecutiveErrors > 3 {
			log.WithField("consecutive_errors", status.ConsecutiveErrors).Error("ALERT: sweep keeps failing")
		}
	}

	log.WithField("attempts", maxRetries+1).Error("Sweep failed, will retry on next schedule")
}

// RunBadgerGC reclaims badger value-log space periodically. Stores other
// than badger return immediately.
func RunBadgerGC(ctx context.Context, store storage.Store, wg *sync.WaitGroup) {
	defer wg.Done()

	badgerStore, ok := store.(*badger.Storage)
	if !ok {
		log.Debug("Hot store is not BadgerDB, skipping GC")
		return
	}

	ticker := time.NewTicker(config.BadgerGCInterval)
	defer ticker.Stop()
	log.WithField("every", config.BadgerGCInterval).Info("BadgerDB GC scheduler started")

	for {
		select {
		case <-ticker.C:
			start := time.Now()
			// An error means nothing was worth rewriting
			if err := badgerStore.RunGC(0.5); err != nil {
				log.WithField("took", time.Since(start).Round(time.Millisecond)).Debug("GC finished, no rewrite needed")
			} else {
				log.WithField("took", time.Since(start).Round(time.Millisecond)).Info("GC reclaimed disk space")
			}
		case <-ctx.Done():
			log.Info("Stopping BadgerDB GC scheduler")
			return
		}
	}
}
