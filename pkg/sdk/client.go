package sdk

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/nicktill/tinysync/pkg/rows"
	"github.com/nicktill/tinysync/pkg/sdk/events"
	"github.com/nicktill/tinysync/pkg/sdk/local"
	"github.com/nicktill/tinysync/pkg/sdk/queue"
	"github.com/nicktill/tinysync/pkg/sdk/realtime"
	"github.com/nicktill/tinysync/pkg/sdk/settings"
	"github.com/nicktill/tinysync/pkg/sdk/transport"
	"github.com/nicktill/tinysync/pkg/syncer"
)

// Config holds configuration for the sync engine
type Config struct {
	// Settings supplies endpoint, API key and the enabled flag. Required.
	Settings settings.Provider

	// DataDir holds the local database and the client identity file.
	DataDir string

	// DBPath overrides the database location (":memory:" in tests).
	DBPath string

	// SessionID identifies this run. A random one is generated when empty.
	SessionID string

	Queue    queue.Config
	Realtime realtime.Config

	// Transport and Dialer replace the HTTP and websocket defaults.
	Transport transport.Transport
	Dialer    realtime.Dialer
}

const defaultDataDir = "./data/client"

// Engine keeps the local usage store in sync with the server.
type Engine struct {
	config    Config
	clientID  string
	sessionID string

	local     *local.Store
	transport transport.Transport
	queue     *queue.Queue
	manager   *realtime.Manager

	statuses *events.Bus[realtime.Status]
	reports  *events.Bus[queue.Report]

	now func() time.Time

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates an engine. Nothing touches the network until Start.
func New(cfg Config) (*Engine, error) {
	if cfg.Settings == nil {
		return nil, errors.New("settings provider is required")
	}
	if cfg.DataDir == "" {
		cfg.DataDir = defaultDataDir
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "usage.db")
	}
	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
	}

	clientID := cfg.Settings.Current().ClientID
	if clientID == "" {
		id, err := settings.LoadOrCreateClientID(filepath.Join(cfg.DataDir, "client_id"))
		if err != nil {
			return nil, fmt.Errorf("failed to resolve client id: %w", err)
		}
		clientID = id
	}

	store, err := local.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}

	e := &Engine{
		config:    cfg,
		clientID:  clientID,
		sessionID: cfg.SessionID,
		local:     store,
		transport: cfg.Transport,
		statuses:  events.NewBus[realtime.Status](),
		reports:   events.NewBus[queue.Report](),
		now:       time.Now,
	}
	if e.transport == nil {
		e.transport = transport.NewHTTP(cfg.Settings)
	}

	qcfg := cfg.Queue
	qcfg.ClientID = clientID
	e.queue = queue.New(e.transport, store, e.reports, qcfg)

	dialer := cfg.Dialer
	if dialer == nil {
		dialer = &realtime.WebsocketDialer{Source: cfg.Settings, ClientID: clientID}
	}
	e.manager = realtime.NewManager(cfg.Realtime, clientID, dialer, e.transport, e.applyRemote, e.statuses)

	store.AddListener(e.onLocalChange)
	return e, nil
}

// Start restores the outbound queue and goes online if settings allow it.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return fmt.Errorf("engine already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := e.queue.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("failed to start queue: %w", err)
	}
	e.cancel = cancel
	e.started = true

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.applySettings(runCtx, e.config.Settings.Current())
		e.watchSettings(runCtx)
	}()

	log.WithFields(log.Fields{
		"client":  e.clientID,
		"session": e.sessionID,
	}).Info("Sync engine started")
	return nil
}

// Stop takes the engine offline, persists pending uploads and closes the
// local store. The engine cannot be restarted.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = false
	e.cancel()
	e.mu.Unlock()

	e.wg.Wait()
	e.manager.Disable()
	e.queue.SetOnline(false)

	var errs []error
	if err := e.queue.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("persist queue: %w", err))
	}
	if err := e.local.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close local store: %w", err))
	}
	e.statuses.Close()
	e.reports.Close()

	log.Info("Sync engine stopped")
	return errors.Join(errs...)
}

func (e *Engine) watchSettings(ctx context.Context) {
	changes := e.config.Settings.Changes()
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-changes:
			if !ok {
				return
			}
			e.applySettings(ctx, s)
		}
	}
}

// applySettings reconnects with the new settings or takes the engine offline.
func (e *Engine) applySettings(ctx context.Context, s settings.Settings) {
	online := s.Online()
	log.WithFields(log.Fields{
		"online":   online,
		"endpoint": s.Endpoint,
	}).Info("Applying sync settings")

	e.manager.Disable()
	if !online {
		e.queue.SetOnline(false)
		return
	}
	e.queue.Resume()
	e.queue.SetOnline(true)
	e.manager.Enable(ctx)
}

// Track adds usage for host on today's date.
func (e *Engine) Track(ctx context.Context, host string, focus, total uint64) error {
	return e.Record(ctx, rows.Row{
		Host:  host,
		Date:  rows.FormatDate(e.now()),
		Focus: focus,
		Time:  total,
	})
}

// Record adds delta to the local store. The change is queued for upload by
// the store listener.
func (e *Engine) Record(ctx context.Context, delta rows.Row) error {
	if err := delta.Validate(); err != nil {
		return err
	}
	return e.local.Accumulate(ctx, delta)
}

func (e *Engine) onLocalChange(delta rows.Row) {
	e.queue.Enqueue([]rows.EnhancedRow{{
		Row:          delta,
		ClientID:     e.clientID,
		SessionID:    e.sessionID,
		LastModified: e.now().UnixMilli(),
	}})
}

// applyRemote folds rows from other sessions into the local store. Rows of
// our own session are already counted locally. Each fold is one local
// transaction, so a delta recorded meanwhile is never overwritten.
func (e *Engine) applyRemote(ctx context.Context, remote []rows.EnhancedRow) {
	applied := 0
	for _, r := range remote {
		if r.SessionID == e.sessionID {
			continue
		}

		changed, err := e.local.Merge(ctx, r.Host, r.Date, func(entry *local.Entry) (rows.Row, int64, bool) {
			var existing *rows.EnhancedRow
			if entry != nil {
				existing = &rows.EnhancedRow{
					Row:          entry.Row,
					ClientID:     e.clientID,
					SessionID:    e.sessionID,
					LastModified: entry.LastModified,
				}
			}
			resolved, _, changed := rows.Merge(existing, r)
			return resolved.Row, resolved.LastModified, changed
		})
		if err != nil {
			log.WithError(err).WithFields(log.Fields{
				"host": r.Host,
				"date": r.Date,
			}).Warn("Failed to apply remote row")
			continue
		}
		if changed {
			applied++
		}
	}

	if applied > 0 {
		log.WithFields(log.Fields{
			"received": len(remote),
			"applied":  applied,
		}).Debug("Remote rows applied")
	}
}

// Pull downloads this client's rows for [startDate, endDate] and applies
// them. Empty dates use the server's default range.
func (e *Engine) Pull(ctx context.Context, startDate, endDate string) (int, error) {
	remote, err := e.transport.Fetch(ctx, transport.FetchRequest{
		ClientID:  e.clientID,
		StartDate: startDate,
		EndDate:   endDate,
	})
	if err != nil {
		return 0, err
	}
	e.applyRemote(ctx, remote)
	return len(remote), nil
}

// Rows returns local rows for [startDate, endDate]
func (e *Engine) Rows(ctx context.Context, startDate, endDate string) ([]local.Entry, error) {
	return e.local.Rows(ctx, startDate, endDate)
}

// Clients lists the clients known to the server
func (e *Engine) Clients(ctx context.Context) ([]syncer.ClientInfo, error) {
	return e.transport.Clients(ctx, e.clientID)
}

// Statuses subscribes to transport status changes
func (e *Engine) Statuses(buffer int) (<-chan realtime.Status, func()) {
	return e.statuses.Subscribe(buffer)
}

// Reports subscribes to upload outcomes
func (e *Engine) Reports(buffer int) (<-chan queue.Report, func()) {
	return e.reports.Subscribe(buffer)
}

func (e *Engine) Status() realtime.Status { return e.manager.Status() }
func (e *Engine) QueueStats() queue.Stats  { return e.queue.Stats() }
func (e *Engine) ClientID() string         { return e.clientID }
func (e *Engine) SessionID() string        { return e.sessionID }
