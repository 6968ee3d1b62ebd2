// Package realtime keeps a client subscribed to server pushes, falling back
// to polling while the WebSocket channel is down.
//
// State machine:
//
//	Disconnected ──Enable/reconnect──▶ Connecting ──ok──▶ Connected
//	      ▲                                │                  │
//	      └──────────── Error ◀────────────┘◀──── close ──────┘
//
// Polling runs alongside the state machine whenever the channel is down and
// stops on a successful connect.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/nicktill/tinysync/pkg/notify"
	"github.com/nicktill/tinysync/pkg/rows"
	"github.com/nicktill/tinysync/pkg/sdk/events"
	"github.com/nicktill/tinysync/pkg/sdk/transport"
)

// State of the real-time channel
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Error
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Method is how remote changes currently reach the client
type Method string

const (
	MethodWebsocket Method = "websocket"
	MethodPolling   Method = "polling"
	MethodNone      Method = "none"
)

// Status is published on every transition
type Status struct {
	State     State  `json:"-"`
	Connected bool   `json:"connected"`
	Method    Method `json:"method"`
	Attempt   int    `json:"attempt,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Config tunes reconnects and polling
type Config struct {
	BaseDelay      time.Duration
	MaxBackoff     time.Duration
	MaxAttempts    int // caps the back-off exponent; reconnects never stop
	PollInterval   time.Duration
	ProbeChance    float64
	ConnectTimeout time.Duration
	FetchTimeout   time.Duration
}

// DefaultConfig returns the production settings
func DefaultConfig() Config {
	return Config{
		BaseDelay:      time.Second,
		MaxBackoff:     60 * time.Second,
		MaxAttempts:    10,
		PollInterval:   30 * time.Second,
		ProbeChance:    0.1,
		ConnectTimeout: 10 * time.Second,
		FetchTimeout:   10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.ProbeChance < 0 {
		c.ProbeChance = 0
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = d.FetchTimeout
	}
	return c
}

// Backoff returns min(BaseDelay * 2^attempt, MaxBackoff).
func (c Config) Backoff(attempt int) time.Duration {
	d := c.BaseDelay
	for i := 0; i < attempt && d < c.MaxBackoff; i++ {
		d *= 2
	}
	return min(d, c.MaxBackoff)
}

// Channel is an open real-time connection
type Channel interface {
	// Next blocks for the next message; any error means the channel is gone
	Next() ([]byte, error)
	Close() error
}

// Dialer opens channels
type Dialer interface {
	Dial(ctx context.Context) (Channel, error)
}

// Fetcher downloads rows changed since a point in time
type Fetcher interface {
	Fetch(ctx context.Context, req transport.FetchRequest) ([]rows.EnhancedRow, error)
}

// ApplyFunc receives remote rows, pushed or polled alike
type ApplyFunc func(ctx context.Context, remote []rows.EnhancedRow)

// Manager runs the connection state machine and the polling fallback
type Manager struct {
	cfg      Config
	clientID string
	dialer   Dialer
	fetcher  Fetcher
	apply    ApplyFunc
	bus      *events.Bus[Status]

	now   func() time.Time
	after func(d time.Duration, f func()) *time.Timer
	roll  func() float64

	mu         sync.Mutex
	enabled    bool
	gen        uint64 // bumped by Enable/Disable to orphan stale callbacks
	ctx        context.Context
	state      State
	conn       Channel
	attempt    int
	reconnect  *time.Timer
	nextDelay  time.Duration
	pollCancel context.CancelFunc
	pollDone   chan struct{}
	lastPoll   int64
}

// NewManager creates a disabled manager. bus may be nil.
func NewManager(cfg Config, clientID string, dialer Dialer, fetcher Fetcher, apply ApplyFunc, bus *events.Bus[Status]) *Manager {
	return &Manager{
		cfg:      cfg.withDefaults(),
		clientID: clientID,
		dialer:   dialer,
		fetcher:  fetcher,
		apply:    apply,
		bus:      bus,
		now:      time.Now,
		after:    time.AfterFunc,
		roll:     rand.Float64,
		state:    Disconnected,
	}
}

// Enable turns real-time sync on and makes the first connect attempt.
// Calling it while enabled is a no-op.
func (m *Manager) Enable(ctx context.Context) {
	m.mu.Lock()
	if m.enabled {
		m.mu.Unlock()
		return
	}
	m.enabled = true
	m.gen++
	m.ctx = ctx
	m.attempt = 0
	gen := m.gen
	m.mu.Unlock()

	log.Info("Real-time sync enabled")
	m.connect(gen)
	m.catchUp(gen)
}

// catchUp pulls once when the first connect succeeds, so changes made while
// this client was not running are seen without waiting for a disconnect. A
// failed connect needs no catch-up: polling starts right away.
func (m *Manager) catchUp(gen uint64) {
	m.mu.Lock()
	if !m.enabled || gen != m.gen || m.state != Connected || m.lastPoll != 0 {
		m.mu.Unlock()
		return
	}
	ctx := m.ctx
	m.mu.Unlock()

	m.fetch(ctx)
}

// Disable stops timers, drops pending reconnects and closes the channel.
func (m *Manager) Disable() {
	m.mu.Lock()
	if !m.enabled {
		m.mu.Unlock()
		return
	}
	m.enabled = false
	m.gen++
	m.stopReconnectLocked()
	done := m.stopPollingLocked()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
	m.attempt = 0
	m.setStateLocked(Disconnected, nil)
	m.mu.Unlock()

	if done != nil {
		<-done
	}
	log.Info("Real-time sync disabled")
}

// Status returns the current status
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusLocked(nil)
}

// NextDelay is the back-off used for the most recently scheduled reconnect
func (m *Manager) NextDelay() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextDelay
}

// Polling reports whether the polling fallback is running
func (m *Manager) Polling() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pollCancel != nil
}

func (m *Manager) connect(gen uint64) {
	m.mu.Lock()
	if !m.enabled || gen != m.gen || m.state == Connecting || m.state == Connected {
		m.mu.Unlock()
		return
	}
	m.setStateLocked(Connecting, nil)
	ctx := m.ctx
	m.mu.Unlock()

	dctx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	ch, err := m.dialer.Dial(dctx)
	cancel()

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.enabled || gen != m.gen {
		if ch != nil {
			ch.Close()
		}
		return
	}

	if err != nil {
		log.WithError(err).WithField("attempt", m.attempt).Warn("Real-time connect failed")
		m.setStateLocked(Error, err)
		m.setStateLocked(Disconnected, err)
		m.startPollingLocked()
		m.scheduleReconnectLocked()
		return
	}

	m.conn = ch
	m.attempt = 0
	m.stopReconnectLocked()
	m.stopPollingLocked()
	m.setStateLocked(Connected, nil)
	log.Info("Real-time channel connected")

	go m.read(ch, gen)
}

func (m *Manager) read(ch Channel, gen uint64) {
	for {
		msg, err := ch.Next()
		if err != nil {
			m.onClosed(ch, gen, err)
			return
		}
		m.handle(msg)
	}
}

func (m *Manager) onClosed(ch Channel, gen uint64, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen || m.conn != ch {
		return
	}
	ch.Close()
	m.conn = nil

	log.WithError(cause).Warn("Real-time channel closed, falling back to polling")
	m.setStateLocked(Disconnected, cause)
	m.startPollingLocked()
	m.scheduleReconnectLocked()
}

func (m *Manager) scheduleReconnectLocked() {
	m.stopReconnectLocked()
	delay := m.cfg.Backoff(m.attempt)
	if m.attempt < m.cfg.MaxAttempts {
		m.attempt++
	}
	m.nextDelay = delay
	gen := m.gen
	m.reconnect = m.after(delay, func() { m.connect(gen) })
	log.WithField("delay", delay).Debug("Reconnect scheduled")
}

func (m *Manager) stopReconnectLocked() {
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
}

func (m *Manager) startPollingLocked() {
	if m.pollCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(m.ctx)
	m.pollCancel = cancel
	m.pollDone = make(chan struct{})
	go m.pollLoop(ctx, m.gen, m.pollDone)
	m.publishLocked(nil)
}

// stopPollingLocked cancels polling and returns a channel closed when the
// loop has exited.
func (m *Manager) stopPollingLocked() chan struct{} {
	if m.pollCancel == nil {
		return nil
	}
	m.pollCancel()
	m.pollCancel = nil
	done := m.pollDone
	m.pollDone = nil
	return done
}

func (m *Manager) pollLoop(ctx context.Context, gen uint64, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	// First poll right away
	for {
		m.poll(ctx, gen)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Manager) poll(ctx context.Context, gen uint64) {
	if !m.fetch(ctx) {
		return
	}

	// Occasionally try the socket again without waiting for the back-off
	if m.roll() < m.cfg.ProbeChance {
		go m.connect(gen)
	}
}

// fetch applies rows modified since the last successful poll. The mark only
// moves on success, so a push lost while connected is still picked up by the
// next poll; re-applying a row already seen is a no-op merge. It returns
// false when ctx was cancelled.
func (m *Manager) fetch(ctx context.Context) bool {
	m.mu.Lock()
	since := m.lastPoll
	m.mu.Unlock()

	started := m.now().UnixMilli()
	fctx, cancel := context.WithTimeout(ctx, m.cfg.FetchTimeout)
	remote, err := m.fetcher.Fetch(fctx, transport.FetchRequest{ClientID: m.clientID, Since: since})
	cancel()

	switch {
	case ctx.Err() != nil:
		return false
	case err != nil:
		log.WithError(err).Debug("Poll failed")
	default:
		m.mu.Lock()
		if started > m.lastPoll {
			m.lastPoll = started
		}
		m.mu.Unlock()
		if len(remote) > 0 {
			log.WithField("rows", len(remote)).Debug("Poll found remote changes")
			m.apply(ctx, remote)
		}
	}
	return true
}

func (m *Manager) handle(msg []byte) {
	switch notify.EventType(gjson.GetBytes(msg, "type").String()) {
	case notify.EventDataUpdated:
		raw := gjson.GetBytes(msg, "data.rows")
		if !raw.IsArray() {
			return
		}
		var remote []rows.EnhancedRow
		if err := json.Unmarshal([]byte(raw.Raw), &remote); err != nil {
			log.WithError(err).Warn("Malformed data-updated message")
			return
		}
		if len(remote) == 0 {
			return
		}
		m.mu.Lock()
		ctx := m.ctx
		m.mu.Unlock()
		m.apply(ctx, remote)

	case notify.EventClientConnected:
		log.WithField("connection", gjson.GetBytes(msg, "data.connectionId").String()).Debug("Server acknowledged connection")

	case notify.EventSyncStatus:
		log.WithField("status", gjson.GetBytes(msg, "data").Raw).Debug("Sync status")
	}
}

func (m *Manager) setStateLocked(s State, cause error) {
	m.state = s
	m.publishLocked(cause)
}

func (m *Manager) publishLocked(cause error) {
	if m.bus != nil {
		m.bus.Publish(m.statusLocked(cause))
	}
}

func (m *Manager) statusLocked(cause error) Status {
	st := Status{State: m.state, Attempt: m.attempt, Method: MethodNone}
	switch {
	case m.state == Connected:
		st.Connected = true
		st.Method = MethodWebsocket
	case m.pollCancel != nil:
		st.Method = MethodPolling
	}
	if cause != nil {
		st.Error = cause.Error()
	}
	return st
}
