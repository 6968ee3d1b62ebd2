package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinysync/pkg/notify"
	"github.com/nicktill/tinysync/pkg/rows"
	"github.com/nicktill/tinysync/pkg/sdk/events"
	"github.com/nicktill/tinysync/pkg/sdk/settings"
	"github.com/nicktill/tinysync/pkg/sdk/transport"
)

type fakeChannel struct {
	msgs   chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{msgs: make(chan []byte, 10), closed: make(chan struct{})}
}

func (c *fakeChannel) Next() ([]byte, error) {
	select {
	case m := <-c.msgs:
		return m, nil
	case <-c.closed:
		return nil, errors.New("channel closed")
	}
}

func (c *fakeChannel) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// fakeDialer hands out scripted results; after the script it fails
type fakeDialer struct {
	mu      sync.Mutex
	results []interface{} // *fakeChannel or error
	dials   int
}

func (d *fakeDialer) Dial(ctx context.Context) (Channel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if len(d.results) == 0 {
		return nil, errors.New("connection refused")
	}
	r := d.results[0]
	d.results = d.results[1:]
	if err, ok := r.(error); ok {
		return nil, err
	}
	return r.(*fakeChannel), nil
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

type fakeFetcher struct {
	mu     sync.Mutex
	calls  []transport.FetchRequest
	remote []rows.EnhancedRow
}

func (f *fakeFetcher) Fetch(ctx context.Context, req transport.FetchRequest) ([]rows.EnhancedRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	out := f.remote
	f.remote = nil
	return out, nil
}

func (f *fakeFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// timers captures scheduled reconnects so tests fire them by hand
type timers struct {
	mu     sync.Mutex
	delays []time.Duration
	funcs  []func()
}

func (tm *timers) after(d time.Duration, f func()) *time.Timer {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.delays = append(tm.delays, d)
	tm.funcs = append(tm.funcs, f)
	return time.NewTimer(time.Hour)
}

func (tm *timers) fireLast() {
	tm.mu.Lock()
	f := tm.funcs[len(tm.funcs)-1]
	tm.mu.Unlock()
	f()
}

func (tm *timers) all() []time.Duration {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return append([]time.Duration(nil), tm.delays...)
}

type applied struct {
	mu   sync.Mutex
	rows []rows.EnhancedRow
}

func (a *applied) apply(ctx context.Context, remote []rows.EnhancedRow) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rows = append(a.rows, remote...)
}

func (a *applied) len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.rows)
}

type harness struct {
	m       *Manager
	dialer  *fakeDialer
	fetcher *fakeFetcher
	timers  *timers
	applied *applied
	status  <-chan Status
}

func newHarness(t *testing.T, cfg Config, results ...interface{}) *harness {
	t.Helper()
	h := &harness{
		dialer:  &fakeDialer{results: results},
		fetcher: &fakeFetcher{},
		timers:  &timers{},
		applied: &applied{},
	}
	bus := events.NewBus[Status]()
	status, unsub := bus.Subscribe(64)
	t.Cleanup(unsub)
	h.status = status

	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Hour
	}
	h.m = NewManager(cfg, "c1", h.dialer, h.fetcher, h.applied.apply, bus)
	h.m.after = h.timers.after
	h.m.roll = func() float64 { return 1 }
	t.Cleanup(h.m.Disable)
	return h
}

func TestConfig_Backoff(t *testing.T) {
	cfg := Config{BaseDelay: time.Second, MaxBackoff: 60 * time.Second}
	assert.Equal(t, time.Second, cfg.Backoff(0))
	assert.Equal(t, 2*time.Second, cfg.Backoff(1))
	assert.Equal(t, 32*time.Second, cfg.Backoff(5))
	assert.Equal(t, 60*time.Second, cfg.Backoff(6))
	assert.Equal(t, 60*time.Second, cfg.Backoff(50))
}

func TestEnable_ConnectsAndPublishes(t *testing.T) {
	h := newHarness(t, Config{}, newFakeChannel())

	h.m.Enable(context.Background())

	st := h.m.Status()
	assert.Equal(t, Connected, st.State)
	assert.True(t, st.Connected)
	assert.Equal(t, MethodWebsocket, st.Method)
	assert.False(t, h.m.Polling())

	assert.Equal(t, Connecting, (<-h.status).State)
	assert.Equal(t, Connected, (<-h.status).State)
}

func TestClose_StartsPollingAndSchedulesBaseDelay(t *testing.T) {
	ch := newFakeChannel()
	h := newHarness(t, Config{BaseDelay: 250 * time.Millisecond}, ch)
	h.m.Enable(context.Background())
	require.Equal(t, Connected, h.m.Status().State)

	ch.Close()

	require.Eventually(t, h.m.Polling, time.Second, 5*time.Millisecond)
	assert.Equal(t, Disconnected, h.m.Status().State)
	assert.Equal(t, MethodPolling, h.m.Status().Method)
	assert.Equal(t, []time.Duration{250 * time.Millisecond}, h.timers.all())
	// one catch-up pull after the first connect, then the fallback poll
	require.Eventually(t, func() bool { return h.fetcher.count() == 2 }, time.Second, 5*time.Millisecond)
}

func TestFallbackPoll_CoversChangesMadeWhileConnected(t *testing.T) {
	ch := newFakeChannel()
	h := newHarness(t, Config{}, ch)

	var mu sync.Mutex
	clock := time.UnixMilli(1_000)
	h.m.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return clock
	}

	h.m.Enable(context.Background())
	require.Equal(t, Connected, h.m.Status().State)
	require.Equal(t, 1, h.fetcher.count())

	// a push for a change at 5000 never arrives, then the channel drops
	mu.Lock()
	clock = time.UnixMilli(9_000)
	mu.Unlock()
	ch.Close()

	require.Eventually(t, func() bool { return h.fetcher.count() == 2 }, time.Second, 5*time.Millisecond)
	h.fetcher.mu.Lock()
	defer h.fetcher.mu.Unlock()
	assert.Zero(t, h.fetcher.calls[0].Since, "first pull uses the server's default range")
	assert.Equal(t, int64(1_000), h.fetcher.calls[1].Since)
	assert.Less(t, h.fetcher.calls[1].Since, int64(5_000))
}

func TestCatchUp_OnlyOnFirstEnable(t *testing.T) {
	h := newHarness(t, Config{}, newFakeChannel(), newFakeChannel())
	h.fetcher.remote = []rows.EnhancedRow{{Row: rows.Row{Host: "a.com", Date: "20260105"}, SessionID: "other"}}

	h.m.Enable(context.Background())
	assert.Equal(t, 1, h.applied.len())

	h.m.Disable()
	h.m.Enable(context.Background())
	require.Equal(t, Connected, h.m.Status().State)
	assert.Equal(t, 1, h.fetcher.count())
}

func TestFailedConnects_BackOffUpToCap(t *testing.T) {
	h := newHarness(t, Config{BaseDelay: time.Second, MaxBackoff: time.Minute, MaxAttempts: 2})

	h.m.Enable(context.Background())
	assert.Equal(t, Disconnected, h.m.Status().State)
	assert.True(t, h.m.Polling())

	h.timers.fireLast()
	h.timers.fireLast()
	h.timers.fireLast()

	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second}, h.timers.all())
	assert.Equal(t, 4, h.dialer.count())
}

func TestReconnect_StopsPolling(t *testing.T) {
	h := newHarness(t, Config{}, errors.New("refused"), newFakeChannel())

	h.m.Enable(context.Background())
	require.True(t, h.m.Polling())

	h.timers.fireLast()
	assert.Equal(t, Connected, h.m.Status().State)
	assert.False(t, h.m.Polling())
}

func TestPushedRowsAreApplied(t *testing.T) {
	ch := newFakeChannel()
	h := newHarness(t, Config{}, ch)
	h.m.Enable(context.Background())

	msg, err := json.Marshal(notify.NewEvent(notify.EventDataUpdated, map[string]interface{}{
		"clientId": "c1",
		"rows":     []rows.EnhancedRow{{Row: rows.Row{Host: "a.com", Date: "20260105", Focus: 3}, SessionID: "other"}},
	}))
	require.NoError(t, err)
	ch.msgs <- []byte(`{"type":"client-connected","data":{"connectionId":"x"}}`)
	ch.msgs <- []byte(`not json`)
	ch.msgs <- msg

	require.Eventually(t, func() bool { return h.applied.len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, Connected, h.m.Status().State)
}

func TestPolledRowsAreApplied(t *testing.T) {
	h := newHarness(t, Config{})
	h.fetcher.remote = []rows.EnhancedRow{{Row: rows.Row{Host: "a.com", Date: "20260105"}, SessionID: "other"}}

	h.m.Enable(context.Background())

	require.Eventually(t, func() bool { return h.applied.len() == 1 }, time.Second, 5*time.Millisecond)
	h.fetcher.mu.Lock()
	assert.Equal(t, "c1", h.fetcher.calls[0].ClientID)
	assert.Zero(t, h.fetcher.calls[0].Since)
	h.fetcher.mu.Unlock()
}

func TestPollProbeRetriesConnect(t *testing.T) {
	h := newHarness(t, Config{ProbeChance: 0.5}, errors.New("refused"), newFakeChannel())
	h.m.roll = func() float64 { return 0.1 }

	h.m.Enable(context.Background())

	require.Eventually(t, func() bool { return h.m.Status().State == Connected }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, h.dialer.count())
	assert.False(t, h.m.Polling())
}

func TestDisable_DropsPendingReconnect(t *testing.T) {
	h := newHarness(t, Config{})
	h.m.Enable(context.Background())
	require.Equal(t, 1, h.dialer.count())

	h.m.Disable()
	st := h.m.Status()
	assert.Equal(t, Disconnected, st.State)
	assert.Equal(t, MethodNone, st.Method)
	assert.False(t, h.m.Polling())

	h.timers.fireLast()
	assert.Equal(t, 1, h.dialer.count())
}

func TestWSURL(t *testing.T) {
	u, err := wsURL("https://sync.example.com/", "c 1")
	require.NoError(t, err)
	assert.Equal(t, "wss://sync.example.com/ws?clientId=c+1", u)

	u, err = wsURL("http://localhost:8080/api", "c1")
	require.NoError(t, err)
	assert.Equal(t, "ws://localhost:8080/api/ws?clientId=c1", u)

	_, err = wsURL("ftp://x", "c1")
	assert.Error(t, err)
}

func TestWebsocketDialer_Classifies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no", http.StatusUnauthorized)
	}))
	defer srv.Close()

	d := &WebsocketDialer{
		Source:   settings.NewStatic(settings.Settings{Endpoint: srv.URL, APIKey: "k", Enabled: true}),
		ClientID: "c1",
	}
	_, err := d.Dial(context.Background())
	require.Error(t, err)
	assert.Equal(t, transport.KindAuth, transport.KindOf(err))

	d.Source = settings.NewStatic(settings.Settings{})
	_, err = d.Dial(context.Background())
	assert.Equal(t, transport.KindConfig, transport.KindOf(err))
}

func TestWebsocketDialer_ReceivesHubEvents(t *testing.T) {
	hub := notify.NewHub(notify.HubConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ws" {
			hub.HandleWebSocket(w, r)
		}
	}))
	defer srv.Close()

	d := &WebsocketDialer{
		Source:   settings.NewStatic(settings.Settings{Endpoint: srv.URL, APIKey: "k", Enabled: true}),
		ClientID: "c1",
	}
	ch, err := d.Dial(context.Background())
	require.NoError(t, err)
	defer ch.Close()

	msg, err := ch.Next()
	require.NoError(t, err)
	assert.Contains(t, string(msg), string(notify.EventClientConnected))
}
