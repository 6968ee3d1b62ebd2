package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinysync/pkg/config"
	"github.com/nicktill/tinysync/pkg/notify"
	"github.com/nicktill/tinysync/pkg/rows"
	"github.com/nicktill/tinysync/pkg/server"
	"github.com/nicktill/tinysync/pkg/syncer"
)

func startServer(t *testing.T, badgerDir string) (*server.Components, *httptest.Server) {
	t.Helper()
	cfg := config.Default()
	cfg.Server.APIKey = "k"
	cfg.Archive.Dir = t.TempDir()
	if badgerDir == "" {
		cfg.Storage.InMemory = true
	} else {
		cfg.Storage.Path = badgerDir
	}

	c, err := server.Initialize(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { c.Store.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go c.Hub.Run(ctx)

	router := mux.NewRouter()
	server.SetupRoutes(router, c)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return c, srv
}

func upload(t *testing.T, srv *httptest.Server, clientID string, batch []rows.EnhancedRow) syncer.SyncResponse {
	t.Helper()
	body, err := json.Marshal(syncer.SyncRequest{ClientID: clientID, Rows: batch})
	require.NoError(t, err)

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/sync", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", "k")
	req.Header.Set(notify.ClientIDHeader, clientID)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out syncer.SyncResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func download(t *testing.T, srv *httptest.Server, clientID string, q url.Values) []rows.EnhancedRow {
	t.Helper()
	q.Set("clientId", clientID)
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/data?"+q.Encode(), nil)
	req.Header.Set("Authorization", "Bearer k")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Data []rows.EnhancedRow `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out.Data
}

// TestE2E_TwoSessionsSeeEachOther uploads from one session and expects a
// second session of the same client to receive the push.
func TestE2E_TwoSessionsSeeEachOther(t *testing.T) {
	_, srv := startServer(t, "")

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?clientId=c1&apiKey=k"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer ws.Close()

	var hello notify.Event
	require.NoError(t, ws.ReadJSON(&hello))
	require.Equal(t, notify.EventClientConnected, hello.Type)

	today := rows.FormatDate(time.Now().UTC())
	now := time.Now().UnixMilli()
	res := upload(t, srv, "c1", []rows.EnhancedRow{
		{Row: rows.Row{Host: "a.com", Date: today, Focus: 10, Time: 4}, SessionID: "laptop", LastModified: now},
	})
	require.True(t, res.Success)

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev struct {
		Type string `json:"type"`
		Data struct {
			ClientID string             `json:"clientId"`
			Rows     []rows.EnhancedRow `json:"rows"`
		} `json:"data"`
	}
	require.NoError(t, ws.ReadJSON(&ev))
	assert.Equal(t, string(notify.EventDataUpdated), ev.Type)
	require.Len(t, ev.Data.Rows, 1)
	assert.Equal(t, "laptop", ev.Data.Rows[0].SessionID)

	// A newer write from another session takes the per-field max
	res = upload(t, srv, "c1", []rows.EnhancedRow{
		{Row: rows.Row{Host: "a.com", Date: today, Focus: 7, Time: 9}, SessionID: "desktop", LastModified: now + 1000},
	})
	require.True(t, res.Success)
	require.NotEmpty(t, res.Results[0].Conflicts)

	got := download(t, srv, "c1", url.Values{})
	require.Len(t, got, 1)
	assert.Equal(t, uint64(10), got[0].Focus)
	assert.Equal(t, uint64(9), got[0].Time)
	assert.Equal(t, uint64(2), got[0].Version)
}

// TestE2E_SweepMovesRowsToArchive checks that aged rows stay readable after
// the sweep moves them out of badger.
func TestE2E_SweepMovesRowsToArchive(t *testing.T) {
	c, srv := startServer(t, t.TempDir())

	old := rows.FormatDate(time.Now().UTC().AddDate(0, 0, -20))
	today := rows.FormatDate(time.Now().UTC())
	now := time.Now().UnixMilli()
	upload(t, srv, "c1", []rows.EnhancedRow{
		{Row: rows.Row{Host: "old.com", Date: old, Focus: 30, Time: 20}, SessionID: "s1", LastModified: now},
		{Row: rows.Row{Host: "new.com", Date: today, Focus: 1, Time: 1}, SessionID: "s1", LastModified: now},
	})

	res, err := c.Sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Archived)
	assert.Equal(t, 1, res.Deleted)

	stats, err := c.Store.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.TotalRecords)

	got := download(t, srv, "c1", url.Values{"startDate": {old}, "endDate": {today}})
	require.Len(t, got, 2)
	assert.Equal(t, "old.com", got[0].Host)
	assert.Equal(t, uint64(30), got[0].Focus)
	assert.Equal(t, "new.com", got[1].Host)
}

func TestE2E_InvalidRequests(t *testing.T) {
	_, srv := startServer(t, "")

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"no key", http.MethodGet, "/data?clientId=c1", "", http.StatusUnauthorized},
		{"bad json", http.MethodPost, "/sync", "{", http.StatusBadRequest},
		{"bad since", http.MethodGet, "/data?clientId=c1&since=abc", "", http.StatusBadRequest},
		{"reversed range", http.MethodGet, "/data?clientId=c1&startDate=20260110&endDate=20260101", "", http.StatusBadRequest},
		{"ws without client", http.MethodGet, "/ws", "", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(tt.method, srv.URL+tt.path, strings.NewReader(tt.body))
			if tt.name != "no key" {
				req.Header.Set("X-API-Key", "k")
			}
			req.Header.Set(notify.ClientIDHeader, "c1")
			if tt.name == "ws without client" {
				req.Header.Del(notify.ClientIDHeader)
			}
			resp, err := http.DefaultClient.Do(req)
			require.NoError(t, err)
			resp.Body.Close()
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}
