package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinysync/pkg/api"
	"github.com/nicktill/tinysync/pkg/httpx"
	"github.com/nicktill/tinysync/pkg/rows"
	"github.com/nicktill/tinysync/pkg/sdk/settings"
	"github.com/nicktill/tinysync/pkg/syncer"
)

func newTransport(endpoint string) *HTTPTransport {
	return NewHTTP(settings.NewStatic(settings.Settings{Endpoint: endpoint, APIKey: "test-api-key", Enabled: true}))
}

func TestNewHTTP(t *testing.T) {
	tr := newTransport("http://localhost:8080")
	require.NotNil(t, tr.client)
	assert.Equal(t, DefaultTimeout, tr.client.Timeout)
}

func TestHTTPTransport_Upload_Success(t *testing.T) {
	var received syncer.SyncRequest
	var gotKey, gotClient string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/sync", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		gotKey = r.Header.Get(api.APIKeyHeader)
		gotClient = r.Header.Get("X-Client-Id")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))

		httpx.RespondJSON(w, http.StatusOK, syncer.SyncResponse{Success: true, Processed: 1, Successful: 1,
			Results: []syncer.RowResult{{Success: true, Version: 1}}})
	}))
	defer server.Close()

	tr := newTransport(server.URL + "/")
	batch := []rows.EnhancedRow{{Row: rows.Row{Host: "a.com", Date: "20260105", Focus: 1}, SessionID: "s1"}}
	resp, err := tr.Upload(context.Background(), "c1", batch, "b1")
	require.NoError(t, err)

	assert.True(t, resp.Success)
	assert.Equal(t, "test-api-key", gotKey)
	assert.Equal(t, "c1", gotClient)
	assert.Equal(t, "c1", received.ClientID)
	assert.Equal(t, "b1", received.BatchID)
	require.Len(t, received.Rows, 1)
}

func TestHTTPTransport_Fetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/data", r.URL.Path)
		assert.Equal(t, "c2", r.URL.Query().Get("clientId"))
		assert.Equal(t, "1234", r.URL.Query().Get("since"))
		assert.Equal(t, "c1", r.Header.Get("X-Client-Id"))

		httpx.RespondJSON(w, http.StatusOK, api.DataResponse{Success: true, Count: 1,
			Data: []rows.EnhancedRow{{Row: rows.Row{Host: "a.com", Date: "20260105", Focus: 9}}}})
	}))
	defer server.Close()

	got, err := newTransport(server.URL).Fetch(context.Background(), FetchRequest{ClientID: "c1", TargetClientID: "c2", Since: 1234})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, uint64(9), got[0].Focus)
}

func TestHTTPTransport_Clients(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		httpx.RespondJSON(w, http.StatusOK, api.ClientsResponse{Clients: []syncer.ClientInfo{{ID: "c1", Current: true}}})
	}))
	defer server.Close()

	clients, err := newTransport(server.URL).Clients(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, clients, 1)
	assert.True(t, clients[0].Current)
}

func TestHTTPTransport_ErrorKinds(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantKind  Kind
		retryable bool
	}{
		{"unauthorized", http.StatusUnauthorized, KindAuth, false},
		{"forbidden", http.StatusForbidden, KindAuth, false},
		{"bad request", http.StatusBadRequest, KindRejected, false},
		{"body too large", http.StatusRequestEntityTooLarge, KindRejected, false},
		{"too many requests", http.StatusTooManyRequests, KindTransport, true},
		{"server error", http.StatusInternalServerError, KindTransport, true},
		{"unavailable", http.StatusServiceUnavailable, KindTransport, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				httpx.RespondErrorString(w, tt.status, "nope")
			}))
			defer server.Close()

			_, err := newTransport(server.URL).Upload(context.Background(), "c1", nil, "b")
			require.Error(t, err)

			var te *Error
			require.True(t, errors.As(err, &te))
			assert.Equal(t, tt.wantKind, te.Kind)
			assert.Equal(t, tt.status, te.Status)
			assert.Equal(t, tt.retryable, IsRetryable(err))
			assert.Contains(t, err.Error(), "nope")
		})
	}
}

func TestHTTPTransport_ConfigErrors(t *testing.T) {
	tr := NewHTTP(settings.NewStatic(settings.Settings{Enabled: true}))

	_, err := tr.Upload(context.Background(), "c1", nil, "b")
	require.Error(t, err)
	assert.Equal(t, KindConfig, KindOf(err))
	assert.False(t, IsRetryable(err))
	assert.ErrorIs(t, err, settings.ErrMissingEndpoint)
}

func TestHTTPTransport_NetworkError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := newTransport(url).Fetch(context.Background(), FetchRequest{ClientID: "c1"})
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
}

func TestHTTPTransport_ContextTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := newTransport(server.URL).Upload(ctx, "c1", nil, "b")
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestIsRetryable_ForeignError(t *testing.T) {
	assert.False(t, IsRetryable(errors.New("boom")))
	assert.Equal(t, KindTransport, KindOf(errors.New("boom")))
}
