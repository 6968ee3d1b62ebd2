package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nicktill/tinysync/pkg/api"
	"github.com/nicktill/tinysync/pkg/httpx"
	"github.com/nicktill/tinysync/pkg/notify"
	"github.com/nicktill/tinysync/pkg/rows"
	"github.com/nicktill/tinysync/pkg/sdk/settings"
	"github.com/nicktill/tinysync/pkg/syncer"
)

// DefaultTimeout bounds every request
const DefaultTimeout = 10 * time.Second

// Transport is the engine's view of the sync server
type Transport interface {
	Upload(ctx context.Context, clientID string, batch []rows.EnhancedRow, batchID string) (*syncer.SyncResponse, error)
	Fetch(ctx context.Context, req FetchRequest) ([]rows.EnhancedRow, error)
	Clients(ctx context.Context, clientID string) ([]syncer.ClientInfo, error)
}

// FetchRequest selects rows for download. Empty dates use the server
// defaults; Since is epoch ms (0 = everything).
type FetchRequest struct {
	ClientID       string
	TargetClientID string
	StartDate      string
	EndDate        string
	Since          int64
}

// Source yields the settings in effect for the next request
type Source interface {
	Current() settings.Settings
}

// HTTPTransport implements Transport over the server's REST API
type HTTPTransport struct {
	source Source
	client *http.Client
}

// NewHTTP creates a new HTTP transport. Endpoint and key are read from
// source on every call, so settings changes apply without rebuilding it.
func NewHTTP(source Source) *HTTPTransport {
	return &HTTPTransport{
		source: source,
		client: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
}

// Upload sends one batch to POST /sync.
func (t *HTTPTransport) Upload(ctx context.Context, clientID string, batch []rows.EnhancedRow, batchID string) (*syncer.SyncResponse, error) {
	payload, err := json.Marshal(syncer.SyncRequest{ClientID: clientID, Rows: batch, BatchID: batchID})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal rows: %w", err)
	}

	var resp syncer.SyncResponse
	if err := t.do(ctx, http.MethodPost, "/sync", nil, clientID, payload, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Fetch downloads rows from GET /data.
func (t *HTTPTransport) Fetch(ctx context.Context, req FetchRequest) ([]rows.EnhancedRow, error) {
	q := url.Values{}
	target := req.TargetClientID
	if target == "" {
		target = req.ClientID
	}
	q.Set("clientId", target)
	if req.StartDate != "" {
		q.Set("startDate", req.StartDate)
	}
	if req.EndDate != "" {
		q.Set("endDate", req.EndDate)
	}
	if req.Since > 0 {
		q.Set("since", strconv.FormatInt(req.Since, 10))
	}

	var resp api.DataResponse
	if err := t.do(ctx, http.MethodGet, "/data", q, req.ClientID, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Data, nil
}

// Clients lists client identities from GET /sync.
func (t *HTTPTransport) Clients(ctx context.Context, clientID string) ([]syncer.ClientInfo, error) {
	var resp api.ClientsResponse
	if err := t.do(ctx, http.MethodGet, "/sync", nil, clientID, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Clients, nil
}

func (t *HTTPTransport) do(ctx context.Context, method, path string, q url.Values, clientID string, body []byte, out interface{}) error {
	s := t.source.Current()
	if err := s.Validate(); err != nil {
		return &Error{Kind: KindConfig, Err: err}
	}

	u := strings.TrimRight(s.Endpoint, "/") + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return &Error{Kind: KindConfig, Err: fmt.Errorf("failed to create request: %w", err)}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(api.APIKeyHeader, s.APIKey)
	if clientID != "" {
		req.Header.Set(notify.ClientIDHeader, clientID)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return &Error{Kind: KindTransport, Err: fmt.Errorf("failed to send request: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var e httpx.ErrorResponse
		msg := ""
		if json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&e) == nil {
			msg = e.Error
			if e.Message != "" {
				msg += ": " + e.Message
			}
		}
		return statusError(resp.StatusCode, msg)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Kind: KindTransport, Status: resp.StatusCode, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return nil
}
