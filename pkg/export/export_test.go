package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinysync/pkg/notify"
	"github.com/nicktill/tinysync/pkg/rows"
	"github.com/nicktill/tinysync/pkg/storage/memory"
	"github.com/nicktill/tinysync/pkg/syncer"
	"github.com/nicktill/tinysync/pkg/tiering"
)

var testNow = time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

func newProcessor(t *testing.T) *syncer.Processor {
	t.Helper()
	store := memory.New()
	t.Cleanup(func() { store.Close() })
	return syncer.New(syncer.Config{
		Store:  store,
		Policy: tiering.Policy{HotWindowDays: 7},
		Now:    func() time.Time { return testNow },
	})
}

func row(host, date, session string, focus, total uint64, lastModified int64) rows.EnhancedRow {
	return rows.EnhancedRow{
		Row:          rows.Row{Host: host, Date: date, Focus: focus, Time: total},
		SessionID:    session,
		LastModified: lastModified,
	}
}

func seed(t *testing.T, proc *syncer.Processor, clientID string, batch ...rows.EnhancedRow) {
	t.Helper()
	resp, err := proc.Upload(context.Background(), clientID, batch, "seed")
	require.NoError(t, err)
	require.Zero(t, resp.Failed)
}

func TestExportToJSON(t *testing.T) {
	proc := newProcessor(t)
	seed(t, proc, "c1",
		row("a.com", "20260314", "s1", 5, 10, 100),
		row("b.com", "20260315", "s1", 1, 2, 200),
	)
	seed(t, proc, "c2", row("other.com", "20260315", "s9", 9, 9, 300))

	var buf bytes.Buffer
	result, err := NewExporter(proc).ExportToJSON(context.Background(), &buf, ExportOptions{
		ClientID:  "c1",
		StartDate: "20260301",
		EndDate:   "20260315",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, result.RowsExported)
	assert.Equal(t, "c1", result.ClientID)

	var doc Document
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))
	assert.Equal(t, FormatVersion, doc.Metadata.Version)
	assert.Equal(t, "c1", doc.Metadata.ClientID)
	assert.Equal(t, 2, doc.Metadata.RowCount)
	require.Len(t, doc.Rows, 2)
	assert.Equal(t, "a.com", doc.Rows[0].Host)
	assert.Equal(t, "s1", doc.Rows[0].SessionID)
	assert.Equal(t, int64(100), doc.Rows[0].LastModified)
}

func TestExportToJSON_EmptyRangeWritesEmptyList(t *testing.T) {
	proc := newProcessor(t)

	var buf bytes.Buffer
	_, err := NewExporter(proc).ExportToJSON(context.Background(), &buf, ExportOptions{ClientID: "c1"})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), `"rows": []`)
}

func TestExportToCSV(t *testing.T) {
	proc := newProcessor(t)
	run := uint64(3)
	r := row("a.com", "20260315", "s1", 5, 10, 100)
	r.Run = &run
	seed(t, proc, "c1", r, row("b.com", "20260315", "s1", 1, 2, 200))

	var buf bytes.Buffer
	result, err := NewExporter(proc).ExportToCSV(context.Background(), &buf, ExportOptions{ClientID: "c1"})
	require.NoError(t, err)
	assert.Equal(t, 2, result.RowsExported)

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, csvHeader, records[0])
	assert.Equal(t, []string{"20260315", "a.com", "5", "10", "3", "s1", "100", "1"}, records[1])
	assert.Equal(t, "", records[2][4], "unset run stays empty")
}

func TestImportRoundTrip(t *testing.T) {
	src := newProcessor(t)
	seed(t, src, "c1",
		row("a.com", "20260314", "s1", 5, 10, 100),
		row("b.com", "20260315", "s2", 1, 2, 200),
	)

	var buf bytes.Buffer
	_, err := NewExporter(src).ExportToJSON(context.Background(), &buf, ExportOptions{ClientID: "c1"})
	require.NoError(t, err)
	backup := buf.Bytes()

	dst := newProcessor(t)
	result, err := NewImporter(dst).ImportFromJSON(context.Background(), bytes.NewReader(backup), "")
	require.NoError(t, err)
	assert.Equal(t, "c1", result.ClientID)
	assert.Equal(t, 2, result.RowsImported)
	assert.Zero(t, result.RowsRejected)
	assert.Equal(t, 1, result.BatchesWritten)
	assert.Empty(t, result.Errors)

	got, err := dst.Download(context.Background(), syncer.DownloadRequest{ClientID: "c1"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(5), got[0].Focus)
	assert.True(t, strings.HasPrefix(got[0].SessionID, "import-"))

	t.Run("importing twice changes nothing", func(t *testing.T) {
		again, err := NewImporter(dst).ImportFromJSON(context.Background(), bytes.NewReader(backup), "")
		require.NoError(t, err)
		assert.Zero(t, again.RowsImported)
		assert.Equal(t, 2, again.RowsRejected)

		got, err := dst.Download(context.Background(), syncer.DownloadRequest{ClientID: "c1"})
		require.NoError(t, err)
		assert.Equal(t, uint64(5), got[0].Focus)
	})
}

func TestImport_SkipsInvalidRows(t *testing.T) {
	doc := Document{
		Metadata: Metadata{ClientID: "c1"},
		Rows: []rows.EnhancedRow{
			row("", "20260315", "s1", 1, 1, 100),
			row("a.com", "2026-03-15", "s1", 1, 1, 100),
			row("a.com", "20260315", "s1", 1, 1, 0),
			row("ok.com", "20260315", "s1", 1, 1, 100),
		},
	}
	body, err := json.Marshal(doc)
	require.NoError(t, err)

	result, err := NewImporter(newProcessor(t)).ImportFromJSON(context.Background(), bytes.NewReader(body), "")
	require.NoError(t, err)
	assert.Equal(t, 1, result.RowsImported)
	assert.Len(t, result.Errors, 3)
}

func TestImport_BatchesLargeFiles(t *testing.T) {
	im := NewImporter(newProcessor(t))
	im.batchSize = 2

	doc := Document{Metadata: Metadata{ClientID: "c1"}}
	for _, host := range []string{"a.com", "b.com", "c.com", "d.com", "e.com"} {
		doc.Rows = append(doc.Rows, row(host, "20260315", "s1", 1, 1, 100))
	}
	body, err := json.Marshal(doc)
	require.NoError(t, err)

	result, err := im.ImportFromJSON(context.Background(), bytes.NewReader(body), "c7")
	require.NoError(t, err)
	assert.Equal(t, "c7", result.ClientID)
	assert.Equal(t, 3, result.BatchesWritten)
	assert.Equal(t, 5, result.RowsImported)
}

func TestImport_Errors(t *testing.T) {
	im := NewImporter(newProcessor(t))

	_, err := im.ImportFromJSON(context.Background(), strings.NewReader("not json"), "c1")
	require.ErrorIs(t, err, ErrBadDocument)

	_, err = im.ImportFromJSON(context.Background(), strings.NewReader(`{"rows":[]}`), "")
	require.ErrorIs(t, err, ErrNoClient)
}

func TestHandleExport(t *testing.T) {
	proc := newProcessor(t)
	seed(t, proc, "c1", row("a.com", "20260315", "s1", 5, 10, 100))
	h := NewHandler(proc)

	tests := []struct {
		name        string
		query       string
		header      string
		wantStatus  int
		contentType string
	}{
		{"json by default", "?clientId=c1", "", http.StatusOK, "application/json"},
		{"csv", "?format=csv", "c1", http.StatusOK, "text/csv"},
		{"bad format", "?clientId=c1&format=xml", "", http.StatusBadRequest, ""},
		{"missing client", "", "", http.StatusBadRequest, ""},
		{"bad date", "?clientId=c1&startDate=2026-03-01", "", http.StatusBadRequest, ""},
		{"range too large", "?clientId=c1&startDate=20200101&endDate=20260315", "", http.StatusBadRequest, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/export"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set(notify.ClientIDHeader, tt.header)
			}
			rec := httptest.NewRecorder()
			h.HandleExport(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			if tt.contentType != "" {
				assert.Equal(t, tt.contentType, rec.Header().Get("Content-Type"))
				assert.Contains(t, rec.Header().Get("Content-Disposition"), "tinysync-export-")
				assert.Contains(t, rec.Body.String(), "a.com")
			}
		})
	}
}

func TestHandleImport(t *testing.T) {
	h := NewHandler(newProcessor(t))

	body, err := json.Marshal(Document{Rows: []rows.EnhancedRow{row("a.com", "20260315", "s1", 1, 1, 100)}})
	require.NoError(t, err)

	t.Run("imports for the caller", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/import?clientId=c1", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
		rec := httptest.NewRecorder()
		h.HandleImport(rec, req)

		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		var result ImportResult
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&result))
		assert.Equal(t, 1, result.RowsImported)
		assert.Equal(t, "c1", result.ClientID)
	})

	t.Run("wrong content type", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/import?clientId=c1", bytes.NewReader(body))
		req.Header.Set("Content-Type", "text/plain")
		rec := httptest.NewRecorder()
		h.HandleImport(rec, req)
		assert.Equal(t, http.StatusUnsupportedMediaType, rec.Code)
	})

	t.Run("no client", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/import", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		h.HandleImport(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("malformed body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/import?clientId=c1", strings.NewReader("{"))
		req.Header.Set("Content-Type", "application/json")
		rec := httptest.NewRecorder()
		h.HandleImport(rec, req)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}
