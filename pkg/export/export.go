package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/nicktill/tinysync/pkg/rows"
	"github.com/nicktill/tinysync/pkg/syncer"
)

// FormatVersion is written into every JSON export
const FormatVersion = "1.0"

// Downloader reads a client's rows from both tiers
type Downloader interface {
	Download(ctx context.Context, req syncer.DownloadRequest) ([]rows.EnhancedRow, error)
}

// Exporter handles exporting rows to various formats
type Exporter struct {
	source Downloader
}

// NewExporter creates a new exporter
func NewExporter(source Downloader) *Exporter {
	return &Exporter{source: source}
}

// ExportOptions configures the export operation
type ExportOptions struct {
	// ClientID is the caller; TargetClientID selects whose rows (default: caller)
	ClientID       string
	TargetClientID string

	// Inclusive YYYYMMDD range; empty values use the download defaults
	StartDate string
	EndDate   string

	// Format: "json" or "csv"
	Format string
}

// ExportResult contains stats about the export
type ExportResult struct {
	RowsExported int       `json:"rows_exported"`
	ClientID     string    `json:"client_id"`
	Format       string    `json:"format"`
	ExportedAt   time.Time `json:"exported_at"`
}

// Metadata describes a JSON export
type Metadata struct {
	ExportedAt time.Time `json:"exported_at"`
	ClientID   string    `json:"client_id"`
	StartDate  string    `json:"start_date,omitempty"`
	EndDate    string    `json:"end_date,omitempty"`
	RowCount   int       `json:"row_count"`
	Format     string    `json:"format"`
	Version    string    `json:"version"`
}

// Document is the JSON export format
type Document struct {
	Metadata Metadata           `json:"metadata"`
	Rows     []rows.EnhancedRow `json:"rows"`
}

func (e *Exporter) load(ctx context.Context, opts ExportOptions) ([]rows.EnhancedRow, string, error) {
	target := opts.TargetClientID
	if target == "" {
		target = opts.ClientID
	}
	data, err := e.source.Download(ctx, syncer.DownloadRequest{
		ClientID:       opts.ClientID,
		TargetClientID: target,
		StartDate:      opts.StartDate,
		EndDate:        opts.EndDate,
	})
	if err != nil {
		return nil, target, fmt.Errorf("failed to read rows: %w", err)
	}
	return data, target, nil
}

// ExportToJSON exports rows as JSON to the given writer
func (e *Exporter) ExportToJSON(ctx context.Context, w io.Writer, opts ExportOptions) (*ExportResult, error) {
	data, target, err := e.load(ctx, opts)
	if err != nil {
		return nil, err
	}
	return writeJSON(w, target, opts, data)
}

func writeJSON(w io.Writer, target string, opts ExportOptions, data []rows.EnhancedRow) (*ExportResult, error) {
	doc := Document{
		Metadata: Metadata{
			ExportedAt: time.Now().UTC(),
			ClientID:   target,
			StartDate:  opts.StartDate,
			EndDate:    opts.EndDate,
			RowCount:   len(data),
			Format:     "json",
			Version:    FormatVersion,
		},
		Rows: data,
	}
	if doc.Rows == nil {
		doc.Rows = []rows.EnhancedRow{}
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(doc); err != nil {
		return nil, fmt.Errorf("failed to encode JSON: %w", err)
	}

	return &ExportResult{
		RowsExported: len(data),
		ClientID:     target,
		Format:       "json",
		ExportedAt:   doc.Metadata.ExportedAt,
	}, nil
}

var csvHeader = []string{"date", "host", "focus", "time", "run", "session_id", "last_modified", "version"}

// ExportToCSV exports rows as CSV to the given writer
func (e *Exporter) ExportToCSV(ctx context.Context, w io.Writer, opts ExportOptions) (*ExportResult, error) {
	data, target, err := e.load(ctx, opts)
	if err != nil {
		return nil, err
	}
	return writeCSV(w, target, data)
}

func writeCSV(w io.Writer, target string, data []rows.EnhancedRow) (*ExportResult, error) {
	writer := csv.NewWriter(w)
	if err := writer.Write(csvHeader); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, r := range data {
		run := ""
		if r.Run != nil {
			run = strconv.FormatUint(*r.Run, 10)
		}
		record := []string{
			r.Date,
			r.Host,
			strconv.FormatUint(r.Focus, 10),
			strconv.FormatUint(r.Time, 10),
			run,
			r.SessionID,
			strconv.FormatInt(r.LastModified, 10),
			strconv.FormatUint(r.Version, 10),
		}
		if err := writer.Write(record); err != nil {
			return nil, fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("failed to flush CSV: %w", err)
	}

	return &ExportResult{
		RowsExported: len(data),
		ClientID:     target,
		Format:       "csv",
		ExportedAt:   time.Now().UTC(),
	}, nil
}
