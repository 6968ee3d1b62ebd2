package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/nicktill/tinysync/pkg/config"
	"github.com/nicktill/tinysync/pkg/rows"
	"github.com/nicktill/tinysync/pkg/syncer"
)

var (
	// ErrNoClient is returned when neither the caller nor the file names a client
	ErrNoClient = errors.New("import needs a clientId")

	// ErrBadDocument is returned when the body is not a JSON export
	ErrBadDocument = errors.New("invalid export document")
)

// Uploader merges rows through the sync path
type Uploader interface {
	Upload(ctx context.Context, clientID string, batch []rows.EnhancedRow, batchID string) (*syncer.SyncResponse, error)
}

// Importer handles importing rows from backup files
type Importer struct {
	sink      Uploader
	batchSize int
}

// NewImporter creates a new importer
func NewImporter(sink Uploader) *Importer {
	return &Importer{sink: sink, batchSize: config.MaxRowsPerUpload}
}

// ImportResult contains stats about the import operation
type ImportResult struct {
	ClientID       string    `json:"client_id"`
	RowsImported   int       `json:"rows_imported"`
	RowsRejected   int       `json:"rows_rejected"`
	BatchesWritten int       `json:"batches_written"`
	ImportedAt     time.Time `json:"imported_at"`
	Errors         []string  `json:"errors,omitempty"`
}

// ImportFromJSON imports rows from a JSON backup. clientID overrides the
// client named in the file.
func (im *Importer) ImportFromJSON(ctx context.Context, r io.Reader, clientID string) (*ImportResult, error) {
	var doc Document
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadDocument, err)
	}
	if clientID == "" {
		clientID = doc.Metadata.ClientID
	}
	if clientID == "" {
		return nil, ErrNoClient
	}

	result := &ImportResult{ClientID: clientID}

	// Each import is its own session so a repeated import never accumulates
	session := "import-" + uuid.NewString()

	valid := make([]rows.EnhancedRow, 0, len(doc.Rows))
	for i, row := range doc.Rows {
		if err := validateImportedRow(row); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("row %d: %v", i, err))
			continue
		}
		row.SessionID = session
		row.Version = 0
		row.BatchID = ""
		valid = append(valid, row)
	}

	batchID := session
	for i := 0; i < len(valid); i += im.batchSize {
		end := i + im.batchSize
		if end > len(valid) {
			end = len(valid)
		}

		resp, err := im.sink.Upload(ctx, clientID, valid[i:end], fmt.Sprintf("%s-%d", batchID, result.BatchesWritten))
		if err != nil {
			return nil, fmt.Errorf("failed to write batch %d: %w", result.BatchesWritten, err)
		}
		result.BatchesWritten++

		for _, res := range resp.Results {
			switch {
			case !res.Success:
				result.Errors = append(result.Errors, fmt.Sprintf("%s: %s", res.PK, res.Error))
			case rejected(res.Conflicts):
				result.RowsRejected++
			default:
				result.RowsImported++
			}
		}
	}

	result.ImportedAt = time.Now().UTC()
	return result, nil
}

func rejected(conflicts []rows.Conflict) bool {
	for _, c := range conflicts {
		if c.Rejected {
			return true
		}
	}
	return false
}

// validateImportedRow validates a row before import
func validateImportedRow(row rows.EnhancedRow) error {
	if err := row.Validate(); err != nil {
		return err
	}
	if row.LastModified <= 0 {
		return fmt.Errorf("lastModified must be set")
	}

	// Reject timestamps too far in the future
	if row.LastModified > time.Now().Add(24*time.Hour).UnixMilli() {
		return fmt.Errorf("lastModified too far in future: %d", row.LastModified)
	}
	return nil
}
