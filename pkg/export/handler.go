package export

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/nicktill/tinysync/pkg/config"
	"github.com/nicktill/tinysync/pkg/httpx"
	"github.com/nicktill/tinysync/pkg/notify"
	"github.com/nicktill/tinysync/pkg/rows"
	"github.com/nicktill/tinysync/pkg/syncer"
)

// MaxExportDays is the largest range one export may cover
const MaxExportDays = 366

// Processor is what the handler needs from the sync processor
type Processor interface {
	Downloader
	Uploader
}

// Handler handles export/import HTTP endpoints
type Handler struct {
	exporter *Exporter
	importer *Importer
}

// NewHandler creates a new export/import handler
func NewHandler(proc Processor) *Handler {
	return &Handler{
		exporter: NewExporter(proc),
		importer: NewImporter(proc),
	}
}

// HandleExport handles GET /export
func (h *Handler) HandleExport(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	format := query.Get("format")
	if format == "" {
		format = "json"
	}
	if format != "json" && format != "csv" {
		httpx.RespondErrorString(w, http.StatusBadRequest, "format must be 'json' or 'csv'")
		return
	}

	opts := ExportOptions{
		ClientID:       r.Header.Get(notify.ClientIDHeader),
		TargetClientID: query.Get("clientId"),
		StartDate:      query.Get("startDate"),
		EndDate:        query.Get("endDate"),
		Format:         format,
	}
	if opts.ClientID == "" {
		opts.ClientID = opts.TargetClientID
	}
	if opts.ClientID == "" {
		httpx.RespondError(w, http.StatusBadRequest, syncer.ErrMissingClientID)
		return
	}
	if err := checkRange(opts.StartDate, opts.EndDate); err != nil {
		httpx.RespondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.ExportTimeout)
	defer cancel()

	// Read first so errors can still be reported as JSON
	data, target, err := h.exporter.load(ctx, opts)
	if err != nil {
		switch {
		case errors.Is(err, syncer.ErrBadRange), errors.Is(err, rows.ErrBadDate):
			httpx.RespondError(w, http.StatusBadRequest, err)
		default:
			log.WithError(err).WithField("client", opts.ClientID).Error("Export failed")
			httpx.RespondErrorString(w, http.StatusInternalServerError, "export failed")
		}
		return
	}

	timestamp := time.Now().Format("20060102-150405")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=tinysync-export-%s.%s", timestamp, format))
	if format == "json" {
		w.Header().Set("Content-Type", "application/json")
	} else {
		w.Header().Set("Content-Type", "text/csv")
	}

	var result *ExportResult
	if format == "json" {
		result, err = writeJSON(w, target, opts, data)
	} else {
		result, err = writeCSV(w, target, data)
	}
	if err != nil {
		log.WithError(err).Warn("Export write failed")
		return
	}

	log.WithFields(log.Fields{
		"client": result.ClientID,
		"rows":   result.RowsExported,
		"format": format,
	}).Info("Rows exported")
}

// HandleImport handles POST /import
func (h *Handler) HandleImport(w http.ResponseWriter, r *http.Request) {
	if mt, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err != nil || mt != "application/json" {
		httpx.RespondErrorString(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
		return
	}

	clientID := r.Header.Get(notify.ClientIDHeader)
	if clientID == "" {
		clientID = r.URL.Query().Get("clientId")
	}

	body := http.MaxBytesReader(w, r.Body, config.MaxImportBodyBytes)
	defer body.Close()

	ctx, cancel := context.WithTimeout(r.Context(), config.ImportTimeout)
	defer cancel()

	result, err := h.importer.ImportFromJSON(ctx, body, clientID)
	if err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			httpx.RespondErrorString(w, http.StatusRequestEntityTooLarge, err.Error())
		case errors.Is(err, ErrNoClient), errors.Is(err, ErrBadDocument):
			httpx.RespondError(w, http.StatusBadRequest, err)
		default:
			log.WithError(err).WithField("client", clientID).Error("Import failed")
			httpx.RespondErrorString(w, http.StatusInternalServerError, "import failed")
		}
		return
	}

	entry := log.WithFields(log.Fields{
		"client":   result.ClientID,
		"imported": result.RowsImported,
		"rejected": result.RowsRejected,
		"batches":  result.BatchesWritten,
	})
	if len(result.Errors) > 0 {
		entry.WithField("errors", len(result.Errors)).Warn("Import completed with invalid rows")
	} else {
		entry.Info("Rows imported")
	}

	httpx.RespondJSON(w, http.StatusOK, result)
}

func checkRange(startDate, endDate string) error {
	if startDate == "" || endDate == "" {
		return nil
	}
	start, err := rows.ParseDate(startDate)
	if err != nil {
		return err
	}
	end, err := rows.ParseDate(endDate)
	if err != nil {
		return err
	}
	if end.Sub(start) > MaxExportDays*24*time.Hour {
		return fmt.Errorf("range too large (max %d days)", MaxExportDays)
	}
	return nil
}
