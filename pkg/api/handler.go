package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	log "github.com/sirupsen/logrus"

	"github.com/nicktill/tinysync/pkg/config"
	"github.com/nicktill/tinysync/pkg/httpx"
	"github.com/nicktill/tinysync/pkg/notify"
	"github.com/nicktill/tinysync/pkg/rows"
	"github.com/nicktill/tinysync/pkg/syncer"
)

// Handler serves the sync endpoints
type Handler struct {
	proc *syncer.Processor
}

// NewHandler creates a new sync handler
func NewHandler(proc *syncer.Processor) *Handler {
	return &Handler{proc: proc}
}

// ClientsResponse is the body of GET /sync
type ClientsResponse struct {
	Clients []syncer.ClientInfo `json:"clients"`
}

// DataResponse is the body of GET /data
type DataResponse struct {
	Success bool               `json:"success"`
	Data    []rows.EnhancedRow `json:"data"`
	Count   int                `json:"count"`
}

// HandleSync handles POST /sync
func (h *Handler) HandleSync(w http.ResponseWriter, r *http.Request) {
	var req syncer.SyncRequest
	if err := httpx.DecodeJSON(w, r, config.MaxUploadBodyBytes, &req); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, httpx.ErrBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.RespondError(w, status, err)
		return
	}

	clientID := r.Header.Get(notify.ClientIDHeader)
	switch {
	case clientID == "":
		clientID = req.ClientID
	case req.ClientID != "" && req.ClientID != clientID:
		httpx.RespondErrorString(w, http.StatusBadRequest, "clientId does not match "+notify.ClientIDHeader)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.SyncTimeout)
	defer cancel()

	resp, err := h.proc.Upload(ctx, clientID, req.Rows, req.BatchID)
	if err != nil {
		switch {
		case errors.Is(err, syncer.ErrMissingClientID), errors.Is(err, syncer.ErrTooManyRows):
			httpx.RespondError(w, http.StatusBadRequest, err)
		default:
			log.WithError(err).WithField("client", clientID).Error("Sync failed")
			httpx.RespondErrorString(w, http.StatusInternalServerError, "sync failed")
		}
		return
	}

	httpx.RespondJSON(w, http.StatusOK, resp)
}

// HandleClients handles GET /sync
func (h *Handler) HandleClients(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), config.DataQueryTimeout)
	defer cancel()

	clients, err := h.proc.ListClients(ctx, clientIDFrom(r))
	if err != nil {
		log.WithError(err).Error("Failed to list clients")
		httpx.RespondErrorString(w, http.StatusInternalServerError, "failed to list clients")
		return
	}
	if clients == nil {
		clients = []syncer.ClientInfo{}
	}
	httpx.RespondJSON(w, http.StatusOK, ClientsResponse{Clients: clients})
}

// HandleData handles GET /data?startDate&endDate&clientId&since
//
// The caller is identified by X-Client-Id; the clientId query parameter
// selects whose rows to read and defaults to the caller.
func (h *Handler) HandleData(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	req := syncer.DownloadRequest{
		ClientID:       r.Header.Get(notify.ClientIDHeader),
		TargetClientID: q.Get("clientId"),
		StartDate:      q.Get("startDate"),
		EndDate:        q.Get("endDate"),
	}
	if req.ClientID == "" {
		req.ClientID = req.TargetClientID
	}
	if s := q.Get("since"); s != "" {
		since, err := strconv.ParseInt(s, 10, 64)
		if err != nil || since < 0 {
			httpx.RespondErrorString(w, http.StatusBadRequest, "since must be epoch milliseconds")
			return
		}
		req.Since = since
	}

	ctx, cancel := context.WithTimeout(r.Context(), config.DataQueryTimeout)
	defer cancel()

	data, err := h.proc.Download(ctx, req)
	if err != nil {
		switch {
		case errors.Is(err, syncer.ErrMissingClientID), errors.Is(err, syncer.ErrBadRange), errors.Is(err, rows.ErrBadDate):
			httpx.RespondError(w, http.StatusBadRequest, err)
		default:
			log.WithError(err).WithField("client", req.ClientID).Error("Download failed")
			httpx.RespondErrorString(w, http.StatusInternalServerError, "download failed")
		}
		return
	}

	httpx.RespondJSON(w, http.StatusOK, DataResponse{Success: true, Data: data, Count: len(data)})
}

func clientIDFrom(r *http.Request) string {
	if id := r.Header.Get(notify.ClientIDHeader); id != "" {
		return id
	}
	return r.URL.Query().Get("clientId")
}
