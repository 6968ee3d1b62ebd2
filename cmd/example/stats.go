package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/nicktill/tinysync/pkg/rows"
	"github.com/nicktill/tinysync/pkg/sdk"
	"github.com/nicktill/tinysync/pkg/sdk/local"
	"github.com/nicktill/tinysync/pkg/sdk/queue"
	"github.com/nicktill/tinysync/pkg/sdk/realtime"
)

type statsResponse struct {
	ClientID  string          `json:"clientId"`
	SessionID string          `json:"sessionId"`
	Uptime    string          `json:"uptime"`
	Sync      realtime.Status `json:"sync"`
	Queue     queue.Stats     `json:"queue"`
	Today     []local.Entry   `json:"today"`
}

// handleStats reports the engine state and today's local totals
func handleStats(engine *sdk.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		today := rows.FormatDate(time.Now())
		entries, err := engine.Rows(ctx, today, today)
		if err != nil {
			log.WithError(err).Warn("Failed to read local rows")
			http.Error(w, "failed to read local rows", http.StatusInternalServerError)
			return
		}

		writeJSON(w, statsResponse{
			ClientID:  engine.ClientID(),
			SessionID: engine.SessionID(),
			Uptime:    time.Since(startTime).Round(time.Second).String(),
			Sync:      engine.Status(),
			Queue:     engine.QueueStats(),
			Today:     entries,
		})
	}
}

// handleClients lists the clients the server knows about
func handleClients(engine *sdk.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		clients, err := engine.Clients(ctx)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		writeJSON(w, clients)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Debug("Failed to write response")
	}
}
