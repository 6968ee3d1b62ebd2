package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/nicktill/tinysync/pkg/config"
	"github.com/nicktill/tinysync/pkg/logging"
	"github.com/nicktill/tinysync/pkg/sdk"
	"github.com/nicktill/tinysync/pkg/sdk/settings"
)

var startTime = time.Now()

func main() {
	dataDir := flag.String("data", "./data/client", "directory for the local store and client id")
	settingsPath := flag.String("settings", "", "sync settings yaml (default <data>/sync.yaml)")
	addr := flag.String("addr", ":3001", "status page listen address")
	every := flag.Duration("every", 3*time.Second, "interval between simulated page visits")
	level := flag.String("log-level", "info", "log level")
	flag.Parse()

	closer, err := logging.Setup(config.LogConfig{Level: *level})
	if err != nil {
		log.WithError(err).Fatal("Failed to configure logging")
	}
	defer closer.Close()

	if *settingsPath == "" {
		*settingsPath = filepath.Join(*dataDir, "sync.yaml")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *dataDir, *settingsPath, *addr, *every); err != nil {
		log.WithError(err).Error("Example client exited with error")
		closer.Close()
		os.Exit(1)
	}
}

func run(ctx context.Context, dataDir, settingsPath, addr string, every time.Duration) error {
	provider, err := settings.NewFileProvider(settingsPath)
	if err != nil {
		return err
	}
	if err := provider.Watch(ctx); err != nil {
		return err
	}
	defer provider.Close()

	if !provider.Current().Online() {
		log.WithField("settings", settingsPath).Warn("Sync is disabled; usage is recorded locally until endpoint, api_key and enabled are set")
	}

	engine, err := sdk.New(sdk.Config{Settings: provider, DataDir: dataDir})
	if err != nil {
		return err
	}
	if err := engine.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := engine.Stop(); err != nil {
			log.WithError(err).Warn("Engine stopped with errors")
		}
	}()

	go logEngineEvents(ctx, engine)
	go startBrowsingSimulator(ctx, engine, every)

	router := mux.NewRouter()
	router.HandleFunc("/", handleStats(engine)).Methods(http.MethodGet)
	router.HandleFunc("/clients", handleClients(engine)).Methods(http.MethodGet)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithFields(log.Fields{
			"addr":   addr,
			"client": engine.ClientID(),
		}).Info("Example client running, status page available")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	log.Info("Shutting down example client")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// logEngineEvents mirrors transport and upload events into the log
func logEngineEvents(ctx context.Context, engine *sdk.Engine) {
	statuses, unsubStatuses := engine.Statuses(16)
	defer unsubStatuses()
	reports, unsubReports := engine.Reports(16)
	defer unsubReports()

	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-statuses:
			if !ok {
				return
			}
			log.WithFields(log.Fields{
				"state":  st.State.String(),
				"method": st.Method,
				"error":  st.Error,
			}).Info("Sync status changed")
		case r, ok := <-reports:
			if !ok {
				return
			}
			entry := log.WithFields(log.Fields{
				"kind":    r.Kind,
				"batch":   r.BatchID,
				"pending": r.Stats.Pending,
			})
			if r.Error != "" {
				entry.WithField("error", r.Error).Warn("Upload problem")
				continue
			}
			entry.Debug("Upload report")
		}
	}
}
