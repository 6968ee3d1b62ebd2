package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"

	"github.com/nicktill/tinysync/pkg/config"
	"github.com/nicktill/tinysync/pkg/logging"
	"github.com/nicktill/tinysync/pkg/server"
)

const (
	serverReadTimeout  = 10 * time.Second
	serverWriteTimeout = 20 * time.Second
	shutdownTimeout    = 30 * time.Second
	tasksStopTimeout   = 5 * time.Second
)

func main() {
	configPath := flag.String("config", os.Getenv(config.EnvPrefix+"CONFIG"), "path to yaml config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.WithError(err).Fatal("Failed to load configuration")
	}

	closer, err := logging.Setup(cfg.Log)
	if err != nil {
		log.WithError(err).Fatal("Failed to configure logging")
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.WithError(err).Error("Server exited with error")
		closer.Close()
		os.Exit(1)
	}
	log.Info("tinysync server exited cleanly")
}

// run serves until ctx is cancelled, then shuts everything down.
func run(ctx context.Context, cfg *config.Config) error {
	log.Info("Starting tinysync server")

	c, err := server.Initialize(ctx, cfg)
	if err != nil {
		return err
	}
	defer c.Store.Close()

	tasksCtx, cancelTasks := context.WithCancel(context.Background())
	defer cancelTasks()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		c.Hub.Run(tasksCtx)
	}()

	wg.Add(1)
	go server.RunSweep(tasksCtx, c.Sweeper, c.SweepMonitor, cfg.Tiering.SweepInterval, &wg)

	wg.Add(1)
	go server.RunBadgerGC(tasksCtx, c.Store, &wg)

	router := mux.NewRouter()
	server.SetupRoutes(router, c)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  serverReadTimeout,
		WriteTimeout: serverWriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.WithField("addr", srv.Addr).Info("Server ready to accept requests")
		if cfg.Server.APIKey == "" {
			log.Warn("No API key configured, endpoints are unauthenticated")
		}
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			cancelTasks()
			wg.Wait()
			return err
		}
	}

	// Cancel background tasks before waiting on them
	cancelTasks()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("Server shutdown warning")
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info("All background tasks stopped cleanly")
	case <-time.After(tasksStopTimeout):
		log.Warn("Some background tasks did not stop in time")
	}
	return nil
}
