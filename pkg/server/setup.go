package server

import (
	"context"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	log "github.com/sirupsen/logrus"

	"github.com/nicktill/tinysync/pkg/api"
	"github.com/nicktill/tinysync/pkg/archive"
	"github.com/nicktill/tinysync/pkg/config"
	"github.com/nicktill/tinysync/pkg/export"
	"github.com/nicktill/tinysync/pkg/notify"
	"github.com/nicktill/tinysync/pkg/server/monitor"
	"github.com/nicktill/tinysync/pkg/storage"
	"github.com/nicktill/tinysync/pkg/storage/badger"
	"github.com/nicktill/tinysync/pkg/storage/memory"
	"github.com/nicktill/tinysync/pkg/syncer"
	"github.com/nicktill/tinysync/pkg/tiering"
)

// Components holds every wired server part.
type Components struct {
	Config       *config.Config
	Store        storage.Store
	Archive      *archive.Archive
	Processor    *syncer.Processor
	Handler      *api.Handler
	Backup       *export.Handler
	Hub          *notify.Hub
	Sweeper      *tiering.Sweeper
	SweepMonitor *monitor.SweepMonitor
	Disk         *monitor.DiskMonitor
	Metrics      *prometheus.Registry
}

// Initialize builds the server components from cfg.
func Initialize(ctx context.Context, cfg *config.Config) (*Components, error) {
	store, err := InitializeStorage(cfg)
	if err != nil {
		return nil, err
	}

	blobs, localDir, err := InitializeBlobStore(ctx, cfg)
	if err != nil {
		store.Close()
		return nil, err
	}
	codec, err := archive.ParseCodec(cfg.Archive.Codec)
	if err != nil {
		store.Close()
		return nil, err
	}
	arch := archive.New(blobs, codec)

	loc, err := cfg.Location()
	if err != nil {
		store.Close()
		return nil, err
	}
	policy := tiering.Policy{HotWindowDays: cfg.Tiering.HotWindowDays, Location: loc}

	hub := notify.NewHub(notify.HubConfig{AllowedOrigins: cfg.Server.AllowedOrigins})
	log.Info("Notification hub created for real-time sync")

	proc := syncer.New(syncer.Config{
		Store:    store,
		Archive:  arch,
		Notifier: hub,
		Policy:   policy,
	})

	hotDir := cfg.Storage.Path
	if cfg.Storage.InMemory {
		hotDir = ""
	}

	log.WithFields(log.Fields{
		"hot_window_days": policy.HotWindowDays,
		"sweep_interval":  cfg.Tiering.SweepInterval,
		"archive":         cfg.Archive.Backend,
		"codec":           codec.String(),
	}).Info("Storage tiering ready")

	sweepMonitor := &monitor.SweepMonitor{MaxAge: 2 * cfg.Tiering.SweepInterval}
	disk := monitor.NewDiskMonitor(hotDir, localDir)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		&monitor.Collector{Store: store, Sweep: sweepMonitor, Disk: disk, Connections: hub},
	)

	return &Components{
		Config:       cfg,
		Store:        store,
		Archive:      arch,
		Processor:    proc,
		Handler:      api.NewHandler(proc),
		Backup:       export.NewHandler(proc),
		Hub:          hub,
		Sweeper:      tiering.NewSweeper(store, arch, policy),
		SweepMonitor: sweepMonitor,
		Disk:         disk,
		Metrics:      registry,
	}, nil
}

// InitializeStorage opens the hot store.
func InitializeStorage(cfg *config.Config) (storage.Store, error) {
	if cfg.Storage.InMemory {
		log.Warn("Using in-memory hot store, data is lost on restart")
		return memory.New(), nil
	}

	if err := os.MkdirAll(cfg.Storage.Path, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	log.WithField("path", cfg.Storage.Path).Info("Initializing BadgerDB hot store")
	store, err := badger.New(badger.Config{
		Path:        cfg.Storage.Path,
		MaxMemoryMB: int64(cfg.Storage.MaxMemoryMB),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}
	return store, nil
}

// InitializeBlobStore opens the cold tier backend. The returned directory is
// the local archive path, empty for object storage.
func InitializeBlobStore(ctx context.Context, cfg *config.Config) (archive.BlobStore, string, error) {
	switch cfg.Archive.Backend {
	case "file":
		store, err := archive.NewFileStore(cfg.Archive.Dir)
		if err != nil {
			return nil, "", err
		}
		log.WithField("dir", cfg.Archive.Dir).Info("Archive uses local files")
		return store, cfg.Archive.Dir, nil

	case "minio":
		m := cfg.Archive.Minio
		store, err := archive.NewMinioStore(ctx, archive.MinioConfig{
			Endpoint:  m.Endpoint,
			AccessKey: m.AccessKey,
			SecretKey: m.SecretKey,
			Bucket:    m.Bucket,
			Region:    m.Region,
			UseSSL:    m.UseSSL,
		})
		if err != nil {
			return nil, "", err
		}
		log.WithFields(log.Fields{"endpoint": m.Endpoint, "bucket": m.Bucket}).Info("Archive uses MinIO")
		return store, "", nil

	case "s3":
		s := cfg.Archive.S3
		store, err := archive.NewS3Store(ctx, archive.S3Config{
			Bucket:          s.Bucket,
			Region:          s.Region,
			Prefix:          s.Prefix,
			Endpoint:        s.Endpoint,
			AccessKeyID:     s.AccessKeyID,
			SecretAccessKey: s.SecretAccessKey,
		})
		if err != nil {
			return nil, "", err
		}
		log.WithFields(log.Fields{"bucket": s.Bucket, "region": s.Region}).Info("Archive uses S3")
		return store, "", nil

	default:
		return nil, "", fmt.Errorf("unknown archive backend %q", cfg.Archive.Backend)
	}
}
