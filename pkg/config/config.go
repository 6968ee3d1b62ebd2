package config

import "time"

// Server defaults
const (
	DefaultPort        = "8080"
	DefaultDataDir     = "./data/badger"
	DefaultArchiveDir  = "./data/archive"
	DefaultMaxMemoryMB = 48
)

// Background task intervals
const (
	SweepInterval     = 1 * time.Hour
	SweepMaxRetries   = 3
	SweepRetryBackoff = 5 * time.Second
	BadgerGCInterval  = 10 * time.Minute
)

// Tiering defaults
const (
	DefaultHotWindowDays = 7
	DefaultArchiveCodec  = "zstd"
)

// Sync request limits and timeouts
const (
	MaxRowsPerUpload    = 500
	MaxUploadBodyBytes  = 4 << 20
	SyncTimeout         = 15 * time.Second
	DataQueryTimeout    = 10 * time.Second
	StatsTimeout        = 5 * time.Second
	DefaultDownloadDays = 30
	ClientListCacheTTL  = 5 * time.Second
)

// Backup endpoints
const (
	ExportTimeout      = 30 * time.Second
	ImportTimeout      = 2 * time.Minute
	MaxImportBodyBytes = 64 << 20
)

// Conditional write retry
const (
	WriteMaxAttempts = 5
	WriteBaseDelay   = 10 * time.Millisecond
	WriteMaxDelay    = 200 * time.Millisecond
)

// WebSocket configuration
const (
	WSReadBufferSize   = 1024
	WSWriteBufferSize  = 1024
	WSNotifyBuffer     = 256
	WSChannelBuffer    = 10
	WSWriteDeadline    = 10 * time.Second
	WSReadDeadline     = 60 * time.Second
	WSPingInterval     = 30 * time.Second
	WSConnectionTTL    = 2 * time.Hour
	WSExpiryCheckEvery = 1 * time.Minute
)
