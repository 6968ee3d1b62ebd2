// Package settings supplies the client engine with its endpoint, API key,
// enable flag and per-install identity.
package settings

import (
	"errors"
	"sync"
)

var (
	// ErrMissingEndpoint means no server endpoint is configured
	ErrMissingEndpoint = errors.New("sync endpoint is not configured")

	// ErrMissingAPIKey means no API key is configured
	ErrMissingAPIKey = errors.New("sync API key is not configured")
)

// Settings is the user-facing sync configuration.
type Settings struct {
	Endpoint string `yaml:"endpoint" json:"endpoint"`
	APIKey   string `yaml:"api_key" json:"apiKey"`
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	ClientID string `yaml:"client_id" json:"clientId"`
}

// Validate reports configuration errors. These are surfaced to the user and
// never retried.
func (s Settings) Validate() error {
	if s.Endpoint == "" {
		return ErrMissingEndpoint
	}
	if s.APIKey == "" {
		return ErrMissingAPIKey
	}
	return nil
}

// Online reports whether sync should run with these settings.
func (s Settings) Online() bool {
	return s.Enabled && s.Validate() == nil
}

// Provider exposes the current settings and a stream of changes.
type Provider interface {
	Current() Settings
	Changes() <-chan Settings
}

// Static is a Provider whose settings change only through Set.
type Static struct {
	mu      sync.RWMutex
	current Settings
	changes chan Settings
}

// NewStatic creates a provider holding s
func NewStatic(s Settings) *Static {
	return &Static{current: s, changes: make(chan Settings, 1)}
}

func (p *Static) Current() Settings {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

func (p *Static) Changes() <-chan Settings {
	return p.changes
}

// Set replaces the settings and publishes them.
func (p *Static) Set(s Settings) {
	p.mu.Lock()
	p.current = s
	p.mu.Unlock()
	publishLatest(p.changes, s)
}

// publishLatest delivers s on a 1-buffered channel, replacing an unread
// older value so a slow reader only ever sees the newest settings.
func publishLatest(ch chan Settings, s Settings) {
	for {
		select {
		case ch <- s:
			return
		default:
		}
		select {
		case <-ch:
		default:
		}
	}
}
