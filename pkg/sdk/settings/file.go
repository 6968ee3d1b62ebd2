package settings

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// FileProvider reads settings from a yaml file and republishes them
// whenever the file changes on disk.
type FileProvider struct {
	path    string
	mu      sync.RWMutex
	current Settings
	changes chan Settings

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewFileProvider loads path. A missing file yields zero settings
// (disabled) and is picked up once it is created.
func NewFileProvider(path string) (*FileProvider, error) {
	p := &FileProvider{
		path:    path,
		changes: make(chan Settings, 1),
		done:    make(chan struct{}),
	}
	s, err := readFile(path)
	if err != nil {
		return nil, err
	}
	p.current = s
	return p, nil
}

func readFile(path string) (Settings, error) {
	var s Settings
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return s, fmt.Errorf("read settings: %w", err)
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("parse settings %s: %w", path, err)
	}
	return s, nil
}

func (p *FileProvider) Current() Settings {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

func (p *FileProvider) Changes() <-chan Settings {
	return p.changes
}

// Watch starts watching the settings file until ctx is done or Close is
// called. The parent directory is watched so editors that replace the file
// by rename are handled.
func (p *FileProvider) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		w.Close()
		return fmt.Errorf("create settings dir: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	p.watcher = w

	go p.loop(ctx)
	return nil
}

func (p *FileProvider) loop(ctx context.Context) {
	defer close(p.done)
	name := filepath.Clean(p.path)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-p.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != name {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) && !ev.Has(fsnotify.Remove) {
				continue
			}
			p.reload()
		case err, ok := <-p.watcher.Errors:
			if !ok {
				return
			}
			log.WithError(err).Warn("Settings watcher error")
		}
	}
}

func (p *FileProvider) reload() {
	s, err := readFile(p.path)
	if err != nil {
		// Keep the last good settings while the file is mid-write
		log.WithError(err).Warn("Ignoring unreadable settings file")
		return
	}

	p.mu.Lock()
	changed := s != p.current
	p.current = s
	p.mu.Unlock()

	if changed {
		log.WithFields(log.Fields{"endpoint": s.Endpoint, "enabled": s.Enabled}).Info("Sync settings changed")
		publishLatest(p.changes, s)
	}
}

// Close stops watching.
func (p *FileProvider) Close() error {
	if p.watcher == nil {
		return nil
	}
	err := p.watcher.Close()
	<-p.done
	return err
}

// Save writes s to the settings file. Watchers pick the change up like any
// other edit.
func (p *FileProvider) Save(s Settings) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}
	return os.WriteFile(p.path, data, 0o600)
}
