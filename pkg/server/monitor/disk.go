package monitor

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DiskUsage is the on-disk footprint of the two tiers.
type DiskUsage struct {
	HotBytes     int64 `json:"hot_bytes"`
	ArchiveBytes int64 `json:"archive_bytes"`
}

// DiskMonitor reports disk usage of the hot store and the local archive,
// caching results to avoid walking the directories on every request.
type DiskMonitor struct {
	hotDir        string
	archiveDir    string // empty when the archive lives in object storage
	cached        DiskUsage
	lastCheck     time.Time
	cacheDuration time.Duration
	mu            sync.Mutex
}

// NewDiskMonitor creates a disk monitor. Either directory may be empty.
func NewDiskMonitor(hotDir, archiveDir string) *DiskMonitor {
	return &DiskMonitor{
		hotDir:        hotDir,
		archiveDir:    archiveDir,
		cacheDuration: 10 * time.Second,
	}
}

// Usage returns current disk usage (cached for 10 seconds).
func (dm *DiskMonitor) Usage() (DiskUsage, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	if !dm.lastCheck.IsZero() && time.Since(dm.lastCheck) < dm.cacheDuration {
		return dm.cached, nil
	}

	var usage DiskUsage
	var err error
	if usage.HotBytes, err = dirSize(dm.hotDir); err != nil {
		return DiskUsage{}, err
	}
	if usage.ArchiveBytes, err = dirSize(dm.archiveDir); err != nil {
		return DiskUsage{}, err
	}

	dm.cached = usage
	dm.lastCheck = time.Now()
	return usage, nil
}

// dirSize sums actual disk usage of the files under path.
// An empty or missing path counts as zero.
func dirSize(path string) (int64, error) {
	if path == "" {
		return 0, nil
	}
	var size int64
	err := filepath.Walk(path, func(filePath string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			// Actual blocks, not logical size, so sparse value logs count correctly
			if actual, err := actualFileSize(filePath, info); err == nil {
				size += actual
			} else {
				size += info.Size()
			}
		}
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	return size, err
}
