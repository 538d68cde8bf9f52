package monitor

import (
	"os"
	"path/filepath"
	"sync"
	"time"
)

// StorageMonitor reports how much disk the local store occupies.
// Directory walks are cached so the health endpoint stays cheap.
type StorageMonitor struct {
	dataDir       string
	maxBytes      int64
	cachedUsage   int64
	lastCheck     time.Time
	cacheDuration time.Duration
	mu            sync.Mutex
}

// NewStorageMonitor creates a monitor for dataDir with a soft limit of maxBytes
func NewStorageMonitor(dataDir string, maxBytes int64) *StorageMonitor {
	return &StorageMonitor{
		dataDir:       dataDir,
		maxBytes:      maxBytes,
		cacheDuration: 10 * time.Second,
	}
}

// usage returns bytes allocated under the data directory, cached for cacheDuration
func (sm *StorageMonitor) usage() (int64, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if !sm.lastCheck.IsZero() && time.Since(sm.lastCheck) < sm.cacheDuration {
		return sm.cachedUsage, nil
	}

	usage, err := dirSize(sm.dataDir)
	if err != nil {
		return 0, err
	}

	sm.cachedUsage = usage
	sm.lastCheck = time.Now()
	return usage, nil
}

// StorageStatus is the JSON body of the storage usage endpoint
type StorageStatus struct {
	DataDir      string  `json:"data_dir"`
	UsedBytes    int64   `json:"used_bytes"`
	LimitBytes   int64   `json:"limit_bytes"`
	UsagePercent float64 `json:"usage_percent"`
	OverLimit    bool    `json:"over_limit"`
}

// Status measures usage against the limit. The limit is advisory: the
// retention janitor is what actually frees space.
func (sm *StorageMonitor) Status() (StorageStatus, error) {
	used, err := sm.usage()
	if err != nil {
		return StorageStatus{}, err
	}

	status := StorageStatus{
		DataDir:    sm.dataDir,
		UsedBytes:  used,
		LimitBytes: sm.maxBytes,
	}
	if sm.maxBytes > 0 {
		status.UsagePercent = float64(used) / float64(sm.maxBytes) * 100
		status.OverLimit = used > sm.maxBytes
	}
	return status, nil
}

// dirSize sums allocated bytes of every regular file below path.
// Platform specific allocatedSize lives in filesize_unix.go / filesize_windows.go.
func dirSize(path string) (int64, error) {
	var size int64
	err := filepath.Walk(path, func(filePath string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		allocated, err := allocatedSize(filePath, info)
		if err != nil {
			allocated = info.Size()
		}
		size += allocated
		return nil
	})
	return size, err
}
