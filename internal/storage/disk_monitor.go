package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/skulumani/pupil/internal/logger"
)

// DiskMonitor reports filesystem usage for the snapshot directory
type DiskMonitor struct {
	path            string
	maxUsagePercent float64
	logger          *logger.Logger
	mu              sync.RWMutex
	lastCheck       time.Time
	cacheDuration   time.Duration
	cachedUsage     *DiskUsage
}

// DiskUsage contains disk usage information
type DiskUsage struct {
	TotalBytes     int64   `json:"total_bytes"`
	UsedBytes      int64   `json:"used_bytes"`
	AvailableBytes int64   `json:"available_bytes"`
	UsagePercent   float64 `json:"usage_percent"`
}

// NewDiskMonitor creates a disk monitor for the filesystem holding path
func NewDiskMonitor(path string, maxUsagePercent float64, log *logger.Logger) *DiskMonitor {
	if maxUsagePercent <= 0 || maxUsagePercent > 100 {
		maxUsagePercent = 90.0
	}
	return &DiskMonitor{
		path:            path,
		maxUsagePercent: maxUsagePercent,
		logger:          log,
		cacheDuration:   10 * time.Second,
	}
}

// MaxUsagePercent returns the usage above which HasSpace reports false
func (d *DiskMonitor) MaxUsagePercent() float64 {
	return d.maxUsagePercent
}

// GetUsage returns current disk usage, cached for a few seconds
func (d *DiskMonitor) GetUsage(ctx context.Context) (*DiskUsage, error) {
	d.mu.RLock()
	if d.cachedUsage != nil && time.Since(d.lastCheck) < d.cacheDuration {
		usage := *d.cachedUsage
		d.mu.RUnlock()
		return &usage, nil
	}
	d.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	usage, err := d.statfs()
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.cachedUsage = usage
	d.lastCheck = time.Now()
	d.mu.Unlock()

	result := *usage
	return &result, nil
}

// HasSpace reports whether usage is below the configured maximum
func (d *DiskMonitor) HasSpace(ctx context.Context) (bool, error) {
	usage, err := d.GetUsage(ctx)
	if err != nil {
		return false, err
	}
	return usage.UsagePercent < d.maxUsagePercent, nil
}

// Invalidate drops the cached usage so the next call stats the filesystem
func (d *DiskMonitor) Invalidate() {
	d.mu.Lock()
	d.cachedUsage = nil
	d.mu.Unlock()
}

func (d *DiskMonitor) statfs() (*DiskUsage, error) {
	absPath, err := filepath.Abs(d.path)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	var stat unix.Statfs_t
	if err := unix.Statfs(absPath, &stat); err != nil {
		return nil, fmt.Errorf("failed to stat filesystem: %w", err)
	}

	totalBytes := int64(stat.Blocks) * int64(stat.Bsize)
	availableBytes := int64(stat.Bavail) * int64(stat.Bsize)
	usedBytes := totalBytes - availableBytes

	var usagePercent float64
	if totalBytes > 0 {
		usagePercent = float64(usedBytes) / float64(totalBytes) * 100.0
	}

	return &DiskUsage{
		TotalBytes:     totalBytes,
		UsedBytes:      usedBytes,
		AvailableBytes: availableBytes,
		UsagePercent:   usagePercent,
	}, nil
}
