// Package storage keeps annotated frame snapshots on disk, one directory
// per detection session.
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/skulumani/pupil/internal/logger"
)

// ErrNoSnapshot is returned when a session has no stored snapshot
var ErrNoSnapshot = errors.New("no snapshot")

const thumbnailSuffix = "_thumb.jpg"

// Store manages the snapshot directory tree
type Store struct {
	logger      *logger.Logger
	dir         string
	mu          sync.RWMutex
	diskMonitor *DiskMonitor
	retention   *RetentionPolicy
}

// StoreConfig contains snapshot store configuration
type StoreConfig struct {
	Dir                 string
	MaxSessions         int     // Session directories kept, 0 = unlimited
	MaxDiskUsagePercent float64 // Writes pause above this usage
}

// SnapshotInfo describes one stored snapshot
type SnapshotInfo struct {
	SessionID  string    `json:"session_id"`
	FrameIndex int       `json:"frame_index"`
	Path       string    `json:"path"`
	Thumbnail  string    `json:"thumbnail,omitempty"`
	SizeBytes  int64     `json:"size_bytes"`
	CreatedAt  time.Time `json:"created_at"`
}

// NewStore creates the snapshot directory and returns a store over it
func NewStore(config StoreConfig, log *logger.Logger) (*Store, error) {
	if log == nil {
		log = logger.NewNopLogger()
	}
	if config.Dir == "" {
		return nil, fmt.Errorf("snapshot directory is required")
	}
	if err := os.MkdirAll(config.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create snapshots directory: %w", err)
	}

	log = log.Named("storage")
	s := &Store{
		logger:      log,
		dir:         config.Dir,
		diskMonitor: NewDiskMonitor(config.Dir, config.MaxDiskUsagePercent, log),
	}
	s.retention = NewRetentionPolicy(s, config.MaxSessions, log)

	log.Info("Snapshot store initialized",
		"dir", config.Dir,
		"max_sessions", config.MaxSessions,
		"max_disk_usage_percent", s.diskMonitor.MaxUsagePercent(),
	)

	return s, nil
}

// Dir returns the snapshot root directory
func (s *Store) Dir() string {
	return s.dir
}

// SessionDir returns the directory holding a session's snapshots
func (s *Store) SessionDir(sessionID string) string {
	return filepath.Join(s.dir, sessionID)
}

// SnapshotPath returns the path of the snapshot of a frame:
// <dir>/<session>/frame_000042.jpg, or frame_000042_thumb.jpg
func (s *Store) SnapshotPath(sessionID string, frameIndex int, thumbnail bool) string {
	name := fmt.Sprintf("frame_%06d", frameIndex)
	if thumbnail {
		return filepath.Join(s.SessionDir(sessionID), name+thumbnailSuffix)
	}
	return filepath.Join(s.SessionDir(sessionID), name+".jpg")
}

// WriteFile stores data at path atomically
func (s *Store) WriteFile(path string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to store snapshot: %w", err)
	}
	return nil
}

// ReadFile returns a stored snapshot. Paths outside the store are refused.
func (s *Store) ReadFile(path string) ([]byte, error) {
	rel, err := filepath.Rel(s.dir, filepath.Clean(path))
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil, fmt.Errorf("snapshot path outside store: %s", path)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNoSnapshot, path)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	return data, nil
}

// ListSnapshots returns a session's snapshots ordered by frame
func (s *Store) ListSnapshots(ctx context.Context, sessionID string) ([]SnapshotInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.SessionDir(sessionID))
	if os.IsNotExist(err) {
		return []SnapshotInfo{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}

	snapshots := make([]SnapshotInfo, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".jpg") || strings.HasSuffix(name, thumbnailSuffix) {
			continue
		}
		var frame int
		if _, err := fmt.Sscanf(name, "frame_%d.jpg", &frame); err != nil {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}

		snap := SnapshotInfo{
			SessionID:  sessionID,
			FrameIndex: frame,
			Path:       filepath.Join(s.SessionDir(sessionID), name),
			SizeBytes:  info.Size(),
			CreatedAt:  info.ModTime(),
		}
		thumb := s.SnapshotPath(sessionID, frame, true)
		if _, err := os.Stat(thumb); err == nil {
			snap.Thumbnail = thumb
		}
		snapshots = append(snapshots, snap)
	}

	sort.Slice(snapshots, func(i, j int) bool {
		return snapshots[i].FrameIndex < snapshots[j].FrameIndex
	})
	return snapshots, nil
}

// LatestSnapshot returns the snapshot with the highest frame index
func (s *Store) LatestSnapshot(ctx context.Context, sessionID string) (*SnapshotInfo, error) {
	snapshots, err := s.ListSnapshots(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(snapshots) == 0 {
		return nil, fmt.Errorf("%w for session %s", ErrNoSnapshot, sessionID)
	}
	latest := snapshots[len(snapshots)-1]
	return &latest, nil
}

// DeleteSession removes a session's snapshot directory
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	if sessionID == "" || strings.ContainsAny(sessionID, `/\`) || sessionID == "." || sessionID == ".." {
		return fmt.Errorf("invalid session id: %q", sessionID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.RemoveAll(s.SessionDir(sessionID)); err != nil {
		return fmt.Errorf("failed to delete session snapshots: %w", err)
	}
	s.diskMonitor.Invalidate()
	return nil
}

// sessionDirs returns the session directories, oldest first
func (s *Store) sessionDirs() ([]os.FileInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	dirs := make([]os.FileInfo, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		dirs = append(dirs, info)
	}
	sort.Slice(dirs, func(i, j int) bool {
		return dirs[i].ModTime().Before(dirs[j].ModTime())
	})
	return dirs, nil
}

// GetDiskUsage returns current disk usage statistics
func (s *Store) GetDiskUsage(ctx context.Context) (*DiskUsage, error) {
	return s.diskMonitor.GetUsage(ctx)
}

// HasSpace reports whether snapshots may still be written
func (s *Store) HasSpace(ctx context.Context) (bool, error) {
	return s.diskMonitor.HasSpace(ctx)
}

// EnforceRetention deletes the oldest session directories over the limit
func (s *Store) EnforceRetention(ctx context.Context) error {
	return s.retention.Enforce(ctx)
}
