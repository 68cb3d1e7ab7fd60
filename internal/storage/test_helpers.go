package storage

import (
	"path/filepath"
	"testing"

	"github.com/skulumani/pupil/internal/logger"
)

func setupTestStore(t *testing.T, maxSessions int) *Store {
	dir := filepath.Join(t.TempDir(), "snapshots")

	store, err := NewStore(StoreConfig{
		Dir:                 dir,
		MaxSessions:         maxSessions,
		MaxDiskUsagePercent: 100,
	}, logger.NewNopLogger())
	if err != nil {
		t.Fatalf("Failed to create snapshot store: %v", err)
	}

	return store
}
