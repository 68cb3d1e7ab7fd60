package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/skulumani/pupil/internal/logger"
)

// RetentionPolicy keeps at most maxSessions session directories
type RetentionPolicy struct {
	store       *Store
	maxSessions int
	logger      *logger.Logger
	mu          sync.Mutex
	enforcing   bool
}

// NewRetentionPolicy creates a new retention policy. maxSessions <= 0 keeps
// everything.
func NewRetentionPolicy(store *Store, maxSessions int, log *logger.Logger) *RetentionPolicy {
	return &RetentionPolicy{
		store:       store,
		maxSessions: maxSessions,
		logger:      log,
	}
}

// Enforce deletes the oldest session directories until at most
// maxSessions remain
func (r *RetentionPolicy) Enforce(ctx context.Context) error {
	r.mu.Lock()
	if r.enforcing {
		r.mu.Unlock()
		return fmt.Errorf("retention policy is already being enforced")
	}
	r.enforcing = true
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.enforcing = false
		r.mu.Unlock()
	}()

	if r.maxSessions <= 0 {
		return nil
	}

	dirs, err := r.store.sessionDirs()
	if err != nil {
		return fmt.Errorf("failed to list session directories: %w", err)
	}

	excess := len(dirs) - r.maxSessions
	deletedCount := 0
	for i := 0; i < excess; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.store.DeleteSession(ctx, dirs[i].Name()); err != nil {
			r.logger.Warn("Failed to delete session snapshots", "session_id", dirs[i].Name(), "error", err)
			continue
		}
		deletedCount++
	}

	if deletedCount > 0 {
		r.logger.Info("Deleted old session snapshots", "count", deletedCount)
	}
	return nil
}
