package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/skulumani/pupil/internal/detector"
	"github.com/skulumani/pupil/internal/logger"
)

const (
	keyDetectorSettings = "detector.settings"
	keyROI              = "pipeline.roi"
)

// Manager manages session and detection persistence and recovery
type Manager struct {
	db     *Database
	logger *logger.Logger
	mu     sync.RWMutex
}

// NewManager opens the database at dbPath
func NewManager(dbPath string, log *logger.Logger) (*Manager, error) {
	if log == nil {
		log = logger.NewNopLogger()
	}

	db, err := NewDatabase(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create database: %w", err)
	}

	return &Manager{
		db:     db,
		logger: log.Named("state"),
	}, nil
}

// Close closes the state manager and database
func (m *Manager) Close() error {
	return m.db.Close()
}

// GetDB returns the database connection
func (m *Manager) GetDB() *sql.DB {
	return m.db.GetDB()
}

// Ping checks the database connection
func (m *Manager) Ping(ctx context.Context) error {
	return m.db.GetDB().PingContext(ctx)
}

// SaveSystemState saves a system state value
func (m *Manager) SaveSystemState(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	query := `
		INSERT INTO system_state (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`

	_, err := m.db.GetDB().ExecContext(ctx, query, key, value, time.Now())
	if err != nil {
		return fmt.Errorf("failed to save system state: %w", err)
	}

	return nil
}

// GetSystemState retrieves a system state value
func (m *Manager) GetSystemState(ctx context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var value string
	query := `SELECT value FROM system_state WHERE key = ?`
	err := m.db.GetDB().QueryRowContext(ctx, query, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get system state: %w", err)
	}

	return value, nil
}

// SaveSettings stores the detector settings for the next start
func (m *Manager) SaveSettings(ctx context.Context, s detector.Settings) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	return m.SaveSystemState(ctx, keyDetectorSettings, string(data))
}

// SaveROI stores the search rectangle for the next start
func (m *Manager) SaveROI(ctx context.Context, rect image.Rectangle) error {
	data, err := json.Marshal([4]int{rect.Min.X, rect.Min.Y, rect.Max.X, rect.Max.Y})
	if err != nil {
		return fmt.Errorf("failed to encode roi: %w", err)
	}
	return m.SaveSystemState(ctx, keyROI, string(data))
}

// RecoveredState is what a previous run left behind
type RecoveredState struct {
	Settings    *detector.Settings
	ROI         *image.Rectangle
	Interrupted []string // Sessions that were still running
}

// RecoverState loads the last settings and ROI and marks sessions that
// never finished as interrupted
func (m *Manager) RecoverState(ctx context.Context) (*RecoveredState, error) {
	m.logger.Info("Recovering state")

	recovered := &RecoveredState{}

	if raw, err := m.GetSystemState(ctx, keyDetectorSettings); err != nil {
		return nil, err
	} else if raw != "" {
		s := detector.DefaultSettings()
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			m.logger.Warn("Failed to parse stored detector settings", "error", err)
		} else if err := s.Validate(); err != nil {
			m.logger.Warn("Stored detector settings are invalid", "error", err)
		} else {
			recovered.Settings = &s
		}
	}

	if raw, err := m.GetSystemState(ctx, keyROI); err != nil {
		return nil, err
	} else if raw != "" {
		var v [4]int
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			m.logger.Warn("Failed to parse stored roi", "error", err)
		} else {
			rect := image.Rect(v[0], v[1], v[2], v[3])
			recovered.ROI = &rect
		}
	}

	interrupted, err := m.interruptRunningSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to recover sessions: %w", err)
	}
	recovered.Interrupted = interrupted

	m.logger.Info("State recovery complete",
		"settings", recovered.Settings != nil,
		"roi", recovered.ROI != nil,
		"interrupted_sessions", len(interrupted),
	)

	return recovered, nil
}

func (m *Manager) interruptRunningSessions(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows, err := m.db.GetDB().QueryContext(ctx, `SELECT id FROM sessions WHERE status = ?`, SessionRunning)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		_, err := m.db.GetDB().ExecContext(ctx, `
			UPDATE sessions SET status = ?, frames = (SELECT COUNT(*) FROM detections WHERE session_id = ?)
			WHERE id = ?
		`, SessionInterrupted, id, id)
		if err != nil {
			return nil, err
		}
	}
	return ids, nil
}
