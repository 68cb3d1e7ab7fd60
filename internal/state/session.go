package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/skulumani/pupil/internal/detector"
)

// Session statuses
const (
	SessionRunning     = "running"
	SessionFinished    = "finished"
	SessionCancelled   = "cancelled"
	SessionFailed      = "failed"
	SessionInterrupted = "interrupted"
)

// ErrSessionNotFound is returned when a session id is unknown
var ErrSessionNotFound = errors.New("session not found")

// Session is one detection run over a source
type Session struct {
	ID         string             `json:"id"`
	Input      string             `json:"input"`
	Method     string             `json:"method"`
	Status     string             `json:"status"`
	Frames     int                `json:"frames"`
	Settings   *detector.Settings `json:"settings,omitempty"`
	Error      string             `json:"error,omitempty"`
	StartedAt  time.Time          `json:"started_at"`
	FinishedAt *time.Time         `json:"finished_at,omitempty"`
}

// CreateSession records the start of a run and returns it with a fresh id
func (m *Manager) CreateSession(ctx context.Context, input, method string, settings detector.Settings) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	settingsJSON, err := json.Marshal(settings)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal settings: %w", err)
	}

	session := &Session{
		ID:        uuid.New().String(),
		Input:     input,
		Method:    method,
		Status:    SessionRunning,
		Settings:  &settings,
		StartedAt: time.Now().UTC(),
	}

	query := `
		INSERT INTO sessions (id, input, method, status, frames, settings, started_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)
	`
	_, err = m.db.GetDB().ExecContext(ctx, query,
		session.ID, session.Input, session.Method, session.Status, string(settingsJSON), session.StartedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	m.logger.Debug("Session created", "session_id", session.ID, "input", input)
	return session, nil
}

// FinishSession stores the final status and frame count of a run
func (m *Manager) FinishSession(ctx context.Context, id, status string, frames int, runErr error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errText sql.NullString
	if runErr != nil {
		errText = sql.NullString{String: runErr.Error(), Valid: true}
	}

	result, err := m.db.GetDB().ExecContext(ctx,
		`UPDATE sessions SET status = ?, frames = ?, error = ?, finished_at = ? WHERE id = ?`,
		status, frames, errText, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("failed to finish session: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return nil
}

// GetSession retrieves a single session by ID
func (m *Manager) GetSession(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	row := m.db.GetDB().QueryRowContext(ctx, sessionSelect+` WHERE id = ?`, id)
	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

// ListSessions returns the most recent sessions first
func (m *Manager) ListSessions(ctx context.Context, limit int) ([]Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}

	rows, err := m.db.GetDB().QueryContext(ctx, sessionSelect+` ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	sessions := make([]Session, 0)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *session)
	}
	return sessions, rows.Err()
}

// DeleteSession removes a session and its detections
func (m *Manager) DeleteSession(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	result, err := m.db.GetDB().ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return nil
}

const sessionSelect = `
	SELECT id, input, method, status, frames, settings, error, started_at, finished_at
	FROM sessions`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*Session, error) {
	var session Session
	var settingsJSON, errText sql.NullString
	var finishedAt sql.NullTime

	if err := row.Scan(
		&session.ID, &session.Input, &session.Method, &session.Status, &session.Frames,
		&settingsJSON, &errText, &session.StartedAt, &finishedAt,
	); err != nil {
		return nil, err
	}

	if settingsJSON.Valid && settingsJSON.String != "" {
		s := detector.DefaultSettings()
		if err := json.Unmarshal([]byte(settingsJSON.String), &s); err == nil {
			session.Settings = &s
		}
	}
	session.Error = errText.String
	if finishedAt.Valid {
		t := finishedAt.Time
		session.FinishedAt = &t
	}
	return &session, nil
}
