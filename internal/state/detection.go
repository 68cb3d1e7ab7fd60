package state

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/skulumani/pupil/internal/detector"
)

// SaveDetections stores a batch of per-frame results in one transaction.
// A frame stored twice for the same session keeps the last result.
func (m *Manager) SaveDetections(ctx context.Context, sessionID string, results []detector.Result) error {
	if len(results) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tx, err := m.db.GetDB().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO detections (
			session_id, frame_index, timestamp, center_x, center_y, axis_major, axis_minor,
			angle, diameter, confidence, norm_x, norm_y, method, error
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range results {
		var errText sql.NullString
		if r.Error != "" {
			errText = sql.NullString{String: r.Error, Valid: true}
		}
		_, err := stmt.ExecContext(ctx,
			sessionID, r.FrameIndex, r.Timestamp,
			r.Ellipse.Center.X, r.Ellipse.Center.Y, r.Ellipse.Axes.X, r.Ellipse.Axes.Y,
			r.Ellipse.Angle, r.Diameter, r.Confidence, r.NormPos.X, r.NormPos.Y,
			r.Method, errText,
		)
		if err != nil {
			return fmt.Errorf("failed to save detection %d: %w", r.FrameIndex, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// DetectionQuery selects stored results of a session
type DetectionQuery struct {
	MinConfidence float64 // Only results at or above this confidence
	Offset        int
	Limit         int // Defaults to 1000
}

// SessionResults returns the stored results of a session ordered by frame
func (m *Manager) SessionResults(ctx context.Context, sessionID string, q DetectionQuery) ([]detector.Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if q.Limit <= 0 {
		q.Limit = 1000
	}
	if q.Offset < 0 {
		q.Offset = 0
	}

	rows, err := m.db.GetDB().QueryContext(ctx, `
		SELECT frame_index, timestamp, center_x, center_y, axis_major, axis_minor,
			angle, diameter, confidence, norm_x, norm_y, method, error
		FROM detections
		WHERE session_id = ? AND confidence >= ?
		ORDER BY frame_index ASC
		LIMIT ? OFFSET ?
	`, sessionID, q.MinConfidence, q.Limit, q.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query detections: %w", err)
	}
	defer rows.Close()

	results := make([]detector.Result, 0)
	for rows.Next() {
		var r detector.Result
		var errText sql.NullString
		if err := rows.Scan(
			&r.FrameIndex, &r.Timestamp,
			&r.Ellipse.Center.X, &r.Ellipse.Center.Y, &r.Ellipse.Axes.X, &r.Ellipse.Axes.Y,
			&r.Ellipse.Angle, &r.Diameter, &r.Confidence, &r.NormPos.X, &r.NormPos.Y,
			&r.Method, &errText,
		); err != nil {
			return nil, err
		}
		r.Error = errText.String
		results = append(results, r)
	}
	return results, rows.Err()
}

// DetectionStats summarises a session's stored results
type DetectionStats struct {
	Frames         int     `json:"frames"`
	Detected       int     `json:"detected"`
	Failures       int     `json:"failures"`
	MeanConfidence float64 `json:"mean_confidence"`
	MeanDiameter   float64 `json:"mean_diameter"`
}

// SessionStats aggregates the detections of a session. Mean diameter only
// counts frames with a candidate.
func (m *Manager) SessionStats(ctx context.Context, sessionID string) (*DetectionStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var stats DetectionStats
	var meanConf, meanDiam sql.NullFloat64
	err := m.db.GetDB().QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN confidence > 0 AND diameter > 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN error IS NOT NULL THEN 1 ELSE 0 END), 0),
			AVG(confidence),
			AVG(CASE WHEN confidence > 0 AND diameter > 0 THEN diameter END)
		FROM detections WHERE session_id = ?
	`, sessionID).Scan(&stats.Frames, &stats.Detected, &stats.Failures, &meanConf, &meanDiam)
	if err != nil {
		return nil, fmt.Errorf("failed to compute session stats: %w", err)
	}
	stats.MeanConfidence = meanConf.Float64
	stats.MeanDiameter = meanDiam.Float64
	return &stats, nil
}
