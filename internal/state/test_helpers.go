package state

import (
	"path/filepath"
	"testing"

	"github.com/skulumani/pupil/internal/detector"
	"github.com/skulumani/pupil/internal/logger"
)

func setupTestManager(t *testing.T) *Manager {
	dbPath := filepath.Join(t.TempDir(), "db", "pupil.db")

	log, _ := logger.New(logger.LogConfig{Level: "info", Format: "text"})

	mgr, err := NewManager(dbPath, log)
	if err != nil {
		t.Fatalf("Failed to create manager: %v", err)
	}

	return mgr
}

func testResults(n int) []detector.Result {
	results := make([]detector.Result, n)
	for i := range results {
		results[i] = detector.Result{
			FrameIndex: i,
			Timestamp:  float64(i) / 30,
			Ellipse: detector.Ellipse{
				Center: detector.Point2f{X: 320 + float64(i), Y: 240},
				Axes:   detector.Point2f{X: 80, Y: 40},
				Angle:  float64(i),
			},
			Diameter:   80,
			Confidence: 0.9,
			NormPos:    detector.Point2f{X: 0.5, Y: 0.5},
			Method:     detector.Method2D,
		}
	}
	return results
}
