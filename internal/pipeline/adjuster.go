package pipeline

import (
	"math"

	"github.com/skulumani/pupil/internal/detector"
	"github.com/skulumani/pupil/internal/roi"
)

// Adjuster may move the ROI after each successful detection. It runs on the
// loop goroutine, between frames.
type Adjuster func(res detector.Result, r *roi.ROI)

// TrackingConfig configures TrackingAdjuster
type TrackingConfig struct {
	MinConfidence float64 `yaml:"min_confidence"`
	WindowSize    int     `yaml:"window_size"`
	MaxMisses     int     `yaml:"max_misses"`
}

// TrackingAdjuster keeps a square ROI centered on the last confident pupil
// and falls back to the full frame after MaxMisses weak frames in a row
type TrackingAdjuster struct {
	cfg    TrackingConfig
	misses int
}

// NewTrackingAdjuster creates a tracking adjuster
func NewTrackingAdjuster(cfg TrackingConfig) *TrackingAdjuster {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 200
	}
	if cfg.MaxMisses <= 0 {
		cfg.MaxMisses = 5
	}
	return &TrackingAdjuster{cfg: cfg}
}

// Adjust implements Adjuster
func (t *TrackingAdjuster) Adjust(res detector.Result, r *roi.ROI) {
	if res.Error != "" {
		return
	}
	if res.Confidence >= t.cfg.MinConfidence && res.Found() {
		t.misses = 0
		x := int(math.Round(res.Ellipse.Center.X))
		y := int(math.Round(res.Ellipse.Center.Y))
		// CenteredOn only fails for an empty window which the clamp rules out
		_ = r.CenteredOn(x, y, t.cfg.WindowSize)
		return
	}

	t.misses++
	if t.misses >= t.cfg.MaxMisses && !r.IsFull() {
		r.Reset()
		t.misses = 0
	}
}
