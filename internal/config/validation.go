package config

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Validate validates the configuration with detailed error messages
func (c *Config) Validate() error {
	var errors []string

	if c.DataDir == "" {
		errors = append(errors, "data_dir is required")
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		errors = append(errors, fmt.Sprintf("invalid log.level: %s (must be: debug, info, warn, error)", c.Log.Level))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errors = append(errors, fmt.Sprintf("invalid log.format: %s (must be: text or json)", c.Log.Format))
	}

	// Source
	if c.Source.Kind != "ffmpeg" && c.Source.Kind != "capture" {
		errors = append(errors, fmt.Sprintf("invalid source.kind: %s (must be: ffmpeg or capture)", c.Source.Kind))
	}
	if c.Source.Width < 0 || c.Source.Height < 0 {
		errors = append(errors, fmt.Sprintf("source.width and source.height must be >= 0, got: %dx%d", c.Source.Width, c.Source.Height))
	}
	if (c.Source.Width == 0) != (c.Source.Height == 0) {
		errors = append(errors, "source.width and source.height must be set together")
	}
	if c.Source.FPS < 0 {
		errors = append(errors, fmt.Sprintf("source.fps must be >= 0, got: %.2f", c.Source.FPS))
	}
	if c.Source.MaxFrames < 0 {
		errors = append(errors, fmt.Sprintf("source.max_frames must be >= 0, got: %d", c.Source.MaxFrames))
	}
	if u := c.Source.Undistort; u != nil {
		if len(u.CameraMatrix) != 9 {
			errors = append(errors, fmt.Sprintf("source.undistort.camera_matrix must have 9 values, got: %d", len(u.CameraMatrix)))
		} else if _, err := c.Source.Intrinsics(); err != nil {
			errors = append(errors, fmt.Sprintf("source.undistort: %v", err))
		}
	}

	// ROI
	if c.ROI.IsSet() {
		if c.ROI.LowerX < 0 || c.ROI.LowerY < 0 {
			errors = append(errors, fmt.Sprintf("roi lower bounds must be >= 0, got: (%d,%d)", c.ROI.LowerX, c.ROI.LowerY))
		}
		if c.ROI.LowerX >= c.ROI.UpperX || c.ROI.LowerY >= c.ROI.UpperY {
			errors = append(errors, fmt.Sprintf("roi must have lower < upper on both axes, got: (%d,%d)-(%d,%d)",
				c.ROI.LowerX, c.ROI.LowerY, c.ROI.UpperX, c.ROI.UpperY))
		}
	}

	// Detector
	if err := c.Detector.Validate(); err != nil {
		errors = append(errors, err.Error())
	}

	// Tracking
	if c.Tracking.MinConfidence < 0 || c.Tracking.MinConfidence > 1 {
		errors = append(errors, fmt.Sprintf("tracking.min_confidence must be between 0 and 1, got: %.2f", c.Tracking.MinConfidence))
	}
	if c.Tracking.Enabled && c.Tracking.WindowSize <= 0 {
		errors = append(errors, fmt.Sprintf("tracking.window_size must be > 0, got: %d", c.Tracking.WindowSize))
	}
	if c.Tracking.Enabled && c.Tracking.MaxMisses <= 0 {
		errors = append(errors, fmt.Sprintf("tracking.max_misses must be > 0, got: %d", c.Tracking.MaxMisses))
	}

	// Results
	switch c.Results.ExportFormat {
	case "", "json", "csv":
	default:
		errors = append(errors, fmt.Sprintf("invalid results.export_format: %s (must be: json or csv)", c.Results.ExportFormat))
	}

	// Snapshots
	if c.Snapshots.EveryN <= 0 {
		errors = append(errors, fmt.Sprintf("snapshots.every_n must be > 0, got: %d", c.Snapshots.EveryN))
	}
	if c.Snapshots.Quality < 1 || c.Snapshots.Quality > 100 {
		errors = append(errors, fmt.Sprintf("snapshots.quality must be between 1 and 100, got: %d", c.Snapshots.Quality))
	}
	if c.Snapshots.ThumbnailWidth < 0 {
		errors = append(errors, fmt.Sprintf("snapshots.thumbnail_width must be >= 0, got: %d", c.Snapshots.ThumbnailWidth))
	}
	if c.Snapshots.MaxSessions < 0 {
		errors = append(errors, fmt.Sprintf("snapshots.max_sessions must be >= 0, got: %d", c.Snapshots.MaxSessions))
	}
	if c.Snapshots.MaxDiskUsagePercent <= 0 || c.Snapshots.MaxDiskUsagePercent > 100 {
		errors = append(errors, fmt.Sprintf("snapshots.max_disk_usage must be between 0 and 100, got: %.1f", c.Snapshots.MaxDiskUsagePercent))
	}

	// Web
	if c.Web.Enabled && (c.Web.Port <= 0 || c.Web.Port > 65535) {
		errors = append(errors, fmt.Sprintf("web.port must be between 1 and 65535, got: %d", c.Web.Port))
	}

	// Relative paths live under data_dir
	c.Results.DBPath = c.underDataDir(c.Results.DBPath)
	c.Snapshots.Dir = c.underDataDir(c.Snapshots.Dir)

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	return nil
}

func (c *Config) underDataDir(path string) string {
	if path == "" || path == ":memory:" || filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || strings.HasPrefix(path, "../") || strings.HasPrefix(path, filepath.Clean(c.DataDir)+string(filepath.Separator)) {
		return path
	}
	return filepath.Join(c.DataDir, path)
}
