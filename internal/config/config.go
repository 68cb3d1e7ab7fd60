package config

import (
	"fmt"
	"image"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/skulumani/pupil/internal/detector"
	"github.com/skulumani/pupil/internal/video"
)

// Config represents the application configuration
type Config struct {
	DataDir   string            `yaml:"data_dir"`
	Log       LogConfig         `yaml:"log,omitempty"`
	Source    SourceConfig      `yaml:"source"`
	ROI       ROIConfig         `yaml:"roi"`
	Detector  detector.Settings `yaml:"detector"`
	Tracking  TrackingConfig    `yaml:"tracking"`
	Results   ResultsConfig     `yaml:"results"`
	Snapshots SnapshotsConfig   `yaml:"snapshots"`
	Web       WebConfig         `yaml:"web"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// SourceConfig selects where frames come from
type SourceConfig struct {
	Input     string           `yaml:"input"`
	Kind      string           `yaml:"kind"` // ffmpeg or capture
	Width     int              `yaml:"width"`
	Height    int              `yaml:"height"`
	FPS       float64          `yaml:"fps"`
	MaxFrames int              `yaml:"max_frames"`
	Undistort *UndistortConfig `yaml:"undistort,omitempty"`
}

// UndistortConfig holds the camera intrinsics used to remove lens distortion
type UndistortConfig struct {
	CameraMatrix []float64 `yaml:"camera_matrix"` // 9 values, row-major
	DistCoeffs   []float64 `yaml:"dist_coeffs"`
}

// Intrinsics converts the undistort section. It returns nil when no
// undistortion is configured.
func (s SourceConfig) Intrinsics() (*video.Intrinsics, error) {
	if s.Undistort == nil {
		return nil, nil
	}
	if len(s.Undistort.CameraMatrix) != 9 {
		return nil, fmt.Errorf("camera_matrix must have 9 values, got %d", len(s.Undistort.CameraMatrix))
	}
	in := &video.Intrinsics{DistCoeffs: s.Undistort.DistCoeffs}
	copy(in.CameraMatrix[:], s.Undistort.CameraMatrix)
	if err := in.Validate(); err != nil {
		return nil, err
	}
	return in, nil
}

// ROIConfig is the initial search rectangle. All zeros means the full frame.
type ROIConfig struct {
	LowerX int `yaml:"lower_x"`
	LowerY int `yaml:"lower_y"`
	UpperX int `yaml:"upper_x"`
	UpperY int `yaml:"upper_y"`
}

// Rect returns the rectangle, empty for the full frame
func (r ROIConfig) Rect() image.Rectangle {
	return image.Rect(r.LowerX, r.LowerY, r.UpperX, r.UpperY)
}

// IsSet reports whether a rectangle was configured
func (r ROIConfig) IsSet() bool {
	return r != ROIConfig{}
}

// TrackingConfig controls the ROI feedback loop
type TrackingConfig struct {
	Enabled       bool    `yaml:"enabled"`
	MinConfidence float64 `yaml:"min_confidence"`
	WindowSize    int     `yaml:"window_size"`
	MaxMisses     int     `yaml:"max_misses"`
}

// ResultsConfig contains result persistence configuration
type ResultsConfig struct {
	DBPath       string `yaml:"db_path"`
	ExportPath   string `yaml:"export_path"`
	ExportFormat string `yaml:"export_format"` // json or csv, empty = from extension
}

// SnapshotsConfig contains annotated frame snapshot configuration
type SnapshotsConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Dir            string `yaml:"dir"`
	EveryN         int    `yaml:"every_n"`
	Quality        int    `yaml:"quality"`
	ThumbnailWidth int    `yaml:"thumbnail_width"`
	// Retention
	MaxSessions         int     `yaml:"max_sessions"`   // Snapshot directories kept, 0 = unlimited
	MaxDiskUsagePercent float64 `yaml:"max_disk_usage"` // Snapshots pause above this usage
}

// WebConfig contains web server configuration
type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = getDefaultConfigPath()
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s", configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file: %w", err)
	}

	cfg := newConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	cfg.setDefaults()

	return cfg, nil
}

// Default returns the configuration used when no file is given
func Default() *Config {
	cfg := newConfig()
	cfg.setDefaults()
	return cfg
}

// newConfig pre-fills the sections whose zero values are meaningful so
// that keys missing from the file keep their defaults
func newConfig() *Config {
	return &Config{
		Detector: detector.DefaultSettings(),
		Tracking: TrackingConfig{
			MinConfidence: 0.6,
			WindowSize:    200,
			MaxMisses:     5,
		},
	}
}

// getDefaultConfigPath returns the default configuration file path
func getDefaultConfigPath() string {
	paths := []string{
		"./config/pupil.yaml",
		"./config/config.yaml",
		"./pupil.yaml",
		"/etc/pupil/config.yaml",
	}

	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return paths[0]
}

// DefaultConfigExists reports whether one of the default locations holds a
// configuration file
func DefaultConfigExists() bool {
	_, err := os.Stat(getDefaultConfigPath())
	return err == nil
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Log.Output == "" {
		c.Log.Output = "stderr"
	}

	if c.DataDir == "" {
		c.DataDir = "./data"
	}

	if c.Source.Kind == "" {
		c.Source.Kind = "ffmpeg"
	}

	if c.Results.DBPath == "" {
		c.Results.DBPath = filepath.Join(c.DataDir, "db", "pupil.db")
	}

	if c.Snapshots.Dir == "" {
		c.Snapshots.Dir = filepath.Join(c.DataDir, "snapshots")
	}
	if c.Snapshots.EveryN == 0 {
		c.Snapshots.EveryN = 30
	}
	if c.Snapshots.Quality == 0 {
		c.Snapshots.Quality = 90
	}
	if c.Snapshots.ThumbnailWidth == 0 {
		c.Snapshots.ThumbnailWidth = 160
	}
	if c.Snapshots.MaxDiskUsagePercent == 0 {
		c.Snapshots.MaxDiskUsagePercent = 90.0
	}

	if c.Web.Host == "" {
		c.Web.Host = "127.0.0.1"
	}
	if c.Web.Port == 0 {
		c.Web.Port = 8090
	}
}
