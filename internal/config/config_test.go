package config

import (
	"image"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "ffmpeg", cfg.Source.Kind)
	assert.Equal(t, filepath.Join("data", "db", "pupil.db"), cfg.Results.DBPath)
	assert.Equal(t, 23, cfg.Detector.IntensityRange)
	assert.False(t, cfg.Web.Enabled)
	assert.False(t, cfg.ROI.IsSet())
}

func TestLoadPartialDetectorKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pupil.yaml")
	data := []byte(`
data_dir: /tmp/pupil
source:
  input: /videos/eye0.mp4
  kind: capture
roi:
  lower_x: 100
  lower_y: 50
  upper_x: 400
  upper_y: 350
detector:
  intensity_range: 11
  final_perimeter_ratio_range:
    min: 0.5
    max: 1.3
tracking:
  enabled: true
results:
  db_path: results.db
  export_path: /tmp/pupil/out.csv
`)
	require.NoError(t, os.WriteFile(path, data, 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "/videos/eye0.mp4", cfg.Source.Input)
	assert.Equal(t, "capture", cfg.Source.Kind)
	assert.Equal(t, image.Rect(100, 50, 400, 350), cfg.ROI.Rect())
	assert.Equal(t, 11, cfg.Detector.IntensityRange)
	assert.Equal(t, 0.5, cfg.Detector.FinalPerimeterRatioRange.Min)
	assert.Equal(t, 5, cfg.Detector.BlurSize, "unset detector keys keep defaults")
	assert.Equal(t, 0.8, cfg.Detector.StrongPerimeterRatioRange.Min)
	assert.True(t, cfg.Tracking.Enabled)
	assert.Equal(t, 200, cfg.Tracking.WindowSize)
	assert.Equal(t, "/tmp/pupil/results.db", cfg.Results.DBPath)
	assert.Equal(t, "/tmp/pupil/snapshots", cfg.Snapshots.Dir)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("detector: [unclosed"), 0644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		want   string
	}{
		{"log level", func(c *Config) { c.Log.Level = "verbose" }, "log.level"},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"source kind", func(c *Config) { c.Source.Kind = "gstreamer" }, "source.kind"},
		{"source size pair", func(c *Config) { c.Source.Width = 320 }, "set together"},
		{"inverted roi", func(c *Config) { c.ROI = ROIConfig{LowerX: 50, UpperX: 10, UpperY: 10} }, "roi"},
		{"detector", func(c *Config) { c.Detector.BlurSize = 2 }, "blur_size"},
		{"tracking confidence", func(c *Config) { c.Tracking.MinConfidence = 2 }, "tracking.min_confidence"},
		{"export format", func(c *Config) { c.Results.ExportFormat = "xml" }, "export_format"},
		{"snapshot quality", func(c *Config) { c.Snapshots.Quality = 101 }, "snapshots.quality"},
		{"web port", func(c *Config) { c.Web.Enabled = true; c.Web.Port = 70000 }, "web.port"},
		{"camera matrix", func(c *Config) {
			c.Source.Undistort = &UndistortConfig{CameraMatrix: []float64{1, 2, 3}}
		}, "camera_matrix"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateAggregatesErrors(t *testing.T) {
	cfg := Default()
	cfg.Log.Level = "loud"
	cfg.Snapshots.EveryN = -1

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log.level")
	assert.Contains(t, err.Error(), "snapshots.every_n")
}

func TestSourceIntrinsics(t *testing.T) {
	src := SourceConfig{}
	in, err := src.Intrinsics()
	require.NoError(t, err)
	assert.Nil(t, in)

	src.Undistort = &UndistortConfig{
		CameraMatrix: []float64{500, 0, 320, 0, 500, 240, 0, 0, 1},
		DistCoeffs:   []float64{-0.1, 0.01, 0, 0},
	}
	in, err = src.Intrinsics()
	require.NoError(t, err)
	require.NotNil(t, in)
	assert.Equal(t, 320.0, in.CameraMatrix[2])
	assert.Len(t, in.DistCoeffs, 4)

	src.Undistort.DistCoeffs = []float64{1, 2}
	_, err = src.Intrinsics()
	assert.Error(t, err)
}
