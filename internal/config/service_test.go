package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/skulumani/pupil/internal/logger"
)

func createTestConfig(t *testing.T, configPath string, cfg *Config) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		t.Fatalf("Failed to marshal config: %v", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		t.Fatalf("Failed to write config file: %v", err)
	}
}

func setupTestConfigFile(t *testing.T) (string, *Config) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	cfg := Default()
	cfg.DataDir = tmpDir
	cfg.Results.DBPath = filepath.Join(tmpDir, "pupil.db")
	cfg.Snapshots.Dir = filepath.Join(tmpDir, "snapshots")

	createTestConfig(t, configPath, cfg)
	return configPath, cfg
}

func TestNewService(t *testing.T) {
	configPath, _ := setupTestConfigFile(t)

	svc, err := NewService(configPath, logger.NewNopLogger())
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}

	if svc.Get() == nil {
		t.Fatal("Get() returned nil")
	}
	if svc.Path() != configPath {
		t.Errorf("Expected path %s, got %s", configPath, svc.Path())
	}
}

func TestService_Get(t *testing.T) {
	configPath, cfg := setupTestConfigFile(t)

	svc, err := NewService(configPath, logger.NewNopLogger())
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}

	retrieved := svc.Get()
	if retrieved.DataDir != cfg.DataDir {
		t.Errorf("Expected DataDir %s, got %s", cfg.DataDir, retrieved.DataDir)
	}
	if retrieved.Detector != cfg.Detector {
		t.Errorf("Expected detector settings to round-trip, got %+v", retrieved.Detector)
	}
}

func TestService_Reload(t *testing.T) {
	configPath, cfg := setupTestConfigFile(t)

	svc, err := NewService(configPath, logger.NewNopLogger())
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}

	cfg.Log.Level = "debug"
	cfg.Detector.IntensityRange = 31
	createTestConfig(t, configPath, cfg)

	if err := svc.Reload(context.Background()); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	reloaded := svc.Get()
	if reloaded.Log.Level != "debug" {
		t.Errorf("Expected log level 'debug', got %s", reloaded.Log.Level)
	}
	if reloaded.Detector.IntensityRange != 31 {
		t.Errorf("Expected intensity_range 31, got %d", reloaded.Detector.IntensityRange)
	}
}

func TestService_ReloadInvalidKeepsOld(t *testing.T) {
	configPath, cfg := setupTestConfigFile(t)

	svc, err := NewService(configPath, logger.NewNopLogger())
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}

	cfg.Detector.BlurSize = 4
	createTestConfig(t, configPath, cfg)

	if err := svc.Reload(context.Background()); err == nil {
		t.Fatal("Expected reload of invalid configuration to fail")
	}
	if svc.Get().Detector.BlurSize != 5 {
		t.Errorf("Expected previous blur_size 5, got %d", svc.Get().Detector.BlurSize)
	}
}

func TestService_Watch(t *testing.T) {
	configPath, cfg := setupTestConfigFile(t)

	svc, err := NewService(configPath, logger.NewNopLogger())
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}

	var gotOld, gotNew int
	watcherCalled := false
	svc.Watch(func(ctx context.Context, oldConfig, newConfig *Config) error {
		watcherCalled = true
		gotOld = oldConfig.Detector.IntensityRange
		gotNew = newConfig.Detector.IntensityRange
		return nil
	})
	svc.Watch(func(ctx context.Context, oldConfig, newConfig *Config) error {
		return errors.New("watcher errors are logged, not returned")
	})

	cfg.Detector.IntensityRange = 12
	createTestConfig(t, configPath, cfg)

	if err := svc.Reload(context.Background()); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}

	if !watcherCalled {
		t.Fatal("Watcher should have been called")
	}
	if gotOld != 23 || gotNew != 12 {
		t.Errorf("Expected watcher to see 23 -> 12, got %d -> %d", gotOld, gotNew)
	}
}

func TestService_ReloadWithoutFile(t *testing.T) {
	svc, err := NewServiceFromConfig(Default(), nil)
	if err != nil {
		t.Fatalf("NewServiceFromConfig failed: %v", err)
	}
	if err := svc.Reload(context.Background()); err == nil {
		t.Error("Expected reload without a file to fail")
	}
}

func TestService_EnvOverrides(t *testing.T) {
	configPath, _ := setupTestConfigFile(t)

	t.Setenv("PUPIL_LOG_LEVEL", "warn")
	t.Setenv("PUPIL_SOURCE_INPUT", "eye.mp4")
	t.Setenv("PUPIL_WEB_ENABLED", "true")
	t.Setenv("PUPIL_WEB_PORT", "9999")
	t.Setenv("PUPIL_DETECTOR_INTENSITY_RANGE", "17")
	t.Setenv("PUPIL_DETECTOR_COARSE_DETECTION", "false")
	t.Setenv("PUPIL_DETECTOR_NOT_A_SETTING", "1")

	svc, err := NewService(configPath, logger.NewNopLogger())
	if err != nil {
		t.Fatalf("NewService failed: %v", err)
	}

	cfg := svc.Get()
	if cfg.Log.Level != "warn" {
		t.Errorf("Expected log level 'warn', got %s", cfg.Log.Level)
	}
	if cfg.Source.Input != "eye.mp4" {
		t.Errorf("Expected input 'eye.mp4', got %s", cfg.Source.Input)
	}
	if !cfg.Web.Enabled || cfg.Web.Port != 9999 {
		t.Errorf("Expected web enabled on 9999, got %v %d", cfg.Web.Enabled, cfg.Web.Port)
	}
	if cfg.Detector.IntensityRange != 17 {
		t.Errorf("Expected intensity_range 17, got %d", cfg.Detector.IntensityRange)
	}
	if cfg.Detector.CoarseDetection {
		t.Error("Expected coarse_detection false")
	}
}

func TestService_EnvOverrideWrongType(t *testing.T) {
	configPath, _ := setupTestConfigFile(t)
	t.Setenv("PUPIL_DETECTOR_BLUR_SIZE", "large")

	if _, err := NewService(configPath, logger.NewNopLogger()); err == nil {
		t.Fatal("Expected a non numeric detector override to fail")
	}
}

func TestService_EnvOverrideNonFinite(t *testing.T) {
	for _, val := range []string{"NaN", "Inf", "-Inf"} {
		t.Run(val, func(t *testing.T) {
			configPath, _ := setupTestConfigFile(t)
			t.Setenv("PUPIL_DETECTOR_PUPIL_SIZE_MIN", val)

			if _, err := NewService(configPath, logger.NewNopLogger()); err == nil {
				t.Fatalf("Expected pupil_size_min=%s to be rejected", val)
			}
		})
	}
}

func TestGetEnvHelpers(t *testing.T) {
	t.Setenv("PUPIL_TEST_INT", "12")
	t.Setenv("PUPIL_TEST_BAD_INT", "x")
	t.Setenv("PUPIL_TEST_BOOL", "yes")

	if got := GetEnvInt("PUPIL_TEST_INT", 1); got != 12 {
		t.Errorf("Expected 12, got %d", got)
	}
	if got := GetEnvInt("PUPIL_TEST_BAD_INT", 3); got != 3 {
		t.Errorf("Expected default 3, got %d", got)
	}
	if !GetEnvBool("PUPIL_TEST_BOOL", false) {
		t.Error("Expected true")
	}
	if got := GetEnvWithDefault("PUPIL_TEST_MISSING", "fallback"); got != "fallback" {
		t.Errorf("Expected fallback, got %s", got)
	}
}
