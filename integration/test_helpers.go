package integration

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/skulumani/pupil/internal/config"
	"github.com/skulumani/pupil/internal/detector"
	"github.com/skulumani/pupil/internal/logger"
	"github.com/skulumani/pupil/internal/service"
	"github.com/skulumani/pupil/internal/state"
	"github.com/skulumani/pupil/internal/video"
)

// TestEnvironment provides a data directory and configuration file for
// integration tests
type TestEnvironment struct {
	TempDir    string
	ConfigPath string
	Logger     *logger.Logger
}

// SetupTestEnvironment creates a test environment
func SetupTestEnvironment(t *testing.T) *TestEnvironment {
	tmpDir := t.TempDir()
	return &TestEnvironment{
		TempDir:    tmpDir,
		ConfigPath: filepath.Join(tmpDir, "pupil.yaml"),
		Logger:     logger.NewNopLogger(),
	}
}

// WriteConfig writes body to the configuration file. data_dir is prepended
// so every relative path lands in the temp directory.
func (e *TestEnvironment) WriteConfig(t *testing.T, body string) {
	t.Helper()
	content := "data_dir: " + filepath.Join(e.TempDir, "data") + "\n" + body
	if err := os.WriteFile(e.ConfigPath, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
}

// LoadConfig loads the configuration file through the config service
func (e *TestEnvironment) LoadConfig(t *testing.T) *config.Service {
	t.Helper()
	svc, err := config.NewService(e.ConfigPath, e.Logger)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}
	return svc
}

// OpenState opens the result database named by cfg
func (e *TestEnvironment) OpenState(t *testing.T, cfg *config.Config) *state.Manager {
	t.Helper()
	st, err := state.NewManager(cfg.Results.DBPath, e.Logger)
	if err != nil {
		t.Fatalf("Failed to create state manager: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// NewDetector creates a 2D detector closed with the test
func (e *TestEnvironment) NewDetector(t *testing.T, settings detector.Settings) detector.Detector {
	t.Helper()
	det, err := detector.NewDetector2D(settings, e.Logger)
	if err != nil {
		t.Fatalf("Failed to create detector: %v", err)
	}
	t.Cleanup(func() { det.Close() })
	return det
}

// SyntheticOpener opens n frames of the default synthetic eye
func SyntheticOpener(n int) service.SourceOpener {
	return func(ctx context.Context) (video.Source, error) {
		return video.NewMatSource(video.SyntheticFrames(video.DefaultSyntheticEye(), n), time.Second/30)
	}
}

// WaitForCondition waits for a condition to become true
func WaitForCondition(timeout time.Duration, condition func() bool) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		<-ticker.C
	}

	return false
}

// ContextWithTimeout creates a context with timeout for tests
func ContextWithTimeout(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}
