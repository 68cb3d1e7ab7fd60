package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/skulumani/pupil/internal/logger"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "PUPIL_"

// Service provides configuration management with environment variable support
type Service struct {
	config     *Config
	configPath string
	logger     *logger.Logger
	mu         sync.RWMutex
	watchers   []ConfigWatcher
}

// ConfigWatcher is called when configuration changes
type ConfigWatcher func(ctx context.Context, oldConfig, newConfig *Config) error

// NewService creates a new configuration service. An empty configPath
// falls back to the default locations and then to built-in defaults.
func NewService(configPath string, log *logger.Logger) (*Service, error) {
	if configPath == "" && !DefaultConfigExists() {
		return NewServiceFromConfig(Default(), log)
	}

	cfg, err := Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load initial configuration: %w", err)
	}
	if configPath == "" {
		configPath = getDefaultConfigPath()
	}

	svc, err := NewServiceFromConfig(cfg, log)
	if err != nil {
		return nil, err
	}
	svc.configPath = configPath
	return svc, nil
}

// NewServiceFromConfig wraps an already loaded configuration. Such a
// service cannot Reload.
func NewServiceFromConfig(cfg *Config, log *logger.Logger) (*Service, error) {
	if log == nil {
		log = logger.NewNopLogger()
	}

	unknown, err := applyEnvOverrides(cfg)
	if err != nil {
		return nil, fmt.Errorf("invalid environment override: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if len(unknown) > 0 {
		log.Warn("Ignoring unknown detector settings from environment", "keys", unknown)
	}

	return &Service{
		config:   cfg,
		logger:   log,
		watchers: make([]ConfigWatcher, 0),
	}, nil
}

// Get returns the current configuration (thread-safe)
func (s *Service) Get() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

// Path returns the file the configuration was loaded from
func (s *Service) Path() string {
	return s.configPath
}

// Reload reloads the configuration from file
func (s *Service) Reload(ctx context.Context) error {
	if s.configPath == "" {
		return fmt.Errorf("failed to reload configuration: no configuration file")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	oldConfig := s.config

	newConfig, err := Load(s.configPath)
	if err != nil {
		return fmt.Errorf("failed to reload configuration: %w", err)
	}

	if _, err := applyEnvOverrides(newConfig); err != nil {
		return fmt.Errorf("invalid environment override: %w", err)
	}

	if err := newConfig.Validate(); err != nil {
		return fmt.Errorf("invalid reloaded configuration: %w", err)
	}

	s.config = newConfig

	for _, watcher := range s.watchers {
		if err := watcher(ctx, oldConfig, newConfig); err != nil {
			s.logger.Error("Config watcher error", "error", err)
		}
	}

	s.logger.Info("Configuration reloaded", "path", s.configPath)
	return nil
}

// Watch registers a configuration change watcher
func (s *Service) Watch(watcher ConfigWatcher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.watchers = append(s.watchers, watcher)
}

// applyEnvOverrides applies environment variable overrides to configuration.
// Detector settings are read from PUPIL_DETECTOR_<KEY>; it returns the
// detector keys that were set but not recognised.
func applyEnvOverrides(cfg *Config) ([]string, error) {
	if val := os.Getenv(EnvPrefix + "DATA_DIR"); val != "" {
		cfg.DataDir = val
	}

	// Log settings
	if val := os.Getenv(EnvPrefix + "LOG_LEVEL"); val != "" {
		cfg.Log.Level = val
	}
	if val := os.Getenv(EnvPrefix + "LOG_FORMAT"); val != "" {
		cfg.Log.Format = val
	}
	if val := os.Getenv(EnvPrefix + "LOG_OUTPUT"); val != "" {
		cfg.Log.Output = val
	}

	// Source settings
	if val := os.Getenv(EnvPrefix + "SOURCE_INPUT"); val != "" {
		cfg.Source.Input = val
	}
	if val := os.Getenv(EnvPrefix + "SOURCE_KIND"); val != "" {
		cfg.Source.Kind = val
	}
	cfg.Source.MaxFrames = GetEnvInt(EnvPrefix+"SOURCE_MAX_FRAMES", cfg.Source.MaxFrames)

	// Results and snapshots
	if val := os.Getenv(EnvPrefix + "RESULTS_DB_PATH"); val != "" {
		cfg.Results.DBPath = val
	}
	if val := os.Getenv(EnvPrefix + "RESULTS_EXPORT_PATH"); val != "" {
		cfg.Results.ExportPath = val
	}
	cfg.Snapshots.Enabled = GetEnvBool(EnvPrefix+"SNAPSHOTS_ENABLED", cfg.Snapshots.Enabled)
	if val := os.Getenv(EnvPrefix + "SNAPSHOTS_DIR"); val != "" {
		cfg.Snapshots.Dir = val
	}

	// Tracking
	cfg.Tracking.Enabled = GetEnvBool(EnvPrefix+"TRACKING_ENABLED", cfg.Tracking.Enabled)

	// Web settings
	cfg.Web.Enabled = GetEnvBool(EnvPrefix+"WEB_ENABLED", cfg.Web.Enabled)
	if val := os.Getenv(EnvPrefix + "WEB_HOST"); val != "" {
		cfg.Web.Host = val
	}
	cfg.Web.Port = GetEnvInt(EnvPrefix+"WEB_PORT", cfg.Web.Port)

	return applyDetectorEnv(cfg)
}

func applyDetectorEnv(cfg *Config) ([]string, error) {
	const prefix = EnvPrefix + "DETECTOR_"

	values := make(map[string]interface{})
	for _, kv := range os.Environ() {
		key, val, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(key, prefix) {
			continue
		}
		name := strings.ToLower(strings.TrimPrefix(key, prefix))
		if val == "true" || val == "false" {
			values[name] = val == "true"
		} else if f, err := strconv.ParseFloat(val, 64); err == nil {
			values[name] = f
		} else {
			values[name] = val
		}
	}
	if len(values) == 0 {
		return nil, nil
	}

	merged, unknown, err := cfg.Detector.Merge(values)
	if err != nil {
		return nil, err
	}
	cfg.Detector = merged
	return unknown, nil
}

// GetEnvWithDefault gets an environment variable with a default value
func GetEnvWithDefault(key, defaultValue string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultValue
}

// GetEnvBool gets a boolean environment variable
func GetEnvBool(key string, defaultValue bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	val = strings.ToLower(val)
	return val == "true" || val == "1" || val == "yes" || val == "on"
}

// GetEnvInt gets an integer environment variable
func GetEnvInt(key string, defaultValue int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultValue
	}
	result, err := strconv.Atoi(val)
	if err != nil {
		return defaultValue
	}
	return result
}
