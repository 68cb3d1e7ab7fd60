package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"image"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/skulumani/pupil/internal/config"
	"github.com/skulumani/pupil/internal/detector"
	"github.com/skulumani/pupil/internal/health"
	"github.com/skulumani/pupil/internal/logger"
	"github.com/skulumani/pupil/internal/metrics"
	"github.com/skulumani/pupil/internal/pipeline"
	"github.com/skulumani/pupil/internal/service"
	"github.com/skulumani/pupil/internal/state"
	"github.com/skulumani/pupil/internal/storage"
	"github.com/skulumani/pupil/internal/video"
	"github.com/skulumani/pupil/internal/web"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	var (
		configPath string
		input      string
		maxFrames  int
	)
	flag.StringVar(&configPath, "config", "", "Path to configuration file")
	flag.StringVar(&configPath, "c", "", "Path to configuration file (short)")
	flag.StringVar(&input, "input", "", "Video file, device or stream URL (overrides source.input)")
	flag.IntVar(&maxFrames, "max-frames", -1, "Stop after this many frames, 0 = whole input (overrides source.max_frames)")
	flag.Parse()

	// Load configuration
	cfgSvc, err := config.NewService(configPath, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	cfg := cfgSvc.Get()
	if input != "" {
		cfg.Source.Input = input
	}
	if maxFrames >= 0 {
		cfg.Source.MaxFrames = maxFrames
	}

	// Initialize logger
	log, err := logger.New(logger.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting pupil detector",
		"version", version,
		"build_time", buildTime,
		"git_commit", gitCommit,
		"config", cfgSvc.Path(),
	)

	if err := run(cfgSvc, cfg, log); err != nil {
		log.Error("Pupil detector failed", "error", err)
		log.Sync()
		os.Exit(1)
	}

	log.Info("Shutdown complete")
}

func run(cfgSvc *config.Service, cfg *config.Config, log *logger.Logger) error {
	// Create main context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := state.NewManager(cfg.Results.DBPath, log)
	if err != nil {
		return fmt.Errorf("failed to open result database: %w", err)
	}
	defer st.Close()

	recovered, err := st.RecoverState(ctx)
	if err != nil {
		return fmt.Errorf("failed to recover state: %w", err)
	}

	// Settings from a previous run apply unless the file sets its own
	settings := cfg.Detector
	if recovered.Settings != nil && settings == detector.DefaultSettings() {
		settings = *recovered.Settings
	}
	det, err := detector.NewDetector2D(settings, log)
	if err != nil {
		return fmt.Errorf("failed to create detector: %w", err)
	}
	defer det.Close()

	var rect image.Rectangle
	if cfg.ROI.IsSet() {
		rect = cfg.ROI.Rect()
	} else if recovered.ROI != nil {
		rect = *recovered.ROI
	}

	var store *storage.Store
	if cfg.Snapshots.Enabled {
		store, err = storage.NewStore(storage.StoreConfig{
			Dir:                 cfg.Snapshots.Dir,
			MaxSessions:         cfg.Snapshots.MaxSessions,
			MaxDiskUsagePercent: cfg.Snapshots.MaxDiskUsagePercent,
		}, log)
		if err != nil {
			return fmt.Errorf("failed to create snapshot store: %w", err)
		}
	}

	m := metrics.New()

	intrinsics, err := cfg.Source.Intrinsics()
	if err != nil {
		return fmt.Errorf("invalid undistort configuration: %w", err)
	}
	openCfg := video.OpenConfig{
		Input:      cfg.Source.Input,
		Kind:       cfg.Source.Kind,
		Width:      cfg.Source.Width,
		Height:     cfg.Source.Height,
		FPS:        cfg.Source.FPS,
		Intrinsics: intrinsics,
	}
	opener := func(ctx context.Context) (video.Source, error) {
		return video.Open(ctx, openCfg, log)
	}

	pcfg := service.PipelineConfig{
		Input:        cfg.Source.Input,
		ROI:          rect,
		MaxFrames:    cfg.Source.MaxFrames,
		ExportPath:   cfg.Results.ExportPath,
		ExportFormat: cfg.Results.ExportFormat,
	}
	if cfg.Tracking.Enabled {
		pcfg.Tracking = &pipeline.TrackingConfig{
			MinConfidence: cfg.Tracking.MinConfidence,
			WindowSize:    cfg.Tracking.WindowSize,
			MaxMisses:     cfg.Tracking.MaxMisses,
		}
	}
	if store != nil {
		pcfg.Snapshots = &storage.SnapshotConfig{
			EveryN:         cfg.Snapshots.EveryN,
			Quality:        cfg.Snapshots.Quality,
			ThumbnailWidth: cfg.Snapshots.ThumbnailWidth,
		}
	}

	pipelineSvc := service.NewPipelineService(det, opener, pcfg, service.PipelineDeps{
		State:   st,
		Store:   store,
		Metrics: m,
	}, log)

	// Create service manager
	svcMgr := service.NewManager(log)

	// Create health check manager
	healthMgr := health.NewManager(log, svcMgr)
	healthMgr.RegisterChecker(&health.SystemChecker{})
	healthMgr.RegisterChecker(health.NewDatabaseChecker(st))
	if store != nil {
		healthMgr.RegisterChecker(health.NewStorageChecker(store))
	} else {
		// Snapshots disabled
		healthMgr.RegisterChecker(health.NewStorageChecker(nil))
	}
	healthMgr.RegisterChecker(health.NewPipelineChecker(pipelineSvc, 0))

	webServer := web.NewServer(&cfg.Web, web.Dependencies{
		Pipeline: pipelineSvc,
		State:    st,
		Store:    store,
		Health:   healthMgr,
		Metrics:  m,
		Config:   cfgSvc,
	}, log)
	webServer.SetVersion(version)

	svcMgr.Register(pipelineSvc)
	svcMgr.Register(webServer)

	// Detector settings follow the configuration file on reload
	cfgSvc.Watch(func(ctx context.Context, oldCfg, newCfg *config.Config) error {
		if oldCfg.Detector == newCfg.Detector {
			return nil
		}
		log.Info("Applying reloaded detector settings")
		return pipelineSvc.UpdateSettings(ctx, newCfg.Detector)
	})

	// Initialize and start services
	if err := svcMgr.Start(ctx); err != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		if serr := svcMgr.Shutdown(shutdownCtx); serr != nil {
			log.Error("Error during shutdown", "error", serr)
		}
		return fmt.Errorf("failed to start services: %w", err)
	}

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	// Without the web server there is nothing to serve once the input ends
	finished := pipelineSvc.Done()
	if cfg.Web.Enabled {
		finished = nil
	}

wait:
	for {
		select {
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				if err := cfgSvc.Reload(ctx); err != nil {
					log.Error("Failed to reload configuration", "error", err)
				}
				continue
			}
			log.Info("Received shutdown signal", "signal", sig)
			break wait
		case <-finished:
			log.Info("Input finished")
			break wait
		}
	}

	// Start graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := svcMgr.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("error during shutdown: %w", err)
	}

	if _, err := pipelineSvc.Wait(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		log.Warn("Detection run ended with error", "error", err)
	}
	return nil
}
