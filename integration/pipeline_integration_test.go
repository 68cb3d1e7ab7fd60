package integration

import (
	"context"
	"encoding/json"
	"image"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skulumani/pupil/internal/config"
	"github.com/skulumani/pupil/internal/detector"
	"github.com/skulumani/pupil/internal/health"
	"github.com/skulumani/pupil/internal/metrics"
	"github.com/skulumani/pupil/internal/service"
	"github.com/skulumani/pupil/internal/state"
	"github.com/skulumani/pupil/internal/storage"
	"github.com/skulumani/pupil/internal/web"
)

func TestPipeline_ConfigToAPI(t *testing.T) {
	env := SetupTestEnvironment(t)
	env.WriteConfig(t, `
detector:
  intensity_range: 20
snapshots:
  enabled: true
  every_n: 5
  max_disk_usage: 100
web:
  enabled: true
`)
	cfgSvc := env.LoadConfig(t)
	cfg := cfgSvc.Get()
	cfg.Web.Port = 0
	assert.Equal(t, 20, cfg.Detector.IntensityRange)

	st := env.OpenState(t, cfg)
	store, err := storage.NewStore(storage.StoreConfig{
		Dir:                 cfg.Snapshots.Dir,
		MaxDiskUsagePercent: cfg.Snapshots.MaxDiskUsagePercent,
	}, env.Logger)
	require.NoError(t, err)
	m := metrics.New()

	exportPath := filepath.Join(env.TempDir, "export", "pupil.json")
	pipelineSvc := service.NewPipelineService(env.NewDetector(t, cfg.Detector), SyntheticOpener(10), service.PipelineConfig{
		Input:      "synthetic",
		Snapshots:  &storage.SnapshotConfig{EveryN: cfg.Snapshots.EveryN, Quality: cfg.Snapshots.Quality},
		ExportPath: exportPath,
	}, service.PipelineDeps{State: st, Store: store, Metrics: m}, env.Logger)

	svcMgr := service.NewManager(env.Logger)
	healthMgr := health.NewManager(env.Logger, svcMgr)
	healthMgr.RegisterChecker(health.NewDatabaseChecker(st))
	healthMgr.RegisterChecker(health.NewStorageChecker(store))
	healthMgr.RegisterChecker(health.NewPipelineChecker(pipelineSvc, 0))

	server := web.NewServer(&cfg.Web, web.Dependencies{
		Pipeline: pipelineSvc,
		State:    st,
		Store:    store,
		Health:   healthMgr,
		Metrics:  m,
		Config:   cfgSvc,
	}, env.Logger)

	svcMgr.Register(pipelineSvc)
	svcMgr.Register(server)

	ctx, cancel := ContextWithTimeout(30 * time.Second)
	defer cancel()
	require.NoError(t, svcMgr.Start(ctx))
	defer svcMgr.Shutdown(context.Background())

	seq, err := pipelineSvc.Wait(ctx)
	require.NoError(t, err)
	require.Equal(t, 10, seq.Len())
	for i := 0; i < seq.Len(); i++ {
		res := seq.At(i)
		assert.InDelta(t, 320, res.Ellipse.Center.X, 2)
		assert.InDelta(t, 240, res.Ellipse.Center.Y, 2)
	}

	base := "http://" + server.Addr()
	session := pipelineSvc.Session()
	require.NotNil(t, session)

	var stats map[string]interface{}
	getJSON(t, base+"/api/sessions/"+session.ID+"/stats", http.StatusOK, &stats)
	assert.Equal(t, float64(10), stats["frames"])

	var snapshots map[string]interface{}
	getJSON(t, base+"/api/sessions/"+session.ID+"/snapshots", http.StatusOK, &snapshots)
	assert.Equal(t, float64(2), snapshots["count"])

	var report map[string]interface{}
	getJSON(t, base+"/api/health", http.StatusOK, &report)
	assert.Equal(t, "healthy", report["status"])

	var settings map[string]interface{}
	getJSON(t, base+"/api/settings", http.StatusOK, &settings)
	assert.Equal(t, float64(20), settings["settings"].(map[string]interface{})["intensity_range"])

	_, err = os.Stat(exportPath)
	assert.NoError(t, err, "results exported when the run ends")

	assert.True(t, WaitForCondition(5*time.Second, func() bool {
		return pipelineSvc.Status().State == "stopped"
	}), "pipeline reports stopped after the input ends")
}

func TestPipeline_StateRecoveryAcrossRuns(t *testing.T) {
	env := SetupTestEnvironment(t)
	env.WriteConfig(t, "")
	cfg := env.LoadConfig(t).Get()
	ctx := context.Background()

	// First run: settings and ROI changed live, one session left running
	st, err := state.NewManager(cfg.Results.DBPath, env.Logger)
	require.NoError(t, err)

	svc := service.NewPipelineService(env.NewDetector(t, cfg.Detector), SyntheticOpener(1), service.PipelineConfig{},
		service.PipelineDeps{State: st}, env.Logger)

	changed := detector.DefaultSettings()
	changed.IntensityRange = 17
	require.NoError(t, svc.UpdateSettings(ctx, changed))
	require.NoError(t, svc.SetROI(ctx, 100, 50, 300, 250))

	orphan, err := st.CreateSession(ctx, "eye0.mp4", detector.Method2D, changed)
	require.NoError(t, err)
	require.NoError(t, st.Close())

	// Second run starts from what the first left behind
	st = env.OpenState(t, cfg)
	recovered, err := st.RecoverState(ctx)
	require.NoError(t, err)

	require.NotNil(t, recovered.Settings)
	assert.Equal(t, 17, recovered.Settings.IntensityRange)
	require.NotNil(t, recovered.ROI)
	assert.Equal(t, image.Rect(100, 50, 300, 250), *recovered.ROI)
	assert.Equal(t, []string{orphan.ID}, recovered.Interrupted)

	session, err := st.GetSession(ctx, orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, state.SessionInterrupted, session.Status)
}

func TestPipeline_ConfigReloadUpdatesDetector(t *testing.T) {
	env := SetupTestEnvironment(t)
	env.WriteConfig(t, "detector:\n  intensity_range: 20\n")
	cfgSvc := env.LoadConfig(t)

	svc := service.NewPipelineService(env.NewDetector(t, cfgSvc.Get().Detector), SyntheticOpener(1),
		service.PipelineConfig{}, service.PipelineDeps{}, env.Logger)
	cfgSvc.Watch(func(ctx context.Context, oldCfg, newCfg *config.Config) error {
		if oldCfg.Detector == newCfg.Detector {
			return nil
		}
		return svc.UpdateSettings(ctx, newCfg.Detector)
	})

	env.WriteConfig(t, "detector:\n  intensity_range: 30\n  blur_size: 7\n")
	require.NoError(t, cfgSvc.Reload(context.Background()))

	assert.Equal(t, 30, svc.Settings().IntensityRange)
	assert.Equal(t, 7, svc.Settings().BlurSize)

	// An invalid file is refused and the running settings stay
	env.WriteConfig(t, "detector:\n  blur_size: 4\n")
	assert.Error(t, cfgSvc.Reload(context.Background()))
	assert.Equal(t, 7, svc.Settings().BlurSize)
}

func getJSON(t *testing.T, url string, wantStatus int, out interface{}) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, wantStatus, resp.StatusCode, url)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}
