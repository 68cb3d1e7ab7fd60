package web

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/skulumani/pupil/internal/config"
	"github.com/skulumani/pupil/internal/detector"
	"github.com/skulumani/pupil/internal/health"
	"github.com/skulumani/pupil/internal/logger"
	"github.com/skulumani/pupil/internal/metrics"
	"github.com/skulumani/pupil/internal/pipeline"
	"github.com/skulumani/pupil/internal/roi"
	"github.com/skulumani/pupil/internal/state"
	"github.com/skulumani/pupil/internal/storage"
)

// fakePipeline is an in-memory PipelineController
type fakePipeline struct {
	mu       sync.Mutex
	settings detector.Settings
	rect     image.Rectangle
	hasROI   bool
	session  *state.Session
	last     string
	status   pipeline.Status
}

func newFakePipeline() *fakePipeline {
	return &fakePipeline{
		settings: detector.DefaultSettings(),
		status:   pipeline.Status{State: "detecting", Frames: 12, Failures: 1},
	}
}

func (f *fakePipeline) Status() pipeline.Status { return f.status }

func (f *fakePipeline) Settings() detector.Settings {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settings
}

func (f *fakePipeline) UpdateSettings(ctx context.Context, s detector.Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.settings = s
	return nil
}

func (f *fakePipeline) MergeSettings(ctx context.Context, values map[string]interface{}) (detector.Settings, []string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	merged, unknown, err := f.settings.Merge(values)
	if err != nil {
		return detector.Settings{}, nil, err
	}
	if err := merged.Validate(); err != nil {
		return detector.Settings{}, nil, err
	}
	f.settings = merged
	return merged, unknown, nil
}

func (f *fakePipeline) ROI() (image.Rectangle, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rect, f.hasROI
}

func (f *fakePipeline) SetROI(ctx context.Context, lowerX, lowerY, upperX, upperY int) error {
	r, err := roi.New(480, 640)
	if err != nil {
		return err
	}
	if err := r.Set(lowerX, lowerY, upperX, upperY); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rect, f.hasROI = r.Rect(), true
	return nil
}

func (f *fakePipeline) ResetROI(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rect, f.hasROI = image.Rect(0, 0, 640, 480), true
}

func (f *fakePipeline) Session() *state.Session { return f.session }

func (f *fakePipeline) LastSnapshot() string { return f.last }

type testEnv struct {
	server   *Server
	pipeline *fakePipeline
	state    *state.Manager
	store    *storage.Store
	metrics  *metrics.Metrics
}

func setupTestServer(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()

	log, err := logger.New(logger.LogConfig{Level: "debug", Format: "text", Output: "stdout"})
	require.NoError(t, err)

	st, err := state.NewManager(filepath.Join(dir, "pupil.db"), log)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	store, err := storage.NewStore(storage.StoreConfig{
		Dir:                 filepath.Join(dir, "snapshots"),
		MaxDiskUsagePercent: 100,
	}, log)
	require.NoError(t, err)

	hm := health.NewManager(log, nil)
	hm.RegisterChecker(health.NewDatabaseChecker(st))

	env := &testEnv{
		pipeline: newFakePipeline(),
		state:    st,
		store:    store,
		metrics:  metrics.New(),
	}
	env.server = NewServer(&config.WebConfig{Enabled: true, Host: "127.0.0.1"}, Dependencies{
		Pipeline: env.pipeline,
		State:    st,
		Store:    store,
		Health:   hm,
		Metrics:  env.metrics,
	}, log)
	env.server.SetVersion("test-version")
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(w, req)
	return w
}

func decodeJSON(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func (e *testEnv) createSession(t *testing.T, results int) *state.Session {
	t.Helper()
	ctx := context.Background()
	session, err := e.state.CreateSession(ctx, "eye0.mp4", detector.Method2D, detector.DefaultSettings())
	require.NoError(t, err)

	batch := make([]detector.Result, results)
	for i := range batch {
		batch[i] = detector.Result{
			FrameIndex: i,
			Timestamp:  float64(i) / 30,
			Ellipse: detector.Ellipse{
				Center: detector.Point2f{X: 320, Y: 240},
				Axes:   detector.Point2f{X: 40, Y: 20},
			},
			Diameter:   40,
			Confidence: float64(i) / float64(results),
			Method:     detector.Method2D,
		}
	}
	require.NoError(t, e.state.SaveDetections(ctx, session.ID, batch))
	return session
}
