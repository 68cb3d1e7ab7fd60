package service

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/skulumani/pupil/internal/detector"
	"github.com/skulumani/pupil/internal/logger"
	"github.com/skulumani/pupil/internal/metrics"
	"github.com/skulumani/pupil/internal/pipeline"
	"github.com/skulumani/pupil/internal/state"
	"github.com/skulumani/pupil/internal/storage"
	"github.com/skulumani/pupil/internal/video"
)

// ErrNotStarted is returned by Wait before Start
var ErrNotStarted = errors.New("pipeline service not started")

// SourceOpener opens the frame source of a run
type SourceOpener func(ctx context.Context) (video.Source, error)

// PipelineConfig configures a PipelineService
type PipelineConfig struct {
	Input     string // Recorded with the session
	ROI       image.Rectangle
	MaxFrames int
	Tracking  *pipeline.TrackingConfig // nil disables ROI tracking
	Snapshots *storage.SnapshotConfig  // nil disables snapshots
	// Results are exported here when the run ends; empty disables export
	ExportPath   string
	ExportFormat string
}

// PipelineDeps are the optional collaborators of a PipelineService
type PipelineDeps struct {
	State   *state.Manager
	Store   *storage.Store
	Metrics *metrics.Metrics
}

// PipelineService runs one detection loop over a source as a service and
// exposes live control of its settings and ROI
type PipelineService struct {
	*ServiceBase

	cfg      PipelineConfig
	deps     PipelineDeps
	detector detector.Detector
	open     SourceOpener
	loop     *pipeline.Loop

	// settingsMu orders settings writers so partial merges are not lost
	settingsMu sync.Mutex

	mu        sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	session   *state.Session
	snapshots *storage.SnapshotWriter
	seq       *pipeline.Sequence
	runErr    error
}

// NewPipelineService creates the service. The loop exists from the start
// so settings and ROI can be changed before the run begins.
func NewPipelineService(det detector.Detector, open SourceOpener, cfg PipelineConfig, deps PipelineDeps, log *logger.Logger) *PipelineService {
	s := &PipelineService{
		ServiceBase: NewServiceBase("pipeline", log),
		cfg:         cfg,
		deps:        deps,
		detector:    det,
		open:        open,
	}
	s.loop = pipeline.NewLoop(det, pipeline.Options{ROI: cfg.ROI, MaxFrames: cfg.MaxFrames}, s.logger)
	return s
}

// Start opens the source and runs the loop in the background
func (s *PipelineService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done != nil {
		return pipeline.ErrRunning
	}

	src, err := s.open(ctx)
	if err != nil {
		return fmt.Errorf("failed to open source: %w", err)
	}

	sinks := []pipeline.Sink{pipeline.SinkFunc(s.publishFrame)}
	sessionID := ""

	if s.deps.State != nil {
		session, err := s.deps.State.CreateSession(ctx, s.cfg.Input, s.detector.Method(), s.loop.Settings())
		if err != nil {
			src.Close()
			return err
		}
		s.session = session
		sessionID = session.ID
		sinks = append(sinks, s.deps.State.NewResultSink(session.ID, 0))
	}
	if s.deps.Metrics != nil {
		sinks = append(sinks, s.deps.Metrics)
		s.deps.Metrics.SessionStarted()
	}
	if s.deps.Store != nil && s.cfg.Snapshots != nil {
		if sessionID == "" {
			sessionID = "latest"
		}
		snapshots := storage.NewSnapshotWriter(s.deps.Store, sessionID, *s.cfg.Snapshots, s.logger)
		s.snapshots = snapshots
		sinks = append(sinks, snapshots)
	}

	opts := pipeline.Options{Sinks: sinks, MaxFrames: s.cfg.MaxFrames}
	if s.cfg.Tracking != nil {
		opts.Adjuster = pipeline.NewTrackingAdjuster(*s.cfg.Tracking).Adjust
	}
	if err := s.loop.Configure(opts); err != nil {
		src.Close()
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.done = make(chan struct{})

	s.PublishEvent(EventTypeSessionStarted, map[string]interface{}{
		"session_id": sessionID,
		"input":      s.cfg.Input,
		"method":     s.detector.Method(),
	})

	go s.run(runCtx, src, s.done)
	return nil
}

func (s *PipelineService) run(ctx context.Context, src video.Source, done chan struct{}) {
	defer close(done)
	defer src.Close()

	seq, err := s.loop.Run(ctx, src)

	s.mu.Lock()
	s.seq, s.runErr = seq, err
	session := s.session
	s.mu.Unlock()

	// Finishing touches must not be skipped because the run was cancelled
	finishCtx := context.WithoutCancel(ctx)

	status := state.SessionFinished
	switch {
	case errors.Is(err, context.Canceled):
		status = state.SessionCancelled
	case err != nil:
		status = state.SessionFailed
		s.status.SetError(err)
	}

	frames := 0
	if seq != nil {
		frames = seq.Len()
	}

	if session != nil {
		if ferr := s.deps.State.FinishSession(finishCtx, session.ID, status, frames, err); ferr != nil {
			s.logger.Error("Failed to finish session", "session_id", session.ID, "error", ferr)
		}
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.SessionFinished()
	}
	if s.cfg.ExportPath != "" && seq != nil {
		if xerr := seq.Save(s.cfg.ExportPath, s.cfg.ExportFormat); xerr != nil {
			s.logger.Error("Failed to export results", "path", s.cfg.ExportPath, "error", xerr)
		} else {
			s.logger.Info("Results exported", "path", s.cfg.ExportPath, "frames", frames)
		}
	}

	data := map[string]interface{}{
		"status": status,
		"frames": frames,
	}
	if session != nil {
		data["session_id"] = session.ID
	}
	if seq != nil {
		data["failures"] = seq.Failures()
	}
	if err != nil {
		data["error"] = err.Error()
	}
	s.PublishEvent(EventTypeSessionFinished, data)
}

// Stop cancels the run and waits for it to end
func (s *PipelineService) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if done == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pipeline did not stop: %w", ctx.Err())
	}
}

// Done is closed when the run ends. It is nil before Start.
func (s *PipelineService) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Wait blocks until the run ends and returns its results
func (s *PipelineService) Wait(ctx context.Context) (*pipeline.Sequence, error) {
	done := s.Done()
	if done == nil {
		return nil, ErrNotStarted
	}
	select {
	case <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq, s.runErr
}

// Session returns the session of the current run, or nil without a store
func (s *PipelineService) Session() *state.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session == nil {
		return nil
	}
	session := *s.session
	return &session
}

// LastSnapshot returns the path of the most recent snapshot, or ""
func (s *PipelineService) LastSnapshot() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snapshots == nil {
		return ""
	}
	return s.snapshots.Last()
}

// Status returns the loop status
func (s *PipelineService) Status() pipeline.Status {
	return s.loop.Status()
}

// Settings returns the detector settings the next frame will use
func (s *PipelineService) Settings() detector.Settings {
	return s.loop.Settings()
}

// UpdateSettings validates and queues new detector settings and keeps them
// for the next start
func (s *PipelineService) UpdateSettings(ctx context.Context, settings detector.Settings) error {
	s.settingsMu.Lock()
	defer s.settingsMu.Unlock()
	return s.applySettings(ctx, settings)
}

// MergeSettings applies a partial flat mapping on top of the current
// settings. Unknown keys are returned sorted.
func (s *PipelineService) MergeSettings(ctx context.Context, values map[string]interface{}) (detector.Settings, []string, error) {
	s.settingsMu.Lock()
	defer s.settingsMu.Unlock()

	merged, unknown, err := s.loop.Settings().Merge(values)
	if err != nil {
		return detector.Settings{}, nil, err
	}
	if err := s.applySettings(ctx, merged); err != nil {
		return detector.Settings{}, nil, err
	}
	return merged, unknown, nil
}

func (s *PipelineService) applySettings(ctx context.Context, settings detector.Settings) error {
	if err := s.loop.UpdateSettings(settings); err != nil {
		return err
	}
	if s.deps.State != nil {
		if err := s.deps.State.SaveSettings(ctx, settings); err != nil {
			s.logger.Warn("Failed to persist detector settings", "error", err)
		}
	}
	s.PublishEvent(EventTypeSettingsUpdated, settings.Flatten())
	return nil
}

// ROI returns the rectangle the next frame will be searched in
func (s *PipelineService) ROI() (image.Rectangle, bool) {
	return s.loop.ROI()
}

// SetROI validates and queues a new search rectangle
func (s *PipelineService) SetROI(ctx context.Context, lowerX, lowerY, upperX, upperY int) error {
	if err := s.loop.SetROI(lowerX, lowerY, upperX, upperY); err != nil {
		return err
	}
	rect, _ := s.loop.ROI()
	s.roiChanged(ctx, rect)
	return nil
}

// ResetROI queues a return to the full frame
func (s *PipelineService) ResetROI(ctx context.Context) {
	s.loop.ResetROI()
	rect, _ := s.loop.ROI()
	s.roiChanged(ctx, rect)
}

func (s *PipelineService) roiChanged(ctx context.Context, rect image.Rectangle) {
	if s.deps.State != nil {
		if err := s.deps.State.SaveROI(ctx, rect); err != nil {
			s.logger.Warn("Failed to persist roi", "error", err)
		}
	}
	s.PublishEvent(EventTypeROIUpdated, map[string]interface{}{
		"lower_x": rect.Min.X,
		"lower_y": rect.Min.Y,
		"upper_x": rect.Max.X,
		"upper_y": rect.Max.Y,
	})
}

func (s *PipelineService) publishFrame(ctx context.Context, res detector.Result) error {
	data := map[string]interface{}{
		"frame":      res.FrameIndex,
		"timestamp":  res.Timestamp,
		"confidence": res.Confidence,
		"diameter":   res.Diameter,
		"center_x":   res.Ellipse.Center.X,
		"center_y":   res.Ellipse.Center.Y,
	}
	if res.Error != "" {
		data["error"] = res.Error
	}
	s.PublishEvent(EventTypeFrameProcessed, data)
	return nil
}
