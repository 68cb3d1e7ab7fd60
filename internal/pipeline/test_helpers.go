package pipeline

import (
	"context"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/skulumani/pupil/internal/detector"
	"github.com/skulumani/pupil/internal/roi"
	"github.com/skulumani/pupil/internal/video"
)

// stubDetector returns a fixed confident result and records what it saw
type stubDetector struct {
	mu       sync.Mutex
	settings detector.Settings
	rois     []image.Rectangle
	seen     []detector.Settings
	onDetect func(frame video.Frame) error
}

func newStubDetector() *stubDetector {
	return &stubDetector{settings: detector.DefaultSettings()}
}

func (s *stubDetector) Detect(frame video.Frame, r *roi.ROI) (detector.Result, error) {
	s.mu.Lock()
	s.rois = append(s.rois, r.Rect())
	s.seen = append(s.seen, s.settings)
	s.mu.Unlock()

	if s.onDetect != nil {
		if err := s.onDetect(frame); err != nil {
			return detector.Result{}, err
		}
	}

	c := detector.Point2f{X: float64(r.LowerX+r.UpperX) / 2, Y: float64(r.LowerY+r.UpperY) / 2}
	return detector.Result{
		FrameIndex: frame.Index,
		Timestamp:  frame.Timestamp.Seconds(),
		Ellipse:    detector.Ellipse{Center: c, Axes: detector.Point2f{X: 30, Y: 20}},
		Diameter:   30,
		Confidence: 0.9,
		Method:     "stub",
	}, nil
}

func (s *stubDetector) Settings() detector.Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

func (s *stubDetector) UpdateSettings(settings detector.Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.settings = settings
	s.mu.Unlock()
	return nil
}

func (s *stubDetector) Method() string { return "stub" }

func (s *stubDetector) Close() error { return nil }

// recordingSink keeps everything it is given
type recordingSink struct {
	mu      sync.Mutex
	results []detector.Result
	frames  []int
	rois    []image.Rectangle
	flushes int
}

func (s *recordingSink) Append(ctx context.Context, res detector.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results = append(s.results, res)
	return nil
}

func (s *recordingSink) AppendFrame(ctx context.Context, frame video.Frame, res detector.Result) error {
	s.mu.Lock()
	s.frames = append(s.frames, frame.Index)
	s.rois = append(s.rois, frame.ROI)
	s.mu.Unlock()
	return s.Append(ctx, res)
}

func (s *recordingSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushes++
	return nil
}

// failingSource yields n blank frames and then err
type failingSource struct {
	n    int
	next int
	err  error
	mat  video.Frame
}

func (f *failingSource) Next(ctx context.Context) (video.Frame, error) {
	if f.next >= f.n {
		return video.Frame{}, f.err
	}
	frame := f.mat
	frame.Index = f.next
	frame.Timestamp = time.Duration(f.next) * time.Second / 30
	f.next++
	return frame, nil
}

func (f *failingSource) Size() (int, int) { return f.mat.Height(), f.mat.Width() }

func (f *failingSource) Close() error {
	f.mat.Mat.Close()
	return nil
}

// zeroFrameSource yields n frames that carry no Mat
type zeroFrameSource struct {
	n    int
	next int
}

func (z *zeroFrameSource) Next(ctx context.Context) (video.Frame, error) {
	if z.next >= z.n {
		return video.Frame{}, video.ErrEndOfStream
	}
	z.next++
	return video.Frame{Index: z.next - 1}, nil
}

func (z *zeroFrameSource) Size() (int, int) { return 0, 0 }

func (z *zeroFrameSource) Close() error { return nil }

func setupTestSource(t *testing.T, n int) *video.MatSource {
	src, err := video.NewMatSource(video.BlankFrames(120, 160, 128, n), 0)
	require.NoError(t, err)
	t.Cleanup(func() { src.Close() })
	return src
}

func setupTestSyntheticSource(t *testing.T, n int) *video.MatSource {
	src, err := video.NewMatSource(video.SyntheticFrames(video.DefaultSyntheticEye(), n), 0)
	require.NoError(t, err)
	t.Cleanup(func() { src.Close() })
	return src
}
