package pipeline

import (
	"context"
	"errors"
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"github.com/skulumani/pupil/internal/detector"
	"github.com/skulumani/pupil/internal/roi"
	"github.com/skulumani/pupil/internal/video"
)

func TestLoopSyntheticPupil(t *testing.T) {
	det, err := detector.NewDetector2D(detector.DefaultSettings(), nil)
	require.NoError(t, err)

	loop := NewLoop(det, Options{}, nil)
	assert.Equal(t, StateReady, loop.State())

	seq, err := loop.Run(context.Background(), setupTestSyntheticSource(t, 10))
	require.NoError(t, err)
	require.Equal(t, 10, seq.Len())

	for i, res := range seq.Results() {
		assert.Equal(t, i, res.FrameIndex)
		assert.InDelta(t, 320, res.Ellipse.Center.X, 2)
		assert.InDelta(t, 240, res.Ellipse.Center.Y, 2)
		assert.GreaterOrEqual(t, res.Confidence, 0.0)
		assert.LessOrEqual(t, res.Confidence, 1.0)
	}
	assert.Equal(t, StateStopped, loop.State())
}

func TestLoopOneResultPerFrame(t *testing.T) {
	for _, n := range []int{0, 1, 7} {
		det := newStubDetector()
		loop := NewLoop(det, Options{}, nil)

		seq, err := loop.Run(context.Background(), setupTestSource(t, n))
		require.NoError(t, err)
		assert.Equal(t, n, seq.Len())
		assert.Equal(t, n, loop.Status().Frames)
	}
}

func TestLoopCancelDuringFrame(t *testing.T) {
	const k = 3
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	det := newStubDetector()
	det.onDetect = func(frame video.Frame) error {
		if frame.Index == k {
			cancel()
		}
		return nil
	}
	sink := &recordingSink{}
	loop := NewLoop(det, Options{Sinks: []Sink{sink}}, nil)

	seq, err := loop.Run(ctx, setupTestSource(t, 10))
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, seq)
	require.Equal(t, k+1, seq.Len(), "the frame in flight must be recorded")

	last, ok := seq.Last()
	require.True(t, ok)
	assert.Equal(t, k, last.FrameIndex)

	assert.Len(t, sink.results, k+1)
	assert.Equal(t, 1, sink.flushes)
	assert.Equal(t, StateStopped, loop.State())
}

func TestLoopCancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	loop := NewLoop(newStubDetector(), Options{}, nil)
	seq, err := loop.Run(ctx, setupTestSource(t, 5))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, seq.Len())
}

func TestLoopMaxFrames(t *testing.T) {
	loop := NewLoop(newStubDetector(), Options{MaxFrames: 4}, nil)

	seq, err := loop.Run(context.Background(), setupTestSource(t, 10))
	require.NoError(t, err)
	assert.Equal(t, 4, seq.Len())
}

func TestLoopRecordsInputErrors(t *testing.T) {
	det := newStubDetector()
	det.onDetect = func(frame video.Frame) error {
		if frame.Index == 2 {
			return detector.ErrEmptyFrame
		}
		return nil
	}
	loop := NewLoop(det, Options{}, nil)

	seq, err := loop.Run(context.Background(), setupTestSource(t, 5))
	require.NoError(t, err)
	require.Equal(t, 5, seq.Len())

	failed := seq.At(2)
	assert.Equal(t, 2, failed.FrameIndex)
	assert.Zero(t, failed.Confidence)
	assert.Contains(t, failed.Error, "empty frame")
	assert.Equal(t, 1, seq.Failures())
	assert.Equal(t, 1, loop.Status().Failures)
	assert.Empty(t, seq.At(3).Error)
}

func TestLoopZeroFramesRecorded(t *testing.T) {
	det, err := detector.NewDetector2D(detector.DefaultSettings(), nil)
	require.NoError(t, err)
	defer det.Close()

	loop := NewLoop(det, Options{ROI: image.Rect(10, 10, 50, 50)}, nil)
	seq, err := loop.Run(context.Background(), &zeroFrameSource{n: 2})
	require.NoError(t, err)

	require.Equal(t, 2, seq.Len())
	for i := 0; i < seq.Len(); i++ {
		assert.Contains(t, seq.At(i).Error, "empty frame")
	}
	assert.Equal(t, 2, loop.Status().Failures)
}

func TestLoopDetectorFailureStops(t *testing.T) {
	det := newStubDetector()
	det.onDetect = func(frame video.Frame) error {
		if frame.Index == 1 {
			return detector.ErrClosed
		}
		return nil
	}
	loop := NewLoop(det, Options{}, nil)

	seq, err := loop.Run(context.Background(), setupTestSource(t, 5))
	assert.ErrorIs(t, err, detector.ErrClosed)
	assert.Equal(t, 1, seq.Len())
}

func TestLoopSourceError(t *testing.T) {
	boom := errors.New("device unplugged")
	src := &failingSource{
		n:   3,
		err: boom,
		mat: video.Frame{Mat: gocv.NewMatWithSize(120, 160, gocv.MatTypeCV8UC1)},
	}
	defer src.Close()

	loop := NewLoop(newStubDetector(), Options{}, nil)
	seq, err := loop.Run(context.Background(), src)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, seq.Len(), "results before the failure are kept")
}

func TestLoopSettingsAppliedNextFrame(t *testing.T) {
	det := newStubDetector()
	var loop *Loop
	det.onDetect = func(frame video.Frame) error {
		if frame.Index == 1 {
			s := detector.DefaultSettings()
			s.IntensityRange = 40
			require.NoError(t, loop.UpdateSettings(s))
			assert.Equal(t, 40, loop.Settings().IntensityRange)
		}
		return nil
	}
	loop = NewLoop(det, Options{}, nil)

	_, err := loop.Run(context.Background(), setupTestSource(t, 4))
	require.NoError(t, err)

	require.Len(t, det.seen, 4)
	assert.Equal(t, 23, det.seen[0].IntensityRange)
	assert.Equal(t, 23, det.seen[1].IntensityRange, "frame in flight keeps its settings")
	assert.Equal(t, 40, det.seen[2].IntensityRange)
	assert.Equal(t, 40, det.seen[3].IntensityRange)
}

func TestLoopUpdateSettingsInvalid(t *testing.T) {
	det := newStubDetector()
	loop := NewLoop(det, Options{}, nil)

	s := detector.DefaultSettings()
	s.BlurSize = 2
	assert.Error(t, loop.UpdateSettings(s))
	assert.Equal(t, 5, det.Settings().BlurSize)

	s.BlurSize = 7
	require.NoError(t, loop.UpdateSettings(s))
	assert.Equal(t, 7, det.Settings().BlurSize, "applied at once while idle")
}

func TestLoopROIAppliedNextFrame(t *testing.T) {
	det := newStubDetector()
	var loop *Loop
	det.onDetect = func(frame video.Frame) error {
		if frame.Index == 1 {
			require.NoError(t, loop.SetROI(10, 20, 110, 100))
		}
		return nil
	}
	loop = NewLoop(det, Options{}, nil)

	_, err := loop.Run(context.Background(), setupTestSource(t, 3))
	require.NoError(t, err)

	full := image.Rect(0, 0, 160, 120)
	assert.Equal(t, []image.Rectangle{full, full, image.Rect(10, 20, 110, 100)}, det.rois)

	rect, ok := loop.ROI()
	require.True(t, ok)
	assert.Equal(t, image.Rect(10, 20, 110, 100), rect)
}

func TestLoopFrameCarriesSearchedROI(t *testing.T) {
	det := newStubDetector()
	sink := &recordingSink{}
	var loop *Loop
	det.onDetect = func(frame video.Frame) error {
		// Queued while frames 0 and 1 are being detected
		if frame.Index < 2 {
			require.NoError(t, loop.SetROI(10+frame.Index, 20, 110, 100))
		}
		return nil
	}
	loop = NewLoop(det, Options{Sinks: []Sink{sink}}, nil)

	_, err := loop.Run(context.Background(), setupTestSource(t, 3))
	require.NoError(t, err)

	full := image.Rect(0, 0, 160, 120)
	assert.Equal(t, []image.Rectangle{full, image.Rect(10, 20, 110, 100), image.Rect(11, 20, 110, 100)}, sink.rois)
	assert.Equal(t, det.rois, sink.rois, "sinks see the rectangle each frame was searched in")
}

func TestLoopInitialROIClamped(t *testing.T) {
	det := newStubDetector()
	loop := NewLoop(det, Options{ROI: image.Rect(100, 50, 500, 500)}, nil)

	_, err := loop.Run(context.Background(), setupTestSource(t, 1))
	require.NoError(t, err)
	assert.Equal(t, []image.Rectangle{image.Rect(100, 50, 160, 120)}, det.rois)
}

func TestLoopSetROIRejected(t *testing.T) {
	loop := NewLoop(newStubDetector(), Options{}, nil)
	_, err := loop.Run(context.Background(), setupTestSource(t, 1))
	require.NoError(t, err)

	require.NoError(t, loop.SetROI(10, 10, 50, 50))

	assert.ErrorIs(t, loop.SetROI(10, 10, 10, 50), roi.ErrEmpty)
	assert.ErrorIs(t, loop.SetROI(50, 10, 10, 50), roi.ErrInverted)
	assert.ErrorIs(t, loop.SetROI(200, 10, 300, 50), roi.ErrEmpty, "empty after clamping")

	rect, ok := loop.ROI()
	require.True(t, ok)
	assert.Equal(t, image.Rect(10, 10, 50, 50), rect)
}

func TestLoopSetROIBeforeRun(t *testing.T) {
	loop := NewLoop(newStubDetector(), Options{}, nil)

	_, ok := loop.ROI()
	assert.False(t, ok)

	assert.ErrorIs(t, loop.SetROI(10, 10, 10, 20), roi.ErrEmpty)
	require.NoError(t, loop.SetROI(10, 10, 40, 30))

	rect, ok := loop.ROI()
	require.True(t, ok)
	assert.Equal(t, image.Rect(10, 10, 40, 30), rect)
}

func TestLoopResetROI(t *testing.T) {
	det := newStubDetector()
	loop := NewLoop(det, Options{ROI: image.Rect(0, 0, 50, 50)}, nil)
	_, err := loop.Run(context.Background(), setupTestSource(t, 1))
	require.NoError(t, err)

	loop.ResetROI()
	rect, ok := loop.ROI()
	require.True(t, ok)
	assert.Equal(t, image.Rect(0, 0, 160, 120), rect)
}

func TestLoopSinks(t *testing.T) {
	frameSink := &recordingSink{}
	var plain []int
	funcSink := SinkFunc(func(ctx context.Context, res detector.Result) error {
		plain = append(plain, res.FrameIndex)
		return errors.New("ignored")
	})

	loop := NewLoop(newStubDetector(), Options{Sinks: []Sink{frameSink, funcSink}}, nil)
	_, err := loop.Run(context.Background(), setupTestSource(t, 3))
	require.NoError(t, err, "sink errors do not stop the loop")

	assert.Equal(t, []int{0, 1, 2}, frameSink.frames)
	assert.Len(t, frameSink.results, 3)
	assert.Equal(t, 1, frameSink.flushes)
	assert.Equal(t, []int{0, 1, 2}, plain)
}

func TestLoopAdjuster(t *testing.T) {
	det := newStubDetector()
	calls := 0
	adjust := func(res detector.Result, r *roi.ROI) {
		calls++
		require.NoError(t, r.Set(0, 0, 80, 60))
	}
	loop := NewLoop(det, Options{Adjuster: adjust}, nil)

	_, err := loop.Run(context.Background(), setupTestSource(t, 3))
	require.NoError(t, err)

	assert.Equal(t, 3, calls)
	assert.Equal(t, image.Rect(0, 0, 160, 120), det.rois[0])
	assert.Equal(t, image.Rect(0, 0, 80, 60), det.rois[1])
}

func TestLoopRunWhileRunning(t *testing.T) {
	det := newStubDetector()
	var loop *Loop
	var nestedErr error
	det.onDetect = func(frame video.Frame) error {
		if frame.Index == 0 {
			_, nestedErr = loop.Run(context.Background(), setupTestSource(t, 1))
		}
		return nil
	}
	loop = NewLoop(det, Options{}, nil)

	_, err := loop.Run(context.Background(), setupTestSource(t, 2))
	require.NoError(t, err)
	assert.ErrorIs(t, nestedErr, ErrRunning)
}

func TestLoopStatus(t *testing.T) {
	loop := NewLoop(newStubDetector(), Options{}, nil)

	st := loop.Status()
	assert.Equal(t, "ready", st.State)
	assert.Nil(t, st.LastResult)

	_, err := loop.Run(context.Background(), setupTestSource(t, 2))
	require.NoError(t, err)

	st = loop.Status()
	assert.Equal(t, "stopped", st.State)
	assert.Equal(t, 2, st.Frames)
	require.NotNil(t, st.LastResult)
	assert.Equal(t, 1, st.LastResult.FrameIndex)
	assert.False(t, st.StoppedAt.Before(st.StartedAt))
}

func TestLoopConfigure(t *testing.T) {
	det := newStubDetector()
	loop := NewLoop(det, Options{MaxFrames: 1}, nil)

	sink := &recordingSink{}
	require.NoError(t, loop.Configure(Options{Sinks: []Sink{sink}, MaxFrames: 3}))

	seq, err := loop.Run(context.Background(), setupTestSource(t, 5))
	require.NoError(t, err)
	assert.Equal(t, 3, seq.Len())
	assert.Len(t, sink.results, 3)
	assert.Equal(t, 1, sink.flushes)
}
