package detector

import (
	"image"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"github.com/skulumani/pupil/internal/roi"
	"github.com/skulumani/pupil/internal/video"
)

func setupTestDetector(t *testing.T) *Detector2D {
	d, err := NewDetector2D(DefaultSettings(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func testFrame(t *testing.T, index int, m gocv.Mat) video.Frame {
	t.Cleanup(func() { m.Close() })
	return video.Frame{
		Index:     index,
		Timestamp: time.Duration(index) * time.Second / 30,
		Mat:       m,
	}
}

func TestDetector2DSyntheticPupil(t *testing.T) {
	d := setupTestDetector(t)
	eye := video.DefaultSyntheticEye()

	for i := 0; i < 10; i++ {
		frame := testFrame(t, i, eye.Render())
		before := frame.Mat.Clone()

		result, err := d.Detect(frame, nil)
		require.NoError(t, err)

		assert.Equal(t, i, result.FrameIndex)
		assert.Equal(t, Method2D, result.Method)
		assert.InDelta(t, 320, result.Ellipse.Center.X, 2)
		assert.InDelta(t, 240, result.Ellipse.Center.Y, 2)
		assert.InDelta(t, 40, result.Diameter, 4)
		assert.InDelta(t, 20, result.Ellipse.Minor(), 4)
		assert.Greater(t, result.Confidence, 0.5)
		assert.LessOrEqual(t, result.Confidence, 1.0)
		assert.InDelta(t, 0.5, result.NormPos.X, 0.01)
		assert.InDelta(t, 0.5, result.NormPos.Y, 0.01)
		assert.InDelta(t, float64(i)/30, result.Timestamp, 1e-9)

		diff := gocv.NewMat()
		gocv.AbsDiff(frame.Mat, before, &diff)
		assert.Zero(t, gocv.CountNonZero(diff), "frame must not be modified")
		diff.Close()
		before.Close()
	}
}

func TestDetector2DRotatedPupil(t *testing.T) {
	d := setupTestDetector(t)
	eye := video.DefaultSyntheticEye()
	eye.Center = image.Pt(200, 300)
	eye.Axes = image.Pt(60, 30)
	eye.Angle = 30

	result, err := d.Detect(testFrame(t, 0, eye.Render()), nil)
	require.NoError(t, err)

	assert.InDelta(t, 200, result.Ellipse.Center.X, 2)
	assert.InDelta(t, 300, result.Ellipse.Center.Y, 2)
	assert.InDelta(t, 30, result.Ellipse.Angle, 5)
	assert.InDelta(t, 60, result.Diameter, 4)
}

func TestDetector2DWithROI(t *testing.T) {
	d := setupTestDetector(t)
	eye := video.DefaultSyntheticEye()
	eye.Center = image.Pt(500, 100)

	r, err := roi.New(eye.Height, eye.Width)
	require.NoError(t, err)
	require.NoError(t, r.Set(400, 0, 640, 200))

	result, err := d.Detect(testFrame(t, 0, eye.Render()), r)
	require.NoError(t, err)

	assert.InDelta(t, 500, result.Ellipse.Center.X, 2)
	assert.InDelta(t, 100, result.Ellipse.Center.Y, 2)
	assert.Greater(t, result.Confidence, 0.5)
}

func TestDetector2DPupilOutsideROI(t *testing.T) {
	d := setupTestDetector(t)
	eye := video.DefaultSyntheticEye()

	r, err := roi.New(eye.Height, eye.Width)
	require.NoError(t, err)
	require.NoError(t, r.Set(0, 0, 100, 100))

	result, err := d.Detect(testFrame(t, 0, eye.Render()), r)
	require.NoError(t, err)

	assert.Zero(t, result.Confidence)
	assert.InDelta(t, 50, result.Ellipse.Center.X, 1e-9)
	assert.InDelta(t, 50, result.Ellipse.Center.Y, 1e-9)
}

func TestDetector2DBlackFrame(t *testing.T) {
	d := setupTestDetector(t)
	black := video.BlankFrames(480, 640, 0, 1)[0]

	result, err := d.Detect(testFrame(t, 3, black), nil)
	require.NoError(t, err)

	assert.Equal(t, 3, result.FrameIndex)
	assert.InDelta(t, 0, result.Confidence, 0.05)
	assert.False(t, result.Found())
}

func TestDetector2DColorFrame(t *testing.T) {
	d := setupTestDetector(t)
	gray := video.DefaultSyntheticEye().Render()
	defer gray.Close()

	bgr := gocv.NewMat()
	gocv.CvtColor(gray, &bgr, gocv.ColorGrayToBGR)

	result, err := d.Detect(testFrame(t, 0, bgr), nil)
	require.NoError(t, err)
	assert.InDelta(t, 320, result.Ellipse.Center.X, 2)
	assert.InDelta(t, 240, result.Ellipse.Center.Y, 2)
}

func TestDetector2DInvalidInput(t *testing.T) {
	d := setupTestDetector(t)

	t.Run("empty frame", func(t *testing.T) {
		_, err := d.Detect(testFrame(t, 0, gocv.NewMat()), nil)
		assert.ErrorIs(t, err, ErrEmptyFrame)
	})

	t.Run("zero frame", func(t *testing.T) {
		_, err := d.Detect(video.Frame{Index: 4}, nil)
		assert.ErrorIs(t, err, ErrEmptyFrame)
		assert.ErrorIs(t, err, ErrInput)
	})

	t.Run("float frame", func(t *testing.T) {
		_, err := d.Detect(testFrame(t, 0, gocv.NewMatWithSize(48, 64, gocv.MatTypeCV32F)), nil)
		assert.ErrorIs(t, err, ErrChannels)
		assert.ErrorIs(t, err, ErrInput)
	})

	t.Run("roi larger than frame", func(t *testing.T) {
		r, err := roi.New(480, 640)
		require.NoError(t, err)
		_, err = d.Detect(testFrame(t, 0, gocv.NewMatWithSize(240, 320, gocv.MatTypeCV8UC1)), r)
		assert.ErrorIs(t, err, ErrROIBounds)
	})

	t.Run("closed detector", func(t *testing.T) {
		closed := setupTestDetector(t)
		require.NoError(t, closed.Close())
		_, err := closed.Detect(testFrame(t, 0, video.DefaultSyntheticEye().Render()), nil)
		assert.ErrorIs(t, err, ErrClosed)
	})
}

func TestDetector2DCoarseDetectionDisabled(t *testing.T) {
	s := DefaultSettings()
	s.CoarseDetection = false
	d, err := NewDetector2D(s, nil)
	require.NoError(t, err)

	result, err := d.Detect(testFrame(t, 0, video.DefaultSyntheticEye().Render()), nil)
	require.NoError(t, err)
	assert.InDelta(t, 320, result.Ellipse.Center.X, 2)
	assert.InDelta(t, 240, result.Ellipse.Center.Y, 2)
}

func TestDetector2DPupilSizeGate(t *testing.T) {
	s := DefaultSettings()
	s.PupilSizeMax = 30
	d, err := NewDetector2D(s, nil)
	require.NoError(t, err)

	result, err := d.Detect(testFrame(t, 0, video.DefaultSyntheticEye().Render()), nil)
	require.NoError(t, err)
	assert.Zero(t, result.Confidence)
}

func TestDetector2DUpdateSettings(t *testing.T) {
	d := setupTestDetector(t)

	s := DefaultSettings()
	s.IntensityRange = 40
	require.NoError(t, d.UpdateSettings(s))
	assert.Equal(t, 40, d.Settings().IntensityRange)

	bad := s
	bad.BlurSize = 4
	assert.Error(t, d.UpdateSettings(bad))
	assert.Equal(t, 40, d.Settings().IntensityRange, "rejected settings must not be applied")
	assert.Equal(t, 5, d.Settings().BlurSize)
}

func TestDetector2DConcurrentSettingsSwap(t *testing.T) {
	d := setupTestDetector(t)
	eye := video.DefaultSyntheticEye()
	m := eye.Render()
	defer m.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			s := DefaultSettings()
			s.IntensityRange = 10 + i%20
			assert.NoError(t, d.UpdateSettings(s))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 10; i++ {
			result, err := d.Detect(video.Frame{Index: i, Mat: m}, nil)
			assert.NoError(t, err)
			assert.InDelta(t, 320, result.Ellipse.Center.X, 2)
		}
	}()
	wg.Wait()
}

func TestNewDetector2DInvalidSettings(t *testing.T) {
	s := DefaultSettings()
	s.CannyAperture = 4
	_, err := NewDetector2D(s, nil)
	assert.Error(t, err)
}
