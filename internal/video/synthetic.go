package video

import (
	"image"
	"image/color"
	"math"

	"gocv.io/x/gocv"
)

// SyntheticEye describes a dark filled ellipse on a flat background
type SyntheticEye struct {
	Width, Height int
	Center        image.Point
	Axes          image.Point // Full axis lengths
	Angle         float64     // Degrees
	Background    uint8
	Pupil         uint8
}

// DefaultSyntheticEye is a 640x480 frame with a 40x20 pupil at its center
func DefaultSyntheticEye() SyntheticEye {
	return SyntheticEye{
		Width:      640,
		Height:     480,
		Center:     image.Pt(320, 240),
		Axes:       image.Pt(40, 20),
		Background: 200,
		Pupil:      20,
	}
}

// Render draws the eye into a new single channel Mat. The caller owns it.
func (e SyntheticEye) Render() gocv.Mat {
	m := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(float64(e.Background), 0, 0, 0), e.Height, e.Width, gocv.MatTypeCV8UC1)
	if e.Axes.X > 0 && e.Axes.Y > 0 {
		half := image.Pt(int(math.Round(float64(e.Axes.X)/2)), int(math.Round(float64(e.Axes.Y)/2)))
		c := color.RGBA{R: e.Pupil, G: e.Pupil, B: e.Pupil, A: 255}
		gocv.Ellipse(&m, e.Center, half, e.Angle, 0, 360, c, -1)
	}
	return m
}

// SyntheticFrames renders n identical frames of e
func SyntheticFrames(e SyntheticEye, n int) []gocv.Mat {
	mats := make([]gocv.Mat, n)
	for i := range mats {
		mats[i] = e.Render()
	}
	return mats
}

// BlankFrames renders n frames filled with a single intensity
func BlankFrames(height, width int, value uint8, n int) []gocv.Mat {
	mats := make([]gocv.Mat, n)
	for i := range mats {
		mats[i] = gocv.NewMatWithSizeFromScalar(gocv.NewScalar(float64(value), 0, 0, 0), height, width, gocv.MatTypeCV8UC1)
	}
	return mats
}
