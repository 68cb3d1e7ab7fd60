// Package roi holds the rectangular search window the pupil detector is
// restricted to.
//
// Coordinates follow the pixel grid of the frame: the rectangle spans
// [LowerX, UpperX) × [LowerY, UpperY). Out-of-range values passed to Set are
// clamped to the frame, inverted rectangles are rejected, and a rectangle
// that is empty after clamping is rejected. A rejected Set leaves the
// previous rectangle in place.
package roi

import (
	"errors"
	"fmt"
	"image"
)

var (
	// ErrInverted is returned when a lower bound exceeds its upper bound
	ErrInverted = errors.New("roi: lower bound greater than upper bound")
	// ErrEmpty is returned when the rectangle has zero area after clamping
	ErrEmpty = errors.New("roi: rectangle has zero area")
	// ErrFrameSize is returned for non-positive frame dimensions
	ErrFrameSize = errors.New("roi: frame dimensions must be positive")
)

// ROI is a mutable rectangle over a frame of fixed size.
// The zero value is not usable; create one with New.
type ROI struct {
	LowerX int `json:"lower_x" yaml:"lower_x"`
	LowerY int `json:"lower_y" yaml:"lower_y"`
	UpperX int `json:"upper_x" yaml:"upper_x"`
	UpperY int `json:"upper_y" yaml:"upper_y"`

	frameHeight int
	frameWidth  int
}

// New creates an ROI covering the whole frame of the given size
func New(height, width int) (*ROI, error) {
	if height <= 0 || width <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrFrameSize, width, height)
	}
	return &ROI{
		UpperX:      width,
		UpperY:      height,
		frameHeight: height,
		frameWidth:  width,
	}, nil
}

// Set replaces the active rectangle
func (r *ROI) Set(lowerX, lowerY, upperX, upperY int) error {
	if lowerX > upperX || lowerY > upperY {
		return fmt.Errorf("%w: (%d,%d)-(%d,%d)", ErrInverted, lowerX, lowerY, upperX, upperY)
	}

	lx, ux := clamp(lowerX, 0, r.frameWidth), clamp(upperX, 0, r.frameWidth)
	ly, uy := clamp(lowerY, 0, r.frameHeight), clamp(upperY, 0, r.frameHeight)
	if lx == ux || ly == uy {
		return fmt.Errorf("%w: (%d,%d)-(%d,%d) in %dx%d frame",
			ErrEmpty, lowerX, lowerY, upperX, upperY, r.frameWidth, r.frameHeight)
	}

	r.LowerX, r.LowerY, r.UpperX, r.UpperY = lx, ly, ux, uy
	return nil
}

// SetRect is Set for an image.Rectangle
func (r *ROI) SetRect(rect image.Rectangle) error {
	return r.Set(rect.Min.X, rect.Min.Y, rect.Max.X, rect.Max.Y)
}

// Reset restores the full-frame rectangle
func (r *ROI) Reset() {
	r.LowerX, r.LowerY = 0, 0
	r.UpperX, r.UpperY = r.frameWidth, r.frameHeight
}

// Resize adapts the ROI to a new frame size and resets it to the full frame
func (r *ROI) Resize(height, width int) error {
	if height <= 0 || width <= 0 {
		return fmt.Errorf("%w: %dx%d", ErrFrameSize, width, height)
	}
	r.frameHeight, r.frameWidth = height, width
	r.Reset()
	return nil
}

// CenteredOn sets a square window of the given side centered at (x, y),
// shifted to stay inside the frame where possible.
func (r *ROI) CenteredOn(x, y, size int) error {
	if size < 1 {
		size = 1
	}
	half := size / 2
	lx, ly := x-half, y-half
	if lx+size > r.frameWidth {
		lx = r.frameWidth - size
	}
	if ly+size > r.frameHeight {
		ly = r.frameHeight - size
	}
	if lx < 0 {
		lx = 0
	}
	if ly < 0 {
		ly = 0
	}
	return r.Set(lx, ly, lx+size, ly+size)
}

// Rect returns the rectangle as an image.Rectangle
func (r ROI) Rect() image.Rectangle {
	return image.Rect(r.LowerX, r.LowerY, r.UpperX, r.UpperY)
}

// Size returns the ROI height and width
func (r ROI) Size() (height, width int) {
	return r.UpperY - r.LowerY, r.UpperX - r.LowerX
}

// FrameSize returns the height and width of the frame the ROI belongs to
func (r ROI) FrameSize() (height, width int) {
	return r.frameHeight, r.frameWidth
}

// IsFull reports whether the ROI covers the whole frame
func (r ROI) IsFull() bool {
	return r.LowerX == 0 && r.LowerY == 0 && r.UpperX == r.frameWidth && r.UpperY == r.frameHeight
}

// Within reports whether the ROI lies inside a frame of the given size
func (r ROI) Within(height, width int) bool {
	return r.LowerX >= 0 && r.LowerY >= 0 &&
		r.UpperX <= width && r.UpperY <= height &&
		r.LowerX < r.UpperX && r.LowerY < r.UpperY
}

// AddVector converts ROI-relative coordinates to frame coordinates
func (r ROI) AddVector(x, y float64) (float64, float64) {
	return x + float64(r.LowerX), y + float64(r.LowerY)
}

// SubVector converts frame coordinates to ROI-relative coordinates
func (r ROI) SubVector(x, y float64) (float64, float64) {
	return x - float64(r.LowerX), y - float64(r.LowerY)
}

func (r ROI) String() string {
	return fmt.Sprintf("roi[(%d,%d)-(%d,%d) of %dx%d]",
		r.LowerX, r.LowerY, r.UpperX, r.UpperY, r.frameWidth, r.frameHeight)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
