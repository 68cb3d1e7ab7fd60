package video

import (
	"context"
	"errors"
	"image"
	"time"

	"gocv.io/x/gocv"
)

// ErrEndOfStream is returned by Source.Next once the stream is exhausted
var ErrEndOfStream = errors.New("video: end of stream")

// Frame represents a single decoded video frame.
//
// Mat is owned by the Source that produced it and is only valid until the
// next call to Next or Close. Consumers that need the pixels longer must
// Clone it.
type Frame struct {
	Index     int             // Zero-based position in the stream
	Timestamp time.Duration   // Stream time of the frame
	Captured  time.Time       // Wall-clock time the frame was read
	Mat       gocv.Mat        // 8-bit image, 1 (gray) or 3 (BGR) channels
	ROI       image.Rectangle // Search rectangle, set by the pipeline before detection
}

// Empty reports whether the frame has no pixels. A zero Frame has no
// native Mat at all, which gocv cannot query.
func (f Frame) Empty() bool {
	return f.Mat.Ptr() == nil || f.Mat.Empty()
}

// Width returns the frame width in pixels
func (f Frame) Width() int {
	if f.Mat.Ptr() == nil {
		return 0
	}
	return f.Mat.Cols()
}

// Height returns the frame height in pixels
func (f Frame) Height() int {
	if f.Mat.Ptr() == nil {
		return 0
	}
	return f.Mat.Rows()
}

// Source produces frames in stream order
type Source interface {
	// Next blocks until the next frame is decoded. It returns ErrEndOfStream
	// when no frames remain.
	Next(ctx context.Context) (Frame, error)
	// Size returns the frame height and width
	Size() (height, width int)
	Close() error
}
