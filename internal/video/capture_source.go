package video

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"gocv.io/x/gocv"
)

// CaptureSource reads frames through OpenCV's VideoCapture. Input is a file
// path, a URL, or a numeric device id.
type CaptureSource struct {
	capture *gocv.VideoCapture
	mat     gocv.Mat
	height  int
	width   int
	index   int
	opened  time.Time
}

// OpenCapture opens input with gocv
func OpenCapture(input string) (*CaptureSource, error) {
	var device interface{} = input
	if id, err := strconv.Atoi(input); err == nil {
		device = id
	}

	vc, err := gocv.OpenVideoCapture(device)
	if err != nil {
		return nil, fmt.Errorf("open capture %q: %w", input, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("open capture %q: not opened", input)
	}

	return &CaptureSource{
		capture: vc,
		mat:     gocv.NewMat(),
		width:   int(vc.Get(gocv.VideoCaptureFrameWidth)),
		height:  int(vc.Get(gocv.VideoCaptureFrameHeight)),
		opened:  time.Now(),
	}, nil
}

// Next decodes the next frame
func (s *CaptureSource) Next(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	if ok := s.capture.Read(&s.mat); !ok || s.mat.Empty() {
		return Frame{}, ErrEndOfStream
	}

	ts := time.Duration(s.capture.Get(gocv.VideoCapturePosMsec) * float64(time.Millisecond))
	if ts <= 0 {
		ts = time.Since(s.opened)
	}

	frame := Frame{
		Index:     s.index,
		Timestamp: ts,
		Captured:  time.Now(),
		Mat:       s.mat,
	}
	s.index++
	return frame, nil
}

// Size returns the capture frame height and width
func (s *CaptureSource) Size() (int, int) {
	return s.height, s.width
}

// Close releases the capture device
func (s *CaptureSource) Close() error {
	s.mat.Close()
	return s.capture.Close()
}
