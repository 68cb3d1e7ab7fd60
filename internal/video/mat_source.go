package video

import (
	"context"
	"fmt"
	"time"

	"gocv.io/x/gocv"
)

// MatSource replays a fixed list of in-memory frames. It takes ownership of
// the Mats and closes them on Close.
type MatSource struct {
	mats     []gocv.Mat
	interval time.Duration
	next     int
}

// NewMatSource creates a source over mats. interval spaces the frame
// timestamps (0 = 1/30 s). All mats must share the same size.
func NewMatSource(mats []gocv.Mat, interval time.Duration) (*MatSource, error) {
	if interval <= 0 {
		interval = time.Second / 30
	}
	for i := 1; i < len(mats); i++ {
		if mats[i].Rows() != mats[0].Rows() || mats[i].Cols() != mats[0].Cols() {
			return nil, fmt.Errorf("frame %d size %dx%d differs from %dx%d",
				i, mats[i].Cols(), mats[i].Rows(), mats[0].Cols(), mats[0].Rows())
		}
	}
	return &MatSource{mats: mats, interval: interval}, nil
}

// Next returns the next frame
func (s *MatSource) Next(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	if s.next >= len(s.mats) {
		return Frame{}, ErrEndOfStream
	}
	frame := Frame{
		Index:     s.next,
		Timestamp: time.Duration(s.next) * s.interval,
		Captured:  time.Now(),
		Mat:       s.mats[s.next],
	}
	s.next++
	return frame, nil
}

// Size returns the frame height and width
func (s *MatSource) Size() (int, int) {
	if len(s.mats) == 0 {
		return 0, 0
	}
	return s.mats[0].Rows(), s.mats[0].Cols()
}

// Len returns the number of frames the source holds
func (s *MatSource) Len() int {
	return len(s.mats)
}

// Close releases all frames
func (s *MatSource) Close() error {
	for i := range s.mats {
		s.mats[i].Close()
	}
	s.mats = nil
	return nil
}
