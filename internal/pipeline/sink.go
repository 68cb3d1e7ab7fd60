package pipeline

import (
	"context"

	"github.com/skulumani/pupil/internal/detector"
	"github.com/skulumani/pupil/internal/video"
)

// Sink consumes results as the loop produces them. Append is called once
// per frame in frame order; Flush once when the run ends.
type Sink interface {
	Append(ctx context.Context, res detector.Result) error
	Flush(ctx context.Context) error
}

// FrameSink is a Sink that also needs the pixels of the frame. The frame is
// only valid during the call.
type FrameSink interface {
	Sink
	AppendFrame(ctx context.Context, frame video.Frame, res detector.Result) error
}

// SinkFunc adapts a function to a Sink with a no-op Flush
type SinkFunc func(ctx context.Context, res detector.Result) error

// Append calls f
func (f SinkFunc) Append(ctx context.Context, res detector.Result) error {
	return f(ctx, res)
}

// Flush does nothing
func (f SinkFunc) Flush(ctx context.Context) error {
	return nil
}
