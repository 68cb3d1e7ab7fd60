package video

import (
	"context"
	"fmt"

	"github.com/skulumani/pupil/internal/logger"
)

// Source kinds
const (
	KindFFmpeg  = "ffmpeg"
	KindCapture = "capture"
)

// OpenConfig selects and configures a frame source
type OpenConfig struct {
	Input      string
	Kind       string // "ffmpeg" (default) or "capture"
	Width      int
	Height     int
	FPS        float64
	Intrinsics *Intrinsics // When set, frames are undistorted
}

// Open returns the source described by cfg. The caller closes it.
func Open(ctx context.Context, cfg OpenConfig, log *logger.Logger) (Source, error) {
	if log == nil {
		log = logger.NewNopLogger()
	}
	if cfg.Input == "" {
		return nil, fmt.Errorf("source input is required")
	}

	var src Source
	switch cfg.Kind {
	case "", KindFFmpeg:
		ffmpeg, err := NewFFmpegWrapper(log)
		if err != nil {
			return nil, err
		}
		s, err := ffmpeg.OpenSource(ctx, FFmpegSourceConfig{
			Input:  cfg.Input,
			Width:  cfg.Width,
			Height: cfg.Height,
			FPS:    cfg.FPS,
		})
		if err != nil {
			return nil, err
		}
		src = s
	case KindCapture:
		s, err := OpenCapture(cfg.Input)
		if err != nil {
			return nil, err
		}
		src = s
	default:
		return nil, fmt.Errorf("unknown source kind: %s", cfg.Kind)
	}

	if cfg.Intrinsics != nil {
		u, err := NewUndistorter(src, *cfg.Intrinsics)
		if err != nil {
			src.Close()
			return nil, fmt.Errorf("failed to set up undistortion: %w", err)
		}
		src = u
	}

	h, w := src.Size()
	log.Info("Source opened", "input", cfg.Input, "kind", cfg.Kind, "width", w, "height", h, "undistort", cfg.Intrinsics != nil)
	return src, nil
}
