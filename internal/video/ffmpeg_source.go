package video

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/skulumani/pupil/internal/logger"
)

// FFmpegSourceConfig contains ffmpeg source configuration
type FFmpegSourceConfig struct {
	Input  string
	Width  int     // Output width (0 = probe the input)
	Height int     // Output height (0 = probe the input)
	FPS    float64 // Used for timestamps when the probe cannot tell (0 = 30)
}

// FFmpegSource decodes an input with an ffmpeg subprocess into raw 8-bit
// grayscale frames read from its stdout.
type FFmpegSource struct {
	logger *logger.Logger
	cfg    FFmpegSourceConfig

	cmd    *exec.Cmd
	cancel context.CancelFunc
	stdout io.ReadCloser
	stderr bytes.Buffer

	buf   []byte
	mat   gocv.Mat
	index int

	mu     sync.Mutex
	closed bool
}

// OpenSource starts decoding cfg.Input and returns a Source over its frames
func (f *FFmpegWrapper) OpenSource(ctx context.Context, cfg FFmpegSourceConfig) (*FFmpegSource, error) {
	if cfg.Input == "" {
		return nil, fmt.Errorf("ffmpeg source: input is required")
	}

	if cfg.Width == 0 || cfg.Height == 0 {
		info, err := f.Probe(ctx, cfg.Input)
		if err != nil {
			return nil, err
		}
		if cfg.Width == 0 {
			cfg.Width = info.Width
		}
		if cfg.Height == 0 {
			cfg.Height = info.Height
		}
		if cfg.FPS == 0 {
			cfg.FPS = info.FPS
		}
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}

	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-i", cfg.Input,
		"-an",
		"-vf", fmt.Sprintf("scale=%d:%d", cfg.Width, cfg.Height),
		"-f", "rawvideo",
		"-pix_fmt", "gray",
		"-",
	}

	runCtx, cancel := context.WithCancel(ctx)
	src := &FFmpegSource{
		logger: f.logger,
		cfg:    cfg,
		cancel: cancel,
		buf:    make([]byte, cfg.Width*cfg.Height),
		mat:    gocv.NewMat(),
	}

	cmd := f.BuildCommand(runCtx, args)
	cmd.Stderr = &src.stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		src.mat.Close()
		return nil, fmt.Errorf("ffmpeg stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		src.mat.Close()
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}
	src.cmd = cmd
	src.stdout = stdout

	f.logger.Info("FFmpeg source started",
		"input", cfg.Input,
		"width", cfg.Width,
		"height", cfg.Height,
		"fps", cfg.FPS,
	)

	return src, nil
}

// Next reads the next raw frame from ffmpeg
func (s *FFmpegSource) Next(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Frame{}, ErrEndOfStream
	}

	if _, err := io.ReadFull(s.stdout, s.buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			if waitErr := s.cmd.Wait(); waitErr != nil && s.stderr.Len() > 0 {
				s.logger.Warn("ffmpeg exited with error", "error", waitErr, "stderr", s.stderr.String())
			}
			s.cmd = nil
			return Frame{}, ErrEndOfStream
		}
		return Frame{}, fmt.Errorf("read frame %d: %w", s.index, err)
	}

	m, err := gocv.NewMatFromBytes(s.cfg.Height, s.cfg.Width, gocv.MatTypeCV8UC1, s.buf)
	if err != nil {
		return Frame{}, fmt.Errorf("wrap frame %d: %w", s.index, err)
	}
	s.mat.Close()
	s.mat = m.Clone()
	m.Close()

	frame := Frame{
		Index:     s.index,
		Timestamp: time.Duration(float64(s.index) / s.cfg.FPS * float64(time.Second)),
		Captured:  time.Now(),
		Mat:       s.mat,
	}
	s.index++
	return frame, nil
}

// Size returns the decoded frame height and width
func (s *FFmpegSource) Size() (int, int) {
	return s.cfg.Height, s.cfg.Width
}

// Close stops ffmpeg and releases the frame buffer
func (s *FFmpegSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	s.cancel()
	if s.cmd != nil {
		_ = s.cmd.Wait()
	}
	return s.mat.Close()
}
