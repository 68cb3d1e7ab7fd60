package video

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	"strconv"
	"time"
)

// PreviewOptions selects the frame grabbed by Preview
type PreviewOptions struct {
	Offset  time.Duration // Position in the input, 0 = first frame
	Width   int           // Scale to this width keeping aspect ratio, 0 = native
	Quality int           // JPEG quality 1-100
}

// Preview grabs a single JPEG frame of input, for choosing an ROI before a
// run starts. It returns the encoded image and its size.
func (f *FFmpegWrapper) Preview(ctx context.Context, input string, opts PreviewOptions) ([]byte, image.Point, error) {
	if input == "" {
		return nil, image.Point{}, fmt.Errorf("source input is required")
	}
	if opts.Quality <= 0 || opts.Quality > 100 {
		opts.Quality = 85
	}

	args := []string{"-hide_banner", "-loglevel", "error"}
	if opts.Offset > 0 {
		args = append(args, "-ss", strconv.FormatFloat(opts.Offset.Seconds(), 'f', 3, 64))
	}
	args = append(args, "-i", input, "-frames:v", "1")
	if opts.Width > 0 {
		args = append(args, "-vf", fmt.Sprintf("scale=%d:-2", opts.Width))
	}
	// ffmpeg's mjpeg qscale runs 2 (best) to 31
	qscale := 2 + (100-opts.Quality)*29/99
	args = append(args,
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-q:v", strconv.Itoa(qscale),
		"-",
	)

	var stdout, stderr bytes.Buffer
	cmd := f.BuildCommand(ctx, args)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, image.Point{}, fmt.Errorf("ffmpeg preview failed: %w (%s)", err, bytes.TrimSpace(stderr.Bytes()))
	}

	data := stdout.Bytes()
	if len(data) == 0 {
		return nil, image.Point{}, fmt.Errorf("no frame at %v in %s", opts.Offset, input)
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, image.Point{}, fmt.Errorf("invalid preview frame: %w", err)
	}

	f.logger.Debug("Captured preview", "input", input, "width", cfg.Width, "height", cfg.Height, "bytes", len(data))
	return data, image.Pt(cfg.Width, cfg.Height), nil
}
