package video

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/skulumani/pupil/internal/logger"
)

func setupTestFFmpeg(t *testing.T) *FFmpegWrapper {
	log := logger.NewNopLogger()
	ffmpeg, err := NewFFmpegWrapper(log)
	if err != nil {
		t.Skipf("FFmpeg not available, skipping test: %v", err)
	}
	return ffmpeg
}

// writeTestVideo encodes a short synthetic clip with ffmpeg's testsrc
func writeTestVideo(t *testing.T, ffmpeg *FFmpegWrapper, frames int) string {
	path := filepath.Join(t.TempDir(), "clip.avi")
	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-f", "lavfi",
		"-i", "testsrc=size=160x120:rate=10",
		"-frames:v", strconv.Itoa(frames),
		"-c:v", "mjpeg",
		"-y", path,
	}
	if out, err := ffmpeg.BuildCommand(context.Background(), args).CombinedOutput(); err != nil {
		t.Skipf("ffmpeg cannot encode test clip: %v (%s)", err, out)
	}
	if _, err := os.Stat(path); err != nil {
		t.Skipf("test clip missing: %v", err)
	}
	return path
}
