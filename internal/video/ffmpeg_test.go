package video

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skulumani/pupil/internal/logger"
)

func TestNewFFmpegWrapper(t *testing.T) {
	log := logger.NewNopLogger()
	ffmpeg, err := NewFFmpegWrapper(log)
	if err != nil {
		t.Skipf("FFmpeg not available, skipping test: %v", err)
	}

	if ffmpeg.ffmpegPath == "" {
		t.Error("FFmpeg path should be set")
	}
}

func TestFFmpegWrapper_GetVersion(t *testing.T) {
	ffmpeg := setupTestFFmpeg(t)

	version, err := ffmpeg.GetVersion()
	require.NoError(t, err)
	assert.Contains(t, version, "ffmpeg")
}

func TestParseStreamInfo(t *testing.T) {
	tests := []struct {
		name    string
		banner  string
		want    StreamInfo
		wantErr bool
	}{
		{
			name: "h264 mp4",
			banner: `Input #0, mov,mp4,m4a,3gp,3g2,mj2, from 'eye.mp4':
  Duration: 00:00:10.00, start: 0.000000, bitrate: 1210 kb/s
  Stream #0:0[0x1](und): Video: h264 (High) (avc1 / 0x31637661), yuv420p(tv, bt709, progressive), 640x480 [SAR 1:1 DAR 4:3], 1205 kb/s, 30 fps, 30 tbr, 15360 tbn (default)
At least one output file must be specified`,
			want: StreamInfo{Width: 640, Height: 480, FPS: 30, Codec: "h264"},
		},
		{
			name: "mjpeg with fractional rate",
			banner: `Input #0, avi, from 'world.avi':
  Stream #0:0: Video: mjpeg (Baseline) (MJPG / 0x47504A4D), yuvj420p(pc, bt470bg/unknown/unknown), 1280x720, 29.97 fps, 29.97 tbr, 29.97 tbn`,
			want: StreamInfo{Width: 1280, Height: 720, FPS: 29.97, Codec: "mjpeg"},
		},
		{
			name: "no fps on video line",
			banner: `  Stream #0:0: Video: rawvideo (Y800 / 0x30303859), gray, 192x192
  Stream #0:1: Audio: pcm_s16le, 44100 Hz, 30 fps`,
			want: StreamInfo{Width: 192, Height: 192, Codec: "rawvideo"},
		},
		{
			name:    "audio only",
			banner:  `  Stream #0:0: Audio: aac (LC), 44100 Hz, stereo, fltp, 128 kb/s`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseStreamInfo(tt.banner)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want.Width, got.Width)
			assert.Equal(t, tt.want.Height, got.Height)
			assert.Equal(t, tt.want.Codec, got.Codec)
			assert.InDelta(t, tt.want.FPS, got.FPS, 1e-9)
		})
	}
}

func TestFFmpegWrapper_ProbeMissingFile(t *testing.T) {
	ffmpeg := setupTestFFmpeg(t)

	_, err := ffmpeg.Probe(context.Background(), "/nonexistent/eye.mp4")
	assert.Error(t, err)
}

func TestFFmpegSource_ReadsAllFrames(t *testing.T) {
	ffmpeg := setupTestFFmpeg(t)
	clip := writeTestVideo(t, ffmpeg, 5)

	src, err := ffmpeg.OpenSource(context.Background(), FFmpegSourceConfig{Input: clip})
	require.NoError(t, err)
	defer src.Close()

	h, w := src.Size()
	assert.Equal(t, 120, h)
	assert.Equal(t, 160, w)

	var count int
	for {
		frame, err := src.Next(context.Background())
		if errors.Is(err, ErrEndOfStream) {
			break
		}
		require.NoError(t, err)
		assert.Equal(t, count, frame.Index)
		assert.Equal(t, 1, frame.Mat.Channels())
		assert.Equal(t, 160, frame.Width())
		assert.Equal(t, 120, frame.Height())
		count++
	}
	assert.Equal(t, 5, count)
}

func TestFFmpegSource_Cancelled(t *testing.T) {
	ffmpeg := setupTestFFmpeg(t)
	clip := writeTestVideo(t, ffmpeg, 3)

	ctx, cancel := context.WithCancel(context.Background())
	src, err := ffmpeg.OpenSource(ctx, FFmpegSourceConfig{Input: clip})
	require.NoError(t, err)
	defer src.Close()

	cancel()
	_, err = src.Next(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOpenSource_RequiresInput(t *testing.T) {
	ffmpeg := &FFmpegWrapper{logger: logger.NewNopLogger(), ffmpegPath: "ffmpeg"}

	_, err := ffmpeg.OpenSource(context.Background(), FFmpegSourceConfig{})
	assert.Error(t, err)
}

func TestFFmpegWrapper_Preview(t *testing.T) {
	ffmpeg := setupTestFFmpeg(t)
	clip := writeTestVideo(t, ffmpeg, 10)
	ctx := context.Background()

	data, size, err := ffmpeg.Preview(ctx, clip, PreviewOptions{})
	require.NoError(t, err)
	assert.NotEmpty(t, data)
	assert.Equal(t, 160, size.X)
	assert.Equal(t, 120, size.Y)

	_, size, err = ffmpeg.Preview(ctx, clip, PreviewOptions{Offset: 500 * time.Millisecond, Width: 80, Quality: 50})
	require.NoError(t, err)
	assert.Equal(t, 80, size.X)
	assert.Equal(t, 60, size.Y)

	_, _, err = ffmpeg.Preview(ctx, "", PreviewOptions{})
	assert.Error(t, err)

	_, _, err = ffmpeg.Preview(ctx, "/nonexistent/eye.mp4", PreviewOptions{})
	assert.Error(t, err)
}
