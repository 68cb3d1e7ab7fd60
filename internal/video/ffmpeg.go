package video

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"github.com/skulumani/pupil/internal/logger"
)

// FFmpegWrapper wraps the ffmpeg executable used to decode video inputs
type FFmpegWrapper struct {
	logger     *logger.Logger
	ffmpegPath string
}

// StreamInfo describes the first video stream of an input
type StreamInfo struct {
	Width  int
	Height int
	FPS    float64
	Codec  string
}

var (
	videoStreamRe = regexp.MustCompile(`Stream #\S+.*?: Video: (\w+)[^\n]*?, (\d{2,5})x(\d{2,5})`)
	fpsRe         = regexp.MustCompile(`, (\d+(?:\.\d+)?) (?:fps|tbr)`)
)

// NewFFmpegWrapper creates a new FFmpeg wrapper
func NewFFmpegWrapper(log *logger.Logger) (*FFmpegWrapper, error) {
	wrapper := &FFmpegWrapper{
		logger:     log,
		ffmpegPath: "ffmpeg",
	}

	ffmpegPath, err := wrapper.detectFFmpeg()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not found: %w", err)
	}
	wrapper.ffmpegPath = ffmpegPath

	log.Debug("FFmpeg wrapper initialized", "path", wrapper.ffmpegPath)

	return wrapper, nil
}

// detectFFmpeg finds FFmpeg executable
func (f *FFmpegWrapper) detectFFmpeg() (string, error) {
	paths := []string{"ffmpeg", "/usr/bin/ffmpeg", "/usr/local/bin/ffmpeg"}

	for _, path := range paths {
		cmd := exec.Command(path, "-version")
		if err := cmd.Run(); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("ffmpeg not found in PATH or common locations")
}

// BuildCommand builds an FFmpeg command bound to ctx
func (f *FFmpegWrapper) BuildCommand(ctx context.Context, args []string) *exec.Cmd {
	return exec.CommandContext(ctx, f.ffmpegPath, args...)
}

// GetVersion returns FFmpeg version
func (f *FFmpegWrapper) GetVersion() (string, error) {
	cmd := exec.Command(f.ffmpegPath, "-version")
	output, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("failed to get ffmpeg version: %w", err)
	}

	lines := strings.Split(string(output), "\n")
	if len(lines) > 0 {
		return strings.TrimSpace(lines[0]), nil
	}

	return "unknown", nil
}

// Probe reads the stream header of input and returns the video stream geometry.
// ffmpeg exits non-zero when no output is given, so only the banner is inspected.
func (f *FFmpegWrapper) Probe(ctx context.Context, input string) (StreamInfo, error) {
	cmd := f.BuildCommand(ctx, []string{"-hide_banner", "-i", input})
	output, _ := cmd.CombinedOutput()

	info, err := parseStreamInfo(string(output))
	if err != nil {
		if strings.Contains(string(output), "No such file") ||
			strings.Contains(string(output), "Connection refused") ||
			strings.Contains(string(output), "Invalid data found") {
			return StreamInfo{}, fmt.Errorf("invalid input %q: %s", input, strings.TrimSpace(string(output)))
		}
		return StreamInfo{}, fmt.Errorf("probe %q: %w", input, err)
	}
	return info, nil
}

// parseStreamInfo extracts the first video stream line from ffmpeg's banner
func parseStreamInfo(banner string) (StreamInfo, error) {
	m := videoStreamRe.FindStringSubmatch(banner)
	if m == nil {
		return StreamInfo{}, fmt.Errorf("no video stream found")
	}

	width, _ := strconv.Atoi(m[2])
	height, _ := strconv.Atoi(m[3])
	info := StreamInfo{Codec: m[1], Width: width, Height: height}

	line := banner[strings.Index(banner, m[0]):]
	if nl := strings.IndexByte(line, '\n'); nl >= 0 {
		line = line[:nl]
	}
	if fm := fpsRe.FindStringSubmatch(line); fm != nil {
		info.FPS, _ = strconv.ParseFloat(fm[1], 64)
	}

	return info, nil
}
