package main

import (
	"context"
	"flag"
	"fmt"
	"image"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"gocv.io/x/gocv"

	"github.com/skulumani/pupil/internal/config"
	"github.com/skulumani/pupil/internal/detector"
	"github.com/skulumani/pupil/internal/logger"
	"github.com/skulumani/pupil/internal/pipeline"
	"github.com/skulumani/pupil/internal/storage"
	"github.com/skulumani/pupil/internal/video"
)

func main() {
	var (
		configPath string
		imagePath  string
		input      string
		synthetic  int
		maxFrames  int
		roiFlag    string
		outPath    string
		annotate   string
		verbose    bool
	)
	flag.StringVar(&configPath, "config", "", "Configuration file to take detector settings from")
	flag.StringVar(&imagePath, "image", "", "Run on a single image")
	flag.StringVar(&input, "input", "", "Run on a video file, device or stream URL")
	flag.IntVar(&synthetic, "synthetic", 0, "Run on N rendered frames of a synthetic eye")
	flag.IntVar(&maxFrames, "max-frames", 10, "Frames to process from -input, 0 = all")
	flag.StringVar(&roiFlag, "roi", "", "Search rectangle lower_x,lower_y,upper_x,upper_y")
	flag.StringVar(&outPath, "out", "", "Write results to a .json or .csv file")
	flag.StringVar(&annotate, "annotate", "", "Write the last frame with the fitted ellipse drawn to this .jpg")
	flag.BoolVar(&verbose, "v", false, "Debug logging")
	flag.Parse()

	fmt.Println("=== Pupil Detection Test ===")
	fmt.Println()

	level := "info"
	if verbose {
		level = "debug"
	}
	log, err := logger.New(logger.LogConfig{Level: level, Format: "text", Output: "stderr"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	settings := detector.DefaultSettings()
	if configPath != "" {
		cfg, err := config.Load(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
			os.Exit(1)
		}
		settings = cfg.Detector
	}

	det, err := detector.NewDetector2D(settings, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create detector: %v\n", err)
		os.Exit(1)
	}
	defer det.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	src, name, err := openSource(ctx, imagePath, input, synthetic, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open source: %v\n", err)
		os.Exit(1)
	}
	defer src.Close()

	h, w := src.Size()
	fmt.Printf("Source: %s (%dx%d)\n", name, w, h)
	fmt.Printf("Method: %s\n", det.Method())
	fmt.Println()

	opts := pipeline.Options{MaxFrames: maxFrames}
	if imagePath != "" || synthetic > 0 {
		opts.MaxFrames = 0
	}
	if roiFlag != "" {
		rect, err := parseROI(roiFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Invalid -roi: %v\n", err)
			os.Exit(1)
		}
		opts.ROI = rect
	}

	var last *annotatedFrame
	if annotate != "" {
		last = &annotatedFrame{}
		defer last.Close()
		opts.Sinks = append(opts.Sinks, last)
	}
	opts.Sinks = append(opts.Sinks, pipeline.SinkFunc(func(ctx context.Context, res detector.Result) error {
		printResult(res)
		return nil
	}))

	loop := pipeline.NewLoop(det, opts, log)

	start := time.Now()
	seq, runErr := loop.Run(ctx, src)
	elapsed := time.Since(start)

	fmt.Println()
	fmt.Printf("Processed %d frames in %v (%d failed)\n", seq.Len(), elapsed.Round(time.Millisecond), seq.Failures())
	if seq.Len() > 0 {
		fmt.Printf("Mean confidence: %.3f\n", mean(seq.Confidences()))
		fmt.Printf("Mean diameter:   %.2f px\n", mean(seq.Diameters()))
	}
	if runErr != nil {
		fmt.Fprintf(os.Stderr, "Run ended with error: %v\n", runErr)
	}

	if outPath != "" {
		if err := seq.Save(outPath, ""); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to save results: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("✅ Results written to %s\n", outPath)
	}

	if last != nil && last.ok {
		if err := last.Write(annotate); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write annotated frame: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("✅ Annotated frame written to %s\n", annotate)
	}

	if runErr != nil {
		os.Exit(1)
	}
}

func openSource(ctx context.Context, imagePath, input string, synthetic int, log *logger.Logger) (video.Source, string, error) {
	switch {
	case imagePath != "":
		mat := gocv.IMRead(imagePath, gocv.IMReadGrayScale)
		if mat.Empty() {
			mat.Close()
			return nil, "", fmt.Errorf("failed to read image %s", imagePath)
		}
		src, err := video.NewMatSource([]gocv.Mat{mat}, 0)
		if err != nil {
			mat.Close()
			return nil, "", err
		}
		return src, imagePath, nil
	case input != "":
		src, err := video.Open(ctx, video.OpenConfig{Input: input}, log)
		return src, input, err
	case synthetic > 0:
		eye := video.DefaultSyntheticEye()
		src, err := video.NewMatSource(video.SyntheticFrames(eye, synthetic), time.Second/30)
		return src, fmt.Sprintf("synthetic eye at (%d,%d)", eye.Center.X, eye.Center.Y), err
	default:
		return nil, "", fmt.Errorf("one of -image, -input or -synthetic is required")
	}
}

func parseROI(s string) (image.Rectangle, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return image.Rectangle{}, fmt.Errorf("expected 4 comma separated values, got %d", len(parts))
	}
	var v [4]int
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return image.Rectangle{}, fmt.Errorf("bad coordinate %q: %w", p, err)
		}
		v[i] = n
	}
	return image.Rect(v[0], v[1], v[2], v[3]), nil
}

func printResult(res detector.Result) {
	if res.Error != "" {
		fmt.Printf("frame %4d  error: %s\n", res.FrameIndex, res.Error)
		return
	}
	fmt.Printf("frame %4d  t=%7.3fs  center=(%7.2f,%7.2f)  axes=(%6.2f,%6.2f)  angle=%6.1f  diameter=%6.2f  confidence=%.3f\n",
		res.FrameIndex, res.Timestamp,
		res.Ellipse.Center.X, res.Ellipse.Center.Y,
		res.Ellipse.Axes.X, res.Ellipse.Axes.Y,
		res.Ellipse.Angle, res.Diameter, res.Confidence)
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// annotatedFrame keeps a copy of the most recent frame and its result
type annotatedFrame struct {
	mat  gocv.Mat
	rect image.Rectangle
	res  detector.Result
	ok   bool
}

func (a *annotatedFrame) Append(ctx context.Context, res detector.Result) error {
	return nil
}

func (a *annotatedFrame) AppendFrame(ctx context.Context, frame video.Frame, res detector.Result) error {
	if a.ok {
		a.mat.Close()
	}
	a.mat = frame.Mat.Clone()
	a.rect = frame.ROI
	a.res = res
	a.ok = true
	return nil
}

func (a *annotatedFrame) Flush(ctx context.Context) error {
	return nil
}

func (a *annotatedFrame) Write(path string) error {
	out, err := storage.Annotate(a.mat, a.res, a.rect)
	if err != nil {
		return err
	}
	defer out.Close()
	if ok := gocv.IMWrite(path, out); !ok {
		return fmt.Errorf("failed to write %s", path)
	}
	return nil
}

func (a *annotatedFrame) Close() {
	if a.ok {
		a.mat.Close()
	}
}
