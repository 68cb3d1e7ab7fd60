package storage

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"math"
	"sync"

	"gocv.io/x/gocv"
	"golang.org/x/image/draw"

	"github.com/skulumani/pupil/internal/detector"
	"github.com/skulumani/pupil/internal/logger"
	"github.com/skulumani/pupil/internal/video"
)

var (
	colorEllipse = color.RGBA{G: 255}
	colorCenter  = color.RGBA{R: 255}
	colorROI     = color.RGBA{R: 255, G: 255}
)

// SnapshotConfig contains snapshot writer configuration
type SnapshotConfig struct {
	EveryN         int // Every Nth frame is stored (default 30)
	Quality        int // JPEG quality (1-100, default 90)
	ThumbnailWidth int // 0 disables thumbnails
}

// SnapshotWriter is a pipeline frame sink that stores every Nth frame with
// the detected ellipse drawn on it
type SnapshotWriter struct {
	store     *Store
	sessionID string
	config    SnapshotConfig
	logger    *logger.Logger

	mu      sync.Mutex
	written int
	paused  bool
	last    string
}

// NewSnapshotWriter creates a writer storing into sessionID's directory
func NewSnapshotWriter(store *Store, sessionID string, config SnapshotConfig, log *logger.Logger) *SnapshotWriter {
	if config.EveryN <= 0 {
		config.EveryN = 30
	}
	if config.Quality < 1 || config.Quality > 100 {
		config.Quality = 90
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	return &SnapshotWriter{
		store:     store,
		sessionID: sessionID,
		config:    config,
		logger:    log.Named("snapshots"),
	}
}

// Written returns the number of snapshots stored
func (w *SnapshotWriter) Written() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

// Last returns the path of the most recent snapshot
func (w *SnapshotWriter) Last() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

// Append ignores results without pixels
func (w *SnapshotWriter) Append(ctx context.Context, res detector.Result) error {
	return nil
}

// AppendFrame stores the annotated frame when its index is due
func (w *SnapshotWriter) AppendFrame(ctx context.Context, frame video.Frame, res detector.Result) error {
	if frame.Index%w.config.EveryN != 0 || frame.Empty() {
		return nil
	}

	ok, err := w.store.HasSpace(ctx)
	if err != nil {
		return fmt.Errorf("failed to check disk space: %w", err)
	}
	w.mu.Lock()
	if !ok && !w.paused {
		w.logger.Warn("Disk usage too high, pausing snapshots", "session_id", w.sessionID)
	}
	w.paused = !ok
	w.mu.Unlock()
	if !ok {
		return nil
	}

	annotated, err := Annotate(frame.Mat, res, frame.ROI)
	if err != nil {
		return err
	}
	defer annotated.Close()

	path := w.store.SnapshotPath(w.sessionID, frame.Index, false)
	if err := w.writeJPEG(annotated, path); err != nil {
		return err
	}
	if w.config.ThumbnailWidth > 0 {
		thumb := w.store.SnapshotPath(w.sessionID, frame.Index, true)
		if err := w.writeThumbnail(annotated, thumb); err != nil {
			w.logger.Warn("Failed to write thumbnail", "path", thumb, "error", err)
		}
	}

	w.mu.Lock()
	w.written++
	w.last = path
	w.mu.Unlock()

	w.logger.Debug("Stored snapshot", "path", path, "frame", frame.Index)
	return nil
}

// Flush applies the retention policy once the run ends
func (w *SnapshotWriter) Flush(ctx context.Context) error {
	return w.store.EnforceRetention(ctx)
}

func (w *SnapshotWriter) writeJPEG(mat gocv.Mat, path string) error {
	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, mat, []int{int(gocv.IMWriteJpegQuality), w.config.Quality})
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	defer buf.Close()

	// GetBytes aliases C memory
	data := bytes.Clone(buf.GetBytes())
	return w.store.WriteFile(path, data)
}

func (w *SnapshotWriter) writeThumbnail(mat gocv.Mat, path string) error {
	img, err := mat.ToImage()
	if err != nil {
		return fmt.Errorf("failed to convert frame: %w", err)
	}

	thumb := Thumbnail(img, w.config.ThumbnailWidth)

	quality := w.config.Quality
	if quality > 70 {
		quality = 70
	}
	var out bytes.Buffer
	if err := jpeg.Encode(&out, thumb, &jpeg.Options{Quality: quality}); err != nil {
		return fmt.Errorf("failed to encode thumbnail: %w", err)
	}
	return w.store.WriteFile(path, out.Bytes())
}

// Annotate returns a BGR copy of src with the ROI, the fitted ellipse and
// its center drawn on it. The caller closes the returned Mat.
func Annotate(src gocv.Mat, res detector.Result, rect image.Rectangle) (gocv.Mat, error) {
	dst := gocv.NewMat()
	switch src.Channels() {
	case 1:
		gocv.CvtColor(src, &dst, gocv.ColorGrayToBGR)
	case 3:
		src.CopyTo(&dst)
	case 4:
		gocv.CvtColor(src, &dst, gocv.ColorBGRAToBGR)
	default:
		dst.Close()
		return gocv.NewMat(), fmt.Errorf("%w: %d channels", detector.ErrChannels, src.Channels())
	}

	if !rect.Empty() {
		gocv.Rectangle(&dst, rect, colorROI, 1)
	}

	if res.Found() {
		e := res.Ellipse
		center := image.Pt(int(math.Round(e.Center.X)), int(math.Round(e.Center.Y)))
		axes := image.Pt(int(math.Round(e.Axes.X/2)), int(math.Round(e.Axes.Y/2)))
		gocv.Ellipse(&dst, center, axes, e.Angle, 0, 360, colorEllipse, 1)
		gocv.Circle(&dst, center, 2, colorCenter, -1)
	}
	return dst, nil
}

// Thumbnail scales img to the given width keeping its aspect ratio. Images
// already narrower are returned unchanged.
func Thumbnail(img image.Image, width int) image.Image {
	b := img.Bounds()
	if width <= 0 || b.Dx() <= width {
		return img
	}
	height := b.Dy() * width / b.Dx()
	if height < 1 {
		height = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}
