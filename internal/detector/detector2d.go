package detector

import (
	"fmt"
	"image"
	"math"
	"sort"
	"sync/atomic"

	"gocv.io/x/gocv"

	"github.com/skulumani/pupil/internal/logger"
	"github.com/skulumani/pupil/internal/roi"
	"github.com/skulumani/pupil/internal/video"
)

// Method2D identifies results produced by Detector2D
const Method2D = "2d gocv"

// coarseScale is the downscale factor used for the coarse search
const coarseScale = 0.25

// sobelGain is the maximum Sobel response to a unit step for each aperture.
// OpenCV's Canny in gocv always uses aperture 3, so thresholds configured
// for a larger aperture are rescaled by the ratio of the gains.
var sobelGain = map[int]float64{3: 4, 5: 48, 7: 640}

// Detector2D is the classic dark-blob pupil detector: it thresholds the
// darkest intensity band of the region, fits ellipses to the resulting
// contours and ranks them by how well Canny edges support their outline.
type Detector2D struct {
	settings atomic.Pointer[Settings]
	closed   atomic.Bool
	logger   *logger.Logger
}

type candidate struct {
	ellipse  Ellipse
	strong   bool
	support  float64
	goodness float64
}

// NewDetector2D creates a detector with the given settings
func NewDetector2D(s Settings, log *logger.Logger) (*Detector2D, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.NewNopLogger()
	}
	d := &Detector2D{logger: log.Named("detector.2d")}
	d.settings.Store(&s)
	return d, nil
}

// Method returns the method tag stamped on results
func (d *Detector2D) Method() string {
	return Method2D
}

// Settings returns a copy of the active settings
func (d *Detector2D) Settings() Settings {
	return *d.settings.Load()
}

// UpdateSettings validates s and swaps it in. Detect calls already running
// finish with the settings they started with.
func (d *Detector2D) UpdateSettings(s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	d.settings.Store(&s)
	d.logger.Debug("Detector settings updated")
	return nil
}

// Close marks the detector unusable
func (d *Detector2D) Close() error {
	d.closed.Store(true)
	return nil
}

// Detect searches frame inside r for the pupil. A nil r searches the whole
// frame. Finding no pupil is not an error: the result then has zero
// confidence and is centered on the search region.
func (d *Detector2D) Detect(frame video.Frame, r *roi.ROI) (Result, error) {
	if d.closed.Load() {
		return Result{}, ErrClosed
	}
	s := d.Settings()

	if frame.Empty() {
		return Result{}, fmt.Errorf("%w: frame %d", ErrEmptyFrame, frame.Index)
	}
	height, width := frame.Height(), frame.Width()

	region := image.Rect(0, 0, width, height)
	if r != nil {
		if !r.Within(height, width) {
			return Result{}, fmt.Errorf("%w: %s for %dx%d frame %d", ErrROIBounds, r, width, height, frame.Index)
		}
		region = r.Rect()
	}

	gray := gocv.NewMat()
	defer gray.Close()
	switch frame.Mat.Type() {
	case gocv.MatTypeCV8UC1:
		frame.Mat.CopyTo(&gray)
	case gocv.MatTypeCV8UC3:
		gocv.CvtColor(frame.Mat, &gray, gocv.ColorBGRToGray)
	case gocv.MatTypeCV8UC4:
		gocv.CvtColor(frame.Mat, &gray, gocv.ColorBGRAToGray)
	default:
		return Result{}, fmt.Errorf("%w: frame %d has mat type %v", ErrChannels, frame.Index, frame.Mat.Type())
	}

	if s.CoarseDetection {
		roiMat := gray.Region(region)
		if window, ok := coarseWindow(roiMat, s); ok {
			region = window.Add(region.Min)
		}
		roiMat.Close()
	}

	result := Result{
		FrameIndex: frame.Index,
		Timestamp:  frame.Timestamp.Seconds(),
		Method:     Method2D,
	}

	work := gray.Region(region)
	defer work.Close()

	best, found := d.detectIn(work, s)
	if !found {
		c := Point2f{
			X: float64(region.Min.X+region.Max.X) / 2,
			Y: float64(region.Min.Y+region.Max.Y) / 2,
		}
		result.Ellipse = Ellipse{Center: c}
		result.NormPos = normalize(c, width, height)
		return result, nil
	}

	best.ellipse.Center.X += float64(region.Min.X)
	best.ellipse.Center.Y += float64(region.Min.Y)
	result.Ellipse = best.ellipse
	result.Diameter = best.ellipse.Major()
	result.Confidence = math.Min(1, best.support)
	result.NormPos = normalize(best.ellipse.Center, width, height)
	return result, nil
}

// detectIn runs the blob and edge stages on a gray region and returns the
// best candidate in region coordinates
func (d *Detector2D) detectIn(work gocv.Mat, s Settings) (candidate, bool) {
	blurred := gocv.NewMat()
	defer blurred.Close()
	if s.BlurSize > 1 {
		gocv.MedianBlur(work, &blurred, s.BlurSize)
	} else {
		work.CopyTo(&blurred)
	}

	spike := lowestSpike(blurred)
	threshold := spike + s.IntensityRange
	if threshold > 255 {
		threshold = 255
	}

	mask := gocv.NewMat()
	defer mask.Close()
	gocv.Threshold(blurred, &mask, float32(threshold), 255, gocv.ThresholdBinaryInv)

	kernel := gocv.GetStructuringElement(gocv.MorphEllipse, image.Pt(5, 5))
	defer kernel.Close()
	gocv.MorphologyEx(mask, &mask, gocv.MorphClose, kernel)

	low := s.CannyThreshold * sobelGain[3] / sobelGain[s.CannyAperture]
	edges := gocv.NewMat()
	defer edges.Close()
	gocv.Canny(blurred, &edges, float32(low), float32(low*s.CannyRatio))
	edgeBytes := edges.ToBytes()

	contours := gocv.FindContours(mask, gocv.RetrievalExternal, gocv.ChainApproxNone)
	defer contours.Close()

	var candidates []candidate
	for i := 0; i < contours.Size(); i++ {
		pv := contours.At(i)
		if pv.Size() < s.ContourSizeMin {
			continue
		}
		c, ok := evaluate(pv, s)
		if !ok {
			continue
		}
		c.support = edgeSupport(c.ellipse, edgeBytes, edges.Cols(), edges.Rows(), s.EllipseTrueSupportMinDist)
		c.goodness = math.Pow(c.support, s.SupportPixelRatioExponent)
		candidates = append(candidates, c)
	}

	if len(candidates) == 0 {
		return candidate{}, false
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].strong != candidates[j].strong {
			return candidates[i].strong
		}
		return candidates[i].goodness > candidates[j].goodness
	})

	d.logger.Debug("Pupil candidates ranked",
		"spike", spike,
		"contours", contours.Size(),
		"candidates", len(candidates),
		"best_support", candidates[0].support,
	)
	return candidates[0], true
}

// evaluate fits an ellipse to one contour and applies the shape gates
func evaluate(pv gocv.PointVector, s Settings) (candidate, bool) {
	pts := pv.ToPoints()
	e, ok := fitEllipseMoments(pts)
	if !ok {
		return candidate{}, false
	}

	major, minor := e.Major(), e.Minor()
	if major < s.PupilSizeMin || major > s.PupilSizeMax {
		return candidate{}, false
	}
	if minor/major < s.EllipseRoundnessRatio {
		return candidate{}, false
	}
	if e.meanFitError(pts) > s.InitialEllipseFitThreshold {
		return candidate{}, false
	}

	perimeterRatio := gocv.ArcLength(pv, true) / e.circumference()
	if !s.FinalPerimeterRatioRange.Contains(perimeterRatio) {
		return candidate{}, false
	}
	areaRatio := gocv.ContourArea(pv) / e.area()

	return candidate{
		ellipse: e,
		strong:  s.StrongPerimeterRatioRange.Contains(perimeterRatio) && s.StrongAreaRatioRange.Contains(areaRatio),
	}, true
}

// coarseWindow finds the darkest CoarseFilterMin sized block of img on a
// downscaled copy and returns a CoarseFilterMax square around it, clipped to
// img. ok is false when img is already no larger than the window.
func coarseWindow(img gocv.Mat, s Settings) (image.Rectangle, bool) {
	rows, cols := img.Rows(), img.Cols()
	if rows <= s.CoarseFilterMax && cols <= s.CoarseFilterMax {
		return image.Rectangle{}, false
	}

	small := gocv.NewMat()
	defer small.Close()
	gocv.Resize(img, &small, image.Point{}, coarseScale, coarseScale, gocv.InterpolationArea)

	k := int(float64(s.CoarseFilterMin)*coarseScale) | 1
	if k > small.Cols() || k > small.Rows() {
		return image.Rectangle{}, false
	}
	box := gocv.NewMat()
	defer box.Close()
	gocv.Blur(small, &box, image.Pt(k, k))

	_, _, minLoc, _ := gocv.MinMaxLoc(box)
	cx := int(float64(minLoc.X) / coarseScale)
	cy := int(float64(minLoc.Y) / coarseScale)

	half := s.CoarseFilterMax / 2
	window := image.Rect(cx-half, cy-half, cx-half+s.CoarseFilterMax, cy-half+s.CoarseFilterMax)
	window = window.Intersect(image.Rect(0, 0, cols, rows))
	if window.Empty() {
		return image.Rectangle{}, false
	}
	return window, true
}

// lowestSpike returns the darkest intensity whose histogram count reaches a
// small share of the region, ignoring isolated dark noise pixels
func lowestSpike(img gocv.Mat) int {
	hist := gocv.NewMat()
	defer hist.Close()
	mask := gocv.NewMat()
	defer mask.Close()
	gocv.CalcHist([]gocv.Mat{img}, []int{0}, mask, &hist, []int{256}, []float64{0, 256}, false)

	minCount := float32(img.Rows()*img.Cols()) * 0.001
	if minCount < 1 {
		minCount = 1
	}
	for i := 0; i < 256; i++ {
		if hist.GetFloatAt(i, 0) >= minCount {
			return i
		}
	}
	return 0
}

func normalize(p Point2f, width, height int) Point2f {
	return Point2f{
		X: p.X / float64(width),
		Y: 1 - p.Y/float64(height),
	}
}
