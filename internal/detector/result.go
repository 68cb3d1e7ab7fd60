package detector

import (
	"encoding/json"
	"fmt"
	"math"
)

// Point2f is a sub-pixel image position. It encodes as a [x, y] pair.
type Point2f struct {
	X float64
	Y float64
}

// MarshalJSON encodes the point as [x, y]
func (p Point2f) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]float64{p.X, p.Y})
}

// UnmarshalJSON decodes a [x, y] pair
func (p *Point2f) UnmarshalJSON(data []byte) error {
	var pair [2]float64
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("point must be a [x, y] pair: %w", err)
	}
	p.X, p.Y = pair[0], pair[1]
	return nil
}

// Dist returns the euclidean distance to q
func (p Point2f) Dist(q Point2f) float64 {
	return math.Hypot(p.X-q.X, p.Y-q.Y)
}

// Ellipse is a fitted pupil outline. Axes holds full lengths with the major
// axis first and Angle is the major axis direction in degrees, in [0, 180).
type Ellipse struct {
	Center Point2f `json:"center"`
	Axes   Point2f `json:"axes"`
	Angle  float64 `json:"angle"`
}

// Major returns the major axis length
func (e Ellipse) Major() float64 {
	return math.Max(e.Axes.X, e.Axes.Y)
}

// Minor returns the minor axis length
func (e Ellipse) Minor() float64 {
	return math.Min(e.Axes.X, e.Axes.Y)
}

// Result is the detection outcome for one frame
type Result struct {
	FrameIndex int     `json:"id"`
	Timestamp  float64 `json:"timestamp"` // Seconds from stream start
	Ellipse    Ellipse `json:"ellipse"`
	Diameter   float64 `json:"diameter"`
	Confidence float64 `json:"confidence"`
	NormPos    Point2f `json:"norm_pos"`
	Method     string  `json:"method"`
	Error      string  `json:"error,omitempty"`
}

// Found reports whether the result carries a pupil candidate
func (r Result) Found() bool {
	return r.Confidence > 0 && r.Diameter > 0
}

// Failed returns a result marking frameIndex as not processed because of err
func Failed(frameIndex int, timestamp float64, method string, err error) Result {
	return Result{
		FrameIndex: frameIndex,
		Timestamp:  timestamp,
		Method:     method,
		Error:      err.Error(),
	}
}
