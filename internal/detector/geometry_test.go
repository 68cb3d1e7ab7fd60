package detector

import (
	"encoding/json"
	"image"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func circlePoints(cx, cy, r float64, n int) []image.Point {
	pts := make([]image.Point, 0, n)
	for i := 0; i < n; i++ {
		t := 2 * math.Pi * float64(i) / float64(n)
		p := image.Pt(int(math.Round(cx+r*math.Cos(t))), int(math.Round(cy+r*math.Sin(t))))
		if len(pts) > 0 && pts[len(pts)-1] == p {
			continue
		}
		pts = append(pts, p)
	}
	return pts
}

func TestFitEllipseMomentsRectangle(t *testing.T) {
	// Axis aligned 40x20 rectangle: variance w²/12 per axis
	pts := []image.Point{{0, 0}, {40, 0}, {40, 20}, {0, 20}}
	e, ok := fitEllipseMoments(pts)
	require.True(t, ok)

	assert.InDelta(t, 20, e.Center.X, 1e-9)
	assert.InDelta(t, 10, e.Center.Y, 1e-9)
	assert.InDelta(t, 4*math.Sqrt(1600.0/12)+1, e.Axes.X, 1e-9)
	assert.InDelta(t, 4*math.Sqrt(400.0/12)+1, e.Axes.Y, 1e-9)
	assert.InDelta(t, 0, e.Angle, 1e-9)
}

func TestFitEllipseMomentsCircle(t *testing.T) {
	e, ok := fitEllipseMoments(circlePoints(50, 60, 30, 720))
	require.True(t, ok)

	assert.InDelta(t, 50, e.Center.X, 0.1)
	assert.InDelta(t, 60, e.Center.Y, 0.1)
	assert.InDelta(t, 61, e.Major(), 1)
	assert.InDelta(t, e.Major(), e.Minor(), 0.5)
}

func TestFitEllipseMomentsOrientationIndependent(t *testing.T) {
	cw := []image.Point{{0, 0}, {40, 0}, {40, 20}, {0, 20}}
	ccw := []image.Point{{0, 20}, {40, 20}, {40, 0}, {0, 0}}

	a, ok := fitEllipseMoments(cw)
	require.True(t, ok)
	b, ok := fitEllipseMoments(ccw)
	require.True(t, ok)
	assert.InDelta(t, a.Axes.X, b.Axes.X, 1e-9)
	assert.InDelta(t, a.Center.Y, b.Center.Y, 1e-9)
}

func TestFitEllipseMomentsDegenerate(t *testing.T) {
	_, ok := fitEllipseMoments([]image.Point{{0, 0}, {10, 0}})
	assert.False(t, ok)

	_, ok = fitEllipseMoments([]image.Point{{0, 0}, {10, 0}, {20, 0}, {10, 0}})
	assert.False(t, ok)
}

func TestEllipseCircumference(t *testing.T) {
	circle := Ellipse{Axes: Point2f{X: 20, Y: 20}}
	assert.InDelta(t, 2*math.Pi*10, circle.circumference(), 1e-9)

	flat := Ellipse{Axes: Point2f{X: 40, Y: 20}}
	// Known value for semi-axes 20 and 10
	assert.InDelta(t, 96.884, flat.circumference(), 0.01)

	assert.Zero(t, Ellipse{}.circumference())
}

func TestEllipseRadialDistance(t *testing.T) {
	e := Ellipse{Center: Point2f{X: 100, Y: 100}, Axes: Point2f{X: 40, Y: 20}}

	assert.InDelta(t, 0, e.radialDistance(120, 100), 1e-9)
	assert.InDelta(t, 0, e.radialDistance(100, 110), 1e-9)
	assert.InDelta(t, 5, e.radialDistance(125, 100), 1e-9)
	assert.InDelta(t, 5, e.radialDistance(100, 95), 1e-9)

	rotated := e
	rotated.Angle = 90
	assert.InDelta(t, 0, rotated.radialDistance(100, 120), 1e-9)
}

func TestEdgeSupport(t *testing.T) {
	const w, h = 100, 100
	e := Ellipse{Center: Point2f{X: 50, Y: 50}, Axes: Point2f{X: 40, Y: 40}}

	edges := make([]byte, w*h)
	assert.Zero(t, edgeSupport(e, edges, w, h, 2.5))

	for _, p := range e.outline() {
		edges[int(math.Round(p.Y))*w+int(math.Round(p.X))] = 255
	}
	assert.InDelta(t, 1, edgeSupport(e, edges, w, h, 2.5), 1e-9)

	// Only the right half of the outline
	half := make([]byte, w*h)
	for _, p := range e.outline() {
		if p.X > 51 {
			half[int(math.Round(p.Y))*w+int(math.Round(p.X))] = 255
		}
	}
	assert.InDelta(t, 0.5, edgeSupport(e, half, w, h, 1), 0.1)
}

func TestResultJSON(t *testing.T) {
	r := Result{
		FrameIndex: 7,
		Timestamp:  0.25,
		Ellipse: Ellipse{
			Center: Point2f{X: 320.5, Y: 240},
			Axes:   Point2f{X: 40, Y: 20},
			Angle:  15,
		},
		Diameter:   40,
		Confidence: 0.9,
		NormPos:    Point2f{X: 0.5, Y: 0.5},
		Method:     Method2D,
	}

	data, err := json.Marshal(r)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"id": 7,
		"timestamp": 0.25,
		"ellipse": {"center": [320.5, 240], "axes": [40, 20], "angle": 15},
		"diameter": 40,
		"confidence": 0.9,
		"norm_pos": [0.5, 0.5],
		"method": "2d gocv"
	}`, string(data))

	var back Result
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, r, back)

	assert.Error(t, json.Unmarshal([]byte(`{"norm_pos": {"x": 1}}`), &back))
}
