package detector

import (
	"image"
	"math"
)

// fitEllipseMoments fits an ellipse to a closed contour from the second
// order moments of the polygon it encloses. Contours from FindContours run
// through the centers of the boundary pixels, so half a pixel is added back
// to each semi-axis. ok is false for degenerate polygons.
func fitEllipseMoments(pts []image.Point) (Ellipse, bool) {
	n := len(pts)
	if n < 3 {
		return Ellipse{}, false
	}

	var a, cx, cy, m20, m02, m11 float64
	for i := 0; i < n; i++ {
		x0, y0 := float64(pts[i].X), float64(pts[i].Y)
		x1, y1 := float64(pts[(i+1)%n].X), float64(pts[(i+1)%n].Y)
		c := x0*y1 - x1*y0
		a += c
		cx += (x0 + x1) * c
		cy += (y0 + y1) * c
		m20 += (x0*x0 + x0*x1 + x1*x1) * c
		m02 += (y0*y0 + y0*y1 + y1*y1) * c
		m11 += (x0*y1 + 2*x0*y0 + 2*x1*y1 + x1*y0) * c
	}
	a /= 2
	if math.Abs(a) < 1 {
		return Ellipse{}, false
	}

	cx /= 6 * a
	cy /= 6 * a
	mu20 := m20/(12*a) - cx*cx
	mu02 := m02/(12*a) - cy*cy
	mu11 := m11/(24*a) - cx*cy

	mean := (mu20 + mu02) / 2
	spread := math.Sqrt((mu20-mu02)*(mu20-mu02)/4 + mu11*mu11)
	l1, l2 := mean+spread, mean-spread
	if l2 <= 0 {
		return Ellipse{}, false
	}

	angle := 0.5 * math.Atan2(2*mu11, mu20-mu02) * 180 / math.Pi
	if angle < 0 {
		angle += 180
	}

	return Ellipse{
		Center: Point2f{X: cx, Y: cy},
		Axes:   Point2f{X: 4*math.Sqrt(l1) + 1, Y: 4*math.Sqrt(l2) + 1},
		Angle:  angle,
	}, true
}

// circumference is Ramanujan's approximation of the ellipse perimeter
func (e Ellipse) circumference() float64 {
	a, b := e.Axes.X/2, e.Axes.Y/2
	if a+b == 0 {
		return 0
	}
	h := (a - b) * (a - b) / ((a + b) * (a + b))
	return math.Pi * (a + b) * (1 + 3*h/(10+math.Sqrt(4-3*h)))
}

func (e Ellipse) area() float64 {
	return math.Pi * e.Axes.X * e.Axes.Y / 4
}

// toLocal maps p into the ellipse frame, major axis along x
func (e Ellipse) toLocal(x, y float64) (float64, float64) {
	rad := e.Angle * math.Pi / 180
	cos, sin := math.Cos(rad), math.Sin(rad)
	dx, dy := x-e.Center.X, y-e.Center.Y
	return dx*cos + dy*sin, -dx*sin + dy*cos
}

// radialDistance approximates the distance from (x, y) to the outline along
// the ray from the center
func (e Ellipse) radialDistance(x, y float64) float64 {
	lx, ly := e.toLocal(x, y)
	a, b := e.Axes.X/2, e.Axes.Y/2
	r := math.Sqrt(lx*lx/(a*a) + ly*ly/(b*b))
	d := math.Hypot(lx, ly)
	if r == 0 {
		return math.Min(a, b)
	}
	return d * math.Abs(1-1/r)
}

// meanFitError is the mean radial distance of pts to the outline
func (e Ellipse) meanFitError(pts []image.Point) float64 {
	if len(pts) == 0 {
		return math.Inf(1)
	}
	var sum float64
	for _, p := range pts {
		sum += e.radialDistance(float64(p.X), float64(p.Y))
	}
	return sum / float64(len(pts))
}

// outline samples points on the ellipse spaced roughly one pixel apart
func (e Ellipse) outline() []Point2f {
	n := int(math.Ceil(e.circumference()))
	if n < 16 {
		n = 16
	}
	rad := e.Angle * math.Pi / 180
	cos, sin := math.Cos(rad), math.Sin(rad)
	a, b := e.Axes.X/2, e.Axes.Y/2

	pts := make([]Point2f, n)
	for i := range pts {
		t := 2 * math.Pi * float64(i) / float64(n)
		lx, ly := a*math.Cos(t), b*math.Sin(t)
		pts[i] = Point2f{
			X: e.Center.X + lx*cos - ly*sin,
			Y: e.Center.Y + lx*sin + ly*cos,
		}
	}
	return pts
}

// edgeSupport returns the share of outline samples that have an edge pixel
// within maxDist. edges is a row-major 8-bit map of the given size.
func edgeSupport(e Ellipse, edges []byte, width, height int, maxDist float64) float64 {
	samples := e.outline()
	r := int(math.Ceil(maxDist))
	r2 := maxDist * maxDist

	supported := 0
	for _, p := range samples {
		px, py := int(math.Round(p.X)), int(math.Round(p.Y))
	search:
		for dy := -r; dy <= r; dy++ {
			y := py + dy
			if y < 0 || y >= height {
				continue
			}
			for dx := -r; dx <= r; dx++ {
				x := px + dx
				if x < 0 || x >= width || float64(dx*dx+dy*dy) > r2 {
					continue
				}
				if edges[y*width+x] != 0 {
					supported++
					break search
				}
			}
		}
	}
	return float64(supported) / float64(len(samples))
}
