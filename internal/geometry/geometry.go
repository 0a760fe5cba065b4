// Package geometry provides polygon containment tests and pixel-to-world
// distance calibration for region-of-interest analytics.
//
// The containment rule is even-odd ray casting with the boundary treated as
// inside (closed region). A closed region avoids residency flicker when a
// tracked point rides exactly along an ROI edge for several frames.
package geometry

import (
	"errors"
	"fmt"
	"math"
)

// Point is a 2D coordinate. Pixel coordinates unless stated otherwise.
type Point struct {
	X float64
	Y float64
}

// Polygon is an ordered sequence of vertices forming a simple polygon.
// The closing edge from the last vertex back to the first is implicit.
type Polygon []Point

// ErrMalformedROI is returned when a polygon cannot serve as an ROI:
// fewer than three vertices, zero area, or self-intersecting edges.
// This is a configuration-time error; analysis runs must not start with it.
var ErrMalformedROI = errors.New("malformed ROI polygon")

// onSegmentEpsilon bounds the cross-product magnitude below which a point
// is considered collinear with a segment. Pixel coordinates are typically
// integral, so this only absorbs float rounding from upstream conversions.
const onSegmentEpsilon = 1e-9

// Validate checks that the polygon is a usable ROI.
func (p Polygon) Validate() error {
	if len(p) < 3 {
		return fmt.Errorf("%w: need at least 3 vertices, got %d", ErrMalformedROI, len(p))
	}
	if p.Area() == 0 {
		return fmt.Errorf("%w: zero area", ErrMalformedROI)
	}
	if p.selfIntersects() {
		return fmt.Errorf("%w: edges self-intersect", ErrMalformedROI)
	}
	return nil
}

// Contains reports whether pt lies inside the polygon. Boundary points are
// inside: the ROI is a closed region so a point sitting exactly on an edge
// counts as resident rather than flickering in and out.
func (p Polygon) Contains(pt Point) bool {
	n := len(p)
	if n < 3 {
		return false
	}

	// Boundary check first so the even-odd parity below never has to make a
	// call on an exactly-on-edge point.
	for i := 0; i < n; i++ {
		if onSegment(p[i], p[(i+1)%n], pt) {
			return true
		}
	}

	inside := false
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		vi, vj := p[i], p[j]
		if (vi.Y > pt.Y) != (vj.Y > pt.Y) {
			xCross := (vj.X-vi.X)*(pt.Y-vi.Y)/(vj.Y-vi.Y) + vi.X
			if pt.X < xCross {
				inside = !inside
			}
		}
	}
	return inside
}

// Area returns the polygon area via the shoelace formula. Always >= 0.
func (p Polygon) Area() float64 {
	n := len(p)
	if n < 3 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		j := (i + 1) % n
		sum += p[i].X*p[j].Y - p[j].X*p[i].Y
	}
	return math.Abs(sum) / 2
}

// Centroid returns the arithmetic mean of the vertices. Used only for
// chart annotations, not for containment decisions.
func (p Polygon) Centroid() Point {
	var c Point
	if len(p) == 0 {
		return c
	}
	for _, v := range p {
		c.X += v.X
		c.Y += v.Y
	}
	c.X /= float64(len(p))
	c.Y /= float64(len(p))
	return c
}

// PixelDistance returns the Euclidean distance between two points in pixels.
func PixelDistance(a, b Point) float64 {
	return math.Hypot(b.X-a.X, b.Y-a.Y)
}

// selfIntersects reports whether any two non-adjacent edges cross.
// Adjacent edges share a vertex by construction and are skipped.
func (p Polygon) selfIntersects() bool {
	n := len(p)
	for i := 0; i < n; i++ {
		a1 := p[i]
		a2 := p[(i+1)%n]
		for j := i + 1; j < n; j++ {
			// Skip the edge itself and the two edges sharing a vertex with it.
			if j == i || (j+1)%n == i || (i+1)%n == j {
				continue
			}
			b1 := p[j]
			b2 := p[(j+1)%n]
			if segmentsIntersect(a1, a2, b1, b2) {
				return true
			}
		}
	}
	return false
}

// orientation returns the signed cross product of (b-a) x (c-a):
// positive for counter-clockwise, negative for clockwise, ~0 for collinear.
func orientation(a, b, c Point) float64 {
	return (b.X-a.X)*(c.Y-a.Y) - (b.Y-a.Y)*(c.X-a.X)
}

// onSegment reports whether pt lies on the closed segment [a, b].
func onSegment(a, b, pt Point) bool {
	if math.Abs(orientation(a, b, pt)) > onSegmentEpsilon {
		return false
	}
	return pt.X >= math.Min(a.X, b.X)-onSegmentEpsilon &&
		pt.X <= math.Max(a.X, b.X)+onSegmentEpsilon &&
		pt.Y >= math.Min(a.Y, b.Y)-onSegmentEpsilon &&
		pt.Y <= math.Max(a.Y, b.Y)+onSegmentEpsilon
}

// segmentsIntersect reports whether closed segments [a1,a2] and [b1,b2]
// share any point.
func segmentsIntersect(a1, a2, b1, b2 Point) bool {
	o1 := orientation(a1, a2, b1)
	o2 := orientation(a1, a2, b2)
	o3 := orientation(b1, b2, a1)
	o4 := orientation(b1, b2, a2)

	if ((o1 > 0) != (o2 > 0)) && ((o3 > 0) != (o4 > 0)) {
		return true
	}

	// Collinear overlap cases.
	if onSegment(a1, a2, b1) || onSegment(a1, a2, b2) ||
		onSegment(b1, b2, a1) || onSegment(b1, b2, a2) {
		return true
	}
	return false
}
