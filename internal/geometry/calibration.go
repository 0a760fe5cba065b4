package geometry

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// ErrNoCalibration is returned when a caller asks for real-world units but
// neither a scale factor nor a homography has been configured. Speed must
// then be reported in pixels/second and flagged as uncalibrated.
var ErrNoCalibration = errors.New("no calibration configured")

// homographyMinPairs is the number of pixel/world correspondences needed to
// constrain the eight homography parameters.
const homographyMinPairs = 4

// Calibration converts pixel measurements into real-world units. Either a
// scalar metres-per-pixel factor or a 3x3 planar homography may be
// configured; the zero value means no calibration. Read-only after
// construction, so a single instance is safe to share across components.
type Calibration struct {
	scale float64    // metres per pixel, 0 when unset
	h     *mat.Dense // 3x3 homography, nil when unset
}

// NewScaleCalibration builds a linear calibration from a metres-per-pixel
// factor.
func NewScaleCalibration(metresPerPixel float64) (*Calibration, error) {
	if metresPerPixel <= 0 || math.IsNaN(metresPerPixel) || math.IsInf(metresPerPixel, 0) {
		return nil, fmt.Errorf("metres-per-pixel factor must be positive, got %v", metresPerPixel)
	}
	return &Calibration{scale: metresPerPixel}, nil
}

// NewHomography builds a perspective-correct calibration from at least four
// pixel->world point correspondences using the direct linear transform.
// With exactly four pairs the system is solved exactly; with more it is
// solved in the least-squares sense.
func NewHomography(pixel, world []Point) (*Calibration, error) {
	if len(pixel) != len(world) {
		return nil, fmt.Errorf("homography point counts differ: %d pixel vs %d world", len(pixel), len(world))
	}
	if len(pixel) < homographyMinPairs {
		return nil, fmt.Errorf("homography needs at least %d point pairs, got %d", homographyMinPairs, len(pixel))
	}

	// Each correspondence (x,y) -> (X,Y) contributes two rows to A*h = b
	// with h = [h11 h12 h13 h21 h22 h23 h31 h32] and h33 fixed at 1:
	//   [x y 1 0 0 0 -X*x -X*y] . h = X
	//   [0 0 0 x y 1 -Y*x -Y*y] . h = Y
	n := len(pixel)
	a := mat.NewDense(2*n, 8, nil)
	b := mat.NewVecDense(2*n, nil)
	for i := 0; i < n; i++ {
		x, y := pixel[i].X, pixel[i].Y
		wx, wy := world[i].X, world[i].Y
		a.SetRow(2*i, []float64{x, y, 1, 0, 0, 0, -wx * x, -wx * y})
		a.SetRow(2*i+1, []float64{0, 0, 0, x, y, 1, -wy * x, -wy * y})
		b.SetVec(2*i, wx)
		b.SetVec(2*i+1, wy)
	}

	var h mat.VecDense
	if err := h.SolveVec(a, b); err != nil {
		return nil, fmt.Errorf("homography solve failed (degenerate correspondences?): %w", err)
	}

	m := mat.NewDense(3, 3, []float64{
		h.AtVec(0), h.AtVec(1), h.AtVec(2),
		h.AtVec(3), h.AtVec(4), h.AtVec(5),
		h.AtVec(6), h.AtVec(7), 1,
	})
	return &Calibration{h: m}, nil
}

// Configured reports whether any calibration is set.
func (c *Calibration) Configured() bool {
	return c != nil && (c.scale > 0 || c.h != nil)
}

// MapPoint maps a pixel coordinate into world coordinates (metres).
func (c *Calibration) MapPoint(p Point) (Point, error) {
	if !c.Configured() {
		return Point{}, ErrNoCalibration
	}
	if c.h == nil {
		return Point{X: p.X * c.scale, Y: p.Y * c.scale}, nil
	}
	w := c.h.At(2, 0)*p.X + c.h.At(2, 1)*p.Y + c.h.At(2, 2)
	if math.Abs(w) < 1e-12 {
		return Point{}, fmt.Errorf("homography maps point (%v, %v) to infinity", p.X, p.Y)
	}
	return Point{
		X: (c.h.At(0, 0)*p.X + c.h.At(0, 1)*p.Y + c.h.At(0, 2)) / w,
		Y: (c.h.At(1, 0)*p.X + c.h.At(1, 1)*p.Y + c.h.At(1, 2)) / w,
	}, nil
}

// Distance returns the real-world distance in metres between two pixel
// coordinates. Returns ErrNoCalibration when nothing is configured.
func (c *Calibration) Distance(a, b Point) (float64, error) {
	if !c.Configured() {
		return 0, ErrNoCalibration
	}
	if c.h == nil {
		return PixelDistance(a, b) * c.scale, nil
	}
	wa, err := c.MapPoint(a)
	if err != nil {
		return 0, err
	}
	wb, err := c.MapPoint(b)
	if err != nil {
		return 0, err
	}
	return PixelDistance(wa, wb), nil
}

// PolygonArea returns the polygon's area in square metres. For a scale
// calibration the pixel area scales by factor squared; for a homography the
// vertices are mapped into world coordinates first.
func (c *Calibration) PolygonArea(p Polygon) (float64, error) {
	if !c.Configured() {
		return 0, ErrNoCalibration
	}
	if c.h == nil {
		return p.Area() * c.scale * c.scale, nil
	}
	mapped := make(Polygon, len(p))
	for i, v := range p {
		w, err := c.MapPoint(v)
		if err != nil {
			return 0, err
		}
		mapped[i] = w
	}
	return mapped.Area(), nil
}
