package geometry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func square() Polygon {
	return Polygon{{X: 0, Y: 0}, {X: 10, Y: 0}, {X: 10, Y: 10}, {X: 0, Y: 10}}
}

func TestPolygonValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		poly    Polygon
		wantErr bool
	}{
		{"square ok", square(), false},
		{"triangle ok", Polygon{{0, 0}, {4, 0}, {2, 3}}, false},
		{"two points", Polygon{{0, 0}, {1, 1}}, true},
		{"collinear zero area", Polygon{{0, 0}, {1, 1}, {2, 2}}, true},
		{"self intersecting bowtie", Polygon{{0, 0}, {10, 10}, {10, 0}, {0, 10}}, true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.poly.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformedROI)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestPolygonContains(t *testing.T) {
	t.Parallel()
	poly := square()

	tests := []struct {
		name string
		p    Point
		want bool
	}{
		{"centre", Point{5, 5}, true},
		{"outside", Point{15, 5}, false},
		{"on edge", Point{10, 5}, true},
		{"on vertex", Point{0, 0}, true},
		{"just outside edge", Point{10.001, 5}, false},
		{"on bottom edge", Point{5, 0}, true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, poly.Contains(tt.p))
		})
	}
}

func TestPolygonContainsConcave(t *testing.T) {
	t.Parallel()
	// L-shape: the notch around (7,7) is outside.
	poly := Polygon{{0, 0}, {10, 0}, {10, 5}, {5, 5}, {5, 10}, {0, 10}}
	assert.True(t, poly.Contains(Point{2, 8}))
	assert.True(t, poly.Contains(Point{8, 2}))
	assert.False(t, poly.Contains(Point{8, 8}))
}

func TestPolygonArea(t *testing.T) {
	t.Parallel()
	assert.InDelta(t, 100.0, square().Area(), 1e-9)
	tri := Polygon{{0, 0}, {4, 0}, {0, 3}}
	assert.InDelta(t, 6.0, tri.Area(), 1e-9)
	// Winding order must not flip the sign.
	reversed := Polygon{{0, 10}, {10, 10}, {10, 0}, {0, 0}}
	assert.InDelta(t, 100.0, reversed.Area(), 1e-9)
}

func TestPolygonCentroid(t *testing.T) {
	t.Parallel()
	c := square().Centroid()
	assert.InDelta(t, 5.0, c.X, 1e-9)
	assert.InDelta(t, 5.0, c.Y, 1e-9)
}

func TestPixelDistance(t *testing.T) {
	t.Parallel()
	assert.InDelta(t, 5.0, PixelDistance(Point{0, 0}, Point{3, 4}), 1e-9)
	assert.InDelta(t, 0.0, PixelDistance(Point{1, 1}, Point{1, 1}), 1e-9)
}

func TestScaleCalibration(t *testing.T) {
	t.Parallel()
	cal, err := NewScaleCalibration(0.1)
	require.NoError(t, err)
	require.True(t, cal.Configured())

	d, err := cal.Distance(Point{0, 0}, Point{30, 40})
	require.NoError(t, err)
	assert.InDelta(t, 5.0, d, 1e-9) // 50 px at 0.1 m/px

	area, err := cal.PolygonArea(square())
	require.NoError(t, err)
	assert.InDelta(t, 1.0, area, 1e-9) // 100 px² at 0.01 m²/px²

	_, err = NewScaleCalibration(0)
	assert.Error(t, err)
	_, err = NewScaleCalibration(-1)
	assert.Error(t, err)
}

func TestNilCalibrationIsUnconfigured(t *testing.T) {
	t.Parallel()
	var cal *Calibration
	assert.False(t, cal.Configured())
}

func TestHomographyIdentity(t *testing.T) {
	t.Parallel()
	// Unit correspondences give the identity mapping.
	pts := []Point{{0, 0}, {1, 0}, {1, 1}, {0, 1}}
	cal, err := NewHomography(pts, pts)
	require.NoError(t, err)
	require.True(t, cal.Configured())

	mapped, err := cal.MapPoint(Point{0.25, 0.75})
	require.NoError(t, err)
	assert.InDelta(t, 0.25, mapped.X, 1e-6)
	assert.InDelta(t, 0.75, mapped.Y, 1e-6)
}

func TestHomographyScaleAndTranslate(t *testing.T) {
	t.Parallel()
	// World = pixel * 0.5 + (10, 20).
	pixel := []Point{{0, 0}, {100, 0}, {100, 100}, {0, 100}}
	world := []Point{{10, 20}, {60, 20}, {60, 70}, {10, 70}}
	cal, err := NewHomography(pixel, world)
	require.NoError(t, err)

	mapped, err := cal.MapPoint(Point{50, 50})
	require.NoError(t, err)
	assert.InDelta(t, 35.0, mapped.X, 1e-6)
	assert.InDelta(t, 45.0, mapped.Y, 1e-6)

	d, err := cal.Distance(Point{0, 0}, Point{100, 0})
	require.NoError(t, err)
	assert.InDelta(t, 50.0, d, 1e-6)

	area, err := cal.PolygonArea(Polygon{{0, 0}, {100, 0}, {100, 100}, {0, 100}})
	require.NoError(t, err)
	assert.InDelta(t, 2500.0, area, 1e-4)
}

func TestHomographyRequiresFourPairs(t *testing.T) {
	t.Parallel()
	pts := []Point{{0, 0}, {1, 0}, {1, 1}}
	_, err := NewHomography(pts, pts)
	assert.Error(t, err)
}
