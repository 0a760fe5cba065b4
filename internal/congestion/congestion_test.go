package congestion

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roadscope-data/roi.report/internal/geometry"
)

func squareROI() geometry.Polygon {
	return geometry.Polygon{{X: 0, Y: 0}, {X: 10, Y: 0}, {X: 10, Y: 10}, {X: 0, Y: 10}}
}

func TestNewEstimatorValidation(t *testing.T) {
	t.Parallel()

	_, err := NewEstimator(Config{ROI: geometry.Polygon{{X: 0, Y: 0}}, Capacity: 5})
	assert.ErrorIs(t, err, geometry.ErrMalformedROI)

	_, err = NewEstimator(Config{ROI: squareROI(), Capacity: 0})
	assert.Error(t, err)
}

func TestSamplePixelDensityAndUtilisation(t *testing.T) {
	t.Parallel()
	e, err := NewEstimator(Config{ROI: squareROI(), Capacity: 5})
	require.NoError(t, err)
	assert.False(t, e.AreaCalibrated())
	assert.InDelta(t, 100.0, e.Area(), 1e-9)

	s := e.Sample(0, 1.0, 2)
	assert.Equal(t, 2, s.Occupancy)
	assert.InDelta(t, 0.02, s.Density, 1e-9)
	assert.InDelta(t, 0.4, s.CapacityUtilisation, 1e-9)
	assert.False(t, s.AreaCalibrated)
}

func TestSampleCalibratedArea(t *testing.T) {
	t.Parallel()
	cal, err := geometry.NewScaleCalibration(0.5)
	require.NoError(t, err)

	e, err := NewEstimator(Config{ROI: squareROI(), Calibration: cal, Capacity: 5})
	require.NoError(t, err)
	assert.True(t, e.AreaCalibrated())
	assert.InDelta(t, 25.0, e.Area(), 1e-9) // 100 px² at 0.25 m²/px²

	s := e.Sample(0, 1.0, 5)
	assert.InDelta(t, 0.2, s.Density, 1e-9) // 5 vehicles / 25 m²
	assert.True(t, s.AreaCalibrated)
}

func TestUtilisationUnclampedByDefault(t *testing.T) {
	t.Parallel()
	e, err := NewEstimator(Config{ROI: squareROI(), Capacity: 4})
	require.NoError(t, err)

	s := e.Sample(0, 1.0, 6)
	assert.InDelta(t, 1.5, s.CapacityUtilisation, 1e-9)
}

func TestUtilisationClamped(t *testing.T) {
	t.Parallel()
	e, err := NewEstimator(Config{ROI: squareROI(), Capacity: 4, ClampUtilisation: true})
	require.NoError(t, err)

	s := e.Sample(0, 1.0, 6)
	assert.InDelta(t, 1.0, s.CapacityUtilisation, 1e-9)
}

func TestWindowAggregates(t *testing.T) {
	t.Parallel()
	e, err := NewEstimator(Config{ROI: squareROI(), Capacity: 10, WindowSec: 2.0})
	require.NoError(t, err)

	e.Sample(0, 0.0, 1)
	e.Sample(1, 1.0, 3)
	s := e.Sample(2, 2.0, 2)

	assert.InDelta(t, 2.0, s.WindowMeanOccupancy, 1e-9)
	assert.Equal(t, 3, s.WindowPeakOccupancy)

	// The t=0 sample drops out of the window at t=3.
	s = e.Sample(3, 3.0, 2)
	assert.InDelta(t, (3.0+2.0+2.0)/3.0, s.WindowMeanOccupancy, 1e-9)
	assert.Equal(t, 3, s.WindowPeakOccupancy)
}

func TestZeroOccupancy(t *testing.T) {
	t.Parallel()
	e, err := NewEstimator(Config{ROI: squareROI(), Capacity: 5})
	require.NoError(t, err)

	s := e.Sample(0, 1.0, 0)
	assert.Zero(t, s.Occupancy)
	assert.Zero(t, s.Density)
	assert.Zero(t, s.CapacityUtilisation)
	assert.Zero(t, s.WindowMeanOccupancy)
}
