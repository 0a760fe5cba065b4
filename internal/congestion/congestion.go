// Package congestion derives per-frame and windowed occupancy, density and
// capacity-utilisation metrics from the set of ROI-resident tracks.
package congestion

import (
	"fmt"

	"gonum.org/v1/gonum/stat"

	"github.com/roadscope-data/roi.report/internal/geometry"
)

// DefaultWindowSec is the trailing aggregation window when none is
// configured. Smooths frame-to-frame noise from brief occlusions.
const DefaultWindowSec = 5.0

// Config holds the estimator's run-wide parameters.
type Config struct {
	ROI geometry.Polygon

	// Calibration, when configured, converts the ROI area to square metres
	// so density is vehicles/m² rather than vehicles/px².
	Calibration *geometry.Calibration

	// Capacity is the maximum number of vehicles the region is considered
	// able to hold. Utilisation is occupancy / Capacity.
	Capacity int

	// WindowSec is the trailing window for mean/peak aggregates.
	WindowSec float64

	// ClampUtilisation caps the utilisation ratio at 1. Off by default so
	// over-capacity situations are surfaced rather than hidden.
	ClampUtilisation bool
}

// Sample is one per-frame congestion metric record. Immutable once emitted;
// one sample per processed frame, independent of track finalization timing.
type Sample struct {
	FrameIndex   int
	TimestampSec float64

	Occupancy           int
	Density             float64
	CapacityUtilisation float64

	WindowMeanOccupancy float64
	WindowPeakOccupancy int
	WindowMeanDensity   float64
	WindowPeakDensity   float64

	// AreaCalibrated is false when density is per square pixel because no
	// calibration was configured.
	AreaCalibrated bool
}

// Estimator produces the congestion sample series for one run.
type Estimator struct {
	cfg            Config
	area           float64
	areaCalibrated bool
	window         []Sample
}

// NewEstimator validates the configuration and resolves the ROI area once,
// in calibrated units when a calibration is available.
func NewEstimator(cfg Config) (*Estimator, error) {
	if err := cfg.ROI.Validate(); err != nil {
		return nil, err
	}
	if cfg.Capacity <= 0 {
		return nil, fmt.Errorf("congestion capacity must be positive, got %d", cfg.Capacity)
	}
	if cfg.WindowSec <= 0 {
		cfg.WindowSec = DefaultWindowSec
	}

	e := &Estimator{cfg: cfg}
	if cfg.Calibration.Configured() {
		area, err := cfg.Calibration.PolygonArea(cfg.ROI)
		if err != nil {
			return nil, fmt.Errorf("calibrate ROI area: %w", err)
		}
		e.area = area
		e.areaCalibrated = true
	} else {
		e.area = cfg.ROI.Area()
	}
	return e, nil
}

// AreaCalibrated reports whether density is in calibrated units.
func (e *Estimator) AreaCalibrated() bool {
	return e.areaCalibrated
}

// Area returns the resolved ROI area (m² when calibrated, px² otherwise).
func (e *Estimator) Area() float64 {
	return e.area
}

// Sample records the frame's occupancy and returns the derived congestion
// metrics including trailing-window aggregates.
func (e *Estimator) Sample(frameIndex int, tsSec float64, occupancy int) Sample {
	s := Sample{
		FrameIndex:     frameIndex,
		TimestampSec:   tsSec,
		Occupancy:      occupancy,
		AreaCalibrated: e.areaCalibrated,
	}
	if e.area > 0 {
		s.Density = float64(occupancy) / e.area
	}
	s.CapacityUtilisation = float64(occupancy) / float64(e.cfg.Capacity)
	if e.cfg.ClampUtilisation && s.CapacityUtilisation > 1 {
		s.CapacityUtilisation = 1
	}

	// Trim the trailing window, then aggregate over it including this frame.
	e.window = append(e.window, s)
	cutoff := tsSec - e.cfg.WindowSec
	start := 0
	for start < len(e.window) && e.window[start].TimestampSec < cutoff {
		start++
	}
	e.window = e.window[start:]

	occs := make([]float64, len(e.window))
	dens := make([]float64, len(e.window))
	peakOcc := 0
	peakDen := 0.0
	for i, w := range e.window {
		occs[i] = float64(w.Occupancy)
		dens[i] = w.Density
		if w.Occupancy > peakOcc {
			peakOcc = w.Occupancy
		}
		if w.Density > peakDen {
			peakDen = w.Density
		}
	}
	s.WindowMeanOccupancy = stat.Mean(occs, nil)
	s.WindowPeakOccupancy = peakOcc
	s.WindowMeanDensity = stat.Mean(dens, nil)
	s.WindowPeakDensity = peakDen

	// Store the enriched sample so window peaks survive re-aggregation.
	e.window[len(e.window)-1] = s
	return s
}
