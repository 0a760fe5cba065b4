// Package speed converts trajectory segments into smoothed speed estimates.
//
// Adjacent frame pairs are too jittery for a usable speed signal, so the
// estimator keeps a sliding window of the last N samples and measures the
// calibrated displacement between the window's endpoints over its elapsed
// time. Windows whose elapsed time falls below a minimum threshold are
// skipped rather than allowed to blow up the division.
package speed

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/roadscope-data/roi.report/internal/geometry"
)

// Default tuning. Overridable via Config.
const (
	DefaultWindowSize    = 5
	DefaultMinElapsedSec = 0.01
)

// Config holds per-run speed estimation parameters.
type Config struct {
	// WindowSize is the number of trailing samples bracketing an estimate.
	WindowSize int

	// MinElapsedSec skips estimates whose window spans less time than this
	// (near-duplicate timestamps).
	MinElapsedSec float64

	// RegionWide measures speed over all samples instead of only while the
	// track is continuously inside the ROI.
	RegionWide bool

	// Calibration converts pixel displacement to metres. When nil or
	// unconfigured, estimates are in pixels/second and flagged.
	Calibration *geometry.Calibration
}

func (c Config) withDefaults() Config {
	if c.WindowSize < 2 {
		c.WindowSize = DefaultWindowSize
	}
	if c.MinElapsedSec <= 0 {
		c.MinElapsedSec = DefaultMinElapsedSec
	}
	return c
}

// Estimate is one instantaneous speed sample.
type Estimate struct {
	TimestampSec float64
	Speed        float64 // m/s, or px/s when Uncalibrated
	Uncalibrated bool
}

// Summary aggregates a track's speed series. Produced at finalization.
// Speed is undefined, not zero, until at least two qualifying samples
// exist; callers must check ok from Estimator.Summary.
type Summary struct {
	Average      float64
	Peak         float64
	P50          float64
	P85          float64
	P95          float64
	SampleCount  int
	Uncalibrated bool
}

type windowSample struct {
	pos geometry.Point
	ts  float64
}

// Estimator computes the speed series for a single track. One estimator
// per identity; not safe for concurrent use, matching the single ordered
// call sequence of the pipeline.
type Estimator struct {
	cfg    Config
	window []windowSample
	series []Estimate
}

// NewEstimator builds an Estimator, applying defaults for zero fields.
func NewEstimator(cfg Config) *Estimator {
	cfg = cfg.withDefaults()
	return &Estimator{
		cfg:    cfg,
		window: make([]windowSample, 0, cfg.WindowSize),
	}
}

// Observe feeds one trajectory sample. Returns the new estimate and true
// when the window produced one. A sample outside the ROI breaks window
// continuity unless region-wide measurement is configured: residency gaps
// must not produce a phantom speed spanning the absence.
func (e *Estimator) Observe(pos geometry.Point, tsSec float64, inside bool) (Estimate, bool) {
	if !inside && !e.cfg.RegionWide {
		e.window = e.window[:0]
		return Estimate{}, false
	}

	e.window = append(e.window, windowSample{pos: pos, ts: tsSec})
	if len(e.window) > e.cfg.WindowSize {
		e.window = e.window[1:]
	}
	if len(e.window) < 2 {
		return Estimate{}, false
	}

	first := e.window[0]
	last := e.window[len(e.window)-1]
	elapsed := last.ts - first.ts
	if elapsed < e.cfg.MinElapsedSec {
		return Estimate{}, false
	}

	var dist float64
	uncal := false
	if e.cfg.Calibration.Configured() {
		d, err := e.cfg.Calibration.Distance(first.pos, last.pos)
		if err != nil {
			// Degenerate homography mapping for this pair; fall back to
			// pixel units for the sample rather than dropping it.
			dist = geometry.PixelDistance(first.pos, last.pos)
			uncal = true
		} else {
			dist = d
		}
	} else {
		dist = geometry.PixelDistance(first.pos, last.pos)
		uncal = true
	}

	est := Estimate{TimestampSec: tsSec, Speed: dist / elapsed, Uncalibrated: uncal}
	e.series = append(e.series, est)
	return est, true
}

// Series returns the instantaneous estimates produced so far.
func (e *Estimator) Series() []Estimate {
	return e.series
}

// Summary reduces the series to average, peak and percentile speeds.
// ok is false when no qualifying estimate was ever produced, in which case
// speed is reported as absent, never as zero.
func (e *Estimator) Summary() (Summary, bool) {
	if len(e.series) == 0 {
		return Summary{}, false
	}

	values := make([]float64, len(e.series))
	uncal := false
	peak := math.Inf(-1)
	for i, est := range e.series {
		values[i] = est.Speed
		if est.Speed > peak {
			peak = est.Speed
		}
		uncal = uncal || est.Uncalibrated
	}
	mean := stat.Mean(values, nil)

	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	return Summary{
		Average:      mean,
		Peak:         peak,
		P50:          stat.Quantile(0.50, stat.Empirical, sorted, nil),
		P85:          stat.Quantile(0.85, stat.Empirical, sorted, nil),
		P95:          stat.Quantile(0.95, stat.Empirical, sorted, nil),
		SampleCount:  len(values),
		Uncalibrated: uncal,
	}, true
}
