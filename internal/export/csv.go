// Package export writes analysis records as CSV, one file per record kind.
// Speeds are converted to the configured display unit on the way out; the
// engine itself always works in m/s.
package export

import (
	"encoding/csv"
	"fmt"
	"io"

	"github.com/roadscope-data/roi.report/internal/congestion"
	"github.com/roadscope-data/roi.report/internal/engine"
	"github.com/roadscope-data/roi.report/internal/units"
)

// CSVWriter wraps csv.Writer with methods for each record stream.
type CSVWriter struct {
	Tracks     *csv.Writer
	Congestion *csv.Writer
	Speeds     *csv.Writer

	targetUnits string
	wroteHeader bool
}

var _ engine.Sink = (*CSVWriter)(nil)

// NewCSVWriter creates a CSVWriter emitting to the three given writers.
// Any writer may be nil to skip that stream. targetUnits selects the speed
// display unit (uncalibrated speeds stay in px/s regardless).
func NewCSVWriter(tracks, cong, speeds io.Writer, targetUnits string) *CSVWriter {
	w := &CSVWriter{targetUnits: targetUnits}
	if tracks != nil {
		w.Tracks = csv.NewWriter(tracks)
	}
	if cong != nil {
		w.Congestion = csv.NewWriter(cong)
	}
	if speeds != nil {
		w.Speeds = csv.NewWriter(speeds)
	}
	w.writeHeaders()
	return w
}

func (w *CSVWriter) writeHeaders() {
	if w.wroteHeader {
		return
	}
	w.wroteHeader = true
	if w.Tracks != nil {
		w.Tracks.Write([]string{
			"track_id", "class",
			"total_waiting_sec", "entry_count", "first_entry_sec", "last_exit_sec",
			"has_speed", "avg_speed", "peak_speed", "p50_speed", "p85_speed", "p95_speed",
			"speed_samples", "speed_units",
			"first_seen_sec", "last_seen_sec", "observation_count", "avg_confidence",
		})
	}
	if w.Congestion != nil {
		w.Congestion.Write([]string{
			"frame_index", "ts_sec",
			"occupancy", "density", "capacity_utilisation",
			"window_mean_occupancy", "window_peak_occupancy",
			"window_mean_density", "window_peak_density", "area_calibrated",
		})
	}
	if w.Speeds != nil {
		w.Speeds.Write([]string{
			"interval_start_sec", "interval_end_sec",
			"avg_speed", "speed_units", "sample_count", "track_count",
		})
	}
}

// displaySpeed converts an m/s value for output. Uncalibrated values pass
// through untouched since px/s has no unit conversion.
func (w *CSVWriter) displaySpeed(mps float64, uncalibrated bool) float64 {
	if uncalibrated {
		return mps
	}
	return units.ConvertSpeed(mps, w.targetUnits)
}

// RecordTrack writes one finalized track row. Speed columns are blank, not
// zero, for tracks with no speed estimate.
func (w *CSVWriter) RecordTrack(rec engine.TrackRecord) error {
	if w.Tracks == nil {
		return nil
	}
	row := []string{
		rec.TrackID, rec.Class,
		fmt.Sprintf("%.3f", rec.TotalWaitingSec),
		fmt.Sprintf("%d", rec.EntryCount),
		fmt.Sprintf("%.3f", rec.FirstEntrySec),
		fmt.Sprintf("%.3f", rec.LastExitSec),
		fmt.Sprintf("%t", rec.HasSpeed),
	}
	if rec.HasSpeed {
		row = append(row,
			fmt.Sprintf("%.3f", w.displaySpeed(rec.AvgSpeed, rec.SpeedUncalibrated)),
			fmt.Sprintf("%.3f", w.displaySpeed(rec.PeakSpeed, rec.SpeedUncalibrated)),
			fmt.Sprintf("%.3f", w.displaySpeed(rec.P50Speed, rec.SpeedUncalibrated)),
			fmt.Sprintf("%.3f", w.displaySpeed(rec.P85Speed, rec.SpeedUncalibrated)),
			fmt.Sprintf("%.3f", w.displaySpeed(rec.P95Speed, rec.SpeedUncalibrated)),
			fmt.Sprintf("%d", rec.SpeedSamples),
			units.Label(w.targetUnits, rec.SpeedUncalibrated),
		)
	} else {
		row = append(row, "", "", "", "", "", "0", "")
	}
	row = append(row,
		fmt.Sprintf("%.3f", rec.FirstSeenSec),
		fmt.Sprintf("%.3f", rec.LastSeenSec),
		fmt.Sprintf("%d", rec.ObservationCount),
		fmt.Sprintf("%.3f", rec.AvgConfidence),
	)
	return w.Tracks.Write(row)
}

// RecordCongestion writes one per-frame congestion row.
func (w *CSVWriter) RecordCongestion(s congestion.Sample) error {
	if w.Congestion == nil {
		return nil
	}
	return w.Congestion.Write([]string{
		fmt.Sprintf("%d", s.FrameIndex),
		fmt.Sprintf("%.3f", s.TimestampSec),
		fmt.Sprintf("%d", s.Occupancy),
		fmt.Sprintf("%.6f", s.Density),
		fmt.Sprintf("%.4f", s.CapacityUtilisation),
		fmt.Sprintf("%.4f", s.WindowMeanOccupancy),
		fmt.Sprintf("%d", s.WindowPeakOccupancy),
		fmt.Sprintf("%.6f", s.WindowMeanDensity),
		fmt.Sprintf("%.6f", s.WindowPeakDensity),
		fmt.Sprintf("%t", s.AreaCalibrated),
	})
}

// RecordSpeedInterval writes one interval-averaged speed row.
func (w *CSVWriter) RecordSpeedInterval(rec engine.SpeedIntervalRecord) error {
	if w.Speeds == nil {
		return nil
	}
	return w.Speeds.Write([]string{
		fmt.Sprintf("%.3f", rec.IntervalStartSec),
		fmt.Sprintf("%.3f", rec.IntervalEndSec),
		fmt.Sprintf("%.3f", w.displaySpeed(rec.AvgSpeed, rec.Uncalibrated)),
		units.Label(w.targetUnits, rec.Uncalibrated),
		fmt.Sprintf("%d", rec.SampleCount),
		fmt.Sprintf("%d", rec.TrackCount),
	})
}

// Flush drains all buffered rows and reports the first write error.
func (w *CSVWriter) Flush() error {
	for _, cw := range []*csv.Writer{w.Tracks, w.Congestion, w.Speeds} {
		if cw == nil {
			continue
		}
		cw.Flush()
		if err := cw.Error(); err != nil {
			return fmt.Errorf("flush csv: %w", err)
		}
	}
	return nil
}
