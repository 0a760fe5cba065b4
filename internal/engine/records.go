package engine

import (
	"github.com/roadscope-data/roi.report/internal/congestion"
	"github.com/roadscope-data/roi.report/internal/trackstore"
)

// FrameBatch is all tracker observations for one frame. Observations within
// a batch are unordered; batches themselves arrive in frame order.
type FrameBatch struct {
	FrameIndex   int
	TimestampSec float64
	Observations []trackstore.Observation
}

// ObservationSource yields frame batches in stream order. Next returns
// io.EOF when the stream is exhausted.
type ObservationSource interface {
	Next() (FrameBatch, error)

	// TotalFrames returns the expected frame count for progress reporting,
	// or 0 when unknown (live sources).
	TotalFrames() int
}

// TrackRecord is the immutable per-track summary emitted exactly once, at
// finalization. Speed fields are meaningful only when HasSpeed is true:
// a track observed for fewer than two qualifying samples has no speed, and
// absence is never encoded as zero.
type TrackRecord struct {
	TrackID string  `json:"track_id"`
	Class   string  `json:"class"`
	RunID   string  `json:"run_id,omitempty"`

	TotalWaitingSec float64 `json:"total_waiting_sec"`
	EntryCount      int     `json:"entry_count"`
	FirstEntrySec   float64 `json:"first_entry_sec"`
	LastExitSec     float64 `json:"last_exit_sec"`

	HasSpeed         bool    `json:"has_speed"`
	AvgSpeed         float64 `json:"avg_speed"`
	PeakSpeed        float64 `json:"peak_speed"`
	P50Speed         float64 `json:"p50_speed"`
	P85Speed         float64 `json:"p85_speed"`
	P95Speed         float64 `json:"p95_speed"`
	SpeedSamples     int     `json:"speed_samples"`
	SpeedUncalibrated bool   `json:"speed_uncalibrated"`

	FirstSeenSec     float64 `json:"first_seen_sec"`
	LastSeenSec      float64 `json:"last_seen_sec"`
	ObservationCount int     `json:"observation_count"`
	AvgConfidence    float64 `json:"avg_confidence"`
}

// SpeedIntervalRecord is the scene-wide average speed over one fixed time
// interval, aggregated across every estimate produced during it. Intervals
// with no estimates are not emitted.
type SpeedIntervalRecord struct {
	IntervalStartSec float64 `json:"interval_start_sec"`
	IntervalEndSec   float64 `json:"interval_end_sec"`
	AvgSpeed         float64 `json:"avg_speed"`
	SampleCount      int     `json:"sample_count"`
	TrackCount       int     `json:"track_count"`
	Uncalibrated     bool    `json:"uncalibrated"`
}

// Sink receives the engine's output records. Record methods are called from
// the single Run goroutine, in deterministic order; Flush is called once at
// end of stream or cancellation.
type Sink interface {
	RecordTrack(rec TrackRecord) error
	RecordCongestion(s congestion.Sample) error
	RecordSpeedInterval(rec SpeedIntervalRecord) error
	Flush() error
}

// MultiSink fans records out to several sinks in order. The first error
// stops the fan-out and is returned.
type MultiSink []Sink

func (m MultiSink) RecordTrack(rec TrackRecord) error {
	for _, s := range m {
		if err := s.RecordTrack(rec); err != nil {
			return err
		}
	}
	return nil
}

func (m MultiSink) RecordCongestion(cs congestion.Sample) error {
	for _, s := range m {
		if err := s.RecordCongestion(cs); err != nil {
			return err
		}
	}
	return nil
}

func (m MultiSink) RecordSpeedInterval(rec SpeedIntervalRecord) error {
	for _, s := range m {
		if err := s.RecordSpeedInterval(rec); err != nil {
			return err
		}
	}
	return nil
}

func (m MultiSink) Flush() error {
	var firstErr error
	for _, s := range m {
		if err := s.Flush(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
