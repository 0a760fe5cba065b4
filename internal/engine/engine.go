// Package engine drives one analysis run: it pulls frame batches from an
// observation source, routes them through the track store, speed estimators
// and congestion estimator, and emits finalized records to its sink.
//
// A run is single-threaded. One goroutine owns all mutable state, so the
// hot path takes no locks; only the progress counters are atomic so a
// reporting server can observe a run in flight.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync/atomic"

	"github.com/roadscope-data/roi.report/internal/congestion"
	"github.com/roadscope-data/roi.report/internal/geometry"
	"github.com/roadscope-data/roi.report/internal/speed"
	"github.com/roadscope-data/roi.report/internal/trackstore"
	"github.com/roadscope-data/roi.report/internal/waiting"
)

// ErrAlreadyRan is returned by Run when the engine has already consumed a
// stream. Engines are single-use; build a fresh one per run.
var ErrAlreadyRan = errors.New("engine has already run")

// State is the engine's lifecycle phase.
type State int32

const (
	StateReady State = iota
	StateProcessing
	StateDone
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateProcessing:
		return "processing"
	case StateDone:
		return "done"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Options holds one run's full parameter set. Supplied once at construction;
// read-only during the run.
type Options struct {
	ROI         geometry.Polygon
	Calibration *geometry.Calibration
	RunID       string

	Anchor             trackstore.Anchor
	GracePeriodSec     float64
	MinContainedFrames int
	MaxSamplesPerTrack int
	KeepFinalized      bool

	SpeedWindow         int
	MinSpeedElapsedSec  float64
	SpeedRegionWide     bool
	AvgSpeedIntervalSec float64

	CongestionWindowSec float64
	Capacity            int
	ClampUtilisation    bool

	// Classes restricts analysis to the named object classes.
	// nil keeps everything.
	Classes map[string]bool
}

// Progress is a point-in-time snapshot of a run, safe to read from any
// goroutine while Run executes.
type Progress struct {
	State               State   `json:"state"`
	FramesProcessed     int64   `json:"frames_processed"`
	TotalFrames         int64   `json:"total_frames"`
	TracksLive          int64   `json:"tracks_live"`
	TracksFinalized     int64   `json:"tracks_finalized"`
	ObservationsDropped int64   `json:"observations_dropped"`
	LastTimestampSec    float64 `json:"last_timestamp_sec"`
}

// Engine owns the state for a single run.
type Engine struct {
	opts  Options
	store *trackstore.Store
	cong  *congestion.Estimator
	sink  Sink

	estimators map[string]*speed.Estimator

	// Scene-wide interval-averaged speed accumulator.
	bucketIdx    int64
	bucketActive bool
	bucketSum    float64
	bucketCount  int
	bucketUncal  bool
	bucketTracks map[string]bool

	state           atomic.Int32
	framesProcessed atomic.Int64
	totalFrames     atomic.Int64
	tracksLive      atomic.Int64
	tracksFinalized atomic.Int64
	dropped         atomic.Int64
	lastTsMilli     atomic.Int64
}

// New validates the options and builds a ready engine writing to sink.
func New(opts Options, sink Sink) (*Engine, error) {
	if sink == nil {
		return nil, errors.New("engine requires a sink")
	}
	if opts.GracePeriodSec <= 0 {
		opts.GracePeriodSec = 1.0
	}
	if opts.AvgSpeedIntervalSec <= 0 {
		opts.AvgSpeedIntervalSec = 2.0
	}
	if opts.Capacity <= 0 {
		opts.Capacity = 10
	}

	store, err := trackstore.New(trackstore.Config{
		ROI:                opts.ROI,
		Anchor:             opts.Anchor,
		GracePeriodSec:     opts.GracePeriodSec,
		MinContainedFrames: opts.MinContainedFrames,
		MaxSamplesPerTrack: opts.MaxSamplesPerTrack,
		KeepFinalized:      opts.KeepFinalized,
	})
	if err != nil {
		return nil, fmt.Errorf("track store: %w", err)
	}

	cong, err := congestion.NewEstimator(congestion.Config{
		ROI:              opts.ROI,
		Calibration:      opts.Calibration,
		Capacity:         opts.Capacity,
		WindowSec:        opts.CongestionWindowSec,
		ClampUtilisation: opts.ClampUtilisation,
	})
	if err != nil {
		return nil, fmt.Errorf("congestion estimator: %w", err)
	}

	return &Engine{
		opts:         opts,
		store:        store,
		cong:         cong,
		sink:         sink,
		estimators:   make(map[string]*speed.Estimator),
		bucketTracks: make(map[string]bool),
	}, nil
}

// State returns the engine's current lifecycle phase.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// Progress returns a snapshot of the run's counters.
func (e *Engine) Progress() Progress {
	return Progress{
		State:               e.State(),
		FramesProcessed:     e.framesProcessed.Load(),
		TotalFrames:         e.totalFrames.Load(),
		TracksLive:          e.tracksLive.Load(),
		TracksFinalized:     e.tracksFinalized.Load(),
		ObservationsDropped: e.dropped.Load(),
		LastTimestampSec:    float64(e.lastTsMilli.Load()) / 1000,
	}
}

// Run consumes the source to exhaustion. On io.EOF every remaining live
// track is force-finalized and the sink flushed. On context cancellation
// the sink is flushed with whatever was emitted so far and ctx.Err()
// returned; records already emitted remain valid.
func (e *Engine) Run(ctx context.Context, src ObservationSource) error {
	if !e.state.CompareAndSwap(int32(StateReady), int32(StateProcessing)) {
		return ErrAlreadyRan
	}
	e.totalFrames.Store(int64(src.TotalFrames()))
	diagf("run %s starting: %d expected frames, capacity %d, grace %.2fs",
		e.opts.RunID, src.TotalFrames(), e.opts.Capacity, e.opts.GracePeriodSec)

	var lastTs float64
	for {
		if err := ctx.Err(); err != nil {
			e.state.Store(int32(StateCancelled))
			opsf("run %s cancelled after %d frames", e.opts.RunID, e.framesProcessed.Load())
			if ferr := e.sink.Flush(); ferr != nil {
				opsf("flush on cancel: %v", ferr)
			}
			return err
		}

		batch, err := src.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			e.state.Store(int32(StateCancelled))
			if ferr := e.sink.Flush(); ferr != nil {
				opsf("flush on source error: %v", ferr)
			}
			return fmt.Errorf("observation source: %w", err)
		}

		if err := e.processFrame(batch); err != nil {
			e.state.Store(int32(StateCancelled))
			return err
		}
		lastTs = batch.TimestampSec
	}

	// End of stream. Identities still live are presumed gone; their open
	// residency closes at the last contained sample, not the stream end.
	done := e.store.FinalizeAll(lastTs)
	for _, tr := range done {
		if err := e.emitTrack(tr); err != nil {
			e.state.Store(int32(StateCancelled))
			return err
		}
	}
	e.tracksLive.Store(0)

	if err := e.flushSpeedBucket(); err != nil {
		e.state.Store(int32(StateCancelled))
		return err
	}
	if err := e.sink.Flush(); err != nil {
		e.state.Store(int32(StateCancelled))
		return fmt.Errorf("flush sink: %w", err)
	}

	e.state.Store(int32(StateDone))
	diagf("run %s done: %d frames, %d tracks finalized, %d observations dropped",
		e.opts.RunID, e.framesProcessed.Load(), e.tracksFinalized.Load(), e.dropped.Load())
	return nil
}

// processFrame applies one frame batch and emits the frame's outputs.
func (e *Engine) processFrame(batch FrameBatch) error {
	for _, obs := range batch.Observations {
		if e.opts.Classes != nil && !e.opts.Classes[obs.Class] {
			tracef("frame %d: skipping class %q (track %s)", batch.FrameIndex, obs.Class, obs.TrackID)
			continue
		}

		res, err := e.store.Apply(obs)
		if err != nil {
			// Out-of-order samples are dropped, never fatal. Anything that
			// breaks monotonic time is tracker noise by the stream contract.
			e.dropped.Add(1)
			diagf("frame %d: %v", batch.FrameIndex, err)
			continue
		}

		est, ok := e.estimatorFor(obs.TrackID).Observe(
			res.Sample.Pos, res.Sample.TimestampSec, res.Sample.Inside)
		if ok {
			if err := e.accumulateSpeed(obs.TrackID, est); err != nil {
				return fmt.Errorf("record speed interval: %w", err)
			}
		}

		if res.Entered {
			tracef("frame %d: track %s entered ROI", batch.FrameIndex, obs.TrackID)
		}
		if res.Exited {
			tracef("frame %d: track %s exited ROI", batch.FrameIndex, obs.TrackID)
		}
	}

	// Grace-period sweep runs after the whole frame so that same-frame
	// observations cannot race their own finalization.
	for _, tr := range e.store.Sweep(batch.TimestampSec) {
		if err := e.emitTrack(tr); err != nil {
			return err
		}
	}

	cs := e.cong.Sample(batch.FrameIndex, batch.TimestampSec, e.store.Occupancy())
	if err := e.sink.RecordCongestion(cs); err != nil {
		return fmt.Errorf("record congestion: %w", err)
	}

	e.framesProcessed.Add(1)
	e.tracksLive.Store(int64(e.store.LiveCount()))
	e.lastTsMilli.Store(int64(batch.TimestampSec * 1000))
	return nil
}

// estimatorFor returns the per-identity speed estimator, creating it on
// first sight of the identity.
func (e *Engine) estimatorFor(trackID string) *speed.Estimator {
	est, ok := e.estimators[trackID]
	if !ok {
		est = speed.NewEstimator(speed.Config{
			WindowSize:    e.opts.SpeedWindow,
			MinElapsedSec: e.opts.MinSpeedElapsedSec,
			RegionWide:    e.opts.SpeedRegionWide,
			Calibration:   e.opts.Calibration,
		})
		e.estimators[trackID] = est
	}
	return est
}

// emitTrack reduces a finalized track to its record and hands it to the
// sink. The track's speed estimator is released here; a later reuse of the
// same external ID is a new identity and gets a fresh one.
func (e *Engine) emitTrack(tr *trackstore.Track) error {
	rec := TrackRecord{
		TrackID:          tr.ID,
		Class:            tr.Class,
		RunID:            e.opts.RunID,
		TotalWaitingSec:  waiting.Total(tr),
		EntryCount:       waiting.Entries(tr),
		FirstSeenSec:     tr.FirstSeenSec,
		LastSeenSec:      tr.LastSeenSec,
		ObservationCount: tr.ObservationCount,
		AvgConfidence:    tr.AvgConfidence(),
	}
	if sec, ok := waiting.FirstEntry(tr); ok {
		rec.FirstEntrySec = sec
	}
	if sec, ok := waiting.LastExit(tr); ok {
		rec.LastExitSec = sec
	}

	if est, ok := e.estimators[tr.ID]; ok {
		if sum, ok := est.Summary(); ok {
			rec.HasSpeed = true
			rec.AvgSpeed = sum.Average
			rec.PeakSpeed = sum.Peak
			rec.P50Speed = sum.P50
			rec.P85Speed = sum.P85
			rec.P95Speed = sum.P95
			rec.SpeedSamples = sum.SampleCount
			rec.SpeedUncalibrated = sum.Uncalibrated
		}
		delete(e.estimators, tr.ID)
	}

	e.tracksFinalized.Add(1)
	if err := e.sink.RecordTrack(rec); err != nil {
		return fmt.Errorf("record track %s: %w", tr.ID, err)
	}
	return nil
}

// accumulateSpeed folds one instantaneous estimate into the fixed-cadence
// scene-wide average, emitting the previous interval when the estimate
// crosses a boundary. A sink failure aborts the run like any other record
// stream.
func (e *Engine) accumulateSpeed(trackID string, est speed.Estimate) error {
	idx := int64(math.Floor(est.TimestampSec / e.opts.AvgSpeedIntervalSec))
	if e.bucketActive && idx != e.bucketIdx {
		if err := e.flushSpeedBucket(); err != nil {
			return err
		}
	}
	if !e.bucketActive {
		e.bucketActive = true
		e.bucketIdx = idx
	}
	e.bucketSum += est.Speed
	e.bucketCount++
	e.bucketUncal = e.bucketUncal || est.Uncalibrated
	e.bucketTracks[trackID] = true
	return nil
}

// flushSpeedBucket emits the open speed interval, if any, and resets the
// accumulator.
func (e *Engine) flushSpeedBucket() error {
	if !e.bucketActive || e.bucketCount == 0 {
		return nil
	}
	rec := SpeedIntervalRecord{
		IntervalStartSec: float64(e.bucketIdx) * e.opts.AvgSpeedIntervalSec,
		IntervalEndSec:   float64(e.bucketIdx+1) * e.opts.AvgSpeedIntervalSec,
		AvgSpeed:         e.bucketSum / float64(e.bucketCount),
		SampleCount:      e.bucketCount,
		TrackCount:       len(e.bucketTracks),
		Uncalibrated:     e.bucketUncal,
	}
	e.bucketActive = false
	e.bucketSum = 0
	e.bucketCount = 0
	e.bucketUncal = false
	e.bucketTracks = make(map[string]bool)
	return e.sink.RecordSpeedInterval(rec)
}
