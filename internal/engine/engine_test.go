package engine

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roadscope-data/roi.report/internal/congestion"
	"github.com/roadscope-data/roi.report/internal/geometry"
	"github.com/roadscope-data/roi.report/internal/trackstore"
)

// sliceSource replays pre-built frame batches.
type sliceSource struct {
	frames []FrameBatch
	pos    int
}

func (s *sliceSource) Next() (FrameBatch, error) {
	if s.pos >= len(s.frames) {
		return FrameBatch{}, io.EOF
	}
	f := s.frames[s.pos]
	s.pos++
	return f, nil
}

func (s *sliceSource) TotalFrames() int { return len(s.frames) }

// captureSink records everything it receives.
type captureSink struct {
	tracks     []TrackRecord
	congestion []congestion.Sample
	speeds     []SpeedIntervalRecord
	flushed    int
}

func (c *captureSink) RecordTrack(rec TrackRecord) error           { c.tracks = append(c.tracks, rec); return nil }
func (c *captureSink) RecordCongestion(s congestion.Sample) error  { c.congestion = append(c.congestion, s); return nil }
func (c *captureSink) RecordSpeedInterval(r SpeedIntervalRecord) error {
	c.speeds = append(c.speeds, r)
	return nil
}
func (c *captureSink) Flush() error { c.flushed++; return nil }

func squareROI() geometry.Polygon {
	return geometry.Polygon{{X: 0, Y: 0}, {X: 10, Y: 0}, {X: 10, Y: 10}, {X: 0, Y: 10}}
}

// obsAt builds an observation whose centroid anchor lands at (x, y).
func obsAt(id string, x, y float64, frame int, ts float64) trackstore.Observation {
	return trackstore.Observation{
		TrackID:      id,
		Class:        "car",
		BBox:         trackstore.BBox{X1: x - 1, Y1: y - 1, X2: x + 1, Y2: y + 1},
		Confidence:   0.9,
		FrameIndex:   frame,
		TimestampSec: ts,
	}
}

func frame(idx int, ts float64, obs ...trackstore.Observation) FrameBatch {
	return FrameBatch{FrameIndex: idx, TimestampSec: ts, Observations: obs}
}

func runEngine(t *testing.T, opts Options, frames []FrameBatch) *captureSink {
	t.Helper()
	sink := &captureSink{}
	eng, err := New(opts, sink)
	require.NoError(t, err)
	require.NoError(t, eng.Run(context.Background(), &sliceSource{frames: frames}))
	require.Equal(t, StateDone, eng.State())
	return sink
}

func TestRunSingleVisit(t *testing.T) {
	t.Parallel()
	// Outside at t=0, inside t=1..3, outside t=4. The interval closes at the
	// last contained sample, so waiting is exactly 2.0s with one entry.
	frames := []FrameBatch{
		frame(0, 0.0, obsAt("v1", 20, 5, 0, 0.0)),
		frame(1, 1.0, obsAt("v1", 5, 5, 1, 1.0)),
		frame(2, 2.0, obsAt("v1", 5, 6, 2, 2.0)),
		frame(3, 3.0, obsAt("v1", 5, 7, 3, 3.0)),
		frame(4, 4.0, obsAt("v1", 20, 7, 4, 4.0)),
	}
	sink := runEngine(t, Options{ROI: squareROI()}, frames)

	require.Len(t, sink.tracks, 1)
	rec := sink.tracks[0]
	assert.Equal(t, "v1", rec.TrackID)
	assert.InDelta(t, 2.0, rec.TotalWaitingSec, 1e-9)
	assert.Equal(t, 1, rec.EntryCount)
	assert.InDelta(t, 1.0, rec.FirstEntrySec, 1e-9)
	assert.InDelta(t, 3.0, rec.LastExitSec, 1e-9)
	assert.Equal(t, 5, rec.ObservationCount)
	assert.Equal(t, 1, sink.flushed)
}

func TestRunReEntryAccumulates(t *testing.T) {
	t.Parallel()
	// Two one-second residencies split by an excursion: waiting sums to 2.0
	// and the circling shows up as two entries.
	frames := []FrameBatch{
		frame(0, 1.0, obsAt("v1", 5, 5, 0, 1.0)),
		frame(1, 2.0, obsAt("v1", 5, 6, 1, 2.0)),
		frame(2, 3.0, obsAt("v1", 20, 6, 2, 3.0)),
		frame(3, 4.0, obsAt("v1", 5, 6, 3, 4.0)),
		frame(4, 5.0, obsAt("v1", 5, 7, 4, 5.0)),
		frame(5, 6.0, obsAt("v1", 20, 7, 5, 6.0)),
	}
	sink := runEngine(t, Options{ROI: squareROI()}, frames)

	require.Len(t, sink.tracks, 1)
	rec := sink.tracks[0]
	assert.InDelta(t, 2.0, rec.TotalWaitingSec, 1e-9)
	assert.Equal(t, 2, rec.EntryCount)
}

func TestRunCalibratedSpeed(t *testing.T) {
	t.Parallel()
	// 100 px/s at 0.1 m/px must read exactly 10 m/s.
	cal, err := geometry.NewScaleCalibration(0.1)
	require.NoError(t, err)

	roi := geometry.Polygon{{X: 0, Y: 0}, {X: 1000, Y: 0}, {X: 1000, Y: 100}, {X: 0, Y: 100}}
	var frames []FrameBatch
	for i := 0; i < 10; i++ {
		ts := float64(i) * 0.1
		frames = append(frames, frame(i, ts, obsAt("v1", 10+float64(i)*10, 50, i, ts)))
	}
	sink := runEngine(t, Options{ROI: roi, Calibration: cal}, frames)

	require.Len(t, sink.tracks, 1)
	rec := sink.tracks[0]
	require.True(t, rec.HasSpeed)
	assert.InDelta(t, 10.0, rec.AvgSpeed, 1e-9)
	assert.InDelta(t, 10.0, rec.PeakSpeed, 1e-9)
	assert.False(t, rec.SpeedUncalibrated)

	require.NotEmpty(t, sink.speeds)
	assert.InDelta(t, 10.0, sink.speeds[0].AvgSpeed, 1e-9)
	assert.Equal(t, 1, sink.speeds[0].TrackCount)
}

func TestRunCongestionMetrics(t *testing.T) {
	t.Parallel()
	// Two of five allowed vehicles in a 100 px² region: occupancy 2,
	// density 0.02/px², utilisation 0.4.
	frames := []FrameBatch{
		frame(0, 1.0,
			obsAt("v1", 3, 3, 0, 1.0),
			obsAt("v2", 7, 7, 0, 1.0),
			obsAt("v3", 50, 50, 0, 1.0)),
	}
	sink := runEngine(t, Options{ROI: squareROI(), Capacity: 5}, frames)

	require.Len(t, sink.congestion, 1)
	cs := sink.congestion[0]
	assert.Equal(t, 2, cs.Occupancy)
	assert.InDelta(t, 0.02, cs.Density, 1e-9)
	assert.InDelta(t, 0.4, cs.CapacityUtilisation, 1e-9)
	assert.False(t, cs.AreaCalibrated)
}

func TestRunSpeedAbsentNotZero(t *testing.T) {
	t.Parallel()
	frames := []FrameBatch{
		frame(0, 1.0, obsAt("v1", 5, 5, 0, 1.0)),
	}
	sink := runEngine(t, Options{ROI: squareROI()}, frames)

	require.Len(t, sink.tracks, 1)
	assert.False(t, sink.tracks[0].HasSpeed)
	assert.Equal(t, 0, sink.tracks[0].SpeedSamples)
}

func TestRunReplayIsIdentical(t *testing.T) {
	t.Parallel()
	build := func() []FrameBatch {
		var frames []FrameBatch
		for i := 0; i < 30; i++ {
			ts := float64(i) * 0.2
			frames = append(frames, frame(i, ts,
				obsAt("a", float64(i%12), 5, i, ts),
				obsAt("b", 5, float64(i%12), i, ts),
				obsAt("c", 30, 30, i, ts),
			))
		}
		return frames
	}
	opts := Options{ROI: squareROI(), GracePeriodSec: 0.5, Capacity: 3}

	first := runEngine(t, opts, build())
	second := runEngine(t, opts, build())

	if diff := cmp.Diff(first.tracks, second.tracks); diff != "" {
		t.Errorf("track records differ between replays:\n%s", diff)
	}
	if diff := cmp.Diff(first.congestion, second.congestion); diff != "" {
		t.Errorf("congestion samples differ between replays:\n%s", diff)
	}
	if diff := cmp.Diff(first.speeds, second.speeds); diff != "" {
		t.Errorf("speed intervals differ between replays:\n%s", diff)
	}
}

// failingSpeedSink accepts everything except speed interval records.
type failingSpeedSink struct {
	captureSink
}

func (f *failingSpeedSink) RecordSpeedInterval(SpeedIntervalRecord) error {
	return errors.New("sink full")
}

func TestRunAbortsWhenSpeedIntervalSinkFails(t *testing.T) {
	t.Parallel()
	// A track moving through two averaging intervals forces the first bucket
	// to be emitted mid-run; the sink failure must abort the run the same way
	// a track or congestion record failure does.
	var frames []FrameBatch
	for i := 0; i < 6; i++ {
		ts := float64(i) * 0.5
		frames = append(frames, frame(i, ts, obsAt("v1", float64(1+i), 5, i, ts)))
	}
	sink := &failingSpeedSink{}
	eng, err := New(Options{ROI: squareROI(), AvgSpeedIntervalSec: 1.0}, sink)
	require.NoError(t, err)

	err = eng.Run(context.Background(), &sliceSource{frames: frames})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "record speed interval")
	assert.Equal(t, StateCancelled, eng.State())
}

func TestRunGraceSweepFinalizesSilentTracks(t *testing.T) {
	t.Parallel()
	// v1 goes silent at t=1; with a 0.5s grace it must be finalized by the
	// sweep at t=2 while v2 is still live.
	frames := []FrameBatch{
		frame(0, 1.0, obsAt("v1", 5, 5, 0, 1.0), obsAt("v2", 6, 6, 0, 1.0)),
		frame(1, 2.0, obsAt("v2", 6, 7, 1, 2.0)),
		frame(2, 3.0, obsAt("v2", 6, 8, 2, 3.0)),
	}
	sink := runEngine(t, Options{ROI: squareROI(), GracePeriodSec: 0.5}, frames)

	require.Len(t, sink.tracks, 2)
	assert.Equal(t, "v1", sink.tracks[0].TrackID)
	assert.Equal(t, "v2", sink.tracks[1].TrackID)
}

func TestRunDropsOutOfOrderObservations(t *testing.T) {
	t.Parallel()
	frames := []FrameBatch{
		frame(0, 1.0, obsAt("v1", 5, 5, 0, 1.0)),
		frame(1, 2.0, obsAt("v1", 5, 6, 1, 2.0)),
		frame(2, 3.0, obsAt("v1", 5, 7, 2, 2.0)), // stale timestamp
	}
	sink := &captureSink{}
	eng, err := New(Options{ROI: squareROI()}, sink)
	require.NoError(t, err)
	require.NoError(t, eng.Run(context.Background(), &sliceSource{frames: frames}))

	assert.Equal(t, int64(1), eng.Progress().ObservationsDropped)
	require.Len(t, sink.tracks, 1)
	assert.Equal(t, 2, sink.tracks[0].ObservationCount)
}

func TestRunClassFilter(t *testing.T) {
	t.Parallel()
	obs := obsAt("p1", 5, 5, 0, 1.0)
	obs.Class = "person"
	frames := []FrameBatch{
		frame(0, 1.0, obs, obsAt("v1", 6, 6, 0, 1.0)),
	}
	sink := runEngine(t, Options{
		ROI:     squareROI(),
		Classes: map[string]bool{"car": true},
	}, frames)

	require.Len(t, sink.tracks, 1)
	assert.Equal(t, "v1", sink.tracks[0].TrackID)
	assert.Equal(t, 1, sink.congestion[0].Occupancy)
}

func TestRunEmptyStream(t *testing.T) {
	t.Parallel()
	sink := runEngine(t, Options{ROI: squareROI()}, nil)
	assert.Empty(t, sink.tracks)
	assert.Empty(t, sink.congestion)
	assert.Equal(t, 1, sink.flushed)
}

func TestRunCancellationFlushes(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sink := &captureSink{}
	eng, err := New(Options{ROI: squareROI()}, sink)
	require.NoError(t, err)

	err = eng.Run(ctx, &sliceSource{frames: []FrameBatch{frame(0, 1.0)}})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateCancelled, eng.State())
	assert.Equal(t, 1, sink.flushed)
}

func TestRunIsSingleUse(t *testing.T) {
	t.Parallel()
	sink := &captureSink{}
	eng, err := New(Options{ROI: squareROI()}, sink)
	require.NoError(t, err)
	require.NoError(t, eng.Run(context.Background(), &sliceSource{}))

	err = eng.Run(context.Background(), &sliceSource{})
	assert.ErrorIs(t, err, ErrAlreadyRan)
}

func TestRunProgress(t *testing.T) {
	t.Parallel()
	frames := []FrameBatch{
		frame(0, 1.0, obsAt("v1", 5, 5, 0, 1.0)),
		frame(1, 2.0, obsAt("v1", 5, 6, 1, 2.0)),
	}
	sink := &captureSink{}
	eng, err := New(Options{ROI: squareROI()}, sink)
	require.NoError(t, err)
	require.NoError(t, eng.Run(context.Background(), &sliceSource{frames: frames}))

	p := eng.Progress()
	assert.Equal(t, StateDone, p.State)
	assert.Equal(t, int64(2), p.FramesProcessed)
	assert.Equal(t, int64(2), p.TotalFrames)
	assert.Equal(t, int64(1), p.TracksFinalized)
	assert.InDelta(t, 2.0, p.LastTimestampSec, 1e-9)
}
