package db

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roadscope-data/roi.report/internal/congestion"
	"github.com/roadscope-data/roi.report/internal/engine"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	handle, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { handle.Close() })
	require.NoError(t, handle.MigrateUp())
	return handle
}

func TestMigrateUpIsIdempotent(t *testing.T) {
	t.Parallel()
	handle := openTestDB(t)
	require.NoError(t, handle.MigrateUp())

	version, dirty, err := handle.MigrateVersion()
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.Equal(t, uint(1), version)
}

func TestMigrateDown(t *testing.T) {
	t.Parallel()
	handle := openTestDB(t)
	require.NoError(t, handle.MigrateDown())

	version, dirty, err := handle.MigrateVersion()
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.Equal(t, uint(0), version)
}

func TestRunLifecycle(t *testing.T) {
	t.Parallel()
	handle := openTestDB(t)

	runID, err := handle.InsertRun("observations.jsonl", `{"max_capacity":5}`)
	require.NoError(t, err)
	require.NotEmpty(t, runID)

	require.NoError(t, handle.CompleteRun(runID, "done", 120, 7, 1))

	runs, err := handle.ListRuns()
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, runID, runs[0].RunID)
	assert.Equal(t, "done", runs[0].State)
	assert.Equal(t, int64(120), runs[0].FramesProcessed)
	assert.NotNil(t, runs[0].CompletedAt)
}

func TestSinkRoundTrip(t *testing.T) {
	t.Parallel()
	handle := openTestDB(t)

	runID, err := handle.InsertRun("test", "")
	require.NoError(t, err)
	sink := NewSink(handle, runID)

	track := engine.TrackRecord{
		TrackID:          "v1",
		Class:            "car",
		TotalWaitingSec:  2.5,
		EntryCount:       2,
		FirstEntrySec:    1.0,
		LastExitSec:      5.5,
		HasSpeed:         true,
		AvgSpeed:         8.2,
		PeakSpeed:        11.0,
		P50Speed:         8.0,
		P85Speed:         10.1,
		P95Speed:         10.8,
		SpeedSamples:     40,
		FirstSeenSec:     0.5,
		LastSeenSec:      6.0,
		ObservationCount: 55,
		AvgConfidence:    0.91,
	}
	require.NoError(t, sink.RecordTrack(track))

	cs := congestion.Sample{
		FrameIndex:          10,
		TimestampSec:        0.33,
		Occupancy:           3,
		Density:             0.0003,
		CapacityUtilisation: 0.3,
		WindowMeanOccupancy: 2.5,
		WindowPeakOccupancy: 3,
		WindowMeanDensity:   0.00025,
		WindowPeakDensity:   0.0003,
		AreaCalibrated:      true,
	}
	require.NoError(t, sink.RecordCongestion(cs))

	si := engine.SpeedIntervalRecord{
		IntervalStartSec: 2.0,
		IntervalEndSec:   4.0,
		AvgSpeed:         7.7,
		SampleCount:      12,
		TrackCount:       3,
	}
	require.NoError(t, sink.RecordSpeedInterval(si))
	require.NoError(t, sink.Flush())

	tracks, err := handle.TracksForRun(runID)
	require.NoError(t, err)
	require.Len(t, tracks, 1)
	got := tracks[0]
	got.RunID = "" // round-trip compare ignores run association
	assert.Equal(t, track, got)

	samples, err := handle.CongestionForRun(runID)
	require.NoError(t, err)
	require.Len(t, samples, 1)
	assert.Equal(t, cs, samples[0])

	intervals, err := handle.SpeedIntervalsForRun(runID)
	require.NoError(t, err)
	require.Len(t, intervals, 1)
	assert.Equal(t, si, intervals[0])
}

func TestQueriesForUnknownRunAreEmpty(t *testing.T) {
	t.Parallel()
	handle := openTestDB(t)

	tracks, err := handle.TracksForRun("nope")
	require.NoError(t, err)
	assert.Empty(t, tracks)

	samples, err := handle.CongestionForRun("nope")
	require.NoError(t, err)
	assert.Empty(t, samples)
}
