package export

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roadscope-data/roi.report/internal/congestion"
	"github.com/roadscope-data/roi.report/internal/engine"
	"github.com/roadscope-data/roi.report/internal/units"
)

func TestCSVWriterTrackRows(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	w := NewCSVWriter(&buf, nil, nil, units.KMPH)

	require.NoError(t, w.RecordTrack(engine.TrackRecord{
		TrackID:          "v1",
		Class:            "car",
		TotalWaitingSec:  2.0,
		EntryCount:       1,
		FirstEntrySec:    1.0,
		LastExitSec:      3.0,
		HasSpeed:         true,
		AvgSpeed:         10.0, // m/s; kmph output must read 36.0
		PeakSpeed:        12.0,
		P50Speed:         10.0,
		P85Speed:         11.5,
		P95Speed:         11.9,
		SpeedSamples:     20,
		FirstSeenSec:     0.0,
		LastSeenSec:      4.0,
		ObservationCount: 40,
		AvgConfidence:    0.9,
	}))
	require.NoError(t, w.Flush())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "track_id,class,total_waiting_sec"))
	fields := strings.Split(lines[1], ",")
	assert.Equal(t, "v1", fields[0])
	assert.Equal(t, "2.000", fields[2])
	assert.Equal(t, "36.000", fields[7]) // avg_speed in km/h
	assert.Equal(t, "km/h", fields[13])
}

func TestCSVWriterSpeedAbsentLeavesBlanks(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	w := NewCSVWriter(&buf, nil, nil, units.MPS)

	require.NoError(t, w.RecordTrack(engine.TrackRecord{
		TrackID:    "v2",
		Class:      "bus",
		EntryCount: 1,
	}))
	require.NoError(t, w.Flush())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	fields := strings.Split(lines[1], ",")
	assert.Equal(t, "false", fields[6]) // has_speed
	assert.Equal(t, "", fields[7])      // avg_speed blank, not zero
	assert.Equal(t, "0", fields[12])    // speed_samples
}

func TestCSVWriterUncalibratedSpeedKeepsPixelUnits(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	w := NewCSVWriter(nil, nil, &buf, units.KMPH)

	require.NoError(t, w.RecordSpeedInterval(engine.SpeedIntervalRecord{
		IntervalStartSec: 0,
		IntervalEndSec:   2,
		AvgSpeed:         50.0,
		SampleCount:      5,
		TrackCount:       2,
		Uncalibrated:     true,
	}))
	require.NoError(t, w.Flush())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	fields := strings.Split(lines[1], ",")
	assert.Equal(t, "50.000", fields[2]) // no unit conversion applied
	assert.Equal(t, "px/s", fields[3])
}

func TestCSVWriterCongestionRows(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	w := NewCSVWriter(nil, &buf, nil, units.MPS)

	require.NoError(t, w.RecordCongestion(congestion.Sample{
		FrameIndex:          3,
		TimestampSec:        0.1,
		Occupancy:           2,
		Density:             0.02,
		CapacityUtilisation: 0.4,
		WindowMeanOccupancy: 2,
		WindowPeakOccupancy: 2,
		WindowMeanDensity:   0.02,
		WindowPeakDensity:   0.02,
	}))
	require.NoError(t, w.Flush())

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	fields := strings.Split(lines[1], ",")
	assert.Equal(t, "2", fields[2])
	assert.Equal(t, "0.020000", fields[3])
	assert.Equal(t, "0.4000", fields[4])
}

func TestCSVWriterNilStreamsAreSkipped(t *testing.T) {
	t.Parallel()
	w := NewCSVWriter(nil, nil, nil, units.MPS)
	assert.NoError(t, w.RecordTrack(engine.TrackRecord{}))
	assert.NoError(t, w.RecordCongestion(congestion.Sample{}))
	assert.NoError(t, w.RecordSpeedInterval(engine.SpeedIntervalRecord{}))
	assert.NoError(t, w.Flush())
}
