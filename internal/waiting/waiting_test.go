package waiting

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roadscope-data/roi.report/internal/geometry"
	"github.com/roadscope-data/roi.report/internal/trackstore"
)

func squareROI() geometry.Polygon {
	return geometry.Polygon{{X: 0, Y: 0}, {X: 10, Y: 0}, {X: 10, Y: 10}, {X: 0, Y: 10}}
}

// trackWith runs a position/timestamp script through a fresh store and
// returns the resulting track.
func trackWith(t *testing.T, steps []struct{ x, ts float64 }) *trackstore.Track {
	t.Helper()
	s, err := trackstore.New(trackstore.Config{ROI: squareROI()})
	require.NoError(t, err)
	for _, step := range steps {
		_, err := s.Apply(trackstore.Observation{
			TrackID:      "v1",
			BBox:         trackstore.BBox{X1: step.x - 1, Y1: 4, X2: step.x + 1, Y2: 6},
			TimestampSec: step.ts,
		})
		require.NoError(t, err)
	}
	return s.Get("v1")
}

func TestTotalSumsClosedIntervals(t *testing.T) {
	t.Parallel()
	tr := trackWith(t, []struct{ x, ts float64 }{
		{5, 1.0}, {5, 2.0}, {20, 3.0}, // 1s residency
		{5, 4.0}, {5, 5.5}, {20, 6.0}, // 1.5s residency
	})
	assert.InDelta(t, 2.5, Total(tr), 1e-9)
	assert.Equal(t, 2, Entries(tr))
}

func TestTotalZeroWhenNeverInside(t *testing.T) {
	t.Parallel()
	tr := trackWith(t, []struct{ x, ts float64 }{{20, 1.0}, {20, 2.0}})
	assert.Zero(t, Total(tr))
	assert.Zero(t, Entries(tr))

	_, ok := FirstEntry(tr)
	assert.False(t, ok)
	_, ok = LastExit(tr)
	assert.False(t, ok)
}

func TestCurrentTracksOpenInterval(t *testing.T) {
	t.Parallel()
	tr := trackWith(t, []struct{ x, ts float64 }{{5, 1.0}, {5, 2.0}})

	assert.InDelta(t, 2.0, Current(tr, 3.0), 1e-9)
	assert.Zero(t, Total(tr)) // open interval contributes nothing to Total
}

func TestCurrentZeroWhenOutside(t *testing.T) {
	t.Parallel()
	tr := trackWith(t, []struct{ x, ts float64 }{{5, 1.0}, {20, 2.0}})
	assert.Zero(t, Current(tr, 3.0))
}

func TestFirstEntryAndLastExit(t *testing.T) {
	t.Parallel()
	tr := trackWith(t, []struct{ x, ts float64 }{
		{5, 1.0}, {5, 3.0}, {20, 4.0},
		{5, 6.0}, {5, 7.0}, {20, 8.0},
	})

	first, ok := FirstEntry(tr)
	require.True(t, ok)
	assert.InDelta(t, 1.0, first, 1e-9)

	last, ok := LastExit(tr)
	require.True(t, ok)
	assert.InDelta(t, 7.0, last, 1e-9)
}

func TestLastExitAbsentWhileInside(t *testing.T) {
	t.Parallel()
	tr := trackWith(t, []struct{ x, ts float64 }{{5, 1.0}, {5, 2.0}})
	_, ok := LastExit(tr)
	assert.False(t, ok)
}
