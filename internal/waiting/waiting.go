// Package waiting reduces a track's residency intervals into dwell-time
// metrics. Waiting time is the sum of closed interval durations; a track
// that leaves and re-enters the ROI accumulates across all intervals, and
// the entry count itself is exposed since repeated entry (circling) is a
// traffic signal in its own right.
package waiting

import "github.com/roadscope-data/roi.report/internal/trackstore"

// Total returns the summed duration of the track's closed residency
// intervals, in seconds. Always >= 0.
func Total(tr *trackstore.Track) float64 {
	var sum float64
	for _, iv := range tr.Intervals {
		sum += iv.Duration()
	}
	return sum
}

// Current returns the duration of the open residency interval as of nowSec,
// i.e. "waiting so far". Zero when the track is not inside the ROI.
func Current(tr *trackstore.Track, nowSec float64) float64 {
	if tr.Residency != trackstore.ResidencyInside {
		return 0
	}
	n := len(tr.Intervals)
	if n == 0 || !tr.Intervals[n-1].Open {
		return 0
	}
	d := nowSec - tr.Intervals[n-1].StartSec
	if d < 0 {
		return 0
	}
	return d
}

// Entries returns the number of distinct residency intervals (ROI entries).
func Entries(tr *trackstore.Track) int {
	return tr.EntryCount()
}

// FirstEntry returns the start of the first residency interval.
// ok is false when the track never entered the ROI.
func FirstEntry(tr *trackstore.Track) (sec float64, ok bool) {
	if len(tr.Intervals) == 0 {
		return 0, false
	}
	return tr.Intervals[0].StartSec, true
}

// LastExit returns the end of the last closed residency interval.
// ok is false when the track never entered, or its last interval is open.
func LastExit(tr *trackstore.Track) (sec float64, ok bool) {
	n := len(tr.Intervals)
	if n == 0 || tr.Intervals[n-1].Open {
		return 0, false
	}
	return tr.Intervals[n-1].EndSec, true
}
