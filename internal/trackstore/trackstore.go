// Package trackstore maintains per-identity trajectory history and ROI
// residency state. It is the single owner of Track aggregates: tracks are
// created on first observation of an identity, updated on each subsequent
// observation, and finalized when the identity goes silent past the grace
// period or the stream ends.
//
// The store assumes one ordered call sequence per analysis run, so it takes
// no locks; concurrent runs each own an independent Store.
package trackstore

import (
	"errors"
	"fmt"
	"sort"

	"github.com/roadscope-data/roi.report/internal/geometry"
)

// ErrOutOfOrderObservation is returned when an observation carries a
// timestamp that does not advance an existing track's clock. The sample is
// dropped and track state is unchanged; tracker output is otherwise assumed
// append-only in time.
var ErrOutOfOrderObservation = errors.New("out-of-order observation")

// Residency is a track's ROI membership state.
type Residency string

const (
	ResidencyOutside Residency = "outside"
	ResidencyInside  Residency = "inside"
)

// Anchor selects which bounding-box point represents the object's position.
type Anchor string

const (
	// AnchorCentroid uses the bounding-box centre.
	AnchorCentroid Anchor = "centroid"
	// AnchorBottomCentre uses the bottom-centre of the box, which better
	// approximates the ground-contact point of a vehicle for ROI and speed
	// purposes.
	AnchorBottomCentre Anchor = "bottom-centre"
)

// BBox is an axis-aligned bounding box in pixel coordinates.
type BBox struct {
	X1, Y1, X2, Y2 float64
}

// Centroid returns the box centre.
func (b BBox) Centroid() geometry.Point {
	return geometry.Point{X: (b.X1 + b.X2) / 2, Y: (b.Y1 + b.Y2) / 2}
}

// BottomCentre returns the midpoint of the bottom edge. Y2 is assumed to be
// the larger Y (image coordinates grow downward).
func (b BBox) BottomCentre() geometry.Point {
	return geometry.Point{X: (b.X1 + b.X2) / 2, Y: b.Y2}
}

// Observation is one detector/tracker output for one frame. Immutable.
type Observation struct {
	TrackID      string
	Class        string
	BBox         BBox
	Confidence   float64
	FrameIndex   int
	TimestampSec float64
}

// Sample is one (position, timestamp) point appended to a track.
type Sample struct {
	Pos          geometry.Point
	TimestampSec float64
	Inside       bool
}

// Interval is a maximal span during which a track was continuously inside
// the ROI. Open intervals have no end yet; they are closed on exit or at
// finalization.
type Interval struct {
	StartSec        float64
	EndSec          float64
	ContainedFrames int
	Open            bool
}

// Duration returns the closed interval's length, or 0 while still open.
func (iv Interval) Duration() float64 {
	if iv.Open {
		return 0
	}
	return iv.EndSec - iv.StartSec
}

// Track is the engine's aggregate for one external-tracker identity.
// Owned exclusively by the Store; external components read but never mutate.
type Track struct {
	ID    string
	Class string

	Residency Residency
	Samples   []Sample
	Intervals []Interval

	FirstSeenSec float64
	LastSeenSec  float64

	ObservationCount int
	ConfidenceSum    float64

	Finalized      bool
	FinalizedAtSec float64

	// Timestamp of the most recent contained sample. Exit closes the open
	// interval here rather than at the exit-triggering frame.
	lastInsideSec float64
}

// EntryCount returns the number of distinct residency intervals, i.e. the
// number of OUTSIDE->INSIDE transitions that survived the noise threshold.
func (t *Track) EntryCount() int {
	return len(t.Intervals)
}

// AvgConfidence returns the mean detection confidence across observations.
func (t *Track) AvgConfidence() float64 {
	if t.ObservationCount == 0 {
		return 0
	}
	return t.ConfidenceSum / float64(t.ObservationCount)
}

// openInterval returns the track's open interval, or nil.
func (t *Track) openInterval() *Interval {
	if n := len(t.Intervals); n > 0 && t.Intervals[n-1].Open {
		return &t.Intervals[n-1]
	}
	return nil
}

// Config holds the store's run-wide parameters. Supplied once at
// construction; read-only during a run.
type Config struct {
	ROI    geometry.Polygon
	Anchor Anchor

	// GracePeriodSec is how long an identity may be absent before it is
	// presumed to have left the scene and is finalized.
	GracePeriodSec float64

	// MinContainedFrames discards residency intervals observed for fewer
	// contained frames as containment noise. 1 keeps single-frame flicker,
	// which is accepted as a real if short residency by default.
	MinContainedFrames int

	// MaxSamplesPerTrack bounds the trajectory history kept per track.
	// 0 means unbounded.
	MaxSamplesPerTrack int

	// KeepFinalized moves finalized tracks to an in-memory archive instead
	// of discarding them after emission.
	KeepFinalized bool
}

// ApplyResult reports what a single observation did to its track.
type ApplyResult struct {
	Track   *Track
	Sample  Sample
	Entered bool // OUTSIDE -> INSIDE this frame
	Exited  bool // INSIDE -> OUTSIDE this frame
}

// Store maps identity -> live Track and owns the track lifecycle.
type Store struct {
	cfg      Config
	live     map[string]*Track
	archive  []*Track
	rejected int
}

// New builds a Store. The ROI must already be validated; New revalidates so
// a store can never exist with a malformed region.
func New(cfg Config) (*Store, error) {
	if err := cfg.ROI.Validate(); err != nil {
		return nil, err
	}
	if cfg.Anchor == "" {
		cfg.Anchor = AnchorCentroid
	}
	if cfg.MinContainedFrames < 1 {
		cfg.MinContainedFrames = 1
	}
	return &Store{
		cfg:  cfg,
		live: make(map[string]*Track),
	}, nil
}

// anchorPoint resolves the configured anchor for a bounding box.
func (s *Store) anchorPoint(b BBox) geometry.Point {
	if s.cfg.Anchor == AnchorBottomCentre {
		return b.BottomCentre()
	}
	return b.Centroid()
}

// Apply feeds one observation through the residency state machine.
// Returns ErrOutOfOrderObservation when the timestamp does not advance the
// track's clock; the track is untouched in that case.
func (s *Store) Apply(obs Observation) (ApplyResult, error) {
	tr, known := s.live[obs.TrackID]
	if known && obs.TimestampSec <= tr.LastSeenSec {
		s.rejected++
		return ApplyResult{}, fmt.Errorf("%w: track %s at t=%.3fs (last seen t=%.3fs)",
			ErrOutOfOrderObservation, obs.TrackID, obs.TimestampSec, tr.LastSeenSec)
	}
	if !known {
		tr = &Track{
			ID:           obs.TrackID,
			Class:        obs.Class,
			Residency:    ResidencyOutside,
			FirstSeenSec: obs.TimestampSec,
		}
		s.live[obs.TrackID] = tr
	}

	pos := s.anchorPoint(obs.BBox)
	inside := s.cfg.ROI.Contains(pos)
	sample := Sample{Pos: pos, TimestampSec: obs.TimestampSec, Inside: inside}

	res := ApplyResult{Track: tr, Sample: sample}
	switch {
	case inside && tr.Residency == ResidencyOutside:
		tr.Residency = ResidencyInside
		tr.Intervals = append(tr.Intervals, Interval{
			StartSec:        obs.TimestampSec,
			ContainedFrames: 1,
			Open:            true,
		})
		tr.lastInsideSec = obs.TimestampSec
		res.Entered = true
	case inside:
		if iv := tr.openInterval(); iv != nil {
			iv.ContainedFrames++
		}
		tr.lastInsideSec = obs.TimestampSec
	case tr.Residency == ResidencyInside:
		// Close at the previous contained sample's timestamp so the
		// exit-triggering frame is not counted as still-inside.
		s.closeOpenInterval(tr, tr.lastInsideSec)
		tr.Residency = ResidencyOutside
		res.Exited = true
	}

	tr.Samples = append(tr.Samples, sample)
	if s.cfg.MaxSamplesPerTrack > 0 && len(tr.Samples) > s.cfg.MaxSamplesPerTrack {
		tr.Samples = tr.Samples[len(tr.Samples)-s.cfg.MaxSamplesPerTrack:]
	}
	tr.LastSeenSec = obs.TimestampSec
	tr.ObservationCount++
	tr.ConfidenceSum += obs.Confidence
	return res, nil
}

// closeOpenInterval closes the track's open interval at endSec, discarding
// it when it was contained for fewer frames than the noise threshold.
func (s *Store) closeOpenInterval(tr *Track, endSec float64) {
	iv := tr.openInterval()
	if iv == nil {
		return
	}
	if iv.ContainedFrames < s.cfg.MinContainedFrames {
		tr.Intervals = tr.Intervals[:len(tr.Intervals)-1]
		return
	}
	iv.Open = false
	iv.EndSec = endSec
}

// Sweep finalizes every identity whose last observation is older than
// nowSec minus the grace period. Run once per frame after all of that
// frame's observations are applied. Finalized tracks are removed from the
// live map, bounding memory to recently-visible identities, and returned in
// deterministic (FirstSeen, ID) order.
func (s *Store) Sweep(nowSec float64) []*Track {
	var done []*Track
	for id, tr := range s.live {
		if nowSec-tr.LastSeenSec > s.cfg.GracePeriodSec {
			s.finalize(tr, nowSec)
			delete(s.live, id)
			done = append(done, tr)
		}
	}
	sortFinalized(done)
	return done
}

// FinalizeAll force-finalizes every remaining live track, treating each as
// absent beyond the grace period. Called at end of stream.
func (s *Store) FinalizeAll(nowSec float64) []*Track {
	done := make([]*Track, 0, len(s.live))
	for id, tr := range s.live {
		s.finalize(tr, nowSec)
		delete(s.live, id)
		done = append(done, tr)
	}
	sortFinalized(done)
	return done
}

// finalize closes the track's open interval at its last-seen timestamp and
// marks it finalized. A track that never fully exits the ROI before the
// stream ends therefore accrues waiting up to the moment it was last seen.
func (s *Store) finalize(tr *Track, nowSec float64) {
	if tr.Residency == ResidencyInside {
		s.closeOpenInterval(tr, tr.lastInsideSec)
		tr.Residency = ResidencyOutside
	}
	tr.Finalized = true
	tr.FinalizedAtSec = nowSec
	if s.cfg.KeepFinalized {
		s.archive = append(s.archive, tr)
	}
}

// sortFinalized orders finalized tracks so that replaying an identical
// stream yields byte-identical record output. Map iteration order must
// never leak into the emitted sequence.
func sortFinalized(tracks []*Track) {
	sort.Slice(tracks, func(i, j int) bool {
		if tracks[i].FirstSeenSec != tracks[j].FirstSeenSec {
			return tracks[i].FirstSeenSec < tracks[j].FirstSeenSec
		}
		return tracks[i].ID < tracks[j].ID
	})
}

// Occupancy returns the count of live tracks currently inside the ROI.
// This is the frame snapshot the congestion estimator consumes; it is
// recomputed per frame, never stored.
func (s *Store) Occupancy() int {
	n := 0
	for _, tr := range s.live {
		if tr.Residency == ResidencyInside {
			n++
		}
	}
	return n
}

// Get returns the live track for an identity, or nil.
func (s *Store) Get(id string) *Track {
	return s.live[id]
}

// LiveCount returns the number of live tracks.
func (s *Store) LiveCount() int {
	return len(s.live)
}

// Archive returns finalized tracks retained under KeepFinalized.
func (s *Store) Archive() []*Track {
	return s.archive
}

// RejectedCount returns the number of out-of-order samples dropped so far.
func (s *Store) RejectedCount() int {
	return s.rejected
}
