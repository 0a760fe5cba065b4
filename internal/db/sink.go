package db

import (
	"github.com/roadscope-data/roi.report/internal/congestion"
	"github.com/roadscope-data/roi.report/internal/engine"
)

// Sink adapts the database into an engine output sink. Writes happen as the
// engine emits, so a cancelled run still leaves its partial records behind.
type Sink struct {
	db    *DB
	runID string
}

var _ engine.Sink = (*Sink)(nil)

// NewSink builds a sink writing records under the given run.
func NewSink(db *DB, runID string) *Sink {
	return &Sink{db: db, runID: runID}
}

func (s *Sink) RecordTrack(rec engine.TrackRecord) error {
	return s.db.InsertTrackRecord(s.runID, rec)
}

func (s *Sink) RecordCongestion(cs congestion.Sample) error {
	return s.db.InsertCongestionSample(s.runID, cs)
}

func (s *Sink) RecordSpeedInterval(rec engine.SpeedIntervalRecord) error {
	return s.db.InsertSpeedInterval(s.runID, rec)
}

// Flush is a no-op; rows are committed as they are inserted.
func (s *Sink) Flush() error {
	return nil
}
