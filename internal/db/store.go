package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/roadscope-data/roi.report/internal/congestion"
	"github.com/roadscope-data/roi.report/internal/engine"
)

// Run is one row of the runs table.
type Run struct {
	RunID           string     `json:"run_id"`
	Source          string     `json:"source"`
	ConfigJSON      string     `json:"config_json,omitempty"`
	State           string     `json:"state"`
	FramesProcessed int64      `json:"frames_processed"`
	TracksFinalized int64      `json:"tracks_finalized"`
	Dropped         int64      `json:"dropped"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// InsertRun registers a new analysis run and returns its generated ID.
func (db *DB) InsertRun(source, configJSON string) (string, error) {
	runID := uuid.NewString()
	_, err := db.Exec(`
		INSERT INTO runs (run_id, source, config_json, state)
		VALUES (?, ?, ?, 'processing')
	`, runID, source, configJSON)
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}
	return runID, nil
}

// CompleteRun records a run's terminal state and final counters.
func (db *DB) CompleteRun(runID, state string, frames, tracks, dropped int64) error {
	_, err := db.Exec(`
		UPDATE runs
		SET state = ?, frames_processed = ?, tracks_finalized = ?, dropped = ?,
		    completed_at = CURRENT_TIMESTAMP
		WHERE run_id = ?
	`, state, frames, tracks, dropped, runID)
	if err != nil {
		return fmt.Errorf("complete run %s: %w", runID, err)
	}
	return nil
}

// InsertTrackRecord persists one finalized track summary.
func (db *DB) InsertTrackRecord(runID string, rec engine.TrackRecord) error {
	_, err := db.Exec(`
		INSERT INTO roi_tracks (
			run_id, track_id, class,
			total_waiting_sec, entry_count, first_entry_sec, last_exit_sec,
			has_speed, avg_speed, peak_speed, p50_speed, p85_speed, p95_speed,
			speed_samples, speed_uncalibrated,
			first_seen_sec, last_seen_sec, observation_count, avg_confidence
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		runID, rec.TrackID, rec.Class,
		rec.TotalWaitingSec, rec.EntryCount, rec.FirstEntrySec, rec.LastExitSec,
		rec.HasSpeed, rec.AvgSpeed, rec.PeakSpeed, rec.P50Speed, rec.P85Speed, rec.P95Speed,
		rec.SpeedSamples, rec.SpeedUncalibrated,
		rec.FirstSeenSec, rec.LastSeenSec, rec.ObservationCount, rec.AvgConfidence,
	)
	if err != nil {
		return fmt.Errorf("insert track %s: %w", rec.TrackID, err)
	}
	return nil
}

// InsertCongestionSample persists one per-frame congestion record.
func (db *DB) InsertCongestionSample(runID string, s congestion.Sample) error {
	_, err := db.Exec(`
		INSERT INTO roi_congestion (
			run_id, frame_index, ts_sec,
			occupancy, density, capacity_utilisation,
			window_mean_occupancy, window_peak_occupancy,
			window_mean_density, window_peak_density, area_calibrated
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		runID, s.FrameIndex, s.TimestampSec,
		s.Occupancy, s.Density, s.CapacityUtilisation,
		s.WindowMeanOccupancy, s.WindowPeakOccupancy,
		s.WindowMeanDensity, s.WindowPeakDensity, s.AreaCalibrated,
	)
	if err != nil {
		return fmt.Errorf("insert congestion frame %d: %w", s.FrameIndex, err)
	}
	return nil
}

// InsertSpeedInterval persists one interval-averaged speed record.
func (db *DB) InsertSpeedInterval(runID string, rec engine.SpeedIntervalRecord) error {
	_, err := db.Exec(`
		INSERT INTO roi_speed_intervals (
			run_id, interval_start_sec, interval_end_sec,
			avg_speed, sample_count, track_count, uncalibrated
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		runID, rec.IntervalStartSec, rec.IntervalEndSec,
		rec.AvgSpeed, rec.SampleCount, rec.TrackCount, rec.Uncalibrated,
	)
	if err != nil {
		return fmt.Errorf("insert speed interval %.1f: %w", rec.IntervalStartSec, err)
	}
	return nil
}

// GetRun returns one run by ID, or sql.ErrNoRows when it does not exist.
func (db *DB) GetRun(runID string) (Run, error) {
	var r Run
	var completed sql.NullTime
	err := db.QueryRow(`
		SELECT run_id, source, config_json, state,
		       frames_processed, tracks_finalized, dropped,
		       started_at, completed_at
		FROM runs WHERE run_id = ?
	`, runID).Scan(&r.RunID, &r.Source, &r.ConfigJSON, &r.State,
		&r.FramesProcessed, &r.TracksFinalized, &r.Dropped,
		&r.StartedAt, &completed)
	if err != nil {
		return Run{}, fmt.Errorf("get run %s: %w", runID, err)
	}
	if completed.Valid {
		r.CompletedAt = &completed.Time
	}
	return r, nil
}

// ListRuns returns all runs, newest first.
func (db *DB) ListRuns() ([]Run, error) {
	rows, err := db.Query(`
		SELECT run_id, source, config_json, state,
		       frames_processed, tracks_finalized, dropped,
		       started_at, completed_at
		FROM runs ORDER BY started_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var completed sql.NullTime
		if err := rows.Scan(&r.RunID, &r.Source, &r.ConfigJSON, &r.State,
			&r.FramesProcessed, &r.TracksFinalized, &r.Dropped,
			&r.StartedAt, &completed); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		if completed.Valid {
			r.CompletedAt = &completed.Time
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// TracksForRun returns the run's finalized track records in the order they
// were emitted.
func (db *DB) TracksForRun(runID string) ([]engine.TrackRecord, error) {
	rows, err := db.Query(`
		SELECT track_id, class,
		       total_waiting_sec, entry_count, first_entry_sec, last_exit_sec,
		       has_speed, avg_speed, peak_speed, p50_speed, p85_speed, p95_speed,
		       speed_samples, speed_uncalibrated,
		       first_seen_sec, last_seen_sec, observation_count, avg_confidence
		FROM roi_tracks WHERE run_id = ?
		ORDER BY first_seen_sec, track_id
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query tracks for run %s: %w", runID, err)
	}
	defer rows.Close()

	var recs []engine.TrackRecord
	for rows.Next() {
		rec := engine.TrackRecord{RunID: runID}
		if err := rows.Scan(&rec.TrackID, &rec.Class,
			&rec.TotalWaitingSec, &rec.EntryCount, &rec.FirstEntrySec, &rec.LastExitSec,
			&rec.HasSpeed, &rec.AvgSpeed, &rec.PeakSpeed, &rec.P50Speed, &rec.P85Speed, &rec.P95Speed,
			&rec.SpeedSamples, &rec.SpeedUncalibrated,
			&rec.FirstSeenSec, &rec.LastSeenSec, &rec.ObservationCount, &rec.AvgConfidence); err != nil {
			return nil, fmt.Errorf("scan track: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// CongestionForRun returns the run's congestion series in frame order.
func (db *DB) CongestionForRun(runID string) ([]congestion.Sample, error) {
	rows, err := db.Query(`
		SELECT frame_index, ts_sec,
		       occupancy, density, capacity_utilisation,
		       window_mean_occupancy, window_peak_occupancy,
		       window_mean_density, window_peak_density, area_calibrated
		FROM roi_congestion WHERE run_id = ?
		ORDER BY frame_index
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query congestion for run %s: %w", runID, err)
	}
	defer rows.Close()

	var samples []congestion.Sample
	for rows.Next() {
		var s congestion.Sample
		if err := rows.Scan(&s.FrameIndex, &s.TimestampSec,
			&s.Occupancy, &s.Density, &s.CapacityUtilisation,
			&s.WindowMeanOccupancy, &s.WindowPeakOccupancy,
			&s.WindowMeanDensity, &s.WindowPeakDensity, &s.AreaCalibrated); err != nil {
			return nil, fmt.Errorf("scan congestion sample: %w", err)
		}
		samples = append(samples, s)
	}
	return samples, rows.Err()
}

// SpeedIntervalsForRun returns the run's interval-averaged speed series.
func (db *DB) SpeedIntervalsForRun(runID string) ([]engine.SpeedIntervalRecord, error) {
	rows, err := db.Query(`
		SELECT interval_start_sec, interval_end_sec,
		       avg_speed, sample_count, track_count, uncalibrated
		FROM roi_speed_intervals WHERE run_id = ?
		ORDER BY interval_start_sec
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("query speed intervals for run %s: %w", runID, err)
	}
	defer rows.Close()

	var recs []engine.SpeedIntervalRecord
	for rows.Next() {
		var rec engine.SpeedIntervalRecord
		if err := rows.Scan(&rec.IntervalStartSec, &rec.IntervalEndSec,
			&rec.AvgSpeed, &rec.SampleCount, &rec.TrackCount, &rec.Uncalibrated); err != nil {
			return nil, fmt.Errorf("scan speed interval: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
