// Package api serves analysis results over HTTP: JSON queries against the
// run database, CSV export, congestion charts and Prometheus metrics.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/roadscope-data/roi.report/internal/db"
	"github.com/roadscope-data/roi.report/internal/engine"
	"github.com/roadscope-data/roi.report/internal/export"
	"github.com/roadscope-data/roi.report/internal/monitoring"
	"github.com/roadscope-data/roi.report/internal/timeutil"
	"github.com/roadscope-data/roi.report/internal/units"
)

// clock supplies the wall-clock for request timing; tests swap in a mock.
var clock timeutil.Clock = timeutil.RealClock{}

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// ProgressFunc reports the live engine's progress, when a run is attached.
type ProgressFunc func() engine.Progress

type Server struct {
	db      *db.DB
	units   string
	metrics *Metrics

	progress ProgressFunc
}

// NewServer builds a Server over the run database. metrics may be nil when
// the caller does not expose /metrics; database may be nil when the caller
// only serves live progress and metrics, in which case the query endpoints
// report not-found.
func NewServer(database *db.DB, targetUnits string, metrics *Metrics) *Server {
	if !units.IsValid(targetUnits) {
		targetUnits = units.MPS
	}
	return &Server{
		db:      database,
		units:   targetUnits,
		metrics: metrics,
	}
}

// SetProgress attaches a live run's progress callback for /api/progress.
func (s *Server) SetProgress(fn ProgressFunc) {
	s.progress = fn
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := clock.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(clock.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/runs", s.listRuns)
	mux.HandleFunc("/api/tracks", s.listTracks)
	mux.HandleFunc("/api/congestion", s.listCongestion)
	mux.HandleFunc("/api/speed_intervals", s.listSpeedIntervals)
	mux.HandleFunc("/api/config", s.showConfig)
	mux.HandleFunc("/api/progress", s.showProgress)
	mux.HandleFunc("/api/export/tracks.csv", s.exportTracksCSV)
	mux.HandleFunc("/api/export/congestion.csv", s.exportCongestionCSV)
	mux.HandleFunc("/chart/congestion", s.chartCongestion)
	mux.HandleFunc("/chart/congestion.png", s.chartCongestionPNG)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	return mux
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		monitoring.Logf("encode response: %v", err)
	}
}

// runIDParam extracts the run_id query parameter, falling back to the most
// recent run when absent.
func (s *Server) runIDParam(r *http.Request) (string, error) {
	if s.db == nil {
		return "", fmt.Errorf("no run database attached")
	}
	if id := r.URL.Query().Get("run_id"); id != "" {
		return id, nil
	}
	runs, err := s.db.ListRuns()
	if err != nil {
		return "", err
	}
	if len(runs) == 0 {
		return "", fmt.Errorf("no runs recorded")
	}
	return runs[0].RunID, nil
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.db == nil {
		s.writeJSONError(w, http.StatusNotFound, "no run database attached")
		return
	}
	runs, err := s.db.ListRuns()
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, map[string]interface{}{"runs": runs})
}

// convertTrackSpeeds applies display-unit conversion to a record's speed
// fields. Uncalibrated speeds stay in px/s.
func (s *Server) convertTrackSpeeds(rec engine.TrackRecord) engine.TrackRecord {
	if !rec.HasSpeed || rec.SpeedUncalibrated {
		return rec
	}
	rec.AvgSpeed = units.ConvertSpeed(rec.AvgSpeed, s.units)
	rec.PeakSpeed = units.ConvertSpeed(rec.PeakSpeed, s.units)
	rec.P50Speed = units.ConvertSpeed(rec.P50Speed, s.units)
	rec.P85Speed = units.ConvertSpeed(rec.P85Speed, s.units)
	rec.P95Speed = units.ConvertSpeed(rec.P95Speed, s.units)
	return rec
}

func (s *Server) listTracks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	runID, err := s.runIDParam(r)
	if err != nil {
		s.writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	tracks, err := s.db.TracksForRun(runID)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	for i := range tracks {
		tracks[i] = s.convertTrackSpeeds(tracks[i])
	}
	s.writeJSON(w, map[string]interface{}{
		"run_id": runID,
		"units":  s.units,
		"tracks": tracks,
	})
}

func (s *Server) listCongestion(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	runID, err := s.runIDParam(r)
	if err != nil {
		s.writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	samples, err := s.db.CongestionForRun(runID)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, map[string]interface{}{
		"run_id":     runID,
		"congestion": samples,
	})
}

func (s *Server) listSpeedIntervals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	runID, err := s.runIDParam(r)
	if err != nil {
		s.writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	intervals, err := s.db.SpeedIntervalsForRun(runID)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	for i := range intervals {
		if !intervals[i].Uncalibrated {
			intervals[i].AvgSpeed = units.ConvertSpeed(intervals[i].AvgSpeed, s.units)
		}
	}
	s.writeJSON(w, map[string]interface{}{
		"run_id":    runID,
		"units":     s.units,
		"intervals": intervals,
	})
}

// showConfig returns the analysis configuration snapshot recorded with a run.
func (s *Server) showConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	runID, err := s.runIDParam(r)
	if err != nil {
		s.writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	run, err := s.db.GetRun(runID)
	if err != nil {
		s.writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	if run.ConfigJSON == "" {
		s.writeJSONError(w, http.StatusNotFound, "run has no config snapshot")
		return
	}
	s.writeJSON(w, map[string]interface{}{
		"run_id": runID,
		"config": json.RawMessage(run.ConfigJSON),
	})
}

func (s *Server) showProgress(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.progress == nil {
		s.writeJSONError(w, http.StatusNotFound, "no run in progress")
		return
	}
	p := s.progress()
	s.writeJSON(w, map[string]interface{}{
		"state":                p.State.String(),
		"frames_processed":     p.FramesProcessed,
		"total_frames":         p.TotalFrames,
		"tracks_live":          p.TracksLive,
		"tracks_finalized":     p.TracksFinalized,
		"observations_dropped": p.ObservationsDropped,
		"last_timestamp_sec":   p.LastTimestampSec,
	})
}

func (s *Server) exportTracksCSV(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	runID, err := s.runIDParam(r)
	if err != nil {
		s.writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	tracks, err := s.db.TracksForRun(runID)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=tracks-%s.csv", runID))
	cw := export.NewCSVWriter(w, nil, nil, s.units)
	for _, rec := range tracks {
		if err := cw.RecordTrack(rec); err != nil {
			monitoring.Logf("csv export: %v", err)
			return
		}
	}
	if err := cw.Flush(); err != nil {
		monitoring.Logf("csv export: %v", err)
	}
}

func (s *Server) exportCongestionCSV(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	runID, err := s.runIDParam(r)
	if err != nil {
		s.writeJSONError(w, http.StatusNotFound, err.Error())
		return
	}
	samples, err := s.db.CongestionForRun(runID)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=congestion-%s.csv", runID))
	cw := export.NewCSVWriter(nil, w, nil, s.units)
	for _, cs := range samples {
		if err := cw.RecordCongestion(cs); err != nil {
			monitoring.Logf("csv export: %v", err)
			return
		}
	}
	if err := cw.Flush(); err != nil {
		monitoring.Logf("csv export: %v", err)
	}
}
