package api

import (
	"fmt"
	"net/http"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/roadscope-data/roi.report/internal/monitoring"
)

// chartCongestion renders the run's congestion series as an interactive
// HTML line chart. Debugging-oriented endpoint for eyeballing a run without
// a frontend.
func (s *Server) chartCongestion(w http.ResponseWriter, r *http.Request) {
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
	if len(samples) == 0 {
		s.writeJSONError(w, http.StatusNotFound, "no congestion samples for run")
		return
	}

	xs := make([]string, len(samples))
	occ := make([]opts.LineData, len(samples))
	mean := make([]opts.LineData, len(samples))
	util := make([]opts.LineData, len(samples))
	for i, cs := range samples {
		xs[i] = fmt.Sprintf("%.2f", cs.TimestampSec)
		occ[i] = opts.LineData{Value: cs.Occupancy}
		mean[i] = opts.LineData{Value: cs.WindowMeanOccupancy}
		util[i] = opts.LineData{Value: cs.CapacityUtilisation}
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{
			Title:    "ROI congestion",
			Subtitle: fmt.Sprintf("run %s", runID),
		}),
		charts.WithXAxisOpts(opts.XAxis{Name: "time (s)"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "vehicles"}),
		charts.WithTooltipOpts(opts.Tooltip{Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{}),
	)
	line.SetXAxis(xs).
		AddSeries("occupancy", occ).
		AddSeries("window mean", mean).
		AddSeries("utilisation", util)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := line.Render(w); err != nil {
		monitoring.Logf("render congestion chart: %v", err)
	}
}
