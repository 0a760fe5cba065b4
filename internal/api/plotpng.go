package api

import (
	"image/color"
	"net/http"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/roadscope-data/roi.report/internal/monitoring"
)

// chartCongestionPNG renders the run's occupancy series as a static PNG,
// for embedding in reports where the HTML chart is unusable.
func (s *Server) chartCongestionPNG(w http.ResponseWriter, r *http.Request) {
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

	occPts := make(plotter.XYs, len(samples))
	meanPts := make(plotter.XYs, len(samples))
	for i, cs := range samples {
		occPts[i].X = cs.TimestampSec
		occPts[i].Y = float64(cs.Occupancy)
		meanPts[i].X = cs.TimestampSec
		meanPts[i].Y = cs.WindowMeanOccupancy
	}

	p := plot.New()
	p.Title.Text = "ROI occupancy"
	p.X.Label.Text = "time (s)"
	p.Y.Label.Text = "vehicles"
	p.Add(plotter.NewGrid())

	occLine, err := plotter.NewLine(occPts)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	occLine.Width = vg.Points(1)
	occLine.Color = color.RGBA{R: 31, G: 119, B: 180, A: 255}

	meanLine, err := plotter.NewLine(meanPts)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	meanLine.Width = vg.Points(1)
	meanLine.Color = color.RGBA{R: 255, G: 127, B: 14, A: 255}

	p.Add(occLine, meanLine)
	p.Legend.Add("occupancy", occLine)
	p.Legend.Add("window mean", meanLine)

	wt, err := p.WriterTo(10*vg.Inch, 4*vg.Inch, "png")
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "image/png")
	if _, err := wt.WriteTo(w); err != nil {
		monitoring.Logf("write congestion png: %v", err)
	}
}
