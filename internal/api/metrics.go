package api

import (
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/roadscope-data/roi.report/internal/congestion"
	"github.com/roadscope-data/roi.report/internal/engine"
)

// Metrics holds process-wide counters exposed at /metrics. It doubles as an
// engine sink so a running analysis feeds the gauges directly.
type Metrics struct {
	TracksEmitted    atomic.Uint64
	CongestionFrames atomic.Uint64
	SpeedIntervals   atomic.Uint64

	// Snapshot of the latest congestion sample.
	CurrentOccupancy    atomic.Int64
	UtilisationPerMille atomic.Int64 // utilisation * 1000, gauges are float on export

	registry *prometheus.Registry
}

var _ engine.Sink = (*Metrics)(nil)

// NewMetrics creates a Metrics instance with its Prometheus collectors
// registered on a private registry.
func NewMetrics() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}
	m.registerPrometheusMetrics()
	return m
}

func (m *Metrics) registerPrometheusMetrics() {
	gauges := []struct {
		name string
		help string
		fn   func() float64
	}{
		{"roi_tracks_emitted_total", "Finalized track records emitted",
			func() float64 { return float64(m.TracksEmitted.Load()) }},
		{"roi_congestion_frames_total", "Congestion samples emitted",
			func() float64 { return float64(m.CongestionFrames.Load()) }},
		{"roi_speed_intervals_total", "Interval-averaged speed records emitted",
			func() float64 { return float64(m.SpeedIntervals.Load()) }},
		{"roi_current_occupancy", "Occupancy of the most recent congestion sample",
			func() float64 { return float64(m.CurrentOccupancy.Load()) }},
		{"roi_current_utilisation", "Capacity utilisation of the most recent congestion sample",
			func() float64 { return float64(m.UtilisationPerMille.Load()) / 1000 }},
	}
	for _, g := range gauges {
		m.registry.MustRegister(prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: g.name, Help: g.help}, g.fn))
	}
}

// Handler returns the /metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordTrack counts an emitted track record.
func (m *Metrics) RecordTrack(engine.TrackRecord) error {
	m.TracksEmitted.Add(1)
	return nil
}

// RecordCongestion counts the frame and snapshots occupancy/utilisation.
func (m *Metrics) RecordCongestion(s congestion.Sample) error {
	m.CongestionFrames.Add(1)
	m.CurrentOccupancy.Store(int64(s.Occupancy))
	m.UtilisationPerMille.Store(int64(s.CapacityUtilisation * 1000))
	return nil
}

// RecordSpeedInterval counts an emitted speed interval.
func (m *Metrics) RecordSpeedInterval(engine.SpeedIntervalRecord) error {
	m.SpeedIntervals.Add(1)
	return nil
}

// Flush is a no-op for metrics.
func (m *Metrics) Flush() error { return nil }
