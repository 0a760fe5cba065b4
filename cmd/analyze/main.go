// Command analyze runs one batch analysis: it reads tracker observations
// as JSON Lines, derives ROI waiting, speed and congestion records, and
// writes them to CSV files and/or the run database.
//
//	analyze -config analysis.json -input observations.jsonl -db roi_report.db -out results/
//
// Pass -input - to read from stdin.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/roadscope-data/roi.report/internal/api"
	"github.com/roadscope-data/roi.report/internal/config"
	"github.com/roadscope-data/roi.report/internal/db"
	"github.com/roadscope-data/roi.report/internal/engine"
	"github.com/roadscope-data/roi.report/internal/export"
	"github.com/roadscope-data/roi.report/internal/ingest"
	"github.com/roadscope-data/roi.report/internal/version"
)

var (
	configPath = flag.String("config", config.DefaultConfigPath, "Path to the analysis config JSON")
	inputPath  = flag.String("input", "-", "Observations JSONL file, or - for stdin")
	dbFile     = flag.String("db", "", "Run database path (empty skips persistence)")
	outDir     = flag.String("out", "", "Directory for CSV output (empty skips CSV)")
	listenAddr = flag.String("listen", "", "Optional address serving /api/progress and /metrics during the run")
	verbose    = flag.Bool("v", false, "Enable diagnostic logging")
)

func main() {
	flag.Parse()

	if *verbose {
		engine.SetLogWriters(os.Stderr, os.Stderr, nil)
	} else {
		engine.SetLogWriters(os.Stderr, nil, nil)
	}

	log.Printf("analyze %s (%s)", version.Version, version.GitSHA)

	cfg, err := config.LoadAnalysisConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	cal, err := cfg.BuildCalibration()
	if err != nil {
		log.Fatalf("Failed to build calibration: %v", err)
	}

	var input io.Reader = os.Stdin
	sourceName := "stdin"
	if *inputPath != "-" {
		f, err := os.Open(*inputPath)
		if err != nil {
			log.Fatalf("Failed to open input: %v", err)
		}
		defer f.Close()
		input = f
		sourceName = *inputPath
	}

	var sinks engine.MultiSink
	var database *db.DB
	var runID string

	if *dbFile != "" {
		database, err = db.Open(*dbFile)
		if err != nil {
			log.Fatalf("Failed to open database: %v", err)
		}
		defer database.Close()
		if err := database.MigrateUp(); err != nil {
			log.Fatalf("Failed to migrate database: %v", err)
		}

		cfgJSON, _ := json.Marshal(cfg)
		runID, err = database.InsertRun(sourceName, string(cfgJSON))
		if err != nil {
			log.Fatalf("Failed to register run: %v", err)
		}
		sinks = append(sinks, db.NewSink(database, runID))
	}

	var csvFiles []*os.File
	if *outDir != "" {
		if err := os.MkdirAll(*outDir, 0o755); err != nil {
			log.Fatalf("Failed to create output dir: %v", err)
		}
		open := func(name string) *os.File {
			f, err := os.Create(filepath.Join(*outDir, name))
			if err != nil {
				log.Fatalf("Failed to create %s: %v", name, err)
			}
			csvFiles = append(csvFiles, f)
			return f
		}
		sinks = append(sinks, export.NewCSVWriter(
			open("tracks.csv"), open("congestion.csv"), open("speed_intervals.csv"),
			cfg.GetUnits()))
	}
	defer func() {
		for _, f := range csvFiles {
			f.Close()
		}
	}()

	if len(sinks) == 0 {
		log.Fatal("Nothing to do: pass -db and/or -out")
	}

	// With -listen the run is observable while it executes: the metrics sink
	// feeds /metrics and the engine's progress feeds /api/progress.
	var metrics *api.Metrics
	if *listenAddr != "" {
		metrics = api.NewMetrics()
		sinks = append(sinks, metrics)
	}

	eng, err := engine.New(engine.Options{
		ROI:                 cfg.Polygon(),
		Calibration:         cal,
		RunID:               runID,
		Anchor:              cfg.GetAnchor(),
		GracePeriodSec:      cfg.GetGracePeriod().Seconds(),
		MinContainedFrames:  cfg.GetMinContainedFrames(),
		MaxSamplesPerTrack:  cfg.GetMaxTrackSamples(),
		KeepFinalized:       cfg.GetKeepFinalized(),
		SpeedWindow:         cfg.GetSpeedWindow(),
		MinSpeedElapsedSec:  cfg.GetMinSpeedElapsed().Seconds(),
		SpeedRegionWide:     cfg.GetSpeedRegionWide(),
		AvgSpeedIntervalSec: cfg.GetAvgSpeedInterval().Seconds(),
		CongestionWindowSec: cfg.GetCongestionWindow().Seconds(),
		Capacity:            cfg.GetMaxCapacity(),
		ClampUtilisation:    cfg.GetClampUtilisation(),
		Classes:             cfg.ClassSet(),
	}, sinks)
	if err != nil {
		log.Fatalf("Failed to build engine: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var httpServer *http.Server
	if *listenAddr != "" {
		srv := api.NewServer(database, cfg.GetUnits(), metrics)
		srv.SetProgress(eng.Progress)
		httpServer = &http.Server{
			Addr:    *listenAddr,
			Handler: api.LoggingMiddleware(srv.ServeMux()),
		}
		go func() {
			log.Printf("serving run progress on %s", *listenAddr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("HTTP server error: %v", err)
			}
		}()
	}

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	go func() {
		for range ticker.C {
			p := eng.Progress()
			if p.State != engine.StateProcessing {
				return
			}
			log.Printf("progress: %d frames, %d tracks live, %d finalized (t=%.1fs)",
				p.FramesProcessed, p.TracksLive, p.TracksFinalized, p.LastTimestampSec)
		}
	}()

	src := ingest.NewJSONLSource(input)
	runErr := eng.Run(ctx, src)

	p := eng.Progress()
	if database != nil && runID != "" {
		state := p.State.String()
		if err := database.CompleteRun(runID, state,
			p.FramesProcessed, p.TracksFinalized, p.ObservationsDropped); err != nil {
			log.Printf("Failed to record run completion: %v", err)
		}
	}

	if httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Shutdown error: %v", err)
		}
		cancel()
	}

	if runErr != nil {
		log.Fatalf("Analysis failed: %v", runErr)
	}

	summary := fmt.Sprintf(
		"analysis complete: %d frames, %d tracks, %d dropped observations, %d malformed lines",
		p.FramesProcessed, p.TracksFinalized, p.ObservationsDropped, src.Skipped())
	if runID != "" {
		summary += " (run " + runID + ")"
	}
	log.Print(summary)
}
