// Command roi-report serves analysis results over HTTP: run listings, track
// and congestion queries, CSV export, charts and Prometheus metrics.
//
// Batch analysis itself lives in cmd/analyze; this binary only reads the
// run database those analyses produce.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/roadscope-data/roi.report/internal/api"
	"github.com/roadscope-data/roi.report/internal/db"
	"github.com/roadscope-data/roi.report/internal/units"
	"github.com/roadscope-data/roi.report/internal/version"
)

var (
	listen      = flag.String("listen", ":8080", "Listen address")
	dbFile      = flag.String("db", "roi_report.db", "Path to the run database")
	outputUnits = flag.String("units", units.KMPH, "Speed display units ("+units.GetValidUnitsString()+")")
)

func main() {
	flag.Parse()

	if *listen == "" {
		log.Fatal("Listen address is required")
	}
	if !units.IsValid(*outputUnits) {
		log.Fatalf("Invalid units %q; valid values are %s", *outputUnits, units.GetValidUnitsString())
	}

	database, err := db.Open(*dbFile)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer database.Close()

	if err := database.MigrateUp(); err != nil {
		log.Fatalf("Failed to migrate database: %v", err)
	}

	metrics := api.NewMetrics()
	server := api.NewServer(database, *outputUnits, metrics)

	httpServer := &http.Server{
		Addr:    *listen,
		Handler: api.LoggingMiddleware(server.ServeMux()),
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Printf("roi-report %s (%s) listening on %s (db %s, units %s)",
			version.Version, version.GitSHA, *listen, *dbFile, *outputUnits)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("HTTP server error: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Print("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	wg.Wait()
}
