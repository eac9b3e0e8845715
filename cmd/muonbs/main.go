// Command muonbs imports muon events into a sqlite store, computes
// beam-spot or vertex constrained pt for every muon and records the
// results under a new run.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/banshee-data/muonbs/internal/config"
	"github.com/banshee-data/muonbs/internal/db"
	"github.com/banshee-data/muonbs/internal/event"
	"github.com/banshee-data/muonbs/internal/httputil"
	"github.com/banshee-data/muonbs/internal/monitoring"
	"github.com/banshee-data/muonbs/internal/orchestrator"
	"github.com/banshee-data/muonbs/internal/report"
	"github.com/banshee-data/muonbs/internal/security"
	"github.com/banshee-data/muonbs/internal/valuemap"
	"github.com/banshee-data/muonbs/internal/version"
)

var (
	configPath  = flag.String("config", "", "Producer config JSON (defaults built in when empty)")
	dbPath      = flag.String("db", "muonbs.db", "Path to the sqlite database")
	inputPath   = flag.String("input", "", "Events JSON to import before running (optional)")
	reportDir   = flag.String("report", "", "Directory for the histogram and dashboard (optional)")
	listen      = flag.String("listen", "", "Serve debug routes and the dashboard on this address after the run")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("muonbs %s (%s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		return
	}

	log.Printf("muonbs %s (%s)", version.Version, version.GitSHA)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	store, err := db.OpenDB(*dbPath)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out, err := runProducer(ctx, store, cfg, *inputPath)
	if err != nil {
		log.Fatalf("producer: %v", err)
	}
	log.Printf("run %s complete: %d events, %d muons", out.RunID, out.Events, out.Products.Pt.Len())

	if *reportDir != "" {
		if err := writeReport(*reportDir, out); err != nil {
			log.Fatalf("report: %v", err)
		}
	}

	if *listen != "" {
		if err := serve(ctx, store, out.Entries, *listen); err != nil {
			log.Fatalf("serve: %v", err)
		}
	}
}

func loadConfig(path string) (*config.ProducerConfig, error) {
	if path == "" {
		return config.DefaultProducerConfig(), nil
	}
	return config.LoadProducerConfig(path)
}

// writeReport writes the run's histogram and dashboard into a
// subdirectory of root named after the run id.
func writeReport(root string, out *runOutput) error {
	dir, err := security.SubDir(root, out.RunID)
	if err != nil {
		return err
	}
	if err := report.WriteDir(dir, out.Entries); err != nil {
		if errors.Is(err, report.ErrNoData) {
			log.Printf("report skipped: %v", err)
			return nil
		}
		return err
	}
	log.Printf("report written to %s", dir)
	return nil
}

// runOutput is what one producer run leaves behind.
type runOutput struct {
	RunID    string
	Events   int
	Products valuemap.Products
	Entries  []report.Entry
	Stats    *monitoring.FitStats
}

// runProducer imports inputPath (if set), runs the producer over every
// stored event and persists the constrained values under a new run id.
func runProducer(ctx context.Context, store *db.DB, cfg *config.ProducerConfig, inputPath string) (*runOutput, error) {
	if inputPath != "" {
		events, err := event.LoadEventsFile(inputPath)
		if err != nil {
			return nil, fmt.Errorf("load input: %w", err)
		}
		n, err := store.InsertEvents(events)
		if err != nil {
			return nil, fmt.Errorf("import events: %w", err)
		}
		log.Printf("imported %d new events from %s (%d skipped as duplicates)", n, inputPath, len(events)-n)
	}

	events, err := store.LoadEvents()
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}

	runID, err := store.CreateRun(cfg)
	if err != nil {
		return nil, err
	}
	log.Printf("run %s: processing %d events (src=%s beamspot=%s vertices=%s scores=%s)",
		runID, len(events), cfg.GetSrc(), cfg.GetBeamSpot(), cfg.GetVertices(), cfg.GetVertexScores())

	stats := monitoring.NewFitStats()
	orch := orchestrator.NewFromConfig(cfg, stats)

	start := time.Now()
	results, err := orch.RunEvents(ctx, events, cfg.GetWorkers())
	if err != nil {
		return nil, err
	}
	log.Printf("run %s: fitted in %s", runID, time.Since(start).Round(time.Millisecond))
	stats.Log()

	products := valuemap.NewProducts()
	var (
		keys = make([]event.Key, 0, len(results))
		rows []db.ConstrainedMuon
	)
	for _, res := range results {
		keys = append(keys, res.Key)
		if err := products.Fill(res.Key, res.Pt, res.PtErr); err != nil {
			return nil, err
		}
		for i, r := range res.Resolutions {
			rows = append(rows, db.ConstrainedMuon{
				Event:  res.Key,
				Index:  i,
				Pt:     r.Pt,
				PtErr:  r.PtErr,
				Source: r.Source.String(),
				Chi2:   r.Chi2,
			})
		}
	}
	if err := store.StoreConstrained(runID, keys, rows); err != nil {
		return nil, err
	}
	if err := store.FinishRun(runID, len(events), len(rows)); err != nil {
		return nil, err
	}

	entries, err := report.Entries(events, results)
	if err != nil {
		return nil, err
	}
	report.Summarize(entries).Log()

	return &runOutput{
		RunID:    runID,
		Events:   len(events),
		Products: products,
		Entries:  entries,
		Stats:    stats,
	}, nil
}

// newMux builds the debug mux: tailsql and backup under /debug/, the
// dashboard at /report and the run list at /runs.
func newMux(store *db.DB, entries []report.Entry) (*http.ServeMux, error) {
	mux := http.NewServeMux()
	if err := store.AttachAdminRoutes(mux); err != nil {
		return nil, err
	}
	mux.Handle("/report", report.Handler(func() ([]report.Entry, error) { return entries, nil }))
	mux.HandleFunc("/runs", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			httputil.MethodNotAllowed(w)
			return
		}
		runs, err := store.Runs()
		if err != nil {
			httputil.WriteJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
		httputil.WriteJSON(w, http.StatusOK, runs)
	})
	return mux, nil
}

// serve blocks until ctx is cancelled.
func serve(ctx context.Context, store *db.DB, entries []report.Entry, addr string) error {
	mux, err := newMux(store, entries)
	if err != nil {
		return err
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
		}
		close(errc)
	}()
	log.Printf("serving debug routes on %s (Ctrl-C to stop)", addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	log.Println("shutting down HTTP server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		if err := server.Close(); err != nil {
			log.Printf("HTTP server force close error: %v", err)
		}
	}
	return nil
}
