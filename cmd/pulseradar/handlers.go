package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/elonfeng/pulseradar/internal/config"
	"github.com/elonfeng/pulseradar/internal/logger"
	"github.com/elonfeng/pulseradar/internal/store"
	"github.com/elonfeng/pulseradar/pkg/cluster"
	"github.com/elonfeng/pulseradar/pkg/correlate"
	"github.com/elonfeng/pulseradar/pkg/gate"
	"github.com/elonfeng/pulseradar/pkg/pipeline"
	"github.com/elonfeng/pulseradar/pkg/sink"
	"github.com/elonfeng/pulseradar/pkg/stream"
	"github.com/elonfeng/pulseradar/pkg/velocity"
)

func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	logger.Init(cfg.Logging.Level)
	return cfg, nil
}

// openStore opens persistence, degrading to memory-only on failure.
func openStore(cfg *config.Config) store.Store {
	db, err := store.New(cfg.Database.Path)
	if err != nil {
		logger.Warn("store unavailable, running memory-only: %v", err)
		return nil
	}
	return db
}

func buildPipeline(cfg *config.Config, db store.Store) *pipeline.Pipeline {
	windows := cfg.Velocity.ParseWindows()

	sinks := sink.NewManager()
	sinks.Register(sink.LogSink{})

	baselines := velocity.NewBaselines(
		cfg.Baseline.ParseUpdateInterval(),
		cfg.Baseline.MinSamples,
		cfg.Baseline.PrimaryWindow,
	)
	if db != nil {
		if records, err := db.ListBaselines(context.Background()); err != nil {
			logger.Warn("restore baselines: %v", err)
		} else if len(records) > 0 {
			baselines.Restore(records)
			logger.Info("restored %d baselines", len(records))
		}
	}

	return pipeline.New(pipeline.Options{
		Clusterer: cluster.New(
			cfg.Cluster.JaccardThreshold,
			cfg.Cluster.ParseRetirementWindow(),
		),
		Mentions:   velocity.NewTracker(windows, cfg.Velocity.HistoryLength),
		Sentiments: velocity.NewTracker(windows, cfg.Velocity.HistoryLength),
		Rules:      velocity.NewRuleTable(cfg.Velocity.SentimentKeywords),
		Baselines:  baselines,
		Correlator: correlate.New(correlate.Config{
			Granularity: cfg.Correlation.ParseGranularity(),
			LagRange:    cfg.Correlation.ParseLagRange(),
			Retention:   cfg.Correlation.ParseRetention(),
			Strength:    cfg.Correlation.StrengthThreshold,
			MinPoints:   cfg.Correlation.MinPoints,
		}),
		Gate:         gate.New(cfg.Alerts.ParseCooldown()),
		Store:        db,
		Sinks:        sinks,
		TickInterval: cfg.Pipeline.ParseTickInterval(),
		Sigma:        cfg.Velocity.SigmaThreshold,
		MaxClockSkew: cfg.Pipeline.ParseMaxClockSkew(),
		ShiftDelta:   cfg.Velocity.SentimentShiftDelta,
	})
}

// loadInput reads a JSONL file into a batch, applying configured source tiers
// to items that don't carry one.
func loadInput(cfg *config.Config, path string) (stream.Batch, error) {
	f, err := os.Open(path)
	if err != nil {
		return stream.Batch{}, fmt.Errorf("open input %s: %w", path, err)
	}
	defer f.Close()

	batch, skipped, err := stream.ReadBatch(f)
	if err != nil {
		return stream.Batch{}, fmt.Errorf("read input %s: %w", path, err)
	}
	if skipped > 0 {
		logger.Warn("input %s: skipped %d malformed lines", path, skipped)
	}

	for i := range batch.Items {
		if batch.Items[i].Tier == 0 {
			batch.Items[i].Tier = cfg.Sources.TierOf(batch.Items[i].SourceName)
		}
	}
	return batch, nil
}

func runDaemon(input string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db := openStore(cfg)
	if db != nil {
		defer db.Close()
	}

	p := buildPipeline(cfg, db)

	if input != "" {
		batch, err := loadInput(cfg, input)
		if err != nil {
			return err
		}
		p.Submit(batch)
		logger.Info("queued %d items, %d samples, %d points from %s",
			len(batch.Items), len(batch.Samples), len(batch.Points), input)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := p.Run(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("pipeline: %w", err)
	}
	return nil
}

func runReplay(path string, jsonOutput bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db := openStore(cfg)
	if db != nil {
		defer db.Close()
	}

	p := buildPipeline(cfg, db)

	batch, err := loadInput(cfg, path)
	if err != nil {
		return err
	}
	p.Submit(batch)

	if err := p.Tick(context.Background(), time.Now()); err != nil {
		return fmt.Errorf("tick: %w", err)
	}

	snap := p.Snapshot()
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snap)
	}

	fmt.Printf("processed: %d events, %d signals, %d alerts\n",
		len(snap.Events), len(snap.Signals), len(snap.Alerts))

	if len(snap.Events) > 0 {
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SOURCES\tFIRST SEEN\tTITLE")
		for _, ev := range snap.Events {
			fmt.Fprintf(w, "%d\t%s\t%s\n",
				ev.SourceCount, ev.FirstSeen.Format(time.RFC3339), ev.PrimaryTitle)
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	for _, a := range snap.Alerts {
		fmt.Printf("alert %s key=%s confidence=%.2f\n", a.ID, a.Key, a.Confidence)
	}
	return nil
}

func runEvents(jsonOutput, includeRetired bool, limit int) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db, err := store.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	events, err := db.ListEvents(context.Background(), includeRetired, limit)
	if err != nil {
		return fmt.Errorf("list events: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(events)
	}

	if len(events) == 0 {
		fmt.Println("no events stored (run the pipeline first: pulseradar run)")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SOURCES\tMEMBERS\tUPDATED\tRETIRED\tTITLE")
	for _, ev := range events {
		fmt.Fprintf(w, "%d\t%d\t%s\t%v\t%s\n",
			ev.SourceCount, len(ev.MemberIDs),
			ev.LastUpdated.Format(time.RFC3339), ev.Retired, ev.PrimaryTitle)
	}
	return w.Flush()
}

func runBaselines(jsonOutput bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db, err := store.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	records, err := db.ListBaselines(context.Background())
	if err != nil {
		return fmt.Errorf("list baselines: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}

	if len(records) == 0 {
		fmt.Println("no baselines stored")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\t7D MEAN\t7D STDDEV\t30D MEAN\tSAMPLES\tUPDATED")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%.2f\t%.2f\t%.2f\t%d\t%s\n",
			r.Key, r.SevenDayMean, r.SevenDayStdDev, r.ThirtyDayMean,
			r.Samples, r.LastUpdated.Format(time.RFC3339))
	}
	return w.Flush()
}

func runAlerts(jsonOutput bool, key string, limit int) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	db, err := store.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	alerts, err := db.ListAlerts(context.Background(), store.AlertListOpts{
		Key:   key,
		Limit: limit,
	})
	if err != nil {
		return fmt.Errorf("list alerts: %w", err)
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(alerts)
	}

	if len(alerts) == 0 {
		fmt.Println("no alerts stored")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CREATED\tKEY\tZ\tCONF\tCONFIRMATIONS\tTITLE")
	for _, a := range alerts {
		fmt.Fprintf(w, "%s\t%s\t%.2f\t%.2f\t%d\t%s\n",
			a.CreatedAt.Format(time.RFC3339), a.Key, a.VelocityZ,
			a.Confidence, len(a.Confirmations), a.Title)
	}
	return w.Flush()
}
