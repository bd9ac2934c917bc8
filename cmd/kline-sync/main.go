// Command kline-sync runs one synchronization pass (run_sync) and exits. It
// is meant to be triggered once per scheduled slot by cron or a similar
// scheduler, on the primary host and on the backup host.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"klinesync/internal/calendar"
	"klinesync/internal/catalog"
	"klinesync/internal/config"
	"klinesync/internal/domain"
	"klinesync/internal/gather"
	"klinesync/internal/gather/us"
	"klinesync/internal/ledger"
	"klinesync/internal/pipeline"
	"klinesync/internal/store"
	"klinesync/internal/util"
)

// Exit codes reported to the scheduler.
const (
	exitOK     = 0
	exitSetup  = 1
	exitLocked = 2
	exitRun    = 3
	exitFailed = 4
)

func main() {
	asOfFlag := flag.String("as-of", "", "as-of date YYYY-MM-DD (default: today in the market time zone)")
	roleFlag := flag.String("role", "", "runner role: primary or backup (overrides config)")
	strict := flag.Bool("strict", false, "exit non-zero when any symbol did not complete")
	flag.Parse()

	os.Exit(run(*asOfFlag, *roleFlag, *strict))
}

func run(asOfFlag, roleFlag string, strict bool) int {
	cfgPath := config.PathFromEnv()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Printf("failed to load config: %v", err)
		return exitSetup
	}
	if roleFlag != "" {
		cfg.Sync.Role = roleFlag
		if err := cfg.Validate(); err != nil {
			log.Printf("invalid -role: %v", err)
			return exitSetup
		}
	}

	// Logs go to stderr and a dated file; stdout carries the JSON summary.
	logger, logFile, err := util.NewTeeLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Storage.LogDir, "kline-sync", os.Stderr)
	if err != nil {
		log.Printf("failed to create logger: %v", err)
		return exitSetup
	}
	defer logFile.Close()
	util.SetDefault(logger)

	var asOf domain.Date
	if asOfFlag != "" {
		if asOf, err = domain.ParseDate(asOfFlag); err != nil {
			slog.Error("invalid -as-of", "error", err)
			return exitSetup
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		slog.Error("failed to open store", "path", cfg.Storage.SQLitePath, "error", err)
		return exitSetup
	}
	defer st.Close()

	runner, err := buildRunner(ctx, cfg, st)
	if err != nil {
		slog.Error("setup failed", "error", err)
		return exitSetup
	}

	slog.Info("starting kline-sync", "config", cfgPath, "role", cfg.Sync.Role, "db", cfg.Storage.SQLitePath)
	summary, err := runner.RunSync(ctx, asOf)

	if out, merr := json.MarshalIndent(summary, "", "  "); merr == nil {
		fmt.Println(string(out))
	}

	switch {
	case errors.Is(err, store.ErrRunLocked):
		slog.Warn("another run is in progress, exiting", "error", err)
		return exitLocked
	case err != nil:
		slog.Error("run failed", "error", err)
		return exitRun
	case strict && summary.Failed():
		return exitFailed
	}
	return exitOK
}

func buildRunner(ctx context.Context, cfg *config.Config, st *store.SQLiteStore) (*pipeline.Runner, error) {
	cal, err := buildCalendar(cfg)
	if err != nil {
		return nil, err
	}

	src := gather.Source(us.NewBarSource(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.DataURL, cfg.Alpaca.Feed, cfg.Location()))
	if cfg.Alpaca.FallbackFeed != "" && cfg.Alpaca.FallbackFeed != cfg.Alpaca.Feed {
		secondary := us.NewBarSource(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.DataURL, cfg.Alpaca.FallbackFeed, cfg.Location())
		src = gather.NewFallback(src, secondary)
	}

	srcs := catalog.Sources{
		Start:         cfg.StartDate(),
		Entries:       cfg.Catalog.Symbols,
		WatchlistFile: cfg.Catalog.WatchlistFile,
		SymbolsCSV:    cfg.Catalog.SymbolsCSV,
	}
	if cfg.Catalog.IncludeStored {
		srcs.Stored = st
	}
	cat, err := catalog.Build(ctx, srcs)
	if err != nil {
		return nil, fmt.Errorf("building catalog: %w", err)
	}

	engine := pipeline.NewEngine(src, st, util.NewRateLimiter(cfg.Sync.RateLimitPerMin), pipeline.EngineConfig{
		BatchDays:   cfg.Sync.BatchDays,
		MaxAttempts: cfg.Sync.MaxAttempts,
		BaseDelay:   cfg.Sync.RetryBaseDelay,
	})
	gaps := pipeline.NewGapDetector(st, cal, cfg.Location(), cfg.Market.SettleDelay)
	publisher := &pipeline.ArtifactPublisher{
		Store:   st,
		Archive: store.NewParquetArchive(),
		Path:    cfg.Storage.ArtifactPath,
	}

	return pipeline.NewRunner(pipeline.RunConfig{
		Role:          cfg.Role(),
		Workers:       cfg.Sync.Workers,
		RunTimeout:    cfg.Sync.RunTimeout,
		LockTTL:       cfg.Sync.LockTTL,
		MissingStreak: cfg.Sync.MissingStreak,
		Location:      cfg.Location(),
	}, cat, gaps, engine, ledger.New(st), st, publisher), nil
}

func buildCalendar(cfg *config.Config) (calendar.Calendar, error) {
	if cfg.Market.Calendar == "alpaca" {
		return us.NewCalendar(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.BaseURL)
	}
	return calendar.NewWeekday(cfg.Location(), cfg.Market.SessionClose, cfg.HolidayDates())
}
