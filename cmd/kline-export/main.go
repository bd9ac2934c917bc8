// Command kline-export dumps the bar table to a Parquet artifact, the same
// file a backup run publishes. It is used to seed a fresh backup host or to
// snapshot the primary before maintenance.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"klinesync/internal/config"
	"klinesync/internal/domain"
	"klinesync/internal/pipeline"
	"klinesync/internal/store"
	"klinesync/internal/util"
)

func main() {
	out := flag.String("out", "", "output file (default: storage.artifact_path)")
	flag.Parse()

	cfg, err := config.Load(config.PathFromEnv())
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	util.SetDefault(util.NewLogger(cfg.Logging.Level, cfg.Logging.Format, os.Stderr))

	path := *out
	if path == "" {
		path = cfg.Storage.ArtifactPath
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer st.Close()

	pub := &pipeline.ArtifactPublisher{Store: st, Archive: store.NewParquetArchive(), Path: path}
	written, err := pub.Publish(ctx, domain.Runner(cfg.Sync.Role))
	if err != nil {
		slog.Error("export failed", "error", err)
		os.Exit(1)
	}

	stats, err := st.Stats(ctx)
	if err != nil {
		slog.Warn("reading stats", "error", err)
	}
	slog.Info("artifact written", "path", written, "symbols", stats.Symbols, "rows", stats.Rows)
}
