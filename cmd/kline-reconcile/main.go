// Command kline-reconcile merges a backup runner's Parquet artifact into the
// primary store and reports conflicting keys. With -resolve it applies an
// operator's decision to conflicting keys instead.
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
	"strings"
	"syscall"

	"github.com/google/uuid"

	"klinesync/internal/config"
	"klinesync/internal/domain"
	"klinesync/internal/reconcile"
	"klinesync/internal/store"
	"klinesync/internal/util"
)

const (
	exitOK        = 0
	exitSetup     = 1
	exitLocked    = 2
	exitFailed    = 3
	exitConflicts = 4
)

type resolution struct {
	key  domain.Key
	pref reconcile.Preference
}

func main() {
	backupPath := flag.String("backup", "", "backup artifact (default: storage.artifact_path)")
	dryRun := flag.Bool("dry-run", false, "report without writing to the primary store")
	resolveFlag := flag.String("resolve", "", "comma-separated SYMBOL:YYYY-MM-DD=backup|primary decisions")
	flag.Parse()

	os.Exit(run(*backupPath, *dryRun, *resolveFlag))
}

func run(backupPath string, dryRun bool, resolveFlag string) int {
	cfg, err := config.Load(config.PathFromEnv())
	if err != nil {
		log.Printf("failed to load config: %v", err)
		return exitSetup
	}
	logger, logFile, err := util.NewTeeLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Storage.LogDir, "kline-reconcile", os.Stderr)
	if err != nil {
		log.Printf("failed to create logger: %v", err)
		return exitSetup
	}
	defer logFile.Close()
	util.SetDefault(logger)

	if backupPath == "" {
		backupPath = cfg.Storage.ArtifactPath
	}
	resolutions, err := parseResolutions(resolveFlag)
	if err != nil {
		slog.Error("invalid -resolve", "error", err)
		return exitSetup
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	archive := store.NewParquetArchive()
	backup, err := archive.Read(backupPath)
	if err != nil {
		slog.Error("failed to read backup artifact", "error", err)
		return exitSetup
	}
	if meta, err := archive.Metadata(backupPath); err == nil {
		slog.Info("backup artifact", "path", backupPath, "rows", len(backup),
			"runner", meta[store.MetaRunner], "generated_at", meta[store.MetaGeneratedAt])
	}

	st, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		slog.Error("failed to open store", "error", err)
		return exitSetup
	}
	defer st.Close()

	// Share the sync lock so a merge never overlaps a scheduled run.
	release, err := st.AcquireRunLock(ctx, "run_sync", "reconcile-"+uuid.NewString(), cfg.Sync.LockTTL)
	if err != nil {
		slog.Warn("store is busy", "error", err)
		if errors.Is(err, store.ErrRunLocked) {
			return exitLocked
		}
		return exitFailed
	}
	defer release()

	rec := reconcile.New(st)

	if len(resolutions) > 0 {
		failed := false
		for _, r := range resolutions {
			c, err := rec.Resolve(ctx, backup, r.key, r.pref)
			if err != nil {
				slog.Error("resolve failed", "key", r.key.String(), "error", err)
				failed = true
				continue
			}
			printJSON(map[string]any{"resolved": c, "kept": r.pref})
		}
		if failed {
			return exitFailed
		}
		return exitOK
	}

	results, err := rec.Reconcile(ctx, backup, reconcile.Options{DryRun: dryRun})
	printJSON(results)
	if err != nil {
		slog.Error("reconcile failed", "error", err)
		return exitFailed
	}

	added, conflicts, resolved := 0, 0, 0
	for _, r := range results {
		added += r.RowsAddedFromBackup
		conflicts += r.ConflictsDetected()
		resolved += r.Resolved
	}
	slog.Info("reconcile finished", "symbols", len(results), "added", added,
		"conflicts", conflicts, "resolved", resolved, "dry_run", dryRun)
	if conflicts > 0 {
		return exitConflicts
	}
	return exitOK
}

// parseResolutions parses "2330.TW:2024-01-02=backup,AAPL:2024-01-03=primary".
func parseResolutions(s string) ([]resolution, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var out []resolution
	for _, part := range strings.Split(s, ",") {
		keyPart, prefPart, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			return nil, fmt.Errorf("%q: want SYMBOL:DATE=backup|primary", part)
		}
		i := strings.LastIndex(keyPart, ":")
		if i <= 0 {
			return nil, fmt.Errorf("%q: want SYMBOL:DATE", keyPart)
		}
		d, err := domain.ParseDate(keyPart[i+1:])
		if err != nil {
			return nil, fmt.Errorf("%q: %w", keyPart, err)
		}
		pref, err := reconcile.ParsePreference(prefPart)
		if err != nil {
			return nil, err
		}
		out = append(out, resolution{key: domain.Key{Symbol: domain.Symbol(keyPart[:i]), Date: d}, pref: pref})
	}
	return out, nil
}

func printJSON(v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		slog.Error("encoding output", "error", err)
		return
	}
	fmt.Println(string(out))
}
