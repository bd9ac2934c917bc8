// Command kline-status answers monitoring questions about the store and the
// run ledger, and can serve or check the gRPC health endpoint.
//
//	kline-status -symbol 2330.TW -date 2024-07-05   # get_status
//	kline-status -stats                              # store row counts
//	kline-status -serve                              # serve gRPC health
//	kline-status -check 127.0.0.1:9090 -symbol AAPL  # check a server
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"klinesync/internal/api"
	"klinesync/internal/catalog"
	"klinesync/internal/config"
	"klinesync/internal/domain"
	"klinesync/internal/ledger"
	"klinesync/internal/store"
	"klinesync/internal/util"
)

func main() {
	symbol := flag.String("symbol", "", "symbol to query")
	dateFlag := flag.String("date", "", "as-of date YYYY-MM-DD (default: today in the market time zone)")
	history := flag.Int("history", 0, "show the last N finished runs of -symbol")
	stats := flag.Bool("stats", false, "print store symbol and row counts")
	serve := flag.Bool("serve", false, "serve the gRPC health endpoint on status.listen")
	refresh := flag.Duration("refresh", time.Minute, "ledger refresh interval with -serve")
	check := flag.String("check", "", "check the health endpoint at ADDR (service kline or kline.<symbol>)")
	flag.Parse()

	if *check != "" {
		os.Exit(runCheck(*check, *symbol))
	}

	cfg, err := config.Load(config.PathFromEnv())
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	util.SetDefault(util.NewLogger(cfg.Logging.Level, cfg.Logging.Format, os.Stderr))

	asOf := domain.DateOf(time.Now().In(cfg.Location()))
	if *dateFlag != "" {
		if asOf, err = domain.ParseDate(*dateFlag); err != nil {
			log.Fatalf("invalid -date: %v", err)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer st.Close()
	led := ledger.New(st)

	switch {
	case *serve:
		if err := runServe(ctx, cfg, st, led, *refresh); err != nil {
			slog.Error("status server failed", "error", err)
			os.Exit(1)
		}
	case *stats:
		s, err := st.Stats(ctx)
		if err != nil {
			log.Fatalf("reading stats: %v", err)
		}
		printJSON(s)
	case *symbol != "" && *history > 0:
		recs, err := led.History(ctx, domain.Symbol(*symbol), *history)
		if err != nil {
			log.Fatalf("reading history: %v", err)
		}
		printJSON(recs)
	case *symbol != "":
		rec, ok, err := led.Status(ctx, domain.Symbol(*symbol), asOf)
		if err != nil {
			log.Fatalf("reading status: %v", err)
		}
		if !ok {
			fmt.Printf("no run recorded for %s on %s\n", *symbol, asOf)
			os.Exit(1)
		}
		printJSON(rec)
		if !rec.Status.Healthy() {
			os.Exit(1)
		}
	default:
		flag.Usage()
		os.Exit(1)
	}
}

func runServe(ctx context.Context, cfg *config.Config, st *store.SQLiteStore, led *ledger.Ledger, every time.Duration) error {
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
		return err
	}

	svc := api.NewStatusService(led, cat.Symbols())
	refreshOnce := func() {
		asOf := domain.DateOf(time.Now().In(cfg.Location()))
		if _, err := svc.Refresh(ctx, asOf); err != nil {
			slog.Error("refreshing status", "error", err)
		}
	}
	refreshOnce()

	go func() {
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				refreshOnce()
			}
		}
	}()

	return svc.Serve(ctx, cfg.Status.Listen)
}

func runCheck(addr, symbol string) int {
	service := api.OverallService
	if symbol != "" {
		service = api.ServiceName(domain.Symbol(symbol))
	}
	conn, err := api.Dial(addr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	out, err := api.Check(ctx, conn, service)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	fmt.Println(out)

	var resp struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal([]byte(out), &resp); err != nil || resp.Status != "SERVING" {
		return 1
	}
	return 0
}

func printJSON(v any) {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		log.Fatalf("encoding output: %v", err)
	}
	fmt.Println(string(out))
}
