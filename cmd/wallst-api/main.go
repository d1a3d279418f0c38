package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"wallst/internal/api"
	"wallst/internal/config"
	"wallst/internal/db"
	"wallst/internal/game"
	"wallst/internal/idem"
	"wallst/internal/ingest"
	"wallst/internal/perf"
	"wallst/internal/predict"
	"wallst/internal/prices"
	"wallst/internal/stats"
	"wallst/internal/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadAPIFromEnv()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	pool, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("db connect failed", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	st := store.NewPostgres(pool, logger)
	layer := idem.New(st, logger)
	agg := stats.New(st, logger)
	engine := perf.NewEngine(prices.NewClient(cfg.PriceAPIBaseURL, cfg.PriceAPIKey, logger), logger)
	gameSvc := game.NewService(st, engine, layer, agg, logger)
	predictSvc := predict.NewService(st, layer, agg, logger)
	ingestSvc := ingest.New(st, logger)

	server := api.New(cfg, logger, gameSvc, predictSvc, agg, ingestSvc)
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info("wallst api listening", "addr", cfg.Addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server failed", "err", err)
		os.Exit(1)
	}
}
