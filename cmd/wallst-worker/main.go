package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"wallst/internal/config"
	"wallst/internal/db"
	"wallst/internal/game"
	"wallst/internal/idem"
	"wallst/internal/perf"
	"wallst/internal/predict"
	"wallst/internal/prices"
	"wallst/internal/stats"
	"wallst/internal/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadWorkerFromEnv()
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

	if cfg.RunOnce {
		if err := runPass(ctx, logger, gameSvc, predictSvc); err != nil {
			logger.Error("pass failed", "err", err)
			os.Exit(1)
		}
		logger.Info("worker run-once completed")
		return
	}

	ticker := time.NewTicker(cfg.PassEvery)
	defer ticker.Stop()

	logger.Info("worker started", "pass_every", cfg.PassEvery.String())
	for {
		select {
		case <-ctx.Done():
			logger.Info("worker shutdown")
			return
		case <-ticker.C:
			if err := runPass(ctx, logger, gameSvc, predictSvc); err != nil {
				logger.Error("pass failed", "err", err)
				continue
			}
		}
	}
}

// runPass settles every due game, grades mood predictions whose window has
// closed, and sweeps reported earnings events for ungraded predictions.
func runPass(ctx context.Context, logger *slog.Logger, gameSvc *game.Service, predictSvc *predict.Service) error {
	now := time.Now().UTC()

	settled, err := gameSvc.SettleDueGames(ctx, now)
	if err != nil {
		return err
	}
	moods, err := predictSvc.ResolveMoodPredictions(ctx, now)
	if err != nil {
		return err
	}
	earnings, err := predictSvc.ResolveReportedEvents(ctx)
	if err != nil {
		return err
	}
	logger.Info("pass complete",
		"games_settled", settled, "moods_resolved", moods, "earnings_resolved", earnings)
	return nil
}
