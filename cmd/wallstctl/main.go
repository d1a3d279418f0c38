// wallstctl is the operator's toolbox: one-shot settlement and resolution
// passes, leaderboard rebuilds and local seed data, run directly against
// the database.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

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

type services struct {
	store   store.Store
	game    *game.Service
	predict *predict.Service
	stats   *stats.Aggregator
	ingest  *ingest.Service
	close   func()
}

func main() {
	root := &cobra.Command{
		Use:          "wallstctl",
		Short:        "wallst operations toolbox",
		SilenceUsage: true,
	}

	root.AddCommand(
		newSettleCmd(),
		newResolveMoodCmd(),
		newResolveEarningsCmd(),
		newReportEarningsCmd(),
		newRebuildLeaderboardCmd(),
		newSeedCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func connect(ctx context.Context) (*services, error) {
	cfg, err := config.LoadCLIFromEnv()
	if err != nil {
		return nil, err
	}
	pool, err := db.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	st := store.NewPostgres(pool, nil)
	layer := idem.New(st, nil)
	agg := stats.New(st, nil)
	engine := perf.NewEngine(prices.NewClient(cfg.PriceAPIBaseURL, cfg.PriceAPIKey, nil), nil)
	return &services{
		store:   st,
		game:    game.NewService(st, engine, layer, agg, nil),
		predict: predict.NewService(st, layer, agg, nil),
		stats:   agg,
		ingest:  ingest.New(st, nil),
		close:   pool.Close,
	}, nil
}

func newSettleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "settle",
		Short: "Settle every game whose window has closed",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svcs, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer svcs.close()
			n, err := svcs.game.SettleDueGames(cmd.Context(), time.Now().UTC())
			if err != nil {
				return err
			}
			fmt.Printf("settled %d game(s)\n", n)
			return nil
		},
	}
}

func newResolveMoodCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve-mood",
		Short: "Grade mood predictions whose target day has passed",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svcs, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer svcs.close()
			n, err := svcs.predict.ResolveMoodPredictions(cmd.Context(), time.Now().UTC())
			if err != nil {
				return err
			}
			fmt.Printf("resolved %d prediction(s)\n", n)
			return nil
		},
	}
}

func newResolveEarningsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve-earnings",
		Short: "Sweep reported events and grade any ungraded predictions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svcs, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer svcs.close()
			n, err := svcs.predict.ResolveReportedEvents(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("resolved %d prediction(s)\n", n)
			return nil
		},
	}
}

func newReportEarningsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "report-earnings <event-id> <actual-eps>",
		Short: "Record a reported EPS and grade every prediction on the event",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			eps, err := strconv.ParseFloat(args[1], 64)
			if err != nil {
				return fmt.Errorf("parse eps %q: %w", args[1], err)
			}
			svcs, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer svcs.close()

			event, err := svcs.predict.SetEarningsActual(cmd.Context(), args[0], eps)
			if err != nil {
				return err
			}
			n, err := svcs.predict.ResolveEarnings(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s reported %s, graded %d prediction(s)\n", args[0], event.Result, n)
			return nil
		},
	}
}

func newRebuildLeaderboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild-leaderboard",
		Short: "Recompute every leaderboard entry from settled games",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svcs, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer svcs.close()
			if err := svcs.stats.Rebuild(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("leaderboard rebuilt")
			return nil
		},
	}
}

func newSeedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Load a small demo dataset for local development",
		RunE: func(cmd *cobra.Command, _ []string) error {
			svcs, err := connect(cmd.Context())
			if err != nil {
				return err
			}
			defer svcs.close()
			if err := seed(cmd.Context(), svcs.ingest); err != nil {
				return err
			}
			fmt.Println("demo data loaded")
			return nil
		},
	}
}

func seed(ctx context.Context, ing *ingest.Service) error {
	now := time.Now().UTC()
	members := []store.Member{
		{ID: "pelosi-n", Name: "Nancy Pelosi", Party: "D", Chamber: "house", State: "CA", SyncedThrough: now},
		{ID: "tuberville-t", Name: "Tommy Tuberville", Party: "R", Chamber: "senate", State: "AL", SyncedThrough: now},
	}
	for _, m := range members {
		if err := ing.SaveMember(ctx, m); err != nil {
			return err
		}
	}

	trades := []store.DisclosedTrade{
		{MemberID: "pelosi-n", TradeID: "seed-1", Ticker: "NVDA", Type: store.TradePurchase,
			TransactionDate: now.AddDate(0, 0, -20), FilingDate: now.AddDate(0, 0, -10),
			AmountLow: 1_000_001, AmountHigh: 5_000_000},
		{MemberID: "tuberville-t", TradeID: "seed-2", Ticker: "AAPL", Type: store.TradePurchase,
			TransactionDate: now.AddDate(0, 0, -15), FilingDate: now.AddDate(0, 0, -5),
			AmountLow: 15_001, AmountHigh: 50_000},
	}
	for _, t := range trades {
		if err := ing.SaveTrade(ctx, t); err != nil {
			return err
		}
	}

	picks := []store.TrackedPick{
		{FigureID: "cramer", Ticker: "NVDA", Action: store.PickBuy, PickDate: now.AddDate(0, 0, -7),
			RefPrice: 890.50, Show: "Mad Money"},
		{FigureID: "cramer", Ticker: "META", Action: store.PickSell, PickDate: now.AddDate(0, 0, -3),
			RefPrice: 480.25, Show: "Mad Money"},
	}
	for _, p := range picks {
		if err := ing.SavePick(ctx, p); err != nil {
			return err
		}
	}

	events := []store.EarningsEvent{
		{Ticker: "AAPL", Company: "Apple Inc", ReportDate: now.AddDate(0, 0, 14), EstimatedEPS: 1.50},
		{Ticker: "NVDA", Company: "NVIDIA Corp", ReportDate: now.AddDate(0, 0, 21), EstimatedEPS: 0.64},
	}
	for _, e := range events {
		if err := ing.SaveEarningsEvent(ctx, e); err != nil {
			return err
		}
	}

	return ing.SaveMoodSnapshot(ctx, 55, now)
}
