// Package perf computes time-windowed returns from raw position histories
// and compares two return series head to head.
package perf

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"wallst/internal/prices"
	"wallst/internal/store"
)

// Epsilon bounds the return difference below which a comparison is a tie.
const Epsilon = 0.0001

// Outcome of comparing two return series from the first side's perspective.
type Outcome string

const (
	Win  Outcome = "WIN"
	Loss Outcome = "LOSS"
	Tie  Outcome = "TIE"
	// Indeterminate means one side had no usable price data at all; it is a
	// defined result, never a fabricated number.
	Indeterminate Outcome = "INDETERMINATE"
)

// Leg is one discrete position inside a return computation. EntryPrice is
// used when known (e.g. a filing carried the transaction price); otherwise
// the price source resolves the entry date.
type Leg struct {
	Ticker        string
	EntryDate     time.Time
	EntryPrice    float64
	HasEntryPrice bool
	ExitDate      time.Time
}

type Engine struct {
	prices prices.Source
	log    *slog.Logger
}

func NewEngine(src prices.Source, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{prices: src, log: logger}
}

// LegReturn computes the simple (not compounded) percentage change of one
// leg. Missing price data surfaces as prices.ErrUnavailable.
func (e *Engine) LegReturn(ctx context.Context, leg Leg) (float64, error) {
	entry := leg.EntryPrice
	if !leg.HasEntryPrice {
		p, err := e.prices.PriceAt(ctx, leg.Ticker, leg.EntryDate)
		if err != nil {
			return 0, err
		}
		entry = p
	}
	if entry <= 0 {
		return 0, fmt.Errorf("%s: %w", leg.Ticker, prices.ErrUnavailable)
	}
	exit, err := e.prices.PriceAt(ctx, leg.Ticker, leg.ExitDate)
	if err != nil {
		return 0, err
	}
	return (exit - entry) / entry, nil
}

// AggregateReturn is the equal-weighted average over legs whose price data is
// available. Unavailable legs are excluded and do not drag the average toward
// zero. ok is false when no leg could be valued; the caller decides whether
// that defers (settlement) or yields Indeterminate (on-demand computation).
// Only data unavailability is absorbed; any other error aborts.
func (e *Engine) AggregateReturn(ctx context.Context, legs []Leg) (ret float64, ok bool, err error) {
	var sum float64
	var n int
	for _, leg := range legs {
		r, err := e.LegReturn(ctx, leg)
		if err != nil {
			if errors.Is(err, prices.ErrUnavailable) {
				e.log.Debug("leg excluded, price unavailable", "ticker", leg.Ticker)
				continue
			}
			return 0, false, err
		}
		sum += r
		n++
	}
	if n == 0 {
		return 0, false, nil
	}
	return sum / float64(n), true, nil
}

// Compare resolves a head-to-head outcome from the first return's
// perspective, treating differences below Epsilon as ties so float noise
// never decides a game.
func Compare(a, b float64) Outcome {
	if math.Abs(a-b) < Epsilon {
		return Tie
	}
	if a > b {
		return Win
	}
	return Loss
}

// LegsFromTrades opens one leg per purchase-type disclosed trade whose
// transaction date falls inside [start, end], valued through the window end.
// Sales and exchanges carry no open exposure over the window and are skipped.
func LegsFromTrades(trades []store.DisclosedTrade, start, end time.Time) []Leg {
	var legs []Leg
	for _, t := range trades {
		if t.Type != store.TradePurchase {
			continue
		}
		if t.TransactionDate.Before(start) || t.TransactionDate.After(end) {
			continue
		}
		legs = append(legs, Leg{
			Ticker:        t.Ticker,
			EntryDate:     t.TransactionDate,
			EntryPrice:    t.PriceAtTransaction,
			HasEntryPrice: t.PriceAtTransaction > 0,
			ExitDate:      end,
		})
	}
	return legs
}

// LegsFromTickers opens one leg per backed ticker, entered at the window
// start and valued through the window end.
func LegsFromTickers(tickers []string, start, end time.Time) []Leg {
	legs := make([]Leg, 0, len(tickers))
	for _, ticker := range tickers {
		legs = append(legs, Leg{Ticker: ticker, EntryDate: start, ExitDate: end})
	}
	return legs
}
