// Package ingest writes externally sourced facts into the store: figure
// picks, member profiles and filings, mood readings and earnings calendar
// entries. Facts are immutable once written; re-delivery of the same fact
// is a no-op, never an overwrite.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"wallst/internal/store"
)

const (
	memberAttempts = 3
	retryPause     = 50 * time.Millisecond
)

type Service struct {
	store store.Store
	log   *slog.Logger
}

func New(st store.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, log: logger}
}

// SavePick records an on-air stock call. Duplicate delivery (same figure,
// day and ticker) keeps the first version.
func (s *Service) SavePick(ctx context.Context, p store.TrackedPick) error {
	if p.FigureID == "" {
		return fmt.Errorf("%w: figure is required", store.ErrValidation)
	}
	p.Ticker = strings.ToUpper(strings.TrimSpace(p.Ticker))
	if err := store.ValidateTicker(p.Ticker); err != nil {
		return err
	}
	if _, err := store.ParsePickAction(string(p.Action)); err != nil {
		return err
	}
	if p.PickDate.IsZero() {
		return fmt.Errorf("%w: pick date is required", store.ErrValidation)
	}
	return s.create(ctx, p, "pick")
}

// SaveMember upserts a member profile. Profiles are mutable, unlike facts:
// party, chamber and the feed's synced-through watermark move over time.
// The watermark only moves forward.
func (s *Service) SaveMember(ctx context.Context, m store.Member) error {
	if m.ID == "" || m.Name == "" {
		return fmt.Errorf("%w: member id and name are required", store.ErrValidation)
	}
	// The watermark merge must see the version it read at, or a concurrent
	// ingest could slide SyncedThrough backwards.
	var lastErr error
	for attempt := 0; attempt < memberAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepWithContext(ctx, retryPause); err != nil {
				return err
			}
		}

		rec, err := s.store.Get(ctx, m.PrimaryKey())
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}

		if errors.Is(err, store.ErrNotFound) {
			if cerr := s.store.Create(ctx, m); cerr != nil {
				if errors.Is(cerr, store.ErrConflict) {
					lastErr = cerr
					continue
				}
				return cerr
			}
			return nil
		}

		merged := m
		existing := rec.Entity.(store.Member)
		if merged.SyncedThrough.Before(existing.SyncedThrough) {
			merged.SyncedThrough = existing.SyncedThrough
		}
		if uerr := s.store.Update(ctx, merged, rec.Version); uerr != nil {
			if errors.Is(uerr, store.ErrVersionConflict) {
				lastErr = uerr
				continue
			}
			return uerr
		}
		return nil
	}
	return fmt.Errorf("save member %s: %w", m.ID, lastErr)
}

// SaveTrade records one disclosed transaction from a member's filing.
func (s *Service) SaveTrade(ctx context.Context, t store.DisclosedTrade) error {
	if t.MemberID == "" || t.TradeID == "" {
		return fmt.Errorf("%w: member and trade ids are required", store.ErrValidation)
	}
	t.Ticker = strings.ToUpper(strings.TrimSpace(t.Ticker))
	if err := store.ValidateTicker(t.Ticker); err != nil {
		return err
	}
	if _, err := store.ParseTradeType(string(t.Type)); err != nil {
		return err
	}
	if t.TransactionDate.IsZero() || t.FilingDate.IsZero() {
		return fmt.Errorf("%w: transaction and filing dates are required", store.ErrValidation)
	}
	if t.AmountHigh < t.AmountLow {
		return fmt.Errorf("%w: amount range inverted", store.ErrValidation)
	}
	return s.create(ctx, t, "trade")
}

// SaveMoodSnapshot appends one index reading.
func (s *Service) SaveMoodSnapshot(ctx context.Context, index int, at time.Time) error {
	if index < 0 || index > 100 {
		return fmt.Errorf("%w: index must be 0-100, got %d", store.ErrValidation, index)
	}
	if at.IsZero() {
		return fmt.Errorf("%w: reading time is required", store.ErrValidation)
	}
	snap := store.MoodSnapshot{
		Index: index,
		Label: store.MoodLabelFromIndex(index),
		At:    at.UTC(),
	}
	return s.create(ctx, snap, "mood snapshot")
}

// SaveEarningsEvent adds a calendar entry awaiting results. Re-delivery
// never resets an event that has already reported.
func (s *Service) SaveEarningsEvent(ctx context.Context, e store.EarningsEvent) error {
	e.Ticker = strings.ToUpper(strings.TrimSpace(e.Ticker))
	if err := store.ValidateTicker(e.Ticker); err != nil {
		return err
	}
	if e.ReportDate.IsZero() {
		return fmt.Errorf("%w: report date is required", store.ErrValidation)
	}
	e.Result = store.ResultPending
	e.ActualEPS = 0
	return s.create(ctx, e, "earnings event")
}

// ListPicks returns a figure's picks in chronological order.
func (s *Service) ListPicks(ctx context.Context, figureID string) ([]store.TrackedPick, error) {
	recs, err := store.Collect(s.store.Query(ctx, store.Query{
		Partition:  "FIGURE#" + figureID,
		SortPrefix: "PICK#",
	}))
	if err != nil {
		return nil, err
	}
	picks := make([]store.TrackedPick, 0, len(recs))
	for _, rec := range recs {
		picks = append(picks, rec.Entity.(store.TrackedPick))
	}
	return picks, nil
}

// ListMembers returns every tracked member profile, sorted by name.
func (s *Service) ListMembers(ctx context.Context) ([]store.Member, error) {
	recs, err := store.Collect(s.store.Query(ctx, store.Query{
		Partition: "MEMBERS",
		Index:     true,
	}))
	if err != nil {
		return nil, err
	}
	members := make([]store.Member, 0, len(recs))
	for _, rec := range recs {
		members = append(members, rec.Entity.(store.Member))
	}
	return members, nil
}

// ListTrades returns a member's disclosed trades in filing order.
func (s *Service) ListTrades(ctx context.Context, memberID string) ([]store.DisclosedTrade, error) {
	recs, err := store.Collect(s.store.Query(ctx, store.Query{
		Partition:  "MEMBER#" + memberID,
		SortPrefix: "TRADE#",
	}))
	if err != nil {
		return nil, err
	}
	trades := make([]store.DisclosedTrade, 0, len(recs))
	for _, rec := range recs {
		trades = append(trades, rec.Entity.(store.DisclosedTrade))
	}
	return trades, nil
}

// TickerActivity returns everything recorded against one ticker: figure
// picks and disclosed trades, interleaved in date order off the shared
// ticker index.
func (s *Service) TickerActivity(ctx context.Context, ticker string) (picks []store.TrackedPick, trades []store.DisclosedTrade, err error) {
	ticker = strings.ToUpper(strings.TrimSpace(ticker))
	if err := store.ValidateTicker(ticker); err != nil {
		return nil, nil, err
	}
	recs, err := store.Collect(s.store.Query(ctx, store.Query{
		Partition: "TICKER#" + ticker,
		Index:     true,
	}))
	if err != nil {
		return nil, nil, err
	}
	for _, rec := range recs {
		switch e := rec.Entity.(type) {
		case store.TrackedPick:
			picks = append(picks, e)
		case store.DisclosedTrade:
			trades = append(trades, e)
		}
	}
	return picks, trades, nil
}

func (s *Service) create(ctx context.Context, e store.Entity, what string) error {
	err := s.store.Create(ctx, e)
	if errors.Is(err, store.ErrConflict) {
		s.log.Debug("duplicate ingest dropped", "what", what, "key", e.PrimaryKey())
		return nil
	}
	return err
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
