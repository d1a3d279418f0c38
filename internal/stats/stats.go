// Package stats maintains per-user counters and the leaderboard, a
// materialized ranking over settled games that can always be rebuilt from
// the game records themselves.
package stats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"wallst/internal/store"
)

// Counter updates race with each other (two settlements for the same user,
// a settlement against a rebuild), so writes go through optimistic
// concurrency with a short bounded retry.
const (
	updateAttempts = 3
	retryPause     = 50 * time.Millisecond
)

// PredKind names which prediction family a resolution belongs to.
type PredKind string

const (
	PredMood     PredKind = "mood"
	PredEarnings PredKind = "earnings"
)

type Aggregator struct {
	store store.Store
	log   *slog.Logger
	now   func() time.Time
}

func New(st store.Store, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{store: st, log: logger, now: func() time.Time { return time.Now().UTC() }}
}

// OnGameSettled folds one settled game into the user's counters and
// refreshes their leaderboard entry. Called exactly once per game by the
// settlement hook.
func (a *Aggregator) OnGameSettled(ctx context.Context, g store.Game) error {
	s, err := a.updateStats(ctx, g.UserID, func(s *store.UserStats) {
		applyGame(s, g)
	})
	if err != nil {
		return fmt.Errorf("stats for game %s: %w", g.ID, err)
	}
	return a.writeEntry(ctx, s)
}

// OnPredictionResolved folds one resolved prediction into the user's
// counters. Ticks the shared prediction streak across both families.
func (a *Aggregator) OnPredictionResolved(ctx context.Context, userID string, kind PredKind, correct bool) error {
	_, err := a.updateStats(ctx, userID, func(s *store.UserStats) {
		switch kind {
		case PredMood:
			s.MoodTotal++
			if correct {
				s.MoodCorrect++
			}
		case PredEarnings:
			s.EarningsTotal++
			if correct {
				s.EarningsCorrect++
			}
		}
		if correct {
			s.PredStreak++
			if s.PredStreak > s.LongestPredStreak {
				s.LongestPredStreak = s.PredStreak
			}
		} else {
			s.PredStreak = 0
		}
	})
	return err
}

// UserStats returns the user's counters; a user with no history gets zeros.
func (a *Aggregator) UserStats(ctx context.Context, userID string) (store.UserStats, error) {
	rec, err := a.store.Get(ctx, store.Key{Partition: "USER#" + userID, Sort: "STATS"})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.UserStats{UserID: userID}, nil
		}
		return store.UserStats{}, err
	}
	return rec.Entity.(store.UserStats), nil
}

// Leaderboard returns the top entries, best first.
func (a *Aggregator) Leaderboard(ctx context.Context, limit int) ([]store.LeaderboardEntry, error) {
	recs, err := store.Collect(a.store.Query(ctx, store.Query{
		Partition:  "LEADERBOARD",
		Index:      true,
		Descending: true,
		Limit:      limit,
	}))
	if err != nil {
		return nil, err
	}
	entries := make([]store.LeaderboardEntry, 0, len(recs))
	for _, rec := range recs {
		entries = append(entries, rec.Entity.(store.LeaderboardEntry))
	}
	return entries, nil
}

// Rebuild recomputes every user's game counters and leaderboard entry from
// the settled-game records. Incremental updates and a rebuild land on the
// same numbers because both derive purely from game fields; prediction
// counters have no game source of truth and are preserved as-is.
func (a *Aggregator) Rebuild(ctx context.Context) error {
	recs, err := store.Collect(a.store.Query(ctx, store.Query{
		Partition: "GAME#SETTLED",
		Index:     true,
	}))
	if err != nil {
		return fmt.Errorf("scan settled games: %w", err)
	}

	byUser := make(map[string][]store.Game)
	for _, rec := range recs {
		g := rec.Entity.(store.Game)
		byUser[g.UserID] = append(byUser[g.UserID], g)
	}

	for userID, games := range byUser {
		// Streaks depend on settlement order.
		sort.Slice(games, func(i, j int) bool {
			return games[i].SettledAt.Before(games[j].SettledAt)
		})
		s, err := a.updateStats(ctx, userID, func(s *store.UserStats) {
			s.GamesPlayed = 0
			s.GamesWon = 0
			s.GamesLost = 0
			s.GamesTied = 0
			s.MarginSum = 0
			s.WinStreak = 0
			s.LongestWinStreak = 0
			for _, g := range games {
				applyGame(s, g)
			}
		})
		if err != nil {
			return fmt.Errorf("rebuild stats for %s: %w", userID, err)
		}
		if err := a.writeEntry(ctx, s); err != nil {
			return err
		}
	}
	a.log.Info("leaderboard rebuilt", "users", len(byUser), "games", len(recs))
	return nil
}

// updateStats applies fn to the user's stats under optimistic concurrency,
// retrying a bounded number of times on version conflicts.
func (a *Aggregator) updateStats(ctx context.Context, userID string, fn func(*store.UserStats)) (store.UserStats, error) {
	key := store.Key{Partition: "USER#" + userID, Sort: "STATS"}
	var lastErr error
	for attempt := 0; attempt < updateAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepWithContext(ctx, retryPause); err != nil {
				return store.UserStats{}, err
			}
		}

		rec, err := a.store.Get(ctx, key)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return store.UserStats{}, err
		}

		if errors.Is(err, store.ErrNotFound) {
			s := store.UserStats{UserID: userID}
			fn(&s)
			s.UpdatedAt = a.now()
			if cerr := a.store.Create(ctx, s); cerr != nil {
				if errors.Is(cerr, store.ErrConflict) {
					lastErr = cerr
					continue
				}
				return store.UserStats{}, cerr
			}
			return s, nil
		}

		s := rec.Entity.(store.UserStats)
		fn(&s)
		s.UpdatedAt = a.now()
		if uerr := a.store.Update(ctx, s, rec.Version); uerr != nil {
			if errors.Is(uerr, store.ErrVersionConflict) {
				lastErr = uerr
				continue
			}
			return store.UserStats{}, uerr
		}
		return s, nil
	}
	return store.UserStats{}, fmt.Errorf("stats update for %s: %w", userID, lastErr)
}

// writeEntry derives the leaderboard row from the stats snapshot. A plain
// upsert is enough: a lost race leaves a slightly stale row that the next
// settlement or rebuild corrects.
func (a *Aggregator) writeEntry(ctx context.Context, s store.UserStats) error {
	if s.GamesPlayed == 0 {
		return nil
	}
	entry := store.LeaderboardEntry{
		UserID:      s.UserID,
		GamesPlayed: s.GamesPlayed,
		Wins:        s.GamesWon,
		WinRate:     float64(s.GamesWon) / float64(s.GamesPlayed),
		AvgMargin:   s.MarginSum / float64(s.GamesPlayed),
		UpdatedAt:   a.now(),
	}
	if err := a.store.Put(ctx, entry); err != nil {
		return fmt.Errorf("leaderboard entry for %s: %w", s.UserID, err)
	}
	return nil
}

func applyGame(s *store.UserStats, g store.Game) {
	s.GamesPlayed++
	s.MarginSum += g.UserReturn - g.MemberReturn
	switch g.Outcome {
	case store.GameWin:
		s.GamesWon++
		s.WinStreak++
		if s.WinStreak > s.LongestWinStreak {
			s.LongestWinStreak = s.WinStreak
		}
	case store.GameLoss:
		s.GamesLost++
		s.WinStreak = 0
	case store.GameTie:
		// A tie neither extends nor breaks the streak.
		s.GamesTied++
	}
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
