// Package game runs the beat-the-member competition: a user backs a basket
// of tickers against one tracked member's disclosed trades over a fixed
// window, and settlement compares the two returns.
package game

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"wallst/internal/idem"
	"wallst/internal/perf"
	"wallst/internal/store"
)

const (
	MinDurationDays     = 7
	MaxDurationDays     = 90
	DefaultDurationDays = 30
	MaxTickers          = 5
)

var (
	ErrActiveGameExists = errors.New("active game against this member already exists")
	// ErrNotReady means required price or filing data has not landed yet;
	// the game stays active and the next settlement pass retries it.
	ErrNotReady = errors.New("game not ready to settle")
)

// Hook receives each game exactly once, at the settlement that flipped it
// from active to settled.
type Hook interface {
	OnGameSettled(ctx context.Context, g store.Game) error
}

type Service struct {
	store  store.Store
	engine *perf.Engine
	idem   *idem.Layer
	hook   Hook
	log    *slog.Logger
	now    func() time.Time
}

func NewService(st store.Store, engine *perf.Engine, layer *idem.Layer, hook Hook, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  st,
		engine: engine,
		idem:   layer,
		hook:   hook,
		log:    logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// CreateGame opens a new game. One active game per user/member pair is
// allowed, and an exact retry of a create (same user, member and day)
// returns the originally created game instead of a duplicate.
func (s *Service) CreateGame(ctx context.Context, userID, memberID string, tickers []string, durationDays int) (store.Game, error) {
	if userID == "" || memberID == "" {
		return store.Game{}, fmt.Errorf("%w: user and member are required", store.ErrValidation)
	}
	clean, err := normalizeTickers(tickers)
	if err != nil {
		return store.Game{}, err
	}
	if durationDays == 0 {
		durationDays = DefaultDurationDays
	}
	if durationDays < MinDurationDays || durationDays > MaxDurationDays {
		return store.Game{}, fmt.Errorf("%w: duration must be %d-%d days, got %d",
			store.ErrValidation, MinDurationDays, MaxDurationDays, durationDays)
	}

	rec, err := s.store.Get(ctx, store.Key{Partition: "MEMBER#" + memberID, Sort: "PROFILE"})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return store.Game{}, fmt.Errorf("member %s: %w", memberID, err)
		}
		return store.Game{}, err
	}
	member := rec.Entity.(store.Member)

	now := s.now()
	if existing, err := s.activeGameAgainst(ctx, userID, memberID); err != nil {
		return store.Game{}, err
	} else if existing != nil {
		// A same-day repeat is a retry of the create that made this game;
		// collapse to it. An older active game is a real conflict.
		if store.DayKey(existing.CreatedAt) == store.DayKey(now) {
			return *existing, nil
		}
		return store.Game{}, fmt.Errorf("%w: game %s", ErrActiveGameExists, existing.ID)
	}

	g := store.Game{
		ID:         uuid.NewString()[:8],
		UserID:     userID,
		MemberID:   memberID,
		MemberName: member.Name,
		Tickers:    clean,
		StartDate:  now,
		EndDate:    now.AddDate(0, 0, durationDays),
		Status:     store.GameActive,
		CreatedAt:  now,
	}

	dedupeKey := userID + ":" + memberID + ":" + store.DayKey(now)
	stored, err := s.idem.Acquire(ctx, "game-create", dedupeKey, g)
	if err != nil {
		if errors.Is(err, idem.ErrAlreadyProcessed) {
			var first store.Game
			if uerr := idem.Stored(stored, &first); uerr != nil {
				return store.Game{}, uerr
			}
			s.log.Info("duplicate game create collapsed", "user_id", userID, "game_id", first.ID)
			return first, nil
		}
		return store.Game{}, err
	}

	if err := s.store.Create(ctx, g); err != nil {
		return store.Game{}, fmt.Errorf("create game %s: %w", g.ID, err)
	}
	s.log.Info("game created",
		"game_id", g.ID, "user_id", userID, "member_id", memberID,
		"tickers", clean, "end_date", store.DayKey(g.EndDate))
	return g, nil
}

func (s *Service) GetGame(ctx context.Context, userID, gameID string) (store.Game, error) {
	rec, err := s.store.Get(ctx, store.Key{Partition: "USER#" + userID, Sort: "GAME#" + gameID})
	if err != nil {
		return store.Game{}, err
	}
	return rec.Entity.(store.Game), nil
}

// ListGames returns the user's games, newest first. status filters when set.
// The sort key carries the random game id, so recency ordering happens here.
func (s *Service) ListGames(ctx context.Context, userID string, status store.GameStatus) ([]store.Game, error) {
	recs, err := store.Collect(s.store.Query(ctx, store.Query{
		Partition:  "USER#" + userID,
		SortPrefix: "GAME#",
	}))
	if err != nil {
		return nil, err
	}
	games := make([]store.Game, 0, len(recs))
	for _, rec := range recs {
		g := rec.Entity.(store.Game)
		if status != "" && g.Status != status {
			continue
		}
		games = append(games, g)
	}
	sort.Slice(games, func(i, j int) bool {
		return games[i].CreatedAt.After(games[j].CreatedAt)
	})
	return games, nil
}

// Standing is a point-in-time view of a game, never persisted.
type Standing struct {
	GameID       string       `json:"game_id"`
	AsOf         time.Time    `json:"as_of"`
	UserReturn   float64      `json:"user_return"`
	MemberReturn float64      `json:"member_return"`
	Outcome      perf.Outcome `json:"outcome"`
}

// Standing values both sides through the earlier of now and the window end
// without touching the stored game. Unlike settlement, missing price data
// does not defer here: a side that cannot be valued yields Indeterminate.
func (s *Service) Standing(ctx context.Context, userID, gameID string) (Standing, error) {
	g, err := s.GetGame(ctx, userID, gameID)
	if err != nil {
		return Standing{}, err
	}
	if g.Status == store.GameSettled {
		return Standing{
			GameID:       g.ID,
			AsOf:         g.SettledAt,
			UserReturn:   g.UserReturn,
			MemberReturn: g.MemberReturn,
			Outcome:      perf.Outcome(g.Outcome),
		}, nil
	}

	asOf := s.now()
	if asOf.After(g.EndDate) {
		asOf = g.EndDate
	}
	userReturn, userOK, err := s.engine.AggregateReturn(ctx, perf.LegsFromTickers(g.Tickers, g.StartDate, asOf))
	if err != nil {
		return Standing{}, err
	}

	trades, err := s.memberTrades(ctx, g.MemberID)
	if err != nil {
		return Standing{}, err
	}
	memberLegs := perf.LegsFromTrades(trades, g.StartDate, asOf)

	var memberReturn float64
	memberOK := false
	if len(memberLegs) == 0 {
		// Zero trades only count as a zero return once the filing feed is
		// confirmed complete through asOf.
		rec, err := s.store.Get(ctx, store.Key{Partition: "MEMBER#" + g.MemberID, Sort: "PROFILE"})
		if err != nil {
			return Standing{}, err
		}
		memberOK = !rec.Entity.(store.Member).SyncedThrough.Before(asOf)
	} else {
		memberReturn, memberOK, err = s.engine.AggregateReturn(ctx, memberLegs)
		if err != nil {
			return Standing{}, err
		}
	}

	st := Standing{GameID: g.ID, AsOf: asOf, UserReturn: userReturn, MemberReturn: memberReturn}
	if !userOK || !memberOK {
		st.Outcome = perf.Indeterminate
		return st, nil
	}
	st.Outcome = perf.Compare(userReturn, memberReturn)
	return st, nil
}

// SettleDueGames settles every active game whose window has closed as of
// asOf. One failing game never blocks the rest, and games waiting on data
// are simply left for the next pass. Returns the number settled.
func (s *Service) SettleDueGames(ctx context.Context, asOf time.Time) (int, error) {
	recs, err := store.Collect(s.store.Query(ctx, store.Query{
		Partition: "GAME#ACTIVE",
		Index:     true,
		SortTo:    store.DayKey(asOf.AddDate(0, 0, 1)),
	}))
	if err != nil {
		return 0, fmt.Errorf("scan due games: %w", err)
	}

	settled := 0
	for _, rec := range recs {
		g := rec.Entity.(store.Game)
		if _, err := s.Settle(ctx, g); err != nil {
			if errors.Is(err, ErrNotReady) {
				s.log.Info("settlement deferred", "game_id", g.ID, "reason", err)
				continue
			}
			s.log.Error("settlement failed", "game_id", g.ID, "error", err)
			continue
		}
		settled++
	}
	return settled, nil
}

// Settle resolves one game. Re-settling a settled game returns the stored
// result unchanged. A lost race with a concurrent settler resolves the same
// way: re-read and return whatever won.
func (s *Service) Settle(ctx context.Context, g store.Game) (store.Game, error) {
	if g.Status == store.GameSettled {
		return g, nil
	}

	userReturn, memberReturn, err := s.computeReturns(ctx, g)
	if err != nil {
		return store.Game{}, err
	}

	outcome := store.GameOutcome(perf.Compare(userReturn, memberReturn))
	rec, err := s.store.Get(ctx, g.PrimaryKey())
	if err != nil {
		return store.Game{}, err
	}
	current := rec.Entity.(store.Game)
	if current.Status == store.GameSettled {
		return current, nil
	}

	current.Status = store.GameSettled
	current.UserReturn = userReturn
	current.MemberReturn = memberReturn
	current.Outcome = outcome
	current.SettledAt = s.now()

	if err := s.store.Update(ctx, current, rec.Version); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			fresh, gerr := s.store.Get(ctx, g.PrimaryKey())
			if gerr != nil {
				return store.Game{}, gerr
			}
			if settled := fresh.Entity.(store.Game); settled.Status == store.GameSettled {
				return settled, nil
			}
		}
		return store.Game{}, fmt.Errorf("settle game %s: %w", g.ID, err)
	}

	s.log.Info("game settled",
		"game_id", current.ID, "user_id", current.UserID,
		"outcome", current.Outcome,
		"user_return", current.UserReturn, "member_return", current.MemberReturn)

	if s.hook != nil {
		if err := s.hook.OnGameSettled(ctx, current); err != nil {
			// The leaderboard rebuild recovers stats, so a hook failure
			// must not unsettle the game.
			s.log.Error("settlement hook failed", "game_id", current.ID, "error", err)
		}
	}
	return current, nil
}

// computeReturns values both sides of the window, or reports ErrNotReady
// when either side cannot be valued yet. A member with zero purchases in the
// window settles at 0 only once the trade feed is confirmed complete through
// the window end; before that, absence of trades is not evidence.
func (s *Service) computeReturns(ctx context.Context, g store.Game) (userReturn, memberReturn float64, err error) {
	userLegs := perf.LegsFromTickers(g.Tickers, g.StartDate, g.EndDate)
	userReturn, ok, err := s.engine.AggregateReturn(ctx, userLegs)
	if err != nil {
		return 0, 0, err
	}
	if !ok {
		return 0, 0, fmt.Errorf("%w: no price data for user basket", ErrNotReady)
	}

	trades, err := s.memberTrades(ctx, g.MemberID)
	if err != nil {
		return 0, 0, err
	}
	memberLegs := perf.LegsFromTrades(trades, g.StartDate, g.EndDate)
	if len(memberLegs) == 0 {
		rec, err := s.store.Get(ctx, store.Key{Partition: "MEMBER#" + g.MemberID, Sort: "PROFILE"})
		if err != nil {
			return 0, 0, err
		}
		member := rec.Entity.(store.Member)
		if member.SyncedThrough.Before(g.EndDate) {
			return 0, 0, fmt.Errorf("%w: member filings synced through %s, window ends %s",
				ErrNotReady, store.DayKey(member.SyncedThrough), store.DayKey(g.EndDate))
		}
		return userReturn, 0, nil
	}

	memberReturn, ok, err = s.engine.AggregateReturn(ctx, memberLegs)
	if err != nil {
		return 0, 0, err
	}
	if !ok {
		return 0, 0, fmt.Errorf("%w: no price data for member trades", ErrNotReady)
	}
	return userReturn, memberReturn, nil
}

func (s *Service) memberTrades(ctx context.Context, memberID string) ([]store.DisclosedTrade, error) {
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

func (s *Service) activeGameAgainst(ctx context.Context, userID, memberID string) (*store.Game, error) {
	games, err := s.ListGames(ctx, userID, store.GameActive)
	if err != nil {
		return nil, err
	}
	for _, g := range games {
		if g.MemberID == memberID {
			return &g, nil
		}
	}
	return nil, nil
}

func normalizeTickers(tickers []string) ([]string, error) {
	if len(tickers) == 0 || len(tickers) > MaxTickers {
		return nil, fmt.Errorf("%w: pick 1-%d tickers, got %d", store.ErrValidation, MaxTickers, len(tickers))
	}
	seen := make(map[string]bool, len(tickers))
	clean := make([]string, 0, len(tickers))
	for _, raw := range tickers {
		t := strings.ToUpper(strings.TrimSpace(raw))
		if err := store.ValidateTicker(t); err != nil {
			return nil, fmt.Errorf("%w (%q)", err, raw)
		}
		if seen[t] {
			return nil, fmt.Errorf("%w: duplicate ticker %s", store.ErrValidation, t)
		}
		seen[t] = true
		clean = append(clean, t)
	}
	return clean, nil
}
