package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func day(s string) time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestParseFunctionsAcceptMixedCase(t *testing.T) {
	if a, err := ParsePickAction("buy"); err != nil || a != PickBuy {
		t.Fatalf("ParsePickAction(buy) = %v, %v", a, err)
	}
	if c, err := ParseEarningsCall(" Beat "); err != nil || c != CallBeat {
		t.Fatalf("ParseEarningsCall(Beat) = %v, %v", c, err)
	}
	if d, err := ParseMoodDirection("down"); err != nil || d != MoodDown {
		t.Fatalf("ParseMoodDirection(down) = %v, %v", d, err)
	}
	if tt, err := ParseTradeType("Sale (Partial)"); err != nil || tt != TradeSalePartial {
		t.Fatalf("ParseTradeType = %v, %v", tt, err)
	}
	if _, err := ParseEarningsCall("maybe"); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestValidateTicker(t *testing.T) {
	for _, ok := range []string{"A", "AAPL", "GOOGL"} {
		if err := ValidateTicker(ok); err != nil {
			t.Fatalf("expected %q valid: %v", ok, err)
		}
	}
	for _, bad := range []string{"", "aapl", "TOOLONG", "BRK.B"} {
		if err := ValidateTicker(bad); err == nil {
			t.Fatalf("expected %q invalid", bad)
		}
	}
}

func TestMoodLabelFromIndex(t *testing.T) {
	tests := []struct {
		index int
		want  MoodLabel
	}{
		{0, MoodExtremeFear},
		{20, MoodExtremeFear},
		{21, MoodFear},
		{50, MoodNeutral},
		{61, MoodGreed},
		{81, MoodExtremeGreed},
		{100, MoodExtremeGreed},
	}
	for _, tc := range tests {
		if got := MoodLabelFromIndex(tc.index); got != tc.want {
			t.Fatalf("index=%d got=%s want=%s", tc.index, got, tc.want)
		}
	}
}

func TestKeyDerivation(t *testing.T) {
	pick := TrackedPick{FigureID: "cramer", Ticker: "NVDA", Action: PickBuy, PickDate: day("2024-03-05")}
	if got := pick.PrimaryKey(); got.Partition != "FIGURE#cramer" || got.Sort != "PICK#2024-03-05#NVDA" {
		t.Fatalf("pick key = %+v", got)
	}
	idx, ok := pick.IndexKey()
	if !ok || idx.Partition != "TICKER#NVDA" {
		t.Fatalf("pick index = %+v ok=%v", idx, ok)
	}

	game := Game{ID: "g1", UserID: "u1", Status: GameActive, EndDate: day("2024-02-01")}
	idx, ok = game.IndexKey()
	if !ok || idx.Partition != "GAME#ACTIVE" || idx.Sort != "2024-02-01#u1#g1" {
		t.Fatalf("active game index = %+v ok=%v", idx, ok)
	}
	game.Status = GameSettled
	idx, _ = game.IndexKey()
	if idx.Partition != "GAME#SETTLED" {
		t.Fatalf("settled game index = %+v", idx)
	}

	pred := MoodPrediction{UserID: "u1", TargetDate: day("2024-04-12"), Outcome: OutcomePending}
	if _, ok := pred.IndexKey(); !ok {
		t.Fatalf("pending mood prediction should be indexed")
	}
	pred.Outcome = OutcomeCorrect
	if _, ok := pred.IndexKey(); ok {
		t.Fatalf("resolved mood prediction should leave the pending index")
	}
}

func TestLeaderboardSortKeyOrdersByWinsThenMargin(t *testing.T) {
	a, _ := LeaderboardEntry{UserID: "a", Wins: 3, AvgMargin: 0.01}.IndexKey()
	b, _ := LeaderboardEntry{UserID: "b", Wins: 12, AvgMargin: -0.20}.IndexKey()
	c, _ := LeaderboardEntry{UserID: "c", Wins: 3, AvgMargin: 0.05}.IndexKey()
	if !(b.Sort > c.Sort && c.Sort > a.Sort) {
		t.Fatalf("unexpected ordering: a=%q b=%q c=%q", a.Sort, b.Sort, c.Sort)
	}
}

func TestMemoryCreateConflict(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	m := Member{ID: "m1", Name: "Jane Doe", Party: "D", Chamber: "House"}
	if err := s.Create(ctx, m); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if err := s.Create(ctx, m); !errors.Is(err, ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestMemoryGetNotFound(t *testing.T) {
	s := NewMemory()
	_, err := s.Get(context.Background(), Key{Partition: "USER#none", Sort: "STATS"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryOptimisticUpdate(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	stats := UserStats{UserID: "u1", GamesPlayed: 1}
	if err := s.Create(ctx, stats); err != nil {
		t.Fatalf("create: %v", err)
	}
	rec, err := s.Get(ctx, stats.PrimaryKey())
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	stats.GamesPlayed = 2
	if err := s.Update(ctx, stats, rec.Version); err != nil {
		t.Fatalf("update at current version: %v", err)
	}
	// Stale writer must lose.
	stats.GamesPlayed = 99
	if err := s.Update(ctx, stats, rec.Version); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected ErrVersionConflict, got %v", err)
	}

	rec, err = s.Get(ctx, stats.PrimaryKey())
	if err != nil {
		t.Fatalf("re-get: %v", err)
	}
	if got := rec.Entity.(UserStats).GamesPlayed; got != 2 {
		t.Fatalf("games played = %d, want 2", got)
	}
}

func TestMemoryQueryRangeAndOrder(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	dates := []string{"2024-01-03", "2024-01-01", "2024-01-05", "2024-01-02"}
	for i, d := range dates {
		pick := TrackedPick{FigureID: "cramer", Ticker: string(rune('A' + i)), Action: PickBuy, PickDate: day(d)}
		if err := s.Create(ctx, pick); err != nil {
			t.Fatalf("create %s: %v", d, err)
		}
	}

	recs, err := Collect(s.Query(ctx, Query{
		Partition: "FIGURE#cramer",
		SortFrom:  "PICK#2024-01-02",
		SortTo:    "PICK#2024-01-04",
	}))
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
	first := recs[0].Entity.(TrackedPick)
	second := recs[1].Entity.(TrackedPick)
	if !first.PickDate.Before(second.PickDate) {
		t.Fatalf("expected ascending sort order, got %v then %v", first.PickDate, second.PickDate)
	}

	recs, err = Collect(s.Query(ctx, Query{Partition: "FIGURE#cramer", SortPrefix: "PICK#", Descending: true, Limit: 1}))
	if err != nil {
		t.Fatalf("desc query: %v", err)
	}
	if len(recs) != 1 || recs[0].Entity.(TrackedPick).PickDate != day("2024-01-05") {
		t.Fatalf("descending limit 1 should return latest pick, got %+v", recs)
	}
}

func TestMemoryIndexFollowsStateChange(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	g := Game{ID: "g1", UserID: "u1", Status: GameActive, EndDate: day("2024-02-01")}
	if err := s.Create(ctx, g); err != nil {
		t.Fatalf("create: %v", err)
	}

	active, err := Collect(s.Query(ctx, Query{Partition: "GAME#ACTIVE", Index: true}))
	if err != nil || len(active) != 1 {
		t.Fatalf("active index: %v (%d)", err, len(active))
	}

	rec, _ := s.Get(ctx, g.PrimaryKey())
	g.Status = GameSettled
	if err := s.Update(ctx, g, rec.Version); err != nil {
		t.Fatalf("settle update: %v", err)
	}

	active, _ = Collect(s.Query(ctx, Query{Partition: "GAME#ACTIVE", Index: true}))
	if len(active) != 0 {
		t.Fatalf("settled game still on active index")
	}
	settled, _ := Collect(s.Query(ctx, Query{Partition: "GAME#SETTLED", Index: true}))
	if len(settled) != 1 {
		t.Fatalf("settled game missing from settled index")
	}
}
