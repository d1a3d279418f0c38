package predict

import (
	"context"
	"errors"
	"testing"
	"time"

	"wallst/internal/idem"
	"wallst/internal/stats"
	"wallst/internal/store"
)

func newTestService(t *testing.T) (*Service, *store.Memory, *stats.Aggregator) {
	t.Helper()
	mem := store.NewMemory()
	agg := stats.New(mem, nil)
	svc := NewService(mem, idem.New(mem, nil), agg, nil)
	return svc, mem, agg
}

func seedSnapshot(t *testing.T, mem *store.Memory, index int, at time.Time) {
	t.Helper()
	snap := store.MoodSnapshot{Index: index, Label: store.MoodLabelFromIndex(index), At: at}
	if err := mem.Put(context.Background(), snap); err != nil {
		t.Fatalf("seed snapshot: %v", err)
	}
}

func seedEvent(t *testing.T, mem *store.Memory, ticker string, report time.Time, estimate float64) store.EarningsEvent {
	t.Helper()
	e := store.EarningsEvent{
		Ticker: ticker, Company: ticker + " Inc", ReportDate: report,
		EstimatedEPS: estimate, Result: store.ResultPending,
	}
	if err := mem.Create(context.Background(), e); err != nil {
		t.Fatalf("seed event: %v", err)
	}
	return e
}

func TestCurrentMood(t *testing.T) {
	svc, mem, _ := newTestService(t)
	ctx := context.Background()

	// Nothing ingested yet: neutral placeholder.
	snap, err := svc.CurrentMood(ctx)
	if err != nil {
		t.Fatalf("CurrentMood: %v", err)
	}
	if snap.Index != 50 || snap.Label != store.MoodNeutral {
		t.Fatalf("placeholder = %+v", snap)
	}

	at := time.Date(2024, 3, 1, 16, 0, 0, 0, time.UTC)
	seedSnapshot(t, mem, 72, at.Add(-time.Hour))
	seedSnapshot(t, mem, 81, at)

	snap, err = svc.CurrentMood(ctx)
	if err != nil {
		t.Fatalf("CurrentMood: %v", err)
	}
	if snap.Index != 81 || snap.Label != store.MoodExtremeGreed {
		t.Fatalf("latest = %+v", snap)
	}
}

func TestSubmitMoodPredictionOncePerWindow(t *testing.T) {
	svc, mem, _ := newTestService(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }
	seedSnapshot(t, mem, 60, now.Add(-time.Hour))

	p, err := svc.SubmitMoodPrediction(ctx, "u1", store.MoodUp)
	if err != nil {
		t.Fatalf("SubmitMoodPrediction: %v", err)
	}
	want := time.Date(2024, 3, 8, 16, 0, 0, 0, time.UTC)
	if !p.TargetDate.Equal(want) {
		t.Fatalf("target = %v, want %v", p.TargetDate, want)
	}
	if p.RefIndex != 60 || p.Outcome != store.OutcomePending {
		t.Fatalf("prediction = %+v", p)
	}

	// Same window again: the original comes back, no second record.
	dup, err := svc.SubmitMoodPrediction(ctx, "u1", store.MoodDown)
	if !errors.Is(err, ErrAlreadyPredicted) {
		t.Fatalf("got %v, want ErrAlreadyPredicted", err)
	}
	if dup.ID != p.ID || dup.Direction != store.MoodUp {
		t.Fatalf("duplicate returned %+v, want original", dup)
	}

	// Next day is a new window.
	svc.now = func() time.Time { return now.AddDate(0, 0, 1) }
	if _, err := svc.SubmitMoodPrediction(ctx, "u1", store.MoodDown); err != nil {
		t.Fatalf("next window: %v", err)
	}
}

func TestResolveMoodPredictions(t *testing.T) {
	svc, mem, agg := newTestService(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }
	seedSnapshot(t, mem, 60, now.Add(-time.Hour))

	up, err := svc.SubmitMoodPrediction(ctx, "u1", store.MoodUp)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := svc.SubmitMoodPrediction(ctx, "u2", store.MoodDown); err != nil {
		t.Fatalf("submit: %v", err)
	}

	// No reading near the target yet: everything stays pending.
	n, err := svc.ResolveMoodPredictions(ctx, up.TargetDate.AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("ResolveMoodPredictions: %v", err)
	}
	if n != 0 {
		t.Fatalf("resolved %d early, want 0", n)
	}

	// Index closed at 70: UP (delta +10) correct, DOWN incorrect.
	seedSnapshot(t, mem, 70, up.TargetDate)
	svc.now = func() time.Time { return up.TargetDate.Add(time.Hour) }

	n, err = svc.ResolveMoodPredictions(ctx, up.TargetDate.AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("ResolveMoodPredictions: %v", err)
	}
	if n != 2 {
		t.Fatalf("resolved %d, want 2", n)
	}

	moods, _, err := svc.UserPredictions(ctx, "u1")
	if err != nil {
		t.Fatalf("UserPredictions: %v", err)
	}
	if len(moods) != 1 || moods[0].Outcome != store.OutcomeCorrect || moods[0].ActualIndex != 70 {
		t.Fatalf("u1 predictions = %+v", moods)
	}

	s, err := agg.UserStats(ctx, "u1")
	if err != nil {
		t.Fatalf("UserStats: %v", err)
	}
	if s.MoodTotal != 1 || s.MoodCorrect != 1 {
		t.Fatalf("u1 stats = %+v", s)
	}

	// A second pass finds nothing pending; stats do not double-count.
	n, err = svc.ResolveMoodPredictions(ctx, up.TargetDate.AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("second pass: %v", err)
	}
	if n != 0 {
		t.Fatalf("second pass resolved %d, want 0", n)
	}
	s, _ = agg.UserStats(ctx, "u1")
	if s.MoodTotal != 1 {
		t.Fatalf("stats double-counted: %+v", s)
	}
}

func TestResolveMoodPredictionsWaitsForClose(t *testing.T) {
	svc, mem, _ := newTestService(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }
	seedSnapshot(t, mem, 60, now.Add(-time.Hour))

	up, err := svc.SubmitMoodPrediction(ctx, "u1", store.MoodUp)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// A pass after midnight on the target day must not grade against the
	// previous evening's reading; the 16:00 close has not happened yet.
	seedSnapshot(t, mem, 40, up.TargetDate.Add(-17*time.Hour))
	early := time.Date(2024, 3, 8, 0, 30, 0, 0, time.UTC)
	n, err := svc.ResolveMoodPredictions(ctx, early)
	if err != nil {
		t.Fatalf("ResolveMoodPredictions: %v", err)
	}
	if n != 0 {
		t.Fatalf("resolved %d before the close, want 0", n)
	}
	moods, _, err := svc.UserPredictions(ctx, "u1")
	if err != nil {
		t.Fatalf("UserPredictions: %v", err)
	}
	if moods[0].Outcome != store.OutcomePending {
		t.Fatalf("outcome = %v before the close, want PENDING", moods[0].Outcome)
	}

	// Once the close reading lands the same pass grades it.
	seedSnapshot(t, mem, 70, up.TargetDate)
	svc.now = func() time.Time { return up.TargetDate.Add(30 * time.Minute) }
	n, err = svc.ResolveMoodPredictions(ctx, up.TargetDate.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("ResolveMoodPredictions: %v", err)
	}
	if n != 1 {
		t.Fatalf("resolved %d after the close, want 1", n)
	}
	moods, _, _ = svc.UserPredictions(ctx, "u1")
	if moods[0].Outcome != store.OutcomeCorrect || moods[0].ActualIndex != 70 {
		t.Fatalf("prediction = %+v, want CORRECT at 70", moods[0])
	}
}

func TestSubmitEarningsPredictionLatestWins(t *testing.T) {
	svc, mem, _ := newTestService(t)
	ctx := context.Background()
	report := time.Date(2024, 7, 25, 0, 0, 0, 0, time.UTC)
	event := seedEvent(t, mem, "AAPL", report, 1.50)

	if _, err := svc.SubmitEarningsPrediction(ctx, "u1", event.ID(), store.CallBeat); err != nil {
		t.Fatalf("submit: %v", err)
	}
	// Re-submission replaces the call and moves the tally.
	if _, err := svc.SubmitEarningsPrediction(ctx, "u1", event.ID(), store.CallMiss); err != nil {
		t.Fatalf("re-submit: %v", err)
	}

	_, earns, err := svc.UserPredictions(ctx, "u1")
	if err != nil {
		t.Fatalf("UserPredictions: %v", err)
	}
	if len(earns) != 1 || earns[0].Call != store.CallMiss {
		t.Fatalf("predictions = %+v, want single MISS", earns)
	}

	fresh, _, err := svc.eventByID(ctx, event.ID())
	if err != nil {
		t.Fatalf("event read: %v", err)
	}
	if fresh.TallyBeat != 0 || fresh.TallyMiss != 1 {
		t.Fatalf("tallies = beat %d miss %d, want 0/1", fresh.TallyBeat, fresh.TallyMiss)
	}

	// Unknown event.
	if _, err := svc.SubmitEarningsPrediction(ctx, "u1", "GHOST#2024-01-01", store.CallBeat); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
	if _, err := svc.SubmitEarningsPrediction(ctx, "u1", "nonsense", store.CallBeat); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("got %v, want ErrValidation", err)
	}
}

func TestEarningsClassification(t *testing.T) {
	tests := []struct {
		actual, estimate float64
		want             store.EarningsResult
	}{
		{1.60, 1.50, store.ResultBeat},
		{1.52, 1.50, store.ResultMeet}, // +1.3%, inside threshold
		{1.48, 1.50, store.ResultMeet}, // -1.3%
		{1.40, 1.50, store.ResultMiss},
		{-0.40, -0.50, store.ResultBeat}, // smaller loss beats a negative estimate
		{0.10, 0, store.ResultBeat},
		{0, 0, store.ResultMeet},
	}
	for _, tc := range tests {
		if got := classify(tc.actual, tc.estimate); got != tc.want {
			t.Fatalf("classify(%v, %v) = %v, want %v", tc.actual, tc.estimate, got, tc.want)
		}
	}
}

func TestSetEarningsActualSetOnce(t *testing.T) {
	svc, mem, _ := newTestService(t)
	ctx := context.Background()
	report := time.Date(2024, 7, 25, 0, 0, 0, 0, time.UTC)
	event := seedEvent(t, mem, "AAPL", report, 1.50)

	got, err := svc.SetEarningsActual(ctx, event.ID(), 1.62)
	if err != nil {
		t.Fatalf("SetEarningsActual: %v", err)
	}
	if got.Result != store.ResultBeat {
		t.Fatalf("result = %v, want BEAT", got.Result)
	}

	if _, err := svc.SetEarningsActual(ctx, event.ID(), 1.10); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("got %v, want ErrConflict on second report", err)
	}

	// A reported event is closed to new predictions.
	if _, err := svc.SubmitEarningsPrediction(ctx, "u1", event.ID(), store.CallBeat); !errors.Is(err, ErrEventClosed) {
		t.Fatalf("got %v, want ErrEventClosed", err)
	}
}

func TestResolveEarnings(t *testing.T) {
	svc, mem, agg := newTestService(t)
	ctx := context.Background()
	report := time.Date(2024, 7, 25, 0, 0, 0, 0, time.UTC)
	event := seedEvent(t, mem, "AAPL", report, 1.50)

	if _, err := svc.SubmitEarningsPrediction(ctx, "u1", event.ID(), store.CallBeat); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := svc.SubmitEarningsPrediction(ctx, "u2", event.ID(), store.CallMiss); err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Grading before the report is an error.
	if _, err := svc.ResolveEarnings(ctx, event.ID()); !errors.Is(err, store.ErrValidation) {
		t.Fatalf("got %v, want ErrValidation before report", err)
	}

	if _, err := svc.SetEarningsActual(ctx, event.ID(), 1.62); err != nil {
		t.Fatalf("SetEarningsActual: %v", err)
	}
	n, err := svc.ResolveEarnings(ctx, event.ID())
	if err != nil {
		t.Fatalf("ResolveEarnings: %v", err)
	}
	if n != 2 {
		t.Fatalf("resolved %d, want 2", n)
	}

	s, err := agg.UserStats(ctx, "u1")
	if err != nil {
		t.Fatalf("UserStats: %v", err)
	}
	if s.EarningsTotal != 1 || s.EarningsCorrect != 1 {
		t.Fatalf("u1 stats = %+v", s)
	}
	s, _ = agg.UserStats(ctx, "u2")
	if s.EarningsTotal != 1 || s.EarningsCorrect != 0 {
		t.Fatalf("u2 stats = %+v", s)
	}

	// Re-running grades nothing twice.
	n, err = svc.ResolveEarnings(ctx, event.ID())
	if err != nil {
		t.Fatalf("second ResolveEarnings: %v", err)
	}
	if n != 0 {
		t.Fatalf("second pass resolved %d, want 0", n)
	}
	s, _ = agg.UserStats(ctx, "u1")
	if s.EarningsTotal != 1 {
		t.Fatalf("stats double-counted: %+v", s)
	}
}

func TestResolveReportedEventsSweep(t *testing.T) {
	svc, mem, agg := newTestService(t)
	ctx := context.Background()
	event := seedEvent(t, mem, "AAPL", time.Date(2024, 7, 25, 0, 0, 0, 0, time.UTC), 1.50)

	if _, err := svc.SubmitEarningsPrediction(ctx, "u1", event.ID(), store.CallBeat); err != nil {
		t.Fatalf("submit: %v", err)
	}
	// Report lands but the eager resolution never ran (crash window).
	if _, err := svc.SetEarningsActual(ctx, event.ID(), 1.62); err != nil {
		t.Fatalf("SetEarningsActual: %v", err)
	}

	n, err := svc.ResolveReportedEvents(ctx)
	if err != nil {
		t.Fatalf("ResolveReportedEvents: %v", err)
	}
	if n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}
	s, err := agg.UserStats(ctx, "u1")
	if err != nil {
		t.Fatalf("UserStats: %v", err)
	}
	if s.EarningsCorrect != 1 {
		t.Fatalf("stats = %+v", s)
	}

	// Nothing left to grade on the next sweep.
	n, err = svc.ResolveReportedEvents(ctx)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if n != 0 {
		t.Fatalf("second sweep graded %d, want 0", n)
	}
}

func TestUpcomingEvents(t *testing.T) {
	svc, mem, _ := newTestService(t)
	ctx := context.Background()
	seedEvent(t, mem, "MSFT", time.Date(2024, 7, 30, 0, 0, 0, 0, time.UTC), 2.90)
	reported := seedEvent(t, mem, "AAPL", time.Date(2024, 7, 25, 0, 0, 0, 0, time.UTC), 1.50)
	seedEvent(t, mem, "NVDA", time.Date(2024, 8, 28, 0, 0, 0, 0, time.UTC), 0.64)

	if _, err := svc.SetEarningsActual(ctx, reported.ID(), 1.62); err != nil {
		t.Fatalf("SetEarningsActual: %v", err)
	}

	events, err := svc.UpcomingEvents(ctx, 10)
	if err != nil {
		t.Fatalf("UpcomingEvents: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2 (reported one dropped)", len(events))
	}
	if events[0].Ticker != "MSFT" || events[1].Ticker != "NVDA" {
		t.Fatalf("order = %s, %s; want soonest first", events[0].Ticker, events[1].Ticker)
	}
}
