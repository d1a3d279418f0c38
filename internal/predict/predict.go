// Package predict runs the two prediction games: calling the market mood
// index a week out, and calling earnings results against the street estimate.
package predict

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"wallst/internal/idem"
	"wallst/internal/stats"
	"wallst/internal/store"
)

const (
	// Mood predictions target the reading seven days out at the 16:00 UTC
	// close of the target day.
	moodHorizonDays = 7
	moodCloseHour   = 16

	// flatBand is the index-point movement treated as FLAT when resolving.
	flatBand = 2

	// surpriseThreshold separates BEAT and MISS from MEET: actual EPS
	// within 2% of the estimate is a MEET.
	surpriseThreshold = 0.02

	// neutralIndex stands in when no mood snapshot has been ingested yet.
	neutralIndex = 50

	tallyAttempts = 3
)

var (
	ErrAlreadyPredicted = errors.New("prediction already submitted for this window")
	ErrEventClosed      = errors.New("earnings event no longer accepts predictions")
)

type Service struct {
	store store.Store
	idem  *idem.Layer
	stats *stats.Aggregator
	log   *slog.Logger
	now   func() time.Time
}

func NewService(st store.Store, layer *idem.Layer, agg *stats.Aggregator, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store: st,
		idem:  layer,
		stats: agg,
		log:   logger,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// CurrentMood returns the latest ingested index reading, or a neutral
// placeholder when nothing has been ingested yet.
func (s *Service) CurrentMood(ctx context.Context) (store.MoodSnapshot, error) {
	recs, err := store.Collect(s.store.Query(ctx, store.Query{
		Partition:  "MOOD",
		SortPrefix: "SNAP#",
		Descending: true,
		Limit:      1,
	}))
	if err != nil {
		return store.MoodSnapshot{}, err
	}
	if len(recs) == 0 {
		return store.MoodSnapshot{
			Index: neutralIndex,
			Label: store.MoodLabelFromIndex(neutralIndex),
			At:    s.now(),
		}, nil
	}
	return recs[0].Entity.(store.MoodSnapshot), nil
}

// SubmitMoodPrediction records the user's call for the reading seven days
// from now. One prediction per user per target day: a repeat submission for
// the same window returns the original, not a second prediction.
func (s *Service) SubmitMoodPrediction(ctx context.Context, userID string, direction store.MoodDirection) (store.MoodPrediction, error) {
	if userID == "" {
		return store.MoodPrediction{}, fmt.Errorf("%w: user is required", store.ErrValidation)
	}
	ref, err := s.CurrentMood(ctx)
	if err != nil {
		return store.MoodPrediction{}, err
	}

	now := s.now()
	target := now.AddDate(0, 0, moodHorizonDays)
	target = time.Date(target.Year(), target.Month(), target.Day(), moodCloseHour, 0, 0, 0, time.UTC)

	p := store.MoodPrediction{
		ID:         uuid.NewString()[:8],
		UserID:     userID,
		Direction:  direction,
		RefIndex:   ref.Index,
		SnapshotAt: ref.At,
		TargetDate: target,
		CreatedAt:  now,
		Outcome:    store.OutcomePending,
	}

	dedupeKey := userID + ":" + store.DayKey(target)
	stored, err := s.idem.Acquire(ctx, "mood-predict", dedupeKey, p)
	if err != nil {
		if errors.Is(err, idem.ErrAlreadyProcessed) {
			var first store.MoodPrediction
			if uerr := idem.Stored(stored, &first); uerr != nil {
				return store.MoodPrediction{}, uerr
			}
			return first, fmt.Errorf("%w: target %s", ErrAlreadyPredicted, store.DayKey(target))
		}
		return store.MoodPrediction{}, err
	}

	if err := s.store.Create(ctx, p); err != nil {
		return store.MoodPrediction{}, fmt.Errorf("store mood prediction: %w", err)
	}
	s.log.Info("mood prediction submitted",
		"user_id", userID, "direction", direction, "target", store.DayKey(target))
	return p, nil
}

// ResolveMoodPredictions grades every pending prediction whose target close
// has passed, using the last snapshot at or before each target. Predictions
// whose target reading has not been ingested yet stay pending.
func (s *Service) ResolveMoodPredictions(ctx context.Context, asOf time.Time) (int, error) {
	recs, err := store.Collect(s.store.Query(ctx, store.Query{
		Partition: "MOODPRED#PENDING",
		Index:     true,
		SortTo:    store.DayKey(asOf.AddDate(0, 0, 1)),
	}))
	if err != nil {
		return 0, fmt.Errorf("scan pending mood predictions: %w", err)
	}

	resolved := 0
	for _, rec := range recs {
		p := rec.Entity.(store.MoodPrediction)
		// The day-keyed scan overshoots on the target day itself; a
		// prediction is only gradeable once its 16:00 close has passed.
		if p.TargetDate.After(asOf) {
			continue
		}
		snap, ok, err := s.snapshotAt(ctx, p.TargetDate)
		if err != nil {
			s.log.Error("mood resolution failed", "user_id", p.UserID, "error", err)
			continue
		}
		if !ok {
			continue
		}

		actual := moodDirection(snap.Index - p.RefIndex)
		p.ActualIndex = snap.Index
		p.ResolvedAt = s.now()
		p.Outcome = store.OutcomeIncorrect
		if actual == p.Direction {
			p.Outcome = store.OutcomeCorrect
		}

		if err := s.store.Update(ctx, p, rec.Version); err != nil {
			if errors.Is(err, store.ErrVersionConflict) {
				// A concurrent resolver got here first.
				continue
			}
			s.log.Error("mood resolution write failed", "user_id", p.UserID, "error", err)
			continue
		}
		resolved++
		if err := s.stats.OnPredictionResolved(ctx, p.UserID, stats.PredMood, p.Outcome == store.OutcomeCorrect); err != nil {
			s.log.Error("mood stats update failed", "user_id", p.UserID, "error", err)
		}
	}
	return resolved, nil
}

// UpcomingEvents lists earnings events still awaiting results, soonest first.
func (s *Service) UpcomingEvents(ctx context.Context, limit int) ([]store.EarningsEvent, error) {
	recs, err := store.Collect(s.store.Query(ctx, store.Query{
		Partition: "EARNINGS#UPCOMING",
		Index:     true,
		Limit:     limit,
	}))
	if err != nil {
		return nil, err
	}
	events := make([]store.EarningsEvent, 0, len(recs))
	for _, rec := range recs {
		events = append(events, rec.Entity.(store.EarningsEvent))
	}
	return events, nil
}

// SubmitEarningsPrediction records the user's call for an event. Unlike mood
// predictions, re-submission before the report lands replaces the earlier
// call; the event's crowd tally moves with it.
func (s *Service) SubmitEarningsPrediction(ctx context.Context, userID, eventID string, call store.EarningsCall) (store.EarningsPrediction, error) {
	if userID == "" {
		return store.EarningsPrediction{}, fmt.Errorf("%w: user is required", store.ErrValidation)
	}
	event, rec, err := s.eventByID(ctx, eventID)
	if err != nil {
		return store.EarningsPrediction{}, err
	}
	if event.Result != store.ResultPending {
		return store.EarningsPrediction{}, fmt.Errorf("%w: %s reported %s", ErrEventClosed, eventID, event.Result)
	}

	var previous store.EarningsCall
	if prev, err := s.store.Get(ctx, (store.EarningsPrediction{UserID: userID, EventID: eventID}).PrimaryKey()); err == nil {
		existing := prev.Entity.(store.EarningsPrediction)
		if existing.Outcome != store.OutcomePending {
			return store.EarningsPrediction{}, fmt.Errorf("%w: already resolved", ErrEventClosed)
		}
		previous = existing.Call
	} else if !errors.Is(err, store.ErrNotFound) {
		return store.EarningsPrediction{}, err
	}

	p := store.EarningsPrediction{
		UserID:    userID,
		EventID:   eventID,
		Ticker:    event.Ticker,
		Call:      call,
		CreatedAt: s.now(),
		Outcome:   store.OutcomePending,
	}
	if err := s.store.Put(ctx, p); err != nil {
		return store.EarningsPrediction{}, fmt.Errorf("store earnings prediction: %w", err)
	}

	if previous != call {
		if err := s.shiftTally(ctx, rec, previous, call); err != nil {
			s.log.Error("tally update failed", "event_id", eventID, "error", err)
		}
	}
	s.log.Info("earnings prediction submitted",
		"user_id", userID, "event_id", eventID, "call", call, "replaced", string(previous))
	return p, nil
}

// SetEarningsActual records the reported EPS and classifies the result
// against the estimate. Set-once: a second report for the same event is a
// conflict, never a silent overwrite.
func (s *Service) SetEarningsActual(ctx context.Context, eventID string, actualEPS float64) (store.EarningsEvent, error) {
	event, rec, err := s.eventByID(ctx, eventID)
	if err != nil {
		return store.EarningsEvent{}, err
	}
	if event.Result != store.ResultPending {
		return store.EarningsEvent{}, fmt.Errorf("%w: result already %s", store.ErrConflict, event.Result)
	}

	event.ActualEPS = actualEPS
	event.Result = classify(actualEPS, event.EstimatedEPS)
	if err := s.store.Update(ctx, event, rec.Version); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			return store.EarningsEvent{}, fmt.Errorf("%w: concurrent report", store.ErrConflict)
		}
		return store.EarningsEvent{}, err
	}
	s.log.Info("earnings reported",
		"event_id", eventID, "actual_eps", actualEPS, "result", event.Result)
	return event, nil
}

// ResolveEarnings grades every prediction on a reported event. Safe to run
// repeatedly: already graded predictions are skipped.
func (s *Service) ResolveEarnings(ctx context.Context, eventID string) (int, error) {
	event, _, err := s.eventByID(ctx, eventID)
	if err != nil {
		return 0, err
	}
	if event.Result == store.ResultPending {
		return 0, fmt.Errorf("%w: event %s has no result yet", store.ErrValidation, eventID)
	}

	recs, err := store.Collect(s.store.Query(ctx, store.Query{
		Partition: "EARNEVENT#" + eventID,
		Index:     true,
	}))
	if err != nil {
		return 0, fmt.Errorf("scan predictions for %s: %w", eventID, err)
	}

	resolved := 0
	for _, rec := range recs {
		p := rec.Entity.(store.EarningsPrediction)
		if p.Outcome != store.OutcomePending {
			continue
		}
		p.ResolvedAt = s.now()
		p.Outcome = store.OutcomeIncorrect
		if string(p.Call) == string(event.Result) {
			p.Outcome = store.OutcomeCorrect
		}
		if err := s.store.Update(ctx, p, rec.Version); err != nil {
			if errors.Is(err, store.ErrVersionConflict) {
				continue
			}
			s.log.Error("earnings resolution write failed", "user_id", p.UserID, "error", err)
			continue
		}
		resolved++
		if err := s.stats.OnPredictionResolved(ctx, p.UserID, stats.PredEarnings, p.Outcome == store.OutcomeCorrect); err != nil {
			s.log.Error("earnings stats update failed", "user_id", p.UserID, "error", err)
		}
	}
	return resolved, nil
}

// ResolveReportedEvents sweeps every reported event and grades whatever
// predictions are still pending on it. Covers the crash window between a
// report landing and its immediate resolution; idempotent, cheap when there
// is nothing to do.
func (s *Service) ResolveReportedEvents(ctx context.Context) (int, error) {
	recs, err := store.Collect(s.store.Query(ctx, store.Query{
		Partition: "EARNINGS#REPORTED",
		Index:     true,
	}))
	if err != nil {
		return 0, fmt.Errorf("scan reported events: %w", err)
	}

	resolved := 0
	for _, rec := range recs {
		event := rec.Entity.(store.EarningsEvent)
		n, err := s.ResolveEarnings(ctx, event.ID())
		if err != nil {
			s.log.Error("earnings sweep failed", "event_id", event.ID(), "error", err)
			continue
		}
		resolved += n
	}
	return resolved, nil
}

// UserPredictions returns the user's mood and earnings predictions, newest
// first within each family.
func (s *Service) UserPredictions(ctx context.Context, userID string) ([]store.MoodPrediction, []store.EarningsPrediction, error) {
	moodRecs, err := store.Collect(s.store.Query(ctx, store.Query{
		Partition:  "USER#" + userID,
		SortPrefix: "MOODPRED#",
		Descending: true,
	}))
	if err != nil {
		return nil, nil, err
	}
	earnRecs, err := store.Collect(s.store.Query(ctx, store.Query{
		Partition:  "USER#" + userID,
		SortPrefix: "EARNPRED#",
		Descending: true,
	}))
	if err != nil {
		return nil, nil, err
	}

	moods := make([]store.MoodPrediction, 0, len(moodRecs))
	for _, rec := range moodRecs {
		moods = append(moods, rec.Entity.(store.MoodPrediction))
	}
	earns := make([]store.EarningsPrediction, 0, len(earnRecs))
	for _, rec := range earnRecs {
		earns = append(earns, rec.Entity.(store.EarningsPrediction))
	}
	return moods, earns, nil
}

// snapshotAt returns the latest snapshot at or before t; ok is false when
// none has been ingested up to that point.
func (s *Service) snapshotAt(ctx context.Context, t time.Time) (store.MoodSnapshot, bool, error) {
	recs, err := store.Collect(s.store.Query(ctx, store.Query{
		Partition:  "MOOD",
		SortFrom:   "SNAP#",
		SortTo:     "SNAP#" + store.StampKey(t),
		Descending: true,
		Limit:      1,
	}))
	if err != nil {
		return store.MoodSnapshot{}, false, err
	}
	if len(recs) == 0 {
		return store.MoodSnapshot{}, false, nil
	}
	snap := recs[0].Entity.(store.MoodSnapshot)
	// A reading from before the prediction window opened proves nothing
	// about the target day.
	if t.Sub(snap.At) > 24*time.Hour {
		return store.MoodSnapshot{}, false, nil
	}
	return snap, true, nil
}

func (s *Service) eventByID(ctx context.Context, eventID string) (store.EarningsEvent, store.Record, error) {
	ticker, day, ok := splitEventID(eventID)
	if !ok {
		return store.EarningsEvent{}, store.Record{}, fmt.Errorf("%w: malformed event id %q", store.ErrValidation, eventID)
	}
	rec, err := s.store.Get(ctx, store.Key{Partition: "TICKER#" + ticker, Sort: "EARN#" + day})
	if err != nil {
		return store.EarningsEvent{}, store.Record{}, err
	}
	return rec.Entity.(store.EarningsEvent), rec, nil
}

// shiftTally moves one vote on the event's crowd tally, retrying through
// version conflicts with other submitters.
func (s *Service) shiftTally(ctx context.Context, rec store.Record, from, to store.EarningsCall) error {
	event := rec.Entity.(store.EarningsEvent)
	version := rec.Version
	var lastErr error
	for attempt := 0; attempt < tallyAttempts; attempt++ {
		bumpTally(&event, from, -1)
		bumpTally(&event, to, +1)
		err := s.store.Update(ctx, event, version)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrVersionConflict) {
			return err
		}
		lastErr = err
		fresh, gerr := s.store.Get(ctx, event.PrimaryKey())
		if gerr != nil {
			return gerr
		}
		event = fresh.Entity.(store.EarningsEvent)
		version = fresh.Version
	}
	return lastErr
}

func bumpTally(e *store.EarningsEvent, call store.EarningsCall, delta int) {
	switch call {
	case store.CallBeat:
		e.TallyBeat += delta
	case store.CallMeet:
		e.TallyMeet += delta
	case store.CallMiss:
		e.TallyMiss += delta
	}
}

func classify(actual, estimate float64) store.EarningsResult {
	if estimate == 0 {
		switch {
		case actual > 0:
			return store.ResultBeat
		case actual < 0:
			return store.ResultMiss
		default:
			return store.ResultMeet
		}
	}
	surprise := (actual - estimate) / math.Abs(estimate)
	switch {
	case surprise > surpriseThreshold:
		return store.ResultBeat
	case surprise < -surpriseThreshold:
		return store.ResultMiss
	default:
		return store.ResultMeet
	}
}

func moodDirection(delta int) store.MoodDirection {
	switch {
	case delta > flatBand:
		return store.MoodUp
	case delta < -flatBand:
		return store.MoodDown
	default:
		return store.MoodFlat
	}
}

func splitEventID(id string) (ticker, day string, ok bool) {
	for i := 0; i < len(id); i++ {
		if id[i] == '#' {
			if i == 0 || i == len(id)-1 {
				return "", "", false
			}
			return id[:i], id[i+1:], true
		}
	}
	return "", "", false
}
