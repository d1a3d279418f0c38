package store

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Kind tags every entity variant stored in the shared table. The set is
// closed: decode switches over it and rejects anything else.
type Kind string

const (
	KindTrackedPick        Kind = "TRACKED_PICK"
	KindMember             Kind = "MEMBER"
	KindDisclosedTrade     Kind = "DISCLOSED_TRADE"
	KindMoodSnapshot       Kind = "MOOD_SNAPSHOT"
	KindMoodPrediction     Kind = "MOOD_PREDICTION"
	KindEarningsEvent      Kind = "EARNINGS_EVENT"
	KindEarningsPrediction Kind = "EARNINGS_PREDICTION"
	KindGame               Kind = "GAME"
	KindUserStats          Kind = "USER_STATS"
	KindLeaderboardEntry   Kind = "LEADERBOARD_ENTRY"
	KindIdemRecord         Kind = "IDEM_RECORD"
)

// Key addresses an item in the shared table: Partition scopes range queries,
// Sort orders items within the scope.
type Key struct {
	Partition string
	Sort      string
}

// Entity is implemented by every stored variant. IndexKey returns the
// secondary-index address; ok is false for variants (or states) that are not
// indexed.
type Entity interface {
	EntityKind() Kind
	PrimaryKey() Key
	IndexKey() (Key, bool)
}

var (
	ErrNotFound        = errors.New("entity not found")
	ErrConflict        = errors.New("entity already exists")
	ErrVersionConflict = errors.New("entity version conflict")
	ErrValidation      = errors.New("validation failed")
)

var tickerRE = regexp.MustCompile(`^[A-Z]{1,5}$`)

// ValidateTicker accepts 1-5 uppercase letters. Callers normalize with
// strings.ToUpper before validating.
func ValidateTicker(ticker string) error {
	if !tickerRE.MatchString(strings.TrimSpace(ticker)) {
		return fmt.Errorf("%w: ticker must be 1-5 uppercase letters", ErrValidation)
	}
	return nil
}

const dayLayout = "2006-01-02"

// DayKey renders a date the way sort keys embed it.
func DayKey(t time.Time) string {
	return t.UTC().Format(dayLayout)
}

// StampKey renders a timestamp the way sort keys embed it.
func StampKey(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// PickAction is what a tracked figure said to do with a ticker.
type PickAction string

const (
	PickBuy  PickAction = "BUY"
	PickSell PickAction = "SELL"
	PickHold PickAction = "HOLD"
)

func ParsePickAction(s string) (PickAction, error) {
	switch a := PickAction(strings.ToUpper(strings.TrimSpace(s))); a {
	case PickBuy, PickSell, PickHold:
		return a, nil
	default:
		return "", fmt.Errorf("%w: unknown pick action %q", ErrValidation, s)
	}
}

// TradeType mirrors the transaction types that show up on disclosure filings.
type TradeType string

const (
	TradePurchase    TradeType = "PURCHASE"
	TradeSale        TradeType = "SALE"
	TradeSalePartial TradeType = "SALE_PARTIAL"
	TradeSaleFull    TradeType = "SALE_FULL"
	TradeExchange    TradeType = "EXCHANGE"
)

func ParseTradeType(s string) (TradeType, error) {
	norm := strings.ToUpper(strings.TrimSpace(s))
	norm = strings.NewReplacer(" ", "_", "(", "", ")", "").Replace(norm)
	switch t := TradeType(norm); t {
	case TradePurchase, TradeSale, TradeSalePartial, TradeSaleFull, TradeExchange:
		return t, nil
	default:
		return "", fmt.Errorf("%w: unknown trade type %q", ErrValidation, s)
	}
}

// MoodLabel classifies a fear/greed index reading.
type MoodLabel string

const (
	MoodExtremeFear  MoodLabel = "EXTREME_FEAR"
	MoodFear         MoodLabel = "FEAR"
	MoodNeutral      MoodLabel = "NEUTRAL"
	MoodGreed        MoodLabel = "GREED"
	MoodExtremeGreed MoodLabel = "EXTREME_GREED"
)

// MoodLabelFromIndex maps a 0-100 index value onto its label band.
func MoodLabelFromIndex(index int) MoodLabel {
	switch {
	case index <= 20:
		return MoodExtremeFear
	case index <= 40:
		return MoodFear
	case index <= 60:
		return MoodNeutral
	case index <= 80:
		return MoodGreed
	default:
		return MoodExtremeGreed
	}
}

// MoodDirection is what a user predicts the index will do by the target date.
type MoodDirection string

const (
	MoodUp   MoodDirection = "UP"
	MoodDown MoodDirection = "DOWN"
	MoodFlat MoodDirection = "FLAT"
)

func ParseMoodDirection(s string) (MoodDirection, error) {
	switch d := MoodDirection(strings.ToUpper(strings.TrimSpace(s))); d {
	case MoodUp, MoodDown, MoodFlat:
		return d, nil
	default:
		return "", fmt.Errorf("%w: unknown mood direction %q", ErrValidation, s)
	}
}

// PredictionOutcome is the resolution state shared by both prediction kinds.
type PredictionOutcome string

const (
	OutcomePending   PredictionOutcome = "PENDING"
	OutcomeCorrect   PredictionOutcome = "CORRECT"
	OutcomeIncorrect PredictionOutcome = "INCORRECT"
)

// EarningsCall is a user's beat/meet/miss prediction for an earnings event.
type EarningsCall string

const (
	CallBeat EarningsCall = "BEAT"
	CallMeet EarningsCall = "MEET"
	CallMiss EarningsCall = "MISS"
)

func ParseEarningsCall(s string) (EarningsCall, error) {
	switch c := EarningsCall(strings.ToUpper(strings.TrimSpace(s))); c {
	case CallBeat, CallMeet, CallMiss:
		return c, nil
	default:
		return "", fmt.Errorf("%w: unknown earnings call %q", ErrValidation, s)
	}
}

// EarningsResult is the event's actual result; PENDING until settlement sets
// it exactly once.
type EarningsResult string

const (
	ResultPending EarningsResult = "PENDING"
	ResultBeat    EarningsResult = "BEAT"
	ResultMeet    EarningsResult = "MEET"
	ResultMiss    EarningsResult = "MISS"
)

// GameStatus transitions forward only: ACTIVE -> SETTLED.
type GameStatus string

const (
	GameActive  GameStatus = "ACTIVE"
	GameSettled GameStatus = "SETTLED"
)

func ParseGameStatus(s string) (GameStatus, error) {
	switch st := GameStatus(strings.ToUpper(strings.TrimSpace(s))); st {
	case GameActive, GameSettled:
		return st, nil
	default:
		return "", fmt.Errorf("%w: unknown game status %q", ErrValidation, s)
	}
}

// GameOutcome is the persisted head-to-head result from the user's side.
type GameOutcome string

const (
	GameWin  GameOutcome = "WIN"
	GameLoss GameOutcome = "LOSS"
	GameTie  GameOutcome = "TIE"
)

// TrackedPick is an immutable fact: a public figure's on-air call on a ticker.
type TrackedPick struct {
	FigureID string     `json:"figure_id"`
	Ticker   string     `json:"ticker"`
	Action   PickAction `json:"action"`
	PickDate time.Time  `json:"pick_date"`
	RefPrice float64    `json:"ref_price"`
	Show     string     `json:"show,omitempty"`
	Notes    string     `json:"notes,omitempty"`
}

func (p TrackedPick) EntityKind() Kind { return KindTrackedPick }

func (p TrackedPick) PrimaryKey() Key {
	return Key{
		Partition: "FIGURE#" + p.FigureID,
		Sort:      "PICK#" + DayKey(p.PickDate) + "#" + p.Ticker,
	}
}

func (p TrackedPick) IndexKey() (Key, bool) {
	return Key{Partition: "TICKER#" + p.Ticker, Sort: "PICK#" + DayKey(p.PickDate)}, true
}

// Member is a tracked legislator whose filings feed DisclosedTrades.
type Member struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Party   string `json:"party"`
	Chamber string `json:"chamber"`
	State   string `json:"state,omitempty"`
	// SyncedThrough is the filing date the ingestion feed has confirmed
	// complete coverage through. Settlement needs it to tell "no trades"
	// apart from "trades not ingested yet".
	SyncedThrough time.Time `json:"synced_through"`
}

func (m Member) EntityKind() Kind { return KindMember }

func (m Member) PrimaryKey() Key {
	return Key{Partition: "MEMBER#" + m.ID, Sort: "PROFILE"}
}

func (m Member) IndexKey() (Key, bool) {
	return Key{Partition: "MEMBERS", Sort: m.Name + "#" + m.ID}, true
}

// DisclosedTrade is an immutable fact ingested from disclosure filings.
type DisclosedTrade struct {
	MemberID        string    `json:"member_id"`
	TradeID         string    `json:"trade_id"`
	Ticker          string    `json:"ticker"`
	Type            TradeType `json:"type"`
	TransactionDate time.Time `json:"transaction_date"`
	FilingDate      time.Time `json:"filing_date"`
	AmountLow       int64     `json:"amount_low"`
	AmountHigh      int64     `json:"amount_high"`
	// PriceAtTransaction is 0 when the filing carried no price.
	PriceAtTransaction float64 `json:"price_at_transaction,omitempty"`
}

func (t DisclosedTrade) EntityKind() Kind { return KindDisclosedTrade }

func (t DisclosedTrade) PrimaryKey() Key {
	return Key{
		Partition: "MEMBER#" + t.MemberID,
		Sort:      "TRADE#" + DayKey(t.FilingDate) + "#" + t.TradeID,
	}
}

func (t DisclosedTrade) IndexKey() (Key, bool) {
	return Key{Partition: "TICKER#" + t.Ticker, Sort: "TRADE#" + DayKey(t.FilingDate) + "#" + t.TradeID}, true
}

// MoodSnapshot is one append-only fear/greed index reading.
type MoodSnapshot struct {
	Index int       `json:"index"`
	Label MoodLabel `json:"label"`
	At    time.Time `json:"at"`
}

func (s MoodSnapshot) EntityKind() Kind { return KindMoodSnapshot }

func (s MoodSnapshot) PrimaryKey() Key {
	return Key{Partition: "MOOD", Sort: "SNAP#" + StampKey(s.At)}
}

func (s MoodSnapshot) IndexKey() (Key, bool) { return Key{}, false }

// MoodPrediction is a user's call on where the index closes at TargetDate.
// The sort key embeds the target day, which makes "one pending prediction per
// user per window" a conditional-insert property rather than a scan.
type MoodPrediction struct {
	ID          string            `json:"id"`
	UserID      string            `json:"user_id"`
	Direction   MoodDirection     `json:"direction"`
	RefIndex    int               `json:"ref_index"`
	SnapshotAt  time.Time         `json:"snapshot_at"`
	TargetDate  time.Time         `json:"target_date"`
	CreatedAt   time.Time         `json:"created_at"`
	Outcome     PredictionOutcome `json:"outcome"`
	ActualIndex int               `json:"actual_index,omitempty"`
	ResolvedAt  time.Time         `json:"resolved_at,omitzero"`
}

func (p MoodPrediction) EntityKind() Kind { return KindMoodPrediction }

func (p MoodPrediction) PrimaryKey() Key {
	return Key{
		Partition: "USER#" + p.UserID,
		Sort:      "MOODPRED#" + DayKey(p.TargetDate),
	}
}

// Pending predictions sit on a shared index partition so the resolution pass
// can range-scan everything due without touching per-user partitions.
func (p MoodPrediction) IndexKey() (Key, bool) {
	if p.Outcome != OutcomePending {
		return Key{}, false
	}
	return Key{Partition: "MOODPRED#PENDING", Sort: DayKey(p.TargetDate) + "#" + p.UserID}, true
}

// EventID is the canonical earnings-event identifier, e.g. "AAPL#2024-07-25".
func EventID(ticker string, reportDate time.Time) string {
	return ticker + "#" + DayKey(reportDate)
}

// EarningsEvent is created by ingestion with Result PENDING; the actual
// result is set exactly once at settlement.
type EarningsEvent struct {
	Ticker       string         `json:"ticker"`
	Company      string         `json:"company"`
	ReportDate   time.Time      `json:"report_date"`
	EstimatedEPS float64        `json:"estimated_eps"`
	ActualEPS    float64        `json:"actual_eps,omitempty"`
	Result       EarningsResult `json:"result"`
	TallyBeat    int            `json:"tally_beat"`
	TallyMeet    int            `json:"tally_meet"`
	TallyMiss    int            `json:"tally_miss"`
}

func (e EarningsEvent) ID() string { return EventID(e.Ticker, e.ReportDate) }

func (e EarningsEvent) EntityKind() Kind { return KindEarningsEvent }

func (e EarningsEvent) PrimaryKey() Key {
	return Key{Partition: "TICKER#" + e.Ticker, Sort: "EARN#" + DayKey(e.ReportDate)}
}

// Pending events sit on the upcoming partition for the calendar read;
// reported events move to their own partition so the resolution sweep can
// find events whose predictions may still be ungraded.
func (e EarningsEvent) IndexKey() (Key, bool) {
	sort := DayKey(e.ReportDate) + "#" + e.Ticker
	if e.Result != ResultPending {
		return Key{Partition: "EARNINGS#REPORTED", Sort: sort}, true
	}
	return Key{Partition: "EARNINGS#UPCOMING", Sort: sort}, true
}

// EarningsPrediction is unique per (user, event); re-submission overwrites.
type EarningsPrediction struct {
	UserID     string            `json:"user_id"`
	EventID    string            `json:"event_id"`
	Ticker     string            `json:"ticker"`
	Call       EarningsCall      `json:"call"`
	CreatedAt  time.Time         `json:"created_at"`
	Outcome    PredictionOutcome `json:"outcome"`
	ResolvedAt time.Time         `json:"resolved_at,omitzero"`
}

func (p EarningsPrediction) EntityKind() Kind { return KindEarningsPrediction }

func (p EarningsPrediction) PrimaryKey() Key {
	return Key{Partition: "USER#" + p.UserID, Sort: "EARNPRED#" + p.EventID}
}

// The event-scoped index drives resolution: all predictions for one event.
func (p EarningsPrediction) IndexKey() (Key, bool) {
	return Key{Partition: "EARNEVENT#" + p.EventID, Sort: "USER#" + p.UserID}, true
}

// Game is one Beat-the-Street challenge against a tracked member.
type Game struct {
	ID           string      `json:"id"`
	UserID       string      `json:"user_id"`
	MemberID     string      `json:"member_id"`
	MemberName   string      `json:"member_name"`
	Tickers      []string    `json:"tickers"`
	StartDate    time.Time   `json:"start_date"`
	EndDate      time.Time   `json:"end_date"`
	Status       GameStatus  `json:"status"`
	UserReturn   float64     `json:"user_return,omitempty"`
	MemberReturn float64     `json:"member_return,omitempty"`
	Outcome      GameOutcome `json:"outcome,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	SettledAt    time.Time   `json:"settled_at,omitzero"`
}

func (g Game) EntityKind() Kind { return KindGame }

func (g Game) PrimaryKey() Key {
	return Key{Partition: "USER#" + g.UserID, Sort: "GAME#" + g.ID}
}

// Active games index by end date so the settlement pass scans only what is
// due; settled games move to their own partition for leaderboard rebuilds.
func (g Game) IndexKey() (Key, bool) {
	sort := DayKey(g.EndDate) + "#" + g.UserID + "#" + g.ID
	if g.Status == GameSettled {
		return Key{Partition: "GAME#SETTLED", Sort: sort}, true
	}
	return Key{Partition: "GAME#ACTIVE", Sort: sort}, true
}

// UserStats holds the running per-user counters the aggregator maintains.
type UserStats struct {
	UserID            string    `json:"user_id"`
	GamesPlayed       int       `json:"games_played"`
	GamesWon          int       `json:"games_won"`
	GamesLost         int       `json:"games_lost"`
	GamesTied         int       `json:"games_tied"`
	MarginSum         float64   `json:"margin_sum"`
	WinStreak         int       `json:"win_streak"`
	LongestWinStreak  int       `json:"longest_win_streak"`
	EarningsTotal     int       `json:"earnings_total"`
	EarningsCorrect   int       `json:"earnings_correct"`
	MoodTotal         int       `json:"mood_total"`
	MoodCorrect       int       `json:"mood_correct"`
	PredStreak        int       `json:"pred_streak"`
	LongestPredStreak int       `json:"longest_pred_streak"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func (s UserStats) EntityKind() Kind { return KindUserStats }

func (s UserStats) PrimaryKey() Key {
	return Key{Partition: "USER#" + s.UserID, Sort: "STATS"}
}

func (s UserStats) IndexKey() (Key, bool) { return Key{}, false }

// LeaderboardEntry is a materialized view over settled games. It is always
// recomputed, never independently authored, and can be rebuilt from scratch.
type LeaderboardEntry struct {
	UserID      string    `json:"user_id"`
	GamesPlayed int       `json:"games_played"`
	Wins        int       `json:"wins"`
	WinRate     float64   `json:"win_rate"`
	AvgMargin   float64   `json:"avg_margin"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (e LeaderboardEntry) EntityKind() Kind { return KindLeaderboardEntry }

func (e LeaderboardEntry) PrimaryKey() Key {
	return Key{Partition: "LEADERBOARD", Sort: "USER#" + e.UserID}
}

// Ranked reads come off the index in descending lexical order: wins first,
// then average margin (offset so negatives stay sortable), then user id.
func (e LeaderboardEntry) IndexKey() (Key, bool) {
	marginBps := int64(e.AvgMargin*10_000) + 5_000_000
	if marginBps < 0 {
		marginBps = 0
	}
	return Key{
		Partition: "LEADERBOARD",
		Sort:      fmt.Sprintf("%06d#%010d#%s", e.Wins, marginBps, e.UserID),
	}, true
}

// IdemRecord is the conditional-write ledger behind the idempotency layer.
// The dedupe key is the sort identity; the stored result is returned verbatim
// to duplicate callers.
type IdemRecord struct {
	Scope     string    `json:"scope"`
	Key       string    `json:"key"`
	Result    []byte    `json:"result,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (r IdemRecord) EntityKind() Kind { return KindIdemRecord }

func (r IdemRecord) PrimaryKey() Key {
	return Key{Partition: "IDEM#" + r.Scope, Sort: r.Key}
}

func (r IdemRecord) IndexKey() (Key, bool) { return Key{}, false }
