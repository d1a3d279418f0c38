package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"wallst/internal/config"
	"wallst/internal/game"
	"wallst/internal/idem"
	"wallst/internal/ingest"
	"wallst/internal/perf"
	"wallst/internal/predict"
	"wallst/internal/prices"
	"wallst/internal/stats"
	"wallst/internal/store"
)

func newTestServer(t *testing.T) (*Server, *store.Memory) {
	t.Helper()
	mem := store.NewMemory()
	layer := idem.New(mem, nil)
	agg := stats.New(mem, nil)
	engine := perf.NewEngine(prices.Static{}, nil)
	gameSvc := game.NewService(mem, engine, layer, agg, nil)
	predictSvc := predict.NewService(mem, layer, agg, nil)
	ingestSvc := ingest.New(mem, nil)
	cfg := config.APIConfig{Addr: ":0", LeaderboardSize: 50}
	return New(cfg, nil, gameSvc, predictSvc, agg, ingestSvc), mem
}

func doRequest(t *testing.T, s *Server, method, path, userID, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(t)
	w := doRequest(t, s, http.MethodGet, "/healthz", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	s, _ := newTestServer(t)

	w := doRequest(t, s, http.MethodGet, "/v1/stats", "", "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401 without identity", w.Code)
	}

	// Public reads need no identity.
	w = doRequest(t, s, http.MethodGet, "/v1/leaderboard", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("leaderboard status = %d, want 200", w.Code)
	}
}

func TestCreateGameEndpoint(t *testing.T) {
	s, mem := newTestServer(t)
	err := mem.Put(t.Context(), store.Member{
		ID: "m1", Name: "Jane Doe", Party: "I", Chamber: "senate",
		SyncedThrough: time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("seed member: %v", err)
	}

	w := doRequest(t, s, http.MethodPost, "/v1/games", "u1",
		`{"member_id":"m1","tickers":["AAPL","MSFT"],"duration_days":30}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var g store.Game
	if err := json.Unmarshal(w.Body.Bytes(), &g); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if g.MemberName != "Jane Doe" || len(g.Tickers) != 2 {
		t.Fatalf("game = %+v", g)
	}

	// Unknown member maps to 404, validation to 400, unknown field to 400.
	w = doRequest(t, s, http.MethodPost, "/v1/games", "u1", `{"member_id":"ghost","tickers":["AAPL"]}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("unknown member status = %d, want 404", w.Code)
	}
	w = doRequest(t, s, http.MethodPost, "/v1/games", "u1", `{"member_id":"m1","tickers":[]}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("empty tickers status = %d, want 400", w.Code)
	}
	w = doRequest(t, s, http.MethodPost, "/v1/games", "u1", `{"member_id":"m1","bogus":1}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("unknown field status = %d, want 400", w.Code)
	}

	w = doRequest(t, s, http.MethodGet, "/v1/games", "u1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	var list struct {
		Games []store.Game `json:"games"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(list.Games) != 1 || list.Games[0].ID != g.ID {
		t.Fatalf("games = %+v", list.Games)
	}
}

func TestMoodPredictionEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	w := doRequest(t, s, http.MethodPost, "/v1/predictions/mood", "u1", `{"direction":"up"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}

	// Second submission in the same window conflicts but echoes the original.
	w = doRequest(t, s, http.MethodPost, "/v1/predictions/mood", "u1", `{"direction":"down"}`)
	if w.Code != http.StatusConflict {
		t.Fatalf("duplicate status = %d, want 409", w.Code)
	}
	var resp struct {
		Prediction store.MoodPrediction `json:"prediction"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Prediction.Direction != store.MoodUp {
		t.Fatalf("echoed prediction = %+v, want the original UP call", resp.Prediction)
	}

	w = doRequest(t, s, http.MethodPost, "/v1/predictions/mood", "u1", `{"direction":"sideways"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad direction status = %d, want 400", w.Code)
	}
}

func TestIngestEndpoints(t *testing.T) {
	s, _ := newTestServer(t)

	w := doRequest(t, s, http.MethodPost, "/v1/ingest/members", "feed",
		`{"id":"m1","name":"Jane Doe","party":"I","chamber":"senate","synced_through":"2024-03-01T00:00:00Z"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("member status = %d, body %s", w.Code, w.Body.String())
	}

	trade := `{"member_id":"m1","trade_id":"t1","ticker":"NVDA","type":"PURCHASE",` +
		`"transaction_date":"2024-02-20T00:00:00Z","filing_date":"2024-03-01T00:00:00Z",` +
		`"amount_low":1000,"amount_high":15000}`
	w = doRequest(t, s, http.MethodPost, "/v1/ingest/trades", "feed", trade)
	if w.Code != http.StatusAccepted {
		t.Fatalf("trade status = %d, body %s", w.Code, w.Body.String())
	}
	// Re-delivery of the same filing is a quiet no-op, not an error.
	w = doRequest(t, s, http.MethodPost, "/v1/ingest/trades", "feed", trade)
	if w.Code != http.StatusAccepted {
		t.Fatalf("trade re-delivery status = %d, want 202", w.Code)
	}

	w = doRequest(t, s, http.MethodPost, "/v1/ingest/trades", "feed", `{"member_id":"m1"}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("invalid trade status = %d, want 400", w.Code)
	}

	w = doRequest(t, s, http.MethodGet, "/v1/members/m1/trades", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("trades list status = %d", w.Code)
	}
	var list struct {
		Trades []store.DisclosedTrade `json:"trades"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("decode trades: %v", err)
	}
	if len(list.Trades) != 1 || list.Trades[0].TradeID != "t1" {
		t.Fatalf("trades = %+v", list.Trades)
	}
}

func TestEarningsActualEndpoint(t *testing.T) {
	s, _ := newTestServer(t)

	w := doRequest(t, s, http.MethodPost, "/v1/ingest/earnings", "feed",
		`{"ticker":"NVDA","company":"NVIDIA","report_date":"2024-03-10T00:00:00Z","estimated_eps":4.50}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("event status = %d, body %s", w.Code, w.Body.String())
	}

	w = doRequest(t, s, http.MethodPost, "/v1/ingest/earnings/actual", "feed",
		`{"event_id":"NVDA#2024-03-10","actual_eps":5.10}`)
	if w.Code != http.StatusOK {
		t.Fatalf("actual status = %d, body %s", w.Code, w.Body.String())
	}
	var resp struct {
		Event store.EarningsEvent `json:"event"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Event.Result != store.ResultBeat {
		t.Fatalf("result = %v, want BEAT", resp.Event.Result)
	}

	// Actuals are set once; a second report conflicts.
	w = doRequest(t, s, http.MethodPost, "/v1/ingest/earnings/actual", "feed",
		`{"event_id":"NVDA#2024-03-10","actual_eps":1.00}`)
	if w.Code != http.StatusConflict {
		t.Fatalf("second actual status = %d, want 409", w.Code)
	}
}

func TestCurrentMoodEndpoint(t *testing.T) {
	s, _ := newTestServer(t)
	w := doRequest(t, s, http.MethodGet, "/v1/mood", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var snap store.MoodSnapshot
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if snap.Label != store.MoodNeutral {
		t.Fatalf("placeholder label = %v, want NEUTRAL", snap.Label)
	}
}
