package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"wallst/internal/config"
	"wallst/internal/game"
	"wallst/internal/idem"
	"wallst/internal/ingest"
	"wallst/internal/predict"
	"wallst/internal/stats"
	"wallst/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type contextKey string

const userContextKey contextKey = "user"

type Server struct {
	cfg     config.APIConfig
	log     *slog.Logger
	game    *game.Service
	predict *predict.Service
	stats   *stats.Aggregator
	ingest  *ingest.Service
	mux     *chi.Mux
}

func New(cfg config.APIConfig, logger *slog.Logger, gameSvc *game.Service, predictSvc *predict.Service, agg *stats.Aggregator, ingestSvc *ingest.Service) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		log:     logger,
		game:    gameSvc,
		predict: predictSvc,
		stats:   agg,
		ingest:  ingestSvc,
		mux:     chi.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	r := s.mux
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	r.Route("/v1", func(r chi.Router) {
		// Public read surface.
		r.Get("/mood", s.handleCurrentMood)
		r.Get("/earnings/upcoming", s.handleUpcomingEvents)
		r.Get("/figures/{figure_id}/picks", s.handleFigurePicks)
		r.Get("/members", s.handleMembersList)
		r.Get("/members/{member_id}/trades", s.handleMemberTrades)
		r.Get("/tickers/{ticker}/activity", s.handleTickerActivity)
		r.Get("/leaderboard", s.handleLeaderboard)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)
			r.Post("/predictions/mood", s.handleMoodPrediction)
			r.Post("/predictions/earnings", s.handleEarningsPrediction)
			r.Get("/predictions", s.handleUserPredictions)
			r.Post("/games", s.handleCreateGame)
			r.Get("/games", s.handleGamesList)
			r.Get("/games/{game_id}", s.handleGameDetail)
			r.Get("/games/{game_id}/standing", s.handleGameStanding)
			r.Get("/stats", s.handleUserStats)
		})

		// Ingestion surface: the gateway only routes feed workers here.
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)
			r.Post("/ingest/picks", s.handleIngestPick)
			r.Post("/ingest/members", s.handleIngestMember)
			r.Post("/ingest/trades", s.handleIngestTrade)
			r.Post("/ingest/mood", s.handleIngestMood)
			r.Post("/ingest/earnings", s.handleIngestEarnings)
			// Event ids embed "#" so they ride in the body, not the path.
			r.Post("/ingest/earnings/actual", s.handleEarningsActual)
		})
	})
}

// authMiddleware trusts the gateway-injected user header. Token validation
// happens upstream; this service only needs the identity.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get("X-User-ID"))
		if userID == "" {
			writeError(w, http.StatusUnauthorized, "missing X-User-ID header")
			return
		}
		ctx := context.WithValue(r.Context(), userContextKey, userID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func userFromContext(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(userContextKey).(string)
	if !ok || userID == "" {
		return "", fmt.Errorf("no authenticated user in context")
	}
	return userID, nil
}

func (s *Server) handleCurrentMood(w http.ResponseWriter, r *http.Request) {
	snap, err := s.predict.CurrentMood(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleUpcomingEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.predict.UpcomingEvents(r.Context(), queryLimit(r, 20))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleFigurePicks(w http.ResponseWriter, r *http.Request) {
	picks, err := s.ingest.ListPicks(r.Context(), chi.URLParam(r, "figure_id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"picks": picks})
}

func (s *Server) handleMembersList(w http.ResponseWriter, r *http.Request) {
	members, err := s.ingest.ListMembers(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"members": members})
}

func (s *Server) handleMemberTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := s.ingest.ListTrades(r.Context(), chi.URLParam(r, "member_id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trades": trades})
}

func (s *Server) handleTickerActivity(w http.ResponseWriter, r *http.Request) {
	picks, trades, err := s.ingest.TickerActivity(r.Context(), chi.URLParam(r, "ticker"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"picks":  picks,
		"trades": trades,
	})
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	entries, err := s.stats.Leaderboard(r.Context(), queryLimit(r, s.cfg.LeaderboardSize))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"leaderboard": entries})
}

func (s *Server) handleMoodPrediction(w http.ResponseWriter, r *http.Request) {
	userID, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	var in struct {
		Direction string `json:"direction"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	direction, err := store.ParseMoodDirection(in.Direction)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	p, err := s.predict.SubmitMoodPrediction(r.Context(), userID, direction)
	if err != nil {
		// The duplicate still carries the original prediction; surface it.
		if errors.Is(err, predict.ErrAlreadyPredicted) {
			writeJSON(w, http.StatusConflict, map[string]any{
				"error":      err.Error(),
				"prediction": p,
			})
			return
		}
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleEarningsPrediction(w http.ResponseWriter, r *http.Request) {
	userID, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	var in struct {
		EventID string `json:"event_id"`
		Call    string `json:"call"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	call, err := store.ParseEarningsCall(in.Call)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	p, err := s.predict.SubmitEarningsPrediction(r.Context(), userID, in.EventID, call)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleUserPredictions(w http.ResponseWriter, r *http.Request) {
	userID, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	moods, earns, err := s.predict.UserPredictions(r.Context(), userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"mood":     moods,
		"earnings": earns,
	})
}

func (s *Server) handleCreateGame(w http.ResponseWriter, r *http.Request) {
	userID, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	var in struct {
		MemberID     string   `json:"member_id"`
		Tickers      []string `json:"tickers"`
		DurationDays int      `json:"duration_days"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	g, err := s.game.CreateGame(r.Context(), userID, in.MemberID, in.Tickers, in.DurationDays)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, g)
}

func (s *Server) handleGamesList(w http.ResponseWriter, r *http.Request) {
	userID, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	var status store.GameStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		status, err = store.ParseGameStatus(raw)
		if err != nil {
			writeDomainError(w, err)
			return
		}
	}
	games, err := s.game.ListGames(r.Context(), userID, status)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"games": games})
}

func (s *Server) handleGameDetail(w http.ResponseWriter, r *http.Request) {
	userID, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	g, err := s.game.GetGame(r.Context(), userID, chi.URLParam(r, "game_id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleGameStanding(w http.ResponseWriter, r *http.Request) {
	userID, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	st, err := s.game.Standing(r.Context(), userID, chi.URLParam(r, "game_id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleUserStats(w http.ResponseWriter, r *http.Request) {
	userID, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	st, err := s.stats.UserStats(r.Context(), userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleIngestPick(w http.ResponseWriter, r *http.Request) {
	var in store.TrackedPick
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.ingest.SavePick(r.Context(), in); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func (s *Server) handleIngestMember(w http.ResponseWriter, r *http.Request) {
	var in store.Member
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.ingest.SaveMember(r.Context(), in); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func (s *Server) handleIngestTrade(w http.ResponseWriter, r *http.Request) {
	var in store.DisclosedTrade
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.ingest.SaveTrade(r.Context(), in); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func (s *Server) handleIngestMood(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Index int       `json:"index"`
		At    time.Time `json:"at"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.ingest.SaveMoodSnapshot(r.Context(), in.Index, in.At); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func (s *Server) handleIngestEarnings(w http.ResponseWriter, r *http.Request) {
	var in store.EarningsEvent
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.ingest.SaveEarningsEvent(r.Context(), in); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ok": true})
}

func (s *Server) handleEarningsActual(w http.ResponseWriter, r *http.Request) {
	var in struct {
		EventID   string  `json:"event_id"`
		ActualEPS float64 `json:"actual_eps"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	event, err := s.predict.SetEarningsActual(r.Context(), in.EventID, in.ActualEPS)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	resolved, err := s.predict.ResolveEarnings(r.Context(), in.EventID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"event":    event,
		"resolved": resolved,
	})
}

func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, game.ErrActiveGameExists),
		errors.Is(err, predict.ErrEventClosed),
		errors.Is(err, store.ErrConflict),
		errors.Is(err, store.ErrVersionConflict),
		errors.Is(err, idem.ErrAlreadyProcessed):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeJSON(r *http.Request, out any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": strings.TrimSpace(message)})
}

func queryLimit(r *http.Request, fallback int) int {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > 200 {
		return fallback
	}
	return n
}
