// Package prices wraps the external market-data lookup the performance
// engine depends on. The upstream is unreliable by contract: a missing quote
// surfaces as ErrUnavailable and is never retried synchronously inside a
// user-facing request.
package prices

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"wallst/internal/store"
)

// ErrUnavailable reports that no price exists for (ticker, date). Callers
// defer or exclude; they never fabricate a number.
var ErrUnavailable = errors.New("price unavailable")

// Source resolves a closing price for a ticker on a date.
type Source interface {
	PriceAt(ctx context.Context, ticker string, date time.Time) (float64, error)
}

// Client talks to an end-of-day quote API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	log        *slog.Logger
}

func NewClient(baseURL, apiKey string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		log: logger,
	}
}

func (c *Client) PriceAt(ctx context.Context, ticker string, date time.Time) (float64, error) {
	q := url.Values{}
	q.Set("ticker", ticker)
	q.Set("date", store.DayKey(date))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/eod?"+q.Encode(), nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s@%s: %w: %v", ticker, store.DayKey(date), ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return 0, fmt.Errorf("%s@%s: %w", ticker, store.DayKey(date), ErrUnavailable)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		c.log.Warn("price lookup failed", "ticker", ticker, "status", resp.StatusCode, "body", strings.TrimSpace(string(body)))
		return 0, fmt.Errorf("%s@%s: status %d: %w", ticker, store.DayKey(date), resp.StatusCode, ErrUnavailable)
	}

	var out struct {
		Close *float64 `json:"close"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode price response: %w", err)
	}
	if out.Close == nil || *out.Close <= 0 {
		return 0, fmt.Errorf("%s@%s: %w", ticker, store.DayKey(date), ErrUnavailable)
	}
	return *out.Close, nil
}

// Static is a fixed price table for tests and seeding. Keys are either
// "TICKER#2006-01-02" for a dated quote or "TICKER" for an any-date quote;
// the dated form wins.
type Static map[string]float64

func (s Static) PriceAt(_ context.Context, ticker string, date time.Time) (float64, error) {
	if p, ok := s[ticker+"#"+store.DayKey(date)]; ok {
		return p, nil
	}
	if p, ok := s[ticker]; ok {
		return p, nil
	}
	return 0, fmt.Errorf("%s@%s: %w", ticker, store.DayKey(date), ErrUnavailable)
}
