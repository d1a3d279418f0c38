package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type APIConfig struct {
	Addr            string
	DatabaseURL     string
	PriceAPIBaseURL string
	PriceAPIKey     string
	LeaderboardSize int
}

type WorkerConfig struct {
	DatabaseURL     string
	PriceAPIBaseURL string
	PriceAPIKey     string
	PassEvery       time.Duration
	RunOnce         bool
}

type CLIConfig struct {
	DatabaseURL     string
	PriceAPIBaseURL string
	PriceAPIKey     string
}

func LoadAPIFromEnv() (APIConfig, error) {
	addr := os.Getenv("PORT")
	if addr != "" {
		if !strings.HasPrefix(addr, ":") {
			addr = ":" + addr
		}
	} else {
		addr = envDefault("WALLST_API_ADDR", ":8080")
	}

	cfg := APIConfig{
		Addr:            addr,
		DatabaseURL:     strings.TrimSpace(os.Getenv("DATABASE_URL")),
		PriceAPIBaseURL: strings.TrimRight(strings.TrimSpace(os.Getenv("WALLST_PRICE_API_URL")), "/"),
		PriceAPIKey:     strings.TrimSpace(os.Getenv("WALLST_PRICE_API_KEY")),
		LeaderboardSize: envIntDefault("WALLST_LEADERBOARD_SIZE", 50),
	}
	if cfg.DatabaseURL == "" {
		return cfg, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

func LoadWorkerFromEnv() (WorkerConfig, error) {
	cfg := WorkerConfig{
		DatabaseURL:     strings.TrimSpace(os.Getenv("DATABASE_URL")),
		PriceAPIBaseURL: strings.TrimRight(strings.TrimSpace(os.Getenv("WALLST_PRICE_API_URL")), "/"),
		PriceAPIKey:     strings.TrimSpace(os.Getenv("WALLST_PRICE_API_KEY")),
		PassEvery:       envDurationDefault("WALLST_PASS_EVERY", 15*time.Minute),
		RunOnce:         envBoolDefault("WALLST_WORKER_RUN_ONCE", false),
	}
	if cfg.DatabaseURL == "" {
		return cfg, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.PriceAPIBaseURL == "" {
		return cfg, fmt.Errorf("WALLST_PRICE_API_URL is required")
	}
	return cfg, nil
}

func LoadCLIFromEnv() (CLIConfig, error) {
	cfg := CLIConfig{
		DatabaseURL:     strings.TrimSpace(os.Getenv("DATABASE_URL")),
		PriceAPIBaseURL: strings.TrimRight(strings.TrimSpace(os.Getenv("WALLST_PRICE_API_URL")), "/"),
		PriceAPIKey:     strings.TrimSpace(os.Getenv("WALLST_PRICE_API_KEY")),
	}
	if cfg.DatabaseURL == "" {
		return cfg, fmt.Errorf("DATABASE_URL is required")
	}
	return cfg, nil
}

func envDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envDurationDefault(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envIntDefault(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envBoolDefault(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
