// Package config loads server settings from the environment, with an
// optional YAML overlay named by ARENA_CONFIG.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type AppConfig struct {
	ListenAddr string `yaml:"listen_addr"`

	DatabaseURL string `yaml:"database_url"`
	RedisURL    string `yaml:"redis_url"`

	AllowedOrigins []string `yaml:"allowed_origins"`

	ClockSeconds  int     `yaml:"clock_seconds"`
	InitialRating float64 `yaml:"initial_rating"`
	EloK          float64 `yaml:"elo_k"`
	TokenTTLSec   int     `yaml:"token_ttl_sec"`
}

func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		ListenAddr:    ":8080",
		ClockSeconds:  600,
		InitialRating: 1000,
		EloK:          32,
		TokenTTLSec:   86400,
	}

	if path := strings.TrimSpace(os.Getenv("ARENA_CONFIG")); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if v := strings.TrimSpace(os.Getenv("LISTEN_ADDR")); v != "" {
		cfg.ListenAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("DATABASE_URL")); v != "" {
		cfg.DatabaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("REDIS_URL")); v != "" {
		cfg.RedisURL = v
	}
	if v := strings.TrimSpace(os.Getenv("ALLOWED_ORIGINS")); v != "" {
		cfg.AllowedOrigins = nil
		for _, p := range strings.Split(v, ",") {
			if s := strings.TrimSpace(p); s != "" {
				cfg.AllowedOrigins = append(cfg.AllowedOrigins, s)
			}
		}
	}
	if v := strings.TrimSpace(os.Getenv("CLOCK_SECONDS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.ClockSeconds = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("INITIAL_RATING")); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.InitialRating = f
		}
	}
	if v := strings.TrimSpace(os.Getenv("ELO_K")); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.EloK = f
		}
	}
	if v := strings.TrimSpace(os.Getenv("TOKEN_TTL_SEC")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.TokenTTLSec = n
		}
	}

	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}

	return cfg, nil
}
