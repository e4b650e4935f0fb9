// Package config loads engine settings from the environment. A .env
// file is read first when present (development convenience), then the
// process environment wins. Validation is fail-fast at startup.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/storyloom/loom/pkg/database"
	"github.com/storyloom/loom/pkg/selection"
	"github.com/storyloom/loom/pkg/services"
)

// Defaults for optional settings.
const (
	DefaultHTTPHost       = "0.0.0.0"
	DefaultHTTPPort       = 8080
	DefaultStoryConfigDir = "./config/stories"
	DefaultUserRef        = "anonymous"
	DefaultIdempotencyTTL = 15 * time.Minute
	DefaultLogLevel       = "info"
	DefaultLogFormat      = "text"
)

// Settings is the full runtime configuration of loomd.
type Settings struct {
	DatabaseURL    string
	HTTPHost       string
	HTTPPort       int
	StoryConfigDir string

	LLMAPIKey  string
	LLMBaseURL string
	LLMModel   string

	ConfidenceHigh          float64
	ConfidenceLow           float64
	MaxInputChars           int
	NarrationLanguage       string
	FallbackGuardDefaultMax int

	AuthorAPIToken         string
	PlayerAPIToken         string
	DefaultUserExternalRef string
	JWTSecret              string

	IdempotencyTTL time.Duration

	LogLevel  string
	LogFormat string
}

// Load reads .env (if present) and the environment, applies defaults
// and validates the result.
func Load() (*Settings, error) {
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("load .env: %w", err)
		}
		slog.Debug("No .env file found, using process environment only")
	}

	s := &Settings{
		DatabaseURL:    envString("DATABASE_URL", database.DefaultURL),
		HTTPHost:       envString("HTTP_HOST", DefaultHTTPHost),
		StoryConfigDir: envString("STORY_CONFIG_DIR", DefaultStoryConfigDir),

		LLMAPIKey:  os.Getenv("LLM_API_KEY"),
		LLMBaseURL: os.Getenv("LLM_BASE_URL"),
		LLMModel:   os.Getenv("LLM_MODEL"),

		NarrationLanguage: envString("STORY_NARRATION_LANGUAGE", services.DefaultNarrationLanguage),

		AuthorAPIToken:         os.Getenv("AUTHOR_API_TOKEN"),
		PlayerAPIToken:         os.Getenv("PLAYER_API_TOKEN"),
		DefaultUserExternalRef: envString("DEFAULT_USER_EXTERNAL_REF", DefaultUserRef),
		JWTSecret:              os.Getenv("JWT_SECRET"),

		LogLevel:  envString("LOG_LEVEL", DefaultLogLevel),
		LogFormat: envString("LOG_FORMAT", DefaultLogFormat),
	}

	var err error
	if s.HTTPPort, err = envInt("HTTP_PORT", DefaultHTTPPort); err != nil {
		return nil, err
	}
	if s.ConfidenceHigh, err = envFloat("STORY_MAPPING_CONFIDENCE_HIGH", selection.DefaultConfidenceHigh); err != nil {
		return nil, err
	}
	if s.ConfidenceLow, err = envFloat("STORY_MAPPING_CONFIDENCE_LOW", selection.DefaultConfidenceLow); err != nil {
		return nil, err
	}
	if s.MaxInputChars, err = envInt("STORY_INPUT_MAX_CHARS", selection.DefaultMaxInputChars); err != nil {
		return nil, err
	}
	if s.FallbackGuardDefaultMax, err = envInt("STORY_FALLBACK_GUARD_DEFAULT_MAX_CONSECUTIVE", services.DefaultFallbackGuardMax); err != nil {
		return nil, err
	}
	if s.IdempotencyTTL, err = envDuration("IDEMPOTENCY_TTL", DefaultIdempotencyTTL); err != nil {
		return nil, err
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks cross-field constraints.
func (s *Settings) Validate() error {
	if s.HTTPPort < 1 || s.HTTPPort > 65535 {
		return fmt.Errorf("HTTP_PORT %d out of range", s.HTTPPort)
	}
	if s.ConfidenceHigh < 0 || s.ConfidenceHigh > 1 {
		return fmt.Errorf("STORY_MAPPING_CONFIDENCE_HIGH %v out of [0,1]", s.ConfidenceHigh)
	}
	if s.ConfidenceLow < 0 || s.ConfidenceLow > 1 {
		return fmt.Errorf("STORY_MAPPING_CONFIDENCE_LOW %v out of [0,1]", s.ConfidenceLow)
	}
	if s.ConfidenceLow > s.ConfidenceHigh {
		return fmt.Errorf("STORY_MAPPING_CONFIDENCE_LOW %v exceeds STORY_MAPPING_CONFIDENCE_HIGH %v",
			s.ConfidenceLow, s.ConfidenceHigh)
	}
	if s.MaxInputChars < 1 {
		return fmt.Errorf("STORY_INPUT_MAX_CHARS must be positive, got %d", s.MaxInputChars)
	}
	if s.FallbackGuardDefaultMax < 1 {
		return fmt.Errorf("STORY_FALLBACK_GUARD_DEFAULT_MAX_CONSECUTIVE must be positive, got %d", s.FallbackGuardDefaultMax)
	}
	if s.IdempotencyTTL < 0 {
		return fmt.Errorf("IDEMPOTENCY_TTL must not be negative, got %s", s.IdempotencyTTL)
	}
	return nil
}

// Addr returns the host:port the HTTP server binds to.
func (s *Settings) Addr() string {
	return fmt.Sprintf("%s:%d", s.HTTPHost, s.HTTPPort)
}

// SlogLevel maps LOG_LEVEL to a slog level, defaulting to info.
func (s *Settings) SlogLevel() slog.Level {
	switch strings.ToLower(s.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not an integer", key, v)
	}
	return n, nil
}

func envFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not a number", key, v)
	}
	return f, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %q is not a duration", key, v)
	}
	return d, nil
}
