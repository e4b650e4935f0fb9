// loomd is the interactive-fiction runtime server: HTTP API, step
// pipeline, story registry and the generative-model boundary.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/storyloom/loom/pkg/api"
	"github.com/storyloom/loom/pkg/config"
	"github.com/storyloom/loom/pkg/database"
	"github.com/storyloom/loom/pkg/llm"
	"github.com/storyloom/loom/pkg/services"
	"github.com/storyloom/loom/pkg/story"
	"github.com/storyloom/loom/pkg/telemetry"
	"github.com/storyloom/loom/pkg/version"
)

func setupLogging(settings *config.Settings) {
	opts := &slog.HandlerOptions{Level: settings.SlogLevel()}
	var handler slog.Handler
	if settings.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func main() {
	ctx := context.Background()

	// 1. Load configuration (.env then process environment)
	settings, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	setupLogging(settings)

	slog.Info("Starting loomd",
		"version", version.Full(),
		"addr", settings.Addr(),
		"story_config_dir", settings.StoryConfigDir)

	// 2. Open the store (Postgres or SQLite by URL scheme), migrated
	st, err := database.Open(ctx, settings.DatabaseURL)
	if err != nil {
		slog.Error("Failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("Error closing store", "error", err)
		}
	}()
	slog.Info("Store ready", "postgres", database.IsPostgres(settings.DatabaseURL))

	// 3. Load story packs (builtin sample plus STORY_CONFIG_DIR)
	registry := story.NewRegistry(settings.StoryConfigDir)
	if err := registry.Reload(); err != nil {
		slog.Error("Failed to load story packs", "error", err)
		os.Exit(1)
	}
	slog.Info("Story registry loaded", "stats", registry.Stats())

	// Pack publication events invalidate the cache on Postgres; on
	// SQLite the cache lives for the process lifetime.
	var listener *story.Listener
	if database.IsPostgres(settings.DatabaseURL) {
		listener = story.NewListener(settings.DatabaseURL, registry)
		if err := listener.Start(ctx); err != nil {
			slog.Error("Failed to start story pack listener", "error", err)
			os.Exit(1)
		}
		defer listener.Stop(ctx)
	}

	// 4. Generative-model boundary: real when an API key is set, fake otherwise
	client := llm.New(llm.Config{
		APIKey:  settings.LLMAPIKey,
		BaseURL: settings.LLMBaseURL,
		Model:   settings.LLMModel,
	})
	llmMode := "fake"
	if settings.LLMAPIKey != "" {
		llmMode = "real"
	}

	// 5. Domain services
	sink := telemetry.NewSink()
	sessions := services.NewSessionService(st, registry)
	steps := services.NewStepService(sessions, st, client, sink, services.StepConfig{
		ConfidenceHigh:          settings.ConfidenceHigh,
		ConfidenceLow:           settings.ConfidenceLow,
		MaxInputChars:           settings.MaxInputChars,
		NarrationLanguage:       settings.NarrationLanguage,
		FallbackGuardDefaultMax: settings.FallbackGuardDefaultMax,
	})
	slog.Info("Services initialized", "llm_mode", llmMode)

	// 6. Reaper for idempotency rows orphaned by crashes
	reaper := services.NewReaper(st, settings.IdempotencyTTL, services.DefaultReapInterval)
	reaper.Start(ctx)
	defer reaper.Stop()

	// 7. HTTP server (non-blocking)
	server := api.NewServer(sessions, steps, st, registry, sink, llmMode, api.AuthConfig{
		PlayerToken:    settings.PlayerAPIToken,
		AuthorToken:    settings.AuthorAPIToken,
		JWTSecret:      settings.JWTSecret,
		DefaultUserRef: settings.DefaultUserExternalRef,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(settings.Addr()); err != nil {
			errCh <- err
		}
	}()

	slog.Info("loomd started successfully")

	// 8. Wait for shutdown signal or server error
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// 9. Graceful shutdown: drain in-flight steps, then stop the rest
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
