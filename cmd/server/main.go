package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/brillia/voice-tutor/internal/capture"
	"github.com/brillia/voice-tutor/internal/config"
	"github.com/brillia/voice-tutor/internal/observability"
	"github.com/brillia/voice-tutor/internal/speech"
	"github.com/brillia/voice-tutor/internal/transport"
	"github.com/brillia/voice-tutor/internal/tutor"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("tutor_api_url", cfg.TutorAPIURL).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Bool("speech_capture", cfg.DeepgramAPIKey != "").
		Bool("speech_synthesis", cfg.CartesiaAPIKey != "").
		Msg("Voice Tutor Gateway starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	api := tutor.NewClient(cfg)
	recognizer := capture.NewDeepgramRecognizer(cfg)
	synthesizer := speech.NewCartesiaClient(cfg)

	// Session id storage
	var store tutor.SessionStore = tutor.NewMemoryStore()
	checks := map[string]observability.HealthCheckFunc{
		"tutor_api": api.Ping,
		"deepgram":  configured(recognizer.Available(), "DEEPGRAM_API_KEY"),
		"cartesia":  configured(synthesizer.Available(), "CARTESIA_API_KEY"),
	}
	if cfg.RedisURL != "" {
		redisStore, err := tutor.NewRedisStore(ctx, cfg.RedisURL, time.Duration(cfg.SessionIDTTL)*time.Second)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to connect to Redis")
		}
		defer redisStore.Close()
		store = redisStore
		checks["redis"] = redisStore.Ping
		logger.Info().Msg("Session ids stored in Redis")
	}

	// Create HTTP server
	mux := http.NewServeMux()

	// Voice WebSocket handler
	mux.Handle("/voice", transport.NewHandler(cfg, transport.Dependencies{
		Recognizer:  recognizer,
		Synthesizer: synthesizer,
		API:         api,
		Store:       store,
	}))

	mux.HandleFunc("/health", observability.HealthCheckHandler())
	mux.HandleFunc("/ready", observability.ReadinessHandler(checks))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// No WriteTimeout: voice connections are long-lived
	server := &http.Server{
		Addr:        fmt.Sprintf(":%s", cfg.Port),
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		endpoint := fmt.Sprintf("ws://localhost:%s/voice", cfg.Port)
		if cfg.PublicURL != "" {
			endpoint = cfg.PublicURL + "/voice"
		}
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", endpoint).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})

	if cfg.GRPCHealthPort != "" {
		grpcHealth := observability.NewGRPCHealth(checks, 15*time.Second)
		g.Go(func() error {
			return grpcHealth.Serve(gctx, fmt.Sprintf(":%s", cfg.GRPCHealthPort))
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("Shutting down server...")

		// Graceful shutdown with timeout
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Fatal().Err(err).Msg("Server exited with error")
	}

	logger.Info().Msg("Server exited gracefully")
}

// configured reports a provider as healthy when its credentials are present
func configured(ok bool, key string) observability.HealthCheckFunc {
	return func(context.Context) (bool, error) {
		if !ok {
			return false, fmt.Errorf("%s is not set", key)
		}
		return true, nil
	}
}
