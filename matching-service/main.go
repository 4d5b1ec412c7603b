package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"go.opentelemetry.io/otel"

	"github.com/RomanMuteki/random-chats/pkg/discovery"
	"github.com/RomanMuteki/random-chats/pkg/otelhelper"
)

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	ctx := context.Background()

	// Initialize OpenTelemetry
	otelShutdown, err := otelhelper.Init(ctx, "matching-service")
	if err != nil {
		slog.Error("Failed to initialize OpenTelemetry", "error", err)
		os.Exit(1)
	}
	defer otelShutdown(ctx)

	meter := otel.Meter("matching-service")
	matchCounter, _ := meter.Int64Counter("matching_attempts_total")
	requestDuration, _ := otelhelper.NewDurationHistogram(meter, "matching_request_duration_seconds", "Matching request duration")

	redisAddr := envOrDefault("REDIS_ADDR", "localhost:6379")
	gatewayURL := envOrDefault("API_GATEWAY_URL", "http://localhost:8500")
	listenAddr := envOrDefault("LISTEN_ADDR", ":8005")

	slog.Info("Starting Matching Service")

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer rdb.Close()
	for attempt := 1; attempt <= 30; attempt++ {
		err = rdb.Ping(ctx).Err()
		if err == nil {
			break
		}
		slog.Info("Waiting for Redis", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to Redis", "addr", redisAddr)

	client := discovery.NewClient(gatewayURL)
	srv := &server{
		matcher: &matcher{
			queues:       &redisQueue{client: rdb},
			profiles:     &authProfiles{client: client},
			chats:        &chatClient{client: client},
			matchCounter: matchCounter,
		},
		requestDuration: requestDuration,
	}

	httpServer := &http.Server{
		Addr:    listenAddr,
		Handler: srv.routes(),
	}

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("Matching Service listening", "addr", listenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-sigCtx.Done()
	slog.Info("Shutting down Matching Service")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown failed", "error", err)
	}
}
