package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

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
	otelShutdown, err := otelhelper.Init(ctx, "gateway-service")
	if err != nil {
		slog.Error("Failed to initialize OpenTelemetry", "error", err)
		os.Exit(1)
	}
	defer otelShutdown(ctx)

	meter := otel.Meter("gateway-service")
	resolveCounter, _ := meter.Int64Counter("gateway_resolutions_total")
	proxyCounter, _ := meter.Int64Counter("gateway_proxied_requests_total")
	requestDuration, _ := otelhelper.NewDurationHistogram(meter, "gateway_request_duration_seconds", "Gateway request duration")

	poolsFile := envOrDefault("POOLS_FILE", "pools.json")
	listenAddr := envOrDefault("LISTEN_ADDR", ":8500")

	slog.Info("Starting API Gateway", "pools_file", poolsFile)

	pools, err := loadPools(poolsFile)
	if err != nil {
		slog.Error("Failed to load service pools", "error", err)
		os.Exit(1)
	}
	registry := discovery.NewRegistry(pools)
	slog.Info("Service pools loaded", "services", registry.Services())

	srv := &server{
		registry:        registry,
		auth:            newAuthValidator(registry),
		proxyClient:     &http.Client{Timeout: 10 * time.Second},
		resolveCounter:  resolveCounter,
		proxyCounter:    proxyCounter,
		requestDuration: requestDuration,
	}

	httpServer := &http.Server{
		Addr:    listenAddr,
		Handler: srv.routes(),
	}

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("API Gateway listening", "addr", listenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-sigCtx.Done()
	slog.Info("Shutting down API Gateway")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown failed", "error", err)
	}
}
