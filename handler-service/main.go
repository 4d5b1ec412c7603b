package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

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

	otelShutdown, err := otelhelper.Init(ctx, "handler-service")
	if err != nil {
		slog.Error("Failed to initialize OpenTelemetry", "error", err)
		os.Exit(1)
	}
	defer otelShutdown(ctx)

	meter := otel.Meter("handler-service")
	routedCounter, _ := meter.Int64Counter("handler_messages_routed_total",
		metric.WithDescription("Messages routed, by outcome"))
	forwardDuration, _ := otelhelper.NewDurationHistogram(meter, "handler_forward_duration_seconds",
		"Duration of handler-to-handler forwards")
	requestDuration, _ := otelhelper.NewDurationHistogram(meter, "handler_request_duration_seconds",
		"Duration of handler HTTP requests")
	connectionsGauge, _ := meter.Int64ObservableGauge("handler_connected_users",
		metric.WithDescription("Currently connected users"))

	handlerID := envOrDefault("HANDLER_ID", "wsh-"+uuid.NewString()[:8])
	handlerURL := envOrDefault("HANDLER_URL", "http://localhost:8001")
	gatewayURL := envOrDefault("API_GATEWAY_URL", "http://localhost:8500")
	listenAddr := envOrDefault("LISTEN_ADDR", ":8001")

	slog.Info("Starting WebSocket Handler", "handler_id", handlerID, "url", handlerURL, "gateway", gatewayURL)

	client := discovery.NewClient(gatewayURL)

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	dir := &directoryClient{client: client}
	h := &handler{
		handlerID:     handlerID,
		rootCtx:       sigCtx,
		conns:         newConnRegistry(),
		dir:           dir,
		store:         &messageClient{client: client},
		auth:          &authClient{client: client},
		fwd:           newHTTPForwarder(),
		presenceCache: newTTLCache(1000, 60*time.Second),
		syncInterval:  5 * time.Second,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		routedCounter:   routedCounter,
		forwardDuration: forwardDuration,
		requestDuration: requestDuration,
	}

	_, _ = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(connectionsGauge, int64(h.conns.count()))
		return nil
	}, connectionsGauge)

	// Register this handler's address so peers can forward to it.
	var regErr error
	for attempt := 1; attempt <= 30; attempt++ {
		regErr = dir.RegisterHandler(ctx, handlerID, handlerURL)
		if regErr == nil {
			break
		}
		slog.Info("Waiting for presence directory", "attempt", attempt, "error", regErr)
		time.Sleep(2 * time.Second)
	}
	if regErr != nil {
		slog.Error("Failed to register handler", "error", regErr)
		os.Exit(1)
	}
	slog.Info("Handler registered with presence directory", "handler_id", handlerID)

	httpServer := &http.Server{
		Addr:    listenAddr,
		Handler: h.routes(),
	}
	go func() {
		slog.Info("WebSocket handler ready", "addr", listenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-sigCtx.Done()

	slog.Info("Shutting down WebSocket handler")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown incomplete", "error", err)
	}
	slog.Info("WebSocket handler shutdown complete")
}
