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

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/RomanMuteki/random-chats/pkg/otelhelper"
)

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func createKVBuckets(js nats.JetStreamContext) error {
	buckets := []nats.KeyValueConfig{
		{Bucket: "PRESENCE", History: 1, Storage: nats.MemoryStorage},
		{Bucket: "HANDLER_MEMBERS", History: 1, Storage: nats.MemoryStorage},
		{Bucket: "HANDLERS", History: 1, Storage: nats.MemoryStorage},
	}
	for i := range buckets {
		if _, err := js.CreateKeyValue(&buckets[i]); err != nil {
			return err
		}
	}
	return nil
}

func main() {
	ctx := context.Background()

	otelShutdown, err := otelhelper.Init(ctx, "presence-service")
	if err != nil {
		slog.Error("Failed to initialize OpenTelemetry", "error", err)
		os.Exit(1)
	}
	defer otelShutdown(ctx)

	meter := otel.Meter("presence-service")
	connectCounter, _ := meter.Int64Counter("presence_connects_total",
		metric.WithDescription("Total user connect registrations"))
	disconnectCounter, _ := meter.Int64Counter("presence_disconnects_total",
		metric.WithDescription("Total user disconnects"))
	lookupCounter, _ := meter.Int64Counter("presence_lookups_total",
		metric.WithDescription("Total handler lookups"))
	requestDuration, _ := otelhelper.NewDurationHistogram(meter, "presence_request_duration_seconds",
		"Duration of presence directory requests")

	natsURL := envOrDefault("NATS_URL", "nats://localhost:4222")
	listenAddr := envOrDefault("LISTEN_ADDR", ":8004")

	slog.Info("Starting Presence Service", "nats_url", natsURL, "listen_addr", listenAddr)

	var dir *Directory

	// Connect to NATS with retry
	var nc *nats.Conn
	for attempt := 1; attempt <= 30; attempt++ {
		nc, err = nats.Connect(natsURL,
			nats.Name("presence-service"),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
			nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
				slog.Warn("NATS disconnected", "error", err)
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				slog.Info("NATS reconnected, recreating KV buckets and re-hydrating mirror")
				js, jsErr := nc.JetStream()
				if jsErr != nil {
					slog.Error("Failed to get JetStream after reconnect", "error", jsErr)
					return
				}
				if kvErr := createKVBuckets(js); kvErr != nil {
					slog.Error("Failed to recreate KV buckets after reconnect", "error", kvErr)
					return
				}
				if dir != nil {
					if hErr := dir.Hydrate(); hErr != nil {
						slog.Error("Membership re-hydration failed", "error", hErr)
					}
				}
			}),
		)
		if err == nil {
			break
		}
		slog.Info("Waiting for NATS", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		slog.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer nc.Close()
	slog.Info("Connected to NATS", "url", nc.ConnectedUrl())

	js, err := nc.JetStream()
	if err != nil {
		slog.Error("Failed to create JetStream context", "error", err)
		os.Exit(1)
	}
	if err := createKVBuckets(js); err != nil {
		slog.Error("Failed to create KV buckets", "error", err)
		os.Exit(1)
	}
	slog.Info("NATS KV buckets ready", "buckets", "PRESENCE, HANDLER_MEMBERS, HANDLERS")

	presenceKV, _ := js.KeyValue("PRESENCE")
	membersKV, _ := js.KeyValue("HANDLER_MEMBERS")
	handlersKV, _ := js.KeyValue("HANDLERS")

	dir = NewDirectory(natsBucket{presenceKV}, natsBucket{membersKV}, natsBucket{handlersKV})
	if err := dir.Hydrate(); err != nil {
		slog.Error("Initial membership hydration failed", "error", err)
		os.Exit(1)
	}

	srv := &server{
		dir:               dir,
		connectCounter:    connectCounter,
		disconnectCounter: disconnectCounter,
		lookupCounter:     lookupCounter,
		requestDuration:   requestDuration,
	}

	httpServer := &http.Server{
		Addr:    listenAddr,
		Handler: srv.routes(),
	}
	go func() {
		slog.Info("Presence service ready", "addr", listenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	slog.Info("Shutting down presence service")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown incomplete", "error", err)
	}
	nc.Drain()
	slog.Info("Presence service shutdown complete")
}
