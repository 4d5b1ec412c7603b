package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/RomanMuteki/random-chats/pkg/discovery"
	"github.com/RomanMuteki/random-chats/pkg/otelhelper"
)

// tokenValidator checks a caller's token before protected routes proxy on.
type tokenValidator interface {
	Validate(ctx context.Context, uid, token string) (bool, error)
}

type server struct {
	registry    *discovery.Registry
	auth        tokenValidator
	proxyClient *http.Client

	resolveCounter  metric.Int64Counter
	proxyCounter    metric.Int64Counter
	requestDuration metric.Float64Histogram
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /get_service_instance",
		otelhelper.WrapHandler("get_service_instance", s.requestDuration, http.HandlerFunc(s.handleGetInstance)))
	mux.Handle("POST /get_websocket_handler",
		otelhelper.WrapHandler("get_websocket_handler", s.requestDuration, http.HandlerFunc(s.handleGetWebsocketHandler)))
	for _, path := range []string{"/register", "/login", "/token_login", "/token_check"} {
		mux.Handle("POST "+path,
			otelhelper.WrapHandler("proxy_auth", s.requestDuration, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				s.proxy(w, r, "auth_service", path)
			})))
	}
	mux.Handle("POST /matching",
		otelhelper.WrapHandler("matching", s.requestDuration, http.HandlerFunc(s.handleMatching)))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func (s *server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	serviceName := r.URL.Query().Get("service_name")
	if serviceName == "" {
		http.Error(w, "service_name required", http.StatusBadRequest)
		return
	}
	inst, err := s.registry.Resolve(r.Context(), serviceName)
	if err != nil {
		if errors.Is(err, discovery.ErrUnknownService) || errors.Is(err, discovery.ErrNoLiveInstance) {
			slog.Warn("No live instance", "service", serviceName, "error", err)
			http.Error(w, fmt.Sprintf("no live instance of %s", serviceName), http.StatusServiceUnavailable)
			return
		}
		slog.Error("Instance resolution failed", "service", serviceName, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.resolveCounter.Add(r.Context(), 1, metric.WithAttributes(attribute.String("service", serviceName)))
	writeJSON(w, http.StatusOK, map[string]discovery.Instance{"instance": inst})
}

// handleGetWebsocketHandler hands an authenticated client a live websocket
// handler to connect to.
func (s *server) handleGetWebsocketHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UID   string `json:"uid"`
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UID == "" || req.Token == "" {
		http.Error(w, "uid and token required", http.StatusUnauthorized)
		return
	}
	valid, err := s.auth.Validate(r.Context(), req.UID, req.Token)
	if err != nil {
		slog.Error("Token validation failed", "uid", req.UID, "error", err)
		http.Error(w, "token validation unavailable", http.StatusServiceUnavailable)
		return
	}
	if !valid {
		http.Error(w, "invalid or expired token", http.StatusUnauthorized)
		return
	}
	inst, err := s.registry.Resolve(r.Context(), "websocket_handlers")
	if err != nil {
		slog.Warn("No live websocket handler", "error", err)
		http.Error(w, "no live websocket handler", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"websocket_handler_url": inst.URL})
}

func (s *server) handleMatching(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UID   string `json:"uid"`
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UID == "" || req.Token == "" {
		http.Error(w, "uid and token required", http.StatusUnauthorized)
		return
	}
	valid, err := s.auth.Validate(r.Context(), req.UID, req.Token)
	if err != nil {
		slog.Error("Token validation failed", "uid", req.UID, "error", err)
		http.Error(w, "token validation unavailable", http.StatusServiceUnavailable)
		return
	}
	if !valid {
		http.Error(w, "invalid or expired token", http.StatusUnauthorized)
		return
	}

	body, err := json.Marshal(map[string]string{"uid": req.UID})
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.forward(w, r, "matching_service", "/matching", body)
}

// proxy relays the request body unchanged to a live instance of the pool.
func (s *server) proxy(w http.ResponseWriter, r *http.Request, service, path string) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request", http.StatusBadRequest)
		return
	}
	s.forward(w, r, service, path, body)
}

func (s *server) forward(w http.ResponseWriter, r *http.Request, service, path string, body []byte) {
	inst, err := s.registry.Resolve(r.Context(), service)
	if err != nil {
		slog.Warn("No live instance for proxy", "service", service, "error", err)
		http.Error(w, fmt.Sprintf("no live instance of %s", service), http.StatusServiceUnavailable)
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodPost, inst.URL+path, bytes.NewReader(body))
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	otelhelper.InjectHTTP(r.Context(), req)

	resp, err := s.proxyClient.Do(req)
	if err != nil {
		slog.Error("Proxy request failed", "service", service, "path", path, "error", err)
		http.Error(w, fmt.Sprintf("%s unavailable", service), http.StatusServiceUnavailable)
		return
	}
	defer resp.Body.Close()

	s.proxyCounter.Add(r.Context(), 1, metric.WithAttributes(
		attribute.String("service", service),
		attribute.String("path", path),
	))
	w.Header().Set("Content-Type", resp.Header.Get("Content-Type"))
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		slog.Error("Failed to relay response", "service", service, "error", err)
	}
}

// authValidator asks an auth instance from the pool to vouch for the token.
type authValidator struct {
	registry *discovery.Registry
	client   *http.Client
}

func newAuthValidator(registry *discovery.Registry) *authValidator {
	return &authValidator{registry: registry, client: &http.Client{Timeout: 5 * time.Second}}
}

func (a *authValidator) Validate(ctx context.Context, uid, token string) (bool, error) {
	inst, err := a.registry.Resolve(ctx, "auth_service")
	if err != nil {
		return false, err
	}
	body, err := json.Marshal(map[string]string{"uid": uid, "token": token})
	if err != nil {
		return false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, inst.URL+"/token_check", bytes.NewReader(body))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	otelhelper.InjectHTTP(ctx, req)

	resp, err := a.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, nil
	}
	var out struct {
		Valid bool `json:"valid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, err
	}
	return out.Valid, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}
