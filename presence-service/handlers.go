package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/RomanMuteki/random-chats/pkg/otelhelper"
)

type server struct {
	dir *Directory

	connectCounter    metric.Int64Counter
	disconnectCounter metric.Int64Counter
	lookupCounter     metric.Int64Counter
	requestDuration   metric.Float64Histogram
}

type connectRequest struct {
	UserID    string `json:"user_id"`
	HandlerID string `json:"handler_id"`
}

type disconnectRequest struct {
	UserID string `json:"user_id"`
}

type registerHandlerRequest struct {
	HandlerID string `json:"handler_id"`
	URL       string `json:"url"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to encode response", "error", err)
	}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("POST /connect", otelhelper.WrapHandler("presence connect", s.requestDuration, http.HandlerFunc(s.handleConnect)))
	mux.Handle("POST /disconnect", otelhelper.WrapHandler("presence disconnect", s.requestDuration, http.HandlerFunc(s.handleDisconnect)))
	mux.Handle("GET /handler/{user_id}", otelhelper.WrapHandler("presence handler lookup", s.requestDuration, http.HandlerFunc(s.handleHandlerFor)))
	mux.Handle("GET /users/{handler_id}", otelhelper.WrapHandler("presence members lookup", s.requestDuration, http.HandlerFunc(s.handleMembersOf)))
	mux.Handle("POST /register_handler", otelhelper.WrapHandler("presence register handler", s.requestDuration, http.HandlerFunc(s.handleRegisterHandler)))
	mux.Handle("GET /handler_url/{handler_id}", otelhelper.WrapHandler("presence handler url", s.requestDuration, http.HandlerFunc(s.handleAddressOf)))
	return mux
}

func (s *server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req connectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" || req.HandlerID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user_id and handler_id are required"})
		return
	}

	if err := s.dir.Connect(req.UserID, req.HandlerID); err != nil {
		slog.ErrorContext(r.Context(), "Connect failed", "user", req.UserID, "handler", req.HandlerID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "connect failed"})
		return
	}

	s.connectCounter.Add(r.Context(), 1, metric.WithAttributes(
		attribute.String("handler", req.HandlerID)))
	slog.DebugContext(r.Context(), "User connected", "user", req.UserID, "handler", req.HandlerID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "connected"})
}

func (s *server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	var req disconnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "user_id is required"})
		return
	}

	if err := s.dir.Disconnect(req.UserID); err != nil {
		slog.ErrorContext(r.Context(), "Disconnect failed", "user", req.UserID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "disconnect failed"})
		return
	}

	s.disconnectCounter.Add(r.Context(), 1)
	slog.DebugContext(r.Context(), "User disconnected", "user", req.UserID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "disconnected"})
}

func (s *server) handleHandlerFor(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user_id")

	handlerID, err := s.dir.HandlerFor(userID)
	if errors.Is(err, ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "user not connected"})
		return
	}
	if err != nil {
		slog.ErrorContext(r.Context(), "Handler lookup failed", "user", userID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "lookup failed"})
		return
	}

	s.lookupCounter.Add(r.Context(), 1)
	writeJSON(w, http.StatusOK, map[string]string{"handler_id": handlerID})
}

func (s *server) handleMembersOf(w http.ResponseWriter, r *http.Request) {
	handlerID := r.PathValue("handler_id")
	users := s.dir.MembersOf(handlerID)
	if users == nil {
		users = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"users": users})
}

func (s *server) handleRegisterHandler(w http.ResponseWriter, r *http.Request) {
	var req registerHandlerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.HandlerID == "" || req.URL == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "handler_id and url are required"})
		return
	}

	if err := s.dir.RegisterHandler(req.HandlerID, req.URL); err != nil {
		slog.ErrorContext(r.Context(), "Handler registration failed", "handler", req.HandlerID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "registration failed"})
		return
	}

	slog.InfoContext(r.Context(), "Handler registered", "handler", req.HandlerID, "url", req.URL)
	writeJSON(w, http.StatusOK, map[string]string{"status": "registered"})
}

func (s *server) handleAddressOf(w http.ResponseWriter, r *http.Request) {
	handlerID := r.PathValue("handler_id")

	address, err := s.dir.AddressOf(handlerID)
	if errors.Is(err, ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "handler not registered"})
		return
	}
	if err != nil {
		slog.ErrorContext(r.Context(), "Handler address lookup failed", "handler", handlerID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "lookup failed"})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"url": address})
}
