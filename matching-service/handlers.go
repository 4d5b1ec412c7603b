package main

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel/metric"

	"github.com/RomanMuteki/random-chats/pkg/otelhelper"
)

type server struct {
	matcher *matcher

	requestDuration metric.Float64Histogram
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("POST /matching",
		otelhelper.WrapHandler("matching", s.requestDuration, http.HandlerFunc(s.handleMatching)))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func (s *server) handleMatching(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UID string `json:"uid"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UID == "" {
		http.Error(w, "uid required", http.StatusBadRequest)
		return
	}

	result, err := s.matcher.Match(r.Context(), req.UID)
	if err != nil {
		slog.Error("Matching failed", "uid", req.UID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	if result.Matched {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "success",
			"message": "new chat created",
			"chat_id": result.ChatID,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": "user added to queue",
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}
