package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/RomanMuteki/random-chats/pkg/otelhelper"
)

type server struct {
	store Store

	chatCounter     metric.Int64Counter
	messageCounter  metric.Int64Counter
	statusCounter   metric.Int64Counter
	requestDuration metric.Float64Histogram
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("POST /chats",
		otelhelper.WrapHandler("create_chat", s.requestDuration, http.HandlerFunc(s.handleCreateChat)))
	mux.Handle("GET /chats/{user_id}",
		otelhelper.WrapHandler("list_chats", s.requestDuration, http.HandlerFunc(s.handleListChats)))
	mux.Handle("GET /chats/{user_id}/new",
		otelhelper.WrapHandler("list_new_chats", s.requestDuration, http.HandlerFunc(s.handleListNewChats)))
	mux.Handle("PUT /chats/{chat_id}/status",
		otelhelper.WrapHandler("update_chat_status", s.requestDuration, http.HandlerFunc(s.handleChatStatus)))
	mux.Handle("POST /messages",
		otelhelper.WrapHandler("create_message", s.requestDuration, http.HandlerFunc(s.handleCreateMessage)))
	mux.Handle("GET /messages/{chat_id}",
		otelhelper.WrapHandler("list_messages", s.requestDuration, http.HandlerFunc(s.handleListMessages)))
	mux.Handle("GET /messages/{chat_id}/new/{user_id}",
		otelhelper.WrapHandler("list_new_messages", s.requestDuration, http.HandlerFunc(s.handleListNewMessages)))
	mux.Handle("PUT /messages/{message_id}/status",
		otelhelper.WrapHandler("update_message_status", s.requestDuration, http.HandlerFunc(s.handleMessageStatus)))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func (s *server) handleCreateChat(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Participants []string `json:"participants"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Participants) < 2 {
		http.Error(w, "participants required", http.StatusBadRequest)
		return
	}
	chat, created, err := s.store.CreateChat(r.Context(), req.Participants)
	if err != nil {
		slog.Error("Failed to create chat", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.chatCounter.Add(r.Context(), 1)
	if created {
		writeJSON(w, http.StatusCreated, chat)
		return
	}
	writeJSON(w, http.StatusOK, chat)
}

func (s *server) handleListChats(w http.ResponseWriter, r *http.Request) {
	chats, err := s.store.ChatsForUser(r.Context(), r.PathValue("user_id"))
	if err != nil {
		slog.Error("Failed to list chats", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if chats == nil {
		chats = []Chat{}
	}
	writeJSON(w, http.StatusOK, chats)
}

func (s *server) handleListNewChats(w http.ResponseWriter, r *http.Request) {
	chats, err := s.store.NewChatsForUser(r.Context(), r.PathValue("user_id"))
	if err != nil {
		slog.Error("Failed to list new chats", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if chats == nil {
		chats = []Chat{}
	}
	writeJSON(w, http.StatusOK, chats)
}

func (s *server) handleChatStatus(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("chat_id")
	if _, err := uuid.Parse(chatID); err != nil {
		http.Error(w, "invalid chat id", http.StatusUnprocessableEntity)
		return
	}
	var req struct {
		ReceiverID string `json:"receiver_id"`
		Status     string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ReceiverID == "" {
		http.Error(w, "receiver_id and status required", http.StatusBadRequest)
		return
	}
	if req.Status != statusUndelivered && req.Status != statusDelivered {
		http.Error(w, "unknown status", http.StatusBadRequest)
		return
	}
	err := s.store.UpdateChatStatus(r.Context(), chatID, req.ReceiverID, req.Status)
	if errors.Is(err, errNotFound) {
		http.Error(w, "chat not found", http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("Failed to update chat status", "chat_id", chatID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.statusCounter.Add(r.Context(), 1)
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *server) handleCreateMessage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ChatID   string `json:"chat_id"`
		SenderID string `json:"sender_id"`
		Content  string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil ||
		req.ChatID == "" || req.SenderID == "" || req.Content == "" {
		http.Error(w, "chat_id, sender_id and content required", http.StatusBadRequest)
		return
	}
	if _, err := uuid.Parse(req.ChatID); err != nil {
		http.Error(w, "invalid chat id", http.StatusUnprocessableEntity)
		return
	}
	msg, err := s.store.CreateMessage(r.Context(), req.ChatID, req.SenderID, req.Content)
	if errors.Is(err, errNotFound) {
		http.Error(w, "chat not found", http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("Failed to create message", "chat_id", req.ChatID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.messageCounter.Add(r.Context(), 1)
	writeJSON(w, http.StatusCreated, msg)
}

func (s *server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("chat_id")
	if _, err := uuid.Parse(chatID); err != nil {
		http.Error(w, "invalid chat id", http.StatusUnprocessableEntity)
		return
	}
	messages, err := s.store.MessagesForChat(r.Context(), chatID)
	if err != nil {
		slog.Error("Failed to list messages", "chat_id", chatID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if messages == nil {
		messages = []Message{}
	}
	writeJSON(w, http.StatusOK, messages)
}

func (s *server) handleListNewMessages(w http.ResponseWriter, r *http.Request) {
	chatID := r.PathValue("chat_id")
	if _, err := uuid.Parse(chatID); err != nil {
		http.Error(w, "invalid chat id", http.StatusUnprocessableEntity)
		return
	}
	messages, err := s.store.NewMessagesForChat(r.Context(), chatID, r.PathValue("user_id"))
	if err != nil {
		slog.Error("Failed to list new messages", "chat_id", chatID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if messages == nil {
		messages = []Message{}
	}
	writeJSON(w, http.StatusOK, messages)
}

func (s *server) handleMessageStatus(w http.ResponseWriter, r *http.Request) {
	messageID := r.PathValue("message_id")
	if _, err := uuid.Parse(messageID); err != nil {
		http.Error(w, "invalid message id", http.StatusUnprocessableEntity)
		return
	}
	var req struct {
		ReceiverID string `json:"receiver_id"`
		Status     string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ReceiverID == "" {
		http.Error(w, "receiver_id and status required", http.StatusBadRequest)
		return
	}
	if req.Status != statusUndelivered && req.Status != statusDelivered {
		http.Error(w, "unknown status", http.StatusBadRequest)
		return
	}
	err := s.store.UpdateMessageStatus(r.Context(), messageID, req.ReceiverID, req.Status)
	if errors.Is(err, errNotFound) {
		http.Error(w, "message not found", http.StatusNotFound)
		return
	}
	if err != nil {
		slog.Error("Failed to update message status", "message_id", messageID, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	s.statusCounter.Add(r.Context(), 1)
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}
