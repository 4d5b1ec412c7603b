package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/metric"

	"github.com/RomanMuteki/random-chats/pkg/otelhelper"
)

// Close codes sent before dropping an unauthenticated connection.
const (
	closeMissingToken = 4001
	closeBadToken     = 4003
)

// handler owns this instance's live connections and the collaborator clients.
type handler struct {
	handlerID     string
	rootCtx       context.Context
	conns         *connRegistry
	dir           directory
	store         messageStore
	auth          tokenChecker
	fwd           forwarder
	presenceCache *ttlCache
	syncInterval  time.Duration
	upgrader      websocket.Upgrader

	routedCounter   metric.Int64Counter
	forwardDuration metric.Float64Histogram
	requestDuration metric.Float64Histogram
}

func (h *handler) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /ws/{user_id}/{token}", h.handleWS)
	mux.Handle("POST /forward_message", otelhelper.WrapHandler("handler forward", h.requestDuration, http.HandlerFunc(h.handleForward)))
	return mux
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(time.Second)
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	conn.Close()
}

// handleWS upgrades the connection, validates the token and runs the session
// loop. A failed validation closes the socket without touching the directory
// or the local registry.
func (h *handler) handleWS(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user_id")
	token := r.PathValue("token")

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("WebSocket upgrade failed", "user", userID, "error", err)
		return
	}
	if token == "" {
		closeWith(conn, closeMissingToken, "token required")
		return
	}

	valid, err := h.auth.CheckToken(r.Context(), userID, token)
	if err != nil {
		slog.Error("Token validation unavailable", "user", userID, "error", err)
		closeWith(conn, closeBadToken, "token validation failed")
		return
	}
	if !valid {
		slog.Info("Rejected connection with invalid token", "user", userID)
		closeWith(conn, closeBadToken, "invalid or expired token")
		return
	}

	// The session outlives this request; it ends with the process or the
	// client, whichever goes first.
	h.runSession(h.rootCtx, userID, conn)
}

// runSession drives one authenticated connection to completion. Every exit
// path stops the sync task, awaits the directory disconnect and removes the
// local registry entry.
func (h *handler) runSession(ctx context.Context, userID string, conn wsConn) {
	sess := newSession(userID, conn)

	if err := h.dir.Connect(ctx, userID, h.handlerID); err != nil {
		slog.Error("Presence registration failed", "user", userID, "error", err)
		conn.Close()
		return
	}

	if prev := h.conns.add(sess); prev != nil {
		slog.Info("Displacing previous connection for user", "user", userID)
		prev.conn.Close()
	}
	slog.Info("User connected", "user", userID, "connections", h.conns.count())

	sessCtx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		h.conns.remove(sess)

		// Awaited, bounded, and swallowed on failure: a leaked mapping
		// is corrected by the user's next connect.
		dcCtx, dcCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer dcCancel()
		if err := h.dir.Disconnect(dcCtx, userID); err != nil {
			slog.Warn("Presence deregistration failed", "user", userID, "error", err)
		}
		conn.Close()
		slog.Info("User disconnected", "user", userID, "connections", h.conns.count())
	}()

	if err := h.replayAll(sessCtx, sess); err != nil {
		slog.Warn("Initial replay failed", "user", userID, "error", err)
	}

	go h.syncLoop(sessCtx, sess)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Warn("Connection read error", "user", userID, "error", err)
			}
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			slog.Warn("Undecodable frame", "user", userID, "error", err)
			continue
		}

		switch frame.Type {
		case frameTypePing:
			if err := sess.send(pongFrame{Type: frameTypePong}); err != nil {
				return
			}
		case frameTypeFetchChats:
			if err := h.replayAll(sessCtx, sess); err != nil {
				slog.Warn("Replay failed", "user", userID, "error", err)
			}
		case frameTypeCreateChat:
			if frame.RecipientID == "" {
				slog.Warn("create_chat without recipient", "user", userID)
				continue
			}
			chat, err := h.store.EnsureChat(sessCtx, userID, frame.RecipientID)
			if err != nil {
				slog.Error("Chat creation failed", "user", userID, "recipient", frame.RecipientID, "error", err)
				continue
			}
			slog.Info("Chat ready", "user", userID, "recipient", frame.RecipientID, "chat", chat.ID)
			if err := h.replayAll(sessCtx, sess); err != nil {
				slog.Warn("Replay after create_chat failed", "user", userID, "error", err)
			}
		case frameTypeSendMessage:
			h.routeMessage(sessCtx, userID, frame)
		default:
			slog.Warn("Unknown frame type", "user", userID, "type", frame.Type)
		}
	}
}

// handleForward receives a message forwarded by a peer handler and delivers
// it when the recipient is connected here.
func (h *handler) handleForward(w http.ResponseWriter, r *http.Request) {
	var frame messageFrame
	if err := json.NewDecoder(r.Body).Decode(&frame); err != nil || frame.RecipientID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed message"})
		return
	}
	frame.Type = frameTypeMessage

	sess, ok := h.conns.get(frame.RecipientID)
	if !ok {
		slog.InfoContext(r.Context(), "Forwarded recipient not connected here", "recipient", frame.RecipientID)
		writeJSON(w, http.StatusOK, map[string]string{"status": "not_delivered"})
		return
	}
	if err := sess.send(frame); err != nil {
		slog.WarnContext(r.Context(), "Forwarded delivery failed", "recipient", frame.RecipientID, "error", err)
		writeJSON(w, http.StatusOK, map[string]string{"status": "not_delivered"})
		return
	}
	if err := h.store.MarkMessageDelivered(r.Context(), frame.MessageID, frame.RecipientID); err != nil {
		slog.WarnContext(r.Context(), "Failed to mark forwarded message delivered", "message", frame.MessageID, "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "delivered"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("Failed to encode response", "error", err)
	}
}
