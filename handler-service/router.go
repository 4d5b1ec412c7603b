package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// routeMessage handles one send_message frame from a connected sender:
// persist, then deliver locally, forward to the owning peer handler, or leave
// the message undelivered for an offline recipient. A forward is attempted
// once; the periodic sync recovers anything that slips through.
func (h *handler) routeMessage(ctx context.Context, senderID string, frame clientFrame) {
	if frame.RecipientID == "" || frame.Content == "" {
		slog.WarnContext(ctx, "Malformed send_message frame", "sender", senderID)
		return
	}

	chatID := frame.ChatID
	if chatID == "" {
		chat, err := h.store.EnsureChat(ctx, senderID, frame.RecipientID)
		if err != nil {
			slog.ErrorContext(ctx, "Failed to resolve chat for message", "sender", senderID, "recipient", frame.RecipientID, "error", err)
			return
		}
		chatID = chat.ID
	}

	msg, err := h.store.CreateMessage(ctx, chatID, senderID, frame.Content)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to persist message", "sender", senderID, "chat", chatID, "error", err)
		return
	}

	out := messageFrame{
		Type:        frameTypeMessage,
		ChatID:      chatID,
		SenderID:    senderID,
		RecipientID: frame.RecipientID,
		Content:     frame.Content,
		MessageID:   msg.ID,
		Timestamp:   msg.Timestamp,
	}

	// Local delivery first.
	if sess, ok := h.conns.get(frame.RecipientID); ok {
		h.deliverLocal(ctx, sess, out)
		return
	}

	// Resolve the owning handler, cache first.
	handlerID, ok := h.presenceCache.get(frame.RecipientID)
	if !ok {
		handlerID, err = h.dir.HandlerFor(ctx, frame.RecipientID)
		if errors.Is(err, errNotFound) {
			h.routedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "offline")))
			slog.InfoContext(ctx, "Recipient offline, message stays undelivered", "recipient", frame.RecipientID, "message", msg.ID)
			return
		}
		if err != nil {
			slog.ErrorContext(ctx, "Directory lookup failed, message stays undelivered", "recipient", frame.RecipientID, "error", err)
			return
		}
		h.presenceCache.set(frame.RecipientID, handlerID)
	}

	if handlerID == h.handlerID {
		// The directory says the recipient is ours but the local map
		// disagrees. Drop; the sync pass delivers it once the state heals.
		h.routedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "inconsistent")))
		slog.WarnContext(ctx, "Recipient mapped to this handler but not locally connected, dropping",
			"recipient", frame.RecipientID, "message", msg.ID)
		return
	}

	h.forwardMessage(ctx, handlerID, out)
}

// deliverLocal pushes the frame to a locally connected recipient and marks it
// delivered.
func (h *handler) deliverLocal(ctx context.Context, sess *session, frame messageFrame) {
	if err := sess.send(frame); err != nil {
		slog.WarnContext(ctx, "Local delivery failed", "recipient", sess.userID, "message", frame.MessageID, "error", err)
		return
	}
	h.routedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "local")))
	if err := h.store.MarkMessageDelivered(ctx, frame.MessageID, sess.userID); err != nil {
		slog.WarnContext(ctx, "Failed to mark message delivered", "message", frame.MessageID, "recipient", sess.userID, "error", err)
	}
}

// forwardMessage pushes the frame to the peer handler owning the recipient.
// One attempt; a failed or stale registration means the recipient will get
// the message on its next sync.
func (h *handler) forwardMessage(ctx context.Context, handlerID string, frame messageFrame) {
	handlerURL, err := h.dir.HandlerURL(ctx, handlerID)
	if err != nil {
		slog.ErrorContext(ctx, "No address for peer handler", "handler", handlerID, "message", frame.MessageID, "error", err)
		return
	}

	start := time.Now()
	delivered, err := h.fwd.Forward(ctx, handlerURL, frame)
	h.forwardDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
		attribute.String("peer", handlerID)))
	if err != nil {
		h.routedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "forward_failed")))
		slog.WarnContext(ctx, "Forward failed, message stays undelivered", "handler", handlerID, "message", frame.MessageID, "error", err)
		return
	}
	if !delivered {
		h.routedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "forward_missed")))
		slog.InfoContext(ctx, "Peer handler no longer owns recipient", "handler", handlerID, "recipient", frame.RecipientID)
		return
	}
	h.routedCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "forwarded")))
	slog.DebugContext(ctx, "Message forwarded", "handler", handlerID, "message", frame.MessageID)
}
