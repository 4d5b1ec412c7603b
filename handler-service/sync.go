package main

import (
	"context"
	"log/slog"
	"time"
)

// replayAll sends the user's full chat history: one all_chats frame, then an
// all_messages frame per chat. Messages not sent by the user are marked
// delivered as they go out.
func (h *handler) replayAll(ctx context.Context, s *session) error {
	chats, err := h.store.Chats(ctx, s.userID)
	if err != nil {
		return err
	}
	if len(chats) == 0 {
		return nil
	}

	if err := s.send(chatsFrame{Type: frameTypeAllChats, Data: chats}); err != nil {
		return err
	}
	for _, chat := range chats {
		messages, err := h.store.Messages(ctx, chat.ID)
		if err != nil {
			slog.WarnContext(ctx, "Failed to load chat messages for replay", "chat", chat.ID, "error", err)
			continue
		}
		if len(messages) == 0 {
			continue
		}
		if err := s.send(messagesFrame{Type: frameTypeAllMessages, ChatID: chat.ID, Data: messages}); err != nil {
			return err
		}
		for _, msg := range messages {
			if msg.SenderID == s.userID {
				continue
			}
			if err := h.store.MarkMessageDelivered(ctx, msg.ID, s.userID); err != nil {
				slog.WarnContext(ctx, "Failed to mark replayed message delivered", "message", msg.ID, "error", err)
			}
		}
	}
	return nil
}

// replayNew performs one incremental sync pass: undelivered chats first, then
// undelivered messages across every chat the user participates in. Items are
// marked delivered after they are pushed, so a send failure leaves them for
// the next pass.
func (h *handler) replayNew(ctx context.Context, s *session) error {
	newChats, err := h.store.NewChats(ctx, s.userID)
	if err != nil {
		return err
	}
	if len(newChats) > 0 {
		if err := s.send(chatsFrame{Type: frameTypeNewChats, Data: newChats}); err != nil {
			return err
		}
		for _, chat := range newChats {
			if err := h.store.MarkChatDelivered(ctx, chat.ID, s.userID); err != nil {
				slog.WarnContext(ctx, "Failed to mark chat delivered", "chat", chat.ID, "error", err)
			}
		}
	}

	chats, err := h.store.Chats(ctx, s.userID)
	if err != nil {
		return err
	}
	for _, chat := range chats {
		messages, err := h.store.NewMessages(ctx, chat.ID, s.userID)
		if err != nil {
			slog.WarnContext(ctx, "Failed to load new messages", "chat", chat.ID, "error", err)
			continue
		}
		if len(messages) == 0 {
			continue
		}
		if err := s.send(messagesFrame{Type: frameTypeNewMessages, ChatID: chat.ID, Data: messages}); err != nil {
			return err
		}
		for _, msg := range messages {
			if err := h.store.MarkMessageDelivered(ctx, msg.ID, s.userID); err != nil {
				slog.WarnContext(ctx, "Failed to mark synced message delivered", "message", msg.ID, "error", err)
			}
		}
	}
	return nil
}

// syncLoop re-polls for undelivered items until the connection's context is
// cancelled. It is the recovery path for failed forwards and missed local
// deliveries.
func (h *handler) syncLoop(ctx context.Context, s *session) {
	ticker := time.NewTicker(h.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := h.replayNew(ctx, s); err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.WarnContext(ctx, "Sync pass failed", "user", s.userID, "error", err)
			}
		}
	}
}
