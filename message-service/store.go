package main

import (
	"context"
	"errors"
	"time"
)

// Delivery states tracked per recipient.
const (
	statusUndelivered = "undelivered"
	statusDelivered   = "delivered"
)

var errNotFound = errors.New("not found")

// StatusEntry is one recipient's delivery state for a message.
type StatusEntry struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

// Chat is a conversation between participants. Status carries each
// participant's chat-level delivery state.
type Chat struct {
	ID           string            `json:"chat_id"`
	Participants []string          `json:"participants"`
	CreatedAt    time.Time         `json:"created_at"`
	LastMessage  *LastMessage      `json:"last_message,omitempty"`
	Status       map[string]string `json:"status,omitempty"`
}

// LastMessage is the chat's most recent message summary.
type LastMessage struct {
	MessageID string    `json:"message_id"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Message is a stored chat message. Status maps each recipient (every
// participant except the sender) to its delivery state.
type Message struct {
	ID        string                 `json:"message_id"`
	ChatID    string                 `json:"chat_id"`
	SenderID  string                 `json:"sender_id"`
	Content   string                 `json:"content"`
	Timestamp time.Time              `json:"timestamp"`
	Status    map[string]StatusEntry `json:"status,omitempty"`
}

// Store is the persistence contract the HTTP layer works against. The
// production implementation is sqlStore; tests use an in-memory fake.
type Store interface {
	// CreateChat returns the chat for the participants. For two-party
	// chats the sorted pair is unique: a concurrent or repeated create
	// returns the existing chat with created=false.
	CreateChat(ctx context.Context, participants []string) (chat Chat, created bool, err error)
	ChatsForUser(ctx context.Context, userID string) ([]Chat, error)
	NewChatsForUser(ctx context.Context, userID string) ([]Chat, error)
	UpdateChatStatus(ctx context.Context, chatID, userID, status string) error

	CreateMessage(ctx context.Context, chatID, senderID, content string) (Message, error)
	MessagesForChat(ctx context.Context, chatID string) ([]Message, error)
	NewMessagesForChat(ctx context.Context, chatID, userID string) ([]Message, error)
	// UpdateMessageStatus overwrites the recipient's entry, last write
	// wins.
	UpdateMessageStatus(ctx context.Context, messageID, userID, status string) error
}

// pairKey normalizes a two-participant chat into its unique key. Chats with
// more than two participants have no pair key.
func pairKey(participants []string) string {
	if len(participants) != 2 {
		return ""
	}
	a, b := participants[0], participants[1]
	if a > b {
		a, b = b, a
	}
	return a + ":" + b
}
