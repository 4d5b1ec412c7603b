package main

import "time"

// Client frame kinds dispatched by the session loop.
const (
	frameTypePing        = "ping"
	frameTypeFetchChats  = "fetch_chats"
	frameTypeCreateChat  = "create_chat"
	frameTypeSendMessage = "send_message"
)

// Server push kinds.
const (
	frameTypePong        = "pong"
	frameTypeAllChats    = "all_chats"
	frameTypeNewChats    = "new_chats"
	frameTypeAllMessages = "all_messages"
	frameTypeNewMessages = "new_messages"
	frameTypeMessage     = "message"
)

// clientFrame is the envelope every inbound frame decodes into. Fields beyond
// Type are populated depending on the kind.
type clientFrame struct {
	Type        string `json:"type"`
	RecipientID string `json:"recipient_id,omitempty"`
	Content     string `json:"content,omitempty"`
	ChatID      string `json:"chat_id,omitempty"`
}

// Chat is the chat record as served by the message store.
type Chat struct {
	ID           string    `json:"chat_id"`
	Participants []string  `json:"participants"`
	CreatedAt    time.Time `json:"created_at"`
	LastMessage  *Message  `json:"last_message,omitempty"`
}

// Message is the message record as served by the message store.
type Message struct {
	ID        string    `json:"message_id"`
	ChatID    string    `json:"chat_id"`
	SenderID  string    `json:"sender_id"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// messageFrame is the push sent to a recipient and the payload forwarded
// between handlers.
type messageFrame struct {
	Type        string    `json:"type"`
	ChatID      string    `json:"chat_id"`
	SenderID    string    `json:"sender_id"`
	RecipientID string    `json:"recipient_id"`
	Content     string    `json:"content"`
	MessageID   string    `json:"message_id"`
	Timestamp   time.Time `json:"timestamp"`
}

type pongFrame struct {
	Type string `json:"type"`
}

type chatsFrame struct {
	Type string `json:"type"`
	Data []Chat `json:"data"`
}

type messagesFrame struct {
	Type   string    `json:"type"`
	ChatID string    `json:"chat_id"`
	Data   []Message `json:"data"`
}
