package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"

	"github.com/RomanMuteki/random-chats/pkg/otelhelper"
)

// fakeConn records frames written to a session.
type fakeConn struct {
	mu     sync.Mutex
	frames []any
	closed bool
}

func (c *fakeConn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("connection closed")
	}
	c.frames = append(c.frames, v)
	return nil
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	return 0, nil, fmt.Errorf("connection closed")
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) written() []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]any, len(c.frames))
	copy(out, c.frames)
	return out
}

// fakeDirectory is an in-memory presence directory.
type fakeDirectory struct {
	mu       sync.Mutex
	presence map[string]string
	urls     map[string]string
	lookups  int
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{presence: make(map[string]string), urls: make(map[string]string)}
}

func (d *fakeDirectory) Connect(_ context.Context, userID, handlerID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.presence[userID] = handlerID
	return nil
}

func (d *fakeDirectory) Disconnect(_ context.Context, userID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.presence, userID)
	return nil
}

func (d *fakeDirectory) HandlerFor(_ context.Context, userID string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lookups++
	handlerID, ok := d.presence[userID]
	if !ok {
		return "", errNotFound
	}
	return handlerID, nil
}

func (d *fakeDirectory) HandlerURL(_ context.Context, handlerID string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	url, ok := d.urls[handlerID]
	if !ok {
		return "", errNotFound
	}
	return url, nil
}

func (d *fakeDirectory) RegisterHandler(_ context.Context, handlerID, url string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls[handlerID] = url
	return nil
}

// fakeStore is an in-memory message store tracking per-recipient status.
type fakeStore struct {
	mu         sync.Mutex
	seq        int
	chats      map[string]Chat
	chatStatus map[string]map[string]string
	messages   map[string][]Message
	msgStatus  map[string]map[string]string
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		chats:      make(map[string]Chat),
		chatStatus: make(map[string]map[string]string),
		messages:   make(map[string][]Message),
		msgStatus:  make(map[string]map[string]string),
	}
}

func (s *fakeStore) EnsureChat(_ context.Context, userID, recipientID string) (Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.chats {
		if len(c.Participants) == 2 &&
			((c.Participants[0] == userID && c.Participants[1] == recipientID) ||
				(c.Participants[0] == recipientID && c.Participants[1] == userID)) {
			return c, nil
		}
	}
	s.seq++
	chat := Chat{
		ID:           fmt.Sprintf("chat-%d", s.seq),
		Participants: []string{userID, recipientID},
		CreatedAt:    time.Now(),
	}
	s.chats[chat.ID] = chat
	s.chatStatus[chat.ID] = map[string]string{userID: "undelivered", recipientID: "undelivered"}
	return chat, nil
}

func (s *fakeStore) CreateMessage(_ context.Context, chatID, senderID, content string) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chat, ok := s.chats[chatID]
	if !ok {
		return Message{}, fmt.Errorf("chat %s not found", chatID)
	}
	s.seq++
	msg := Message{
		ID:        fmt.Sprintf("msg-%d", s.seq),
		ChatID:    chatID,
		SenderID:  senderID,
		Content:   content,
		Timestamp: time.Now(),
	}
	s.messages[chatID] = append(s.messages[chatID], msg)
	status := make(map[string]string)
	for _, p := range chat.Participants {
		if p != senderID {
			status[p] = "undelivered"
		}
	}
	s.msgStatus[msg.ID] = status
	return msg, nil
}

func (s *fakeStore) MarkMessageDelivered(_ context.Context, messageID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status, ok := s.msgStatus[messageID]; ok {
		status[userID] = "delivered"
	}
	return nil
}

func (s *fakeStore) Chats(_ context.Context, userID string) ([]Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Chat
	for _, c := range s.chats {
		for _, p := range c.Participants {
			if p == userID {
				out = append(out, c)
				break
			}
		}
	}
	return out, nil
}

func (s *fakeStore) NewChats(_ context.Context, userID string) ([]Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Chat
	for id, c := range s.chats {
		if s.chatStatus[id][userID] == "undelivered" {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *fakeStore) Messages(_ context.Context, chatID string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages[chatID]...), nil
}

func (s *fakeStore) NewMessages(_ context.Context, chatID, userID string) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Message
	for _, m := range s.messages[chatID] {
		if s.msgStatus[m.ID][userID] == "undelivered" {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *fakeStore) MarkChatDelivered(_ context.Context, chatID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status, ok := s.chatStatus[chatID]; ok {
		status[userID] = "delivered"
	}
	return nil
}

func (s *fakeStore) messageStatus(messageID, userID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.msgStatus[messageID][userID]
}

// fakeForwarder records forward attempts.
type fakeForwarder struct {
	mu        sync.Mutex
	calls     []forwardCall
	delivered bool
	err       error
}

type forwardCall struct {
	url   string
	frame messageFrame
}

func (f *fakeForwarder) Forward(_ context.Context, handlerURL string, frame messageFrame) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, forwardCall{url: handlerURL, frame: frame})
	return f.delivered, f.err
}

func (f *fakeForwarder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newTestHandler(t *testing.T) (*handler, *fakeDirectory, *fakeStore, *fakeForwarder) {
	t.Helper()
	dir := newFakeDirectory()
	store := newFakeStore()
	fwd := &fakeForwarder{delivered: true}

	meter := otel.Meter("handler-service-test")
	routedCounter, _ := meter.Int64Counter("handler_messages_routed_total")
	forwardDuration, _ := otelhelper.NewDurationHistogram(meter, "handler_forward_duration_seconds", "forward duration")
	requestDuration, _ := otelhelper.NewDurationHistogram(meter, "handler_request_duration_seconds", "request duration")

	h := &handler{
		handlerID:       "wsh-test",
		rootCtx:         context.Background(),
		conns:           newConnRegistry(),
		dir:             dir,
		store:           store,
		auth:            nil,
		fwd:             fwd,
		presenceCache:   newTTLCache(100, time.Minute),
		syncInterval:    5 * time.Second,
		upgrader:        websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		routedCounter:   routedCounter,
		forwardDuration: forwardDuration,
		requestDuration: requestDuration,
	}
	return h, dir, store, fwd
}
