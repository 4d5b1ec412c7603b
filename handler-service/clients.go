package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/RomanMuteki/random-chats/pkg/discovery"
	"github.com/RomanMuteki/random-chats/pkg/otelhelper"
)

// errNotFound marks a directory or store miss. Normal control flow.
var errNotFound = errors.New("not found")

// directory is the presence directory as seen by the handler.
type directory interface {
	Connect(ctx context.Context, userID, handlerID string) error
	Disconnect(ctx context.Context, userID string) error
	HandlerFor(ctx context.Context, userID string) (string, error)
	HandlerURL(ctx context.Context, handlerID string) (string, error)
	RegisterHandler(ctx context.Context, handlerID, url string) error
}

// messageStore is the message persistence collaborator.
type messageStore interface {
	CreateMessage(ctx context.Context, chatID, senderID, content string) (Message, error)
	MarkMessageDelivered(ctx context.Context, messageID, userID string) error
	Chats(ctx context.Context, userID string) ([]Chat, error)
	NewChats(ctx context.Context, userID string) ([]Chat, error)
	Messages(ctx context.Context, chatID string) ([]Message, error)
	NewMessages(ctx context.Context, chatID, userID string) ([]Message, error)
	MarkChatDelivered(ctx context.Context, chatID, userID string) error
	EnsureChat(ctx context.Context, userID, recipientID string) (Chat, error)
}

// tokenChecker validates client tokens.
type tokenChecker interface {
	CheckToken(ctx context.Context, uid, token string) (bool, error)
}

// forwarder pushes a message to a peer handler.
type forwarder interface {
	Forward(ctx context.Context, handlerURL string, frame messageFrame) (bool, error)
}

// directoryClient talks to presence-service through the discovery client.
type directoryClient struct {
	client *discovery.Client
}

func (d *directoryClient) Connect(ctx context.Context, userID, handlerID string) error {
	status, err := d.client.DoJSON(ctx, http.MethodPost, "presence_service", "/connect",
		map[string]string{"user_id": userID, "handler_id": handlerID}, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("presence connect: status %d", status)
	}
	return nil
}

func (d *directoryClient) Disconnect(ctx context.Context, userID string) error {
	status, err := d.client.DoJSON(ctx, http.MethodPost, "presence_service", "/disconnect",
		map[string]string{"user_id": userID}, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("presence disconnect: status %d", status)
	}
	return nil
}

func (d *directoryClient) HandlerFor(ctx context.Context, userID string) (string, error) {
	var out struct {
		HandlerID string `json:"handler_id"`
	}
	status, err := d.client.DoJSON(ctx, http.MethodGet, "presence_service", "/handler/"+userID, nil, &out)
	if err != nil {
		return "", err
	}
	if status == http.StatusNotFound {
		return "", errNotFound
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("presence handler lookup: status %d", status)
	}
	return out.HandlerID, nil
}

func (d *directoryClient) HandlerURL(ctx context.Context, handlerID string) (string, error) {
	var out struct {
		URL string `json:"url"`
	}
	status, err := d.client.DoJSON(ctx, http.MethodGet, "presence_service", "/handler_url/"+handlerID, nil, &out)
	if err != nil {
		return "", err
	}
	if status == http.StatusNotFound {
		return "", errNotFound
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("presence handler url lookup: status %d", status)
	}
	return out.URL, nil
}

func (d *directoryClient) RegisterHandler(ctx context.Context, handlerID, url string) error {
	status, err := d.client.DoJSON(ctx, http.MethodPost, "presence_service", "/register_handler",
		map[string]string{"handler_id": handlerID, "url": url}, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("handler registration: status %d", status)
	}
	return nil
}

// messageClient talks to message-service through the discovery client.
type messageClient struct {
	client *discovery.Client
}

func (m *messageClient) CreateMessage(ctx context.Context, chatID, senderID, content string) (Message, error) {
	var msg Message
	status, err := m.client.DoJSON(ctx, http.MethodPost, "message_service", "/messages",
		map[string]string{"chat_id": chatID, "sender_id": senderID, "content": content}, &msg)
	if err != nil {
		return Message{}, err
	}
	if status != http.StatusCreated && status != http.StatusOK {
		return Message{}, fmt.Errorf("create message: status %d", status)
	}
	return msg, nil
}

func (m *messageClient) MarkMessageDelivered(ctx context.Context, messageID, userID string) error {
	status, err := m.client.DoJSON(ctx, http.MethodPut, "message_service", "/messages/"+messageID+"/status",
		map[string]string{"receiver_id": userID, "status": "delivered"}, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("update message status: status %d", status)
	}
	return nil
}

func (m *messageClient) Chats(ctx context.Context, userID string) ([]Chat, error) {
	var chats []Chat
	status, err := m.client.DoJSON(ctx, http.MethodGet, "message_service", "/chats/"+userID, nil, &chats)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("list chats: status %d", status)
	}
	return chats, nil
}

func (m *messageClient) NewChats(ctx context.Context, userID string) ([]Chat, error) {
	var chats []Chat
	status, err := m.client.DoJSON(ctx, http.MethodGet, "message_service", "/chats/"+userID+"/new", nil, &chats)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("list new chats: status %d", status)
	}
	return chats, nil
}

func (m *messageClient) Messages(ctx context.Context, chatID string) ([]Message, error) {
	var messages []Message
	status, err := m.client.DoJSON(ctx, http.MethodGet, "message_service", "/messages/"+chatID, nil, &messages)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("list messages: status %d", status)
	}
	return messages, nil
}

func (m *messageClient) NewMessages(ctx context.Context, chatID, userID string) ([]Message, error) {
	var messages []Message
	status, err := m.client.DoJSON(ctx, http.MethodGet, "message_service", "/messages/"+chatID+"/new/"+userID, nil, &messages)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("list new messages: status %d", status)
	}
	return messages, nil
}

func (m *messageClient) MarkChatDelivered(ctx context.Context, chatID, userID string) error {
	status, err := m.client.DoJSON(ctx, http.MethodPut, "message_service", "/chats/"+chatID+"/status",
		map[string]string{"receiver_id": userID, "status": "delivered"}, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("update chat status: status %d", status)
	}
	return nil
}

func (m *messageClient) EnsureChat(ctx context.Context, userID, recipientID string) (Chat, error) {
	var chat Chat
	status, err := m.client.DoJSON(ctx, http.MethodPost, "message_service", "/chats",
		map[string][]string{"participants": {userID, recipientID}}, &chat)
	if err != nil {
		return Chat{}, err
	}
	// 200 means the pair already had a chat; that is success here.
	if status != http.StatusCreated && status != http.StatusOK {
		return Chat{}, fmt.Errorf("create chat: status %d", status)
	}
	return chat, nil
}

// authClient talks to auth-service through the discovery client.
type authClient struct {
	client *discovery.Client
}

func (a *authClient) CheckToken(ctx context.Context, uid, token string) (bool, error) {
	var out struct {
		Valid bool `json:"valid"`
	}
	status, err := a.client.DoJSON(ctx, http.MethodPost, "auth_service", "/token_check",
		map[string]string{"uid": uid, "token": token}, &out)
	if err != nil {
		return false, err
	}
	if status != http.StatusOK {
		return false, nil
	}
	return out.Valid, nil
}

// httpForwarder delivers a message frame to a peer handler's /forward_message
// endpoint. One attempt, no retry: a failed forward leaves the message
// undelivered for the periodic sync to pick up.
type httpForwarder struct {
	client *http.Client
}

func newHTTPForwarder() *httpForwarder {
	return &httpForwarder{client: &http.Client{Timeout: 10 * time.Second}}
}

func (f *httpForwarder) Forward(ctx context.Context, handlerURL string, frame messageFrame) (bool, error) {
	buf, err := json.Marshal(frame)
	if err != nil {
		return false, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, handlerURL+"/forward_message", bytes.NewReader(buf))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/json")
	otelhelper.InjectHTTP(ctx, req)

	resp, err := f.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("forward to %s: status %d", handlerURL, resp.StatusCode)
	}

	var out struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, err
	}
	return out.Status == "delivered", nil
}
