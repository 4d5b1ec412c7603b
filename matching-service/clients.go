package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/RomanMuteki/random-chats/pkg/discovery"
)

// authProfiles fetches search profiles from auth-service through the
// discovery client.
type authProfiles struct {
	client *discovery.Client
}

func (a *authProfiles) MatchingInfo(ctx context.Context, uid string) (matchingInfo, error) {
	var info matchingInfo
	status, err := a.client.DoJSON(ctx, http.MethodGet, "auth_service", "/matching_info/"+uid, nil, &info)
	if err != nil {
		return matchingInfo{}, err
	}
	if status != http.StatusOK {
		return matchingInfo{}, fmt.Errorf("matching info for %s: status %d", uid, status)
	}
	return info, nil
}

// chatClient opens chats through message-service.
type chatClient struct {
	client *discovery.Client
}

func (c *chatClient) CreateChat(ctx context.Context, participants []string) (string, bool, error) {
	var chat struct {
		ChatID string `json:"chat_id"`
	}
	status, err := c.client.DoJSON(ctx, http.MethodPost, "message_service", "/chats",
		map[string][]string{"participants": participants}, &chat)
	if err != nil {
		return "", false, err
	}
	switch status {
	case http.StatusCreated:
		return chat.ChatID, true, nil
	case http.StatusOK:
		return chat.ChatID, false, nil
	default:
		return "", false, fmt.Errorf("create chat: status %d", status)
	}
}
