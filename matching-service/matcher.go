package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// matchingInfo is a user's search profile as served by the auth collaborator.
type matchingInfo struct {
	Sex          string `json:"sex"`
	Age          int    `json:"age"`
	PreferredAge string `json:"preferred_age"`
	PreferredSex string `json:"preferred_sex"`
}

// queueKey names the bucket a user waits in.
func (m matchingInfo) queueKey() string {
	return fmt.Sprintf("queue:%d-%s", m.Age, m.Sex)
}

// ageRange expands "18-25" into the individual ages, inclusive.
func ageRange(frames string) ([]int, error) {
	lo, hi, ok := strings.Cut(frames, "-")
	if !ok {
		return nil, fmt.Errorf("malformed age range %q", frames)
	}
	minAge, err := strconv.Atoi(strings.TrimSpace(lo))
	if err != nil {
		return nil, fmt.Errorf("malformed age range %q: %w", frames, err)
	}
	maxAge, err := strconv.Atoi(strings.TrimSpace(hi))
	if err != nil {
		return nil, fmt.Errorf("malformed age range %q: %w", frames, err)
	}
	if maxAge < minAge {
		return nil, fmt.Errorf("malformed age range %q", frames)
	}
	ages := make([]int, 0, maxAge-minAge+1)
	for age := minAge; age <= maxAge; age++ {
		ages = append(ages, age)
	}
	return ages, nil
}

// profileSource serves user search profiles.
type profileSource interface {
	MatchingInfo(ctx context.Context, uid string) (matchingInfo, error)
}

// chatCreator opens a chat between two users. created is false when the pair
// already has one.
type chatCreator interface {
	CreateChat(ctx context.Context, participants []string) (chatID string, created bool, err error)
}

type matchResult struct {
	Matched bool
	ChatID  string
}

type matcher struct {
	queues   queue
	profiles profileSource
	chats    chatCreator

	matchCounter metric.Int64Counter
}

// Match scans the buckets of the user's preferred ages for a waiting
// candidate. On a hit it opens a chat; when the pair already chatted both
// users go back to their own buckets and the caller stays queued. With no
// candidate the user joins their own bucket.
func (m *matcher) Match(ctx context.Context, uid string) (matchResult, error) {
	info, err := m.profiles.MatchingInfo(ctx, uid)
	if err != nil {
		return matchResult{}, fmt.Errorf("load profile %s: %w", uid, err)
	}
	ages, err := ageRange(info.PreferredAge)
	if err != nil {
		return matchResult{}, err
	}

	for _, age := range ages {
		searchKey := fmt.Sprintf("queue:%d-%s", age, info.PreferredSex)
		candidate, err := m.queues.Pop(ctx, searchKey)
		if errors.Is(err, errQueueEmpty) {
			continue
		}
		if err != nil {
			return matchResult{}, err
		}
		if candidate == uid {
			// The user was still waiting in this bucket; popping them out
			// is exactly what we want before re-queuing below.
			continue
		}

		chatID, created, err := m.chats.CreateChat(ctx, []string{uid, candidate})
		if err != nil {
			return matchResult{}, fmt.Errorf("create chat for %s and %s: %w", uid, candidate, err)
		}
		if !created {
			slog.Info("Pair already has a chat, re-queuing both", "uid", uid, "candidate", candidate)
			if err := m.requeue(ctx, candidate); err != nil {
				return matchResult{}, err
			}
			if err := m.queues.Push(ctx, info.queueKey(), uid); err != nil {
				return matchResult{}, err
			}
			m.matchCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "requeued")))
			return matchResult{Matched: false}, nil
		}

		slog.Info("Matched users", "uid", uid, "candidate", candidate, "chat_id", chatID)
		m.matchCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "matched")))
		return matchResult{Matched: true, ChatID: chatID}, nil
	}

	if err := m.queues.Push(ctx, info.queueKey(), uid); err != nil {
		return matchResult{}, err
	}
	slog.Info("No candidate found, user queued", "uid", uid, "queue", info.queueKey())
	m.matchCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "queued")))
	return matchResult{Matched: false}, nil
}

func (m *matcher) requeue(ctx context.Context, uid string) error {
	info, err := m.profiles.MatchingInfo(ctx, uid)
	if err != nil {
		return fmt.Errorf("load profile %s for requeue: %w", uid, err)
	}
	return m.queues.Push(ctx, info.queueKey(), uid)
}
