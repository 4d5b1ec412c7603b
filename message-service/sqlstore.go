package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// sqlStore is the PostgreSQL-backed Store. Chat-pair uniqueness is enforced
// by the UNIQUE constraint on pair_key, so two handlers racing to create the
// same two-party chat converge on one row.
type sqlStore struct {
	db *sql.DB
}

func newSQLStore(db *sql.DB) *sqlStore {
	return &sqlStore{db: db}
}

const schema = `
CREATE TABLE IF NOT EXISTS chats (
    id uuid PRIMARY KEY,
    pair_key text UNIQUE,
    participants text[] NOT NULL,
    created_at timestamptz NOT NULL,
    last_message jsonb
);
CREATE TABLE IF NOT EXISTS chat_status (
    chat_id uuid NOT NULL REFERENCES chats(id),
    user_id text NOT NULL,
    status text NOT NULL,
    PRIMARY KEY (chat_id, user_id)
);
CREATE TABLE IF NOT EXISTS messages (
    id uuid PRIMARY KEY,
    chat_id uuid NOT NULL REFERENCES chats(id),
    sender_id text NOT NULL,
    content text NOT NULL,
    timestamp timestamptz NOT NULL
);
CREATE INDEX IF NOT EXISTS messages_chat_timestamp ON messages (chat_id, timestamp);
CREATE TABLE IF NOT EXISTS message_status (
    message_id uuid NOT NULL REFERENCES messages(id),
    user_id text NOT NULL,
    status text NOT NULL,
    updated_at timestamptz NOT NULL,
    PRIMARY KEY (message_id, user_id)
);
`

func (s *sqlStore) initSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

const chatColumns = `c.id, c.participants, c.created_at, c.last_message,
	(SELECT json_object_agg(s.user_id, s.status)
	 FROM chat_status s WHERE s.chat_id = c.id) AS status`

const messageColumns = `m.id, m.chat_id, m.sender_id, m.content, m.timestamp,
	(SELECT json_object_agg(s.user_id, json_build_object('status', s.status, 'timestamp', s.updated_at))
	 FROM message_status s WHERE s.message_id = m.id) AS status`

func scanChat(row interface{ Scan(...any) error }) (Chat, error) {
	var c Chat
	var participants pq.StringArray
	var lastMessage, status []byte
	if err := row.Scan(&c.ID, &participants, &c.CreatedAt, &lastMessage, &status); err != nil {
		return Chat{}, err
	}
	c.Participants = participants
	if lastMessage != nil {
		c.LastMessage = &LastMessage{}
		if err := json.Unmarshal(lastMessage, c.LastMessage); err != nil {
			return Chat{}, fmt.Errorf("decode last_message: %w", err)
		}
	}
	if status != nil {
		if err := json.Unmarshal(status, &c.Status); err != nil {
			return Chat{}, fmt.Errorf("decode chat status: %w", err)
		}
	}
	return c, nil
}

func scanMessage(row interface{ Scan(...any) error }) (Message, error) {
	var m Message
	var status []byte
	if err := row.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.Content, &m.Timestamp, &status); err != nil {
		return Message{}, err
	}
	if status != nil {
		if err := json.Unmarshal(status, &m.Status); err != nil {
			return Message{}, fmt.Errorf("decode message status: %w", err)
		}
	}
	return m, nil
}

func (s *sqlStore) CreateChat(ctx context.Context, participants []string) (Chat, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Chat{}, false, err
	}
	defer tx.Rollback()

	pk := pairKey(participants)
	chat := Chat{
		ID:           uuid.NewString(),
		Participants: participants,
		CreatedAt:    time.Now().UTC(),
		Status:       make(map[string]string, len(participants)),
	}

	var pkValue any
	if pk != "" {
		pkValue = pk
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO chats (id, pair_key, participants, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (pair_key) DO NOTHING`,
		chat.ID, pkValue, pq.Array(participants), chat.CreatedAt)
	if err != nil {
		return Chat{}, false, fmt.Errorf("insert chat: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return Chat{}, false, err
	}
	if affected == 0 {
		// Lost the uniqueness race or the pair already chatted.
		row := tx.QueryRowContext(ctx,
			`SELECT `+chatColumns+` FROM chats c WHERE c.pair_key = $1`, pk)
		existing, err := scanChat(row)
		if err != nil {
			return Chat{}, false, fmt.Errorf("load existing chat: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return Chat{}, false, err
		}
		return existing, false, nil
	}

	for _, p := range participants {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chat_status (chat_id, user_id, status) VALUES ($1, $2, $3)`,
			chat.ID, p, statusUndelivered); err != nil {
			return Chat{}, false, fmt.Errorf("init chat status: %w", err)
		}
		chat.Status[p] = statusUndelivered
	}
	if err := tx.Commit(); err != nil {
		return Chat{}, false, err
	}
	return chat, true, nil
}

func (s *sqlStore) ChatsForUser(ctx context.Context, userID string) ([]Chat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+chatColumns+` FROM chats c
		 WHERE c.participants @> ARRAY[$1]::text[]
		 ORDER BY c.created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("query chats: %w", err)
	}
	defer rows.Close()
	return collectChats(rows)
}

func (s *sqlStore) NewChatsForUser(ctx context.Context, userID string) ([]Chat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+chatColumns+` FROM chats c
		 WHERE c.participants @> ARRAY[$1]::text[]
		   AND EXISTS (SELECT 1 FROM chat_status s
		               WHERE s.chat_id = c.id AND s.user_id = $1 AND s.status <> $2)
		 ORDER BY c.created_at DESC`, userID, statusDelivered)
	if err != nil {
		return nil, fmt.Errorf("query new chats: %w", err)
	}
	defer rows.Close()
	return collectChats(rows)
}

func collectChats(rows *sql.Rows) ([]Chat, error) {
	var chats []Chat
	for rows.Next() {
		c, err := scanChat(rows)
		if err != nil {
			return nil, err
		}
		chats = append(chats, c)
	}
	return chats, rows.Err()
}

func (s *sqlStore) UpdateChatStatus(ctx context.Context, chatID, userID, status string) error {
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM chats WHERE id = $1)`, chatID).Scan(&exists); err != nil {
		return fmt.Errorf("check chat: %w", err)
	}
	if !exists {
		return errNotFound
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chat_status (chat_id, user_id, status) VALUES ($1, $2, $3)
		 ON CONFLICT (chat_id, user_id) DO UPDATE SET status = EXCLUDED.status`,
		chatID, userID, status)
	if err != nil {
		return fmt.Errorf("update chat status: %w", err)
	}
	return nil
}

func (s *sqlStore) CreateMessage(ctx context.Context, chatID, senderID, content string) (Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, err
	}
	defer tx.Rollback()

	var participants pq.StringArray
	err = tx.QueryRowContext(ctx,
		`SELECT participants FROM chats WHERE id = $1`, chatID).Scan(&participants)
	if err == sql.ErrNoRows {
		return Message{}, errNotFound
	}
	if err != nil {
		return Message{}, fmt.Errorf("load chat participants: %w", err)
	}

	msg := Message{
		ID:        uuid.NewString(),
		ChatID:    chatID,
		SenderID:  senderID,
		Content:   content,
		Timestamp: time.Now().UTC(),
		Status:    make(map[string]StatusEntry),
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, chat_id, sender_id, content, timestamp)
		 VALUES ($1, $2, $3, $4, $5)`,
		msg.ID, msg.ChatID, msg.SenderID, msg.Content, msg.Timestamp); err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	for _, p := range participants {
		if p == senderID {
			continue
		}
		entry := StatusEntry{Status: statusUndelivered, Timestamp: msg.Timestamp}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO message_status (message_id, user_id, status, updated_at)
			 VALUES ($1, $2, $3, $4)`,
			msg.ID, p, entry.Status, entry.Timestamp); err != nil {
			return Message{}, fmt.Errorf("init message status: %w", err)
		}
		msg.Status[p] = entry
	}

	lastMessage, err := json.Marshal(LastMessage{
		MessageID: msg.ID,
		Content:   msg.Content,
		Timestamp: msg.Timestamp,
	})
	if err != nil {
		return Message{}, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE chats SET last_message = $2 WHERE id = $1`, chatID, lastMessage); err != nil {
		return Message{}, fmt.Errorf("update last_message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Message{}, err
	}
	return msg, nil
}

func (s *sqlStore) MessagesForChat(ctx context.Context, chatID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages m
		 WHERE m.chat_id = $1 ORDER BY m.timestamp ASC`, chatID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

func (s *sqlStore) NewMessagesForChat(ctx context.Context, chatID, userID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages m
		 WHERE m.chat_id = $1
		   AND EXISTS (SELECT 1 FROM message_status s
		               WHERE s.message_id = m.id AND s.user_id = $2 AND s.status = $3)
		 ORDER BY m.timestamp ASC`, chatID, userID, statusUndelivered)
	if err != nil {
		return nil, fmt.Errorf("query new messages: %w", err)
	}
	defer rows.Close()
	return collectMessages(rows)
}

func collectMessages(rows *sql.Rows) ([]Message, error) {
	var messages []Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (s *sqlStore) UpdateMessageStatus(ctx context.Context, messageID, userID, status string) error {
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM messages WHERE id = $1)`, messageID).Scan(&exists); err != nil {
		return fmt.Errorf("check message: %w", err)
	}
	if !exists {
		return errNotFound
	}
	// Last write wins: a late duplicate may overwrite a newer entry.
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO message_status (message_id, user_id, status, updated_at)
		 VALUES ($1, $2, $3, NOW())
		 ON CONFLICT (message_id, user_id)
		 DO UPDATE SET status = EXCLUDED.status, updated_at = EXCLUDED.updated_at`,
		messageID, userID, status)
	if err != nil {
		return fmt.Errorf("update message status: %w", err)
	}
	return nil
}
