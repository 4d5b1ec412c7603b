package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func postForward(t *testing.T, ts *httptest.Server, body string) map[string]string {
	t.Helper()
	resp, err := http.Post(ts.URL+"/forward_message", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var out map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return out
}

func TestForwardEndpointDelivers(t *testing.T) {
	h, _, store, _ := newTestHandler(t)
	ctx := context.Background()

	recipientConn := &fakeConn{}
	h.conns.add(newSession("u2", recipientConn))

	chat, _ := store.EnsureChat(ctx, "u1", "u2")
	msg, _ := store.CreateMessage(ctx, chat.ID, "u1", "over the wire")

	ts := httptest.NewServer(h.routes())
	defer ts.Close()

	out := postForward(t, ts, `{"chat_id":"`+chat.ID+`","sender_id":"u1","recipient_id":"u2","content":"over the wire","message_id":"`+msg.ID+`"}`)
	if out["status"] != "delivered" {
		t.Errorf("status = %q, want delivered", out["status"])
	}

	frames := recipientConn.written()
	if len(frames) != 1 {
		t.Fatalf("recipient frames = %d, want 1", len(frames))
	}
	frame, ok := frames[0].(messageFrame)
	if !ok || frame.Type != frameTypeMessage || frame.Content != "over the wire" {
		t.Errorf("frame = %+v", frames[0])
	}
	if got := store.messageStatus(msg.ID, "u2"); got != "delivered" {
		t.Errorf("status = %q, want delivered", got)
	}
}

func TestForwardEndpointRecipientNotHere(t *testing.T) {
	h, _, _, _ := newTestHandler(t)
	ts := httptest.NewServer(h.routes())
	defer ts.Close()

	out := postForward(t, ts, `{"recipient_id":"ghost","message_id":"m1","content":"x"}`)
	if out["status"] != "not_delivered" {
		t.Errorf("status = %q, want not_delivered", out["status"])
	}
}

func TestForwardEndpointRejectsMalformed(t *testing.T) {
	h, _, _, _ := newTestHandler(t)
	ts := httptest.NewServer(h.routes())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/forward_message", "application/json", strings.NewReader(`{}`))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestReplayNewDeliversPendingItems(t *testing.T) {
	h, _, store, _ := newTestHandler(t)
	ctx := context.Background()

	// u1 messaged u2 while u2 was offline.
	chat, _ := store.EnsureChat(ctx, "u1", "u2")
	store.MarkChatDelivered(ctx, chat.ID, "u1")
	msg, _ := store.CreateMessage(ctx, chat.ID, "u1", "while you were out")

	conn := &fakeConn{}
	sess := newSession("u2", conn)

	if err := h.replayNew(ctx, sess); err != nil {
		t.Fatalf("replayNew: %v", err)
	}

	var gotChats, gotMessages bool
	for _, f := range conn.written() {
		switch frame := f.(type) {
		case chatsFrame:
			if frame.Type == frameTypeNewChats && len(frame.Data) == 1 && frame.Data[0].ID == chat.ID {
				gotChats = true
			}
		case messagesFrame:
			if frame.Type == frameTypeNewMessages && len(frame.Data) == 1 && frame.Data[0].ID == msg.ID {
				gotMessages = true
			}
		}
	}
	if !gotChats {
		t.Error("new_chats frame missing")
	}
	if !gotMessages {
		t.Error("new_messages frame missing")
	}
	if got := store.messageStatus(msg.ID, "u2"); got != "delivered" {
		t.Errorf("message status = %q, want delivered", got)
	}

	// A second pass finds nothing new.
	conn2 := &fakeConn{}
	if err := h.replayNew(ctx, newSession("u2", conn2)); err != nil {
		t.Fatalf("second replayNew: %v", err)
	}
	if frames := conn2.written(); len(frames) != 0 {
		t.Errorf("second pass frames = %v, want none", frames)
	}
}

func TestReplayAllMarksOnlyOthersMessages(t *testing.T) {
	h, _, store, _ := newTestHandler(t)
	ctx := context.Background()

	chat, _ := store.EnsureChat(ctx, "u1", "u2")
	own, _ := store.CreateMessage(ctx, chat.ID, "u2", "mine")
	theirs, _ := store.CreateMessage(ctx, chat.ID, "u1", "theirs")

	conn := &fakeConn{}
	if err := h.replayAll(ctx, newSession("u2", conn)); err != nil {
		t.Fatalf("replayAll: %v", err)
	}

	if got := store.messageStatus(theirs.ID, "u2"); got != "delivered" {
		t.Errorf("incoming message status = %q, want delivered", got)
	}
	if got := store.messageStatus(own.ID, "u1"); got != "undelivered" {
		t.Errorf("own message status for the other user = %q, want untouched", got)
	}

	frames := conn.written()
	if len(frames) != 2 {
		t.Fatalf("frames = %d, want all_chats + all_messages", len(frames))
	}
	if cf, ok := frames[0].(chatsFrame); !ok || cf.Type != frameTypeAllChats {
		t.Errorf("first frame = %+v, want all_chats", frames[0])
	}
	if mf, ok := frames[1].(messagesFrame); !ok || mf.Type != frameTypeAllMessages || len(mf.Data) != 2 {
		t.Errorf("second frame = %+v, want all_messages with both messages", frames[1])
	}
}
