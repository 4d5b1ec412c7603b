package main

import (
	"errors"
	"sort"
	"sync"
	"testing"
)

// memBucket is an in-memory kvBucket for tests.
type memBucket struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemBucket() *memBucket {
	return &memBucket{data: make(map[string][]byte)}
}

func (b *memBucket) Get(key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.data[key]
	if !ok {
		return nil, errKeyNotFound
	}
	return v, nil
}

func (b *memBucket) Put(key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[key] = value
	return nil
}

func (b *memBucket) Delete(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.data, key)
	return nil
}

func (b *memBucket) Keys() ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	keys := make([]string, 0, len(b.data))
	for k := range b.data {
		keys = append(keys, k)
	}
	return keys, nil
}

func newTestDirectory() (*Directory, *memBucket, *memBucket) {
	presence := newMemBucket()
	members := newMemBucket()
	handlers := newMemBucket()
	return NewDirectory(presence, members, handlers), presence, members
}

func TestConnectAndLookup(t *testing.T) {
	dir, _, _ := newTestDirectory()

	if err := dir.Connect("u1", "h1"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	handlerID, err := dir.HandlerFor("u1")
	if err != nil {
		t.Fatalf("handler_for: %v", err)
	}
	if handlerID != "h1" {
		t.Errorf("handler = %q, want h1", handlerID)
	}
}

func TestReconnectMovesUser(t *testing.T) {
	dir, presence, members := newTestDirectory()

	if err := dir.Connect("u1", "h1"); err != nil {
		t.Fatalf("connect h1: %v", err)
	}
	if err := dir.Connect("u1", "h2"); err != nil {
		t.Fatalf("connect h2: %v", err)
	}

	// At most one mapping exists, pointing at the new handler.
	v, err := presence.Get("u1")
	if err != nil {
		t.Fatalf("presence entry gone: %v", err)
	}
	if string(v) != "h2" {
		t.Errorf("presence = %q, want h2", v)
	}

	// Old handler's membership entry is removed, new one added.
	if _, err := members.Get("h1.u1"); !errors.Is(err, errKeyNotFound) {
		t.Errorf("old membership entry still present")
	}
	if _, err := members.Get("h2.u1"); err != nil {
		t.Errorf("new membership entry missing: %v", err)
	}

	if got := dir.MembersOf("h1"); len(got) != 0 {
		t.Errorf("h1 members = %v, want empty", got)
	}
	if got := dir.MembersOf("h2"); len(got) != 1 || got[0] != "u1" {
		t.Errorf("h2 members = %v, want [u1]", got)
	}
}

func TestReconnectSameHandlerIsIdempotent(t *testing.T) {
	dir, _, _ := newTestDirectory()

	for i := 0; i < 3; i++ {
		if err := dir.Connect("u1", "h1"); err != nil {
			t.Fatalf("connect %d: %v", i, err)
		}
	}
	if got := dir.MembersOf("h1"); len(got) != 1 {
		t.Errorf("members = %v, want exactly [u1]", got)
	}
}

func TestDisconnectIsIdempotent(t *testing.T) {
	dir, presence, members := newTestDirectory()

	if err := dir.Connect("u1", "h1"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := dir.Disconnect("u1"); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if err := dir.Disconnect("u1"); err != nil {
		t.Fatalf("second disconnect: %v", err)
	}

	if _, err := presence.Get("u1"); !errors.Is(err, errKeyNotFound) {
		t.Errorf("presence entry still present")
	}
	if _, err := members.Get("h1.u1"); !errors.Is(err, errKeyNotFound) {
		t.Errorf("membership entry still present")
	}
	if _, err := dir.HandlerFor("u1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("handler_for after disconnect: got %v, want ErrNotFound", err)
	}
}

func TestDisconnectUnknownUser(t *testing.T) {
	dir, _, _ := newTestDirectory()
	if err := dir.Disconnect("nobody"); err != nil {
		t.Errorf("disconnect of absent user: %v", err)
	}
}

func TestHydrateRebuildsMirror(t *testing.T) {
	presence := newMemBucket()
	members := newMemBucket()
	members.Put("h1.u1", []byte(`{}`))
	members.Put("h1.u2", []byte(`{}`))
	members.Put("h2.u3", []byte(`{}`))

	dir := NewDirectory(presence, members, newMemBucket())
	if err := dir.Hydrate(); err != nil {
		t.Fatalf("hydrate: %v", err)
	}

	got := dir.MembersOf("h1")
	sort.Strings(got)
	if len(got) != 2 || got[0] != "u1" || got[1] != "u2" {
		t.Errorf("h1 members = %v, want [u1 u2]", got)
	}
	if got := dir.MembersOf("h2"); len(got) != 1 || got[0] != "u3" {
		t.Errorf("h2 members = %v, want [u3]", got)
	}
}

func TestRegisterHandlerAndAddress(t *testing.T) {
	dir, _, _ := newTestDirectory()

	if _, err := dir.AddressOf("h1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("address before registration: got %v, want ErrNotFound", err)
	}
	if err := dir.RegisterHandler("h1", "http://handler-1:8001"); err != nil {
		t.Fatalf("register: %v", err)
	}
	addr, err := dir.AddressOf("h1")
	if err != nil {
		t.Fatalf("address_of: %v", err)
	}
	if addr != "http://handler-1:8001" {
		t.Errorf("address = %q", addr)
	}
}
