package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// ErrNotFound is the directory's miss outcome. It is normal control flow, not
// an error condition worth logging.
var ErrNotFound = errors.New("not found")

// membershipIndex mirrors handler membership with both forward and reverse
// indexes. Forward: handler → set of userIds (for /users queries).
// Reverse: userId → handler (for O(1) moves on reconnect).
type membershipIndex struct {
	mu       sync.RWMutex
	handlers map[string]map[string]bool
	users    map[string]string
}

func newMembershipIndex() *membershipIndex {
	return &membershipIndex{
		handlers: make(map[string]map[string]bool),
		users:    make(map[string]string),
	}
}

// set moves the user to the given handler, dropping any previous membership.
func (m *membershipIndex) set(handlerID, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.users[userID]; ok && old != handlerID {
		if members, ok := m.handlers[old]; ok {
			delete(members, userID)
			if len(members) == 0 {
				delete(m.handlers, old)
			}
		}
	}
	if m.handlers[handlerID] == nil {
		m.handlers[handlerID] = make(map[string]bool)
	}
	m.handlers[handlerID][userID] = true
	m.users[userID] = handlerID
}

// remove drops the user's membership. Returns the handler the user belonged
// to, or "" when the user was not tracked.
func (m *membershipIndex) remove(userID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	handlerID, ok := m.users[userID]
	if !ok {
		return ""
	}
	if members, ok := m.handlers[handlerID]; ok {
		delete(members, userID)
		if len(members) == 0 {
			delete(m.handlers, handlerID)
		}
	}
	delete(m.users, userID)
	return handlerID
}

func (m *membershipIndex) members(handlerID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	members := m.handlers[handlerID]
	if len(members) == 0 {
		return nil
	}
	result := make([]string, 0, len(members))
	for uid := range members {
		result = append(result, uid)
	}
	return result
}

// swapFrom atomically replaces the index with another instance's data.
func (m *membershipIndex) swapFrom(other *membershipIndex) {
	other.mu.RLock()
	handlers := other.handlers
	users := other.users
	other.mu.RUnlock()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = handlers
	m.users = users
}

// Directory owns the presence state: the authoritative user→handler mapping,
// the advisory handler membership set and the handler address registrations.
// All three live in KV buckets so every presence instance sees the same
// state; the membership mirror is an in-memory read index.
type Directory struct {
	presence kvBucket // userId → handlerId, authoritative
	members  kvBucket // "{handlerId}.{userId}" → {}, advisory
	handlers kvBucket // handlerId → network address
	mirror   *membershipIndex
}

func NewDirectory(presence, members, handlers kvBucket) *Directory {
	return &Directory{
		presence: presence,
		members:  members,
		handlers: handlers,
		mirror:   newMembershipIndex(),
	}
}

func memberKey(handlerID, userID string) string {
	return handlerID + "." + userID
}

// Hydrate rebuilds the membership mirror from the members bucket. Builds into
// a temporary index then swaps, so readers never observe a partial mirror.
func (d *Directory) Hydrate() error {
	keys, err := d.members.Keys()
	if err != nil {
		return fmt.Errorf("list membership keys: %w", err)
	}
	tmp := newMembershipIndex()
	count := 0
	for _, key := range keys {
		dotIdx := strings.LastIndex(key, ".")
		if dotIdx < 0 {
			continue
		}
		tmp.set(key[:dotIdx], key[dotIdx+1:])
		count++
	}
	d.mirror.swapFrom(tmp)
	slog.Info("Hydrated handler membership mirror (atomic swap)", "entries", count)
	return nil
}

// Connect maps the user to the handler. When the user is already mapped to a
// different handler the old membership entry is removed first, then the
// mapping is set, then the new membership entry is added. The fixed order
// makes a crash mid-sequence leave at most a stale advisory entry; the
// user→handler mapping stays authoritative throughout.
func (d *Directory) Connect(userID, handlerID string) error {
	old, err := d.presence.Get(userID)
	if err != nil && !errors.Is(err, errKeyNotFound) {
		return fmt.Errorf("read presence for %s: %w", userID, err)
	}
	if err == nil && string(old) != handlerID {
		if delErr := d.members.Delete(memberKey(string(old), userID)); delErr != nil {
			return fmt.Errorf("remove %s from handler %s: %w", userID, old, delErr)
		}
	}

	if err := d.presence.Put(userID, []byte(handlerID)); err != nil {
		return fmt.Errorf("set presence for %s: %w", userID, err)
	}
	if err := d.members.Put(memberKey(handlerID, userID), []byte(`{}`)); err != nil {
		return fmt.Errorf("add %s to handler %s: %w", userID, handlerID, err)
	}

	d.mirror.set(handlerID, userID)
	return nil
}

// Disconnect removes the user's mapping and membership entry. A user that is
// already absent is a no-op, not an error: disconnect races are expected.
func (d *Directory) Disconnect(userID string) error {
	handlerID, err := d.presence.Get(userID)
	if errors.Is(err, errKeyNotFound) {
		d.mirror.remove(userID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("read presence for %s: %w", userID, err)
	}

	if err := d.presence.Delete(userID); err != nil {
		return fmt.Errorf("delete presence for %s: %w", userID, err)
	}
	if err := d.members.Delete(memberKey(string(handlerID), userID)); err != nil {
		return fmt.Errorf("remove %s from handler %s: %w", userID, handlerID, err)
	}

	d.mirror.remove(userID)
	return nil
}

// HandlerFor returns the handler owning the user's connection.
func (d *Directory) HandlerFor(userID string) (string, error) {
	handlerID, err := d.presence.Get(userID)
	if errors.Is(err, errKeyNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read presence for %s: %w", userID, err)
	}
	return string(handlerID), nil
}

// MembersOf serves from the in-memory mirror.
func (d *Directory) MembersOf(handlerID string) []string {
	return d.mirror.members(handlerID)
}

// RegisterHandler records the handler's network address. Registrations live
// for the handler's process lifetime; there is no expiry, callers treat a
// failed forward as "handler gone".
func (d *Directory) RegisterHandler(handlerID, address string) error {
	if err := d.handlers.Put(handlerID, []byte(address)); err != nil {
		return fmt.Errorf("register handler %s: %w", handlerID, err)
	}
	return nil
}

// AddressOf returns the registered address of the handler.
func (d *Directory) AddressOf(handlerID string) (string, error) {
	address, err := d.handlers.Get(handlerID)
	if errors.Is(err, errKeyNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read handler %s: %w", handlerID, err)
	}
	return string(address), nil
}
