package main

import "sync"

// wsConn is the slice of *websocket.Conn the session layer uses. Tests
// substitute an in-memory recorder.
type wsConn interface {
	WriteJSON(v any) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// session is one live client connection. Writes are serialized through the
// mutex; gorilla connections support one concurrent writer only.
type session struct {
	userID string
	conn   wsConn
	mu     sync.Mutex
}

func newSession(userID string, conn wsConn) *session {
	return &session{userID: userID, conn: conn}
}

func (s *session) send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

// connRegistry is the process-wide map of locally connected users. Created at
// startup, torn down with the process.
type connRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*session
}

func newConnRegistry() *connRegistry {
	return &connRegistry{sessions: make(map[string]*session)}
}

// add registers the session, returning the previous session for the same
// user when one existed. The caller closes the displaced connection.
func (r *connRegistry) add(s *session) *session {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.sessions[s.userID]
	r.sessions[s.userID] = s
	return prev
}

// remove drops the session, but only if it is still the registered one. A
// reconnect that displaced this session must not lose the new entry.
func (r *connRegistry) remove(s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[s.userID] == s {
		delete(r.sessions, s.userID)
	}
}

func (r *connRegistry) get(userID string) (*session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[userID]
	return s, ok
}

func (r *connRegistry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
