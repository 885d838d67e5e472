package wsserver

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
)

// session wraps one WebSocket connection. Writes are serialized through
// writeMu so concurrent broadcast and reply writers never interleave
// frames on the same socket (spec §9 "shared ownership of sessions").
type session struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	closed  bool
	mu      sync.Mutex
}

func newSession(conn *websocket.Conn) *session {
	return &session{conn: conn}
}

func (s *session) writeJSON(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	s.writeRaw(b)
}

func (s *session) writeRaw(b []byte) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.isClosed() {
		return
	}
	_ = s.conn.WriteMessage(websocket.TextMessage, b) // write errors ignored; read loop reaps dead sessions
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.conn.Close()
}
