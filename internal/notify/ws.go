package notify

import (
	"sync"

	"github.com/gorilla/websocket"
)

// wsConn is the slice of *websocket.Conn the registry needs.
type wsConn interface {
	WriteJSON(v interface{}) error
}

// WSSession represents a connected driver session.
type WSSession struct {
	conn wsConn
	mu   sync.Mutex
}

func (s *WSSession) Send(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(v)
}

// WSRegistry holds driver sessions keyed by driver id.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
}

func NewWSRegistry() *WSRegistry { return &WSRegistry{sessions: make(map[string]*WSSession)} }

func (r *WSRegistry) Add(driverID string, conn *websocket.Conn) {
	r.addConn(driverID, conn)
}

func (r *WSRegistry) addConn(driverID string, conn wsConn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[driverID] = &WSSession{conn: conn}
}

func (r *WSRegistry) Remove(driverID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, driverID)
}

// Send writes to the driver's session. A write error means the peer is
// gone, so the dead session is dropped; the next Send reports no session
// and the caller falls back to its push channel.
func (r *WSRegistry) Send(driverID string, v any) error {
	r.mu.RLock()
	s, ok := r.sessions[driverID]
	r.mu.RUnlock()
	if !ok {
		return ErrNoSession
	}
	if err := s.Send(v); err != nil {
		r.Remove(driverID)
		return err
	}
	return nil
}

var ErrNoSession = &NoSessionError{}

type NoSessionError struct{}

func (n *NoSessionError) Error() string { return "no ws session" }
