package server

import (
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"wsrelay/auth"
)

// Session is one downstream WebSocket connection. Its fields are owned by the
// dispatch loop; the pumps only touch conn and send.
type Session struct {
	ID         string
	RemoteAddr string
	State      SessionState
	Principal  auth.Principal
	// ServiceMode mirrors the upstream's service flag at the time the
	// session authenticated or the upstream last became ready.
	ServiceMode bool
	// Passive sessions receive unsolicited upstream pushes.
	Passive   bool
	CreatedAt time.Time

	conn      *websocket.Conn
	send      chan []byte
	closeCode int
	closeText string
}

func newSession(id string, conn *websocket.Conn, addr string, buffer int, now time.Time, passive bool) *Session {
	return &Session{
		ID:         id,
		RemoteAddr: addr,
		State:      Unauthenticated,
		Passive:    passive,
		CreatedAt:  now,
		conn:       conn,
		send:       make(chan []byte, buffer),
		closeCode:  websocket.CloseNormalClosure,
	}
}

// Registry tracks attached sessions and fans messages out to them. It holds
// no policy; the Manager decides who is authenticated and when to close.
// Registry is not safe for concurrent use.
type Registry struct {
	sessions map[string]*Session
	log      *zap.Logger
	metrics  *Metrics
}

func NewRegistry(log *zap.Logger, metrics *Metrics) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		log:      log,
		metrics:  metrics,
	}
}

func (r *Registry) Add(s *Session) {
	r.sessions[s.ID] = s
	r.metrics.setSessions(len(r.sessions))
	r.log.Info("Client connected", zap.String("id", s.ID), zap.String("addr", s.RemoteAddr), zap.Int("total", len(r.sessions)))
}

func (r *Registry) Get(id string) (*Session, bool) {
	s, ok := r.sessions[id]
	return s, ok
}

func (r *Registry) Len() int {
	return len(r.sessions)
}

// Remove detaches the session and closes its transport with the given code.
// Removing an absent session is a no-op. It reports whether anything was removed.
func (r *Registry) Remove(id string) bool {
	return r.removeWithCode(id, websocket.CloseNormalClosure, "")
}

func (r *Registry) removeWithCode(id string, code int, text string) bool {
	s, ok := r.sessions[id]
	if !ok {
		return false
	}
	delete(r.sessions, id)
	s.State = Closed
	s.closeCode = code
	s.closeText = text
	close(s.send)
	r.metrics.setSessions(len(r.sessions))
	r.log.Info("Client disconnected", zap.String("id", s.ID), zap.String("addr", s.RemoteAddr), zap.Int("total", len(r.sessions)))
	return true
}

// Send queues data for one session. A session whose queue is full is removed.
func (r *Registry) Send(id string, data []byte) bool {
	s, ok := r.sessions[id]
	if !ok {
		return false
	}
	if !enqueue(s, data) {
		r.log.Warn("Client send queue full, dropping session", zap.String("id", id), zap.String("addr", s.RemoteAddr))
		r.removeWithCode(id, websocket.CloseTryAgainLater, "send queue full")
		return false
	}
	return true
}

// Terminate sends a final notice and closes the session with code.
func (r *Registry) Terminate(id string, notice []byte, code int) {
	s, ok := r.sessions[id]
	if !ok {
		return
	}
	enqueue(s, notice)
	r.removeWithCode(id, code, "")
}

// Broadcast queues data for every authenticated session.
func (r *Registry) Broadcast(data []byte) {
	r.fanOut(data, func(*Session) bool { return true })
}

// BroadcastPassive queues data for every authenticated passive session.
func (r *Registry) BroadcastPassive(data []byte) {
	r.fanOut(data, func(s *Session) bool { return s.Passive })
}

func (r *Registry) fanOut(data []byte, want func(*Session) bool) {
	var slow []string
	for id, s := range r.sessions {
		if s.State != Authenticated || !want(s) {
			continue
		}
		if !enqueue(s, data) {
			slow = append(slow, id)
		}
	}
	for _, id := range slow {
		r.log.Warn("Client send queue full, dropping session", zap.String("id", id))
		r.removeWithCode(id, websocket.CloseTryAgainLater, "send queue full")
	}
}

// Authenticated calls fn for every authenticated session.
func (r *Registry) Authenticated(fn func(*Session)) {
	for _, s := range r.sessions {
		if s.State == Authenticated {
			fn(s)
		}
	}
}

// CloseAll removes every session, sending notice to the authenticated ones first.
func (r *Registry) CloseAll(notice []byte, code int) {
	for id, s := range r.sessions {
		if notice != nil && s.State == Authenticated {
			enqueue(s, notice)
		}
		r.removeWithCode(id, code, "")
	}
}

func enqueue(s *Session, data []byte) bool {
	select {
	case s.send <- data:
		return true
	default:
		return false
	}
}
