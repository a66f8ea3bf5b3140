package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"wsrelay/auth"
)

var errEmptyToken = errors.New("empty token")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // Allow all origins
}

// MakeWebSocketHandler creates the handler clients connect to. The bearer
// token comes from the token query parameter or the Authorization header.
// Passing passive=false opts the session out of unsolicited upstream pushes.
func MakeWebSocketHandler(m *Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, present := bearerToken(r)
		passive := r.URL.Query().Get("passive") != "false"

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			m.log.Warn("Failed to upgrade connection", zap.String("addr", r.RemoteAddr), zap.Error(err))
			return
		}

		s := newSession(uuid.New().String(), conn, r.RemoteAddr, m.opts.SendBuffer, m.clock.Now(), passive)
		var res auth.Result
		switch {
		case token != "":
			res = m.auth.Authenticate(token)
		case present:
			res = auth.RejectedToken(errEmptyToken)
		}
		if !m.post(sessionOpened{session: s, tokenPresent: present, result: res}) {
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeWait))
			conn.Close()
			return
		}

		// Start the read and write pumps in separate goroutines
		go s.writePump()
		go s.readPump(m)
	}
}

// MakeHealthHandler serves the relay snapshot as JSON. It answers 503 while
// the upstream is not ready.
func MakeHealthHandler(m *Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		snap, err := m.Snapshot(ctx)
		if err != nil {
			http.Error(w, "relay unavailable", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if snap.Upstream != Ready.String() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(snap)
	}
}

// bearerToken reports the presented token and whether one was presented at
// all. An empty token query parameter counts as presented.
func bearerToken(r *http.Request) (string, bool) {
	if q := r.URL.Query(); q.Has("token") {
		return q.Get("token"), true
	}
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) >= len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return strings.TrimSpace(h[len(prefix):]), true
	}
	return "", false
}
