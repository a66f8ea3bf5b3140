package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"wsrelay/auth"
	"wsrelay/config"
	"wsrelay/message"
)

const upstreamToken = "upstream-token"

var errFakeClosed = errors.New("fake connection closed")

// timeoutError is what a socket read returns once its deadline passed.
type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

// fakeConn stands in for the upstream WebSocket. Frames written by the relay
// appear on writes.
type fakeConn struct {
	reads   chan []byte
	writes  chan []byte
	closed  chan struct{}
	timeout chan struct{}
	once    sync.Once
	// stall, when set before the conn is torn down, holds WriteControl until
	// it is closed or the control deadline passes.
	stall chan struct{}

	mu           sync.Mutex
	readDeadline time.Time
	pong         func(string) error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		reads:   make(chan []byte, 16),
		writes:  make(chan []byte, 64),
		closed:  make(chan struct{}),
		timeout: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.reads:
		return websocket.TextMessage, data, nil
	case <-c.timeout:
		return 0, nil, timeoutError{}
	case <-c.closed:
		return 0, nil, errFakeClosed
	}
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-c.closed:
		return errFakeClosed
	default:
	}
	if messageType == websocket.TextMessage {
		c.writes <- data
	}
	return nil
}

func (c *fakeConn) WriteControl(_ int, _ []byte, deadline time.Time) error {
	if c.stall != nil {
		select {
		case <-c.stall:
		case <-time.After(time.Until(deadline)):
			return timeoutError{}
		}
	}
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readDeadline = t
	return nil
}

func (c *fakeConn) SetPongHandler(h func(string) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pong = h
}

func (c *fakeConn) readState() (time.Time, func(string) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readDeadline, c.pong
}

// expire makes the pending read fail as if its deadline had passed.
func (c *fakeConn) expire() {
	close(c.timeout)
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

type dialResult struct {
	conn Conn
	err  error
}

// harness drives a Manager without running its loop: the test calls handle
// directly and pulls events posted by timers and goroutines with await.
type harness struct {
	t     *testing.T
	m     *Manager
	clk   *clock.Mock
	dials chan dialResult
}

func testAuthenticator(clk clock.Clock) auth.Authenticator {
	return auth.Func(func(token string) auth.Result {
		switch token {
		case "validToken":
			return auth.Accept(auth.Principal{Subject: "admin", Expiration: clk.Now().Add(time.Hour)})
		case "refreshedToken":
			return auth.Accept(auth.Principal{Subject: "admin", Expiration: clk.Now().Add(24 * time.Hour)})
		case "invalidFormatToken":
			return auth.MalformedToken(errors.New("token contains an invalid number of segments"))
		default:
			return auth.RejectedToken(errors.New("token signature is invalid"))
		}
	})
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Unix(1700000000, 0))

	h := &harness{t: t, clk: clk, dials: make(chan dialResult, 8)}
	cfg := config.Default()
	cfg.Token = upstreamToken

	h.m = NewManager(ManagerParams{
		Config:        cfg,
		Options:       DefaultOptions(),
		Authenticator: testAuthenticator(clk),
		Logger:        zaptest.NewLogger(t),
		Clock:         clk,
		Dial: func(ctx context.Context, url string, header http.Header) (Conn, error) {
			select {
			case r := <-h.dials:
				return r.conn, r.err
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	})
	h.m.newID = sequentialIDs()
	t.Cleanup(h.m.cancel)
	return h
}

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("relay-%d", n)
	}
}

func is[T event](ev event) bool {
	_, ok := ev.(T)
	return ok
}

// await handles posted events until one matches.
func (h *harness) await(match func(event) bool) {
	h.t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-h.m.events:
			h.m.handle(ev)
			if match(ev) {
				return
			}
		case <-deadline:
			h.t.Fatal("timed out waiting for event")
		}
	}
}

// connect starts the upstream and hands it a fresh fake connection.
func (h *harness) connect() *fakeConn {
	h.t.Helper()
	c := newFakeConn()
	h.m.upstream.Start()
	h.dials <- dialResult{conn: c}
	h.await(is[upstreamDialed])
	require.Equal(h.t, Authenticating, h.m.upstream.State())
	require.JSONEq(h.t, `{"type":"auth","token":"upstream-token"}`, string(h.written(c)))
	return c
}

// ready brings the upstream to Ready.
func (h *harness) ready(service bool) *fakeConn {
	h.t.Helper()
	c := h.connect()
	h.upstreamSays(fmt.Sprintf(`{"type":"auth_success","expiration":%d,"service":%t}`, h.clk.Now().Add(time.Hour).Unix(), service))
	require.Equal(h.t, Ready, h.m.upstream.State())
	return c
}

func (h *harness) upstreamSays(frame string) {
	h.m.handle(upstreamFrame{gen: h.m.upstream.gen, data: []byte(frame)})
}

func (h *harness) dropUpstream() {
	h.m.handle(upstreamTransportClosed{gen: h.m.upstream.gen, err: errFakeClosed})
}

func (h *harness) written(c *fakeConn) []byte {
	h.t.Helper()
	select {
	case data := <-c.writes:
		return data
	case <-time.After(2 * time.Second):
		h.t.Fatal("nothing written upstream")
		return nil
	}
}

// open attaches a session that presented token and returns it with any
// welcome message drained.
func (h *harness) open(id, token string, passive bool) *Session {
	h.t.Helper()
	s := newSession(id, nil, "192.0.2.1:40000", 16, h.clk.Now(), passive)
	var res auth.Result
	if token != "" {
		res = h.m.auth.Authenticate(token)
	}
	h.m.handle(sessionOpened{session: s, tokenPresent: token != "", result: res})
	return s
}

func (h *harness) openReady(id string, passive bool) *Session {
	h.t.Helper()
	s := h.open(id, "validToken", passive)
	require.Equal(h.t, Authenticated, s.State)
	drain(s)
	return s
}

func (h *harness) clientSays(s *Session, frame string) {
	h.m.handle(clientFrame{sessionID: s.ID, data: []byte(frame)})
}

type received struct {
	Type      message.ProxyMessageType `json:"type"`
	Timestamp int64                    `json:"timestamp"`
	Data      json.RawMessage          `json:"data"`
}

func recv(t *testing.T, s *Session) received {
	t.Helper()
	select {
	case data, ok := <-s.send:
		require.True(t, ok, "session %s is closed", s.ID)
		var r received
		require.NoError(t, json.Unmarshal(data, &r))
		return r
	default:
		t.Fatalf("no message queued for session %s", s.ID)
		return received{}
	}
}

func requireQuiet(t *testing.T, s *Session) {
	t.Helper()
	select {
	case data, ok := <-s.send:
		if ok {
			t.Fatalf("unexpected message for session %s: %s", s.ID, data)
		}
		t.Fatalf("session %s is closed", s.ID)
	default:
	}
}

func requireClosed(t *testing.T, s *Session, code int) {
	t.Helper()
	select {
	case data, ok := <-s.send:
		require.False(t, ok, "expected close, got %s", data)
	default:
		t.Fatalf("session %s is still open", s.ID)
	}
	require.Equal(t, code, s.closeCode)
	require.Equal(t, Closed, s.State)
}

func drain(s *Session) {
	for {
		select {
		case _, ok := <-s.send:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

func requireConnClosed(t *testing.T, c *fakeConn) {
	t.Helper()
	require.Eventually(t, c.isClosed, 2*time.Second, time.Millisecond, "upstream connection is still open")
}
