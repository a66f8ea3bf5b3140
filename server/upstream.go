package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"wsrelay/message"
)

var (
	ErrUpstreamNotReady = errors.New("upstream is not ready")
	ErrUpstreamBusy     = errors.New("upstream send queue is full")
)

// handshakeTimeoutCode is reported in upstream_auth_failed when the upstream
// never answered the auth message.
const handshakeTimeoutCode = -1

// Conn is the subset of *websocket.Conn the upstream link needs.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// DialFunc opens the upstream WebSocket.
type DialFunc func(ctx context.Context, url string, header http.Header) (Conn, error)

// WebSocketDialer dials with gorilla's default dialer settings and the given
// handshake timeout.
func WebSocketDialer(timeout time.Duration) DialFunc {
	d := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
	}
	return func(ctx context.Context, url string, header http.Header) (Conn, error) {
		conn, resp, err := d.DialContext(ctx, url, header)
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// upstreamHandler receives what the upstream produces. Both methods are called
// on the dispatch loop.
type upstreamHandler interface {
	upstreamLifecycle(msg message.ProxyMessage)
	upstreamResponse(resp message.Response)
}

// link is one physical connection to the upstream.
type link struct {
	conn Conn
	send chan []byte
	done chan struct{}
}

// Upstream owns the single connection to the Daemon JSON-API. All methods
// except the pumps run on the dispatch loop, so nothing here is locked.
type Upstream struct {
	url     string
	token   string
	dial    DialFunc
	clock   clock.Clock
	opts    Options
	log     *zap.Logger
	metrics *Metrics
	handler upstreamHandler
	post    func(event) bool
	ctx     context.Context

	state      UpstreamState
	gen        uint64
	link       *link
	backoff    Backoff
	timer      *clock.Timer
	expiration int64
	service    bool
}

type upstreamParams struct {
	url     string
	token   string
	dial    DialFunc
	clock   clock.Clock
	opts    Options
	log     *zap.Logger
	metrics *Metrics
	handler upstreamHandler
	post    func(event) bool
	ctx     context.Context
}

func newUpstream(p upstreamParams) *Upstream {
	return &Upstream{
		url:     p.url,
		token:   p.token,
		dial:    p.dial,
		clock:   p.clock,
		opts:    p.opts,
		log:     p.log,
		metrics: p.metrics,
		handler: p.handler,
		post:    p.post,
		ctx:     p.ctx,
		backoff: Backoff{Base: p.opts.BackoffBase, Max: p.opts.BackoffMax},
	}
}

func (u *Upstream) State() UpstreamState { return u.state }

// Service is the upstream's last-known service-mode flag.
func (u *Upstream) Service() bool { return u.service }

// Expiration is the upstream session's expiry in Unix seconds.
func (u *Upstream) Expiration() int64 { return u.expiration }

// Attempt is the current reconnect attempt number.
func (u *Upstream) Attempt() int { return u.backoff.Attempt() }

// Start initiates the first connection.
func (u *Upstream) Start() {
	if u.state == Disconnected {
		u.connect()
	}
}

// Send writes a request to the upstream.
func (u *Upstream) Send(req message.Request) error {
	if u.state != Ready || u.link == nil {
		return ErrUpstreamNotReady
	}
	select {
	case u.link.send <- req.Raw:
		return nil
	default:
		return ErrUpstreamBusy
	}
}

// Reconfigure replaces the target and token and connects afresh. It is how
// an operator recovers from an upstream authentication failure.
func (u *Upstream) Reconfigure(url, token string) {
	u.url = url
	u.token = token
	u.stopTimer()
	if u.teardown() {
		u.handler.upstreamLifecycle(message.NewUpstreamDisconnected(u.clock.Now()))
	}
	u.backoff.Reset()
	u.connect()
}

// Shutdown closes the link and stops all timers.
func (u *Upstream) Shutdown() {
	u.stopTimer()
	u.teardown()
	u.setState(Disconnected)
}

func (u *Upstream) connect() {
	u.setState(Connecting)
	u.gen++
	gen, url, header := u.gen, u.url, http.Header{}
	if u.token != "" {
		header.Set("Authorization", "Bearer "+u.token)
	}
	u.log.Info("Connecting to upstream", zap.String("url", url), zap.Int("attempt", u.backoff.Attempt()))

	go func() {
		ctx, cancel := context.WithTimeout(u.ctx, u.opts.DialTimeout)
		defer cancel()
		conn, err := u.dial(ctx, url, header)
		if !u.post(upstreamDialed{gen: gen, conn: conn, err: err}) && conn != nil {
			conn.Close()
		}
	}()
}

func (u *Upstream) handleDialed(ev upstreamDialed) {
	if ev.gen != u.gen || u.state != Connecting {
		if ev.conn != nil {
			ev.conn.Close()
		}
		return
	}
	if ev.err != nil {
		u.log.Error("Failed to establish upstream connection", zap.String("url", u.url), zap.Error(ev.err))
		u.scheduleReconnect()
		return
	}

	u.link = &link{
		conn: ev.conn,
		send: make(chan []byte, u.opts.SendBuffer),
		done: make(chan struct{}),
	}
	go u.readPump(u.gen, u.link)
	go u.writePump(u.link)
	u.log.Info("Connection to upstream established", zap.String("url", u.url))

	if u.token == "" {
		u.becomeReady(message.AuthSuccess{})
		return
	}

	u.setState(Authenticating)
	frame, err := message.EncodeAuthRequest(u.token)
	if err != nil {
		u.authFailed(handshakeTimeoutCode, fmt.Sprintf("encode auth request: %v", err))
		return
	}
	u.link.send <- frame
	gen := u.gen
	u.timer = u.clock.AfterFunc(u.opts.HandshakeTimeout, func() {
		u.post(authTimeoutFired{gen: gen})
	})
}

func (u *Upstream) handleFrame(ev upstreamFrame) {
	if ev.gen != u.gen {
		return
	}
	u.log.Debug("Incoming message from upstream", zap.ByteString("message", ev.data))

	obj, err := message.Decode(ev.data)
	if err != nil {
		u.metrics.upstreamFrame("malformed")
		u.log.Error("Received invalid JSON message from upstream", zap.ByteString("message", ev.data), zap.Error(err))
		return
	}

	switch u.state {
	case Authenticating:
		if success, valid := message.ParseAuthSuccess(obj); valid {
			u.metrics.upstreamFrame("auth")
			u.log.Info("Upstream session authenticated", zap.Int64("expiration", success.Expiration), zap.Bool("service", success.Service))
			u.becomeReady(success)
			return
		}
		if fail, valid := message.ParseAuthError(obj); valid {
			u.metrics.upstreamFrame("auth")
			u.log.Warn("Failed to authenticate upstream session", zap.Int64("code", fail.Code), zap.String("reason", fail.Error))
			u.authFailed(fail.Code, fail.Error)
			return
		}
		u.metrics.upstreamFrame("malformed")
		u.log.Warn("Unexpected upstream message before authentication", zap.ByteString("message", ev.data))
	case Ready:
		if fail, valid := message.ParseAuthError(obj); valid {
			u.metrics.upstreamFrame("auth")
			u.log.Warn("Upstream session closed for authentication reasons", zap.Int64("code", fail.Code), zap.String("reason", fail.Error))
			u.authFailed(fail.Code, fail.Error)
			return
		}
		if !message.IsDaemonAPIMessage(obj) {
			u.metrics.upstreamFrame("malformed")
			u.log.Warn("Discarding unrecognized upstream message", zap.ByteString("message", ev.data))
			return
		}
		u.handler.upstreamResponse(message.ResponseFromObject(obj, ev.data))
	}
}

func (u *Upstream) handleClosed(ev upstreamTransportClosed) {
	if ev.gen != u.gen {
		return
	}
	u.log.Error("Connection to upstream lost", zap.Stringer("state", u.state), zap.Error(ev.err))
	wasReady := u.state == Ready
	u.stopTimer()
	u.teardown()
	if wasReady {
		u.handler.upstreamLifecycle(message.NewUpstreamDisconnected(u.clock.Now()))
	}
	u.scheduleReconnect()
}

func (u *Upstream) handleBackoff(ev backoffTimerFired) {
	if ev.gen != u.gen || u.state != Reconnecting {
		return
	}
	u.timer = nil
	u.log.Info("Reconnecting to upstream")
	u.connect()
}

func (u *Upstream) handleAuthTimeout(ev authTimeoutFired) {
	if ev.gen != u.gen || u.state != Authenticating {
		return
	}
	u.timer = nil
	u.log.Warn("Upstream authentication timed out", zap.Duration("timeout", u.opts.HandshakeTimeout))
	u.authFailed(handshakeTimeoutCode, "authentication timed out")
}

func (u *Upstream) becomeReady(auth message.AuthSuccess) {
	u.stopTimer()
	u.expiration = auth.Expiration
	u.service = auth.Service
	u.backoff.Reset()
	u.setState(Ready)
	u.handler.upstreamLifecycle(message.NewUpstreamReady(u.clock.Now()))
}

// authFailed is terminal: no reconnect is scheduled until Reconfigure.
func (u *Upstream) authFailed(code int64, reason string) {
	u.stopTimer()
	u.teardown()
	u.setState(Disconnected)
	u.handler.upstreamLifecycle(message.NewUpstreamAuthFailed(u.clock.Now(), code, reason))
}

func (u *Upstream) scheduleReconnect() {
	u.setState(Reconnecting)
	delay := u.backoff.Next()
	attempt := u.backoff.Attempt()
	u.metrics.reconnect()
	u.log.Debug("Reconnect to upstream scheduled", zap.Int("attempt", attempt), zap.Duration("delay", delay))

	gen := u.gen
	u.timer = u.clock.AfterFunc(delay, func() {
		u.post(backoffTimerFired{gen: gen})
	})
	u.handler.upstreamLifecycle(message.NewUpstreamReconnecting(u.clock.Now(), attempt, delay))
}

// teardown drops the current link and invalidates events from it. It
// reports whether the link was Ready.
func (u *Upstream) teardown() bool {
	wasReady := u.state == Ready
	if u.link != nil {
		close(u.link.done)
		go closeLink(u.link.conn)
		u.link = nil
	}
	u.gen++
	u.expiration = 0
	return wasReady
}

func (u *Upstream) stopTimer() {
	if u.timer != nil {
		u.timer.Stop()
		u.timer = nil
	}
}

func (u *Upstream) setState(s UpstreamState) {
	if u.state != s {
		u.log.Debug("Upstream state change", zap.Stringer("from", u.state), zap.Stringer("to", s))
	}
	u.state = s
	u.metrics.setUpstreamState(s)
}

// closeLink sends the close frame and drops the socket. It runs off the loop
// because WriteControl waits for the write lock, which a stalled writePump
// can hold for up to writeWait.
func closeLink(conn Conn) {
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	conn.Close()
}

// readPump treats pongWait without a frame or a pong as a dead link.
func (u *Upstream) readPump(gen uint64, l *link) {
	l.conn.SetReadDeadline(time.Now().Add(pongWait))
	l.conn.SetPongHandler(func(string) error { return l.conn.SetReadDeadline(time.Now().Add(pongWait)) })

	for {
		msgType, data, err := l.conn.ReadMessage()
		if err != nil {
			u.post(upstreamTransportClosed{gen: gen, err: err})
			return
		}
		l.conn.SetReadDeadline(time.Now().Add(pongWait))
		if msgType != websocket.TextMessage {
			continue
		}
		if !u.post(upstreamFrame{gen: gen, data: data}) {
			return
		}
	}
}

func (u *Upstream) writePump(l *link) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case data := <-l.send:
			l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				l.conn.Close()
				return
			}
		case <-ticker.C:
			l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				l.conn.Close()
				return
			}
		case <-l.done:
			return
		}
	}
}
