package server

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"wsrelay/auth"
	"wsrelay/config"
	"wsrelay/message"
)

const eventQueueSize = 1024

// pendingRequest remembers which session asked for a msgId.
type pendingRequest struct {
	sessionID string
	mType     string
	sentAt    time.Time
	// orphaned is set when the session closed before the reply arrived.
	orphaned bool
}

// ManagerParams are the Manager's collaborators. Nil Clock, Dial and Logger
// fall back to the wall clock, gorilla's dialer and a no-op logger.
type ManagerParams struct {
	Config        config.ProxyConfiguration
	Options       Options
	Authenticator auth.Authenticator
	Logger        *zap.Logger
	Metrics       *Metrics
	Clock         clock.Clock
	Dial          DialFunc
}

// Manager is the relay dispatcher. It owns the session registry and the
// upstream link and mutates both only from Run's goroutine.
type Manager struct {
	log      *zap.Logger
	clock    clock.Clock
	opts     Options
	metrics  *Metrics
	auth     auth.Authenticator
	registry *Registry
	upstream *Upstream
	pending  map[string]*pendingRequest
	events   chan event
	newID    func() string

	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager creates a new Manager instance.
func NewManager(p ManagerParams) *Manager {
	opts := p.Options.withDefaults()
	log := p.Logger
	if log == nil {
		log = zap.NewNop()
	}
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}
	dial := p.Dial
	if dial == nil {
		dial = WebSocketDialer(opts.DialTimeout)
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		log:      log.Named("relay"),
		clock:    clk,
		opts:     opts,
		metrics:  p.Metrics,
		auth:     p.Authenticator,
		registry: NewRegistry(log.Named("sessions"), p.Metrics),
		pending:  make(map[string]*pendingRequest),
		events:   make(chan event, eventQueueSize),
		newID:    func() string { return uuid.New().String() },
		ctx:      ctx,
		cancel:   cancel,
	}
	m.upstream = newUpstream(upstreamParams{
		url:     p.Config.Upstream,
		token:   p.Config.Token,
		dial:    dial,
		clock:   clk,
		opts:    opts,
		log:     log.Named("upstream"),
		metrics: p.Metrics,
		handler: m,
		post:    m.post,
		ctx:     ctx,
	})
	return m
}

// Run starts the manager's event loop. It returns when ctx is done, after
// closing the upstream and every session.
func (m *Manager) Run(ctx context.Context) error {
	defer m.cancel()
	m.log.Info("Starting relay")
	m.upstream.Start()

	sweep := m.clock.Ticker(m.opts.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return nil
		case ev := <-m.events:
			m.handle(ev)
		case <-sweep.C:
			m.sweep()
		}
	}
}

// Reconfigure points the upstream at a new URL and token.
func (m *Manager) Reconfigure(cfg config.ProxyConfiguration) {
	m.post(upstreamReconfigured{url: cfg.Upstream, token: cfg.Token})
}

// Snapshot returns the relay state as seen by the loop.
func (m *Manager) Snapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	if !m.post(snapshotRequested{reply: reply}) {
		return Snapshot{}, errors.New("relay stopped")
	}
	select {
	case s := <-reply:
		return s, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	case <-m.ctx.Done():
		return Snapshot{}, errors.New("relay stopped")
	}
}

// post hands an event to the loop. It returns false once the loop has stopped.
func (m *Manager) post(ev event) bool {
	select {
	case m.events <- ev:
		return true
	case <-m.ctx.Done():
		return false
	}
}

func (m *Manager) handle(ev event) {
	switch ev := ev.(type) {
	case sessionOpened:
		m.onSessionOpened(ev)
	case clientFrame:
		m.onClientFrame(ev)
	case sessionTransportClosed:
		m.onSessionClosed(ev.sessionID)
	case sessionRefreshed:
		m.onSessionRefreshed(ev)
	case upstreamDialed:
		m.upstream.handleDialed(ev)
	case upstreamFrame:
		m.upstream.handleFrame(ev)
	case upstreamTransportClosed:
		m.upstream.handleClosed(ev)
	case backoffTimerFired:
		m.upstream.handleBackoff(ev)
	case authTimeoutFired:
		m.upstream.handleAuthTimeout(ev)
	case upstreamReconfigured:
		m.log.Info("Upstream reconfigured", zap.String("url", ev.url))
		m.upstream.Reconfigure(ev.url, ev.token)
	case snapshotRequested:
		ev.reply <- m.snapshot()
	}
}

func (m *Manager) snapshot() Snapshot {
	return Snapshot{
		Upstream: m.upstream.State().String(),
		Attempt:  m.upstream.Attempt(),
		Service:  m.upstream.Service(),
		Sessions: m.registry.Len(),
		Pending:  len(m.pending),
	}
}

func (m *Manager) onSessionOpened(ev sessionOpened) {
	s := ev.session
	m.registry.Add(s)
	now := m.clock.Now()

	if !ev.tokenPresent {
		m.metrics.auth("missing")
		m.log.Warn("Token missing, closing connection", zap.String("id", s.ID), zap.String("addr", s.RemoteAddr))
		m.terminate(s.ID, message.NewProxyAuthFailed(now, message.MissingToken))
		return
	}
	if !m.applyAuthResult(s, ev.result) {
		return
	}

	s.State = Authenticated
	s.ServiceMode = m.upstream.State() == Ready && m.upstream.Service()
	m.log.Info("Client authenticated", zap.String("id", s.ID), zap.String("addr", s.RemoteAddr),
		zap.String("subject", s.Principal.Subject), zap.Time("expiration", s.Principal.Expiration))
	if m.upstream.State() == Ready {
		m.sendTo(s.ID, message.NewUpstreamReady(now))
	}
}

// applyAuthResult handles the non-accepted outcomes by notifying and closing
// the session. It reports whether the session may proceed.
func (m *Manager) applyAuthResult(s *Session, res auth.Result) bool {
	now := m.clock.Now()
	m.metrics.auth(res.Outcome.String())

	switch res.Outcome {
	case auth.Accepted:
		if res.Principal.Expired(now) {
			m.log.Info("Client session has expired, closing connection", zap.String("id", s.ID), zap.String("addr", s.RemoteAddr))
			m.terminate(s.ID, message.NewProxySessionExpired(now))
			return false
		}
		s.Principal = res.Principal
		return true
	case auth.Malformed:
		m.log.Warn("Invalid token format, closing connection", zap.String("id", s.ID), zap.String("addr", s.RemoteAddr), zap.Error(res.Err))
		m.terminate(s.ID, message.NewUpstreamRequestInvalid(now, nil, "malformed token"))
	default:
		m.log.Warn("Invalid token, closing connection", zap.String("id", s.ID), zap.String("addr", s.RemoteAddr), zap.Error(res.Err))
		m.terminate(s.ID, message.NewProxyAuthFailed(now, message.InvalidToken))
	}
	return false
}

func (m *Manager) onClientFrame(ev clientFrame) {
	s, ok := m.registry.Get(ev.sessionID)
	if !ok || s.State != Authenticated {
		return
	}
	now := m.clock.Now()
	m.log.Debug("Incoming message from client", zap.String("id", s.ID), zap.ByteString("message", ev.data))

	if s.Principal.Expired(now) {
		m.expire(s)
		return
	}

	obj, err := message.Decode(ev.data)
	if err != nil {
		m.rejectFrame(s, ev.data, err)
		return
	}
	if refresh, ok := message.ParseSessionRefresh(obj); ok {
		m.refreshSession(s, refresh, ev.data)
		return
	}
	req, err := message.RequestFromObject(obj, ev.data, m.newID)
	if err != nil {
		m.rejectFrame(s, ev.data, err)
		return
	}

	if m.upstream.State() != Ready {
		m.failRequest(s.ID, req.MType, req.MsgID, ErrUpstreamNotReady)
		return
	}
	// An orphaned mapping no longer has anyone to answer, so its msgId may be reused.
	if p, dup := m.pending[req.MsgID]; dup && !p.orphaned {
		m.metrics.request("invalid")
		m.log.Warn("Duplicate in-flight msgId", zap.String("id", s.ID), zap.String("msgId", req.MsgID))
		m.sendTo(s.ID, message.NewUpstreamRequestInvalid(now, ev.data, "duplicate msgId"))
		return
	}

	m.pending[req.MsgID] = &pendingRequest{sessionID: s.ID, mType: req.MType, sentAt: now}
	if err := m.upstream.Send(req); err != nil {
		delete(m.pending, req.MsgID)
		m.failRequest(s.ID, req.MType, req.MsgID, err)
		return
	}
	m.metrics.request("forwarded")
}

func (m *Manager) rejectFrame(s *Session, frame []byte, err error) {
	m.metrics.request("invalid")
	m.log.Warn("Invalid message for upstream, discarding message", zap.String("id", s.ID), zap.String("addr", s.RemoteAddr),
		zap.ByteString("message", frame), zap.Error(err))
	m.sendTo(s.ID, message.NewUpstreamRequestInvalid(m.clock.Now(), frame, err.Error()))
}

func (m *Manager) failRequest(sessionID, mType, msgID string, err error) {
	m.metrics.request("failed")
	m.log.Warn("Cannot send message to upstream", zap.String("id", sessionID), zap.String("msgId", msgID), zap.Error(err))
	m.sendTo(sessionID, message.NewUpstreamRequestFailed(m.clock.Now(), mType, msgID))
}

func (m *Manager) refreshSession(s *Session, refresh message.SessionRefresh, frame []byte) {
	if refresh.SessionID != s.ID {
		m.rejectFrame(s, frame, errors.New("session id mismatch"))
		return
	}
	id, token, authenticator := s.ID, refresh.Token, m.auth
	go func() {
		m.post(sessionRefreshed{sessionID: id, result: authenticator.Authenticate(token)})
	}()
}

func (m *Manager) onSessionRefreshed(ev sessionRefreshed) {
	s, ok := m.registry.Get(ev.sessionID)
	if !ok || s.State != Authenticated {
		return
	}
	if m.applyAuthResult(s, ev.result) {
		m.log.Info("Client session refreshed", zap.String("id", s.ID), zap.Time("expiration", s.Principal.Expiration))
	}
}

func (m *Manager) onSessionClosed(id string) {
	m.registry.Remove(id)
	for _, p := range m.pending {
		if p.sessionID == id {
			p.orphaned = true
		}
	}
}

// upstreamLifecycle broadcasts a lifecycle notice to every authenticated
// session. Requests in flight on a lost link are failed after the notice.
func (m *Manager) upstreamLifecycle(msg message.ProxyMessage) {
	if msg.Type == message.UpstreamReady {
		service := m.upstream.Service()
		m.registry.Authenticated(func(s *Session) { s.ServiceMode = service })
	}
	m.broadcast(msg)

	switch msg.Type {
	case message.UpstreamDisconnected, message.UpstreamAuthFailed:
		m.failPending()
	}
}

// upstreamResponse routes a Daemon API frame to the session that asked for
// it, or to every passive session if nobody did.
func (m *Manager) upstreamResponse(resp message.Response) {
	out, err := message.NewUpstreamResponse(m.clock.Now(), resp.Raw).Encode()
	if err != nil {
		m.log.Error("Failed to encode upstream response", zap.String("msgId", resp.MsgID), zap.Error(err))
		return
	}

	p, ok := m.pending[resp.MsgID]
	if !ok {
		m.metrics.upstreamFrame("push")
		m.registry.BroadcastPassive(out)
		return
	}
	delete(m.pending, resp.MsgID)
	m.metrics.upstreamFrame("response")
	if p.orphaned || !m.registry.Send(p.sessionID, out) {
		m.log.Debug("Discarding upstream response, no matching session", zap.String("msgId", resp.MsgID))
	}
}

func (m *Manager) failPending() {
	for msgID, p := range m.pending {
		delete(m.pending, msgID)
		if !p.orphaned {
			m.failRequest(p.sessionID, p.mType, msgID, ErrUpstreamNotReady)
		}
	}
}

// sweep closes expired sessions and gives up on requests that have waited
// longer than RequestTimeout.
func (m *Manager) sweep() {
	now := m.clock.Now()

	var expired []*Session
	m.registry.Authenticated(func(s *Session) {
		if s.Principal.Expired(now) {
			expired = append(expired, s)
		}
	})
	for _, s := range expired {
		m.expire(s)
	}

	for msgID, p := range m.pending {
		if now.Sub(p.sentAt) < m.opts.RequestTimeout {
			continue
		}
		delete(m.pending, msgID)
		if !p.orphaned {
			m.log.Warn("Upstream request timed out", zap.String("id", p.sessionID), zap.String("msgId", msgID))
			m.metrics.request("timeout")
			m.sendTo(p.sessionID, message.NewUpstreamRequestFailed(now, p.mType, msgID))
		}
	}
}

func (m *Manager) expire(s *Session) {
	m.log.Info("Client session has expired, closing connection", zap.String("id", s.ID), zap.String("addr", s.RemoteAddr))
	m.terminate(s.ID, message.NewProxySessionExpired(m.clock.Now()))
}

func (m *Manager) shutdown() {
	m.log.Info("Stopping relay", zap.Int("sessions", m.registry.Len()))
	m.upstream.Shutdown()
	// A nil notice still closes every session.
	notice, _ := message.NewUpstreamDisconnected(m.clock.Now()).Encode()
	m.registry.CloseAll(notice, websocket.CloseGoingAway)
	clear(m.pending)
}

func (m *Manager) sendTo(id string, msg message.ProxyMessage) {
	data, err := msg.Encode()
	if err != nil {
		m.log.Error("Failed to encode proxy message", zap.String("type", string(msg.Type)), zap.Error(err))
		return
	}
	m.registry.Send(id, data)
}

func (m *Manager) broadcast(msg message.ProxyMessage) {
	data, err := msg.Encode()
	if err != nil {
		m.log.Error("Failed to encode proxy message", zap.String("type", string(msg.Type)), zap.Error(err))
		return
	}
	m.registry.Broadcast(data)
}

func (m *Manager) terminate(id string, notice message.ProxyMessage) {
	data, err := notice.Encode()
	if err != nil {
		m.log.Error("Failed to encode proxy message", zap.String("type", string(notice.Type)), zap.Error(err))
		m.registry.removeWithCode(id, websocket.ClosePolicyViolation, "")
		return
	}
	m.registry.Terminate(id, data, websocket.ClosePolicyViolation)
}
