package server

import (
	"wsrelay/auth"
)

// UpstreamState is the lifecycle state of the shared upstream link.
type UpstreamState int

const (
	Disconnected UpstreamState = iota
	Connecting
	Authenticating
	Ready
	Reconnecting
)

func (s UpstreamState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Authenticating:
		return "authenticating"
	case Ready:
		return "ready"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// SessionState is the authentication state of a client session.
type SessionState int

const (
	Unauthenticated SessionState = iota
	Authenticated
	Closed
)

func (s SessionState) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case Authenticated:
		return "authenticated"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// event is anything the dispatch loop processes. Every event is handled to
// completion before the next one is taken.
type event interface {
	isEvent()
}

// sessionOpened is posted by the HTTP handler once the upgrade succeeded and
// the token was checked.
type sessionOpened struct {
	session      *Session
	tokenPresent bool
	result       auth.Result
}

// clientFrame is a text frame read from a session.
type clientFrame struct {
	sessionID string
	data      []byte
}

// sessionTransportClosed is posted when a session's read pump exits.
type sessionTransportClosed struct {
	sessionID string
}

// sessionRefreshed carries the verdict on a proxy_session_refresh token.
type sessionRefreshed struct {
	sessionID string
	result    auth.Result
}

// upstreamDialed completes a dial attempt started by the upstream.
type upstreamDialed struct {
	gen  uint64
	conn Conn
	err  error
}

// upstreamFrame is a text frame read from the upstream link.
type upstreamFrame struct {
	gen  uint64
	data []byte
}

// upstreamTransportClosed is posted when the upstream read pump exits.
type upstreamTransportClosed struct {
	gen uint64
	err error
}

// backoffTimerFired ends a reconnect delay.
type backoffTimerFired struct {
	gen uint64
}

// authTimeoutFired bounds the Authenticating state.
type authTimeoutFired struct {
	gen uint64
}

// upstreamReconfigured replaces the upstream URL and token and reconnects.
type upstreamReconfigured struct {
	url   string
	token string
}

// snapshotRequested asks the loop for a consistent view of its state.
type snapshotRequested struct {
	reply chan Snapshot
}

func (sessionOpened) isEvent()           {}
func (clientFrame) isEvent()             {}
func (sessionTransportClosed) isEvent()  {}
func (sessionRefreshed) isEvent()        {}
func (upstreamDialed) isEvent()          {}
func (upstreamFrame) isEvent()           {}
func (upstreamTransportClosed) isEvent() {}
func (backoffTimerFired) isEvent()       {}
func (authTimeoutFired) isEvent()        {}
func (upstreamReconfigured) isEvent()    {}
func (snapshotRequested) isEvent()       {}

// Snapshot is a point-in-time view of the relay, served on /healthz.
type Snapshot struct {
	Upstream string `json:"upstream"`
	Attempt  int    `json:"attempt"`
	Service  bool   `json:"service"`
	Sessions int    `json:"sessions"`
	Pending  int    `json:"pending"`
}
