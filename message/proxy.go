package message

import (
	"encoding/json"
	"time"
)

// ProxyMessageType tags the control messages exchanged between relay and clients.
type ProxyMessageType string

const (
	ProxyAuthFailed        ProxyMessageType = "proxy_auth_failed"
	ProxySessionExpired    ProxyMessageType = "proxy_session_expired"
	ProxySessionRefresh    ProxyMessageType = "proxy_session_refresh"
	UpstreamDisconnected   ProxyMessageType = "upstream_disconnected"
	UpstreamAuthFailed     ProxyMessageType = "upstream_auth_failed"
	UpstreamReconnecting   ProxyMessageType = "upstream_reconnecting"
	UpstreamReady          ProxyMessageType = "upstream_ready"
	UpstreamRequestFailed  ProxyMessageType = "upstream_request_failed"
	UpstreamRequestInvalid ProxyMessageType = "upstream_request_invalid"
	UpstreamResponse       ProxyMessageType = "upstream_response"
)

// ProxyAuthError is the code carried by proxy_auth_failed.
type ProxyAuthError int

const (
	MissingToken ProxyAuthError = 1
	InvalidToken ProxyAuthError = 2
)

// ProxyMessage is the client-facing envelope {type, timestamp, data?}.
// Timestamp is in Unix milliseconds.
type ProxyMessage struct {
	Type      ProxyMessageType `json:"type"`
	Timestamp int64            `json:"timestamp"`
	Data      any              `json:"data,omitempty"`
}

// Encode marshals the message for a text frame.
func (m ProxyMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// AuthFailedData is the payload of proxy_auth_failed.
type AuthFailedData struct {
	Code ProxyAuthError `json:"code"`
}

// ReconnectingData is the payload of upstream_reconnecting. Delay is in milliseconds.
type ReconnectingData struct {
	Attempt int   `json:"attempt"`
	Delay   int64 `json:"delay"`
}

// UpstreamAuthFailedData is the payload of upstream_auth_failed.
type UpstreamAuthFailedData struct {
	Code  int64  `json:"code"`
	Error string `json:"error,omitempty"`
}

// RequestFailedData identifies the request that could not be relayed.
type RequestFailedData struct {
	MType string `json:"mType"`
	MsgID string `json:"msgId"`
}

// RequestInvalidData echoes the rejected frame.
type RequestInvalidData struct {
	Message string `json:"message"`
	Reason  string `json:"reason,omitempty"`
}

func newMessage(t ProxyMessageType, now time.Time, data any) ProxyMessage {
	return ProxyMessage{Type: t, Timestamp: now.UnixMilli(), Data: data}
}

func NewProxyAuthFailed(now time.Time, code ProxyAuthError) ProxyMessage {
	return newMessage(ProxyAuthFailed, now, AuthFailedData{Code: code})
}

func NewProxySessionExpired(now time.Time) ProxyMessage {
	return newMessage(ProxySessionExpired, now, nil)
}

func NewUpstreamDisconnected(now time.Time) ProxyMessage {
	return newMessage(UpstreamDisconnected, now, nil)
}

func NewUpstreamAuthFailed(now time.Time, code int64, reason string) ProxyMessage {
	return newMessage(UpstreamAuthFailed, now, UpstreamAuthFailedData{Code: code, Error: reason})
}

func NewUpstreamReconnecting(now time.Time, attempt int, delay time.Duration) ProxyMessage {
	return newMessage(UpstreamReconnecting, now, ReconnectingData{Attempt: attempt, Delay: delay.Milliseconds()})
}

func NewUpstreamReady(now time.Time) ProxyMessage {
	return newMessage(UpstreamReady, now, nil)
}

func NewUpstreamRequestFailed(now time.Time, mType, msgID string) ProxyMessage {
	return newMessage(UpstreamRequestFailed, now, RequestFailedData{MType: mType, MsgID: msgID})
}

func NewUpstreamRequestInvalid(now time.Time, frame []byte, reason string) ProxyMessage {
	return newMessage(UpstreamRequestInvalid, now, RequestInvalidData{Message: string(frame), Reason: reason})
}

// NewUpstreamResponse wraps a Daemon API frame. The frame must be valid JSON.
func NewUpstreamResponse(now time.Time, frame json.RawMessage) ProxyMessage {
	return newMessage(UpstreamResponse, now, frame)
}
