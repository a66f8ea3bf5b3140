package message

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrInvalidRequest = errors.New("not a Daemon API request")
	ErrInvalidMsgID   = errors.New("msgId must be a string")
)

// Request is a client frame bound for the upstream.
type Request struct {
	MType string
	MsgID string
	// Raw is the frame to forward. It is the client's frame byte for byte
	// unless the msgId was synthesized.
	Raw []byte
	// Synthesized is set when the relay generated MsgID.
	Synthesized bool
}

// DecodeRequest validates a client frame as a Daemon API request. A missing
// data.msgId is filled in with newID(); any other shape error is rejected.
func DecodeRequest(frame []byte, newID func() string) (Request, error) {
	obj, err := Decode(frame)
	if err != nil {
		return Request{}, err
	}
	return RequestFromObject(obj, frame, newID)
}

// RequestFromObject is DecodeRequest for an already decoded frame.
func RequestFromObject(obj Object, frame []byte, newID func() string) (Request, error) {
	mType, ok := obj["mType"].(string)
	if !ok {
		return Request{}, fmt.Errorf("%w: mType missing or not a string", ErrInvalidRequest)
	}
	data, ok := obj["data"].(map[string]any)
	if !ok {
		return Request{}, fmt.Errorf("%w: data missing or not an object", ErrInvalidRequest)
	}

	req := Request{MType: mType, Raw: frame}
	switch id := data["msgId"].(type) {
	case nil:
		if _, present := data["msgId"]; present {
			return Request{}, ErrInvalidMsgID
		}
		req.MsgID = newID()
		req.Synthesized = true
		data["msgId"] = req.MsgID
		raw, err := json.Marshal(obj)
		if err != nil {
			return Request{}, fmt.Errorf("encode request: %w", err)
		}
		req.Raw = raw
	case string:
		req.MsgID = id
	default:
		return Request{}, ErrInvalidMsgID
	}

	if !IsDaemonAPIMessage(obj) {
		return Request{}, ErrInvalidRequest
	}
	return req, nil
}

// Response is a Daemon API frame received from the upstream.
type Response struct {
	MType  string
	MsgID  string
	Status *int64
	Raw    json.RawMessage
}

// ResponseFromObject extracts the correlation fields of a Daemon API frame.
// The caller must have checked IsDaemonAPIMessage.
func ResponseFromObject(obj Object, frame []byte) Response {
	data := obj["data"].(map[string]any)
	resp := Response{
		MType: obj["mType"].(string),
		MsgID: data["msgId"].(string),
		Raw:   json.RawMessage(frame),
	}
	if isInt(data["status"]) {
		status := toInt64(data["status"])
		resp.Status = &status
	}
	return resp
}

// AuthSuccess is the upstream's reply to a valid handshake.
type AuthSuccess struct {
	Expiration int64
	Service    bool
}

// AuthError is the upstream's reply to a rejected handshake or a revoked
// session.
type AuthError struct {
	Code  int64
	Error string
}

// ParseAuthSuccess returns the handshake result if obj is an auth_success message.
func ParseAuthSuccess(obj Object) (AuthSuccess, bool) {
	if !IsAuthSuccessMessage(obj) {
		return AuthSuccess{}, false
	}
	return AuthSuccess{
		Expiration: toInt64(obj["expiration"]),
		Service:    obj["service"].(bool),
	}, true
}

// ParseAuthError returns the failure if obj is an auth_failed message.
func ParseAuthError(obj Object) (AuthError, bool) {
	if !IsAuthErrorMessage(obj) {
		return AuthError{}, false
	}
	return AuthError{
		Code:  toInt64(obj["code"]),
		Error: obj["error"].(string),
	}, true
}

// SessionRefresh is a client's request to replace its bearer token.
type SessionRefresh struct {
	SessionID string
	Token     string
}

// ParseSessionRefresh returns the refresh request if obj is a
// proxy_session_refresh message.
func ParseSessionRefresh(obj Object) (SessionRefresh, bool) {
	if !IsProxySessionRefreshMessage(obj) {
		return SessionRefresh{}, false
	}
	data := obj["data"].(map[string]any)
	return SessionRefresh{
		SessionID: data["sessionId"].(string),
		Token:     data["token"].(string),
	}, true
}

type authRequest struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// EncodeAuthRequest builds the first frame sent on a fresh upstream link.
func EncodeAuthRequest(token string) ([]byte, error) {
	return json.Marshal(authRequest{Type: authRequestType, Token: token})
}
