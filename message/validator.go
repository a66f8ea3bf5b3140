// Package message implements the wire formats spoken by the relay: the
// Daemon JSON-API envelope, the upstream auth handshake, and the proxy
// control messages sent to clients.
//
// The predicates never coerce. A value that is not exactly the expected
// JSON type fails the check.
package message

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
)

const (
	authSuccessType = "auth_success"
	authFailedType  = "auth_failed"
	authRequestType = "auth"
)

// ErrNotObject is returned when a frame is valid JSON but not a JSON object.
var ErrNotObject = errors.New("frame is not a JSON object")

// Object is a decoded JSON object. Numbers are kept as json.Number.
type Object = map[string]any

// Decode parses a text frame into an Object.
func Decode(frame []byte) (Object, error) {
	dec := json.NewDecoder(bytes.NewReader(frame))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, errors.New("decode frame: trailing data after JSON value")
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, ErrNotObject
	}
	return obj, nil
}

// IsAuthSuccessMessage reports whether obj is {type:"auth_success",
// expiration:<int>, service:<bool>}.
func IsAuthSuccessMessage(obj Object) bool {
	return hasString(obj, "type", authSuccessType) &&
		isInt(obj["expiration"]) &&
		isBool(obj["service"])
}

// IsAuthErrorMessage reports whether obj is {type:"auth_failed", code:<int>,
// error:<string>}.
func IsAuthErrorMessage(obj Object) bool {
	return hasString(obj, "type", authFailedType) &&
		isInt(obj["code"]) &&
		isString(obj["error"])
}

// IsDaemonAPIMessage reports whether obj is {mType:<string>,
// data:{msgId:<string>, ...}}.
func IsDaemonAPIMessage(obj Object) bool {
	if !isString(obj["mType"]) {
		return false
	}
	data, ok := obj["data"].(map[string]any)
	if !ok {
		return false
	}
	return isString(data["msgId"])
}

// IsProxySessionRefreshMessage reports whether obj is
// {type:"proxy_session_refresh", timestamp:<int>, data:{sessionId:<string>, token:<string>}}.
func IsProxySessionRefreshMessage(obj Object) bool {
	if !hasString(obj, "type", string(ProxySessionRefresh)) || !isInt(obj["timestamp"]) {
		return false
	}
	data, ok := obj["data"].(map[string]any)
	if !ok {
		return false
	}
	return isString(data["sessionId"]) && isString(data["token"])
}

func hasString(obj Object, key, want string) bool {
	s, ok := obj[key].(string)
	return ok && s == want
}

func isString(v any) bool {
	_, ok := v.(string)
	return ok
}

func isBool(v any) bool {
	_, ok := v.(bool)
	return ok
}

func isInt(v any) bool {
	switch n := v.(type) {
	case json.Number:
		_, err := n.Int64()
		return err == nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return true
	case float64:
		return n == math.Trunc(n) && !math.IsInf(n, 0)
	default:
		return false
	}
}

func toInt64(v any) int64 {
	switch n := v.(type) {
	case json.Number:
		i, _ := n.Int64()
		return i
	case int:
		return int64(n)
	case int8:
		return int64(n)
	case int16:
		return int64(n)
	case int32:
		return int64(n)
	case int64:
		return n
	case uint:
		return int64(n)
	case uint8:
		return int64(n)
	case uint16:
		return int64(n)
	case uint32:
		return int64(n)
	case uint64:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}
