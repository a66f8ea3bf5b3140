package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustDecode(t *testing.T, frame string) Object {
	t.Helper()
	obj, err := Decode([]byte(frame))
	require.NoError(t, err)
	return obj
}

func TestDecode(t *testing.T) {
	_, err := Decode([]byte(`not json`))
	assert.Error(t, err)

	_, err = Decode([]byte(`[1, 2]`))
	assert.ErrorIs(t, err, ErrNotObject)

	_, err = Decode([]byte(`{"a": 1} {"b": 2}`))
	assert.Error(t, err)

	for _, frame := range []string{
		`{"a": 1}}`,
		`{"a": 1}]`,
		`{"a": 1}}]`,
		`{"a": 1} x`,
	} {
		_, err = Decode([]byte(frame))
		assert.Error(t, err, frame)
	}

	obj, err := Decode([]byte(`{"a": 1}`))
	require.NoError(t, err)
	assert.Contains(t, obj, "a")

	_, err = Decode([]byte("{\"a\": 1}\n  "))
	assert.NoError(t, err, "trailing whitespace is allowed")
}

func TestIsDaemonAPIMessage(t *testing.T) {
	cases := []struct {
		frame string
		want  bool
	}{
		{`{"mType": "x", "data": {"msgId": "1"}}`, true},
		{`{"mType": "iqrfEmbedOs_Read", "data": {"msgId": "abc", "req": {"nAdr": 0}, "returnVerbose": true}}`, true},
		{`{"data": {"msgId": "1"}}`, false},
		{`{"mType": 1, "data": {"msgId": "1"}}`, false},
		{`{"mType": "x"}`, false},
		{`{"mType": "x", "data": "msgId"}`, false},
		{`{"mType": "x", "data": {}}`, false},
		{`{"mType": "x", "data": {"msgId": 1}}`, false},
		{`{"mType": "x", "data": {"msgId": null}}`, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, IsDaemonAPIMessage(mustDecode(t, tc.frame)), tc.frame)
	}
}

func TestIsAuthSuccessMessage(t *testing.T) {
	assert.True(t, IsAuthSuccessMessage(mustDecode(t, `{"type": "auth_success", "expiration": 1700000000, "service": false}`)))
	assert.True(t, IsAuthSuccessMessage(Object{"type": "auth_success", "expiration": 42, "service": true}))

	assert.False(t, IsAuthSuccessMessage(mustDecode(t, `{"type": "auth_success", "expiration": "1700000000", "service": false}`)))
	assert.False(t, IsAuthSuccessMessage(mustDecode(t, `{"type": "auth_success", "expiration": 1.5, "service": false}`)))
	assert.False(t, IsAuthSuccessMessage(mustDecode(t, `{"type": "auth_success", "expiration": 1, "service": "yes"}`)))
	assert.False(t, IsAuthSuccessMessage(mustDecode(t, `{"type": "auth_failed", "expiration": 1, "service": true}`)))
	assert.False(t, IsAuthSuccessMessage(mustDecode(t, `{"expiration": 1, "service": true}`)))
}

func TestIsAuthErrorMessage(t *testing.T) {
	assert.True(t, IsAuthErrorMessage(mustDecode(t, `{"type": "auth_failed", "code": 1, "error": "Invalid API key"}`)))

	assert.False(t, IsAuthErrorMessage(mustDecode(t, `{"type": "auth_failed", "code": "1", "error": "x"}`)))
	assert.False(t, IsAuthErrorMessage(mustDecode(t, `{"type": "auth_failed", "code": 1}`)))
	assert.False(t, IsAuthErrorMessage(mustDecode(t, `{"type": "auth_success", "code": 1, "error": "x"}`)))
}

func TestIsProxySessionRefreshMessage(t *testing.T) {
	assert.True(t, IsProxySessionRefreshMessage(mustDecode(t,
		`{"type": "proxy_session_refresh", "timestamp": 1700000000000, "data": {"sessionId": "s1", "token": "t"}}`)))

	assert.False(t, IsProxySessionRefreshMessage(mustDecode(t,
		`{"type": "proxy_session_refresh", "data": {"sessionId": "s1", "token": "t"}}`)))
	assert.False(t, IsProxySessionRefreshMessage(mustDecode(t,
		`{"type": "proxy_session_refresh", "timestamp": 1, "data": {"sessionId": 5, "token": "t"}}`)))
	assert.False(t, IsProxySessionRefreshMessage(mustDecode(t,
		`{"type": "proxy_session_refresh", "timestamp": 1, "data": {"sessionId": "s1"}}`)))
}

func TestPredicatesAreDisjoint(t *testing.T) {
	frames := []string{
		`{"type": "auth_success", "expiration": 1, "service": true}`,
		`{"type": "auth_failed", "code": 1, "error": "x"}`,
		`{"mType": "x", "data": {"msgId": "1"}}`,
	}
	for _, f := range frames {
		obj := mustDecode(t, f)
		n := 0
		for _, p := range []func(Object) bool{IsAuthSuccessMessage, IsAuthErrorMessage, IsDaemonAPIMessage} {
			if p(obj) {
				n++
			}
		}
		assert.Equal(t, 1, n, f)
	}
}
