package message

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.UnixMilli(1700000000123)

func TestProxyMessageEncoding(t *testing.T) {
	cases := []struct {
		msg  ProxyMessage
		want string
	}{
		{NewUpstreamReady(epoch), `{"type":"upstream_ready","timestamp":1700000000123}`},
		{NewUpstreamDisconnected(epoch), `{"type":"upstream_disconnected","timestamp":1700000000123}`},
		{NewProxySessionExpired(epoch), `{"type":"proxy_session_expired","timestamp":1700000000123}`},
		{NewProxyAuthFailed(epoch, MissingToken), `{"type":"proxy_auth_failed","timestamp":1700000000123,"data":{"code":1}}`},
		{
			NewUpstreamReconnecting(epoch, 3, 4*time.Second),
			`{"type":"upstream_reconnecting","timestamp":1700000000123,"data":{"attempt":3,"delay":4000}}`,
		},
		{
			NewUpstreamAuthFailed(epoch, 2, "bad key"),
			`{"type":"upstream_auth_failed","timestamp":1700000000123,"data":{"code":2,"error":"bad key"}}`,
		},
		{
			NewUpstreamRequestFailed(epoch, "iqrfRaw", "m1"),
			`{"type":"upstream_request_failed","timestamp":1700000000123,"data":{"mType":"iqrfRaw","msgId":"m1"}}`,
		},
		{
			NewUpstreamRequestInvalid(epoch, []byte(`{"x":1}`), "bad"),
			`{"type":"upstream_request_invalid","timestamp":1700000000123,"data":{"message":"{\"x\":1}","reason":"bad"}}`,
		},
		{
			NewUpstreamResponse(epoch, []byte(`{"mType":"a","data":{"msgId":"1","status":0}}`)),
			`{"type":"upstream_response","timestamp":1700000000123,"data":{"mType":"a","data":{"msgId":"1","status":0}}}`,
		},
	}
	for _, tc := range cases {
		data, err := tc.msg.Encode()
		require.NoError(t, err)
		assert.JSONEq(t, tc.want, string(data), string(tc.msg.Type))
	}
}
