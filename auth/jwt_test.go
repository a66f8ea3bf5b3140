package auth

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAuthenticator(t *testing.T) (*JWTAuthenticator, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	clk.Set(time.Unix(1700000000, 0))
	return NewJWT([]byte("test-secret"), clk), clk
}

func TestJWTAcceptsIssuedToken(t *testing.T) {
	a, clk := newTestAuthenticator(t)
	token, err := a.Issue("admin", time.Hour)
	require.NoError(t, err)

	res := a.Authenticate(token)
	require.Equal(t, Accepted, res.Outcome, "%v", res.Err)
	assert.Equal(t, "admin", res.Principal.Subject)
	assert.Equal(t, clk.Now().Add(time.Hour).Unix(), res.Principal.Expiration.Unix())
}

func TestJWTWithoutExpiry(t *testing.T) {
	a, clk := newTestAuthenticator(t)
	token, err := a.Issue("service", 0)
	require.NoError(t, err)

	res := a.Authenticate(token)
	require.Equal(t, Accepted, res.Outcome)
	assert.True(t, res.Principal.Expiration.IsZero())
	assert.False(t, res.Principal.Expired(clk.Now().Add(100*365*24*time.Hour)))
}

func TestJWTMalformed(t *testing.T) {
	a, _ := newTestAuthenticator(t)
	for _, token := range []string{"", "invalidFormatToken", "a.b", "not.a.jwt"} {
		res := a.Authenticate(token)
		assert.Equal(t, Malformed, res.Outcome, token)
		assert.Error(t, res.Err)
	}
}

func TestJWTRejected(t *testing.T) {
	a, clk := newTestAuthenticator(t)

	other := NewJWT([]byte("other-secret"), clk)
	forged, err := other.Issue("admin", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, Rejected, a.Authenticate(forged).Outcome)

	expiring, err := a.Issue("admin", time.Minute)
	require.NoError(t, err)
	clk.Add(2 * time.Minute)
	assert.Equal(t, Rejected, a.Authenticate(expiring).Outcome)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "x"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	assert.Equal(t, Rejected, a.Authenticate(none).Outcome)
}

func TestPrincipalExpired(t *testing.T) {
	now := time.Unix(1000, 0)
	assert.False(t, Principal{}.Expired(now))
	assert.False(t, Principal{Expiration: now.Add(time.Second)}.Expired(now))
	assert.True(t, Principal{Expiration: now}.Expired(now))
}

func TestFuncAdapter(t *testing.T) {
	var a Authenticator = Func(func(token string) Result {
		if token == "ok" {
			return Accept(Principal{Subject: "u"})
		}
		return RejectedToken(nil)
	})
	assert.Equal(t, Accepted, a.Authenticate("ok").Outcome)
	assert.Equal(t, Rejected, a.Authenticate("no").Outcome)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "accepted", Accepted.String())
	assert.Equal(t, "malformed", Malformed.String())
	assert.Equal(t, "rejected", Rejected.String())
}
