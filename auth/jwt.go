package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang-jwt/jwt/v5"
)

// JWTAuthenticator accepts HS256-signed JWTs. The exp claim becomes the
// principal's expiration and sub its subject.
type JWTAuthenticator struct {
	secret []byte
	clock  clock.Clock
	parser *jwt.Parser
}

// NewJWT returns an authenticator verifying tokens with secret.
func NewJWT(secret []byte, clk clock.Clock) *JWTAuthenticator {
	if clk == nil {
		clk = clock.New()
	}
	return &JWTAuthenticator{
		secret: secret,
		clock:  clk,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithTimeFunc(clk.Now),
		),
	}
}

func (a *JWTAuthenticator) Authenticate(token string) Result {
	if token == "" {
		return MalformedToken(errors.New("empty token"))
	}

	claims := &jwt.RegisteredClaims{}
	_, err := a.parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	})
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return MalformedToken(err)
	case err != nil:
		return RejectedToken(err)
	}

	p := Principal{Subject: claims.Subject}
	if claims.ExpiresAt != nil {
		p.Expiration = claims.ExpiresAt.Time
	}
	return Accept(p)
}

// Issue signs a token for subject. It is used by the CLI to mint tokens for
// local clients.
func (a *JWTAuthenticator) Issue(subject string, ttl time.Duration) (string, error) {
	now := a.clock.Now()
	claims := jwt.RegisteredClaims{
		Subject:  subject,
		IssuedAt: jwt.NewNumericDate(now),
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
