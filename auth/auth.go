// Package auth is the boundary to the application's bearer-token
// authenticator. The relay only consumes Result values; it never inspects
// tokens itself.
package auth

import "time"

// Outcome discriminates the result of an authentication attempt.
type Outcome int

const (
	// Accepted means the token is valid and Result.Principal is set.
	Accepted Outcome = iota
	// Malformed means the token could not be parsed at all.
	Malformed
	// Rejected means the token parsed but was refused (bad signature,
	// expired, unknown user).
	Rejected
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Malformed:
		return "malformed"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Principal is the identity behind an accepted token.
type Principal struct {
	Subject string
	// Expiration is when the token stops being valid. Zero means never.
	Expiration time.Time
}

// Expired reports whether the principal's token is no longer valid at now.
func (p Principal) Expired(now time.Time) bool {
	return !p.Expiration.IsZero() && !now.Before(p.Expiration)
}

// Result is what an Authenticator returns. Err carries detail for logging
// when Outcome is not Accepted.
type Result struct {
	Outcome   Outcome
	Principal Principal
	Err       error
}

func Accept(p Principal) Result { return Result{Outcome: Accepted, Principal: p} }
func MalformedToken(err error) Result { return Result{Outcome: Malformed, Err: err} }
func RejectedToken(err error) Result { return Result{Outcome: Rejected, Err: err} }

// Authenticator verifies bearer tokens. Implementations may block; the relay
// never calls them from its dispatch loop.
type Authenticator interface {
	Authenticate(token string) Result
}

// Func adapts a plain function to Authenticator.
type Func func(token string) Result

func (f Func) Authenticate(token string) Result { return f(token) }
