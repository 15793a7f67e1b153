package taskapi

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenSource supplies the bearer token sent with every request.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a fixed token. Tokens that parse as JWTs are checked
// against their exp claim so an expired session fails before any request;
// the signature is not verified, that is the server's job.
type StaticToken struct {
	token string
	now   func() time.Time
}

// NewStaticToken wraps tok.
func NewStaticToken(tok string) *StaticToken {
	return &StaticToken{token: tok, now: time.Now}
}

// Token implements TokenSource.
func (s *StaticToken) Token(ctx context.Context) (string, error) {
	if s.token == "" {
		return "", ErrNoToken
	}

	exp, ok := s.Expiry()
	if ok && !exp.After(s.now()) {
		return "", fmt.Errorf("%w: expired at %s", ErrTokenExpired, exp.Format(time.RFC3339))
	}
	return s.token, nil
}

// Expiry returns the token's exp claim, if it is a JWT that carries one.
func (s *StaticToken) Expiry() (time.Time, bool) {
	parsed, _, err := jwt.NewParser().ParseUnverified(s.token, jwt.MapClaims{})
	if err != nil {
		return time.Time{}, false
	}
	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}
