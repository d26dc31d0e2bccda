package remote

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoToken indicates the token source has no credential configured.
var ErrNoToken = errors.New("remote: no auth token configured")

// TokenSource supplies the bearer credential attached to every remote call.
type TokenSource interface {
	Token() (string, error)
}

// StaticTokenSource wraps a fixed credential, typically loaded from config.
// When the credential is a JWT, Expiry exposes its exp claim so callers can
// warn before requests start failing auth.
type StaticTokenSource struct {
	raw string
}

// NewStaticTokenSource constructs a source over a fixed credential.
func NewStaticTokenSource(raw string) *StaticTokenSource {
	return &StaticTokenSource{raw: strings.TrimSpace(raw)}
}

// Token returns the configured credential.
func (s *StaticTokenSource) Token() (string, error) {
	if s.raw == "" {
		return "", ErrNoToken
	}
	return s.raw, nil
}

// Expiry reports the exp claim of a JWT credential. The token signature is
// not verified here; the server remains the authority on validity. The
// boolean is false for empty tokens, opaque tokens, and JWTs without exp.
func (s *StaticTokenSource) Expiry() (time.Time, bool) {
	if s.raw == "" {
		return time.Time{}, false
	}
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(s.raw, claims); err != nil {
		return time.Time{}, false
	}
	expiry, err := claims.GetExpirationTime()
	if err != nil || expiry == nil {
		return time.Time{}, false
	}
	return expiry.Time, true
}
