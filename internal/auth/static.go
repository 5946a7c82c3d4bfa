package auth

import (
	"context"
	"fmt"
	"time"
)

// StaticTokenProvider returns one fixed access token for every resource.
// Tokens that are not JWTs are passed through without expiry checks.
type StaticTokenProvider struct {
	token  string
	claims *Claims
	now    func() time.Time
}

// NewStaticTokenProvider wraps token.
func NewStaticTokenProvider(token string) *StaticTokenProvider {
	p := &StaticTokenProvider{token: token, now: time.Now}
	if claims, err := ParseClaims(token); err == nil {
		p.claims = claims
	}
	return p
}

// Claims returns the parsed claims, or nil for opaque tokens.
func (p *StaticTokenProvider) Claims() *Claims {
	return p.claims
}

// EnsureAccessToken returns the static token unless it has expired.
func (p *StaticTokenProvider) EnsureAccessToken(_ context.Context, _ string) (string, error) {
	if p.token == "" {
		return "", ErrNotAuthenticated
	}
	if p.claims != nil {
		if exp := p.claims.Expiry(); !exp.IsZero() && !p.now().Before(exp) {
			return "", fmt.Errorf("SPO_ACCESS_TOKEN expired at %s: %w", exp.Format(time.RFC3339), ErrTokenExpired)
		}
	}
	return p.token, nil
}
