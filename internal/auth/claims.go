package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims are the Entra ID token claims spo looks at.
type Claims struct {
	jwt.RegisteredClaims
	TenantID          string `json:"tid,omitempty"`
	UPN               string `json:"upn,omitempty"`
	UniqueName        string `json:"unique_name,omitempty"`
	PreferredUsername string `json:"preferred_username,omitempty"`
	AppID             string `json:"appid,omitempty"`
}

// ParseClaims decodes the payload of a JWT without verifying its signature.
// SharePoint verifies the token; the claims are only used for display and
// expiry checks.
func ParseClaims(token string) (*Claims, error) {
	var claims Claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return nil, fmt.Errorf("failed to parse token claims: %w", err)
	}
	return &claims, nil
}

// Account returns the signed-in user name, if any.
func (c *Claims) Account() string {
	switch {
	case c.UPN != "":
		return c.UPN
	case c.PreferredUsername != "":
		return c.PreferredUsername
	default:
		return c.UniqueName
	}
}

// Expiry returns the exp claim, or the zero time when absent.
func (c *Claims) Expiry() time.Time {
	if c.ExpiresAt == nil {
		return time.Time{}
	}
	return c.ExpiresAt.Time
}
