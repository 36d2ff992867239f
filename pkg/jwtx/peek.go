package jwtx

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrNoSubject reports a token without any user identifying claim.
var ErrNoSubject = errors.New("jwtx: token carries no subject")

// Claims is the subset of access-token claims the client cares about. The
// backend signs its tokens with a secret the client never sees, so these are
// read without verification and must only be used for display and bookkeeping,
// never for authorization decisions.
type Claims struct {
	Subject   string
	Role      string
	ExpiresAt time.Time // zero when the token has no exp claim
}

// Expired reports whether the token's exp claim is in the past relative to now.
func (c Claims) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// Peek decodes token claims without verifying the signature.
func Peek(token string) (Claims, error) {
	mc := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, mc); err != nil {
		return Claims{}, fmt.Errorf("jwtx: parse token: %w", err)
	}

	var out Claims
	if sub, err := mc.GetSubject(); err == nil && sub != "" {
		out.Subject = sub
	} else {
		// Some backends put the user id in a custom claim instead of sub.
		out.Subject = stringClaim(mc, "id", "userId", "user_id")
	}
	out.Role = stringClaim(mc, "role", "rol")

	if exp, err := mc.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Time
	}

	if out.Subject == "" {
		return out, ErrNoSubject
	}
	return out, nil
}

func stringClaim(mc jwt.MapClaims, names ...string) string {
	for _, name := range names {
		switch v := mc[name].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return fmt.Sprintf("%.0f", v)
		}
	}
	return ""
}
