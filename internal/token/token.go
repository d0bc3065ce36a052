// Package token implements the access-token record shared by every stage
// of the auth pipeline: a bearer token, its absolute expiry, and an
// optional secondary hash claim carried by the platform stages.
package token

import (
	"errors"
	"time"
)

// ErrEmptyToken is returned by New when the token string is empty.
var ErrEmptyToken = errors.New("token: token string must not be empty")

// ErrZeroExpiry is returned by New when expiresAt is the zero time.
var ErrZeroExpiry = errors.New("token: expires_at must be a valid instant")

// AccessToken is a single bearer token plus its expiry and an optional
// secondary hash. Value-semantic and cheaply copyable; once constructed
// it is never mutated in place.
type AccessToken struct {
	token     string
	expiresAt time.Time
	hash      string
}

// New constructs an AccessToken. hash may be empty for stages that carry
// no secondary claim.
func New(tok string, expiresAt time.Time, hash string) (AccessToken, error) {
	if tok == "" {
		return AccessToken{}, ErrEmptyToken
	}
	if expiresAt.IsZero() {
		return AccessToken{}, ErrZeroExpiry
	}
	return AccessToken{token: tok, expiresAt: expiresAt, hash: hash}, nil
}

// Token returns the opaque bearer string.
func (t AccessToken) Token() string { return t.token }

// ExpiresAt returns the absolute expiry instant.
func (t AccessToken) ExpiresAt() time.Time { return t.expiresAt }

// Hash returns the secondary claim, or "" if this stage does not carry one.
func (t AccessToken) Hash() string { return t.hash }

// IsZero reports whether this is the unconstructed zero value.
func (t AccessToken) IsZero() bool { return t.token == "" && t.expiresAt.IsZero() }

// Expired reports whether the token has reached its expiry:
// now >= expires_at.
func (t AccessToken) Expired(now time.Time) bool {
	return !now.Before(t.expiresAt)
}

// NeedsRenewal reports whether the token should be refreshed in the next
// maintenance pass: expired, or within k maintenance periods of expiring.
// k defaults to 2 when <= 0, giving cleanup multiple opportunities to
// renew before the token actually lapses.
func (t AccessToken) NeedsRenewal(now time.Time, period time.Duration, k int) bool {
	if k <= 0 {
		k = 2
	}
	if t.Expired(now) {
		return true
	}
	window := time.Duration(k) * period
	return !now.Add(window).Before(t.expiresAt)
}
