// Package credentials holds the vendor session credentials as a single
// atomically replaceable value.
package credentials

import (
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mihaisavezi/chat-bridge/internal/apierror"
)

type Credentials struct {
	Token        string    `json:"token"`
	CookieHeader string    `json:"cookies"`
	ExpiresAt    time.Time `json:"expires_at,omitzero"`
}

// Expired reports whether the credentials are past their expiry. A zero
// expiry means the collaborator could not determine one.
func (c Credentials) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// Apply attaches the session headers to an outbound vendor request.
func (c Credentials) Apply(h http.Header) {
	h.Set("Authorization", "Bearer "+c.Token)
	h.Set("Cookie", c.CookieHeader)
}

type State struct {
	value atomic.Pointer[Credentials]
}

func NewState() *State {
	return &State{}
}

// Set validates and replaces the current credentials. When no expiry is
// given it is taken from the token's exp claim if the token is a JWT.
func (s *State) Set(c Credentials) error {
	c.Token = strings.TrimSpace(c.Token)
	c.CookieHeader = strings.TrimSpace(c.CookieHeader)

	if c.Token == "" {
		return apierror.NewValidationError("token is required")
	}
	if c.CookieHeader == "" {
		return apierror.NewValidationError("cookies are required")
	}

	if c.ExpiresAt.IsZero() {
		if exp, err := ExpiryFromJWT(c.Token); err == nil {
			c.ExpiresAt = exp
		}
	}

	s.value.Store(&c)
	return nil
}

func (s *State) Clear() {
	s.value.Store(nil)
}

// Load returns the stored credentials without checking expiry.
func (s *State) Load() (Credentials, bool) {
	c := s.value.Load()
	if c == nil {
		return Credentials{}, false
	}
	return *c, true
}

// Current returns usable credentials or a CredentialError.
func (s *State) Current(now time.Time) (Credentials, error) {
	c, ok := s.Load()
	if !ok {
		return Credentials{}, apierror.NewCredentialError("vendor credentials are not set")
	}
	if c.Expired(now) {
		return Credentials{}, apierror.NewCredentialError(
			fmt.Sprintf("vendor credentials expired at %s", c.ExpiresAt.UTC().Format(time.RFC3339)))
	}
	return c, nil
}

// TimeUntilExpiry is negative once expired. ok is false when there are no
// credentials or no known expiry.
func (s *State) TimeUntilExpiry(now time.Time) (time.Duration, bool) {
	c, ok := s.Load()
	if !ok || c.ExpiresAt.IsZero() {
		return 0, false
	}
	return c.ExpiresAt.Sub(now), true
}

// ExpiryFromJWT reads the exp claim of a JWT without verifying it.
func ExpiryFromJWT(token string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, fmt.Errorf("parse jwt: %w", err)
	}

	exp, err := claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, fmt.Errorf("read exp claim: %w", err)
	}
	if exp == nil {
		return time.Time{}, fmt.Errorf("jwt has no exp claim")
	}

	return exp.Time, nil
}
