package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

var (
	// ErrNoRefreshToken is returned when a refresh is needed but the session cannot renew itself
	ErrNoRefreshToken = errors.New("no refresh token available")
)

// Refresher exchanges a refresh token for a new token pair
type Refresher interface {
	RefreshTokens(ctx context.Context, refreshToken string) (accessToken, newRefreshToken string, err error)
}

// RefresherFunc adapts a function to Refresher
type RefresherFunc func(ctx context.Context, refreshToken string) (string, string, error)

func (f RefresherFunc) RefreshTokens(ctx context.Context, refreshToken string) (string, string, error) {
	return f(ctx, refreshToken)
}

// Claims are the fields the client reads from the access token. The
// signature cannot be checked client-side; the server verifies every request.
type Claims struct {
	ID   string `json:"id"`
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Session holds the signed-in user's tokens and is injected into the API
// client and the bid submitter instead of living in ambient storage.
type Session struct {
	mu           sync.RWMutex
	accessToken  string
	refreshToken string
	claims       *Claims
	refresher    Refresher
}

// New creates a session. Empty tokens yield an anonymous session.
func New(accessToken, refreshToken string, refresher Refresher) *Session {
	s := &Session{refresher: refresher}
	s.set(accessToken, refreshToken)
	return s
}

func (s *Session) set(accessToken, refreshToken string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accessToken = accessToken
	s.refreshToken = refreshToken
	s.claims = nil
	if accessToken == "" {
		return
	}

	claims, err := decode(accessToken)
	if err != nil {
		log.Warn().Err(err).Msg("could not decode access token")
		return
	}
	s.claims = claims
}

func decode(token string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("parse access token: %w", err)
	}
	return claims, nil
}

// AccessToken returns the bearer token for API requests
func (s *Session) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accessToken
}

// UserID returns the signed-in user's id, or "" for anonymous sessions
func (s *Session) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.claims == nil {
		return ""
	}
	return s.claims.ID
}

// Authenticated reports whether the session identifies a user
func (s *Session) Authenticated() bool {
	return s.UserID() != ""
}

// ExpiresAt returns the access token expiry, if the token carries one
func (s *Session) ExpiresAt() (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.claims == nil || s.claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return s.claims.ExpiresAt.Time, true
}

// Refresh renews the token pair. On failure the session is cleared so the
// next bid attempt reports that authentication is required.
func (s *Session) Refresh(ctx context.Context) error {
	s.mu.RLock()
	refreshToken := s.refreshToken
	s.mu.RUnlock()

	if refreshToken == "" || s.refresher == nil {
		s.Clear()
		return ErrNoRefreshToken
	}

	access, refresh, err := s.refresher.RefreshTokens(ctx, refreshToken)
	if err != nil {
		s.Clear()
		return fmt.Errorf("refresh session: %w", err)
	}
	if refresh == "" {
		refresh = refreshToken
	}
	s.set(access, refresh)

	log.Debug().Str("user_id", s.UserID()).Msg("session refreshed")
	return nil
}

// Clear signs the user out
func (s *Session) Clear() {
	s.set("", "")
}
