package auth

import (
	"context"
	"time"
)

const (
	CredentialStatusActive   = "active"
	CredentialStatusDisabled = "disabled"
)

// Session is a verified, time-bounded proof of authentication.
type Session struct {
	UserID       string    `json:"user_id"`
	Email        string    `json:"email"`
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Expired reports whether the access part of the session is no longer valid at now.
func (s *Session) Expired(now time.Time) bool {
	return s == nil || !now.Before(s.ExpiresAt)
}

// Credential is the sign-in record of a user.
type Credential struct {
	UserID       string
	Email        string
	PasswordHash string
	Status       string
	CreatedAt    time.Time
}

// RefreshToken is the persisted half of a refresh token; the secret itself
// is only stored as a SHA-256 hash.
type RefreshToken struct {
	ID        string
	UserID    string
	TokenHash string
	ExpiresAt time.Time
	CreatedAt time.Time
	RevokedAt *time.Time
}

// Revoked reports whether the token was rotated or signed out.
func (t RefreshToken) Revoked() bool { return t.RevokedAt != nil }

// CredentialStore looks up sign-in records.
type CredentialStore interface {
	FindCredentialByEmail(ctx context.Context, email string) (Credential, error)
	FindCredential(ctx context.Context, userID string) (Credential, error)
}

// RefreshTokenStore manages refresh token lifecycle.
type RefreshTokenStore interface {
	CreateRefreshToken(ctx context.Context, tok RefreshToken) error
	FindRefreshToken(ctx context.Context, id string) (RefreshToken, error)
	// RevokeRefreshToken marks an active token revoked at the given time and
	// reports whether this call performed the revocation.
	RevokeRefreshToken(ctx context.Context, id string, at time.Time) (bool, error)
	RevokeUserRefreshTokens(ctx context.Context, userID string, at time.Time) error
}
