package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"insightdash.io/internal/auth"
)

func (s *Store) findCredential(ctx context.Context, where string, arg any) (auth.Credential, error) {
	if s.db == nil {
		return auth.Credential{}, errNoDB
	}
	var c auth.Credential
	err := s.db.QueryRowContext(ctx, `
		select user_id, email, password_hash, status, created_at
		from auth_credentials
		where `+where+` = $1
	`, arg).Scan(&c.UserID, &c.Email, &c.PasswordHash, &c.Status, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Credential{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.Credential{}, err
	}
	return c, nil
}

func (s *Store) FindCredentialByEmail(ctx context.Context, email string) (auth.Credential, error) {
	return s.findCredential(ctx, "email", strings.ToLower(strings.TrimSpace(email)))
}

func (s *Store) FindCredential(ctx context.Context, userID string) (auth.Credential, error) {
	return s.findCredential(ctx, "user_id", userID)
}

func (s *Store) CreateRefreshToken(ctx context.Context, tok auth.RefreshToken) error {
	if s.db == nil {
		return errNoDB
	}
	_, err := s.db.ExecContext(ctx, `
		insert into auth_refresh_tokens (id, user_id, token_hash, expires_at, created_at)
		values ($1, $2, $3, $4, $5)
	`, tok.ID, tok.UserID, tok.TokenHash, tok.ExpiresAt, tok.CreatedAt)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
		return auth.ErrNotFound
	}
	return err
}

func (s *Store) FindRefreshToken(ctx context.Context, id string) (auth.RefreshToken, error) {
	if s.db == nil {
		return auth.RefreshToken{}, errNoDB
	}
	var (
		tok     auth.RefreshToken
		revoked sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		select id, user_id, token_hash, expires_at, created_at, revoked_at
		from auth_refresh_tokens
		where id = $1
	`, id).Scan(&tok.ID, &tok.UserID, &tok.TokenHash, &tok.ExpiresAt, &tok.CreatedAt, &revoked)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.RefreshToken{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.RefreshToken{}, err
	}
	if revoked.Valid {
		at := revoked.Time
		tok.RevokedAt = &at
	}
	return tok, nil
}

// RevokeRefreshToken only touches an active token, so concurrent rotations
// of the same token see exactly one winner.
func (s *Store) RevokeRefreshToken(ctx context.Context, id string, at time.Time) (bool, error) {
	if s.db == nil {
		return false, errNoDB
	}
	res, err := s.db.ExecContext(ctx, `
		update auth_refresh_tokens
		set revoked_at = $2
		where id = $1 and revoked_at is null
	`, id, at)
	if err != nil {
		return false, err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return aff == 1, nil
}

func (s *Store) RevokeUserRefreshTokens(ctx context.Context, userID string, at time.Time) error {
	if s.db == nil {
		return errNoDB
	}
	_, err := s.db.ExecContext(ctx, `
		update auth_refresh_tokens
		set revoked_at = $2
		where user_id = $1 and revoked_at is null
	`, userID, at)
	return err
}
