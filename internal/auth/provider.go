package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	defaultAccessTTL     = 15 * time.Minute
	defaultRefreshTTL    = 14 * 24 * time.Hour
	defaultReuseInterval = 10 * time.Second
)

// Provider produces a session from request cookies.
//
// GetSession returns (nil, nil) when the caller is simply not signed in and a
// non-nil error only when the provider itself failed. It may stage cookie
// mutations on jar in either case.
type Provider interface {
	GetSession(ctx context.Context, jar CookieJar) (*Session, error)
}

// TokenProvider is the cookie session provider: a short-lived HS256 access
// token plus a rotating refresh token persisted in the store.
type TokenProvider struct {
	creds  CredentialStore
	tokens RefreshTokenStore
	signer signer

	accessTTL     time.Duration
	refreshTTL    time.Duration
	reuseInterval time.Duration
	secure        bool
	now           func() time.Time
}

var _ Provider = (*TokenProvider)(nil)

// ProviderOption configures a TokenProvider.
type ProviderOption func(*TokenProvider)

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) ProviderOption {
	return func(p *TokenProvider) {
		if issuer = strings.TrimSpace(issuer); issuer != "" {
			p.signer.issuer = issuer
		}
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) ProviderOption {
	return func(p *TokenProvider) {
		if ttl > 0 {
			p.accessTTL = ttl
		}
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) ProviderOption {
	return func(p *TokenProvider) {
		if ttl > 0 {
			p.refreshTTL = ttl
		}
	}
}

// WithReuseInterval sets how long a just-rotated refresh token may still be
// presented, so that concurrent requests carrying the old cookie all succeed.
func WithReuseInterval(d time.Duration) ProviderOption {
	return func(p *TokenProvider) {
		if d >= 0 {
			p.reuseInterval = d
		}
	}
}

// WithSecureCookies toggles the Secure attribute on session cookies.
func WithSecureCookies(secure bool) ProviderOption {
	return func(p *TokenProvider) { p.secure = secure }
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ProviderOption {
	return func(p *TokenProvider) {
		if fn != nil {
			p.now = fn
			p.signer.now = fn
		}
	}
}

// NewTokenProvider constructs a provider signing access tokens with secret.
func NewTokenProvider(creds CredentialStore, tokens RefreshTokenStore, secret string, opts ...ProviderOption) (*TokenProvider, error) {
	if creds == nil || tokens == nil {
		return nil, errors.New("auth: credential and refresh token stores are required")
	}
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("auth: token secret is required")
	}
	p := &TokenProvider{
		creds:         creds,
		tokens:        tokens,
		signer:        signer{secret: []byte(secret), issuer: "insightdash", now: time.Now},
		accessTTL:     defaultAccessTTL,
		refreshTTL:    defaultRefreshTTL,
		reuseInterval: defaultReuseInterval,
		secure:        true,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// GetSession validates the access cookie and, when it is missing or expired,
// rotates the refresh cookie into a new token pair.
func (p *TokenProvider) GetSession(ctx context.Context, jar CookieJar) (*Session, error) {
	access, hasAccess := jar.Get(AccessCookie)
	if hasAccess && access.Value != "" {
		if claims, err := p.signer.parse(access.Value); err == nil {
			refresh := ""
			if rc, ok := jar.Get(RefreshCookie); ok {
				refresh = rc.Value
			}
			return &Session{
				UserID:       claims.Subject,
				Email:        claims.Email,
				AccessToken:  access.Value,
				RefreshToken: refresh,
				ExpiresAt:    claims.ExpiresAt.Time,
			}, nil
		}
	}

	rc, ok := jar.Get(RefreshCookie)
	if !ok || rc.Value == "" {
		if hasAccess {
			p.clearCookies(jar)
		}
		return nil, nil
	}
	sess, err := p.rotate(ctx, jar, rc.Value, true)
	switch {
	case errors.Is(err, ErrInvalidToken):
		p.clearCookies(jar)
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("auth: refresh session: %w", err)
	}
	return sess, nil
}

// SignIn verifies credentials and stages a fresh session on jar.
func (p *TokenProvider) SignIn(ctx context.Context, jar CookieJar, email, password string) (*Session, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		return nil, ErrInvalidCredentials
	}
	cred, err := p.creds.FindCredentialByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if cred.Status != CredentialStatusActive {
		return nil, ErrInvalidCredentials
	}
	if err := VerifyPassword(cred.PasswordHash, password); err != nil {
		return nil, ErrInvalidCredentials
	}
	return p.mint(ctx, jar, cred)
}

// SignOut revokes the presented refresh token and clears the session cookies.
func (p *TokenProvider) SignOut(ctx context.Context, jar CookieJar) error {
	defer p.clearCookies(jar)
	rc, ok := jar.Get(RefreshCookie)
	if !ok {
		return nil
	}
	id, _, err := splitRefreshToken(rc.Value)
	if err != nil {
		return nil
	}
	if _, err := p.tokens.RevokeRefreshToken(ctx, id, p.now().UTC()); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

func (p *TokenProvider) rotate(ctx context.Context, jar CookieJar, raw string, retry bool) (*Session, error) {
	id, secret, err := splitRefreshToken(raw)
	if err != nil {
		return nil, ErrInvalidToken
	}
	rec, err := p.tokens.FindRefreshToken(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	now := p.now().UTC()
	if !now.Before(rec.ExpiresAt) {
		return nil, ErrInvalidToken
	}
	if !secureCompareHash(rec.TokenHash, secret) {
		_, _ = p.tokens.RevokeRefreshToken(ctx, rec.ID, now)
		return nil, ErrInvalidToken
	}
	if rec.Revoked() {
		if now.Sub(*rec.RevokedAt) > p.reuseInterval {
			return nil, ErrInvalidToken
		}
	} else {
		revoked, err := p.tokens.RevokeRefreshToken(ctx, rec.ID, now)
		if err != nil {
			return nil, err
		}
		if !revoked {
			// Lost a race with a concurrent rotation; re-read once to apply the reuse window.
			if !retry {
				return nil, ErrInvalidToken
			}
			return p.rotate(ctx, jar, raw, false)
		}
	}

	cred, err := p.creds.FindCredential(ctx, rec.UserID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrInvalidToken
		}
		return nil, err
	}
	if cred.Status != CredentialStatusActive {
		return nil, ErrInvalidToken
	}
	return p.mint(ctx, jar, cred)
}

func (p *TokenProvider) mint(ctx context.Context, jar CookieJar, cred Credential) (*Session, error) {
	now := p.now().UTC()
	access, accessExp, err := p.signer.sign(cred.UserID, cred.Email, p.accessTTL)
	if err != nil {
		return nil, err
	}
	refresh, rec, err := newRefreshToken(cred.UserID, now, p.refreshTTL)
	if err != nil {
		return nil, err
	}
	if err := p.tokens.CreateRefreshToken(ctx, rec); err != nil {
		return nil, err
	}
	jar.Set(sessionCookie(AccessCookie, access, accessExp, p.secure))
	jar.Set(sessionCookie(RefreshCookie, refresh, rec.ExpiresAt, p.secure))
	return &Session{
		UserID:       cred.UserID,
		Email:        cred.Email,
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    accessExp,
	}, nil
}

func (p *TokenProvider) clearCookies(jar CookieJar) {
	jar.Set(expiredCookie(AccessCookie, p.secure))
	jar.Set(expiredCookie(RefreshCookie, p.secure))
}
