package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

const testSecret = "test-secret-0123456789abcdef012345"

type fakeStore struct {
	mu      sync.Mutex
	creds   map[string]Credential
	tokens  map[string]RefreshToken
	failErr error
}

func newFakeStore(t *testing.T) *fakeStore {
	t.Helper()
	hash, err := HashPassword("correct horse")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	return &fakeStore{
		creds: map[string]Credential{
			"user-1": {UserID: "user-1", Email: "ana@example.com", PasswordHash: hash, Status: CredentialStatusActive},
			"user-2": {UserID: "user-2", Email: "off@example.com", PasswordHash: hash, Status: CredentialStatusDisabled},
		},
		tokens: map[string]RefreshToken{},
	}
}

func (s *fakeStore) FindCredentialByEmail(_ context.Context, email string) (Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return Credential{}, s.failErr
	}
	for _, c := range s.creds {
		if c.Email == email {
			return c, nil
		}
	}
	return Credential{}, ErrNotFound
}

func (s *fakeStore) FindCredential(_ context.Context, userID string) (Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[userID]
	if !ok {
		return Credential{}, ErrNotFound
	}
	return c, nil
}

func (s *fakeStore) CreateRefreshToken(_ context.Context, tok RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[tok.ID] = tok
	return nil
}

func (s *fakeStore) FindRefreshToken(_ context.Context, id string) (RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return RefreshToken{}, s.failErr
	}
	tok, ok := s.tokens[id]
	if !ok {
		return RefreshToken{}, ErrNotFound
	}
	return tok, nil
}

func (s *fakeStore) RevokeRefreshToken(_ context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[id]
	if !ok {
		return false, ErrNotFound
	}
	if tok.RevokedAt != nil {
		return false, nil
	}
	tok.RevokedAt = &at
	s.tokens[id] = tok
	return true, nil
}

func (s *fakeStore) RevokeUserRefreshTokens(_ context.Context, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, tok := range s.tokens {
		if tok.UserID == userID && tok.RevokedAt == nil {
			tok.RevokedAt = &at
			s.tokens[id] = tok
		}
	}
	return nil
}

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func newTestProvider(t *testing.T, store *fakeStore, c *clock) *TokenProvider {
	t.Helper()
	p, err := NewTokenProvider(store, store, testSecret,
		WithClock(c.Now),
		WithAccessTTL(time.Minute),
		WithRefreshTTL(time.Hour),
		WithSecureCookies(false),
	)
	if err != nil {
		t.Fatalf("NewTokenProvider: %v", err)
	}
	return p
}

// jarFrom builds a request jar carrying the cookies staged on another jar.
func jarFrom(staged []*http.Cookie) *RequestJar {
	req := httptest.NewRequest(http.MethodGet, "/dashboard", nil)
	for _, c := range staged {
		if c.MaxAge < 0 {
			continue
		}
		req.AddCookie(&http.Cookie{Name: c.Name, Value: c.Value})
	}
	return NewRequestJar(req)
}

func signIn(t *testing.T, p *TokenProvider) []*http.Cookie {
	t.Helper()
	jar := NewRequestJar(httptest.NewRequest(http.MethodPost, "/api/auth/signin", nil))
	sess, err := p.SignIn(context.Background(), jar, " Ana@Example.com ", "correct horse")
	if err != nil {
		t.Fatalf("SignIn: %v", err)
	}
	if sess.UserID != "user-1" || sess.Email != "ana@example.com" {
		t.Fatalf("unexpected session: %+v", sess)
	}
	if len(jar.Staged()) != 2 {
		t.Fatalf("expected access and refresh cookies, got %d", len(jar.Staged()))
	}
	return jar.Staged()
}

func TestGetSessionWithoutCookiesIsUnauthenticated(t *testing.T) {
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	p := newTestProvider(t, newFakeStore(t), c)

	jar := jarFrom(nil)
	sess, err := p.GetSession(context.Background(), jar)
	if err != nil || sess != nil {
		t.Fatalf("expected (nil, nil), got (%v, %v)", sess, err)
	}
	if len(jar.Staged()) != 0 {
		t.Fatalf("expected no cookie mutations")
	}
}

func TestGetSessionWithValidAccessToken(t *testing.T) {
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	store := newFakeStore(t)
	p := newTestProvider(t, store, c)
	cookies := signIn(t, p)

	jar := jarFrom(cookies)
	sess, err := p.GetSession(context.Background(), jar)
	if err != nil || sess == nil {
		t.Fatalf("expected session, got (%v, %v)", sess, err)
	}
	if sess.UserID != "user-1" {
		t.Fatalf("unexpected user: %s", sess.UserID)
	}
	if len(jar.Staged()) != 0 {
		t.Fatalf("valid access token should not rotate")
	}
}

func TestGetSessionRotatesExpiredAccessToken(t *testing.T) {
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	store := newFakeStore(t)
	p := newTestProvider(t, store, c)
	cookies := signIn(t, p)

	c.now = c.now.Add(2 * time.Minute)
	jar := jarFrom(cookies)
	sess, err := p.GetSession(context.Background(), jar)
	if err != nil || sess == nil {
		t.Fatalf("expected rotated session, got (%v, %v)", sess, err)
	}
	staged := jar.Staged()
	if len(staged) != 2 {
		t.Fatalf("expected rotated cookies to be staged, got %d", len(staged))
	}
	for _, ck := range staged {
		for _, old := range cookies {
			if ck.Name == old.Name && ck.Value == old.Value {
				t.Fatalf("cookie %s was not rotated", ck.Name)
			}
		}
	}

	// The rotated pair is usable.
	next, err := p.GetSession(context.Background(), jarFrom(staged))
	if err != nil || next == nil || next.UserID != "user-1" {
		t.Fatalf("rotated cookies rejected: (%v, %v)", next, err)
	}
}

func TestGetSessionReplayWithinReuseWindowIsIdempotent(t *testing.T) {
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	store := newFakeStore(t)
	p := newTestProvider(t, store, c)
	cookies := signIn(t, p)
	c.now = c.now.Add(2 * time.Minute)

	first, err := p.GetSession(context.Background(), jarFrom(cookies))
	if err != nil || first == nil {
		t.Fatalf("first rotation failed: (%v, %v)", first, err)
	}
	second, err := p.GetSession(context.Background(), jarFrom(cookies))
	if err != nil || second == nil {
		t.Fatalf("replay inside reuse window should succeed: (%v, %v)", second, err)
	}

	c.now = c.now.Add(time.Minute)
	third, err := p.GetSession(context.Background(), jarFrom(cookies))
	if err != nil || third != nil {
		t.Fatalf("replay after reuse window should be unauthenticated: (%v, %v)", third, err)
	}
}

func TestGetSessionRejectsTamperedRefreshToken(t *testing.T) {
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	store := newFakeStore(t)
	p := newTestProvider(t, store, c)
	cookies := signIn(t, p)
	c.now = c.now.Add(2 * time.Minute)

	var tampered []*http.Cookie
	for _, ck := range cookies {
		cp := *ck
		if cp.Name == RefreshCookie {
			cp.Value += "x"
		}
		tampered = append(tampered, &cp)
	}
	jar := jarFrom(tampered)
	sess, err := p.GetSession(context.Background(), jar)
	if err != nil || sess != nil {
		t.Fatalf("expected (nil, nil), got (%v, %v)", sess, err)
	}
	for _, ck := range jar.Staged() {
		if ck.MaxAge >= 0 {
			t.Fatalf("expected cookie %s to be cleared", ck.Name)
		}
	}
}

func TestGetSessionSurfacesStoreFailure(t *testing.T) {
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	store := newFakeStore(t)
	p := newTestProvider(t, store, c)
	cookies := signIn(t, p)
	c.now = c.now.Add(2 * time.Minute)

	store.failErr = errors.New("connection refused")
	sess, err := p.GetSession(context.Background(), jarFrom(cookies))
	if err == nil || sess != nil {
		t.Fatalf("expected provider error, got (%v, %v)", sess, err)
	}
}

func TestSignInRejectsBadCredentials(t *testing.T) {
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	p := newTestProvider(t, newFakeStore(t), c)
	cases := []struct{ email, password string }{
		{"ana@example.com", "wrong password"},
		{"nobody@example.com", "correct horse"},
		{"off@example.com", "correct horse"},
		{"", ""},
	}
	for _, tc := range cases {
		jar := jarFrom(nil)
		if _, err := p.SignIn(context.Background(), jar, tc.email, tc.password); !errors.Is(err, ErrInvalidCredentials) {
			t.Fatalf("SignIn(%q): expected ErrInvalidCredentials, got %v", tc.email, err)
		}
		if len(jar.Staged()) != 0 {
			t.Fatalf("failed sign-in must not stage cookies")
		}
	}
}

func TestSignOutRevokesRefreshToken(t *testing.T) {
	c := &clock{now: time.Unix(1_700_000_000, 0)}
	store := newFakeStore(t)
	p := newTestProvider(t, store, c)
	cookies := signIn(t, p)

	jar := jarFrom(cookies)
	if err := p.SignOut(context.Background(), jar); err != nil {
		t.Fatalf("SignOut: %v", err)
	}
	if _, ok := jar.Get(AccessCookie); ok {
		t.Fatalf("access cookie should be cleared")
	}

	c.now = c.now.Add(2 * time.Minute)
	sess, err := p.GetSession(context.Background(), jarFrom(cookies))
	if err != nil || sess != nil {
		t.Fatalf("signed-out refresh token must not produce a session: (%v, %v)", sess, err)
	}
}

func TestRequestJarApplyWritesSetCookie(t *testing.T) {
	jar := jarFrom(nil)
	jar.Set(sessionCookie(AccessCookie, "a", time.Now().Add(time.Minute), true))
	jar.Set(sessionCookie(AccessCookie, "b", time.Now().Add(time.Minute), true))
	rr := httptest.NewRecorder()
	jar.Apply(rr)
	got := rr.Result().Cookies()
	if len(got) != 1 || got[0].Value != "b" {
		t.Fatalf("expected a single replaced cookie, got %v", got)
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := ContextWithSession(context.Background(), &Session{UserID: "user-7"})
	id, ok := UserIDFromContext(ctx)
	if !ok || id != "user-7" {
		t.Fatalf("unexpected user id: %s, ok=%v", id, ok)
	}
	if _, ok := SessionFromContext(context.Background()); ok {
		t.Fatalf("expected no session on empty context")
	}
}
