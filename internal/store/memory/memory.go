// Package memory is an in-process implementation of every repository,
// used for local development and tests.
package memory

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"insightdash.io/internal/auth"
	"insightdash.io/internal/entitlement"
	"insightdash.io/internal/ids"
	"insightdash.io/internal/rbac"
	"insightdash.io/internal/stream"
)

var (
	_ rbac.ProfileStore             = (*Store)(nil)
	_ entitlement.SubscriptionStore = (*Store)(nil)
	_ entitlement.PlanFeatureStore  = (*Store)(nil)
	_ entitlement.UsageStore        = (*Store)(nil)
	_ auth.CredentialStore          = (*Store)(nil)
	_ auth.RefreshTokenStore        = (*Store)(nil)
)

// Option configures Store.
type Option func(*Store)

// WithNotifier receives a change after every subscription or profile write,
// mirroring the database trigger.
func WithNotifier(fn func(stream.Change)) Option {
	return func(s *Store) { s.notify = fn }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Store keeps all rows in maps guarded by one mutex.
type Store struct {
	mu            sync.RWMutex
	now           func() time.Time
	notify        func(stream.Change)
	profiles      map[string]rbac.Profile
	credentials   map[string]auth.Credential
	subscriptions map[string]entitlement.Subscription
	features      map[entitlement.Plan][]entitlement.PlanFeature
	usage         map[string][]entitlement.Usage
	tokens        map[string]auth.RefreshToken
}

// New returns a store whose plan features are seeded from catalog.
func New(catalog *entitlement.Catalog, opts ...Option) *Store {
	s := &Store{
		now:           func() time.Time { return time.Now().UTC() },
		profiles:      make(map[string]rbac.Profile),
		credentials:   make(map[string]auth.Credential),
		subscriptions: make(map[string]entitlement.Subscription),
		features:      make(map[entitlement.Plan][]entitlement.PlanFeature),
		usage:         make(map[string][]entitlement.Usage),
		tokens:        make(map[string]auth.RefreshToken),
	}
	for _, opt := range opts {
		opt(s)
	}
	if catalog != nil {
		for _, p := range entitlement.Plans {
			s.features[p] = catalog.Features(p)
		}
	}
	return s
}

func (s *Store) publish(userID, table string) {
	if s.notify != nil {
		s.notify(stream.Change{UserID: userID, Table: table, At: s.now()})
	}
}

// CreateUser adds a credential and a profile for a new user.
func (s *Store) CreateUser(_ context.Context, email, passwordHash string, role rbac.Role) (rbac.Profile, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || passwordHash == "" {
		return rbac.Profile{}, auth.ErrInvalidInput
	}
	if _, err := rbac.ParseRole(string(role)); err != nil {
		return rbac.Profile{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.credentials {
		if c.Email == email {
			return rbac.Profile{}, errors.New("memory: email already registered")
		}
	}
	now := s.now()
	id := ids.NewAt(now)
	s.credentials[id] = auth.Credential{
		UserID:       id,
		Email:        email,
		PasswordHash: passwordHash,
		Status:       auth.CredentialStatusActive,
		CreatedAt:    now,
	}
	p := rbac.Profile{UserID: id, Email: email, Role: role, CreatedAt: now, UpdatedAt: now}
	s.profiles[id] = p
	return p, nil
}

// SetCompany assigns a profile to a company.
func (s *Store) SetCompany(userID string, companyID *string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.profiles[userID]; ok {
		p.CompanyID = companyID
		s.profiles[userID] = p
	}
}

// SetUsage replaces the counter of a feature for its period.
func (s *Store) SetUsage(u entitlement.Usage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := u.UserID + "/" + u.Feature
	rows := s.usage[key]
	for i := range rows {
		if rows[i].PeriodStart.Equal(u.PeriodStart) {
			rows[i] = u
			return
		}
	}
	s.usage[key] = append(rows, u)
}

func (s *Store) FindProfile(_ context.Context, userID string) (rbac.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[userID]
	if !ok {
		return rbac.Profile{}, rbac.ErrNotFound
	}
	return p, nil
}

func (s *Store) ListProfiles(_ context.Context, companyID *string) ([]rbac.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]rbac.Profile, 0, len(s.profiles))
	for _, p := range s.profiles {
		if companyID != nil && (p.CompanyID == nil || *p.CompanyID != *companyID) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out, nil
}

func (s *Store) UpdateProfileRole(_ context.Context, userID string, role rbac.Role) (rbac.Profile, error) {
	s.mu.Lock()
	p, ok := s.profiles[userID]
	if !ok {
		s.mu.Unlock()
		return rbac.Profile{}, rbac.ErrNotFound
	}
	p.Role = role
	p.UpdatedAt = s.now()
	s.profiles[userID] = p
	s.mu.Unlock()
	s.publish(userID, stream.TableProfiles)
	return p, nil
}

func (s *Store) FindSubscription(_ context.Context, userID string) (entitlement.Subscription, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subscriptions[userID]
	if !ok {
		return entitlement.Subscription{}, entitlement.ErrNotFound
	}
	return sub, nil
}

// UpsertSubscription creates or replaces the user's row, keeping the ID of
// an existing row.
func (s *Store) UpsertSubscription(_ context.Context, sub entitlement.Subscription) (entitlement.Subscription, error) {
	if sub.UserID == "" {
		return entitlement.Subscription{}, entitlement.ErrNotFound
	}
	s.mu.Lock()
	if cur, ok := s.subscriptions[sub.UserID]; ok {
		sub.ID = cur.ID
		if sub.CompanyID == nil {
			sub.CompanyID = cur.CompanyID
		}
	}
	if sub.ID == "" {
		sub.ID = ids.NewAt(s.now())
	}
	sub.UpdatedAt = s.now()
	s.subscriptions[sub.UserID] = sub
	s.mu.Unlock()
	s.publish(sub.UserID, stream.TableSubscriptions)
	return sub, nil
}

func (s *Store) ListPlanFeatures(_ context.Context, plan entitlement.Plan) ([]entitlement.PlanFeature, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.features[plan]
	out := make([]entitlement.PlanFeature, len(rows))
	copy(out, rows)
	return out, nil
}

func (s *Store) FindUsage(_ context.Context, userID, feature string, at time.Time) (entitlement.Usage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.usage[userID+"/"+feature] {
		if !at.Before(u.PeriodStart) && at.Before(u.PeriodEnd) {
			return u, nil
		}
	}
	return entitlement.Usage{}, entitlement.ErrNotFound
}

func (s *Store) FindCredentialByEmail(_ context.Context, email string) (auth.Credential, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.credentials {
		if c.Email == email {
			return c, nil
		}
	}
	return auth.Credential{}, auth.ErrNotFound
}

func (s *Store) FindCredential(_ context.Context, userID string) (auth.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.credentials[userID]
	if !ok {
		return auth.Credential{}, auth.ErrNotFound
	}
	return c, nil
}

func (s *Store) CreateRefreshToken(_ context.Context, tok auth.RefreshToken) error {
	if tok.ID == "" || tok.UserID == "" {
		return auth.ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[tok.ID] = tok
	return nil
}

func (s *Store) FindRefreshToken(_ context.Context, id string) (auth.RefreshToken, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tok, ok := s.tokens[id]
	if !ok {
		return auth.RefreshToken{}, auth.ErrNotFound
	}
	return tok, nil
}

func (s *Store) RevokeRefreshToken(_ context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[id]
	if !ok {
		return false, auth.ErrNotFound
	}
	if tok.RevokedAt != nil {
		return false, nil
	}
	tok.RevokedAt = &at
	s.tokens[id] = tok
	return true, nil
}

func (s *Store) RevokeUserRefreshTokens(_ context.Context, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, tok := range s.tokens {
		if tok.UserID == userID && tok.RevokedAt == nil {
			revoked := at
			tok.RevokedAt = &revoked
			s.tokens[id] = tok
		}
	}
	return nil
}

// Ping always succeeds; it lets the store stand in for the database in
// readiness checks.
func (s *Store) Ping(context.Context) error { return nil }
