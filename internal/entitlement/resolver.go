package entitlement

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"insightdash.io/internal/ids"
	"insightdash.io/internal/obs"
	"insightdash.io/internal/stream"
)

// Option configures a Resolver.
type Option func(*Resolver)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		if now != nil {
			r.now = now
		}
	}
}

// Resolver caches one user's entitlements. Queries read the installed
// snapshot; store calls run outside the lock.
type Resolver struct {
	userID string
	stores Stores
	now    func() time.Time

	mu        sync.RWMutex
	snap      Snapshot
	loaded    bool
	installed uint64
	issued    uint64
}

func NewResolver(userID string, stores Stores, opts ...Option) (*Resolver, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, errors.New("entitlement: user id is required")
	}
	if err := stores.validate(); err != nil {
		return nil, err
	}
	r := &Resolver{
		userID: userID,
		stores: stores,
		now:    func() time.Time { return time.Now().UTC() },
		snap:   NewSnapshot(nil, nil),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *Resolver) UserID() string { return r.userID }

// Snapshot returns the installed snapshot.
func (r *Resolver) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snap
}

// Loaded reports whether a refresh has ever succeeded.
func (r *Resolver) Loaded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loaded
}

func (r *Resolver) Plan() Plan { return r.Snapshot().Plan() }
func (r *Resolver) Subscription() *Subscription { return r.Snapshot().Subscription() }
func (r *Resolver) HasFeature(name string) bool { return r.Snapshot().HasFeature(name) }
func (r *Resolver) FeatureLimit(name string) (int, bool) { return r.Snapshot().FeatureLimit(name) }
func (r *Resolver) IsFeatureUnlimited(name string) bool { return r.Snapshot().IsFeatureUnlimited(name) }
func (r *Resolver) EffectiveLimit(name string) int { return r.Snapshot().EffectiveLimit(name) }

func (r *Resolver) ticket() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.issued++
	return r.issued
}

// Refresh reloads the subscription and its plan's features. On failure the
// previous snapshot stays installed. A refresh that finishes after a newer
// one has installed its result is discarded.
func (r *Resolver) Refresh(ctx context.Context) error {
	t := r.ticket()

	var sub *Subscription
	row, err := r.stores.Subscriptions.FindSubscription(ctx, r.userID)
	switch {
	case err == nil:
		sub = &row
	case errors.Is(err, ErrNotFound):
	default:
		obs.ObserveEntitlementRefresh("error")
		return fmt.Errorf("entitlement: load subscription: %w", err)
	}

	plan := DefaultPlan
	if sub != nil {
		plan = sub.Plan
	}
	rows, err := r.stores.Features.ListPlanFeatures(ctx, plan)
	if err != nil {
		obs.ObserveEntitlementRefresh("error")
		return fmt.Errorf("entitlement: load plan features: %w", err)
	}

	snap := NewSnapshot(sub, rows)
	r.mu.Lock()
	defer r.mu.Unlock()
	if t <= r.installed {
		obs.ObserveEntitlementRefresh("stale")
		return nil
	}
	r.snap = snap
	r.installed = t
	r.loaded = true
	obs.ObserveEntitlementRefresh("ok")
	return nil
}

// UpgradePlan validates raw, upserts an active subscription for a fresh
// one-month period and refreshes. Nothing is cached unless the store
// confirms the write.
func (r *Resolver) UpgradePlan(ctx context.Context, raw string) (Subscription, error) {
	plan, err := ParsePlan(raw)
	if err != nil {
		return Subscription{}, err
	}
	now := r.now()
	id := ids.NewAt(now)
	var companyID *string
	if cur := r.Subscription(); cur != nil {
		if cur.ID != "" {
			id = cur.ID
		}
		companyID = cur.CompanyID
	}
	saved, err := r.stores.Subscriptions.UpsertSubscription(ctx, Subscription{
		ID:          id,
		UserID:      r.userID,
		CompanyID:   companyID,
		Plan:        plan,
		Status:      StatusActive,
		PeriodStart: now,
		PeriodEnd:   now.AddDate(0, 1, 0),
		UpdatedAt:   now,
	})
	if err != nil {
		return Subscription{}, fmt.Errorf("entitlement: upsert subscription: %w", err)
	}
	if err := r.Refresh(ctx); err != nil {
		return saved, err
	}
	return saved, nil
}

// Usage returns the counter for feature in the current period, zero when no
// counter exists.
func (r *Resolver) Usage(ctx context.Context, feature string) (Usage, error) {
	now := r.now()
	if r.stores.Usage == nil {
		return Usage{UserID: r.userID, Feature: feature}, nil
	}
	u, err := r.stores.Usage.FindUsage(ctx, r.userID, feature, now)
	if errors.Is(err, ErrNotFound) {
		return Usage{UserID: r.userID, Feature: feature}, nil
	}
	if err != nil {
		return Usage{}, fmt.Errorf("entitlement: load usage: %w", err)
	}
	return u, nil
}

// Watch refreshes on every change for this user until ctx ends or changes
// closes. Bursts are coalesced into one refresh.
func (r *Resolver) Watch(ctx context.Context, changes <-chan stream.Change) {
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-changes:
			if !ok {
				return
			}
			if c.UserID != "" && c.UserID != r.userID {
				continue
			}
		drain:
			for {
				select {
				case _, ok := <-changes:
					if !ok {
						break drain
					}
				default:
					break drain
				}
			}
			if err := r.Refresh(ctx); err != nil && ctx.Err() == nil {
				obs.Logger().Warn("entitlement_refresh_failed",
					"user_id", r.userID,
					"table", c.Table,
					"error", err.Error(),
				)
			}
		}
	}
}

func sortedKeys(m map[string]PlanFeature) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
