package entitlement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"insightdash.io/internal/stream"
)

type stubStores struct {
	mu        sync.Mutex
	subs      map[string]Subscription
	catalog   *Catalog
	usage     map[string]Usage
	findErr   error
	upsertErr error
	upserts   int
	finds     int
}

func newStubStores() *stubStores {
	return &stubStores{
		subs:    make(map[string]Subscription),
		catalog: DefaultCatalog(),
		usage:   make(map[string]Usage),
	}
}

func (s *stubStores) FindSubscription(_ context.Context, userID string) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finds++
	if s.findErr != nil {
		return Subscription{}, s.findErr
	}
	sub, ok := s.subs[userID]
	if !ok {
		return Subscription{}, ErrNotFound
	}
	return sub, nil
}

func (s *stubStores) UpsertSubscription(_ context.Context, sub Subscription) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserts++
	if s.upsertErr != nil {
		return Subscription{}, s.upsertErr
	}
	s.subs[sub.UserID] = sub
	return sub, nil
}

func (s *stubStores) ListPlanFeatures(_ context.Context, plan Plan) ([]PlanFeature, error) {
	return s.catalog.Features(plan), nil
}

func (s *stubStores) FindUsage(_ context.Context, userID, feature string, at time.Time) (Usage, error) {
	u, ok := s.usage[userID+"/"+feature]
	if !ok || at.Before(u.PeriodStart) || !at.Before(u.PeriodEnd) {
		return Usage{}, ErrNotFound
	}
	return u, nil
}

func (s *stubStores) stores() Stores {
	return Stores{Subscriptions: s, Features: s, Usage: s}
}

var fixedNow = time.Date(2026, 1, 31, 12, 0, 0, 0, time.UTC)

func newResolver(t *testing.T, s *stubStores) *Resolver {
	t.Helper()
	r, err := NewResolver("user-1", s.stores(), WithClock(func() time.Time { return fixedNow }))
	require.NoError(t, err)
	return r
}

func TestParsePlan(t *testing.T) {
	p, err := ParsePlan(" Scale ")
	require.NoError(t, err)
	assert.Equal(t, PlanScale, p)

	for _, raw := range []string{"", "invalid", "professional"} {
		_, err := ParsePlan(raw)
		assert.ErrorIs(t, err, ErrInvalidPlan, raw)
	}
}

func TestCatalogRequiredPlan(t *testing.T) {
	c := DefaultCatalog()
	cases := map[string]Plan{
		"dashboards":      PlanStarter,
		"api_access":      PlanGrowth,
		"custom_branding": PlanScale,
		"sso":             PlanEnterprise,
	}
	for feature, want := range cases {
		got, ok := c.RequiredPlan(feature)
		require.True(t, ok, feature)
		assert.Equal(t, want, got, feature)
	}
	_, ok := c.RequiredPlan("teleportation")
	assert.False(t, ok)
}

func TestParseCatalogRejectsBrokenInput(t *testing.T) {
	_, err := ParseCatalog([]byte("plans:\n  - name: professional\n"))
	assert.ErrorIs(t, err, ErrInvalidPlan)

	_, err = ParseCatalog([]byte("plans:\n  - name: starter\n"))
	assert.Error(t, err, "missing plans must be rejected")

	_, err = ParseCatalog([]byte("plans:\n  - name: starter\n    features:\n      - {name: a}\n      - {name: a}\n"))
	assert.Error(t, err, "duplicate features must be rejected")
}

func TestSnapshotIsPureAndDefaultsToStarter(t *testing.T) {
	rows := DefaultCatalog().All()
	absent := NewSnapshot(nil, rows)
	starter := NewSnapshot(&Subscription{Plan: PlanStarter}, rows)

	for _, f := range DefaultCatalog().All() {
		assert.Equal(t, starter.HasFeature(f.Name), absent.HasFeature(f.Name), f.Name)
		assert.Equal(t, starter.HasFeature(f.Name), NewSnapshot(&Subscription{Plan: PlanStarter}, rows).HasFeature(f.Name))
	}
	assert.Equal(t, PlanStarter, absent.Plan())
	assert.Nil(t, absent.Subscription())
	assert.True(t, absent.HasFeature("dashboards"))
	assert.False(t, absent.HasFeature("api_access"))
}

func TestSnapshotLimits(t *testing.T) {
	rows := DefaultCatalog().All()

	growth := NewSnapshot(&Subscription{Plan: PlanGrowth}, rows)
	limit, ok := growth.FeatureLimit("dashboards")
	assert.True(t, ok)
	assert.Equal(t, 20, limit)
	assert.False(t, growth.IsFeatureUnlimited("dashboards"))
	assert.Equal(t, 20, growth.EffectiveLimit("dashboards"))

	_, ok = growth.FeatureLimit("api_access")
	assert.False(t, ok, "unmetered feature has no numeric limit")
	assert.Equal(t, Unlimited, growth.EffectiveLimit("api_access"))
	assert.Equal(t, 0, growth.EffectiveLimit("sso"))

	scale := NewSnapshot(&Subscription{Plan: PlanScale}, rows)
	_, ok = scale.FeatureLimit("dashboards")
	assert.False(t, ok)
	assert.True(t, scale.IsFeatureUnlimited("dashboards"))
	assert.Equal(t, Unlimited, scale.EffectiveLimit("dashboards"))
}

func TestUnlimitedOverridesNumericLimit(t *testing.T) {
	five := 5
	snap := NewSnapshot(nil, []PlanFeature{{Plan: PlanStarter, Name: "x", Limit: &five, Unlimited: true}})
	_, ok := snap.FeatureLimit("x")
	assert.False(t, ok)
	assert.Equal(t, Unlimited, snap.EffectiveLimit("x"))
}

func TestRefreshWithoutSubscriptionUsesStarter(t *testing.T) {
	s := newStubStores()
	r := newResolver(t, s)
	require.NoError(t, r.Refresh(context.Background()))

	assert.True(t, r.Loaded())
	assert.Equal(t, PlanStarter, r.Plan())
	assert.Nil(t, r.Subscription())
	assert.False(t, r.HasFeature("api_access"))
}

func TestUpgradeInvalidPlanNeverTouchesStore(t *testing.T) {
	s := newStubStores()
	r := newResolver(t, s)

	_, err := r.UpgradePlan(context.Background(), "invalid")
	assert.ErrorIs(t, err, ErrInvalidPlan)
	assert.Zero(t, s.upserts)
	assert.Zero(t, s.finds)
}

func TestUpgradeThenRefreshReflectsNewPlan(t *testing.T) {
	s := newStubStores()
	r := newResolver(t, s)
	require.NoError(t, r.Refresh(context.Background()))
	require.False(t, r.HasFeature("custom_branding"))

	sub, err := r.UpgradePlan(context.Background(), "scale")
	require.NoError(t, err)
	require.NoError(t, r.Refresh(context.Background()))

	assert.Equal(t, PlanScale, sub.Plan)
	assert.Equal(t, StatusActive, sub.Status)
	assert.Equal(t, fixedNow, sub.PeriodStart)
	assert.Equal(t, time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC), sub.PeriodEnd)
	assert.True(t, sub.InPeriod(fixedNow))
	assert.False(t, sub.InPeriod(sub.PeriodEnd))

	assert.Equal(t, PlanScale, r.Plan())
	for _, f := range DefaultCatalog().Features(PlanScale) {
		assert.True(t, r.HasFeature(f.Name), f.Name)
	}
	assert.False(t, r.HasFeature("sso"))
	assert.Equal(t, 1, s.upserts)
}

func TestUpgradeKeepsSubscriptionID(t *testing.T) {
	s := newStubStores()
	r := newResolver(t, s)
	first, err := r.UpgradePlan(context.Background(), "growth")
	require.NoError(t, err)
	second, err := r.UpgradePlan(context.Background(), "enterprise")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestUpgradeKeepsCompany(t *testing.T) {
	s := newStubStores()
	acme := "acme"
	s.subs["user-1"] = Subscription{ID: "sub-1", UserID: "user-1", CompanyID: &acme, Plan: PlanGrowth, Status: StatusActive}
	r := newResolver(t, s)
	require.NoError(t, r.Refresh(context.Background()))

	sub, err := r.UpgradePlan(context.Background(), "scale")
	require.NoError(t, err)
	require.NotNil(t, sub.CompanyID)
	assert.Equal(t, "acme", *sub.CompanyID)
	require.NotNil(t, s.subs["user-1"].CompanyID)
	assert.Equal(t, "acme", *s.subs["user-1"].CompanyID)
}

func TestFailedUpgradeLeavesCachedStateUntouched(t *testing.T) {
	s := newStubStores()
	s.subs["user-1"] = Subscription{ID: "sub-1", UserID: "user-1", Plan: PlanGrowth, Status: StatusActive}
	r := newResolver(t, s)
	require.NoError(t, r.Refresh(context.Background()))
	before := r.Snapshot()

	s.upsertErr = errors.New("connection refused")
	_, err := r.UpgradePlan(context.Background(), "enterprise")
	require.Error(t, err)

	assert.Equal(t, before, r.Snapshot())
	assert.Equal(t, PlanGrowth, r.Plan())
	assert.False(t, r.HasFeature("sso"))
}

func TestRefreshFailureKeepsLastKnownGood(t *testing.T) {
	s := newStubStores()
	s.subs["user-1"] = Subscription{UserID: "user-1", Plan: PlanScale}
	r := newResolver(t, s)
	require.NoError(t, r.Refresh(context.Background()))

	s.findErr = errors.New("timeout")
	require.Error(t, r.Refresh(context.Background()))
	assert.Equal(t, PlanScale, r.Plan())
	assert.True(t, r.HasFeature("custom_branding"))
}

type blockingSubs struct {
	*stubStores
	once    sync.Once
	entered chan struct{}
	hold    chan struct{}
}

func (b *blockingSubs) FindSubscription(ctx context.Context, userID string) (Subscription, error) {
	sub, err := b.stubStores.FindSubscription(ctx, userID)
	first := false
	b.once.Do(func() { first = true })
	if first {
		close(b.entered)
		<-b.hold
	}
	return sub, err
}

func TestStaleRefreshIsDiscarded(t *testing.T) {
	s := newStubStores()
	b := &blockingSubs{stubStores: s, entered: make(chan struct{}), hold: make(chan struct{})}
	r, err := NewResolver("user-1", Stores{Subscriptions: b, Features: s, Usage: s}, WithClock(func() time.Time { return fixedNow }))
	require.NoError(t, err)

	slow := make(chan error, 1)
	go func() { slow <- r.Refresh(context.Background()) }()
	<-b.entered

	_, err = r.UpgradePlan(context.Background(), "scale")
	require.NoError(t, err)
	require.Equal(t, PlanScale, r.Plan())

	close(b.hold)
	require.NoError(t, <-slow)
	assert.Equal(t, PlanScale, r.Plan(), "refresh started before the upgrade must not win")
}

func TestUsage(t *testing.T) {
	s := newStubStores()
	s.usage["user-1/reports"] = Usage{
		UserID:      "user-1",
		Feature:     "reports",
		Count:       7,
		PeriodStart: fixedNow.Add(-time.Hour),
		PeriodEnd:   fixedNow.Add(time.Hour),
	}
	r := newResolver(t, s)

	u, err := r.Usage(context.Background(), "reports")
	require.NoError(t, err)
	assert.Equal(t, 7, u.Count)

	u, err = r.Usage(context.Background(), "dashboards")
	require.NoError(t, err)
	assert.Zero(t, u.Count)
}

func TestWatchRefreshesOnChange(t *testing.T) {
	s := newStubStores()
	r := newResolver(t, s)
	require.NoError(t, r.Refresh(context.Background()))

	hub := stream.New(4)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes := hub.Subscribe(ctx, "user-1")
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Watch(ctx, changes)
	}()

	s.mu.Lock()
	s.subs["user-1"] = Subscription{UserID: "user-1", Plan: PlanEnterprise, Status: StatusActive}
	s.mu.Unlock()
	hub.Publish(stream.Change{UserID: "user-1", Table: stream.TableSubscriptions})

	assert.Eventually(t, func() bool { return r.Plan() == PlanEnterprise }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestRegistryLifecycle(t *testing.T) {
	s := newStubStores()
	hub := stream.New(4)
	reg, err := NewRegistry(s.stores(), hub)
	require.NoError(t, err)

	r1, err := reg.Acquire(context.Background(), "user-1")
	require.NoError(t, err)
	r2, err := reg.Acquire(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Same(t, r1, r2)
	assert.Equal(t, 1, reg.Len())
	assert.Equal(t, 1, hub.Subscribers())

	reg.Release("user-1")
	_, ok := reg.Lookup("user-1")
	assert.False(t, ok)
	assert.Eventually(t, func() bool { return hub.Subscribers() == 0 }, time.Second, 5*time.Millisecond)
}

func TestRegistryDoesNotKeepFailedResolver(t *testing.T) {
	s := newStubStores()
	s.findErr = errors.New("down")
	reg, err := NewRegistry(s.stores(), nil)
	require.NoError(t, err)

	_, err = reg.Acquire(context.Background(), "user-1")
	require.Error(t, err)
	assert.Zero(t, reg.Len())
}

// racingSubs lands a plan change, with its notification, while the first
// load is still in flight.
type racingSubs struct {
	*stubStores
	hub  *stream.Hub
	once sync.Once
}

func (r *racingSubs) FindSubscription(ctx context.Context, userID string) (Subscription, error) {
	sub, err := r.stubStores.FindSubscription(ctx, userID)
	r.once.Do(func() {
		r.mu.Lock()
		r.subs[userID] = Subscription{UserID: userID, Plan: PlanEnterprise, Status: StatusActive}
		r.mu.Unlock()
		r.hub.Publish(stream.Change{UserID: userID, Table: stream.TableSubscriptions})
	})
	return sub, err
}

func TestRegistryCatchesChangeDuringFirstLoad(t *testing.T) {
	s := newStubStores()
	hub := stream.New(4)
	racing := &racingSubs{stubStores: s, hub: hub}
	reg, err := NewRegistry(Stores{Subscriptions: racing, Features: s, Usage: s}, hub)
	require.NoError(t, err)
	defer reg.Close()

	r, err := reg.Acquire(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return r.Plan() == PlanEnterprise }, time.Second, 5*time.Millisecond)
}

func TestRegistryFailedLoadDropsSubscription(t *testing.T) {
	s := newStubStores()
	s.findErr = errors.New("down")
	hub := stream.New(4)
	reg, err := NewRegistry(s.stores(), hub)
	require.NoError(t, err)

	_, err = reg.Acquire(context.Background(), "user-1")
	require.Error(t, err)
	assert.Eventually(t, func() bool { return hub.Subscribers() == 0 }, time.Second, 5*time.Millisecond)
}

func TestRegistryEvictsIdleResolvers(t *testing.T) {
	s := newStubStores()
	hub := stream.New(4)
	reg, err := NewRegistry(s.stores(), hub)
	require.NoError(t, err)
	defer reg.Close()

	now := fixedNow
	reg.now = func() time.Time { return now }

	_, err = reg.Acquire(context.Background(), "user-1")
	require.NoError(t, err)
	_, err = reg.Acquire(context.Background(), "user-2")
	require.NoError(t, err)

	now = now.Add(20 * time.Minute)
	_, ok := reg.Lookup("user-2")
	require.True(t, ok)

	now = now.Add(15 * time.Minute)
	assert.Equal(t, 1, reg.EvictIdle(30*time.Minute))
	_, ok = reg.Lookup("user-1")
	assert.False(t, ok)
	_, ok = reg.Lookup("user-2")
	assert.True(t, ok)
	assert.Equal(t, 1, reg.Len())
	assert.Eventually(t, func() bool { return hub.Subscribers() == 1 }, time.Second, 5*time.Millisecond)

	assert.Zero(t, reg.EvictIdle(30*time.Minute))
}

func TestCatalogUpgradeTarget(t *testing.T) {
	c := DefaultCatalog()

	p, ok := c.UpgradeTarget("dashboards", PlanStarter)
	require.True(t, ok)
	assert.Equal(t, PlanGrowth, p)

	p, ok = c.UpgradeTarget("data_sources", PlanScale)
	require.True(t, ok)
	assert.Equal(t, PlanEnterprise, p)

	_, ok = c.UpgradeTarget("dashboards", PlanScale)
	assert.False(t, ok, "already unlimited")

	p, ok = c.UpgradeTarget("sso", PlanGrowth)
	require.True(t, ok)
	assert.Equal(t, PlanEnterprise, p)
}
