package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"insightdash.io/internal/auth"
	"insightdash.io/internal/entitlement"
	"insightdash.io/internal/featuregate"
	"insightdash.io/internal/gate"
	"insightdash.io/internal/obs"
	"insightdash.io/internal/ratelimit"
	"insightdash.io/internal/rbac"
	"insightdash.io/internal/stream"
)

const serviceName = "insightdash-api"

// SessionManager is the session provider plus the sign-in surface.
type SessionManager interface {
	auth.Provider
	SignIn(ctx context.Context, jar auth.CookieJar, email, password string) (*auth.Session, error)
	SignOut(ctx context.Context, jar auth.CookieJar) error
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// Pinger is implemented by every store backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe checks the store. A nil Store is always ready.
type ReadyProbe struct {
	Store Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Store == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return rp.Store.Ping(ctx)
}

// Deps are the collaborators of the HTTP layer.
type Deps struct {
	Sessions      SessionManager
	Roles         *rbac.Resolver
	Entitlements  *entitlement.Registry
	Subscriptions entitlement.SubscriptionStore
	Catalog       *entitlement.Catalog
	Hub           *stream.Hub
	SignInLimiter ratelimit.Limiter
	Ready         ReadyProbe
	Version       string
	// WebhookSecret signs billing webhooks; empty disables the endpoint.
	WebhookSecret  string
	AllowedOrigins []string
	GateOptions    []gate.Option
	// Heartbeat is the SSE keep-alive interval.
	Heartbeat time.Duration
}

// API is the HTTP surface.
type API struct {
	mux   *http.ServeMux
	gate  *gate.Gate
	gates *featuregate.Gates
	deps  Deps
}

// New wires the routes. Sessions, Roles, Entitlements and Subscriptions are
// required.
func New(d Deps) (*API, error) {
	if d.Sessions == nil || d.Roles == nil || d.Entitlements == nil || d.Subscriptions == nil {
		return nil, errors.New("httpapi: sessions, roles, entitlements and subscriptions are required")
	}
	if d.Catalog == nil {
		d.Catalog = entitlement.DefaultCatalog()
	}
	if d.SignInLimiter == nil {
		d.SignInLimiter = ratelimit.NewMemory(10, 5)
	}
	if d.Heartbeat <= 0 {
		d.Heartbeat = 25 * time.Second
	}
	g, err := gate.New(d.Sessions, d.Roles, d.GateOptions...)
	if err != nil {
		return nil, err
	}
	a := &API{
		mux:  http.NewServeMux(),
		gate: g,
		deps: d,
	}
	a.gates = featuregate.New(a.entitlementsFor, d.Catalog)

	// ops
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.Handle("/metrics", obs.Handler())

	// auth
	a.mux.Handle("/api/auth/signin", RateLimit(http.HandlerFunc(a.handleSignIn), d.SignInLimiter, "signin"))
	a.mux.HandleFunc("/api/auth/signout", a.handleSignOut)
	a.mux.HandleFunc("/api/auth/session", a.handleSession)

	// subscription and entitlements
	a.mux.HandleFunc("/api/subscription", a.handleSubscription)
	a.mux.HandleFunc("/api/subscription/upgrade", a.handleUpgrade)
	a.mux.HandleFunc("/api/subscription/refresh", a.handleRefresh)
	a.mux.HandleFunc("/api/subscription/events", a.handleEvents)
	a.mux.HandleFunc("/api/entitlements/", a.handleEntitlement)
	a.mux.HandleFunc("/api/plans", a.handlePlans)

	// admin
	a.mux.HandleFunc("/api/admin/profiles", a.handleProfiles)
	a.mux.HandleFunc("/api/admin/profiles/", a.handleProfileRole)

	a.mux.HandleFunc("/api/webhooks/billing", a.handleBillingWebhook)

	a.registerPages()

	return a, nil
}

// Handler returns the full middleware chain around the mux.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.gate.Middleware(h)
	h = CORS(a.deps.AllowedOrigins)(h)
	h = gate.SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.deps.Version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.deps.Ready.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

// entitlementsFor resolves the signed-in caller's resolver. The gate has
// already attached the session on protected routes.
func (a *API) entitlementsFor(r *http.Request) (featuregate.Entitlements, error) {
	res, err := a.resolverFor(r)
	if err != nil {
		return nil, err
	}
	return res, nil
}

var errNoSession = errors.New("no session")

func (a *API) resolverFor(r *http.Request) (*entitlement.Resolver, error) {
	userID, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		return nil, errNoSession
	}
	return a.deps.Entitlements.Acquire(r.Context(), userID)
}
