// Package gate is the request-time interceptor that decides whether a
// request may reach its handler.
package gate

import (
	"context"
	"errors"
	"net/http"

	"insightdash.io/internal/auth"
	"insightdash.io/internal/obs"
	"insightdash.io/internal/routes"
)

// Outcome is the terminal state of one evaluation.
type Outcome int

const (
	Allow Outcome = iota
	Redirect
	Deny
	Error
)

func (o Outcome) String() string {
	switch o {
	case Allow:
		return "allow"
	case Redirect:
		return "redirect"
	case Deny:
		return "deny"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// DefaultSignInPath is where unauthenticated page requests are sent.
const DefaultSignInPath = "/auth?mode=signin"

var deniedBody = []byte(`{"error":"Insufficient permissions"}`)

// Decision is the result of Evaluate. Session is set on Allow for
// protected and admin routes.
type Decision struct {
	Outcome Outcome
	Class   routes.Class
	Session *auth.Session
	Err     error
}

// RoleChecker answers whether a user may reach admin-only routes. A missing
// profile is a denial, not an error.
type RoleChecker interface {
	AllowsAdmin(ctx context.Context, userID string) (bool, error)
}

// Option configures a Gate.
type Option func(*Gate)

// WithTable replaces the route table.
func WithTable(t *routes.Table) Option {
	return func(g *Gate) {
		if t != nil {
			g.table = t
		}
	}
}

// WithSignInPath overrides the redirect target.
func WithSignInPath(path string) Option {
	return func(g *Gate) {
		if path != "" {
			g.signIn = path
		}
	}
}

// Gate holds no per-request state; everything is re-fetched per call.
type Gate struct {
	table    *routes.Table
	provider auth.Provider
	roles    RoleChecker
	signIn   string
}

func New(provider auth.Provider, roles RoleChecker, opts ...Option) (*Gate, error) {
	if provider == nil {
		return nil, errors.New("gate: session provider is required")
	}
	if roles == nil {
		return nil, errors.New("gate: role checker is required")
	}
	g := &Gate{
		table:    routes.DefaultTable,
		provider: provider,
		roles:    roles,
		signIn:   DefaultSignInPath,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Evaluate classifies path and, unless it is public, validates the session
// and the role. Public paths never reach the provider.
func (g *Gate) Evaluate(ctx context.Context, path string, jar auth.CookieJar) Decision {
	class := g.table.Classify(path)
	if !class.RequiresSession() {
		return Decision{Outcome: Allow, Class: class}
	}

	session, err := g.provider.GetSession(ctx, jar)
	if err != nil {
		return Decision{Outcome: Error, Class: class, Err: err}
	}
	if session == nil {
		return Decision{Outcome: Redirect, Class: class}
	}
	if class != routes.Admin {
		return Decision{Outcome: Allow, Class: class, Session: session}
	}

	ok, err := g.roles.AllowsAdmin(ctx, session.UserID)
	if err != nil {
		return Decision{Outcome: Error, Class: class, Session: session, Err: err}
	}
	if !ok {
		return Decision{Outcome: Deny, Class: class, Session: session}
	}
	return Decision{Outcome: Allow, Class: class, Session: session}
}

// Middleware sets the security headers first, applies any cookies the
// provider staged, then acts on the decision.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		SetSecurityHeaders(w.Header())

		jar := auth.NewRequestJar(r)
		d := g.Evaluate(r.Context(), r.URL.Path, jar)
		jar.Apply(w)
		obs.ObserveGateDecision(d.Outcome.String(), d.Class.String())

		switch d.Outcome {
		case Allow:
			ctx := r.Context()
			if d.Session != nil {
				ctx = auth.ContextWithSession(ctx, d.Session)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		case Redirect:
			http.Redirect(w, r, g.signIn, http.StatusTemporaryRedirect)
		case Deny:
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write(deniedBody)
		default:
			obs.Logger().ErrorContext(r.Context(), "gate_provider_failure",
				"path", r.URL.Path,
				"class", d.Class.String(),
				"error", errString(d.Err),
			)
			if routes.IsAPI(r.URL.Path) {
				w.Header().Set("Content-Type", "application/json; charset=utf-8")
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(`{"error":"authentication unavailable"}`))
				return
			}
			http.Redirect(w, r, g.signIn, http.StatusTemporaryRedirect)
		}
	})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
