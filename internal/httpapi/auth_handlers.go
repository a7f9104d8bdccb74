package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"insightdash.io/internal/audit"
	"insightdash.io/internal/auth"
	"insightdash.io/internal/obs"
)

type signInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type sessionResponse struct {
	Authenticated bool          `json:"authenticated"`
	Session       *auth.Session `json:"session,omitempty"`
	Plan          string        `json:"plan_type,omitempty"`
}

func (a *API) handleSignIn(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req signInRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "email and password are required")
		return
	}

	jar := auth.NewRequestJar(r)
	sess, err := a.deps.Sessions.SignIn(r.Context(), jar, req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			_ = audit.LogEvent(r.Context(), "auth.signin.failed", map[string]any{
				"email": strings.ToLower(strings.TrimSpace(req.Email)),
			})
			writeError(w, r, http.StatusUnauthorized, "invalid email or password")
			return
		}
		obs.Logger().ErrorContext(r.Context(), "signin_failed", "error", err.Error())
		writeError(w, r, http.StatusServiceUnavailable, "authentication unavailable")
		return
	}
	jar.Apply(w)

	resp := sessionResponse{Authenticated: true, Session: sess}
	if res, err := a.deps.Entitlements.Acquire(r.Context(), sess.UserID); err != nil {
		obs.Logger().WarnContext(r.Context(), "entitlements_load_failed", "user_id", sess.UserID, "error", err.Error())
	} else {
		resp.Plan = string(res.Plan())
	}

	_ = audit.LogEvent(auditContext(r, sess.UserID), "auth.signin", nil)
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleSignOut(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	jar := auth.NewRequestJar(r)
	sess, err := a.deps.Sessions.GetSession(r.Context(), jar)
	if err != nil {
		obs.Logger().WarnContext(r.Context(), "signout_session_lookup_failed", "error", err.Error())
	}
	if err := a.deps.Sessions.SignOut(r.Context(), jar); err != nil {
		obs.Logger().ErrorContext(r.Context(), "signout_failed", "error", err.Error())
	}
	jar.Apply(w)
	if sess != nil {
		a.deps.Entitlements.Release(sess.UserID)
		_ = audit.LogEvent(auditContext(r, sess.UserID), "auth.signout", nil)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	jar := auth.NewRequestJar(r)
	sess, err := a.deps.Sessions.GetSession(r.Context(), jar)
	jar.Apply(w)
	if err != nil {
		obs.Logger().ErrorContext(r.Context(), "session_lookup_failed", "error", err.Error())
		writeError(w, r, http.StatusServiceUnavailable, "authentication unavailable")
		return
	}
	if sess == nil {
		writeJSON(w, http.StatusOK, sessionResponse{Authenticated: false})
		return
	}
	resp := sessionResponse{Authenticated: true, Session: sess}
	if res, ok := a.deps.Entitlements.Lookup(sess.UserID); ok {
		resp.Plan = string(res.Plan())
	}
	writeJSON(w, http.StatusOK, resp)
}

func auditContext(r *http.Request, userID string) context.Context {
	return auth.ContextWithSession(r.Context(), &auth.Session{UserID: userID})
}
