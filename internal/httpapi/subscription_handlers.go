package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"insightdash.io/internal/audit"
	"insightdash.io/internal/entitlement"
	"insightdash.io/internal/featuregate"
	"insightdash.io/internal/obs"
)

type featureView struct {
	Name      string `json:"feature_name"`
	Limit     *int   `json:"feature_limit"`
	Unlimited bool   `json:"is_unlimited"`
}

type subscriptionView struct {
	Plan         entitlement.Plan          `json:"plan_type"`
	DisplayName  string                    `json:"display_name"`
	Subscription *entitlement.Subscription `json:"subscription"`
	Features     []featureView             `json:"features"`
}

type upgradeRequest struct {
	Plan string `json:"plan_type"`
}

type upgradeResponse struct {
	Subscription entitlement.Subscription `json:"subscription"`
	Refreshed    bool                     `json:"refreshed"`
}

type entitlementView struct {
	Feature   string `json:"feature_name"`
	Enabled   bool   `json:"enabled"`
	Limit     *int   `json:"feature_limit"`
	Unlimited bool   `json:"is_unlimited"`
	Usage     int    `json:"usage_count"`
	Allowed   bool   `json:"allowed"`
}

func (a *API) viewOf(snap entitlement.Snapshot) subscriptionView {
	v := subscriptionView{
		Plan:         snap.Plan(),
		DisplayName:  string(snap.Plan()),
		Subscription: snap.Subscription(),
		Features:     []featureView{},
	}
	for _, spec := range a.deps.Catalog.Plans() {
		if spec.Name == v.Plan && spec.DisplayName != "" {
			v.DisplayName = spec.DisplayName
		}
	}
	for _, f := range snap.Features() {
		v.Features = append(v.Features, featureView{Name: f.Name, Limit: f.Limit, Unlimited: f.Unlimited})
	}
	return v
}

// resolver writes the error response itself when it returns false.
func (a *API) resolver(w http.ResponseWriter, r *http.Request) (*entitlement.Resolver, bool) {
	res, err := a.resolverFor(r)
	switch {
	case err == nil:
		return res, true
	case errors.Is(err, errNoSession):
		writeError(w, r, http.StatusUnauthorized, "authentication required")
	default:
		obs.Logger().ErrorContext(r.Context(), "entitlements_load_failed", "error", err.Error())
		writeError(w, r, http.StatusServiceUnavailable, "entitlements unavailable")
	}
	return nil, false
}

func (a *API) handleSubscription(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	res, ok := a.resolver(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, a.viewOf(res.Snapshot()))
}

func (a *API) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req upgradeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	res, ok := a.resolver(w, r)
	if !ok {
		return
	}
	from := res.Plan()
	saved, err := res.UpgradePlan(r.Context(), req.Plan)
	switch {
	case errors.Is(err, entitlement.ErrInvalidPlan):
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	case err != nil && saved.ID == "":
		obs.Logger().ErrorContext(r.Context(), "subscription_upgrade_failed", "error", err.Error())
		writeError(w, r, http.StatusServiceUnavailable, "subscription update failed")
		return
	case err != nil:
		obs.Logger().WarnContext(r.Context(), "subscription_refresh_after_upgrade_failed", "error", err.Error())
	}

	_ = audit.LogEvent(r.Context(), "subscription.upgraded", map[string]any{
		"from": string(from),
		"to":   string(saved.Plan),
	})
	writeJSON(w, http.StatusOK, upgradeResponse{Subscription: saved, Refreshed: err == nil})
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	res, ok := a.resolver(w, r)
	if !ok {
		return
	}
	if err := res.Refresh(r.Context()); err != nil {
		obs.Logger().ErrorContext(r.Context(), "subscription_refresh_failed", "error", err.Error())
		writeError(w, r, http.StatusServiceUnavailable, "refresh failed")
		return
	}
	writeJSON(w, http.StatusOK, a.viewOf(res.Snapshot()))
}

// handleEntitlement serves /api/entitlements/{feature}.
func (a *API) handleEntitlement(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	feature := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/entitlements/"), "/")
	if feature == "" || strings.Contains(feature, "/") {
		writeError(w, r, http.StatusNotFound, "not found")
		return
	}
	res, ok := a.resolver(w, r)
	if !ok {
		return
	}
	usage, err := res.Usage(r.Context(), feature)
	if err != nil {
		obs.Logger().ErrorContext(r.Context(), "usage_load_failed", "feature", feature, "error", err.Error())
		writeError(w, r, http.StatusServiceUnavailable, "usage unavailable")
		return
	}
	view := entitlementView{
		Feature:   feature,
		Enabled:   res.HasFeature(feature),
		Unlimited: res.IsFeatureUnlimited(feature),
		Usage:     usage.Count,
	}
	if l, ok := res.FeatureLimit(feature); ok {
		view.Limit = &l
	}
	view.Allowed = view.Enabled && featuregate.Allows(usage.Count, res.EffectiveLimit(feature))
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handlePlans(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	type planView struct {
		entitlement.PlanSpec
		Features []featureView `json:"features"`
	}
	plans := a.deps.Catalog.Plans()
	out := make([]planView, 0, len(plans))
	for _, spec := range plans {
		pv := planView{PlanSpec: spec, Features: []featureView{}}
		for _, f := range a.deps.Catalog.Features(spec.Name) {
			pv.Features = append(pv.Features, featureView{Name: f.Name, Limit: f.Limit, Unlimited: f.Unlimited})
		}
		out = append(out, pv)
	}
	writeJSON(w, http.StatusOK, map[string]any{"plans": out})
}

// handleEvents streams the caller's entitlements as Server-Sent Events,
// once on connect and again after every change notification.
func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if a.deps.Hub == nil {
		http.Error(w, "streaming disabled", http.StatusServiceUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	res, ok := a.resolver(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ctx := r.Context()
	changes := a.deps.Hub.Subscribe(ctx, res.UserID())

	_, _ = w.Write([]byte(": stream started\n\n"))
	a.sendSnapshot(w, res.Snapshot())
	flusher.Flush()

	ticker := time.NewTicker(a.deps.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		case _, ok := <-changes:
			if !ok {
				return
			}
			if err := res.Refresh(ctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				obs.Logger().WarnContext(ctx, "sse_refresh_failed", "user_id", res.UserID(), "error", err.Error())
				continue
			}
			a.sendSnapshot(w, res.Snapshot())
			flusher.Flush()
		}
	}
}

func (a *API) sendSnapshot(w http.ResponseWriter, snap entitlement.Snapshot) {
	payload, err := json.Marshal(a.viewOf(snap))
	if err != nil {
		return
	}
	_, _ = w.Write([]byte("event: entitlements\ndata: "))
	_, _ = w.Write(payload)
	_, _ = w.Write([]byte("\n\n"))
}
