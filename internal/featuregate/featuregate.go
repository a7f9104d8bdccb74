// Package featuregate wraps handlers so they render only when the caller's
// plan includes a feature or has headroom under a usage ceiling. It shapes
// presentation; API enforcement lives elsewhere.
package featuregate

import (
	"context"
	"html/template"
	"net/http"

	"insightdash.io/internal/entitlement"
	"insightdash.io/internal/obs"
)

// Entitlements is the read side of a resolver.
type Entitlements interface {
	Plan() entitlement.Plan
	HasFeature(name string) bool
	EffectiveLimit(name string) int
	Usage(ctx context.Context, feature string) (entitlement.Usage, error)
}

// Source returns the entitlements of the caller.
type Source func(r *http.Request) (Entitlements, error)

// Allows reports whether usage fits under limit; Unlimited always fits.
func Allows(usage, limit int) bool {
	return limit == entitlement.Unlimited || usage < limit
}

var promptTmpl = template.Must(template.New("upgrade").Parse(`<section class="upgrade-prompt" data-feature="{{.Feature}}">
  <h2>{{.Title}}</h2>
  <p>{{.Message}}</p>
  {{if .Plan}}<a href="/pricing?plan={{.Plan}}">Upgrade to {{.PlanName}}</a>{{else}}<a href="/pricing">See plans</a>{{end}}
</section>
`))

type prompt struct {
	Feature  string
	Title    string
	Message  string
	Plan     entitlement.Plan
	PlanName string
}

// Gates builds feature and usage wrappers over one entitlement source.
type Gates struct {
	source  Source
	catalog *entitlement.Catalog
}

func New(source Source, catalog *entitlement.Catalog) *Gates {
	if catalog == nil {
		catalog = entitlement.DefaultCatalog()
	}
	return &Gates{source: source, catalog: catalog}
}

// Feature serves children when the plan includes feature, otherwise
// fallback, or an upgrade prompt naming the lowest plan with the feature.
func (g *Gates) Feature(feature string, children, fallback http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ent, ok := g.load(w, r)
		if !ok {
			return
		}
		if ent.HasFeature(feature) {
			children.ServeHTTP(w, r)
			return
		}
		if fallback != nil {
			fallback.ServeHTTP(w, r)
			return
		}
		p := prompt{
			Feature: feature,
			Title:   "Upgrade required",
			Message: "Your current plan does not include this feature.",
		}
		if plan, ok := g.catalog.RequiredPlan(feature); ok {
			p.Plan, p.PlanName = plan, g.displayName(plan)
		}
		render(w, r, p)
	})
}

// UsageLimit serves children while the current-period usage of feature is
// below the plan's ceiling.
func (g *Gates) UsageLimit(feature string, children, fallback http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ent, ok := g.load(w, r)
		if !ok {
			return
		}
		usage, err := ent.Usage(r.Context(), feature)
		if err != nil {
			obs.Logger().ErrorContext(r.Context(), "featuregate_usage_failed", "feature", feature, "error", err.Error())
			http.Error(w, "usage unavailable", http.StatusServiceUnavailable)
			return
		}
		if Allows(usage.Count, ent.EffectiveLimit(feature)) {
			children.ServeHTTP(w, r)
			return
		}
		if fallback != nil {
			fallback.ServeHTTP(w, r)
			return
		}
		p := prompt{
			Feature: feature,
			Title:   "Limit reached",
			Message: "You have reached your plan's limit for this period.",
		}
		if plan, ok := g.catalog.UpgradeTarget(feature, ent.Plan()); ok {
			p.Plan, p.PlanName = plan, g.displayName(plan)
		}
		render(w, r, p)
	})
}

func (g *Gates) load(w http.ResponseWriter, r *http.Request) (Entitlements, bool) {
	ent, err := g.source(r)
	if err != nil {
		obs.Logger().ErrorContext(r.Context(), "featuregate_source_failed", "path", r.URL.Path, "error", err.Error())
		http.Error(w, "entitlements unavailable", http.StatusServiceUnavailable)
		return nil, false
	}
	return ent, true
}

func (g *Gates) displayName(plan entitlement.Plan) string {
	for _, spec := range g.catalog.Plans() {
		if spec.Name == plan && spec.DisplayName != "" {
			return spec.DisplayName
		}
	}
	return string(plan)
}

func render(w http.ResponseWriter, r *http.Request, p prompt) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if err := promptTmpl.Execute(w, p); err != nil {
		obs.Logger().ErrorContext(r.Context(), "featuregate_render_failed", "error", err.Error())
	}
}
