package httpapi

import (
	"embed"
	"fmt"
	"html/template"
	"net/http"

	"insightdash.io/internal/auth"
	"insightdash.io/internal/entitlement"
	"insightdash.io/internal/obs"
	"insightdash.io/internal/rbac"
)

//go:embed templates/*.html
var templateFS embed.FS

var pageTemplates = map[string]*template.Template{
	"home":      parsePage("home.html"),
	"auth":      parsePage("auth.html"),
	"pricing":   parsePage("pricing.html"),
	"dashboard": parsePage("dashboard.html"),
	"admin":     parsePage("admin.html"),
	"feature":   parsePage("feature.html"),
}

func parsePage(name string) *template.Template {
	return template.Must(template.ParseFS(templateFS, "templates/layout.html", "templates/"+name))
}

type planCard struct {
	Name        entitlement.Plan
	DisplayName string
	Price       string
	Features    []string
}

type pageData struct {
	Title    string
	Session  *auth.Session
	Plans    []planCard
	Selected entitlement.Plan
	PlanName string
	Status   entitlement.Status
	Features []string
	Profiles []rbac.Profile
	Heading  string
	Message  string
}

func (a *API) registerPages() {
	a.mux.HandleFunc("/", a.pageHome)
	a.mux.HandleFunc("/auth", a.pageAuth)
	a.mux.HandleFunc("/pricing", a.pagePricing)
	a.mux.HandleFunc("/dashboard", a.pageDashboard)
	a.mux.HandleFunc("/admin", a.pageAdmin)

	a.mux.Handle("/dashboard/new", a.gates.UsageLimit("dashboards",
		a.featurePage("New dashboard", "Pick a data source to start building."), nil))
	a.mux.Handle("/reports/scheduled", a.gates.Feature("scheduled_reports",
		a.featurePage("Scheduled reports", "Deliver reports to your team on a schedule."), nil))
}

func renderPage(w http.ResponseWriter, r *http.Request, name string, data pageData) {
	if data.Session == nil {
		data.Session, _ = auth.SessionFromContext(r.Context())
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if err := pageTemplates[name].ExecuteTemplate(w, "layout", data); err != nil {
		obs.Logger().ErrorContext(r.Context(), "page_render_failed", "page", name, "error", err.Error())
	}
}

func (a *API) pageHome(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	renderPage(w, r, "home", pageData{Title: "Home"})
}

func (a *API) pageAuth(w http.ResponseWriter, r *http.Request) {
	renderPage(w, r, "auth", pageData{Title: "Sign in"})
}

func (a *API) pagePricing(w http.ResponseWriter, r *http.Request) {
	data := pageData{Title: "Pricing"}
	if p, err := entitlement.ParsePlan(r.URL.Query().Get("plan")); err == nil {
		data.Selected = p
	}
	for _, spec := range a.deps.Catalog.Plans() {
		card := planCard{
			Name:        spec.Name,
			DisplayName: spec.DisplayName,
			Price:       formatPrice(spec.MonthlyPriceCents),
		}
		for _, f := range a.deps.Catalog.Features(spec.Name) {
			card.Features = append(card.Features, describeFeature(f))
		}
		data.Plans = append(data.Plans, card)
	}
	renderPage(w, r, "pricing", data)
}

func (a *API) pageDashboard(w http.ResponseWriter, r *http.Request) {
	res, err := a.resolverFor(r)
	if err != nil {
		obs.Logger().ErrorContext(r.Context(), "entitlements_load_failed", "error", err.Error())
		http.Error(w, "entitlements unavailable", http.StatusServiceUnavailable)
		return
	}
	snap := res.Snapshot()
	view := a.viewOf(snap)
	data := pageData{Title: "Dashboard", PlanName: view.DisplayName}
	if sub := snap.Subscription(); sub != nil {
		data.Status = sub.Status
	}
	for _, f := range snap.Features() {
		data.Features = append(data.Features, describeFeature(f))
	}
	renderPage(w, r, "dashboard", data)
}

func (a *API) pageAdmin(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserIDFromContext(r.Context())
	profiles, err := a.deps.Roles.ProfilesFor(r.Context(), userID)
	if err != nil {
		obs.Logger().ErrorContext(r.Context(), "profiles_load_failed", "error", err.Error())
		http.Error(w, "profiles unavailable", http.StatusServiceUnavailable)
		return
	}
	renderPage(w, r, "admin", pageData{Title: "Team", Profiles: profiles})
}

func (a *API) featurePage(heading, message string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		renderPage(w, r, "feature", pageData{Title: heading, Heading: heading, Message: message})
	})
}

func formatPrice(cents int) string {
	if cents < 0 {
		return "Contact sales"
	}
	if cents == 0 {
		return "Free"
	}
	return fmt.Sprintf("$%d.%02d / month", cents/100, cents%100)
}

func describeFeature(f entitlement.PlanFeature) string {
	switch {
	case f.Unlimited:
		return f.Name + ": unlimited"
	case f.Limit != nil:
		return fmt.Sprintf("%s: %d", f.Name, *f.Limit)
	default:
		return f.Name
	}
}
