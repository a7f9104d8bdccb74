package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"insightdash.io/internal/audit"
	"insightdash.io/internal/auth"
	"insightdash.io/internal/obs"
	"insightdash.io/internal/rbac"
)

type updateRoleRequest struct {
	Role string `json:"role"`
}

// handleProfiles lists the caller's company. Query parameters cannot widen it.
func (a *API) handleProfiles(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	actorID, _ := auth.UserIDFromContext(r.Context())
	profiles, err := a.deps.Roles.ProfilesFor(r.Context(), actorID)
	if err != nil {
		handleRBACError(w, r, err)
		return
	}
	if profiles == nil {
		profiles = []rbac.Profile{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"profiles": profiles})
}

// handleProfileRole serves PATCH /api/admin/profiles/{id}/role.
func (a *API) handleProfileRole(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/admin/profiles/"), "/")
	parts := strings.Split(path, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "role" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodPatch {
		methodNotAllowed(w, r, http.MethodPatch)
		return
	}
	userID := parts[0]
	var req updateRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	actorID, _ := auth.UserIDFromContext(r.Context())
	profile, err := a.deps.Roles.UpdateRole(r.Context(), actorID, userID, req.Role)
	if err != nil {
		handleRBACError(w, r, err)
		return
	}
	a.audit(r.Context(), "rbac.role.update", "profile", userID, map[string]string{
		"role": string(profile.Role),
	})
	writeJSON(w, http.StatusOK, profile)
}

func handleRBACError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, rbac.ErrInvalidRole):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, rbac.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	default:
		obs.Logger().ErrorContext(r.Context(), "rbac_operation_failed", "error", err.Error())
		writeError(w, r, http.StatusInternalServerError, "rbac operation failed")
	}
}

func (a *API) audit(ctx context.Context, event, resourceType, resourceID string, fields map[string]string) {
	payload := make(map[string]any, len(fields)+2)
	payload["resource_type"] = resourceType
	payload["resource_id"] = resourceID
	for k, v := range fields {
		payload[k] = v
	}
	_ = audit.LogEvent(ctx, event, payload)
}
