// Package rbac resolves the stored role of a caller for admin-only routes.
package rbac

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound    = errors.New("rbac: profile not found")
	ErrInvalidRole = errors.New("rbac: invalid role")
)

// Role is the role stored on a user's profile.
type Role string

const (
	RoleOwner   Role = "owner"
	RoleAdmin   Role = "admin"
	RoleAnalyst Role = "analyst"
	RoleUser    Role = "user"
	RoleViewer  Role = "viewer"
)

// Roles lists every valid role, most privileged first.
var Roles = []Role{RoleOwner, RoleAdmin, RoleAnalyst, RoleUser, RoleViewer}

// ParseRole validates raw against the closed role set.
func ParseRole(raw string) (Role, error) {
	r := Role(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range Roles {
		if r == known {
			return r, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidRole, raw)
}

// CanAdminister reports whether the role may reach admin-only routes.
func (r Role) CanAdminister() bool {
	return r == RoleAdmin || r == RoleOwner
}

// Profile is one row per user.
type Profile struct {
	UserID    string    `json:"user_id"`
	Email     string    `json:"email"`
	FullName  string    `json:"full_name,omitempty"`
	Role      Role      `json:"role"`
	CompanyID *string   `json:"company_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ProfileStore is the typed repository for profiles.
type ProfileStore interface {
	FindProfile(ctx context.Context, userID string) (Profile, error)
	ListProfiles(ctx context.Context, companyID *string) ([]Profile, error)
	UpdateProfileRole(ctx context.Context, userID string, role Role) (Profile, error)
}

// Resolver looks up roles. It keeps no state between calls.
type Resolver struct {
	store ProfileStore
}

func NewResolver(store ProfileStore) (*Resolver, error) {
	if store == nil {
		return nil, errors.New("rbac: profile store is required")
	}
	return &Resolver{store: store}, nil
}

// ResolveRole returns the stored role, or ErrNotFound when no profile exists.
func (r *Resolver) ResolveRole(ctx context.Context, userID string) (Role, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", ErrNotFound
	}
	p, err := r.store.FindProfile(ctx, userID)
	if err != nil {
		return "", err
	}
	return p.Role, nil
}

// AllowsAdmin reports whether userID may use admin-only routes. A missing
// profile or a non-admin role is a denial, not an error; only store failures
// are returned.
func (r *Resolver) AllowsAdmin(ctx context.Context, userID string) (bool, error) {
	role, err := r.ResolveRole(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return role.CanAdminister(), nil
}

// Profile returns the stored profile of userID.
func (r *Resolver) Profile(ctx context.Context, userID string) (Profile, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Profile{}, ErrNotFound
	}
	return r.store.FindProfile(ctx, userID)
}

// ProfilesFor lists the profiles that share actorID's company. An actor
// without a company only sees other profiles without one.
func (r *Resolver) ProfilesFor(ctx context.Context, actorID string) ([]Profile, error) {
	actor, err := r.Profile(ctx, actorID)
	if err != nil {
		return nil, err
	}
	all, err := r.store.ListProfiles(ctx, actor.CompanyID)
	if err != nil {
		return nil, err
	}
	out := make([]Profile, 0, len(all))
	for _, p := range all {
		if sameCompany(actor.CompanyID, p.CompanyID) {
			out = append(out, p)
		}
	}
	return out, nil
}

// UpdateRole validates raw and stores it on userID. The target must belong
// to the actor's company; anything else reads as ErrNotFound. Only owners
// may grant owner or change an owner's role.
func (r *Resolver) UpdateRole(ctx context.Context, actorID, userID, raw string) (Profile, error) {
	role, err := ParseRole(raw)
	if err != nil {
		return Profile{}, err
	}
	actor, err := r.Profile(ctx, actorID)
	if err != nil {
		return Profile{}, err
	}
	target, err := r.Profile(ctx, userID)
	if err != nil {
		return Profile{}, err
	}
	if !sameCompany(actor.CompanyID, target.CompanyID) {
		return Profile{}, ErrNotFound
	}
	if (role == RoleOwner || target.Role == RoleOwner) && actor.Role != RoleOwner {
		return Profile{}, fmt.Errorf("%w: only owners can grant or revoke owner", ErrInvalidRole)
	}
	return r.store.UpdateProfileRole(ctx, target.UserID, role)
}

func sameCompany(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
