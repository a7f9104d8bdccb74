// Package entitlement resolves which features and usage ceilings a user's
// subscription plan grants.
package entitlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidPlan   = errors.New("entitlement: invalid plan")
	ErrInvalidStatus = errors.New("entitlement: invalid status")
	ErrNotFound      = errors.New("entitlement: not found")
)

// Plan is a subscription tier.
type Plan string

const (
	PlanStarter    Plan = "starter"
	PlanGrowth     Plan = "growth"
	PlanScale      Plan = "scale"
	PlanEnterprise Plan = "enterprise"
)

// DefaultPlan applies when a user has no subscription row.
const DefaultPlan = PlanStarter

// Plans is the canonical plan set in ascending order.
var Plans = []Plan{PlanStarter, PlanGrowth, PlanScale, PlanEnterprise}

// ParsePlan validates raw against the canonical plan set. Legacy names such
// as "professional" are rejected; they are rewritten by migration.
func ParsePlan(raw string) (Plan, error) {
	p := Plan(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range Plans {
		if p == known {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidPlan, raw)
}

// Rank orders plans; unknown plans rank below starter.
func (p Plan) Rank() int {
	for i, known := range Plans {
		if p == known {
			return i
		}
	}
	return -1
}

// Status is the billing state of a subscription.
type Status string

const (
	StatusActive   Status = "active"
	StatusCanceled Status = "canceled"
	StatusPastDue  Status = "past_due"
	StatusTrialing Status = "trialing"
)

func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	switch s {
	case StatusActive, StatusCanceled, StatusPastDue, StatusTrialing:
		return s, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStatus, raw)
}

// Subscription is the single subscription row of a user. The billing period
// is [PeriodStart, PeriodEnd).
type Subscription struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	CompanyID   *string   `json:"company_id,omitempty"`
	Plan        Plan      `json:"plan_type"`
	Status      Status    `json:"status"`
	PeriodStart time.Time `json:"current_period_start"`
	PeriodEnd   time.Time `json:"current_period_end"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// InPeriod reports whether t falls within the billing period.
func (s Subscription) InPeriod(t time.Time) bool {
	return !t.Before(s.PeriodStart) && t.Before(s.PeriodEnd)
}

// PlanFeature maps a plan and feature to its ceiling. Unlimited overrides
// Limit; a nil Limit on a limited feature means the feature is not metered.
type PlanFeature struct {
	Plan      Plan   `json:"plan_type"`
	Name      string `json:"feature_name"`
	Limit     *int   `json:"feature_limit"`
	Unlimited bool   `json:"is_unlimited"`
}

// Usage is a per-period counter for one feature.
type Usage struct {
	UserID      string    `json:"user_id"`
	Feature     string    `json:"feature_name"`
	Count       int       `json:"usage_count"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
}

// SubscriptionStore reads and upserts subscription rows.
type SubscriptionStore interface {
	FindSubscription(ctx context.Context, userID string) (Subscription, error)
	UpsertSubscription(ctx context.Context, sub Subscription) (Subscription, error)
}

// PlanFeatureStore lists the static feature table for a plan.
type PlanFeatureStore interface {
	ListPlanFeatures(ctx context.Context, plan Plan) ([]PlanFeature, error)
}

// UsageStore reads the usage counter whose period contains at.
type UsageStore interface {
	FindUsage(ctx context.Context, userID, feature string, at time.Time) (Usage, error)
}

// Stores bundles the repositories a Resolver reads from.
type Stores struct {
	Subscriptions SubscriptionStore
	Features      PlanFeatureStore
	Usage         UsageStore
}

func (s Stores) validate() error {
	if s.Subscriptions == nil || s.Features == nil {
		return errors.New("entitlement: subscription and feature stores are required")
	}
	return nil
}
