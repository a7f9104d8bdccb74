package entitlement

import (
	_ "embed"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed catalog.yaml
var catalogYAML []byte

// PlanSpec describes one plan of the catalog.
type PlanSpec struct {
	Name              Plan          `yaml:"name" json:"plan_type"`
	DisplayName       string        `yaml:"display_name" json:"display_name"`
	MonthlyPriceCents int           `yaml:"monthly_price_cents" json:"monthly_price_cents"`
	Features          []featureSpec `yaml:"features" json:"-"`
}

type featureSpec struct {
	Name      string `yaml:"name"`
	Limit     *int   `yaml:"limit"`
	Unlimited bool   `yaml:"unlimited"`
}

type catalogFile struct {
	Plans []PlanSpec `yaml:"plans"`
}

// Catalog is the static plan to feature table.
type Catalog struct {
	plans    []PlanSpec
	features map[Plan][]PlanFeature
}

// ParseCatalog decodes and validates a YAML catalog. Every canonical plan
// must be present exactly once and feature names must be unique per plan.
func ParseCatalog(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("entitlement: decode catalog: %w", err)
	}
	c := &Catalog{features: make(map[Plan][]PlanFeature, len(file.Plans))}
	for _, spec := range file.Plans {
		plan, err := ParsePlan(string(spec.Name))
		if err != nil {
			return nil, err
		}
		if _, dup := c.features[plan]; dup {
			return nil, fmt.Errorf("entitlement: plan %q listed twice", plan)
		}
		seen := make(map[string]struct{}, len(spec.Features))
		rows := make([]PlanFeature, 0, len(spec.Features))
		for _, f := range spec.Features {
			if f.Name == "" {
				return nil, fmt.Errorf("entitlement: plan %q has an unnamed feature", plan)
			}
			if _, dup := seen[f.Name]; dup {
				return nil, fmt.Errorf("entitlement: plan %q lists %q twice", plan, f.Name)
			}
			seen[f.Name] = struct{}{}
			rows = append(rows, PlanFeature{Plan: plan, Name: f.Name, Limit: f.Limit, Unlimited: f.Unlimited})
		}
		spec.Name = plan
		c.plans = append(c.plans, spec)
		c.features[plan] = rows
	}
	for _, p := range Plans {
		if _, ok := c.features[p]; !ok {
			return nil, fmt.Errorf("entitlement: catalog is missing plan %q", p)
		}
	}
	return c, nil
}

var (
	defaultOnce    sync.Once
	defaultCatalog *Catalog
)

// DefaultCatalog returns the embedded catalog.
func DefaultCatalog() *Catalog {
	defaultOnce.Do(func() {
		c, err := ParseCatalog(catalogYAML)
		if err != nil {
			panic(err)
		}
		defaultCatalog = c
	})
	return defaultCatalog
}

// Plans returns the plan specs in catalog order.
func (c *Catalog) Plans() []PlanSpec {
	out := make([]PlanSpec, len(c.plans))
	copy(out, c.plans)
	return out
}

// Features returns a copy of the feature rows of plan.
func (c *Catalog) Features(plan Plan) []PlanFeature {
	rows := c.features[plan]
	out := make([]PlanFeature, len(rows))
	copy(out, rows)
	return out
}

// All returns every feature row across plans.
func (c *Catalog) All() []PlanFeature {
	var out []PlanFeature
	for _, p := range Plans {
		out = append(out, c.features[p]...)
	}
	return out
}

// RequiredPlan returns the lowest plan that includes feature.
func (c *Catalog) RequiredPlan(feature string) (Plan, bool) {
	for _, p := range Plans {
		for _, f := range c.features[p] {
			if f.Name == feature {
				return p, true
			}
		}
	}
	return "", false
}

// UpgradeTarget returns the lowest plan above from whose ceiling for
// feature is higher than from's.
func (c *Catalog) UpgradeTarget(feature string, from Plan) (Plan, bool) {
	current := NewSnapshot(&Subscription{Plan: from}, c.features[from]).EffectiveLimit(feature)
	if current == Unlimited {
		return "", false
	}
	for _, p := range Plans {
		if p.Rank() <= from.Rank() {
			continue
		}
		limit := NewSnapshot(&Subscription{Plan: p}, c.features[p]).EffectiveLimit(feature)
		if limit == Unlimited || limit > current {
			return p, true
		}
	}
	return "", false
}
