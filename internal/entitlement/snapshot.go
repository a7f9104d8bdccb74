package entitlement

// Unlimited is the effective limit reported for features without a ceiling.
const Unlimited = -1

// Snapshot is an immutable view of a user's subscription and the feature
// rows of its plan. Its queries are pure functions of those two inputs.
type Snapshot struct {
	sub      *Subscription
	plan     Plan
	features map[string]PlanFeature
}

// NewSnapshot builds a snapshot. A nil subscription means the default plan.
// Rows belonging to other plans are ignored.
func NewSnapshot(sub *Subscription, rows []PlanFeature) Snapshot {
	plan := DefaultPlan
	if sub != nil {
		cp := *sub
		sub = &cp
		plan = sub.Plan
	}
	features := make(map[string]PlanFeature, len(rows))
	for _, f := range rows {
		if f.Plan == plan {
			features[f.Name] = f
		}
	}
	return Snapshot{sub: sub, plan: plan, features: features}
}

func (s Snapshot) Plan() Plan {
	if s.plan == "" {
		return DefaultPlan
	}
	return s.plan
}

// Subscription returns a copy of the stored row, or nil when none exists.
func (s Snapshot) Subscription() *Subscription {
	if s.sub == nil {
		return nil
	}
	cp := *s.sub
	return &cp
}

func (s Snapshot) HasFeature(name string) bool {
	_, ok := s.features[name]
	return ok
}

// FeatureLimit returns the numeric ceiling. ok is false when the feature is
// unlimited, unset or not part of the plan.
func (s Snapshot) FeatureLimit(name string) (limit int, ok bool) {
	f, found := s.features[name]
	if !found || f.Unlimited || f.Limit == nil {
		return 0, false
	}
	return *f.Limit, true
}

func (s Snapshot) IsFeatureUnlimited(name string) bool {
	return s.features[name].Unlimited
}

// EffectiveLimit folds the feature row into a single number: Unlimited for
// unmetered or unlimited features, 0 when the plan lacks the feature.
func (s Snapshot) EffectiveLimit(name string) int {
	f, found := s.features[name]
	switch {
	case !found:
		return 0
	case f.Unlimited || f.Limit == nil:
		return Unlimited
	default:
		return *f.Limit
	}
}

// Features returns the rows of the current plan.
func (s Snapshot) Features() []PlanFeature {
	out := make([]PlanFeature, 0, len(s.features))
	for _, name := range sortedKeys(s.features) {
		out = append(out, s.features[name])
	}
	return out
}
