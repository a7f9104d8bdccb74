package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"insightdash.io/internal/entitlement"
)

const subscriptionColumns = `id, user_id, company_id, plan_type, status, current_period_start, current_period_end, updated_at`

func scanSubscription(row rowScanner) (entitlement.Subscription, error) {
	var (
		sub     entitlement.Subscription
		company sql.NullString
		plan    string
		status  string
	)
	if err := row.Scan(&sub.ID, &sub.UserID, &company, &plan, &status, &sub.PeriodStart, &sub.PeriodEnd, &sub.UpdatedAt); err != nil {
		return entitlement.Subscription{}, err
	}
	sub.CompanyID = stringPtr(company)
	sub.Plan = entitlement.Plan(plan)
	sub.Status = entitlement.Status(status)
	return sub, nil
}

func (s *Store) FindSubscription(ctx context.Context, userID string) (entitlement.Subscription, error) {
	if s.db == nil {
		return entitlement.Subscription{}, errNoDB
	}
	sub, err := scanSubscription(s.db.QueryRowContext(ctx, `
		select `+subscriptionColumns+`
		from subscriptions
		where user_id = $1
		limit 1
	`, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return entitlement.Subscription{}, entitlement.ErrNotFound
	}
	if err != nil {
		return entitlement.Subscription{}, err
	}
	return sub, nil
}

// UpsertSubscription creates or replaces the user's row in one statement.
// The id of an existing row is kept, and so is its company when sub has none.
func (s *Store) UpsertSubscription(ctx context.Context, sub entitlement.Subscription) (entitlement.Subscription, error) {
	if s.db == nil {
		return entitlement.Subscription{}, errNoDB
	}
	saved, err := scanSubscription(s.db.QueryRowContext(ctx, `
		insert into subscriptions (id, user_id, company_id, plan_type, status, current_period_start, current_period_end, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, now())
		on conflict (user_id) do update
		set company_id = coalesce(excluded.company_id, subscriptions.company_id),
			plan_type = excluded.plan_type,
			status = excluded.status,
			current_period_start = excluded.current_period_start,
			current_period_end = excluded.current_period_end,
			updated_at = now()
		returning `+subscriptionColumns,
		sub.ID, sub.UserID, nullString(sub.CompanyID), string(sub.Plan), string(sub.Status), sub.PeriodStart, sub.PeriodEnd))
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrCheckViolation {
			return entitlement.Subscription{}, entitlement.ErrInvalidPlan
		}
		return entitlement.Subscription{}, err
	}
	return saved, nil
}

func (s *Store) ListPlanFeatures(ctx context.Context, plan entitlement.Plan) ([]entitlement.PlanFeature, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select plan_type, feature_name, feature_limit, is_unlimited
		from plan_features
		where plan_type = $1
		order by feature_name
	`, string(plan))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []entitlement.PlanFeature
	for rows.Next() {
		var (
			f     entitlement.PlanFeature
			p     string
			limit sql.NullInt64
		)
		if err := rows.Scan(&p, &f.Name, &limit, &f.Unlimited); err != nil {
			return nil, err
		}
		f.Plan = entitlement.Plan(p)
		if limit.Valid {
			v := int(limit.Int64)
			f.Limit = &v
		}
		result = append(result, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// SyncPlanFeatures replaces the feature table with rows in one transaction.
func (s *Store) SyncPlanFeatures(ctx context.Context, rows []entitlement.PlanFeature) error {
	if s.db == nil {
		return errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `delete from plan_features`); err != nil {
		return err
	}
	for _, f := range rows {
		var limit sql.NullInt64
		if f.Limit != nil {
			limit = sql.NullInt64{Int64: int64(*f.Limit), Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `
			insert into plan_features (plan_type, feature_name, feature_limit, is_unlimited)
			values ($1, $2, $3, $4)
		`, string(f.Plan), f.Name, limit, f.Unlimited); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// FindUsage returns the counter whose period [start, end) contains at.
func (s *Store) FindUsage(ctx context.Context, userID, feature string, at time.Time) (entitlement.Usage, error) {
	if s.db == nil {
		return entitlement.Usage{}, errNoDB
	}
	var u entitlement.Usage
	err := s.db.QueryRowContext(ctx, `
		select user_id, feature_name, usage_count, period_start, period_end
		from feature_usage
		where user_id = $1 and feature_name = $2 and period_start <= $3 and period_end > $3
		order by period_start desc
		limit 1
	`, userID, feature, at).Scan(&u.UserID, &u.Feature, &u.Count, &u.PeriodStart, &u.PeriodEnd)
	if errors.Is(err, sql.ErrNoRows) {
		return entitlement.Usage{}, entitlement.ErrNotFound
	}
	if err != nil {
		return entitlement.Usage{}, err
	}
	return u, nil
}
