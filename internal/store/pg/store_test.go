package pg

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"

	"insightdash.io/internal/auth"
	"insightdash.io/internal/entitlement"
	"insightdash.io/internal/rbac"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(db), mock
}

var ts = time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

func profileRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"user_id", "email", "full_name", "role", "company_id", "created_at", "updated_at"})
}

func TestFindProfile(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("select .* from profiles\\s+where user_id = \\$1").
		WithArgs("u1").
		WillReturnRows(profileRows().AddRow("u1", "ana@example.com", nil, "analyst", "acme", ts, ts))

	p, err := s.FindProfile(context.Background(), "u1")
	if err != nil {
		t.Fatalf("FindProfile: %v", err)
	}
	if p.Role != rbac.RoleAnalyst || p.CompanyID == nil || *p.CompanyID != "acme" {
		t.Fatalf("unexpected profile %+v", p)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestFindProfileNotFound(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("from profiles").WithArgs("ghost").WillReturnError(sql.ErrNoRows)

	if _, err := s.FindProfile(context.Background(), "ghost"); !errors.Is(err, rbac.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListProfilesScopedToCompany(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("from profiles where company_id = \\$1 order by email").
		WithArgs("acme").
		WillReturnRows(profileRows().
			AddRow("u1", "a@example.com", "Ana", "admin", "acme", ts, ts).
			AddRow("u2", "b@example.com", nil, "viewer", "acme", ts, ts))

	company := "acme"
	list, err := s.ListProfiles(context.Background(), &company)
	if err != nil {
		t.Fatalf("ListProfiles: %v", err)
	}
	if len(list) != 2 || list[0].FullName != "Ana" {
		t.Fatalf("unexpected list %+v", list)
	}
}

func TestUpdateProfileRole(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("update profiles\\s+set role = \\$2").
		WithArgs("u1", "admin").
		WillReturnRows(profileRows().AddRow("u1", "a@example.com", nil, "admin", nil, ts, ts))
	p, err := s.UpdateProfileRole(context.Background(), "u1", rbac.RoleAdmin)
	if err != nil || p.Role != rbac.RoleAdmin {
		t.Fatalf("UpdateProfileRole: %+v %v", p, err)
	}

	mock.ExpectQuery("update profiles").
		WithArgs("u1", "root").
		WillReturnError(&pgconn.PgError{Code: pgErrCheckViolation})
	if _, err := s.UpdateProfileRole(context.Background(), "u1", rbac.Role("root")); !errors.Is(err, rbac.ErrInvalidRole) {
		t.Fatalf("expected ErrInvalidRole, got %v", err)
	}
}

func subscriptionRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id", "user_id", "company_id", "plan_type", "status", "current_period_start", "current_period_end", "updated_at"})
}

func TestFindSubscriptionAbsent(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("from subscriptions\\s+where user_id = \\$1\\s+limit 1").
		WithArgs("u1").
		WillReturnError(sql.ErrNoRows)

	if _, err := s.FindSubscription(context.Background(), "u1"); !errors.Is(err, entitlement.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpsertSubscription(t *testing.T) {
	s, mock := newMock(t)
	end := ts.AddDate(0, 1, 0)
	mock.ExpectQuery("insert into subscriptions .* on conflict \\(user_id\\) do update\\s+set company_id = coalesce\\(excluded.company_id, subscriptions.company_id\\)").
		WithArgs("sub-1", "u1", nil, "scale", "active", ts, end).
		WillReturnRows(subscriptionRows().AddRow("sub-0", "u1", nil, "scale", "active", ts, end, ts))

	saved, err := s.UpsertSubscription(context.Background(), entitlement.Subscription{
		ID: "sub-1", UserID: "u1", Plan: entitlement.PlanScale, Status: entitlement.StatusActive,
		PeriodStart: ts, PeriodEnd: end,
	})
	if err != nil {
		t.Fatalf("UpsertSubscription: %v", err)
	}
	if saved.ID != "sub-0" || saved.Plan != entitlement.PlanScale {
		t.Fatalf("unexpected subscription %+v", saved)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestListPlanFeatures(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("from plan_features\\s+where plan_type = \\$1").
		WithArgs("growth").
		WillReturnRows(sqlmock.NewRows([]string{"plan_type", "feature_name", "feature_limit", "is_unlimited"}).
			AddRow("growth", "api_access", nil, false).
			AddRow("growth", "dashboards", int64(20), false))

	rows, err := s.ListPlanFeatures(context.Background(), entitlement.PlanGrowth)
	if err != nil {
		t.Fatalf("ListPlanFeatures: %v", err)
	}
	if len(rows) != 2 || rows[0].Limit != nil || rows[1].Limit == nil || *rows[1].Limit != 20 {
		t.Fatalf("unexpected rows %+v", rows)
	}
}

func TestSyncPlanFeatures(t *testing.T) {
	s, mock := newMock(t)
	ten := 10
	mock.ExpectBegin()
	mock.ExpectExec("delete from plan_features").WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectExec("insert into plan_features").
		WithArgs("starter", "reports", sqlmock.AnyArg(), false).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec("insert into plan_features").
		WithArgs("scale", "reports", sqlmock.AnyArg(), true).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := s.SyncPlanFeatures(context.Background(), []entitlement.PlanFeature{
		{Plan: entitlement.PlanStarter, Name: "reports", Limit: &ten},
		{Plan: entitlement.PlanScale, Name: "reports", Unlimited: true},
	})
	if err != nil {
		t.Fatalf("SyncPlanFeatures: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestFindUsageUsesHalfOpenWindow(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("period_start <= \\$3 and period_end > \\$3").
		WithArgs("u1", "reports", ts).
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "feature_name", "usage_count", "period_start", "period_end"}).
			AddRow("u1", "reports", 7, ts.Add(-time.Hour), ts.Add(time.Hour)))

	u, err := s.FindUsage(context.Background(), "u1", "reports", ts)
	if err != nil || u.Count != 7 {
		t.Fatalf("FindUsage: %+v %v", u, err)
	}
}

func TestRevokeRefreshTokenReportsWinner(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec("update auth_refresh_tokens\\s+set revoked_at = \\$2\\s+where id = \\$1 and revoked_at is null").
		WithArgs("t1", ts).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("update auth_refresh_tokens").
		WithArgs("t1", ts).
		WillReturnResult(sqlmock.NewResult(0, 0))

	won, err := s.RevokeRefreshToken(context.Background(), "t1", ts)
	if err != nil || !won {
		t.Fatalf("first revoke: %v %v", won, err)
	}
	won, err = s.RevokeRefreshToken(context.Background(), "t1", ts)
	if err != nil || won {
		t.Fatalf("second revoke: %v %v", won, err)
	}
}

func TestFindRefreshToken(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("from auth_refresh_tokens").
		WithArgs("t1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "token_hash", "expires_at", "created_at", "revoked_at"}).
			AddRow("t1", "u1", "hash", ts.Add(time.Hour), ts, ts))

	tok, err := s.FindRefreshToken(context.Background(), "t1")
	if err != nil {
		t.Fatalf("FindRefreshToken: %v", err)
	}
	if !tok.Revoked() {
		t.Fatalf("expected revoked token")
	}

	mock.ExpectQuery("from auth_refresh_tokens").WithArgs("t2").WillReturnError(sql.ErrNoRows)
	if _, err := s.FindRefreshToken(context.Background(), "t2"); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestFindCredentialByEmailNormalises(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectQuery("from auth_credentials\\s+where email = \\$1").
		WithArgs("ana@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "email", "password_hash", "status", "created_at"}).
			AddRow("u1", "ana@example.com", "hash", "active", ts))

	c, err := s.FindCredentialByEmail(context.Background(), " Ana@Example.COM ")
	if err != nil || c.UserID != "u1" {
		t.Fatalf("FindCredentialByEmail: %+v %v", c, err)
	}
}

func TestCreateUser(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery("insert into profiles").
		WithArgs(sqlmock.AnyArg(), "ops@example.com", "owner").
		WillReturnRows(profileRows().AddRow("u9", "ops@example.com", nil, "owner", nil, ts, ts))
	mock.ExpectExec("insert into auth_credentials").
		WithArgs(sqlmock.AnyArg(), "ops@example.com", "hash", "active").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	p, err := s.CreateUser(context.Background(), "ops@example.com", "hash", rbac.RoleOwner)
	if err != nil || p.Role != rbac.RoleOwner {
		t.Fatalf("CreateUser: %+v %v", p, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestParseChange(t *testing.T) {
	c, err := ParseChange(`{"user_id":"u1","table":"subscriptions"}`)
	if err != nil || c.UserID != "u1" || c.Table != "subscriptions" {
		t.Fatalf("ParseChange: %+v %v", c, err)
	}
	if _, err := ParseChange(`{"table":"subscriptions"}`); err == nil {
		t.Fatalf("expected error for missing user id")
	}
	if _, err := ParseChange(`not json`); err == nil {
		t.Fatalf("expected decode error")
	}
}
