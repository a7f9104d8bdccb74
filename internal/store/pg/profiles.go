package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"insightdash.io/internal/auth"
	"insightdash.io/internal/ids"
	"insightdash.io/internal/rbac"
)

const profileColumns = `user_id, email, full_name, role, company_id, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(row rowScanner) (rbac.Profile, error) {
	var (
		p       rbac.Profile
		role    string
		company sql.NullString
		name    sql.NullString
	)
	if err := row.Scan(&p.UserID, &p.Email, &name, &role, &company, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return rbac.Profile{}, err
	}
	p.FullName = name.String
	p.Role = rbac.Role(role)
	p.CompanyID = stringPtr(company)
	return p, nil
}

func (s *Store) FindProfile(ctx context.Context, userID string) (rbac.Profile, error) {
	if s.db == nil {
		return rbac.Profile{}, errNoDB
	}
	row := s.db.QueryRowContext(ctx, `
		select `+profileColumns+`
		from profiles
		where user_id = $1
	`, userID)
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return rbac.Profile{}, rbac.ErrNotFound
	}
	if err != nil {
		return rbac.Profile{}, err
	}
	return p, nil
}

func (s *Store) ListProfiles(ctx context.Context, companyID *string) ([]rbac.Profile, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	query := `select ` + profileColumns + ` from profiles`
	var args []any
	if companyID != nil {
		query += ` where company_id = $1`
		args = append(args, *companyID)
	}
	query += ` order by email`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []rbac.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Store) UpdateProfileRole(ctx context.Context, userID string, role rbac.Role) (rbac.Profile, error) {
	if s.db == nil {
		return rbac.Profile{}, errNoDB
	}
	row := s.db.QueryRowContext(ctx, `
		update profiles
		set role = $2, updated_at = now()
		where user_id = $1
		returning `+profileColumns, userID, string(role))
	p, err := scanProfile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return rbac.Profile{}, rbac.ErrNotFound
	}
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrCheckViolation {
			return rbac.Profile{}, rbac.ErrInvalidRole
		}
		return rbac.Profile{}, err
	}
	return p, nil
}

// CreateUser inserts a profile and its credential in one transaction.
func (s *Store) CreateUser(ctx context.Context, email, passwordHash string, role rbac.Role) (rbac.Profile, error) {
	if s.db == nil {
		return rbac.Profile{}, errNoDB
	}
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || passwordHash == "" {
		return rbac.Profile{}, auth.ErrInvalidInput
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return rbac.Profile{}, err
	}
	defer func() { _ = tx.Rollback() }()

	id := ids.New()
	p, err := scanProfile(tx.QueryRowContext(ctx, `
		insert into profiles (user_id, email, role)
		values ($1, $2, $3)
		returning `+profileColumns, id, email, string(role)))
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return rbac.Profile{}, fmt.Errorf("email %s already registered", email)
		}
		return rbac.Profile{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		insert into auth_credentials (user_id, email, password_hash, status)
		values ($1, $2, $3, $4)
	`, id, email, passwordHash, auth.CredentialStatusActive); err != nil {
		return rbac.Profile{}, err
	}
	if err := tx.Commit(); err != nil {
		return rbac.Profile{}, err
	}
	return p, nil
}
