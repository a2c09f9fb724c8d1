package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/compsync/internal/model"
)

// UpsertTenant inserts or renames a tenant.
func (s *Store) UpsertTenant(ctx context.Context, t model.Tenant) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tenants (id, name) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name
	`, t.ID, t.Name)
	if err != nil {
		return fmt.Errorf("upsert tenant %d: %w", t.ID, err)
	}
	return nil
}

// ListTenants returns every tenant ordered by ID.
func (s *Store) ListTenants(ctx context.Context) ([]model.Tenant, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name FROM tenants ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	tenants := []model.Tenant{}
	for rows.Next() {
		var t model.Tenant
		if err := rows.Scan(&t.ID, &t.Name); err != nil {
			return nil, fmt.Errorf("list tenants: scan: %w", err)
		}
		tenants = append(tenants, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	return tenants, nil
}

// UpsertUser inserts or updates a user.
func (s *Store) UpsertUser(ctx context.Context, u model.User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, tenant_id, username, email, first_name, last_name, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			tenant_id = excluded.tenant_id,
			username = excluded.username,
			email = excluded.email,
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			deleted = excluded.deleted
	`, u.ID, u.TenantID, u.Username, u.Email, u.FirstName, u.LastName, boolInt(u.Deleted))
	if err != nil {
		return fmt.Errorf("upsert user %d: %w", u.ID, err)
	}
	return nil
}

// GetUser returns a user or ErrNotFound.
func (s *Store) GetUser(ctx context.Context, id int64) (model.User, error) {
	var u model.User
	var deleted int
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, username, email, first_name, last_name, deleted
		FROM users WHERE id = ?
	`, id).Scan(&u.ID, &u.TenantID, &u.Username, &u.Email, &u.FirstName, &u.LastName, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return model.User{}, fmt.Errorf("get user %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.User{}, fmt.Errorf("get user %d: %w", id, err)
	}
	u.Deleted = deleted != 0
	return u, nil
}

// ResolveTenant maps a user to its tenant through users.tenant_id.
// Returns ErrNotFound when the user is unknown or deleted.
func (s *Store) ResolveTenant(ctx context.Context, userID int64) (int64, error) {
	var tenantID int64
	err := s.db.QueryRowContext(ctx, `
		SELECT u.tenant_id FROM users u
		JOIN tenants t ON t.id = u.tenant_id
		WHERE u.id = ? AND u.deleted = 0
	`, userID).Scan(&tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("resolve tenant for user %d: %w", userID, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("resolve tenant for user %d: %w", userID, err)
	}
	return tenantID, nil
}

// UpsertCourse inserts or updates a course.
func (s *Store) UpsertCourse(ctx context.Context, c model.Course) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO courses (id, full_name, short_name, created_at, due_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			full_name = excluded.full_name,
			short_name = excluded.short_name,
			created_at = excluded.created_at,
			due_at = excluded.due_at
	`, c.ID, c.FullName, c.ShortName, c.CreatedAt.Unix(), nullUnix(c.DueAt))
	if err != nil {
		return fmt.Errorf("upsert course %d: %w", c.ID, err)
	}
	return nil
}

// GetCourse returns a course or ErrNotFound.
func (s *Store) GetCourse(ctx context.Context, id int64) (model.Course, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, full_name, short_name, created_at, due_at FROM courses WHERE id = ?
	`, id)
	c, err := scanCourse(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Course{}, fmt.Errorf("get course %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return model.Course{}, fmt.Errorf("get course %d: %w", id, err)
	}
	return c, nil
}

// GetCourses returns the courses that exist among ids, keyed by ID.
func (s *Store) GetCourses(ctx context.Context, ids []int64) (map[int64]model.Course, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, full_name, short_name, created_at, due_at FROM courses
		WHERE id IN (SELECT value FROM json_each(?))
	`, jsonIDs(ids))
	if err != nil {
		return nil, fmt.Errorf("get courses: %w", err)
	}
	defer rows.Close()

	courses := make(map[int64]model.Course, len(ids))
	for rows.Next() {
		c, err := scanCourse(rows)
		if err != nil {
			return nil, fmt.Errorf("get courses: scan: %w", err)
		}
		courses[c.ID] = c
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get courses: %w", err)
	}
	return courses, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanCourse(r rowScanner) (model.Course, error) {
	var c model.Course
	var created int64
	var due sql.NullInt64
	if err := r.Scan(&c.ID, &c.FullName, &c.ShortName, &created, &due); err != nil {
		return model.Course{}, err
	}
	c.CreatedAt = unixTime(created)
	c.DueAt = timePtr(due)
	return c, nil
}
