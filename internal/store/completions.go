package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/compsync/internal/model"
)

// CompletionRow is a completed fact joined with its user and course.
// Course is nil when the course row is missing.
type CompletionRow struct {
	ID          int64
	User        model.User
	CourseID    int64
	Course      *model.Course
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// UpsertCompletion records a user's progress on a course.
func (s *Store) UpsertCompletion(ctx context.Context, f model.CompletionFact, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO completions (user_id, course_id, status, started_at, completed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, course_id) DO UPDATE SET
			status = excluded.status,
			started_at = COALESCE(excluded.started_at, completions.started_at),
			completed_at = COALESCE(excluded.completed_at, completions.completed_at),
			updated_at = excluded.updated_at
	`, f.UserID, f.CourseID, f.Status, nullUnix(f.StartedAt), nullUnix(f.CompletedAt), now.Unix())
	if err != nil {
		return fmt.Errorf("upsert completion user=%d course=%d: %w", f.UserID, f.CourseID, err)
	}
	return nil
}

// GetCompletion returns the fact for (user, course) or ErrNotFound.
func (s *Store) GetCompletion(ctx context.Context, userID, courseID int64) (model.CompletionFact, error) {
	var f model.CompletionFact
	var started, completed sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, course_id, status, started_at, completed_at
		FROM completions WHERE user_id = ? AND course_id = ?
	`, userID, courseID).Scan(&f.UserID, &f.CourseID, &f.Status, &started, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return model.CompletionFact{}, fmt.Errorf("get completion user=%d course=%d: %w", userID, courseID, ErrNotFound)
	}
	if err != nil {
		return model.CompletionFact{}, fmt.Errorf("get completion user=%d course=%d: %w", userID, courseID, err)
	}
	f.StartedAt = timePtr(started)
	f.CompletedAt = timePtr(completed)
	return f, nil
}

const completionRowColumns = `
	c.id, u.id, u.tenant_id, u.username, u.email, u.first_name, u.last_name,
	c.course_id, co.id, co.full_name, co.short_name, co.created_at, co.due_at,
	c.started_at, c.completed_at`

// CompletedPage returns up to limit completed facts for the tenant's live users on
// any of courseIDs, with completion ID greater than afterID, in ID order.
func (s *Store) CompletedPage(ctx context.Context, tenantID int64, courseIDs []int64, afterID int64, limit int) ([]CompletionRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+completionRowColumns+`
		FROM completions c
		JOIN users u ON u.id = c.user_id
		LEFT JOIN courses co ON co.id = c.course_id
		WHERE u.tenant_id = ? AND u.deleted = 0 AND c.status = ?
		  AND c.course_id IN (SELECT value FROM json_each(?))
		  AND c.id > ?
		ORDER BY c.id ASC
		LIMIT ?
	`, tenantID, model.CompletionStatusCompleted, jsonIDs(courseIDs), afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("completed page: %w", err)
	}
	return collectCompletionRows(rows)
}

// QualifyingUsers returns up to limit user IDs greater than afterUserID, in order,
// whose completed facts cover at least required distinct courses among courseIDs.
func (s *Store) QualifyingUsers(ctx context.Context, tenantID int64, courseIDs []int64, required int, afterUserID int64, limit int) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.user_id
		FROM completions c
		JOIN users u ON u.id = c.user_id
		WHERE u.tenant_id = ? AND u.deleted = 0 AND c.status = ?
		  AND c.course_id IN (SELECT value FROM json_each(?))
		  AND c.user_id > ?
		GROUP BY c.user_id
		HAVING COUNT(DISTINCT c.course_id) >= ?
		ORDER BY c.user_id ASC
		LIMIT ?
	`, tenantID, model.CompletionStatusCompleted, jsonIDs(courseIDs), afterUserID, required, limit)
	if err != nil {
		return nil, fmt.Errorf("qualifying users: %w", err)
	}
	defer rows.Close()

	ids := []int64{}
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("qualifying users: scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("qualifying users: %w", err)
	}
	return ids, nil
}

// CompletedForUsers returns every completed fact of userIDs on courseIDs,
// ordered by user then course.
func (s *Store) CompletedForUsers(ctx context.Context, tenantID int64, courseIDs, userIDs []int64) ([]CompletionRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+completionRowColumns+`
		FROM completions c
		JOIN users u ON u.id = c.user_id
		LEFT JOIN courses co ON co.id = c.course_id
		WHERE u.tenant_id = ? AND u.deleted = 0 AND c.status = ?
		  AND c.course_id IN (SELECT value FROM json_each(?))
		  AND c.user_id IN (SELECT value FROM json_each(?))
		ORDER BY c.user_id ASC, c.course_id ASC
	`, tenantID, model.CompletionStatusCompleted, jsonIDs(courseIDs), jsonIDs(userIDs))
	if err != nil {
		return nil, fmt.Errorf("completed for users: %w", err)
	}
	return collectCompletionRows(rows)
}

func collectCompletionRows(rows *sql.Rows) ([]CompletionRow, error) {
	defer rows.Close()

	out := []CompletionRow{}
	for rows.Next() {
		var r CompletionRow
		var (
			courseID                 sql.NullInt64
			fullName, shortName      sql.NullString
			courseCreated, courseDue sql.NullInt64
			started, completed       sql.NullInt64
		)
		if err := rows.Scan(
			&r.ID, &r.User.ID, &r.User.TenantID, &r.User.Username, &r.User.Email,
			&r.User.FirstName, &r.User.LastName,
			&r.CourseID, &courseID, &fullName, &shortName, &courseCreated, &courseDue,
			&started, &completed,
		); err != nil {
			return nil, fmt.Errorf("scan completion row: %w", err)
		}
		if courseID.Valid {
			r.Course = &model.Course{
				ID:        courseID.Int64,
				FullName:  fullName.String,
				ShortName: shortName.String,
				CreatedAt: unixTime(courseCreated.Int64),
				DueAt:     timePtr(courseDue),
			}
		}
		r.StartedAt = timePtr(started)
		r.CompletedAt = timePtr(completed)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("scan completion rows: %w", err)
	}
	return out, nil
}
