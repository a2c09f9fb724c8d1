package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/compsync/internal/model"
)

var testNow = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

func seedTenant(t *testing.T, s *Store, id int64) {
	t.Helper()
	require.NoError(t, s.UpsertTenant(context.Background(), model.Tenant{ID: id, Name: "tenant"}))
}

func seedUser(t *testing.T, s *Store, id, tenantID int64) {
	t.Helper()
	require.NoError(t, s.UpsertUser(context.Background(), model.User{
		ID: id, TenantID: tenantID, Username: "u", Email: "u@example.test", FirstName: "U", LastName: "Ser",
	}))
}

func seedCourse(t *testing.T, s *Store, id int64) {
	t.Helper()
	require.NoError(t, s.UpsertCourse(context.Background(), model.Course{
		ID: id, FullName: "Course", CreatedAt: testNow.Add(-48 * time.Hour),
	}))
}

func seedCompleted(t *testing.T, s *Store, userID, courseID int64) {
	t.Helper()
	done := testNow
	require.NoError(t, s.UpsertCompletion(context.Background(), model.CompletionFact{
		UserID: userID, CourseID: courseID, Status: model.CompletionStatusCompleted, CompletedAt: &done,
	}, testNow))
}
