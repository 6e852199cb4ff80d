package notification

import (
	"context"
	"database/sql/driver"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testNotificationID = "7b1e4c2a-3f5d-4e6a-9b8c-1d2e3f4a5b6c"

func newMockRepository(t *testing.T) (*PostgresRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresRepository(db), mock
}

func notificationRows(attemptedAt, sentAt driver.Value) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "title", "message", "type", "priority", "target_users", "status", "scheduled_for", "read_by",
		"delivery_attempted_at", "sent_to", "delivered_to", "failed_deliveries", "error",
		"sent_at", "processed_at", "last_updated", "created_at",
	}).AddRow(
		testNotificationID, "Hello", "World", "", "", "{u1,u2}", "sent", nil, "{}",
		attemptedAt, "{}", int64(0), int64(0), nil,
		sentAt, nil, nil, testNow,
	)
}

func expectExists(mock sqlmock.Sqlmock, exists bool) {
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS (SELECT 1 FROM notifications WHERE id = $1)")).
		WithArgs(testNotificationID).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(exists))
}

func TestPostgresRepository_ClaimDelivery(t *testing.T) {
	claimSQL := regexp.QuoteMeta("UPDATE notifications SET delivery_attempted_at = $2")

	t.Run("won", func(t *testing.T) {
		repo, mock := newMockRepository(t)
		mock.ExpectQuery(claimSQL).
			WithArgs(testNotificationID, testNow).
			WillReturnRows(notificationRows(testNow, nil))

		n, err := repo.ClaimDelivery(context.Background(), testNotificationID, testNow)
		require.NoError(t, err)
		assert.Equal(t, []string{"u1", "u2"}, n.TargetUsers)
		assert.Equal(t, StatusSent, n.Status)
		require.NotNil(t, n.DeliveryAttemptedAt)
		assert.True(t, n.DeliveryAttemptedAt.Equal(testNow))
		assert.Nil(t, n.ScheduledFor)
		assert.False(t, n.Delivered())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("lost to another claimer", func(t *testing.T) {
		repo, mock := newMockRepository(t)
		mock.ExpectQuery(claimSQL).
			WithArgs(testNotificationID, testNow).
			WillReturnRows(sqlmock.NewRows(nil))
		expectExists(mock, true)

		_, err := repo.ClaimDelivery(context.Background(), testNotificationID, testNow)
		assert.ErrorIs(t, err, ErrNotClaimable)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("missing record", func(t *testing.T) {
		repo, mock := newMockRepository(t)
		mock.ExpectQuery(claimSQL).
			WithArgs(testNotificationID, testNow).
			WillReturnRows(sqlmock.NewRows(nil))
		expectExists(mock, false)

		_, err := repo.ClaimDelivery(context.Background(), testNotificationID, testNow)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("malformed id never reaches the database", func(t *testing.T) {
		repo, mock := newMockRepository(t)

		_, err := repo.ClaimDelivery(context.Background(), "not-a-uuid", testNow)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresRepository_CompleteDelivery(t *testing.T) {
	completeSQL := regexp.QuoteMeta("UPDATE notifications SET sent_to = $2")
	res := DeliveryResult{SentTo: []string{"u1"}, DeliveredTo: 1, FailedDeliveries: 1, Error: "expo: 500", SentAt: testNow}

	t.Run("first completion", func(t *testing.T) {
		repo, mock := newMockRepository(t)
		mock.ExpectExec(completeSQL).
			WithArgs(testNotificationID, sqlmock.AnyArg(), 1, 1, "expo: 500", testNow).
			WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, repo.CompleteDelivery(context.Background(), testNotificationID, res))
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("second completion is rejected", func(t *testing.T) {
		repo, mock := newMockRepository(t)
		mock.ExpectExec(completeSQL).
			WithArgs(testNotificationID, sqlmock.AnyArg(), 1, 1, "expo: 500", testNow).
			WillReturnResult(sqlmock.NewResult(0, 0))
		expectExists(mock, true)

		err := repo.CompleteDelivery(context.Background(), testNotificationID, res)
		assert.ErrorIs(t, err, ErrAlreadyCompleted)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestPostgresRepository_MarkReadMissing(t *testing.T) {
	repo, mock := newMockRepository(t)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE notifications SET read_by")).
		WithArgs(testNotificationID, "u1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.MarkRead(context.Background(), testNotificationID, "u1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_PromoteScheduled(t *testing.T) {
	repo, mock := newMockRepository(t)
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE notifications SET status = 'sent', processed_at = $1")).
		WithArgs(testNow).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("a").AddRow("b"))

	ids, err := repo.PromoteScheduled(context.Background(), testNow)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresRepository_DeleteRegistrations(t *testing.T) {
	repo, mock := newMockRepository(t)

	n, err := repo.DeleteRegistrations(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM user_registrations r")).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 2))

	n, err = repo.DeleteRegistrations(context.Background(), []RegistrationKey{
		{UserID: "u1", Channel: ChannelFCM, Token: "T1"},
		{UserID: "u2", Channel: ChannelExpo, Token: "ExponentPushToken[x]"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
