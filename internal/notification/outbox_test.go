package notification

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sapliy/notification-engine/pkg/observability"
)

var (
	outboxSelectSQL = regexp.QuoteMeta("SELECT id, notification_id, op, COALESCE(status_before, ''), status_after, created_at FROM notification_changes")
	outboxMarkSQL   = regexp.QuoteMeta("UPDATE notification_changes SET published_at = NOW() WHERE id = $1 AND published_at IS NULL")
)

func outboxRows(ids ...int64) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"id", "notification_id", "op", "status_before", "status_after", "created_at"})
	for _, id := range ids {
		rows.AddRow(id, testNotificationID, "update", "draft", "sent", testNow)
	}
	return rows
}

func newMockRelay(t *testing.T, batch int) (*OutboxRelay, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewOutboxRelay(db, OutboxConfig{BatchSize: batch}, observability.Nop()), mock
}

func TestOutboxRelay_MarksEachEmittedRow(t *testing.T) {
	relay, mock := newMockRelay(t, 10)
	mock.ExpectQuery(outboxSelectSQL).WithArgs(10).WillReturnRows(outboxRows(1, 2))
	mock.ExpectExec(outboxMarkSQL).WithArgs(int64(1)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(outboxMarkSQL).WithArgs(int64(2)).WillReturnResult(sqlmock.NewResult(0, 1))

	var got []ChangeEvent
	n, err := relay.poll(context.Background(), func(_ context.Context, ev ChangeEvent) error {
		got = append(got, ev)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, got, 2)
	assert.Equal(t, "pg-1", got[0].ID)
	assert.Equal(t, OpUpdate, got[0].Op)
	assert.Equal(t, StatusDraft, got[0].StatusBefore)
	assert.True(t, got[0].Qualifies())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOutboxRelay_FailedEmitLeavesRestUnpublished(t *testing.T) {
	relay, mock := newMockRelay(t, 10)
	mock.ExpectQuery(outboxSelectSQL).WithArgs(10).WillReturnRows(outboxRows(1, 2, 3))
	mock.ExpectExec(outboxMarkSQL).WithArgs(int64(1)).WillReturnResult(sqlmock.NewResult(0, 1))

	calls := 0
	n, err := relay.poll(context.Background(), func(_ context.Context, ev ChangeEvent) error {
		calls++
		if ev.ID == "pg-2" {
			return errors.New("broker down")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, calls, "emit stops at the first failure")
	// No transaction is opened and rows 2 and 3 are never marked.
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestOutboxRelay_MarkFailureIsReported(t *testing.T) {
	relay, mock := newMockRelay(t, 10)
	mock.ExpectQuery(outboxSelectSQL).WithArgs(10).WillReturnRows(outboxRows(7))
	mock.ExpectExec(outboxMarkSQL).WithArgs(int64(7)).WillReturnError(errors.New("conn reset"))

	n, err := relay.poll(context.Background(), func(context.Context, ChangeEvent) error { return nil })
	assert.ErrorContains(t, err, "mark outbox published")
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
