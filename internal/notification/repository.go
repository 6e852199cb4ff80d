package notification

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/sapliy/notification-engine/pkg/database"
	"github.com/sapliy/notification-engine/pkg/observability"
)

//go:embed migrations/*.sql
var Migrations embed.FS

const MigrationsDir = "migrations"

const notificationColumns = `
	id, title, message, type, priority, target_users, status, scheduled_for, read_by,
	delivery_attempted_at, sent_to, delivered_to, failed_deliveries, error,
	sent_at, processed_at, last_updated, created_at`

// PostgresRepository stores notifications and users in PostgreSQL. Change
// events are captured by a trigger into notification_changes.
type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNotification(row rowScanner) (*Notification, error) {
	var (
		n       Notification
		targets pq.StringArray
		readBy  pq.StringArray
		sentTo  pq.StringArray
		errMsg  sql.NullString
	)
	err := row.Scan(
		&n.ID, &n.Title, &n.Message, &n.Type, &n.Priority, &targets, &n.Status, &n.ScheduledFor, &readBy,
		&n.DeliveryAttemptedAt, &sentTo, &n.DeliveredTo, &n.FailedDeliveries, &errMsg,
		&n.SentAt, &n.ProcessedAt, &n.LastUpdated, &n.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	n.TargetUsers = targets
	n.ReadBy = readBy
	n.SentTo = sentTo
	n.Error = errMsg.String
	return &n, nil
}

// Create inserts a new notification. The insert trigger records the change.
func (r *PostgresRepository) Create(ctx context.Context, n *Notification) error {
	if !n.Status.Valid() {
		return fmt.Errorf("invalid status %q", n.Status)
	}
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	if n.TargetUsers == nil {
		n.TargetUsers = []string{}
	}

	query := `
		INSERT INTO notifications (id, title, message, type, priority, target_users, status, scheduled_for, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := r.db.ExecContext(ctx, query,
		n.ID, n.Title, n.Message, n.Type, n.Priority, pq.Array(n.TargetUsers), n.Status, n.ScheduledFor, n.CreatedAt,
	)
	return err
}

// GetByID retrieves a notification by its ID.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*Notification, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	row := r.db.QueryRowContext(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE id = $1`, id)
	n, err := scanNotification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return n, err
}

func (r *PostgresRepository) UpdateStatus(ctx context.Context, id string, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("invalid status %q", status)
	}
	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE notifications SET status = $2, last_updated = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	return expectOne(res, ErrNotFound)
}

func (r *PostgresRepository) ClaimDelivery(ctx context.Context, id string, at time.Time) (*Notification, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	query := `
		UPDATE notifications SET delivery_attempted_at = $2
		WHERE id = $1 AND status = 'sent' AND delivery_attempted_at IS NULL
		RETURNING ` + notificationColumns
	n, err := scanNotification(r.db.QueryRowContext(ctx, query, id, at))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, r.missingOr(ctx, id, ErrNotClaimable)
	}
	return n, err
}

func (r *PostgresRepository) CompleteDelivery(ctx context.Context, id string, res DeliveryResult) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}
	query := `
		UPDATE notifications
		SET sent_to = $2, delivered_to = $3, failed_deliveries = $4, error = NULLIF($5, ''),
		    sent_at = $6, last_updated = $6
		WHERE id = $1 AND sent_at IS NULL
	`
	sentTo := res.SentTo
	if sentTo == nil {
		sentTo = []string{}
	}
	out, err := r.db.ExecContext(ctx, query,
		id, pq.Array(sentTo), res.DeliveredTo, res.FailedDeliveries, res.Error, res.SentAt,
	)
	if err != nil {
		return err
	}
	if err := expectOne(out, nil); err == nil {
		return nil
	}
	return r.missingOr(ctx, id, ErrAlreadyCompleted)
}

func (r *PostgresRepository) MarkRead(ctx context.Context, id, userID string) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}
	query := `
		UPDATE notifications
		SET read_by = CASE WHEN $2::text = ANY(read_by) THEN read_by ELSE array_append(read_by, $2::text) END
		WHERE id = $1
	`
	res, err := r.db.ExecContext(ctx, query, id, userID)
	if err != nil {
		return err
	}
	return expectOne(res, ErrNotFound)
}

// PromoteScheduled is a single UPDATE, so the batch is all-or-nothing.
func (r *PostgresRepository) PromoteScheduled(ctx context.Context, now time.Time) ([]string, error) {
	query := `
		UPDATE notifications SET status = 'sent', processed_at = $1, last_updated = $1
		WHERE status = 'scheduled' AND scheduled_for <= $1
		RETURNING id
	`
	rows, err := r.db.QueryContext(ctx, query, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *PostgresRepository) StaleClaims(ctx context.Context, before time.Time) ([]*Notification, error) {
	query := `SELECT ` + notificationColumns + `
		FROM notifications
		WHERE delivery_attempted_at IS NOT NULL AND sent_at IS NULL AND delivery_attempted_at < $1
		ORDER BY delivery_attempted_at
		LIMIT 500`
	rows, err := r.db.QueryContext(ctx, query, before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (r *PostgresRepository) GetUser(ctx context.Context, userID string) (*User, error) {
	var u User
	err := r.db.QueryRowContext(ctx,
		`SELECT id, display_name, admin FROM users WHERE id = $1`, userID,
	).Scan(&u.ID, &u.DisplayName, &u.Admin)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	u.Registrations, err = r.Registrations(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *PostgresRepository) Registrations(ctx context.Context, userID string) ([]Registration, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT user_id, channel, device_id, token, updated_at
		FROM user_registrations WHERE user_id = $1
		ORDER BY channel, device_id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var regs []Registration
	for rows.Next() {
		var reg Registration
		if err := rows.Scan(&reg.UserID, &reg.Channel, &reg.DeviceID, &reg.Token, &reg.UpdatedAt); err != nil {
			return nil, err
		}
		regs = append(regs, reg)
	}
	return regs, rows.Err()
}

// DeleteRegistrations removes all keys in one statement.
func (r *PostgresRepository) DeleteRegistrations(ctx context.Context, keys []RegistrationKey) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	users := make([]string, len(keys))
	channels := make([]string, len(keys))
	tokens := make([]string, len(keys))
	for i, k := range keys {
		users[i] = k.UserID
		channels[i] = string(k.Channel)
		tokens[i] = k.Token
	}

	res, err := r.db.ExecContext(ctx, `
		DELETE FROM user_registrations r
		USING unnest($1::text[], $2::text[], $3::text[]) AS k(user_id, channel, token)
		WHERE r.user_id = k.user_id AND r.channel = k.channel AND r.token = k.token`,
		pq.Array(users), pq.Array(channels), pq.Array(tokens),
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Migrate applies the embedded schema and returns its version.
func (r *PostgresRepository) Migrate() (uint, error) {
	return database.Migrate(r.db, Migrations, MigrationsDir)
}

func (r *PostgresRepository) Close(ctx context.Context) error {
	return r.db.Close()
}

// Feed returns the outbox relay that publishes this store's change rows.
func (r *PostgresRepository) Feed(cfg OutboxConfig, log *observability.Logger) *OutboxRelay {
	return NewOutboxRelay(r.db, cfg, log)
}

func (r *PostgresRepository) missingOr(ctx context.Context, id string, otherwise error) error {
	var exists bool
	if err := r.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM notifications WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return otherwise
}

func expectOne(res sql.Result, none error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if none == nil {
			return sql.ErrNoRows
		}
		return none
	}
	return nil
}
