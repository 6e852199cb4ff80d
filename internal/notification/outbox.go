package notification

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/sapliy/notification-engine/pkg/observability"
)

type OutboxConfig struct {
	PollInterval time.Duration
	BatchSize    int
}

// OutboxRelay turns notification_changes rows into change events, in id
// order. A row is marked published only after emit succeeded, so a
// failing emit stops the batch and the rest is retried on the next poll.
type OutboxRelay struct {
	db  *sql.DB
	cfg OutboxConfig
	log *observability.Logger
}

func NewOutboxRelay(db *sql.DB, cfg OutboxConfig, log *observability.Logger) *OutboxRelay {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &OutboxRelay{db: db, cfg: cfg, log: log.Component("outbox")}
}

func (r *OutboxRelay) Run(ctx context.Context, emit func(context.Context, ChangeEvent) error) error {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	r.log.Info().Dur("interval", r.cfg.PollInterval).Msg("outbox relay started")
	for {
		for {
			n, err := r.poll(ctx, emit)
			if err != nil {
				r.log.Error().Err(err).Msg("outbox poll failed")
				break
			}
			if n < r.cfg.BatchSize {
				break
			}
		}

		select {
		case <-ctx.Done():
			r.log.Info().Msg("outbox relay stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// poll publishes one batch and returns how many rows it marked published.
// No transaction spans emit: a row emitted but not yet marked is emitted
// again on the next poll, and the dispatcher claim absorbs the duplicate.
func (r *OutboxRelay) poll(ctx context.Context, emit func(context.Context, ChangeEvent) error) (int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, notification_id, op, COALESCE(status_before, ''), status_after, created_at
		FROM notification_changes
		WHERE published_at IS NULL
		ORDER BY id
		LIMIT $1`, r.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("query outbox: %w", err)
	}

	type row struct {
		id int64
		ev ChangeEvent
	}
	var batch []row
	for rows.Next() {
		var rw row
		if err := rows.Scan(&rw.id, &rw.ev.NotificationID, &rw.ev.Op, &rw.ev.StatusBefore, &rw.ev.StatusAfter, &rw.ev.OccurredAt); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan outbox row: %w", err)
		}
		rw.ev.ID = "pg-" + strconv.FormatInt(rw.id, 10)
		batch = append(batch, rw)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	published := 0
	defer func() { OutboxLag.Set(float64(len(batch) - published)) }()
	for _, rw := range batch {
		if err := emit(ctx, rw.ev); err != nil {
			r.log.Warn().Err(err).Str("event_id", rw.ev.ID).Msg("failed to publish change, will retry")
			return published, nil
		}
		if _, err := r.db.ExecContext(ctx,
			`UPDATE notification_changes SET published_at = NOW() WHERE id = $1 AND published_at IS NULL`, rw.id); err != nil {
			return published, fmt.Errorf("mark outbox published: %w", err)
		}
		published++
	}
	return published, nil
}
