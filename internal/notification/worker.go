package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sapliy/notification-engine/pkg/observability"
)

const processedTTL = 24 * time.Hour

// ChangeHandler is the dispatcher side of the worker.
type ChangeHandler interface {
	HandleChange(ctx context.Context, ev ChangeEvent) error
}

// Worker consumes change events. A Redis key per notification and event ID
// skips redelivered events before they reach the store; the claim in the
// dispatcher remains the actual guard. Event IDs alone are only unique per
// store, so the key always carries the notification ID as well.
type Worker struct {
	handler ChangeHandler
	redis   redis.UniversalClient
	log     *observability.Logger
}

func NewWorker(handler ChangeHandler, redisClient redis.UniversalClient, log *observability.Logger) *Worker {
	return &Worker{
		handler: handler,
		redis:   redisClient,
		log:     log.Component("worker"),
	}
}

// ProcessMessage is the queue entry point. A returned error requeues the
// message; malformed bodies are dropped.
func (w *Worker) ProcessMessage(ctx context.Context, body []byte) error {
	ev, err := ParseChangeEvent(body)
	if err != nil {
		w.log.WithContext(ctx).Error().Err(err).Msg("dropping malformed change event")
		return nil
	}
	return w.Handle(ctx, ev)
}

func (w *Worker) Handle(ctx context.Context, ev ChangeEvent) error {
	log := w.log.WithContext(ctx)
	key := fmt.Sprintf("notif:change:%s:%s", ev.NotificationID, ev.ID)

	if w.redis != nil && ev.ID != "" {
		exists, err := w.redis.Exists(ctx, key).Result()
		if err != nil {
			log.Warn().Err(err).Msg("redis error checking idempotency")
		} else if exists > 0 {
			log.Debug().Str("event_id", ev.ID).Msg("change event already processed (idempotent skip)")
			return nil
		}
	}

	if err := w.handler.HandleChange(ctx, ev); err != nil {
		log.Error().Err(err).Str("event_id", ev.ID).Str("notification_id", ev.NotificationID).Msg("failed to handle change event")
		return err
	}

	if w.redis != nil && ev.ID != "" {
		if err := w.redis.Set(ctx, key, "1", processedTTL).Err(); err != nil {
			log.Warn().Err(err).Msg("redis error recording processed event")
		}
	}
	return nil
}
