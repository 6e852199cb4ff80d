package notification

import (
	"context"
)

// JSONPublisher is satisfied by the Kafka producer (key = partition key)
// and by the RabbitMQ client (key = queue name).
type JSONPublisher interface {
	PublishJSON(ctx context.Context, key string, v any) error
}

// OutcomeTopic publishes delivery outcomes keyed by notification ID.
type OutcomeTopic struct {
	pub JSONPublisher
}

func NewOutcomeTopic(pub JSONPublisher) *OutcomeTopic {
	return &OutcomeTopic{pub: pub}
}

func (t *OutcomeTopic) PublishOutcome(ctx context.Context, ev DeliveryOutcomeEvent) error {
	return t.pub.PublishJSON(ctx, ev.NotificationID, ev)
}

// QueueEmitter returns an emit func for ChangeFeed.Run that forwards
// every change event to queue.
func QueueEmitter(pub JSONPublisher, queue string) func(context.Context, ChangeEvent) error {
	return func(ctx context.Context, ev ChangeEvent) error {
		return pub.PublishJSON(ctx, queue, ev)
	}
}
