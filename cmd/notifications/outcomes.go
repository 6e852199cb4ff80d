package main

import (
	"encoding/json"
	"errors"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sapliy/notification-engine/internal/notification"
	"github.com/sapliy/notification-engine/pkg/messaging"
)

var outcomesCmd = &cobra.Command{
	Use:   "outcomes",
	Short: "Follow the delivery outcome topic and log each event",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(cfg.Kafka.Brokers) == 0 {
			return errors.New("kafka.brokers is not configured")
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		log := newLogger(cfg)
		consumer := messaging.NewKafkaConsumer(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.GroupID, log)
		defer consumer.Close()

		log.Info().Str("topic", cfg.Kafka.Topic).Msg("following delivery outcomes")
		consumer.Consume(ctx, func(key string, value []byte) error {
			var ev notification.DeliveryOutcomeEvent
			if err := json.Unmarshal(value, &ev); err != nil {
				return err
			}
			log.Info().
				Str("notification_id", ev.NotificationID).
				Int("delivered", ev.DeliveredTo).
				Int("failed", ev.FailedDeliveries).
				Int("pruned", ev.PrunedTokens).
				Str("error", ev.Error).
				Msg("delivery outcome")
			return nil
		})
		return nil
	},
}
