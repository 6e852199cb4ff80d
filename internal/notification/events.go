package notification

import (
	"encoding/json"
	"fmt"
	"time"
)

// ChangeOp is the kind of write that produced a change event.
type ChangeOp string

const (
	OpInsert ChangeOp = "insert"
	OpUpdate ChangeOp = "update"
)

// ChangeEvent describes one write to a notification record as seen by the
// store: the status before the write (empty on insert) and after it.
type ChangeEvent struct {
	ID             string    `json:"id"`
	Op             ChangeOp  `json:"op"`
	NotificationID string    `json:"notification_id"`
	StatusBefore   Status    `json:"status_before,omitempty"`
	StatusAfter    Status    `json:"status_after"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// Qualifies reports whether the write moved the record into sent.
func (e ChangeEvent) Qualifies() bool {
	switch e.Op {
	case OpInsert:
		return e.StatusAfter == StatusSent
	case OpUpdate:
		return e.StatusBefore != StatusSent && e.StatusAfter == StatusSent
	}
	return false
}

func ParseChangeEvent(body []byte) (ChangeEvent, error) {
	var ev ChangeEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return ev, fmt.Errorf("failed to unmarshal change event: %w", err)
	}
	if ev.NotificationID == "" {
		return ev, fmt.Errorf("change event %q has no notification id", ev.ID)
	}
	return ev, nil
}

// DeliveryOutcomeEvent is published for every terminal write.
type DeliveryOutcomeEvent struct {
	NotificationID   string         `json:"notification_id"`
	SentTo           []string       `json:"sent_to"`
	DeliveredTo      int            `json:"delivered_to"`
	FailedDeliveries int            `json:"failed_deliveries"`
	Error            string         `json:"error,omitempty"`
	Channels         []ChannelTally `json:"channels,omitempty"`
	PrunedTokens     int            `json:"pruned_tokens"`
	SentAt           time.Time      `json:"sent_at"`
}

type ChannelTally struct {
	Channel   Channel `json:"channel"`
	Attempted int     `json:"attempted"`
	Delivered int     `json:"delivered"`
	Failed    int     `json:"failed"`
	Error     string  `json:"error,omitempty"`
}
