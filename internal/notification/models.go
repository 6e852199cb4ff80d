package notification

import (
	"time"
)

type Channel string

const (
	// ChannelFCM is the multicast-capable provider with per-token results.
	ChannelFCM Channel = "fcm"
	// ChannelExpo is the batch HTTP provider that only reports per-request status.
	ChannelExpo Channel = "expo"
	// ChannelEmail delivers to registered addresses through Resend.
	ChannelEmail Channel = "email"
)

type Status string

const (
	StatusDraft     Status = "draft"
	StatusScheduled Status = "scheduled"
	StatusSent      Status = "sent"
)

func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusScheduled, StatusSent:
		return true
	}
	return false
}

type Notification struct {
	ID           string     `json:"id" bson:"_id,omitempty"`
	Title        string     `json:"title" bson:"title"`
	Message      string     `json:"message" bson:"message"`
	Type         string     `json:"type,omitempty" bson:"type,omitempty"`
	Priority     string     `json:"priority,omitempty" bson:"priority,omitempty"`
	TargetUsers  []string   `json:"targetUsers" bson:"targetUsers"`
	Status       Status     `json:"status" bson:"status"`
	ScheduledFor *time.Time `json:"scheduledFor,omitempty" bson:"scheduledFor,omitempty"`
	ReadBy       []string   `json:"readBy,omitempty" bson:"readBy,omitempty"`
	CreatedAt    time.Time  `json:"createdAt" bson:"createdAt"`

	// Written only by the engine.
	DeliveryAttemptedAt *time.Time `json:"deliveryAttemptedAt,omitempty" bson:"deliveryAttemptedAt,omitempty"`
	SentTo              []string   `json:"sentTo,omitempty" bson:"sentTo,omitempty"`
	DeliveredTo         int        `json:"deliveredTo" bson:"deliveredTo"`
	FailedDeliveries    int        `json:"failedDeliveries" bson:"failedDeliveries"`
	Error               string     `json:"error,omitempty" bson:"error,omitempty"`
	SentAt              *time.Time `json:"sentAt,omitempty" bson:"sentAt,omitempty"`
	ProcessedAt         *time.Time `json:"processedAt,omitempty" bson:"processedAt,omitempty"`
	LastUpdated         *time.Time `json:"lastUpdated,omitempty" bson:"lastUpdated,omitempty"`
}

// Delivered reports whether the terminal record has been written.
func (n *Notification) Delivered() bool {
	return n.SentAt != nil
}

// Registration is one device address of a user on one channel.
type Registration struct {
	UserID    string    `json:"userId" bson:"userId"`
	Channel   Channel   `json:"channel" bson:"channel"`
	DeviceID  string    `json:"deviceId" bson:"deviceId"`
	Token     string    `json:"token" bson:"token"`
	UpdatedAt time.Time `json:"updatedAt" bson:"updatedAt"`
}

// RegistrationKey identifies the registrations removed by a prune.
type RegistrationKey struct {
	UserID  string
	Channel Channel
	Token   string
}

type User struct {
	ID            string         `json:"id" bson:"_id"`
	DisplayName   string         `json:"displayName,omitempty" bson:"displayName,omitempty"`
	Admin         bool           `json:"admin" bson:"admin"`
	Registrations []Registration `json:"registrations,omitempty" bson:"registrations,omitempty"`
}

// DeliveryResult is the terminal write of one delivery attempt.
type DeliveryResult struct {
	SentTo           []string
	DeliveredTo      int
	FailedDeliveries int
	Error            string
	SentAt           time.Time
}

// TestNotificationRequest is the body of the sendTestNotification call.
type TestNotificationRequest struct {
	Title        string `json:"title"`
	Message      string `json:"message"`
	TargetUserID string `json:"targetUserId"`
}

type TestNotificationResult struct {
	DeliveredTo      int `json:"deliveredTo"`
	FailedDeliveries int `json:"failedDeliveries"`
}
