package notification

import (
	"context"
	"time"
)

// Repository persists notification records. Implementations must make
// ClaimDelivery a single-document compare-and-set and CompleteDelivery
// conditional on the terminal record not existing yet.
type Repository interface {
	Create(ctx context.Context, n *Notification) error
	GetByID(ctx context.Context, id string) (*Notification, error)
	UpdateStatus(ctx context.Context, id string, status Status) error

	// ClaimDelivery stamps deliveryAttemptedAt when the record is sent and
	// unclaimed, and returns the claimed record. Otherwise ErrNotClaimable.
	ClaimDelivery(ctx context.Context, id string, at time.Time) (*Notification, error)
	// CompleteDelivery writes the post-delivery fields in one update.
	CompleteDelivery(ctx context.Context, id string, res DeliveryResult) error

	// MarkRead adds userID to readBy with set semantics.
	MarkRead(ctx context.Context, id, userID string) error

	// PromoteScheduled flips every scheduled record due at now to sent in
	// one atomic write and returns the promoted IDs.
	PromoteScheduled(ctx context.Context, now time.Time) ([]string, error)
	// StaleClaims lists claimed records without a terminal write whose
	// claim is older than before.
	StaleClaims(ctx context.Context, before time.Time) ([]*Notification, error)
}

// UserDirectory reads users and their channel registrations.
type UserDirectory interface {
	GetUser(ctx context.Context, userID string) (*User, error)
	Registrations(ctx context.Context, userID string) ([]Registration, error)
	// DeleteRegistrations removes exactly the given entries in one atomic
	// write and returns how many were removed.
	DeleteRegistrations(ctx context.Context, keys []RegistrationKey) (int, error)
}

// Store is the full persistence surface used by the service.
type Store interface {
	Repository
	UserDirectory
	Close(ctx context.Context) error
}

// ChangeFeed emits change events for notification writes until ctx is done.
type ChangeFeed interface {
	Run(ctx context.Context, emit func(context.Context, ChangeEvent) error) error
}

// OutcomePublisher receives delivery outcomes. Publishing is best effort.
type OutcomePublisher interface {
	PublishOutcome(ctx context.Context, ev DeliveryOutcomeEvent) error
}
