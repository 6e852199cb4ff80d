package notification

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store and ChangeFeed for local runs and
// tests. Every write to a notification queues a change event.
type MemoryStore struct {
	mu            sync.Mutex
	notifications map[string]*Notification
	users         map[string]*User
	pending       []ChangeEvent
	notify        chan struct{}
	now           func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		notifications: make(map[string]*Notification),
		users:         make(map[string]*User),
		notify:        make(chan struct{}, 1),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// PutUser creates or replaces a user with its registrations.
func (s *MemoryStore) PutUser(u User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := u
	cp.Registrations = append([]Registration(nil), u.Registrations...)
	for i := range cp.Registrations {
		cp.Registrations[i].UserID = u.ID
	}
	s.users[u.ID] = &cp
}

func (s *MemoryStore) Create(ctx context.Context, n *Notification) error {
	if !n.Status.Valid() {
		return fmt.Errorf("invalid status %q", n.Status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if _, exists := s.notifications[n.ID]; exists {
		return fmt.Errorf("notification %s already exists", n.ID)
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = s.now()
	}
	s.notifications[n.ID] = cloneNotification(n)
	s.emitLocked(OpInsert, n.ID, "", n.Status)
	return nil
}

func (s *MemoryStore) GetByID(ctx context.Context, id string) (*Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneNotification(n), nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, id string, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("invalid status %q", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[id]
	if !ok {
		return ErrNotFound
	}
	before := n.Status
	now := s.now()
	n.Status = status
	n.LastUpdated = &now
	s.emitLocked(OpUpdate, id, before, status)
	return nil
}

func (s *MemoryStore) ClaimDelivery(ctx context.Context, id string, at time.Time) (*Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[id]
	if !ok {
		return nil, ErrNotFound
	}
	if n.Status != StatusSent || n.DeliveryAttemptedAt != nil {
		return nil, ErrNotClaimable
	}
	n.DeliveryAttemptedAt = &at
	return cloneNotification(n), nil
}

func (s *MemoryStore) CompleteDelivery(ctx context.Context, id string, res DeliveryResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[id]
	if !ok {
		return ErrNotFound
	}
	if n.Delivered() {
		return ErrAlreadyCompleted
	}
	sentAt := res.SentAt
	n.SentTo = append([]string(nil), res.SentTo...)
	n.DeliveredTo = res.DeliveredTo
	n.FailedDeliveries = res.FailedDeliveries
	n.Error = res.Error
	n.SentAt = &sentAt
	n.LastUpdated = &sentAt
	s.emitLocked(OpUpdate, id, n.Status, n.Status)
	return nil
}

func (s *MemoryStore) MarkRead(ctx context.Context, id, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.notifications[id]
	if !ok {
		return ErrNotFound
	}
	for _, u := range n.ReadBy {
		if u == userID {
			return nil
		}
	}
	n.ReadBy = append(n.ReadBy, userID)
	return nil
}

func (s *MemoryStore) PromoteScheduled(ctx context.Context, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*Notification
	for _, n := range s.notifications {
		if n.Status == StatusScheduled && n.ScheduledFor != nil && !n.ScheduledFor.After(now) {
			due = append(due, n)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ScheduledFor.Before(*due[j].ScheduledFor) })

	ids := make([]string, 0, len(due))
	for _, n := range due {
		processed := now
		n.Status = StatusSent
		n.ProcessedAt = &processed
		n.LastUpdated = &processed
		ids = append(ids, n.ID)
		s.emitLocked(OpUpdate, n.ID, StatusScheduled, StatusSent)
	}
	return ids, nil
}

func (s *MemoryStore) StaleClaims(ctx context.Context, before time.Time) ([]*Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Notification
	for _, n := range s.notifications {
		if n.DeliveryAttemptedAt != nil && !n.Delivered() && n.DeliveryAttemptedAt.Before(before) {
			out = append(out, cloneNotification(n))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) GetUser(ctx context.Context, userID string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	cp.Registrations = append([]Registration(nil), u.Registrations...)
	return &cp, nil
}

// Registrations returns nothing for an unknown user.
func (s *MemoryStore) Registrations(ctx context.Context, userID string) ([]Registration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return nil, nil
	}
	return append([]Registration(nil), u.Registrations...), nil
}

func (s *MemoryStore) DeleteRegistrations(ctx context.Context, keys []RegistrationKey) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	drop := make(map[RegistrationKey]struct{}, len(keys))
	for _, k := range keys {
		drop[k] = struct{}{}
	}

	removed := 0
	for _, u := range s.users {
		kept := u.Registrations[:0]
		for _, r := range u.Registrations {
			if _, ok := drop[RegistrationKey{UserID: u.ID, Channel: r.Channel, Token: r.Token}]; ok {
				removed++
				continue
			}
			kept = append(kept, r)
		}
		u.Registrations = kept
	}
	return removed, nil
}

func (s *MemoryStore) Close(ctx context.Context) error {
	return nil
}

// Run emits queued change events in write order until ctx is done.
// Emit errors are not retried.
func (s *MemoryStore) Run(ctx context.Context, emit func(context.Context, ChangeEvent) error) error {
	for {
		s.mu.Lock()
		batch := s.pending
		s.pending = nil
		s.mu.Unlock()

		for _, ev := range batch {
			_ = emit(ctx, ev)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-s.notify:
		}
	}
}

func (s *MemoryStore) emitLocked(op ChangeOp, id string, before, after Status) {
	s.pending = append(s.pending, ChangeEvent{
		ID:             uuid.NewString(),
		Op:             op,
		NotificationID: id,
		StatusBefore:   before,
		StatusAfter:    after,
		OccurredAt:     s.now(),
	})
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Drain returns and clears the queued change events without emitting them.
func (s *MemoryStore) Drain() []ChangeEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.pending
	s.pending = nil
	return out
}

func cloneNotification(n *Notification) *Notification {
	cp := *n
	cp.TargetUsers = append([]string(nil), n.TargetUsers...)
	cp.ReadBy = append([]string(nil), n.ReadBy...)
	cp.SentTo = append([]string(nil), n.SentTo...)
	cp.ScheduledFor = cloneTime(n.ScheduledFor)
	cp.DeliveryAttemptedAt = cloneTime(n.DeliveryAttemptedAt)
	cp.SentAt = cloneTime(n.SentAt)
	cp.ProcessedAt = cloneTime(n.ProcessedAt)
	cp.LastUpdated = cloneTime(n.LastUpdated)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
