package notification

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Message is the channel-independent content of one delivery.
type Message struct {
	Title string
	Body  string
	Data  map[string]string
}

func messageFor(n *Notification) Message {
	return Message{
		Title: n.Title,
		Body:  n.Message,
		Data: map[string]string{
			"notificationId": n.ID,
			"type":           n.Type,
			"priority":       n.Priority,
		},
	}
}

// Target is one resolved (user, channel, device) address.
type Target struct {
	UserID   string
	Channel  Channel
	DeviceID string
	Token    string
}

// Result is what a channel reports for one Deliver call. It is either a
// PerTokenResult or an AggregateResult.
type Result interface {
	isResult()
}

// PerTokenResult carries one outcome per target, in target order.
type PerTokenResult struct {
	Outcomes []TokenOutcome
}

// AggregateResult carries only accepted and rejected counts.
type AggregateResult struct {
	Accepted int
	Rejected int
}

func (PerTokenResult) isResult()  {}
func (AggregateResult) isResult() {}

type TokenOutcome struct {
	Token   string
	Success bool
	Reason  string
	// Permanent marks a registration that will never succeed again.
	Permanent bool
}

// Driver delivers one message to a batch of targets on its channel.
// A returned error means the whole batch failed.
type Driver interface {
	Deliver(ctx context.Context, msg Message, targets []Target) (Result, error)
	Channel() Channel
}

// DriverRegistry holds all configured channel drivers.
type DriverRegistry struct {
	mu      sync.RWMutex
	drivers map[Channel]Driver
}

func NewDriverRegistry() *DriverRegistry {
	return &DriverRegistry{
		drivers: make(map[Channel]Driver),
	}
}

func (r *DriverRegistry) Register(driver Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[driver.Channel()] = driver
}

func (r *DriverRegistry) Get(channel Channel) (Driver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	driver, ok := r.drivers[channel]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoDriver, channel)
	}
	return driver, nil
}

func (r *DriverRegistry) Channels() []Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Channel, 0, len(r.drivers))
	for ch := range r.drivers {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func tokensOf(targets []Target) []string {
	tokens := make([]string, len(targets))
	for i, t := range targets {
		tokens[i] = t.Token
	}
	return tokens
}

func chunk[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = len(items)
	}
	var out [][]T
	for len(items) > 0 {
		n := size
		if n > len(items) {
			n = len(items)
		}
		out = append(out, items[:n])
		items = items[n:]
	}
	return out
}
