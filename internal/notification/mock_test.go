package notification

import (
	"context"
	"sync"
	"time"

	"github.com/sapliy/notification-engine/pkg/push"
)

// MockUserDirectory is a function-field fake; nil funcs return zero values.
type MockUserDirectory struct {
	GetUserFunc             func(ctx context.Context, userID string) (*User, error)
	RegistrationsFunc       func(ctx context.Context, userID string) ([]Registration, error)
	DeleteRegistrationsFunc func(ctx context.Context, keys []RegistrationKey) (int, error)
}

func (m *MockUserDirectory) GetUser(ctx context.Context, userID string) (*User, error) {
	if m.GetUserFunc == nil {
		return nil, ErrUserNotFound
	}
	return m.GetUserFunc(ctx, userID)
}

func (m *MockUserDirectory) Registrations(ctx context.Context, userID string) ([]Registration, error) {
	if m.RegistrationsFunc == nil {
		return nil, nil
	}
	return m.RegistrationsFunc(ctx, userID)
}

func (m *MockUserDirectory) DeleteRegistrations(ctx context.Context, keys []RegistrationKey) (int, error) {
	if m.DeleteRegistrationsFunc == nil {
		return len(keys), nil
	}
	return m.DeleteRegistrationsFunc(ctx, keys)
}

// fakeDriver records every call and answers through DeliverFunc.
type fakeDriver struct {
	channel     Channel
	DeliverFunc func(ctx context.Context, msg Message, targets []Target) (Result, error)

	mu    sync.Mutex
	calls [][]Target
	msgs  []Message
}

func (f *fakeDriver) Channel() Channel { return f.channel }

func (f *fakeDriver) Deliver(ctx context.Context, msg Message, targets []Target) (Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, append([]Target(nil), targets...))
	f.msgs = append(f.msgs, msg)
	f.mu.Unlock()
	if f.DeliverFunc == nil {
		outcomes := make([]TokenOutcome, len(targets))
		for i, t := range targets {
			outcomes[i] = TokenOutcome{Token: t.Token, Success: true}
		}
		return PerTokenResult{Outcomes: outcomes}, nil
	}
	return f.DeliverFunc(ctx, msg, targets)
}

func (f *fakeDriver) Calls() [][]Target {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]Target(nil), f.calls...)
}

// fakeMulticast stands in for the FCM HTTP client.
type fakeMulticast struct {
	SendMulticastFunc func(ctx context.Context, msg push.FCMMessage, tokens []string) (*push.BatchResponse, error)

	mu     sync.Mutex
	tokens [][]string
}

func (f *fakeMulticast) SendMulticast(ctx context.Context, msg push.FCMMessage, tokens []string) (*push.BatchResponse, error) {
	f.mu.Lock()
	f.tokens = append(f.tokens, append([]string(nil), tokens...))
	f.mu.Unlock()
	return f.SendMulticastFunc(ctx, msg, tokens)
}

// multicastAnswer fails the tokens listed in reasons and succeeds the rest.
func multicastAnswer(reasons map[string]string) func(context.Context, push.FCMMessage, []string) (*push.BatchResponse, error) {
	return func(_ context.Context, _ push.FCMMessage, tokens []string) (*push.BatchResponse, error) {
		resp := &push.BatchResponse{}
		for _, tok := range tokens {
			if reason, ok := reasons[tok]; ok {
				resp.FailureCount++
				resp.Responses = append(resp.Responses, push.SendResponse{Token: tok, ErrorCode: reason})
				continue
			}
			resp.SuccessCount++
			resp.Responses = append(resp.Responses, push.SendResponse{Token: tok, Success: true, MessageID: "m-" + tok})
		}
		return resp, nil
	}
}

type fakeExpo struct {
	SendFunc func(ctx context.Context, messages []push.ExpoMessage) error

	mu    sync.Mutex
	sends [][]push.ExpoMessage
}

func (f *fakeExpo) Send(ctx context.Context, messages []push.ExpoMessage) error {
	f.mu.Lock()
	f.sends = append(f.sends, append([]push.ExpoMessage(nil), messages...))
	f.mu.Unlock()
	if f.SendFunc == nil {
		return nil
	}
	return f.SendFunc(ctx, messages)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []DeliveryOutcomeEvent
	err    error
}

func (p *recordingPublisher) PublishOutcome(ctx context.Context, ev DeliveryOutcomeEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return p.err
}

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}
