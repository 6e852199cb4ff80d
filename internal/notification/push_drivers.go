package notification

import (
	"context"
	"errors"

	"github.com/sapliy/notification-engine/pkg/push"
)

// MulticastSender is the FCM transport used by FCMDriver.
type MulticastSender interface {
	SendMulticast(ctx context.Context, msg push.FCMMessage, tokens []string) (*push.BatchResponse, error)
}

// FCMDriver reports per-token outcomes and flags dead registrations.
type FCMDriver struct {
	client    MulticastSender
	batchSize int
}

func NewFCMDriver(client MulticastSender) *FCMDriver {
	return &FCMDriver{client: client, batchSize: push.FCMMulticastLimit}
}

func (d *FCMDriver) Channel() Channel {
	return ChannelFCM
}

func (d *FCMDriver) Deliver(ctx context.Context, msg Message, targets []Target) (Result, error) {
	fm := push.FCMMessage{Title: msg.Title, Body: msg.Body, Data: msg.Data}

	outcomes := make([]TokenOutcome, 0, len(targets))
	var errs []error
	batches := chunk(targets, d.batchSize)
	for _, batch := range batches {
		tokens := tokensOf(batch)
		resp, err := d.client.SendMulticast(ctx, fm, tokens)
		if err != nil || resp == nil || len(resp.Responses) != len(tokens) {
			if err == nil {
				err = errors.New("fcm: malformed multicast response")
			}
			errs = append(errs, err)
			for _, tok := range tokens {
				outcomes = append(outcomes, TokenOutcome{Token: tok, Reason: err.Error()})
			}
			continue
		}
		for i, r := range resp.Responses {
			outcomes = append(outcomes, TokenOutcome{
				Token:     tokens[i],
				Success:   r.Success,
				Reason:    r.ErrorCode,
				Permanent: !r.Success && push.IsPermanent(r.ErrorCode),
			})
		}
	}

	if len(errs) > 0 && len(errs) == len(batches) {
		return nil, errors.Join(errs...)
	}
	return PerTokenResult{Outcomes: outcomes}, nil
}

// ExpoSender is the Expo transport used by ExpoDriver.
type ExpoSender interface {
	Send(ctx context.Context, messages []push.ExpoMessage) error
}

// ExpoDriver reports only accepted and rejected counts. A rejected request
// fails every token in it.
type ExpoDriver struct {
	client    ExpoSender
	batchSize int
}

func NewExpoDriver(client ExpoSender) *ExpoDriver {
	return &ExpoDriver{client: client, batchSize: push.ExpoBatchLimit}
}

func (d *ExpoDriver) Channel() Channel {
	return ChannelExpo
}

func (d *ExpoDriver) Deliver(ctx context.Context, msg Message, targets []Target) (Result, error) {
	var res AggregateResult
	var errs []error
	batches := chunk(targets, d.batchSize)
	for _, batch := range batches {
		messages := make([]push.ExpoMessage, len(batch))
		for i, t := range batch {
			messages[i] = push.ExpoMessage{To: t.Token, Title: msg.Title, Body: msg.Body, Data: msg.Data}
		}
		if err := d.client.Send(ctx, messages); err != nil {
			errs = append(errs, err)
			res.Rejected += len(batch)
			continue
		}
		res.Accepted += len(batch)
	}

	if len(errs) > 0 && len(errs) == len(batches) {
		return nil, errors.Join(errs...)
	}
	return res, nil
}
