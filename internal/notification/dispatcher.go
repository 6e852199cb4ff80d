package notification

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/sapliy/notification-engine/pkg/observability"
)

const DefaultChannelTimeout = 10 * time.Second

var tracer = otel.Tracer("github.com/sapliy/notification-engine/internal/notification")

type DispatcherConfig struct {
	// ChannelTimeout bounds each channel call. Zero means DefaultChannelTimeout.
	ChannelTimeout time.Duration
	Now            func() time.Time
}

// Dispatcher turns qualifying change events into exactly one delivery
// attempt and one terminal write per notification.
type Dispatcher struct {
	repo     Repository
	resolver *Resolver
	pruner   *Pruner
	drivers  *DriverRegistry
	outcomes OutcomePublisher
	log      *observability.Logger
	timeout  time.Duration
	now      func() time.Time
}

func NewDispatcher(repo Repository, users UserDirectory, drivers *DriverRegistry, outcomes OutcomePublisher, log *observability.Logger, cfg DispatcherConfig) *Dispatcher {
	if cfg.ChannelTimeout <= 0 {
		cfg.ChannelTimeout = DefaultChannelTimeout
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Dispatcher{
		repo:     repo,
		resolver: NewResolver(users, log),
		pruner:   NewPruner(users, log),
		drivers:  drivers,
		outcomes: outcomes,
		log:      log.Component("dispatcher"),
		timeout:  cfg.ChannelTimeout,
		now:      cfg.Now,
	}
}

// HandleChange ignores every event except a transition into sent.
func (d *Dispatcher) HandleChange(ctx context.Context, ev ChangeEvent) error {
	if !ev.Qualifies() {
		TriggersHandled.WithLabelValues("ignored").Inc()
		return nil
	}
	TriggersHandled.WithLabelValues("qualified").Inc()
	return d.Deliver(ctx, ev.NotificationID)
}

// Deliver claims the notification and runs the delivery. The returned
// error is non-nil only when the claim itself could not be attempted;
// once claimed, every outcome ends in a terminal write.
func (d *Dispatcher) Deliver(ctx context.Context, id string) error {
	ctx = context.WithoutCancel(ctx)
	ctx, span := tracer.Start(ctx, "notification.deliver",
		trace.WithAttributes(attribute.String("notification.id", id)))
	defer span.End()
	log := d.log.WithContext(ctx)

	n, err := d.repo.ClaimDelivery(ctx, id, d.now())
	switch {
	case errors.Is(err, ErrNotClaimable), errors.Is(err, ErrNotFound):
		TriggersHandled.WithLabelValues("duplicate").Inc()
		log.Info().Str("notification_id", id).Msg("notification already claimed or not sent, skipping")
		return nil
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, "claim failed")
		return fmt.Errorf("claim delivery %s: %w", id, err)
	}

	timer := startTimer()
	defer timer.ObserveDuration()

	res, tally, pruned := d.attempt(ctx, n)
	res.SentAt = d.now()

	span.SetAttributes(
		attribute.Int("notification.delivered", res.DeliveredTo),
		attribute.Int("notification.failed", res.FailedDeliveries),
	)
	if res.Error != "" {
		span.SetStatus(codes.Error, res.Error)
	}

	if err := d.repo.CompleteDelivery(ctx, n.ID, res); err != nil {
		if errors.Is(err, ErrAlreadyCompleted) {
			log.Warn().Str("notification_id", n.ID).Msg("terminal record already present")
			return nil
		}
		span.RecordError(err)
		log.Error().Err(err).Str("notification_id", n.ID).Msg("failed to write terminal record, claim left for the sweep")
		return nil
	}

	for _, ct := range tally.Channels {
		recordChannel(ct)
	}

	log.Info().
		Str("notification_id", n.ID).
		Int("delivered", res.DeliveredTo).
		Int("failed", res.FailedDeliveries).
		Int("pruned", pruned).
		Str("error", res.Error).
		Msg("delivery recorded")

	d.publish(ctx, DeliveryOutcomeEvent{
		NotificationID:   n.ID,
		SentTo:           res.SentTo,
		DeliveredTo:      res.DeliveredTo,
		FailedDeliveries: res.FailedDeliveries,
		Error:            res.Error,
		Channels:         tally.Channels,
		PrunedTokens:     pruned,
		SentAt:           res.SentAt,
	})
	return nil
}

// attempt never panics; a failure outside the channels becomes the
// error of the terminal record with whatever counts were reached.
func (d *Dispatcher) attempt(ctx context.Context, n *Notification) (res DeliveryResult, tally Tally, pruned int) {
	res = DeliveryResult{SentTo: n.TargetUsers}
	defer func() {
		if r := recover(); r != nil {
			d.log.WithContext(ctx).Error().
				Str("notification_id", n.ID).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("unexpected failure during delivery")
			res.Error = fmt.Sprintf("unexpected failure: %v", r)
		}
	}()

	targets := d.resolver.Resolve(ctx, n.TargetUsers)
	if targets.Total() == 0 {
		TriggersHandled.WithLabelValues("no_recipients").Inc()
		return noRecipients(n), tally, 0
	}

	results := d.fanOut(ctx, messageFor(n), targets)
	tally = Aggregate(results)
	res.DeliveredTo = tally.Delivered
	res.FailedDeliveries = tally.Failed
	res.Error = tally.Error()

	pruned, err := d.pruner.Prune(ctx, targets, results)
	if err != nil {
		d.log.WithContext(ctx).Warn().Err(err).Str("notification_id", n.ID).Msg("pruning failed")
	}
	return res, tally, pruned
}

// fanOut calls every channel concurrently and waits for all of them.
func (d *Dispatcher) fanOut(ctx context.Context, msg Message, targets *Targets) []ChannelResult {
	channels := targets.Channels()
	results := make([]ChannelResult, len(channels))

	var g errgroup.Group
	for i, ch := range channels {
		g.Go(func() error {
			results[i] = d.deliverChannel(ctx, ch, msg, targets.For(ch))
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (d *Dispatcher) deliverChannel(ctx context.Context, ch Channel, msg Message, targets []Target) ChannelResult {
	ctx, span := tracer.Start(ctx, "notification.channel", trace.WithAttributes(
		attribute.String("channel", string(ch)),
		attribute.Int("tokens", len(targets)),
	))
	defer span.End()

	failed := func(err error) ChannelResult {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.log.WithContext(ctx).Warn().Err(err).Str("channel", string(ch)).Int("tokens", len(targets)).Msg("channel delivery failed")
		return ChannelResult{Channel: ch, Targets: targets, Err: err}
	}

	driver, err := d.drivers.Get(ch)
	if err != nil {
		return failed(err)
	}

	cctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	type reply struct {
		res Result
		err error
	}
	done := make(chan reply, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- reply{err: fmt.Errorf("driver panic: %v", r)}
			}
		}()
		res, err := driver.Deliver(cctx, msg, targets)
		done <- reply{res: res, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return failed(r.err)
		}
		return ChannelResult{Channel: ch, Targets: targets, Result: r.res}
	case <-cctx.Done():
		return failed(fmt.Errorf("timed out after %s: %w", d.timeout, cctx.Err()))
	}
}

func (d *Dispatcher) publish(ctx context.Context, ev DeliveryOutcomeEvent) {
	if d.outcomes == nil {
		return
	}
	if err := d.outcomes.PublishOutcome(ctx, ev); err != nil {
		d.log.WithContext(ctx).Warn().Err(err).Str("notification_id", ev.NotificationID).Msg("failed to publish delivery outcome")
	}
}
