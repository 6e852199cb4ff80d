package notification

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/sapliy/notification-engine/pkg/observability"
)

const (
	DefaultSweepSchedule   = "@every 5m"
	DefaultStaleClaimAfter = 15 * time.Minute
	sweepLockKey           = "notif:sweep:lock"
)

type SweepConfig struct {
	// Schedule is a cron spec or descriptor such as "@every 5m".
	Schedule string
	// StaleClaimAfter closes claims without a terminal write once they are
	// this old. Zero disables recovery.
	StaleClaimAfter time.Duration
	// LockTTL bounds how long one replica holds the sweep lease.
	LockTTL time.Duration
	Now     func() time.Time
}

type SweepReport struct {
	Skipped   bool     `json:"skipped"`
	Promoted  []string `json:"promoted"`
	Recovered []string `json:"recovered"`
}

// Sweeper promotes due scheduled notifications to sent. It never calls a
// channel: the promotion's change events drive delivery.
type Sweeper struct {
	repo   Repository
	lock   Locker
	cfg    SweepConfig
	log    *observability.Logger
	parser cron.Parser

	mu sync.Mutex
	c  *cron.Cron
}

func NewSweeper(repo Repository, lock Locker, log *observability.Logger, cfg SweepConfig) *Sweeper {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSweepSchedule
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Sweeper{
		repo:   repo,
		lock:   lock,
		cfg:    cfg,
		log:    log.Component("sweep"),
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// RunOnce performs one sweep pass.
func (s *Sweeper) RunOnce(ctx context.Context) (SweepReport, error) {
	var report SweepReport
	log := s.log.WithContext(ctx)

	if s.lock != nil {
		release, ok, err := s.lock.TryLock(ctx, sweepLockKey, s.cfg.LockTTL)
		if err != nil {
			return report, fmt.Errorf("acquire sweep lock: %w", err)
		}
		if !ok {
			log.Debug().Msg("sweep lock held elsewhere, skipping")
			report.Skipped = true
			return report, nil
		}
		defer release(context.WithoutCancel(ctx))
	}

	now := s.cfg.Now()
	promoted, err := s.repo.PromoteScheduled(ctx, now)
	if err != nil {
		return report, fmt.Errorf("promote scheduled notifications: %w", err)
	}
	report.Promoted = promoted
	SweepPromoted.Add(float64(len(promoted)))
	if len(promoted) > 0 {
		log.Info().Int("count", len(promoted)).Msg("promoted scheduled notifications")
	}

	if s.cfg.StaleClaimAfter > 0 {
		recovered, err := s.recoverStale(ctx, now)
		report.Recovered = recovered
		if err != nil {
			return report, err
		}
	}
	return report, nil
}

func (s *Sweeper) recoverStale(ctx context.Context, now time.Time) ([]string, error) {
	stale, err := s.repo.StaleClaims(ctx, now.Add(-s.cfg.StaleClaimAfter))
	if err != nil {
		return nil, fmt.Errorf("list stale claims: %w", err)
	}

	var recovered []string
	for _, n := range stale {
		err := s.repo.CompleteDelivery(ctx, n.ID, DeliveryResult{
			SentTo: n.TargetUsers,
			Error:  interruptedMessage,
			SentAt: now,
		})
		switch {
		case errors.Is(err, ErrAlreadyCompleted):
			continue
		case err != nil:
			s.log.WithContext(ctx).Error().Err(err).Str("notification_id", n.ID).Msg("failed to close stale claim")
			continue
		}
		recovered = append(recovered, n.ID)
		evt := s.log.WithContext(ctx).Warn().Str("notification_id", n.ID)
		if n.DeliveryAttemptedAt != nil {
			evt = evt.Time("claimed_at", *n.DeliveryAttemptedAt)
		}
		evt.Msg("closed interrupted delivery")
	}
	SweepRecovered.Add(float64(len(recovered)))
	return recovered, nil
}

// Start schedules RunOnce on the configured cron spec.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return errors.New("sweeper already started")
	}

	c := cron.New(cron.WithParser(s.parser), cron.WithLocation(time.UTC))
	_, err := c.AddFunc(s.cfg.Schedule, func() {
		runCtx, cancel := context.WithTimeout(ctx, s.cfg.LockTTL)
		defer cancel()
		if _, err := s.RunOnce(runCtx); err != nil {
			s.log.Error().Err(err).Msg("sweep failed")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.cfg.Schedule, err)
	}
	s.c = c
	c.Start()
	s.log.Info().Str("schedule", s.cfg.Schedule).Msg("sweep scheduler started")
	return nil
}

// Stop waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	<-c.Stop().Done()
	s.log.Info().Msg("sweep scheduler stopped")
}
