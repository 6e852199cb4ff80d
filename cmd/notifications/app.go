package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/sapliy/notification-engine/internal/config"
	"github.com/sapliy/notification-engine/internal/notification"
	"github.com/sapliy/notification-engine/internal/policy"
	"github.com/sapliy/notification-engine/pkg/database"
	"github.com/sapliy/notification-engine/pkg/observability"
	"github.com/sapliy/notification-engine/pkg/push"
	"github.com/sapliy/notification-engine/pkg/secrets"
)

// app holds the clients shared by every subcommand. All of them are built
// once here and injected; nothing below cmd/ constructs its own.
type app struct {
	cfg   *config.Config
	log   *observability.Logger
	store notification.Store
	feed  notification.ChangeFeed
	redis redis.UniversalClient

	closers []func(context.Context) error
}

func newLogger(c *config.Config) *observability.Logger {
	return observability.NewLogger(c.Service.Name, observability.LogConfig{
		Level:  c.Log.Level,
		Format: c.Log.Format,
	})
}

// resolveSecrets overlays credentials from AWS Secrets Manager when a
// secret ID is configured.
func resolveSecrets(ctx context.Context, c *config.Config) error {
	if c.Secrets.AWSSecretID == "" {
		return nil
	}
	sm, err := secrets.NewAWSSecretsManager(ctx, c.Secrets.AWSRegion)
	if err != nil {
		return err
	}
	values, err := sm.Load(ctx, c.Secrets.AWSSecretID)
	if err != nil {
		return err
	}
	c.ApplySecrets(values)
	return nil
}

func newApp(ctx context.Context, c *config.Config, log *observability.Logger) (*app, error) {
	if err := resolveSecrets(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to resolve secrets: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	a := &app{cfg: c, log: log}
	if err := a.openStore(ctx); err != nil {
		return nil, err
	}

	if c.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     c.Redis.Addr,
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Warn().Err(err).Msg("redis unreachable, running without idempotency keys and sweep lock")
			_ = rdb.Close()
		} else {
			a.redis = rdb
			a.closers = append(a.closers, func(context.Context) error { return rdb.Close() })
		}
	}
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	c := a.cfg
	switch c.Store.Driver {
	case "postgres":
		db, err := database.Connect(ctx, c.Store.PostgresDSN, database.PoolConfig{
			MaxOpenConns:    c.Store.MaxOpenConns,
			MaxIdleConns:    c.Store.MaxIdleConns,
			ConnMaxLifetime: c.Store.ConnMaxLifetime,
		})
		if err != nil {
			return err
		}
		repo := notification.NewPostgresRepository(db)
		a.store = repo
		a.feed = repo.Feed(notification.OutboxConfig{
			PollInterval: c.Outbox.PollInterval,
			BatchSize:    c.Outbox.BatchSize,
		}, a.log)
		a.log.Info().Msg("database connection established")

	case "mongo":
		client, err := database.ConnectMongo(ctx, c.Store.MongoURI)
		if err != nil {
			return err
		}
		repo := notification.NewMongoRepository(client, c.Store.MongoDatabase, a.log)
		if err := repo.Setup(ctx); err != nil {
			_ = client.Disconnect(ctx)
			return fmt.Errorf("failed to prepare mongo collections: %w", err)
		}
		a.store = repo
		a.feed = repo
		a.log.Info().Str("database", c.Store.MongoDatabase).Msg("mongo connection established")

	case "memory":
		mem := notification.NewMemoryStore()
		a.store = mem
		a.feed = mem
		a.log.Warn().Msg("using in-memory store, data is lost on exit")

	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}

	a.closers = append(a.closers, a.store.Close)
	return nil
}

// drivers registers one adapter per enabled channel.
func (a *app) drivers(ctx context.Context) (*notification.DriverRegistry, error) {
	c := a.cfg
	reg := notification.NewDriverRegistry()
	if c.FCM.Enabled {
		client, err := push.NewFCMClient(ctx, push.FCMConfig{
			ProjectID:       c.FCM.ProjectID,
			CredentialsFile: c.FCM.CredentialsFile,
			CredentialsJSON: c.FCM.CredentialsJSON,
			RatePerSecond:   c.FCM.RatePerSecond,
		})
		if err != nil {
			return nil, err
		}
		reg.Register(notification.NewFCMDriver(client))
	}
	if c.Expo.Enabled {
		reg.Register(notification.NewExpoDriver(push.NewExpoClient(push.ExpoConfig{
			Endpoint:    c.Expo.Endpoint,
			AccessToken: c.Expo.AccessToken,
		})))
	}
	if c.Email.Enabled {
		sender := notification.NewEmailService(c.Email.APIKey, c.Email.From, c.Email.RedirectTo)
		reg.Register(notification.NewEmailDriver(sender, c.Email.AppName))
	}
	a.log.Info().Interface("channels", reg.Channels()).Msg("channel drivers registered")
	return reg, nil
}

func (a *app) policyEngine(ctx context.Context) (policy.PolicyEngine, error) {
	if a.cfg.Policy.Engine == "opa" {
		return policy.NewRegoPolicyEngine(ctx, a.cfg.Policy.File)
	}
	return policy.NewHardcodedPolicyEngine(), nil
}

func (a *app) locker() notification.Locker {
	if a.redis == nil {
		return nil
	}
	return notification.NewRedisLocker(a.redis)
}

func (a *app) sweeper() *notification.Sweeper {
	return notification.NewSweeper(a.store, a.locker(), a.log, notification.SweepConfig{
		Schedule:        a.cfg.Sweep.Schedule,
		StaleClaimAfter: a.cfg.Sweep.StaleClaimAfter,
		LockTTL:         a.cfg.Sweep.LockTTL,
	})
}

func (a *app) Close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.log.Warn().Err(err).Msg("error during shutdown")
		}
	}
}
