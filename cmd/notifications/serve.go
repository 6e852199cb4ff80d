package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/sapliy/notification-engine/internal/auth"
	"github.com/sapliy/notification-engine/internal/notification"
	"github.com/sapliy/notification-engine/pkg/messaging"
	"github.com/sapliy/notification-engine/pkg/observability"
)

var serveMigrate bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the RPC server, change consumer and sweep scheduler",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx)
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveMigrate, "migrate", false, "apply postgres migrations before serving")
}

func serve(ctx context.Context) error {
	log := newLogger(cfg)

	shutdownTracer, err := observability.InitTracer(ctx, observability.TracerConfig{
		ServiceName:    cfg.Service.Name,
		ServiceVersion: cfg.Service.Version,
		Endpoint:       cfg.Tracing.Endpoint,
		Environment:    cfg.Service.Environment,
	}, log)
	if err != nil {
		log.Warn().Err(err).Msg("failed to init tracer")
	} else {
		defer func() { _ = shutdownTracer(context.Background()) }()
	}

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())

	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required to serve")
	}
	verifier, err := auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if err != nil {
		return err
	}

	if serveMigrate {
		if err := migrateStore(a); err != nil {
			return err
		}
	}

	var outcomes notification.OutcomePublisher
	if len(cfg.Kafka.Brokers) > 0 {
		producer := messaging.NewKafkaProducer(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		a.closers = append(a.closers, func(context.Context) error { return producer.Close() })
		outcomes = notification.NewOutcomeTopic(producer)
		log.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.Topic).Msg("publishing delivery outcomes")
	}

	registry, err := a.drivers(ctx)
	if err != nil {
		return fmt.Errorf("failed to build channel drivers: %w", err)
	}
	engine, err := a.policyEngine(ctx)
	if err != nil {
		return fmt.Errorf("failed to build policy engine: %w", err)
	}

	dispatcher := notification.NewDispatcher(a.store, a.store, registry, outcomes, log, notification.DispatcherConfig{
		ChannelTimeout: cfg.Delivery.ChannelTimeout,
	})
	worker := notification.NewWorker(dispatcher, a.redis, log)
	service := notification.NewService(a.store, a.store, registry, engine, log)
	sweeper := a.sweeper()

	if cfg.Sweep.Enabled {
		if err := sweeper.Start(ctx); err != nil {
			return err
		}
		defer sweeper.Stop()
	}

	g, gctx := errgroup.WithContext(ctx)

	// Change events go through RabbitMQ when configured, so several
	// replicas share the work; otherwise straight into the worker.
	if cfg.RabbitMQ.URL != "" {
		rcfg := messaging.DefaultConfig()
		rcfg.URL = cfg.RabbitMQ.URL
		rabbit, err := messaging.NewRabbitMQClient(rcfg, log)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func(context.Context) error { rabbit.Close(); return nil })
		if _, err := rabbit.DeclareQueueWithDLQ(cfg.RabbitMQ.Queue); err != nil {
			return fmt.Errorf("failed to declare queue: %w", err)
		}

		g.Go(func() error {
			return a.feed.Run(gctx, notification.QueueEmitter(rabbit, cfg.RabbitMQ.Queue))
		})
		g.Go(func() error {
			return rabbit.ConsumeWithContext(gctx, cfg.RabbitMQ.Queue, worker.ProcessMessage)
		})
	} else {
		g.Go(func() error {
			return a.feed.Run(gctx, worker.Handle)
		})
	}

	handler := NewRPCHandler(service, log)
	router := NewRouter(handler, verifier, log)
	srv := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      otelhttp.NewHandler(router, "notifications-request"),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	g.Go(func() error {
		log.Info().Str("addr", cfg.HTTP.Addr).Msg("notifications service HTTP starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		log.Info().Msg("shutting down")
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
