package messaging

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/sapliy/notification-engine/pkg/observability"
)

var (
	ErrCircuitOpen  = errors.New("circuit breaker is open")
	ErrNotConnected = errors.New("connection is not available")
	ErrNoChannel    = errors.New("channel is not initialized")
)

// Config holds configuration for the RabbitMQ client
type Config struct {
	// Connection
	URL       string
	TLSConfig *tls.Config // Optional TLS configuration

	// Resilience
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration
	MaxRetries        int // -1 for infinite
	HeartbeatTimeout  time.Duration
	Prefetch          int

	// Circuit Breaker
	CircuitBreakerEnabled   bool
	CircuitBreakerThreshold int
	CircuitBreakerTimeout   time.Duration
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		ReconnectDelay:          1 * time.Second,
		MaxReconnectDelay:       60 * time.Second,
		MaxRetries:              -1,
		HeartbeatTimeout:        10 * time.Second,
		Prefetch:                16,
		CircuitBreakerEnabled:   true,
		CircuitBreakerThreshold: 5,
		CircuitBreakerTimeout:   30 * time.Second,
	}
}

type CircuitBreakerState int

const (
	StateClosed CircuitBreakerState = iota
	StateOpen
	StateHalfOpen
)

// halfOpenSuccesses is how many successes close a half-open breaker.
const halfOpenSuccesses = 3

type CircuitBreaker struct {
	state          CircuitBreakerState
	mu             sync.Mutex
	failures       int
	threshold      int
	timeout        time.Duration
	lastFailure    time.Time
	successCounter int
	now            func() time.Time
}

func NewCircuitBreaker(threshold int, timeout time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	return &CircuitBreaker{
		state:     StateClosed,
		threshold: threshold,
		timeout:   timeout,
		now:       time.Now,
	}
}

type RabbitMQClient struct {
	config Config
	conn   *amqp.Connection
	ch     *amqp.Channel
	mu     sync.RWMutex
	log    *observability.Logger

	notifyConnClose chan *amqp.Error
	isReconnecting  bool
	isClosed        bool

	cb *CircuitBreaker
}

func NewRabbitMQClient(config Config, log *observability.Logger) (*RabbitMQClient, error) {
	if config.ReconnectDelay == 0 {
		config.ReconnectDelay = time.Second
	}
	if config.MaxReconnectDelay == 0 {
		config.MaxReconnectDelay = 60 * time.Second
	}
	if config.HeartbeatTimeout == 0 {
		config.HeartbeatTimeout = 10 * time.Second
	}

	client := &RabbitMQClient{
		config: config,
		log:    log.Component("rabbitmq"),
		cb:     NewCircuitBreaker(config.CircuitBreakerThreshold, config.CircuitBreakerTimeout),
	}

	if err := client.connect(); err != nil {
		return nil, err
	}

	go client.handleReconnect()

	return client, nil
}

func (r *RabbitMQClient) connect() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var conn *amqp.Connection
	var err error

	r.log.Info().Str("url", maskURL(r.config.URL)).Msg("connecting to RabbitMQ")

	if r.config.TLSConfig != nil {
		conn, err = amqp.DialTLS(r.config.URL, r.config.TLSConfig)
	} else {
		conn, err = amqp.DialConfig(r.config.URL, amqp.Config{
			Heartbeat: r.config.HeartbeatTimeout,
		})
	}
	if err != nil {
		return fmt.Errorf("failed to connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to open a channel: %w", err)
	}
	if r.config.Prefetch > 0 {
		if err := ch.Qos(r.config.Prefetch, 0, false); err != nil {
			_ = conn.Close()
			return fmt.Errorf("failed to set qos: %w", err)
		}
	}

	r.conn = conn
	r.ch = ch
	r.notifyConnClose = make(chan *amqp.Error, 1)
	r.conn.NotifyClose(r.notifyConnClose)
	r.isReconnecting = false

	r.log.Info().Msg("connected to RabbitMQ")
	return nil
}

func (r *RabbitMQClient) handleReconnect() {
	r.mu.RLock()
	if r.isClosed {
		r.mu.RUnlock()
		return
	}
	notifyClose := r.notifyConnClose
	r.mu.RUnlock()

	if err := <-notifyClose; err != nil {
		r.log.Warn().Err(err).Msg("RabbitMQ connection closed, reconnecting")
		r.reconnect()
	}
}

func (r *RabbitMQClient) reconnect() {
	r.mu.Lock()
	r.isReconnecting = true
	r.mu.Unlock()

	backoff := r.config.ReconnectDelay
	retries := 0

	for {
		r.mu.RLock()
		closed := r.isClosed
		r.mu.RUnlock()
		if closed {
			return
		}

		if r.config.MaxRetries != -1 && retries >= r.config.MaxRetries {
			r.log.Error().Int("retries", retries).Msg("max retries reached, giving up on RabbitMQ")
			return
		}

		if err := r.connect(); err == nil {
			r.log.Info().Msg("RabbitMQ reconnected")
			go r.handleReconnect()
			return
		}

		r.log.Warn().Dur("backoff", backoff).Msg("failed to reconnect")
		time.Sleep(backoff)

		backoff *= 2
		if backoff > r.config.MaxReconnectDelay {
			backoff = r.config.MaxReconnectDelay
		}
		retries++
	}
}

// DeclareQueueWithDLQ declares name and name.dlq. Rejected messages on
// name are routed to the DLQ by the default exchange.
func (r *RabbitMQClient) DeclareQueueWithDLQ(name string) (amqp.Queue, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.ch == nil {
		return amqp.Queue{}, ErrNoChannel
	}

	dlqName := name + ".dlq"
	if _, err := r.ch.QueueDeclare(dlqName, true, false, false, false, nil); err != nil {
		return amqp.Queue{}, fmt.Errorf("failed to declare DLQ: %w", err)
	}

	return r.ch.QueueDeclare(
		name,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": dlqName,
		},
	)
}

func (r *RabbitMQClient) Publish(ctx context.Context, queueName string, body []byte) error {
	if r.config.CircuitBreakerEnabled && !r.cb.Allow() {
		return ErrCircuitOpen
	}

	r.mu.RLock()
	if r.isReconnecting || r.ch == nil {
		r.mu.RUnlock()
		return ErrNotConnected
	}
	ch := r.ch
	r.mu.RUnlock()

	err := ch.PublishWithContext(ctx,
		"",        // exchange
		queueName, // routing key
		false,     // mandatory
		false,     // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			Body:         body,
		})

	if r.config.CircuitBreakerEnabled {
		if err != nil {
			r.cb.RecordFailure()
		} else {
			r.cb.RecordSuccess()
		}
	}
	return err
}

func (r *RabbitMQClient) PublishJSON(ctx context.Context, queueName string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return r.Publish(ctx, queueName, body)
}

// ConsumeWithContext consumes queueName until ctx is done, re-registering
// after reconnects. A handler error requeues the message once; a second
// failure dead-letters it.
func (r *RabbitMQClient) ConsumeWithContext(ctx context.Context, queueName string, handler func(ctx context.Context, body []byte) error) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		r.mu.RLock()
		if r.isReconnecting || r.ch == nil {
			r.mu.RUnlock()
			if !wait(ctx, time.Second) {
				return nil
			}
			continue
		}
		ch := r.ch
		r.mu.RUnlock()

		msgs, err := ch.ConsumeWithContext(ctx, queueName, "", false, false, false, false, nil)
		if err != nil {
			r.log.Error().Err(err).Str("queue", queueName).Msg("failed to register a consumer")
			if !wait(ctx, 2*time.Second) {
				return nil
			}
			continue
		}

		if done := r.drain(ctx, queueName, msgs, handler); done {
			return nil
		}

		r.log.Warn().Str("queue", queueName).Msg("consumer channel closed, waiting for reconnection")
		if !wait(ctx, r.config.ReconnectDelay) {
			return nil
		}
	}
}

func (r *RabbitMQClient) drain(ctx context.Context, queueName string, msgs <-chan amqp.Delivery, handler func(context.Context, []byte) error) bool {
	for {
		select {
		case <-ctx.Done():
			return true
		case d, ok := <-msgs:
			if !ok {
				return false
			}
			if err := handler(ctx, d.Body); err != nil {
				requeue := !d.Redelivered
				r.log.Error().Err(err).
					Str("queue", queueName).
					Bool("requeue", requeue).
					Msg("error handling message")
				_ = d.Nack(false, requeue)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

func (r *RabbitMQClient) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.isClosed = true
	if r.ch != nil {
		_ = r.ch.Close()
	}
	if r.conn != nil {
		_ = r.conn.Close()
	}
}

func (r *RabbitMQClient) IsHealthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conn != nil && !r.conn.IsClosed() && !r.isReconnecting
}

func maskURL(url string) string {
	at := strings.LastIndex(url, "@")
	if at < 0 {
		return url
	}
	scheme, _, ok := strings.Cut(url[:at], "://")
	if !ok {
		return url
	}
	return scheme + "://***:***@" + url[at+1:]
}

func wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Allow reports whether a call may go through. After the open timeout
// the breaker moves to half-open and lets one call test the broker.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Sub(cb.lastFailure) > cb.timeout {
			cb.state = StateHalfOpen
			cb.successCounter = 0
			return true
		}
		return false
	default:
		return true
	}
}

func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateHalfOpen:
		cb.successCounter++
		if cb.successCounter >= halfOpenSuccesses {
			cb.state = StateClosed
			cb.failures = 0
			cb.successCounter = 0
		}
	case StateClosed:
		cb.failures = 0
	}
}

func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures++
	cb.lastFailure = cb.now()

	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.threshold {
			cb.state = StateOpen
		}
	case StateHalfOpen:
		cb.state = StateOpen
	}
}

func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
