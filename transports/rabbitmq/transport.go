// Package rabbitmq provides a Transport backed by durable RabbitMQ queues.
//
// Envelopes are published on the default exchange with the queue name as the
// routing key. The type tag travels as the AMQP type property and the
// reserved headers map onto MessageId, CorrelationId, ReplyTo, ContentType and
// Timestamp. Refused envelopes are parked on "<queue>.dead-letter".
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/queuebus/contracts"
	"github.com/glimte/queuebus/internal/rabbitmq"
	"github.com/glimte/queuebus/messaging"
)

const (
	// DeadLetterSuffix is appended to a queue name to form its dead-letter queue.
	DeadLetterSuffix = ".dead-letter"

	// HeaderDeadLetterReason carries the reason an envelope was dead-lettered.
	HeaderDeadLetterReason = "x-queuebus-dead-letter-reason"
)

// Config holds configuration for the transport
type Config struct {
	ConnectionOptions []rabbitmq.ConnectionOption
	PoolOptions       []rabbitmq.ChannelPoolOption
	PublisherOptions  []rabbitmq.PublisherOption
	Prefetch          int
	Logger            *slog.Logger
}

// Option configures the transport
type Option func(*Config)

// WithConnectionOptions sets connection options
func WithConnectionOptions(opts ...rabbitmq.ConnectionOption) Option {
	return func(cfg *Config) {
		cfg.ConnectionOptions = append(cfg.ConnectionOptions, opts...)
	}
}

// WithPoolOptions sets channel pool options
func WithPoolOptions(opts ...rabbitmq.ChannelPoolOption) Option {
	return func(cfg *Config) {
		cfg.PoolOptions = append(cfg.PoolOptions, opts...)
	}
}

// WithPublisherOptions sets publisher options
func WithPublisherOptions(opts ...rabbitmq.PublisherOption) Option {
	return func(cfg *Config) {
		cfg.PublisherOptions = append(cfg.PublisherOptions, opts...)
	}
}

// WithPrefetch sets the per-consumer prefetch count.
func WithPrefetch(n int) Option {
	return func(cfg *Config) {
		cfg.Prefetch = n
	}
}

// WithLogger sets the logger used by the transport and its connection.
func WithLogger(logger *slog.Logger) Option {
	return func(cfg *Config) {
		cfg.Logger = logger
	}
}

type queue struct {
	name  string
	owner *Transport

	mu         sync.Mutex
	ch         *amqp.Channel
	deliveries <-chan amqp.Delivery
}

func (q *queue) Queue() string { return q.name }

// Transport implements messaging.Transport for RabbitMQ
type Transport struct {
	manager   *rabbitmq.ConnectionManager
	pool      *rabbitmq.ChannelPool
	publisher *rabbitmq.Publisher
	prefetch  int
	logger    *slog.Logger

	mu     sync.Mutex
	queues map[string]*queue
	done   chan struct{}
	once   sync.Once
}

var (
	_ messaging.Transport    = (*Transport)(nil)
	_ messaging.DeadLetterer = (*Transport)(nil)
	_ messaging.Pinger       = (*Transport)(nil)
)

// NewTransport connects to the broker at url.
func NewTransport(ctx context.Context, url string, options ...Option) (*Transport, error) {
	cfg := &Config{Prefetch: 16, Logger: slog.Default()}
	for _, opt := range options {
		opt(cfg)
	}
	logger := cfg.Logger.With("component", "rabbitmq-transport")

	connOpts := append([]rabbitmq.ConnectionOption{rabbitmq.WithLogger(logger)}, cfg.ConnectionOptions...)
	manager := rabbitmq.NewConnectionManager(url, connOpts...)
	if err := manager.Connect(ctx); err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	poolOpts := append([]rabbitmq.ChannelPoolOption{rabbitmq.WithPoolLogger(logger)}, cfg.PoolOptions...)
	pool, err := rabbitmq.NewChannelPool(manager, poolOpts...)
	if err != nil {
		_ = manager.Close()
		return nil, fmt.Errorf("failed to create channel pool: %w", err)
	}

	pubOpts := append([]rabbitmq.PublisherOption{rabbitmq.WithPublisherLogger(logger)}, cfg.PublisherOptions...)
	return &Transport{
		manager:   manager,
		pool:      pool,
		publisher: rabbitmq.NewPublisher(pool, pubOpts...),
		prefetch:  cfg.Prefetch,
		logger:    logger,
		queues:    make(map[string]*queue),
		done:      make(chan struct{}),
	}, nil
}

func (t *Transport) isClosed() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Open declares the durable queue and its dead-letter queue.
func (t *Transport) Open(ctx context.Context, name string) (messaging.QueueHandle, error) {
	if name == "" {
		return nil, fmt.Errorf("queue name cannot be empty")
	}
	if t.isClosed() {
		return nil, messaging.ErrTransportClosed
	}

	t.mu.Lock()
	q, ok := t.queues[name]
	t.mu.Unlock()
	if ok {
		return q, nil
	}

	err := t.pool.Execute(ctx, func(ch *rabbitmq.PooledChannel) error {
		if _, err := ch.QueueDeclare(name+DeadLetterSuffix, true, false, false, false, nil); err != nil {
			return err
		}
		_, err := ch.QueueDeclare(name, true, false, false, false, amqp.Table{
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": name + DeadLetterSuffix,
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to declare queue %s: %w", name, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.queues[name]; ok {
		return existing, nil
	}
	q = &queue{name: name, owner: t}
	t.queues[name] = q
	return q, nil
}

func (t *Transport) handle(h messaging.QueueHandle) (*queue, error) {
	q, ok := h.(*queue)
	if !ok || q.owner != t {
		return nil, fmt.Errorf("queue handle %v does not belong to this transport", h)
	}
	return q, nil
}

// SendEnvelope publishes env and waits for the broker confirm.
func (t *Transport) SendEnvelope(ctx context.Context, h messaging.QueueHandle, env *contracts.Envelope) error {
	q, err := t.handle(h)
	if err != nil {
		return err
	}
	if t.isClosed() {
		return messaging.ErrTransportClosed
	}
	return t.publisher.Publish(ctx, "", q.name, ToPublishing(env))
}

// ReceiveEnvelope starts a consumer on first use and blocks for the next
// delivery. Deliveries are acked as they are handed to the caller.
func (t *Transport) ReceiveEnvelope(ctx context.Context, h messaging.QueueHandle) (*contracts.Envelope, error) {
	q, err := t.handle(h)
	if err != nil {
		return nil, err
	}
	if t.isClosed() {
		return nil, messaging.ErrTransportClosed
	}

	deliveries, err := t.consume(q)
	if err != nil {
		return nil, err
	}

	select {
	case d, ok := <-deliveries:
		if !ok {
			t.resetConsumer(q, deliveries)
			if t.isClosed() {
				return nil, messaging.ErrTransportClosed
			}
			return nil, fmt.Errorf("consumer on %s stopped: %w", q.name, rabbitmq.ErrConnectionNotReady)
		}
		if err := d.Ack(false); err != nil {
			return nil, fmt.Errorf("failed to ack delivery on %s: %w", q.name, err)
		}
		return FromDelivery(d), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		return nil, messaging.ErrTransportClosed
	}
}

func (t *Transport) consume(q *queue) (<-chan amqp.Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.deliveries != nil {
		return q.deliveries, nil
	}

	conn, err := t.manager.Connection()
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, &rabbitmq.ChannelError{Op: "open consumer", Err: err}
	}
	if err := ch.Qos(t.prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, &rabbitmq.ChannelError{Op: "qos", Err: err}
	}
	deliveries, err := ch.Consume(q.name, "", false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, &rabbitmq.ChannelError{Op: "consume", Err: err}
	}
	t.logger.Debug("consumer started", "queue", q.name)
	q.ch = ch
	q.deliveries = deliveries
	return deliveries, nil
}

func (t *Transport) resetConsumer(q *queue, stale <-chan amqp.Delivery) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.deliveries != stale {
		return
	}
	if q.ch != nil && !q.ch.IsClosed() {
		_ = q.ch.Close()
	}
	q.ch = nil
	q.deliveries = nil
}

// Purge empties the queue, or removes only matching envelopes by reading
// every message and requeueing the ones that do not match.
func (t *Transport) Purge(ctx context.Context, h messaging.QueueHandle, match func(*contracts.Envelope) bool) (int, error) {
	q, err := t.handle(h)
	if err != nil {
		return 0, err
	}

	removed := 0
	err = t.pool.Execute(ctx, func(ch *rabbitmq.PooledChannel) error {
		if match == nil {
			n, err := ch.QueuePurge(q.name, false)
			removed = n
			return err
		}

		var keep []uint64
		defer func() {
			for _, tag := range keep {
				_ = ch.Nack(tag, false, true)
			}
		}()
		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			d, ok, err := ch.Get(q.name, false)
			if err != nil {
				return err
			}
			if !ok {
				return nil
			}
			if match(FromDelivery(d)) {
				if err := ch.Ack(d.DeliveryTag, false); err != nil {
					return err
				}
				removed++
				continue
			}
			keep = append(keep, d.DeliveryTag)
		}
	})
	return removed, err
}

// DeadLetter publishes env to the queue's dead-letter queue.
func (t *Transport) DeadLetter(ctx context.Context, h messaging.QueueHandle, env *contracts.Envelope, reason string) error {
	q, err := t.handle(h)
	if err != nil {
		return err
	}
	msg := ToPublishing(env)
	msg.Headers[HeaderDeadLetterReason] = reason
	return t.publisher.Publish(ctx, "", q.name+DeadLetterSuffix, msg)
}

// Ping reports whether the broker connection is up.
func (t *Transport) Ping(ctx context.Context) error {
	if t.isClosed() {
		return messaging.ErrTransportClosed
	}
	_, err := t.manager.Connection()
	return err
}

// Close stops consumers and closes the connection.
func (t *Transport) Close() error {
	var err error
	t.once.Do(func() {
		close(t.done)

		t.mu.Lock()
		for _, q := range t.queues {
			q.mu.Lock()
			if q.ch != nil && !q.ch.IsClosed() {
				_ = q.ch.Close()
			}
			q.mu.Unlock()
		}
		t.mu.Unlock()

		err = errors.Join(t.pool.Close(), t.manager.Close())
	})
	return err
}

// ToPublishing maps an envelope onto AMQP message properties.
func ToPublishing(env *contracts.Envelope) amqp.Publishing {
	headers := amqp.Table{}
	for k, v := range env.Headers {
		switch k {
		case contracts.HeaderMessageID, contracts.HeaderCorrelationID, contracts.HeaderReplyTo, contracts.HeaderContentType:
			continue
		}
		headers[k] = v
	}

	msg := amqp.Publishing{
		Headers:       headers,
		ContentType:   env.Headers.Get(contracts.HeaderContentType),
		DeliveryMode:  amqp.Persistent,
		CorrelationId: env.CorrelationID(),
		ReplyTo:       env.ReplyTo(),
		MessageId:     env.MessageID(),
		Type:          env.TypeTag,
		Body:          env.Body,
	}
	if sentAt, err := time.Parse(time.RFC3339Nano, env.Headers.Get(contracts.HeaderSentAt)); err == nil {
		msg.Timestamp = sentAt
	}
	return msg
}

// FromDelivery rebuilds an envelope from an AMQP delivery.
func FromDelivery(d amqp.Delivery) *contracts.Envelope {
	headers := make(contracts.Headers, len(d.Headers)+4)
	for k, v := range d.Headers {
		if k == HeaderDeadLetterReason {
			continue
		}
		switch v := v.(type) {
		case string:
			headers[k] = v
		case []byte:
			headers[k] = string(v)
		default:
			headers[k] = fmt.Sprint(v)
		}
	}
	set := func(k, v string) {
		if v != "" {
			headers[k] = v
		}
	}
	set(contracts.HeaderMessageID, d.MessageId)
	set(contracts.HeaderCorrelationID, d.CorrelationId)
	set(contracts.HeaderReplyTo, d.ReplyTo)
	set(contracts.HeaderContentType, d.ContentType)

	return &contracts.Envelope{
		TypeTag: d.Type,
		Body:    d.Body,
		Headers: headers,
	}
}
