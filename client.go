// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package queuebus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/glimte/queuebus/config"
	"github.com/glimte/queuebus/health"
	"github.com/glimte/queuebus/ids"
	"github.com/glimte/queuebus/internal/rabbitmq"
	"github.com/glimte/queuebus/internal/reliability"
	"github.com/glimte/queuebus/messaging"
	"github.com/glimte/queuebus/metrics"
	"github.com/glimte/queuebus/serialization"
	"github.com/glimte/queuebus/transports/memory"
	rabbitmqTransport "github.com/glimte/queuebus/transports/rabbitmq"
	redisTransport "github.com/glimte/queuebus/transports/redis"
)

// Client wires a transport, a bus, metrics and health checks from a
// config.Config.
type Client struct {
	cfg       config.Config
	transport messaging.Transport
	bus       *messaging.Bus
	health    *health.Registry
	metrics   *metrics.Prometheus
	logger    *slog.Logger
}

// clientConfig holds client configuration
type clientConfig struct {
	logger     *slog.Logger
	types      *serialization.TypeRegistry
	handlers   []messaging.HandlerRegistration
	transport  messaging.Transport
	registerer prometheus.Registerer
	busOptions []messaging.BusOption
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithTypes sets the type registry shared by senders and receivers.
func WithTypes(types *serialization.TypeRegistry) ClientOption {
	return func(cfg *clientConfig) {
		cfg.types = types
	}
}

// WithHandlers registers handlers before the bus is built.
func WithHandlers(regs ...messaging.HandlerRegistration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.handlers = append(cfg.handlers, regs...)
	}
}

// WithTransport bypasses the configured transport. The client still closes it.
func WithTransport(t messaging.Transport) ClientOption {
	return func(cfg *clientConfig) {
		cfg.transport = t
	}
}

// WithPrometheusRegisterer sets where bus metrics are registered. Nil
// disables Prometheus metrics.
func WithPrometheusRegisterer(r prometheus.Registerer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.registerer = r
	}
}

// WithBusOptions appends bus options after the ones derived from config.
func WithBusOptions(opts ...messaging.BusOption) ClientOption {
	return func(cfg *clientConfig) {
		cfg.busOptions = append(cfg.busOptions, opts...)
	}
}

// NewClient connects the configured transport and builds the bus.
func NewClient(ctx context.Context, cfg config.Config, options ...ClientOption) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	cc := &clientConfig{
		logger:     slog.Default(),
		registerer: prometheus.DefaultRegisterer,
	}
	for _, opt := range options {
		opt(cc)
	}
	if cc.types == nil {
		cc.types = serialization.NewTypeRegistry()
	}

	handlers, err := messaging.NewHandlerRegistry(cc.handlers...)
	if err != nil {
		return nil, err
	}

	transport := cc.transport
	if transport == nil {
		transport, err = newTransport(ctx, cfg, cc.logger)
		if err != nil {
			return nil, err
		}
	}

	c := &Client{cfg: cfg, transport: transport, logger: cc.logger}

	busOpts := []messaging.BusOption{
		messaging.WithLogger(cc.logger),
		messaging.WithServiceName(cfg.Service),
		messaging.WithInputQueue(cfg.InputQueue),
		messaging.WithReplyQueue(cfg.ReplyQueue),
		messaging.WithRequestTimeout(cfg.RequestTimeout.Duration),
		messaging.WithShutdownGrace(cfg.ShutdownGrace.Duration),
		messaging.WithRetryPolicy(retryPolicy(cfg.Retry)),
	}
	if cfg.IDGenerator == "ulid" {
		busOpts = append(busOpts, messaging.WithIDGenerator(ids.ULID()))
	}
	for tag, queue := range cfg.Routes {
		busOpts = append(busOpts, messaging.WithRoute(tag, queue))
	}
	if cfg.Breaker.Enabled {
		busOpts = append(busOpts, messaging.WithCircuitBreaker(reliability.NewCircuitBreaker(
			reliability.WithName(cfg.Service+"-send"),
			reliability.WithFailureThreshold(cfg.Breaker.FailureThreshold),
			reliability.WithCooldown(cfg.Breaker.Cooldown.Duration),
			reliability.WithStateChange(func(name string, from, to reliability.State) {
				cc.logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
			}),
		)))
	}
	if cc.registerer != nil {
		c.metrics = metrics.NewPrometheus(cc.registerer)
		if err := c.metrics.Register(); err != nil {
			_ = transport.Close()
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
		busOpts = append(busOpts, messaging.WithMetrics(c.metrics))
	}
	busOpts = append(busOpts, cc.busOptions...)

	c.bus, err = messaging.NewBus(transport, cc.types, handlers, busOpts...)
	if err != nil {
		if c.metrics != nil {
			c.metrics.Unregister()
		}
		_ = transport.Close()
		return nil, err
	}

	c.health = health.NewRegistry(
		health.NewPendingChecker(c.bus.Correlations().Pending, 1000, 10000),
		health.NewRuntimeChecker(5000, 20000),
	)
	if p, ok := transport.(messaging.Pinger); ok {
		c.health.Register(health.NewTransportChecker("transport", p))
	}
	c.health.SetMetadata("service", cfg.Service)
	c.health.SetMetadata("transport", cfg.Transport.Kind)

	return c, nil
}

func newTransport(ctx context.Context, cfg config.Config, logger *slog.Logger) (messaging.Transport, error) {
	switch cfg.Transport.Kind {
	case config.TransportMemory:
		return memory.NewTransport(), nil
	case config.TransportRabbitMQ:
		t, err := rabbitmqTransport.NewTransport(ctx, cfg.Transport.URL,
			rabbitmqTransport.WithLogger(logger),
			rabbitmqTransport.WithPrefetch(cfg.Transport.Prefetch),
			rabbitmqTransport.WithConnectionOptions(rabbitmq.WithConnectionName(cfg.Service)),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create transport: %w", err)
		}
		return t, nil
	case config.TransportRedis:
		t, err := redisTransport.Dial(ctx, cfg.Transport.URL,
			redisTransport.WithLogger(logger),
			redisTransport.WithKeyPrefix(cfg.Transport.KeyPrefix),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create transport: %w", err)
		}
		return t, nil
	default:
		return nil, fmt.Errorf("unknown transport kind %q", cfg.Transport.Kind)
	}
}

func retryPolicy(cfg config.RetryConfig) reliability.Policy {
	if cfg.MaxRetries == 0 {
		return reliability.NoRetry()
	}
	return reliability.NewExponentialBackoff(cfg.Initial.Duration, cfg.Max.Duration, cfg.Multiplier, cfg.MaxRetries)
}

// Bus returns the message bus
func (c *Client) Bus() *messaging.Bus {
	return c.bus
}

// Transport returns the underlying transport
func (c *Client) Transport() messaging.Transport {
	return c.transport
}

// Health returns the health registry. Callers may register more checkers.
func (c *Client) Health() *health.Registry {
	return c.health
}

// Config returns the configuration the client was built from.
func (c *Client) Config() config.Config {
	return c.cfg
}

// Start subscribes the bus. The dispatch loops run until ctx ends or Close.
func (c *Client) Start(ctx context.Context) error {
	return c.bus.SubscribeAll(ctx)
}

// Close closes the bus, then the transport.
func (c *Client) Close(ctx context.Context) error {
	busErr := c.bus.Close(ctx)
	transportErr := c.transport.Close()
	if c.metrics != nil {
		c.metrics.Unregister()
	}
	return errors.Join(busErr, transportErr)
}
