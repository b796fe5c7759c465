package messaging

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/glimte/queuebus/contracts"
	"github.com/glimte/queuebus/ids"
	"github.com/glimte/queuebus/internal/reliability"
)

// BusOption configures a Bus
type BusOption func(*Bus)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) BusOption {
	return func(b *Bus) {
		b.logger = logger
	}
}

// WithServiceName names the service. Unless overridden, the input queue is
// "<name>-queue" and the reply queue "<name>-replies".
func WithServiceName(name string) BusOption {
	return func(b *Bus) {
		b.serviceName = name
	}
}

// WithInputQueue sets the queue handlers without an explicit queue consume from.
func WithInputQueue(queue string) BusOption {
	return func(b *Bus) {
		b.inputQueue = queue
	}
}

// WithReplyQueue sets the queue this bus receives replies on.
func WithReplyQueue(queue string) BusOption {
	return func(b *Bus) {
		b.replyQueue = queue
	}
}

// WithDefaultReplyQueue is used by Reply when the request has no ReplyTo.
func WithDefaultReplyQueue(queue string) BusOption {
	return func(b *Bus) {
		b.defaultReplyQueue = queue
	}
}

// WithRoute sends every message of typeTag to queue unless To overrides it.
func WithRoute(typeTag, queue string) BusOption {
	return func(b *Bus) {
		b.routes[typeTag] = queue
	}
}

// WithRequestTimeout sets the default SendAsync timeout.
func WithRequestTimeout(d time.Duration) BusOption {
	return func(b *Bus) {
		b.requestTimeout = d
	}
}

// WithShutdownGrace bounds how long Close waits for running handlers.
func WithShutdownGrace(d time.Duration) BusOption {
	return func(b *Bus) {
		b.shutdownGrace = d
	}
}

// WithRetryPolicy sets the policy applied to transport sends.
func WithRetryPolicy(policy reliability.Policy) BusOption {
	return func(b *Bus) {
		b.retryPolicy = policy
	}
}

// WithCircuitBreaker guards transport sends with cb.
func WithCircuitBreaker(cb *reliability.CircuitBreaker) BusOption {
	return func(b *Bus) {
		b.breaker = cb
	}
}

// WithMetrics sets the metrics collector
func WithMetrics(collector MetricsCollector) BusOption {
	return func(b *Bus) {
		b.metrics = collector
	}
}

// WithTracerProvider sets the provider used for send and dispatch spans.
func WithTracerProvider(tp trace.TracerProvider) BusOption {
	return func(b *Bus) {
		b.tracer = tp.Tracer(tracerName)
	}
}

// WithPropagator sets how trace context travels in headers.
func WithPropagator(p propagation.TextMapPropagator) BusOption {
	return func(b *Bus) {
		b.propagator = p
	}
}

// WithIDGenerator sets the MessageID generator.
func WithIDGenerator(g ids.Generator) BusOption {
	return func(b *Bus) {
		b.ids = g
	}
}

// WithMiddleware adds handler middleware. The first one added runs outermost.
func WithMiddleware(middleware ...MiddlewareFunc) BusOption {
	return func(b *Bus) {
		b.middleware = append(b.middleware, middleware...)
	}
}

// WithFaultBuffer sets the per-subscriber FaultEvent buffer.
func WithFaultBuffer(n int) BusOption {
	return func(b *Bus) {
		b.faultBuffer = n
	}
}

// WithReceiveBackoff sets the pause after a failed receive.
func WithReceiveBackoff(d time.Duration) BusOption {
	return func(b *Bus) {
		b.receiveBackoff = d
	}
}

type sendOptions struct {
	destination string
	headers     contracts.Headers
	timeout     time.Duration
	onReply     ReplyCallback
}

// SendOption configures a single send
type SendOption func(*sendOptions)

// To sets the destination queue.
func To(queue string) SendOption {
	return func(o *sendOptions) {
		o.destination = queue
	}
}

// WithHeader adds a custom header. Reserved headers are overwritten by the bus.
func WithHeader(key, value string) SendOption {
	return func(o *sendOptions) {
		o.headers[key] = value
	}
}

// Timeout overrides the request timeout for SendAsync and Request.
func Timeout(d time.Duration) SendOption {
	return func(o *sendOptions) {
		o.timeout = d
	}
}

// OnReply registers a callback invoked exactly once with the reply or the
// error that ended the request.
func OnReply(cb ReplyCallback) SendOption {
	return func(o *sendOptions) {
		o.onReply = cb
	}
}
