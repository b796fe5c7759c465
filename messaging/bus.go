package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/glimte/queuebus/contracts"
	"github.com/glimte/queuebus/ids"
	"github.com/glimte/queuebus/internal/reliability"
	"github.com/glimte/queuebus/serialization"
)

const tracerName = "github.com/glimte/queuebus/messaging"

// Bus sends messages, correlates replies and runs handler dispatch loops on
// top of a Transport.
type Bus struct {
	transport    Transport
	codec        *serialization.EnvelopeCodec
	handlers     *HandlerRegistry
	correlations *CorrelationManager
	faults       *faultHub

	logger     *slog.Logger
	metrics    MetricsCollector
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
	ids        ids.Generator
	middleware []MiddlewareFunc

	serviceName       string
	inputQueue        string
	replyQueue        string
	defaultReplyQueue string
	routes            map[string]string
	requestTimeout    time.Duration
	shutdownGrace     time.Duration
	retryPolicy       reliability.Policy
	breaker           *reliability.CircuitBreaker
	faultBuffer       int
	receiveBackoff    time.Duration

	mu          sync.Mutex
	queues      map[string]QueueHandle
	running     bool
	cancelLoops context.CancelFunc
	loopsDone   chan struct{}

	closing   chan struct{}
	closeOnce sync.Once
}

// NewBus builds a bus. The handler registry is frozen; registering more
// handlers afterwards fails.
func NewBus(transport Transport, types *serialization.TypeRegistry, handlers *HandlerRegistry, options ...BusOption) (*Bus, error) {
	if transport == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	if types == nil {
		return nil, fmt.Errorf("type registry cannot be nil")
	}
	if handlers == nil {
		handlers, _ = NewHandlerRegistry()
	}

	b := &Bus{
		transport:      transport,
		codec:          serialization.NewEnvelopeCodec(types),
		handlers:       handlers,
		logger:         slog.Default(),
		metrics:        NoOpMetricsCollector{},
		tracer:         otel.GetTracerProvider().Tracer(tracerName),
		propagator:     otel.GetTextMapPropagator(),
		ids:            ids.UUID(),
		serviceName:    "queuebus",
		routes:         make(map[string]string),
		requestTimeout: 30 * time.Second,
		shutdownGrace:  10 * time.Second,
		retryPolicy:    reliability.NewExponentialBackoff(50*time.Millisecond, 2*time.Second, 2, 3),
		faultBuffer:    64,
		receiveBackoff: 500 * time.Millisecond,
		queues:         make(map[string]QueueHandle),
		closing:        make(chan struct{}),
	}

	for _, opt := range options {
		opt(b)
	}

	if b.inputQueue == "" {
		b.inputQueue = b.serviceName + "-queue"
	}
	if b.replyQueue == "" {
		b.replyQueue = b.serviceName + "-replies"
	}

	for _, binding := range handlers.Queues(b.inputQueue) {
		if binding.Queue == b.replyQueue {
			return nil, fmt.Errorf("handlers cannot consume from the reply queue %s", b.replyQueue)
		}
	}
	handlers.Freeze()

	b.correlations = NewCorrelationManager(
		WithCorrelationLogger(b.logger),
		WithPendingObserver(b.metrics.SetPending),
	)
	b.faults = newFaultHub(b.faultBuffer, b.logger)

	return b, nil
}

// ServiceName returns the configured service name.
func (b *Bus) ServiceName() string { return b.serviceName }

// InputQueue returns the default handler queue.
func (b *Bus) InputQueue() string { return b.inputQueue }

// ReplyQueue returns the queue replies to this bus arrive on.
func (b *Bus) ReplyQueue() string { return b.replyQueue }

// Correlations exposes the pending request table.
func (b *Bus) Correlations() *CorrelationManager { return b.correlations }

func (b *Bus) isClosed() bool {
	select {
	case <-b.closing:
		return true
	default:
		return false
	}
}

// Send encodes payload and enqueues it. It returns the new MessageID.
func (b *Bus) Send(ctx context.Context, payload interface{}, opts ...SendOption) (string, error) {
	o := b.sendOptions(opts)
	if b.isClosed() {
		return "", ErrBusClosed
	}

	msg := b.newMessage(payload, o)
	if err := b.sendMessage(ctx, msg, o.destination); err != nil {
		return "", err
	}
	return msg.ID(), nil
}

// SendAsync sends payload as a request. The pending entry exists before the
// send so a fast reply cannot be missed. When the send fails the entry is
// removed, the error returned and no callback runs. Cancelling ctx evicts the
// request.
func (b *Bus) SendAsync(ctx context.Context, payload interface{}, opts ...SendOption) (*Future, error) {
	o := b.sendOptions(opts)
	if b.isClosed() {
		return nil, ErrBusClosed
	}

	msg := b.newMessage(payload, o)
	msg.SetHeader(contracts.HeaderReplyTo, b.replyQueue)

	timeout := o.timeout
	if timeout <= 0 {
		timeout = b.requestTimeout
	}

	future, err := b.correlations.Register(ctx, msg.ID(), timeout, o.onReply)
	if err != nil {
		return nil, err
	}

	if err := b.sendMessage(ctx, msg, o.destination); err != nil {
		b.correlations.Discard(msg.ID(), err)
		return nil, err
	}
	return future, nil
}

// Request sends payload and waits for its reply.
func (b *Bus) Request(ctx context.Context, payload interface{}, opts ...SendOption) (*contracts.Message, error) {
	future, err := b.SendAsync(ctx, payload, opts...)
	if err != nil {
		return nil, err
	}
	return future.Await(ctx)
}

// Publish sends one copy of payload to each queue. All copies share a
// MessageID.
func (b *Bus) Publish(ctx context.Context, payload interface{}, queues ...string) (string, error) {
	if b.isClosed() {
		return "", ErrBusClosed
	}
	if len(queues) == 0 {
		return "", ErrNoRoute
	}

	msg := b.newMessage(payload, b.sendOptions(nil))
	ctx, span := b.startSendSpan(ctx, msg)
	defer span.End()

	env, err := b.codec.Write(msg)
	if err != nil {
		recordSpanError(span, err)
		return "", err
	}

	var errs []error
	for _, queue := range queues {
		if err := b.deliver(ctx, queue, env.Clone()); err != nil {
			errs = append(errs, fmt.Errorf("publish %s to %s: %w", env.TypeTag, queue, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		recordSpanError(span, err)
		return "", err
	}
	return msg.ID(), nil
}

// Reply answers original. It must be called with the context of the handler
// processing original, at most once per message.
func (b *Bus) Reply(ctx context.Context, original *contracts.Message, payload interface{}) error {
	s := scopeFrom(ctx)
	if s == nil || s.bus != b || s.done.Load() || !s.owns(original) {
		return ErrReplyOutsideHandler
	}
	if !s.replied.CompareAndSwap(false, true) {
		return ErrAlreadyReplied
	}
	if err := b.reply(ctx, original, payload); err != nil {
		s.replied.Store(false)
		return err
	}
	return nil
}

func (b *Bus) reply(ctx context.Context, original *contracts.Message, payload interface{}) error {
	if original.ID() == "" {
		return fmt.Errorf("cannot reply to a message without %s", contracts.HeaderMessageID)
	}
	dest := original.ReplyTo()
	if dest == "" {
		dest = b.defaultReplyQueue
	}
	if dest == "" {
		return ErrNoReplyAddress
	}

	msg := b.newMessage(payload, b.sendOptions(nil))
	msg.SetHeader(contracts.HeaderCorrelationID, original.ID())
	return b.sendMessage(ctx, msg, dest)
}

// Purge removes queued messages of typeTag (all messages when empty) from
// queue without processing them.
func (b *Bus) Purge(ctx context.Context, queue, typeTag string) (int, error) {
	h, err := b.open(ctx, queue)
	if err != nil {
		return 0, err
	}
	n, err := b.transport.Purge(ctx, h, MatchTypeTag(typeTag))
	if err != nil {
		return n, fmt.Errorf("purge %s: %w", queue, err)
	}
	b.logger.Info("purged queue", "queue", queue, "typeTag", typeTag, "removed", n)
	return n, nil
}

// Faults subscribes to the FaultOccurred stream. Events are dropped rather
// than blocking dispatch when the subscriber falls behind. The channel closes
// when the bus closes or cancel is called.
func (b *Bus) Faults() (<-chan FaultEvent, func()) {
	return b.faults.subscribe()
}

// OnFault runs fn for every FaultEvent on a separate goroutine.
func (b *Bus) OnFault(fn func(FaultEvent)) func() {
	return b.faults.observe(fn)
}

// SubscribeAll opens every handler queue and the reply queue and starts the
// dispatch loops. Loops stop when ctx ends or the bus closes.
func (b *Bus) SubscribeAll(ctx context.Context) error {
	if b.isClosed() {
		return ErrBusClosed
	}

	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return fmt.Errorf("bus already subscribed")
	}
	b.running = true
	b.mu.Unlock()

	type loop struct {
		handle  QueueHandle
		workers int
	}
	var loops []loop
	for _, binding := range b.handlers.Queues(b.inputQueue) {
		h, err := b.open(ctx, binding.Queue)
		if err != nil {
			b.setRunning(false)
			return err
		}
		loops = append(loops, loop{handle: h, workers: binding.Workers})
	}
	replies, err := b.open(ctx, b.replyQueue)
	if err != nil {
		b.setRunning(false)
		return err
	}
	loops = append(loops, loop{handle: replies, workers: 1})

	loopCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(loopCtx)
	for _, l := range loops {
		for w := 0; w < l.workers; w++ {
			h, worker := l.handle, w
			g.Go(func() error {
				return b.runLoop(gctx, h, worker)
			})
		}
		b.logger.Info("subscribed", "queue", l.handle.Queue(), "workers", l.workers)
	}

	done := make(chan struct{})
	b.mu.Lock()
	b.cancelLoops = cancel
	b.loopsDone = done
	// Close may have run before cancel was stored.
	closed := b.isClosed()
	b.mu.Unlock()

	go func() {
		if err := g.Wait(); err != nil {
			b.logger.Error("dispatch loops stopped", "error", err)
		}
		close(done)
	}()
	if closed {
		cancel()
		return ErrBusClosed
	}
	return nil
}

func (b *Bus) setRunning(v bool) {
	b.mu.Lock()
	b.running = v
	b.mu.Unlock()
}

// Close stops accepting sends, stops the dispatch loops, waits up to the
// shutdown grace for running handlers and fails every pending request with
// ErrBusShutdown. The transport is not closed.
func (b *Bus) Close(ctx context.Context) error {
	b.closeOnce.Do(func() {
		close(b.closing)

		b.mu.Lock()
		cancel, done := b.cancelLoops, b.loopsDone
		b.mu.Unlock()

		if cancel != nil {
			cancel()
			grace := time.NewTimer(b.shutdownGrace)
			select {
			case <-done:
			case <-grace.C:
				b.logger.Warn("abandoning running handlers after shutdown grace", "grace", b.shutdownGrace)
			case <-ctx.Done():
				b.logger.Warn("abandoning running handlers", "error", ctx.Err())
			}
			grace.Stop()
		}

		failed := b.correlations.Shutdown(ErrBusShutdown)
		b.faults.close()
		b.logger.Info("bus closed", "service", b.serviceName, "failedRequests", failed)
	})
	return nil
}

func (b *Bus) sendOptions(opts []SendOption) sendOptions {
	o := sendOptions{headers: contracts.Headers{}}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (b *Bus) newMessage(payload interface{}, o sendOptions) *contracts.Message {
	msg := &contracts.Message{Payload: payload, Headers: o.headers.Clone()}
	msg.SetHeader(contracts.HeaderMessageID, b.ids.NewID())
	msg.SetHeader(contracts.HeaderSentAt, time.Now().UTC().Format(time.RFC3339Nano))
	delete(msg.Headers, contracts.HeaderCorrelationID)
	delete(msg.Headers, contracts.HeaderReplyTo)
	return msg
}

func (b *Bus) sendMessage(ctx context.Context, msg *contracts.Message, destination string) error {
	ctx, span := b.startSendSpan(ctx, msg)
	defer span.End()

	env, err := b.codec.Write(msg)
	if err != nil {
		recordSpanError(span, err)
		return err
	}
	span.SetAttributes(attribute.String("messaging.message.type", env.TypeTag))

	queue := destination
	if queue == "" {
		var ok bool
		if queue, ok = b.routes[env.TypeTag]; !ok {
			err := fmt.Errorf("%w: %s", ErrNoRoute, env.TypeTag)
			recordSpanError(span, err)
			return err
		}
	}
	span.SetAttributes(attribute.String("messaging.destination.name", queue))

	if err := b.deliver(ctx, queue, env); err != nil {
		err = fmt.Errorf("send %s to %s: %w", env.TypeTag, queue, err)
		recordSpanError(span, err)
		return err
	}

	b.logger.Debug("message sent",
		"messageId", msg.ID(),
		"typeTag", env.TypeTag,
		"queue", queue,
		"correlationId", msg.CorrelationID(),
	)
	return nil
}

func (b *Bus) startSendSpan(ctx context.Context, msg *contracts.Message) (context.Context, trace.Span) {
	ctx, span := b.tracer.Start(ctx, "queuebus.send",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "queuebus"),
			attribute.String("messaging.message.id", msg.ID()),
		),
	)
	b.propagator.Inject(ctx, propagation.MapCarrier(msg.Headers))
	return ctx, span
}

// deliver sends env through the retry policy and circuit breaker.
func (b *Bus) deliver(ctx context.Context, queue string, env *contracts.Envelope) error {
	h, err := b.open(ctx, queue)
	if err != nil {
		return err
	}

	send := func(ctx context.Context) error {
		err := b.transport.SendEnvelope(ctx, h, env)
		if errors.Is(err, ErrTransportClosed) {
			return reliability.Permanent(err)
		}
		return err
	}

	start := time.Now()
	err = reliability.Retry(ctx, b.retryPolicy, func(ctx context.Context) error {
		if b.breaker != nil {
			return b.breaker.Execute(ctx, send)
		}
		return send(ctx)
	})
	b.metrics.RecordSend(queue, env.TypeTag, time.Since(start), err)
	return err
}

// open returns a cached handle, opening the queue on first use.
func (b *Bus) open(ctx context.Context, queue string) (QueueHandle, error) {
	b.mu.Lock()
	h, ok := b.queues[queue]
	b.mu.Unlock()
	if ok {
		return h, nil
	}

	h, err := b.transport.Open(ctx, queue)
	if err != nil {
		return nil, fmt.Errorf("open queue %s: %w", queue, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if existing, ok := b.queues[queue]; ok {
		return existing, nil
	}
	b.queues[queue] = h
	return h, nil
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
