package messaging

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/glimte/queuebus/contracts"
)

// DispatchState is where processing of one envelope ended.
type DispatchState int

const (
	StateReceived DispatchState = iota
	StateDecoded
	StateHandlerResolved
	StateHandled
	StateDecodeFailed
	StateNoHandler
	StateFaulted
	StateCorrelated
)

func (s DispatchState) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateDecoded:
		return "decoded"
	case StateHandlerResolved:
		return "handler_resolved"
	case StateHandled:
		return "handled"
	case StateDecodeFailed:
		return "decode_failed"
	case StateNoHandler:
		return "no_handler"
	case StateFaulted:
		return "faulted"
	case StateCorrelated:
		return "correlated"
	default:
		return "unknown"
	}
}

// runLoop receives from one queue until ctx ends or the transport closes.
// Per-message failures never end the loop.
func (b *Bus) runLoop(ctx context.Context, h QueueHandle, worker int) error {
	queue := h.Queue()
	logger := b.logger.With("queue", queue, "worker", worker)
	logger.Debug("dispatch loop started")
	defer logger.Debug("dispatch loop stopped")

	for {
		env, err := b.transport.ReceiveEnvelope(ctx, h)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrTransportClosed) {
				return nil
			}
			logger.Error("receive failed", "error", err)
			b.metrics.RecordFault(queue, "", FaultReceiveFailed)

			backoff := time.NewTimer(b.receiveBackoff)
			select {
			case <-backoff.C:
			case <-ctx.Done():
				backoff.Stop()
				return nil
			}
			continue
		}

		// Handlers finish during the shutdown grace even though receiving stops.
		b.dispatch(context.WithoutCancel(ctx), h, env)
	}
}

// dispatch drives one envelope through the state machine and returns the
// final state.
func (b *Bus) dispatch(ctx context.Context, h QueueHandle, env *contracts.Envelope) DispatchState {
	start := time.Now()
	queue := h.Queue()

	ctx = b.propagator.Extract(ctx, propagation.MapCarrier(env.Headers))
	ctx, span := b.tracer.Start(ctx, "queuebus.dispatch",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "queuebus"),
			attribute.String("messaging.destination.name", queue),
			attribute.String("messaging.message.type", env.TypeTag),
			attribute.String("messaging.message.id", env.MessageID()),
		),
	)
	defer span.End()

	state := b.process(ctx, h, env)
	span.SetAttributes(attribute.String("queuebus.dispatch.state", state.String()))
	b.metrics.RecordDispatch(queue, env.TypeTag, state, time.Since(start))
	return state
}

func (b *Bus) process(ctx context.Context, h QueueHandle, env *contracts.Envelope) DispatchState {
	queue := h.Queue()

	if err := b.codec.Check(env); err != nil {
		b.deadLetter(ctx, h, env, err)
		b.raiseFault(ctx, FaultEvent{
			Reason:        FaultDeserializationRefused,
			Err:           err,
			Queue:         queue,
			TypeTag:       env.TypeTag,
			MessageID:     env.MessageID(),
			CorrelationID: env.CorrelationID(),
		})
		return StateDecodeFailed
	}

	msg, err := b.codec.Read(env)
	if err != nil {
		b.deadLetter(ctx, h, env, err)
		b.raiseFault(ctx, FaultEvent{
			Reason:        FaultDecodeFailed,
			Err:           err,
			Queue:         queue,
			TypeTag:       env.TypeTag,
			MessageID:     env.MessageID(),
			CorrelationID: env.CorrelationID(),
		})
		return StateDecodeFailed
	}

	if cid := msg.CorrelationID(); cid != "" {
		if _, handled := b.handlers.Resolve(env.TypeTag); !handled || b.correlations.IsPending(cid) || queue == b.replyQueue {
			b.correlate(msg)
			return StateCorrelated
		}
	}

	reg, ok := b.handlers.Resolve(env.TypeTag)
	if !ok {
		err := &NoHandlerRegisteredError{TypeTag: env.TypeTag, Queue: queue}
		b.raiseFault(ctx, FaultEvent{
			Reason:    FaultNoHandlerRegistered,
			Err:       err,
			Queue:     queue,
			TypeTag:   env.TypeTag,
			MessageID: msg.ID(),
			Message:   msg,
		})
		if msg.ReplyTo() != "" {
			b.replyWithFault(ctx, msg, env.TypeTag, FaultNoHandlerRegistered, err)
		}
		return StateNoHandler
	}

	scope := &handlerScope{bus: b, msg: msg}
	err = b.invoke(withScope(ctx, scope), reg, msg)
	scope.done.Store(true)
	if err != nil {
		fault := &HandlerFaultError{TypeTag: env.TypeTag, MessageID: msg.ID(), Err: err}
		b.raiseFault(ctx, FaultEvent{
			Reason:    FaultHandlerFault,
			Err:       fault,
			Queue:     queue,
			TypeTag:   env.TypeTag,
			MessageID: msg.ID(),
			Message:   msg,
		})
		if msg.ReplyTo() != "" && scope.replied.CompareAndSwap(false, true) {
			b.replyWithFault(ctx, msg, env.TypeTag, FaultHandlerFault, err)
		}
		return StateFaulted
	}

	b.logger.Debug("message handled",
		"messageId", msg.ID(),
		"typeTag", env.TypeTag,
		"queue", queue,
	)
	return StateHandled
}

func (b *Bus) invoke(ctx context.Context, reg HandlerRegistration, msg *contracts.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
			b.logger.Error("handler panicked",
				"typeTag", reg.TypeTag,
				"messageId", msg.ID(),
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()
	return chain(reg.Handler, b.middleware).Handle(ctx, msg)
}

// correlate hands a reply to the pending request it answers. A Fault payload
// fails the request instead.
func (b *Bus) correlate(msg *contracts.Message) {
	cid := msg.CorrelationID()

	fault, ok := msg.Payload.(*contracts.Fault)
	if !ok {
		b.correlations.Complete(cid, msg)
		return
	}

	var err error
	if FaultReason(fault.Reason) == FaultHandlerFault {
		err = &HandlerFaultError{TypeTag: fault.TypeTag, MessageID: cid, Err: errors.New(fault.Error)}
	} else {
		err = &BusFaultError{Reason: FaultReason(fault.Reason), Err: fault.Err()}
	}
	if !b.correlations.Fail(cid, err) {
		b.logger.Warn("dropping fault reply without pending request",
			"correlationId", cid,
			"reason", fault.Reason,
		)
	}
}

func (b *Bus) replyWithFault(ctx context.Context, msg *contracts.Message, typeTag string, reason FaultReason, cause error) {
	fault := &contracts.Fault{Reason: string(reason), Error: cause.Error(), TypeTag: typeTag}
	if err := b.reply(ctx, msg, fault); err != nil {
		b.raiseFault(ctx, FaultEvent{
			Reason:    FaultReplyFailed,
			Err:       fmt.Errorf("send fault reply: %w", err),
			Queue:     msg.ReplyTo(),
			TypeTag:   typeTag,
			MessageID: msg.ID(),
			Message:   msg,
		})
	}
}

func (b *Bus) deadLetter(ctx context.Context, h QueueHandle, env *contracts.Envelope, cause error) {
	dl, ok := b.transport.(DeadLetterer)
	if !ok {
		b.logger.Warn("discarding unreadable envelope",
			"queue", h.Queue(),
			"typeTag", env.TypeTag,
			"messageId", env.MessageID(),
		)
		return
	}
	if err := dl.DeadLetter(ctx, h, env, cause.Error()); err != nil {
		b.logger.Error("dead-lettering failed",
			"queue", h.Queue(),
			"typeTag", env.TypeTag,
			"messageId", env.MessageID(),
			"error", err,
		)
		return
	}
	b.logger.Warn("envelope dead-lettered",
		"queue", h.Queue(),
		"typeTag", env.TypeTag,
		"messageId", env.MessageID(),
		"reason", cause.Error(),
	)
}

// raiseFault logs, counts and publishes ev. A fault attributable to a pending
// request fails that request.
func (b *Bus) raiseFault(ctx context.Context, ev FaultEvent) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now()
	}

	span := trace.SpanFromContext(ctx)
	recordSpanError(span, ev.Err)

	b.logger.Error("message fault",
		"reason", string(ev.Reason),
		"queue", ev.Queue,
		"typeTag", ev.TypeTag,
		"messageId", ev.MessageID,
		"correlationId", ev.CorrelationID,
		"error", ev.Err,
	)
	b.metrics.RecordFault(ev.Queue, ev.TypeTag, ev.Reason)

	if ev.CorrelationID != "" && (ev.Reason == FaultDecodeFailed || ev.Reason == FaultDeserializationRefused) {
		b.correlations.Fail(ev.CorrelationID, &BusFaultError{Reason: ev.Reason, Err: ev.Err})
	}

	b.faults.publish(ev)
}
