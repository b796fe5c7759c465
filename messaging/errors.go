package messaging

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrBusClosed is returned by sends after Close has started.
	ErrBusClosed = errors.New("bus is closed")
	// ErrBusShutdown fails requests still pending when the bus closes.
	ErrBusShutdown = errors.New("bus shut down before a reply arrived")
	// ErrReplyTimeout is matched by ReplyTimeoutError.
	ErrReplyTimeout = errors.New("reply timeout")
	// ErrNoRoute is returned when a send has no destination queue.
	ErrNoRoute = errors.New("no route for message")
	// ErrReplyOutsideHandler is returned by Reply without a handler scope
	// for the original message.
	ErrReplyOutsideHandler = errors.New("reply called outside of a handler for the original message")
	// ErrAlreadyReplied is returned by a second Reply to the same message.
	ErrAlreadyReplied = errors.New("message already replied to")
	// ErrNoReplyAddress is returned when neither ReplyTo nor a default reply
	// queue is available.
	ErrNoReplyAddress = errors.New("no reply address")
	// ErrRegistryFrozen is returned by Register once a bus owns the registry.
	ErrRegistryFrozen = errors.New("handler registry is frozen")
	// ErrTransportClosed is returned by transports after Close.
	ErrTransportClosed = errors.New("transport closed")
	// ErrUnknownCorrelation is returned by Await for ids that are not pending.
	ErrUnknownCorrelation = errors.New("no pending request for correlation id")
	// ErrRequestCancelled fails a pending request whose context ended.
	ErrRequestCancelled = errors.New("request cancelled")
)

// DuplicateHandlerError is returned when a second handler is registered for a
// type tag.
type DuplicateHandlerError struct {
	TypeTag string
}

func (e *DuplicateHandlerError) Error() string {
	return fmt.Sprintf("handler already registered for type %s", e.TypeTag)
}

// NoHandlerRegisteredError describes a decoded message nobody handles.
type NoHandlerRegisteredError struct {
	TypeTag string
	Queue   string
}

func (e *NoHandlerRegisteredError) Error() string {
	return fmt.Sprintf("no handler registered for type %s on queue %s", e.TypeTag, e.Queue)
}

// HandlerFaultError wraps an error or panic raised by a handler. On the
// requesting side it carries the remote fault text.
type HandlerFaultError struct {
	TypeTag   string
	MessageID string
	Err       error
}

func (e *HandlerFaultError) Error() string {
	return fmt.Sprintf("handler fault for %s (message %s): %v", e.TypeTag, e.MessageID, e.Err)
}

func (e *HandlerFaultError) Unwrap() error {
	return e.Err
}

// ReplyTimeoutError fails a request that got no reply in time.
type ReplyTimeoutError struct {
	CorrelationID string
	Timeout       time.Duration
}

func (e *ReplyTimeoutError) Error() string {
	return fmt.Sprintf("no reply for %s within %v", e.CorrelationID, e.Timeout)
}

func (e *ReplyTimeoutError) Unwrap() error {
	return ErrReplyTimeout
}

// BusFaultError fails a request when a non-handler fault is attributable to it.
type BusFaultError struct {
	Reason FaultReason
	Err    error
}

func (e *BusFaultError) Error() string {
	return fmt.Sprintf("bus fault (%s): %v", e.Reason, e.Err)
}

func (e *BusFaultError) Unwrap() error {
	return e.Err
}

// PanicError carries a recovered handler panic.
type PanicError struct {
	Value interface{}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("handler panic: %v", e.Value)
}
