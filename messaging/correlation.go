package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/queuebus/contracts"
)

// ReplyCallback receives the outcome of an asynchronous request exactly once.
type ReplyCallback func(reply *contracts.Message, err error)

// Future is the result of one asynchronous request.
type Future struct {
	correlationID string
	done          chan struct{}
	reply         *contracts.Message
	err           error
}

func newFuture(correlationID string) *Future {
	return &Future{correlationID: correlationID, done: make(chan struct{})}
}

// CorrelationID returns the MessageID of the request.
func (f *Future) CorrelationID() string {
	return f.correlationID
}

// Done is closed once the request is resolved.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Result returns the outcome. It blocks until Done is closed.
func (f *Future) Result() (*contracts.Message, error) {
	<-f.done
	return f.reply, f.err
}

// Await waits for the outcome or ctx. Returning early on ctx does not cancel
// the request.
func (f *Future) Await(ctx context.Context) (*contracts.Message, error) {
	select {
	case <-f.done:
		return f.reply, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// resolve must be called once.
func (f *Future) resolve(reply *contracts.Message, err error) {
	f.reply, f.err = reply, err
	close(f.done)
}

type pendingRequest struct {
	future    *Future
	callback  ReplyCallback
	createdAt time.Time
	timeout   time.Duration
	timer     *time.Timer
	stopCtx   func() bool
}

// CorrelationManager owns the table of outstanding requests. Every entry is
// resolved exactly once: by a reply, a fault, its timeout, its context or
// shutdown.
type CorrelationManager struct {
	mu       sync.Mutex
	pending  map[string]*pendingRequest
	closed   bool
	closeErr error

	logger    *slog.Logger
	onPending func(n int)
}

// CorrelationOption configures a CorrelationManager
type CorrelationOption func(*CorrelationManager)

// WithCorrelationLogger sets the logger
func WithCorrelationLogger(logger *slog.Logger) CorrelationOption {
	return func(m *CorrelationManager) {
		m.logger = logger
	}
}

// WithPendingObserver is called with the table size after every change.
func WithPendingObserver(fn func(n int)) CorrelationOption {
	return func(m *CorrelationManager) {
		m.onPending = fn
	}
}

// NewCorrelationManager creates an empty manager
func NewCorrelationManager(opts ...CorrelationOption) *CorrelationManager {
	m := &CorrelationManager{
		pending:   make(map[string]*pendingRequest),
		logger:    slog.Default(),
		onPending: func(int) {},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Register adds a pending request. A positive timeout fails it with
// ReplyTimeoutError once elapsed; ctx ending fails it with
// ErrRequestCancelled. callback may be nil.
func (m *CorrelationManager) Register(ctx context.Context, correlationID string, timeout time.Duration, callback ReplyCallback) (*Future, error) {
	if correlationID == "" {
		return nil, fmt.Errorf("correlation id cannot be empty")
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, m.closeErr
	}
	if _, exists := m.pending[correlationID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("correlation id %s is already pending", correlationID)
	}

	p := &pendingRequest{
		future:    newFuture(correlationID),
		callback:  callback,
		createdAt: time.Now(),
		timeout:   timeout,
	}
	m.pending[correlationID] = p
	if timeout > 0 {
		p.timer = time.AfterFunc(timeout, func() {
			m.resolve(correlationID, nil, &ReplyTimeoutError{CorrelationID: correlationID, Timeout: timeout}, true)
		})
	}
	if ctx.Done() != nil {
		p.stopCtx = context.AfterFunc(ctx, func() {
			m.resolve(correlationID, nil, fmt.Errorf("%w: %w", ErrRequestCancelled, context.Cause(ctx)), true)
		})
	}
	n := len(m.pending)
	m.mu.Unlock()

	m.onPending(n)
	return p.future, nil
}

// Complete delivers reply to the request it correlates to. It returns false,
// and logs a warning, when no such request is pending.
func (m *CorrelationManager) Complete(correlationID string, reply *contracts.Message) bool {
	if m.resolve(correlationID, reply, nil, true) {
		return true
	}
	messageID := ""
	if reply != nil {
		messageID = reply.ID()
	}
	m.logger.Warn("dropping reply without pending request",
		"correlationId", correlationID,
		"messageId", messageID,
	)
	return false
}

// Fail resolves the request with err.
func (m *CorrelationManager) Fail(correlationID string, err error) bool {
	return m.resolve(correlationID, nil, err, true)
}

// Discard removes the request without running its callback.
func (m *CorrelationManager) Discard(correlationID string, err error) bool {
	return m.resolve(correlationID, nil, err, false)
}

// Await waits for the pending request's outcome.
func (m *CorrelationManager) Await(ctx context.Context, correlationID string) (*contracts.Message, error) {
	m.mu.Lock()
	p, ok := m.pending[correlationID]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCorrelation, correlationID)
	}
	return p.future.Await(ctx)
}

// IsPending reports whether correlationID awaits a reply.
func (m *CorrelationManager) IsPending(correlationID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pending[correlationID]
	return ok
}

// Pending returns the number of outstanding requests.
func (m *CorrelationManager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Shutdown fails every pending request with err and rejects new ones.
// It returns how many requests were failed.
func (m *CorrelationManager) Shutdown(err error) int {
	m.mu.Lock()
	m.closed = true
	m.closeErr = err
	ids := make([]string, 0, len(m.pending))
	for id := range m.pending {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	failed := 0
	for _, id := range ids {
		if m.resolve(id, nil, err, true) {
			failed++
		}
	}
	return failed
}

func (m *CorrelationManager) resolve(correlationID string, reply *contracts.Message, err error, notify bool) bool {
	m.mu.Lock()
	p, ok := m.pending[correlationID]
	if ok {
		delete(m.pending, correlationID)
	}
	n := len(m.pending)
	m.mu.Unlock()

	if !ok {
		return false
	}

	if p.timer != nil {
		p.timer.Stop()
	}
	if p.stopCtx != nil {
		p.stopCtx()
	}
	p.future.resolve(reply, err)
	m.onPending(n)

	if notify && p.callback != nil {
		m.invoke(p.callback, correlationID, reply, err)
	}
	return true
}

func (m *CorrelationManager) invoke(cb ReplyCallback, correlationID string, reply *contracts.Message, err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("reply callback panicked", "correlationId", correlationID, "panic", r)
		}
	}()
	cb(reply, err)
}
