// Package memory provides an in-process Transport. Queues live as long as the
// Transport; nothing is persisted.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/glimte/queuebus/contracts"
	"github.com/glimte/queuebus/messaging"
)

// DeadLetter is an envelope the bus refused to process.
type DeadLetter struct {
	Envelope *contracts.Envelope
	Reason   string
}

type queue struct {
	name   string
	owner  *Transport
	mu     sync.Mutex
	items  []*contracts.Envelope
	dead   []DeadLetter
	notify chan struct{}
}

func (q *queue) Queue() string {
	return q.name
}

// signal wakes one waiting receiver. mu must be held.
func (q *queue) signal() {
	if len(q.items) == 0 {
		return
	}
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Transport is a messaging.Transport backed by in-memory FIFO queues.
type Transport struct {
	mu        sync.Mutex
	queues    map[string]*queue
	done      chan struct{}
	closeOnce sync.Once
}

var (
	_ messaging.Transport    = (*Transport)(nil)
	_ messaging.DeadLetterer = (*Transport)(nil)
	_ messaging.Pinger       = (*Transport)(nil)
)

// NewTransport creates an empty transport
func NewTransport() *Transport {
	return &Transport{
		queues: make(map[string]*queue),
		done:   make(chan struct{}),
	}
}

func (t *Transport) isClosed() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Open creates the queue on first use.
func (t *Transport) Open(ctx context.Context, name string) (messaging.QueueHandle, error) {
	if name == "" {
		return nil, fmt.Errorf("queue name cannot be empty")
	}
	if t.isClosed() {
		return nil, messaging.ErrTransportClosed
	}
	return t.queue(name), nil
}

func (t *Transport) queue(name string) *queue {
	t.mu.Lock()
	defer t.mu.Unlock()

	q, ok := t.queues[name]
	if !ok {
		q = &queue{name: name, owner: t, notify: make(chan struct{}, 1)}
		t.queues[name] = q
	}
	return q
}

func (t *Transport) handle(h messaging.QueueHandle) (*queue, error) {
	q, ok := h.(*queue)
	if !ok || q.owner != t {
		return nil, fmt.Errorf("queue handle %v does not belong to this transport", h)
	}
	return q, nil
}

// SendEnvelope appends a copy of env to the queue.
func (t *Transport) SendEnvelope(ctx context.Context, h messaging.QueueHandle, env *contracts.Envelope) error {
	q, err := t.handle(h)
	if err != nil {
		return err
	}
	if t.isClosed() {
		return messaging.ErrTransportClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	q.mu.Lock()
	q.items = append(q.items, env.Clone())
	q.signal()
	q.mu.Unlock()
	return nil
}

// ReceiveEnvelope pops the oldest envelope, blocking while the queue is empty.
func (t *Transport) ReceiveEnvelope(ctx context.Context, h messaging.QueueHandle) (*contracts.Envelope, error) {
	q, err := t.handle(h)
	if err != nil {
		return nil, err
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		q.mu.Lock()
		if len(q.items) > 0 {
			env := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.signal()
			q.mu.Unlock()
			return env, nil
		}
		q.mu.Unlock()

		select {
		case <-q.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-t.done:
			return nil, messaging.ErrTransportClosed
		}
	}
}

// Purge removes matching envelopes.
func (t *Transport) Purge(ctx context.Context, h messaging.QueueHandle, match func(*contracts.Envelope) bool) (int, error) {
	q, err := t.handle(h)
	if err != nil {
		return 0, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if match == nil {
		n := len(q.items)
		q.items = nil
		return n, nil
	}

	kept := q.items[:0]
	removed := 0
	for _, env := range q.items {
		if match(env) {
			removed++
			continue
		}
		kept = append(kept, env)
	}
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = nil
	}
	q.items = kept
	return removed, nil
}

// DeadLetter parks env on the queue's dead-letter list.
func (t *Transport) DeadLetter(ctx context.Context, h messaging.QueueHandle, env *contracts.Envelope, reason string) error {
	q, err := t.handle(h)
	if err != nil {
		return err
	}

	q.mu.Lock()
	q.dead = append(q.dead, DeadLetter{Envelope: env.Clone(), Reason: reason})
	q.mu.Unlock()
	return nil
}

// DeadLetters returns the dead letters recorded for a queue.
func (t *Transport) DeadLetters(name string) []DeadLetter {
	q := t.queue(name)
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]DeadLetter, len(q.dead))
	copy(out, q.dead)
	return out
}

// Len returns the number of queued envelopes.
func (t *Transport) Len(name string) int {
	q := t.queue(name)
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Ping fails once the transport is closed.
func (t *Transport) Ping(ctx context.Context) error {
	if t.isClosed() {
		return messaging.ErrTransportClosed
	}
	return nil
}

// Close wakes every blocked receiver with ErrTransportClosed.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
	})
	return nil
}
