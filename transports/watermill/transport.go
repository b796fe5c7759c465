// Package watermill adapts any watermill Publisher and Subscriber pair into a
// Transport, so the bus can run over the brokers watermill supports.
//
// Queues map to topics. The message UUID carries the message ID, metadata
// carries the envelope headers plus the type tag, and the payload is the
// body. Watermill has no purge primitive, so each queue is drained into a
// local buffer once it is first received from or purged, and Purge works on
// that buffer.
package watermill

import (
	"context"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/glimte/queuebus/contracts"
	"github.com/glimte/queuebus/messaging"
)

const (
	// MetadataTypeTag holds the envelope type tag.
	MetadataTypeTag = "queuebus-type-tag"

	// DeadLetterSuffix is appended to a topic to form its dead-letter topic.
	DeadLetterSuffix = ".dead-letter"

	// MetadataDeadLetterReason carries the reason an envelope was dead-lettered.
	MetadataDeadLetterReason = "queuebus-dead-letter-reason"
)

type queue struct {
	name  string
	owner *Transport

	mu         sync.Mutex
	subscribed bool
	items      []*contracts.Envelope
	notify     chan struct{}
}

func (q *queue) Queue() string { return q.name }

// signal must be called with mu held.
func (q *queue) signal() {
	if len(q.items) == 0 {
		return
	}
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Transport is a messaging.Transport over a watermill Publisher/Subscriber.
type Transport struct {
	pub    message.Publisher
	sub    message.Subscriber
	logger watermill.LoggerAdapter

	mu     sync.Mutex
	queues map[string]*queue
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

var (
	_ messaging.Transport    = (*Transport)(nil)
	_ messaging.DeadLetterer = (*Transport)(nil)
)

// NewTransport creates an adapter. Close closes both pub and sub.
func NewTransport(pub message.Publisher, sub message.Subscriber, logger watermill.LoggerAdapter) *Transport {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		pub:    pub,
		sub:    sub,
		logger: logger.With(watermill.LogFields{"component": "watermill-transport"}),
		queues: make(map[string]*queue),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (t *Transport) isClosed() bool {
	return t.ctx.Err() != nil
}

// Open returns the handle for a topic.
func (t *Transport) Open(ctx context.Context, name string) (messaging.QueueHandle, error) {
	if name == "" {
		return nil, fmt.Errorf("queue name cannot be empty")
	}
	if t.isClosed() {
		return nil, messaging.ErrTransportClosed
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	q, ok := t.queues[name]
	if !ok {
		q = &queue{name: name, owner: t, notify: make(chan struct{}, 1)}
		t.queues[name] = q
	}
	return q, nil
}

func (t *Transport) handle(h messaging.QueueHandle) (*queue, error) {
	q, ok := h.(*queue)
	if !ok || q.owner != t {
		return nil, fmt.Errorf("queue handle %v does not belong to this transport", h)
	}
	return q, nil
}

// SendEnvelope publishes env on the queue topic.
func (t *Transport) SendEnvelope(ctx context.Context, h messaging.QueueHandle, env *contracts.Envelope) error {
	q, err := t.handle(h)
	if err != nil {
		return err
	}
	if t.isClosed() {
		return messaging.ErrTransportClosed
	}
	msg := ToMessage(env)
	msg.SetContext(ctx)
	return t.pub.Publish(q.name, msg)
}

// subscribe starts draining the topic into the local buffer.
func (t *Transport) subscribe(q *queue) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.subscribed {
		return nil
	}

	msgs, err := t.sub.Subscribe(t.ctx, q.name)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", q.name, err)
	}
	q.subscribed = true

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for msg := range msgs {
			env := FromMessage(msg)
			q.mu.Lock()
			q.items = append(q.items, env)
			q.signal()
			q.mu.Unlock()
			msg.Ack()
		}
		t.logger.Debug("subscription ended", watermill.LogFields{"topic": q.name})
	}()
	return nil
}

// ReceiveEnvelope pops the oldest buffered envelope, blocking while none
// has arrived.
func (t *Transport) ReceiveEnvelope(ctx context.Context, h messaging.QueueHandle) (*contracts.Envelope, error) {
	q, err := t.handle(h)
	if err != nil {
		return nil, err
	}
	if t.isClosed() {
		return nil, messaging.ErrTransportClosed
	}
	if err := t.subscribe(q); err != nil {
		return nil, err
	}

	for {
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
		case <-t.ctx.Done():
			return nil, messaging.ErrTransportClosed
		}
	}
}

// Purge removes matching envelopes that reached this process but were not
// received yet.
func (t *Transport) Purge(ctx context.Context, h messaging.QueueHandle, match func(*contracts.Envelope) bool) (int, error) {
	q, err := t.handle(h)
	if err != nil {
		return 0, err
	}
	if err := t.subscribe(q); err != nil {
		return 0, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.items[:0]
	removed := 0
	for _, env := range q.items {
		if match == nil || match(env) {
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

// DeadLetter publishes env on the dead-letter topic.
func (t *Transport) DeadLetter(ctx context.Context, h messaging.QueueHandle, env *contracts.Envelope, reason string) error {
	q, err := t.handle(h)
	if err != nil {
		return err
	}
	msg := ToMessage(env)
	msg.Metadata.Set(MetadataDeadLetterReason, reason)
	msg.SetContext(ctx)
	return t.pub.Publish(q.name+DeadLetterSuffix, msg)
}

// Len returns the number of buffered envelopes.
func (t *Transport) Len(name string) int {
	t.mu.Lock()
	q, ok := t.queues[name]
	t.mu.Unlock()
	if !ok {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close cancels subscriptions and closes the publisher and subscriber.
func (t *Transport) Close() error {
	var err error
	t.once.Do(func() {
		t.cancel()
		pubErr := t.pub.Close()
		subErr := t.sub.Close()
		t.wg.Wait()
		if pubErr != nil {
			err = pubErr
		} else {
			err = subErr
		}
	})
	return err
}

// ToMessage maps an envelope onto a watermill message.
func ToMessage(env *contracts.Envelope) *message.Message {
	id := env.MessageID()
	if id == "" {
		id = watermill.NewUUID()
	}
	msg := message.NewMessage(id, env.Body)
	for k, v := range env.Headers {
		msg.Metadata.Set(k, v)
	}
	msg.Metadata.Set(MetadataTypeTag, env.TypeTag)
	return msg
}

// FromMessage rebuilds an envelope from a watermill message.
func FromMessage(msg *message.Message) *contracts.Envelope {
	headers := make(contracts.Headers, len(msg.Metadata))
	for k, v := range msg.Metadata {
		switch k {
		case MetadataTypeTag, MetadataDeadLetterReason:
			continue
		}
		headers[k] = v
	}
	if headers[contracts.HeaderMessageID] == "" {
		headers[contracts.HeaderMessageID] = msg.UUID
	}
	body := make([]byte, len(msg.Payload))
	copy(body, msg.Payload)
	return &contracts.Envelope{
		TypeTag: msg.Metadata.Get(MetadataTypeTag),
		Body:    body,
		Headers: headers,
	}
}
