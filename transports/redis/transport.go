// Package redis provides a Transport backed by Redis lists.
//
// Each queue is the list "<prefix><queue>". Senders LPUSH a JSON document
// and receivers BRPOP it, so delivery is FIFO and every envelope reaches one
// receiver. Dead letters go to "<prefix><queue>:dead-letter".
package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"github.com/glimte/queuebus/contracts"
	"github.com/glimte/queuebus/messaging"
)

const (
	// DefaultKeyPrefix namespaces queue keys.
	DefaultKeyPrefix = "queuebus:"

	// DeadLetterSuffix is appended to a queue key to form its dead-letter key.
	DeadLetterSuffix = ":dead-letter"

	// HeaderDeadLetterReason carries the reason an envelope was dead-lettered.
	HeaderDeadLetterReason = "x-queuebus-dead-letter-reason"
)

// document is the JSON shape stored in the list.
type document struct {
	TypeTag string            `json:"typeTag"`
	Body    []byte            `json:"body"`
	Headers map[string]string `json:"headers,omitempty"`
}

// Encode renders env as the stored JSON document.
func Encode(env *contracts.Envelope) ([]byte, error) {
	return sonic.ConfigStd.Marshal(document{TypeTag: env.TypeTag, Body: env.Body, Headers: env.Headers})
}

// Decode parses a stored JSON document.
func Decode(raw []byte) (*contracts.Envelope, error) {
	var doc document
	if err := sonic.ConfigStd.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("redis: malformed envelope document: %w", err)
	}
	return &contracts.Envelope{TypeTag: doc.TypeTag, Body: doc.Body, Headers: doc.Headers}, nil
}

type queue struct {
	name  string
	key   string
	owner *Transport
}

func (q *queue) Queue() string { return q.name }

// Transport is a messaging.Transport over Redis lists.
type Transport struct {
	client     redis.UniversalClient
	ownsClient bool
	prefix     string
	block      time.Duration
	logger     *slog.Logger
	done       chan struct{}
	once       sync.Once
}

var (
	_ messaging.Transport    = (*Transport)(nil)
	_ messaging.DeadLetterer = (*Transport)(nil)
	_ messaging.Pinger       = (*Transport)(nil)
)

// Option configures the transport
type Option func(*Transport)

// WithKeyPrefix sets the key namespace.
func WithKeyPrefix(prefix string) Option {
	return func(t *Transport) {
		t.prefix = prefix
	}
}

// WithBlockTimeout sets how long one BRPOP waits before re-checking for
// shutdown.
func WithBlockTimeout(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.block = d
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// NewTransport wraps an existing client. The caller keeps ownership of it.
func NewTransport(client redis.UniversalClient, options ...Option) *Transport {
	t := &Transport{
		client: client,
		prefix: DefaultKeyPrefix,
		block:  time.Second,
		logger: slog.Default(),
		done:   make(chan struct{}),
	}
	for _, opt := range options {
		opt(t)
	}
	t.logger = t.logger.With("component", "redis-transport")
	return t
}

// Dial parses a redis:// URL, pings the server and returns a transport that
// closes the client on Close.
func Dial(ctx context.Context, url string, options ...Option) (*Transport, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: invalid url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping %s failed: %w", opts.Addr, err)
	}
	t := NewTransport(client, options...)
	t.ownsClient = true
	return t, nil
}

func (t *Transport) isClosed() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Key returns the list key for a queue.
func (t *Transport) Key(queue string) string {
	return t.prefix + queue
}

// Open returns a handle; Redis lists need no declaration.
func (t *Transport) Open(ctx context.Context, name string) (messaging.QueueHandle, error) {
	if name == "" {
		return nil, fmt.Errorf("queue name cannot be empty")
	}
	if t.isClosed() {
		return nil, messaging.ErrTransportClosed
	}
	return &queue{name: name, key: t.Key(name), owner: t}, nil
}

func (t *Transport) handle(h messaging.QueueHandle) (*queue, error) {
	q, ok := h.(*queue)
	if !ok || q.owner != t {
		return nil, fmt.Errorf("queue handle %v does not belong to this transport", h)
	}
	return q, nil
}

// SendEnvelope pushes env onto the queue.
func (t *Transport) SendEnvelope(ctx context.Context, h messaging.QueueHandle, env *contracts.Envelope) error {
	q, err := t.handle(h)
	if err != nil {
		return err
	}
	if t.isClosed() {
		return messaging.ErrTransportClosed
	}
	raw, err := Encode(env)
	if err != nil {
		return err
	}
	return t.client.LPush(ctx, q.key, raw).Err()
}

// ReceiveEnvelope pops the oldest envelope, blocking while the list is empty.
func (t *Transport) ReceiveEnvelope(ctx context.Context, h messaging.QueueHandle) (*contracts.Envelope, error) {
	q, err := t.handle(h)
	if err != nil {
		return nil, err
	}

	for {
		if t.isClosed() {
			return nil, messaging.ErrTransportClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		res, err := t.client.BRPop(ctx, t.block, q.key).Result()
		switch {
		case errors.Is(err, redis.Nil):
			continue
		case err != nil:
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if t.isClosed() || errors.Is(err, redis.ErrClosed) {
				return nil, messaging.ErrTransportClosed
			}
			return nil, err
		}

		// res is [key, value]
		env, err := Decode([]byte(res[1]))
		if err != nil {
			t.logger.Warn("dropping malformed document", "queue", q.name, "error", err)
			continue
		}
		return env, nil
	}
}

// Purge removes every envelope, or only those matching. Matching is done on
// a snapshot, so envelopes pushed during the purge are kept.
func (t *Transport) Purge(ctx context.Context, h messaging.QueueHandle, match func(*contracts.Envelope) bool) (int, error) {
	q, err := t.handle(h)
	if err != nil {
		return 0, err
	}

	if match == nil {
		var n *redis.IntCmd
		_, err := t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			n = pipe.LLen(ctx, q.key)
			pipe.Del(ctx, q.key)
			return nil
		})
		if err != nil {
			return 0, err
		}
		return int(n.Val()), nil
	}

	items, err := t.client.LRange(ctx, q.key, 0, -1).Result()
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, raw := range items {
		env, err := Decode([]byte(raw))
		if err != nil || !match(env) {
			continue
		}
		n, err := t.client.LRem(ctx, q.key, 1, raw).Result()
		if err != nil {
			return removed, err
		}
		removed += int(n)
	}
	return removed, nil
}

// DeadLetter pushes env onto the queue's dead-letter list.
func (t *Transport) DeadLetter(ctx context.Context, h messaging.QueueHandle, env *contracts.Envelope, reason string) error {
	q, err := t.handle(h)
	if err != nil {
		return err
	}
	parked := env.Clone()
	if parked.Headers == nil {
		parked.Headers = contracts.Headers{}
	}
	parked.Headers[HeaderDeadLetterReason] = reason
	raw, err := Encode(parked)
	if err != nil {
		return err
	}
	return t.client.LPush(ctx, q.key+DeadLetterSuffix, raw).Err()
}

// Len returns the number of queued envelopes.
func (t *Transport) Len(ctx context.Context, queue string) (int64, error) {
	return t.client.LLen(ctx, t.Key(queue)).Result()
}

// Ping checks the server.
func (t *Transport) Ping(ctx context.Context) error {
	if t.isClosed() {
		return messaging.ErrTransportClosed
	}
	return t.client.Ping(ctx).Err()
}

// Close stops receivers. The client is closed only when Dial created it.
func (t *Transport) Close() error {
	var err error
	t.once.Do(func() {
		close(t.done)
		if t.ownsClient {
			err = t.client.Close()
		}
	})
	return err
}
