package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ChannelPool hands out publisher-confirm channels on the managed connection.
// Channels that were closed by the broker are discarded on Get and Put.
type ChannelPool struct {
	manager     *ConnectionManager
	channels    chan *PooledChannel
	maxSize     int
	idleTimeout time.Duration
	logger      *slog.Logger

	mu     sync.Mutex
	closed bool
	open   int
}

// PooledChannel wraps an AMQP channel with pool metadata
type PooledChannel struct {
	*amqp.Channel
	id       string
	lastUsed time.Time
}

// ID identifies the channel in logs.
func (pc *PooledChannel) ID() string { return pc.id }

// ChannelPoolOption configures the channel pool
type ChannelPoolOption func(*ChannelPool)

// WithMaxSize sets the maximum pool size
func WithMaxSize(size int) ChannelPoolOption {
	return func(cp *ChannelPool) {
		if size > 0 {
			cp.maxSize = size
		}
	}
}

// WithIdleTimeout closes pooled channels that were unused for d.
func WithIdleTimeout(d time.Duration) ChannelPoolOption {
	return func(cp *ChannelPool) {
		cp.idleTimeout = d
	}
}

// WithPoolLogger sets the logger
func WithPoolLogger(logger *slog.Logger) ChannelPoolOption {
	return func(cp *ChannelPool) {
		if logger != nil {
			cp.logger = logger
		}
	}
}

// NewChannelPool creates a new channel pool
func NewChannelPool(manager *ConnectionManager, options ...ChannelPoolOption) (*ChannelPool, error) {
	if manager == nil {
		return nil, errors.New("rabbitmq: channel pool needs a connection manager")
	}
	cp := &ChannelPool{
		manager:     manager,
		maxSize:     10,
		idleTimeout: 5 * time.Minute,
		logger:      slog.Default(),
	}
	for _, opt := range options {
		opt(cp)
	}
	cp.channels = make(chan *PooledChannel, cp.maxSize)
	return cp, nil
}

// Get returns an idle channel or opens a new one.
func (cp *ChannelPool) Get(ctx context.Context) (*PooledChannel, error) {
	for {
		cp.mu.Lock()
		if cp.closed {
			cp.mu.Unlock()
			return nil, ErrChannelPoolClosed
		}
		cp.mu.Unlock()

		select {
		case pc := <-cp.channels:
			if pc.IsClosed() || (cp.idleTimeout > 0 && time.Since(pc.lastUsed) > cp.idleTimeout) {
				cp.discard(pc)
				continue
			}
			return pc, nil
		default:
		}

		cp.mu.Lock()
		if cp.open < cp.maxSize {
			cp.open++
			cp.mu.Unlock()
			pc, err := cp.create()
			if err != nil {
				cp.mu.Lock()
				cp.open--
				cp.mu.Unlock()
				return nil, err
			}
			return pc, nil
		}
		cp.mu.Unlock()

		select {
		case pc := <-cp.channels:
			if pc.IsClosed() {
				cp.discard(pc)
				continue
			}
			return pc, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Put returns a channel to the pool.
func (cp *ChannelPool) Put(pc *PooledChannel) {
	if pc == nil {
		return
	}
	cp.mu.Lock()
	closed := cp.closed
	cp.mu.Unlock()
	if closed || pc.IsClosed() {
		cp.discard(pc)
		return
	}
	pc.lastUsed = time.Now()
	select {
	case cp.channels <- pc:
	default:
		cp.discard(pc)
	}
}

// Execute runs fn on a pooled channel. A channel that fn leaves in an error
// state is not returned to the pool.
func (cp *ChannelPool) Execute(ctx context.Context, fn func(*PooledChannel) error) (err error) {
	pc, err := cp.Get(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			cp.discard(pc)
			err = fmt.Errorf("rabbitmq: panic on channel %s: %v", pc.id, r)
			return
		}
		var amqpErr *amqp.Error
		if errors.As(err, &amqpErr) {
			cp.discard(pc)
			return
		}
		cp.Put(pc)
	}()
	return fn(pc)
}

// Size returns the number of open channels.
func (cp *ChannelPool) Size() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return cp.open
}

// Close closes all idle channels. Channels in use are closed on Put.
func (cp *ChannelPool) Close() error {
	cp.mu.Lock()
	if cp.closed {
		cp.mu.Unlock()
		return nil
	}
	cp.closed = true
	cp.mu.Unlock()

	for {
		select {
		case pc := <-cp.channels:
			cp.discard(pc)
		default:
			return nil
		}
	}
}

func (cp *ChannelPool) create() (*PooledChannel, error) {
	conn, err := cp.manager.Connection()
	if err != nil {
		return nil, &ChannelError{Op: "open", Err: err}
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{Op: "open", Err: err}
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, &ChannelError{Op: "confirm", Err: err}
	}
	pc := &PooledChannel{Channel: ch, id: uuid.NewString(), lastUsed: time.Now()}
	cp.logger.Debug("opened channel", "channel", pc.id)
	return pc, nil
}

func (cp *ChannelPool) discard(pc *PooledChannel) {
	cp.mu.Lock()
	cp.open--
	cp.mu.Unlock()
	if !pc.IsClosed() {
		_ = pc.Close()
	}
	cp.logger.Debug("closed channel", "channel", pc.id)
}
