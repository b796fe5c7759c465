package rabbitmq

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/glimte/queuebus/internal/reliability"
	amqp "github.com/rabbitmq/amqp091-go"
)

// ConnectionState is the lifecycle state reported to state listeners.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnected
	StateReconnecting
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "disconnected"
	}
}

// StateListener is called on every state transition. It must not block.
type StateListener func(state ConnectionState, err error)

// ConnectionManager owns one AMQP connection and re-dials it in the
// background when the broker drops it.
type ConnectionManager struct {
	url         string
	name        string
	dialTimeout time.Duration
	backoff     *reliability.ExponentialBackoff
	maxRetries  int
	logger      *slog.Logger
	listeners   []StateListener

	mu     sync.RWMutex
	conn   *amqp.Connection
	state  ConnectionState
	closed bool
	done   chan struct{}
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		if logger != nil {
			cm.logger = logger
		}
	}
}

// WithConnectionName sets the connection_name client property shown in the
// management UI.
func WithConnectionName(name string) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.name = name
	}
}

// WithDialTimeout bounds a single dial attempt.
func WithDialTimeout(d time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		if d > 0 {
			cm.dialTimeout = d
		}
	}
}

// WithReconnectBackoff sets the delay between reconnection attempts.
func WithReconnectBackoff(initial, max time.Duration) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.backoff = reliability.NewExponentialBackoff(initial, max, 2, 0)
	}
}

// WithMaxRetries caps reconnection attempts. Negative means forever.
func WithMaxRetries(retries int) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.maxRetries = retries
	}
}

// WithStateListener registers a state listener.
func WithStateListener(l StateListener) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.listeners = append(cm.listeners, l)
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(url string, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		url:         url,
		name:        "queuebus",
		dialTimeout: 30 * time.Second,
		backoff:     reliability.NewExponentialBackoff(time.Second, 30*time.Second, 2, 0),
		maxRetries:  -1,
		logger:      slog.Default(),
		done:        make(chan struct{}),
	}
	for _, opt := range options {
		opt(cm)
	}
	return cm
}

// Connect dials the broker and starts watching the connection.
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return ErrConnectionClosed
	}
	if cm.conn != nil && !cm.conn.IsClosed() {
		return nil
	}

	conn, err := cm.dial(ctx)
	if err != nil {
		return &ConnectionError{Op: "dial", URL: SanitizeURL(cm.url), Err: err}
	}
	cm.attach(conn)
	cm.logger.Info("connected to rabbitmq", "url", SanitizeURL(cm.url))
	return nil
}

func (cm *ConnectionManager) dial(ctx context.Context) (*amqp.Connection, error) {
	props := amqp.NewConnectionProperties()
	props.SetClientConnectionName(cm.name)

	type result struct {
		conn *amqp.Connection
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := amqp.DialConfig(cm.url, amqp.Config{
			Dial:       amqp.DefaultDial(cm.dialTimeout),
			Properties: props,
		})
		ch <- result{conn, err}
	}()

	select {
	case r := <-ch:
		return r.conn, r.err
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// attach must be called with mu held.
func (cm *ConnectionManager) attach(conn *amqp.Connection) {
	cm.conn = conn
	cm.setState(StateConnected, nil)
	notify := conn.NotifyClose(make(chan *amqp.Error, 1))
	go cm.watch(notify)
}

func (cm *ConnectionManager) watch(notify <-chan *amqp.Error) {
	select {
	case <-cm.done:
		return
	case amqpErr, ok := <-notify:
		if !ok {
			// Graceful close by Close().
			return
		}
		cm.logger.Warn("rabbitmq connection lost", "error", amqpErr)
		cm.mu.Lock()
		cm.conn = nil
		cm.setState(StateDisconnected, amqpErr)
		cm.mu.Unlock()
		cm.reconnect()
	}
}

func (cm *ConnectionManager) reconnect() {
	for attempt := 1; cm.maxRetries < 0 || attempt <= cm.maxRetries; attempt++ {
		cm.mu.Lock()
		cm.setState(StateReconnecting, nil)
		cm.mu.Unlock()

		delay := cm.backoff.Delay(attempt - 1)
		select {
		case <-cm.done:
			return
		case <-time.After(delay):
		}

		ctx, cancel := context.WithTimeout(context.Background(), cm.dialTimeout)
		conn, err := cm.dial(ctx)
		cancel()
		if err != nil {
			cm.logger.Warn("rabbitmq reconnect failed", "attempt", attempt, "delay", delay, "error", err)
			continue
		}

		cm.mu.Lock()
		if cm.closed {
			cm.mu.Unlock()
			_ = conn.Close()
			return
		}
		cm.attach(conn)
		cm.mu.Unlock()
		cm.logger.Info("reconnected to rabbitmq", "attempt", attempt)
		return
	}

	cm.logger.Error("giving up on rabbitmq", "error", ErrMaxRetriesExceeded, "maxRetries", cm.maxRetries)
	cm.mu.Lock()
	cm.setState(StateDisconnected, ErrMaxRetriesExceeded)
	cm.mu.Unlock()
}

// setState must be called with mu held.
func (cm *ConnectionManager) setState(state ConnectionState, err error) {
	if cm.state == state {
		return
	}
	cm.state = state
	for _, l := range cm.listeners {
		l(state, err)
	}
}

// Connection returns the live connection.
func (cm *ConnectionManager) Connection() (*amqp.Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	if cm.closed {
		return nil, ErrConnectionClosed
	}
	if cm.conn == nil || cm.conn.IsClosed() {
		return nil, ErrConnectionNotReady
	}
	return cm.conn, nil
}

// IsConnected reports whether a live connection is held.
func (cm *ConnectionManager) IsConnected() bool {
	_, err := cm.Connection()
	return err == nil
}

// State returns the current connection state.
func (cm *ConnectionManager) State() ConnectionState {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.state
}

// Close stops reconnecting and closes the connection.
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if cm.closed {
		return nil
	}
	cm.closed = true
	close(cm.done)
	cm.setState(StateClosed, nil)

	if cm.conn != nil && !cm.conn.IsClosed() {
		err := cm.conn.Close()
		cm.conn = nil
		return err
	}
	cm.conn = nil
	return nil
}
