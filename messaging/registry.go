package messaging

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/glimte/queuebus/contracts"
)

// HandlerOptions configures where and how a handler runs.
type HandlerOptions struct {
	// Queue the handler consumes from. Empty means the bus input queue.
	Queue string
	// Workers is the number of dispatch loops started on Queue.
	Workers int
}

// HandlerOption configures HandlerOptions
type HandlerOption func(*HandlerOptions)

// WithQueue binds the handler to a specific queue.
func WithQueue(queue string) HandlerOption {
	return func(o *HandlerOptions) {
		o.Queue = queue
	}
}

// WithWorkers sets the number of concurrent dispatch loops for the queue.
func WithWorkers(n int) HandlerOption {
	return func(o *HandlerOptions) {
		o.Workers = n
	}
}

// HandlerRegistration pairs a type tag with its handler.
type HandlerRegistration struct {
	TypeTag string
	Handler Handler
	Options HandlerOptions
}

// Handle builds a registration from a typed function.
func Handle[T any](typeTag string, fn func(ctx context.Context, payload T, msg *contracts.Message) error, opts ...HandlerOption) HandlerRegistration {
	return NewRegistration(typeTag, Typed(fn), opts...)
}

// NewRegistration builds a registration with options applied.
func NewRegistration(typeTag string, handler Handler, opts ...HandlerOption) HandlerRegistration {
	options := HandlerOptions{Workers: 1}
	for _, opt := range opts {
		opt(&options)
	}
	return HandlerRegistration{TypeTag: typeTag, Handler: handler, Options: options}
}

// HandlerRegistry maps type tags to exactly one handler each. Once frozen it
// is read-only and safe for concurrent lookups without further writes.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerRegistration
	frozen   bool
}

// NewHandlerRegistry creates a registry holding regs.
func NewHandlerRegistry(regs ...HandlerRegistration) (*HandlerRegistry, error) {
	r := &HandlerRegistry{handlers: make(map[string]HandlerRegistration)}
	for _, reg := range regs {
		if err := r.add(reg); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a handler. A second handler for the same tag is rejected with
// DuplicateHandlerError.
func (r *HandlerRegistry) Register(typeTag string, handler Handler, opts ...HandlerOption) error {
	return r.add(NewRegistration(typeTag, handler, opts...))
}

func (r *HandlerRegistry) add(reg HandlerRegistration) error {
	if reg.TypeTag == "" {
		return fmt.Errorf("type tag cannot be empty")
	}
	if reg.Handler == nil {
		return fmt.Errorf("handler for %s cannot be nil", reg.TypeTag)
	}
	if reg.Options.Workers < 1 {
		reg.Options.Workers = 1
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return ErrRegistryFrozen
	}
	if _, exists := r.handlers[reg.TypeTag]; exists {
		return &DuplicateHandlerError{TypeTag: reg.TypeTag}
	}
	r.handlers[reg.TypeTag] = reg
	return nil
}

// Resolve returns the registration for typeTag.
func (r *HandlerRegistry) Resolve(typeTag string) (HandlerRegistration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.handlers[typeTag]
	return reg, ok
}

// Freeze rejects further registrations.
func (r *HandlerRegistry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

// Len returns the number of registered handlers.
func (r *HandlerRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// QueueBinding lists the handlers consuming from one queue.
type QueueBinding struct {
	Queue    string
	TypeTags []string
	Workers  int
}

// Queues groups registrations by queue. Handlers without a queue are bound
// to defaultQueue. Worker count is the maximum requested for the queue.
func (r *HandlerRegistry) Queues(defaultQueue string) []QueueBinding {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byQueue := make(map[string]*QueueBinding)
	for tag, reg := range r.handlers {
		queue := reg.Options.Queue
		if queue == "" {
			queue = defaultQueue
		}
		b, ok := byQueue[queue]
		if !ok {
			b = &QueueBinding{Queue: queue}
			byQueue[queue] = b
		}
		b.TypeTags = append(b.TypeTags, tag)
		if reg.Options.Workers > b.Workers {
			b.Workers = reg.Options.Workers
		}
	}

	out := make([]QueueBinding, 0, len(byQueue))
	for _, b := range byQueue {
		sort.Strings(b.TypeTags)
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Queue < out[j].Queue })
	return out
}
