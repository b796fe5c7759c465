package messaging

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/queuebus/contracts"
)

// FaultReason classifies a FaultEvent.
type FaultReason string

const (
	FaultDeserializationRefused FaultReason = "DeserializationRefused"
	FaultDecodeFailed           FaultReason = "DecodeFailed"
	FaultNoHandlerRegistered    FaultReason = "NoHandlerRegistered"
	FaultHandlerFault           FaultReason = "HandlerFault"
	FaultReplyFailed            FaultReason = "ReplyFailed"
	FaultReceiveFailed          FaultReason = "ReceiveFailed"
)

// FaultEvent reports a per-message failure. The dispatch loop continues after
// every fault.
type FaultEvent struct {
	Reason        FaultReason
	Err           error
	Queue         string
	TypeTag       string
	MessageID     string
	CorrelationID string
	// Message is set when the envelope was decoded.
	Message    *contracts.Message
	OccurredAt time.Time
}

// faultHub fans FaultEvents out to subscribers without ever blocking the
// publisher. A full subscriber buffer drops the event.
type faultHub struct {
	mu      sync.RWMutex
	subs    map[uint64]chan FaultEvent
	nextID  uint64
	closed  bool
	buffer  int
	dropped atomic.Uint64
	logger  *slog.Logger
}

func newFaultHub(buffer int, logger *slog.Logger) *faultHub {
	return &faultHub{
		subs:   make(map[uint64]chan FaultEvent),
		buffer: buffer,
		logger: logger,
	}
}

func (h *faultHub) subscribe() (<-chan FaultEvent, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan FaultEvent, h.buffer)
	if h.closed {
		close(ch)
		return ch, func() {}
	}

	id := h.nextID
	h.nextID++
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
		})
	}
}

// observe runs fn for every event on its own goroutine until the hub closes.
func (h *faultHub) observe(fn func(FaultEvent)) func() {
	ch, cancel := h.subscribe()
	go func() {
		for ev := range ch {
			h.safeCall(fn, ev)
		}
	}()
	return cancel
}

func (h *faultHub) safeCall(fn func(FaultEvent), ev FaultEvent) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("fault observer panicked", "panic", r, "reason", ev.Reason)
		}
	}()
	fn(ev)
}

func (h *faultHub) publish(ev FaultEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.dropped.Add(1)
		}
	}
}

func (h *faultHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
