package messaging

import (
	"context"
	"sync/atomic"

	"github.com/glimte/queuebus/contracts"
)

type scopeKey struct{}

// handlerScope is attached to the context of every handler invocation.
type handlerScope struct {
	bus     *Bus
	msg     *contracts.Message
	replied atomic.Bool
	done    atomic.Bool // set when the handler returns; later replies are refused
}

func withScope(ctx context.Context, s *handlerScope) context.Context {
	return context.WithValue(ctx, scopeKey{}, s)
}

func scopeFrom(ctx context.Context) *handlerScope {
	s, _ := ctx.Value(scopeKey{}).(*handlerScope)
	return s
}

func (s *handlerScope) owns(original *contracts.Message) bool {
	if original == nil {
		return false
	}
	if s.msg == original {
		return true
	}
	id := original.ID()
	return id != "" && id == s.msg.ID()
}

// ReplyFrom replies to original using the bus that is running the current
// handler.
func ReplyFrom(ctx context.Context, original *contracts.Message, payload interface{}) error {
	s := scopeFrom(ctx)
	if s == nil {
		return ErrReplyOutsideHandler
	}
	return s.bus.Reply(ctx, original, payload)
}

// CurrentMessage returns the message being handled, if any.
func CurrentMessage(ctx context.Context) (*contracts.Message, bool) {
	s := scopeFrom(ctx)
	if s == nil {
		return nil, false
	}
	return s.msg, true
}
