package messaging

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFaultHub(t *testing.T) {
	t.Run("fans out to every subscriber", func(t *testing.T) {
		h := newFaultHub(4, slog.Default())
		a, cancelA := h.subscribe()
		b, cancelB := h.subscribe()
		defer cancelA()
		defer cancelB()

		h.publish(FaultEvent{Reason: FaultHandlerFault})

		assert.Equal(t, FaultHandlerFault, (<-a).Reason)
		assert.Equal(t, FaultHandlerFault, (<-b).Reason)
	})

	t.Run("full buffer drops instead of blocking", func(t *testing.T) {
		h := newFaultHub(1, slog.Default())
		_, cancel := h.subscribe()
		defer cancel()

		h.publish(FaultEvent{Reason: FaultDecodeFailed})
		h.publish(FaultEvent{Reason: FaultDecodeFailed})
		assert.Equal(t, uint64(1), h.dropped.Load())
	})

	t.Run("cancel closes the channel", func(t *testing.T) {
		h := newFaultHub(1, slog.Default())
		ch, cancel := h.subscribe()
		cancel()
		cancel()
		_, open := <-ch
		assert.False(t, open)
	})

	t.Run("observer survives panics", func(t *testing.T) {
		h := newFaultHub(4, slog.Default())
		got := make(chan FaultReason, 2)
		stop := h.observe(func(ev FaultEvent) {
			got <- ev.Reason
			if ev.Reason == FaultNoHandlerRegistered {
				panic("observer bug")
			}
		})
		defer stop()

		h.publish(FaultEvent{Reason: FaultNoHandlerRegistered})
		h.publish(FaultEvent{Reason: FaultHandlerFault})

		require.Equal(t, FaultNoHandlerRegistered, <-got)
		select {
		case r := <-got:
			assert.Equal(t, FaultHandlerFault, r)
		case <-time.After(time.Second):
			t.Fatal("observer stopped after panic")
		}
	})

	t.Run("close ends subscriptions", func(t *testing.T) {
		h := newFaultHub(1, slog.Default())
		ch, _ := h.subscribe()
		h.close()
		_, open := <-ch
		assert.False(t, open)

		late, _ := h.subscribe()
		_, open = <-late
		assert.False(t, open)
	})
}
