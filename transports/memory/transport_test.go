package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/queuebus/contracts"
	"github.com/glimte/queuebus/messaging"
)

func envelope(tag, id string) *contracts.Envelope {
	return &contracts.Envelope{
		TypeTag: tag,
		Body:    []byte(`{}`),
		Headers: contracts.Headers{contracts.HeaderMessageID: id},
	}
}

func TestTransport_SendReceive(t *testing.T) {
	ctx := context.Background()
	tr := NewTransport()
	defer tr.Close()

	h, err := tr.Open(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, "orders", h.Queue())

	t.Run("FIFO order", func(t *testing.T) {
		require.NoError(t, tr.SendEnvelope(ctx, h, envelope("a", "1")))
		require.NoError(t, tr.SendEnvelope(ctx, h, envelope("a", "2")))

		first, err := tr.ReceiveEnvelope(ctx, h)
		require.NoError(t, err)
		second, err := tr.ReceiveEnvelope(ctx, h)
		require.NoError(t, err)

		assert.Equal(t, "1", first.MessageID())
		assert.Equal(t, "2", second.MessageID())
	})

	t.Run("sent envelopes are copied", func(t *testing.T) {
		env := envelope("a", "3")
		require.NoError(t, tr.SendEnvelope(ctx, h, env))
		env.Headers[contracts.HeaderMessageID] = "changed"

		got, err := tr.ReceiveEnvelope(ctx, h)
		require.NoError(t, err)
		assert.Equal(t, "3", got.MessageID())
	})

	t.Run("receive blocks until a send", func(t *testing.T) {
		got := make(chan *contracts.Envelope, 1)
		go func() {
			env, err := tr.ReceiveEnvelope(ctx, h)
			if err == nil {
				got <- env
			}
		}()

		time.Sleep(20 * time.Millisecond)
		require.NoError(t, tr.SendEnvelope(ctx, h, envelope("a", "4")))

		select {
		case env := <-got:
			assert.Equal(t, "4", env.MessageID())
		case <-time.After(time.Second):
			t.Fatal("receiver was not woken")
		}
	})

	t.Run("receive honours context", func(t *testing.T) {
		cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		_, err := tr.ReceiveEnvelope(cctx, h)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("cancelled receive leaves queued envelopes", func(t *testing.T) {
		require.NoError(t, tr.SendEnvelope(ctx, h, envelope("t", "kept")))
		before := tr.Len(h.Queue())

		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := tr.ReceiveEnvelope(cctx, h)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, before, tr.Len(h.Queue()))
	})
}

func TestTransport_ConcurrentReceivers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr := NewTransport()
	h, err := tr.Open(ctx, "work")
	require.NoError(t, err)

	const total = 50
	var (
		mu   sync.Mutex
		seen = make(map[string]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				env, err := tr.ReceiveEnvelope(ctx, h)
				if err != nil {
					return
				}
				mu.Lock()
				seen[env.MessageID()]++
				mu.Unlock()
			}
		}()
	}

	for i := 0; i < total; i++ {
		require.NoError(t, tr.SendEnvelope(ctx, h, envelope("a", string(rune('A'+i)))))
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == total
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	wg.Wait()
	for id, n := range seen {
		assert.Equal(t, 1, n, "envelope %s delivered more than once", id)
	}
}

func TestTransport_Purge(t *testing.T) {
	ctx := context.Background()
	tr := NewTransport()
	h, _ := tr.Open(ctx, "q")

	for _, tag := range []string{"a", "b", "a", "c"} {
		require.NoError(t, tr.SendEnvelope(ctx, h, envelope(tag, tag)))
	}

	n, err := tr.Purge(ctx, h, messaging.MatchTypeTag("a"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, tr.Len("q"))

	n, err = tr.Purge(ctx, h, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 0, tr.Len("q"))
}

func TestTransport_DeadLetterAndClose(t *testing.T) {
	ctx := context.Background()
	tr := NewTransport()
	h, _ := tr.Open(ctx, "q")

	require.NoError(t, tr.DeadLetter(ctx, h, envelope("x", "1"), "unknown type"))
	dead := tr.DeadLetters("q")
	require.Len(t, dead, 1)
	assert.Equal(t, "unknown type", dead[0].Reason)

	errCh := make(chan error, 1)
	go func() {
		_, err := tr.ReceiveEnvelope(ctx, h)
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, tr.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, messaging.ErrTransportClosed)
	case <-time.After(time.Second):
		t.Fatal("receiver not released by Close")
	}
	assert.ErrorIs(t, tr.SendEnvelope(ctx, h, envelope("a", "2")), messaging.ErrTransportClosed)
	assert.ErrorIs(t, tr.Ping(ctx), messaging.ErrTransportClosed)
	_, err := tr.Open(ctx, "other")
	assert.ErrorIs(t, err, messaging.ErrTransportClosed)
}

func TestTransport_ForeignHandle(t *testing.T) {
	ctx := context.Background()
	a, b := NewTransport(), NewTransport()
	h, _ := a.Open(ctx, "q")
	assert.Error(t, b.SendEnvelope(ctx, h, envelope("a", "1")))
}
