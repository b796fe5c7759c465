package watermill

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/queuebus/contracts"
	"github.com/glimte/queuebus/messaging"
)

func newTransport(t *testing.T) (*Transport, *gochannel.GoChannel) {
	t.Helper()
	pubSub := gochannel.NewGoChannel(gochannel.Config{Persistent: true, OutputChannelBuffer: 16}, watermill.NopLogger{})
	tr := NewTransport(pubSub, pubSub, nil)
	t.Cleanup(func() { _ = tr.Close() })
	return tr, pubSub
}

func envelope(tag, id string) *contracts.Envelope {
	return &contracts.Envelope{
		TypeTag: tag,
		Body:    []byte(`{"value":4}`),
		Headers: contracts.Headers{
			contracts.HeaderMessageID: id,
			contracts.HeaderReplyTo:   "client-replies",
		},
	}
}

func TestMessageMapping(t *testing.T) {
	env := envelope("demo.GetParity", "m-1")

	msg := ToMessage(env)
	assert.Equal(t, "m-1", msg.UUID)
	assert.Equal(t, "demo.GetParity", msg.Metadata.Get(MetadataTypeTag))
	assert.Equal(t, "client-replies", msg.Metadata.Get(contracts.HeaderReplyTo))

	assert.Equal(t, env, FromMessage(msg))

	t.Run("missing id gets a UUID", func(t *testing.T) {
		msg := ToMessage(&contracts.Envelope{TypeTag: "x"})
		assert.NotEmpty(t, msg.UUID)
		assert.Equal(t, msg.UUID, FromMessage(msg).MessageID())
	})
}

func TestTransport_SendReceive(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tr, _ := newTransport(t)

	h, err := tr.Open(ctx, "parity-queue")
	require.NoError(t, err)
	assert.Equal(t, "parity-queue", h.Queue())

	require.NoError(t, tr.SendEnvelope(ctx, h, envelope("demo.GetParity", "1")))
	require.NoError(t, tr.SendEnvelope(ctx, h, envelope("demo.GetParity", "2")))

	first, err := tr.ReceiveEnvelope(ctx, h)
	require.NoError(t, err)
	second, err := tr.ReceiveEnvelope(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, "1", first.MessageID())
	assert.Equal(t, "2", second.MessageID())
	assert.Equal(t, "demo.GetParity", first.TypeTag)
}

func TestTransport_Purge(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tr, _ := newTransport(t)

	h, err := tr.Open(ctx, "parity-queue")
	require.NoError(t, err)

	// Start buffering before publishing.
	_, err = tr.Purge(ctx, h, nil)
	require.NoError(t, err)

	require.NoError(t, tr.SendEnvelope(ctx, h, envelope("demo.Orphan", "1")))
	require.NoError(t, tr.SendEnvelope(ctx, h, envelope("demo.GetParity", "2")))
	require.Eventually(t, func() bool { return tr.Len("parity-queue") == 2 }, time.Second, 5*time.Millisecond)

	n, err := tr.Purge(ctx, h, messaging.MatchTypeTag("demo.Orphan"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := tr.ReceiveEnvelope(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, "2", got.MessageID())
}

func TestTransport_DeadLetter(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tr, pubSub := newTransport(t)

	dead, err := pubSub.Subscribe(ctx, "parity-queue"+DeadLetterSuffix)
	require.NoError(t, err)

	h, err := tr.Open(ctx, "parity-queue")
	require.NoError(t, err)
	require.NoError(t, tr.DeadLetter(ctx, h, envelope("demo.Unknown", "9"), "deserialization refused"))

	select {
	case msg := <-dead:
		msg.Ack()
		assert.Equal(t, "9", msg.UUID)
		assert.Equal(t, "deserialization refused", msg.Metadata.Get(MetadataDeadLetterReason))
		assert.Equal(t, "demo.Unknown", msg.Metadata.Get(MetadataTypeTag))
	case <-ctx.Done():
		t.Fatal("dead letter not published")
	}
}

func TestTransport_Close(t *testing.T) {
	ctx := context.Background()
	tr, _ := newTransport(t)
	h, err := tr.Open(ctx, "parity-queue")
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := tr.ReceiveEnvelope(ctx, h)
		errc <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, tr.Close())

	select {
	case err := <-errc:
		assert.ErrorIs(t, err, messaging.ErrTransportClosed)
	case <-time.After(time.Second):
		t.Fatal("receiver not woken by Close")
	}

	_, err = tr.Open(ctx, "other")
	assert.ErrorIs(t, err, messaging.ErrTransportClosed)
	assert.ErrorIs(t, tr.SendEnvelope(ctx, h, envelope("x", "1")), messaging.ErrTransportClosed)
}
