package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glimte/queuebus/contracts"
	"github.com/glimte/queuebus/messaging"
)

func TestDocument(t *testing.T) {
	t.Run("encodes typeTag body and headers", func(t *testing.T) {
		env := &contracts.Envelope{
			TypeTag: "demo.GetParity",
			Body:    []byte(`{"value":4}`),
			Headers: contracts.Headers{contracts.HeaderMessageID: "m-1"},
		}

		raw, err := Encode(env)
		require.NoError(t, err)
		assert.JSONEq(t, `{"typeTag":"demo.GetParity","body":"eyJ2YWx1ZSI6NH0=","headers":{"MessageID":"m-1"}}`, string(raw))

		back, err := Decode(raw)
		require.NoError(t, err)
		assert.Equal(t, env, back)
	})

	t.Run("rejects malformed documents", func(t *testing.T) {
		_, err := Decode([]byte("not json"))
		assert.ErrorContains(t, err, "malformed envelope document")
	})
}

func TestKeys(t *testing.T) {
	tr := NewTransport(nil, WithKeyPrefix("test:"))
	assert.Equal(t, "test:orders", tr.Key("orders"))

	h, err := tr.Open(context.Background(), "orders")
	require.NoError(t, err)
	assert.Equal(t, "orders", h.Queue())

	_, err = tr.Open(context.Background(), "")
	assert.Error(t, err)

	other := NewTransport(nil)
	_, err = other.handle(h)
	assert.Error(t, err)
}

func TestTransportIntegration(t *testing.T) {
	url := os.Getenv("QUEUEBUS_REDIS_URL")
	if url == "" || testing.Short() {
		t.Skip("QUEUEBUS_REDIS_URL not set, skipping integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tr, err := Dial(ctx, url, WithKeyPrefix("queuebus-test:"), WithBlockTimeout(100*time.Millisecond))
	require.NoError(t, err)
	defer tr.Close()

	h, err := tr.Open(ctx, "parity")
	require.NoError(t, err)
	_, err = tr.Purge(ctx, h, nil)
	require.NoError(t, err)

	send := func(tag, id string) {
		require.NoError(t, tr.SendEnvelope(ctx, h, &contracts.Envelope{
			TypeTag: tag,
			Body:    []byte(`{}`),
			Headers: contracts.Headers{contracts.HeaderMessageID: id},
		}))
	}
	send("demo.Orphan", "1")
	send("demo.GetParity", "2")
	send("demo.GetParity", "3")

	n, err := tr.Purge(ctx, h, messaging.MatchTypeTag("demo.Orphan"))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := tr.ReceiveEnvelope(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, "2", got.MessageID())

	require.NoError(t, tr.DeadLetter(ctx, h, got, "decode failed"))
	dead, err := tr.client.LLen(ctx, tr.Key("parity")+DeadLetterSuffix).Result()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, dead, int64(1))

	left, err := tr.Len(ctx, "parity")
	require.NoError(t, err)
	assert.Equal(t, int64(1), left)

	short, cancelShort := context.WithTimeout(ctx, 300*time.Millisecond)
	defer cancelShort()
	_, err = tr.Purge(ctx, h, nil)
	require.NoError(t, err)
	_, err = tr.ReceiveEnvelope(short, h)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
