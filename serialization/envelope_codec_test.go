package serialization

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/glimte/queuebus/contracts"
)

func newTestCodec(t *testing.T) *EnvelopeCodec {
	t.Helper()
	r := NewTypeRegistry()
	require.NoError(t, Register[createOrder](r, "orders.CreateOrder"))
	require.NoError(t, Register[*orderCreated](r, "orders.OrderCreated"))
	require.NoError(t, Register[*wrapperspb.Int64Value](r, "demo.Int64", WithCodec(NewProtoCodec())))
	return NewEnvelopeCodec(r)
}

func TestEnvelopeCodec_RoundTrip(t *testing.T) {
	codec := newTestCodec(t)

	t.Run("value payload", func(t *testing.T) {
		msg := contracts.NewMessage(createOrder{OrderID: "o-1", Items: []string{"a", "b"}})
		msg.SetHeader(contracts.HeaderMessageID, "m-1")
		msg.SetHeader("tenant", "acme")

		env, err := codec.Write(msg)
		require.NoError(t, err)
		assert.Equal(t, "orders.CreateOrder", env.TypeTag)
		assert.Equal(t, "application/json", env.Headers[contracts.HeaderContentType])

		out, err := codec.Read(env)
		require.NoError(t, err)
		assert.Equal(t, msg.Payload, out.Payload)
		assert.Equal(t, msg.Headers, out.Headers)
	})

	t.Run("pointer payload", func(t *testing.T) {
		msg := contracts.NewMessage(&orderCreated{OrderID: "o-2"})

		env, err := codec.Write(msg)
		require.NoError(t, err)
		out, err := codec.Read(env)
		require.NoError(t, err)

		got, ok := out.Payload.(*orderCreated)
		require.True(t, ok)
		assert.Equal(t, "o-2", got.OrderID)
	})

	t.Run("protobuf payload", func(t *testing.T) {
		msg := contracts.NewMessage(wrapperspb.Int64(4))

		env, err := codec.Write(msg)
		require.NoError(t, err)
		assert.Equal(t, "application/x-protobuf", env.Headers[contracts.HeaderContentType])

		out, err := codec.Read(env)
		require.NoError(t, err)
		assert.True(t, proto.Equal(wrapperspb.Int64(4), out.Payload.(*wrapperspb.Int64Value)))
	})

	t.Run("writing does not alias caller headers", func(t *testing.T) {
		msg := contracts.NewMessage(createOrder{OrderID: "o-3"})
		env, err := codec.Write(msg)
		require.NoError(t, err)

		env.Headers["x"] = "y"
		_, exists := msg.Headers["x"]
		assert.False(t, exists)
	})
}

func TestEnvelopeCodec_WriteErrors(t *testing.T) {
	codec := newTestCodec(t)

	t.Run("nil payload", func(t *testing.T) {
		_, err := codec.Write(contracts.NewMessage(nil))
		var serr *SerializationError
		require.ErrorAs(t, err, &serr)
		assert.ErrorIs(t, err, ErrNilPayload)
	})

	t.Run("typed nil payload", func(t *testing.T) {
		env, err := codec.Write(contracts.NewMessage((*orderCreated)(nil)))
		var serr *SerializationError
		require.ErrorAs(t, err, &serr)
		assert.Equal(t, "write", serr.Op)
		assert.ErrorIs(t, err, ErrNilPayload)
		assert.Nil(t, env)
	})

	t.Run("unregistered type", func(t *testing.T) {
		_, err := codec.Write(contracts.NewMessage(struct{ X int }{1}))
		var serr *SerializationError
		require.ErrorAs(t, err, &serr)
		assert.ErrorIs(t, err, ErrUnregisteredType)
	})
}

func TestEnvelopeCodec_ReadErrors(t *testing.T) {
	codec := newTestCodec(t)

	t.Run("unknown tag is refused", func(t *testing.T) {
		_, err := codec.Read(&contracts.Envelope{TypeTag: "Unknown.Type", Body: []byte("{}")})
		var refused *DeserializationRefusedError
		require.ErrorAs(t, err, &refused)
		assert.Equal(t, "Unknown.Type", refused.TypeTag)
		assert.True(t, errors.Is(err, ErrDeserializationRefused))
	})

	t.Run("malformed body", func(t *testing.T) {
		_, err := codec.Read(&contracts.Envelope{TypeTag: "orders.CreateOrder", Body: []byte("{not json")})
		var serr *SerializationError
		require.ErrorAs(t, err, &serr)
		assert.Equal(t, "read", serr.Op)
		assert.Equal(t, "orders.CreateOrder", serr.TypeTag)
	})
}

func TestEnvelopeCodec_CanRead(t *testing.T) {
	codec := newTestCodec(t)

	assert.True(t, codec.CanRead(&contracts.Envelope{TypeTag: "orders.CreateOrder"}))
	assert.False(t, codec.CanRead(&contracts.Envelope{TypeTag: "Unknown.Type"}))
	assert.False(t, codec.CanRead(&contracts.Envelope{}))
	assert.False(t, codec.CanRead(nil))
	assert.False(t, codec.CanRead(&contracts.Envelope{
		TypeTag: "orders.CreateOrder",
		Headers: contracts.Headers{contracts.HeaderContentType: "application/x-protobuf"},
	}))
	assert.True(t, codec.CanRead(&contracts.Envelope{TypeTag: contracts.FaultTypeTag}))
}

func TestEnvelopeCodec_Check(t *testing.T) {
	codec := newTestCodec(t)

	assert.NoError(t, codec.Check(&contracts.Envelope{TypeTag: "orders.CreateOrder", Body: []byte("{not json")}))

	err := codec.Check(&contracts.Envelope{TypeTag: "Unknown.Type"})
	var refused *DeserializationRefusedError
	require.ErrorAs(t, err, &refused)
	assert.Equal(t, "Unknown.Type", refused.TypeTag)
	assert.ErrorIs(t, err, ErrDeserializationRefused)

	assert.ErrorIs(t, codec.Check(nil), ErrDeserializationRefused)
}
