package serialization

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/glimte/queuebus/contracts"
)

type createOrder struct {
	OrderID string   `json:"orderId"`
	Items   []string `json:"items"`
}

type orderCreated struct {
	OrderID string `json:"orderId"`
}

func TestTypeRegistry(t *testing.T) {
	t.Run("pre-registers the fault type", func(t *testing.T) {
		r := NewTypeRegistry()
		assert.True(t, r.IsRegistered(contracts.FaultTypeTag))

		tag, err := r.TagOf(&contracts.Fault{})
		require.NoError(t, err)
		assert.Equal(t, contracts.FaultTypeTag, tag)
	})

	t.Run("registers type with tag", func(t *testing.T) {
		r := NewTypeRegistry()
		require.NoError(t, Register[createOrder](r, "orders.CreateOrder"))

		info, ok := r.Lookup("orders.CreateOrder")
		require.True(t, ok)
		assert.Equal(t, "orders.CreateOrder", info.Tag)
		assert.Equal(t, "application/json", info.Codec.Name())
	})

	t.Run("derives tag from package path", func(t *testing.T) {
		r := NewTypeRegistry()
		require.NoError(t, RegisterType[*orderCreated](r))

		tag := TagFor[*orderCreated]()
		assert.Equal(t, "github.com/glimte/queuebus/serialization.orderCreated", tag)
		assert.True(t, r.IsRegistered(tag))
	})

	t.Run("rejects empty tag", func(t *testing.T) {
		r := NewTypeRegistry()
		assert.Error(t, Register[createOrder](r, ""))
	})

	t.Run("rejects interface types", func(t *testing.T) {
		r := NewTypeRegistry()
		assert.Error(t, Register[error](r, "error"))
	})

	t.Run("same tag and type twice is a no-op", func(t *testing.T) {
		r := NewTypeRegistry()
		require.NoError(t, Register[createOrder](r, "orders.CreateOrder"))
		assert.NoError(t, Register[createOrder](r, "orders.CreateOrder"))
	})

	t.Run("rejects tag bound to a different type", func(t *testing.T) {
		r := NewTypeRegistry()
		require.NoError(t, Register[createOrder](r, "orders.CreateOrder"))
		err := Register[orderCreated](r, "orders.CreateOrder")
		assert.ErrorContains(t, err, "already registered")
	})

	t.Run("rejects type bound to a second tag", func(t *testing.T) {
		r := NewTypeRegistry()
		require.NoError(t, Register[createOrder](r, "orders.CreateOrder"))
		assert.Error(t, Register[createOrder](r, "orders.CreateOrderV2"))
	})

	t.Run("proto codec rejects non-proto types", func(t *testing.T) {
		r := NewTypeRegistry()
		assert.Error(t, Register[createOrder](r, "orders.CreateOrder", WithCodec(NewProtoCodec())))
		assert.NoError(t, Register[*wrapperspb.Int64Value](r, "demo.Int64", WithCodec(NewProtoCodec())))
	})

	t.Run("TagOf fails for unregistered and nil payloads", func(t *testing.T) {
		r := NewTypeRegistry()
		_, err := r.TagOf(createOrder{})
		assert.ErrorIs(t, err, ErrUnregisteredType)

		_, err = r.TagOf(nil)
		assert.ErrorIs(t, err, ErrNilPayload)
	})

	t.Run("ListTypes is sorted", func(t *testing.T) {
		r := NewTypeRegistry()
		require.NoError(t, Register[createOrder](r, "b.Create"))
		require.NoError(t, Register[orderCreated](r, "a.Created"))
		assert.Equal(t, []string{"a.Created", "b.Create", contracts.FaultTypeTag}, r.ListTypes())
	})
}
