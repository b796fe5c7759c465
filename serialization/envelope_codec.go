package serialization

import (
	"fmt"
	"reflect"

	"github.com/glimte/queuebus/contracts"
)

// EnvelopeCodec converts between messages and envelopes using a TypeRegistry.
type EnvelopeCodec struct {
	types *TypeRegistry
}

// NewEnvelopeCodec creates a codec over types
func NewEnvelopeCodec(types *TypeRegistry) *EnvelopeCodec {
	return &EnvelopeCodec{types: types}
}

// Types returns the underlying registry.
func (c *EnvelopeCodec) Types() *TypeRegistry {
	return c.types
}

// Write encodes msg. Headers are copied so later changes to msg do not leak
// into the envelope.
func (c *EnvelopeCodec) Write(msg *contracts.Message) (*contracts.Envelope, error) {
	if msg == nil || isNil(msg.Payload) {
		return nil, &SerializationError{Op: "write", Err: ErrNilPayload}
	}

	tag, err := c.types.TagOf(msg.Payload)
	if err != nil {
		return nil, &SerializationError{Op: "write", Err: err}
	}
	info, _ := c.types.Lookup(tag)

	body, err := info.Codec.Marshal(msg.Payload)
	if err != nil {
		return nil, &SerializationError{Op: "write", TypeTag: tag, Err: err}
	}

	headers := msg.Headers.Clone()
	headers[contracts.HeaderContentType] = info.Codec.Name()

	return &contracts.Envelope{
		TypeTag: tag,
		Body:    body,
		Headers: headers,
	}, nil
}

// Read decodes env. Unknown tags are refused before the body is touched.
func (c *EnvelopeCodec) Read(env *contracts.Envelope) (*contracts.Message, error) {
	if env == nil {
		return nil, &DeserializationRefusedError{Reason: "nil envelope"}
	}

	info, err := c.resolve(env)
	if err != nil {
		return nil, err
	}

	payload, err := safeDecode(info, env.Body)
	if err != nil {
		return nil, &SerializationError{Op: "read", TypeTag: env.TypeTag, Err: err}
	}

	headers := env.Headers.Clone()
	delete(headers, contracts.HeaderContentType)

	return &contracts.Message{Payload: payload, Headers: headers}, nil
}

// CanRead reports whether Read would accept the envelope's type. It never
// panics and never decodes the body.
func (c *EnvelopeCodec) CanRead(env *contracts.Envelope) bool {
	return c.Check(env) == nil
}

// Check returns the DeserializationRefusedError Read would fail with, or nil
// when the envelope's type is readable. The body is not touched.
func (c *EnvelopeCodec) Check(env *contracts.Envelope) error {
	if env == nil {
		return &DeserializationRefusedError{Reason: "nil envelope"}
	}
	_, err := c.resolve(env)
	return err
}

func (c *EnvelopeCodec) resolve(env *contracts.Envelope) (*TypeInfo, error) {
	if env.TypeTag == "" {
		return nil, &DeserializationRefusedError{Reason: "missing type tag"}
	}
	info, ok := c.types.Lookup(env.TypeTag)
	if !ok {
		return nil, &DeserializationRefusedError{TypeTag: env.TypeTag, Reason: "type not registered"}
	}
	if ct := env.Headers.Get(contracts.HeaderContentType); ct != "" && ct != info.Codec.Name() {
		return nil, &DeserializationRefusedError{
			TypeTag: env.TypeTag,
			Reason:  fmt.Sprintf("content type %s does not match %s", ct, info.Codec.Name()),
		}
	}
	return info, nil
}

func safeDecode(info *TypeInfo, body []byte) (payload interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("decoder panic for %v: %v", info.Type, r)
		}
	}()
	return info.Decode(body)
}


// isNil also catches typed nils such as (*T)(nil), which would otherwise
// encode as "null" and decode to a zero value.
func isNil(v interface{}) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Map, reflect.Slice, reflect.Interface, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}
