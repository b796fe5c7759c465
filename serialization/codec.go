package serialization

import (
	"fmt"
	"reflect"

	"github.com/bytedance/sonic"
	"google.golang.org/protobuf/proto"
)

// BodyCodec encodes payloads into envelope bodies.
type BodyCodec interface {
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error
	// Name is stamped into the ContentType header.
	Name() string
}

// typeChecker is implemented by codecs that only handle some Go types.
type typeChecker interface {
	Supports(t reflect.Type) bool
}

// JSONCodec encodes bodies as JSON using sonic's std-compatible config.
type JSONCodec struct {
	api sonic.API
}

// NewJSONCodec creates a JSON codec
func NewJSONCodec() *JSONCodec {
	return &JSONCodec{api: sonic.ConfigStd}
}

func (c *JSONCodec) Marshal(v interface{}) ([]byte, error) {
	return c.api.Marshal(v)
}

func (c *JSONCodec) Unmarshal(data []byte, v interface{}) error {
	return c.api.Unmarshal(data, v)
}

func (c *JSONCodec) Name() string {
	return "application/json"
}

// ProtoCodec encodes protobuf messages in binary wire format.
type ProtoCodec struct{}

// NewProtoCodec creates a protobuf codec
func NewProtoCodec() *ProtoCodec {
	return &ProtoCodec{}
}

var protoMessageType = reflect.TypeOf((*proto.Message)(nil)).Elem()

func (c *ProtoCodec) Marshal(v interface{}) ([]byte, error) {
	m, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("%T is not a proto.Message", v)
	}
	return proto.Marshal(m)
}

func (c *ProtoCodec) Unmarshal(data []byte, v interface{}) error {
	m, ok := v.(proto.Message)
	if !ok {
		return fmt.Errorf("%T is not a proto.Message", v)
	}
	return proto.Unmarshal(data, m)
}

func (c *ProtoCodec) Name() string {
	return "application/x-protobuf"
}

func (c *ProtoCodec) Supports(t reflect.Type) bool {
	return t.Kind() == reflect.Ptr && t.Implements(protoMessageType)
}
