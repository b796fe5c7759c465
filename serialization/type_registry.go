package serialization

import (
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/glimte/queuebus/contracts"
)

// TypeInfo describes one registered payload type.
type TypeInfo struct {
	Tag    string
	Type   reflect.Type
	Codec  BodyCodec
	decode func(body []byte) (interface{}, error)
}

// Decode parses body into a new value of the registered type.
func (i *TypeInfo) Decode(body []byte) (interface{}, error) {
	return i.decode(body)
}

// TypeRegistry binds type tags to Go types and their decoders. Registration
// is explicit; nothing is discovered at runtime.
type TypeRegistry struct {
	mu           sync.RWMutex
	byTag        map[string]*TypeInfo
	byType       map[reflect.Type]string
	defaultCodec BodyCodec
}

// RegistryOption configures a TypeRegistry
type RegistryOption func(*TypeRegistry)

// WithDefaultCodec sets the codec used when a registration does not name one.
func WithDefaultCodec(codec BodyCodec) RegistryOption {
	return func(r *TypeRegistry) {
		r.defaultCodec = codec
	}
}

// NewTypeRegistry creates a registry with the built-in Fault type registered.
func NewTypeRegistry(opts ...RegistryOption) *TypeRegistry {
	r := &TypeRegistry{
		byTag:        make(map[string]*TypeInfo),
		byType:       make(map[reflect.Type]string),
		defaultCodec: NewJSONCodec(),
	}
	for _, opt := range opts {
		opt(r)
	}

	// Cannot fail on an empty registry.
	_ = Register[*contracts.Fault](r, contracts.FaultTypeTag, WithCodec(NewJSONCodec()))

	return r
}

type typeOptions struct {
	codec BodyCodec
}

// TypeOption configures a single registration
type TypeOption func(*typeOptions)

// WithCodec overrides the body codec for one type.
func WithCodec(codec BodyCodec) TypeOption {
	return func(o *typeOptions) {
		o.codec = codec
	}
}

// Register binds tag to T. Registering the same tag and type again is a no-op;
// binding a tag or a type a second time to something else is an error.
func Register[T any](r *TypeRegistry, tag string, opts ...TypeOption) error {
	if tag == "" {
		return fmt.Errorf("type tag cannot be empty")
	}

	t := reflect.TypeOf((*T)(nil)).Elem()
	if t.Kind() == reflect.Interface {
		return fmt.Errorf("cannot register interface type %v", t)
	}

	options := typeOptions{codec: r.defaultCodec}
	for _, opt := range opts {
		opt(&options)
	}
	if tc, ok := options.codec.(typeChecker); ok && !tc.Supports(t) {
		return fmt.Errorf("codec %s does not support type %v", options.codec.Name(), t)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, exists := r.byTag[tag]; exists {
		if existing.Type == t {
			return nil
		}
		return fmt.Errorf("type tag %s already registered to %v", tag, existing.Type)
	}
	if existing, exists := r.byType[t]; exists {
		return fmt.Errorf("type %v already registered as %s", t, existing)
	}

	r.byTag[tag] = &TypeInfo{
		Tag:    tag,
		Type:   t,
		Codec:  options.codec,
		decode: decoderFor[T](options.codec),
	}
	r.byType[t] = tag
	return nil
}

// RegisterType registers T under the tag returned by TagFor.
func RegisterType[T any](r *TypeRegistry, opts ...TypeOption) error {
	tag := TagFor[T]()
	if tag == "" {
		return fmt.Errorf("cannot derive a type tag for %v", reflect.TypeOf((*T)(nil)).Elem())
	}
	return Register[T](r, tag, opts...)
}

// TagFor derives "<pkgpath>.<Name>" from T, dereferencing one pointer level.
func TagFor[T any]() string {
	t := reflect.TypeOf((*T)(nil)).Elem()
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Name() == "" {
		return ""
	}
	if t.PkgPath() == "" {
		return t.Name()
	}
	return t.PkgPath() + "." + t.Name()
}

func decoderFor[T any](codec BodyCodec) func([]byte) (interface{}, error) {
	t := reflect.TypeOf((*T)(nil)).Elem()
	if t.Kind() == reflect.Ptr {
		elem := t.Elem()
		return func(body []byte) (interface{}, error) {
			v := reflect.New(elem).Interface().(T)
			if err := codec.Unmarshal(body, v); err != nil {
				return nil, err
			}
			return v, nil
		}
	}
	return func(body []byte) (interface{}, error) {
		var v T
		if err := codec.Unmarshal(body, &v); err != nil {
			return nil, err
		}
		return v, nil
	}
}

// Lookup returns the registration for tag.
func (r *TypeRegistry) Lookup(tag string) (*TypeInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	info, ok := r.byTag[tag]
	return info, ok
}

// TagOf returns the tag registered for the dynamic type of payload.
func (r *TypeRegistry) TagOf(payload interface{}) (string, error) {
	if payload == nil {
		return "", ErrNilPayload
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	t := reflect.TypeOf(payload)
	tag, ok := r.byType[t]
	if !ok {
		return "", fmt.Errorf("%w: %v", ErrUnregisteredType, t)
	}
	return tag, nil
}

// IsRegistered checks if a tag is registered
func (r *TypeRegistry) IsRegistered(tag string) bool {
	_, ok := r.Lookup(tag)
	return ok
}

// ListTypes returns all registered tags in sorted order.
func (r *TypeRegistry) ListTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tags := make([]string, 0, len(r.byTag))
	for tag := range r.byTag {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}
