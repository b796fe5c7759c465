package serialization

import (
	"errors"
	"fmt"
)

var (
	// ErrDeserializationRefused is matched by DeserializationRefusedError.
	ErrDeserializationRefused = errors.New("deserialization refused")
	// ErrNilPayload is returned when writing a message without a payload.
	ErrNilPayload = errors.New("message payload is nil")
	// ErrUnregisteredType is returned when a payload's type has no tag.
	ErrUnregisteredType = errors.New("payload type not registered")
)

// SerializationError reports a failure to encode or decode a message body.
type SerializationError struct {
	Op      string // "write" or "read"
	TypeTag string
	Err     error
}

func (e *SerializationError) Error() string {
	if e.TypeTag != "" {
		return fmt.Sprintf("serialization %s failed for %s: %v", e.Op, e.TypeTag, e.Err)
	}
	return fmt.Sprintf("serialization %s failed: %v", e.Op, e.Err)
}

func (e *SerializationError) Unwrap() error {
	return e.Err
}

// DeserializationRefusedError is returned when an envelope names a type the
// local registry does not know. No deserialization is attempted.
type DeserializationRefusedError struct {
	TypeTag string
	Reason  string
}

func (e *DeserializationRefusedError) Error() string {
	return fmt.Sprintf("deserialization refused for type %q: %s", e.TypeTag, e.Reason)
}

func (e *DeserializationRefusedError) Unwrap() error {
	return ErrDeserializationRefused
}
