package contracts

import (
	"time"
)

// Reserved header keys.
const (
	HeaderMessageID     = "MessageID"
	HeaderCorrelationID = "CorrelationID"
	HeaderReplyTo       = "ReplyTo"
	HeaderSentAt        = "SentAt"
	HeaderContentType   = "ContentType"
)

// Headers is a string-to-string map attached to every message.
type Headers map[string]string

// Get returns the header value or "" when absent.
func (h Headers) Get(key string) string {
	if h == nil {
		return ""
	}
	return h[key]
}

// Clone returns an independent copy of the headers.
func (h Headers) Clone() Headers {
	out := make(Headers, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// Message is a typed payload together with its headers.
type Message struct {
	Payload interface{}
	Headers Headers
}

// NewMessage creates a message with empty headers
func NewMessage(payload interface{}) *Message {
	return &Message{Payload: payload, Headers: Headers{}}
}

// ID returns the MessageID header.
func (m *Message) ID() string {
	return m.Headers.Get(HeaderMessageID)
}

// CorrelationID returns the CorrelationID header. Replies carry the MessageID
// of the request they answer.
func (m *Message) CorrelationID() string {
	return m.Headers.Get(HeaderCorrelationID)
}

// ReplyTo returns the queue the sender expects replies on.
func (m *Message) ReplyTo() string {
	return m.Headers.Get(HeaderReplyTo)
}

// SentAt parses the SentAt header. The zero time is returned when the header
// is missing or malformed.
func (m *Message) SentAt() time.Time {
	raw := m.Headers.Get(HeaderSentAt)
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

// IsReply reports whether the message answers an earlier request.
func (m *Message) IsReply() bool {
	return m.CorrelationID() != ""
}

// SetHeader sets a header, allocating the map if needed.
func (m *Message) SetHeader(key, value string) {
	if m.Headers == nil {
		m.Headers = Headers{}
	}
	m.Headers[key] = value
}

// Clone copies the headers. The payload is shared.
func (m *Message) Clone() *Message {
	return &Message{Payload: m.Payload, Headers: m.Headers.Clone()}
}
