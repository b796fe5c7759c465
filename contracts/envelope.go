package contracts

// Envelope is the transport representation of a Message.
type Envelope struct {
	TypeTag string  `json:"typeTag"`
	Body    []byte  `json:"body"`
	Headers Headers `json:"headers,omitempty"`
}

// MessageID returns the MessageID header.
func (e *Envelope) MessageID() string {
	return e.Headers.Get(HeaderMessageID)
}

// CorrelationID returns the CorrelationID header.
func (e *Envelope) CorrelationID() string {
	return e.Headers.Get(HeaderCorrelationID)
}

// ReplyTo returns the ReplyTo header.
func (e *Envelope) ReplyTo() string {
	return e.Headers.Get(HeaderReplyTo)
}

// Clone returns a deep copy so transports never share buffers with callers.
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	body := make([]byte, len(e.Body))
	copy(body, e.Body)
	return &Envelope{TypeTag: e.TypeTag, Body: body, Headers: e.Headers.Clone()}
}
