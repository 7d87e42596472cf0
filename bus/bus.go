// Package bus defines the message-bus boundary used by the chunked transfer
// protocol.
//
// A bus delivers discrete, size-bounded messages with string headers. It gives
// no ordering guarantee between messages and may redeliver a message that was
// not acknowledged. Implementations live in subpackages.
package bus

import (
	"context"
	"errors"
)

// ErrClosed is returned when publishing to or subscribing on a closed bus.
var ErrClosed = errors.New("bus closed")

// Headers is the loosely-typed key/value metadata attached to a message.
type Headers map[string]string

// Get returns the header value and whether it was present.
func (h Headers) Get(key string) (string, bool) {
	if h == nil {
		return "", false
	}
	v, ok := h[key]
	return v, ok
}

// Clone returns a copy of h. A nil map clones to nil.
func (h Headers) Clone() Headers {
	if h == nil {
		return nil
	}
	out := make(Headers, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// Message is one delivery from a Subscriber.
type Message struct {
	// Subject is the subject (stream, channel) the message arrived on.
	Subject string
	// Headers are the message headers.
	Headers Headers
	// Payload is the raw message body.
	Payload []byte
	// ack acknowledges the delivery; nil for transports without acks.
	ack func(ctx context.Context) error
}

// NewMessage builds a message with an optional ack callback.
func NewMessage(subject string, headers Headers, payload []byte, ack func(ctx context.Context) error) *Message {
	return &Message{
		Subject: subject,
		Headers: headers,
		Payload: payload,
		ack:     ack,
	}
}

// Ack acknowledges the message. Unacknowledged messages may be redelivered.
// Ack is a no-op for transports that do not track delivery.
func (m *Message) Ack(ctx context.Context) error {
	if m.ack == nil {
		return nil
	}
	return m.ack(ctx)
}

// Handler processes one delivered message. The subscriber acknowledges the
// message only when the handler returns nil.
type Handler func(ctx context.Context, msg *Message) error

// Publisher publishes a single message and waits for the bus to accept it.
// Publish must respect context cancellation and deadlines; a deadline is a
// reported failure, never a hang.
type Publisher interface {
	Publish(ctx context.Context, subject string, headers Headers, payload []byte) error
}

// Subscriber delivers messages for a subject to a handler.
// Subscribe blocks until ctx is done or the transport fails.
type Subscriber interface {
	Subscribe(ctx context.Context, subject string, handler Handler) error
}

// Bus is a transport that can both publish and subscribe.
type Bus interface {
	Publisher
	Subscriber
	Close() error
}
