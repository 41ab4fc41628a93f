package meshbus

import "time"

// Well-known header keys carried on every wire envelope.
const (
	HeaderCorrelationID = "CorrelationId"
	HeaderReplyTo        = "ReplyTo"
	HeaderMessageType    = "MessageType"
	HeaderExpires        = "Expires"
	HeaderOriginator     = "Originator"
)

// Message is the transport-neutral envelope traveling the bus. Payload is
// encoded via the resolved Codec; Metadata carries the header map. Header map
// insertion order is not significant.
type Message struct {
	// ID is a unique message identifier; the transport may assign one if empty.
	ID string
	// Name is the declared message-type name (see MessageTypeResolver).
	Name string
	// Payload is the encoded bytes of the value.
	Payload []byte
	// Metadata is the header bag: correlation id, reply-to, originator, etc.
	Metadata map[string]string
	// ProducedAt is the production timestamp, from the injected clock.
	ProducedAt time.Time
	// RoutingKey is an optional transport-specific routing attribute (e.g. a
	// partition or shard key); the core never interprets it.
	RoutingKey string
}

// Header reads a metadata value, returning "" if absent or Metadata is nil.
func (m *Message) Header(key string) string {
	if m == nil || m.Metadata == nil {
		return ""
	}
	return m.Metadata[key]
}

// SetHeader writes a metadata value, allocating Metadata lazily.
func (m *Message) SetHeader(key, value string) {
	if m.Metadata == nil {
		m.Metadata = make(map[string]string, 4)
	}
	m.Metadata[key] = value
}

// PublishEvent describes a single event in a batch publish call.
type PublishEvent struct {
	Name    string
	Payload any
	Meta    map[string]string
}
