package metadata

// Metadata represents the headers carried alongside a relayed message.
type Metadata map[string]string

// Well-known metadata keys.
const (
	KeyCorrelationID    = "correlation_id"
	KeyMessageSchema    = "message_schema"
	KeyDeadLetterReason = "dead_letter_reason"
	KeyDeadLetterCode   = "dead_letter_code"
	KeyOriginalTopic    = "original_topic"
	KeyDeadLetteredAt   = "dead_lettered_at"
)

// OrderSchemaV1 tags payloads produced by the order codec.
const OrderSchemaV1 = "order.v1"

func (m Metadata) cloneWithExtra(extra int) Metadata {
	size := len(m) + extra
	if size <= 0 {
		return Metadata{}
	}

	cloned := make(Metadata, size)
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// Clone returns a shallow copy of the metadata map.
func (m Metadata) Clone() Metadata {
	return m.cloneWithExtra(0)
}

// With returns a cloned metadata map containing the provided key/value pair.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.cloneWithExtra(1)
	cloned[key] = value
	return cloned
}

// CorrelationID returns the correlation id, if any.
func (m Metadata) CorrelationID() string {
	return m[KeyCorrelationID]
}
