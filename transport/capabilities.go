package transport

// Capabilities describes the features supported by a transport backend.
type Capabilities struct {
	// SupportsNativeDLQ indicates the broker routes poison messages itself.
	// When false the relay publishes dead letters to "<topic>.deadletter".
	SupportsNativeDLQ bool

	// SupportsOrdering indicates messages within a partition/queue are
	// delivered in order.
	SupportsOrdering bool

	// SupportsTracing indicates the transport propagates tracing headers.
	SupportsTracing bool

	// SupportsAck indicates the transport supports explicit acknowledgment.
	SupportsAck bool

	// SupportsNack indicates an abandoned message is redelivered.
	SupportsNack bool

	// SupportsCompetingConsumers indicates several subscribers on one queue
	// share its messages instead of each receiving a copy.
	SupportsCompetingConsumers bool

	// MaxMessageSize is the maximum message size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64

	Name string
}

// RequiresDLQEmulation returns true if dead letters must be routed by the
// relay.
func (c Capabilities) RequiresDLQEmulation() bool {
	return !c.SupportsNativeDLQ
}

// SupportsReliableDelivery returns true if the transport supports at-least-once
// delivery semantics (ack + nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// Predefined capability sets for the built-in transports.
var (
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsOrdering: false,
		SupportsAck:      true,
		SupportsNack:     true,
	}

	KafkaCapabilities = Capabilities{
		Name:                       "kafka",
		SupportsOrdering:           true,
		SupportsTracing:            true,
		SupportsAck:                true,
		SupportsNack:               true,
		SupportsCompetingConsumers: true,
		MaxMessageSize:             1048576,
	}

	RabbitMQCapabilities = Capabilities{
		Name:                       "rabbitmq",
		SupportsNativeDLQ:          true,
		SupportsOrdering:           true,
		SupportsTracing:            true,
		SupportsAck:                true,
		SupportsNack:               true,
		SupportsCompetingConsumers: true,
	}

	NATSCapabilities = Capabilities{
		Name:                       "nats",
		SupportsTracing:            true,
		SupportsCompetingConsumers: true,
		MaxMessageSize:             1048576,
	}

	AWSCapabilities = Capabilities{
		Name:                       "aws",
		SupportsNativeDLQ:          true,
		SupportsTracing:            true,
		SupportsAck:                true,
		SupportsNack:               true,
		SupportsCompetingConsumers: true,
		MaxMessageSize:             262144, // 256KB
	}

	HTTPCapabilities = Capabilities{
		Name:            "http",
		SupportsTracing: true,
	}
)

// GetCapabilities returns the capabilities registered for a transport name.
// Unknown names yield a zero Capabilities carrying only the name.
func GetCapabilities(transportName string) Capabilities {
	return DefaultRegistry.GetCapabilities(transportName)
}
