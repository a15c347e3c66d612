package transport

// Capabilities describes what a stream transport guarantees to live listeners.
type Capabilities struct {
	// Name is the human-readable name of the transport.
	Name string

	// CrossProcess indicates envelopes published by one broker replica reach
	// listeners connected to another replica.
	CrossProcess bool

	// Durable indicates the transport keeps messages while no listener is
	// connected. Listeners may then see envelopes published before they
	// connected.
	Durable bool

	// SupportsOrdering indicates listeners see envelopes of one topic in
	// publish order.
	SupportsOrdering bool

	// SupportsTracing indicates the transport propagates message metadata
	// (correlation ids) natively.
	SupportsTracing bool

	// MaxMessageSize is the maximum message size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64
}

// LiveOnly returns true if listeners only ever see envelopes published after
// they connected.
func (c Capabilities) LiveOnly() bool {
	return !c.Durable
}

// Predefined capability sets for the built-in transports.
var (
	// ChannelCapabilities for the in-process Go channel transport.
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsOrdering: true,
	}

	// KafkaCapabilities for Apache Kafka.
	KafkaCapabilities = Capabilities{
		Name:             "kafka",
		CrossProcess:     true,
		Durable:          true,
		SupportsOrdering: true,
		SupportsTracing:  true,
		MaxMessageSize:   1048576, // Default 1MB
	}

	// RabbitMQCapabilities for RabbitMQ/AMQP.
	RabbitMQCapabilities = Capabilities{
		Name:             "rabbitmq",
		CrossProcess:     true,
		Durable:          true,
		SupportsOrdering: true,
		SupportsTracing:  true,
	}

	// NATSCapabilities for NATS Core.
	NATSCapabilities = Capabilities{
		Name:            "nats",
		CrossProcess:    true,
		SupportsTracing: true,
		MaxMessageSize:  1048576, // Default 1MB
	}

	// HTTPCapabilities for the webhook-style HTTP transport.
	HTTPCapabilities = Capabilities{
		Name:            "http",
		CrossProcess:    true,
		SupportsTracing: true,
	}
)
