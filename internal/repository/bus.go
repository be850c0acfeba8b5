package repository

// MessageBus is the outbound messaging port. Transports provide concrete
// implementations; the core only ever publishes.
type MessageBus interface {
	Publish(topic string, data []byte) error
}
