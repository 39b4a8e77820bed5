package events

// Message is one payload received from the bus with the subject it arrived on.
type Message struct {
	Topic string
	Data  []byte
	ID    string // Nats-Msg-Id header, when the publisher set one
}

// Subscriber receives events from the event bus.
type Subscriber interface {
	// Subscribe delivers messages on the returned channel.
	// Call the returned cancel function to unsubscribe and close the channel.
	Subscribe(topic string) (<-chan Message, func(), error)
	Close() error
}
