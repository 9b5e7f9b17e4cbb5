package messaging

import "context"

// InboundMessage is a raw payload delivered on a subscribed channel.
type InboundMessage struct {
	Channel string
	Payload []byte
}

// Handle is a single connection to the broker in one role. The client holds
// two: one used exclusively for publishing and one for subscriptions, so
// subscriber state on the connection cannot interfere with publishes.
type Handle interface {
	// Publish delivers payload on channel and returns once the transport has
	// acknowledged the write. Acknowledgment means the broker accepted the
	// message, not that any remote receiver handled it.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe registers interest in the given channels and returns once the
	// subscription is confirmed. Deliveries arrive on Messages.
	Subscribe(ctx context.Context, channels ...string) error

	// Unsubscribe removes interest in the given channels.
	Unsubscribe(ctx context.Context, channels ...string) error

	// Messages is the stream of deliveries for this handle's subscriptions.
	// It is closed when the handle closes.
	Messages() <-chan InboundMessage

	// Errors surfaces low-level transport failures observed after connect.
	// It is closed when the handle closes.
	Errors() <-chan error

	// Close releases the connection. Safe to call more than once.
	Close() error
}

// TransportFactory dials broker connections. It is injected into the client
// at construction so tests can substitute a fake transport; the factory must
// drive its dial attempts through the supplied retry strategy.
type TransportFactory interface {
	Dial(ctx context.Context, retry RetryStrategy) (Handle, error)
}
