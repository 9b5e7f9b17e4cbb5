// Package inproc provides an in-process pub/sub binding backed by
// cskr/pubsub. Every handle dialed from the same Broker shares one bus, which
// makes it the harness for end-to-end tests and runnable examples.
package inproc

import (
	"context"
	"errors"
	"sync"

	"github.com/cskr/pubsub"

	"github.com/zailic/nest/messaging"
)

const defaultQueueLength = 32

// ErrClosed is returned for operations on a closed handle.
var ErrClosed = errors.New("inproc: handle is closed")

// Broker is an in-process pub/sub bus.
type Broker struct {
	bus *pubsub.PubSub
}

// NewBroker creates a broker with a small per-subscriber delivery buffer.
func NewBroker() *Broker {
	return &Broker{bus: pubsub.New(defaultQueueLength)}
}

// Factory returns a transport factory dialing this broker.
func (b *Broker) Factory() messaging.TransportFactory {
	return &factory{broker: b}
}

type factory struct {
	broker *Broker
}

// Dial implements messaging.TransportFactory. Attaching in-process cannot
// fail, so the retry strategy is never consulted.
func (f *factory) Dial(ctx context.Context, retry messaging.RetryStrategy) (messaging.Handle, error) {
	return newHandle(f.broker.bus), nil
}

type handle struct {
	bus      *pubsub.PubSub
	messages chan messaging.InboundMessage
	errs     chan error
	closed   chan struct{}

	mu   sync.Mutex
	subs map[string]chan interface{}

	wg        sync.WaitGroup
	closeOnce sync.Once
}

func newHandle(bus *pubsub.PubSub) *handle {
	return &handle{
		bus:      bus,
		messages: make(chan messaging.InboundMessage, defaultQueueLength),
		errs:     make(chan error, 1),
		closed:   make(chan struct{}),
		subs:     make(map[string]chan interface{}),
	}
}

// Publish implements messaging.Handle
func (h *handle) Publish(ctx context.Context, channel string, payload []byte) error {
	select {
	case <-h.closed:
		return ErrClosed
	default:
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	h.bus.Pub(buf, channel)
	return nil
}

// Subscribe implements messaging.Handle. Subscribing twice to the same
// channel is a no-op.
func (h *handle) Subscribe(ctx context.Context, channels ...string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	select {
	case <-h.closed:
		return ErrClosed
	default:
	}
	for _, channel := range channels {
		if _, ok := h.subs[channel]; ok {
			continue
		}
		ch := h.bus.Sub(channel)
		h.subs[channel] = ch
		h.wg.Add(1)
		go h.pump(channel, ch)
	}
	return nil
}

// pump forwards bus deliveries for one channel into the shared message stream
// until the subscription or the handle is torn down.
func (h *handle) pump(channel string, ch chan interface{}) {
	defer h.wg.Done()
	for raw := range ch {
		payload, ok := raw.([]byte)
		if !ok {
			continue
		}
		select {
		case h.messages <- messaging.InboundMessage{Channel: channel, Payload: payload}:
		case <-h.closed:
			return
		}
	}
}

// Unsubscribe implements messaging.Handle
func (h *handle) Unsubscribe(ctx context.Context, channels ...string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, channel := range channels {
		ch, ok := h.subs[channel]
		if !ok {
			continue
		}
		delete(h.subs, channel)
		// Unsub closes ch once it leaves its last topic, ending the pump.
		h.bus.Unsub(ch, channel)
	}
	return nil
}

// Messages implements messaging.Handle
func (h *handle) Messages() <-chan messaging.InboundMessage {
	return h.messages
}

// Errors implements messaging.Handle
func (h *handle) Errors() <-chan error {
	return h.errs
}

// Close implements messaging.Handle
func (h *handle) Close() error {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		for channel, ch := range h.subs {
			h.bus.Unsub(ch, channel)
		}
		h.subs = make(map[string]chan interface{})
		h.mu.Unlock()

		close(h.closed)
		h.wg.Wait()
		close(h.messages)
		close(h.errs)
	})
	return nil
}
