// Package redis binds the correlation protocol to a Redis broker using
// PUBLISH/SUBSCRIBE. Publish and subscribe roles each get their own
// connection, dialed through the client's retry strategy.
package redis

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/zailic/nest/contracts"
	"github.com/zailic/nest/internal/reliability"
	"github.com/zailic/nest/messaging"
)

// brokerConn is the slice of the go-redis client the handle uses.
type brokerConn interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context) pubsubConn
	Close() error
}

// pubsubConn is the slice of goredis.PubSub the handle uses. *goredis.PubSub
// satisfies it directly.
type pubsubConn interface {
	Subscribe(ctx context.Context, channels ...string) error
	Unsubscribe(ctx context.Context, channels ...string) error
	Channel(opts ...goredis.ChannelOption) <-chan *goredis.Message
	Close() error
}

// goredisConn adapts *goredis.Client to brokerConn.
type goredisConn struct {
	client *goredis.Client
}

func (c goredisConn) Publish(ctx context.Context, channel string, payload []byte) error {
	return c.client.Publish(ctx, channel, payload).Err()
}

func (c goredisConn) Subscribe(ctx context.Context) pubsubConn {
	return c.client.Subscribe(ctx)
}

func (c goredisConn) Close() error {
	return c.client.Close()
}

// Factory dials Redis connections for the client.
type Factory struct {
	url    string
	opts   *goredis.Options
	logger *slog.Logger
	dial   func(ctx context.Context) (brokerConn, error)
}

// FactoryOption configures the Factory
type FactoryOption func(*Factory)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) FactoryOption {
	return func(f *Factory) {
		f.logger = logger
	}
}

// NewFactory parses a redis:// URL and prepares a factory for it. go-redis'
// own command retries are disabled; reconnect policy belongs to the client.
func NewFactory(url string, options ...FactoryOption) (*Factory, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid broker url: %w", err)
	}
	opts.MaxRetries = -1

	f := &Factory{
		url:    url,
		opts:   opts,
		logger: slog.Default(),
	}
	f.dial = f.dialBroker
	for _, opt := range options {
		opt(f)
	}
	return f, nil
}

// dialBroker opens a fresh connection and verifies it with PING.
func (f *Factory) dialBroker(ctx context.Context) (brokerConn, error) {
	client := goredis.NewClient(f.opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return goredisConn{client: client}, nil
}

// Dial implements messaging.TransportFactory. Each attempt opens a fresh
// connection; the retry strategy decides whether a failed attempt gets
// another. A failed sequence is reported as a ConnectionError carrying the
// attempt count and the sanitized broker URL.
func (f *Factory) Dial(ctx context.Context, retry messaging.RetryStrategy) (messaging.Handle, error) {
	var conn brokerConn
	attempts := 0
	err := reliability.Execute(ctx, retry, func(ctx context.Context) error {
		attempts++
		c, err := f.dial(ctx)
		if err != nil {
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, &contracts.ConnectionError{
			Op:        "connect",
			URL:       contracts.SanitizeURL(f.url),
			Err:       err,
			Attempts:  attempts,
			Timestamp: time.Now(),
		}
	}
	f.logger.Debug("connected to redis", "url", contracts.SanitizeURL(f.url))
	return newHandle(conn), nil
}

type handle struct {
	conn     brokerConn
	messages chan messaging.InboundMessage
	errs     chan error
	closed   chan struct{}

	mu     sync.Mutex
	pubsub pubsubConn

	wg        sync.WaitGroup
	closeOnce sync.Once
}

func newHandle(conn brokerConn) *handle {
	return &handle{
		conn:     conn,
		messages: make(chan messaging.InboundMessage, 64),
		errs:     make(chan error, 1),
		closed:   make(chan struct{}),
	}
}

// Publish implements messaging.Handle
func (h *handle) Publish(ctx context.Context, channel string, payload []byte) error {
	return h.conn.Publish(ctx, channel, payload)
}

// Subscribe implements messaging.Handle. The PubSub connection is created on
// first use; one pump goroutine forwards its deliveries for the lifetime of
// the handle.
func (h *handle) Subscribe(ctx context.Context, channels ...string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pubsub == nil {
		h.pubsub = h.conn.Subscribe(ctx)
		h.wg.Add(1)
		go h.pump(h.pubsub.Channel())
	}
	return h.pubsub.Subscribe(ctx, channels...)
}

func (h *handle) pump(ch <-chan *goredis.Message) {
	defer h.wg.Done()
	for msg := range ch {
		select {
		case h.messages <- messaging.InboundMessage{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
		case <-h.closed:
			return
		}
	}
}

// Unsubscribe implements messaging.Handle
func (h *handle) Unsubscribe(ctx context.Context, channels ...string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pubsub == nil {
		return nil
	}
	return h.pubsub.Unsubscribe(ctx, channels...)
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
	var err error
	h.closeOnce.Do(func() {
		h.mu.Lock()
		if h.pubsub != nil {
			err = h.pubsub.Close()
		}
		h.mu.Unlock()

		if cerr := h.conn.Close(); err == nil {
			err = cerr
		}

		close(h.closed)
		h.wg.Wait()
		close(h.messages)
		close(h.errs)
	})
	return err
}
