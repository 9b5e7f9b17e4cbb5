// Package nest is a client for request/response and fire-and-forget calls
// over a publish/subscribe broker. See the messaging package for the
// correlation protocol itself; this package wires it to a transport and adds
// the synchronous Request convenience.
package nest

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/zailic/nest/contracts"
	"github.com/zailic/nest/messaging"
	"github.com/zailic/nest/serialization"
	redistransport "github.com/zailic/nest/transports/redis"
)

// DefaultURL is the broker address used when none is configured.
const DefaultURL = "redis://localhost:6379"

// Client is the public surface of the library.
type Client struct {
	proxy      *messaging.ClientProxy
	singleShot bool
	logger     *slog.Logger
}

// clientConfig holds client configuration. Defaults: DefaultURL, no reconnect
// retries, zero retry delay, JSON codecs, 1000 pending calls, single-shot
// responses.
type clientConfig struct {
	url           string
	retryAttempts int
	retryDelay    time.Duration
	maxPending    int
	singleShot    bool
	serializer    serialization.Serializer
	deserializer  serialization.Deserializer
	logger        *slog.Logger
	factory       messaging.TransportFactory
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithURL sets the broker address.
func WithURL(url string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.url = url
	}
}

// WithRetryAttempts sets how many reconnect attempts follow a failed dial.
// Zero (the default) means a single failure is final.
func WithRetryAttempts(attempts int) ClientOption {
	return func(cfg *clientConfig) {
		cfg.retryAttempts = attempts
	}
}

// WithRetryDelay sets the pause between reconnect attempts.
func WithRetryDelay(delay time.Duration) ClientOption {
	return func(cfg *clientConfig) {
		cfg.retryDelay = delay
	}
}

// WithMaxPendingRequests caps concurrent in-flight calls.
func WithMaxPendingRequests(max int) ClientOption {
	return func(cfg *clientConfig) {
		cfg.maxPending = max
	}
}

// WithSerializer overrides the outbound wire codec.
func WithSerializer(s serialization.Serializer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.serializer = s
	}
}

// WithDeserializer overrides the inbound wire codec.
func WithDeserializer(d serialization.Deserializer) ClientOption {
	return func(cfg *clientConfig) {
		cfg.deserializer = d
	}
}

// WithLogger sets the logger for all components.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = logger
	}
}

// WithTransportFactory substitutes the broker binding. When set, the URL is
// ignored and the factory decides where connections go.
func WithTransportFactory(factory messaging.TransportFactory) ClientOption {
	return func(cfg *clientConfig) {
		cfg.factory = factory
	}
}

// WithSingleShotResponse controls whether Request treats the first delivery
// as terminal (the default) or keeps waiting until the server marks the
// response stream disposed.
func WithSingleShotResponse(enabled bool) ClientOption {
	return func(cfg *clientConfig) {
		cfg.singleShot = enabled
	}
}

// NewClient creates a client. Without options it targets a local Redis broker
// with JSON codecs.
func NewClient(options ...ClientOption) (*Client, error) {
	cfg := &clientConfig{
		url:          DefaultURL,
		maxPending:   1000,
		singleShot:   true,
		serializer:   serialization.JSONSerializer{},
		deserializer: serialization.JSONDeserializer{},
		logger:       slog.Default(),
	}
	for _, opt := range options {
		opt(cfg)
	}

	if cfg.factory == nil {
		factory, err := redistransport.NewFactory(cfg.url, redistransport.WithLogger(cfg.logger))
		if err != nil {
			return nil, err
		}
		cfg.factory = factory
	}

	proxy, err := messaging.NewClientProxy(cfg.factory,
		messaging.WithSerializer(cfg.serializer),
		messaging.WithDeserializer(cfg.deserializer),
		messaging.WithProxyLogger(cfg.logger),
		messaging.WithRetry(cfg.retryAttempts, cfg.retryDelay),
		messaging.WithMaxPendingRequests(cfg.maxPending),
	)
	if err != nil {
		return nil, err
	}

	return &Client{
		proxy:      proxy,
		singleShot: cfg.singleShot,
		logger:     cfg.logger,
	}, nil
}

// Connect establishes the broker connections. Calling it is optional: Send,
// Request and Emit connect on first use.
func (c *Client) Connect(ctx context.Context) error {
	return c.proxy.Connect(ctx)
}

// Send dispatches a request and registers handler for its responses. The
// returned teardown function cancels the call's subscription and routing
// entry; the caller runs it once a terminal result arrives or the call is
// abandoned. The returned error covers connection failures only; call-level
// failures arrive through handler.
func (c *Client) Send(ctx context.Context, packet contracts.ReadPacket, handler messaging.ResponseHandler) (func(), error) {
	if err := c.proxy.Connect(ctx); err != nil {
		return nil, err
	}
	return c.proxy.Send(ctx, packet, handler), nil
}

// Request sends packet and blocks until a terminal response, then tears the
// call down. ctx bounds the wait; the protocol itself has no timeout, so an
// unbounded ctx on a lost response waits forever. A remote error is returned
// as *contracts.RemoteError.
func (c *Client) Request(ctx context.Context, packet contracts.ReadPacket) (contracts.WriteResponse, error) {
	if err := c.proxy.Connect(ctx); err != nil {
		return contracts.WriteResponse{}, err
	}

	results := make(chan contracts.WriteResponse, 1)
	var once sync.Once
	teardown := c.proxy.Send(ctx, packet, func(resp contracts.WriteResponse) {
		if !c.singleShot && !resp.Terminal() {
			// Streaming mode: intermediate deliveries keep the call open.
			return
		}
		once.Do(func() { results <- resp })
	})
	defer teardown()

	select {
	case resp := <-results:
		if resp.Err != nil {
			return resp, remoteErr(resp.Err)
		}
		return resp, nil
	case <-ctx.Done():
		return contracts.WriteResponse{}, ctx.Err()
	}
}

// Emit publishes a fire-and-forget event. It returns once the transport
// acknowledges the publish; nothing is awaited from any remote receiver.
func (c *Client) Emit(ctx context.Context, packet contracts.ReadPacket) error {
	if err := c.proxy.Connect(ctx); err != nil {
		return err
	}
	return c.proxy.Emit(ctx, packet)
}

// PendingRequests returns the number of in-flight calls.
func (c *Client) PendingRequests() int {
	return c.proxy.PendingRequests()
}

// Close releases the broker connections. Safe when never connected and safe
// to call twice.
func (c *Client) Close() error {
	return c.proxy.Close()
}

// remoteErr maps a response's err field to a Go error.
func remoteErr(v interface{}) error {
	if err, ok := v.(error); ok {
		return err
	}
	return &contracts.RemoteError{Payload: v}
}
