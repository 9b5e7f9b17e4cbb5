package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zailic/nest/contracts"
	"github.com/zailic/nest/serialization"
)

// ClientProxy runs the request/response correlation protocol over a pair of
// broker connections: one for publishing, one for subscriptions. It owns the
// routing table, the memoized connect attempt and the router goroutine.
type ClientProxy struct {
	factory       TransportFactory
	serializer    serialization.Serializer
	deserializer  serialization.Deserializer
	logger        *slog.Logger
	retryAttempts int
	retryDelay    time.Duration
	maxPending    int

	mu         sync.Mutex
	conn       *connection
	terminated atomic.Bool
	connErrs   chan error
	closed     chan struct{}
	routing    *RoutingTable
}

// connection memoizes one connect attempt so concurrent Connect callers
// converge on a single handshake. done is closed once the attempt settles;
// err and the handles are valid only after that.
type connection struct {
	done chan struct{}
	err  error
	pub  Handle
	sub  Handle
}

func (c *connection) wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ProxyOption configures the ClientProxy
type ProxyOption func(*ClientProxy)

// WithSerializer overrides the outbound wire codec
func WithSerializer(s serialization.Serializer) ProxyOption {
	return func(p *ClientProxy) {
		p.serializer = s
	}
}

// WithDeserializer overrides the inbound wire codec
func WithDeserializer(d serialization.Deserializer) ProxyOption {
	return func(p *ClientProxy) {
		p.deserializer = d
	}
}

// WithProxyLogger sets the logger
func WithProxyLogger(logger *slog.Logger) ProxyOption {
	return func(p *ClientProxy) {
		p.logger = logger
	}
}

// WithRetry sets the reconnect budget: attempts after the initial failure and
// the delay between them. Zero attempts means a single failed dial is final.
func WithRetry(attempts int, delay time.Duration) ProxyOption {
	return func(p *ClientProxy) {
		p.retryAttempts = attempts
		p.retryDelay = delay
	}
}

// WithMaxPendingRequests caps the number of concurrent in-flight calls.
func WithMaxPendingRequests(max int) ProxyOption {
	return func(p *ClientProxy) {
		p.maxPending = max
	}
}

// NewClientProxy creates a proxy that dials through factory.
func NewClientProxy(factory TransportFactory, opts ...ProxyOption) (*ClientProxy, error) {
	if factory == nil {
		return nil, fmt.Errorf("transport factory cannot be nil")
	}

	p := &ClientProxy{
		factory:      factory,
		serializer:   serialization.JSONSerializer{},
		deserializer: serialization.JSONDeserializer{},
		logger:       slog.Default(),
		maxPending:   1000,
		connErrs:     make(chan error, 4),
		closed:       make(chan struct{}),
		routing:      NewRoutingTable(),
	}

	for _, opt := range opts {
		opt(p)
	}

	go p.drainConnErrors()

	return p, nil
}

// Connect establishes both broker connections. It is idempotent: while a
// handshake is in flight or already complete, every caller waits on the same
// attempt. ctx bounds only this caller's wait, not the shared handshake.
func (p *ClientProxy) Connect(ctx context.Context) error {
	p.mu.Lock()
	if p.terminated.Load() {
		p.mu.Unlock()
		return contracts.ErrClientClosed
	}
	if p.conn != nil {
		conn := p.conn
		p.mu.Unlock()
		return conn.wait(ctx)
	}
	conn := &connection{done: make(chan struct{})}
	p.conn = conn
	p.mu.Unlock()

	go p.establish(conn)
	return conn.wait(ctx)
}

func (p *ClientProxy) establish(conn *connection) {
	defer close(conn.done)

	retry := NewConnectRetry(p.retryAttempts, p.retryDelay, p.terminated.Load, p.connErrs)
	ctx := context.Background()

	pub, err := p.factory.Dial(ctx, retry)
	if err != nil {
		p.failConnect(conn, err)
		return
	}
	sub, err := p.factory.Dial(ctx, retry)
	if err != nil {
		pub.Close()
		p.failConnect(conn, err)
		return
	}

	p.mu.Lock()
	if p.terminated.Load() {
		p.mu.Unlock()
		pub.Close()
		sub.Close()
		conn.err = contracts.ErrClientClosed
		return
	}
	conn.pub, conn.sub = pub, sub
	p.mu.Unlock()

	// The router is wired exactly once, only after both handles are ready, so
	// no delivery can be dispatched before routing exists.
	go p.consume(sub)
	go p.watch(pub)
	go p.watch(sub)

	p.logger.Info("connected to broker")
}

// failConnect records the error and clears the memoized attempt so a later
// Connect can try again.
func (p *ClientProxy) failConnect(conn *connection, err error) {
	conn.err = err
	p.mu.Lock()
	p.conn = nil
	p.mu.Unlock()
	p.logger.Error("broker connection failed", "error", err)
}

// consume feeds every inbound delivery through the response router until the
// subscribe handle closes its message stream.
func (p *ClientProxy) consume(sub Handle) {
	router := NewResponseRouter(p.routing, p.deserializer, p.logger)
	for msg := range sub.Messages() {
		router.Route(msg)
	}
}

func (p *ClientProxy) watch(h Handle) {
	for err := range h.Errors() {
		p.logger.Error("transport error", "error", err)
	}
}

func (p *ClientProxy) drainConnErrors() {
	for {
		select {
		case err := <-p.connErrs:
			p.logger.Error("broker refused connection", "error", err)
		case <-p.closed:
			return
		}
	}
}

func (p *ClientProxy) handles() (pub, sub Handle, err error) {
	p.mu.Lock()
	conn := p.conn
	p.mu.Unlock()
	if conn == nil {
		return nil, nil, contracts.ErrNotConnected
	}
	select {
	case <-conn.done:
	default:
		return nil, nil, contracts.ErrNotConnected
	}
	if conn.err != nil {
		return nil, nil, conn.err
	}
	return conn.pub, conn.sub, nil
}

// Send dispatches one request and registers handler for its responses. It
// returns a teardown function that unsubscribes the response channel and
// removes the routing entry; the caller must run it once a terminal result
// has arrived or the call is cancelled, and it is safe to run more than once.
// Call-level failures are delivered through handler, never returned.
func (p *ClientProxy) Send(ctx context.Context, packet contracts.ReadPacket, handler ResponseHandler) func() {
	noop := func() {}

	pub, sub, err := p.handles()
	if err != nil {
		handler(contracts.WriteResponse{Err: err, IsDisposed: true})
		return noop
	}
	if p.routing.Len() >= p.maxPending {
		handler(contracts.WriteResponse{Err: contracts.ErrTooManyPendingRequests, IsDisposed: true})
		return noop
	}

	wp := AssignPacketID(packet)
	payload, err := p.serializer.Serialize(wp)
	if err != nil {
		serr := &contracts.SerializationError{Pattern: packet.Pattern, Err: err}
		handler(contracts.WriteResponse{ID: wp.ID, Err: serr, IsDisposed: true})
		return noop
	}

	ackChannel := AckChannel(packet.Pattern)
	resChannel := ResponseChannel(packet.Pattern)

	p.routing.Register(wp.ID, handler)
	var once sync.Once
	teardown := func() {
		once.Do(func() {
			p.routing.Remove(wp.ID)
			if err := sub.Unsubscribe(context.Background(), resChannel); err != nil {
				p.logger.Warn("failed to unsubscribe response channel",
					"channel", resChannel,
					"error", err)
			}
		})
	}

	// Subscribe strictly before publish: the broker has no replay, so a reply
	// published before the subscription exists is lost with no error surfaced.
	if err := sub.Subscribe(ctx, resChannel); err != nil {
		// Nothing is published without a listener for its answer. The routing
		// entry stays registered until the caller runs teardown.
		handler(contracts.WriteResponse{ID: wp.ID, Err: err, IsDisposed: true})
		return teardown
	}
	if err := pub.Publish(ctx, ackChannel, payload); err != nil {
		handler(contracts.WriteResponse{ID: wp.ID, Err: err, IsDisposed: true})
		return teardown
	}
	return teardown
}

// Emit publishes a fire-and-forget event on the pattern's own channel. It
// returns once the transport acknowledges the publish; no correlation id is
// assigned and no routing entry is created.
func (p *ClientProxy) Emit(ctx context.Context, packet contracts.ReadPacket) error {
	pub, _, err := p.handles()
	if err != nil {
		return err
	}
	payload, err := p.serializer.Serialize(EventPacket(packet))
	if err != nil {
		return &contracts.SerializationError{Pattern: packet.Pattern, Err: err}
	}
	return pub.Publish(ctx, NormalizePattern(packet.Pattern), payload)
}

// PendingRequests returns the number of in-flight calls.
func (p *ClientProxy) PendingRequests() int {
	return p.routing.Len()
}

// Close releases both broker connections and marks the client terminated so
// any in-flight retry sequence stops cleanly. Safe when never connected and
// safe to call twice.
func (p *ClientProxy) Close() error {
	p.mu.Lock()
	if p.terminated.Load() {
		p.mu.Unlock()
		return nil
	}
	p.terminated.Store(true)
	conn := p.conn
	p.conn = nil
	p.mu.Unlock()

	close(p.closed)

	if conn == nil {
		return nil
	}
	// Wait out an in-flight handshake. The terminated flag makes it settle
	// quickly: pending dials stop retrying and a dial that already succeeded
	// releases its handles inside establish.
	<-conn.done
	if conn.err != nil {
		return nil
	}

	subErr := conn.sub.Close()
	pubErr := conn.pub.Close()
	if subErr != nil {
		return subErr
	}
	return pubErr
}
