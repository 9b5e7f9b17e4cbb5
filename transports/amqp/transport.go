// Package amqp binds the correlation protocol to an AMQP broker. Channel
// names map to fanout exchanges; each subscription consumes from its own
// exclusive auto-delete queue bound to the exchange, giving the same
// fire-and-forget fan-out semantics as a pub/sub broker.
package amqp

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/zailic/nest/contracts"
	"github.com/zailic/nest/internal/reliability"
	"github.com/zailic/nest/messaging"
)

const exchangePrefix = "nest.ps."

// brokerChannel is the slice of amqp.Channel the handle uses. *amqp.Channel
// satisfies it directly.
type brokerChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// brokerConnection is the slice of amqp.Connection the handle uses.
type brokerConnection interface {
	Channel() (brokerChannel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

// amqpConn adapts *amqp.Connection to brokerConnection.
type amqpConn struct {
	conn *amqp.Connection
}

func (c amqpConn) Channel() (brokerChannel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (c amqpConn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	return c.conn.NotifyClose(receiver)
}

func (c amqpConn) Close() error {
	return c.conn.Close()
}

// Factory dials AMQP connections for the client.
type Factory struct {
	url    string
	logger *slog.Logger
	dial   func() (brokerConnection, error)
}

// FactoryOption configures the Factory
type FactoryOption func(*Factory)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) FactoryOption {
	return func(f *Factory) {
		f.logger = logger
	}
}

// NewFactory prepares a factory for an amqp:// URL.
func NewFactory(url string, options ...FactoryOption) *Factory {
	f := &Factory{
		url:    url,
		logger: slog.Default(),
	}
	f.dial = f.dialBroker
	for _, opt := range options {
		opt(f)
	}
	return f
}

func (f *Factory) dialBroker() (brokerConnection, error) {
	conn, err := amqp.Dial(f.url)
	if err != nil {
		return nil, err
	}
	return amqpConn{conn: conn}, nil
}

// Dial implements messaging.TransportFactory. A failed dial sequence is
// reported as a ConnectionError carrying the attempt count and the sanitized
// broker URL.
func (f *Factory) Dial(ctx context.Context, retry messaging.RetryStrategy) (messaging.Handle, error) {
	var conn brokerConnection
	attempts := 0
	err := reliability.Execute(ctx, retry, func(ctx context.Context) error {
		attempts++
		c, err := f.dial()
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

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	f.logger.Debug("connected to amqp broker", "url", contracts.SanitizeURL(f.url))
	h := newHandle(conn, ch, f.logger)
	h.wg.Add(1)
	go h.watchClose()
	return h, nil
}

type handle struct {
	conn     brokerConnection
	logger   *slog.Logger
	messages chan messaging.InboundMessage
	errs     chan error
	closed   chan struct{}

	mu        sync.Mutex // guards ch, subs, exchanges
	ch        brokerChannel
	subs      map[string]brokerChannel
	exchanges map[string]bool

	wg        sync.WaitGroup
	closeOnce sync.Once
}

func newHandle(conn brokerConnection, ch brokerChannel, logger *slog.Logger) *handle {
	return &handle{
		conn:      conn,
		logger:    logger,
		messages:  make(chan messaging.InboundMessage, 64),
		errs:      make(chan error, 1),
		closed:    make(chan struct{}),
		ch:        ch,
		subs:      make(map[string]brokerChannel),
		exchanges: make(map[string]bool),
	}
}

// declareExchange declares the fanout exchange for a channel name once per
// handle. Callers must hold h.mu.
func (h *handle) declareExchange(name string) error {
	if h.exchanges[name] {
		return nil
	}
	err := h.ch.ExchangeDeclare(
		name,
		"fanout",
		false, // durable
		true,  // auto-delete
		false, // internal
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", name, err)
	}
	h.exchanges[name] = true
	return nil
}

// Publish implements messaging.Handle
func (h *handle) Publish(ctx context.Context, channel string, payload []byte) error {
	exchange := exchangePrefix + channel

	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.declareExchange(exchange); err != nil {
		return err
	}
	return h.ch.PublishWithContext(ctx, exchange, "", false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        payload,
	})
}

// Subscribe implements messaging.Handle. Each channel gets a dedicated AMQP
// channel with an exclusive auto-delete queue, so Unsubscribe can tear one
// down without touching the others.
func (h *handle) Subscribe(ctx context.Context, channels ...string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, channel := range channels {
		if _, ok := h.subs[channel]; ok {
			continue
		}

		exchange := exchangePrefix + channel
		if err := h.declareExchange(exchange); err != nil {
			return err
		}

		subCh, err := h.conn.Channel()
		if err != nil {
			return fmt.Errorf("failed to open channel for %s: %w", channel, err)
		}
		queue, err := subCh.QueueDeclare(
			"",    // server-named
			false, // durable
			true,  // auto-delete
			true,  // exclusive
			false, // no-wait
			nil,   // arguments
		)
		if err != nil {
			subCh.Close()
			return fmt.Errorf("failed to declare queue for %s: %w", channel, err)
		}
		if err := subCh.QueueBind(queue.Name, "", exchange, false, nil); err != nil {
			subCh.Close()
			return fmt.Errorf("failed to bind queue for %s: %w", channel, err)
		}
		deliveries, err := subCh.Consume(
			queue.Name,
			"",    // consumer tag
			true,  // auto-ack
			true,  // exclusive
			false, // no-local
			false, // no-wait
			nil,   // args
		)
		if err != nil {
			subCh.Close()
			return fmt.Errorf("failed to consume %s: %w", channel, err)
		}

		h.subs[channel] = subCh
		h.wg.Add(1)
		go h.pump(channel, deliveries)
	}
	return nil
}

func (h *handle) pump(channel string, deliveries <-chan amqp.Delivery) {
	defer h.wg.Done()
	for d := range deliveries {
		select {
		case h.messages <- messaging.InboundMessage{Channel: channel, Payload: d.Body}:
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
		subCh, ok := h.subs[channel]
		if !ok {
			continue
		}
		delete(h.subs, channel)
		// Closing the AMQP channel ends its delivery stream and the pump.
		if err := subCh.Close(); err != nil {
			h.logger.Warn("failed to close subscription channel",
				"channel", channel,
				"error", err)
		}
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

// watchClose surfaces an unexpected connection loss on the error stream.
func (h *handle) watchClose() {
	defer h.wg.Done()
	closeCh := h.conn.NotifyClose(make(chan *amqp.Error, 1))
	err, ok := <-closeCh
	if !ok || err == nil {
		return
	}
	select {
	case h.errs <- err:
	case <-h.closed:
	}
}

// Close implements messaging.Handle
func (h *handle) Close() error {
	var err error
	h.closeOnce.Do(func() {
		close(h.closed)

		h.mu.Lock()
		h.subs = make(map[string]brokerChannel)
		h.mu.Unlock()

		// Closing the connection closes every channel and delivery stream.
		err = h.conn.Close()

		h.wg.Wait()
		close(h.messages)
		close(h.errs)
	})
	return err
}
