package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/zailic/nest/contracts"
)

// opLog records transport operations across both fake handles so tests can
// assert ordering between subscribes and publishes.
type opLog struct {
	mu  sync.Mutex
	ops []string
}

func (l *opLog) add(op string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ops = append(l.ops, op)
}

func (l *opLog) snapshot() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.ops...)
}

type fakeFactory struct {
	log       *opLog
	dialDelay time.Duration

	mu      sync.Mutex
	dials   int
	dialErr error
	handles []*fakeHandle
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{log: &opLog{}}
}

func (f *fakeFactory) Dial(ctx context.Context, retry RetryStrategy) (Handle, error) {
	if f.dialDelay > 0 {
		time.Sleep(f.dialDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials++
	if f.dialErr != nil {
		return nil, f.dialErr
	}
	h := newFakeHandle(f.log)
	f.handles = append(f.handles, h)
	return h, nil
}

func (f *fakeFactory) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

func (f *fakeFactory) setDialErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dialErr = err
}

// pub returns the first dialed handle, sub the second, matching the order the
// proxy dials them in.
func (f *fakeFactory) pub() *fakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handles[0]
}

func (f *fakeFactory) sub() *fakeHandle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handles[1]
}

type fakeHandle struct {
	log      *opLog
	messages chan InboundMessage
	errs     chan error

	mu           sync.Mutex
	published    map[string][][]byte
	subscribed   map[string]bool
	subscribeErr error
	publishErr   error
	closed       bool

	closeOnce sync.Once
}

func newFakeHandle(log *opLog) *fakeHandle {
	return &fakeHandle{
		log:        log,
		messages:   make(chan InboundMessage, 16),
		errs:       make(chan error, 1),
		published:  make(map[string][][]byte),
		subscribed: make(map[string]bool),
	}
}

func (h *fakeHandle) Publish(ctx context.Context, channel string, payload []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.publishErr != nil {
		return h.publishErr
	}
	h.log.add("publish " + channel)
	h.published[channel] = append(h.published[channel], payload)
	return nil
}

func (h *fakeHandle) Subscribe(ctx context.Context, channels ...string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subscribeErr != nil {
		return h.subscribeErr
	}
	for _, channel := range channels {
		h.log.add("subscribe " + channel)
		h.subscribed[channel] = true
	}
	return nil
}

func (h *fakeHandle) Unsubscribe(ctx context.Context, channels ...string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, channel := range channels {
		h.log.add("unsubscribe " + channel)
		delete(h.subscribed, channel)
	}
	return nil
}

func (h *fakeHandle) Messages() <-chan InboundMessage { return h.messages }
func (h *fakeHandle) Errors() <-chan error            { return h.errs }

func (h *fakeHandle) Close() error {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.closed = true
		h.mu.Unlock()
		close(h.messages)
		close(h.errs)
	})
	return nil
}

func (h *fakeHandle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

func (h *fakeHandle) isSubscribed(channel string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.subscribed[channel]
}

func (h *fakeHandle) publishedOn(channel string) [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([][]byte(nil), h.published[channel]...)
}

// deliver injects a serialized response on the handle's message stream.
func (h *fakeHandle) deliver(t *testing.T, channel string, resp contracts.WriteResponse) {
	t.Helper()
	payload, err := json.Marshal(resp)
	assert.NoError(t, err)
	h.messages <- InboundMessage{Channel: channel, Payload: payload}
}

// sentPacket decodes the last packet published on channel.
func (h *fakeHandle) sentPacket(t *testing.T, channel string) contracts.WritePacket {
	t.Helper()
	payloads := h.publishedOn(channel)
	if len(payloads) == 0 {
		t.Fatalf("nothing published on %s", channel)
	}
	var wp contracts.WritePacket
	assert.NoError(t, json.Unmarshal(payloads[len(payloads)-1], &wp))
	return wp
}

func newConnectedProxy(t *testing.T, factory *fakeFactory, opts ...ProxyOption) *ClientProxy {
	t.Helper()
	proxy, err := NewClientProxy(factory, opts...)
	assert.NoError(t, err)
	assert.NoError(t, proxy.Connect(context.Background()))
	return proxy
}

func waitResponse(t *testing.T, responses <-chan contracts.WriteResponse) contracts.WriteResponse {
	t.Helper()
	select {
	case resp := <-responses:
		return resp
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a response delivery")
		return contracts.WriteResponse{}
	}
}

func assertNoResponse(t *testing.T, responses <-chan contracts.WriteResponse) {
	t.Helper()
	select {
	case resp := <-responses:
		t.Fatalf("unexpected delivery: %+v", resp)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClientProxyConnect(t *testing.T) {
	t.Run("rejects a nil factory", func(t *testing.T) {
		proxy, err := NewClientProxy(nil)
		assert.Error(t, err)
		assert.Nil(t, proxy)
	})

	t.Run("concurrent callers converge on one handshake", func(t *testing.T) {
		factory := newFakeFactory()
		factory.dialDelay = 20 * time.Millisecond
		proxy, err := NewClientProxy(factory)
		assert.NoError(t, err)
		defer proxy.Close()

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				assert.NoError(t, proxy.Connect(context.Background()))
			}()
		}
		wg.Wait()

		assert.Equal(t, 2, factory.dialCount(), "one outbound and one inbound handle")
	})

	t.Run("is idempotent once connected", func(t *testing.T) {
		factory := newFakeFactory()
		proxy := newConnectedProxy(t, factory)
		defer proxy.Close()

		assert.NoError(t, proxy.Connect(context.Background()))
		assert.Equal(t, 2, factory.dialCount())
	})

	t.Run("a failed handshake can be retried later", func(t *testing.T) {
		factory := newFakeFactory()
		factory.setDialErr(errors.New("broker down"))
		proxy, err := NewClientProxy(factory)
		assert.NoError(t, err)
		defer proxy.Close()

		assert.Error(t, proxy.Connect(context.Background()))

		factory.setDialErr(nil)
		assert.NoError(t, proxy.Connect(context.Background()))
	})

	t.Run("caller context bounds only its own wait", func(t *testing.T) {
		factory := newFakeFactory()
		factory.dialDelay = 100 * time.Millisecond
		proxy, err := NewClientProxy(factory)
		assert.NoError(t, err)
		defer proxy.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, proxy.Connect(ctx), context.DeadlineExceeded)

		// The shared handshake keeps going and later callers see its result.
		assert.NoError(t, proxy.Connect(context.Background()))
	})
}

func TestClientProxySend(t *testing.T) {
	t.Run("subscribes to the response channel before publishing", func(t *testing.T) {
		factory := newFakeFactory()
		proxy := newConnectedProxy(t, factory)
		defer proxy.Close()

		teardown := proxy.Send(context.Background(), contracts.ReadPacket{Pattern: "sum", Data: []int{1, 2}},
			func(contracts.WriteResponse) {})
		defer teardown()

		ops := factory.log.snapshot()
		assert.Equal(t, []string{"subscribe sum_res", "publish sum_ack"}, ops)
	})

	t.Run("delivers a terminal response to the registered handler", func(t *testing.T) {
		factory := newFakeFactory()
		proxy := newConnectedProxy(t, factory)
		defer proxy.Close()

		responses := make(chan contracts.WriteResponse, 4)
		teardown := proxy.Send(context.Background(), contracts.ReadPacket{Pattern: "sum", Data: []int{1, 2}},
			func(resp contracts.WriteResponse) { responses <- resp })

		sent := factory.pub().sentPacket(t, "sum_ack")
		assert.NotEmpty(t, sent.ID)
		assert.Equal(t, 1, proxy.PendingRequests())

		factory.sub().deliver(t, "sum_res", contracts.WriteResponse{ID: sent.ID, Response: 3.0, IsDisposed: true})

		resp := waitResponse(t, responses)
		assert.Nil(t, resp.Err)
		assert.Equal(t, 3.0, resp.Response)
		assert.True(t, resp.IsDisposed)

		teardown()
		assert.Equal(t, 0, proxy.PendingRequests())
		assert.False(t, factory.sub().isSubscribed("sum_res"))
	})

	t.Run("an error response is delivered as terminal", func(t *testing.T) {
		factory := newFakeFactory()
		proxy := newConnectedProxy(t, factory)
		defer proxy.Close()

		responses := make(chan contracts.WriteResponse, 4)
		teardown := proxy.Send(context.Background(), contracts.ReadPacket{Pattern: "sum"},
			func(resp contracts.WriteResponse) { responses <- resp })
		defer teardown()

		sent := factory.pub().sentPacket(t, "sum_ack")
		factory.sub().deliver(t, "sum_res", contracts.WriteResponse{ID: sent.ID, Err: "boom"})

		resp := waitResponse(t, responses)
		assert.Equal(t, "boom", resp.Err)
		assert.True(t, resp.IsDisposed)
	})

	t.Run("a non-terminal response keeps the call pending", func(t *testing.T) {
		factory := newFakeFactory()
		proxy := newConnectedProxy(t, factory)
		defer proxy.Close()

		responses := make(chan contracts.WriteResponse, 4)
		teardown := proxy.Send(context.Background(), contracts.ReadPacket{Pattern: "sum"},
			func(resp contracts.WriteResponse) { responses <- resp })
		defer teardown()

		sent := factory.pub().sentPacket(t, "sum_ack")
		factory.sub().deliver(t, "sum_res", contracts.WriteResponse{ID: sent.ID, Response: "partial"})

		resp := waitResponse(t, responses)
		assert.False(t, resp.IsDisposed)
		assert.Equal(t, 1, proxy.PendingRequests(), "entry stays registered for more messages")
	})

	t.Run("teardown suppresses responses arriving afterwards", func(t *testing.T) {
		factory := newFakeFactory()
		proxy := newConnectedProxy(t, factory)
		defer proxy.Close()

		responses := make(chan contracts.WriteResponse, 4)
		teardown := proxy.Send(context.Background(), contracts.ReadPacket{Pattern: "sum"},
			func(resp contracts.WriteResponse) { responses <- resp })

		sent := factory.pub().sentPacket(t, "sum_ack")
		teardown()
		assert.Equal(t, 0, proxy.PendingRequests())

		factory.sub().deliver(t, "sum_res", contracts.WriteResponse{ID: sent.ID, Response: 3.0, IsDisposed: true})
		assertNoResponse(t, responses)
	})

	t.Run("teardown is idempotent", func(t *testing.T) {
		factory := newFakeFactory()
		proxy := newConnectedProxy(t, factory)
		defer proxy.Close()

		teardown := proxy.Send(context.Background(), contracts.ReadPacket{Pattern: "sum"},
			func(contracts.WriteResponse) {})

		teardown()
		assert.NotPanics(t, teardown)
	})

	t.Run("a subscribe failure publishes nothing and keeps the entry until teardown", func(t *testing.T) {
		factory := newFakeFactory()
		proxy := newConnectedProxy(t, factory)
		defer proxy.Close()

		subErr := errors.New("subscribe refused")
		factory.sub().mu.Lock()
		factory.sub().subscribeErr = subErr
		factory.sub().mu.Unlock()

		responses := make(chan contracts.WriteResponse, 4)
		teardown := proxy.Send(context.Background(), contracts.ReadPacket{Pattern: "sum"},
			func(resp contracts.WriteResponse) { responses <- resp })

		resp := waitResponse(t, responses)
		assert.Equal(t, subErr, resp.Err)
		assert.True(t, resp.IsDisposed)
		assert.Empty(t, factory.pub().publishedOn("sum_ack"))
		assert.Equal(t, 1, proxy.PendingRequests())

		teardown()
		assert.Equal(t, 0, proxy.PendingRequests())
	})

	t.Run("a publish failure is reported through the handler", func(t *testing.T) {
		factory := newFakeFactory()
		proxy := newConnectedProxy(t, factory)
		defer proxy.Close()

		pubErr := errors.New("publish refused")
		factory.pub().mu.Lock()
		factory.pub().publishErr = pubErr
		factory.pub().mu.Unlock()

		responses := make(chan contracts.WriteResponse, 4)
		teardown := proxy.Send(context.Background(), contracts.ReadPacket{Pattern: "sum"},
			func(resp contracts.WriteResponse) { responses <- resp })
		defer teardown()

		resp := waitResponse(t, responses)
		assert.Equal(t, pubErr, resp.Err)
	})

	t.Run("a serialization failure is reported synchronously with no network action", func(t *testing.T) {
		factory := newFakeFactory()
		proxy := newConnectedProxy(t, factory)
		defer proxy.Close()

		var resp contracts.WriteResponse
		proxy.Send(context.Background(), contracts.ReadPacket{Pattern: "sum", Data: make(chan int)},
			func(r contracts.WriteResponse) { resp = r })

		var serr *contracts.SerializationError
		assert.True(t, errors.As(resp.Err.(error), &serr))
		assert.True(t, resp.IsDisposed)
		assert.Empty(t, factory.log.snapshot())
		assert.Equal(t, 0, proxy.PendingRequests())
	})

	t.Run("sending before connect reports not connected", func(t *testing.T) {
		proxy, err := NewClientProxy(newFakeFactory())
		assert.NoError(t, err)
		defer proxy.Close()

		var resp contracts.WriteResponse
		proxy.Send(context.Background(), contracts.ReadPacket{Pattern: "sum"},
			func(r contracts.WriteResponse) { resp = r })

		assert.ErrorIs(t, resp.Err.(error), contracts.ErrNotConnected)
	})

	t.Run("rejects new calls past the pending cap", func(t *testing.T) {
		factory := newFakeFactory()
		proxy := newConnectedProxy(t, factory, WithMaxPendingRequests(1))
		defer proxy.Close()

		teardown := proxy.Send(context.Background(), contracts.ReadPacket{Pattern: "sum"},
			func(contracts.WriteResponse) {})
		defer teardown()

		var resp contracts.WriteResponse
		proxy.Send(context.Background(), contracts.ReadPacket{Pattern: "sum"},
			func(r contracts.WriteResponse) { resp = r })

		assert.ErrorIs(t, resp.Err.(error), contracts.ErrTooManyPendingRequests)
	})
}

func TestClientProxyEmit(t *testing.T) {
	t.Run("publishes on the pattern channel with no correlation id", func(t *testing.T) {
		factory := newFakeFactory()
		proxy := newConnectedProxy(t, factory)
		defer proxy.Close()

		err := proxy.Emit(context.Background(), contracts.ReadPacket{Pattern: "deploy", Data: "v2"})

		assert.NoError(t, err)
		sent := factory.pub().sentPacket(t, "deploy")
		assert.Empty(t, sent.ID)
		assert.Equal(t, "v2", sent.Data)
		assert.Equal(t, 0, proxy.PendingRequests())
	})

	t.Run("propagates the transport acknowledgment error", func(t *testing.T) {
		factory := newFakeFactory()
		proxy := newConnectedProxy(t, factory)
		defer proxy.Close()

		pubErr := errors.New("publish refused")
		factory.pub().mu.Lock()
		factory.pub().publishErr = pubErr
		factory.pub().mu.Unlock()

		err := proxy.Emit(context.Background(), contracts.ReadPacket{Pattern: "deploy"})
		assert.Equal(t, pubErr, err)
	})

	t.Run("fails before connect", func(t *testing.T) {
		proxy, err := NewClientProxy(newFakeFactory())
		assert.NoError(t, err)
		defer proxy.Close()

		assert.ErrorIs(t, proxy.Emit(context.Background(), contracts.ReadPacket{Pattern: "deploy"}), contracts.ErrNotConnected)
	})
}

func TestClientProxyClose(t *testing.T) {
	t.Run("is safe when never connected and idempotent", func(t *testing.T) {
		proxy, err := NewClientProxy(newFakeFactory())
		assert.NoError(t, err)

		assert.NoError(t, proxy.Close())
		assert.NoError(t, proxy.Close())
	})

	t.Run("releases both handles", func(t *testing.T) {
		factory := newFakeFactory()
		proxy := newConnectedProxy(t, factory)

		assert.NoError(t, proxy.Close())

		assert.True(t, factory.pub().isClosed())
		assert.True(t, factory.sub().isClosed())
	})

	t.Run("close during a handshake still releases the handles", func(t *testing.T) {
		factory := newFakeFactory()
		factory.dialDelay = 30 * time.Millisecond
		proxy, err := NewClientProxy(factory)
		assert.NoError(t, err)

		connected := make(chan error, 1)
		go func() { connected <- proxy.Connect(context.Background()) }()

		// Let the handshake get past the first dial before closing.
		time.Sleep(10 * time.Millisecond)
		assert.NoError(t, proxy.Close())

		assert.ErrorIs(t, <-connected, contracts.ErrClientClosed)
		assert.True(t, factory.pub().isClosed())
		assert.True(t, factory.sub().isClosed())
	})

	t.Run("connect after close reports the client closed", func(t *testing.T) {
		proxy, err := NewClientProxy(newFakeFactory())
		assert.NoError(t, err)

		assert.NoError(t, proxy.Close())
		assert.ErrorIs(t, proxy.Connect(context.Background()), contracts.ErrClientClosed)
	})
}
