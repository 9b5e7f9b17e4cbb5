// Package messaging implements the request/response correlation protocol that
// runs synchronous-looking remote calls over a connectionless publish/subscribe
// broker.
//
// The broker offers no native request/response primitive, so the protocol
// builds one from three pieces:
//   - Packet Builder: stamps each outgoing request with a unique correlation id
//   - Channel naming: a route "sum" maps deterministically to the "sum_ack"
//     channel (where the request is published) and the "sum_res" channel
//     (where the client listens for the reply)
//   - RoutingTable: the concurrency-safe map from correlation id to pending
//     handler, the sole arbiter of which call an inbound response belongs to
//
// ClientProxy composes them over two independent broker connections, one for
// publishing and one for subscriptions. For every call the proxy subscribes to
// the response channel strictly before publishing the request: the broker has
// no replay, so a reply emitted before the subscription exists would be lost
// silently. That race window is inherent to fire-and-forget pub/sub delivery
// and is documented rather than papered over.
//
// Transports are injected through the TransportFactory capability, so tests
// substitute instrumented fakes and production code picks a broker binding
// from the transports subpackages.
//
// Example usage:
//
//	proxy, err := messaging.NewClientProxy(factory,
//		messaging.WithRetry(3, 50*time.Millisecond),
//	)
//	if err != nil {
//		return err
//	}
//	if err := proxy.Connect(ctx); err != nil {
//		return err
//	}
//	teardown := proxy.Send(ctx, contracts.ReadPacket{Pattern: "sum", Data: []int{1, 2}},
//		func(resp contracts.WriteResponse) {
//			// handle resp; terminal when resp.Terminal()
//		})
//	defer teardown()
package messaging
