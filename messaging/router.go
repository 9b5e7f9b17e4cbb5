package messaging

import (
	"log/slog"

	"github.com/zailic/nest/serialization"
)

// ResponseRouter consumes raw inbound buffers, deserializes them and delivers
// them to the pending call they correlate with.
type ResponseRouter struct {
	routing      *RoutingTable
	deserializer serialization.Deserializer
	logger       *slog.Logger
}

// NewResponseRouter creates a router over the given routing table.
func NewResponseRouter(routing *RoutingTable, deserializer serialization.Deserializer, logger *slog.Logger) *ResponseRouter {
	if logger == nil {
		logger = slog.Default()
	}
	return &ResponseRouter{
		routing:      routing,
		deserializer: deserializer,
		logger:       logger,
	}
}

// Route dispatches one inbound message. A buffer that does not deserialize,
// or whose id has no pending call, is dropped: it may legitimately be the
// response to a call that was already cancelled. An error in the response
// always closes the call, whether or not the server marked it disposed.
func (r *ResponseRouter) Route(msg InboundMessage) {
	resp, err := r.deserializer.Deserialize(msg.Payload)
	if err != nil {
		r.logger.Warn("dropping undecodable response",
			"channel", msg.Channel,
			"error", err)
		return
	}

	handler, ok := r.routing.Lookup(resp.ID)
	if !ok {
		r.logger.Debug("dropping unroutable response",
			"channel", msg.Channel,
			"id", resp.ID)
		return
	}

	if resp.Err != nil {
		resp.IsDisposed = true
	}
	handler(resp)
}
