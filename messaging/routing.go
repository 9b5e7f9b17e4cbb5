package messaging

import (
	"sync"

	"github.com/zailic/nest/contracts"
)

// ResponseHandler receives deliveries for one in-flight call. A terminal
// delivery (Err set or IsDisposed true) is the last one the handler will see.
type ResponseHandler func(resp contracts.WriteResponse)

// RoutingTable maps in-flight correlation ids to their pending response
// handlers. It is the sole arbiter of which call an inbound response belongs
// to, and is accessed concurrently by callers issuing sends and by the router
// goroutine delivering responses. An id is present exactly while its request
// has been sent and has not yet been completed or cancelled.
type RoutingTable struct {
	mu       sync.RWMutex
	handlers map[string]ResponseHandler
}

// NewRoutingTable creates an empty routing table.
func NewRoutingTable() *RoutingTable {
	return &RoutingTable{
		handlers: make(map[string]ResponseHandler),
	}
}

// Register records the handler for a correlation id.
func (t *RoutingTable) Register(id string, handler ResponseHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[id] = handler
}

// Lookup returns the handler registered for id. Absence is not an error: the
// response may belong to a cancelled call, or to an id this client never
// issued, and the router drops it silently.
func (t *RoutingTable) Lookup(id string) (ResponseHandler, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	handler, ok := t.handlers[id]
	return handler, ok
}

// Remove deletes the entry for id. Removing an absent id is a no-op.
func (t *RoutingTable) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.handlers, id)
}

// Len returns the number of in-flight calls.
func (t *RoutingTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.handlers)
}
