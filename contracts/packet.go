package contracts

// ReadPacket describes an outbound call: a logical route name and the payload
// to deliver to whoever answers on that route. It is constructed by the caller
// and never mutated by the client.
type ReadPacket struct {
	Pattern string      `json:"pattern"`
	Data    interface{} `json:"data"`
}

// WritePacket is the outbound wire form of a call. ID carries the correlation
// identifier and is set only for requests that expect a response; events are
// sent without one. A WritePacket is produced once per send and never mutated
// after serialization.
type WritePacket struct {
	ID      string      `json:"id,omitempty"`
	Pattern string      `json:"pattern"`
	Data    interface{} `json:"data"`
}

// WriteResponse is the inbound wire form of a reply. IsDisposed marks the
// terminal message of a potentially multi-message response stream; a response
// carrying Err is always terminal regardless of IsDisposed. Err is kept opaque
// because the wire form places no constraint on its shape.
type WriteResponse struct {
	ID         string      `json:"id"`
	Err        interface{} `json:"err,omitempty"`
	Response   interface{} `json:"response,omitempty"`
	IsDisposed bool        `json:"isDisposed,omitempty"`
}

// Terminal reports whether this response closes the call it belongs to.
func (r WriteResponse) Terminal() bool {
	return r.IsDisposed || r.Err != nil
}
