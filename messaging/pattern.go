package messaging

import "strings"

const (
	ackSuffix      = "_ack"
	responseSuffix = "_res"
)

// NormalizePattern maps a logical route name to the canonical key used for
// channel naming. It is deterministic and idempotent; producer and consumer
// must apply it identically or they will disagree on channel names and every
// call on the route will hang.
func NormalizePattern(pattern string) string {
	return strings.TrimSpace(pattern)
}

// AckChannel derives the channel a serialized request is published to.
func AckChannel(pattern string) string {
	return NormalizePattern(pattern) + ackSuffix
}

// ResponseChannel derives the channel the server publishes the reply to. The
// client must be subscribed to it before anything is published to the ack
// channel: the broker offers no replay, so a response emitted before the
// subscription exists is silently lost.
func ResponseChannel(pattern string) string {
	return NormalizePattern(pattern) + responseSuffix
}
