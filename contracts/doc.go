// Package contracts defines the wire-level packet shapes and error kinds
// shared by the client, the protocol core and the transport bindings:
//   - ReadPacket: a logical outbound call description
//   - WritePacket: the outbound wire form, correlation id included for requests
//   - WriteResponse: the inbound wire form, with terminal-delivery marking
//
// The shapes are kept compatible with the JSON envelopes used by NestJS-style
// microservice brokers.
package contracts
