// Package relay implements the websocket protocol for one gateway instance.
//
// The transport calls Connect when a socket opens, Handle for every frame it
// reads, and Disconnect when the socket closes. Handle decodes the frame into
// a protocol.Inbound event and dispatches on its concrete type.
//
// # Sending
//
// message:send and agent:reply flow through conversation.Service.Send. The
// sender always receives exactly one answer:
//
//   - message:ack, with duplicate=true when the idempotency key was seen before
//   - message:error, with retryable=true only for transient storage failures
//     and rate limiting
//
// Only a newly stored message is handed to the presence router for fan-out,
// so a retried send never reaches recipients twice.
//
// # Agents
//
// After agent:connected the agent is sent conversation:updated for the
// organization's most recently active open conversations. Messages that
// arrived while no agent was connected surface this way.
//
// Each endpoint's send events are rate limited with a token bucket.
package relay
