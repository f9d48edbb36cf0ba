// Package fanout broadcasts outbound events to registry groups across relay
// instances.
//
// Emit encodes the event once, writes it to every local member of the union
// of groups (skipping the originating endpoint), then publishes a wire
// envelope on "<prefix><first group>":
//
//	{"id": "...", "origin": "<instance>", "groups": [...], "except": "...", "event": {...}}
//
// Run pattern-subscribes to "<prefix>*" and replays envelopes from other
// instances to local members. Envelopes carrying this instance's origin, or
// an ID already seen, are dropped.
//
// The broker is optional. When Redis is unreachable at startup the gateway
// builds the bus with a nil broker and delivery is local-only; a publish
// failure at runtime is logged and never fails the send that caused it.
package fanout
