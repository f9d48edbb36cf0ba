// Package presence routes stored messages to their recipients.
//
// Every message reaching the Router has already been persisted. For agent
// replies the Router broadcasts through the fan-out bus and then asks the
// registry whether the visitor has a live endpoint on this instance:
//
//	Stored -> LiveDelivered
//	       -> FallbackQueued   (offline, has email, plan allows email)
//	       -> FallbackSkipped  (offline, otherwise)
//
// Fallback notices are dispatched in their own goroutine under a bounded
// timeout. A dispatch failure is logged and never reaches the sender, whose
// message is already stored and acknowledged. Wait drains in-flight
// dispatches during shutdown.
//
// Reachability is "was live on this instance at dispatch time". A visitor
// connected only to another instance is treated as offline.
package presence
