// Package widget is the visitor side of the relay: a websocket client that
// keeps one session open, reconnecting with capped exponential backoff and
// jitter, and feeds relay events into an outbox.Outbox and a Transcript.
//
// Messages are written to the outbox before they reach the wire and are
// replayed on every widget:connected until a message:ack arrives for their
// key. A retryable message:error schedules a resend of that key with its own
// backoff while the session stays open. The Transcript renders each message once even when it is seen again
// from another tab or after a resend.
package widget
