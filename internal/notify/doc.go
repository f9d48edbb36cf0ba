// Package notify delivers out-of-band notices to visitors who were not
// connected when an agent replied.
//
// Dispatcher is the only contract the rest of the gateway depends on.
// ResendDispatcher posts email through the Resend HTTP API; NoopDispatcher
// logs and discards, and is used when no provider is configured.
//
// Previews are limited to PreviewLimit characters and rendered as markdown
// into the HTML body with goldmark.
package notify
