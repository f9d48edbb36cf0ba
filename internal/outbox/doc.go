// Package outbox keeps a visitor's outgoing messages until the relay has
// stored them.
//
// Submit writes the entry to disk before anything goes on the wire. Every
// reconnect replays all remaining entries, oldest first, with their original
// idempotency keys, so the relay stores each message once no matter how many
// times it is sent. Only a message:ack for the key removes an entry; a
// message:error leaves it in place with LastError set, and Retry resends it
// on the live connection.
package outbox
