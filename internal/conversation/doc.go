// Package conversation is the idempotent send service.
//
// # Overview
//
// Every message, from a visitor or an agent, is persisted through
// Service.Send. The idempotency key is the only cross-instance
// synchronization primitive: the store's UNIQUE index decides which of
// several concurrent sends with one key wins, and every loser re-fetches the
// winner's row.
//
//	msg, isNew, err := svc.Send(ctx, conversation.SendRequest{...})
//
// isNew=false means the key was seen before. Callers acknowledge the sender
// again but must not re-broadcast.
//
// # Conversations
//
// EnsureConversation returns a visitor's open conversation, creating one on
// first message. The store allows one open conversation per visitor, so a
// concurrent create resolves to the existing row the same way a duplicate
// message does. Creation is subject to the organization's monthly plan limit.
//
// # Errors
//
//   - ErrEmptyContent: rejected before any store access
//   - ErrUnknownConversation: permanent, nothing is stored or broadcast
//   - ErrStorageUnavailable: transient, Retryable reports true
//   - plan.ErrLimitExceeded: permanent until the next billing period
//
// A failure to bump the conversation's updated_at after a successful insert
// is logged and does not fail the send.
package conversation
