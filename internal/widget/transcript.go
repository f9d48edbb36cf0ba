// ABOUTME: Rendered message list for the embedded client
// ABOUTME: Drops repeats of a message seen by id or idempotency key

package widget

import (
	"sync"

	"github.com/2389/relay-gateway/internal/outbox"
	"github.com/2389/relay-gateway/internal/protocol"
	"github.com/2389/relay-gateway/internal/store"
)

// Transcript is the ordered list of messages shown to the visitor.
type Transcript struct {
	mu       sync.Mutex
	messages []protocol.MessageView
	byID     map[string]int
	byKey    map[string]int
}

// NewTranscript creates an empty transcript.
func NewTranscript() *Transcript {
	return &Transcript{
		byID:  make(map[string]int),
		byKey: make(map[string]int),
	}
}

// PendingView is how an outbox entry renders before the relay has stored it.
func PendingView(e outbox.Entry) protocol.MessageView {
	return protocol.MessageView{
		SenderType:     string(store.SenderVisitor),
		Content:        e.Content,
		CreatedAt:      e.CreatedAt,
		IdempotencyKey: e.IdempotencyKey,
	}
}

// Add appends m unless a message with the same id or idempotency key is
// already present. A repeat fills in the stored id of a pending message.
func (t *Transcript) Add(m protocol.MessageView) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if m.ID != "" {
		if _, ok := t.byID[m.ID]; ok {
			return false
		}
	}
	if m.IdempotencyKey != "" {
		if i, ok := t.byKey[m.IdempotencyKey]; ok {
			t.confirmLocked(i, m.ID, m.ConversationID)
			return false
		}
	}

	i := len(t.messages)
	t.messages = append(t.messages, m)
	if m.ID != "" {
		t.byID[m.ID] = i
	}
	if m.IdempotencyKey != "" {
		t.byKey[m.IdempotencyKey] = i
	}
	return true
}

// Confirm records the stored message id for a pending message.
func (t *Transcript) Confirm(key, messageID, conversationID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i, ok := t.byKey[key]; ok {
		t.confirmLocked(i, messageID, conversationID)
	}
}

func (t *Transcript) confirmLocked(i int, messageID, conversationID string) {
	m := &t.messages[i]
	if m.ID == "" && messageID != "" {
		m.ID = messageID
		t.byID[messageID] = i
	}
	if m.ConversationID == "" {
		m.ConversationID = conversationID
	}
}

// Messages returns a copy of the transcript.
func (t *Transcript) Messages() []protocol.MessageView {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]protocol.MessageView(nil), t.messages...)
}

// Pending counts messages that have no stored id yet.
func (t *Transcript) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, m := range t.messages {
		if m.ID == "" {
			n++
		}
	}
	return n
}
