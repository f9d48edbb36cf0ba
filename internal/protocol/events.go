// ABOUTME: Closed sets of inbound and outbound relay events
// ABOUTME: Each event is a struct whose JSON form is the envelope's data payload

package protocol

import (
	"time"

	"github.com/2389/relay-gateway/internal/store"
)

// Inbound is an event sent by a widget or agent client.
// The set is closed: only types in this package implement it.
type Inbound interface {
	Type() string
	inbound()
}

// Outbound is an event sent by the relay to a client.
// The set is closed: only types in this package implement it.
type Outbound interface {
	Type() string
	outbound()
}

// WidgetConnect registers a visitor endpoint.
type WidgetConnect struct {
	OrgID     string `json:"orgId"`
	SessionID string `json:"sessionId"`
	VisitorID string `json:"visitorId,omitempty"`
}

// AgentConnect registers an agent endpoint.
type AgentConnect struct {
	AgentID     string `json:"agentId"`
	OrgID       string `json:"orgId"`
	AccessToken string `json:"accessToken,omitempty"`
}

// MessageSend is a visitor message.
type MessageSend struct {
	Content        string `json:"content"`
	IdempotencyKey string `json:"idempotencyKey"`
	PageURL        string `json:"pageUrl,omitempty"`
}

// AgentReply is an agent message into an existing conversation.
type AgentReply struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// VisitorIdentify attaches a name and/or email to the visitor.
type VisitorIdentify struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// Typing is typing:start (Active) or typing:stop.
type Typing struct {
	ConversationID string `json:"conversationId"`
	Active         bool   `json:"-"`
}

func (*WidgetConnect) Type() string { return TypeWidgetConnect }
func (*AgentConnect) Type() string { return TypeAgentConnect }
func (*MessageSend) Type() string { return TypeMessageSend }
func (*AgentReply) Type() string { return TypeAgentReply }
func (*VisitorIdentify) Type() string { return TypeVisitorIdentify }
func (t *Typing) Type() string { return typingType(t.Active) }

func (*WidgetConnect) inbound() {}
func (*AgentConnect) inbound() {}
func (*MessageSend) inbound() {}
func (*AgentReply) inbound() {}
func (*VisitorIdentify) inbound() {}
func (*Typing) inbound() {}

// WidgetConnected confirms a visitor registration.
type WidgetConnected struct {
	SessionID      string `json:"sessionId"`
	VisitorID      string `json:"visitorId,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
}

// AgentConnected confirms an agent registration.
type AgentConnected struct {
	AgentID      string `json:"agentId"`
	OnlineAgents int    `json:"onlineAgents"`
}

// MessageAck acknowledges a stored message to its sender.
type MessageAck struct {
	IdempotencyKey string `json:"idempotencyKey"`
	MessageID      string `json:"messageId"`
	ConversationID string `json:"conversationId"`
	Duplicate      bool   `json:"duplicate"`
}

// MessageError rejects a send. Retryable tells the client whether resending can succeed.
type MessageError struct {
	IdempotencyKey string `json:"idempotencyKey"`
	Error          string `json:"error"`
	Retryable      bool   `json:"retryable"`
}

// MessageView is the client-facing form of a stored message.
type MessageView struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	SenderType     string    `json:"senderType"`
	SenderID       string    `json:"senderId,omitempty"`
	SenderName     string    `json:"senderName,omitempty"`
	Content        string    `json:"content"`
	CreatedAt      time.Time `json:"createdAt"`
	IdempotencyKey string    `json:"idempotencyKey"`
}

// NewMessageView builds the view of msg, labelled with the sender's display name.
func NewMessageView(msg *store.Message, senderName string) MessageView {
	return MessageView{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		SenderType:     string(msg.SenderKind),
		SenderID:       msg.SenderID,
		SenderName:     senderName,
		Content:        msg.Content,
		CreatedAt:      msg.CreatedAt,
		IdempotencyKey: msg.IdempotencyKey,
	}
}

// MessageNew delivers a message to conversation participants.
type MessageNew struct {
	Message MessageView `json:"message"`
}

// ConversationView is the client-facing form of a conversation.
type ConversationView struct {
	ID        string    `json:"id"`
	VisitorID string    `json:"visitorId"`
	Status    string    `json:"status"`
	PageURL   string    `json:"pageUrl,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewConversationView builds the view of conv.
func NewConversationView(conv *store.Conversation) ConversationView {
	return ConversationView{
		ID:        conv.ID,
		VisitorID: conv.VisitorID,
		Status:    string(conv.Status),
		PageURL:   conv.PageURL,
		CreatedAt: conv.CreatedAt,
	}
}

// ConversationNew announces a newly created conversation to agents.
type ConversationNew struct {
	Conversation ConversationView `json:"conversation"`
}

// LastMessage summarizes the most recent message in a conversation.
type LastMessage struct {
	Content    string    `json:"content"`
	SenderType string    `json:"senderType"`
	CreatedAt  time.Time `json:"createdAt"`
}

// ConversationUpdated tells agents a conversation has new activity.
type ConversationUpdated struct {
	ConversationID string       `json:"conversationId"`
	VisitorID      string       `json:"visitorId,omitempty"`
	LastMessage    *LastMessage `json:"lastMessage,omitempty"`
	UpdatedAt      time.Time    `json:"updatedAt"`
}

// NewConversationUpdated builds the update for conv with msg as its latest message (msg may be nil).
func NewConversationUpdated(conv *store.Conversation, msg *store.Message) ConversationUpdated {
	ev := ConversationUpdated{
		ConversationID: conv.ID,
		VisitorID:      conv.VisitorID,
		UpdatedAt:      conv.UpdatedAt,
	}
	if msg != nil {
		ev.LastMessage = &LastMessage{
			Content:    msg.Content,
			SenderType: string(msg.SenderKind),
			CreatedAt:  msg.CreatedAt,
		}
		if msg.CreatedAt.After(ev.UpdatedAt) {
			ev.UpdatedAt = msg.CreatedAt
		}
	}
	return ev
}

// TypingNotice relays a typing indicator.
type TypingNotice struct {
	ConversationID string `json:"conversationId"`
	SenderType     string `json:"senderType"`
	Active         bool   `json:"-"`
}

// Error reports a connection-level failure (registration, malformed frame).
type Error struct {
	Message string `json:"message"`
}

func (*WidgetConnected) Type() string { return TypeWidgetConnected }
func (*AgentConnected) Type() string { return TypeAgentConnected }
func (*MessageAck) Type() string { return TypeMessageAck }
func (*MessageError) Type() string { return TypeMessageError }
func (*MessageNew) Type() string { return TypeMessageNew }
func (*ConversationNew) Type() string { return TypeConversationNew }
func (*ConversationUpdated) Type() string { return TypeConversationUpdated }
func (t *TypingNotice) Type() string { return typingType(t.Active) }
func (*Error) Type() string { return TypeError }

func (*WidgetConnected) outbound() {}
func (*AgentConnected) outbound() {}
func (*MessageAck) outbound() {}
func (*MessageError) outbound() {}
func (*MessageNew) outbound() {}
func (*ConversationNew) outbound() {}
func (*ConversationUpdated) outbound() {}
func (*TypingNotice) outbound() {}
func (*Error) outbound() {}

func typingType(active bool) string {
	if active {
		return TypeTypingStart
	}
	return TypeTypingStop
}
