// ABOUTME: Store interface and data types for relay-gateway persistence
// ABOUTME: Defines Organization, Agent, Visitor, Conversation, Message and the Store contract

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateMessage is returned when a message with the same idempotency key already exists
var ErrDuplicateMessage = errors.New("message already exists")

// ErrDuplicateConversation is returned when a visitor already has an open conversation
var ErrDuplicateConversation = errors.New("open conversation already exists")

// ErrDuplicateAgent is returned when an agent id is already taken
var ErrDuplicateAgent = errors.New("agent already exists")

// SenderKind identifies which side of a conversation authored a message.
type SenderKind string

const (
	SenderVisitor SenderKind = "visitor"
	SenderAgent   SenderKind = "agent"
)

// Valid reports whether k is a known sender kind.
func (k SenderKind) Valid() bool {
	return k == SenderVisitor || k == SenderAgent
}

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

const (
	ConversationOpen    ConversationStatus = "open"
	ConversationClosed  ConversationStatus = "closed"
	ConversationSnoozed ConversationStatus = "snoozed"
)

// Organization is a tenant owning agents, visitors and conversations
type Organization struct {
	ID        string
	Name      string
	Plan      string // "free" or "paid"
	CreatedAt time.Time
}

// Agent is a support user belonging to one organization
type Agent struct {
	ID        string
	OrgID     string
	Name      string
	Email     string
	CreatedAt time.Time
}

// Visitor is a pseudo-anonymous site visitor identified by a client-generated session token
type Visitor struct {
	ID           string
	OrgID        string
	SessionToken string
	Name         string
	Email        string
	FirstSeenAt  time.Time
	LastSeenAt   time.Time
}

// Conversation groups messages between one visitor and the organization's agent pool
type Conversation struct {
	ID        string
	OrgID     string
	VisitorID string
	Status    ConversationStatus
	PageURL   string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ConversationSummary is a conversation with its most recent message, used for agent dashboards
type ConversationSummary struct {
	Conversation
	LastMessage *Message
}

// Message is an immutable stored message. IdempotencyKey is globally unique.
type Message struct {
	ID             string
	OrgID          string
	ConversationID string
	SenderKind     SenderKind
	SenderID       string
	Content        string
	IdempotencyKey string
	CreatedAt      time.Time
}

// Store defines the persistence gateway used by the relay
type Store interface {
	// Organizations and agents
	CreateOrganization(ctx context.Context, org *Organization) error
	GetOrganization(ctx context.Context, id string) (*Organization, error)
	CreateAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id, orgID string) (*Agent, error)
	CountAgents(ctx context.Context, orgID string) (int, error)

	// Visitors
	UpsertVisitor(ctx context.Context, orgID, sessionToken string) (*Visitor, error)
	GetVisitor(ctx context.Context, id string) (*Visitor, error)
	GetVisitorBySession(ctx context.Context, orgID, sessionToken string) (*Visitor, error)
	IdentifyVisitor(ctx context.Context, id, name, email string) error

	// Conversations
	CreateConversation(ctx context.Context, conv *Conversation) error
	GetConversation(ctx context.Context, id, orgID string) (*Conversation, error)
	GetOpenConversation(ctx context.Context, orgID, visitorID string) (*Conversation, error)
	TouchConversation(ctx context.Context, id string, at time.Time) error
	CloseConversation(ctx context.Context, id, orgID string) error
	CountConversationsSince(ctx context.Context, orgID string, since time.Time) (int, error)
	ListOpenConversations(ctx context.Context, orgID string, limit int) ([]*ConversationSummary, error)

	// Messages
	InsertMessage(ctx context.Context, msg *Message) error
	GetMessageByIdempotencyKey(ctx context.Context, key string) (*Message, error)
	ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error)

	// Close releases any resources held by the store
	Close() error
}
