// ABOUTME: Idempotent send service: the single path by which messages are persisted
// ABOUTME: Resolves duplicate idempotency keys and concurrent conversation creation through store uniqueness

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/relay-gateway/internal/plan"
	"github.com/2389/relay-gateway/internal/store"
)

var (
	// ErrEmptyContent is returned for a message whose trimmed content is empty.
	ErrEmptyContent = errors.New("empty message")

	// ErrUnknownConversation is returned when the conversation does not exist in the sender's organization.
	ErrUnknownConversation = errors.New("conversation not found")

	// ErrStorageUnavailable wraps store failures that may succeed on retry.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrIdempotencyConflict is returned when the key is already bound to a
	// message from another sender or conversation.
	ErrIdempotencyConflict = errors.New("idempotency key already used")
)

// ConversationStore defines what the service needs from storage
type ConversationStore interface {
	GetConversation(ctx context.Context, id, orgID string) (*store.Conversation, error)
	GetOpenConversation(ctx context.Context, orgID, visitorID string) (*store.Conversation, error)
	CreateConversation(ctx context.Context, conv *store.Conversation) error
	TouchConversation(ctx context.Context, id string, at time.Time) error

	InsertMessage(ctx context.Context, msg *store.Message) error
	GetMessageByIdempotencyKey(ctx context.Context, key string) (*store.Message, error)
}

// LimitChecker gates conversation creation on plan allowances. *plan.Checker satisfies it.
type LimitChecker interface {
	CheckConversationLimit(ctx context.Context, orgID string) error
}

// Service persists messages exactly once per idempotency key.
type Service struct {
	store  ConversationStore
	limits LimitChecker
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Service. limits may be nil to disable plan enforcement.
func New(store ConversationStore, limits LimitChecker, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:  store,
		limits: limits,
		logger: logger.With("component", "conversation"),
		now:    time.Now,
	}
}

// SendRequest is one logical message submission.
type SendRequest struct {
	OrgID          string
	ConversationID string
	SenderKind     store.SenderKind
	SenderID       string
	Content        string
	IdempotencyKey string // generated when empty
}

// Send stores req's message unless a message with the same idempotency key
// already exists, in which case the existing message is returned with
// isNew=false. Content is stored trimmed.
func (s *Service) Send(ctx context.Context, req SendRequest) (*store.Message, bool, error) {
	content := strings.TrimSpace(req.Content)
	if content == "" {
		return nil, false, ErrEmptyContent
	}

	key := req.IdempotencyKey
	if key == "" {
		key = uuid.New().String()
	}

	if _, err := s.store.GetConversation(ctx, req.ConversationID, req.OrgID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, false, ErrUnknownConversation
		}
		return nil, false, fmt.Errorf("%w: verifying conversation: %v", ErrStorageUnavailable, err)
	}

	msg := &store.Message{
		ID:             uuid.New().String(),
		OrgID:          req.OrgID,
		ConversationID: req.ConversationID,
		SenderKind:     req.SenderKind,
		SenderID:       req.SenderID,
		Content:        content,
		IdempotencyKey: key,
		CreatedAt:      s.now().UTC(),
	}

	if err := s.store.InsertMessage(ctx, msg); err != nil {
		if !errors.Is(err, store.ErrDuplicateMessage) {
			return nil, false, fmt.Errorf("%w: inserting message: %v", ErrStorageUnavailable, err)
		}

		// Another send with this key won the insert; the stored row is the answer.
		existing, lookupErr := s.store.GetMessageByIdempotencyKey(ctx, key)
		if lookupErr != nil {
			s.logger.Error("lookup after duplicate insert failed",
				"idempotency_key", key,
				"error", lookupErr)
			return nil, false, fmt.Errorf("%w: loading existing message: %v", ErrStorageUnavailable, lookupErr)
		}
		req.IdempotencyKey = key
		if err := s.checkOwner(existing, req); err != nil {
			return nil, false, err
		}
		s.logger.Debug("duplicate send resolved to existing message",
			"idempotency_key", key,
			"message_id", existing.ID)
		return existing, false, nil
	}

	if err := s.store.TouchConversation(ctx, req.ConversationID, msg.CreatedAt); err != nil {
		s.logger.Warn("failed to touch conversation",
			"conversation_id", req.ConversationID,
			"error", err)
	}

	s.logger.Debug("message stored",
		"message_id", msg.ID,
		"conversation_id", msg.ConversationID,
		"sender_kind", msg.SenderKind,
		"idempotency_key", key)
	return msg, true, nil
}

// Existing returns the message already stored under req's idempotency key, or
// nil when there is none. An empty ConversationID matches any conversation of
// the sender, so a retransmit is recognized before a conversation is chosen.
func (s *Service) Existing(ctx context.Context, req SendRequest) (*store.Message, error) {
	if req.IdempotencyKey == "" {
		return nil, nil
	}
	existing, err := s.store.GetMessageByIdempotencyKey(ctx, req.IdempotencyKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: loading message: %v", ErrStorageUnavailable, err)
	}
	if err := s.checkOwner(existing, req); err != nil {
		return nil, err
	}
	return existing, nil
}

// checkOwner rejects a stored message that req did not send.
func (s *Service) checkOwner(existing *store.Message, req SendRequest) error {
	if existing.OrgID == req.OrgID &&
		existing.SenderKind == req.SenderKind &&
		existing.SenderID == req.SenderID &&
		(req.ConversationID == "" || existing.ConversationID == req.ConversationID) {
		return nil
	}
	s.logger.Warn("idempotency key reused by another sender",
		"idempotency_key", req.IdempotencyKey,
		"org_id", req.OrgID,
		"message_id", existing.ID)
	return ErrIdempotencyConflict
}

// EnsureConversation returns the visitor's open conversation, creating it when
// none exists. created reports whether this call created it.
func (s *Service) EnsureConversation(ctx context.Context, orgID, visitorID, pageURL string) (*store.Conversation, bool, error) {
	conv, err := s.store.GetOpenConversation(ctx, orgID, visitorID)
	if err == nil {
		return conv, false, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, false, fmt.Errorf("%w: loading open conversation: %v", ErrStorageUnavailable, err)
	}

	if s.limits != nil {
		if err := s.limits.CheckConversationLimit(ctx, orgID); err != nil {
			if errors.Is(err, plan.ErrLimitExceeded) {
				return nil, false, err
			}
			return nil, false, fmt.Errorf("%w: checking plan limit: %v", ErrStorageUnavailable, err)
		}
	}

	now := s.now().UTC()
	conv = &store.Conversation{
		ID:        uuid.New().String(),
		OrgID:     orgID,
		VisitorID: visitorID,
		Status:    store.ConversationOpen,
		PageURL:   pageURL,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		if !errors.Is(err, store.ErrDuplicateConversation) {
			return nil, false, fmt.Errorf("%w: creating conversation: %v", ErrStorageUnavailable, err)
		}

		existing, lookupErr := s.store.GetOpenConversation(ctx, orgID, visitorID)
		if lookupErr != nil {
			s.logger.Error("lookup after duplicate conversation failed",
				"visitor_id", visitorID,
				"error", lookupErr)
			return nil, false, fmt.Errorf("%w: loading existing conversation: %v", ErrStorageUnavailable, lookupErr)
		}
		s.logger.Debug("found existing conversation after race", "conversation_id", existing.ID)
		return existing, false, nil
	}

	s.logger.Info("conversation created",
		"conversation_id", conv.ID,
		"org_id", orgID,
		"visitor_id", visitorID)
	return conv, true, nil
}

// Retryable reports whether a client may usefully resend after err.
func Retryable(err error) bool {
	return errors.Is(err, ErrStorageUnavailable)
}

// Reason maps a send error to the human-readable text shown to clients.
func Reason(err error) string {
	switch {
	case errors.Is(err, ErrEmptyContent):
		return "Empty message"
	case errors.Is(err, ErrUnknownConversation):
		return "Conversation not found"
	case errors.Is(err, ErrIdempotencyConflict):
		return "Message key already in use"
	case errors.Is(err, plan.ErrLimitExceeded):
		return "Monthly conversation limit reached"
	case errors.Is(err, ErrStorageUnavailable):
		return "Message could not be saved, please retry"
	default:
		return "Failed to send message"
	}
}
