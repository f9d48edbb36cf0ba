// ABOUTME: Per-endpoint protocol handler wiring registration, sends, and routing together
// ABOUTME: Every message:send and agent:reply is answered with exactly one ack or error

package relay

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/2389/relay-gateway/internal/auth"
	"github.com/2389/relay-gateway/internal/conversation"
	"github.com/2389/relay-gateway/internal/presence"
	"github.com/2389/relay-gateway/internal/protocol"
	"github.com/2389/relay-gateway/internal/registry"
	"github.com/2389/relay-gateway/internal/store"
)

var (
	// ErrNotRegistered is returned for events from an endpoint that has not connected as the required kind.
	ErrNotRegistered = errors.New("not connected")

	// ErrRateLimited is returned when an endpoint sends faster than its allowance.
	ErrRateLimited = errors.New("rate limited")
)

// Defaults for Options.
const (
	DefaultMessagesPerSecond = 5
	DefaultBurst             = 10
	DefaultSnapshotLimit     = 50
)

// Store is the storage the handler reads and writes directly.
type Store interface {
	UpsertVisitor(ctx context.Context, orgID, sessionToken string) (*store.Visitor, error)
	IdentifyVisitor(ctx context.Context, id, name, email string) error
	GetConversation(ctx context.Context, id, orgID string) (*store.Conversation, error)
	ListOpenConversations(ctx context.Context, orgID string, limit int) ([]*store.ConversationSummary, error)
}

// Options configures a Handler.
type Options struct {
	// Verifier checks agent access tokens. Nil accepts agent:connect without a token.
	Verifier          auth.TokenVerifier
	MessagesPerSecond float64
	Burst             int
	SnapshotLimit     int
	Logger            *slog.Logger
}

// Handler processes inbound frames for every endpoint on this instance.
// Frames of one endpoint must be handled sequentially; different endpoints
// may be handled concurrently.
type Handler struct {
	reg      *registry.Registry
	sends    *conversation.Service
	router   *presence.Router
	store    Store
	verifier auth.TokenVerifier

	limit         rate.Limit
	burst         int
	snapshotLimit int
	logger        *slog.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewHandler creates a Handler.
func NewHandler(reg *registry.Registry, sends *conversation.Service, router *presence.Router, st Store, opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	perSecond := opts.MessagesPerSecond
	if perSecond <= 0 {
		perSecond = DefaultMessagesPerSecond
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = DefaultBurst
	}
	snapshot := opts.SnapshotLimit
	if snapshot <= 0 {
		snapshot = DefaultSnapshotLimit
	}
	return &Handler{
		reg:           reg,
		sends:         sends,
		router:        router,
		store:         st,
		verifier:      opts.Verifier,
		limit:         rate.Limit(perSecond),
		burst:         burst,
		snapshotLimit: snapshot,
		logger:        logger.With("component", "relay"),
		limiters:      make(map[string]*rate.Limiter),
	}
}

// Connect prepares per-endpoint state. The endpoint is not registered until
// it sends widget:connect or agent:connect.
func (h *Handler) Connect(ep registry.Endpoint) {
	h.mu.Lock()
	h.limiters[ep.ID()] = rate.NewLimiter(h.limit, h.burst)
	h.mu.Unlock()
	h.logger.Debug("endpoint opened", "endpoint_id", ep.ID())
}

// Disconnect removes the endpoint from the registry.
func (h *Handler) Disconnect(ep registry.Endpoint) {
	h.mu.Lock()
	delete(h.limiters, ep.ID())
	h.mu.Unlock()
	h.reg.Unregister(ep.ID())
}

func (h *Handler) allow(endpointID string) bool {
	h.mu.Lock()
	lim, ok := h.limiters[endpointID]
	if !ok {
		lim = rate.NewLimiter(h.limit, h.burst)
		h.limiters[endpointID] = lim
	}
	h.mu.Unlock()
	return lim.Allow()
}

func (h *Handler) reply(ep registry.Endpoint, ev protocol.Outbound) {
	env, err := protocol.Encode(ev)
	if err != nil {
		h.logger.Error("failed to encode reply", "type", ev.Type(), "error", err)
		return
	}
	if !ep.Send(env) {
		h.logger.Warn("reply dropped, endpoint buffer full",
			"endpoint_id", ep.ID(),
			"type", ev.Type())
	}
}

func (h *Handler) replyError(ep registry.Endpoint, message string) {
	h.reply(ep, &protocol.Error{Message: message})
}

func (h *Handler) replyMessageError(ep registry.Endpoint, key string, err error) {
	h.reply(ep, &protocol.MessageError{
		IdempotencyKey: key,
		Error:          reason(err),
		Retryable:      retryable(err),
	})
}

// Handle decodes and processes one inbound frame.
func (h *Handler) Handle(ctx context.Context, ep registry.Endpoint, raw []byte) {
	ev, err := protocol.DecodeInbound(raw)
	if err != nil {
		h.logger.Debug("rejected frame", "endpoint_id", ep.ID(), "error", err)
		if errors.Is(err, protocol.ErrUnknownEvent) {
			h.replyError(ep, "Unknown event")
		} else {
			h.replyError(ep, "Invalid message")
		}
		return
	}

	switch ev := ev.(type) {
	case *protocol.WidgetConnect:
		h.handleWidgetConnect(ctx, ep, ev)
	case *protocol.AgentConnect:
		h.handleAgentConnect(ctx, ep, ev)
	case *protocol.MessageSend:
		h.handleMessageSend(ctx, ep, ev)
	case *protocol.AgentReply:
		h.handleAgentReply(ctx, ep, ev)
	case *protocol.VisitorIdentify:
		h.handleIdentify(ctx, ep, ev)
	case *protocol.Typing:
		h.handleTyping(ctx, ep, ev)
	default:
		h.replyError(ep, "Unknown event")
	}
}

func (h *Handler) handleWidgetConnect(ctx context.Context, ep registry.Endpoint, ev *protocol.WidgetConnect) {
	session, err := h.reg.RegisterVisitor(ctx, ep, ev.OrgID, ev.SessionID)
	if err != nil {
		h.logger.Warn("widget connect failed", "endpoint_id", ep.ID(), "org_id", ev.OrgID, "error", err)
		h.replyError(ep, connectReason(err, "Missing orgId or sessionId"))
		return
	}
	h.reply(ep, &protocol.WidgetConnected{
		SessionID:      ev.SessionID,
		VisitorID:      session.VisitorID,
		ConversationID: session.ConversationID,
	})
}

func (h *Handler) handleAgentConnect(ctx context.Context, ep registry.Endpoint, ev *protocol.AgentConnect) {
	if h.verifier != nil {
		if err := auth.Authorize(h.verifier, ev.AccessToken, ev.AgentID, ev.OrgID); err != nil {
			h.logger.Warn("agent token rejected", "endpoint_id", ep.ID(), "agent_id", ev.AgentID, "error", err)
			h.replyError(ep, "Unauthorized")
			return
		}
	}

	if _, err := h.reg.RegisterAgent(ctx, ep, ev.AgentID, ev.OrgID); err != nil {
		h.logger.Warn("agent connect failed", "endpoint_id", ep.ID(), "agent_id", ev.AgentID, "error", err)
		h.replyError(ep, connectReason(err, "Missing agentId or orgId"))
		return
	}
	h.reply(ep, &protocol.AgentConnected{
		AgentID:      ev.AgentID,
		OnlineAgents: h.reg.ReachableAgentCount(ev.OrgID),
	})

	// Conversations whose messages arrived while no agent was connected.
	summaries, err := h.store.ListOpenConversations(ctx, ev.OrgID, h.snapshotLimit)
	if err != nil {
		h.logger.Warn("failed to load conversation snapshot", "org_id", ev.OrgID, "error", err)
		return
	}
	for i := len(summaries) - 1; i >= 0; i-- {
		s := summaries[i]
		updated := protocol.NewConversationUpdated(&s.Conversation, s.LastMessage)
		h.reply(ep, &updated)
	}
}

// visitorSession returns the endpoint's visitor session, creating the visitor
// row on first use.
func (h *Handler) visitorSession(ctx context.Context, ep registry.Endpoint) (registry.Session, error) {
	session, ok := h.reg.Session(ep.ID())
	if !ok || session.Kind != registry.KindVisitor {
		return registry.Session{}, ErrNotRegistered
	}
	if session.VisitorID != "" {
		return session, nil
	}

	visitor, err := h.store.UpsertVisitor(ctx, session.OrgID, session.Identity)
	if err != nil {
		return registry.Session{}, errors.Join(conversation.ErrStorageUnavailable, err)
	}
	h.reg.SetVisitor(session.OrgID, session.Identity, visitor.ID)
	session.VisitorID = visitor.ID
	return session, nil
}

func (h *Handler) handleMessageSend(ctx context.Context, ep registry.Endpoint, ev *protocol.MessageSend) {
	session, err := h.visitorSession(ctx, ep)
	if err != nil {
		h.replyMessageError(ep, ev.IdempotencyKey, err)
		return
	}
	if strings.TrimSpace(ev.Content) == "" {
		h.replyMessageError(ep, ev.IdempotencyKey, conversation.ErrEmptyContent)
		return
	}

	// A retransmit of a stored message is acked before any limit applies
	// and before a conversation is chosen.
	if h.ackExisting(ctx, ep, conversation.SendRequest{
		OrgID:          session.OrgID,
		SenderKind:     store.SenderVisitor,
		SenderID:       session.VisitorID,
		IdempotencyKey: ev.IdempotencyKey,
	}) {
		return
	}
	if !h.allow(ep.ID()) {
		h.replyMessageError(ep, ev.IdempotencyKey, ErrRateLimited)
		return
	}

	conv, created, err := h.sends.EnsureConversation(ctx, session.OrgID, session.VisitorID, ev.PageURL)
	if err != nil {
		h.logger.Warn("conversation unavailable", "visitor_id", session.VisitorID, "error", err)
		h.replyMessageError(ep, ev.IdempotencyKey, err)
		return
	}
	if conv.ID != session.ConversationID {
		h.reg.AttachConversation(session.OrgID, session.Identity, session.VisitorID, conv.ID)
	}

	msg, isNew, err := h.sends.Send(ctx, conversation.SendRequest{
		OrgID:          session.OrgID,
		ConversationID: conv.ID,
		SenderKind:     store.SenderVisitor,
		SenderID:       session.VisitorID,
		Content:        ev.Content,
		IdempotencyKey: ev.IdempotencyKey,
	})
	if err != nil {
		h.logger.Warn("visitor send failed", "idempotency_key", ev.IdempotencyKey, "error", err)
		h.replyMessageError(ep, ev.IdempotencyKey, err)
		return
	}

	h.reply(ep, &protocol.MessageAck{
		IdempotencyKey: msg.IdempotencyKey,
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		Duplicate:      !isNew,
	})
	if !isNew {
		return
	}

	h.router.VisitorMessage(ctx, presence.Inbound{
		Conversation: conv,
		Message:      msg,
		Created:      created,
		SenderName:   session.DisplayName,
		Origin:       ep.ID(),
	})
}

func (h *Handler) handleAgentReply(ctx context.Context, ep registry.Endpoint, ev *protocol.AgentReply) {
	session, ok := h.reg.Session(ep.ID())
	if !ok || session.Kind != registry.KindAgent {
		h.replyMessageError(ep, ev.IdempotencyKey, ErrNotRegistered)
		return
	}
	req := conversation.SendRequest{
		OrgID:          session.OrgID,
		ConversationID: ev.ConversationID,
		SenderKind:     store.SenderAgent,
		SenderID:       session.Identity,
		Content:        ev.Content,
		IdempotencyKey: ev.IdempotencyKey,
	}
	if strings.TrimSpace(ev.Content) != "" && h.ackExisting(ctx, ep, req) {
		return
	}
	if !h.allow(ep.ID()) {
		h.replyMessageError(ep, ev.IdempotencyKey, ErrRateLimited)
		return
	}

	msg, isNew, err := h.sends.Send(ctx, req)
	if err != nil {
		h.logger.Warn("agent reply failed", "idempotency_key", ev.IdempotencyKey, "error", err)
		h.replyMessageError(ep, ev.IdempotencyKey, err)
		return
	}

	h.reply(ep, &protocol.MessageAck{
		IdempotencyKey: msg.IdempotencyKey,
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		Duplicate:      !isNew,
	})
	if !isNew {
		return
	}

	conv, err := h.store.GetConversation(ctx, msg.ConversationID, session.OrgID)
	if err != nil {
		h.logger.Error("stored reply has no conversation", "message_id", msg.ID, "error", err)
		return
	}
	outcome := h.router.AgentReply(ctx, presence.Reply{
		Conversation: conv,
		Message:      msg,
		AgentName:    session.DisplayName,
		Origin:       ep.ID(),
	})
	h.logger.Debug("agent reply routed",
		"message_id", msg.ID,
		"outcome", outcome.String())
}

// ackExisting answers a send whose key is already stored. It reports whether
// a reply was sent; false means the send should be processed normally.
func (h *Handler) ackExisting(ctx context.Context, ep registry.Endpoint, req conversation.SendRequest) bool {
	existing, err := h.sends.Existing(ctx, req)
	if err != nil {
		h.logger.Warn("idempotency lookup failed", "idempotency_key", req.IdempotencyKey, "error", err)
		h.replyMessageError(ep, req.IdempotencyKey, err)
		return true
	}
	if existing == nil {
		return false
	}
	h.reply(ep, &protocol.MessageAck{
		IdempotencyKey: existing.IdempotencyKey,
		MessageID:      existing.ID,
		ConversationID: existing.ConversationID,
		Duplicate:      true,
	})
	return true
}

func (h *Handler) handleIdentify(ctx context.Context, ep registry.Endpoint, ev *protocol.VisitorIdentify) {
	session, err := h.visitorSession(ctx, ep)
	if err != nil {
		h.replyError(ep, reason(err))
		return
	}

	name := strings.TrimSpace(ev.Name)
	email := strings.TrimSpace(ev.Email)
	if name == "" && email == "" {
		return
	}
	if err := h.store.IdentifyVisitor(ctx, session.VisitorID, name, email); err != nil {
		h.logger.Warn("identify failed", "visitor_id", session.VisitorID, "error", err)
		h.replyError(ep, "Could not save your details")
		return
	}
	if name != "" {
		h.reg.SetDisplayName(session.OrgID, session.Identity, name)
	}
}

func (h *Handler) handleTyping(ctx context.Context, ep registry.Endpoint, ev *protocol.Typing) {
	session, ok := h.reg.Session(ep.ID())
	if !ok {
		return
	}

	convID := ev.ConversationID
	kind := store.SenderAgent
	if session.Kind == registry.KindVisitor {
		// Visitors may only type into their own conversation.
		convID = session.ConversationID
		kind = store.SenderVisitor
	}
	if convID == "" {
		return
	}

	err := h.router.Typing(ctx, presence.Typing{
		OrgID:          session.OrgID,
		ConversationID: convID,
		SenderKind:     kind,
		Active:         ev.Active,
		Origin:         ep.ID(),
	})
	if err != nil {
		h.logger.Debug("typing dropped", "endpoint_id", ep.ID(), "error", err)
	}
}

func connectReason(err error, missing string) string {
	switch {
	case errors.Is(err, registry.ErrMissingFields):
		return missing
	case errors.Is(err, registry.ErrInvalidOrg):
		return "Invalid organization"
	case errors.Is(err, registry.ErrInvalidAgent):
		return "Invalid agent"
	default:
		return "Connection failed"
	}
}

func reason(err error) string {
	switch {
	case errors.Is(err, ErrNotRegistered):
		return "Not connected"
	case errors.Is(err, ErrRateLimited):
		return "Too many messages, slow down"
	default:
		return conversation.Reason(err)
	}
}

func retryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || conversation.Retryable(err)
}
