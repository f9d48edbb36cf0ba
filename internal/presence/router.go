// ABOUTME: Routes stored messages to live endpoints or to the out-of-band fallback
// ABOUTME: Decides LiveDelivered, FallbackQueued, or FallbackSkipped for every agent reply

package presence

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/relay-gateway/internal/fanout"
	"github.com/2389/relay-gateway/internal/notify"
	"github.com/2389/relay-gateway/internal/plan"
	"github.com/2389/relay-gateway/internal/protocol"
	"github.com/2389/relay-gateway/internal/registry"
	"github.com/2389/relay-gateway/internal/store"
)

// DefaultNotifyTimeout bounds a single fallback dispatch.
const DefaultNotifyTimeout = 10 * time.Second

// ErrUnknownConversation is returned by Typing for a conversation outside the sender's organization.
var ErrUnknownConversation = errors.New("conversation not found")

// Outcome is what happened to a stored message after routing.
type Outcome int

const (
	// LiveDelivered means the recipient had a live endpoint.
	LiveDelivered Outcome = iota
	// FallbackQueued means the recipient was offline and a notice was dispatched.
	FallbackQueued
	// FallbackSkipped means the recipient was offline and not entitled to, or
	// not addressable by, a notice.
	FallbackSkipped
)

func (o Outcome) String() string {
	switch o {
	case LiveDelivered:
		return "live_delivered"
	case FallbackQueued:
		return "fallback_queued"
	case FallbackSkipped:
		return "fallback_skipped"
	default:
		return "unknown"
	}
}

// Emitter broadcasts events. *fanout.Bus satisfies it.
type Emitter interface {
	Emit(ctx context.Context, d fanout.Delivery) error
}

// Reachability answers whether a visitor has a live endpoint. *registry.Registry satisfies it.
type Reachability interface {
	IsVisitorReachable(orgID, sessionToken string) bool
}

// Directory is the storage the router reads.
type Directory interface {
	GetOrganization(ctx context.Context, id string) (*store.Organization, error)
	GetVisitor(ctx context.Context, id string) (*store.Visitor, error)
	GetConversation(ctx context.Context, id, orgID string) (*store.Conversation, error)
}

// Options configures a Router.
type Options struct {
	NotifyTimeout time.Duration
	Logger        *slog.Logger
}

// Router fans stored messages out and falls back to notifications for offline visitors.
type Router struct {
	bus      Emitter
	reach    Reachability
	dir      Directory
	notifier notify.Dispatcher
	timeout  time.Duration
	logger   *slog.Logger

	wg sync.WaitGroup
}

// NewRouter creates a Router. A nil notifier disables fallback dispatch.
func NewRouter(bus Emitter, reach Reachability, dir Directory, notifier notify.Dispatcher, opts Options) *Router {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := opts.NotifyTimeout
	if timeout <= 0 {
		timeout = DefaultNotifyTimeout
	}
	return &Router{
		bus:      bus,
		reach:    reach,
		dir:      dir,
		notifier: notifier,
		timeout:  timeout,
		logger:   logger.With("component", "presence"),
	}
}

// Reply is a stored agent message.
type Reply struct {
	Conversation *store.Conversation
	Message      *store.Message
	AgentName    string
	Origin       string // endpoint that sent the reply
}

// Inbound is a stored visitor message.
type Inbound struct {
	Conversation *store.Conversation
	Message      *store.Message
	Created      bool // the message opened a new conversation
	SenderName   string
	Origin       string
}

// Typing is a typing indicator from an endpoint.
type Typing struct {
	OrgID          string
	ConversationID string
	SenderKind     store.SenderKind
	Active         bool
	Origin         string
}

func (r *Router) emit(ctx context.Context, d fanout.Delivery) {
	if err := r.bus.Emit(ctx, d); err != nil {
		r.logger.Error("failed to emit event",
			"type", d.Event.Type(),
			"error", err)
	}
}

// broadcastMessage sends message:new to the conversation and the org's agents,
// then conversation:updated to the agents.
func (r *Router) broadcastMessage(ctx context.Context, conv *store.Conversation, msg *store.Message, senderName, origin string) {
	r.emit(ctx, fanout.Delivery{
		Groups: []string{registry.ConversationGroup(conv.ID), registry.AgentsGroup(conv.OrgID)},
		Except: origin,
		Event:  &protocol.MessageNew{Message: protocol.NewMessageView(msg, senderName)},
	})

	updated := protocol.NewConversationUpdated(conv, msg)
	r.emit(ctx, fanout.Delivery{
		Groups: []string{registry.AgentsGroup(conv.OrgID)},
		Event:  &updated,
	})
}

// AgentReply broadcasts an agent's stored reply and, when the visitor has no
// live endpoint, dispatches a notice if the visitor and plan allow it.
func (r *Router) AgentReply(ctx context.Context, reply Reply) Outcome {
	conv, msg := reply.Conversation, reply.Message
	r.broadcastMessage(ctx, conv, msg, reply.AgentName, reply.Origin)

	visitor, err := r.dir.GetVisitor(ctx, conv.VisitorID)
	if err != nil {
		r.logger.Warn("cannot resolve visitor for reply",
			"conversation_id", conv.ID,
			"visitor_id", conv.VisitorID,
			"error", err)
		return FallbackSkipped
	}

	if r.reach.IsVisitorReachable(conv.OrgID, visitor.SessionToken) {
		return LiveDelivered
	}

	if r.notifier == nil || visitor.Email == "" {
		r.logger.Debug("visitor offline, no fallback address",
			"conversation_id", conv.ID)
		return FallbackSkipped
	}

	org, err := r.dir.GetOrganization(ctx, conv.OrgID)
	if err != nil {
		r.logger.Warn("cannot resolve organization for fallback",
			"org_id", conv.OrgID,
			"error", err)
		return FallbackSkipped
	}
	if !plan.For(org.Plan).EmailNotifications {
		r.logger.Debug("visitor offline, plan excludes email",
			"org_id", org.ID,
			"plan", org.Plan)
		return FallbackSkipped
	}

	r.dispatch(notify.Notice{
		To:             visitor.Email,
		VisitorName:    visitor.Name,
		AgentName:      reply.AgentName,
		OrgName:        org.Name,
		ConversationID: conv.ID,
		Preview:        notify.Preview(msg.Content),
	}, msg.ID)
	return FallbackQueued
}

// dispatch sends n in the background. Failures are logged and dropped.
func (r *Router) dispatch(n notify.Notice, messageID string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()

		if err := r.notifier.Dispatch(ctx, n); err != nil {
			r.logger.Warn("fallback notification failed",
				"conversation_id", n.ConversationID,
				"message_id", messageID,
				"error", err)
			return
		}
		r.logger.Info("fallback notification dispatched",
			"conversation_id", n.ConversationID,
			"message_id", messageID)
	}()
}

// VisitorMessage broadcasts a visitor's stored message to the conversation and
// the org's agents, first announcing the conversation when it was just created.
// Visitor messages have no offline fallback: agents that are not connected see
// the conversation in their snapshot on connect.
func (r *Router) VisitorMessage(ctx context.Context, in Inbound) Outcome {
	conv := in.Conversation
	if in.Created {
		r.emit(ctx, fanout.Delivery{
			Groups: []string{registry.AgentsGroup(conv.OrgID)},
			Event:  &protocol.ConversationNew{Conversation: protocol.NewConversationView(conv)},
		})
	}
	r.broadcastMessage(ctx, conv, in.Message, in.SenderName, in.Origin)
	return LiveDelivered
}

// Typing relays a typing indicator to the conversation and the org's agents.
// Nothing is stored and offline recipients are not notified.
func (r *Router) Typing(ctx context.Context, t Typing) error {
	if t.ConversationID == "" {
		return ErrUnknownConversation
	}
	if _, err := r.dir.GetConversation(ctx, t.ConversationID, t.OrgID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrUnknownConversation
		}
		return err
	}

	r.emit(ctx, fanout.Delivery{
		Groups: []string{registry.ConversationGroup(t.ConversationID), registry.AgentsGroup(t.OrgID)},
		Except: t.Origin,
		Event: &protocol.TypingNotice{
			ConversationID: t.ConversationID,
			SenderType:     string(t.SenderKind),
			Active:         t.Active,
		},
	})
	return nil
}

// Wait blocks until in-flight fallback dispatches have finished.
func (r *Router) Wait() {
	r.wg.Wait()
}
