// ABOUTME: Connection registry tracking which visitors and agents are live on this instance
// ABOUTME: Maps endpoints to sessions and broadcast groups for presence queries and fan-out

package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/2389/relay-gateway/internal/protocol"
	"github.com/2389/relay-gateway/internal/store"
)

var (
	// ErrMissingFields indicates a registration without its required identifiers.
	ErrMissingFields = errors.New("missing required fields")

	// ErrInvalidOrg indicates the organization does not exist.
	ErrInvalidOrg = errors.New("invalid organization")

	// ErrInvalidAgent indicates the agent does not exist in the organization.
	ErrInvalidAgent = errors.New("invalid agent")

	// ErrLookupFailed indicates the directory could not be consulted.
	ErrLookupFailed = errors.New("lookup failed")
)

// Kind distinguishes visitor endpoints from agent endpoints.
type Kind string

const (
	KindVisitor Kind = "visitor"
	KindAgent   Kind = "agent"
)

// Endpoint is one live push channel (a websocket). Send must not block; it
// reports false when the frame was dropped.
type Endpoint interface {
	ID() string
	Send(env protocol.Envelope) bool
}

// Lookup is the read-only directory consulted during registration.
// store.Store satisfies it.
type Lookup interface {
	GetOrganization(ctx context.Context, id string) (*store.Organization, error)
	GetAgent(ctx context.Context, id, orgID string) (*store.Agent, error)
	GetVisitorBySession(ctx context.Context, orgID, sessionToken string) (*store.Visitor, error)
	GetOpenConversation(ctx context.Context, orgID, visitorID string) (*store.Conversation, error)
}

// Session is the authenticated identity bound to an endpoint. Never persisted.
type Session struct {
	EndpointID     string
	Kind           Kind
	Identity       string // session token for visitors, agent ID for agents
	OrgID          string
	VisitorID      string
	ConversationID string
	DisplayName    string
}

// OrgGroup holds every endpoint of an organization.
func OrgGroup(orgID string) string { return "org:" + orgID }

// AgentsGroup holds every agent endpoint of an organization.
func AgentsGroup(orgID string) string { return "agents:" + orgID }

// ConversationGroup holds the visitor endpoints bound to a conversation.
func ConversationGroup(convID string) string { return "conversation:" + convID }

// VisitorGroup holds every endpoint of one visitor session token. Tokens are
// scoped to their organization.
func VisitorGroup(orgID, sessionToken string) string { return "visitor:" + orgID + ":" + sessionToken }

type entry struct {
	ep      Endpoint
	session Session
	groups  []string
}

// Registry is the instance-owned map of live endpoints. Safe for concurrent use.
type Registry struct {
	lookup Lookup
	logger *slog.Logger

	mu         sync.RWMutex
	entries    map[string]*entry              // endpoint ID -> entry
	groups     map[string]map[string]struct{} // group -> endpoint IDs
	identities map[string]map[string]struct{} // kind:org:identity -> endpoint IDs
}

// New creates an empty Registry.
func New(lookup Lookup, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		lookup:     lookup,
		logger:     logger.With("component", "registry"),
		entries:    make(map[string]*entry),
		groups:     make(map[string]map[string]struct{}),
		identities: make(map[string]map[string]struct{}),
	}
}

func identityKey(kind Kind, orgID, identity string) string {
	return string(kind) + ":" + orgID + ":" + identity
}

// RegisterVisitor binds ep to the visitor identified by (orgID, sessionToken).
// The visitor record and open conversation are looked up, not created.
func (r *Registry) RegisterVisitor(ctx context.Context, ep Endpoint, orgID, sessionToken string) (Session, error) {
	if orgID == "" || sessionToken == "" {
		return Session{}, ErrMissingFields
	}

	if _, err := r.lookup.GetOrganization(ctx, orgID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Session{}, ErrInvalidOrg
		}
		return Session{}, fmt.Errorf("%w: organization: %v", ErrLookupFailed, err)
	}

	session := Session{
		EndpointID: ep.ID(),
		Kind:       KindVisitor,
		Identity:   sessionToken,
		OrgID:      orgID,
	}

	visitor, err := r.lookup.GetVisitorBySession(ctx, orgID, sessionToken)
	switch {
	case err == nil:
		session.VisitorID = visitor.ID
		session.DisplayName = visitor.Name
		conv, err := r.lookup.GetOpenConversation(ctx, orgID, visitor.ID)
		switch {
		case err == nil:
			session.ConversationID = conv.ID
		case !errors.Is(err, store.ErrNotFound):
			return Session{}, fmt.Errorf("%w: conversation: %v", ErrLookupFailed, err)
		}
	case !errors.Is(err, store.ErrNotFound):
		return Session{}, fmt.Errorf("%w: visitor: %v", ErrLookupFailed, err)
	}

	groups := []string{OrgGroup(orgID), VisitorGroup(orgID, sessionToken)}
	if session.ConversationID != "" {
		groups = append(groups, ConversationGroup(session.ConversationID))
	}

	r.mu.Lock()
	r.bindLocked(ep, session, groups)
	r.mu.Unlock()

	r.logger.Info("visitor connected",
		"endpoint_id", ep.ID(),
		"org_id", orgID,
		"visitor_id", session.VisitorID,
		"conversation_id", session.ConversationID,
	)
	return session, nil
}

// RegisterAgent binds ep to agentID after verifying the agent belongs to orgID.
func (r *Registry) RegisterAgent(ctx context.Context, ep Endpoint, agentID, orgID string) (Session, error) {
	if agentID == "" || orgID == "" {
		return Session{}, ErrMissingFields
	}

	agent, err := r.lookup.GetAgent(ctx, agentID, orgID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Session{}, ErrInvalidAgent
		}
		return Session{}, fmt.Errorf("%w: agent: %v", ErrLookupFailed, err)
	}

	session := Session{
		EndpointID:  ep.ID(),
		Kind:        KindAgent,
		Identity:    agentID,
		OrgID:       orgID,
		DisplayName: agent.Name,
	}
	groups := []string{OrgGroup(orgID), AgentsGroup(orgID)}

	r.mu.Lock()
	r.bindLocked(ep, session, groups)
	endpoints := len(r.identities[identityKey(KindAgent, orgID, agentID)])
	r.mu.Unlock()

	r.logger.Info("agent connected",
		"endpoint_id", ep.ID(),
		"agent_id", agentID,
		"org_id", orgID,
		"agent_endpoints", endpoints,
	)
	return session, nil
}

// bindLocked replaces any previous binding for the endpoint. Caller holds mu.
func (r *Registry) bindLocked(ep Endpoint, session Session, groups []string) {
	r.unbindLocked(ep.ID())

	r.entries[ep.ID()] = &entry{ep: ep, session: session, groups: groups}
	for _, g := range groups {
		r.joinLocked(g, ep.ID())
	}
	key := identityKey(session.Kind, session.OrgID, session.Identity)
	if r.identities[key] == nil {
		r.identities[key] = make(map[string]struct{})
	}
	r.identities[key][ep.ID()] = struct{}{}
}

// unbindLocked removes an endpoint from every group. It reports the removed
// entry and whether no endpoint remains for its identity. Caller holds mu.
func (r *Registry) unbindLocked(endpointID string) (*entry, bool) {
	e, ok := r.entries[endpointID]
	if !ok {
		return nil, false
	}
	delete(r.entries, endpointID)

	for _, g := range e.groups {
		if members := r.groups[g]; members != nil {
			delete(members, endpointID)
			if len(members) == 0 {
				delete(r.groups, g)
			}
		}
	}

	key := identityKey(e.session.Kind, e.session.OrgID, e.session.Identity)
	offline := true
	if eps := r.identities[key]; eps != nil {
		delete(eps, endpointID)
		if len(eps) > 0 {
			offline = false
		} else {
			delete(r.identities, key)
		}
	}
	return e, offline
}

func (r *Registry) joinLocked(group, endpointID string) {
	if r.groups[group] == nil {
		r.groups[group] = make(map[string]struct{})
	}
	r.groups[group][endpointID] = struct{}{}
}

// Unregister removes an endpoint. offline is true when it was the last
// endpoint for its visitor token or agent ID.
func (r *Registry) Unregister(endpointID string) (Session, bool) {
	r.mu.Lock()
	e, offline := r.unbindLocked(endpointID)
	r.mu.Unlock()

	if e == nil {
		return Session{}, false
	}

	r.logger.Info(string(e.session.Kind)+" disconnected",
		"endpoint_id", endpointID,
		"org_id", e.session.OrgID,
		"identity_offline", offline,
	)
	return e.session, offline
}

// Session returns the session bound to an endpoint.
func (r *Registry) Session(endpointID string) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[endpointID]
	if !ok {
		return Session{}, false
	}
	return e.session, true
}

// SetVisitor records the visitor ID on every endpoint of a session token
// once the visitor row exists.
func (r *Registry) SetVisitor(orgID, sessionToken, visitorID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id := range r.identities[identityKey(KindVisitor, orgID, sessionToken)] {
		r.entries[id].session.VisitorID = visitorID
	}
}

// SetDisplayName updates the display name on every endpoint of a session token.
func (r *Registry) SetDisplayName(orgID, sessionToken, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id := range r.identities[identityKey(KindVisitor, orgID, sessionToken)] {
		r.entries[id].session.DisplayName = name
	}
}

// AttachConversation binds every endpoint of a visitor token to a conversation
// and joins them to its group.
func (r *Registry) AttachConversation(orgID, sessionToken, visitorID, conversationID string) {
	group := ConversationGroup(conversationID)

	r.mu.Lock()
	defer r.mu.Unlock()

	for id := range r.identities[identityKey(KindVisitor, orgID, sessionToken)] {
		e := r.entries[id]
		if e.session.ConversationID == conversationID {
			continue
		}
		if e.session.ConversationID != "" {
			old := ConversationGroup(e.session.ConversationID)
			if members := r.groups[old]; members != nil {
				delete(members, id)
				if len(members) == 0 {
					delete(r.groups, old)
				}
			}
			e.groups = removeString(e.groups, old)
		}
		e.session.VisitorID = visitorID
		e.session.ConversationID = conversationID
		e.groups = append(e.groups, group)
		r.joinLocked(group, id)
	}
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}

// IsVisitorReachable reports whether any endpoint for the org's session token
// is live on this instance.
func (r *Registry) IsVisitorReachable(orgID, sessionToken string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.identities[identityKey(KindVisitor, orgID, sessionToken)]) > 0
}

// ReachableAgentCount returns the number of distinct agents of an org with a live endpoint.
func (r *Registry) ReachableAgentCount(orgID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agents := make(map[string]struct{})
	for id := range r.groups[AgentsGroup(orgID)] {
		agents[r.entries[id].session.Identity] = struct{}{}
	}
	return len(agents)
}

// SessionCount returns the number of registered endpoints.
func (r *Registry) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Members returns the union of endpoints in groups, each at most once,
// excluding the endpoint whose ID is except.
func (r *Registry) Members(groups []string, except string) []Endpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	var out []Endpoint
	for _, g := range groups {
		for id := range r.groups[g] {
			if id == except {
				continue
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, r.entries[id].ep)
		}
	}
	return out
}
