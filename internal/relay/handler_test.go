// ABOUTME: Scenario tests for the relay protocol handler over a real SQLite store
// ABOUTME: Covers idempotent resends, multi-endpoint agents, offline agents, and offline visitor fallback

package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/relay-gateway/internal/auth"
	"github.com/2389/relay-gateway/internal/conversation"
	"github.com/2389/relay-gateway/internal/fanout"
	"github.com/2389/relay-gateway/internal/notify"
	"github.com/2389/relay-gateway/internal/plan"
	"github.com/2389/relay-gateway/internal/presence"
	"github.com/2389/relay-gateway/internal/protocol"
	"github.com/2389/relay-gateway/internal/registry"
	"github.com/2389/relay-gateway/internal/store"
)

type recordingEndpoint struct {
	id string

	mu   sync.Mutex
	envs []protocol.Envelope
}

func (e *recordingEndpoint) ID() string { return e.id }

func (e *recordingEndpoint) Send(env protocol.Envelope) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.envs = append(e.envs, env)
	return true
}

func (e *recordingEndpoint) all(eventType string) []protocol.Envelope {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []protocol.Envelope
	for _, env := range e.envs {
		if env.Type == eventType {
			out = append(out, env)
		}
	}
	return out
}

func (e *recordingEndpoint) count(eventType string) int {
	return len(e.all(eventType))
}

func (e *recordingEndpoint) types() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.envs))
	for _, env := range e.envs {
		out = append(out, env.Type)
	}
	return out
}

func decode[T any](t *testing.T, env protocol.Envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

type countingDispatcher struct {
	mu      sync.Mutex
	notices []notify.Notice
}

func (d *countingDispatcher) Dispatch(_ context.Context, n notify.Notice) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notices = append(d.notices, n)
	return nil
}

func (d *countingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.notices)
}

type stack struct {
	store      *store.SQLiteStore
	reg        *registry.Registry
	router     *presence.Router
	dispatcher *countingDispatcher
	handler    *Handler
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newStack(t *testing.T, opts Options) *stack {
	t.Helper()
	ctx := context.Background()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	require.NoError(t, st.CreateOrganization(ctx, &store.Organization{ID: "org-1", Name: "Acme", Plan: plan.Paid}))
	require.NoError(t, st.CreateAgent(ctx, &store.Agent{ID: "agent-1", OrgID: "org-1", Name: "Sam"}))

	logger := quietLogger()
	reg := registry.New(st, logger)
	bus := fanout.NewBus(reg, nil, fanout.Options{Logger: logger})
	t.Cleanup(bus.Close)

	dispatcher := &countingDispatcher{}
	router := presence.NewRouter(bus, reg, st, dispatcher, presence.Options{Logger: logger})
	sends := conversation.New(st, plan.NewChecker(st), logger)

	opts.Logger = logger
	return &stack{
		store:      st,
		reg:        reg,
		router:     router,
		dispatcher: dispatcher,
		handler:    NewHandler(reg, sends, router, st, opts),
	}
}

func frame(t *testing.T, ev protocol.Inbound) []byte {
	t.Helper()
	env, err := protocol.EncodeInbound(ev)
	require.NoError(t, err)
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	return raw
}

func (s *stack) open(id string) *recordingEndpoint {
	ep := &recordingEndpoint{id: id}
	s.handler.Connect(ep)
	return ep
}

func (s *stack) send(t *testing.T, ep *recordingEndpoint, ev protocol.Inbound) {
	t.Helper()
	s.handler.Handle(context.Background(), ep, frame(t, ev))
}

func (s *stack) visitor(t *testing.T, id, token string) *recordingEndpoint {
	t.Helper()
	ep := s.open(id)
	s.send(t, ep, &protocol.WidgetConnect{OrgID: "org-1", SessionID: token})
	require.Equal(t, 1, ep.count(protocol.TypeWidgetConnected), "widget connect: %v", ep.types())
	return ep
}

func (s *stack) agent(t *testing.T, id string) *recordingEndpoint {
	t.Helper()
	ep := s.open(id)
	s.send(t, ep, &protocol.AgentConnect{AgentID: "agent-1", OrgID: "org-1"})
	require.Equal(t, 1, ep.count(protocol.TypeAgentConnected), "agent connect: %v", ep.types())
	return ep
}

func TestVisitorResendSameKey(t *testing.T) {
	s := newStack(t, Options{})
	visitor := s.visitor(t, "visitor-ep", "v_abc")
	agent := s.agent(t, "agent-ep")

	s.send(t, visitor, &protocol.MessageSend{Content: "Hello", IdempotencyKey: "k1"})
	s.send(t, visitor, &protocol.MessageSend{Content: "Hello", IdempotencyKey: "k1"})

	acks := visitor.all(protocol.TypeMessageAck)
	require.Len(t, acks, 2)
	first := decode[protocol.MessageAck](t, acks[0])
	second := decode[protocol.MessageAck](t, acks[1])
	assert.False(t, first.Duplicate)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.MessageID, second.MessageID)
	assert.Equal(t, "k1", second.IdempotencyKey)

	assert.Equal(t, 1, agent.count(protocol.TypeMessageNew), "recipients see the message once")
	assert.Equal(t, 1, agent.count(protocol.TypeConversationNew))

	msgs, err := s.store.ListMessages(context.Background(), first.ConversationID, 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestAgentWithTwoEndpoints(t *testing.T) {
	s := newStack(t, Options{})
	visitor := s.visitor(t, "visitor-ep", "v_abc")
	laptop := s.agent(t, "agent-laptop")
	phone := s.agent(t, "agent-phone")

	connected := decode[protocol.AgentConnected](t, phone.all(protocol.TypeAgentConnected)[0])
	assert.Equal(t, 1, connected.OnlineAgents, "one agent, two endpoints")

	s.send(t, visitor, &protocol.MessageSend{Content: "Where is my order?", IdempotencyKey: "k1"})
	assert.Equal(t, 1, laptop.count(protocol.TypeMessageNew))
	assert.Equal(t, 1, phone.count(protocol.TypeMessageNew))

	ack := decode[protocol.MessageAck](t, visitor.all(protocol.TypeMessageAck)[0])
	s.send(t, laptop, &protocol.AgentReply{ConversationID: ack.ConversationID, Content: "It shipped", IdempotencyKey: "r1"})

	assert.Equal(t, 1, laptop.count(protocol.TypeMessageAck))
	assert.Equal(t, 1, laptop.count(protocol.TypeMessageNew), "originating endpoint not echoed")
	assert.Equal(t, 2, phone.count(protocol.TypeMessageNew), "second endpoint sees the reply")

	require.Equal(t, 1, visitor.count(protocol.TypeMessageNew))
	got := decode[protocol.MessageNew](t, visitor.all(protocol.TypeMessageNew)[0])
	assert.Equal(t, "It shipped", got.Message.Content)
	assert.Equal(t, "Sam", got.Message.SenderName)
	assert.Equal(t, "agent", got.Message.SenderType)

	s.router.Wait()
	assert.Equal(t, 0, s.dispatcher.count(), "visitor was live")
}

func TestVisitorMessageWithNoAgentOnline(t *testing.T) {
	s := newStack(t, Options{})
	visitor := s.visitor(t, "visitor-ep", "v_abc")

	s.send(t, visitor, &protocol.MessageSend{Content: "Anyone there?", IdempotencyKey: "k1", PageURL: "https://acme.test/help"})
	require.Equal(t, 1, visitor.count(protocol.TypeMessageAck))
	ack := decode[protocol.MessageAck](t, visitor.all(protocol.TypeMessageAck)[0])
	assert.False(t, ack.Duplicate)

	agent := s.agent(t, "agent-ep")
	updates := agent.all(protocol.TypeConversationUpdated)
	require.Len(t, updates, 1, "snapshot on connect")
	update := decode[protocol.ConversationUpdated](t, updates[0])
	assert.Equal(t, ack.ConversationID, update.ConversationID)
	require.NotNil(t, update.LastMessage)
	assert.Equal(t, "Anyone there?", update.LastMessage.Content)
}

func TestConcurrentSameKeyAcrossTabs(t *testing.T) {
	s := newStack(t, Options{})
	tabs := []*recordingEndpoint{
		s.visitor(t, "tab-1", "v_abc"),
		s.visitor(t, "tab-2", "v_abc"),
		s.visitor(t, "tab-3", "v_abc"),
	}
	agent := s.agent(t, "agent-ep")

	var wg sync.WaitGroup
	for _, tab := range tabs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.send(t, tab, &protocol.MessageSend{Content: "Hello", IdempotencyKey: "k-race"})
		}()
	}
	wg.Wait()

	fresh := 0
	ids := map[string]bool{}
	for _, tab := range tabs {
		acks := tab.all(protocol.TypeMessageAck)
		require.Len(t, acks, 1, "tab %s: %v", tab.id, tab.types())
		ack := decode[protocol.MessageAck](t, acks[0])
		ids[ack.MessageID] = true
		if !ack.Duplicate {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh)
	assert.Len(t, ids, 1)
	assert.Equal(t, 1, agent.count(protocol.TypeMessageNew))
}

func TestOfflineVisitorGetsOneNotice(t *testing.T) {
	s := newStack(t, Options{})
	visitor := s.visitor(t, "visitor-ep", "v_abc")
	agent := s.agent(t, "agent-ep")

	s.send(t, visitor, &protocol.VisitorIdentify{Name: "Pat", Email: "pat@example.com"})
	s.send(t, visitor, &protocol.MessageSend{Content: "Hello", IdempotencyKey: "k1"})
	ack := decode[protocol.MessageAck](t, visitor.all(protocol.TypeMessageAck)[0])
	s.handler.Disconnect(visitor)

	reply := &protocol.AgentReply{ConversationID: ack.ConversationID, Content: "We're on it", IdempotencyKey: "r1"}
	s.send(t, agent, reply)
	s.send(t, agent, reply)
	s.router.Wait()

	assert.Equal(t, 2, agent.count(protocol.TypeMessageAck))
	assert.Equal(t, 1, s.dispatcher.count(), "resent reply does not notify twice")
}

func TestVisitorReconnectRestoresConversation(t *testing.T) {
	s := newStack(t, Options{})
	visitor := s.visitor(t, "visitor-ep", "v_abc")
	s.send(t, visitor, &protocol.MessageSend{Content: "Hello", IdempotencyKey: "k1"})
	ack := decode[protocol.MessageAck](t, visitor.all(protocol.TypeMessageAck)[0])
	s.handler.Disconnect(visitor)

	again := s.visitor(t, "visitor-ep-2", "v_abc")
	connected := decode[protocol.WidgetConnected](t, again.all(protocol.TypeWidgetConnected)[0])
	assert.Equal(t, "v_abc", connected.SessionID)
	assert.NotEmpty(t, connected.VisitorID)
	assert.Equal(t, ack.ConversationID, connected.ConversationID)
}

func TestSendErrors(t *testing.T) {
	s := newStack(t, Options{})
	ctx := context.Background()

	tests := []struct {
		name      string
		setup     func(t *testing.T) *recordingEndpoint
		event     protocol.Inbound
		wantError string
		retryable bool
	}{
		{
			name:      "send before connect",
			setup:     func(t *testing.T) *recordingEndpoint { return s.open("bare") },
			event:     &protocol.MessageSend{Content: "Hello", IdempotencyKey: "k1"},
			wantError: "Not connected",
		},
		{
			name:      "empty content",
			setup:     func(t *testing.T) *recordingEndpoint { return s.visitor(t, "v-empty", "v_empty") },
			event:     &protocol.MessageSend{Content: "   ", IdempotencyKey: "k2"},
			wantError: "Empty message",
		},
		{
			name:      "visitor cannot reply as agent",
			setup:     func(t *testing.T) *recordingEndpoint { return s.visitor(t, "v-reply", "v_reply") },
			event:     &protocol.AgentReply{ConversationID: "conv-x", Content: "hi", IdempotencyKey: "k3"},
			wantError: "Not connected",
		},
		{
			name:      "unknown conversation",
			setup:     func(t *testing.T) *recordingEndpoint { return s.agent(t, "a-unknown") },
			event:     &protocol.AgentReply{ConversationID: "conv-missing", Content: "hi", IdempotencyKey: "k4"},
			wantError: "Conversation not found",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ep := tt.setup(t)
			s.handler.Handle(ctx, ep, frame(t, tt.event))

			errs := ep.all(protocol.TypeMessageError)
			require.Len(t, errs, 1, "got %v", ep.types())
			got := decode[protocol.MessageError](t, errs[0])
			assert.Equal(t, tt.wantError, got.Error)
			assert.Equal(t, tt.retryable, got.Retryable)
			assert.Equal(t, 0, ep.count(protocol.TypeMessageAck))
		})
	}
}

func TestRateLimit(t *testing.T) {
	s := newStack(t, Options{MessagesPerSecond: 0.001, Burst: 1})
	visitor := s.visitor(t, "visitor-ep", "v_abc")

	s.send(t, visitor, &protocol.MessageSend{Content: "one", IdempotencyKey: "k1"})
	s.send(t, visitor, &protocol.MessageSend{Content: "two", IdempotencyKey: "k2"})

	assert.Equal(t, 1, visitor.count(protocol.TypeMessageAck))
	errs := visitor.all(protocol.TypeMessageError)
	require.Len(t, errs, 1)
	got := decode[protocol.MessageError](t, errs[0])
	assert.Equal(t, "k2", got.IdempotencyKey)
	assert.True(t, got.Retryable)
}

func TestResendOfStoredKeyIsNotRateLimited(t *testing.T) {
	s := newStack(t, Options{MessagesPerSecond: 0.001, Burst: 1})
	visitor := s.visitor(t, "visitor-ep", "v_abc")

	s.send(t, visitor, &protocol.MessageSend{Content: "one", IdempotencyKey: "k1"})
	s.send(t, visitor, &protocol.MessageSend{Content: "one", IdempotencyKey: "k1"})
	s.send(t, visitor, &protocol.MessageSend{Content: "one", IdempotencyKey: "k1"})

	acks := visitor.all(protocol.TypeMessageAck)
	require.Len(t, acks, 3, "got %v", visitor.types())
	assert.True(t, decode[protocol.MessageAck](t, acks[2]).Duplicate)
	assert.Equal(t, 0, visitor.count(protocol.TypeMessageError))
}

func TestResendAfterConversationClosed(t *testing.T) {
	s := newStack(t, Options{})
	ctx := context.Background()
	visitor := s.visitor(t, "visitor-ep", "v_abc")
	agent := s.agent(t, "agent-ep")

	s.send(t, visitor, &protocol.MessageSend{Content: "Hello", IdempotencyKey: "k1"})
	first := decode[protocol.MessageAck](t, visitor.all(protocol.TypeMessageAck)[0])
	require.NoError(t, s.store.CloseConversation(ctx, first.ConversationID, "org-1"))

	s.send(t, visitor, &protocol.MessageSend{Content: "Hello", IdempotencyKey: "k1"})

	acks := visitor.all(protocol.TypeMessageAck)
	require.Len(t, acks, 2)
	again := decode[protocol.MessageAck](t, acks[1])
	assert.True(t, again.Duplicate)
	assert.Equal(t, first.MessageID, again.MessageID)
	assert.Equal(t, first.ConversationID, again.ConversationID)

	assert.Equal(t, 1, agent.count(protocol.TypeConversationNew), "no conversation opened for a duplicate")
	v, err := s.store.GetVisitorBySession(ctx, "org-1", "v_abc")
	require.NoError(t, err)
	_, err = s.store.GetOpenConversation(ctx, "org-1", v.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestKeyReusedAcrossOrgsIsRejected(t *testing.T) {
	s := newStack(t, Options{})
	ctx := context.Background()
	require.NoError(t, s.store.CreateOrganization(ctx, &store.Organization{ID: "org-2", Name: "Globex", Plan: plan.Paid}))

	first := s.visitor(t, "visitor-1", "v_abc")
	s.send(t, first, &protocol.MessageSend{Content: "Hello", IdempotencyKey: "shared"})
	require.Equal(t, 1, first.count(protocol.TypeMessageAck))

	other := s.open("visitor-2")
	s.send(t, other, &protocol.WidgetConnect{OrgID: "org-2", SessionID: "v_abc"})
	require.Equal(t, 1, other.count(protocol.TypeWidgetConnected))
	s.send(t, other, &protocol.MessageSend{Content: "mine", IdempotencyKey: "shared"})

	assert.Equal(t, 0, other.count(protocol.TypeMessageAck))
	errs := other.all(protocol.TypeMessageError)
	require.Len(t, errs, 1)
	got := decode[protocol.MessageError](t, errs[0])
	assert.Equal(t, "Message key already in use", got.Error)
	assert.False(t, got.Retryable)

	v, err := s.store.GetVisitorBySession(ctx, "org-2", "v_abc")
	require.NoError(t, err)
	_, err = s.store.GetOpenConversation(ctx, "org-2", v.ID)
	assert.ErrorIs(t, err, store.ErrNotFound, "a conflicting key opens no conversation")
}

func TestConnectErrors(t *testing.T) {
	s := newStack(t, Options{})

	tests := []struct {
		name  string
		event protocol.Inbound
		want  string
	}{
		{"missing session", &protocol.WidgetConnect{OrgID: "org-1"}, "Missing orgId or sessionId"},
		{"unknown org", &protocol.WidgetConnect{OrgID: "org-nope", SessionID: "v_x"}, "Invalid organization"},
		{"missing agent", &protocol.AgentConnect{OrgID: "org-1"}, "Missing agentId or orgId"},
		{"unknown agent", &protocol.AgentConnect{AgentID: "agent-nope", OrgID: "org-1"}, "Invalid agent"},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ep := s.open(fmt.Sprintf("ep-%d", i))
			s.send(t, ep, tt.event)
			errs := ep.all(protocol.TypeError)
			require.Len(t, errs, 1)
			assert.Equal(t, tt.want, decode[protocol.Error](t, errs[0]).Message)
		})
	}
	assert.Equal(t, 0, s.reg.SessionCount())
}

func TestMalformedFrames(t *testing.T) {
	s := newStack(t, Options{})
	ep := s.open("ep")

	s.handler.Handle(context.Background(), ep, []byte("{not json"))
	s.handler.Handle(context.Background(), ep, []byte(`{"type":"room:join","data":{}}`))

	errs := ep.all(protocol.TypeError)
	require.Len(t, errs, 2)
	assert.Equal(t, "Invalid message", decode[protocol.Error](t, errs[0]).Message)
	assert.Equal(t, "Unknown event", decode[protocol.Error](t, errs[1]).Message)
}

func TestAgentTokenRequired(t *testing.T) {
	verifier := auth.NewJWTVerifier([]byte("secret"))
	s := newStack(t, Options{Verifier: verifier})

	denied := s.open("denied")
	s.send(t, denied, &protocol.AgentConnect{AgentID: "agent-1", OrgID: "org-1", AccessToken: "bogus"})
	require.Equal(t, 1, denied.count(protocol.TypeError))
	assert.Equal(t, 0, s.reg.ReachableAgentCount("org-1"))

	token, err := verifier.Generate("agent-1", "org-1", time.Hour)
	require.NoError(t, err)
	allowed := s.open("allowed")
	s.send(t, allowed, &protocol.AgentConnect{AgentID: "agent-1", OrgID: "org-1", AccessToken: token})
	assert.Equal(t, 1, allowed.count(protocol.TypeAgentConnected))
}

func TestTypingRelay(t *testing.T) {
	s := newStack(t, Options{})
	visitor := s.visitor(t, "visitor-ep", "v_abc")
	agent := s.agent(t, "agent-ep")

	// No conversation yet: nothing to relay.
	s.send(t, visitor, &protocol.Typing{Active: true})
	assert.Equal(t, 0, agent.count(protocol.TypeTypingStart))

	s.send(t, visitor, &protocol.MessageSend{Content: "Hello", IdempotencyKey: "k1"})
	ack := decode[protocol.MessageAck](t, visitor.all(protocol.TypeMessageAck)[0])

	s.send(t, visitor, &protocol.Typing{ConversationID: "spoofed", Active: true})
	require.Equal(t, 1, agent.count(protocol.TypeTypingStart))
	notice := decode[protocol.TypingNotice](t, agent.all(protocol.TypeTypingStart)[0])
	assert.Equal(t, ack.ConversationID, notice.ConversationID, "visitor typing uses its own conversation")
	assert.Equal(t, "visitor", notice.SenderType)

	s.send(t, agent, &protocol.Typing{ConversationID: ack.ConversationID, Active: false})
	assert.Equal(t, 1, visitor.count(protocol.TypeTypingStop))
}

func TestIdentifyUpdatesSenderName(t *testing.T) {
	s := newStack(t, Options{})
	visitor := s.visitor(t, "visitor-ep", "v_abc")
	agent := s.agent(t, "agent-ep")

	s.send(t, visitor, &protocol.VisitorIdentify{Name: "Pat"})
	s.send(t, visitor, &protocol.MessageSend{Content: "Hello", IdempotencyKey: "k1"})

	msgs := agent.all(protocol.TypeMessageNew)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Pat", decode[protocol.MessageNew](t, msgs[0]).Message.SenderName)

	v, err := s.store.GetVisitorBySession(context.Background(), "org-1", "v_abc")
	require.NoError(t, err)
	assert.Equal(t, "Pat", v.Name)
}
