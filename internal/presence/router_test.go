package presence

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/relay-gateway/internal/fanout"
	"github.com/2389/relay-gateway/internal/notify"
	"github.com/2389/relay-gateway/internal/plan"
	"github.com/2389/relay-gateway/internal/protocol"
	"github.com/2389/relay-gateway/internal/registry"
	"github.com/2389/relay-gateway/internal/store"
)

type recordingEndpoint struct {
	id string

	mu    sync.Mutex
	types []string
}

func (e *recordingEndpoint) ID() string { return e.id }

func (e *recordingEndpoint) Send(env protocol.Envelope) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.types = append(e.types, env.Type)
	return true
}

func (e *recordingEndpoint) received() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.types...)
}

type countingDispatcher struct {
	mu      sync.Mutex
	notices []notify.Notice
	err     error
	block   bool
}

func (d *countingDispatcher) Dispatch(ctx context.Context, n notify.Notice) error {
	if d.block {
		<-ctx.Done()
		return ctx.Err()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.notices = append(d.notices, n)
	return d.err
}

func (d *countingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.notices)
}

type fixture struct {
	store      *store.MockStore
	reg        *registry.Registry
	bus        *fanout.Bus
	dispatcher *countingDispatcher
	router     *Router
	conv       *store.Conversation
	visitor    *store.Visitor
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T, planName, email string) *fixture {
	t.Helper()
	ctx := context.Background()
	ms := store.NewMockStore()
	require.NoError(t, ms.CreateOrganization(ctx, &store.Organization{ID: "org-1", Name: "Acme", Plan: planName}))
	require.NoError(t, ms.CreateAgent(ctx, &store.Agent{ID: "agent-1", OrgID: "org-1", Name: "Sam"}))

	visitor, err := ms.UpsertVisitor(ctx, "org-1", "v_abc")
	require.NoError(t, err)
	if email != "" {
		require.NoError(t, ms.IdentifyVisitor(ctx, visitor.ID, "Pat", email))
	}
	conv := &store.Conversation{ID: "conv-1", OrgID: "org-1", VisitorID: visitor.ID, CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC()}
	require.NoError(t, ms.CreateConversation(ctx, conv))

	reg := registry.New(ms, quietLogger())
	bus := fanout.NewBus(reg, nil, fanout.Options{Logger: quietLogger()})
	t.Cleanup(bus.Close)
	dispatcher := &countingDispatcher{}

	return &fixture{
		store:      ms,
		reg:        reg,
		bus:        bus,
		dispatcher: dispatcher,
		router:     NewRouter(bus, reg, ms, dispatcher, Options{NotifyTimeout: 50 * time.Millisecond, Logger: quietLogger()}),
		conv:       conv,
		visitor:    visitor,
	}
}

func (f *fixture) connectVisitor(t *testing.T, id string) *recordingEndpoint {
	t.Helper()
	ep := &recordingEndpoint{id: id}
	_, err := f.reg.RegisterVisitor(context.Background(), ep, "org-1", "v_abc")
	require.NoError(t, err)
	return ep
}

func (f *fixture) connectAgent(t *testing.T, id string) *recordingEndpoint {
	t.Helper()
	ep := &recordingEndpoint{id: id}
	_, err := f.reg.RegisterAgent(context.Background(), ep, "agent-1", "org-1")
	require.NoError(t, err)
	return ep
}

func (f *fixture) reply(content string) Reply {
	return Reply{
		Conversation: f.conv,
		Message: &store.Message{
			ID:             "msg-1",
			OrgID:          "org-1",
			ConversationID: f.conv.ID,
			SenderKind:     store.SenderAgent,
			SenderID:       "agent-1",
			Content:        content,
			IdempotencyKey: "k-reply",
			CreatedAt:      time.Now().UTC(),
		},
		AgentName: "Sam",
		Origin:    "agent-ep",
	}
}

func TestAgentReply_VisitorLive(t *testing.T) {
	f := newFixture(t, plan.Paid, "pat@example.com")
	visitor := f.connectVisitor(t, "visitor-ep")
	agent := f.connectAgent(t, "agent-ep")

	outcome := f.router.AgentReply(context.Background(), f.reply("Hi there"))
	f.router.Wait()

	assert.Equal(t, LiveDelivered, outcome)
	assert.Equal(t, 0, f.dispatcher.count())
	assert.Contains(t, visitor.received(), protocol.TypeMessageNew)
	assert.Equal(t, []string{protocol.TypeConversationUpdated}, agent.received(), "originating agent only gets the summary")
}

func TestAgentReply_OfflineVisitorNotifiedExactlyOnce(t *testing.T) {
	f := newFixture(t, plan.Paid, "pat@example.com")
	long := strings.Repeat("x", notify.PreviewLimit+20)

	outcome := f.router.AgentReply(context.Background(), f.reply(long))
	f.router.Wait()

	assert.Equal(t, FallbackQueued, outcome)
	require.Equal(t, 1, f.dispatcher.count())
	n := f.dispatcher.notices[0]
	assert.Equal(t, "pat@example.com", n.To)
	assert.Equal(t, "Sam", n.AgentName)
	assert.Equal(t, "Acme", n.OrgName)
	assert.Equal(t, strings.Repeat("x", notify.PreviewLimit)+"...", n.Preview)
}

func TestAgentReply_FallbackSkipped(t *testing.T) {
	tests := []struct {
		name  string
		plan  string
		email string
	}{
		{"free plan", plan.Free, "pat@example.com"},
		{"no email", plan.Paid, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.plan, tt.email)
			outcome := f.router.AgentReply(context.Background(), f.reply("Hello"))
			f.router.Wait()

			assert.Equal(t, FallbackSkipped, outcome)
			assert.Equal(t, 0, f.dispatcher.count())
		})
	}
}

func TestAgentReply_DispatchFailureSwallowed(t *testing.T) {
	f := newFixture(t, plan.Paid, "pat@example.com")
	f.dispatcher.err = errors.New("smtp down")

	outcome := f.router.AgentReply(context.Background(), f.reply("Hello"))
	f.router.Wait()

	assert.Equal(t, FallbackQueued, outcome)
	assert.Equal(t, 1, f.dispatcher.count())
}

func TestAgentReply_DispatchBoundedByTimeout(t *testing.T) {
	f := newFixture(t, plan.Paid, "pat@example.com")
	f.dispatcher.block = true

	f.router.AgentReply(context.Background(), f.reply("Hello"))

	done := make(chan struct{})
	go func() {
		f.router.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dispatch not bounded by notify timeout")
	}
}

func TestVisitorMessage_AnnouncesNewConversation(t *testing.T) {
	f := newFixture(t, plan.Free, "")
	visitor := f.connectVisitor(t, "visitor-ep")
	f.reg.AttachConversation("org-1", "v_abc", f.visitor.ID, f.conv.ID)
	agent := f.connectAgent(t, "agent-ep")

	msg := &store.Message{ID: "msg-1", ConversationID: f.conv.ID, SenderKind: store.SenderVisitor, Content: "Hello", IdempotencyKey: "k1"}
	outcome := f.router.VisitorMessage(context.Background(), Inbound{
		Conversation: f.conv,
		Message:      msg,
		Created:      true,
		Origin:       "visitor-ep",
	})

	assert.Equal(t, LiveDelivered, outcome)
	assert.Equal(t, []string{
		protocol.TypeConversationNew,
		protocol.TypeMessageNew,
		protocol.TypeConversationUpdated,
	}, agent.received())
	assert.Empty(t, visitor.received(), "originator excluded")
}

func TestTyping(t *testing.T) {
	f := newFixture(t, plan.Free, "")
	agent := f.connectAgent(t, "agent-ep")

	err := f.router.Typing(context.Background(), Typing{OrgID: "org-1", ConversationID: "conv-1", SenderKind: store.SenderVisitor, Active: true, Origin: "visitor-ep"})
	require.NoError(t, err)
	assert.Equal(t, []string{protocol.TypeTypingStart}, agent.received())

	err = f.router.Typing(context.Background(), Typing{OrgID: "org-2", ConversationID: "conv-1", Active: true})
	assert.ErrorIs(t, err, ErrUnknownConversation)
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "fallback_queued", FallbackQueued.String())
}
