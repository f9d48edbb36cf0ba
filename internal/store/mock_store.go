// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite while enforcing the same uniqueness rules

package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu            sync.RWMutex
	orgs          map[string]*Organization
	agents        map[string]*Agent
	visitors      map[string]*Visitor // keyed by visitor ID
	visitorIndex  map[string]string   // "orgID:sessionToken" -> visitor ID
	conversations map[string]*Conversation
	openByVisitor map[string]string     // visitor ID -> open conversation ID
	messages      map[string][]*Message // keyed by conversation ID
	messageByKey  map[string]*Message   // keyed by idempotency key
	failures      map[string]error      // operation name -> injected error
	calls         map[string]int        // operation name -> call count
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		orgs:          make(map[string]*Organization),
		agents:        make(map[string]*Agent),
		visitors:      make(map[string]*Visitor),
		visitorIndex:  make(map[string]string),
		conversations: make(map[string]*Conversation),
		openByVisitor: make(map[string]string),
		messages:      make(map[string][]*Message),
		messageByKey:  make(map[string]*Message),
		failures:      make(map[string]error),
		calls:         make(map[string]int),
	}
}

// FailOn makes every subsequent call to the named operation (for example
// "InsertMessage") return err. A nil err clears the failure.
func (m *MockStore) FailOn(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

// Calls returns how many times the named operation has been invoked.
func (m *MockStore) Calls(op string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls[op]
}

// enter records the call and returns any injected failure. Caller holds mu.
func (m *MockStore) enter(op string) error {
	m.calls[op]++
	return m.failures[op]
}

func (m *MockStore) CreateOrganization(ctx context.Context, org *Organization) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("CreateOrganization"); err != nil {
		return err
	}

	o := *org
	if o.Plan == "" {
		o.Plan = "free"
		org.Plan = "free"
	}
	m.orgs[o.ID] = &o
	return nil
}

func (m *MockStore) GetOrganization(ctx context.Context, id string) (*Organization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetOrganization"); err != nil {
		return nil, err
	}

	o, ok := m.orgs[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *o
	return &result, nil
}

func (m *MockStore) CreateAgent(ctx context.Context, agent *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("CreateAgent"); err != nil {
		return err
	}

	if _, exists := m.agents[agent.ID]; exists {
		return ErrDuplicateAgent
	}
	a := *agent
	m.agents[a.ID] = &a
	return nil
}

func (m *MockStore) GetAgent(ctx context.Context, id, orgID string) (*Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetAgent"); err != nil {
		return nil, err
	}

	a, ok := m.agents[id]
	if !ok || a.OrgID != orgID {
		return nil, ErrNotFound
	}
	result := *a
	return &result, nil
}

func (m *MockStore) CountAgents(ctx context.Context, orgID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("CountAgents"); err != nil {
		return 0, err
	}

	n := 0
	for _, a := range m.agents {
		if a.OrgID == orgID {
			n++
		}
	}
	return n, nil
}

func (m *MockStore) UpsertVisitor(ctx context.Context, orgID, sessionToken string) (*Visitor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("UpsertVisitor"); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	key := orgID + ":" + sessionToken
	if id, ok := m.visitorIndex[key]; ok {
		v := m.visitors[id]
		v.LastSeenAt = now
		result := *v
		return &result, nil
	}

	v := &Visitor{
		ID:           newID(),
		OrgID:        orgID,
		SessionToken: sessionToken,
		FirstSeenAt:  now,
		LastSeenAt:   now,
	}
	m.visitors[v.ID] = v
	m.visitorIndex[key] = v.ID
	result := *v
	return &result, nil
}

func (m *MockStore) GetVisitor(ctx context.Context, id string) (*Visitor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetVisitor"); err != nil {
		return nil, err
	}

	v, ok := m.visitors[id]
	if !ok {
		return nil, ErrNotFound
	}
	result := *v
	return &result, nil
}

func (m *MockStore) GetVisitorBySession(ctx context.Context, orgID, sessionToken string) (*Visitor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetVisitorBySession"); err != nil {
		return nil, err
	}

	id, ok := m.visitorIndex[orgID+":"+sessionToken]
	if !ok {
		return nil, ErrNotFound
	}
	result := *m.visitors[id]
	return &result, nil
}

func (m *MockStore) IdentifyVisitor(ctx context.Context, id, name, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("IdentifyVisitor"); err != nil {
		return err
	}

	v, ok := m.visitors[id]
	if !ok {
		return ErrNotFound
	}
	if name != "" {
		v.Name = name
	}
	if email != "" {
		v.Email = email
	}
	v.LastSeenAt = time.Now().UTC()
	return nil
}

func (m *MockStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("CreateConversation"); err != nil {
		return err
	}

	c := *conv
	if c.Status == "" {
		c.Status = ConversationOpen
		conv.Status = ConversationOpen
	}
	if c.Status == ConversationOpen {
		if _, exists := m.openByVisitor[c.VisitorID]; exists {
			return ErrDuplicateConversation
		}
		m.openByVisitor[c.VisitorID] = c.ID
	}
	m.conversations[c.ID] = &c
	return nil
}

func (m *MockStore) GetConversation(ctx context.Context, id, orgID string) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetConversation"); err != nil {
		return nil, err
	}

	c, ok := m.conversations[id]
	if !ok || c.OrgID != orgID {
		return nil, ErrNotFound
	}
	result := *c
	return &result, nil
}

func (m *MockStore) GetOpenConversation(ctx context.Context, orgID, visitorID string) (*Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetOpenConversation"); err != nil {
		return nil, err
	}

	id, ok := m.openByVisitor[visitorID]
	if !ok {
		return nil, ErrNotFound
	}
	c := m.conversations[id]
	if c.OrgID != orgID {
		return nil, ErrNotFound
	}
	result := *c
	return &result, nil
}

func (m *MockStore) TouchConversation(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("TouchConversation"); err != nil {
		return err
	}

	c, ok := m.conversations[id]
	if !ok {
		return ErrNotFound
	}
	c.UpdatedAt = at
	return nil
}

func (m *MockStore) CloseConversation(ctx context.Context, id, orgID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("CloseConversation"); err != nil {
		return err
	}

	c, ok := m.conversations[id]
	if !ok || c.OrgID != orgID {
		return ErrNotFound
	}
	c.Status = ConversationClosed
	if m.openByVisitor[c.VisitorID] == id {
		delete(m.openByVisitor, c.VisitorID)
	}
	return nil
}

func (m *MockStore) CountConversationsSince(ctx context.Context, orgID string, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("CountConversationsSince"); err != nil {
		return 0, err
	}

	n := 0
	for _, c := range m.conversations {
		if c.OrgID == orgID && !c.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *MockStore) ListOpenConversations(ctx context.Context, orgID string, limit int) ([]*ConversationSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ListOpenConversations"); err != nil {
		return nil, err
	}

	var summaries []*ConversationSummary
	for _, c := range m.conversations {
		if c.OrgID != orgID || c.Status != ConversationOpen {
			continue
		}
		summary := &ConversationSummary{Conversation: *c}
		if msgs := m.messages[c.ID]; len(msgs) > 0 {
			last := *msgs[len(msgs)-1]
			summary.LastMessage = &last
		}
		summaries = append(summaries, summary)
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
	})
	if limit <= 0 {
		limit = 50
	}
	if len(summaries) > limit {
		summaries = summaries[:limit]
	}
	return summaries, nil
}

func (m *MockStore) InsertMessage(ctx context.Context, msg *Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("InsertMessage"); err != nil {
		return err
	}

	if _, exists := m.messageByKey[msg.IdempotencyKey]; exists {
		return ErrDuplicateMessage
	}
	stored := *msg
	m.messageByKey[stored.IdempotencyKey] = &stored
	m.messages[stored.ConversationID] = append(m.messages[stored.ConversationID], &stored)
	return nil
}

func (m *MockStore) GetMessageByIdempotencyKey(ctx context.Context, key string) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("GetMessageByIdempotencyKey"); err != nil {
		return nil, err
	}

	msg, ok := m.messageByKey[key]
	if !ok {
		return nil, ErrNotFound
	}
	result := *msg
	return &result, nil
}

func (m *MockStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter("ListMessages"); err != nil {
		return nil, err
	}

	msgs := m.messages[conversationID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}

	result := make([]*Message, 0, len(msgs))
	for _, msg := range msgs {
		c := *msg
		result = append(result, &c)
	}
	return result, nil
}

func (m *MockStore) Close() error {
	return nil
}

var _ Store = (*MockStore)(nil)
var _ Store = (*SQLiteStore)(nil)
