package plan

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/relay-gateway/internal/store"
)

func TestFor(t *testing.T) {
	assert.False(t, For(Free).EmailNotifications)
	assert.True(t, For(Paid).EmailNotifications)
	assert.Equal(t, Unlimited, For(Paid).Agents)
	assert.Equal(t, For(Free), For("enterprise-trial"), "unknown plans fall back to free")
}

func seedOrg(t *testing.T, planName string) *store.MockStore {
	t.Helper()
	ms := store.NewMockStore()
	require.NoError(t, ms.CreateOrganization(context.Background(), &store.Organization{ID: "org-1", Name: "Acme", Plan: planName}))
	return ms
}

func TestCheckConversationLimit(t *testing.T) {
	ms := seedOrg(t, Free)
	ctx := context.Background()
	checker := NewChecker(ms)
	checker.now = func() time.Time { return time.Date(2026, 5, 20, 10, 0, 0, 0, time.UTC) }

	// Last month's conversations do not count.
	for i := range 100 {
		require.NoError(t, ms.CreateConversation(ctx, &store.Conversation{
			ID:        fmt.Sprintf("old-%d", i),
			OrgID:     "org-1",
			VisitorID: fmt.Sprintf("v-old-%d", i),
			CreatedAt: time.Date(2026, 4, 30, 0, 0, 0, 0, time.UTC),
		}))
	}
	require.NoError(t, checker.CheckConversationLimit(ctx, "org-1"))

	for i := range 100 {
		require.NoError(t, ms.CreateConversation(ctx, &store.Conversation{
			ID:        fmt.Sprintf("new-%d", i),
			OrgID:     "org-1",
			VisitorID: fmt.Sprintf("v-new-%d", i),
			CreatedAt: time.Date(2026, 5, 2, 0, 0, 0, 0, time.UTC),
		}))
	}
	err := checker.CheckConversationLimit(ctx, "org-1")
	assert.ErrorIs(t, err, ErrLimitExceeded)
}

func TestCheckAgentLimit(t *testing.T) {
	ctx := context.Background()

	free := seedOrg(t, Free)
	require.NoError(t, NewChecker(free).CheckAgentLimit(ctx, "org-1"))
	require.NoError(t, free.CreateAgent(ctx, &store.Agent{ID: "a1", OrgID: "org-1", Name: "Sam"}))
	assert.ErrorIs(t, NewChecker(free).CheckAgentLimit(ctx, "org-1"), ErrLimitExceeded)

	paid := seedOrg(t, Paid)
	for i := range 5 {
		require.NoError(t, paid.CreateAgent(ctx, &store.Agent{ID: fmt.Sprintf("a%d", i), OrgID: "org-1", Name: "Agent"}))
	}
	assert.NoError(t, NewChecker(paid).CheckAgentLimit(ctx, "org-1"))
}

func TestCheck_UnknownOrg(t *testing.T) {
	err := NewChecker(store.NewMockStore()).CheckConversationLimit(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
