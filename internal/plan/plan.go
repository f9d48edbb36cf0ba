// ABOUTME: Billing plan entitlements for organizations
// ABOUTME: Enforces agent and monthly conversation limits and gates email notifications

package plan

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/2389/relay-gateway/internal/store"
)

// ErrLimitExceeded is returned when an organization has used up a plan allowance.
var ErrLimitExceeded = errors.New("plan limit exceeded")

// Plan names.
const (
	Free = "free"
	Paid = "paid"
)

// Unlimited marks an allowance with no cap.
const Unlimited = -1

// Limits describes what a plan allows.
type Limits struct {
	Agents                int
	ConversationsPerMonth int
	EmailNotifications    bool
}

var limits = map[string]Limits{
	Free: {Agents: 1, ConversationsPerMonth: 100, EmailNotifications: false},
	Paid: {Agents: Unlimited, ConversationsPerMonth: 1000, EmailNotifications: true},
}

// For returns the limits of a plan. Unknown plans get the free limits.
func For(plan string) Limits {
	if l, ok := limits[plan]; ok {
		return l
	}
	return limits[Free]
}

// Counter is the storage the Checker needs.
type Counter interface {
	GetOrganization(ctx context.Context, id string) (*store.Organization, error)
	CountAgents(ctx context.Context, orgID string) (int, error)
	CountConversationsSince(ctx context.Context, orgID string, since time.Time) (int, error)
}

// Checker enforces plan limits against stored usage.
type Checker struct {
	store Counter
	now   func() time.Time
}

// NewChecker creates a Checker.
func NewChecker(s Counter) *Checker {
	return &Checker{store: s, now: time.Now}
}

// periodStart is the first instant of the current calendar month (UTC).
func (c *Checker) periodStart() time.Time {
	now := c.now().UTC()
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// CheckConversationLimit returns ErrLimitExceeded when the organization has
// created its plan's allowance of conversations this month.
func (c *Checker) CheckConversationLimit(ctx context.Context, orgID string) error {
	org, err := c.store.GetOrganization(ctx, orgID)
	if err != nil {
		return fmt.Errorf("loading organization: %w", err)
	}

	limit := For(org.Plan).ConversationsPerMonth
	if limit == Unlimited {
		return nil
	}

	count, err := c.store.CountConversationsSince(ctx, orgID, c.periodStart())
	if err != nil {
		return fmt.Errorf("counting conversations: %w", err)
	}
	if count >= limit {
		return fmt.Errorf("%w: monthly conversation limit (%d)", ErrLimitExceeded, limit)
	}
	return nil
}

// CheckAgentLimit returns ErrLimitExceeded when the organization cannot add another agent.
func (c *Checker) CheckAgentLimit(ctx context.Context, orgID string) error {
	org, err := c.store.GetOrganization(ctx, orgID)
	if err != nil {
		return fmt.Errorf("loading organization: %w", err)
	}

	limit := For(org.Plan).Agents
	if limit == Unlimited {
		return nil
	}

	count, err := c.store.CountAgents(ctx, orgID)
	if err != nil {
		return fmt.Errorf("counting agents: %w", err)
	}
	if count >= limit {
		return fmt.Errorf("%w: agent limit (%d)", ErrLimitExceeded, limit)
	}
	return nil
}
