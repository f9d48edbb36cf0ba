// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Persists organizations, agents, visitors, conversations and messages with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// timeFormat is fixed-width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// A single connection serializes writers and keeps pragmas and
	// in-memory databases bound to one handle.
	db.SetMaxOpenConns(1)

	pragmas := []struct {
		stmt string
		name string
	}{
		{"PRAGMA journal_mode=WAL", "WAL mode"},
		{"PRAGMA foreign_keys=ON", "foreign keys"},
		{"PRAGMA busy_timeout=5000", "busy timeout"},
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p.stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("enabling %s: %w", p.name, err)
		}
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS organizations (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			plan TEXT NOT NULL DEFAULT 'free',
			created_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS agents (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			name TEXT NOT NULL,
			email TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			FOREIGN KEY (org_id) REFERENCES organizations(id)
		);

		CREATE INDEX IF NOT EXISTS idx_agents_org ON agents(org_id);

		CREATE TABLE IF NOT EXISTS visitors (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			session_token TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			email TEXT NOT NULL DEFAULT '',
			first_seen_at TEXT NOT NULL,
			last_seen_at TEXT NOT NULL,
			FOREIGN KEY (org_id) REFERENCES organizations(id)
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_visitors_org_session
			ON visitors(org_id, session_token);

		CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			visitor_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'open',
			page_url TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			FOREIGN KEY (org_id) REFERENCES organizations(id),
			FOREIGN KEY (visitor_id) REFERENCES visitors(id),
			CHECK (status IN ('open', 'closed', 'snoozed'))
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_open_visitor
			ON conversations(visitor_id) WHERE status = 'open';

		CREATE INDEX IF NOT EXISTS idx_conversations_org_updated
			ON conversations(org_id, updated_at);

		CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			org_id TEXT NOT NULL,
			conversation_id TEXT NOT NULL,
			sender_kind TEXT NOT NULL,
			sender_id TEXT NOT NULL,
			content TEXT NOT NULL,
			idempotency_key TEXT NOT NULL,
			created_at TEXT NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id),
			CHECK (sender_kind IN ('visitor', 'agent'))
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_idempotency_key
			ON messages(idempotency_key);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
			ON messages(conversation_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies additive column changes to databases created by older builds
func (s *SQLiteStore) runMigrations() error {
	// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so we check first
	migrations := []struct {
		check  string // Query to check if migration is needed
		apply  string // Query to apply the migration
		table  string
		column string
	}{
		{
			check:  `SELECT 1 FROM pragma_table_info('conversations') WHERE name = 'page_url'`,
			apply:  `ALTER TABLE conversations ADD COLUMN page_url TEXT NOT NULL DEFAULT ''`,
			table:  "conversations",
			column: "page_url",
		},
		{
			check:  `SELECT 1 FROM pragma_table_info('agents') WHERE name = 'email'`,
			apply:  `ALTER TABLE agents ADD COLUMN email TEXT NOT NULL DEFAULT ''`,
			table:  "agents",
			column: "email",
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(m.check).Scan(&exists)
		if err == nil {
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func newID() string {
	return uuid.New().String()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeFormat, s)
}

// CreateOrganization inserts a new organization
func (s *SQLiteStore) CreateOrganization(ctx context.Context, org *Organization) error {
	if org.Plan == "" {
		org.Plan = "free"
	}
	if org.CreatedAt.IsZero() {
		org.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO organizations (id, name, plan, created_at) VALUES (?, ?, ?, ?)`,
		org.ID, org.Name, org.Plan, formatTime(org.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting organization: %w", err)
	}

	s.logger.Debug("created organization", "org_id", org.ID, "plan", org.Plan)
	return nil
}

// GetOrganization retrieves an organization by ID.
// Returns ErrNotFound if the organization doesn't exist.
func (s *SQLiteStore) GetOrganization(ctx context.Context, id string) (*Organization, error) {
	var org Organization
	var createdAt string

	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, plan, created_at FROM organizations WHERE id = ?`, id,
	).Scan(&org.ID, &org.Name, &org.Plan, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying organization: %w", err)
	}

	if org.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &org, nil
}

// CreateAgent inserts a new agent.
// Returns ErrDuplicateAgent if the agent ID is already taken.
func (s *SQLiteStore) CreateAgent(ctx context.Context, agent *Agent) error {
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (id, org_id, name, email, created_at) VALUES (?, ?, ?, ?, ?)`,
		agent.ID, agent.OrgID, agent.Name, agent.Email, formatTime(agent.CreatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateAgent
		}
		return fmt.Errorf("inserting agent: %w", err)
	}

	s.logger.Debug("created agent", "agent_id", agent.ID, "org_id", agent.OrgID)
	return nil
}

// GetAgent retrieves an agent belonging to the given organization.
// Returns ErrNotFound if the agent doesn't exist or belongs to another organization.
func (s *SQLiteStore) GetAgent(ctx context.Context, id, orgID string) (*Agent, error) {
	var agent Agent
	var createdAt string

	err := s.db.QueryRowContext(ctx,
		`SELECT id, org_id, name, email, created_at FROM agents WHERE id = ? AND org_id = ?`,
		id, orgID,
	).Scan(&agent.ID, &agent.OrgID, &agent.Name, &agent.Email, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent: %w", err)
	}

	if agent.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &agent, nil
}

// CountAgents returns the number of agents in an organization
func (s *SQLiteStore) CountAgents(ctx context.Context, orgID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM agents WHERE org_id = ?`, orgID).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting agents: %w", err)
	}
	return n, nil
}

const visitorColumns = `id, org_id, session_token, name, email, first_seen_at, last_seen_at`

func scanVisitor(row *sql.Row) (*Visitor, error) {
	var v Visitor
	var firstSeen, lastSeen string

	err := row.Scan(&v.ID, &v.OrgID, &v.SessionToken, &v.Name, &v.Email, &firstSeen, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying visitor: %w", err)
	}

	if v.FirstSeenAt, err = parseTime(firstSeen); err != nil {
		return nil, fmt.Errorf("parsing first_seen_at: %w", err)
	}
	if v.LastSeenAt, err = parseTime(lastSeen); err != nil {
		return nil, fmt.Errorf("parsing last_seen_at: %w", err)
	}
	return &v, nil
}

// UpsertVisitor returns the visitor for (orgID, sessionToken), creating it on first sight
// and refreshing last_seen_at otherwise.
func (s *SQLiteStore) UpsertVisitor(ctx context.Context, orgID, sessionToken string) (*Visitor, error) {
	now := formatTime(time.Now())

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO visitors (id, org_id, session_token, first_seen_at, last_seen_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(org_id, session_token) DO UPDATE SET last_seen_at = excluded.last_seen_at
	`, newID(), orgID, sessionToken, now, now)
	if err != nil {
		return nil, fmt.Errorf("upserting visitor: %w", err)
	}

	return s.GetVisitorBySession(ctx, orgID, sessionToken)
}

// GetVisitor retrieves a visitor by ID
func (s *SQLiteStore) GetVisitor(ctx context.Context, id string) (*Visitor, error) {
	return scanVisitor(s.db.QueryRowContext(ctx,
		`SELECT `+visitorColumns+` FROM visitors WHERE id = ?`, id))
}

// GetVisitorBySession retrieves a visitor by organization and session token
func (s *SQLiteStore) GetVisitorBySession(ctx context.Context, orgID, sessionToken string) (*Visitor, error) {
	return scanVisitor(s.db.QueryRowContext(ctx,
		`SELECT `+visitorColumns+` FROM visitors WHERE org_id = ? AND session_token = ?`, orgID, sessionToken))
}

// IdentifyVisitor sets the visitor's name and/or email. Empty values leave the
// existing field unchanged.
func (s *SQLiteStore) IdentifyVisitor(ctx context.Context, id, name, email string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE visitors
		SET name = COALESCE(NULLIF(?, ''), name),
			email = COALESCE(NULLIF(?, ''), email),
			last_seen_at = ?
		WHERE id = ?
	`, name, email, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("updating visitor: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

const conversationColumns = `id, org_id, visitor_id, status, page_url, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var c Conversation
	var status, createdAt, updatedAt string

	if err := row.Scan(&c.ID, &c.OrgID, &c.VisitorID, &status, &c.PageURL, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	c.Status = ConversationStatus(status)

	var err error
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &c, nil
}

// CreateConversation inserts a new conversation.
// Returns ErrDuplicateConversation if the visitor already has an open conversation.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	if conv.Status == "" {
		conv.Status = ConversationOpen
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, org_id, visitor_id, status, page_url, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		conv.ID,
		conv.OrgID,
		conv.VisitorID,
		string(conv.Status),
		conv.PageURL,
		formatTime(conv.CreatedAt),
		formatTime(conv.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateConversation
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}

	s.logger.Debug("created conversation", "conversation_id", conv.ID, "org_id", conv.OrgID)
	return nil
}

// GetConversation retrieves a conversation scoped to its organization.
// Returns ErrNotFound if it doesn't exist or belongs to another organization.
func (s *SQLiteStore) GetConversation(ctx context.Context, id, orgID string) (*Conversation, error) {
	conv, err := scanConversation(s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ? AND org_id = ?`, id, orgID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying conversation: %w", err)
	}
	return conv, nil
}

// GetOpenConversation retrieves the visitor's open conversation
func (s *SQLiteStore) GetOpenConversation(ctx context.Context, orgID, visitorID string) (*Conversation, error) {
	conv, err := scanConversation(s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE org_id = ? AND visitor_id = ? AND status = 'open'`,
		orgID, visitorID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying open conversation: %w", err)
	}
	return conv, nil
}

// TouchConversation sets updated_at on a conversation
func (s *SQLiteStore) TouchConversation(ctx context.Context, id string, at time.Time) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`, formatTime(at), id)
	if err != nil {
		return fmt.Errorf("touching conversation: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// CloseConversation marks a conversation closed. The visitor's next message
// opens a new one.
func (s *SQLiteStore) CloseConversation(ctx context.Context, id, orgID string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET status = 'closed' WHERE id = ? AND org_id = ?`, id, orgID)
	if err != nil {
		return fmt.Errorf("closing conversation: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// CountConversationsSince counts conversations created in an organization at or after since
func (s *SQLiteStore) CountConversationsSince(ctx context.Context, orgID string, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conversations WHERE org_id = ? AND created_at >= ?`,
		orgID, formatTime(since),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting conversations: %w", err)
	}
	return n, nil
}

// ListOpenConversations returns an organization's open conversations, most recently
// updated first, each with its latest message if any.
func (s *SQLiteStore) ListOpenConversations(ctx context.Context, orgID string, limit int) ([]*ConversationSummary, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.org_id, c.visitor_id, c.status, c.page_url, c.created_at, c.updated_at,
			m.id, m.sender_kind, m.sender_id, m.content, m.idempotency_key, m.created_at
		FROM conversations c
		LEFT JOIN messages m ON m.rowid = (
			SELECT rowid FROM messages
			WHERE conversation_id = c.id
			ORDER BY created_at DESC, rowid DESC
			LIMIT 1
		)
		WHERE c.org_id = ? AND c.status = 'open'
		ORDER BY c.updated_at DESC
		LIMIT ?
	`, orgID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying open conversations: %w", err)
	}
	defer rows.Close()

	var summaries []*ConversationSummary
	for rows.Next() {
		var c Conversation
		var status, createdAt, updatedAt string
		var msgID, msgKind, msgSender, msgContent, msgKey, msgCreatedAt sql.NullString

		if err := rows.Scan(&c.ID, &c.OrgID, &c.VisitorID, &status, &c.PageURL, &createdAt, &updatedAt,
			&msgID, &msgKind, &msgSender, &msgContent, &msgKey, &msgCreatedAt); err != nil {
			return nil, fmt.Errorf("scanning conversation row: %w", err)
		}
		c.Status = ConversationStatus(status)
		if c.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return nil, fmt.Errorf("parsing updated_at: %w", err)
		}

		summary := &ConversationSummary{Conversation: c}
		if msgID.Valid {
			msg := &Message{
				ID:             msgID.String,
				OrgID:          c.OrgID,
				ConversationID: c.ID,
				SenderKind:     SenderKind(msgKind.String),
				SenderID:       msgSender.String,
				Content:        msgContent.String,
				IdempotencyKey: msgKey.String,
			}
			if msg.CreatedAt, err = parseTime(msgCreatedAt.String); err != nil {
				return nil, fmt.Errorf("parsing message created_at: %w", err)
			}
			summary.LastMessage = msg
		}
		summaries = append(summaries, summary)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversation rows: %w", err)
	}
	return summaries, nil
}

const messageColumns = `id, org_id, conversation_id, sender_kind, sender_id, content, idempotency_key, created_at`

func scanMessage(row rowScanner) (*Message, error) {
	var msg Message
	var kind, createdAt string

	if err := row.Scan(&msg.ID, &msg.OrgID, &msg.ConversationID, &kind, &msg.SenderID,
		&msg.Content, &msg.IdempotencyKey, &createdAt); err != nil {
		return nil, err
	}
	msg.SenderKind = SenderKind(kind)

	var err error
	if msg.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing message created_at: %w", err)
	}
	return &msg, nil
}

// InsertMessage saves a new message.
// Returns ErrDuplicateMessage if the idempotency key already exists.
func (s *SQLiteStore) InsertMessage(ctx context.Context, msg *Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		msg.ID,
		msg.OrgID,
		msg.ConversationID,
		string(msg.SenderKind),
		msg.SenderID,
		msg.Content,
		msg.IdempotencyKey,
		formatTime(msg.CreatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateMessage
		}
		return fmt.Errorf("inserting message: %w", err)
	}

	s.logger.Debug("saved message", "id", msg.ID, "conversation_id", msg.ConversationID, "idempotency_key", msg.IdempotencyKey)
	return nil
}

// GetMessageByIdempotencyKey retrieves the message stored under key
func (s *SQLiteStore) GetMessageByIdempotencyKey(ctx context.Context, key string) (*Message, error) {
	msg, err := scanMessage(s.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE idempotency_key = ?`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying message: %w", err)
	}
	return msg, nil
}

// ListMessages retrieves messages for a conversation, limited to the most recent `limit` messages.
// Messages are returned in chronological order (oldest first), at most one per idempotency key.
// If limit is 0 or negative, all messages are returned.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	var query string
	var args []any

	if limit > 0 {
		query = `
			SELECT ` + messageColumns + ` FROM (
				SELECT rowid AS rid, ` + messageColumns + `
				FROM messages
				WHERE conversation_id = ?
				ORDER BY created_at DESC, rowid DESC
				LIMIT ?
			)
			ORDER BY created_at ASC, rid ASC
		`
		args = []any{conversationID, limit}
	} else {
		query = `
			SELECT ` + messageColumns + `
			FROM messages
			WHERE conversation_id = ?
			ORDER BY created_at ASC, rowid ASC
		`
		args = []any{conversationID}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	seen := make(map[string]struct{})
	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		if _, dup := seen[msg.IdempotencyKey]; dup {
			continue
		}
		seen[msg.IdempotencyKey] = struct{}{}
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}
	return messages, nil
}
