// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Conditional-update transitions make claim arbitration race-free at the data layer

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// timeFormat stores timestamps as fixed-width UTC text so that string
// comparison in SQL matches chronological order. RFC3339Nano would strip
// trailing zeros, making "12:00:00Z" sort after "12:00:00.5Z".
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

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
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// A pooled :memory: database is one database per connection; pin the pool
	// to a single connection so every caller sees the same data.
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversations (
			id               TEXT PRIMARY KEY,
			session_id       TEXT NOT NULL UNIQUE,
			channel          TEXT NOT NULL,
			status           TEXT NOT NULL,
			customer_name    TEXT NOT NULL DEFAULT '',
			customer_email   TEXT NOT NULL DEFAULT '',
			customer_phone   TEXT NOT NULL DEFAULT '',
			product_interest TEXT NOT NULL DEFAULT '',
			agent_id         TEXT,
			created_at       TEXT NOT NULL,
			handoff_at       TEXT,

			CHECK (channel IN ('PORTAL', 'WHATSAPP', 'SALESFORCE', 'EMAIL')),
			CHECK (status IN ('AI_ACTIVE', 'HANDOFF_REQUESTED', 'WAITING_FOR_AGENT', 'AGENT_CONNECTED', 'RESOLVED'))
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_status ON conversations(status, handoff_at);
		CREATE INDEX IF NOT EXISTS idx_conversations_phone ON conversations(channel, customer_phone);

		CREATE TABLE IF NOT EXISTS messages (
			seq             INTEGER PRIMARY KEY AUTOINCREMENT,
			id              TEXT NOT NULL UNIQUE,
			conversation_id TEXT NOT NULL,
			role            TEXT NOT NULL,
			content         TEXT NOT NULL,
			created_at      TEXT NOT NULL,

			CHECK (role IN ('USER', 'ASSISTANT', 'AGENT', 'SYSTEM')),
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages(conversation_id, created_at, seq);

		CREATE TABLE IF NOT EXISTS embed_keys (
			id              TEXT PRIMARY KEY,
			secret          TEXT NOT NULL UNIQUE,
			allowed_domains TEXT NOT NULL DEFAULT '',
			enabled         INTEGER NOT NULL DEFAULT 1,
			created_at      TEXT NOT NULL
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// CreateConversation inserts a new conversation.
// Returns ErrDuplicateSession if the session id is already taken.
func (s *SQLiteStore) CreateConversation(ctx context.Context, conv *Conversation) error {
	var handoffAt any
	if conv.HandoffAt != nil {
		handoffAt = conv.HandoffAt.UTC().Format(timeFormat)
	}
	var agentID any
	if conv.AgentID != nil {
		agentID = *conv.AgentID
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations
			(id, session_id, channel, status, customer_name, customer_email, customer_phone, product_interest, agent_id, created_at, handoff_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		conv.ID, conv.SessionID, string(conv.Channel), string(conv.Status),
		conv.CustomerName, conv.CustomerEmail, conv.CustomerPhone, conv.ProductInterest,
		agentID, conv.CreatedAt.UTC().Format(timeFormat), handoffAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateSession
		}
		return fmt.Errorf("inserting conversation: %w", err)
	}
	return nil
}

const conversationColumns = `id, session_id, channel, status, customer_name, customer_email, customer_phone, product_interest, agent_id, created_at, handoff_at`

// scanConversation reads one conversation row.
func scanConversation(row interface{ Scan(...any) error }) (*Conversation, error) {
	var conv Conversation
	var channel, status, createdAt string
	var agentID, handoffAt sql.NullString

	err := row.Scan(&conv.ID, &conv.SessionID, &channel, &status,
		&conv.CustomerName, &conv.CustomerEmail, &conv.CustomerPhone, &conv.ProductInterest,
		&agentID, &createdAt, &handoffAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}

	conv.Channel = Channel(channel)
	conv.Status = Status(status)
	if agentID.Valid {
		conv.AgentID = &agentID.String
	}
	conv.CreatedAt, err = time.Parse(timeFormat, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if handoffAt.Valid {
		t, err := time.Parse(timeFormat, handoffAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing handoff_at: %w", err)
		}
		conv.HandoffAt = &t
	}
	return &conv, nil
}

// GetConversation returns the conversation with the given id, or ErrNotFound.
func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id)
	return scanConversation(row)
}

// GetConversationBySession returns the conversation with the given session id.
func (s *SQLiteStore) GetConversationBySession(ctx context.Context, sessionID string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE session_id = ?`, sessionID)
	return scanConversation(row)
}

// GetConversationByPhone returns the most recent open conversation for a phone
// number on a channel. RESOLVED conversations are skipped so a returning
// customer gets a fresh conversation.
func (s *SQLiteStore) GetConversationByPhone(ctx context.Context, channel Channel, phone string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations
		 WHERE channel = ? AND customer_phone = ? AND status != 'RESOLVED'
		 ORDER BY created_at DESC LIMIT 1`,
		string(channel), phone)
	return scanConversation(row)
}

// ListWaiting returns all WAITING_FOR_AGENT conversations in handoff order.
func (s *SQLiteStore) ListWaiting(ctx context.Context) ([]*Conversation, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+conversationColumns+` FROM conversations
		 WHERE status = 'WAITING_FOR_AGENT'
		 ORDER BY handoff_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing waiting conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, conv)
	}
	return convs, rows.Err()
}

// TransitionConversation applies a status change conditioned on the current
// status being one of the listed from states. Every requested edge must be
// legal per Status.CanTransitionTo; the store never records a forbidden
// transition no matter what the caller names. The handoff timestamp is stamped
// the first time the conversation enters WAITING_FOR_AGENT and never touched
// again. On failure the caller gets the reason, not a silent no-op:
// ErrNotFound, ErrConversationClosed, or ErrInvalidTransition.
func (s *SQLiteStore) TransitionConversation(ctx context.Context, id string, to Status, from ...Status) error {
	if len(from) == 0 {
		return fmt.Errorf("transition to %s: no from states given", to)
	}
	for _, f := range from {
		if !f.CanTransitionTo(to) {
			return fmt.Errorf("transition %s -> %s: %w", f, to, ErrInvalidTransition)
		}
	}

	placeholders := strings.Repeat("?,", len(from))
	placeholders = placeholders[:len(placeholders)-1]

	args := []any{string(to)}
	query := `UPDATE conversations SET status = ?`
	if to == StatusWaitingForAgent {
		query += `, handoff_at = COALESCE(handoff_at, ?)`
		args = append(args, time.Now().UTC().Format(timeFormat))
	}
	query += ` WHERE id = ? AND status IN (` + placeholders + `)`
	args = append(args, id)
	for _, f := range from {
		args = append(args, string(f))
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating conversation status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reading affected rows: %w", err)
	}
	if affected == 1 {
		return nil
	}

	return s.transitionFailure(ctx, id)
}

// transitionFailure classifies why a conditional status update matched no rows.
func (s *SQLiteStore) transitionFailure(ctx context.Context, id string) error {
	conv, err := s.GetConversation(ctx, id)
	if err != nil {
		return err
	}
	if conv.Status == StatusResolved {
		return ErrConversationClosed
	}
	return ErrInvalidTransition
}

// ClaimConversation atomically assigns an agent to a waiting conversation.
// The UPDATE is conditioned on status = WAITING_FOR_AGENT, so of any number of
// concurrent claimants exactly one sees an affected row; the rest get
// ErrAlreadyClaimed. Returns the claimed conversation on success.
func (s *SQLiteStore) ClaimConversation(ctx context.Context, id, agentID string) (*Conversation, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET status = 'AGENT_CONNECTED', agent_id = ?
		WHERE id = ? AND status = 'WAITING_FOR_AGENT'`,
		agentID, id)
	if err != nil {
		return nil, fmt.Errorf("claiming conversation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("reading affected rows: %w", err)
	}
	if affected == 0 {
		if _, err := s.GetConversation(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrAlreadyClaimed
	}
	return s.GetConversation(ctx, id)
}

// ResolveConversation moves a conversation to RESOLVED from any open state.
// Resolving an already-RESOLVED conversation returns ErrConversationClosed.
func (s *SQLiteStore) ResolveConversation(ctx context.Context, id string) error {
	return s.TransitionConversation(ctx, id, StatusResolved,
		StatusAIActive, StatusHandoffRequested, StatusWaitingForAgent, StatusAgentConnected)
}

// SaveMessage appends one message. RESOLVED conversations accept only SYSTEM
// messages; everything else gets ErrConversationClosed. The store assigns Seq.
func (s *SQLiteStore) SaveMessage(ctx context.Context, msg *Message) error {
	return s.SaveMessages(ctx, []*Message{msg})
}

// SaveMessages appends a batch of messages in a single transaction, used for
// chat-history replay on widget handoff. Seq values are assigned in slice
// order; a failure rolls back the whole batch.
func (s *SQLiteStore) SaveMessages(ctx context.Context, msgs []*Message) error {
	if len(msgs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM conversations WHERE id = ?`, msgs[0].ConversationID).Scan(&status)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("checking conversation status: %w", err)
	}

	for _, msg := range msgs {
		if Status(status) == StatusResolved && msg.Role != RoleSystem {
			return ErrConversationClosed
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, conversation_id, role, content, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			msg.ID, msg.ConversationID, string(msg.Role), msg.Content,
			msg.CreatedAt.UTC().Format(timeFormat))
		if err != nil {
			return fmt.Errorf("inserting message: %w", err)
		}
		msg.Seq, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("reading message seq: %w", err)
		}
	}

	return tx.Commit()
}

// scanMessages reads message rows in cursor order.
func scanMessages(rows *sql.Rows) ([]*Message, error) {
	var msgs []*Message
	for rows.Next() {
		var msg Message
		var role, createdAt string
		if err := rows.Scan(&msg.Seq, &msg.ID, &msg.ConversationID, &role, &msg.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		msg.Role = Role(role)
		var err error
		msg.CreatedAt, err = time.Parse(timeFormat, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing message created_at: %w", err)
		}
		msgs = append(msgs, &msg)
	}
	return msgs, rows.Err()
}

// ListMessages returns up to limit messages of a conversation in cursor order.
func (s *SQLiteStore) ListMessages(ctx context.Context, conversationID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, id, conversation_id, role, content, created_at FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at ASC, seq ASC
		LIMIT ?`,
		conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// ListMessagesAfter returns messages strictly newer than the (after, afterSeq)
// cursor, optionally filtered to the given roles. Ordering is (created_at, seq)
// so repeated polls with the same cursor return the same set.
func (s *SQLiteStore) ListMessagesAfter(ctx context.Context, conversationID string, after time.Time, afterSeq int64, roles []Role) ([]*Message, error) {
	query := `
		SELECT seq, id, conversation_id, role, content, created_at FROM messages
		WHERE conversation_id = ? AND (created_at > ? OR (created_at = ? AND seq > ?))`
	cursor := after.UTC().Format(timeFormat)
	args := []any{conversationID, cursor, cursor, afterSeq}

	if len(roles) > 0 {
		placeholders := strings.Repeat("?,", len(roles))
		query += ` AND role IN (` + placeholders[:len(placeholders)-1] + `)`
		for _, r := range roles {
			args = append(args, string(r))
		}
	}
	query += ` ORDER BY created_at ASC, seq ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing messages after cursor: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// CreateEmbedKey inserts a widget API key.
func (s *SQLiteStore) CreateEmbedKey(ctx context.Context, key *EmbedKey) error {
	enabled := 0
	if key.Enabled {
		enabled = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO embed_keys (id, secret, allowed_domains, enabled, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		key.ID, key.Secret, strings.Join(key.AllowedDomains, ","), enabled,
		key.CreatedAt.UTC().Format(timeFormat))
	if err != nil {
		return fmt.Errorf("inserting embed key: %w", err)
	}
	return nil
}

// scanEmbedKey reads one embed key row.
func scanEmbedKey(row interface{ Scan(...any) error }) (*EmbedKey, error) {
	var key EmbedKey
	var domains, createdAt string
	var enabled int
	err := row.Scan(&key.ID, &key.Secret, &domains, &enabled, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning embed key: %w", err)
	}
	if domains != "" {
		key.AllowedDomains = strings.Split(domains, ",")
	}
	key.Enabled = enabled == 1
	key.CreatedAt, err = time.Parse(timeFormat, createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing embed key created_at: %w", err)
	}
	return &key, nil
}

// GetEmbedKey returns the embed key with the given id.
func (s *SQLiteStore) GetEmbedKey(ctx context.Context, id string) (*EmbedKey, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, secret, allowed_domains, enabled, created_at FROM embed_keys WHERE id = ?`, id)
	return scanEmbedKey(row)
}

// GetEmbedKeyBySecret returns the embed key matching the raw secret.
func (s *SQLiteStore) GetEmbedKeyBySecret(ctx context.Context, secret string) (*EmbedKey, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, secret, allowed_domains, enabled, created_at FROM embed_keys WHERE secret = ?`, secret)
	return scanEmbedKey(row)
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
