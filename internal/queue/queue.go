// ABOUTME: Queue service: waiting-conversation snapshots, claim arbitration, fan-out
// ABOUTME: Claim safety lives in the store CAS; this layer orders and broadcasts

package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/relaydesk/relaydesk/internal/store"
)

// Event names published by the queue.
const (
	EventQueueUpdate   = "queue:update"
	EventQueuePosition = "queue-position"
)

// ErrNotAssigned means a rejoin was attempted by an agent that does not own
// the conversation.
var ErrNotAssigned = errors.New("conversation not assigned to agent")

// Entry is one waiting conversation as shown to agents.
type Entry struct {
	ConversationID  string        `json:"conversationId"`
	SessionID       string        `json:"sessionId"`
	Channel         store.Channel `json:"channel"`
	CustomerName    string        `json:"customerName,omitempty"`
	ProductInterest string        `json:"productInterest,omitempty"`
	WaitingSince    time.Time     `json:"waitingSince"`
	Position        int           `json:"position"`
}

// Update is the queue:update payload broadcast to all agents.
type Update struct {
	Entries []Entry `json:"entries"`
	Total   int     `json:"total"`
}

// Position is the queue-position payload pushed to a waiting customer.
type Position struct {
	ConversationID string `json:"conversationId"`
	Position       int    `json:"position"`
}

// Store is what the queue needs from persistence.
type Store interface {
	ListWaiting(ctx context.Context) ([]*store.Conversation, error)
	ClaimConversation(ctx context.Context, id, agentID string) (*store.Conversation, error)
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
}

// Queue orders waiting conversations by handoff time and arbitrates claims.
// It owns no state of its own: the store is the source of truth and the
// broadcaster carries the fan-out.
type Queue struct {
	store  Store
	b      *Broadcaster
	logger *slog.Logger
}

// New creates a queue service. Pass nil logger for default.
func New(st Store, b *Broadcaster, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		store:  st,
		b:      b,
		logger: logger.With("component", "queue"),
	}
}

// Broadcaster exposes the underlying broadcaster for transports that need to
// subscribe directly.
func (q *Queue) Broadcaster() *Broadcaster {
	return q.b
}

// Snapshot returns the waiting conversations in FIFO order by handoff time,
// with 1-based positions assigned.
func (q *Queue) Snapshot(ctx context.Context) ([]Entry, error) {
	waiting, err := q.store.ListWaiting(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing waiting conversations: %w", err)
	}

	entries := make([]Entry, 0, len(waiting))
	for i, c := range waiting {
		since := c.CreatedAt
		if c.HandoffAt != nil {
			since = *c.HandoffAt
		}
		entries = append(entries, Entry{
			ConversationID:  c.ID,
			SessionID:       c.SessionID,
			Channel:         c.Channel,
			CustomerName:    c.CustomerName,
			ProductInterest: c.ProductInterest,
			WaitingSince:    since,
			Position:        i + 1,
		})
	}
	return entries, nil
}

// PositionOf returns the 1-based queue position of a waiting conversation,
// or 0 when it is not in the queue.
func (q *Queue) PositionOf(ctx context.Context, conversationID string) (int, error) {
	entries, err := q.Snapshot(ctx)
	if err != nil {
		return 0, err
	}
	for _, e := range entries {
		if e.ConversationID == conversationID {
			return e.Position, nil
		}
	}
	return 0, nil
}

// Claim assigns a waiting conversation to agentID. Exactly one concurrent
// caller wins; losers get store.ErrAlreadyClaimed. On success the new queue
// state fans out to all agents and waiting customers.
func (q *Queue) Claim(ctx context.Context, conversationID, agentID string) (*store.Conversation, error) {
	conv, err := q.store.ClaimConversation(ctx, conversationID, agentID)
	if err != nil {
		return nil, err
	}

	q.logger.Info("conversation claimed",
		"conversation_id", conversationID,
		"agent_id", agentID)

	q.NotifyChanged(ctx)
	return conv, nil
}

// Rejoin verifies that agentID still owns the conversation after a reconnect.
// The claim survives agent disconnects, so this is a read, not a mutation.
func (q *Queue) Rejoin(ctx context.Context, conversationID, agentID string) (*store.Conversation, error) {
	conv, err := q.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if conv.Status != store.StatusAgentConnected || conv.AgentID == nil || *conv.AgentID != agentID {
		return nil, ErrNotAssigned
	}
	return conv, nil
}

// NotifyChanged recomputes the queue and fans the new state out: a
// queue:update to the agents topic and a queue-position to every waiting
// conversation's room. Called after any mutation that can change positions.
func (q *Queue) NotifyChanged(ctx context.Context) {
	entries, err := q.Snapshot(ctx)
	if err != nil {
		q.logger.Error("queue snapshot failed", "error", err)
		return
	}

	q.b.Publish(TopicAgents, Event{
		Name: EventQueueUpdate,
		Data: Update{Entries: entries, Total: len(entries)},
	}, "")

	for _, e := range entries {
		q.b.Publish(e.ConversationID, Event{
			Name: EventQueuePosition,
			Data: Position{ConversationID: e.ConversationID, Position: e.Position},
		}, "")
	}
}
