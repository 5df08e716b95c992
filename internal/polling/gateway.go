// ABOUTME: Polling fallback for widget clients without a live socket
// ABOUTME: Stateless cursor reads; tenant scoping hides foreign conversations

package polling

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/relaydesk/relaydesk/internal/presence"
	"github.com/relaydesk/relaydesk/internal/store"
)

// Store is what the gateway needs from persistence.
type Store interface {
	GetConversation(ctx context.Context, id string) (*store.Conversation, error)
	ListMessagesAfter(ctx context.Context, conversationID string, after time.Time, afterSeq int64, roles []store.Role) ([]*store.Message, error)
}

// Result is one poll response: current status, the connected agent if any,
// and every AGENT/SYSTEM message strictly newer than the caller's cursor.
// The caller echoes the last message's (CreatedAt, Seq) back as the next
// cursor, so repeated polls with an unchanged cursor return the same set.
type Result struct {
	ConversationID string
	Status         store.Status
	AgentID        string
	AgentName      string
	Messages       []*store.Message
}

// Gateway serves cursor polls. It holds no per-client state: the cursor
// lives with the client, so any number of gateway replicas can answer.
type Gateway struct {
	store    Store
	presence *presence.Tracker
	logger   *slog.Logger
}

// New creates a polling gateway. Pass nil logger for default.
func New(st Store, tracker *presence.Tracker, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		store:    st,
		presence: tracker,
		logger:   logger.With("component", "polling"),
	}
}

// Poll returns messages newer than the (after, afterSeq) cursor. Only AGENT
// and SYSTEM messages are returned; the customer already has its own side of
// the transcript. tenantPrefix, when non-empty, must prefix the
// conversation's session id — a mismatch reports store.ErrNotFound so callers
// cannot probe for foreign conversations.
func (g *Gateway) Poll(ctx context.Context, conversationID string, after time.Time, afterSeq int64, tenantPrefix string) (*Result, error) {
	conv, err := g.store.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	if tenantPrefix != "" && !strings.HasPrefix(conv.SessionID, tenantPrefix) {
		g.logger.Debug("tenant prefix mismatch",
			"conversation_id", conversationID,
			"prefix", tenantPrefix)
		return nil, store.ErrNotFound
	}

	msgs, err := g.store.ListMessagesAfter(ctx, conversationID, after, afterSeq,
		[]store.Role{store.RoleAgent, store.RoleSystem})
	if err != nil {
		return nil, err
	}

	res := &Result{
		ConversationID: conv.ID,
		Status:         conv.Status,
		Messages:       msgs,
	}
	if conv.AgentID != nil {
		res.AgentID = *conv.AgentID
		res.AgentName = *conv.AgentID
		if g.presence != nil {
			if a, ok := g.presence.Get(*conv.AgentID); ok && a.DisplayName != "" {
				res.AgentName = a.DisplayName
			}
		}
	}
	return res, nil
}
