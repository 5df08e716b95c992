// ABOUTME: Widget ingress adapter for the embedded web chat
// ABOUTME: Callers are untrusted; the HTTP layer runs AccessGuard before this

package channel

import (
	"context"
	"log/slog"
	"time"

	"github.com/relaydesk/relaydesk/internal/conversation"
	"github.com/relaydesk/relaydesk/internal/metrics"
	"github.com/relaydesk/relaydesk/internal/store"
)

// WidgetAdapter turns authorized widget requests into handoffs.
type WidgetAdapter struct {
	conversations *conversation.Service
	logger        *slog.Logger
}

// NewWidgetAdapter creates a widget adapter. Pass nil logger for default.
func NewWidgetAdapter(svc *conversation.Service, logger *slog.Logger) *WidgetAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &WidgetAdapter{
		conversations: svc,
		logger:        logger.With("component", "widget"),
	}
}

// CreateHandoff queues a new widget conversation for a human agent. keyID is
// the embed key id established by AccessGuard; it namespaces the session so
// polling stays tenant-scoped.
func (a *WidgetAdapter) CreateHandoff(ctx context.Context, keyID string, p WidgetPayload) (*conversation.HandoffResult, error) {
	req := p.Normalize(keyID, time.Now().UTC())
	res, err := a.conversations.RequestHandoff(ctx, req)
	if err != nil {
		return nil, err
	}

	metrics.HandoffsTotal.WithLabelValues(string(store.ChannelPortal)).Inc()
	a.logger.Info("widget handoff created",
		"conversation_id", res.Conversation.ID,
		"key_id", keyID,
		"queue_position", res.Position)
	return res, nil
}

// TenantPrefix is the session namespace a widget caller may poll.
func TenantPrefix(keyID string) string {
	return "widget_" + keyID + "_"
}
