// ABOUTME: Dashboard ingress adapter for authenticated in-app chat
// ABOUTME: Same handoff shape as the widget, minus the access guard

package channel

import (
	"context"
	"log/slog"
	"time"

	"github.com/relaydesk/relaydesk/internal/conversation"
	"github.com/relaydesk/relaydesk/internal/metrics"
	"github.com/relaydesk/relaydesk/internal/store"
)

// DashboardAdapter turns trusted dashboard requests into handoffs.
type DashboardAdapter struct {
	conversations *conversation.Service
	logger        *slog.Logger
}

// NewDashboardAdapter creates a dashboard adapter. Pass nil logger for default.
func NewDashboardAdapter(svc *conversation.Service, logger *slog.Logger) *DashboardAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &DashboardAdapter{
		conversations: svc,
		logger:        logger.With("component", "dashboard"),
	}
}

// CreateHandoff queues a dashboard conversation for a human agent. userID
// comes from the verified JWT.
func (a *DashboardAdapter) CreateHandoff(ctx context.Context, userID string, p DashboardPayload) (*conversation.HandoffResult, error) {
	req := p.Normalize(userID, time.Now().UTC())
	res, err := a.conversations.RequestHandoff(ctx, req)
	if err != nil {
		return nil, err
	}

	metrics.HandoffsTotal.WithLabelValues(string(store.ChannelPortal)).Inc()
	a.logger.Info("dashboard handoff created",
		"conversation_id", res.Conversation.ID,
		"user_id", userID,
		"queue_position", res.Position)
	return res, nil
}
